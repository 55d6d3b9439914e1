package v1

import (
	"encoding/json"
	"strings"
	"testing"
	"time"
)

func TestEnvelopeValidate(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		env  Envelope
		want string
	}{
		{"ok", Envelope{V: Version, Type: TypeSendMessage}, ""},
		{"missing version", Envelope{Type: TypeSendMessage}, "missing field: v"},
		{"wrong version", Envelope{V: "v0", Type: TypeSendMessage}, "unsupported protocol version"},
		{"missing type", Envelope{V: Version}, "missing field: type"},
		{"unknown type", Envelope{V: Version, Type: "conversation.join"}, "unknown type"},
	}
	for _, tc := range cases {
		err := tc.env.Validate()
		if tc.want == "" {
			if err != nil {
				t.Fatalf("%s: unexpected err=%v", tc.name, err)
			}
			continue
		}
		if err == nil || !strings.Contains(err.Error(), tc.want) {
			t.Fatalf("%s: err=%v want contains %q", tc.name, err, tc.want)
		}
	}
}

func TestEnvelopeWireShape(t *testing.T) {
	t.Parallel()

	ts := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	env, err := NewEnvelope(TypeSendMessage, "e-1", ts, SendMessagePayload{
		RecipientID: "u-b",
		Body:        "hello",
		ClientRef:   "L1",
	})
	if err != nil {
		t.Fatalf("new envelope: %v", err)
	}

	b, _ := json.Marshal(env)
	var raw map[string]any
	if err := json.Unmarshal(b, &raw); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if raw["v"] != "v1" || raw["type"] != "send_message" || raw["id"] != "e-1" {
		t.Fatalf("envelope fields: %v", raw)
	}
	payload, _ := raw["payload"].(map[string]any)
	if payload["recipient_id"] != "u-b" || payload["client_ref"] != "L1" {
		t.Fatalf("payload fields: %v", payload)
	}
	if _, ok := payload["chat_id"]; ok {
		t.Fatalf("empty chat_id should be omitted: %v", payload)
	}

	var back SendMessagePayload
	if err := env.Decode(&back); err != nil || back.Body != "hello" {
		t.Fatalf("decode: %+v err=%v", back, err)
	}
}

func TestEnvelopeDecodeMissingPayload(t *testing.T) {
	t.Parallel()

	env := Envelope{V: Version, Type: TypeJoinRoom}
	var p RoomPayload
	if err := env.Decode(&p); err == nil {
		t.Fatalf("expected error for missing payload")
	}
}

package realtime

import (
	"context"
	"os"
	"strings"
	"testing"
	"time"

	"classchat/cmd/identity/ids"
)

// Enabled when CLASSCHAT_TEST_REDIS_URL is set.
func TestRedisPresenceMirror_Counts(t *testing.T) {
	raw := strings.TrimSpace(os.Getenv("CLASSCHAT_TEST_REDIS_URL"))
	if raw == "" {
		t.Skip("integration test skipped: CLASSCHAT_TEST_REDIS_URL is not set")
	}

	key := "classchat:it:presence:" + ids.MustULID(time.Now())
	m, err := NewRedisPresenceMirror(raw, key)
	if err != nil {
		t.Fatalf("new mirror: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	t.Cleanup(func() {
		_ = m.Reset(context.Background())
		_ = m.Close()
	})

	if err := m.Ping(ctx); err != nil {
		t.Fatalf("ping: %v", err)
	}

	r := NewRegistry(WithRegistryLogger(quietLogger()), WithPresenceMirror(m, time.Second))
	defer r.Close()

	for _, id := range []string{"tab-1", "tab-2"} {
		_ = r.Attach(NewSession(id, 8))
		if err := r.Register("u-1", id); err != nil {
			t.Fatalf("register: %v", err)
		}
	}
	if ok, err := m.IsOnline(ctx, "u-1"); err != nil || !ok {
		t.Fatalf("online=%v err=%v", ok, err)
	}

	r.Unregister("tab-1")
	if ok, _ := m.IsOnline(ctx, "u-1"); !ok {
		t.Fatalf("u-1 went offline with a tab still open")
	}
	r.Unregister("tab-2")
	if ok, err := m.IsOnline(ctx, "u-1"); err != nil || ok {
		t.Fatalf("online=%v err=%v after last teardown", ok, err)
	}
}

package realtime

import (
	"log/slog"
	"time"

	"classchat/cmd/internal/metrics"
	v1 "classchat/shared/contracts/realtime/v1"
)

// DispatchReport summarizes one dispatch.
type DispatchReport struct {
	Delivered int
	Dropped   int
	Notified  int
}

// Dispatcher delivers persisted messages to room members and notifies the
// other participant's connections that are not in the room.
//
// Enqueue never blocks: a full session queue drops the envelope for that
// session only.
type Dispatcher struct {
	registry *Registry
	log      *slog.Logger
	now      func() time.Time
}

// NewDispatcher returns a Dispatcher over registry.
func NewDispatcher(registry *Registry, log *slog.Logger) *Dispatcher {
	if log == nil {
		log = slog.Default()
	}
	return &Dispatcher{registry: registry, log: log, now: time.Now}
}

// Dispatch delivers msg. clientRef is echoed only to the sender's own
// sessions. origin, when set and not in the room, still receives the echo so
// the sender can reconcile. Call it only with a message returned by the
// PersistenceGateway.
func (d *Dispatcher) Dispatch(msg Message, chat Chat, sender v1.SenderSummary, clientRef string, origin *Session) DispatchReport {
	var rep DispatchReport
	now := d.now().UTC()

	members := d.registry.Members(chat.ID)
	inRoom := make(map[string]struct{}, len(members))

	own, err := v1.NewEnvelope(v1.TypeMessage, NewEnvelopeID(now), now, msg.Wire(clientRef))
	if err != nil {
		d.log.Error("fanout.encode.fail", "chat_id", chat.ID, "message_id", msg.ID, "err", err)
		return rep
	}
	other := own
	if clientRef != "" {
		if other, err = v1.NewEnvelope(v1.TypeMessage, own.ID, now, msg.Wire("")); err != nil {
			d.log.Error("fanout.encode.fail", "chat_id", chat.ID, "message_id", msg.ID, "err", err)
			return rep
		}
	}

	for _, s := range members {
		inRoom[s.ID()] = struct{}{}
		env := other
		if s.UserID() == msg.SenderID {
			env = own
		}
		if s.Enqueue(env) {
			rep.Delivered++
			metrics.FanoutDeliveries.Inc()
			continue
		}
		rep.Dropped++
		metrics.FanoutDrops.Inc()
		d.log.Warn("fanout.drop", "chat_id", chat.ID, "conn_id", s.ID(), "message_id", msg.ID)
	}

	if origin != nil {
		if _, ok := inRoom[origin.ID()]; !ok {
			if origin.Enqueue(own) {
				rep.Delivered++
				metrics.FanoutDeliveries.Inc()
			} else {
				rep.Dropped++
				metrics.FanoutDrops.Inc()
			}
		}
	}

	recipient := chat.Other(msg.SenderID)
	if recipient == "" {
		return rep
	}
	notifyEnv, err := v1.NewEnvelope(v1.TypeNotification, NewEnvelopeID(now), now, v1.NotificationPayload{
		ChatID:  chat.ID,
		Sender:  sender,
		Message: msg.Wire(""),
	})
	if err != nil {
		d.log.Error("fanout.encode.fail", "chat_id", chat.ID, "message_id", msg.ID, "err", err)
		return rep
	}
	for _, s := range d.registry.Presence(recipient) {
		if _, ok := inRoom[s.ID()]; ok {
			continue
		}
		if s.Enqueue(notifyEnv) {
			rep.Notified++
			metrics.Notifications.Inc()
			continue
		}
		rep.Dropped++
		metrics.FanoutDrops.Inc()
	}
	return rep
}

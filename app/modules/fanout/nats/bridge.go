package fanoutnats

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/nats-io/nats.go"
	"github.com/parley-chat/parley/app/modules/fanout"
)

// Subject layout. DM and signal subjects carry the target in the last token
// so a process could narrow its subscription later; today every process
// subscribes with a wildcard and filters locally against its registry.
const (
	subjectDMPrefix     = "parley.fanout.dm."
	subjectDMWildcard   = "parley.fanout.dm.*"
	subjectPresence     = "parley.fanout.presence"
	subjectSignalPrefix = "parley.fanout.signal."
	subjectSignalWild   = "parley.fanout.signal.*"
)

// Bridge implements fanout.Bridge over core NATS pub/sub. Delivery is
// at-most-once; a process that is down during publish misses the event, which
// the presence sweep eventually repairs.
type Bridge struct {
	nc     *nats.Conn
	logger *slog.Logger

	mu   sync.Mutex
	subs []*nats.Subscription
}

func NewBridge(nc *nats.Conn, logger *slog.Logger) *Bridge {
	return &Bridge{nc: nc, logger: logger}
}

// Connect dials NATS with the client options the rest of the system uses.
// NoEcho keeps the server from redelivering this process's own publishes:
// publishers already deliver locally before they publish, so an echo would
// dispatch every event twice on the originating process.
func Connect(url string) (*nats.Conn, error) {
	nc, err := nats.Connect(url,
		nats.Name("parley-gateway"),
		nats.MaxReconnects(-1),
		nats.NoEcho(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}
	return nc, nil
}

func (b *Bridge) publish(subject string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal fanout event: %w", err)
	}
	if err := b.nc.Publish(subject, data); err != nil {
		return fmt.Errorf("failed to publish to %s: %w", subject, err)
	}
	return nil
}

func (b *Bridge) PublishDM(ctx context.Context, ev fanout.DMEvent) error {
	return b.publish(subjectDMPrefix+ev.DeviceID, ev)
}

func (b *Bridge) PublishPresence(ctx context.Context, ev fanout.PresenceEvent) error {
	return b.publish(subjectPresence, ev)
}

func (b *Bridge) PublishSignal(ctx context.Context, ev fanout.SignalEvent) error {
	return b.publish(subjectSignalPrefix+ev.UserID, ev)
}

// Start subscribes to all fanout subjects. On partial failure every
// subscription made so far is unsubscribed before returning the error.
func (b *Bridge) Start(ctx context.Context, h fanout.Handler) error {
	subscribe := func(subject string, cb nats.MsgHandler) error {
		sub, err := b.nc.Subscribe(subject, cb)
		if err != nil {
			return fmt.Errorf("failed to subscribe to %s: %w", subject, err)
		}
		b.mu.Lock()
		b.subs = append(b.subs, sub)
		b.mu.Unlock()
		return nil
	}

	handlers := []struct {
		subject string
		cb      nats.MsgHandler
	}{
		{subjectDMWildcard, func(msg *nats.Msg) {
			var ev fanout.DMEvent
			if err := json.Unmarshal(msg.Data, &ev); err != nil {
				b.logger.Error("dropping malformed dm fanout event", "subject", msg.Subject, "error", err)
				return
			}
			h.HandleDM(ctx, ev)
		}},
		{subjectPresence, func(msg *nats.Msg) {
			var ev fanout.PresenceEvent
			if err := json.Unmarshal(msg.Data, &ev); err != nil {
				b.logger.Error("dropping malformed presence fanout event", "error", err)
				return
			}
			h.HandlePresence(ctx, ev)
		}},
		{subjectSignalWild, func(msg *nats.Msg) {
			var ev fanout.SignalEvent
			if err := json.Unmarshal(msg.Data, &ev); err != nil {
				b.logger.Error("dropping malformed signal fanout event", "subject", msg.Subject, "error", err)
				return
			}
			h.HandleSignal(ctx, ev)
		}},
	}

	for _, reg := range handlers {
		if err := subscribe(reg.subject, reg.cb); err != nil {
			b.unsubscribeAll()
			return err
		}
	}

	b.logger.InfoContext(ctx, "fanout bridge started", slog.Int("subscriptions", len(handlers)))
	return nil
}

func (b *Bridge) unsubscribeAll() {
	b.mu.Lock()
	subs := b.subs
	b.subs = nil
	b.mu.Unlock()
	for _, sub := range subs {
		if err := sub.Unsubscribe(); err != nil {
			b.logger.Error("failed to unsubscribe", "subject", sub.Subject, "error", err)
		}
	}
}

func (b *Bridge) Close() error {
	b.unsubscribeAll()
	if b.nc != nil && !b.nc.IsClosed() {
		if err := b.nc.Drain(); err != nil {
			return fmt.Errorf("failed to drain NATS connection: %w", err)
		}
	}
	return nil
}

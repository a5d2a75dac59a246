package fanout

import "context"

// DMEvent is a direct message (or call signal) addressed to one device.
type DMEvent struct {
	DeviceID string `json:"device_id"`
	UserID   string `json:"user_id"`
	Event    string `json:"event"`
	Payload  []byte `json:"payload"`
}

// PresenceEvent announces one user's presence change to every process.
type PresenceEvent struct {
	UserID       string `json:"user_id"`
	Status       string `json:"status"`
	CustomStatus string `json:"custom_status,omitempty"`
	Activity     []byte `json:"activity,omitempty"`
}

// SignalEvent is a 1:1 call signal addressed to one user, any device.
type SignalEvent struct {
	UserID  string `json:"user_id"`
	Payload []byte `json:"payload"`
}

// Handler receives events published by other processes. The bridge never
// hands back this process's own publishes; publishers deliver locally
// themselves before publishing.
type Handler interface {
	HandleDM(ctx context.Context, ev DMEvent)
	HandlePresence(ctx context.Context, ev PresenceEvent)
	HandleSignal(ctx context.Context, ev SignalEvent)
}

// Bridge fans gateway events out across processes. A nil Bridge is valid and
// means single-process operation: delivery degrades to local connections only,
// which the gateway logs at startup.
type Bridge interface {
	PublishDM(ctx context.Context, ev DMEvent) error
	PublishPresence(ctx context.Context, ev PresenceEvent) error
	PublishSignal(ctx context.Context, ev SignalEvent) error

	// Start subscribes and routes incoming events to the handler until the
	// context ends or Close is called.
	Start(ctx context.Context, h Handler) error
	Close() error
}

package voiceservice

import (
	"context"

	voicedomain "github.com/parley-chat/parley/app/modules/voice/domain"
)

// Engine is the SFU worker boundary. One engine serves every room in the
// process; once it reports closed it never recovers, and every operation on
// it or anything it created fails with ErrEngineClosed.
type Engine interface {
	NewRouter(ctx context.Context) (Router, error)
	Capabilities() voicedomain.RTPCapabilities
	Closed() bool
	Close() error
}

// Router is the per-room media hub: transports attach to it and media is
// forwarded between them.
type Router interface {
	NewTransport(ctx context.Context, direction voicedomain.Direction) (Transport, error)
	Close()
}

// Transport is one peer connection between a client and the SFU.
type Transport interface {
	ID() string
	Direction() voicedomain.Direction

	// CreateOffer builds the server-side SDP offer with candidates already
	// gathered, plus the DTLS fingerprints the client must pin.
	CreateOffer(ctx context.Context) (voicedomain.TransportInfo, error)

	// Connect applies the client's answer, completing ICE/DTLS.
	Connect(ctx context.Context, params voicedomain.ConnectParameters) error

	// Connected reports whether an answer has been applied. Consuming on a
	// connected recv transport needs a fresh offer round.
	Connected() bool

	// Produce registers an incoming media stream on a send transport.
	Produce(ctx context.Context, userID string, kind voicedomain.MediaKind, params voicedomain.RTPParameters) (Producer, error)

	// Consume attaches another peer's producer to a recv transport. The
	// consumer starts paused. Fails with ErrCannotConsume when the given
	// capabilities do not cover the producer's codec.
	Consume(ctx context.Context, producer Producer, caps voicedomain.RTPCapabilities) (Consumer, error)

	Close()
}

// Producer is one send-side media stream.
type Producer interface {
	ID() string
	UserID() string
	Kind() voicedomain.MediaKind
	Close()
}

// Consumer is one receive-side handle onto a producer.
type Consumer interface {
	ID() string
	Info() voicedomain.ConsumerInfo
	Resume() error
	Close()
}

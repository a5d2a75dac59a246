package gatewaydomain

import (
	"encoding/json"
	"errors"
	"fmt"

	voicedomain "github.com/parley-chat/parley/app/modules/voice/domain"
)

// Op is the gateway envelope opcode. The set is closed; anything else is a
// protocol violation, not a silent no-op.
type Op string

const (
	OpHello        Op = "HELLO"
	OpIdentify     Op = "IDENTIFY"
	OpReady        Op = "READY"
	OpHeartbeat    Op = "HEARTBEAT"
	OpHeartbeatAck Op = "HEARTBEAT_ACK"
	OpDispatch     Op = "DISPATCH"
	OpError        Op = "ERROR"
)

var (
	// ErrMalformedEnvelope is returned for frames that do not parse as an
	// envelope at all.
	ErrMalformedEnvelope = errors.New("malformed envelope")

	// ErrUnknownOp is returned for an op outside the closed set.
	ErrUnknownOp = errors.New("unknown op")

	// ErrUnknownEvent is returned for a DISPATCH with an unrecognized t.
	ErrUnknownEvent = errors.New("unknown event type")

	// ErrInvalidIdentify is returned when IDENTIFY carries neither or both
	// credential shapes.
	ErrInvalidIdentify = errors.New("invalid identify payload")
)

// Envelope is the wire frame: {op, t?, s?, d}. The sequence number s is
// assigned at send time, per connection, DISPATCH only.
type Envelope struct {
	Op Op              `json:"op"`
	T  string          `json:"t,omitempty"`
	S  *int64          `json:"s,omitempty"`
	D  json.RawMessage `json:"d,omitempty"`
}

// HelloPayload is sent by the server immediately after the socket opens.
type HelloPayload struct {
	HeartbeatIntervalMS int64 `json:"heartbeat_interval_ms"`
}

// IdentifyPayload carries exactly one of the two credential shapes: an
// access token for social/presence features, or a membership token for
// node-scoped/voice features.
type IdentifyPayload struct {
	AccessToken     string `json:"access_token,omitempty"`
	MembershipToken string `json:"membership_token,omitempty"`
	DeviceID        string `json:"device_id,omitempty"`
}

// Validate enforces the mutual exclusion of the credential shapes.
func (p *IdentifyPayload) Validate() error {
	hasAccess := p.AccessToken != ""
	hasMembership := p.MembershipToken != ""
	if hasAccess == hasMembership {
		return ErrInvalidIdentify
	}
	return nil
}

// ReadyPayload acknowledges a successful IDENTIFY.
type ReadyPayload struct {
	UserID    string `json:"user_id"`
	SessionID string `json:"session_id"`
}

// ErrorPayload is the single generic frame sent before closing on protocol
// violations. Code and message stay coarse so rejections cannot be used to
// probe credentials.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Inbound is the closed union of frames a client may send.
type Inbound interface {
	isInbound()
}

// InboundIdentify wraps a client IDENTIFY.
type InboundIdentify struct {
	Identify IdentifyPayload
}

// InboundHeartbeat is a client HEARTBEAT.
type InboundHeartbeat struct{}

// InboundCommand wraps a client DISPATCH with its decoded, typed payload.
type InboundCommand struct {
	T       string
	Command Command
}

func (InboundIdentify) isInbound()  {}
func (InboundHeartbeat) isInbound() {}
func (InboundCommand) isInbound()   {}

// Command is the closed union of DISPATCH payloads a client may send.
type Command interface {
	isCommand()
}

// SubscribeGuild adds a guild to the connection's interest set.
type SubscribeGuild struct {
	GuildID string `json:"guild_id"`
}

// SubscribeChannel adds a channel to the connection's interest set.
type SubscribeChannel struct {
	ChannelID string `json:"channel_id"`
}

// PresenceUpdate sets the user's status; it also satisfies a pending
// PRESENCE_SYNC_REQUEST probe.
type PresenceUpdate struct {
	Status       string          `json:"status"`
	CustomStatus string          `json:"custom_status,omitempty"`
	Activity     json.RawMessage `json:"activity,omitempty"`
}

// VoiceJoin enters a voice channel.
type VoiceJoin struct {
	GuildID   string `json:"guild_id"`
	ChannelID string `json:"channel_id"`
}

// VoiceLeave exits the current voice channel.
type VoiceLeave struct {
	GuildID   string `json:"guild_id"`
	ChannelID string `json:"channel_id"`
}

// VoiceCreateTransport requests a send or recv transport.
type VoiceCreateTransport struct {
	GuildID   string                `json:"guild_id"`
	ChannelID string                `json:"channel_id"`
	Direction voicedomain.Direction `json:"direction"`
}

// VoiceConnectTransport finalizes a transport's ICE/DTLS negotiation.
type VoiceConnectTransport struct {
	GuildID     string                        `json:"guild_id"`
	ChannelID   string                        `json:"channel_id"`
	TransportID string                        `json:"transport_id"`
	DTLS        voicedomain.ConnectParameters `json:"dtls"`
}

// VoiceProduce creates a producer on a connected send transport.
type VoiceProduce struct {
	GuildID       string                    `json:"guild_id"`
	ChannelID     string                    `json:"channel_id"`
	TransportID   string                    `json:"transport_id"`
	Kind          voicedomain.MediaKind     `json:"kind"`
	RTPParameters voicedomain.RTPParameters `json:"rtp_parameters"`
}

// VoiceConsume creates a paused consumer for another peer's producer.
type VoiceConsume struct {
	GuildID         string                      `json:"guild_id"`
	ChannelID       string                      `json:"channel_id"`
	ProducerID      string                      `json:"producer_id"`
	RTPCapabilities voicedomain.RTPCapabilities `json:"rtp_capabilities"`
}

// VoiceResumeConsumer unpauses a consumer once the client receiver is ready.
type VoiceResumeConsumer struct {
	GuildID    string `json:"guild_id"`
	ChannelID  string `json:"channel_id"`
	ConsumerID string `json:"consumer_id"`
}

func (SubscribeGuild) isCommand()        {}
func (SubscribeChannel) isCommand()      {}
func (PresenceUpdate) isCommand()        {}
func (VoiceJoin) isCommand()             {}
func (VoiceLeave) isCommand()            {}
func (VoiceCreateTransport) isCommand()  {}
func (VoiceConnectTransport) isCommand() {}
func (VoiceProduce) isCommand()          {}
func (VoiceConsume) isCommand()          {}
func (VoiceResumeConsumer) isCommand()   {}

// DecodeInbound parses a client frame into the closed inbound union.
func DecodeInbound(data []byte) (Inbound, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, ErrMalformedEnvelope
	}

	switch env.Op {
	case OpIdentify:
		var payload IdentifyPayload
		if err := json.Unmarshal(env.D, &payload); err != nil {
			return nil, ErrMalformedEnvelope
		}
		return InboundIdentify{Identify: payload}, nil
	case OpHeartbeat:
		return InboundHeartbeat{}, nil
	case OpDispatch:
		cmd, err := decodeCommand(env.T, env.D)
		if err != nil {
			return nil, err
		}
		return InboundCommand{T: env.T, Command: cmd}, nil
	case OpHello, OpReady, OpHeartbeatAck, OpError:
		// Server-to-client only.
		return nil, ErrUnknownOp
	default:
		return nil, ErrUnknownOp
	}
}

func decodeCommand(t string, d json.RawMessage) (Command, error) {
	decode := func(v Command) (Command, error) {
		if len(d) == 0 {
			return v, nil
		}
		if err := json.Unmarshal(d, v); err != nil {
			return nil, fmt.Errorf("%w: %s", ErrMalformedEnvelope, t)
		}
		return v, nil
	}

	switch t {
	case CmdSubscribeGuild:
		return decode(&SubscribeGuild{})
	case CmdSubscribeChannel:
		return decode(&SubscribeChannel{})
	case EventPresenceUpdate:
		return decode(&PresenceUpdate{})
	case CmdVoiceJoin:
		return decode(&VoiceJoin{})
	case CmdVoiceLeave:
		return decode(&VoiceLeave{})
	case CmdVoiceCreateTransport:
		return decode(&VoiceCreateTransport{})
	case CmdVoiceConnectTransport:
		return decode(&VoiceConnectTransport{})
	case CmdVoiceProduce:
		return decode(&VoiceProduce{})
	case CmdVoiceConsume:
		return decode(&VoiceConsume{})
	case CmdVoiceResumeConsumer:
		return decode(&VoiceResumeConsumer{})
	default:
		return nil, ErrUnknownEvent
	}
}

package gatewayapp

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/parley-chat/parley/app/modules/fanout"
	gatewaydomain "github.com/parley-chat/parley/app/modules/gateway/domain"
	gatewayregistry "github.com/parley-chat/parley/app/modules/gateway/registry"
	gatewaytransport "github.com/parley-chat/parley/app/modules/gateway/transport"
	memberdomain "github.com/parley-chat/parley/app/modules/membership/domain"
	permdomain "github.com/parley-chat/parley/app/modules/permissions/domain"
	voiceservice "github.com/parley-chat/parley/app/modules/voice/application"
	voicedomain "github.com/parley-chat/parley/app/modules/voice/domain"
	"github.com/parley-chat/parley/app/shared/observability"
)

// Protocol timing. The liveness sweep enforces HeartbeatTimeout and
// SyncTimeout; ProbeAfter sits between the advertised interval and the hard
// timeout so a healthy client gets one chance to prove liveness cheaply.
const (
	HeartbeatInterval = 30 * time.Second
	HeartbeatTimeout  = 90 * time.Second
	ProbeAfter        = 60 * time.Second
	SyncTimeout       = 20 * time.Second
	IdentifyTimeout   = 30 * time.Second

	LivenessTick      = 10 * time.Second
	PresenceSweepTick = 30 * time.Second
	StaleThreshold    = 150 * time.Second
)

// PresenceStore is the slice of the presence repository the session needs.
type PresenceStore interface {
	Upsert(ctx context.Context, userID, status, customStatus string, activity []byte) error
	SetOffline(ctx context.Context, userID string) error
}

// SessionVerifier checks core-issued session tokens (social IDENTIFY).
type SessionVerifier interface {
	VerifySession(token string) (*memberdomain.SessionClaims, error)
}

// MembershipVerifier checks membership tokens (node-scoped IDENTIFY).
type MembershipVerifier interface {
	Verify(ctx context.Context, token string) (*memberdomain.Claims, error)
}

// PermissionChecker resolves effective channel permissions before voice
// operations.
type PermissionChecker interface {
	Resolve(ctx context.Context, guildID, channelID, userID string, platformRole permdomain.PlatformRole) (permdomain.Bitset, error)
}

// VoiceController is the voice room control plane.
type VoiceController interface {
	Join(ctx context.Context, userID, guildID, channelID string) (*voiceservice.JoinResult, error)
	Leave(ctx context.Context, userID, guildID, channelID string) error
	CreateTransport(ctx context.Context, userID, guildID, channelID string, direction voicedomain.Direction) (voicedomain.TransportInfo, error)
	ConnectTransport(ctx context.Context, userID, guildID, channelID, transportID string, params voicedomain.ConnectParameters) error
	Produce(ctx context.Context, userID, guildID, channelID, transportID string, kind voicedomain.MediaKind, params voicedomain.RTPParameters) (voicedomain.ProducerInfo, error)
	Consume(ctx context.Context, userID, guildID, channelID, producerID string, caps voicedomain.RTPCapabilities) (*voiceservice.ConsumeResult, error)
	ResumeConsumer(ctx context.Context, userID, guildID, channelID, consumerID string) error
}

// Tunneler relays a membership-token IDENTIFY from the core gateway to the
// node that owns the server. It takes the connection over until either side
// closes.
type Tunneler interface {
	Tunnel(ctx context.Context, conn *gatewaytransport.Conn, identify gatewaydomain.IdentifyPayload) error
}

// connMeta is per-connection session state beyond what the transport keeps.
type connMeta struct {
	platformRole   permdomain.PlatformRole
	tracksPresence bool
}

// SessionManager owns the gateway protocol: it greets, authenticates,
// routes commands and cleans up. One per process.
type SessionManager struct {
	registry *gatewayregistry.Registry
	presence PresenceStore
	sessions SessionVerifier
	members  MembershipVerifier
	perms    PermissionChecker
	voice    VoiceController
	bridge   fanout.Bridge
	tunneler Tunneler
	obs      *observability.Observability
	logger   *slog.Logger

	metaMu sync.Mutex
	meta   map[*gatewaytransport.Conn]*connMeta
}

// Deps carries the collaborators; nil fields disable the matching IDENTIFY
// path or fanout leg.
type Deps struct {
	Registry *gatewayregistry.Registry
	Presence PresenceStore
	Sessions SessionVerifier
	Members  MembershipVerifier
	Perms    PermissionChecker
	Voice    VoiceController
	Bridge   fanout.Bridge
	Tunneler Tunneler
}

func NewSessionManager(deps Deps, obs *observability.Observability) *SessionManager {
	m := &SessionManager{
		registry: deps.Registry,
		presence: deps.Presence,
		sessions: deps.Sessions,
		members:  deps.Members,
		perms:    deps.Perms,
		voice:    deps.Voice,
		bridge:   deps.Bridge,
		tunneler: deps.Tunneler,
		obs:      obs,
		logger:   obs.Logger.With(slog.String("component", "gateway_session")),
		meta:     make(map[*gatewaytransport.Conn]*connMeta),
	}
	if m.bridge == nil {
		m.logger.Warn("no fanout bridge configured; events reach local connections only")
	}
	return m
}

// Accept adopts a freshly upgraded WebSocket: sends HELLO, starts the pumps
// and arms the identify deadline.
func (m *SessionManager) Accept(ctx context.Context, ws *websocket.Conn) *gatewaytransport.Conn {
	conn := gatewaytransport.NewConn(ctx, ws, m.handleMessage, m.handleClose, m.logger)
	conn.Run()
	conn.SendEnvelope(&gatewaydomain.Envelope{
		Op: gatewaydomain.OpHello,
		D:  mustMarshal(gatewaydomain.HelloPayload{HeartbeatIntervalMS: HeartbeatInterval.Milliseconds()}),
	})

	timer := time.AfterFunc(IdentifyTimeout, func() {
		m.expireIdentify(conn)
	})
	go func() {
		<-conn.Done()
		timer.Stop()
	}()
	return conn
}

// expireIdentify closes a connection that neither identified nor was handed
// to a tunnel within the deadline. Tunneled connections are ready on the
// node's side only; the local deadline must not apply to them.
func (m *SessionManager) expireIdentify(conn *gatewaytransport.Conn) {
	if conn.Ready() || conn.HandedOver() {
		return
	}
	conn.Close(websocket.StatusCode(gatewaydomain.CloseAuthFailed), "identify timeout", nil)
}

func mustMarshal(v any) json.RawMessage {
	data, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return data
}

func (m *SessionManager) handleMessage(ctx context.Context, conn *gatewaytransport.Conn, msg []byte) {
	in, err := gatewaydomain.DecodeInbound(msg)
	if err != nil {
		m.protocolError(conn, err)
		return
	}

	switch v := in.(type) {
	case gatewaydomain.InboundIdentify:
		m.handleIdentify(ctx, conn, v.Identify)
	case gatewaydomain.InboundHeartbeat:
		conn.MarkHeartbeat(time.Now())
		conn.SendEnvelope(&gatewaydomain.Envelope{Op: gatewaydomain.OpHeartbeatAck})
	case gatewaydomain.InboundCommand:
		if !conn.Ready() {
			m.protocolError(conn, errors.New("command before identify"))
			return
		}
		m.handleCommand(ctx, conn, v)
	}
}

// protocolError sends the generic ERROR frame and closes. The payload stays
// coarse on purpose; per-cause details only reach the logs.
func (m *SessionManager) protocolError(conn *gatewaytransport.Conn, err error) {
	m.logger.Debug("closing connection on protocol error",
		slog.String("conn_id", conn.ID().String()), slog.Any("error", err))
	conn.SendEnvelope(&gatewaydomain.Envelope{
		Op: gatewaydomain.OpError,
		D:  mustMarshal(gatewaydomain.ErrorPayload{Code: "PROTOCOL_ERROR", Message: "invalid frame"}),
	})
	conn.Close(websocket.StatusCode(gatewaydomain.CloseProtocolError), "protocol error", err)
}

func (m *SessionManager) authFailed(conn *gatewaytransport.Conn, err error) {
	m.obs.Metrics.IdentifyFailures.Inc()
	m.logger.Info("identify rejected", slog.String("conn_id", conn.ID().String()), slog.Any("error", err))
	conn.SendEnvelope(&gatewaydomain.Envelope{
		Op: gatewaydomain.OpError,
		D:  mustMarshal(gatewaydomain.ErrorPayload{Code: "AUTH_FAILED", Message: "authentication failed"}),
	})
	conn.Close(websocket.StatusCode(gatewaydomain.CloseAuthFailed), "authentication failed", err)
}

func (m *SessionManager) handleIdentify(ctx context.Context, conn *gatewaytransport.Conn, payload gatewaydomain.IdentifyPayload) {
	if conn.Ready() {
		m.protocolError(conn, errors.New("duplicate identify"))
		return
	}
	if err := payload.Validate(); err != nil {
		m.protocolError(conn, err)
		return
	}

	switch {
	case payload.AccessToken != "":
		if m.sessions == nil {
			m.authFailed(conn, errors.New("session identify not supported here"))
			return
		}
		claims, err := m.sessions.VerifySession(payload.AccessToken)
		if err != nil {
			m.authFailed(conn, err)
			return
		}
		deviceID := claims.DeviceID
		if deviceID == "" {
			deviceID = payload.DeviceID
		}
		m.promote(ctx, conn, claims.UserID, deviceID, &connMeta{
			platformRole:   permdomain.PlatformUser,
			tracksPresence: true,
		})

	case m.tunneler != nil:
		// Core gateway: the membership token belongs to a node; relay the
		// whole session there. The tunnel owns the socket from here on,
		// so the identify deadline stops applying.
		conn.MarkHandedOver()
		if err := m.tunneler.Tunnel(ctx, conn, payload); err != nil {
			m.authFailed(conn, err)
		}

	case m.members != nil:
		claims, err := m.members.Verify(ctx, payload.MembershipToken)
		if err != nil {
			m.authFailed(conn, err)
			return
		}
		m.promote(ctx, conn, claims.UserID, payload.DeviceID, &connMeta{
			platformRole:   claims.PlatformRole,
			tracksPresence: false,
		})

	default:
		m.authFailed(conn, errors.New("membership identify not supported here"))
	}
}

// promote marks the connection ready, registers it and sends READY.
func (m *SessionManager) promote(ctx context.Context, conn *gatewaytransport.Conn, userID, deviceID string, meta *connMeta) {
	conn.Identify(userID, deviceID)
	conn.SetReady()

	m.metaMu.Lock()
	m.meta[conn] = meta
	m.metaMu.Unlock()

	m.registry.Add(conn)
	m.obs.Metrics.OpenConnections.Inc()

	if meta.tracksPresence {
		if err := m.presence.Upsert(ctx, userID, "online", "", nil); err != nil {
			m.logger.ErrorContext(ctx, "failed to persist presence", "user_id", userID, "error", err)
		}
		m.PublishPresence(ctx, fanout.PresenceEvent{UserID: userID, Status: "online"})
	}

	conn.SendEnvelope(&gatewaydomain.Envelope{
		Op: gatewaydomain.OpReady,
		D: mustMarshal(gatewaydomain.ReadyPayload{
			UserID:    userID,
			SessionID: conn.ID().String(),
		}),
	})
	m.logger.InfoContext(ctx, "connection ready",
		slog.String("conn_id", conn.ID().String()), slog.String("user_id", userID))
}

func (m *SessionManager) metaFor(conn *gatewaytransport.Conn) *connMeta {
	m.metaMu.Lock()
	defer m.metaMu.Unlock()
	if meta, ok := m.meta[conn]; ok {
		return meta
	}
	return &connMeta{platformRole: permdomain.PlatformUser}
}

func (m *SessionManager) handleCommand(ctx context.Context, conn *gatewaytransport.Conn, cmd gatewaydomain.InboundCommand) {
	switch c := cmd.Command.(type) {
	case *gatewaydomain.SubscribeGuild:
		conn.SubscribeGuild(c.GuildID)
	case *gatewaydomain.SubscribeChannel:
		conn.SubscribeChannel(c.ChannelID)
	case *gatewaydomain.PresenceUpdate:
		m.handlePresenceUpdate(ctx, conn, c)
	case *gatewaydomain.VoiceJoin:
		m.handleVoiceJoin(ctx, conn, c)
	case *gatewaydomain.VoiceLeave:
		m.handleVoiceLeave(ctx, conn, c)
	case *gatewaydomain.VoiceCreateTransport:
		info, err := m.voice.CreateTransport(ctx, conn.UserID(), c.GuildID, c.ChannelID, c.Direction)
		m.voiceReply(conn, gatewaydomain.EventVoiceTransportCreated, info, err)
	case *gatewaydomain.VoiceConnectTransport:
		err := m.voice.ConnectTransport(ctx, conn.UserID(), c.GuildID, c.ChannelID, c.TransportID, c.DTLS)
		m.voiceReply(conn, gatewaydomain.EventVoiceTransportConnected,
			map[string]string{"transport_id": c.TransportID}, err)
	case *gatewaydomain.VoiceProduce:
		m.handleVoiceProduce(ctx, conn, c)
	case *gatewaydomain.VoiceConsume:
		res, err := m.voice.Consume(ctx, conn.UserID(), c.GuildID, c.ChannelID, c.ProducerID, c.RTPCapabilities)
		m.voiceReply(conn, gatewaydomain.EventVoiceConsumed, res, err)
	case *gatewaydomain.VoiceResumeConsumer:
		if err := m.voice.ResumeConsumer(ctx, conn.UserID(), c.GuildID, c.ChannelID, c.ConsumerID); err != nil {
			m.voiceError(conn, err)
		}
	}
}

func (m *SessionManager) handlePresenceUpdate(ctx context.Context, conn *gatewaytransport.Conn, c *gatewaydomain.PresenceUpdate) {
	// Always counts as a liveness proof, even when the session does not
	// own the user's presence.
	conn.MarkSynced(time.Now())

	if !m.metaFor(conn).tracksPresence {
		return
	}

	status := c.Status
	switch status {
	case "online", "idle", "dnd":
	default:
		status = "online"
	}

	if err := m.presence.Upsert(ctx, conn.UserID(), status, c.CustomStatus, c.Activity); err != nil {
		m.logger.ErrorContext(ctx, "failed to persist presence", "user_id", conn.UserID(), "error", err)
		return
	}
	m.PublishPresence(ctx, fanout.PresenceEvent{
		UserID:       conn.UserID(),
		Status:       status,
		CustomStatus: c.CustomStatus,
		Activity:     c.Activity,
	})
}

func (m *SessionManager) handleVoiceJoin(ctx context.Context, conn *gatewaytransport.Conn, c *gatewaydomain.VoiceJoin) {
	if !m.requirePermission(ctx, conn, c.GuildID, c.ChannelID, permdomain.Connect) {
		return
	}
	res, err := m.voice.Join(ctx, conn.UserID(), c.GuildID, c.ChannelID)
	if err != nil {
		m.voiceError(conn, err)
		return
	}
	conn.BindVoice(c.GuildID, c.ChannelID)
	m.dispatch(conn, gatewaydomain.EventVoiceJoined, res)
}

func (m *SessionManager) handleVoiceLeave(ctx context.Context, conn *gatewaytransport.Conn, c *gatewaydomain.VoiceLeave) {
	if err := m.voice.Leave(ctx, conn.UserID(), c.GuildID, c.ChannelID); err != nil {
		m.voiceError(conn, err)
		return
	}
	conn.UnbindVoice()
	m.dispatch(conn, gatewaydomain.EventVoiceLeft, c)
}

func (m *SessionManager) handleVoiceProduce(ctx context.Context, conn *gatewaytransport.Conn, c *gatewaydomain.VoiceProduce) {
	if !m.requirePermission(ctx, conn, c.GuildID, c.ChannelID, permdomain.Speak) {
		return
	}
	info, err := m.voice.Produce(ctx, conn.UserID(), c.GuildID, c.ChannelID, c.TransportID, c.Kind, c.RTPParameters)
	m.voiceReply(conn, gatewaydomain.EventVoiceProduced, info, err)
}

// requirePermission resolves the caller's channel permissions and dispatches
// VOICE_ERROR when the bit is missing.
func (m *SessionManager) requirePermission(ctx context.Context, conn *gatewaytransport.Conn, guildID, channelID string, bit permdomain.Bitset) bool {
	if m.perms == nil {
		return true
	}
	meta := m.metaFor(conn)
	resolved, err := m.perms.Resolve(ctx, guildID, channelID, conn.UserID(), meta.platformRole)
	if err != nil {
		m.voiceError(conn, err)
		return false
	}
	if !resolved.Has(bit) {
		m.voiceError(conn, permdomain.ErrMissingPerms)
		return false
	}
	return true
}

func (m *SessionManager) voiceReply(conn *gatewaytransport.Conn, t string, payload any, err error) {
	if err != nil {
		m.voiceError(conn, err)
		return
	}
	m.dispatch(conn, t, payload)
}

func (m *SessionManager) voiceError(conn *gatewaytransport.Conn, err error) {
	code := "VOICE_ERROR"
	switch {
	case errors.Is(err, voicedomain.ErrEngineClosed):
		code = "VOICE_UNAVAILABLE"
	case errors.Is(err, permdomain.ErrMissingPerms):
		code = "MISSING_PERMISSIONS"
	case errors.Is(err, voicedomain.ErrCannotConsume):
		code = "CANNOT_CONSUME"
	}
	m.dispatch(conn, gatewaydomain.EventVoiceError, gatewaydomain.ErrorPayload{
		Code:    code,
		Message: err.Error(),
	})
}

func (m *SessionManager) dispatch(conn *gatewaytransport.Conn, t string, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		m.logger.Error("failed to marshal dispatch", "t", t, "error", err)
		return
	}
	m.obs.Metrics.DispatchesSent.WithLabelValues(t).Inc()
	conn.SendDispatch(t, data)
}

func (m *SessionManager) handleClose(conn *gatewaytransport.Conn, err error) {
	if !conn.Ready() {
		return
	}

	m.metaMu.Lock()
	meta := m.meta[conn]
	delete(m.meta, conn)
	m.metaMu.Unlock()

	m.registry.Remove(conn)
	m.obs.Metrics.OpenConnections.Dec()

	ctx := context.Background()
	if guildID, channelID, ok := conn.VoiceBinding(); ok && m.voice != nil {
		if err := m.voice.Leave(ctx, conn.UserID(), guildID, channelID); err != nil {
			m.logger.Error("failed to leave voice on disconnect",
				"user_id", conn.UserID(), "error", err)
		}
	}

	if meta != nil && meta.tracksPresence && m.registry.UserConnectionCount(conn.UserID()) == 0 {
		if err := m.presence.SetOffline(ctx, conn.UserID()); err != nil {
			m.logger.Error("failed to set presence offline", "user_id", conn.UserID(), "error", err)
		}
		m.PublishPresence(ctx, fanout.PresenceEvent{UserID: conn.UserID(), Status: "offline"})
	}

	m.logger.Info("connection closed",
		slog.String("conn_id", conn.ID().String()),
		slog.String("user_id", conn.UserID()),
		slog.Any("error", err))
}

// PublishPresence delivers a presence change to local ready connections and,
// when bridged, to every other process.
func (m *SessionManager) PublishPresence(ctx context.Context, ev fanout.PresenceEvent) {
	m.deliverPresenceLocal(ev)
	if m.bridge != nil {
		m.obs.Metrics.FanoutPublishes.WithLabelValues("presence").Inc()
		if err := m.bridge.PublishPresence(ctx, ev); err != nil {
			m.logger.ErrorContext(ctx, "failed to publish presence", "error", err)
		}
	}
}

func (m *SessionManager) deliverPresenceLocal(ev fanout.PresenceEvent) {
	payload, err := json.Marshal(ev)
	if err != nil {
		return
	}
	for _, conn := range m.registry.All() {
		if conn.Ready() {
			m.obs.Metrics.DispatchesSent.WithLabelValues(gatewaydomain.EventPresenceUpdate).Inc()
			conn.SendDispatch(gatewaydomain.EventPresenceUpdate, payload)
		}
	}
}

// DeliverDM routes a direct-message event to the target device: locally when
// the device is connected here, across the bridge otherwise.
func (m *SessionManager) DeliverDM(ctx context.Context, ev fanout.DMEvent) error {
	if m.registry.SendDevice(ev.DeviceID, ev.Event, json.RawMessage(ev.Payload)) {
		m.obs.Metrics.DispatchesSent.WithLabelValues(ev.Event).Inc()
		return nil
	}
	if m.bridge == nil {
		return nil
	}
	m.obs.Metrics.FanoutPublishes.WithLabelValues("dm").Inc()
	return m.bridge.PublishDM(ctx, ev)
}

// DeliverSignal routes a 1:1 call signal to every device of the target user.
func (m *SessionManager) DeliverSignal(ctx context.Context, ev fanout.SignalEvent) error {
	delivered := m.registry.SendUser(ev.UserID, gatewaydomain.EventCallSignalCreate, json.RawMessage(ev.Payload))
	if delivered {
		m.obs.Metrics.DispatchesSent.WithLabelValues(gatewaydomain.EventCallSignalCreate).Inc()
	}
	if m.bridge == nil {
		return nil
	}
	m.obs.Metrics.FanoutPublishes.WithLabelValues("signal").Inc()
	return m.bridge.PublishSignal(ctx, ev)
}

// HandleDM implements fanout.Handler: events arriving from other processes
// are delivered locally only, never re-published.
func (m *SessionManager) HandleDM(ctx context.Context, ev fanout.DMEvent) {
	if m.registry.SendDevice(ev.DeviceID, ev.Event, json.RawMessage(ev.Payload)) {
		m.obs.Metrics.DispatchesSent.WithLabelValues(ev.Event).Inc()
	}
}

// HandlePresence implements fanout.Handler.
func (m *SessionManager) HandlePresence(ctx context.Context, ev fanout.PresenceEvent) {
	m.deliverPresenceLocal(ev)
}

// HandleSignal implements fanout.Handler.
func (m *SessionManager) HandleSignal(ctx context.Context, ev fanout.SignalEvent) {
	if m.registry.SendUser(ev.UserID, gatewaydomain.EventCallSignalCreate, json.RawMessage(ev.Payload)) {
		m.obs.Metrics.DispatchesSent.WithLabelValues(gatewaydomain.EventCallSignalCreate).Inc()
	}
}

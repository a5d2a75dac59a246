package gatewaytransport

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	gatewaydomain "github.com/parley-chat/parley/app/modules/gateway/domain"
)

// MessageHandler is invoked for every frame read from the socket. Handlers
// for one connection run sequentially; the read pump does not read the next
// frame until the handler returns.
type MessageHandler func(ctx context.Context, conn *Conn, msg []byte)

// OnCloseHandler runs exactly once when the connection fully terminates.
type OnCloseHandler func(conn *Conn, err error)

// sendBuffer bounds the per-connection outbound queue.
const sendBuffer = 256

// Conn is a single gateway WebSocket session: the socket pumps plus the
// session state the registry and sweeps need. Created unauthenticated;
// Identify promotes it to ready.
type Conn struct {
	id     uuid.UUID
	ws     *websocket.Conn
	send   chan []byte
	logger *slog.Logger

	onMessage MessageHandler
	onClose   OnCloseHandler

	ctx       context.Context
	cancel    context.CancelFunc
	done      chan struct{}
	closeOnce sync.Once
	closeErr  error

	// seq is the per-connection DISPATCH sequence counter, assigned at
	// send time. Atomic because fanout callbacks send from outside the
	// connection's own handler context.
	seq atomic.Int64

	ready atomic.Bool

	// handedOver marks connections the voice tunnel adopted; they never
	// become local sessions.
	handedOver atomic.Bool

	// Identity, set once by Identify before ready flips; read-only after.
	userID   string
	deviceID string

	// mu guards the interest sets, liveness bookkeeping and voice binding.
	mu            sync.Mutex
	guilds        map[string]struct{}
	channels      map[string]struct{}
	lastHeartbeat time.Time
	lastSync      time.Time
	awaitingSync  bool
	voiceGuildID  string
	voiceChannel  string
}

// NewConn wraps an accepted WebSocket. Run must be called to start the pumps.
func NewConn(parentCtx context.Context, ws *websocket.Conn, onMessage MessageHandler, onClose OnCloseHandler, logger *slog.Logger) *Conn {
	id := uuid.New()
	ctx, cancel := context.WithCancel(parentCtx)

	now := time.Now()
	c := &Conn{
		id:        id,
		ws:        ws,
		send:      make(chan []byte, sendBuffer),
		logger:    logger.With(slog.String("conn_id", id.String())),
		onMessage: onMessage,
		onClose:   onClose,
		ctx:       ctx,
		cancel:    cancel,
		done:      make(chan struct{}),
		guilds:    make(map[string]struct{}),
		channels:  make(map[string]struct{}),
	}
	c.lastHeartbeat = now
	c.lastSync = now
	return c
}

// Run starts the read and write pumps.
func (c *Conn) Run() {
	go c.readPump()
	go c.writePump()
}

func (c *Conn) readPump() {
	var readErr error
	defer func() {
		c.Close(websocket.StatusNormalClosure, "", readErr)
	}()

	for {
		_, msg, err := c.ws.Read(c.ctx)
		if err != nil {
			readErr = err
			return
		}
		c.onMessage(c.ctx, c, msg)
	}
}

func (c *Conn) writePump() {
	for {
		select {
		case msg, ok := <-c.send:
			if !ok {
				return
			}
			if err := c.ws.Write(c.ctx, websocket.MessageText, msg); err != nil {
				c.Close(websocket.StatusNormalClosure, "", err)
				return
			}
		case <-c.ctx.Done():
			return
		}
	}
}

// Send enqueues a raw frame. Safe for concurrent use; drops when the
// connection is closing.
func (c *Conn) Send(msg []byte) {
	select {
	case c.send <- msg:
	case <-c.ctx.Done():
	}
}

// SendEnvelope marshals and enqueues a non-DISPATCH envelope.
func (c *Conn) SendEnvelope(env *gatewaydomain.Envelope) {
	data, err := json.Marshal(env)
	if err != nil {
		c.logger.Error("failed to marshal envelope", "op", env.Op, "error", err)
		return
	}
	c.Send(data)
}

// SendDispatch assigns the next sequence number and enqueues a DISPATCH.
func (c *Conn) SendDispatch(t string, d json.RawMessage) {
	s := c.seq.Add(1)
	c.SendEnvelope(&gatewaydomain.Envelope{
		Op: gatewaydomain.OpDispatch,
		T:  t,
		S:  &s,
		D:  d,
	})
}

// Close tears the connection down exactly once: cancels the pumps, closes
// the socket with the given status, and fires the onClose hook so the
// registry, presence and voice cleanup run synchronously with the close.
func (c *Conn) Close(code websocket.StatusCode, reason string, err error) {
	c.closeOnce.Do(func() {
		c.closeErr = err
		c.cancel()
		if c.ws != nil {
			c.ws.Close(code, reason)
		}
		if c.onClose != nil {
			c.onClose(c, err)
		}
		close(c.done)
	})
}

// Done is closed when the connection has fully terminated.
func (c *Conn) Done() <-chan struct{} {
	return c.done
}

// Context is the connection-scoped context; it ends when the socket closes.
func (c *Conn) Context() context.Context {
	return c.ctx
}

// ID returns the unique identifier of the connection.
func (c *Conn) ID() uuid.UUID {
	return c.id
}

// WS exposes the underlying socket. Only the voice proxy uses it, to relay
// raw frames after the session hands the connection over.
func (c *Conn) WS() *websocket.Conn {
	return c.ws
}

// Identify binds the connection to a user (and optional device). Called once
// from the connection's own handler before Ready.
func (c *Conn) Identify(userID, deviceID string) {
	c.userID = userID
	c.deviceID = deviceID
}

// SetReady flips the connection into the ready state.
func (c *Conn) SetReady() {
	c.ready.Store(true)
}

// Ready reports whether IDENTIFY has completed.
func (c *Conn) Ready() bool {
	return c.ready.Load()
}

// MarkHandedOver records that a tunnel owns the socket from here on.
func (c *Conn) MarkHandedOver() {
	c.handedOver.Store(true)
}

// HandedOver reports whether a tunnel adopted the connection.
func (c *Conn) HandedOver() bool {
	return c.handedOver.Load()
}

// UserID returns the authenticated user, or "" before IDENTIFY.
func (c *Conn) UserID() string {
	return c.userID
}

// DeviceID returns the device, or "" when the client sent none.
func (c *Conn) DeviceID() string {
	return c.deviceID
}

// SubscribeGuild adds a guild to the interest set.
func (c *Conn) SubscribeGuild(guildID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.guilds[guildID] = struct{}{}
}

// SubscribeChannel adds a channel to the interest set.
func (c *Conn) SubscribeChannel(channelID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.channels[channelID] = struct{}{}
}

// SubscribedGuild reports whether the connection wants the guild's events.
func (c *Conn) SubscribedGuild(guildID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.guilds[guildID]
	return ok
}

// SubscribedChannel reports whether the connection wants the channel's events.
func (c *Conn) SubscribedChannel(channelID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.channels[channelID]
	return ok
}

// MarkHeartbeat records a client HEARTBEAT.
func (c *Conn) MarkHeartbeat(at time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastHeartbeat = at
}

// LastHeartbeat returns the time of the last client HEARTBEAT.
func (c *Conn) LastHeartbeat() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastHeartbeat
}

// MarkSyncRequested records that a PRESENCE_SYNC_REQUEST probe went out.
func (c *Conn) MarkSyncRequested(at time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.awaitingSync = true
	c.lastSync = at
}

// MarkSynced records a presence update from the client, clearing any
// outstanding probe.
func (c *Conn) MarkSynced(at time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.awaitingSync = false
	c.lastSync = at
}

// SyncState returns the probe bookkeeping for the liveness sweep.
func (c *Conn) SyncState() (awaiting bool, lastSync time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.awaitingSync, c.lastSync
}

// BindVoice records the connection's voice room, so disconnect can tear the
// peer down.
func (c *Conn) BindVoice(guildID, channelID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.voiceGuildID = guildID
	c.voiceChannel = channelID
}

// UnbindVoice clears the voice binding.
func (c *Conn) UnbindVoice() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.voiceGuildID = ""
	c.voiceChannel = ""
}

// VoiceBinding returns the bound voice room, if any.
func (c *Conn) VoiceBinding() (guildID, channelID string, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.voiceGuildID, c.voiceChannel, c.voiceGuildID != ""
}

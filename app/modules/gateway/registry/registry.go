package gatewayregistry

import (
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/coder/websocket"
	gatewaydomain "github.com/parley-chat/parley/app/modules/gateway/domain"
	gatewaytransport "github.com/parley-chat/parley/app/modules/gateway/transport"
)

// Broadcaster delivers dispatch events to local connections. REST handlers
// and the voice service depend on this rather than on the registry directly.
type Broadcaster interface {
	// BroadcastGuild sends to every ready connection subscribed to the guild.
	BroadcastGuild(guildID, t string, d any)
	// BroadcastChannel sends to every ready connection subscribed to the channel.
	BroadcastChannel(channelID, t string, d any)
	// SendUser sends to every ready connection of the user. Reports whether
	// at least one connection received it.
	SendUser(userID, t string, d any) bool
	// SendDevice sends to the connection registered for the device, if any.
	SendDevice(deviceID, t string, d any) bool
}

// Registry tracks the ready connections of this process. Device slots are
// exclusive: a second IDENTIFY for the same device evicts the first.
type Registry struct {
	logger *slog.Logger

	mu       sync.RWMutex
	byUser   map[string]map[*gatewaytransport.Conn]struct{}
	byDevice map[string]*gatewaytransport.Conn
}

func New(logger *slog.Logger) *Registry {
	return &Registry{
		logger:   logger,
		byUser:   make(map[string]map[*gatewaytransport.Conn]struct{}),
		byDevice: make(map[string]*gatewaytransport.Conn),
	}
}

// Add registers a ready connection. If the connection carries a device id and
// another connection already holds that slot, the older one is closed with
// CloseDeviceReplaced before the new one takes over.
func (r *Registry) Add(conn *gatewaytransport.Conn) {
	userID := conn.UserID()
	deviceID := conn.DeviceID()

	var evicted *gatewaytransport.Conn

	r.mu.Lock()
	if deviceID != "" {
		if prev, ok := r.byDevice[deviceID]; ok && prev != conn {
			evicted = prev
			r.removeLocked(prev)
		}
		r.byDevice[deviceID] = conn
	}
	set, ok := r.byUser[userID]
	if !ok {
		set = make(map[*gatewaytransport.Conn]struct{})
		r.byUser[userID] = set
	}
	set[conn] = struct{}{}
	r.mu.Unlock()

	if evicted != nil {
		r.logger.Info("evicting replaced device connection",
			slog.String("device_id", deviceID),
			slog.String("conn_id", evicted.ID().String()))
		evicted.Close(websocket.StatusCode(gatewaydomain.CloseDeviceReplaced), "device replaced", nil)
	}
}

// Remove drops the connection from all indexes. Safe to call for connections
// that were never added or were already evicted.
func (r *Registry) Remove(conn *gatewaytransport.Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.removeLocked(conn)
}

func (r *Registry) removeLocked(conn *gatewaytransport.Conn) {
	if deviceID := conn.DeviceID(); deviceID != "" {
		if cur, ok := r.byDevice[deviceID]; ok && cur == conn {
			delete(r.byDevice, deviceID)
		}
	}
	if set, ok := r.byUser[conn.UserID()]; ok {
		delete(set, conn)
		if len(set) == 0 {
			delete(r.byUser, conn.UserID())
		}
	}
}

// UserConnectionCount reports how many ready connections the user has on
// this process. Presence flips offline only when it reaches zero.
func (r *Registry) UserConnectionCount(userID string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byUser[userID])
}

// All returns a snapshot of every registered connection, for the sweeps.
func (r *Registry) All() []*gatewaytransport.Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()
	conns := make([]*gatewaytransport.Conn, 0, len(r.byDevice))
	for _, set := range r.byUser {
		for conn := range set {
			conns = append(conns, conn)
		}
	}
	return conns
}

func marshalDispatch(d any) (json.RawMessage, bool) {
	data, err := json.Marshal(d)
	if err != nil {
		return nil, false
	}
	return data, true
}

// BroadcastGuild implements Broadcaster.
func (r *Registry) BroadcastGuild(guildID, t string, d any) {
	payload, ok := marshalDispatch(d)
	if !ok {
		r.logger.Error("failed to marshal dispatch payload", "t", t)
		return
	}
	for _, conn := range r.All() {
		if conn.SubscribedGuild(guildID) {
			conn.SendDispatch(t, payload)
		}
	}
}

// BroadcastChannel implements Broadcaster.
func (r *Registry) BroadcastChannel(channelID, t string, d any) {
	payload, ok := marshalDispatch(d)
	if !ok {
		r.logger.Error("failed to marshal dispatch payload", "t", t)
		return
	}
	for _, conn := range r.All() {
		if conn.SubscribedChannel(channelID) {
			conn.SendDispatch(t, payload)
		}
	}
}

// SendUser implements Broadcaster.
func (r *Registry) SendUser(userID, t string, d any) bool {
	payload, ok := marshalDispatch(d)
	if !ok {
		r.logger.Error("failed to marshal dispatch payload", "t", t)
		return false
	}

	r.mu.RLock()
	set := r.byUser[userID]
	conns := make([]*gatewaytransport.Conn, 0, len(set))
	for conn := range set {
		conns = append(conns, conn)
	}
	r.mu.RUnlock()

	delivered := false
	for _, conn := range conns {
		conn.SendDispatch(t, payload)
		delivered = true
	}
	return delivered
}

// SendDevice implements Broadcaster.
func (r *Registry) SendDevice(deviceID, t string, d any) bool {
	payload, ok := marshalDispatch(d)
	if !ok {
		r.logger.Error("failed to marshal dispatch payload", "t", t)
		return false
	}

	r.mu.RLock()
	conn, ok := r.byDevice[deviceID]
	r.mu.RUnlock()
	if !ok {
		return false
	}
	conn.SendDispatch(t, payload)
	return true
}

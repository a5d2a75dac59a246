package gatewayapp

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	gatewaydomain "github.com/parley-chat/parley/app/modules/gateway/domain"
	gatewayregistry "github.com/parley-chat/parley/app/modules/gateway/registry"
	gatewaytransport "github.com/parley-chat/parley/app/modules/gateway/transport"
	memberdomain "github.com/parley-chat/parley/app/modules/membership/domain"
	permdomain "github.com/parley-chat/parley/app/modules/permissions/domain"
	"github.com/parley-chat/parley/app/modules/fanout"
	"github.com/parley-chat/parley/app/shared/observability"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type sessionFixture struct {
	manager  *SessionManager
	registry *gatewayregistry.Registry
	presence *fakePresenceStore
	sessions *fakeSessionVerifier
	members  *fakeMembershipVerifier
	perms    *fakePerms
	voice    *fakeVoice
	bridge   *fakeBridge
	tunneler *fakeTunneler
}

func newSessionFixture(t *testing.T, mutate func(*Deps)) *sessionFixture {
	t.Helper()
	obs := observability.Init("gateway-test", "test")

	f := &sessionFixture{
		registry: gatewayregistry.New(obs.Logger),
		presence: &fakePresenceStore{},
		sessions: &fakeSessionVerifier{claims: &memberdomain.SessionClaims{UserID: "alice", DeviceID: "dev-1"}},
		members:  &fakeMembershipVerifier{claims: &memberdomain.Claims{UserID: "alice", ServerID: "node-1"}},
		perms:    &fakePerms{grant: permdomain.All},
		voice:    &fakeVoice{},
		bridge:   &fakeBridge{},
		tunneler: &fakeTunneler{},
	}
	deps := Deps{
		Registry: f.registry,
		Presence: f.presence,
		Sessions: f.sessions,
		Perms:    f.perms,
		Voice:    f.voice,
		Bridge:   f.bridge,
	}
	if mutate != nil {
		mutate(&deps)
	}
	f.manager = NewSessionManager(deps, obs)
	return f
}

func (f *sessionFixture) newConn(t *testing.T) *gatewaytransport.Conn {
	t.Helper()
	obs := observability.Init("gateway-test", "test")
	return gatewaytransport.NewConn(context.Background(), nil, f.manager.handleMessage, f.manager.handleClose, obs.Logger)
}

func frame(t *testing.T, op gatewaydomain.Op, typ string, d any) []byte {
	t.Helper()
	data, err := json.Marshal(d)
	require.NoError(t, err)
	env := gatewaydomain.Envelope{Op: op, T: typ, D: data}
	raw, err := json.Marshal(env)
	require.NoError(t, err)
	return raw
}

func identifyAccess(t *testing.T) []byte {
	return frame(t, gatewaydomain.OpIdentify, "", gatewaydomain.IdentifyPayload{AccessToken: "tok", DeviceID: "dev-1"})
}

func isClosed(conn *gatewaytransport.Conn) bool {
	select {
	case <-conn.Done():
		return true
	default:
		return false
	}
}

func TestSession_AccessIdentifyFlipsPresenceOnline(t *testing.T) {
	f := newSessionFixture(t, nil)
	conn := f.newConn(t)

	f.manager.handleMessage(context.Background(), conn, identifyAccess(t))

	assert.True(t, conn.Ready())
	assert.Equal(t, "alice", conn.UserID())
	assert.Equal(t, 1, f.registry.UserConnectionCount("alice"))
	assert.Equal(t, []string{"alice=online"}, f.presence.upserts)
	require.Len(t, f.bridge.presences, 1)
	assert.Equal(t, "online", f.bridge.presences[0].Status)
}

func TestSession_IdentifyRejectsBadToken(t *testing.T) {
	f := newSessionFixture(t, func(d *Deps) {
		d.Sessions = &fakeSessionVerifier{err: errFakeAuth}
	})
	conn := f.newConn(t)

	f.manager.handleMessage(context.Background(), conn, identifyAccess(t))

	assert.False(t, conn.Ready())
	assert.True(t, isClosed(conn))
	assert.Equal(t, 0, f.registry.UserConnectionCount("alice"))
}

func TestSession_IdentifyRejectsBothCredentials(t *testing.T) {
	f := newSessionFixture(t, nil)
	conn := f.newConn(t)

	f.manager.handleMessage(context.Background(), conn, frame(t, gatewaydomain.OpIdentify, "",
		gatewaydomain.IdentifyPayload{AccessToken: "a", MembershipToken: "b"}))

	assert.True(t, isClosed(conn))
}

func TestSession_CommandBeforeIdentifyCloses(t *testing.T) {
	f := newSessionFixture(t, nil)
	conn := f.newConn(t)

	f.manager.handleMessage(context.Background(), conn, frame(t, gatewaydomain.OpDispatch,
		gatewaydomain.CmdSubscribeGuild, gatewaydomain.SubscribeGuild{GuildID: "g1"}))

	assert.True(t, isClosed(conn))
}

func TestSession_UnknownOpCloses(t *testing.T) {
	f := newSessionFixture(t, nil)
	conn := f.newConn(t)

	f.manager.handleMessage(context.Background(), conn, []byte(`{"op":"WHATEVER"}`))
	assert.True(t, isClosed(conn))
}

func TestSession_MembershipIdentifyOnNode(t *testing.T) {
	f := newSessionFixture(t, func(d *Deps) {
		d.Sessions = nil
		d.Members = &fakeMembershipVerifier{claims: &memberdomain.Claims{UserID: "bob", ServerID: "node-1"}}
	})
	conn := f.newConn(t)

	f.manager.handleMessage(context.Background(), conn, frame(t, gatewaydomain.OpIdentify, "",
		gatewaydomain.IdentifyPayload{MembershipToken: "tok"}))

	assert.True(t, conn.Ready())
	assert.Equal(t, "bob", conn.UserID())
	// Node-scoped sessions do not drive social presence.
	assert.Empty(t, f.presence.upserts)
}

func TestSession_MembershipIdentifyOnCoreTunnels(t *testing.T) {
	tun := &fakeTunneler{}
	f := newSessionFixture(t, func(d *Deps) {
		d.Tunneler = tun
	})
	conn := f.newConn(t)

	f.manager.handleMessage(context.Background(), conn, frame(t, gatewaydomain.OpIdentify, "",
		gatewaydomain.IdentifyPayload{MembershipToken: "tok"}))

	assert.Equal(t, 1, tun.tunnels)
	assert.False(t, conn.Ready(), "tunnelled connections never become local sessions")
	assert.True(t, conn.HandedOver())
}

func TestSession_IdentifyDeadlineSparesTunneledConnections(t *testing.T) {
	tun := &fakeTunneler{}
	f := newSessionFixture(t, func(d *Deps) {
		d.Tunneler = tun
	})
	conn := f.newConn(t)

	f.manager.handleMessage(context.Background(), conn, frame(t, gatewaydomain.OpIdentify, "",
		gatewaydomain.IdentifyPayload{MembershipToken: "tok"}))
	require.True(t, conn.HandedOver())

	// The deadline firing after hand-over must not kill the relayed session.
	f.manager.expireIdentify(conn)
	assert.False(t, isClosed(conn))

	// A connection that never identified still expires.
	idle := f.newConn(t)
	f.manager.expireIdentify(idle)
	assert.True(t, isClosed(idle))
}

func TestSession_PresenceUpdateClearsSyncProbe(t *testing.T) {
	f := newSessionFixture(t, nil)
	conn := f.newConn(t)
	f.manager.handleMessage(context.Background(), conn, identifyAccess(t))

	conn.MarkSyncRequested(time.Now().Add(-10 * time.Second))
	awaiting, _ := conn.SyncState()
	require.True(t, awaiting)

	f.manager.handleMessage(context.Background(), conn, frame(t, gatewaydomain.OpDispatch,
		gatewaydomain.EventPresenceUpdate, gatewaydomain.PresenceUpdate{Status: "idle"}))

	awaiting, _ = conn.SyncState()
	assert.False(t, awaiting)
	assert.Contains(t, f.presence.upserts, "alice=idle")
}

func TestSession_PresenceUpdateNormalizesUnknownStatus(t *testing.T) {
	f := newSessionFixture(t, nil)
	conn := f.newConn(t)
	f.manager.handleMessage(context.Background(), conn, identifyAccess(t))

	f.manager.handleMessage(context.Background(), conn, frame(t, gatewaydomain.OpDispatch,
		gatewaydomain.EventPresenceUpdate, gatewaydomain.PresenceUpdate{Status: "invisible-ish"}))

	assert.Contains(t, f.presence.upserts, "alice=online")
}

func TestSession_PresenceUpdateFromNodeSessionLeavesPresenceAlone(t *testing.T) {
	f := newSessionFixture(t, func(d *Deps) {
		d.Sessions = nil
		d.Members = &fakeMembershipVerifier{claims: &memberdomain.Claims{UserID: "bob", ServerID: "node-1"}}
	})
	conn := f.newConn(t)
	f.manager.handleMessage(context.Background(), conn, frame(t, gatewaydomain.OpIdentify, "",
		gatewaydomain.IdentifyPayload{MembershipToken: "tok"}))
	require.True(t, conn.Ready())

	conn.MarkSyncRequested(time.Now().Add(-10 * time.Second))
	f.manager.handleMessage(context.Background(), conn, frame(t, gatewaydomain.OpDispatch,
		gatewaydomain.EventPresenceUpdate, gatewaydomain.PresenceUpdate{Status: "idle"}))

	// Still a liveness proof for the sweep.
	awaiting, _ := conn.SyncState()
	assert.False(t, awaiting)
	// But social presence belongs to the user's core sessions only.
	assert.Empty(t, f.presence.upserts)
	assert.Empty(t, f.bridge.presences)
}

func TestSession_VoiceJoinRequiresConnectPermission(t *testing.T) {
	f := newSessionFixture(t, func(d *Deps) {
		d.Perms = &fakePerms{grant: permdomain.ViewChannel} // no Connect bit
	})
	conn := f.newConn(t)
	f.manager.handleMessage(context.Background(), conn, identifyAccess(t))

	f.manager.handleMessage(context.Background(), conn, frame(t, gatewaydomain.OpDispatch,
		gatewaydomain.CmdVoiceJoin, gatewaydomain.VoiceJoin{GuildID: "g1", ChannelID: "c1"}))

	assert.Empty(t, f.voice.joins)
	assert.False(t, isClosed(conn), "permission failures answer with VOICE_ERROR, not a close")
}

func TestSession_VoiceJoinBindsAndDisconnectLeaves(t *testing.T) {
	f := newSessionFixture(t, nil)
	conn := f.newConn(t)
	f.manager.handleMessage(context.Background(), conn, identifyAccess(t))

	f.manager.handleMessage(context.Background(), conn, frame(t, gatewaydomain.OpDispatch,
		gatewaydomain.CmdVoiceJoin, gatewaydomain.VoiceJoin{GuildID: "g1", ChannelID: "c1"}))

	require.Equal(t, []string{"alice/g1/c1"}, f.voice.joins)
	guildID, channelID, ok := conn.VoiceBinding()
	require.True(t, ok)
	assert.Equal(t, "g1", guildID)
	assert.Equal(t, "c1", channelID)

	conn.Close(1000, "", nil)
	assert.Equal(t, []string{"alice/g1/c1"}, f.voice.leaves)
}

func TestSession_DisconnectFlipsPresenceOfflineOnLastConnection(t *testing.T) {
	f := newSessionFixture(t, func(d *Deps) {
		// Device comes from the IDENTIFY payload, not the token.
		d.Sessions = &fakeSessionVerifier{claims: &memberdomain.SessionClaims{UserID: "alice"}}
	})

	first := f.newConn(t)
	f.manager.handleMessage(context.Background(), first, identifyAccess(t))

	second := f.newConn(t)
	f.manager.handleMessage(context.Background(), second, frame(t, gatewaydomain.OpIdentify, "",
		gatewaydomain.IdentifyPayload{AccessToken: "tok", DeviceID: "dev-2"}))

	require.Equal(t, 2, f.registry.UserConnectionCount("alice"))

	second.Close(1000, "", nil)
	assert.Empty(t, f.presence.offlines, "user still has a live connection")

	first.Close(1000, "", nil)
	assert.Equal(t, []string{"alice"}, f.presence.offlines)
}

func TestSession_SecondIdentifyForSameDeviceEvictsFirst(t *testing.T) {
	f := newSessionFixture(t, nil)

	first := f.newConn(t)
	f.manager.handleMessage(context.Background(), first, identifyAccess(t))

	second := f.newConn(t)
	f.manager.handleMessage(context.Background(), second, identifyAccess(t))

	assert.True(t, isClosed(first))
	assert.False(t, isClosed(second))
	assert.Equal(t, 1, f.registry.UserConnectionCount("alice"))
}

func TestSession_DeliverDMPrefersLocalDevice(t *testing.T) {
	f := newSessionFixture(t, nil)
	conn := f.newConn(t)
	f.manager.handleMessage(context.Background(), conn, identifyAccess(t))

	err := f.manager.DeliverDM(context.Background(), fanout.DMEvent{
		DeviceID: "dev-1", UserID: "alice",
		Event: gatewaydomain.EventDMMessageCreate, Payload: []byte(`{}`),
	})
	require.NoError(t, err)
	assert.Empty(t, f.bridge.dms, "locally delivered DMs never hit the bridge")

	err = f.manager.DeliverDM(context.Background(), fanout.DMEvent{
		DeviceID: "dev-elsewhere", UserID: "zoe",
		Event: gatewaydomain.EventDMMessageCreate, Payload: []byte(`{}`),
	})
	require.NoError(t, err)
	assert.Len(t, f.bridge.dms, 1)
}

func TestSession_SignalAlwaysBridges(t *testing.T) {
	f := newSessionFixture(t, nil)
	conn := f.newConn(t)
	f.manager.handleMessage(context.Background(), conn, identifyAccess(t))

	err := f.manager.DeliverSignal(context.Background(), fanout.SignalEvent{
		UserID: "alice", Payload: []byte(`{}`),
	})
	require.NoError(t, err)
	// The user may hold sessions on other processes too.
	assert.Len(t, f.bridge.signals, 1)
}

func TestSession_NilBridgeDegradesToLocalDelivery(t *testing.T) {
	f := newSessionFixture(t, func(d *Deps) {
		d.Bridge = nil
	})
	conn := f.newConn(t)
	f.manager.handleMessage(context.Background(), conn, identifyAccess(t))

	err := f.manager.DeliverDM(context.Background(), fanout.DMEvent{
		DeviceID: "dev-elsewhere", Event: gatewaydomain.EventDMMessageCreate, Payload: []byte(`{}`),
	})
	assert.NoError(t, err)
}

func TestSession_FanoutHandlerDoesNotRepublish(t *testing.T) {
	f := newSessionFixture(t, nil)
	conn := f.newConn(t)
	f.manager.handleMessage(context.Background(), conn, identifyAccess(t))

	f.manager.HandlePresence(context.Background(), fanout.PresenceEvent{UserID: "bob", Status: "online"})
	// Presence arriving over the bridge is delivered locally only; publishing
	// it again would loop between processes.
	assert.Len(t, f.bridge.presences, 1, "only the identify flip was published")
}

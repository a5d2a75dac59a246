package proxy

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/coder/websocket"
	gatewaydomain "github.com/parley-chat/parley/app/modules/gateway/domain"
	gatewaytransport "github.com/parley-chat/parley/app/modules/gateway/transport"
	memberdomain "github.com/parley-chat/parley/app/modules/membership/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeVerifier struct {
	claims *memberdomain.Claims
	err    error
}

func (f *fakeVerifier) Verify(context.Context, string) (*memberdomain.Claims, error) {
	return f.claims, f.err
}

type fakeResolver struct {
	url    string
	err    error
	called bool
}

func (f *fakeResolver) NodeGatewayURL(context.Context, string) (string, error) {
	f.called = true
	return f.url, f.err
}

func identifyPayload() gatewaydomain.IdentifyPayload {
	return gatewaydomain.IdentifyPayload{MembershipToken: "token", DeviceID: "dev-1"}
}

func TestTunnel_BadTokenNeverDials(t *testing.T) {
	resolver := &fakeResolver{url: "ws://unused"}
	tun := NewTunnel(&fakeVerifier{err: errors.New("bad signature")}, resolver, slog.Default())

	conn := gatewaytransport.NewConn(context.Background(), nil, nil, nil, slog.Default())
	err := tun.Tunnel(context.Background(), conn, identifyPayload())
	require.Error(t, err)
	assert.False(t, resolver.called)
}

func TestTunnel_UnknownServer(t *testing.T) {
	verifier := &fakeVerifier{claims: &memberdomain.Claims{UserID: "alice", CoreServerID: "srv-1"}}
	resolver := &fakeResolver{err: errors.New("no such server")}
	tun := NewTunnel(verifier, resolver, slog.Default())

	conn := gatewaytransport.NewConn(context.Background(), nil, nil, nil, slog.Default())
	err := tun.Tunnel(context.Background(), conn, identifyPayload())
	assert.ErrorContains(t, err, "failed to resolve node")
}

func TestTunnel_UnreachableNode(t *testing.T) {
	verifier := &fakeVerifier{claims: &memberdomain.Claims{UserID: "alice", CoreServerID: "srv-1"}}
	resolver := &fakeResolver{url: "ws://127.0.0.1:1"}
	tun := NewTunnel(verifier, resolver, slog.Default())

	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()

	conn := gatewaytransport.NewConn(context.Background(), nil, nil, nil, slog.Default())
	err := tun.Tunnel(ctx, conn, identifyPayload())
	assert.ErrorIs(t, err, ErrNodeUnreachable)
}

// TestTunnel_RelaysBothDirections runs the full path: a fake node gateway
// greets, receives the re-sent IDENTIFY, pushes a dispatch down to the
// client and receives a frame the client sends up.
func TestTunnel_RelaysBothDirections(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	nodeGotIdentify := make(chan gatewaydomain.IdentifyPayload, 1)
	nodeGotFrame := make(chan []byte, 1)

	node := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}

		hello, _ := json.Marshal(gatewaydomain.Envelope{
			Op: gatewaydomain.OpHello,
			D:  json.RawMessage(`{"heartbeat_interval_ms":30000}`),
		})
		if err := ws.Write(r.Context(), websocket.MessageText, hello); err != nil {
			return
		}

		_, msg, err := ws.Read(r.Context())
		if err != nil {
			return
		}
		var env gatewaydomain.Envelope
		if json.Unmarshal(msg, &env) == nil && env.Op == gatewaydomain.OpIdentify {
			var payload gatewaydomain.IdentifyPayload
			json.Unmarshal(env.D, &payload)
			nodeGotIdentify <- payload
		}

		dispatch, _ := json.Marshal(gatewaydomain.Envelope{
			Op: gatewaydomain.OpDispatch,
			T:  gatewaydomain.EventPresenceUpdate,
			D:  json.RawMessage(`{"user_id":"bob","status":"online"}`),
		})
		if err := ws.Write(r.Context(), websocket.MessageText, dispatch); err != nil {
			return
		}

		if _, msg, err = ws.Read(r.Context()); err == nil {
			nodeGotFrame <- msg
		}
		ws.Close(websocket.StatusNormalClosure, "")
	}))
	defer node.Close()

	verifier := &fakeVerifier{claims: &memberdomain.Claims{UserID: "alice", CoreServerID: "srv-1"}}
	resolver := &fakeResolver{url: node.URL}
	tun := NewTunnel(verifier, resolver, slog.Default())

	tunnelDone := make(chan error, 1)
	core := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		conn := gatewaytransport.NewConn(ctx, ws, func(ctx context.Context, c *gatewaytransport.Conn, msg []byte) {
			in, err := gatewaydomain.DecodeInbound(msg)
			if err != nil {
				return
			}
			if id, ok := in.(gatewaydomain.InboundIdentify); ok {
				tunnelDone <- tun.Tunnel(ctx, c, id.Identify)
			}
		}, nil, slog.Default())
		conn.Run()
		<-conn.Done()
	}))
	defer core.Close()

	client, _, err := websocket.Dial(ctx, core.URL, nil)
	require.NoError(t, err)
	defer client.Close(websocket.StatusNormalClosure, "")

	identify, _ := json.Marshal(gatewaydomain.Envelope{
		Op: gatewaydomain.OpIdentify,
		D:  json.RawMessage(`{"membership_token":"token","device_id":"dev-1"}`),
	})
	require.NoError(t, client.Write(ctx, websocket.MessageText, identify))

	select {
	case payload := <-nodeGotIdentify:
		assert.Equal(t, "token", payload.MembershipToken)
		assert.Equal(t, "dev-1", payload.DeviceID)
	case <-ctx.Done():
		t.Fatal("node never received identify")
	}

	// Node to client.
	_, msg, err := client.Read(ctx)
	require.NoError(t, err)
	var env gatewaydomain.Envelope
	require.NoError(t, json.Unmarshal(msg, &env))
	assert.Equal(t, gatewaydomain.OpDispatch, env.Op)
	assert.Equal(t, gatewaydomain.EventPresenceUpdate, env.T)

	// Client to node.
	heartbeat, _ := json.Marshal(gatewaydomain.Envelope{Op: gatewaydomain.OpHeartbeat})
	require.NoError(t, client.Write(ctx, websocket.MessageText, heartbeat))

	select {
	case frame := <-nodeGotFrame:
		var up gatewaydomain.Envelope
		require.NoError(t, json.Unmarshal(frame, &up))
		assert.Equal(t, gatewaydomain.OpHeartbeat, up.Op)
	case <-ctx.Done():
		t.Fatal("node never received the relayed frame")
	}

	select {
	case err := <-tunnelDone:
		assert.NoError(t, err)
	case <-ctx.Done():
		t.Fatal("tunnel never returned")
	}
}

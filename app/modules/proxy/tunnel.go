package proxy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/coder/websocket"
	gatewaydomain "github.com/parley-chat/parley/app/modules/gateway/domain"
	gatewaytransport "github.com/parley-chat/parley/app/modules/gateway/transport"
	memberdomain "github.com/parley-chat/parley/app/modules/membership/domain"
)

// ErrNodeUnreachable is returned when the owning node cannot be dialed
// within the backoff budget.
var ErrNodeUnreachable = errors.New("node gateway unreachable")

const (
	dialMaxElapsed = 15 * time.Second
	helloTimeout   = 10 * time.Second
)

// MembershipVerifier checks the token before any node is contacted. The core
// uses an audience-less verifier here: the audience is the node's identity
// and the node re-verifies it on the other end of the tunnel.
type MembershipVerifier interface {
	Verify(ctx context.Context, token string) (*memberdomain.Claims, error)
}

// NodeResolver maps a tenant to the gateway URL of the node hosting it.
type NodeResolver interface {
	NodeGatewayURL(ctx context.Context, coreServerID string) (string, error)
}

// Tunnel relays gateway sessions from the core to the node that owns the
// server a membership token is scoped to. After the upstream IDENTIFY is
// re-sent, the tunnel is a dumb pipe: frames pass through unparsed in both
// directions, and closing either side closes the other.
type Tunnel struct {
	verifier MembershipVerifier
	resolver NodeResolver
	logger   *slog.Logger
}

func NewTunnel(verifier MembershipVerifier, resolver NodeResolver, logger *slog.Logger) *Tunnel {
	return &Tunnel{
		verifier: verifier,
		resolver: resolver,
		logger:   logger.With(slog.String("component", "gateway_tunnel")),
	}
}

// Tunnel implements the session manager's Tunneler. An error return before
// takeover means the IDENTIFY failed and the caller should reject the
// connection; once the relay starts, the return is always nil and teardown
// happens through the sockets.
func (t *Tunnel) Tunnel(ctx context.Context, conn *gatewaytransport.Conn, identify gatewaydomain.IdentifyPayload) error {
	claims, err := t.verifier.Verify(ctx, identify.MembershipToken)
	if err != nil {
		return err
	}

	gatewayURL, err := t.resolver.NodeGatewayURL(ctx, claims.CoreServerID)
	if err != nil {
		return fmt.Errorf("failed to resolve node for server %s: %w", claims.CoreServerID, err)
	}

	upstream, err := t.dial(ctx, gatewayURL)
	if err != nil {
		return err
	}

	if err := t.handshake(ctx, upstream, identify); err != nil {
		upstream.Close(websocket.StatusNormalClosure, "")
		return err
	}

	t.logger.InfoContext(ctx, "tunnel established",
		slog.String("conn_id", conn.ID().String()),
		slog.String("core_server_id", claims.CoreServerID),
		slog.String("node_url", gatewayURL))

	t.relay(ctx, conn, upstream)
	return nil
}

// dial connects to the node gateway, retrying transient failures with
// exponential backoff.
func (t *Tunnel) dial(ctx context.Context, gatewayURL string) (*websocket.Conn, error) {
	var upstream *websocket.Conn

	policy := backoff.NewExponentialBackOff()
	policy.MaxElapsedTime = dialMaxElapsed

	err := backoff.Retry(func() error {
		c, _, err := websocket.Dial(ctx, gatewayURL, nil)
		if err != nil {
			return err
		}
		upstream = c
		return nil
	}, backoff.WithContext(policy, ctx))
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrNodeUnreachable, gatewayURL, err)
	}
	return upstream, nil
}

// handshake consumes the node's HELLO (the client already received the
// core's) and re-sends the membership IDENTIFY upstream.
func (t *Tunnel) handshake(ctx context.Context, upstream *websocket.Conn, identify gatewaydomain.IdentifyPayload) error {
	helloCtx, cancel := context.WithTimeout(ctx, helloTimeout)
	defer cancel()
	if _, _, err := upstream.Read(helloCtx); err != nil {
		return fmt.Errorf("failed to read node hello: %w", err)
	}

	payload, err := json.Marshal(identify)
	if err != nil {
		return fmt.Errorf("failed to marshal identify: %w", err)
	}
	frame, err := json.Marshal(gatewaydomain.Envelope{Op: gatewaydomain.OpIdentify, D: payload})
	if err != nil {
		return fmt.Errorf("failed to marshal identify envelope: %w", err)
	}
	if err := upstream.Write(ctx, websocket.MessageText, frame); err != nil {
		return fmt.Errorf("failed to forward identify: %w", err)
	}
	return nil
}

// relay pipes frames both ways until either socket dies. Each direction is a
// single blocking copy loop, so a slow client applies backpressure to its
// node rather than buffering without bound in the core.
func (t *Tunnel) relay(ctx context.Context, conn *gatewaytransport.Conn, upstream *websocket.Conn) {
	client := conn.WS()
	done := make(chan struct{})

	// Node to client.
	go func() {
		defer close(done)
		for {
			_, msg, err := upstream.Read(ctx)
			if err != nil {
				status := websocket.CloseStatus(err)
				if status == -1 {
					status = websocket.StatusNormalClosure
				}
				conn.Close(status, "node closed", err)
				return
			}
			conn.Send(msg)
		}
	}()

	// Client to node. Runs on the caller's goroutine, which owns the
	// client-side reads while the tunnel is active.
	for {
		_, msg, err := client.Read(ctx)
		if err != nil {
			upstream.Close(websocket.StatusNormalClosure, "client closed")
			break
		}
		if werr := upstream.Write(ctx, websocket.MessageText, msg); werr != nil {
			conn.Close(websocket.StatusNormalClosure, "node closed", werr)
			break
		}
	}
	<-done
}

package nodeclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// ErrNodeUnreachable is returned when the node API cannot be reached within
// the retry budget.
var ErrNodeUnreachable = errors.New("node api unreachable")

// ErrNodeRejected is returned for a definitive 4xx answer; retrying would
// not help.
var ErrNodeRejected = errors.New("node api rejected request")

const defaultMaxElapsed = 20 * time.Second

// Client calls node admin APIs from the core. Responses in the 5xx range and
// 429 are retried with exponential backoff; other failures return
// immediately.
type Client struct {
	httpClient *http.Client
	logger     *slog.Logger
	maxElapsed time.Duration
}

func New(logger *slog.Logger) *Client {
	return &Client{
		httpClient: &http.Client{Timeout: 10 * time.Second},
		logger:     logger,
		maxElapsed: defaultMaxElapsed,
	}
}

// GuildProvision is the body sent to a node when the core places a new
// guild on it.
type GuildProvision struct {
	CoreServerID string `json:"core_server_id"`
	GuildID      string `json:"guild_id"`
	OwnerID      string `json:"owner_id"`
	Name         string `json:"name"`
}

// CreateGuild provisions a guild on the node.
func (c *Client) CreateGuild(ctx context.Context, apiBaseURL string, provision GuildProvision) error {
	return c.do(ctx, http.MethodPost, apiBaseURL+"/v1/admin/guilds", provision)
}

// DeleteGuild removes a guild from the node. The core calls this both for
// user-initiated deletion and as compensation when a multi-step provision
// fails partway.
func (c *Client) DeleteGuild(ctx context.Context, apiBaseURL, guildID string) error {
	return c.do(ctx, http.MethodDelete, apiBaseURL+"/v1/admin/guilds/"+guildID, nil)
}

// SyncMembership tells the node a user joined the tenant. Keyed by tenant
// rather than guild id so the core does not have to track node-side guilds.
func (c *Client) SyncMembership(ctx context.Context, apiBaseURL, coreServerID, userID string) error {
	return c.do(ctx, http.MethodPut, apiBaseURL+"/v1/admin/servers/"+coreServerID+"/members/"+userID, nil)
}

func (c *Client) do(ctx context.Context, method, url string, body any) error {
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request body: %w", err)
		}
	}

	policy := backoff.NewExponentialBackOff()
	policy.MaxElapsedTime = c.maxElapsed

	attempt := func() error {
		req, err := http.NewRequestWithContext(ctx, method, url, bytes.NewReader(payload))
		if err != nil {
			return backoff.Permanent(err)
		}
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return err
		}
		defer func() {
			io.Copy(io.Discard, resp.Body)
			resp.Body.Close()
		}()

		switch {
		case resp.StatusCode < 300:
			return nil
		case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
			return fmt.Errorf("node answered %d", resp.StatusCode)
		default:
			return backoff.Permanent(fmt.Errorf("%w: %s %s: %d", ErrNodeRejected, method, url, resp.StatusCode))
		}
	}

	err := backoff.Retry(attempt, backoff.WithContext(policy, ctx))
	if err != nil {
		if errors.Is(err, ErrNodeRejected) {
			return err
		}
		return fmt.Errorf("%w: %s %s: %v", ErrNodeUnreachable, method, url, err)
	}
	return nil
}

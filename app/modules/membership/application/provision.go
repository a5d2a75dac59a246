package memberservice

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	memberdb "github.com/parley-chat/parley/app/modules/membership/infrastructure/repositories"
	permdb "github.com/parley-chat/parley/app/modules/permissions/infrastructure/repositories"
	permdomain "github.com/parley-chat/parley/app/modules/permissions/domain"
	"github.com/parley-chat/parley/internal/nodeclient"
	"go.opentelemetry.io/otel/trace"
)

// ErrServerNotFound is returned when no node hosts the requested tenant.
var ErrServerNotFound = errors.New("server not found")

// NodeAPI is the core-to-node REST surface the provisioner drives.
type NodeAPI interface {
	CreateGuild(ctx context.Context, apiBaseURL string, provision nodeclient.GuildProvision) error
	DeleteGuild(ctx context.Context, apiBaseURL, guildID string) error
	SyncMembership(ctx context.Context, apiBaseURL, coreServerID, userID string) error
}

// NodeDirectory maps tenants to the nodes that host them.
type NodeDirectory interface {
	GetServerNode(ctx context.Context, coreServerID string) (*permdb.ServerNode, error)
	UpsertServerNode(ctx context.Context, node *permdb.ServerNode) error
	DeleteServerNode(ctx context.Context, coreServerID string) error
}

// MembershipWriter records who belongs to which tenant server.
type MembershipWriter interface {
	Upsert(ctx context.Context, m *memberdb.CoreMembership) error
}

// ProvisionRequest places a new tenant server on a node.
type ProvisionRequest struct {
	CoreServerID string
	NodeServerID string
	GatewayURL   string
	APIBaseURL   string
	OwnerID      string
	Name         string
}

// ProvisionResult reports what the provisioner created.
type ProvisionResult struct {
	CoreServerID string
	GuildID      string
}

// Provisioner runs the multi-step tenant placement: default guild on the
// node, node mapping and owner membership on the core. The node call goes
// first so the core never advertises a mapping to a guild that does not
// exist; local failures afterwards compensate by deleting the guild again.
type Provisioner struct {
	nodes       NodeAPI
	directory   NodeDirectory
	memberships MembershipWriter
	logger      *slog.Logger
	tracer      trace.Tracer
}

func NewProvisioner(nodes NodeAPI, directory NodeDirectory, memberships MembershipWriter, logger *slog.Logger, tracer trace.Tracer) *Provisioner {
	return &Provisioner{
		nodes:       nodes,
		directory:   directory,
		memberships: memberships,
		logger:      logger,
		tracer:      tracer,
	}
}

// Provision places the tenant's default guild and records the mapping.
func (p *Provisioner) Provision(ctx context.Context, req ProvisionRequest) (*ProvisionResult, error) {
	ctx, span := p.tracer.Start(ctx, "membership.Provision")
	defer span.End()

	guildID := uuid.NewString()
	provision := nodeclient.GuildProvision{
		CoreServerID: req.CoreServerID,
		GuildID:      guildID,
		OwnerID:      req.OwnerID,
		Name:         req.Name,
	}
	if err := p.nodes.CreateGuild(ctx, req.APIBaseURL, provision); err != nil {
		return nil, fmt.Errorf("failed to provision guild on node: %w", err)
	}

	node := &permdb.ServerNode{
		CoreServerID: req.CoreServerID,
		NodeServerID: req.NodeServerID,
		GatewayURL:   req.GatewayURL,
		APIBaseURL:   req.APIBaseURL,
	}
	if err := p.directory.UpsertServerNode(ctx, node); err != nil {
		p.compensate(ctx, req, guildID)
		return nil, fmt.Errorf("failed to record node mapping: %w", err)
	}

	membership := &memberdb.CoreMembership{
		UserID:       req.OwnerID,
		CoreServerID: req.CoreServerID,
		NodeServerID: req.NodeServerID,
		PlatformRole: string(permdomain.PlatformUser),
	}
	if err := p.memberships.Upsert(ctx, membership); err != nil {
		if dirErr := p.directory.DeleteServerNode(ctx, req.CoreServerID); dirErr != nil {
			p.logger.Error("failed to roll back node mapping",
				"core_server_id", req.CoreServerID, "error", dirErr)
		}
		p.compensate(ctx, req, guildID)
		return nil, fmt.Errorf("failed to record owner membership: %w", err)
	}

	p.logger.Info("tenant provisioned",
		"core_server_id", req.CoreServerID,
		"node_server_id", req.NodeServerID,
		"guild_id", guildID,
	)
	return &ProvisionResult{CoreServerID: req.CoreServerID, GuildID: guildID}, nil
}

// Join records a user's membership in a tenant server. The node is told
// first so its member rows never lag the core's; both sides upsert, so a
// retried join converges.
func (p *Provisioner) Join(ctx context.Context, coreServerID, userID string) (*memberdb.CoreMembership, error) {
	ctx, span := p.tracer.Start(ctx, "membership.Join")
	defer span.End()

	node, err := p.directory.GetServerNode(ctx, coreServerID)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve node: %w", err)
	}
	if node == nil {
		return nil, ErrServerNotFound
	}

	if err := p.nodes.SyncMembership(ctx, node.APIBaseURL, coreServerID, userID); err != nil {
		return nil, fmt.Errorf("failed to sync membership to node: %w", err)
	}

	membership := &memberdb.CoreMembership{
		UserID:       userID,
		CoreServerID: coreServerID,
		NodeServerID: node.NodeServerID,
		PlatformRole: string(permdomain.PlatformUser),
	}
	if err := p.memberships.Upsert(ctx, membership); err != nil {
		return nil, fmt.Errorf("failed to record membership: %w", err)
	}

	p.logger.Info("member joined",
		"core_server_id", coreServerID,
		"user_id", userID,
	)
	return membership, nil
}

// compensate deletes the half-created guild. Failures are logged, not
// returned; the caller already has the original error.
func (p *Provisioner) compensate(ctx context.Context, req ProvisionRequest, guildID string) {
	if err := p.nodes.DeleteGuild(ctx, req.APIBaseURL, guildID); err != nil {
		p.logger.Error("failed to compensate half-created guild",
			"core_server_id", req.CoreServerID,
			"guild_id", guildID,
			"error", err,
		)
	}
}

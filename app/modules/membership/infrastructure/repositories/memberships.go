package memberdb

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/uptrace/bun"
)

// CoreMembership is the core's record that a user belongs to a tenant
// server, with the role snapshot baked into every minted token.
type CoreMembership struct {
	bun.BaseModel `bun:"table:core_memberships"`

	UserID       string   `bun:"user_id,pk"`
	CoreServerID string   `bun:"core_server_id,pk"`
	NodeServerID string   `bun:"node_server_id,notnull"`
	Roles        []string `bun:"roles,array"`
	PlatformRole string   `bun:"platform_role,notnull,default:'platform_user'"`
}

// MembershipStore reads core membership rows for token minting.
type MembershipStore struct {
	DB *bun.DB
}

func NewMembershipStore(db *bun.DB) *MembershipStore {
	return &MembershipStore{DB: db}
}

// Upsert writes a membership row, replacing the role snapshot if the user
// already belongs to the server.
func (s *MembershipStore) Upsert(ctx context.Context, m *CoreMembership) error {
	_, err := s.DB.NewInsert().Model(m).
		On("CONFLICT (user_id, core_server_id) DO UPDATE").
		Set("node_server_id = EXCLUDED.node_server_id").
		Set("roles = EXCLUDED.roles").
		Set("platform_role = EXCLUDED.platform_role").
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("failed to upsert membership: %w", err)
	}
	return nil
}

// Get fetches one membership, nil when the user does not belong to the
// server.
func (s *MembershipStore) Get(ctx context.Context, userID, coreServerID string) (*CoreMembership, error) {
	m := new(CoreMembership)
	err := s.DB.NewSelect().
		Model(m).
		Where("user_id = ?", userID).
		Where("core_server_id = ?", coreServerID).
		Scan(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to fetch membership: %w", err)
	}
	return m, nil
}

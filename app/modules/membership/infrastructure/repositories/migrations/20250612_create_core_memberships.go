package migrations

import (
	"context"
	"fmt"

	memberdb "github.com/parley-chat/parley/app/modules/membership/infrastructure/repositories"
	"github.com/uptrace/bun"
)

func init() {
	Migrations.MustRegister(
		func(ctx context.Context, db *bun.DB) error {
			if _, err := db.NewCreateTable().Model((*memberdb.CoreMembership)(nil)).IfNotExists().Exec(ctx); err != nil {
				return fmt.Errorf("failed to create core_memberships table: %w", err)
			}
			return nil
		},
		func(ctx context.Context, db *bun.DB) error {
			if _, err := db.NewDropTable().Model((*memberdb.CoreMembership)(nil)).IfExists().Exec(ctx); err != nil {
				return fmt.Errorf("failed to drop core_memberships table: %w", err)
			}
			return nil
		},
	)
}

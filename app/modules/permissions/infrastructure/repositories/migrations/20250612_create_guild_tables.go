package migrations

import (
	"context"
	"fmt"

	permdb "github.com/parley-chat/parley/app/modules/permissions/infrastructure/repositories"
	"github.com/uptrace/bun"
)

func init() {
	Migrations.MustRegister(
		func(ctx context.Context, db *bun.DB) error {
			models := []interface{}{
				(*permdb.Guild)(nil),
				(*permdb.Channel)(nil),
				(*permdb.Role)(nil),
				(*permdb.Member)(nil),
				(*permdb.MemberRole)(nil),
				(*permdb.Overwrite)(nil),
				(*permdb.Ban)(nil),
				(*permdb.ServerNode)(nil),
			}
			for _, model := range models {
				if _, err := db.NewCreateTable().Model(model).IfNotExists().Exec(ctx); err != nil {
					return fmt.Errorf("failed to create table for %T: %w", model, err)
				}
			}
			_, err := db.ExecContext(ctx, `
                CREATE INDEX IF NOT EXISTS idx_roles_guild ON roles (guild_id);
                CREATE INDEX IF NOT EXISTS idx_channels_guild ON channels (guild_id);
                CREATE INDEX IF NOT EXISTS idx_member_roles_member ON member_roles (guild_id, user_id);
            `)
			return err
		},
		func(ctx context.Context, db *bun.DB) error {
			models := []interface{}{
				(*permdb.ServerNode)(nil),
				(*permdb.Ban)(nil),
				(*permdb.Overwrite)(nil),
				(*permdb.MemberRole)(nil),
				(*permdb.Member)(nil),
				(*permdb.Role)(nil),
				(*permdb.Channel)(nil),
				(*permdb.Guild)(nil),
			}
			for _, model := range models {
				if _, err := db.NewDropTable().Model(model).IfExists().Cascade().Exec(ctx); err != nil {
					return fmt.Errorf("failed to drop table for %T: %w", model, err)
				}
			}
			return nil
		},
	)
}

package migrations

import (
	"context"
	"fmt"

	gatewaydb "github.com/parley-chat/parley/app/modules/gateway/infrastructure/repositories"
	"github.com/uptrace/bun"
)

func init() {
	Migrations.MustRegister(
		func(ctx context.Context, db *bun.DB) error {
			for _, model := range []interface{}{
				(*gatewaydb.Presence)(nil),
				(*gatewaydb.VoiceState)(nil),
			} {
				if _, err := db.NewCreateTable().Model(model).IfNotExists().Exec(ctx); err != nil {
					return fmt.Errorf("failed to create table for %T: %w", model, err)
				}
			}
			return nil
		},
		func(ctx context.Context, db *bun.DB) error {
			for _, model := range []interface{}{
				(*gatewaydb.VoiceState)(nil),
				(*gatewaydb.Presence)(nil),
			} {
				if _, err := db.NewDropTable().Model(model).IfExists().Exec(ctx); err != nil {
					return fmt.Errorf("failed to drop table for %T: %w", model, err)
				}
			}
			return nil
		},
	)
}

package bundb

import (
	"context"
	"database/sql"
	"fmt"

	gatewaydb "github.com/parley-chat/parley/app/modules/gateway/infrastructure/repositories"
	memberdb "github.com/parley-chat/parley/app/modules/membership/infrastructure/repositories"
	permdb "github.com/parley-chat/parley/app/modules/permissions/infrastructure/repositories"
	"github.com/parley-chat/parley/config"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/pgdialect"
	"github.com/uptrace/bun/driver/pgdriver"
)

// DBService bundles the repositories over one connection pool.
type DBService struct {
	Permissions *permdb.StoreImpl
	Presence    *gatewaydb.PresenceStore
	Memberships *memberdb.MembershipStore
	db          *bun.DB
}

// GetDB returns the underlying connection pool.
func (s *DBService) GetDB() *bun.DB {
	return s.db
}

// NewBunDBService opens the Postgres pool and wires the repositories.
func NewBunDBService(ctx context.Context, cfg config.PostgresConfig) (*DBService, error) {
	sqldb := sql.OpenDB(pgdriver.NewConnector(pgdriver.WithDSN(cfg.DSN)))
	if err := sqldb.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	db := bun.NewDB(sqldb, pgdialect.New())

	db.RegisterModel(
		(*permdb.Guild)(nil),
		(*permdb.Channel)(nil),
		(*permdb.Role)(nil),
		(*permdb.Member)(nil),
		(*permdb.MemberRole)(nil),
		(*permdb.Overwrite)(nil),
		(*permdb.Ban)(nil),
		(*permdb.ServerNode)(nil),
		(*gatewaydb.Presence)(nil),
		(*gatewaydb.VoiceState)(nil),
		(*memberdb.CoreMembership)(nil),
	)

	return &DBService{
		Permissions: &permdb.StoreImpl{DB: db},
		Presence:    gatewaydb.NewPresenceStore(db),
		Memberships: memberdb.NewMembershipStore(db),
		db:          db,
	}, nil
}

// Close releases the connection pool.
func (s *DBService) Close() error {
	return s.db.Close()
}

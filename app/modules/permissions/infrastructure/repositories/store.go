package permdb

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/uptrace/bun"
	permdomain "github.com/parley-chat/parley/app/modules/permissions/domain"
)

// StoreImpl is the bun-backed permission store.
type StoreImpl struct {
	DB *bun.DB
}

func (s *StoreImpl) GetGuild(ctx context.Context, guildID string) (*permdomain.Guild, error) {
	var guild Guild
	err := s.DB.NewSelect().Model(&guild).Where("id = ?", guildID).Scan(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return toDomainGuild(&guild), nil
}

func (s *StoreImpl) GetChannel(ctx context.Context, channelID string) (*permdomain.Channel, error) {
	var channel Channel
	err := s.DB.NewSelect().Model(&channel).Where("id = ?", channelID).Scan(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return toDomainChannel(&channel), nil
}

func (s *StoreImpl) GetRole(ctx context.Context, roleID string) (*permdomain.Role, error) {
	var role Role
	err := s.DB.NewSelect().Model(&role).Where("id = ?", roleID).Scan(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return toDomainRole(&role), nil
}

func (s *StoreImpl) EveryoneRole(ctx context.Context, guildID string) (*permdomain.Role, error) {
	var role Role
	err := s.DB.NewSelect().Model(&role).
		Where("guild_id = ?", guildID).
		Where("is_everyone = TRUE").
		Scan(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return toDomainRole(&role), nil
}

func (s *StoreImpl) MemberRoles(ctx context.Context, guildID, userID string) ([]permdomain.Role, error) {
	var roles []Role
	err := s.DB.NewSelect().Model(&roles).
		Join("JOIN member_roles AS mr ON mr.role_id = r.id").
		Where("mr.guild_id = ?", guildID).
		Where("mr.user_id = ?", userID).
		Scan(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]permdomain.Role, 0, len(roles))
	for i := range roles {
		out = append(out, *toDomainRole(&roles[i]))
	}
	return out, nil
}

func (s *StoreImpl) GuildsByCoreServer(ctx context.Context, coreServerID string) ([]*permdomain.Guild, error) {
	var guilds []Guild
	err := s.DB.NewSelect().Model(&guilds).Where("core_server_id = ?", coreServerID).Scan(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]*permdomain.Guild, 0, len(guilds))
	for i := range guilds {
		out = append(out, toDomainGuild(&guilds[i]))
	}
	return out, nil
}

func (s *StoreImpl) UpsertMember(ctx context.Context, guildID, userID string) error {
	_, err := s.DB.NewInsert().
		Model(&Member{GuildID: guildID, UserID: userID}).
		On("CONFLICT (guild_id, user_id) DO NOTHING").
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("failed to upsert member: %w", err)
	}
	return nil
}

func (s *StoreImpl) IsMember(ctx context.Context, guildID, userID string) (bool, error) {
	return s.DB.NewSelect().Model((*Member)(nil)).
		Where("guild_id = ?", guildID).
		Where("user_id = ?", userID).
		Exists(ctx)
}

func (s *StoreImpl) ChannelOverwrites(ctx context.Context, channelID string) ([]permdomain.Overwrite, error) {
	var rows []Overwrite
	err := s.DB.NewSelect().Model(&rows).Where("channel_id = ?", channelID).Scan(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]permdomain.Overwrite, 0, len(rows))
	for i := range rows {
		out = append(out, toDomainOverwrite(&rows[i]))
	}
	return out, nil
}

func (s *StoreImpl) CreateRole(ctx context.Context, role *permdomain.Role) error {
	row := &Role{
		ID:          role.ID,
		GuildID:     role.GuildID,
		Name:        role.Name,
		Position:    role.Position,
		Permissions: uint64(role.Permissions),
		IsEveryone:  role.IsEveryone,
	}
	_, err := s.DB.NewInsert().Model(row).Exec(ctx)
	return err
}

func (s *StoreImpl) UpdateRole(ctx context.Context, roleID string, updates map[string]interface{}) error {
	q := s.DB.NewUpdate().Model((*Role)(nil)).Where("id = ?", roleID)
	for k, v := range updates {
		q = q.Set(fmt.Sprintf("%s = ?", k), v)
	}
	_, err := q.Exec(ctx)
	return err
}

func (s *StoreImpl) DeleteRole(ctx context.Context, roleID string) error {
	if _, err := s.DB.NewDelete().Model((*MemberRole)(nil)).Where("role_id = ?", roleID).Exec(ctx); err != nil {
		return err
	}
	_, err := s.DB.NewDelete().Model((*Role)(nil)).Where("id = ?", roleID).Exec(ctx)
	return err
}

// UpsertOverwrite replaces the overwrite for (channel, target) in one
// statement; the REST surface treats overwrite writes as idempotent PUTs.
func (s *StoreImpl) UpsertOverwrite(ctx context.Context, ow *permdomain.Overwrite) error {
	row := &Overwrite{
		ChannelID:  ow.ChannelID,
		TargetType: string(ow.TargetType),
		TargetID:   ow.TargetID,
		Allow:      uint64(ow.Allow),
		Deny:       uint64(ow.Deny),
	}
	_, err := s.DB.NewInsert().Model(row).
		On("CONFLICT (channel_id, target_type, target_id) DO UPDATE").
		Set("allow_bits = EXCLUDED.allow_bits").
		Set("deny_bits = EXCLUDED.deny_bits").
		Exec(ctx)
	return err
}

func (s *StoreImpl) DeleteOverwrite(ctx context.Context, channelID string, targetType permdomain.OverwriteTarget, targetID string) error {
	_, err := s.DB.NewDelete().Model((*Overwrite)(nil)).
		Where("channel_id = ?", channelID).
		Where("target_type = ?", string(targetType)).
		Where("target_id = ?", targetID).
		Exec(ctx)
	return err
}

func (s *StoreImpl) AssignRole(ctx context.Context, guildID, userID, roleID string) error {
	row := &MemberRole{GuildID: guildID, UserID: userID, RoleID: roleID}
	_, err := s.DB.NewInsert().Model(row).On("CONFLICT DO NOTHING").Exec(ctx)
	return err
}

func (s *StoreImpl) UnassignRole(ctx context.Context, guildID, userID, roleID string) error {
	_, err := s.DB.NewDelete().Model((*MemberRole)(nil)).
		Where("guild_id = ?", guildID).
		Where("user_id = ?", userID).
		Where("role_id = ?", roleID).
		Exec(ctx)
	return err
}

// RemoveMember deletes the membership and every role assignment with it.
func (s *StoreImpl) RemoveMember(ctx context.Context, guildID, userID string) error {
	if _, err := s.DB.NewDelete().Model((*MemberRole)(nil)).
		Where("guild_id = ?", guildID).
		Where("user_id = ?", userID).
		Exec(ctx); err != nil {
		return err
	}
	_, err := s.DB.NewDelete().Model((*Member)(nil)).
		Where("guild_id = ?", guildID).
		Where("user_id = ?", userID).
		Exec(ctx)
	return err
}

func (s *StoreImpl) CreateBan(ctx context.Context, guildID, userID, reason string) error {
	row := &Ban{GuildID: guildID, UserID: userID, Reason: reason}
	_, err := s.DB.NewInsert().Model(row).On("CONFLICT DO NOTHING").Exec(ctx)
	return err
}

// ProvisionGuild creates a guild with its everyone role and owner membership
// in one transaction. Called by the node admin surface when the core places
// a new tenant here.
func (s *StoreImpl) ProvisionGuild(ctx context.Context, guild *permdomain.Guild, everyone *permdomain.Role) error {
	return s.DB.RunInTx(ctx, &sql.TxOptions{}, func(ctx context.Context, tx bun.Tx) error {
		guildRow := &Guild{
			ID:           guild.ID,
			CoreServerID: guild.CoreServerID,
			OwnerID:      guild.OwnerID,
			Name:         guild.Name,
		}
		if _, err := tx.NewInsert().Model(guildRow).Exec(ctx); err != nil {
			return err
		}
		roleRow := &Role{
			ID:          everyone.ID,
			GuildID:     everyone.GuildID,
			Name:        everyone.Name,
			Position:    everyone.Position,
			Permissions: uint64(everyone.Permissions),
			IsEveryone:  true,
		}
		if _, err := tx.NewInsert().Model(roleRow).Exec(ctx); err != nil {
			return err
		}
		member := &Member{GuildID: guild.ID, UserID: guild.OwnerID}
		_, err := tx.NewInsert().Model(member).Exec(ctx)
		return err
	})
}

// DeleteGuild removes a guild and everything hanging off it. Also the
// compensation path when the core aborts a half-finished provision.
func (s *StoreImpl) DeleteGuild(ctx context.Context, guildID string) error {
	return s.DB.RunInTx(ctx, &sql.TxOptions{}, func(ctx context.Context, tx bun.Tx) error {
		channelIDs := tx.NewSelect().Model((*Channel)(nil)).
			Column("id").
			Where("guild_id = ?", guildID)
		if _, err := tx.NewDelete().Model((*Overwrite)(nil)).
			Where("channel_id IN (?)", channelIDs).
			Exec(ctx); err != nil {
			return err
		}
		for _, model := range []interface{}{
			(*MemberRole)(nil), (*Member)(nil), (*Ban)(nil), (*Role)(nil), (*Channel)(nil),
		} {
			if _, err := tx.NewDelete().Model(model).Where("guild_id = ?", guildID).Exec(ctx); err != nil {
				return err
			}
		}
		_, err := tx.NewDelete().Model((*Guild)(nil)).Where("id = ?", guildID).Exec(ctx)
		return err
	})
}

// UpsertServerNode records which node hosts a tenant and where to reach it.
func (s *StoreImpl) UpsertServerNode(ctx context.Context, node *ServerNode) error {
	_, err := s.DB.NewInsert().Model(node).
		On("CONFLICT (core_server_id) DO UPDATE").
		Set("node_server_id = EXCLUDED.node_server_id").
		Set("gateway_url = EXCLUDED.gateway_url").
		Set("api_base_url = EXCLUDED.api_base_url").
		Exec(ctx)
	return err
}

// DeleteServerNode unmaps a tenant, used when a provision is rolled back.
func (s *StoreImpl) DeleteServerNode(ctx context.Context, coreServerID string) error {
	_, err := s.DB.NewDelete().Model((*ServerNode)(nil)).
		Where("core_server_id = ?", coreServerID).
		Exec(ctx)
	return err
}

// GetServerNode fetches the node mapping for a tenant, nil when unmapped.
func (s *StoreImpl) GetServerNode(ctx context.Context, coreServerID string) (*ServerNode, error) {
	var node ServerNode
	err := s.DB.NewSelect().Model(&node).Where("core_server_id = ?", coreServerID).Scan(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &node, nil
}

// NodeGatewayURL resolves the gateway endpoint of the node hosting a tenant.
// The core gateway's proxy tunnel is its only caller.
func (s *StoreImpl) NodeGatewayURL(ctx context.Context, coreServerID string) (string, error) {
	var node ServerNode
	err := s.DB.NewSelect().Model(&node).Where("core_server_id = ?", coreServerID).Scan(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", permdomain.ErrGuildNotFound
		}
		return "", err
	}
	return node.GatewayURL, nil
}

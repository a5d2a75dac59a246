package gatewaydb

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/uptrace/bun"
)

// Presence is one row per user; the gateway upserts it on identify and on
// every PRESENCE_UPDATE command.
type Presence struct {
	bun.BaseModel `bun:"table:presences"`

	UserID       string    `bun:"user_id,pk"`
	Status       string    `bun:"status,notnull"`
	CustomStatus string    `bun:"custom_status"`
	Activity     []byte    `bun:"activity,type:jsonb"`
	UpdatedAt    time.Time `bun:"updated_at,notnull"`
}

// VoiceState is one row per user per guild; a user occupies at most one voice
// channel within a guild.
type VoiceState struct {
	bun.BaseModel `bun:"table:voice_states"`

	UserID    string    `bun:"user_id,pk"`
	GuildID   string    `bun:"guild_id,pk"`
	ChannelID string    `bun:"channel_id,notnull"`
	JoinedAt  time.Time `bun:"joined_at,notnull"`
}

const (
	StatusOnline  = "online"
	StatusIdle    = "idle"
	StatusDND     = "dnd"
	StatusOffline = "offline"
)

// PresenceStore persists presence and voice occupancy in Postgres.
type PresenceStore struct {
	DB *bun.DB
}

func NewPresenceStore(db *bun.DB) *PresenceStore {
	return &PresenceStore{DB: db}
}

// Upsert writes the user's presence, replacing any previous row.
func (s *PresenceStore) Upsert(ctx context.Context, userID, status, customStatus string, activity []byte) error {
	p := &Presence{
		UserID:       userID,
		Status:       status,
		CustomStatus: customStatus,
		Activity:     activity,
		UpdatedAt:    time.Now().UTC(),
	}
	_, err := s.DB.NewInsert().
		Model(p).
		On("CONFLICT (user_id) DO UPDATE").
		Set("status = EXCLUDED.status").
		Set("custom_status = EXCLUDED.custom_status").
		Set("activity = EXCLUDED.activity").
		Set("updated_at = EXCLUDED.updated_at").
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("failed to upsert presence: %w", err)
	}
	return nil
}

// Touch refreshes updated_at without changing the status, so an online user
// who answers sync probes never goes stale.
func (s *PresenceStore) Touch(ctx context.Context, userID string) error {
	_, err := s.DB.NewUpdate().
		Model((*Presence)(nil)).
		Set("updated_at = ?", time.Now().UTC()).
		Where("user_id = ?", userID).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("failed to touch presence: %w", err)
	}
	return nil
}

// SetOffline flips the user's row to offline. Idempotent.
func (s *PresenceStore) SetOffline(ctx context.Context, userID string) error {
	_, err := s.DB.NewUpdate().
		Model((*Presence)(nil)).
		Set("status = ?", StatusOffline).
		Set("updated_at = ?", time.Now().UTC()).
		Where("user_id = ?", userID).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("failed to set presence offline: %w", err)
	}
	return nil
}

// SweepStale marks every non-offline row older than the threshold as offline
// and returns the affected user ids, so the caller can fan the flips out.
func (s *PresenceStore) SweepStale(ctx context.Context, olderThan time.Time) ([]string, error) {
	var userIDs []string
	err := s.DB.NewUpdate().
		Model((*Presence)(nil)).
		Set("status = ?", StatusOffline).
		Set("updated_at = ?", time.Now().UTC()).
		Where("status != ?", StatusOffline).
		Where("updated_at < ?", olderThan).
		Returning("user_id").
		Scan(ctx, &userIDs)
	if err != nil {
		return nil, fmt.Errorf("failed to sweep stale presences: %w", err)
	}
	return userIDs, nil
}

// Get fetches one user's presence, nil when none exists.
func (s *PresenceStore) Get(ctx context.Context, userID string) (*Presence, error) {
	p := new(Presence)
	err := s.DB.NewSelect().
		Model(p).
		Where("user_id = ?", userID).
		Scan(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to fetch presence: %w", err)
	}
	return p, nil
}

// UpsertVoiceState records the user's voice channel within the guild.
func (s *PresenceStore) UpsertVoiceState(ctx context.Context, userID, guildID, channelID string) error {
	vs := &VoiceState{
		UserID:    userID,
		GuildID:   guildID,
		ChannelID: channelID,
		JoinedAt:  time.Now().UTC(),
	}
	_, err := s.DB.NewInsert().
		Model(vs).
		On("CONFLICT (user_id, guild_id) DO UPDATE").
		Set("channel_id = EXCLUDED.channel_id").
		Set("joined_at = EXCLUDED.joined_at").
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("failed to upsert voice state: %w", err)
	}
	return nil
}

// DeleteVoiceState clears the user's voice row for the guild. Idempotent.
func (s *PresenceStore) DeleteVoiceState(ctx context.Context, userID, guildID string) error {
	_, err := s.DB.NewDelete().
		Model((*VoiceState)(nil)).
		Where("user_id = ?", userID).
		Where("guild_id = ?", guildID).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("failed to delete voice state: %w", err)
	}
	return nil
}

// ListChannelVoiceStates returns everyone currently in the voice channel.
func (s *PresenceStore) ListChannelVoiceStates(ctx context.Context, guildID, channelID string) ([]VoiceState, error) {
	var states []VoiceState
	err := s.DB.NewSelect().
		Model(&states).
		Where("guild_id = ?", guildID).
		Where("channel_id = ?", channelID).
		Order("joined_at ASC").
		Scan(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list voice states: %w", err)
	}
	return states, nil
}

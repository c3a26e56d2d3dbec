// Package pgstore is a store.Store on Postgres
package pgstore

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"github.com/anti-raid/defender/store"
	"github.com/anti-raid/defender/types"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

//go:embed schema.sql
var schema string

const guildConfigCols = "guild_id, prune_role_id, moderator_channel_id, created_at"

const prunedMemberCols = "guild_id, member_id, prune_at, reason, created_at"

type Store struct {
	Pool *pgxpool.Pool
}

var _ store.Store = (*Store)(nil)

// Open connects to Postgres and applies the schema
func Open(ctx context.Context, url string) (*Store, error) {
	pool, err := pgxpool.New(ctx, url)

	if err != nil {
		return nil, fmt.Errorf("failed to create pool: %w", err)
	}

	_, err = pool.Exec(ctx, schema)

	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}

	return &Store{Pool: pool}, nil
}

func (s *Store) GuildConfig(ctx context.Context, guildID string) (*types.GuildConfig, error) {
	err := s.CreateGuildConfig(ctx, guildID)

	if err != nil {
		return nil, err
	}

	rows, err := s.Pool.Query(ctx, "SELECT "+guildConfigCols+" FROM guild_configs WHERE guild_id = $1", guildID)

	if err != nil {
		return nil, err
	}

	gc, err := pgx.CollectOneRow(rows, pgx.RowToAddrOfStructByName[types.GuildConfig])

	if errors.Is(err, pgx.ErrNoRows) {
		return nil, store.ErrNotFound
	}

	return gc, err
}

func (s *Store) CreateGuildConfig(ctx context.Context, guildID string) error {
	_, err := s.Pool.Exec(ctx, "INSERT INTO guild_configs (guild_id) VALUES ($1) ON CONFLICT (guild_id) DO NOTHING", guildID)
	return err
}

func (s *Store) DeleteGuildConfig(ctx context.Context, guildID string) error {
	// pruned_members, lockdowns and lockdown_roles cascade
	_, err := s.Pool.Exec(ctx, "DELETE FROM guild_configs WHERE guild_id = $1", guildID)
	return err
}

func (s *Store) SetPruneRole(ctx context.Context, guildID, roleID string) (*types.GuildConfig, error) {
	_, err := s.Pool.Exec(ctx, "INSERT INTO guild_configs (guild_id, prune_role_id) VALUES ($1, $2) ON CONFLICT (guild_id) DO UPDATE SET prune_role_id = EXCLUDED.prune_role_id", guildID, roleID)

	if err != nil {
		return nil, err
	}

	return s.GuildConfig(ctx, guildID)
}

func (s *Store) SetModeratorChannel(ctx context.Context, guildID, channelID string) (*types.GuildConfig, error) {
	_, err := s.Pool.Exec(ctx, "INSERT INTO guild_configs (guild_id, moderator_channel_id) VALUES ($1, $2) ON CONFLICT (guild_id) DO UPDATE SET moderator_channel_id = EXCLUDED.moderator_channel_id", guildID, channelID)

	if err != nil {
		return nil, err
	}

	return s.GuildConfig(ctx, guildID)
}

func (s *Store) ReadyGuilds(ctx context.Context) ([]*types.GuildConfig, error) {
	rows, err := s.Pool.Query(ctx, "SELECT "+guildConfigCols+" FROM guild_configs WHERE COALESCE(prune_role_id, '') <> '' AND COALESCE(moderator_channel_id, '') <> '' ORDER BY created_at")

	if err != nil {
		return nil, err
	}

	return pgx.CollectRows(rows, pgx.RowToAddrOfStructByName[types.GuildConfig])
}

func (s *Store) SchedulePrune(ctx context.Context, pm *types.PrunedMember) error {
	tx, err := s.Pool.Begin(ctx)

	if err != nil {
		return err
	}

	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx, "INSERT INTO guild_configs (guild_id) VALUES ($1) ON CONFLICT (guild_id) DO NOTHING", pm.GuildID)

	if err != nil {
		return err
	}

	createdAt := pm.CreatedAt

	if createdAt.IsZero() {
		createdAt = time.Now()
	}

	_, err = tx.Exec(ctx, "INSERT INTO pruned_members ("+prunedMemberCols+") VALUES ($1, $2, $3, $4, $5) ON CONFLICT (guild_id, member_id) DO UPDATE SET prune_at = EXCLUDED.prune_at, reason = EXCLUDED.reason",
		pm.GuildID,
		pm.MemberID,
		pm.PruneAt,
		pm.Reason,
		createdAt,
	)

	if err != nil {
		return err
	}

	return tx.Commit(ctx)
}

func (s *Store) PrunedMember(ctx context.Context, guildID, memberID string) (*types.PrunedMember, error) {
	rows, err := s.Pool.Query(ctx, "SELECT "+prunedMemberCols+" FROM pruned_members WHERE guild_id = $1 AND member_id = $2", guildID, memberID)

	if err != nil {
		return nil, err
	}

	pm, err := pgx.CollectOneRow(rows, pgx.RowToAddrOfStructByName[types.PrunedMember])

	if errors.Is(err, pgx.ErrNoRows) {
		return nil, store.ErrNotFound
	}

	return pm, err
}

func (s *Store) PrunedMembers(ctx context.Context, guildID string, dueBefore time.Time) ([]*types.PrunedMember, error) {
	var rows pgx.Rows
	var err error

	if dueBefore.IsZero() {
		rows, err = s.Pool.Query(ctx, "SELECT "+prunedMemberCols+" FROM pruned_members WHERE guild_id = $1 ORDER BY prune_at", guildID)
	} else {
		rows, err = s.Pool.Query(ctx, "SELECT "+prunedMemberCols+" FROM pruned_members WHERE guild_id = $1 AND prune_at < $2 ORDER BY prune_at", guildID, dueBefore)
	}

	if err != nil {
		return nil, err
	}

	return pgx.CollectRows(rows, pgx.RowToAddrOfStructByName[types.PrunedMember])
}

func (s *Store) DeletePrunedMember(ctx context.Context, guildID, memberID string) error {
	_, err := s.Pool.Exec(ctx, "DELETE FROM pruned_members WHERE guild_id = $1 AND member_id = $2", guildID, memberID)
	return err
}

func (s *Store) CreateLockdown(ctx context.Context, ld *types.Lockdown) error {
	tx, err := s.Pool.Begin(ctx)

	if err != nil {
		return err
	}

	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx, "INSERT INTO guild_configs (guild_id) VALUES ($1) ON CONFLICT (guild_id) DO NOTHING", ld.GuildID)

	if err != nil {
		return err
	}

	createdAt := ld.CreatedAt

	if createdAt.IsZero() {
		createdAt = time.Now()
	}

	_, err = tx.Exec(ctx, "INSERT INTO lockdowns (guild_id, channel_id, reason, created_at) VALUES ($1, $2, $3, $4)", ld.GuildID, ld.ChannelID, ld.Reason, createdAt)

	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return store.ErrExists
		}

		return err
	}

	batch := &pgx.Batch{}

	for _, r := range ld.Roles {
		batch.Queue("INSERT INTO lockdown_roles (guild_id, channel_id, role_id, had_overwrite, allow, deny) VALUES ($1, $2, $3, $4, $5, $6)", ld.GuildID, ld.ChannelID, r.RoleID, r.HadOverwrite, r.Allow, r.Deny)
	}

	err = tx.SendBatch(ctx, batch).Close()

	if err != nil {
		return fmt.Errorf("failed to insert lockdown roles: %w", err)
	}

	return tx.Commit(ctx)
}

func (s *Store) lockdownRoles(ctx context.Context, guildID, channelID string) ([]types.LockdownRole, error) {
	rows, err := s.Pool.Query(ctx, "SELECT role_id, had_overwrite, allow, deny FROM lockdown_roles WHERE guild_id = $1 AND channel_id = $2", guildID, channelID)

	if err != nil {
		return nil, err
	}

	return pgx.CollectRows(rows, pgx.RowToStructByName[types.LockdownRole])
}

func (s *Store) Lockdown(ctx context.Context, guildID, channelID string) (*types.Lockdown, error) {
	var ld = types.Lockdown{
		GuildID:   guildID,
		ChannelID: channelID,
	}

	err := s.Pool.QueryRow(ctx, "SELECT reason, created_at FROM lockdowns WHERE guild_id = $1 AND channel_id = $2", guildID, channelID).Scan(&ld.Reason, &ld.CreatedAt)

	if errors.Is(err, pgx.ErrNoRows) {
		return nil, store.ErrNotFound
	}

	if err != nil {
		return nil, err
	}

	ld.Roles, err = s.lockdownRoles(ctx, guildID, channelID)

	if err != nil {
		return nil, err
	}

	return &ld, nil
}

func (s *Store) Lockdowns(ctx context.Context, guildID string) ([]*types.Lockdown, error) {
	rows, err := s.Pool.Query(ctx, "SELECT channel_id FROM lockdowns WHERE guild_id = $1 ORDER BY created_at", guildID)

	if err != nil {
		return nil, err
	}

	channelIDs, err := pgx.CollectRows(rows, pgx.RowTo[string])

	if err != nil {
		return nil, err
	}

	out := make([]*types.Lockdown, 0, len(channelIDs))

	for _, channelID := range channelIDs {
		ld, err := s.Lockdown(ctx, guildID, channelID)

		if errors.Is(err, store.ErrNotFound) {
			continue // unlocked in between
		}

		if err != nil {
			return nil, err
		}

		out = append(out, ld)
	}

	return out, nil
}

func (s *Store) DeleteLockdown(ctx context.Context, guildID, channelID string) error {
	tag, err := s.Pool.Exec(ctx, "DELETE FROM lockdowns WHERE guild_id = $1 AND channel_id = $2", guildID, channelID)

	if err != nil {
		return err
	}

	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}

	return nil
}

func (s *Store) Close() error {
	s.Pool.Close()
	return nil
}

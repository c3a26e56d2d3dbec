// Package store defines the persistent store for guild settings, scheduled prunes and lockdowns.
//
// Implementations live in the pgstore (Postgres), sqlstore (gorm/sqlite) and cachedstore (redis
// read-through cache) packages.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/anti-raid/defender/types"
)

var (
	ErrNotFound = errors.New("store: record not found")
	ErrExists   = errors.New("store: record already exists")
)

type Store interface {
	// GuildConfig returns the config of a guild, creating an empty one if none exists
	GuildConfig(ctx context.Context, guildID string) (*types.GuildConfig, error)

	// CreateGuildConfig creates an empty guild config. Existing configs are left untouched
	CreateGuildConfig(ctx context.Context, guildID string) error

	// DeleteGuildConfig removes a guild config along with its pruned members and lockdowns
	DeleteGuildConfig(ctx context.Context, guildID string) error

	SetPruneRole(ctx context.Context, guildID, roleID string) (*types.GuildConfig, error)

	SetModeratorChannel(ctx context.Context, guildID, channelID string) (*types.GuildConfig, error)

	// ReadyGuilds returns every guild with both a prune role and a moderator channel
	ReadyGuilds(ctx context.Context) ([]*types.GuildConfig, error)

	// SchedulePrune creates or replaces the pruned member record of (guild, member)
	SchedulePrune(ctx context.Context, pm *types.PrunedMember) error

	PrunedMember(ctx context.Context, guildID, memberID string) (*types.PrunedMember, error)

	// PrunedMembers returns the pruned members of a guild due before dueBefore, or all of them
	// if dueBefore is zero
	PrunedMembers(ctx context.Context, guildID string, dueBefore time.Time) ([]*types.PrunedMember, error)

	DeletePrunedMember(ctx context.Context, guildID, memberID string) error

	// CreateLockdown stores a lockdown with its roles. Returns ErrExists if the channel is already locked
	CreateLockdown(ctx context.Context, ld *types.Lockdown) error

	Lockdown(ctx context.Context, guildID, channelID string) (*types.Lockdown, error)

	Lockdowns(ctx context.Context, guildID string) ([]*types.Lockdown, error)

	DeleteLockdown(ctx context.Context, guildID, channelID string) error

	Close() error
}

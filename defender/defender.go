// Package defender implements the moderation operations of the bot: screening new members,
// pruning and banning suspicious accounts, mass bans and channel lockdowns.
//
// Operations over many members fan out through amap with the concurrency limits of config.Defender.
// Failures of a single Discord request only affect the member being processed; store failures abort
// the whole operation.
package defender

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/anti-raid/defender/config"
	"github.com/anti-raid/defender/directory"
	"github.com/anti-raid/defender/mapofmu"
	"github.com/anti-raid/defender/objectstorage"
	"github.com/anti-raid/defender/store"
	"github.com/anti-raid/defender/types"

	"go.uber.org/zap"
)

var (
	ErrMissingRequirements = errors.New("the prune role and moderator channel must be set first")
	ErrAlreadyLocked       = errors.New("channel is already locked down")
	ErrNotLocked           = errors.New("channel is not locked down")
	ErrChannelBusy         = errors.New("a lockdown of this channel is already being applied")
	ErrInvalidFileType     = errors.New("invalid file type, a text file with one ID per line is required")
)

type Defender struct {
	Store     store.Store
	Directory directory.Directory

	// Storage may be nil, in which case ban exports are not persisted
	Storage *objectstorage.ObjectStorage
	Logger  *zap.Logger
	Config  config.Defender

	// Now returns the current time, defaults to time.Now
	Now func() time.Time

	channelLocks *mapofmu.M[string]
}

func New(s store.Store, d directory.Directory, storage *objectstorage.ObjectStorage, l *zap.Logger, cfg config.Defender) *Defender {
	return &Defender{
		Store:        s,
		Directory:    d,
		Storage:      storage,
		Logger:       l,
		Config:       cfg,
		Now:          time.Now,
		channelLocks: mapofmu.New[string](),
	}
}

// Requirements returns which settings the guild has configured
func (d *Defender) Requirements(ctx context.Context, guildID string) (types.Requirements, error) {
	gc, err := d.Store.GuildConfig(ctx, guildID)

	if err != nil {
		return types.Requirements{}, fmt.Errorf("failed to get guild config: %w", err)
	}

	return requirementsOf(gc), nil
}

func requirementsOf(gc *types.GuildConfig) types.Requirements {
	return types.Requirements{
		PruneRole:        gc.PruneRoleID != nil && *gc.PruneRoleID != "",
		ModeratorChannel: gc.ModeratorChannelID != nil && *gc.ModeratorChannelID != "",
	}
}

// readyConfig returns the guild config, failing with ErrMissingRequirements unless both settings are set
func (d *Defender) readyConfig(ctx context.Context, guildID string) (*types.GuildConfig, error) {
	gc, err := d.Store.GuildConfig(ctx, guildID)

	if err != nil {
		return nil, fmt.Errorf("failed to get guild config: %w", err)
	}

	if !gc.Ready() {
		return nil, ErrMissingRequirements
	}

	return gc, nil
}

func (d *Defender) RegisterPruneRole(ctx context.Context, guildID, roleID string) (*types.GuildConfig, error) {
	gc, err := d.Store.SetPruneRole(ctx, guildID, roleID)

	if err != nil {
		return nil, fmt.Errorf("failed to set prune role: %w", err)
	}

	d.Logger.Info("Registered prune role", zap.String("guildId", guildID), zap.String("roleId", roleID))

	return gc, nil
}

func (d *Defender) RegisterModeratorChannel(ctx context.Context, guildID, channelID string) (*types.GuildConfig, error) {
	gc, err := d.Store.SetModeratorChannel(ctx, guildID, channelID)

	if err != nil {
		return nil, fmt.Errorf("failed to set moderator channel: %w", err)
	}

	d.Logger.Info("Registered moderator channel", zap.String("guildId", guildID), zap.String("channelId", channelID))

	return gc, nil
}

// GuildJoined creates the config of a guild the bot was added to
func (d *Defender) GuildJoined(ctx context.Context, guildID string) error {
	return d.Store.CreateGuildConfig(ctx, guildID)
}

// GuildLeft removes everything stored about a guild the bot was removed from
func (d *Defender) GuildLeft(ctx context.Context, guildID string) error {
	return d.Store.DeleteGuildConfig(ctx, guildID)
}

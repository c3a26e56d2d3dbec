// Package cachedstore wraps a store.Store with a redis cache of guild configs.
//
// Guild configs are read on every member join, everything else goes straight to the backing store.
// Cache failures are logged and never fail the operation.
package cachedstore

import (
	"context"
	"errors"
	"time"

	"github.com/anti-raid/defender/store"
	"github.com/anti-raid/defender/types"

	"github.com/redis/go-redis/v9"
	"github.com/vmihailenco/msgpack/v5"
	"go.uber.org/zap"
)

const keyPrefix = "defender:guild_config:"

type Store struct {
	store.Store

	Redis  *redis.Client
	Expiry time.Duration
	Logger *zap.Logger
}

var _ store.Store = (*Store)(nil)

func New(backing store.Store, rdb *redis.Client, expiry time.Duration, l *zap.Logger) *Store {
	return &Store{
		Store:  backing,
		Redis:  rdb,
		Expiry: expiry,
		Logger: l,
	}
}

func (s *Store) get(ctx context.Context, guildID string) (*types.GuildConfig, bool) {
	b, err := s.Redis.Get(ctx, keyPrefix+guildID).Bytes()

	if errors.Is(err, redis.Nil) {
		return nil, false
	}

	if err != nil {
		s.Logger.Warn("Failed to read guild config from cache", zap.Error(err), zap.String("guildId", guildID))
		return nil, false
	}

	var gc types.GuildConfig

	err = msgpack.Unmarshal(b, &gc)

	if err != nil {
		s.Logger.Warn("Dropping undecodable cached guild config", zap.Error(err), zap.String("guildId", guildID))
		s.invalidate(ctx, guildID)
		return nil, false
	}

	return &gc, true
}

func (s *Store) put(ctx context.Context, gc *types.GuildConfig) {
	b, err := msgpack.Marshal(gc)

	if err != nil {
		s.Logger.Warn("Failed to encode guild config", zap.Error(err), zap.String("guildId", gc.GuildID))
		return
	}

	err = s.Redis.Set(ctx, keyPrefix+gc.GuildID, b, s.Expiry).Err()

	if err != nil {
		s.Logger.Warn("Failed to cache guild config", zap.Error(err), zap.String("guildId", gc.GuildID))
	}
}

func (s *Store) invalidate(ctx context.Context, guildID string) {
	err := s.Redis.Del(ctx, keyPrefix+guildID).Err()

	if err != nil {
		s.Logger.Warn("Failed to invalidate cached guild config", zap.Error(err), zap.String("guildId", guildID))
	}
}

func (s *Store) GuildConfig(ctx context.Context, guildID string) (*types.GuildConfig, error) {
	if gc, ok := s.get(ctx, guildID); ok {
		return gc, nil
	}

	gc, err := s.Store.GuildConfig(ctx, guildID)

	if err != nil {
		return nil, err
	}

	s.put(ctx, gc)

	return gc, nil
}

func (s *Store) DeleteGuildConfig(ctx context.Context, guildID string) error {
	err := s.Store.DeleteGuildConfig(ctx, guildID)
	s.invalidate(ctx, guildID)
	return err
}

func (s *Store) SetPruneRole(ctx context.Context, guildID, roleID string) (*types.GuildConfig, error) {
	s.invalidate(ctx, guildID)

	gc, err := s.Store.SetPruneRole(ctx, guildID, roleID)

	if err != nil {
		return nil, err
	}

	s.put(ctx, gc)

	return gc, nil
}

func (s *Store) SetModeratorChannel(ctx context.Context, guildID, channelID string) (*types.GuildConfig, error) {
	s.invalidate(ctx, guildID)

	gc, err := s.Store.SetModeratorChannel(ctx, guildID, channelID)

	if err != nil {
		return nil, err
	}

	s.put(ctx, gc)

	return gc, nil
}

func (s *Store) Close() error {
	err := s.Store.Close()

	if rerr := s.Redis.Close(); err == nil {
		err = rerr
	}

	return err
}

// Package sqlstore is a store.Store on gorm and SQLite, used for single instance deployments and tests
package sqlstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/anti-raid/defender/store"
	"github.com/anti-raid/defender/types"

	"go.uber.org/zap"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"
)

type guildConfigModel struct {
	ID                 uint    `gorm:"primaryKey"`
	GuildID            string  `gorm:"uniqueIndex;not null"`
	PruneRoleID        *string `gorm:"column:prune_role_id"`
	ModeratorChannelID *string `gorm:"column:moderator_channel_id"`
	CreatedAt          time.Time
}

func (guildConfigModel) TableName() string { return "guild_configs" }

func (m *guildConfigModel) toType() *types.GuildConfig {
	return &types.GuildConfig{
		GuildID:            m.GuildID,
		PruneRoleID:        m.PruneRoleID,
		ModeratorChannelID: m.ModeratorChannelID,
		CreatedAt:          m.CreatedAt,
	}
}

type prunedMemberModel struct {
	ID        uint      `gorm:"primaryKey"`
	GuildID   string    `gorm:"uniqueIndex:idx_pruned_guild_member;not null"`
	MemberID  string    `gorm:"uniqueIndex:idx_pruned_guild_member;not null"`
	PruneAt   time.Time `gorm:"index;not null"`
	Reason    *string
	CreatedAt time.Time
}

func (prunedMemberModel) TableName() string { return "pruned_members" }

func (m *prunedMemberModel) toType() *types.PrunedMember {
	return &types.PrunedMember{
		GuildID:   m.GuildID,
		MemberID:  m.MemberID,
		PruneAt:   m.PruneAt,
		Reason:    m.Reason,
		CreatedAt: m.CreatedAt,
	}
}

type lockdownModel struct {
	ID        uint   `gorm:"primaryKey"`
	GuildID   string `gorm:"uniqueIndex:idx_lockdown_guild_channel;not null"`
	ChannelID string `gorm:"uniqueIndex:idx_lockdown_guild_channel;not null"`
	Reason    *string
	CreatedAt time.Time
	Roles     []lockdownRoleModel `gorm:"foreignKey:LockdownID;constraint:OnDelete:CASCADE"`
}

func (lockdownModel) TableName() string { return "lockdowns" }

func (m *lockdownModel) toType() *types.Lockdown {
	ld := &types.Lockdown{
		GuildID:   m.GuildID,
		ChannelID: m.ChannelID,
		Reason:    m.Reason,
		CreatedAt: m.CreatedAt,
		Roles:     make([]types.LockdownRole, 0, len(m.Roles)),
	}

	for _, r := range m.Roles {
		ld.Roles = append(ld.Roles, types.LockdownRole{
			RoleID:       r.RoleID,
			HadOverwrite: r.HadOverwrite,
			Allow:        r.Allow,
			Deny:         r.Deny,
		})
	}

	return ld
}

type lockdownRoleModel struct {
	ID           uint   `gorm:"primaryKey"`
	LockdownID   uint   `gorm:"index;not null"`
	RoleID       string `gorm:"not null"`
	HadOverwrite bool
	Allow        int64
	Deny         int64
}

func (lockdownRoleModel) TableName() string { return "lockdown_roles" }

type Store struct {
	db *gorm.DB
}

var _ store.Store = (*Store)(nil)

// Open opens (and migrates) the SQLite database at dsn
func Open(dsn string, l *zap.Logger) (*Store, error) {
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: gormlogger.New(zap.NewStdLog(l), gormlogger.Config{
			SlowThreshold:             200 * time.Millisecond,
			LogLevel:                  gormlogger.Warn,
			IgnoreRecordNotFoundError: true,
		}),
	})

	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database: %w", err)
	}

	sqlDB, err := db.DB()

	if err != nil {
		return nil, err
	}

	// SQLite only allows one writer, and an in-memory database only lives on its own connection
	sqlDB.SetMaxOpenConns(1)

	err = db.AutoMigrate(&guildConfigModel{}, &prunedMemberModel{}, &lockdownModel{}, &lockdownRoleModel{})

	if err != nil {
		return nil, fmt.Errorf("failed to migrate sqlite database: %w", err)
	}

	return &Store{db: db}, nil
}

func (s *Store) GuildConfig(ctx context.Context, guildID string) (*types.GuildConfig, error) {
	var m guildConfigModel

	err := s.db.WithContext(ctx).Where(guildConfigModel{GuildID: guildID}).FirstOrCreate(&m).Error

	if err != nil {
		return nil, err
	}

	return m.toType(), nil
}

func (s *Store) CreateGuildConfig(ctx context.Context, guildID string) error {
	return s.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&guildConfigModel{GuildID: guildID}).Error
}

func (s *Store) DeleteGuildConfig(ctx context.Context, guildID string) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		err := tx.Where("guild_id = ?", guildID).Delete(&prunedMemberModel{}).Error

		if err != nil {
			return err
		}

		err = tx.Where("lockdown_id IN (?)", tx.Model(&lockdownModel{}).Select("id").Where("guild_id = ?", guildID)).
			Delete(&lockdownRoleModel{}).Error

		if err != nil {
			return err
		}

		err = tx.Where("guild_id = ?", guildID).Delete(&lockdownModel{}).Error

		if err != nil {
			return err
		}

		return tx.Where("guild_id = ?", guildID).Delete(&guildConfigModel{}).Error
	})
}

func (s *Store) setColumn(ctx context.Context, guildID, column, value string) (*types.GuildConfig, error) {
	_, err := s.GuildConfig(ctx, guildID)

	if err != nil {
		return nil, err
	}

	err = s.db.WithContext(ctx).Model(&guildConfigModel{}).Where("guild_id = ?", guildID).Update(column, value).Error

	if err != nil {
		return nil, err
	}

	return s.GuildConfig(ctx, guildID)
}

func (s *Store) SetPruneRole(ctx context.Context, guildID, roleID string) (*types.GuildConfig, error) {
	return s.setColumn(ctx, guildID, "prune_role_id", roleID)
}

func (s *Store) SetModeratorChannel(ctx context.Context, guildID, channelID string) (*types.GuildConfig, error) {
	return s.setColumn(ctx, guildID, "moderator_channel_id", channelID)
}

func (s *Store) ReadyGuilds(ctx context.Context) ([]*types.GuildConfig, error) {
	var models []guildConfigModel

	err := s.db.WithContext(ctx).
		Where("prune_role_id IS NOT NULL AND prune_role_id <> '' AND moderator_channel_id IS NOT NULL AND moderator_channel_id <> ''").
		Order("id").
		Find(&models).Error

	if err != nil {
		return nil, err
	}

	out := make([]*types.GuildConfig, 0, len(models))

	for i := range models {
		out = append(out, models[i].toType())
	}

	return out, nil
}

func (s *Store) SchedulePrune(ctx context.Context, pm *types.PrunedMember) error {
	m := prunedMemberModel{
		GuildID:   pm.GuildID,
		MemberID:  pm.MemberID,
		PruneAt:   pm.PruneAt.UTC(),
		Reason:    pm.Reason,
		CreatedAt: pm.CreatedAt,
	}

	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "guild_id"}, {Name: "member_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"prune_at", "reason"}),
	}).Create(&m).Error
}

func (s *Store) PrunedMember(ctx context.Context, guildID, memberID string) (*types.PrunedMember, error) {
	var m prunedMemberModel

	err := s.db.WithContext(ctx).Where("guild_id = ? AND member_id = ?", guildID, memberID).First(&m).Error

	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, store.ErrNotFound
	}

	if err != nil {
		return nil, err
	}

	return m.toType(), nil
}

func (s *Store) PrunedMembers(ctx context.Context, guildID string, dueBefore time.Time) ([]*types.PrunedMember, error) {
	q := s.db.WithContext(ctx).Where("guild_id = ?", guildID)

	if !dueBefore.IsZero() {
		q = q.Where("prune_at < ?", dueBefore.UTC())
	}

	var models []prunedMemberModel

	err := q.Order("prune_at").Find(&models).Error

	if err != nil {
		return nil, err
	}

	out := make([]*types.PrunedMember, 0, len(models))

	for i := range models {
		out = append(out, models[i].toType())
	}

	return out, nil
}

func (s *Store) DeletePrunedMember(ctx context.Context, guildID, memberID string) error {
	return s.db.WithContext(ctx).Where("guild_id = ? AND member_id = ?", guildID, memberID).Delete(&prunedMemberModel{}).Error
}

func (s *Store) CreateLockdown(ctx context.Context, ld *types.Lockdown) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var count int64

		err := tx.Model(&lockdownModel{}).Where("guild_id = ? AND channel_id = ?", ld.GuildID, ld.ChannelID).Count(&count).Error

		if err != nil {
			return err
		}

		if count > 0 {
			return store.ErrExists
		}

		m := lockdownModel{
			GuildID:   ld.GuildID,
			ChannelID: ld.ChannelID,
			Reason:    ld.Reason,
			CreatedAt: ld.CreatedAt,
		}

		for _, r := range ld.Roles {
			m.Roles = append(m.Roles, lockdownRoleModel{
				RoleID:       r.RoleID,
				HadOverwrite: r.HadOverwrite,
				Allow:        r.Allow,
				Deny:         r.Deny,
			})
		}

		return tx.Create(&m).Error
	})
}

func (s *Store) Lockdown(ctx context.Context, guildID, channelID string) (*types.Lockdown, error) {
	var m lockdownModel

	err := s.db.WithContext(ctx).Preload("Roles").Where("guild_id = ? AND channel_id = ?", guildID, channelID).First(&m).Error

	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, store.ErrNotFound
	}

	if err != nil {
		return nil, err
	}

	return m.toType(), nil
}

func (s *Store) Lockdowns(ctx context.Context, guildID string) ([]*types.Lockdown, error) {
	var models []lockdownModel

	err := s.db.WithContext(ctx).Preload("Roles").Where("guild_id = ?", guildID).Order("created_at").Find(&models).Error

	if err != nil {
		return nil, err
	}

	out := make([]*types.Lockdown, 0, len(models))

	for i := range models {
		out = append(out, models[i].toType())
	}

	return out, nil
}

func (s *Store) DeleteLockdown(ctx context.Context, guildID, channelID string) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var m lockdownModel

		err := tx.Where("guild_id = ? AND channel_id = ?", guildID, channelID).First(&m).Error

		if errors.Is(err, gorm.ErrRecordNotFound) {
			return store.ErrNotFound
		}

		if err != nil {
			return err
		}

		err = tx.Where("lockdown_id = ?", m.ID).Delete(&lockdownRoleModel{}).Error

		if err != nil {
			return err
		}

		return tx.Delete(&m).Error
	})
}

func (s *Store) Close() error {
	sqlDB, err := s.db.DB()

	if err != nil {
		return err
	}

	return sqlDB.Close()
}

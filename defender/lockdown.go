package defender

import (
	"context"
	"errors"
	"fmt"

	"github.com/anti-raid/defender/amap"
	"github.com/anti-raid/defender/store"
	"github.com/anti-raid/defender/types"
	"github.com/anti-raid/defender/utils"

	"github.com/bwmarrin/discordgo"
	"go.uber.org/zap"
)

// Overwrite applied to a role while its channel is locked down
const (
	lockAllow = discordgo.PermissionViewChannel
	lockDeny  = discordgo.PermissionSendMessages
)

// lockTargets returns the roles that can send messages and therefore need to be locked. Moderator
// roles are left alone when exemptModerators is set
func lockTargets(roles []*discordgo.Role, exemptModerators bool) []*discordgo.Role {
	var targets []*discordgo.Role

	for _, role := range roles {
		if role.Permissions&discordgo.PermissionSendMessages == 0 {
			continue
		}

		if exemptModerators && role.Permissions&utils.LockdownExemptPermissions != 0 {
			continue
		}

		targets = append(targets, role)
	}

	return targets
}

// LockChannel stops every role that can send messages from talking in the channel while keeping it
// visible. The previous overwrites of those roles are stored so UnlockChannel can restore them.
//
// A second lock of the same channel while one is being applied fails with ErrChannelBusy
func (d *Defender) LockChannel(ctx context.Context, guildID, channelID string, exemptModerators bool, reason string) (*types.Lockdown, error) {
	unlock, ok := d.channelLocks.TryLock(channelID)

	if !ok {
		return nil, ErrChannelBusy
	}

	defer unlock.Unlock()

	_, err := d.Store.Lockdown(ctx, guildID, channelID)

	if err == nil {
		return nil, ErrAlreadyLocked
	}

	if !errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("failed to get lockdown: %w", err)
	}

	ch, err := d.Directory.Channel(ctx, channelID)

	if err != nil {
		return nil, fmt.Errorf("failed to get channel: %w", err)
	}

	roles, err := d.Directory.Roles(ctx, guildID)

	if err != nil {
		return nil, fmt.Errorf("failed to get roles: %w", err)
	}

	ld := &types.Lockdown{
		GuildID:   guildID,
		ChannelID: channelID,
		Roles:     []types.LockdownRole{},
	}

	if reason != "" {
		ld.Reason = &reason
	}

	for _, role := range lockTargets(roles, exemptModerators) {
		lr := types.LockdownRole{RoleID: role.ID}

		if o := utils.RoleOverwrite(ch, role.ID); o != nil {
			lr.HadOverwrite = true
			lr.Allow = o.Allow
			lr.Deny = o.Deny
		}

		ld.Roles = append(ld.Roles, lr)
	}

	// Saved before touching the channel so an interrupted lockdown can still be undone
	err = d.Store.CreateLockdown(ctx, ld)

	if errors.Is(err, store.ErrExists) {
		return nil, ErrAlreadyLocked
	}

	if err != nil {
		return nil, fmt.Errorf("failed to save lockdown: %w", err)
	}

	lock := func(ctx context.Context, lr types.LockdownRole) (struct{}, error) {
		allow := (lr.Allow | lockAllow) &^ lockDeny
		deny := (lr.Deny | lockDeny) &^ lockAllow

		err := d.Directory.SetChannelOverwrite(ctx, channelID, lr.RoleID, discordgo.PermissionOverwriteTypeRole, allow, deny, reason)

		return struct{}{}, d.skip(err, "Failed to lock role", zap.String("channelId", channelID), zap.String("roleId", lr.RoleID))
	}

	_, err = amap.Map(ctx, lock, amap.FromSlice(ld.Roles), d.Config.LockdownConcurrency).Collect()

	if err != nil {
		return nil, fmt.Errorf("failed to lock channel: %w", err)
	}

	d.Logger.Info("Locked down channel", zap.String("guildId", guildID), zap.String("channelId", channelID), zap.Int("roles", len(ld.Roles)))

	return ld, nil
}

// UnlockChannel restores the overwrites roles had before the channel was locked down. It waits for
// a lockdown still being applied to the channel
func (d *Defender) UnlockChannel(ctx context.Context, guildID, channelID string) (*types.Lockdown, error) {
	unlock, err := d.channelLocks.Lock(ctx, channelID)

	if err != nil {
		return nil, err
	}

	defer unlock.Unlock()

	ld, err := d.Store.Lockdown(ctx, guildID, channelID)

	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrNotLocked
	}

	if err != nil {
		return nil, fmt.Errorf("failed to get lockdown: %w", err)
	}

	restore := func(ctx context.Context, lr types.LockdownRole) (struct{}, error) {
		var err error

		if lr.HadOverwrite {
			err = d.Directory.SetChannelOverwrite(ctx, channelID, lr.RoleID, discordgo.PermissionOverwriteTypeRole, lr.Allow, lr.Deny, "Lockdown lifted")
		} else {
			err = d.Directory.DeleteChannelOverwrite(ctx, channelID, lr.RoleID, "Lockdown lifted")
		}

		return struct{}{}, d.skip(err, "Failed to restore role", zap.String("channelId", channelID), zap.String("roleId", lr.RoleID))
	}

	_, err = amap.Map(ctx, restore, amap.FromSlice(ld.Roles), d.Config.LockdownConcurrency).Collect()

	if err != nil {
		return nil, fmt.Errorf("failed to unlock channel: %w", err)
	}

	err = d.Store.DeleteLockdown(ctx, guildID, channelID)

	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("failed to delete lockdown: %w", err)
	}

	d.Logger.Info("Lifted lockdown", zap.String("guildId", guildID), zap.String("channelId", channelID))

	return ld, nil
}


// CanSpeak returns whether the member can currently send messages in the channel, taking the
// channel's overwrites into account
func (d *Defender) CanSpeak(ctx context.Context, guildID, channelID, userID string) (bool, error) {
	g, err := d.Directory.Guild(ctx, guildID)

	if err != nil {
		return false, fmt.Errorf("failed to get guild: %w", err)
	}

	m, err := d.Directory.Member(ctx, guildID, userID)

	if err != nil {
		return false, fmt.Errorf("failed to get member: %w", err)
	}

	ch, err := d.Directory.Channel(ctx, channelID)

	if err != nil {
		return false, fmt.Errorf("failed to get channel: %w", err)
	}

	perms := utils.MemberChannelPerms(utils.BasePermissions(g, m), g, m, ch)

	return utils.HasAll(perms, discordgo.PermissionSendMessages), nil
}

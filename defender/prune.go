package defender

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"time"

	"github.com/anti-raid/defender/amap"
	"github.com/anti-raid/defender/directory"
	"github.com/anti-raid/defender/store"
	"github.com/anti-raid/defender/types"
	"github.com/anti-raid/defender/utils"

	"github.com/bwmarrin/discordgo"
	"go.uber.org/zap"
)

// Audit log reason when stripping the roles of a pruned member
const stripReason = "Violated The Rules"

// AccountCreated returns when a Discord account was created, from its snowflake
func AccountCreated(userID string) (time.Time, error) {
	return discordgo.SnowflakeTimestamp(userID)
}

// skip logs and drops errors that only affect the member being processed
func (d *Defender) skip(err error, msg string, fields ...zap.Field) error {
	if directory.IsRecoverable(err) {
		d.Logger.Warn(msg, append(fields, zap.Error(err))...)
	}

	return directory.Suppress(err)
}

// ScreenMember prunes a newly joined member whose account is younger than AccountAgeLimit and
// reports it to the moderator channel. Due prunes of the guild are swept afterwards.
//
// Nothing happens until the guild has both a prune role and a moderator channel.
func (d *Defender) ScreenMember(ctx context.Context, m *discordgo.Member) (bool, error) {
	gc, err := d.Store.GuildConfig(ctx, m.GuildID)

	if err != nil {
		return false, fmt.Errorf("failed to get guild config: %w", err)
	}

	if !gc.Ready() {
		return false, nil
	}

	created, err := AccountCreated(m.User.ID)

	if err != nil {
		return false, fmt.Errorf("invalid user id: %w", err)
	}

	var pruned bool

	if created.After(d.Now().Add(-d.Config.AccountAgeLimit.Std())) {
		_, err = d.prune(ctx, gc, m.User.ID, d.Config.PruneReason)

		if err != nil {
			return false, err
		}

		pruned = true

		d.Logger.Info("Pruned new account", zap.String("guildId", m.GuildID), zap.String("userId", m.User.ID), zap.Time("createdAt", created))

		err = d.Directory.SendMessage(ctx, *gc.ModeratorChannelID, fmt.Sprintf("Pruned Member named: %s    DeveloperID: %s", m.User.Username, m.User.ID))

		if err = d.skip(err, "Failed to report pruned member", zap.String("guildId", m.GuildID)); err != nil {
			return pruned, err
		}
	}

	_, err = d.SweepDue(ctx, m.GuildID)

	if err != nil {
		return pruned, fmt.Errorf("failed to sweep pruned members: %w", err)
	}

	return pruned, nil
}

// PruneMember gives the member the prune role and schedules its ban after PruneGrace
func (d *Defender) PruneMember(ctx context.Context, guildID, userID, reason string) (*types.PrunedMember, error) {
	gc, err := d.Store.GuildConfig(ctx, guildID)

	if err != nil {
		return nil, fmt.Errorf("failed to get guild config: %w", err)
	}

	if !requirementsOf(gc).PruneRole {
		return nil, ErrMissingRequirements
	}

	return d.prune(ctx, gc, userID, reason)
}

func (d *Defender) prune(ctx context.Context, gc *types.GuildConfig, userID, reason string) (*types.PrunedMember, error) {
	if reason == "" {
		reason = d.Config.PruneReason
	}

	err := d.Directory.AddMemberRole(ctx, gc.GuildID, userID, *gc.PruneRoleID, reason)

	if err != nil {
		return nil, fmt.Errorf("failed to add prune role: %w", err)
	}

	pm := &types.PrunedMember{
		GuildID:  gc.GuildID,
		MemberID: userID,
		PruneAt:  d.Now().Add(d.Config.PruneGrace.Std()),
		Reason:   &reason,
	}

	err = d.Store.SchedulePrune(ctx, pm)

	if err != nil {
		return nil, fmt.Errorf("failed to schedule prune: %w", err)
	}

	return pm, nil
}

// SafePrune prunes a member unless it is a moderator. All roles of the member are removed first so
// it can only see what the prune role allows. Failed Discord requests leave the member unpruned
func (d *Defender) SafePrune(ctx context.Context, guildID, memberID string) (types.PruneOutcome, error) {
	gc, err := d.readyConfig(ctx, guildID)

	if err != nil {
		return types.PruneOutcome{MemberID: memberID}, err
	}

	g, err := d.Directory.Guild(ctx, guildID)

	if err != nil {
		return types.PruneOutcome{MemberID: memberID}, fmt.Errorf("failed to get guild: %w", err)
	}

	return d.safePrune(ctx, g, gc, memberID)
}

func (d *Defender) safePrune(ctx context.Context, g *discordgo.Guild, gc *types.GuildConfig, memberID string) (types.PruneOutcome, error) {
	out := types.PruneOutcome{MemberID: memberID}
	fields := []zap.Field{zap.String("guildId", g.ID), zap.String("memberId", memberID)}

	m, err := d.Directory.Member(ctx, g.ID, memberID)

	if err != nil {
		return out, d.skip(err, "Failed to fetch member to prune", fields...)
	}

	if utils.IsModerator(utils.BasePermissions(g, m)) {
		return out, nil
	}

	for _, roleID := range m.Roles {
		if roleID == *gc.PruneRoleID {
			continue
		}

		err = d.Directory.RemoveMemberRole(ctx, g.ID, memberID, roleID, stripReason)

		if err != nil {
			return out, d.skip(err, "Failed to strip role of member", append(fields, zap.String("roleId", roleID))...)
		}
	}

	_, err = d.prune(ctx, gc, memberID, "")

	if err != nil {
		return out, d.skip(err, "Failed to prune member", fields...)
	}

	out.Pruned = true
	return out, nil
}

// PruneMembers safely prunes every member in memberIDs, at most PruneConcurrency at a time.
// Outcomes are streamed in completion order
func (d *Defender) PruneMembers(ctx context.Context, guildID string, memberIDs []string) (iter.Seq2[types.PruneOutcome, error], error) {
	gc, err := d.readyConfig(ctx, guildID)

	if err != nil {
		return nil, err
	}

	g, err := d.Directory.Guild(ctx, guildID)

	if err != nil {
		return nil, fmt.Errorf("failed to get guild: %w", err)
	}

	prune := func(ctx context.Context, memberID string) (types.PruneOutcome, error) {
		return d.safePrune(ctx, g, gc, memberID)
	}

	return amap.Map(ctx, prune, amap.FromSlice(memberIDs), d.Config.PruneConcurrency).All(), nil
}

// SweepDue bans every pruned member of the guild whose grace period has passed
func (d *Defender) SweepDue(ctx context.Context, guildID string) (*types.SweepReport, error) {
	err := d.checkModeratorChannel(ctx, guildID)

	if err != nil {
		return nil, err
	}

	due, err := d.Store.PrunedMembers(ctx, guildID, d.Now())

	if err != nil {
		return nil, fmt.Errorf("failed to get due pruned members: %w", err)
	}

	return d.sweep(ctx, guildID, due, false)
}

// SweepAll bans every pruned member of the guild, ignoring the grace period. Records of users that
// no longer exist are dropped
func (d *Defender) SweepAll(ctx context.Context, guildID string) (*types.SweepReport, error) {
	err := d.checkModeratorChannel(ctx, guildID)

	if err != nil {
		return nil, err
	}

	all, err := d.Store.PrunedMembers(ctx, guildID, time.Time{})

	if err != nil {
		return nil, fmt.Errorf("failed to get pruned members: %w", err)
	}

	return d.sweep(ctx, guildID, all, true)
}

// SweepReady sweeps due prunes of every guild that has pruning configured. Failures are logged per guild
func (d *Defender) SweepReady(ctx context.Context) error {
	guilds, err := d.Store.ReadyGuilds(ctx)

	if err != nil {
		return fmt.Errorf("failed to get ready guilds: %w", err)
	}

	for _, gc := range guilds {
		report, err := d.SweepDue(ctx, gc.GuildID)

		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}

			d.Logger.Error("Failed to sweep guild", zap.Error(err), zap.String("guildId", gc.GuildID))
			continue
		}

		if len(report.Banned) > 0 || report.Removed > 0 || report.Failed > 0 {
			d.Logger.Info("Swept pruned members", zap.String("guildId", gc.GuildID), zap.Int("banned", len(report.Banned)), zap.Int("removed", report.Removed), zap.Int("failed", report.Failed))
		}
	}

	return nil
}

// Sweeps only run while the moderator channel of the guild exists
func (d *Defender) checkModeratorChannel(ctx context.Context, guildID string) error {
	gc, err := d.Store.GuildConfig(ctx, guildID)

	if err != nil {
		return fmt.Errorf("failed to get guild config: %w", err)
	}

	if !requirementsOf(gc).ModeratorChannel {
		return ErrMissingRequirements
	}

	_, err = d.Directory.Channel(ctx, *gc.ModeratorChannelID)

	if directory.IsNotFound(err) {
		return fmt.Errorf("%w: moderator channel no longer exists", ErrMissingRequirements)
	}

	if err != nil {
		return fmt.Errorf("failed to get moderator channel: %w", err)
	}

	return nil
}

type sweepOutcome struct {
	memberID string
	banned   bool
	removed  bool
}

func (d *Defender) sweep(ctx context.Context, guildID string, members []*types.PrunedMember, dropMissing bool) (*types.SweepReport, error) {
	ban := func(ctx context.Context, pm *types.PrunedMember) (sweepOutcome, error) {
		out := sweepOutcome{memberID: pm.MemberID}

		err := d.Directory.Ban(ctx, guildID, pm.MemberID, d.Config.BanReason)

		switch {
		case err == nil:
			out.banned = true
		case dropMissing && directory.IsNotFound(err):
			out.removed = true
		default:
			return out, d.skip(err, "Failed to ban pruned member", zap.String("guildId", guildID), zap.String("memberId", pm.MemberID))
		}

		err = d.Store.DeletePrunedMember(ctx, guildID, pm.MemberID)

		if err != nil && !errors.Is(err, store.ErrNotFound) {
			return out, fmt.Errorf("failed to delete pruned member: %w", err)
		}

		return out, nil
	}

	report := &types.SweepReport{Banned: []string{}}

	for out, err := range amap.Map(ctx, ban, amap.FromSlice(members), d.Config.BanConcurrency).All() {
		if err != nil {
			return nil, err
		}

		switch {
		case out.banned:
			report.Banned = append(report.Banned, out.memberID)
		case out.removed:
			report.Removed++
		default:
			report.Failed++
		}
	}

	return report, nil
}

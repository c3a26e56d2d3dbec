package defender

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/anti-raid/defender/amap"
	"github.com/anti-raid/defender/directory"
	"github.com/anti-raid/defender/types"
	"github.com/anti-raid/defender/utils"

	"github.com/bwmarrin/discordgo"
	"github.com/google/uuid"
	orderedmap "github.com/wk8/go-ordered-map/v2"
	"go.uber.org/zap"
)

// ParseIDs reads one user ID per line. Blank lines are ignored, anything else that is not an ID is
// counted as invalid. Duplicates are dropped, keeping the first occurrence
func ParseIDs(data []byte) (ids []string, invalid int) {
	seen := orderedmap.New[string, struct{}]()

	for _, line := range strings.Split(string(data), "\n") {
		uid := strings.TrimSpace(line)

		if uid == "" {
			continue
		}

		if _, err := strconv.ParseUint(uid, 10, 64); err != nil {
			invalid++
			continue
		}

		seen.Set(uid, struct{}{})
	}

	ids = make([]string, 0, seen.Len())

	for pair := seen.Oldest(); pair != nil; pair = pair.Next() {
		ids = append(ids, pair.Key)
	}

	return ids, invalid
}

// bannedIDs returns the IDs of every user banned from the guild, in ban order
func (d *Defender) bannedIDs(ctx context.Context, guildID string) ([]string, error) {
	var ids []string

	for ban, err := range d.Directory.Bans(ctx, guildID) {
		if err != nil {
			return nil, err
		}

		ids = append(ids, ban.User.ID)
	}

	return ids, nil
}

// MassBan bans every user listed in a text file attachment, at most BanConcurrency at a time.
// Users need not be members of the guild. Already banned users and moderators are skipped
func (d *Defender) MassBan(ctx context.Context, guildID string, file *discordgo.MessageAttachment, reason string) (*types.MassBanReport, error) {
	if !strings.HasSuffix(strings.ToLower(file.Filename), ".txt") {
		return nil, ErrInvalidFileType
	}

	if int64(file.Size) > d.Config.MassbanMaxBytes {
		return nil, directory.ErrTooLarge
	}

	data, err := d.Directory.Download(ctx, file.URL, d.Config.MassbanMaxBytes)

	if err != nil {
		return nil, err
	}

	ids, invalid := ParseIDs(data)

	report := &types.MassBanReport{
		Requested: len(ids),
		Invalid:   invalid,
		Banned:    []string{},
	}

	banned, err := d.bannedIDs(ctx, guildID)

	if err != nil {
		return nil, err
	}

	existing := make(map[string]struct{}, len(banned))
	for _, id := range banned {
		existing[id] = struct{}{}
	}

	pending := make([]string, 0, len(ids))
	for _, id := range ids {
		if _, ok := existing[id]; ok {
			report.AlreadyBanned++
			continue
		}

		pending = append(pending, id)
	}

	if len(pending) == 0 {
		return report, nil
	}

	g, err := d.Directory.Guild(ctx, guildID)

	if err != nil {
		return nil, fmt.Errorf("failed to get guild: %w", err)
	}

	ban := func(ctx context.Context, userID string) (types.BanOutcome, error) {
		return d.safeBan(ctx, g, userID, reason)
	}

	for out, err := range amap.Map(ctx, ban, amap.FromSlice(pending), d.Config.BanConcurrency).All() {
		if err != nil {
			return nil, err
		}

		switch out.Status {
		case types.BanStatusBanned:
			report.Banned = append(report.Banned, out.UserID)
		case types.BanStatusSkipped:
			report.Skipped++
		case types.BanStatusAlreadyBanned:
			report.AlreadyBanned++
		default:
			report.Failed++
		}
	}

	d.Logger.Info("Massban finished", zap.String("guildId", guildID), zap.Int("requested", report.Requested), zap.Int("banned", len(report.Banned)), zap.Int("failed", report.Failed))

	return report, nil
}

// safeBan bans a user unless it is a moderator of the guild or does not exist
func (d *Defender) safeBan(ctx context.Context, g *discordgo.Guild, userID, reason string) (types.BanOutcome, error) {
	out := types.BanOutcome{UserID: userID, Status: types.BanStatusSkipped}
	fields := []zap.Field{zap.String("guildId", g.ID), zap.String("userId", userID)}

	m, err := d.Directory.Member(ctx, g.ID, userID)

	switch {
	case err == nil:
		if utils.IsModerator(utils.BasePermissions(g, m)) {
			return out, nil
		}
	case directory.IsNotFound(err):
		// Not a member, the user must still exist to be banned
		_, err = d.Directory.User(ctx, userID)

		if directory.IsNotFound(err) {
			return out, nil
		}

		if err != nil {
			return d.failed(out, err, fields)
		}
	default:
		return d.failed(out, err, fields)
	}

	err = d.Directory.Ban(ctx, g.ID, userID, reason)

	if err != nil {
		return d.failed(out, err, fields)
	}

	out.Status = types.BanStatusBanned
	return out, nil
}

func (d *Defender) failed(out types.BanOutcome, err error, fields []zap.Field) (types.BanOutcome, error) {
	if serr := d.skip(err, "Failed to ban user", fields...); serr != nil {
		return out, serr
	}

	out.Status = types.BanStatusFailed
	out.Error = err.Error()
	return out, nil
}

// ExportBans returns every banned user of the guild, one ID per line. The export is also saved to
// object storage under bans/<guild id>/ when enabled, along with a link valid for ExportLinkExpiry
func (d *Defender) ExportBans(ctx context.Context, guildID string) (*types.BanExport, error) {
	ids, err := d.bannedIDs(ctx, guildID)

	if err != nil {
		return nil, err
	}

	export := &types.BanExport{
		GuildID: guildID,
		Count:   len(ids),
		Content: []byte(strings.Join(ids, "\n")),
	}

	if d.Storage.Enabled() {
		dir, filename := "bans/"+guildID, uuid.NewString()+".txt"

		err = d.Storage.Save(ctx, dir, filename, export.Content, 0)

		if err != nil {
			return nil, fmt.Errorf("failed to save ban export: %w", err)
		}

		link, err := d.Storage.GetUrl(ctx, dir, filename, d.Config.ExportLinkExpiry.Std())

		if err != nil {
			// An export nobody can reach is not kept
			if derr := d.Storage.Delete(ctx, dir, filename); derr != nil {
				d.Logger.Error("Failed to remove unreachable ban export", zap.Error(derr), zap.String("guildId", guildID))
			}

			return nil, fmt.Errorf("failed to get ban export url: %w", err)
		}

		export.Object = dir + "/" + filename
		export.URL = link.String()
	}

	return export, nil
}

package bot

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/anti-raid/defender/defender"

	"github.com/bwmarrin/discordgo"
	"go.uber.org/zap"
)

func perms(p int64) *int64 {
	return &p
}

var textChannels = []discordgo.ChannelType{discordgo.ChannelTypeGuildText, discordgo.ChannelTypeGuildNews}

// channelOrCurrent returns the channel option, defaulting to the channel the command was run in
func channelOrCurrent(c CommandData) string {
	if id := c.ID("channel"); id != "" {
		return id
	}

	return c.ChannelID
}

func content(s string) *discordgo.WebhookParams {
	return &discordgo.WebhookParams{Content: s}
}

func embed(e *discordgo.MessageEmbed) *discordgo.WebhookParams {
	return &discordgo.WebhookParams{Embeds: []*discordgo.MessageEmbed{e}}
}

func (r *Router) defaultCommands() []Command {
	return []Command{
		{
			Def: &discordgo.ApplicationCommand{
				Name:                     "add-prune-role",
				Description:              "Registers the role given to members that joined a little too early",
				DefaultMemberPermissions: perms(discordgo.PermissionAdministrator),
				Options: []*discordgo.ApplicationCommandOption{
					{Type: discordgo.ApplicationCommandOptionRole, Name: "role", Description: "The prune role", Required: true},
				},
			},
			Handler: func(c CommandData, reply Reply) error {
				_, err := r.Defender.RegisterPruneRole(c.Context, c.GuildID, c.ID("role"))

				if err != nil {
					return err
				}

				return reply(content("Role Updated"))
			},
		},
		{
			Def: &discordgo.ApplicationCommand{
				Name:                     "add-mod-channel",
				Description:              "Registers the channel pruned members are reported to",
				DefaultMemberPermissions: perms(discordgo.PermissionAdministrator),
				Options: []*discordgo.ApplicationCommandOption{
					{Type: discordgo.ApplicationCommandOptionChannel, Name: "channel", Description: "Defaults to the current channel", ChannelTypes: textChannels},
				},
			},
			Handler: func(c CommandData, reply Reply) error {
				_, err := r.Defender.RegisterModeratorChannel(c.Context, c.GuildID, channelOrCurrent(c))

				if err != nil {
					return err
				}

				return reply(content("Moderator Channel Registered"))
			},
		},
		{
			Def: &discordgo.ApplicationCommand{
				Name:                     "requirements",
				Description:              "Checks guild requirements for pruning members",
				DefaultMemberPermissions: perms(discordgo.PermissionAdministrator),
			},
			Handler: func(c CommandData, reply Reply) error {
				req, err := r.Defender.Requirements(c.Context, c.GuildID)

				if err != nil {
					return err
				}

				return reply(embed(defender.RequirementsEmbed(req)))
			},
		},
		{
			Def: &discordgo.ApplicationCommand{
				Name:                     "prune",
				Description:              "Prunes one or more members, useful for unsure ban-wipes",
				DefaultMemberPermissions: perms(discordgo.PermissionBanMembers),
				Options: []*discordgo.ApplicationCommandOption{
					{Type: discordgo.ApplicationCommandOptionString, Name: "members", Description: "Member IDs or mentions separated by spaces", Required: true},
				},
			},
			Handler: func(c CommandData, reply Reply) error {
				ids, err := parseMemberIDs(c.String("members"))

				if err != nil {
					return err
				}

				outcomes, err := r.Defender.PruneMembers(c.Context, c.GuildID, ids)

				if errors.Is(err, defender.ErrMissingRequirements) {
					req, rerr := r.Defender.Requirements(c.Context, c.GuildID)

					if rerr != nil {
						return rerr
					}

					e := defender.RequirementsEmbed(req)
					e.Title = "Error Unfinished Requirements"
					return reply(embed(e))
				}

				if err != nil {
					return err
				}

				err = reply(content("Pruning members..."))

				if err != nil {
					return err
				}

				var pruned int

				for out, err := range outcomes {
					if err != nil {
						return err
					}

					if !out.Pruned {
						continue
					}

					pruned++

					err = reply(content(fmt.Sprintf("Pruned \"%s\"", out.MemberID)))

					if err != nil {
						return err
					}
				}

				return reply(content(fmt.Sprintf("Pruned %d of %d members", pruned, len(ids))))
			},
		},
		{
			Def: &discordgo.ApplicationCommand{
				Name:                     "ban-pruned",
				Description:              "Bans pruned members whose grace period has passed",
				DefaultMemberPermissions: perms(discordgo.PermissionBanMembers),
				Options: []*discordgo.ApplicationCommandOption{
					{Type: discordgo.ApplicationCommandOptionBoolean, Name: "all", Description: "Ban every pruned member without waiting for the grace period"},
				},
			},
			Handler: func(c CommandData, reply Reply) error {
				sweep := r.Defender.SweepDue

				if c.Bool("all", false) {
					sweep = r.Defender.SweepAll
				}

				report, err := sweep(c.Context, c.GuildID)

				if err != nil {
					return err
				}

				return reply(embed(defender.SweepEmbed(report)))
			},
		},
		{
			Def: &discordgo.ApplicationCommand{
				Name:                     "massban",
				Description:              "Bans every user listed in a text file",
				DefaultMemberPermissions: perms(discordgo.PermissionAdministrator),
				Options: []*discordgo.ApplicationCommandOption{
					{Type: discordgo.ApplicationCommandOptionAttachment, Name: "file", Description: "Text file with one user ID per line. Users do not have to be in the server", Required: true},
					{Type: discordgo.ApplicationCommandOptionString, Name: "reason", Description: "Reason the users are being banned for"},
				},
			},
			Handler: func(c CommandData, reply Reply) error {
				file := c.Attachment("file")

				if file == nil {
					return fmt.Errorf("%w: no file given", errInvalidInput)
				}

				err := reply(content("Performing Massban"))

				if err != nil {
					return err
				}

				report, err := r.Defender.MassBan(c.Context, c.GuildID, file, c.String("reason"))

				if err != nil {
					return err
				}

				return reply(embed(defender.MassBanEmbed(report)))
			},
		},
		{
			Def: &discordgo.ApplicationCommand{
				Name:                     "blacklist",
				Description:              "Makes a blacklist of the users banned from the server",
				DefaultMemberPermissions: perms(discordgo.PermissionAdministrator),
			},
			Handler: func(c CommandData, reply Reply) error {
				export, err := r.Defender.ExportBans(c.Context, c.GuildID)

				if err != nil {
					return err
				}

				msg := fmt.Sprintf("%d banned users", export.Count)

				if export.URL != "" {
					msg += "\nSaved to " + export.URL
				}

				return reply(&discordgo.WebhookParams{
					Content: msg,
					Files: []*discordgo.File{
						{Name: "blacklist.txt", ContentType: "text/plain", Reader: bytes.NewReader(export.Content)},
					},
				})
			},
		},
		{
			Def: &discordgo.ApplicationCommand{
				Name:                     "lock-channel",
				Description:              "Locks down a channel so only moderators can talk",
				DefaultMemberPermissions: perms(discordgo.PermissionManageChannels),
				Options: []*discordgo.ApplicationCommandOption{
					{Type: discordgo.ApplicationCommandOptionChannel, Name: "channel", Description: "Defaults to the current channel", ChannelTypes: textChannels},
					{Type: discordgo.ApplicationCommandOptionBoolean, Name: "moderators", Description: "Let moderators keep talking (default true)"},
					{Type: discordgo.ApplicationCommandOptionString, Name: "reason", Description: "Reason for the lockdown"},
				},
			},
			Handler: func(c CommandData, reply Reply) error {
				channelID := channelOrCurrent(c)

				_, err := r.Defender.LockChannel(c.Context, c.GuildID, channelID, c.Bool("moderators", true), c.String("reason"))

				if err != nil {
					return err
				}

				msg := fmt.Sprintf("Channel <#%s> is locked-down", channelID)

				if c.UserID != "" {
					speak, err := r.Defender.CanSpeak(c.Context, c.GuildID, channelID, c.UserID)

					if err != nil {
						r.Logger.Warn("Failed to check invoker permissions", zap.Error(err), zap.String("channelId", channelID))
					} else if !speak {
						msg += fmt.Sprintf("\nYou can no longer talk in <#%s> yourself", channelID)
					}
				}

				return reply(content(msg))
			},
		},
		{
			Def: &discordgo.ApplicationCommand{
				Name:                     "unlock-channel",
				Description:              "Unlocks a channel that was previously locked",
				DefaultMemberPermissions: perms(discordgo.PermissionManageChannels),
				Options: []*discordgo.ApplicationCommandOption{
					{Type: discordgo.ApplicationCommandOptionChannel, Name: "channel", Description: "Defaults to the current channel", ChannelTypes: textChannels},
				},
			},
			Handler: func(c CommandData, reply Reply) error {
				channelID := channelOrCurrent(c)

				ld, err := r.Defender.UnlockChannel(c.Context, c.GuildID, channelID)

				if errors.Is(err, defender.ErrNotLocked) {
					return reply(content(fmt.Sprintf("<#%s> was not locked down so you're good to go.", channelID)))
				}

				if err != nil {
					return err
				}

				return reply(embed(defender.UnlockEmbed(fmt.Sprintf("<#%s>", channelID), ld)))
			},
		},
	}
}

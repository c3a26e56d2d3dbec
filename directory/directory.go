// Package directory is the guild/membership directory the moderation service talks to.
//
// Every call is an independent request that may fail. The Discord implementation wraps a
// discordgo session, tests use directorytest.Fake.
package directory

import (
	"context"
	"errors"
	"fmt"
	"io"
	"iter"
	"net/http"

	"github.com/bwmarrin/discordgo"
)

// Discord returns at most this many bans per page
const BanPageSize = 1000

var ErrTooLarge = errors.New("directory: attachment is too large")

type Directory interface {
	// Guild returns the guild along with its roles
	Guild(ctx context.Context, guildID string) (*discordgo.Guild, error)
	Member(ctx context.Context, guildID, userID string) (*discordgo.Member, error)
	User(ctx context.Context, userID string) (*discordgo.User, error)
	Roles(ctx context.Context, guildID string) ([]*discordgo.Role, error)
	Channel(ctx context.Context, channelID string) (*discordgo.Channel, error)

	AddMemberRole(ctx context.Context, guildID, userID, roleID, reason string) error
	RemoveMemberRole(ctx context.Context, guildID, userID, roleID, reason string) error

	Ban(ctx context.Context, guildID, userID, reason string) error

	// Bans iterates over every ban of the guild. A failed page is yielded once as an error
	Bans(ctx context.Context, guildID string) iter.Seq2[*discordgo.GuildBan, error]

	SetChannelOverwrite(ctx context.Context, channelID, targetID string, targetType discordgo.PermissionOverwriteType, allow, deny int64, reason string) error
	DeleteChannelOverwrite(ctx context.Context, channelID, targetID, reason string) error

	SendMessage(ctx context.Context, channelID, content string) error
	SendEmbed(ctx context.Context, channelID string, embed *discordgo.MessageEmbed) error

	// Download fetches an attachment, failing with ErrTooLarge past maxBytes
	Download(ctx context.Context, url string, maxBytes int64) ([]byte, error)
}

type discordDirectory struct {
	s *discordgo.Session
}

// New returns a Directory backed by the REST API of a discordgo session
func New(s *discordgo.Session) Directory {
	return &discordDirectory{s: s}
}

func opts(ctx context.Context, reason string) []discordgo.RequestOption {
	o := []discordgo.RequestOption{discordgo.WithContext(ctx)}

	if reason != "" {
		o = append(o, discordgo.WithAuditLogReason(reason))
	}

	return o
}

func (d *discordDirectory) Guild(ctx context.Context, guildID string) (*discordgo.Guild, error) {
	g, err := d.s.Guild(guildID, opts(ctx, "")...)

	if err != nil {
		return nil, err
	}

	// Guilds fetched over REST already carry their roles, fill them in if the state cache was used
	if len(g.Roles) == 0 {
		g.Roles, err = d.s.GuildRoles(guildID, opts(ctx, "")...)

		if err != nil {
			return nil, err
		}
	}

	return g, nil
}

func (d *discordDirectory) Member(ctx context.Context, guildID, userID string) (*discordgo.Member, error) {
	return d.s.GuildMember(guildID, userID, opts(ctx, "")...)
}

func (d *discordDirectory) User(ctx context.Context, userID string) (*discordgo.User, error) {
	return d.s.User(userID, opts(ctx, "")...)
}

func (d *discordDirectory) Roles(ctx context.Context, guildID string) ([]*discordgo.Role, error) {
	return d.s.GuildRoles(guildID, opts(ctx, "")...)
}

func (d *discordDirectory) Channel(ctx context.Context, channelID string) (*discordgo.Channel, error) {
	return d.s.Channel(channelID, opts(ctx, "")...)
}

func (d *discordDirectory) AddMemberRole(ctx context.Context, guildID, userID, roleID, reason string) error {
	return d.s.GuildMemberRoleAdd(guildID, userID, roleID, opts(ctx, reason)...)
}

func (d *discordDirectory) RemoveMemberRole(ctx context.Context, guildID, userID, roleID, reason string) error {
	return d.s.GuildMemberRoleRemove(guildID, userID, roleID, opts(ctx, reason)...)
}

func (d *discordDirectory) Ban(ctx context.Context, guildID, userID, reason string) error {
	return d.s.GuildBanCreateWithReason(guildID, userID, reason, 0, opts(ctx, "")...)
}

func (d *discordDirectory) Bans(ctx context.Context, guildID string) iter.Seq2[*discordgo.GuildBan, error] {
	return func(yield func(*discordgo.GuildBan, error) bool) {
		var after string

		for {
			page, err := d.s.GuildBans(guildID, BanPageSize, "", after, opts(ctx, "")...)

			if err != nil {
				yield(nil, fmt.Errorf("failed to fetch bans: %w", err))
				return
			}

			for _, ban := range page {
				if !yield(ban, nil) {
					return
				}
			}

			if len(page) < BanPageSize {
				return
			}

			after = page[len(page)-1].User.ID
		}
	}
}

func (d *discordDirectory) SetChannelOverwrite(ctx context.Context, channelID, targetID string, targetType discordgo.PermissionOverwriteType, allow, deny int64, reason string) error {
	return d.s.ChannelPermissionSet(channelID, targetID, targetType, allow, deny, opts(ctx, reason)...)
}

func (d *discordDirectory) DeleteChannelOverwrite(ctx context.Context, channelID, targetID, reason string) error {
	return d.s.ChannelPermissionDelete(channelID, targetID, opts(ctx, reason)...)
}

func (d *discordDirectory) SendMessage(ctx context.Context, channelID, content string) error {
	_, err := d.s.ChannelMessageSend(channelID, content, opts(ctx, "")...)
	return err
}

func (d *discordDirectory) SendEmbed(ctx context.Context, channelID string, embed *discordgo.MessageEmbed) error {
	_, err := d.s.ChannelMessageSendEmbed(channelID, embed, opts(ctx, "")...)
	return err
}

func (d *discordDirectory) Download(ctx context.Context, url string, maxBytes int64) ([]byte, error) {
	return download(ctx, d.s.Client, url, maxBytes)
}

func download(ctx context.Context, client *http.Client, url string, maxBytes int64) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)

	if err != nil {
		return nil, err
	}

	resp, err := client.Do(req)

	if err != nil {
		return nil, fmt.Errorf("failed to download attachment: %w", err)
	}

	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("failed to download attachment: status %d", resp.StatusCode)
	}

	if resp.ContentLength > maxBytes {
		return nil, ErrTooLarge
	}

	b, err := io.ReadAll(io.LimitReader(resp.Body, maxBytes+1))

	if err != nil {
		return nil, fmt.Errorf("failed to read attachment: %w", err)
	}

	if int64(len(b)) > maxBytes {
		return nil, ErrTooLarge
	}

	return b, nil
}

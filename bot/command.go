// Package bot exposes the moderation service over Discord: slash commands and gateway events
package bot

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/anti-raid/defender/defender"
	"github.com/anti-raid/defender/directory"

	"github.com/bwmarrin/discordgo"
	"go.uber.org/zap"
)

// Interaction tokens stay valid for 15 minutes
const commandTimeout = 14 * time.Minute

// Reply sends a followup message to the invoking interaction
type Reply func(*discordgo.WebhookParams) error

// CommandData is a parsed slash command invocation
type CommandData struct {
	Context   context.Context
	GuildID   string
	ChannelID string
	// UserID is the member that ran the command
	UserID    string
	Options   map[string]*discordgo.ApplicationCommandInteractionDataOption
	Resolved  *discordgo.ApplicationCommandInteractionDataResolved
}

func (c CommandData) String(name string) string {
	if opt, ok := c.Options[name]; ok {
		return opt.StringValue()
	}

	return ""
}

func (c CommandData) Bool(name string, def bool) bool {
	if opt, ok := c.Options[name]; ok {
		return opt.BoolValue()
	}

	return def
}

// ID returns the snowflake of a role, channel, user or attachment option
func (c CommandData) ID(name string) string {
	if opt, ok := c.Options[name]; ok {
		if id, ok := opt.Value.(string); ok {
			return id
		}
	}

	return ""
}

func (c CommandData) Attachment(name string) *discordgo.MessageAttachment {
	id := c.ID(name)

	if id == "" || c.Resolved == nil {
		return nil
	}

	return c.Resolved.Attachments[id]
}

type Command struct {
	Def     *discordgo.ApplicationCommand
	Handler func(c CommandData, reply Reply) error
}

type Router struct {
	Defender *defender.Defender
	Logger   *zap.Logger

	commands map[string]Command
}

func NewRouter(d *defender.Defender, l *zap.Logger) *Router {
	r := &Router{
		Defender: d,
		Logger:   l,
		commands: map[string]Command{},
	}

	for _, cmd := range r.defaultCommands() {
		r.commands[cmd.Def.Name] = cmd
	}

	return r
}

// Commands returns the definitions of every registered command
func (r *Router) Commands() []*discordgo.ApplicationCommand {
	defs := make([]*discordgo.ApplicationCommand, 0, len(r.commands))

	for _, cmd := range r.commands {
		defs = append(defs, cmd.Def)
	}

	return defs
}

// Sync registers the commands to each of guildIDs, or globally if there are none
func (r *Router) Sync(s *discordgo.Session, appID string, guildIDs []string) error {
	if len(guildIDs) == 0 {
		guildIDs = []string{""}
	}

	for _, guildID := range guildIDs {
		_, err := s.ApplicationCommandBulkOverwrite(appID, guildID, r.Commands())

		if err != nil {
			return fmt.Errorf("failed to sync commands to guild %q: %w", guildID, err)
		}

		r.Logger.Info("Synced commands", zap.String("guildId", guildID), zap.Int("commands", len(r.commands)))
	}

	return nil
}

// Dispatch runs the command called name. Errors are reported through reply
func (r *Router) Dispatch(name string, c CommandData, reply Reply) error {
	cmd, ok := r.commands[name]

	if !ok {
		return fmt.Errorf("unknown command %q", name)
	}

	err := cmd.Handler(c, reply)

	if err != nil {
		r.Logger.Error("Command failed", zap.Error(err), zap.String("command", name), zap.String("guildId", c.GuildID))
		return reply(&discordgo.WebhookParams{Content: "Error: " + userError(err)})
	}

	return nil
}

// userError hides internal failures from the invoking user
func userError(err error) string {
	switch {
	case errors.Is(err, defender.ErrMissingRequirements),
		errors.Is(err, defender.ErrAlreadyLocked),
		errors.Is(err, defender.ErrNotLocked),
		errors.Is(err, defender.ErrChannelBusy),
		errors.Is(err, defender.ErrInvalidFileType),
		errors.Is(err, directory.ErrTooLarge),
		errors.Is(err, errInvalidInput):
		return err.Error()
	case directory.IsRecoverable(err):
		return "Discord refused the request, check the permissions of the bot"
	default:
		return "Something went wrong, try again later"
	}
}

// HandleInteraction is the discordgo handler for slash commands
func (r *Router) HandleInteraction(s *discordgo.Session, i *discordgo.InteractionCreate) {
	if i.Type != discordgo.InteractionApplicationCommand || i.GuildID == "" {
		return
	}

	data := i.ApplicationCommandData()

	err := s.InteractionRespond(i.Interaction, &discordgo.InteractionResponse{
		Type: discordgo.InteractionResponseDeferredChannelMessageWithSource,
	})

	if err != nil {
		r.Logger.Error("Failed to defer interaction", zap.Error(err), zap.String("command", data.Name))
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
	defer cancel()

	c := CommandData{
		Context:   ctx,
		GuildID:   i.GuildID,
		ChannelID: i.ChannelID,
		Options:   map[string]*discordgo.ApplicationCommandInteractionDataOption{},
		Resolved:  data.Resolved,
	}

	if i.Member != nil && i.Member.User != nil {
		c.UserID = i.Member.User.ID
	}

	for _, opt := range data.Options {
		c.Options[opt.Name] = opt
	}

	reply := func(p *discordgo.WebhookParams) error {
		_, err := s.FollowupMessageCreate(i.Interaction, false, p)
		return err
	}

	err = r.Dispatch(data.Name, c, reply)

	if err != nil {
		r.Logger.Error("Failed to reply to interaction", zap.Error(err), zap.String("command", data.Name))
	}
}

var errInvalidInput = errors.New("invalid input")

// parseMemberIDs accepts user IDs and mentions separated by spaces or commas
func parseMemberIDs(s string) ([]string, error) {
	fields := strings.FieldsFunc(s, func(r rune) bool { return r == ' ' || r == ',' || r == '\n' })

	ids := make([]string, 0, len(fields))

	for _, f := range fields {
		id := strings.TrimSuffix(strings.TrimPrefix(strings.TrimPrefix(f, "<@"), "!"), ">")

		if id == "" || strings.Trim(id, "0123456789") != "" {
			return nil, fmt.Errorf("%w: %q is not a member", errInvalidInput, f)
		}

		ids = append(ids, id)
	}

	if len(ids) == 0 {
		return nil, fmt.Errorf("%w: no members given", errInvalidInput)
	}

	return ids, nil
}

package bot

import (
	"context"
	"time"

	"github.com/anti-raid/defender/defender"

	"github.com/bwmarrin/discordgo"
	"go.uber.org/zap"
)

// Gateway intents the handlers rely on. Guild members is a privileged intent
const Intents = discordgo.IntentsGuilds | discordgo.IntentsGuildMembers

const eventTimeout = 5 * time.Minute

// Events handles the gateway events of the bot
type Events struct {
	// Context is the parent of every handler context, cancelled on shutdown
	Context    context.Context
	Defender   *defender.Defender
	Router     *Router
	Logger     *zap.Logger
	SyncGuilds []string
}

func (e *Events) Register(s *discordgo.Session) {
	s.AddHandler(e.onReady)
	s.AddHandler(e.onGuildCreate)
	s.AddHandler(e.onGuildDelete)
	s.AddHandler(e.onMemberAdd)
	s.AddHandler(e.Router.HandleInteraction)
}

func (e *Events) ctx() (context.Context, context.CancelFunc) {
	return context.WithTimeout(e.Context, eventTimeout)
}

func (e *Events) onReady(s *discordgo.Session, r *discordgo.Ready) {
	e.Logger.Info("Connected to gateway", zap.String("user", r.User.Username), zap.Int("guilds", len(r.Guilds)))

	err := e.Router.Sync(s, r.User.ID, e.SyncGuilds)

	if err != nil {
		e.Logger.Error("Failed to sync commands", zap.Error(err))
	}

	ctx, cancel := e.ctx()
	defer cancel()

	// Catch up on prunes that became due while the bot was offline
	err = e.Defender.SweepReady(ctx)

	if err != nil {
		e.Logger.Error("Failed to sweep guilds on ready", zap.Error(err))
	}
}

func (e *Events) onGuildCreate(s *discordgo.Session, g *discordgo.GuildCreate) {
	ctx, cancel := e.ctx()
	defer cancel()

	err := e.Defender.GuildJoined(ctx, g.ID)

	if err != nil {
		e.Logger.Error("Failed to create guild config", zap.Error(err), zap.String("guildId", g.ID))
	}
}

func (e *Events) onGuildDelete(s *discordgo.Session, g *discordgo.GuildDelete) {
	// Unavailable guilds are outages, the bot is still a member
	if g.Unavailable {
		return
	}

	ctx, cancel := e.ctx()
	defer cancel()

	err := e.Defender.GuildLeft(ctx, g.ID)

	if err != nil {
		e.Logger.Error("Failed to remove guild config", zap.Error(err), zap.String("guildId", g.ID))
		return
	}

	e.Logger.Info("Removed guild", zap.String("guildId", g.ID))
}

func (e *Events) onMemberAdd(s *discordgo.Session, m *discordgo.GuildMemberAdd) {
	if m.User == nil || m.User.Bot {
		return
	}

	ctx, cancel := e.ctx()
	defer cancel()

	_, err := e.Defender.ScreenMember(ctx, m.Member)

	if err != nil {
		e.Logger.Error("Failed to screen member", zap.Error(err), zap.String("guildId", m.GuildID), zap.String("userId", m.User.ID))
	}
}

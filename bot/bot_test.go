package bot

import (
	"context"
	"errors"
	"testing"

	"github.com/anti-raid/defender/config"
	"github.com/anti-raid/defender/defender"
	"github.com/anti-raid/defender/directory/directorytest"
	"github.com/anti-raid/defender/store/sqlstore"

	"github.com/bwmarrin/discordgo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const guildID = "1"

type recorder struct {
	replies []*discordgo.WebhookParams
}

func (r *recorder) reply(p *discordgo.WebhookParams) error {
	r.replies = append(r.replies, p)
	return nil
}

func (r *recorder) contents() []string {
	var out []string
	for _, p := range r.replies {
		out = append(out, p.Content)
	}
	return out
}

func newTestRouter(t *testing.T) (*Router, *directorytest.Fake) {
	t.Helper()

	s, err := sqlstore.Open(":memory:", zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	fake := directorytest.New()
	fake.AddGuild(guildID, "owner", discordgo.PermissionSendMessages)
	fake.AddRole(guildID, &discordgo.Role{ID: "prune"})
	fake.AddChannel(&discordgo.Channel{ID: "mod", GuildID: guildID})
	fake.AddChannel(&discordgo.Channel{ID: "general", GuildID: guildID})

	d := defender.New(s, fake, nil, zap.NewNop(), config.DefaultDefender())

	return NewRouter(d, zap.NewNop()), fake
}

func option(name string, t discordgo.ApplicationCommandOptionType, v any) *discordgo.ApplicationCommandInteractionDataOption {
	return &discordgo.ApplicationCommandInteractionDataOption{Name: name, Type: t, Value: v}
}

func data(opts ...*discordgo.ApplicationCommandInteractionDataOption) CommandData {
	c := CommandData{
		Context:   context.Background(),
		GuildID:   guildID,
		ChannelID: "general",
		Options:   map[string]*discordgo.ApplicationCommandInteractionDataOption{},
	}

	for _, o := range opts {
		c.Options[o.Name] = o
	}

	return c
}

func TestCommandDefinitions(t *testing.T) {
	r, _ := newTestRouter(t)

	names := map[string]bool{}
	for _, def := range r.Commands() {
		names[def.Name] = true
		assert.NotEmpty(t, def.Description, def.Name)
		assert.NotNil(t, def.DefaultMemberPermissions, def.Name)
	}

	for _, name := range []string{"add-prune-role", "add-mod-channel", "requirements", "prune", "ban-pruned", "massban", "blacklist", "lock-channel", "unlock-channel"} {
		assert.True(t, names[name], name)
	}
}

func TestSetupAndPrune(t *testing.T) {
	r, fake := newTestRouter(t)
	rec := &recorder{}

	// Pruning is refused until both settings are made
	require.NoError(t, r.Dispatch("prune", data(option("members", discordgo.ApplicationCommandOptionString, "200")), rec.reply))
	require.Len(t, rec.replies, 1)
	assert.Equal(t, "Error Unfinished Requirements", rec.replies[0].Embeds[0].Title)

	require.NoError(t, r.Dispatch("add-prune-role", data(option("role", discordgo.ApplicationCommandOptionRole, "prune")), rec.reply))
	require.NoError(t, r.Dispatch("add-mod-channel", data(option("channel", discordgo.ApplicationCommandOptionChannel, "mod")), rec.reply))

	fake.AddMember(guildID, "200")
	fake.AddMember(guildID, "300")

	rec = &recorder{}
	require.NoError(t, r.Dispatch("prune", data(option("members", discordgo.ApplicationCommandOptionString, "<@200> <@!300>, 400")), rec.reply))

	got := rec.contents()
	assert.Equal(t, "Pruning members...", got[0])
	assert.ElementsMatch(t, []string{`Pruned "200"`, `Pruned "300"`}, got[1:3])
	assert.Equal(t, "Pruned 2 of 3 members", got[3])
}

func TestPruneRejectsBadInput(t *testing.T) {
	r, _ := newTestRouter(t)
	rec := &recorder{}

	require.NoError(t, r.Dispatch("prune", data(option("members", discordgo.ApplicationCommandOptionString, "200 bob")), rec.reply))
	require.Len(t, rec.replies, 1)
	assert.Contains(t, rec.replies[0].Content, "Error: invalid input")
}

func TestModChannelDefaultsToCurrent(t *testing.T) {
	r, _ := newTestRouter(t)
	rec := &recorder{}

	require.NoError(t, r.Dispatch("add-mod-channel", data(), rec.reply))

	req, err := r.Defender.Requirements(context.Background(), guildID)
	require.NoError(t, err)
	assert.True(t, req.ModeratorChannel)
	assert.Equal(t, []string{"Moderator Channel Registered"}, rec.contents())
}

func TestMassbanAndBlacklist(t *testing.T) {
	r, fake := newTestRouter(t)
	rec := &recorder{}

	fake.AddUser("200")
	fake.AddFile("https://cdn/ids.txt", []byte("200\n"))

	c := data(option("file", discordgo.ApplicationCommandOptionAttachment, "a1"))
	c.Resolved = &discordgo.ApplicationCommandInteractionDataResolved{
		Attachments: map[string]*discordgo.MessageAttachment{
			"a1": {ID: "a1", Filename: "ids.txt", URL: "https://cdn/ids.txt", Size: 4},
		},
	}

	require.NoError(t, r.Dispatch("massban", c, rec.reply))
	require.Len(t, rec.replies, 2)
	assert.Equal(t, "Massban finished", rec.replies[1].Embeds[0].Title)
	assert.Equal(t, []string{"200"}, fake.Banned(guildID))

	rec = &recorder{}
	require.NoError(t, r.Dispatch("blacklist", data(), rec.reply))
	require.Len(t, rec.replies, 1)
	require.Len(t, rec.replies[0].Files, 1)
	assert.Equal(t, "blacklist.txt", rec.replies[0].Files[0].Name)
}

func TestLockAndUnlock(t *testing.T) {
	r, _ := newTestRouter(t)
	rec := &recorder{}

	require.NoError(t, r.Dispatch("unlock-channel", data(), rec.reply))
	require.NoError(t, r.Dispatch("lock-channel", data(option("moderators", discordgo.ApplicationCommandOptionBoolean, false)), rec.reply))
	require.NoError(t, r.Dispatch("lock-channel", data(), rec.reply))
	require.NoError(t, r.Dispatch("unlock-channel", data(), rec.reply))

	require.Len(t, rec.replies, 4)
	assert.Equal(t, "<#general> was not locked down so you're good to go.", rec.replies[0].Content)
	assert.Equal(t, "Channel <#general> is locked-down", rec.replies[1].Content)
	assert.Equal(t, "Error: channel is already locked down", rec.replies[2].Content)
	assert.Equal(t, "Lockdown successfully freed", rec.replies[3].Embeds[0].Title)
}

func TestLockWarnsInvoker(t *testing.T) {
	r, fake := newTestRouter(t)
	rec := &recorder{}

	fake.AddMember(guildID, "200")
	fake.AddMember(guildID, "owner")

	c := data()
	c.UserID = "200"
	require.NoError(t, r.Dispatch("lock-channel", c, rec.reply))

	c = data(option("channel", discordgo.ApplicationCommandOptionChannel, "mod"))
	c.UserID = "owner"
	require.NoError(t, r.Dispatch("lock-channel", c, rec.reply))

	assert.Equal(t, []string{
		"Channel <#general> is locked-down\nYou can no longer talk in <#general> yourself",
		"Channel <#mod> is locked-down",
	}, rec.contents())
}

func TestUserError(t *testing.T) {
	assert.Equal(t, "a lockdown of this channel is already being applied", userError(defender.ErrChannelBusy))
	assert.Equal(t, "Something went wrong, try again later", userError(errors.New("connection reset")))
}

func TestUnknownCommand(t *testing.T) {
	r, _ := newTestRouter(t)
	assert.Error(t, r.Dispatch("nope", data(), (&recorder{}).reply))
}

func TestParseMemberIDs(t *testing.T) {
	ids, err := parseMemberIDs("<@1> <@!2>,3\n4")
	require.NoError(t, err)
	assert.Equal(t, []string{"1", "2", "3", "4"}, ids)

	_, err = parseMemberIDs("  ")
	assert.ErrorIs(t, err, errInvalidInput)

	_, err = parseMemberIDs("<#5>")
	assert.ErrorIs(t, err, errInvalidInput)
}

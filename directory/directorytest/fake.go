// Package directorytest provides an in-memory directory.Directory for tests
package directorytest

import (
	"context"
	"iter"
	"net/http"
	"slices"
	"sync"

	"github.com/anti-raid/defender/directory"

	"github.com/bwmarrin/discordgo"
)

// Operation names accepted by Fail and passed to OnCall
const (
	OpGuild          = "guild"
	OpMember         = "member"
	OpUser           = "user"
	OpChannel        = "channel"
	OpAddRole        = "add_role"
	OpRemoveRole     = "remove_role"
	OpBan            = "ban"
	OpBans           = "bans"
	OpSetOverwrite   = "set_overwrite"
	OpDeleteOverride = "delete_overwrite"
	OpSend           = "send"
	OpDownload       = "download"
)

// RESTError builds the error discordgo returns for a failed request
func RESTError(status int) error {
	return &discordgo.RESTError{Response: &http.Response{StatusCode: status}}
}

func NotFound() error  { return RESTError(http.StatusNotFound) }
func Forbidden() error { return RESTError(http.StatusForbidden) }

// Message is a message or embed sent through the fake
type Message struct {
	ChannelID string
	Content   string
	Embed     *discordgo.MessageEmbed
}

type Fake struct {
	// OnCall, if set, is called before every operation with the operation name and the main ID involved
	OnCall func(op, id string)

	mu       sync.Mutex
	guilds   map[string]*discordgo.Guild
	members  map[string]map[string]*discordgo.Member
	users    map[string]*discordgo.User
	channels map[string]*discordgo.Channel
	bans     map[string][]string
	files    map[string][]byte
	failures map[string]error
	messages []Message
}

var _ directory.Directory = (*Fake)(nil)

func New() *Fake {
	return &Fake{
		guilds:   map[string]*discordgo.Guild{},
		members:  map[string]map[string]*discordgo.Member{},
		users:    map[string]*discordgo.User{},
		channels: map[string]*discordgo.Channel{},
		bans:     map[string][]string{},
		files:    map[string][]byte{},
		failures: map[string]error{},
	}
}

// AddGuild adds a guild with an everyone role carrying everyonePerms
func (f *Fake) AddGuild(guildID, ownerID string, everyonePerms int64) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.guilds[guildID] = &discordgo.Guild{
		ID:      guildID,
		OwnerID: ownerID,
		Roles:   []*discordgo.Role{{ID: guildID, Name: "@everyone", Permissions: everyonePerms}},
	}
}

func (f *Fake) AddRole(guildID string, role *discordgo.Role) {
	f.mu.Lock()
	defer f.mu.Unlock()

	g := f.guilds[guildID]
	g.Roles = append(g.Roles, role)
}

// AddUser adds a user that is not a member of any guild
func (f *Fake) AddUser(userID string) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.users[userID] = &discordgo.User{ID: userID, Username: "user" + userID}
}

func (f *Fake) AddMember(guildID, userID string, roles ...string) {
	f.mu.Lock()
	defer f.mu.Unlock()

	u, ok := f.users[userID]

	if !ok {
		u = &discordgo.User{ID: userID, Username: "user" + userID}
		f.users[userID] = u
	}

	if f.members[guildID] == nil {
		f.members[guildID] = map[string]*discordgo.Member{}
	}

	f.members[guildID][userID] = &discordgo.Member{GuildID: guildID, User: u, Roles: roles}
}

func (f *Fake) AddChannel(c *discordgo.Channel) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.channels[c.ID] = c
}

// AddBan marks a user as banned without going through Ban
func (f *Fake) AddBan(guildID, userID string) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.bans[guildID] = append(f.bans[guildID], userID)
}

func (f *Fake) AddFile(url string, content []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.files[url] = content
}

// Fail makes every call of op involving id return err
func (f *Fake) Fail(op, id string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.failures[op+":"+id] = err
}

// Banned returns the banned users of a guild in ban order
func (f *Fake) Banned(guildID string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()

	return slices.Clone(f.bans[guildID])
}

func (f *Fake) Messages() []Message {
	f.mu.Lock()
	defer f.mu.Unlock()

	return slices.Clone(f.messages)
}

// MemberRoles returns the roles of a member, or nil if the user is not a member
func (f *Fake) MemberRoles(guildID, userID string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()

	if m, ok := f.members[guildID][userID]; ok {
		return slices.Clone(m.Roles)
	}

	return nil
}

// Overwrite returns the overwrite of target on a channel
func (f *Fake) Overwrite(channelID, targetID string) *discordgo.PermissionOverwrite {
	f.mu.Lock()
	defer f.mu.Unlock()

	for _, o := range f.channels[channelID].PermissionOverwrites {
		if o.ID == targetID {
			c := *o
			return &c
		}
	}

	return nil
}

// enter runs the OnCall hook and returns the injected failure for (op, id), if any.
// Context cancellation is honoured the way an HTTP client would
func (f *Fake) enter(ctx context.Context, op, id string) error {
	if f.OnCall != nil {
		f.OnCall(op, id)
	}

	if err := ctx.Err(); err != nil {
		return err
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	return f.failures[op+":"+id]
}

func (f *Fake) Guild(ctx context.Context, guildID string) (*discordgo.Guild, error) {
	if err := f.enter(ctx, OpGuild, guildID); err != nil {
		return nil, err
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	g, ok := f.guilds[guildID]

	if !ok {
		return nil, NotFound()
	}

	c := *g
	c.Roles = slices.Clone(g.Roles)
	return &c, nil
}

func (f *Fake) Member(ctx context.Context, guildID, userID string) (*discordgo.Member, error) {
	if err := f.enter(ctx, OpMember, userID); err != nil {
		return nil, err
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	m, ok := f.members[guildID][userID]

	if !ok {
		return nil, NotFound()
	}

	c := *m
	c.Roles = slices.Clone(m.Roles)
	return &c, nil
}

func (f *Fake) User(ctx context.Context, userID string) (*discordgo.User, error) {
	if err := f.enter(ctx, OpUser, userID); err != nil {
		return nil, err
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	u, ok := f.users[userID]

	if !ok {
		return nil, NotFound()
	}

	c := *u
	return &c, nil
}

func (f *Fake) Roles(ctx context.Context, guildID string) ([]*discordgo.Role, error) {
	g, err := f.Guild(ctx, guildID)

	if err != nil {
		return nil, err
	}

	return g.Roles, nil
}

func (f *Fake) Channel(ctx context.Context, channelID string) (*discordgo.Channel, error) {
	if err := f.enter(ctx, OpChannel, channelID); err != nil {
		return nil, err
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	ch, ok := f.channels[channelID]

	if !ok {
		return nil, NotFound()
	}

	c := *ch
	c.PermissionOverwrites = nil

	for _, o := range ch.PermissionOverwrites {
		oc := *o
		c.PermissionOverwrites = append(c.PermissionOverwrites, &oc)
	}

	return &c, nil
}

func (f *Fake) AddMemberRole(ctx context.Context, guildID, userID, roleID, reason string) error {
	if err := f.enter(ctx, OpAddRole, userID); err != nil {
		return err
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	m, ok := f.members[guildID][userID]

	if !ok {
		return NotFound()
	}

	if !slices.Contains(m.Roles, roleID) {
		m.Roles = append(m.Roles, roleID)
	}

	return nil
}

func (f *Fake) RemoveMemberRole(ctx context.Context, guildID, userID, roleID, reason string) error {
	if err := f.enter(ctx, OpRemoveRole, userID); err != nil {
		return err
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	m, ok := f.members[guildID][userID]

	if !ok {
		return NotFound()
	}

	m.Roles = slices.DeleteFunc(m.Roles, func(r string) bool { return r == roleID })
	return nil
}

func (f *Fake) Ban(ctx context.Context, guildID, userID, reason string) error {
	if err := f.enter(ctx, OpBan, userID); err != nil {
		return err
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if _, ok := f.users[userID]; !ok {
		return NotFound()
	}

	if !slices.Contains(f.bans[guildID], userID) {
		f.bans[guildID] = append(f.bans[guildID], userID)
	}

	delete(f.members[guildID], userID)
	return nil
}

func (f *Fake) Bans(ctx context.Context, guildID string) iter.Seq2[*discordgo.GuildBan, error] {
	return func(yield func(*discordgo.GuildBan, error) bool) {
		if err := f.enter(ctx, OpBans, guildID); err != nil {
			yield(nil, err)
			return
		}

		for _, id := range f.Banned(guildID) {
			if !yield(&discordgo.GuildBan{User: &discordgo.User{ID: id}}, nil) {
				return
			}
		}
	}
}

func (f *Fake) SetChannelOverwrite(ctx context.Context, channelID, targetID string, targetType discordgo.PermissionOverwriteType, allow, deny int64, reason string) error {
	if err := f.enter(ctx, OpSetOverwrite, targetID); err != nil {
		return err
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	ch, ok := f.channels[channelID]

	if !ok {
		return NotFound()
	}

	for _, o := range ch.PermissionOverwrites {
		if o.ID == targetID {
			o.Type, o.Allow, o.Deny = targetType, allow, deny
			return nil
		}
	}

	ch.PermissionOverwrites = append(ch.PermissionOverwrites, &discordgo.PermissionOverwrite{
		ID:    targetID,
		Type:  targetType,
		Allow: allow,
		Deny:  deny,
	})

	return nil
}

func (f *Fake) DeleteChannelOverwrite(ctx context.Context, channelID, targetID, reason string) error {
	if err := f.enter(ctx, OpDeleteOverride, targetID); err != nil {
		return err
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	ch, ok := f.channels[channelID]

	if !ok {
		return NotFound()
	}

	ch.PermissionOverwrites = slices.DeleteFunc(ch.PermissionOverwrites, func(o *discordgo.PermissionOverwrite) bool {
		return o.ID == targetID
	})

	return nil
}

func (f *Fake) SendMessage(ctx context.Context, channelID, content string) error {
	if err := f.enter(ctx, OpSend, channelID); err != nil {
		return err
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	f.messages = append(f.messages, Message{ChannelID: channelID, Content: content})
	return nil
}

func (f *Fake) SendEmbed(ctx context.Context, channelID string, embed *discordgo.MessageEmbed) error {
	if err := f.enter(ctx, OpSend, channelID); err != nil {
		return err
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	f.messages = append(f.messages, Message{ChannelID: channelID, Embed: embed})
	return nil
}

func (f *Fake) Download(ctx context.Context, url string, maxBytes int64) ([]byte, error) {
	if err := f.enter(ctx, OpDownload, url); err != nil {
		return nil, err
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	b, ok := f.files[url]

	if !ok {
		return nil, NotFound()
	}

	if int64(len(b)) > maxBytes {
		return nil, directory.ErrTooLarge
	}

	return slices.Clone(b), nil
}

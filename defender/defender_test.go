package defender

import (
	"context"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"github.com/anti-raid/defender/config"
	"github.com/anti-raid/defender/directory"
	"github.com/anti-raid/defender/directory/directorytest"
	"github.com/anti-raid/defender/objectstorage"
	"github.com/anti-raid/defender/store"
	"github.com/anti-raid/defender/store/sqlstore"
	"github.com/anti-raid/defender/types"

	"github.com/bwmarrin/discordgo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const (
	guildID    = "1"
	pruneRole  = "prune"
	modChannel = "mod"
	modRole    = "mods"
)

// snowflake returns a user ID created at t
func snowflake(t time.Time) string {
	return strconv.FormatInt((t.UnixMilli()-1420070400000)<<22, 10)
}

type testEnv struct {
	d     *Defender
	fake  *directorytest.Fake
	store *sqlstore.Store
	now   time.Time
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	s, err := sqlstore.Open(":memory:", zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	fake := directorytest.New()
	fake.AddGuild(guildID, "owner", discordgo.PermissionSendMessages|discordgo.PermissionViewChannel)
	fake.AddRole(guildID, &discordgo.Role{ID: pruneRole})
	fake.AddRole(guildID, &discordgo.Role{ID: modRole, Permissions: discordgo.PermissionSendMessages | discordgo.PermissionKickMembers})
	fake.AddChannel(&discordgo.Channel{ID: modChannel, GuildID: guildID})

	now := time.Now().UTC()

	d := New(s, fake, nil, zap.NewNop(), config.DefaultDefender())
	d.Now = func() time.Time { return now }

	return &testEnv{d: d, fake: fake, store: s, now: now}
}

// ready configures the prune role and moderator channel of the test guild
func (e *testEnv) ready(t *testing.T) {
	t.Helper()

	ctx := context.Background()

	_, err := e.d.RegisterPruneRole(ctx, guildID, pruneRole)
	require.NoError(t, err)

	_, err = e.d.RegisterModeratorChannel(ctx, guildID, modChannel)
	require.NoError(t, err)
}

func (e *testEnv) schedule(t *testing.T, memberID string, pruneAt time.Time) {
	t.Helper()
	require.NoError(t, e.store.SchedulePrune(context.Background(), &types.PrunedMember{GuildID: guildID, MemberID: memberID, PruneAt: pruneAt}))
}

func TestRequirements(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()

	req, err := e.d.Requirements(ctx, guildID)
	require.NoError(t, err)
	assert.False(t, req.PruneRole)
	assert.False(t, req.ModeratorChannel)

	_, err = e.d.RegisterPruneRole(ctx, guildID, pruneRole)
	require.NoError(t, err)

	req, err = e.d.Requirements(ctx, guildID)
	require.NoError(t, err)
	assert.True(t, req.PruneRole)
	assert.False(t, req.Complete())

	_, err = e.d.RegisterModeratorChannel(ctx, guildID, modChannel)
	require.NoError(t, err)

	req, err = e.d.Requirements(ctx, guildID)
	require.NoError(t, err)
	assert.True(t, req.Complete())
}

func TestGuildLifecycle(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()

	require.NoError(t, e.d.GuildJoined(ctx, guildID))
	e.ready(t)
	e.schedule(t, "100", e.now)

	require.NoError(t, e.d.GuildLeft(ctx, guildID))

	req, err := e.d.Requirements(ctx, guildID)
	require.NoError(t, err)
	assert.False(t, req.PruneRole)

	_, err = e.store.PrunedMember(ctx, guildID, "100")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestScreenMemberPrunesNewAccount(t *testing.T) {
	e := newTestEnv(t)
	e.ready(t)
	ctx := context.Background()

	userID := snowflake(e.now.Add(-time.Hour))
	e.fake.AddMember(guildID, userID)

	pruned, err := e.d.ScreenMember(ctx, &discordgo.Member{GuildID: guildID, User: &discordgo.User{ID: userID, Username: "raider"}})
	require.NoError(t, err)
	assert.True(t, pruned)

	assert.Equal(t, []string{pruneRole}, e.fake.MemberRoles(guildID, userID))

	pm, err := e.store.PrunedMember(ctx, guildID, userID)
	require.NoError(t, err)
	assert.WithinDuration(t, e.now.Add(24*time.Hour), pm.PruneAt, time.Second)

	msgs := e.fake.Messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, modChannel, msgs[0].ChannelID)
	assert.Contains(t, msgs[0].Content, userID)

	// Not banned until the grace period passes
	assert.Empty(t, e.fake.Banned(guildID))
}

func TestScreenMemberIgnoresOldAccount(t *testing.T) {
	e := newTestEnv(t)
	e.ready(t)

	userID := snowflake(e.now.Add(-365 * 24 * time.Hour))
	e.fake.AddMember(guildID, userID)

	pruned, err := e.d.ScreenMember(context.Background(), &discordgo.Member{GuildID: guildID, User: &discordgo.User{ID: userID}})
	require.NoError(t, err)
	assert.False(t, pruned)
	assert.Empty(t, e.fake.MemberRoles(guildID, userID))
	assert.Empty(t, e.fake.Messages())
}

func TestScreenMemberSweepsDuePrunes(t *testing.T) {
	e := newTestEnv(t)
	e.ready(t)

	e.fake.AddUser("200")
	e.schedule(t, "200", e.now.Add(-time.Minute))

	userID := snowflake(e.now.Add(-365 * 24 * time.Hour))
	e.fake.AddMember(guildID, userID)

	_, err := e.d.ScreenMember(context.Background(), &discordgo.Member{GuildID: guildID, User: &discordgo.User{ID: userID}})
	require.NoError(t, err)
	assert.Equal(t, []string{"200"}, e.fake.Banned(guildID))
}

func TestScreenMemberNeedsRequirements(t *testing.T) {
	e := newTestEnv(t)

	_, err := e.d.RegisterPruneRole(context.Background(), guildID, pruneRole)
	require.NoError(t, err)

	userID := snowflake(e.now)
	e.fake.AddMember(guildID, userID)

	pruned, err := e.d.ScreenMember(context.Background(), &discordgo.Member{GuildID: guildID, User: &discordgo.User{ID: userID}})
	require.NoError(t, err)
	assert.False(t, pruned)
	assert.Empty(t, e.fake.MemberRoles(guildID, userID))
}

func TestSweepDue(t *testing.T) {
	e := newTestEnv(t)
	e.ready(t)
	ctx := context.Background()

	for _, id := range []string{"200", "300", "400"} {
		e.fake.AddMember(guildID, id)
	}

	e.schedule(t, "200", e.now.Add(-time.Hour))
	e.schedule(t, "300", e.now.Add(-time.Minute))
	e.schedule(t, "400", e.now.Add(time.Hour))
	e.fake.Fail(directorytest.OpBan, "300", directorytest.Forbidden())

	report, err := e.d.SweepDue(ctx, guildID)
	require.NoError(t, err)
	assert.Equal(t, []string{"200"}, report.Banned)
	assert.Equal(t, 1, report.Failed)
	assert.Equal(t, []string{"200"}, e.fake.Banned(guildID))

	// The failed ban is retried on the next sweep, the pending one is untouched
	left, err := e.store.PrunedMembers(ctx, guildID, time.Time{})
	require.NoError(t, err)
	require.Len(t, left, 2)
	assert.ElementsMatch(t, []string{"300", "400"}, []string{left[0].MemberID, left[1].MemberID})
}

func TestSweepNeedsModeratorChannel(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()

	_, err := e.d.SweepDue(ctx, guildID)
	assert.ErrorIs(t, err, ErrMissingRequirements)

	_, err = e.d.RegisterModeratorChannel(ctx, guildID, "deleted")
	require.NoError(t, err)

	_, err = e.d.SweepAll(ctx, guildID)
	assert.ErrorIs(t, err, ErrMissingRequirements)
}

func TestSweepAll(t *testing.T) {
	e := newTestEnv(t)
	e.ready(t)
	ctx := context.Background()

	e.fake.AddMember(guildID, "200")
	e.schedule(t, "200", e.now.Add(time.Hour))
	e.schedule(t, "ghost", e.now.Add(time.Hour))

	report, err := e.d.SweepAll(ctx, guildID)
	require.NoError(t, err)
	assert.Equal(t, []string{"200"}, report.Banned)
	assert.Equal(t, 1, report.Removed)

	left, err := e.store.PrunedMembers(ctx, guildID, time.Time{})
	require.NoError(t, err)
	assert.Empty(t, left)
}

func TestSweepReady(t *testing.T) {
	e := newTestEnv(t)
	e.ready(t)

	e.fake.AddUser("200")
	e.schedule(t, "200", e.now.Add(-time.Minute))

	require.NoError(t, e.d.SweepReady(context.Background()))
	assert.Equal(t, []string{"200"}, e.fake.Banned(guildID))
}

func TestPruneMembers(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()

	_, err := e.d.PruneMembers(ctx, guildID, []string{"200"})
	assert.ErrorIs(t, err, ErrMissingRequirements)

	e.ready(t)

	e.fake.AddMember(guildID, "200", "x", "y")
	e.fake.AddMember(guildID, "300", modRole)
	e.fake.AddMember(guildID, "400")
	e.fake.Fail(directorytest.OpAddRole, "400", directorytest.Forbidden())

	outcomes, err := e.d.PruneMembers(ctx, guildID, []string{"200", "300", "400", "500"})
	require.NoError(t, err)

	pruned := map[string]bool{}
	for out, err := range outcomes {
		require.NoError(t, err)
		pruned[out.MemberID] = out.Pruned
	}

	assert.Equal(t, map[string]bool{"200": true, "300": false, "400": false, "500": false}, pruned)
	assert.Equal(t, []string{pruneRole}, e.fake.MemberRoles(guildID, "200"))
	assert.Equal(t, []string{modRole}, e.fake.MemberRoles(guildID, "300"))

	_, err = e.store.PrunedMember(ctx, guildID, "200")
	require.NoError(t, err)

	_, err = e.store.PrunedMember(ctx, guildID, "400")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestPruneMembersConcurrency(t *testing.T) {
	e := newTestEnv(t)
	e.ready(t)

	var ids []string
	for i := range 10 {
		id := strconv.Itoa(1000 + i)
		ids = append(ids, id)
		e.fake.AddMember(guildID, id)
	}

	var active, peak atomic.Int32

	e.fake.OnCall = func(op, id string) {
		if op != directorytest.OpMember {
			return
		}

		n := active.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}

		time.Sleep(5 * time.Millisecond)
		active.Add(-1)
	}

	outcomes, err := e.d.PruneMembers(context.Background(), guildID, ids)
	require.NoError(t, err)

	var n int
	for out, err := range outcomes {
		require.NoError(t, err)
		assert.True(t, out.Pruned)
		n++
	}

	assert.Equal(t, 10, n)
	assert.LessOrEqual(t, peak.Load(), int32(e.d.Config.PruneConcurrency))
}

func TestParseIDs(t *testing.T) {
	ids, invalid := ParseIDs([]byte("300\r\n\n  200 \nabc\n300\n-5\n400\n"))

	assert.Equal(t, []string{"300", "200", "400"}, ids)
	assert.Equal(t, 2, invalid)

	ids, invalid = ParseIDs(nil)
	assert.Empty(t, ids)
	assert.Zero(t, invalid)
}

func TestMassBan(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()

	e.fake.AddMember(guildID, "200")
	e.fake.AddUser("300")
	e.fake.AddUser("500")
	e.fake.AddBan(guildID, "500")
	e.fake.AddUser("600")
	e.fake.Fail(directorytest.OpBan, "600", directorytest.RESTError(500))
	e.fake.AddMember(guildID, "700", modRole)

	list := []byte("200\n\n  300 \nabc\n200\n400\n500\n600\n700\n")
	e.fake.AddFile("https://cdn/list.txt", list)

	report, err := e.d.MassBan(ctx, guildID, &discordgo.MessageAttachment{Filename: "list.txt", URL: "https://cdn/list.txt", Size: len(list)}, "raid")
	require.NoError(t, err)

	assert.Equal(t, 6, report.Requested)
	assert.Equal(t, 1, report.Invalid)
	assert.Equal(t, 1, report.AlreadyBanned)
	assert.Equal(t, 2, report.Skipped)
	assert.Equal(t, 1, report.Failed)
	assert.ElementsMatch(t, []string{"200", "300"}, report.Banned)

	banned := e.fake.Banned(guildID)
	slices.Sort(banned)
	assert.Equal(t, []string{"200", "300", "500"}, banned)
}

func TestMassBanRejectsFiles(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()

	_, err := e.d.MassBan(ctx, guildID, &discordgo.MessageAttachment{Filename: "list.csv", URL: "x"}, "")
	assert.ErrorIs(t, err, ErrInvalidFileType)

	_, err = e.d.MassBan(ctx, guildID, &discordgo.MessageAttachment{Filename: "list.txt", URL: "x", Size: 2 << 20}, "")
	assert.ErrorIs(t, err, directory.ErrTooLarge)
}

func TestMassBanFailsOnBanListError(t *testing.T) {
	e := newTestEnv(t)

	e.fake.AddFile("u", []byte("200"))
	e.fake.Fail(directorytest.OpBans, guildID, directorytest.Forbidden())

	_, err := e.d.MassBan(context.Background(), guildID, &discordgo.MessageAttachment{Filename: "a.TXT", URL: "u", Size: 3}, "")
	assert.True(t, directory.IsForbidden(err))
	assert.Empty(t, e.fake.Banned(guildID))
}

func TestExportBans(t *testing.T) {
	e := newTestEnv(t)
	dir := t.TempDir()

	storage, err := objectstorage.New(&config.ObjectStorageConfig{Type: "local", Path: dir})
	require.NoError(t, err)
	e.d.Storage = storage

	e.fake.AddBan(guildID, "200")
	e.fake.AddBan(guildID, "300")

	export, err := e.d.ExportBans(context.Background(), guildID)
	require.NoError(t, err)
	assert.Equal(t, 2, export.Count)
	assert.Equal(t, "200\n300", string(export.Content))
	require.NotEmpty(t, export.Object)

	b, err := os.ReadFile(filepath.Join(dir, export.Object))
	require.NoError(t, err)
	assert.Equal(t, export.Content, b)

	assert.Equal(t, "file://"+filepath.Join(dir, export.Object), export.URL)
}

func TestExportBansWithoutStorage(t *testing.T) {
	e := newTestEnv(t)

	export, err := e.d.ExportBans(context.Background(), guildID)
	require.NoError(t, err)
	assert.Zero(t, export.Count)
	assert.Empty(t, export.Object)
}

func TestLockAndUnlockChannel(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()

	e.fake.AddRole(guildID, &discordgo.Role{ID: "member", Permissions: discordgo.PermissionSendMessages})
	e.fake.AddRole(guildID, &discordgo.Role{ID: "muted"})
	e.fake.AddChannel(&discordgo.Channel{
		ID:      "general",
		GuildID: guildID,
		PermissionOverwrites: []*discordgo.PermissionOverwrite{
			{ID: "member", Type: discordgo.PermissionOverwriteTypeRole, Allow: discordgo.PermissionAttachFiles | discordgo.PermissionSendMessages},
		},
	})

	ld, err := e.d.LockChannel(ctx, guildID, "general", true, "raid")
	require.NoError(t, err)

	var locked []string
	for _, r := range ld.Roles {
		locked = append(locked, r.RoleID)
	}
	assert.ElementsMatch(t, []string{guildID, "member"}, locked)

	everyone := e.fake.Overwrite("general", guildID)
	require.NotNil(t, everyone)
	assert.Equal(t, int64(discordgo.PermissionViewChannel), everyone.Allow)
	assert.Equal(t, int64(discordgo.PermissionSendMessages), everyone.Deny)

	member := e.fake.Overwrite("general", "member")
	require.NotNil(t, member)
	assert.Equal(t, int64(discordgo.PermissionAttachFiles|discordgo.PermissionViewChannel), member.Allow)
	assert.Equal(t, int64(discordgo.PermissionSendMessages), member.Deny)

	assert.Nil(t, e.fake.Overwrite("general", modRole))

	_, err = e.d.LockChannel(ctx, guildID, "general", true, "")
	assert.ErrorIs(t, err, ErrAlreadyLocked)

	_, err = e.d.UnlockChannel(ctx, guildID, "general")
	require.NoError(t, err)

	assert.Nil(t, e.fake.Overwrite("general", guildID))

	member = e.fake.Overwrite("general", "member")
	require.NotNil(t, member)
	assert.Equal(t, int64(discordgo.PermissionAttachFiles|discordgo.PermissionSendMessages), member.Allow)
	assert.Zero(t, member.Deny)

	_, err = e.d.UnlockChannel(ctx, guildID, "general")
	assert.ErrorIs(t, err, ErrNotLocked)
}

func TestLockChannelBusy(t *testing.T) {
	e := newTestEnv(t)

	e.fake.AddChannel(&discordgo.Channel{ID: "general", GuildID: guildID})

	// Another lockdown of the channel is being applied
	held, ok := e.d.channelLocks.TryLock("general")
	require.True(t, ok)

	_, err := e.d.LockChannel(context.Background(), guildID, "general", true, "")
	assert.ErrorIs(t, err, ErrChannelBusy)

	// Unlocking waits for it instead
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	_, err = e.d.UnlockChannel(ctx, guildID, "general")
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	held.Unlock()

	_, err = e.d.LockChannel(context.Background(), guildID, "general", true, "")
	require.NoError(t, err)
	assert.Nil(t, e.fake.Overwrite("general", modRole))
}

func TestCanSpeak(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()

	e.fake.AddChannel(&discordgo.Channel{ID: "general", GuildID: guildID})
	e.fake.AddMember(guildID, "200")
	e.fake.AddMember(guildID, "300", modRole)
	e.fake.AddMember(guildID, "owner")

	speak, err := e.d.CanSpeak(ctx, guildID, "general", "200")
	require.NoError(t, err)
	assert.True(t, speak)

	_, err = e.d.LockChannel(ctx, guildID, "general", true, "")
	require.NoError(t, err)

	speak, err = e.d.CanSpeak(ctx, guildID, "general", "200")
	require.NoError(t, err)
	assert.False(t, speak)

	// The moderator role is left alone but the everyone overwrite still applies to it
	speak, err = e.d.CanSpeak(ctx, guildID, "general", "300")
	require.NoError(t, err)
	assert.False(t, speak)

	speak, err = e.d.CanSpeak(ctx, guildID, "general", "owner")
	require.NoError(t, err)
	assert.True(t, speak)

	_, err = e.d.CanSpeak(ctx, guildID, "general", "404")
	assert.True(t, directory.IsNotFound(err))
}

func TestLockChannelIncludesModerators(t *testing.T) {
	e := newTestEnv(t)

	e.fake.AddChannel(&discordgo.Channel{ID: "general", GuildID: guildID})

	ld, err := e.d.LockChannel(context.Background(), guildID, "general", false, "")
	require.NoError(t, err)
	assert.Len(t, ld.Roles, 2)
	assert.NotNil(t, e.fake.Overwrite("general", modRole))
}

func TestReportEmbeds(t *testing.T) {
	embed := MassBanEmbed(&types.MassBanReport{Requested: 12345, Banned: []string{"1"}})
	assert.Equal(t, "12,345", embed.Fields[0].Value)

	assert.Len(t, RequirementsEmbed(types.Requirements{PruneRole: true}).Fields, 2)
	assert.Len(t, RequirementsEmbed(types.Requirements{PruneRole: true, ModeratorChannel: true}).Fields, 1)
}

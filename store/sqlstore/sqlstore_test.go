package sqlstore

import (
	"context"
	"testing"
	"time"

	"github.com/anti-raid/defender/store"
	"github.com/anti-raid/defender/types"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()

	s, err := Open(":memory:", zap.NewNop())
	require.NoError(t, err)

	t.Cleanup(func() { s.Close() })
	return s
}

func ptr[T any](v T) *T {
	return &v
}

func TestGuildConfigLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	gc, err := s.GuildConfig(ctx, "100")
	require.NoError(t, err)
	assert.Equal(t, "100", gc.GuildID)
	assert.False(t, gc.Ready())

	// Creating again must not fail or reset anything
	require.NoError(t, s.CreateGuildConfig(ctx, "100"))

	gc, err = s.SetPruneRole(ctx, "100", "200")
	require.NoError(t, err)
	assert.Equal(t, "200", *gc.PruneRoleID)
	assert.False(t, gc.Ready())

	gc, err = s.SetModeratorChannel(ctx, "100", "300")
	require.NoError(t, err)
	assert.True(t, gc.Ready())

	require.NoError(t, s.CreateGuildConfig(ctx, "101"))

	ready, err := s.ReadyGuilds(ctx)
	require.NoError(t, err)
	require.Len(t, ready, 1)
	assert.Equal(t, "100", ready[0].GuildID)
}

func TestSetterCreatesMissingConfig(t *testing.T) {
	s := newTestStore(t)

	gc, err := s.SetModeratorChannel(context.Background(), "555", "666")
	require.NoError(t, err)
	assert.Equal(t, "666", *gc.ModeratorChannelID)
	assert.Nil(t, gc.PruneRoleID)
}

func TestPrunedMembers(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now()

	require.NoError(t, s.SchedulePrune(ctx, &types.PrunedMember{GuildID: "1", MemberID: "a", PruneAt: now.Add(-time.Hour), Reason: ptr("spam")}))
	require.NoError(t, s.SchedulePrune(ctx, &types.PrunedMember{GuildID: "1", MemberID: "b", PruneAt: now.Add(time.Hour)}))
	require.NoError(t, s.SchedulePrune(ctx, &types.PrunedMember{GuildID: "2", MemberID: "a", PruneAt: now.Add(-time.Hour)}))

	due, err := s.PrunedMembers(ctx, "1", now)
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, "a", due[0].MemberID)
	assert.Equal(t, "spam", *due[0].Reason)

	all, err := s.PrunedMembers(ctx, "1", time.Time{})
	require.NoError(t, err)
	assert.Len(t, all, 2)

	// Rescheduling replaces the existing record
	require.NoError(t, s.SchedulePrune(ctx, &types.PrunedMember{GuildID: "1", MemberID: "a", PruneAt: now.Add(2 * time.Hour)}))

	due, err = s.PrunedMembers(ctx, "1", now)
	require.NoError(t, err)
	assert.Empty(t, due)

	pm, err := s.PrunedMember(ctx, "1", "a")
	require.NoError(t, err)
	assert.True(t, pm.PruneAt.After(now))

	require.NoError(t, s.DeletePrunedMember(ctx, "1", "a"))

	_, err = s.PrunedMember(ctx, "1", "a")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestLockdowns(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	ld := &types.Lockdown{
		GuildID:   "1",
		ChannelID: "10",
		Reason:    ptr("raid"),
		CreatedAt: time.Now(),
		Roles: []types.LockdownRole{
			{RoleID: "r1"},
			{RoleID: "r2", HadOverwrite: true, Allow: 1024, Deny: 2048},
		},
	}

	require.NoError(t, s.CreateLockdown(ctx, ld))
	assert.ErrorIs(t, s.CreateLockdown(ctx, ld), store.ErrExists)

	got, err := s.Lockdown(ctx, "1", "10")
	require.NoError(t, err)
	assert.Equal(t, "raid", *got.Reason)
	assert.ElementsMatch(t, ld.Roles, got.Roles)

	list, err := s.Lockdowns(ctx, "1")
	require.NoError(t, err)
	assert.Len(t, list, 1)

	require.NoError(t, s.DeleteLockdown(ctx, "1", "10"))
	assert.ErrorIs(t, s.DeleteLockdown(ctx, "1", "10"), store.ErrNotFound)

	_, err = s.Lockdown(ctx, "1", "10")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestDeleteGuildConfigCascades(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.SetPruneRole(ctx, "1", "r")
	require.NoError(t, err)
	require.NoError(t, s.SchedulePrune(ctx, &types.PrunedMember{GuildID: "1", MemberID: "a", PruneAt: time.Now()}))
	require.NoError(t, s.CreateLockdown(ctx, &types.Lockdown{GuildID: "1", ChannelID: "10", Roles: []types.LockdownRole{{RoleID: "r"}}}))

	require.NoError(t, s.DeleteGuildConfig(ctx, "1"))

	all, err := s.PrunedMembers(ctx, "1", time.Time{})
	require.NoError(t, err)
	assert.Empty(t, all)

	lds, err := s.Lockdowns(ctx, "1")
	require.NoError(t, err)
	assert.Empty(t, lds)

	gc, err := s.GuildConfig(ctx, "1")
	require.NoError(t, err)
	assert.Nil(t, gc.PruneRoleID)
}

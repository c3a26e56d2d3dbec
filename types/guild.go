package types

import "time"

// @ci table=guild_configs
//
// GuildConfig holds the per-guild moderation settings
type GuildConfig struct {
	GuildID            string    `db:"guild_id" json:"guild_id" validate:"required" description:"The ID of the guild"`
	PruneRoleID        *string   `db:"prune_role_id" json:"prune_role_id" description:"Role given to pruned members. Should only see a private moderator channel"`
	ModeratorChannelID *string   `db:"moderator_channel_id" json:"moderator_channel_id" description:"Channel pruned members are reported to"`
	CreatedAt          time.Time `db:"created_at" json:"created_at" description:"The time the guild config was created"`
}

// Ready returns whether both the prune role and the moderator channel are set
func (g *GuildConfig) Ready() bool {
	return g.PruneRoleID != nil && *g.PruneRoleID != "" && g.ModeratorChannelID != nil && *g.ModeratorChannelID != ""
}

// @ci table=pruned_members
//
// A member that is scheduled for removal. The same user may be scheduled in several guilds
type PrunedMember struct {
	GuildID   string    `db:"guild_id" json:"guild_id" validate:"required" description:"The ID of the guild"`
	MemberID  string    `db:"member_id" json:"member_id" validate:"required" description:"The ID of the pruned member"`
	PruneAt   time.Time `db:"prune_at" json:"prune_at" validate:"required" description:"When the member is due to be banned"`
	Reason    *string   `db:"reason" json:"reason" description:"Why the member was pruned"`
	CreatedAt time.Time `db:"created_at" json:"created_at" description:"The time the member was pruned"`
}

// Due returns whether the grace period of the member has passed
func (p *PrunedMember) Due(now time.Time) bool {
	return p.PruneAt.Before(now)
}

// Requirements lists which settings a guild still needs before pruning is active
type Requirements struct {
	PruneRole        bool `json:"prune_role" description:"Whether a prune role is set"`
	ModeratorChannel bool `json:"moderator_channel" description:"Whether a moderator channel is set"`
}

func (r Requirements) Complete() bool {
	return r.PruneRole && r.ModeratorChannel
}

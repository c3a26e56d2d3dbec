package types

import "time"

// @ci table=lockdowns
//
// A channel that is currently locked down
type Lockdown struct {
	GuildID   string         `db:"guild_id" json:"guild_id" validate:"required" description:"The ID of the guild"`
	ChannelID string         `db:"channel_id" json:"channel_id" validate:"required" description:"The ID of the locked channel"`
	Reason    *string        `db:"reason" json:"reason" description:"Reason for locking down the channel"`
	CreatedAt time.Time      `db:"created_at" json:"created_at" description:"The time the lockdown started"`
	Roles     []LockdownRole `db:"-" json:"roles" description:"Roles that lost the ability to send messages"`
}

// @ci table=lockdown_roles
//
// LockdownRole remembers the overwrite a role had before the lockdown so it can be restored
type LockdownRole struct {
	RoleID       string `db:"role_id" json:"role_id" validate:"required" description:"The ID of the role"`
	HadOverwrite bool   `db:"had_overwrite" json:"had_overwrite" description:"Whether the role had an overwrite on the channel before the lockdown"`
	Allow        int64  `db:"allow" json:"allow,string" description:"Previous allow bitset"`
	Deny         int64  `db:"deny" json:"deny,string" description:"Previous deny bitset"`
}

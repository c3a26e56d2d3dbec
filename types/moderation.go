package types

type BanStatus string

const (
	BanStatusBanned        BanStatus = "banned"
	BanStatusSkipped       BanStatus = "skipped"
	BanStatusAlreadyBanned BanStatus = "already_banned"
	BanStatusFailed        BanStatus = "failed"
)

// BanOutcome is the result of a single ban attempt in a batch
type BanOutcome struct {
	UserID string    `json:"user_id"`
	Status BanStatus `json:"status"`
	Error  string    `json:"error,omitempty"`
}

// MassBanReport summarizes a massban
type MassBanReport struct {
	Requested     int      `json:"requested" description:"Unique, well formed IDs in the list"`
	Invalid       int      `json:"invalid" description:"Lines that were not user IDs"`
	AlreadyBanned int      `json:"already_banned"`
	Skipped       int      `json:"skipped" description:"Moderators and unknown users"`
	Failed        int      `json:"failed"`
	Banned        []string `json:"banned"`
}

// PruneOutcome is the result of pruning a single member
type PruneOutcome struct {
	MemberID string `json:"member_id"`
	Pruned   bool   `json:"pruned"`
}

// SweepReport summarizes a sweep of pruned members
type SweepReport struct {
	Banned  []string `json:"banned"`
	Removed int      `json:"removed" description:"Records dropped because the member could not be found"`
	Failed  int      `json:"failed"`
}

// BanExport is a guild's ban list, one user ID per line
type BanExport struct {
	GuildID string `json:"guild_id"`
	Count   int    `json:"count"`
	Content []byte `json:"-"`
	Object  string `json:"object,omitempty" description:"Where the export was saved in object storage, if enabled"`
	URL     string `json:"url,omitempty" description:"Link to the saved export, presigned for s3-like storage"`
}

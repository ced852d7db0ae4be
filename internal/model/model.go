package model

import "time"

// BreakevenPerRace is the per-race score a player needs for the team to
// break even. A 12-race war with 6 players breaks even at 41*12*6.
const BreakevenPerRace = 41

// DefaultRaceCount is used when a war or bulk result carries no explicit
// race count.
const DefaultRaceCount = 12

const (
	MinRaceCount = 1
	MaxRaceCount = 24
)

// MemberStatus classifies a roster member.
type MemberStatus string

const (
	StatusMember MemberStatus = "member"
	StatusTrial  MemberStatus = "trial"
	StatusAlly   MemberStatus = "ally"
	StatusKicked MemberStatus = "kicked"
)

func ValidMemberStatus(s string) bool {
	switch MemberStatus(s) {
	case StatusMember, StatusTrial, StatusAlly, StatusKicked:
		return true
	}
	return false
}

// UnassignedTeam is the team of a player not assigned to any team.
const UnassignedTeam = "Unassigned"

// Player is a roster member with its derived aggregates. Aggregates are
// maintained in the same transaction as any war mutation.
type Player struct {
	ID                    int64        `json:"id"`
	GuildID               int64        `json:"guild_id"`
	Name                  string       `json:"name"`
	Nicknames             []string     `json:"nicknames"`
	Team                  string       `json:"team"`
	MemberStatus          MemberStatus `json:"member_status"`
	IsActive              bool         `json:"is_active"`
	TotalScore            int64        `json:"total_score"`
	TotalRaces            int          `json:"total_races"`
	WarCount              float64      `json:"war_count"`
	AverageScore          float64      `json:"average_score"`
	TotalTeamDifferential int64        `json:"total_team_differential"`
	LastWarDate           *time.Time   `json:"last_war_date,omitempty"`
}

// WarPlayer is one player's line in a war.
type WarPlayer struct {
	Name        string `json:"name"`
	Score       int    `json:"score"`
	RacesPlayed int    `json:"races_played"`
}

// War is one race session.
type War struct {
	ID               int64       `json:"id"`
	GuildID          int64       `json:"guild_id"`
	RaceCount        int         `json:"race_count"`
	TeamScore        int         `json:"team_score"`
	TeamDifferential int         `json:"team_differential"`
	CreatedAt        time.Time   `json:"created_at"`
	Players          []WarPlayer `json:"players"`
}

// TeamScore sums the player scores of a war line-up.
func TeamScore(players []WarPlayer) int {
	total := 0
	for _, p := range players {
		total += p.Score
	}
	return total
}

// TeamDifferential is team_score - 41 * race_count * player_count.
// Positive means the war was won, negative lost, zero tied.
func TeamDifferential(players []WarPlayer, raceCount int) int {
	return TeamScore(players) - BreakevenPerRace*raceCount*len(players)
}

// DetectedPlayer is one OCR-extracted (or reviewer-corrected) player row
// inside a bulk scan result.
type DetectedPlayer struct {
	Name           string `json:"name"`
	Score          int    `json:"score"`
	RawName        string `json:"raw_name,omitempty"`
	IsRosterMember bool   `json:"is_roster_member"`
	RacesPlayed    int    `json:"races_played"`
}

// SessionStatus is the lifecycle state of a bulk scan session.
type SessionStatus string

const (
	SessionOpen      SessionStatus = "open"
	SessionConfirmed SessionStatus = "confirmed"
	SessionCancelled SessionStatus = "cancelled"
	SessionExpired   SessionStatus = "expired"
)

// ReviewStatus is the per-result review state inside an open session.
type ReviewStatus string

const (
	ReviewPending  ReviewStatus = "pending"
	ReviewApproved ReviewStatus = "approved"
	ReviewRejected ReviewStatus = "rejected"
)

func ValidReviewStatus(s string) bool {
	switch ReviewStatus(s) {
	case ReviewPending, ReviewApproved, ReviewRejected:
		return true
	}
	return false
}

// SessionTTL is how long a bulk session stays reviewable.
const SessionTTL = 24 * time.Hour

// BulkSession is a pending review batch.
type BulkSession struct {
	Token       string        `json:"session_token"`
	GuildID     int64         `json:"guild_id"`
	CreatedBy   int64         `json:"created_by_user_id"`
	Status      SessionStatus `json:"status"`
	TotalImages int           `json:"total_images"`
	CreatedAt   time.Time     `json:"created_at"`
	ExpiresAt   time.Time     `json:"expires_at"`
}

// BulkResult is one image's OCR output within a session.
type BulkResult struct {
	ID               int64            `json:"result_id"`
	SessionToken     string           `json:"session_token"`
	ImageFilename    string           `json:"image_filename"`
	ImageURL         string           `json:"image_url,omitempty"`
	DetectedPlayers  []DetectedPlayer `json:"detected_players"`
	CorrectedPlayers []DetectedPlayer `json:"corrected_players,omitempty"`
	ReviewStatus     ReviewStatus     `json:"review_status"`
	RaceCount        int              `json:"race_count"`
	MessageTimestamp *time.Time       `json:"message_timestamp,omitempty"`
}

// EffectivePlayers returns the corrected set when present, the detected
// set otherwise.
func (r *BulkResult) EffectivePlayers() []DetectedPlayer {
	if len(r.CorrectedPlayers) > 0 {
		return r.CorrectedPlayers
	}
	return r.DetectedPlayers
}

// BulkFailure is one image the OCR pipeline could not read.
type BulkFailure struct {
	ID               int64      `json:"failure_id"`
	SessionToken     string     `json:"session_token"`
	ImageFilename    string     `json:"image_filename"`
	ImageURL         string     `json:"image_url,omitempty"`
	ErrorMessage     string     `json:"error_message"`
	MessageTimestamp *time.Time `json:"message_timestamp,omitempty"`
	DiscordMessageID int64      `json:"discord_message_id,omitempty"`
}

// GuildConfig is the per-tenant configuration row created by /setup.
type GuildConfig struct {
	GuildID      int64     `json:"guild_id"`
	GuildName    string    `json:"guild_name"`
	OCRChannelID int64     `json:"ocr_channel_id"`
	TeamNames    []string  `json:"team_names"`
	IsActive     bool      `json:"is_active"`
	CreatedAt    time.Time `json:"created_at"`
}

package matchdto

import "time"

// Caller identifies the user behind a client command. Guest identities are
// allowed on casual pools only.
type Caller struct {
	UserID      string
	DisplayName string
	Guest       bool
}

type CreateChallengeRequest struct {
	Caller      Caller
	RecipientID string // empty for an open/link challenge
	PoolKind    string // "casual" or "rated"
	TimeControl string
}

type ChallengeView struct {
	Token       string    `json:"token"`
	Requester   Profile   `json:"requester"`
	Recipient   *Profile  `json:"recipient,omitempty"`
	PoolKind    string    `json:"pool_kind"`
	TimeControl string    `json:"time_control"`
	ExpiresAt   time.Time `json:"expires_at"`
}

type Profile struct {
	UserID      string `json:"user_id"`
	DisplayName string `json:"display_name"`
}

type AcceptChallengeResponse struct {
	GameToken string `json:"game_token"`
}

type SeekRequest struct {
	Caller      Caller
	PoolKind    string
	TimeControl string
	Rating      float64  // rated pools only
	RatingRange float64  // 0 → server default
	Excluded    []string // user IDs the seeker refuses to meet
}

type RematchRequest struct {
	Caller       Caller
	GameToken    string
	ConnectionID string
}

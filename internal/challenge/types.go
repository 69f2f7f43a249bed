package challenge

import (
	"time"

	"github.com/YishaiYosifov/chess2-sub006/pkg/matchdto"
)

const (
	// Kind is the entity kind; the key is the challenge token.
	Kind = "challenge"

	timerExpire = "expire"
)

// state is the persisted snapshot of one pending challenge. Reaching any
// terminal transition (accept, cancel, expire) clears it; "state absent"
// therefore doubles as "no pending challenge".
type state struct {
	Token       string            `json:"token"`
	Requester   matchdto.Profile  `json:"requester"`
	Recipient   *matchdto.Profile `json:"recipient,omitempty"` // nil → open/link challenge
	PoolKind    string            `json:"pool_kind"`
	TimeControl string            `json:"time_control"`
	ExpiresAt   time.Time         `json:"expires_at"`
}

func (st *state) view() matchdto.ChallengeView {
	v := matchdto.ChallengeView{
		Token:       st.Token,
		Requester:   st.Requester,
		PoolKind:    st.PoolKind,
		TimeControl: st.TimeControl,
		ExpiresAt:   st.ExpiresAt,
	}
	if st.Recipient != nil {
		r := *st.Recipient
		v.Recipient = &r
	}
	return v
}

// visibleTo restricts targeted challenges to their two parties. Open
// challenges are visible to anyone.
func (st *state) visibleTo(userID string) bool {
	if st.Recipient == nil {
		return true
	}
	return userID == st.Requester.UserID || userID == st.Recipient.UserID
}

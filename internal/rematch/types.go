package rematch

import (
	"github.com/YishaiYosifov/chess2-sub006/pkg/matchdto"
)

const (
	// Kind is the entity kind; the key is the token of the finished game
	// being rematched.
	Kind = "rematch"

	timerExpire = "expire"
)

// state is one rematch negotiation. It is created lazily from the finished
// game's roster on the first confirmation request and cleared on any terminal
// transition, so "state absent" doubles as "no negotiation in progress".
//
// A player confirms through one or more connections; the negotiation accepts
// only when both colors' connection sets are non-empty at the same moment.
type state struct {
	GameToken   string           `json:"game_token"`
	White       matchdto.Profile `json:"white"`
	Black       matchdto.Profile `json:"black"`
	PoolKind    string           `json:"pool_kind"`
	TimeControl string           `json:"time_control"`

	WhiteConns map[string]bool `json:"white_conns"`
	BlackConns map[string]bool `json:"black_conns"`
}

// colorConns returns the confirmation set owned by userID, or nil when the
// user was not part of the finished game.
func (st *state) colorConns(userID string) map[string]bool {
	switch userID {
	case st.White.UserID:
		return st.WhiteConns
	case st.Black.UserID:
		return st.BlackConns
	}
	return nil
}

func (st *state) participant(userID string) bool {
	return userID == st.White.UserID || userID == st.Black.UserID
}

func (st *state) userIDs() []string {
	return []string{st.White.UserID, st.Black.UserID}
}

package notify

import (
	"context"
	"sync"

	"github.com/YishaiYosifov/chess2-sub006/pkg/matchdto"
)

// Recorded is one captured notification with its addressing.
type Recorded struct {
	Type   string
	UserID string // set for user-addressed events
	Token  string // set for topic-addressed events
	Data   map[string]any
}

// Recorder is a Notifier that captures events in memory. Tests use it to
// assert which side effects a state transition produced (and, for redelivered
// timers, that none were produced twice).
type Recorder struct {
	mu     sync.Mutex
	events []Recorded
}

func NewRecorder() *Recorder { return &Recorder{} }

func (r *Recorder) add(ev Recorded) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
}

// Events returns a snapshot of everything captured so far.
func (r *Recorder) Events() []Recorded {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Recorded, len(r.events))
	copy(out, r.events)
	return out
}

// CountType returns how many events of the given type were captured.
func (r *Recorder) CountType(evType string) int {
	n := 0
	for _, ev := range r.Events() {
		if ev.Type == evType {
			n++
		}
	}
	return n
}

func (r *Recorder) ChallengeReceived(_ context.Context, userID string, ch matchdto.ChallengeView) {
	r.add(Recorded{Type: EvChallengeReceived, UserID: userID, Data: map[string]any{"token": ch.Token}})
}

func (r *Recorder) ChallengeAccepted(_ context.Context, token string, by matchdto.Profile, gameToken string) {
	r.add(Recorded{Type: EvChallengeAccepted, Token: token, Data: map[string]any{"by": by.UserID, "game_token": gameToken}})
}

func (r *Recorder) ChallengeCancelled(_ context.Context, token string, cancelledBy string) {
	r.add(Recorded{Type: EvChallengeCancelled, Token: token, Data: map[string]any{"cancelled_by": cancelledBy}})
}

func (r *Recorder) RematchRequested(_ context.Context, userID string, gameToken string, by matchdto.Profile) {
	r.add(Recorded{Type: EvRematchRequested, UserID: userID, Data: map[string]any{"game_token": gameToken, "by": by.UserID}})
}

func (r *Recorder) RematchAccepted(_ context.Context, gameToken string, newGameToken string, userIDs []string) {
	for _, id := range userIDs {
		r.add(Recorded{Type: EvRematchAccepted, UserID: id, Data: map[string]any{"game_token": gameToken, "new_game_token": newGameToken}})
	}
}

func (r *Recorder) RematchCancelled(_ context.Context, gameToken string, userIDs []string) {
	for _, id := range userIDs {
		r.add(Recorded{Type: EvRematchCancelled, UserID: id, Data: map[string]any{"game_token": gameToken}})
	}
}

func (r *Recorder) MatchFound(_ context.Context, userID string, opponent matchdto.Profile, gameToken string) {
	r.add(Recorded{Type: EvMatchFound, UserID: userID, Data: map[string]any{"opponent_id": opponent.UserID, "game_token": gameToken}})
}

func (r *Recorder) MatchFailed(_ context.Context, userID string) {
	r.add(Recorded{Type: EvMatchFailed, UserID: userID})
}

func (r *Recorder) QuestCompleted(_ context.Context, userID string, questName string) {
	r.add(Recorded{Type: EvQuestCompleted, UserID: userID, Data: map[string]any{"quest": questName}})
}

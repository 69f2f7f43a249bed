// Package inbox tracks the incoming challenges of one recipient. It is an
// entity keyed by recipient user ID, so the challenge entity reaches it only
// through the runtime and never shares state with it.
package inbox

import (
	"context"
	"sort"

	"github.com/YishaiYosifov/chess2-sub006/internal/entity"
	"github.com/YishaiYosifov/chess2-sub006/pkg/matchdto"
)

const Kind = "inbox"

type state struct {
	// token → challenge view of everything currently aimed at this user.
	Incoming map[string]matchdto.ChallengeView `json:"incoming"`
}

type Service struct {
	rt *entity.Runtime
}

func NewService(rt *entity.Runtime) *Service { return &Service{rt: rt} }

// RecordChallengeCreated stores an incoming challenge unless the recipient
// already holds a pending one from the same requester. The duplicate check and
// the write run in the same entity op, so racing creates cannot both land; the
// return value reports whether the challenge was stored.
func (s *Service) RecordChallengeCreated(ctx context.Context, recipientID string, ch matchdto.ChallengeView) (bool, error) {
	var stored bool
	err := s.rt.Do(ctx, Kind, recipientID, func(ctx context.Context, ec *entity.Ctx) error {
		var st state
		if _, err := ec.LoadState(ctx, &st); err != nil {
			return err
		}
		for _, existing := range st.Incoming {
			if existing.Requester.UserID == ch.Requester.UserID {
				return nil
			}
		}
		if st.Incoming == nil {
			st.Incoming = make(map[string]matchdto.ChallengeView)
		}
		st.Incoming[ch.Token] = ch
		stored = true
		return ec.SaveState(ctx, &st)
	})
	return stored, err
}

// RecordChallengeRemoved drops a challenge from the inbox. Removing an
// unknown token is a no-op (teardown is idempotent upstream).
func (s *Service) RecordChallengeRemoved(ctx context.Context, recipientID, token string) error {
	return s.rt.Do(ctx, Kind, recipientID, func(ctx context.Context, ec *entity.Ctx) error {
		var st state
		found, err := ec.LoadState(ctx, &st)
		if err != nil {
			return err
		}
		if !found {
			return nil
		}
		if _, ok := st.Incoming[token]; !ok {
			return nil
		}
		delete(st.Incoming, token)
		if len(st.Incoming) == 0 {
			return ec.ClearState(ctx)
		}
		return ec.SaveState(ctx, &st)
	})
}

// GetIncoming lists pending incoming challenges, oldest expiry first.
func (s *Service) GetIncoming(ctx context.Context, recipientID string) ([]matchdto.ChallengeView, error) {
	var out []matchdto.ChallengeView
	err := s.rt.Do(ctx, Kind, recipientID, func(ctx context.Context, ec *entity.Ctx) error {
		var st state
		if _, err := ec.LoadState(ctx, &st); err != nil {
			return err
		}
		for _, ch := range st.Incoming {
			out = append(out, ch)
		}
		sort.Slice(out, func(i, j int) bool { return out[i].ExpiresAt.Before(out[j].ExpiresAt) })
		return nil
	})
	return out, err
}

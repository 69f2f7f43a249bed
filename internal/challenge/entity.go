package challenge

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/YishaiYosifov/chess2-sub006/internal/entity"
	"github.com/YishaiYosifov/chess2-sub006/internal/gamestart"
	"github.com/YishaiYosifov/chess2-sub006/internal/inbox"
	"github.com/YishaiYosifov/chess2-sub006/internal/matchpool"
	"github.com/YishaiYosifov/chess2-sub006/internal/notify"
	"github.com/YishaiYosifov/chess2-sub006/internal/obslog"
	"github.com/YishaiYosifov/chess2-sub006/pkg/matchdto"
)

// Service drives the challenge state machine. One entity per token; state is
// absent → pending → torn down, with accept/cancel/expire as the terminal
// transitions.
type Service struct {
	rt       *entity.Runtime
	inbox    *inbox.Service
	starter  gamestart.Starter
	notifier notify.Notifier
	ttl      time.Duration
}

func NewService(rt *entity.Runtime, ib *inbox.Service, starter gamestart.Starter, notifier notify.Notifier, ttl time.Duration) *Service {
	s := &Service{rt: rt, inbox: ib, starter: starter, notifier: notifier, ttl: ttl}
	rt.HandleTimers(Kind, s.handleTimer)
	return s
}

// Create opens a new challenge and arms its expiry timer. A named recipient
// is notified and the challenge lands in their inbox; a duplicate pending
// challenge to the same recipient is rejected with conflict.
func (s *Service) Create(ctx context.Context, req matchdto.CreateChallengeRequest) (matchdto.ChallengeView, error) {
	var zero matchdto.ChallengeView
	if req.Caller.UserID == "" {
		return zero, matchdto.PolicyViolation("missing requester identity")
	}
	if req.RecipientID == req.Caller.UserID && req.RecipientID != "" {
		return zero, matchdto.PolicyViolation("cannot challenge yourself")
	}
	kind := matchpool.Kind(req.PoolKind)
	if kind != matchpool.Casual && kind != matchpool.Rated {
		return zero, matchdto.PolicyViolation("unknown pool kind")
	}
	if kind == matchpool.Rated && req.Caller.Guest {
		return zero, matchdto.PolicyViolation("guests cannot play rated games")
	}
	token := "c-" + uuid.NewString()
	st := state{
		Token:       token,
		Requester:   matchdto.Profile{UserID: req.Caller.UserID, DisplayName: req.Caller.DisplayName},
		PoolKind:    req.PoolKind,
		TimeControl: req.TimeControl,
		ExpiresAt:   time.Now().Add(s.ttl),
	}
	if req.RecipientID != "" {
		st.Recipient = &matchdto.Profile{UserID: req.RecipientID}
	}
	view := st.view()

	if st.Recipient != nil {
		// Claim the inbox slot before the challenge exists: the inbox entity
		// serializes the duplicate check with the write, so of two racing
		// creates to the same recipient only one gets the slot.
		stored, err := s.inbox.RecordChallengeCreated(ctx, st.Recipient.UserID, view)
		if err != nil {
			return zero, matchdto.Unreachable("inbox record failed: " + err.Error())
		}
		if !stored {
			return zero, matchdto.Conflict("an open challenge to this player already exists")
		}
	}

	err := s.rt.Do(ctx, Kind, token, func(ctx context.Context, ec *entity.Ctx) error {
		var existing state
		if found, err := ec.LoadState(ctx, &existing); err != nil {
			return err
		} else if found {
			return matchdto.Conflict("challenge token already in use")
		}
		// Timer first: if the save below fails, the stray fire finds no
		// state and is a no-op. The reverse order could leave an immortal
		// challenge.
		if err := ec.RegisterTimer(ctx, timerExpire, st.ExpiresAt, 0); err != nil {
			return matchdto.Unreachable("register expiry: " + err.Error())
		}
		return ec.SaveState(ctx, &st)
	})
	if err != nil {
		if st.Recipient != nil {
			// Release the claimed slot so the pair can challenge again.
			if rerr := s.inbox.RecordChallengeRemoved(ctx, st.Recipient.UserID, token); rerr != nil {
				obslog.L().Warn("challenge_inbox_rollback_error", zap.String("token", token), zap.Error(rerr))
			}
		}
		return zero, err
	}

	if st.Recipient != nil {
		s.notifier.ChallengeReceived(ctx, st.Recipient.UserID, view)
	}
	obslog.L().Info("challenge_create",
		zap.String("token", token),
		zap.String("requester_id", st.Requester.UserID),
		zap.String("recipient_id", req.RecipientID),
		zap.String("pool_kind", st.PoolKind),
		zap.String("time_control", st.TimeControl),
	)
	return view, nil
}

// Get returns the challenge if the caller may see it. Absence and lack of
// visibility are deliberately the same not_found.
func (s *Service) Get(ctx context.Context, token string, caller matchdto.Caller) (matchdto.ChallengeView, error) {
	var view matchdto.ChallengeView
	err := s.rt.Do(ctx, Kind, token, func(ctx context.Context, ec *entity.Ctx) error {
		st, err := s.pending(ctx, ec)
		if err != nil {
			return err
		}
		if !st.visibleTo(caller.UserID) {
			return matchdto.NotFound("no such challenge")
		}
		view = st.view()
		return nil
	})
	return view, err
}

// Accept resolves the challenge into a game. Only the named recipient may
// accept a targeted challenge; rated challenges refuse guests.
func (s *Service) Accept(ctx context.Context, token string, caller matchdto.Caller) (string, error) {
	var gameToken string
	err := s.rt.Do(ctx, Kind, token, func(ctx context.Context, ec *entity.Ctx) error {
		st, err := s.pending(ctx, ec)
		if err != nil {
			return err
		}
		if st.Recipient != nil && caller.UserID != st.Recipient.UserID {
			return matchdto.NotFound("no such challenge")
		}
		if caller.UserID == st.Requester.UserID {
			return matchdto.PolicyViolation("cannot accept your own challenge")
		}
		if matchpool.Kind(st.PoolKind) == matchpool.Rated && caller.Guest {
			return matchdto.PolicyViolation("guests cannot play rated games")
		}

		acceptor := matchdto.Profile{UserID: caller.UserID, DisplayName: caller.DisplayName}
		pool := matchpool.PoolKey{Kind: matchpool.Kind(st.PoolKind), TimeControl: st.TimeControl}
		gameToken, err = s.starter.StartGame(ctx, st.Requester, acceptor, pool, "challenge:"+token)
		if err != nil {
			// Primary transition failed; the challenge stays pending.
			return matchdto.Unreachable("start game: " + err.Error())
		}

		if err := s.teardown(ctx, ec, st); err != nil {
			return err
		}
		s.notifier.ChallengeAccepted(ctx, token, acceptor, gameToken)
		obslog.L().Info("challenge_accept",
			zap.String("token", token),
			zap.String("by", caller.UserID),
			zap.String("game_token", gameToken),
		)
		return nil
	})
	return gameToken, err
}

// Cancel withdraws a pending challenge. Only the requester or the named
// recipient may cancel; anyone else sees not_found, indistinguishable from a
// challenge that never existed.
func (s *Service) Cancel(ctx context.Context, token string, caller matchdto.Caller) error {
	return s.rt.Do(ctx, Kind, token, func(ctx context.Context, ec *entity.Ctx) error {
		st, err := s.pending(ctx, ec)
		if err != nil {
			return err
		}
		allowed := caller.UserID == st.Requester.UserID ||
			(st.Recipient != nil && caller.UserID == st.Recipient.UserID)
		if !allowed {
			return matchdto.NotFound("no such challenge")
		}
		if err := s.teardown(ctx, ec, st); err != nil {
			return err
		}
		s.notifier.ChallengeCancelled(ctx, token, caller.UserID)
		obslog.L().Info("challenge_cancel", zap.String("token", token), zap.String("by", caller.UserID))
		return nil
	})
}

// handleTimer treats expiry as a system cancel: same teardown, same
// notification with an empty cancelledBy. Redelivered fires against an
// already-cleared challenge are no-ops.
func (s *Service) handleTimer(ctx context.Context, ec *entity.Ctx, name string) error {
	if name != timerExpire {
		return nil
	}
	var st state
	found, err := ec.LoadState(ctx, &st)
	if err != nil {
		return err
	}
	if !found {
		return nil // already resolved; at-least-once delivery
	}
	if err := s.teardown(ctx, ec, &st); err != nil {
		return err
	}
	s.notifier.ChallengeCancelled(ctx, ec.Key(), "")
	obslog.L().Info("challenge_expire", zap.String("token", ec.Key()))
	return nil
}

// pending loads the current state or reports not_found.
func (s *Service) pending(ctx context.Context, ec *entity.Ctx) (*state, error) {
	var st state
	found, err := ec.LoadState(ctx, &st)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, matchdto.NotFound("no such challenge")
	}
	return &st, nil
}

// teardown is the single terminal path: drop the timer, tombstone the state,
// clear the recipient's inbox entry. Safe to run twice.
func (s *Service) teardown(ctx context.Context, ec *entity.Ctx, st *state) error {
	if err := ec.CancelTimer(ctx, timerExpire); err != nil {
		obslog.L().Warn("challenge_timer_cancel_error", zap.String("token", st.Token), zap.Error(err))
	}
	if err := ec.ClearState(ctx); err != nil {
		return err
	}
	if st.Recipient != nil {
		if err := s.inbox.RecordChallengeRemoved(ctx, st.Recipient.UserID, st.Token); err != nil {
			obslog.L().Warn("challenge_inbox_remove_error", zap.String("token", st.Token), zap.Error(err))
		}
	}
	return nil
}

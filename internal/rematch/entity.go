package rematch

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/YishaiYosifov/chess2-sub006/internal/entity"
	"github.com/YishaiYosifov/chess2-sub006/internal/gamestart"
	"github.com/YishaiYosifov/chess2-sub006/internal/matchpool"
	"github.com/YishaiYosifov/chess2-sub006/internal/notify"
	"github.com/YishaiYosifov/chess2-sub006/internal/obslog"
	"github.com/YishaiYosifov/chess2-sub006/pkg/matchdto"
)

// Service negotiates rematches after a finished game. One entity per game
// token; the roster is derived once from the game record and cached in state.
type Service struct {
	rt       *entity.Runtime
	games    gamestart.Query
	starter  gamestart.Starter
	notifier notify.Notifier
	ttl      time.Duration
}

func NewService(rt *entity.Runtime, games gamestart.Query, starter gamestart.Starter, notifier notify.Notifier, ttl time.Duration) *Service {
	s := &Service{rt: rt, games: games, starter: starter, notifier: notifier, ttl: ttl}
	rt.HandleTimers(Kind, s.handleTimer)
	return s
}

// RequestConfirmation registers one of the caller's connections as willing to
// rematch. When both players have at least one confirming connection the
// rematch is accepted: a new game starts with the colors swapped and the
// returned token is non-empty. Otherwise the negotiation keeps waiting and
// the opponent is nudged.
func (s *Service) RequestConfirmation(ctx context.Context, req matchdto.RematchRequest) (string, error) {
	if req.Caller.UserID == "" {
		return "", matchdto.PolicyViolation("missing caller identity")
	}
	if req.ConnectionID == "" {
		return "", matchdto.PolicyViolation("missing connection id")
	}

	var newGameToken string
	err := s.rt.Do(ctx, Kind, req.GameToken, func(ctx context.Context, ec *entity.Ctx) error {
		st, err := s.loadOrInit(ctx, ec)
		if err != nil {
			return err
		}
		conns := st.colorConns(req.Caller.UserID)
		if conns == nil {
			return matchdto.NotFound("no such rematch")
		}
		conns[req.ConnectionID] = true

		if len(st.WhiteConns) > 0 && len(st.BlackConns) > 0 {
			// Both sides are confirming right now; swap colors and go.
			pool := matchpool.PoolKey{Kind: matchpool.Kind(st.PoolKind), TimeControl: st.TimeControl}
			token, err := s.starter.StartGameWithColors(ctx, st.Black, st.White, pool, "rematch:"+st.GameToken)
			if err != nil {
				// Nothing was saved; the negotiation is exactly as before.
				return matchdto.Unreachable("start game: " + err.Error())
			}
			newGameToken = token
			if err := s.teardown(ctx, ec); err != nil {
				return err
			}
			s.notifier.RematchAccepted(ctx, st.GameToken, token, st.userIDs())
			obslog.L().Info("rematch_accept",
				zap.String("game_token", st.GameToken),
				zap.String("new_game_token", token),
			)
			return nil
		}

		if err := ec.RegisterTimer(ctx, timerExpire, time.Now().Add(s.ttl), 0); err != nil {
			return matchdto.Unreachable("register expiry: " + err.Error())
		}
		if err := ec.SaveState(ctx, st); err != nil {
			return err
		}
		opponent := st.Black
		if req.Caller.UserID == st.Black.UserID {
			opponent = st.White
		}
		me := st.White
		if req.Caller.UserID == st.Black.UserID {
			me = st.Black
		}
		s.notifier.RematchRequested(ctx, opponent.UserID, st.GameToken, me)
		obslog.L().Info("rematch_request",
			zap.String("game_token", st.GameToken),
			zap.String("by", req.Caller.UserID),
		)
		return nil
	})
	return newGameToken, err
}

// RemoveConnection drops a confirming connection, e.g. on disconnect. A
// player whose last confirming connection goes away withdraws: the whole
// negotiation is cancelled. Removing from a negotiation that no longer exists
// is a no-op so disconnect cleanup can call this blindly.
func (s *Service) RemoveConnection(ctx context.Context, req matchdto.RematchRequest) error {
	if req.Caller.UserID == "" {
		return matchdto.PolicyViolation("missing caller identity")
	}
	return s.rt.Do(ctx, Kind, req.GameToken, func(ctx context.Context, ec *entity.Ctx) error {
		var st state
		found, err := ec.LoadState(ctx, &st)
		if err != nil {
			return err
		}
		if !found {
			return nil
		}
		conns := st.colorConns(req.Caller.UserID)
		if conns == nil {
			return matchdto.NotFound("no such rematch")
		}
		if !conns[req.ConnectionID] {
			return nil
		}
		delete(conns, req.ConnectionID)
		if len(conns) == 0 {
			return s.cancel(ctx, ec, &st, req.Caller.UserID)
		}
		return ec.SaveState(ctx, &st)
	})
}

// Cancel is an explicit withdrawal by either player.
func (s *Service) Cancel(ctx context.Context, gameToken string, caller matchdto.Caller) error {
	return s.rt.Do(ctx, Kind, gameToken, func(ctx context.Context, ec *entity.Ctx) error {
		var st state
		found, err := ec.LoadState(ctx, &st)
		if err != nil {
			return err
		}
		if !found {
			return matchdto.NotFound("no such rematch")
		}
		if !st.participant(caller.UserID) {
			return matchdto.NotFound("no such rematch")
		}
		return s.cancel(ctx, ec, &st, caller.UserID)
	})
}

// handleTimer treats expiry as a system cancellation. At-least-once delivery
// means a fire can land after the negotiation resolved; absent state is a
// no-op.
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
		return nil
	}
	return s.cancel(ctx, ec, &st, "")
}

// loadOrInit returns the cached negotiation state, deriving it from the
// finished game on first use.
func (s *Service) loadOrInit(ctx context.Context, ec *entity.Ctx) (*state, error) {
	var st state
	found, err := ec.LoadState(ctx, &st)
	if err != nil {
		return nil, err
	}
	if found {
		return &st, nil
	}
	roster, err := s.games.FinishedRoster(ctx, ec.Key())
	if err != nil {
		return nil, err
	}
	return &state{
		GameToken:   ec.Key(),
		White:       roster.White,
		Black:       roster.Black,
		PoolKind:    roster.PoolKind,
		TimeControl: roster.TimeControl,
		WhiteConns:  map[string]bool{},
		BlackConns:  map[string]bool{},
	}, nil
}

func (s *Service) cancel(ctx context.Context, ec *entity.Ctx, st *state, by string) error {
	if err := s.teardown(ctx, ec); err != nil {
		return err
	}
	s.notifier.RematchCancelled(ctx, st.GameToken, st.userIDs())
	obslog.L().Info("rematch_cancel", zap.String("game_token", st.GameToken), zap.String("by", by))
	return nil
}

// teardown drops the expiry timer and tombstones the state. Safe to run
// twice.
func (s *Service) teardown(ctx context.Context, ec *entity.Ctx) error {
	if err := ec.CancelTimer(ctx, timerExpire); err != nil {
		obslog.L().Warn("rematch_timer_cancel_error", zap.String("game_token", ec.Key()), zap.Error(err))
	}
	return ec.ClearState(ctx)
}

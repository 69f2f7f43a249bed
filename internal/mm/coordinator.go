// Package mm hosts the matchmaking coordinators: one entity per pool key,
// owning that pool's in-memory seeker collection and running the pairing
// wave on a durable periodic timer. Seekers are deliberately not persisted;
// after a restart clients simply seek again.
package mm

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/YishaiYosifov/chess2-sub006/internal/entity"
	"github.com/YishaiYosifov/chess2-sub006/internal/gamestart"
	"github.com/YishaiYosifov/chess2-sub006/internal/matchpool"
	"github.com/YishaiYosifov/chess2-sub006/internal/notify"
	"github.com/YishaiYosifov/chess2-sub006/internal/obslog"
	"github.com/YishaiYosifov/chess2-sub006/pkg/matchdto"
)

const (
	// Kind is the entity kind; the key is a pool key string such as
	// "rated:3+2".
	Kind = "mm"

	timerWave = "wave"

	// agingCredit is how many rating points of priority one missed wave is
	// worth when ranking candidate pairs.
	agingCredit = 50
)

// Options tunes a coordinator Service.
type Options struct {
	// WavePeriod is how often each pool runs its pairing wave.
	WavePeriod time.Duration
	// DefaultRatingRange substitutes for a seek that does not declare one.
	DefaultRatingRange float64
}

// Service routes seek traffic to per-pool coordinators. The pools map is
// only a directory; each pool's contents are touched exclusively from its
// own entity mailbox.
type Service struct {
	rt       *entity.Runtime
	starter  gamestart.Starter
	notifier notify.Notifier
	opts     Options

	mu    sync.Mutex
	pools map[string]matchpool.Pool
}

func NewService(rt *entity.Runtime, starter gamestart.Starter, notifier notify.Notifier, opts Options) *Service {
	if opts.WavePeriod <= 0 {
		opts.WavePeriod = 4 * time.Second
	}
	if opts.DefaultRatingRange <= 0 {
		opts.DefaultRatingRange = 300
	}
	s := &Service{
		rt:       rt,
		starter:  starter,
		notifier: notifier,
		opts:     opts,
		pools:    make(map[string]matchpool.Pool),
	}
	rt.HandleTimers(Kind, s.handleTimer)
	return s
}

// Seek enqueues the caller into the pool. A second seek by the same user in
// the same pool replaces the earlier entry. The first seeker arms the pool's
// periodic wave timer.
func (s *Service) Seek(ctx context.Context, req matchdto.SeekRequest) error {
	if req.Caller.UserID == "" {
		return matchdto.PolicyViolation("missing caller identity")
	}
	kind := matchpool.Kind(req.PoolKind)
	if kind != matchpool.Casual && kind != matchpool.Rated {
		return matchdto.PolicyViolation("unknown pool kind")
	}
	if kind == matchpool.Rated && req.Caller.Guest {
		return matchdto.PolicyViolation("guests cannot play rated games")
	}
	if req.TimeControl == "" {
		return matchdto.PolicyViolation("missing time control")
	}

	pk := matchpool.PoolKey{Kind: kind, TimeControl: req.TimeControl}
	seeker := &matchpool.Seeker{
		UserID:      req.Caller.UserID,
		DisplayName: req.Caller.DisplayName,
		Excluded:    make(map[string]bool, len(req.Excluded)),
		EnqueuedAt:  time.Now(),
		Rating:      req.Rating,
		Range:       req.RatingRange,
	}
	for _, id := range req.Excluded {
		seeker.Excluded[id] = true
	}
	if kind == matchpool.Rated && seeker.Range <= 0 {
		seeker.Range = s.opts.DefaultRatingRange
	}

	return s.rt.Do(ctx, Kind, pk.String(), func(ctx context.Context, ec *entity.Ctx) error {
		pool := s.pool(pk)
		if pool.Len() == 0 {
			due := time.Now().Add(s.opts.WavePeriod)
			if err := ec.RegisterTimer(ctx, timerWave, due, s.opts.WavePeriod); err != nil {
				return matchdto.Unreachable("register wave timer: " + err.Error())
			}
		}
		pool.Add(seeker)
		obslog.L().Info("mm_seek",
			zap.String("pool", pk.String()),
			zap.String("user_id", req.Caller.UserID),
			zap.Int("pool_size", pool.Len()),
		)
		return nil
	})
}

// CancelSeek withdraws the caller from the pool. Cancelling a seek that is
// not there (already matched, never made) is a no-op.
func (s *Service) CancelSeek(ctx context.Context, poolKey string, caller matchdto.Caller) error {
	pk, err := matchpool.ParsePoolKey(poolKey)
	if err != nil {
		return matchdto.PolicyViolation("bad pool key: " + err.Error())
	}
	return s.rt.Do(ctx, Kind, pk.String(), func(ctx context.Context, ec *entity.Ctx) error {
		pool := s.pool(pk)
		if pool.Remove(caller.UserID) {
			obslog.L().Info("mm_cancel_seek",
				zap.String("pool", pk.String()),
				zap.String("user_id", caller.UserID),
			)
		}
		return s.disarmIfEmpty(ctx, ec, pool, pk)
	})
}

// handleTimer runs one pairing wave. Pairs start games; a start failure puts
// both seekers back so the next wave retries them.
func (s *Service) handleTimer(ctx context.Context, ec *entity.Ctx, name string) error {
	if name != timerWave {
		return nil
	}
	pk, err := matchpool.ParsePoolKey(ec.Key())
	if err != nil {
		// Stale timer from a key format we no longer produce.
		return ec.CancelTimer(ctx, timerWave)
	}
	pool := s.pool(pk)
	pairs := pool.Wave()
	for _, pair := range pairs {
		s.startPair(ctx, pk, pool, pair)
	}
	if len(pairs) > 0 {
		obslog.L().Info("mm_wave",
			zap.String("pool", pk.String()),
			zap.Int("pairs", len(pairs)),
			zap.Int("remaining", pool.Len()),
		)
	}
	return s.disarmIfEmpty(ctx, ec, pool, pk)
}

func (s *Service) startPair(ctx context.Context, pk matchpool.PoolKey, pool matchpool.Pool, pair matchpool.Pair) {
	a := matchdto.Profile{UserID: pair.A.UserID, DisplayName: pair.A.DisplayName}
	b := matchdto.Profile{UserID: pair.B.UserID, DisplayName: pair.B.DisplayName}
	gameToken, err := s.starter.StartGame(ctx, a, b, pk, "seek:"+pk.String())
	if err != nil {
		obslog.L().Warn("mm_start_game_error",
			zap.String("pool", pk.String()),
			zap.String("a", a.UserID),
			zap.String("b", b.UserID),
			zap.Error(err),
		)
		pool.Add(pair.A)
		pool.Add(pair.B)
		s.notifier.MatchFailed(ctx, a.UserID)
		s.notifier.MatchFailed(ctx, b.UserID)
		return
	}
	s.notifier.MatchFound(ctx, a.UserID, b, gameToken)
	s.notifier.MatchFound(ctx, b.UserID, a, gameToken)
}

// disarmIfEmpty drops the wave timer and the pool's directory entry once
// nobody is waiting; the next Seek recreates both. Pruning here keeps the
// directory from accumulating an entry per time control a client ever sent.
func (s *Service) disarmIfEmpty(ctx context.Context, ec *entity.Ctx, pool matchpool.Pool, pk matchpool.PoolKey) error {
	if pool.Len() > 0 {
		return nil
	}
	if err := ec.CancelTimer(ctx, timerWave); err != nil {
		obslog.L().Warn("mm_timer_cancel_error", zap.String("pool", pk.String()), zap.Error(err))
	}
	s.mu.Lock()
	delete(s.pools, pk.String())
	s.mu.Unlock()
	return nil
}

// pool returns the pool for the key, creating it on first use. Contents are
// only ever touched from the key's own mailbox; the lock covers just the
// directory.
func (s *Service) pool(pk matchpool.PoolKey) matchpool.Pool {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := pk.String()
	p, ok := s.pools[key]
	if !ok {
		p = matchpool.NewPool(pk.Kind, agingCredit)
		s.pools[key] = p
	}
	return p
}

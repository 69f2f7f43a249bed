package rematch

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/YishaiYosifov/chess2-sub006/internal/entity"
	"github.com/YishaiYosifov/chess2-sub006/internal/gamestart"
	"github.com/YishaiYosifov/chess2-sub006/internal/matchpool"
	"github.com/YishaiYosifov/chess2-sub006/internal/notify"
	"github.com/YishaiYosifov/chess2-sub006/pkg/matchdto"
)

var (
	whitePlayer = matchdto.Profile{UserID: "alice", DisplayName: "Alice"}
	blackPlayer = matchdto.Profile{UserID: "bob", DisplayName: "Bob"}
)

type harness struct {
	svc      *Service
	games    *gamestart.Manager
	recorder *notify.Recorder
	rt       *entity.Runtime
}

func newHarness(t *testing.T, ttl time.Duration) (*harness, func()) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	rt := entity.New(rdb, entity.Options{PollInterval: 10 * time.Millisecond})
	games := gamestart.NewManager(rdb)
	rec := notify.NewRecorder()
	svc := NewService(rt, games, games, rec, ttl)
	rt.Start()
	cleanup := func() {
		rt.Stop()
		_ = rdb.Close()
		mr.Close()
	}
	return &harness{svc: svc, games: games, recorder: rec, rt: rt}, cleanup
}

// finishedGame starts alice-as-white vs bob-as-black and marks it over.
func finishedGame(t *testing.T, h *harness) string {
	t.Helper()
	ctx := context.Background()
	pool := matchpool.PoolKey{Kind: matchpool.Casual, TimeControl: "3+2"}
	token, err := h.games.StartGameWithColors(ctx, whitePlayer, blackPlayer, pool, "seek:casual:3+2")
	if err != nil {
		t.Fatalf("StartGameWithColors: %v", err)
	}
	if _, err := h.games.FinishGame(ctx, token, "white"); err != nil {
		t.Fatalf("FinishGame: %v", err)
	}
	return token
}

func confirm(userID, game, conn string) matchdto.RematchRequest {
	return matchdto.RematchRequest{
		Caller:       matchdto.Caller{UserID: userID},
		GameToken:    game,
		ConnectionID: conn,
	}
}

func TestBothConfirmStartsInvertedGame(t *testing.T) {
	h, cleanup := newHarness(t, time.Minute)
	defer cleanup()
	ctx := context.Background()
	game := finishedGame(t, h)

	token, err := h.svc.RequestConfirmation(ctx, confirm("alice", game, "conn-a1"))
	if err != nil {
		t.Fatalf("white confirm: %v", err)
	}
	if token != "" {
		t.Fatalf("one-sided confirmation must not start a game")
	}
	if h.recorder.CountType(notify.EvRematchRequested) != 1 {
		t.Fatalf("opponent was not nudged")
	}

	token, err = h.svc.RequestConfirmation(ctx, confirm("bob", game, "conn-b1"))
	if err != nil {
		t.Fatalf("black confirm: %v", err)
	}
	if token == "" {
		t.Fatalf("both sides confirmed, expected a new game")
	}
	g, err := h.games.LoadGame(ctx, token)
	if err != nil || g == nil {
		t.Fatalf("LoadGame: %v", err)
	}
	if g.WhiteID != "bob" || g.BlackID != "alice" {
		t.Fatalf("colors not inverted: white=%s black=%s", g.WhiteID, g.BlackID)
	}
	if h.recorder.CountType(notify.EvRematchAccepted) != 2 {
		t.Fatalf("both players should hear of the accept")
	}
}

// A withdrawn confirmation must never count toward acceptance later: the
// negotiation it belonged to is gone.
func TestDisconnectBeforeOpponentConfirms(t *testing.T) {
	h, cleanup := newHarness(t, time.Minute)
	defer cleanup()
	ctx := context.Background()
	game := finishedGame(t, h)

	if _, err := h.svc.RequestConfirmation(ctx, confirm("alice", game, "conn-a1")); err != nil {
		t.Fatalf("white confirm: %v", err)
	}
	if err := h.svc.RemoveConnection(ctx, confirm("alice", game, "conn-a1")); err != nil {
		t.Fatalf("RemoveConnection: %v", err)
	}
	if h.recorder.CountType(notify.EvRematchCancelled) != 2 {
		t.Fatalf("withdrawal should cancel for both players")
	}

	// The opponent confirming now opens a fresh negotiation; it must not
	// complete against the withdrawn confirmation.
	token, err := h.svc.RequestConfirmation(ctx, confirm("bob", game, "conn-b1"))
	if err != nil {
		t.Fatalf("black confirm after cancel: %v", err)
	}
	if token != "" {
		t.Fatalf("stale confirmation leaked into a new negotiation")
	}
}

func TestSecondConnectionKeepsConfirmationAlive(t *testing.T) {
	h, cleanup := newHarness(t, time.Minute)
	defer cleanup()
	ctx := context.Background()
	game := finishedGame(t, h)

	if _, err := h.svc.RequestConfirmation(ctx, confirm("alice", game, "conn-a1")); err != nil {
		t.Fatalf("confirm a1: %v", err)
	}
	if _, err := h.svc.RequestConfirmation(ctx, confirm("alice", game, "conn-a2")); err != nil {
		t.Fatalf("confirm a2: %v", err)
	}
	if err := h.svc.RemoveConnection(ctx, confirm("alice", game, "conn-a1")); err != nil {
		t.Fatalf("RemoveConnection: %v", err)
	}
	if h.recorder.CountType(notify.EvRematchCancelled) != 0 {
		t.Fatalf("a remaining connection must keep the negotiation alive")
	}

	token, err := h.svc.RequestConfirmation(ctx, confirm("bob", game, "conn-b1"))
	if err != nil || token == "" {
		t.Fatalf("accept with surviving connection: token=%q err=%v", token, err)
	}
}

func TestRemoveConnectionOnMissingNegotiation(t *testing.T) {
	h, cleanup := newHarness(t, time.Minute)
	defer cleanup()
	ctx := context.Background()
	game := finishedGame(t, h)

	// Disconnect cleanup fires for every connection, confirmed or not.
	if err := h.svc.RemoveConnection(ctx, confirm("alice", game, "conn-a1")); err != nil {
		t.Fatalf("remove on missing negotiation: %v", err)
	}
	if h.recorder.CountType(notify.EvRematchCancelled) != 0 {
		t.Fatalf("no-op removal must not notify")
	}
}

func TestRematchGuards(t *testing.T) {
	h, cleanup := newHarness(t, time.Minute)
	defer cleanup()
	ctx := context.Background()

	if _, err := h.svc.RequestConfirmation(ctx, confirm("alice", "g-missing", "c1")); matchdto.CodeOf(err) != matchdto.CodeNotFound {
		t.Fatalf("unknown game: want not_found, got %v", err)
	}

	pool := matchpool.PoolKey{Kind: matchpool.Casual, TimeControl: "3+2"}
	running, err := h.games.StartGameWithColors(ctx, whitePlayer, blackPlayer, pool, "seek:casual:3+2")
	if err != nil {
		t.Fatalf("StartGameWithColors: %v", err)
	}
	if _, err := h.svc.RequestConfirmation(ctx, confirm("alice", running, "c1")); matchdto.CodeOf(err) != matchdto.CodeInvalidState {
		t.Fatalf("unfinished game: want invalid_state, got %v", err)
	}

	game := finishedGame(t, h)
	if _, err := h.svc.RequestConfirmation(ctx, confirm("carol", game, "c1")); matchdto.CodeOf(err) != matchdto.CodeNotFound {
		t.Fatalf("non-participant: want not_found, got %v", err)
	}
}

func TestExplicitCancel(t *testing.T) {
	h, cleanup := newHarness(t, time.Minute)
	defer cleanup()
	ctx := context.Background()
	game := finishedGame(t, h)

	if _, err := h.svc.RequestConfirmation(ctx, confirm("alice", game, "c1")); err != nil {
		t.Fatalf("confirm: %v", err)
	}
	if err := h.svc.Cancel(ctx, game, matchdto.Caller{UserID: "bob"}); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if h.recorder.CountType(notify.EvRematchCancelled) != 2 {
		t.Fatalf("cancel should notify both players")
	}
	if err := h.svc.Cancel(ctx, game, matchdto.Caller{UserID: "bob"}); matchdto.CodeOf(err) != matchdto.CodeNotFound {
		t.Fatalf("second cancel: want not_found, got %v", err)
	}
}

func TestExpiryCancelsNegotiation(t *testing.T) {
	h, cleanup := newHarness(t, 30*time.Millisecond)
	defer cleanup()
	ctx := context.Background()
	game := finishedGame(t, h)

	if _, err := h.svc.RequestConfirmation(ctx, confirm("alice", game, "c1")); err != nil {
		t.Fatalf("confirm: %v", err)
	}
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if h.recorder.CountType(notify.EvRematchCancelled) >= 2 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if got := h.recorder.CountType(notify.EvRematchCancelled); got != 2 {
		t.Fatalf("expiry should cancel for both players, got %d notifications", got)
	}
}

// A duplicate expiry fire after acceptance must not cancel anything.
func TestRedeliveredExpiryAfterAccept(t *testing.T) {
	h, cleanup := newHarness(t, time.Minute)
	defer cleanup()
	ctx := context.Background()
	game := finishedGame(t, h)

	if _, err := h.svc.RequestConfirmation(ctx, confirm("alice", game, "c1")); err != nil {
		t.Fatalf("white confirm: %v", err)
	}
	if _, err := h.svc.RequestConfirmation(ctx, confirm("bob", game, "c2")); err != nil {
		t.Fatalf("black confirm: %v", err)
	}

	err := h.rt.Do(ctx, Kind, game, func(ctx context.Context, ec *entity.Ctx) error {
		return h.svc.handleTimer(ctx, ec, timerExpire)
	})
	if err != nil {
		t.Fatalf("redelivered timer errored: %v", err)
	}
	if h.recorder.CountType(notify.EvRematchCancelled) != 0 {
		t.Fatalf("redelivered expiry cancelled a resolved negotiation")
	}
}

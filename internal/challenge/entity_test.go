package challenge

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/YishaiYosifov/chess2-sub006/internal/entity"
	"github.com/YishaiYosifov/chess2-sub006/internal/gamestart"
	"github.com/YishaiYosifov/chess2-sub006/internal/inbox"
	"github.com/YishaiYosifov/chess2-sub006/internal/matchpool"
	"github.com/YishaiYosifov/chess2-sub006/internal/notify"
	"github.com/YishaiYosifov/chess2-sub006/pkg/matchdto"
)

type harness struct {
	svc      *Service
	inbox    *inbox.Service
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
	ib := inbox.NewService(rt)
	games := gamestart.NewManager(rdb)
	rec := notify.NewRecorder()
	svc := NewService(rt, ib, games, rec, ttl)
	rt.Start()
	cleanup := func() {
		rt.Stop()
		_ = rdb.Close()
		mr.Close()
	}
	return &harness{svc: svc, inbox: ib, games: games, recorder: rec, rt: rt}, cleanup
}

var (
	alice = matchdto.Caller{UserID: "alice", DisplayName: "Alice"}
	bob   = matchdto.Caller{UserID: "bob", DisplayName: "Bob"}
	carol = matchdto.Caller{UserID: "carol", DisplayName: "Carol"}
	guest = matchdto.Caller{UserID: "guest-1", DisplayName: "Guest", Guest: true}
)

func targeted(caller matchdto.Caller, recipient, poolKind string) matchdto.CreateChallengeRequest {
	return matchdto.CreateChallengeRequest{
		Caller:      caller,
		RecipientID: recipient,
		PoolKind:    poolKind,
		TimeControl: "3+2",
	}
}

func TestCreateAcceptStartsGame(t *testing.T) {
	h, cleanup := newHarness(t, time.Minute)
	defer cleanup()
	ctx := context.Background()

	view, err := h.svc.Create(ctx, targeted(alice, "bob", "rated"))
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	gameToken, err := h.svc.Accept(ctx, view.Token, bob)
	if err != nil {
		t.Fatalf("Accept: %v", err)
	}
	if gameToken == "" {
		t.Fatalf("expected game token")
	}
	g, err := h.games.LoadGame(ctx, gameToken)
	if err != nil || g == nil {
		t.Fatalf("LoadGame: %v", err)
	}
	ids := map[string]bool{g.WhiteID: true, g.BlackID: true}
	if !ids["alice"] || !ids["bob"] {
		t.Fatalf("unexpected participants: %s vs %s", g.WhiteID, g.BlackID)
	}
	if h.recorder.CountType(notify.EvChallengeAccepted) != 1 {
		t.Fatalf("expected one accepted notification")
	}
}

func TestExactlyOneTerminalTransition(t *testing.T) {
	h, cleanup := newHarness(t, time.Minute)
	defer cleanup()
	ctx := context.Background()

	view, err := h.svc.Create(ctx, targeted(alice, "bob", "casual"))
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := h.svc.Accept(ctx, view.Token, bob); err != nil {
		t.Fatalf("Accept: %v", err)
	}

	// Every further terminal attempt sees not_found, never corruption.
	if _, err := h.svc.Accept(ctx, view.Token, bob); matchdto.CodeOf(err) != matchdto.CodeNotFound {
		t.Fatalf("second accept: want not_found, got %v", err)
	}
	if err := h.svc.Cancel(ctx, view.Token, alice); matchdto.CodeOf(err) != matchdto.CodeNotFound {
		t.Fatalf("cancel after accept: want not_found, got %v", err)
	}
}

func TestCancelByStrangerLooksLikeMissing(t *testing.T) {
	h, cleanup := newHarness(t, time.Minute)
	defer cleanup()
	ctx := context.Background()

	view, err := h.svc.Create(ctx, targeted(alice, "bob", "casual"))
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := h.svc.Cancel(ctx, view.Token, carol); matchdto.CodeOf(err) != matchdto.CodeNotFound {
		t.Fatalf("stranger cancel: want not_found, got %v", err)
	}
	// Still pending for the parties involved.
	if _, err := h.svc.Get(ctx, view.Token, alice); err != nil {
		t.Fatalf("Get after stranger cancel: %v", err)
	}
}

func TestTargetedChallengeVisibility(t *testing.T) {
	h, cleanup := newHarness(t, time.Minute)
	defer cleanup()
	ctx := context.Background()

	view, err := h.svc.Create(ctx, targeted(alice, "bob", "casual"))
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := h.svc.Get(ctx, view.Token, alice); err != nil {
		t.Fatalf("requester Get: %v", err)
	}
	if _, err := h.svc.Get(ctx, view.Token, bob); err != nil {
		t.Fatalf("recipient Get: %v", err)
	}
	if _, err := h.svc.Get(ctx, view.Token, carol); matchdto.CodeOf(err) != matchdto.CodeNotFound {
		t.Fatalf("third party Get: want not_found, got %v", err)
	}
}

func TestOpenChallengeVisibleAndAcceptableByAnyone(t *testing.T) {
	h, cleanup := newHarness(t, time.Minute)
	defer cleanup()
	ctx := context.Background()

	view, err := h.svc.Create(ctx, targeted(alice, "", "casual"))
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := h.svc.Get(ctx, view.Token, carol); err != nil {
		t.Fatalf("open challenge Get: %v", err)
	}
	if _, err := h.svc.Accept(ctx, view.Token, carol); err != nil {
		t.Fatalf("open challenge Accept: %v", err)
	}
}

func TestAcceptByWrongRecipient(t *testing.T) {
	h, cleanup := newHarness(t, time.Minute)
	defer cleanup()
	ctx := context.Background()

	view, err := h.svc.Create(ctx, targeted(alice, "bob", "casual"))
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := h.svc.Accept(ctx, view.Token, carol); matchdto.CodeOf(err) != matchdto.CodeNotFound {
		t.Fatalf("wrong recipient accept: want not_found, got %v", err)
	}
}

func TestGuestCannotAcceptRated(t *testing.T) {
	h, cleanup := newHarness(t, time.Minute)
	defer cleanup()
	ctx := context.Background()

	view, err := h.svc.Create(ctx, targeted(alice, "", "rated"))
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := h.svc.Accept(ctx, view.Token, guest); matchdto.CodeOf(err) != matchdto.CodePolicyViolation {
		t.Fatalf("guest accept rated: want policy_violation, got %v", err)
	}
	// Guests may still play casual.
	view2, err := h.svc.Create(ctx, targeted(bob, "", "casual"))
	if err != nil {
		t.Fatalf("Create casual: %v", err)
	}
	if _, err := h.svc.Accept(ctx, view2.Token, guest); err != nil {
		t.Fatalf("guest accept casual: %v", err)
	}
}

func TestSelfChallengeRejected(t *testing.T) {
	h, cleanup := newHarness(t, time.Minute)
	defer cleanup()
	ctx := context.Background()

	if _, err := h.svc.Create(ctx, targeted(alice, "alice", "casual")); matchdto.CodeOf(err) != matchdto.CodePolicyViolation {
		t.Fatalf("self challenge: want policy_violation, got %v", err)
	}
	// Accepting your own open challenge is equally off the table.
	view, err := h.svc.Create(ctx, targeted(alice, "", "casual"))
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := h.svc.Accept(ctx, view.Token, alice); matchdto.CodeOf(err) != matchdto.CodePolicyViolation {
		t.Fatalf("self accept: want policy_violation, got %v", err)
	}
}

func TestDuplicateChallengeToSameRecipient(t *testing.T) {
	h, cleanup := newHarness(t, time.Minute)
	defer cleanup()
	ctx := context.Background()

	if _, err := h.svc.Create(ctx, targeted(alice, "bob", "casual")); err != nil {
		t.Fatalf("first Create: %v", err)
	}
	if _, err := h.svc.Create(ctx, targeted(alice, "bob", "casual")); matchdto.CodeOf(err) != matchdto.CodeConflict {
		t.Fatalf("duplicate Create: want conflict, got %v", err)
	}
}

// Racing creates to the same recipient contend on the recipient's inbox
// entity, so exactly one wins the slot and the inbox never holds both.
func TestConcurrentCreatesToSameRecipient(t *testing.T) {
	h, cleanup := newHarness(t, time.Minute)
	defer cleanup()
	ctx := context.Background()

	const racers = 2
	errs := make([]error, racers)
	var wg sync.WaitGroup
	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = h.svc.Create(ctx, targeted(alice, "bob", "casual"))
		}(i)
	}
	wg.Wait()

	var created int
	for i, err := range errs {
		switch {
		case err == nil:
			created++
		case matchdto.CodeOf(err) == matchdto.CodeConflict:
		default:
			t.Fatalf("create %d: unexpected error %v", i, err)
		}
	}
	if created != 1 {
		t.Fatalf("%d creates succeeded, want 1", created)
	}
	incoming, err := h.inbox.GetIncoming(ctx, "bob")
	if err != nil || len(incoming) != 1 {
		t.Fatalf("inbox after race: %v %v", incoming, err)
	}
}

func TestInboxFollowsLifecycle(t *testing.T) {
	h, cleanup := newHarness(t, time.Minute)
	defer cleanup()
	ctx := context.Background()

	view, err := h.svc.Create(ctx, targeted(alice, "bob", "casual"))
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	incoming, err := h.inbox.GetIncoming(ctx, "bob")
	if err != nil || len(incoming) != 1 || incoming[0].Token != view.Token {
		t.Fatalf("inbox after create: %v %v", incoming, err)
	}
	if err := h.svc.Cancel(ctx, view.Token, alice); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	incoming, err = h.inbox.GetIncoming(ctx, "bob")
	if err != nil || len(incoming) != 0 {
		t.Fatalf("inbox after cancel: %v %v", incoming, err)
	}
}

func TestExpiryTearsDownAndNotifies(t *testing.T) {
	h, cleanup := newHarness(t, 30*time.Millisecond)
	defer cleanup()
	ctx := context.Background()

	view, err := h.svc.Create(ctx, targeted(alice, "bob", "casual"))
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if h.recorder.CountType(notify.EvChallengeCancelled) >= 1 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	events := h.recorder.Events()
	var found bool
	for _, ev := range events {
		if ev.Type == notify.EvChallengeCancelled && ev.Token == view.Token {
			found = true
			if ev.Data["cancelled_by"] != "" {
				t.Fatalf("expiry must report empty cancelled_by, got %v", ev.Data["cancelled_by"])
			}
		}
	}
	if !found {
		t.Fatalf("no cancellation notification after expiry")
	}
	if _, err := h.svc.Get(ctx, view.Token, alice); matchdto.CodeOf(err) != matchdto.CodeNotFound {
		t.Fatalf("Get after expiry: want not_found, got %v", err)
	}
}

// Timer delivery is at-least-once: a duplicate expiry fire after the
// challenge was accepted must change nothing and emit nothing.
func TestRedeliveredExpiryIsNoOp(t *testing.T) {
	h, cleanup := newHarness(t, time.Minute)
	defer cleanup()
	ctx := context.Background()

	view, err := h.svc.Create(ctx, targeted(alice, "bob", "casual"))
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := h.svc.Accept(ctx, view.Token, bob); err != nil {
		t.Fatalf("Accept: %v", err)
	}
	before := len(h.recorder.Events())

	err = h.rt.Do(ctx, Kind, view.Token, func(ctx context.Context, ec *entity.Ctx) error {
		return h.svc.handleTimer(ctx, ec, timerExpire)
	})
	if err != nil {
		t.Fatalf("redelivered timer errored: %v", err)
	}
	if after := len(h.recorder.Events()); after != before {
		t.Fatalf("redelivered timer produced %d extra notifications", after-before)
	}
}

type failingStarter struct{}

func (failingStarter) StartGame(context.Context, matchdto.Profile, matchdto.Profile, matchpool.PoolKey, string) (string, error) {
	return "", errors.New("downstream unavailable")
}
func (failingStarter) StartGameWithColors(context.Context, matchdto.Profile, matchdto.Profile, matchpool.PoolKey, string) (string, error) {
	return "", errors.New("downstream unavailable")
}

// A failed game start must leave the challenge pending so the caller can
// retry.
func TestAcceptFailureKeepsChallenge(t *testing.T) {
	h, cleanup := newHarness(t, time.Minute)
	defer cleanup()
	ctx := context.Background()
	h.svc.starter = failingStarter{}

	view, err := h.svc.Create(ctx, targeted(alice, "bob", "casual"))
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := h.svc.Accept(ctx, view.Token, bob); matchdto.CodeOf(err) != matchdto.CodeUnreachable {
		t.Fatalf("accept with dead starter: want unreachable, got %v", err)
	}
	if _, err := h.svc.Get(ctx, view.Token, bob); err != nil {
		t.Fatalf("challenge should survive failed accept: %v", err)
	}
}

package quest

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/YishaiYosifov/chess2-sub006/internal/entity"
	"github.com/YishaiYosifov/chess2-sub006/internal/notify"
	"github.com/YishaiYosifov/chess2-sub006/pkg/matchdto"
)

func newTestService(t *testing.T) (*Service, *notify.Recorder, func()) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	rt := entity.New(rdb, entity.Options{PollInterval: time.Hour})
	rec := notify.NewRecorder()
	svc := NewService(rt, rec)
	rt.Start()
	cleanup := func() {
		rt.Stop()
		_ = rdb.Close()
		mr.Close()
	}
	return svc, rec, cleanup
}

func TestWinQuestCompletesOnce(t *testing.T) {
	svc, rec, cleanup := newTestService(t)
	defer cleanup()
	ctx := context.Background()
	alice := matchdto.Caller{UserID: "alice"}

	for i := 0; i < 3; i++ {
		if err := svc.RecordGameOutcome(ctx, alice, OutcomeWin); err != nil {
			t.Fatalf("outcome %d: %v", i, err)
		}
	}
	var winQuests int
	for _, ev := range rec.Events() {
		if ev.Type == notify.EvQuestCompleted && ev.Data["quest"] == "win_3_games" {
			winQuests++
		}
	}
	if winQuests != 1 {
		t.Fatalf("win_3_games completed %d times", winQuests)
	}

	// Further wins never re-award it.
	if err := svc.RecordGameOutcome(ctx, alice, OutcomeWin); err != nil {
		t.Fatalf("extra win: %v", err)
	}
	winQuests = 0
	for _, ev := range rec.Events() {
		if ev.Type == notify.EvQuestCompleted && ev.Data["quest"] == "win_3_games" {
			winQuests++
		}
	}
	if winQuests != 1 {
		t.Fatalf("win_3_games re-awarded, %d completions", winQuests)
	}
}

func TestLossesAdvancePlayButNotWin(t *testing.T) {
	svc, _, cleanup := newTestService(t)
	defer cleanup()
	ctx := context.Background()
	bob := matchdto.Caller{UserID: "bob"}

	for i := 0; i < 5; i++ {
		if err := svc.RecordGameOutcome(ctx, bob, OutcomeLoss); err != nil {
			t.Fatalf("outcome %d: %v", i, err)
		}
	}
	progress, err := svc.GetProgress(ctx, bob)
	if err != nil {
		t.Fatalf("GetProgress: %v", err)
	}
	by := map[string]Progress{}
	for _, p := range progress {
		by[p.Name] = p
	}
	if !by["play_5_games"].Completed {
		t.Fatalf("play_5_games should be complete: %+v", by["play_5_games"])
	}
	if by["win_3_games"].Current != 0 {
		t.Fatalf("losses advanced win quest: %+v", by["win_3_games"])
	}
}

func TestGuestOutcomesIgnored(t *testing.T) {
	svc, rec, cleanup := newTestService(t)
	defer cleanup()
	ctx := context.Background()
	guest := matchdto.Caller{UserID: "guest-1", Guest: true}

	for i := 0; i < 5; i++ {
		if err := svc.RecordGameOutcome(ctx, guest, OutcomeWin); err != nil {
			t.Fatalf("outcome %d: %v", i, err)
		}
	}
	if len(rec.Events()) != 0 {
		t.Fatalf("guest progress should not exist: %v", rec.Events())
	}
}

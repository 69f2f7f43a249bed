package gamestart

import (
	"context"
	"sync"
	"testing"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/YishaiYosifov/chess2-sub006/internal/matchpool"
	"github.com/YishaiYosifov/chess2-sub006/pkg/matchdto"
)

func newTestManager(t *testing.T) (*Manager, func()) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	cleanup := func() {
		_ = rdb.Close()
		mr.Close()
	}
	return NewManager(rdb), cleanup
}

func startTestGame(t *testing.T, m *Manager) string {
	t.Helper()
	pool := matchpool.PoolKey{Kind: matchpool.Casual, TimeControl: "3+2"}
	white := matchdto.Profile{UserID: "alice", DisplayName: "Alice"}
	black := matchdto.Profile{UserID: "bob", DisplayName: "Bob"}
	token, err := m.StartGameWithColors(context.Background(), white, black, pool, "seek:casual:3+2")
	if err != nil {
		t.Fatalf("StartGameWithColors: %v", err)
	}
	return token
}

func TestFinishGameTransitions(t *testing.T) {
	m, cleanup := newTestManager(t)
	defer cleanup()
	ctx := context.Background()
	token := startTestGame(t, m)

	transitioned, err := m.FinishGame(ctx, token, "white")
	if err != nil || !transitioned {
		t.Fatalf("first finish: transitioned=%v err=%v", transitioned, err)
	}
	// Same result again: acknowledged, no transition.
	transitioned, err = m.FinishGame(ctx, token, "white")
	if err != nil || transitioned {
		t.Fatalf("repeat finish: transitioned=%v err=%v", transitioned, err)
	}
	// Conflicting result is rejected.
	if _, err := m.FinishGame(ctx, token, "black"); matchdto.CodeOf(err) != matchdto.CodeInvalidState {
		t.Fatalf("conflicting finish: want invalid_state, got %v", err)
	}
	if _, err := m.FinishGame(ctx, "g-missing", "white"); matchdto.CodeOf(err) != matchdto.CodeNotFound {
		t.Fatalf("unknown game: want not_found, got %v", err)
	}
}

// Two racing finishes with conflicting results must never both commit: the
// game ends with exactly one terminal result.
func TestConcurrentConflictingFinishes(t *testing.T) {
	m, cleanup := newTestManager(t)
	defer cleanup()
	ctx := context.Background()

	for i := 0; i < 20; i++ {
		token := startTestGame(t, m)

		results := []string{"white", "black"}
		wins := make([]bool, 2)
		errs := make([]error, 2)
		var wg sync.WaitGroup
		for j := range results {
			wg.Add(1)
			go func(j int) {
				defer wg.Done()
				wins[j], errs[j] = m.FinishGame(ctx, token, results[j])
			}(j)
		}
		wg.Wait()

		var committed int
		for j := range results {
			if wins[j] {
				committed++
				continue
			}
			if code := matchdto.CodeOf(errs[j]); code != matchdto.CodeInvalidState && code != matchdto.CodeConflict {
				t.Fatalf("iteration %d: loser saw %v (transitioned=%v)", i, errs[j], wins[j])
			}
		}
		if committed != 1 {
			t.Fatalf("iteration %d: %d finishes committed", i, committed)
		}

		g, err := m.LoadGame(ctx, token)
		if err != nil || g == nil {
			t.Fatalf("LoadGame: %v", err)
		}
		winner := results[0]
		if wins[1] {
			winner = results[1]
		}
		if g.Status != StatusFinished || g.Result != winner {
			t.Fatalf("iteration %d: stored status=%s result=%q, committed %q", i, g.Status, g.Result, winner)
		}
	}
}

package gamestart

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	nchess "github.com/corentings/chess/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/YishaiYosifov/chess2-sub006/internal/matchpool"
	"github.com/YishaiYosifov/chess2-sub006/internal/obslog"
	"github.com/YishaiYosifov/chess2-sub006/pkg/matchdto"
)

// Status of a game record.
type Status string

const (
	StatusActive   Status = "ACTIVE"
	StatusFinished Status = "FINISHED"
)

// Game is the persisted record created when a pairing is accepted. Play
// itself happens elsewhere; this subsystem only creates and finishes records.
type Game struct {
	Token       string    `json:"token"`
	WhiteID     string    `json:"white_id"`
	WhiteName   string    `json:"white_name"`
	BlackID     string    `json:"black_id"`
	BlackName   string    `json:"black_name"`
	PoolKind    string    `json:"pool_kind"`
	TimeControl string    `json:"time_control"`
	Source      string    `json:"source"` // challenge:<token> | seek:<poolkey> | rematch:<token>
	InitialFEN  string    `json:"initial_fen"`
	Status      Status    `json:"status"`
	Result      string    `json:"result,omitempty"` // white | black | draw
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Roster is what the rematch entity needs from a finished game.
type Roster struct {
	White       matchdto.Profile
	Black       matchdto.Profile
	PoolKind    string
	TimeControl string
}

// Starter is the boundary the negotiation entities consume to begin a game.
type Starter interface {
	// StartGame assigns colors randomly.
	StartGame(ctx context.Context, a, b matchdto.Profile, pool matchpool.PoolKey, source string) (string, error)
	// StartGameWithColors starts with the given assignment (rematches invert
	// the previous colors).
	StartGameWithColors(ctx context.Context, white, black matchdto.Profile, pool matchpool.PoolKey, source string) (string, error)
}

// Query resolves finished games for rematch negotiation.
type Query interface {
	// FinishedRoster returns not_found when the game is unknown and
	// invalid_state while it is still running.
	FinishedRoster(ctx context.Context, gameToken string) (*Roster, error)
}

// Manager creates and finishes game records in redis, optionally mirroring
// finished matches into a SQL history repository.
type Manager struct {
	rdb  *redis.Client
	repo *Repository
}

func NewManager(rdb *redis.Client) *Manager { return &Manager{rdb: rdb} }

// AttachRepository wires a database repository for match history. Optional;
// history writes are best-effort.
func (m *Manager) AttachRepository(r *Repository) {
	if m != nil {
		m.repo = r
	}
}

func gameKey(token string) string { return "game:" + strings.TrimSpace(token) }

func idxUserKey(userID string) string { return "game:index:user:" + strings.TrimSpace(userID) }

func (m *Manager) StartGame(ctx context.Context, a, b matchdto.Profile, pool matchpool.PoolKey, source string) (string, error) {
	white, black := a, b
	if n, err := rand.Int(rand.Reader, big.NewInt(2)); err == nil && n.Int64() == 0 {
		white, black = b, a
	}
	return m.StartGameWithColors(ctx, white, black, pool, source)
}

func (m *Manager) StartGameWithColors(ctx context.Context, white, black matchdto.Profile, pool matchpool.PoolKey, source string) (string, error) {
	if m == nil || m.rdb == nil {
		return "", matchdto.Unreachable("game starter not initialized")
	}
	if white.UserID == "" || black.UserID == "" || white.UserID == black.UserID {
		return "", fmt.Errorf("invalid participants %q vs %q", white.UserID, black.UserID)
	}

	g := &Game{
		Token:       "g-" + uuid.NewString(),
		WhiteID:     white.UserID,
		WhiteName:   white.DisplayName,
		BlackID:     black.UserID,
		BlackName:   black.DisplayName,
		PoolKind:    string(pool.Kind),
		TimeControl: pool.TimeControl,
		Source:      source,
		InitialFEN:  nchess.NewGame().FEN(),
		Status:      StatusActive,
		CreatedAt:   time.Now(),
		UpdatedAt:   time.Now(),
	}

	raw, err := json.Marshal(g)
	if err != nil {
		return "", err
	}
	// Tokens are fresh per call; SetNX guards against the astronomically
	// unlikely collision rather than against retries.
	ok, err := m.rdb.SetNX(ctx, gameKey(g.Token), raw, 0).Result()
	if err != nil {
		return "", fmt.Errorf("persist game: %w", err)
	}
	if !ok {
		return "", matchdto.Conflict("game token collision")
	}
	if err := m.indexParticipants(ctx, g.Token, g.WhiteID, g.BlackID); err != nil {
		return "", err
	}
	obslog.L().Info("game_start",
		zap.String("game_token", g.Token),
		zap.String("white_id", g.WhiteID),
		zap.String("black_id", g.BlackID),
		zap.String("pool", pool.String()),
		zap.String("source", source),
	)
	return g.Token, nil
}

// FinishGame marks a game over with result "white", "black" or "draw".
// Idempotent: finishing a finished game with the same result is a no-op.
// Concurrent finishes race through WATCH on the game key, so exactly one
// terminal result ever commits. Reports whether this call performed the
// transition.
func (m *Manager) FinishGame(ctx context.Context, token, result string) (bool, error) {
	switch result {
	case "white", "black", "draw":
	default:
		return false, fmt.Errorf("unknown result %q", result)
	}

	key := gameKey(token)
	var finished *Game
	var err error
	for attempt := 0; attempt < 3; attempt++ {
		finished = nil
		err = m.rdb.Watch(ctx, func(tx *redis.Tx) error {
			raw, gerr := tx.Get(ctx, key).Bytes()
			if gerr == redis.Nil {
				return matchdto.NotFound("no such game")
			}
			if gerr != nil {
				return gerr
			}
			var g Game
			if jerr := json.Unmarshal(raw, &g); jerr != nil {
				return jerr
			}
			if g.Status == StatusFinished {
				if g.Result == result {
					return nil
				}
				return matchdto.InvalidState("game already finished")
			}
			g.Status = StatusFinished
			g.Result = result
			g.UpdatedAt = time.Now()
			newRaw, jerr := json.Marshal(&g)
			if jerr != nil {
				return jerr
			}
			pipe := tx.TxPipeline()
			pipe.Set(ctx, key, newRaw, 0)
			if _, perr := pipe.Exec(ctx); perr != nil {
				return perr
			}
			finished = &g
			return nil
		}, key)
		if !errors.Is(err, redis.TxFailedErr) {
			break
		}
		// Someone else touched the record; re-read and decide again.
	}
	if errors.Is(err, redis.TxFailedErr) {
		return false, matchdto.Conflict("game record contended, retry")
	}
	if err != nil {
		return false, err
	}
	if finished == nil {
		return false, nil
	}

	obslog.L().Info("game_finish", zap.String("game_token", token), zap.String("result", result))
	if m.repo != nil {
		if err := m.repo.SaveMatch(ctx, finished); err != nil {
			obslog.L().Error("match_history_persist_error", zap.String("game_token", token), zap.Error(err))
		}
	}
	return true, nil
}

func (m *Manager) FinishedRoster(ctx context.Context, gameToken string) (*Roster, error) {
	g, err := m.load(ctx, gameToken)
	if err != nil {
		return nil, err
	}
	if g == nil {
		return nil, matchdto.NotFound("no such game")
	}
	if g.Status != StatusFinished {
		return nil, matchdto.InvalidState("game is not over")
	}
	return &Roster{
		White:       matchdto.Profile{UserID: g.WhiteID, DisplayName: g.WhiteName},
		Black:       matchdto.Profile{UserID: g.BlackID, DisplayName: g.BlackName},
		PoolKind:    g.PoolKind,
		TimeControl: g.TimeControl,
	}, nil
}

// LoadGame returns a game record by token, nil when absent.
func (m *Manager) LoadGame(ctx context.Context, token string) (*Game, error) {
	return m.load(ctx, token)
}

func (m *Manager) load(ctx context.Context, token string) (*Game, error) {
	raw, err := m.rdb.Get(ctx, gameKey(token)).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var g Game
	if err := json.Unmarshal(raw, &g); err != nil {
		return nil, err
	}
	return &g, nil
}

func (m *Manager) indexParticipants(ctx context.Context, token, white, black string) error {
	for _, id := range []string{white, black} {
		if strings.TrimSpace(id) == "" {
			continue
		}
		if err := m.rdb.SAdd(ctx, idxUserKey(id), token).Err(); err != nil {
			return err
		}
	}
	return nil
}

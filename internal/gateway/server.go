// Package gateway exposes the client command surface over HTTP and the
// notification push stream over websocket. Identity arrives in headers
// (X-User-Id, X-User-Name, X-Guest); authentication itself lives upstream.
package gateway

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/valyala/fasthttp"
	"go.uber.org/zap"

	"github.com/YishaiYosifov/chess2-sub006/internal/challenge"
	"github.com/YishaiYosifov/chess2-sub006/internal/gamestart"
	"github.com/YishaiYosifov/chess2-sub006/internal/inbox"
	"github.com/YishaiYosifov/chess2-sub006/internal/mm"
	"github.com/YishaiYosifov/chess2-sub006/internal/obslog"
	"github.com/YishaiYosifov/chess2-sub006/internal/quest"
	"github.com/YishaiYosifov/chess2-sub006/internal/rematch"
	"github.com/YishaiYosifov/chess2-sub006/pkg/matchdto"
)

// Server is the fasthttp command API. Every handler resolves the caller from
// headers, runs one entity operation, and maps the error taxonomy onto HTTP
// statuses.
type Server struct {
	challenges *challenge.Service
	rematches  *rematch.Service
	matchmake  *mm.Service
	inbox      *inbox.Service
	quests     *quest.Service
	games      *gamestart.Manager

	srv *fasthttp.Server
}

func NewServer(ch *challenge.Service, rm *rematch.Service, m *mm.Service, ib *inbox.Service, q *quest.Service, games *gamestart.Manager) *Server {
	s := &Server{challenges: ch, rematches: rm, matchmake: m, inbox: ib, quests: q, games: games}
	s.srv = &fasthttp.Server{
		Handler:            s.route,
		Name:               "chess2-gateway",
		ReadTimeout:        10 * time.Second,
		WriteTimeout:       10 * time.Second,
		MaxRequestBodySize: 1 << 20,
	}
	return s
}

// ListenAndServe blocks serving the command API.
func (s *Server) ListenAndServe(addr string) error {
	obslog.L().Info("gateway_listen", zap.String("addr", addr))
	return s.srv.ListenAndServe(addr)
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown() error { return s.srv.Shutdown() }

func (s *Server) route(ctx *fasthttp.RequestCtx) {
	path := string(ctx.Path())
	method := string(ctx.Method())
	parts := splitPath(path)

	switch {
	case method == fasthttp.MethodPost && path == "/challenge":
		s.createChallenge(ctx)
	case len(parts) == 2 && parts[0] == "challenge" && method == fasthttp.MethodGet:
		s.getChallenge(ctx, parts[1])
	case len(parts) == 3 && parts[0] == "challenge" && parts[2] == "accept" && method == fasthttp.MethodPost:
		s.acceptChallenge(ctx, parts[1])
	case len(parts) == 3 && parts[0] == "challenge" && parts[2] == "cancel" && method == fasthttp.MethodPost:
		s.cancelChallenge(ctx, parts[1])
	case method == fasthttp.MethodGet && path == "/inbox":
		s.getInbox(ctx)
	case len(parts) == 3 && parts[0] == "rematch" && parts[2] == "confirm" && method == fasthttp.MethodPost:
		s.confirmRematch(ctx, parts[1])
	case len(parts) == 3 && parts[0] == "rematch" && parts[2] == "leave" && method == fasthttp.MethodPost:
		s.leaveRematch(ctx, parts[1])
	case len(parts) == 3 && parts[0] == "rematch" && parts[2] == "cancel" && method == fasthttp.MethodPost:
		s.cancelRematch(ctx, parts[1])
	case method == fasthttp.MethodPost && path == "/seek":
		s.seek(ctx)
	case method == fasthttp.MethodPost && path == "/seek/cancel":
		s.cancelSeek(ctx)
	case method == fasthttp.MethodGet && path == "/quests":
		s.getQuests(ctx)
	case len(parts) == 3 && parts[0] == "game" && parts[2] == "finish" && method == fasthttp.MethodPost:
		s.finishGame(ctx, parts[1])
	default:
		writeError(ctx, matchdto.NotFound("no such route"))
	}
}

func splitPath(p string) []string {
	return strings.Split(strings.Trim(p, "/"), "/")
}

// caller builds the identity from gateway headers. An empty X-User-Id means
// an unauthenticated request; entity-level validation rejects it.
func caller(ctx *fasthttp.RequestCtx) matchdto.Caller {
	return matchdto.Caller{
		UserID:      string(ctx.Request.Header.Peek("X-User-Id")),
		DisplayName: string(ctx.Request.Header.Peek("X-User-Name")),
		Guest:       string(ctx.Request.Header.Peek("X-Guest")) == "1",
	}
}

type createChallengeBody struct {
	RecipientID string `json:"recipient_id"`
	PoolKind    string `json:"pool_kind"`
	TimeControl string `json:"time_control"`
}

func (s *Server) createChallenge(ctx *fasthttp.RequestCtx) {
	var body createChallengeBody
	if !readBody(ctx, &body) {
		return
	}
	view, err := s.challenges.Create(ctx, matchdto.CreateChallengeRequest{
		Caller:      caller(ctx),
		RecipientID: body.RecipientID,
		PoolKind:    body.PoolKind,
		TimeControl: body.TimeControl,
	})
	if err != nil {
		writeError(ctx, err)
		return
	}
	writeJSON(ctx, fasthttp.StatusCreated, view)
}

func (s *Server) getChallenge(ctx *fasthttp.RequestCtx, token string) {
	view, err := s.challenges.Get(ctx, token, caller(ctx))
	if err != nil {
		writeError(ctx, err)
		return
	}
	writeJSON(ctx, fasthttp.StatusOK, view)
}

func (s *Server) acceptChallenge(ctx *fasthttp.RequestCtx, token string) {
	gameToken, err := s.challenges.Accept(ctx, token, caller(ctx))
	if err != nil {
		writeError(ctx, err)
		return
	}
	writeJSON(ctx, fasthttp.StatusOK, matchdto.AcceptChallengeResponse{GameToken: gameToken})
}

func (s *Server) cancelChallenge(ctx *fasthttp.RequestCtx, token string) {
	if err := s.challenges.Cancel(ctx, token, caller(ctx)); err != nil {
		writeError(ctx, err)
		return
	}
	ctx.SetStatusCode(fasthttp.StatusNoContent)
}

func (s *Server) getInbox(ctx *fasthttp.RequestCtx) {
	c := caller(ctx)
	if c.UserID == "" {
		writeError(ctx, matchdto.PolicyViolation("missing caller identity"))
		return
	}
	views, err := s.inbox.GetIncoming(ctx, c.UserID)
	if err != nil {
		writeError(ctx, err)
		return
	}
	writeJSON(ctx, fasthttp.StatusOK, map[string]any{"incoming": views})
}

type rematchBody struct {
	ConnectionID string `json:"connection_id"`
}

func (s *Server) confirmRematch(ctx *fasthttp.RequestCtx, gameToken string) {
	var body rematchBody
	if !readBody(ctx, &body) {
		return
	}
	newToken, err := s.rematches.RequestConfirmation(ctx, matchdto.RematchRequest{
		Caller:       caller(ctx),
		GameToken:    gameToken,
		ConnectionID: body.ConnectionID,
	})
	if err != nil {
		writeError(ctx, err)
		return
	}
	writeJSON(ctx, fasthttp.StatusOK, map[string]any{
		"accepted":   newToken != "",
		"game_token": newToken,
	})
}

func (s *Server) leaveRematch(ctx *fasthttp.RequestCtx, gameToken string) {
	var body rematchBody
	if !readBody(ctx, &body) {
		return
	}
	err := s.rematches.RemoveConnection(ctx, matchdto.RematchRequest{
		Caller:       caller(ctx),
		GameToken:    gameToken,
		ConnectionID: body.ConnectionID,
	})
	if err != nil {
		writeError(ctx, err)
		return
	}
	ctx.SetStatusCode(fasthttp.StatusNoContent)
}

func (s *Server) cancelRematch(ctx *fasthttp.RequestCtx, gameToken string) {
	if err := s.rematches.Cancel(ctx, gameToken, caller(ctx)); err != nil {
		writeError(ctx, err)
		return
	}
	ctx.SetStatusCode(fasthttp.StatusNoContent)
}

type seekBody struct {
	PoolKind    string   `json:"pool_kind"`
	TimeControl string   `json:"time_control"`
	Rating      float64  `json:"rating"`
	RatingRange float64  `json:"rating_range"`
	Excluded    []string `json:"excluded"`
}

func (s *Server) seek(ctx *fasthttp.RequestCtx) {
	var body seekBody
	if !readBody(ctx, &body) {
		return
	}
	err := s.matchmake.Seek(ctx, matchdto.SeekRequest{
		Caller:      caller(ctx),
		PoolKind:    body.PoolKind,
		TimeControl: body.TimeControl,
		Rating:      body.Rating,
		RatingRange: body.RatingRange,
		Excluded:    body.Excluded,
	})
	if err != nil {
		writeError(ctx, err)
		return
	}
	ctx.SetStatusCode(fasthttp.StatusAccepted)
}

type cancelSeekBody struct {
	PoolKey string `json:"pool_key"`
}

func (s *Server) cancelSeek(ctx *fasthttp.RequestCtx) {
	var body cancelSeekBody
	if !readBody(ctx, &body) {
		return
	}
	if err := s.matchmake.CancelSeek(ctx, body.PoolKey, caller(ctx)); err != nil {
		writeError(ctx, err)
		return
	}
	ctx.SetStatusCode(fasthttp.StatusNoContent)
}

func (s *Server) getQuests(ctx *fasthttp.RequestCtx) {
	progress, err := s.quests.GetProgress(ctx, caller(ctx))
	if err != nil {
		writeError(ctx, err)
		return
	}
	writeJSON(ctx, fasthttp.StatusOK, map[string]any{"quests": progress})
}

type finishGameBody struct {
	Result string `json:"result"`
}

func (s *Server) finishGame(ctx *fasthttp.RequestCtx, token string) {
	var body finishGameBody
	if !readBody(ctx, &body) {
		return
	}
	transitioned, err := s.games.FinishGame(ctx, token, body.Result)
	if err != nil {
		writeError(ctx, err)
		return
	}
	// Quests advance only on the transition itself; a re-posted finish is
	// acknowledged but counts nothing twice.
	if transitioned {
		s.recordQuestProgress(ctx, token, body.Result)
	}
	ctx.SetStatusCode(fasthttp.StatusNoContent)
}

// recordQuestProgress advances both players' quests for a finished game.
// Best-effort: the game is finished whether or not quest bookkeeping lands.
func (s *Server) recordQuestProgress(ctx *fasthttp.RequestCtx, token, result string) {
	g, err := s.games.LoadGame(ctx, token)
	if err != nil || g == nil {
		obslog.L().Warn("quest_game_load_error", zap.String("game_token", token), zap.Error(err))
		return
	}
	outcomes := map[string]quest.Outcome{
		g.WhiteID: quest.OutcomeDraw,
		g.BlackID: quest.OutcomeDraw,
	}
	switch result {
	case "white":
		outcomes[g.WhiteID], outcomes[g.BlackID] = quest.OutcomeWin, quest.OutcomeLoss
	case "black":
		outcomes[g.WhiteID], outcomes[g.BlackID] = quest.OutcomeLoss, quest.OutcomeWin
	}
	for userID, outcome := range outcomes {
		c := matchdto.Caller{UserID: userID}
		if err := s.quests.RecordGameOutcome(ctx, c, outcome); err != nil {
			obslog.L().Warn("quest_record_error",
				zap.String("game_token", token), zap.String("user_id", userID), zap.Error(err))
		}
	}
}

func readBody(ctx *fasthttp.RequestCtx, v any) bool {
	if len(ctx.PostBody()) == 0 {
		return true
	}
	if err := json.Unmarshal(ctx.PostBody(), v); err != nil {
		writeError(ctx, matchdto.PolicyViolation("bad request body: "+err.Error()))
		return false
	}
	return true
}

func writeJSON(ctx *fasthttp.RequestCtx, status int, v any) {
	ctx.SetStatusCode(status)
	ctx.SetContentType("application/json")
	if err := json.NewEncoder(ctx).Encode(v); err != nil {
		obslog.L().Warn("gateway_write_error", zap.Error(err))
	}
}

// writeError maps the error taxonomy onto HTTP. not_found and
// policy_violation are expected outcomes, logged at debug only.
func writeError(ctx *fasthttp.RequestCtx, err error) {
	status := fasthttp.StatusInternalServerError
	code := matchdto.CodeOf(err)
	switch code {
	case matchdto.CodeNotFound:
		status = fasthttp.StatusNotFound
	case matchdto.CodePolicyViolation:
		status = fasthttp.StatusForbidden
	case matchdto.CodeInvalidState, matchdto.CodeConflict:
		status = fasthttp.StatusConflict
	case matchdto.CodeUnreachable:
		status = fasthttp.StatusBadGateway
	}
	if status == fasthttp.StatusInternalServerError {
		code = "internal"
		obslog.L().Error("gateway_internal_error", zap.Error(err))
	}
	writeJSON(ctx, status, map[string]any{
		"error": map[string]any{
			"code":    code,
			"message": err.Error(),
		},
	})
}

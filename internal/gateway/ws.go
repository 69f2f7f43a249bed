package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/YishaiYosifov/chess2-sub006/internal/challenge"
	"github.com/YishaiYosifov/chess2-sub006/internal/gamestart"
	"github.com/YishaiYosifov/chess2-sub006/internal/notify"
	"github.com/YishaiYosifov/chess2-sub006/internal/obslog"
	"github.com/YishaiYosifov/chess2-sub006/pkg/matchdto"
)

// PushServer bridges redis pub/sub to websocket clients. Every connection is
// subscribed to its user topic; clients may additionally subscribe to
// challenge and rematch topics they are allowed to see.
type PushServer struct {
	rdb        *redis.Client
	challenges *challenge.Service
	games      *gamestart.Manager

	srv *http.Server
}

func NewPushServer(rdb *redis.Client, ch *challenge.Service, games *gamestart.Manager) *PushServer {
	p := &PushServer{rdb: rdb, challenges: ch, games: games}
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", p.handleWS)
	p.srv = &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	return p
}

func (p *PushServer) ListenAndServe(addr string) error {
	p.srv.Addr = addr
	obslog.L().Info("push_listen", zap.String("addr", addr))
	err := p.srv.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

func (p *PushServer) Shutdown(ctx context.Context) error { return p.srv.Shutdown(ctx) }

// clientCommand is what a connected client may send upstream.
type clientCommand struct {
	Action string `json:"action"` // subscribe_challenge | subscribe_rematch
	Token  string `json:"token"`
}

type helloFrame struct {
	Type         string `json:"type"`
	ConnectionID string `json:"connection_id"`
}

type errorFrame struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (p *PushServer) handleWS(w http.ResponseWriter, r *http.Request) {
	c := matchdto.Caller{
		UserID:      r.Header.Get("X-User-Id"),
		DisplayName: r.Header.Get("X-User-Name"),
		Guest:       r.Header.Get("X-Guest") == "1",
	}
	if c.UserID == "" {
		http.Error(w, "missing identity", http.StatusForbidden)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		CompressionMode: websocket.CompressionNoContextTakeover,
	})
	if err != nil {
		obslog.L().Warn("push_accept_error", zap.Error(err))
		return
	}
	connID := "conn-" + uuid.NewString()
	defer conn.Close(websocket.StatusNormalClosure, "bye")

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	pubsub := p.rdb.Subscribe(ctx, notify.UserTopic(c.UserID))
	defer pubsub.Close()

	if err := wsjson.Write(ctx, conn, helloFrame{Type: "hello", ConnectionID: connID}); err != nil {
		return
	}
	obslog.L().Info("push_connect", zap.String("user_id", c.UserID), zap.String("connection_id", connID))

	go p.pump(ctx, cancel, conn, pubsub)

	for {
		var cmd clientCommand
		if err := wsjson.Read(ctx, conn, &cmd); err != nil {
			obslog.L().Info("push_disconnect",
				zap.String("user_id", c.UserID),
				zap.String("connection_id", connID),
			)
			return
		}
		p.handleCommand(ctx, conn, pubsub, c, cmd)
	}
}

// pump forwards pub/sub payloads to the socket until either side goes away.
func (p *PushServer) pump(ctx context.Context, cancel context.CancelFunc, conn *websocket.Conn, pubsub *redis.PubSub) {
	defer cancel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-pubsub.Channel():
			if !ok {
				return
			}
			var ev notify.Event
			if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
				obslog.L().Warn("push_decode_error", zap.String("topic", msg.Channel), zap.Error(err))
				continue
			}
			if err := wsjson.Write(ctx, conn, ev); err != nil {
				return
			}
		}
	}
}

// handleCommand adds topic subscriptions. Visibility rules match the command
// API: a challenge you may not Get is a challenge you may not watch.
func (p *PushServer) handleCommand(ctx context.Context, conn *websocket.Conn, pubsub *redis.PubSub, c matchdto.Caller, cmd clientCommand) {
	var err error
	switch cmd.Action {
	case "subscribe_challenge":
		if _, gerr := p.challenges.Get(ctx, cmd.Token, c); gerr != nil {
			err = gerr
			break
		}
		err = pubsub.Subscribe(ctx, notify.TokenTopic(cmd.Token))
	case "subscribe_rematch":
		var g *gamestart.Game
		g, err = p.games.LoadGame(ctx, cmd.Token)
		if err == nil && g == nil {
			err = matchdto.NotFound("no such game")
		}
		if err == nil && g.WhiteID != c.UserID && g.BlackID != c.UserID {
			err = matchdto.NotFound("no such game")
		}
		if err == nil {
			err = pubsub.Subscribe(ctx, notify.TokenTopic(cmd.Token))
		}
	default:
		err = matchdto.PolicyViolation("unknown action")
	}
	if err != nil {
		frame := errorFrame{Type: "error", Code: matchdto.CodeOf(err), Message: err.Error()}
		if frame.Code == "" {
			frame.Code = "internal"
		}
		_ = wsjson.Write(ctx, conn, frame)
	}
}

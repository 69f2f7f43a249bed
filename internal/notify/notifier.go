package notify

import (
	"context"
	"encoding/json"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/YishaiYosifov/chess2-sub006/internal/msgcat"
	"github.com/YishaiYosifov/chess2-sub006/internal/obslog"
	"github.com/YishaiYosifov/chess2-sub006/pkg/matchdto"
)

// Event is the wire form of one notification. Text is human-readable copy
// rendered from the message catalog; Data carries the machine payload.
type Event struct {
	Type string         `json:"type"`
	Text string         `json:"text,omitempty"`
	Data map[string]any `json:"data,omitempty"`
}

const (
	EvChallengeReceived  = "challenge_received"
	EvChallengeAccepted  = "challenge_accepted"
	EvChallengeCancelled = "challenge_cancelled"
	EvRematchRequested   = "rematch_requested"
	EvRematchAccepted    = "rematch_accepted"
	EvRematchCancelled   = "rematch_cancelled"
	EvMatchFound         = "match_found"
	EvMatchFailed        = "match_failed"
	EvQuestCompleted     = "quest_completed"
)

// Notifier is the outbound-only boundary entities write to. Every call is
// fire-and-forget: delivery failure is the transport's problem, never the
// caller's. A committed state transition stands whether or not anyone heard
// about it.
type Notifier interface {
	ChallengeReceived(ctx context.Context, userID string, ch matchdto.ChallengeView)
	ChallengeAccepted(ctx context.Context, token string, by matchdto.Profile, gameToken string)
	ChallengeCancelled(ctx context.Context, token string, cancelledBy string)
	RematchRequested(ctx context.Context, userID string, gameToken string, by matchdto.Profile)
	RematchAccepted(ctx context.Context, gameToken string, newGameToken string, userIDs []string)
	RematchCancelled(ctx context.Context, gameToken string, userIDs []string)
	MatchFound(ctx context.Context, userID string, opponent matchdto.Profile, gameToken string)
	MatchFailed(ctx context.Context, userID string)
	QuestCompleted(ctx context.Context, userID string, questName string)
}

// UserTopic and TokenTopic name the redis pub/sub channels the gateway
// bridges to websocket subscribers.
func UserTopic(userID string) string { return "notify:user:" + userID }
func TokenTopic(token string) string { return "notify:topic:" + token }

// Publisher delivers events over redis pub/sub with catalog-rendered text.
type Publisher struct {
	rdb *redis.Client
	cat *msgcat.Catalog
}

func NewPublisher(rdb *redis.Client, cat *msgcat.Catalog) *Publisher {
	return &Publisher{rdb: rdb, cat: cat}
}

func (p *Publisher) publish(ctx context.Context, topic string, ev Event) {
	if p == nil || p.rdb == nil {
		return
	}
	raw, err := json.Marshal(ev)
	if err != nil {
		obslog.L().Warn("notify_encode_error", zap.String("type", ev.Type), zap.Error(err))
		return
	}
	if err := p.rdb.Publish(ctx, topic, raw).Err(); err != nil {
		obslog.L().Warn("notify_publish_error",
			zap.String("topic", topic), zap.String("type", ev.Type), zap.Error(err))
	}
}

func (p *Publisher) render(key string, data any) string {
	if p.cat == nil {
		return ""
	}
	text, err := p.cat.Render(key, data)
	if err != nil {
		obslog.L().Warn("notify_render_error", zap.String("key", key), zap.Error(err))
		return ""
	}
	return text
}

func (p *Publisher) ChallengeReceived(ctx context.Context, userID string, ch matchdto.ChallengeView) {
	text := p.render("challenge.received", map[string]any{
		"Requester":   ch.Requester.DisplayName,
		"TimeControl": ch.TimeControl,
		"PoolKind":    ch.PoolKind,
	})
	p.publish(ctx, UserTopic(userID), Event{Type: EvChallengeReceived, Text: text, Data: map[string]any{
		"token":        ch.Token,
		"requester_id": ch.Requester.UserID,
		"time_control": ch.TimeControl,
		"pool_kind":    ch.PoolKind,
	}})
}

func (p *Publisher) ChallengeAccepted(ctx context.Context, token string, by matchdto.Profile, gameToken string) {
	text := p.render("challenge.accepted", map[string]any{"Recipient": by.DisplayName})
	p.publish(ctx, TokenTopic(token), Event{Type: EvChallengeAccepted, Text: text, Data: map[string]any{
		"token":      token,
		"by":         by.UserID,
		"game_token": gameToken,
	}})
}

func (p *Publisher) ChallengeCancelled(ctx context.Context, token string, cancelledBy string) {
	text := p.render("challenge.cancelled", map[string]any{"CancelledBy": cancelledBy})
	p.publish(ctx, TokenTopic(token), Event{Type: EvChallengeCancelled, Text: text, Data: map[string]any{
		"token": token,
		// empty cancelled_by means the challenge expired
		"cancelled_by": cancelledBy,
	}})
}

func (p *Publisher) RematchRequested(ctx context.Context, userID string, gameToken string, by matchdto.Profile) {
	text := p.render("rematch.requested", map[string]any{"Requester": by.DisplayName})
	p.publish(ctx, UserTopic(userID), Event{Type: EvRematchRequested, Text: text, Data: map[string]any{
		"game_token": gameToken,
		"by":         by.UserID,
	}})
}

func (p *Publisher) RematchAccepted(ctx context.Context, gameToken string, newGameToken string, userIDs []string) {
	text := p.render("rematch.accepted", nil)
	ev := Event{Type: EvRematchAccepted, Text: text, Data: map[string]any{
		"game_token":     gameToken,
		"new_game_token": newGameToken,
	}}
	for _, id := range userIDs {
		p.publish(ctx, UserTopic(id), ev)
	}
}

func (p *Publisher) RematchCancelled(ctx context.Context, gameToken string, userIDs []string) {
	text := p.render("rematch.cancelled", nil)
	ev := Event{Type: EvRematchCancelled, Text: text, Data: map[string]any{"game_token": gameToken}}
	for _, id := range userIDs {
		p.publish(ctx, UserTopic(id), ev)
	}
}

func (p *Publisher) MatchFound(ctx context.Context, userID string, opponent matchdto.Profile, gameToken string) {
	text := p.render("match.found", map[string]any{"Opponent": opponent.DisplayName})
	p.publish(ctx, UserTopic(userID), Event{Type: EvMatchFound, Text: text, Data: map[string]any{
		"opponent_id": opponent.UserID,
		"game_token":  gameToken,
	}})
}

func (p *Publisher) MatchFailed(ctx context.Context, userID string) {
	text := p.render("match.failed", nil)
	p.publish(ctx, UserTopic(userID), Event{Type: EvMatchFailed, Text: text})
}

func (p *Publisher) QuestCompleted(ctx context.Context, userID string, questName string) {
	text := p.render("quest.completed", map[string]any{"Quest": questName})
	p.publish(ctx, UserTopic(userID), Event{Type: EvQuestCompleted, Text: text, Data: map[string]any{
		"quest": questName,
	}})
}

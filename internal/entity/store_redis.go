package entity

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	keyTimers     = "ent:timers"      // zset: member → due unix-milli
	keyTimersMeta = "ent:timers:meta" // hash: member → repeat period millis
)

// Store persists entity state snapshots and durable timers in redis. State
// lives under ent:state:<kind>:<key> as a JSON blob; timers in a shared zset
// scored by due time so a restarted process sees everything still pending.
type Store struct{ rdb *redis.Client }

func NewStore(rdb *redis.Client) *Store { return &Store{rdb: rdb} }

func keyState(kind, key string) string { return "ent:state:" + kind + ":" + key }

// timer members are kind|key|name; kind and name never contain '|'.
func timerMember(kind, key, name string) string { return kind + "|" + key + "|" + name }

func splitTimerMember(m string) (kind, key, name string, ok bool) {
	i := strings.Index(m, "|")
	j := strings.LastIndex(m, "|")
	if i < 0 || j <= i {
		return "", "", "", false
	}
	return m[:i], m[i+1 : j], m[j+1:], true
}

func (s *Store) LoadState(ctx context.Context, kind, key string, v any) (bool, error) {
	raw, err := s.rdb.Get(ctx, keyState(kind, key)).Bytes()
	if err == redis.Nil {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("load state %s/%s: %w", kind, key, err)
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return false, fmt.Errorf("decode state %s/%s: %w", kind, key, err)
	}
	return true, nil
}

func (s *Store) SaveState(ctx context.Context, kind, key string, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	if err := s.rdb.Set(ctx, keyState(kind, key), raw, 0).Err(); err != nil {
		return fmt.Errorf("save state %s/%s: %w", kind, key, err)
	}
	return nil
}

func (s *Store) ClearState(ctx context.Context, kind, key string) error {
	if err := s.rdb.Del(ctx, keyState(kind, key)).Err(); err != nil {
		return fmt.Errorf("clear state %s/%s: %w", kind, key, err)
	}
	return nil
}

func (s *Store) RegisterTimer(ctx context.Context, kind, key, name string, due time.Time, period time.Duration) error {
	m := timerMember(kind, key, name)
	if err := s.rdb.ZAdd(ctx, keyTimers, redis.Z{Score: float64(due.UnixMilli()), Member: m}).Err(); err != nil {
		return fmt.Errorf("register timer %s: %w", m, err)
	}
	if period > 0 {
		return s.rdb.HSet(ctx, keyTimersMeta, m, strconv.FormatInt(period.Milliseconds(), 10)).Err()
	}
	return s.rdb.HDel(ctx, keyTimersMeta, m).Err()
}

func (s *Store) CancelTimer(ctx context.Context, kind, key, name string) error {
	m := timerMember(kind, key, name)
	if err := s.rdb.ZRem(ctx, keyTimers, m).Err(); err != nil {
		return fmt.Errorf("cancel timer %s: %w", m, err)
	}
	return s.rdb.HDel(ctx, keyTimersMeta, m).Err()
}

// dueTimer is one fire ready for delivery.
type dueTimer struct {
	member string
	kind   string
	key    string
	name   string
	period time.Duration
}

// dueTimers returns members whose due time has passed, oldest first.
func (s *Store) dueTimers(ctx context.Context, now time.Time, limit int64) ([]dueTimer, error) {
	members, err := s.rdb.ZRangeByScore(ctx, keyTimers, &redis.ZRangeBy{
		Min:   "-inf",
		Max:   strconv.FormatInt(now.UnixMilli(), 10),
		Count: limit,
	}).Result()
	if err != nil {
		return nil, err
	}
	out := make([]dueTimer, 0, len(members))
	for _, m := range members {
		kind, key, name, ok := splitTimerMember(m)
		if !ok {
			_ = s.rdb.ZRem(ctx, keyTimers, m).Err()
			continue
		}
		d := dueTimer{member: m, kind: kind, key: key, name: name}
		if raw, err := s.rdb.HGet(ctx, keyTimersMeta, m).Result(); err == nil {
			if ms, perr := strconv.ParseInt(raw, 10, 64); perr == nil && ms > 0 {
				d.period = time.Duration(ms) * time.Millisecond
			}
		}
		out = append(out, d)
	}
	return out, nil
}

func (s *Store) reschedule(ctx context.Context, member string, due time.Time) error {
	return s.rdb.ZAdd(ctx, keyTimers, redis.Z{Score: float64(due.UnixMilli()), Member: member}).Err()
}

func (s *Store) removeTimer(ctx context.Context, member string) error {
	if err := s.rdb.ZRem(ctx, keyTimers, member).Err(); err != nil {
		return err
	}
	return s.rdb.HDel(ctx, keyTimersMeta, member).Err()
}

// PendingTimers counts persisted timers; used at startup for logging.
func (s *Store) PendingTimers(ctx context.Context) (int64, error) {
	return s.rdb.ZCard(ctx, keyTimers).Result()
}

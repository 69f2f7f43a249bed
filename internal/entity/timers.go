package entity

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/YishaiYosifov/chess2-sub006/internal/obslog"
)

const (
	timerBatch          = 64
	timerDeliverTimeout = 15 * time.Second
)

// timerLoop polls the durable timer set and delivers due fires through the
// owning entity's mailbox, so a fire can never interleave with a concurrently
// arriving command for the same key. One-shot timers leave the store only
// after their handler returns without error: a crash mid-delivery means the
// next scan fires again (at-least-once).
func (r *Runtime) timerLoop() {
	defer r.wg.Done()
	ticker := time.NewTicker(r.pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			r.fireDue()
		case <-r.stopCh:
			return
		}
	}
}

func (r *Runtime) fireDue() {
	ctx, cancel := context.WithTimeout(context.Background(), timerDeliverTimeout)
	defer cancel()
	due, err := r.store.dueTimers(ctx, time.Now(), timerBatch)
	if err != nil {
		obslog.L().Warn("timer_scan_error", zap.Error(err))
		return
	}
	for _, d := range due {
		if !r.claim(d.member) {
			continue // already being delivered
		}
		r.wg.Add(1)
		go r.deliver(d)
	}
}

func (r *Runtime) deliver(d dueTimer) {
	defer r.wg.Done()
	defer r.release(d.member)

	r.handlersMu.RLock()
	h := r.handlers[d.kind]
	r.handlersMu.RUnlock()

	ctx, cancel := context.WithTimeout(context.Background(), timerDeliverTimeout)
	defer cancel()

	if h == nil {
		obslog.L().Warn("timer_orphan",
			zap.String("kind", d.kind), zap.String("key", d.key), zap.String("timer", d.name))
		_ = r.store.removeTimer(ctx, d.member)
		return
	}

	// Periodic timers are re-scored before delivery so a crash inside the
	// handler cannot stall the schedule.
	if d.period > 0 {
		if err := r.store.reschedule(ctx, d.member, time.Now().Add(d.period)); err != nil {
			obslog.L().Warn("timer_reschedule_error", zap.String("timer", d.member), zap.Error(err))
		}
	}

	err := r.Do(ctx, d.kind, d.key, func(ctx context.Context, ec *Ctx) error {
		return h(ctx, ec, d.name)
	})
	if err != nil {
		obslog.L().Warn("timer_handler_error",
			zap.String("kind", d.kind), zap.String("key", d.key),
			zap.String("timer", d.name), zap.Error(err))
		return
	}
	if d.period <= 0 {
		if err := r.store.removeTimer(ctx, d.member); err != nil {
			obslog.L().Warn("timer_remove_error", zap.String("timer", d.member), zap.Error(err))
		}
	}
}

func (r *Runtime) claim(member string) bool {
	r.inflightMu.Lock()
	defer r.inflightMu.Unlock()
	if _, busy := r.inflight[member]; busy {
		return false
	}
	r.inflight[member] = struct{}{}
	return true
}

func (r *Runtime) release(member string) {
	r.inflightMu.Lock()
	delete(r.inflight, member)
	r.inflightMu.Unlock()
}

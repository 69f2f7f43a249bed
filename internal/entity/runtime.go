package entity

import (
	"context"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/YishaiYosifov/chess2-sub006/internal/obslog"
	"github.com/YishaiYosifov/chess2-sub006/pkg/matchdto"
)

// Op is one unit of work executed on an entity's single goroutine.
type Op func(ctx context.Context, ec *Ctx) error

// TimerHandler receives durable timer fires for one entity kind. Delivery is
// at-least-once: a handler must check current state and treat an already
// torn-down entity as a no-op.
type TimerHandler func(ctx context.Context, ec *Ctx, name string) error

const mailboxCap = 256

type Options struct {
	// IdleTTL retires a key's mailbox after this much inactivity.
	IdleTTL time.Duration
	// PollInterval is how often the timer scheduler scans for due fires.
	PollInterval time.Duration
}

// Runtime serializes all operations addressed to the same (kind, key) pair:
// at most one Op runs for a given key at any instant, in arrival order.
// Operations on different keys run fully in parallel.
type Runtime struct {
	store *Store

	mu    sync.Mutex
	boxes map[string]*mailbox

	handlers   map[string]TimerHandler
	handlersMu sync.RWMutex

	idleTTL      time.Duration
	pollInterval time.Duration

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	inflight   map[string]struct{}
	inflightMu sync.Mutex
}

func New(rdb *redis.Client, opts Options) *Runtime {
	if opts.IdleTTL <= 0 {
		opts.IdleTTL = 10 * time.Minute
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 250 * time.Millisecond
	}
	return &Runtime{
		store:        NewStore(rdb),
		boxes:        make(map[string]*mailbox),
		handlers:     make(map[string]TimerHandler),
		idleTTL:      opts.IdleTTL,
		pollInterval: opts.PollInterval,
		stopCh:       make(chan struct{}),
		inflight:     make(map[string]struct{}),
	}
}

// HandleTimers registers the timer handler for an entity kind. Must be called
// before Start.
func (r *Runtime) HandleTimers(kind string, h TimerHandler) {
	r.handlersMu.Lock()
	r.handlers[kind] = h
	r.handlersMu.Unlock()
}

// Start launches the durable-timer scheduler. Timers persisted by a previous
// process are picked up automatically from the store.
func (r *Runtime) Start() {
	r.wg.Add(1)
	go r.timerLoop()
}

func (r *Runtime) Stop() {
	r.stopOnce.Do(func() { close(r.stopCh) })
	r.wg.Wait()
}

// Store exposes the backing state/timer store (used for startup checks).
func (r *Runtime) Store() *Store { return r.store }

type task struct {
	ctx  context.Context
	fn   Op
	done chan error
}

type mailbox struct {
	ch chan *task
}

func addrOf(kind, key string) string { return kind + "/" + key }

// Do enqueues fn for the entity at (kind, key) and waits for its result.
// If ctx is cancelled before fn starts, fn never runs; once started, fn runs
// to completion on the entity goroutine regardless of the caller leaving.
func (r *Runtime) Do(ctx context.Context, kind, key string, fn Op) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	t := &task{ctx: ctx, fn: fn, done: make(chan error, 1)}
	addr := addrOf(kind, key)

	r.mu.Lock()
	box := r.boxes[addr]
	if box == nil {
		box = &mailbox{ch: make(chan *task, mailboxCap)}
		r.boxes[addr] = box
		go r.drain(addr, kind, key, box)
	}
	select {
	case box.ch <- t:
		r.mu.Unlock()
	default:
		r.mu.Unlock()
		return matchdto.Unreachable("entity mailbox full: " + addr)
	}

	select {
	case err := <-t.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// drain is the single logical thread of execution for one entity key.
func (r *Runtime) drain(addr, kind, key string, box *mailbox) {
	idle := time.NewTimer(r.idleTTL)
	defer idle.Stop()
	for {
		select {
		case t := <-box.ch:
			r.run(kind, key, t)
			if !idle.Stop() {
				select {
				case <-idle.C:
				default:
				}
			}
			idle.Reset(r.idleTTL)
		case <-idle.C:
			// Retire only when nothing is queued; the enqueue in Do happens
			// under r.mu, so the length check here cannot race a sender.
			r.mu.Lock()
			if len(box.ch) == 0 {
				delete(r.boxes, addr)
				r.mu.Unlock()
				return
			}
			r.mu.Unlock()
			idle.Reset(r.idleTTL)
		case <-r.stopCh:
			return
		}
	}
}

func (r *Runtime) run(kind, key string, t *task) {
	if err := t.ctx.Err(); err != nil {
		// Caller gave up before we started; state untouched.
		t.done <- err
		return
	}
	ec := &Ctx{rt: r, kind: kind, key: key}
	defer func() {
		if p := recover(); p != nil {
			obslog.L().Error("entity_op_panic",
				zap.String("kind", kind), zap.String("key", key), zap.Any("panic", p))
			t.done <- matchdto.Unreachable("entity operation panicked")
		}
	}()
	t.done <- t.fn(t.ctx, ec)
}

// Ctx is handed to every Op and TimerHandler. State helpers touch only the
// durable store: a handler that fails before SaveState leaves the persisted
// state untouched, so nothing partial ever becomes durable.
type Ctx struct {
	rt   *Runtime
	kind string
	key  string
}

func (c *Ctx) Kind() string      { return c.kind }
func (c *Ctx) Key() string       { return c.key }
func (c *Ctx) Runtime() *Runtime { return c.rt }

// LoadState unmarshals the last persisted snapshot into v. Returns false when
// no state exists (fresh or torn-down entity).
func (c *Ctx) LoadState(ctx context.Context, v any) (bool, error) {
	return c.rt.store.LoadState(ctx, c.kind, c.key, v)
}

// SaveState persists v as the entity's new snapshot. This is the commit
// point of an operation: until it returns nil, no mutation is durable.
func (c *Ctx) SaveState(ctx context.Context, v any) error {
	return c.rt.store.SaveState(ctx, c.kind, c.key, v)
}

// ClearState tombstones the entity.
func (c *Ctx) ClearState(ctx context.Context) error {
	return c.rt.store.ClearState(ctx, c.kind, c.key)
}

// RegisterTimer persists a named timer for this entity. due is absolute;
// period > 0 makes it repeating. Registering an existing name reschedules it.
func (c *Ctx) RegisterTimer(ctx context.Context, name string, due time.Time, period time.Duration) error {
	return c.rt.store.RegisterTimer(ctx, c.kind, c.key, name, due, period)
}

// CancelTimer removes a named timer. Cancelling an unknown timer is a no-op.
func (c *Ctx) CancelTimer(ctx context.Context, name string) error {
	return c.rt.store.CancelTimer(ctx, c.kind, c.key, name)
}

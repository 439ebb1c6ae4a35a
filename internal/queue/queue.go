// Package queue implements the durable per-destination FIFO with retry
// (spec §4.4): enqueue persists an entry and marks the connector message
// QUEUED; a worker loop pops the head, dispatches, and either marks SENT
// or re-queues per one of two policies.
package queue

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/hcengine/integration-engine/internal/logging"
)

// Policy selects how a destination's queue behaves after a transient
// dispatch failure (spec §4.4, Open Question #1).
type Policy string

const (
	// StrictOrder keeps the head at the head: retry until success or
	// RetryCount exhausted, then pop to ERROR. Matches the source
	// behaviour spec.md documents ("QUEUED -> retry without rotation")
	// and is the default (DESIGN.md Open Questions #1).
	StrictOrder Policy = "STRICT_ORDER"
	// RotateOnError moves a failing head to the tail so later messages
	// are attempted; the entry becomes eligible again after a full cycle.
	RotateOnError Policy = "ROTATE_ON_ERROR"
)

// Entry is the persisted unit the queue works with; it carries just
// enough identity for the queue to re-dispatch.
type Entry struct {
	MessageID  int64
	MetaDataID int
	Attempts   int
}

// Result is what a dispatch attempt reports back.
type Result struct {
	Sent bool
	Err  error
}

// Backend is the persistence operations the queue needs (backed by
// store.Store; see internal/app for the adapter).
type Backend interface {
	Enqueue(ctx context.Context, messageID int64, metaDataID int) error
	DequeueHead(ctx context.Context) (*Entry, error)
	Remove(ctx context.Context, messageID int64, metaDataID int) error
	RotateToTail(ctx context.Context, messageID int64, metaDataID int) error
	UpdateAttempts(ctx context.Context, messageID int64, metaDataID int, attempts int) error
	Depth(ctx context.Context) (int, error)
}

// DispatchFunc performs one send attempt for (messageID, metaDataID).
type DispatchFunc func(ctx context.Context, messageID int64, metaDataID int) Result

// ResultHandler is invoked once an entry reaches a terminal outcome
// (SENT or ERROR after retries exhausted) so the caller can update the
// connector message's status (spec §4.3 state machine).
type ResultHandler func(messageID int64, metaDataID int, terminal string, err error)

// Config configures one destination's queue.
type Config struct {
	Policy          Policy
	RetryCount      int
	RetryInterval   time.Duration
	Parallelism     int // 0 or 1 = single in-flight send
	RateLimitPerSec float64
	SendFirst       bool
}

// Queue drives one destination's durable FIFO.
type Queue struct {
	cfg      Config
	backend  Backend
	dispatch DispatchFunc
	onResult ResultHandler
	limiter  *rate.Limiter
	log      *logging.Logger

	wake   chan struct{}
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.Mutex
	inflight map[entryKey]*sync.Once
}

type entryKey struct {
	messageID  int64
	metaDataID int
}

// New builds a queue. dispatch performs the actual connector send;
// onResult is called exactly once per entry with its terminal outcome.
func New(cfg Config, backend Backend, dispatch DispatchFunc, onResult ResultHandler, log *logging.Logger) *Queue {
	if cfg.Policy == "" {
		cfg.Policy = StrictOrder
	}
	if cfg.Parallelism < 1 {
		cfg.Parallelism = 1
	}
	if log == nil {
		log = logging.NewDefault("destination-queue")
	}
	var limiter *rate.Limiter
	if cfg.RateLimitPerSec > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RateLimitPerSec), 1)
	}
	return &Queue{
		cfg: cfg, backend: backend, dispatch: dispatch, onResult: onResult,
		limiter: limiter, log: log,
		wake:     make(chan struct{}, 1),
		inflight: make(map[entryKey]*sync.Once),
	}
}

// Start launches the worker pool (one goroutine per parallelism slot).
func (q *Queue) Start(ctx context.Context) {
	runCtx, cancel := context.WithCancel(ctx)
	q.cancel = cancel
	for i := 0; i < q.cfg.Parallelism; i++ {
		q.wg.Add(1)
		go q.workerLoop(runCtx)
	}
}

// Stop halts the worker pool; in-flight dispatches are left to the
// caller's context cancellation to interrupt (spec §5 cancellation).
func (q *Queue) Stop() {
	if q.cancel != nil {
		q.cancel()
	}
	q.wg.Wait()
}

// Enqueue persists the entry and wakes a worker. If SendFirst is set,
// the queue is permitted to race the caller's own synchronous dispatch
// attempt (DESIGN.md Open Question #4): the completion guard below
// ensures only the winner's outcome is recorded.
func (q *Queue) Enqueue(ctx context.Context, messageID int64, metaDataID int) error {
	if err := q.backend.Enqueue(ctx, messageID, metaDataID); err != nil {
		return err
	}
	q.signalWake()
	return nil
}

// TryClaim registers this goroutine as the one reporting the terminal
// outcome for (messageID, metaDataID) if nobody else has claimed it yet.
// Used to implement the send-first race between the source's direct
// dispatch and the queue worker (DESIGN.md Open Question #4).
func (q *Queue) TryClaim(messageID int64, metaDataID int) (claim func(fn func()), already bool) {
	key := entryKey{messageID, metaDataID}
	q.mu.Lock()
	once, ok := q.inflight[key]
	if !ok {
		once = &sync.Once{}
		q.inflight[key] = once
	}
	q.mu.Unlock()

	return func(fn func()) {
		once.Do(func() {
			fn()
			q.mu.Lock()
			delete(q.inflight, key)
			q.mu.Unlock()
		})
	}, ok
}

// SendFirstEnabled reports whether this destination races a synchronous
// dispatch attempt against its own worker instead of always waiting for
// the worker to drain the entry (spec §4.4 send-first, DESIGN.md Open
// Question #4).
func (q *Queue) SendFirstEnabled() bool { return q.cfg.SendFirst }

// TrySendFirst runs attempt synchronously, racing it against the worker
// pool's own dispatch of the same entry. A failed attempt changes
// nothing: the entry stays queued and the worker retries it per policy.
// A successful attempt claims the entry via TryClaim, so whichever side
// (this call or the worker) finishes first is the one that removes the
// entry and reports the terminal outcome; the loser's work is discarded.
// Returns true if this call's attempt was the one claimed.
func (q *Queue) TrySendFirst(ctx context.Context, messageID int64, metaDataID int, attempt func(ctx context.Context) Result) bool {
	result := attempt(ctx)
	if !result.Sent {
		return false
	}

	claim, _ := q.TryClaim(messageID, metaDataID)
	won := false
	claim(func() {
		won = true
		_ = q.backend.Remove(ctx, messageID, metaDataID)
		q.onResult(messageID, metaDataID, "SENT", nil)
	})
	return won
}

func (q *Queue) signalWake() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

func (q *Queue) workerLoop(ctx context.Context) {
	defer q.wg.Done()
	for {
		entry, err := q.backend.DequeueHead(ctx)
		if err != nil {
			select {
			case <-ctx.Done():
				return
			case <-q.wake:
				continue
			case <-time.After(200 * time.Millisecond):
				continue
			}
		}
		if !q.processOne(ctx, entry) {
			return
		}
	}
}

// processOne returns false if ctx was cancelled mid-attempt, signalling
// the worker loop to exit.
func (q *Queue) processOne(ctx context.Context, entry *Entry) bool {
	if q.limiter != nil {
		if err := q.limiter.Wait(ctx); err != nil {
			return ctx.Err() == nil
		}
	}

	claim, _ := q.TryClaim(entry.MessageID, entry.MetaDataID)

	result := q.dispatch(ctx, entry.MessageID, entry.MetaDataID)

	if result.Sent {
		claim(func() {
			_ = q.backend.Remove(ctx, entry.MessageID, entry.MetaDataID)
			q.onResult(entry.MessageID, entry.MetaDataID, "SENT", nil)
		})
		return true
	}

	entry.Attempts++
	if entry.Attempts > q.cfg.RetryCount {
		claim(func() {
			_ = q.backend.Remove(ctx, entry.MessageID, entry.MetaDataID)
			q.onResult(entry.MessageID, entry.MetaDataID, "ERROR", result.Err)
		})
		return true
	}

	_ = q.backend.UpdateAttempts(ctx, entry.MessageID, entry.MetaDataID, entry.Attempts)
	switch q.cfg.Policy {
	case RotateOnError:
		_ = q.backend.RotateToTail(ctx, entry.MessageID, entry.MetaDataID)
	case StrictOrder:
		select {
		case <-time.After(q.cfg.RetryInterval):
		case <-ctx.Done():
			return false
		}
	}
	return true
}

// Depth returns the current queue length.
func (q *Queue) Depth(ctx context.Context) (int, error) { return q.backend.Depth(ctx) }

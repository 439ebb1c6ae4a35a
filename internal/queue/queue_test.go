package queue

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeBackend is an in-memory FIFO sufficient to exercise the queue's
// retry/rotate/depth logic without a real store.
type fakeBackend struct {
	mu      sync.Mutex
	entries []*Entry
}

func (f *fakeBackend) Enqueue(ctx context.Context, messageID int64, metaDataID int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.entries = append(f.entries, &Entry{MessageID: messageID, MetaDataID: metaDataID})
	return nil
}

func (f *fakeBackend) DequeueHead(ctx context.Context) (*Entry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.entries) == 0 {
		return nil, errEmpty
	}
	cp := *f.entries[0]
	return &cp, nil
}

var errEmpty = assertError("empty")

type assertError string

func (e assertError) Error() string { return string(e) }

func (f *fakeBackend) Remove(ctx context.Context, messageID int64, metaDataID int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i, e := range f.entries {
		if e.MessageID == messageID && e.MetaDataID == metaDataID {
			f.entries = append(f.entries[:i], f.entries[i+1:]...)
			return nil
		}
	}
	return nil
}

func (f *fakeBackend) RotateToTail(ctx context.Context, messageID int64, metaDataID int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i, e := range f.entries {
		if e.MessageID == messageID && e.MetaDataID == metaDataID {
			f.entries = append(f.entries[:i], f.entries[i+1:]...)
			e.Attempts = 0
			f.entries = append(f.entries, e)
			return nil
		}
	}
	return nil
}

func (f *fakeBackend) UpdateAttempts(ctx context.Context, messageID int64, metaDataID int, attempts int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, e := range f.entries {
		if e.MessageID == messageID && e.MetaDataID == metaDataID {
			e.Attempts = attempts
		}
	}
	return nil
}

func (f *fakeBackend) Depth(ctx context.Context) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.entries), nil
}

func TestQueue_RetryExhaustionReachesError(t *testing.T) {
	backend := &fakeBackend{}
	var mu sync.Mutex
	var terminal string
	var dispatchCalls int
	done := make(chan struct{})

	q := New(Config{Policy: StrictOrder, RetryCount: 3, RetryInterval: time.Millisecond}, backend,
		func(ctx context.Context, messageID int64, metaDataID int) Result {
			mu.Lock()
			dispatchCalls++
			mu.Unlock()
			return Result{Sent: false, Err: assertError("boom")}
		},
		func(messageID int64, metaDataID int, term string, err error) {
			mu.Lock()
			terminal = term
			mu.Unlock()
			close(done)
		}, nil)

	require.NoError(t, q.Enqueue(context.Background(), 1, 1))
	q.Start(context.Background())
	defer q.Stop()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for terminal result")
	}

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, "ERROR", terminal)
	assert.Equal(t, 4, dispatchCalls, "retryCount=3 means one initial send plus three retries (spec scenario 2: sendAttempts=4)")
}

func TestQueue_StrictOrderNoReorderingAfterRecovery(t *testing.T) {
	backend := &fakeBackend{}
	var mu sync.Mutex
	var order []int64
	attempts := 0

	q := New(Config{Policy: StrictOrder, RetryCount: 5, RetryInterval: time.Millisecond}, backend,
		func(ctx context.Context, messageID int64, metaDataID int) Result {
			mu.Lock()
			attempts++
			fail := messageID == 1 && attempts <= 2
			mu.Unlock()
			if fail {
				return Result{Sent: false, Err: assertError("transient")}
			}
			return Result{Sent: true}
		},
		func(messageID int64, metaDataID int, term string, err error) {
			mu.Lock()
			order = append(order, messageID)
			mu.Unlock()
		}, nil)

	require.NoError(t, q.Enqueue(context.Background(), 1, 1))
	require.NoError(t, q.Enqueue(context.Background(), 2, 1))
	require.NoError(t, q.Enqueue(context.Background(), 3, 1))
	q.Start(context.Background())
	defer q.Stop()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		mu.Lock()
		n := len(order)
		mu.Unlock()
		if n == 3 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []int64{1, 2, 3}, order, "strict order must not reorder messages despite the earlier transient failure")
}

func TestQueue_RotateOnErrorMovesFailingHeadToTail(t *testing.T) {
	backend := &fakeBackend{}
	var mu sync.Mutex
	var order []int64

	q := New(Config{Policy: RotateOnError, RetryCount: 100, RetryInterval: time.Millisecond}, backend,
		func(ctx context.Context, messageID int64, metaDataID int) Result {
			if messageID == 1 {
				return Result{Sent: false, Err: assertError("always fails")}
			}
			return Result{Sent: true}
		},
		func(messageID int64, metaDataID int, term string, err error) {
			mu.Lock()
			order = append(order, messageID)
			mu.Unlock()
		}, nil)

	require.NoError(t, q.Enqueue(context.Background(), 1, 1))
	require.NoError(t, q.Enqueue(context.Background(), 2, 1))
	q.Start(context.Background())
	defer q.Stop()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		mu.Lock()
		n := len(order)
		mu.Unlock()
		if n >= 1 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	mu.Lock()
	defer mu.Unlock()
	assert.Contains(t, order, int64(2), "message 2 should be dispatched even while message 1 keeps failing")
	assert.NotContains(t, order, int64(1), "rotate-on-error must not resolve the always-failing head within this window")
}

func TestQueue_SendFirstWinsTheRaceAgainstTheWorker(t *testing.T) {
	backend := &fakeBackend{}
	var mu sync.Mutex
	var terminals int

	q := New(Config{Policy: StrictOrder, RetryCount: 3, RetryInterval: time.Millisecond, SendFirst: true}, backend,
		func(ctx context.Context, messageID int64, metaDataID int) Result {
			// The worker's own dispatch is slow enough that the
			// synchronous send-first attempt below should win.
			time.Sleep(50 * time.Millisecond)
			return Result{Sent: true}
		},
		func(messageID int64, metaDataID int, term string, err error) {
			mu.Lock()
			terminals++
			mu.Unlock()
		}, nil)

	require.NoError(t, q.Enqueue(context.Background(), 1, 1))
	q.Start(context.Background())
	defer q.Stop()

	require.True(t, q.SendFirstEnabled())
	won := q.TrySendFirst(context.Background(), 1, 1, func(ctx context.Context) Result {
		return Result{Sent: true}
	})
	assert.True(t, won, "the synchronous attempt should claim the entry before the slow worker dispatch completes")

	time.Sleep(100 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, terminals, "only the winning side may report the terminal outcome")
}

func TestQueue_SendFirstFailureLeavesEntryForTheWorker(t *testing.T) {
	backend := &fakeBackend{}
	done := make(chan struct{})

	q := New(Config{Policy: StrictOrder, RetryCount: 3, RetryInterval: time.Millisecond, SendFirst: true}, backend,
		func(ctx context.Context, messageID int64, metaDataID int) Result {
			close(done)
			return Result{Sent: true}
		},
		func(messageID int64, metaDataID int, term string, err error) {}, nil)

	require.NoError(t, q.Enqueue(context.Background(), 1, 1))
	q.Start(context.Background())
	defer q.Stop()

	won := q.TrySendFirst(context.Background(), 1, 1, func(ctx context.Context) Result {
		return Result{Sent: false, Err: assertError("transport down")}
	})
	assert.False(t, won, "a failed synchronous attempt must not claim the entry")

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("worker never got a chance to dispatch the still-queued entry")
	}
}

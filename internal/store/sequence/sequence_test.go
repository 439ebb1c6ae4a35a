package sequence

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeStore struct {
	mu   sync.Mutex
	next map[string]int64
	calls int
}

func newFakeStore() *fakeStore { return &fakeStore{next: make(map[string]int64)} }

func (f *fakeStore) AllocateSequenceBlock(ctx context.Context, channelID string, blockSize int64) (int64, int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	start := f.next[channelID]
	if start == 0 {
		start = 1
	}
	end := start + blockSize
	f.next[channelID] = end
	return start, end, nil
}

func TestAllocateID_Monotonic(t *testing.T) {
	store := newFakeStore()
	alloc := New(store, 10)

	var last int64
	for i := 0; i < 25; i++ {
		id, err := alloc.AllocateID(context.Background(), "chA")
		require.NoError(t, err)
		assert.Greater(t, id, last)
		last = id
	}
	// 25 ids from a block size of 10 requires exactly 3 refills.
	assert.Equal(t, 3, store.calls)
}

func TestAllocateID_BlockSizeExactCallCount(t *testing.T) {
	store := newFakeStore()
	alloc := New(store, 5)
	for i := 0; i < 5; i++ {
		_, err := alloc.AllocateID(context.Background(), "chB")
		require.NoError(t, err)
	}
	assert.Equal(t, 1, store.calls, "exactly one DB call for a full block")
	_, err := alloc.AllocateID(context.Background(), "chB")
	require.NoError(t, err)
	assert.Equal(t, 2, store.calls, "a new DB call only after the block is exhausted")
}

func TestAllocateID_PerChannelIndependent(t *testing.T) {
	store := newFakeStore()
	alloc := New(store, 10)
	idA, err := alloc.AllocateID(context.Background(), "chA")
	require.NoError(t, err)
	idB, err := alloc.AllocateID(context.Background(), "chB")
	require.NoError(t, err)
	assert.Equal(t, idA, idB, "separate channels allocate from independent sequences")
}

func TestAllocateID_ConcurrentSameChannelNoDuplicates(t *testing.T) {
	store := newFakeStore()
	alloc := New(store, 7)

	const n = 200
	ids := make([]int64, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id, err := alloc.AllocateID(context.Background(), "chConcurrent")
			require.NoError(t, err)
			ids[i] = id
		}(i)
	}
	wg.Wait()

	seen := make(map[int64]bool, n)
	for _, id := range ids {
		assert.False(t, seen[id], "duplicate id allocated: %d", id)
		seen[id] = true
	}
}

// Package sequence implements the per-channel block allocator (spec
// §4.2): it refills a block of ids from the store under a named
// per-channel mutex and hands them out one at a time in-process,
// guaranteeing a strictly increasing sequence within this process.
package sequence

import (
	"context"
	"sync"

	"github.com/hcengine/integration-engine/internal/engineerr"
)

// BlockAllocator is the store-side operation SequenceAllocator drives:
// advance the stored "next id" by blockSize and return [start, end).
type BlockAllocator interface {
	AllocateSequenceBlock(ctx context.Context, channelID string, blockSize int64) (start, end int64, err error)
}

// Allocator hands out strictly increasing message ids per channel within
// this process (spec §4.2). Ids are unique across the cluster but not
// globally monotonic, and gaps are permitted on restart.
type Allocator struct {
	store     BlockAllocator
	blockSize int64

	mu      sync.Mutex
	locks   map[string]*sync.Mutex
	cursors map[string]*cursor
}

type cursor struct {
	mu   sync.Mutex
	next int64
	end  int64
}

// New creates an allocator that refills blockSize ids at a time.
func New(store BlockAllocator, blockSize int64) *Allocator {
	if blockSize <= 0 {
		blockSize = 100
	}
	return &Allocator{
		store:     store,
		blockSize: blockSize,
		locks:     make(map[string]*sync.Mutex),
		cursors:   make(map[string]*cursor),
	}
}

func (a *Allocator) channelLock(channelID string) *sync.Mutex {
	a.mu.Lock()
	defer a.mu.Unlock()
	l, ok := a.locks[channelID]
	if !ok {
		l = &sync.Mutex{}
		a.locks[channelID] = l
	}
	return l
}

// AllocateID returns the next id for channelID. Two concurrent callers
// racing to exhaust the current block both serialize on the channel's
// named mutex, so exactly one of them refills (spec §4.2, §5).
func (a *Allocator) AllocateID(ctx context.Context, channelID string) (int64, error) {
	lock := a.channelLock(channelID)
	lock.Lock()
	defer lock.Unlock()

	a.mu.Lock()
	c, ok := a.cursors[channelID]
	if !ok {
		c = &cursor{}
		a.cursors[channelID] = c
	}
	a.mu.Unlock()

	if c.next >= c.end {
		start, end, err := a.store.AllocateSequenceBlock(ctx, channelID, a.blockSize)
		if err != nil {
			return 0, engineerr.TransportWrap("allocate sequence block for channel "+channelID, err)
		}
		c.next = start
		c.end = end
	}
	id := c.next
	c.next++
	return id, nil
}

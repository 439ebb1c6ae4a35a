package lease

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

type fakeBackend struct {
	mu        sync.Mutex
	holder    string
	expiresAt time.Time
}

func (f *fakeBackend) TryAcquireLease(ctx context.Context, channelID, serverID string, ttl time.Duration) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	now := time.Now()
	if f.holder != "" && f.expiresAt.After(now) && f.holder != serverID {
		return false, nil
	}
	f.holder = serverID
	f.expiresAt = now.Add(ttl)
	return true, nil
}

func (f *fakeBackend) RenewLease(ctx context.Context, channelID, serverID string, ttl time.Duration) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.holder != serverID {
		return false, nil
	}
	f.expiresAt = time.Now().Add(ttl)
	return true, nil
}

func TestManager_SingleHolderAtATime(t *testing.T) {
	backend := &fakeBackend{}

	var mu sync.Mutex
	holdsA, holdsB := false, false

	mgrA := New(backend, "serverA", 200*time.Millisecond, nil)
	mgrB := New(backend, "serverB", 200*time.Millisecond, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	mgrA.Run(ctx, "chan1", func(held bool) { mu.Lock(); holdsA = held; mu.Unlock() })
	mgrB.Run(ctx, "chan1", func(held bool) { mu.Lock(); holdsB = held; mu.Unlock() })

	time.Sleep(50 * time.Millisecond)

	mu.Lock()
	assert.True(t, holdsA != holdsB, "exactly one node should hold the lease")
	mu.Unlock()
}

func TestManager_FailoverAfterStop(t *testing.T) {
	backend := &fakeBackend{}
	ttl := 60 * time.Millisecond

	mgrA := New(backend, "serverA", ttl, nil)
	ctxA, cancelA := context.WithCancel(context.Background())
	var aHeld bool
	mgrA.Run(ctxA, "chan1", func(held bool) { aHeld = held })
	time.Sleep(20 * time.Millisecond)
	assert.True(t, aHeld)

	cancelA() // simulate node A crashing/stopping

	mgrB := New(backend, "serverB", ttl, nil)
	ctxB, cancelB := context.WithCancel(context.Background())
	defer cancelB()
	var bHeld bool
	var muB sync.Mutex
	mgrB.Run(ctxB, "chan1", func(held bool) { muB.Lock(); bHeld = held; muB.Unlock() })

	deadline := time.Now().Add(2 * ttl)
	for time.Now().Before(deadline) {
		muB.Lock()
		held := bHeld
		muB.Unlock()
		if held {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	muB.Lock()
	defer muB.Unlock()
	assert.True(t, bHeld, "node B should acquire the lease within the convergence bound after A stops")
}

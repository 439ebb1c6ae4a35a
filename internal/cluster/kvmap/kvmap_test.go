package kvmap

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInMemoryBackend_SetIfVersionInsertIfAbsent(t *testing.T) {
	b := NewInMemory()
	ok, err := b.SetIfVersion(context.Background(), GlobalScope, "k", "v1", -1)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = b.SetIfVersion(context.Background(), GlobalScope, "k", "v2", -1)
	require.NoError(t, err)
	assert.False(t, ok, "insert-if-absent must fail once the key exists")
}

func TestInMemoryBackend_CASContention(t *testing.T) {
	b := NewInMemory()
	require.NoError(t, b.Set(context.Background(), GlobalScope, "k", "v0"))
	_, version, found, err := b.Get(context.Background(), GlobalScope, "k")
	require.NoError(t, err)
	require.True(t, found)

	const n = 50
	var wg sync.WaitGroup
	var successes int32
	var mu sync.Mutex
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := b.SetIfVersion(context.Background(), GlobalScope, "k", "vNew", version)
			require.NoError(t, err)
			if ok {
				mu.Lock()
				successes++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.EqualValues(t, 1, successes, "exactly one concurrent CAS with the same expected version may succeed")
}

func TestWriteThroughMap_ReadYourOwnWrites(t *testing.T) {
	backend := NewInMemory()
	m := NewWriteThroughMap(backend, GlobalScope, nil)
	m.Set("k", "v")
	v, ok := m.Get("k")
	assert.True(t, ok)
	assert.Equal(t, "v", v)
}

func TestChannelScope(t *testing.T) {
	assert.Equal(t, "gcm:abc", ChannelScope("abc"))
}

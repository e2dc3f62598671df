package continuation

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func key(session, node string) Key {
	return Key{Session: session, Node: node}
}

func TestNewRejectsBadCapacity(t *testing.T) {
	_, err := New(0)
	assert.ErrorIs(t, err, ErrInvalidCapacity)
}

func TestPutLookupRemove(t *testing.T) {
	r, err := New(4)
	require.NoError(t, err)

	replaced, evicted := r.Put(key("s1", "ns=2;s=Folder"), []byte{1})
	assert.Nil(t, replaced)
	assert.Nil(t, evicted)

	e, ok := r.Lookup(key("s1", "ns=2;s=Folder"))
	require.True(t, ok)
	assert.Equal(t, []byte{1}, e.Token)
	assert.False(t, e.CreatedAt.IsZero())

	_, ok = r.Lookup(key("s2", "ns=2;s=Folder"))
	assert.False(t, ok, "tokens are scoped to their session")

	replaced, evicted = r.Put(key("s1", "ns=2;s=Folder"), []byte{2})
	require.NotNil(t, replaced)
	assert.Equal(t, []byte{1}, replaced.Token, "the displaced token is handed back")
	assert.Nil(t, evicted)
	assert.Equal(t, 1, r.Len(), "replacing a token keeps one entry per node")
	e, _ = r.Lookup(key("s1", "ns=2;s=Folder"))
	assert.Equal(t, []byte{2}, e.Token)

	assert.True(t, r.Remove(key("s1", "ns=2;s=Folder")))
	assert.False(t, r.Remove(key("s1", "ns=2;s=Folder")))
	assert.Equal(t, 0, r.Len())
}

func TestPutEvictsOldestWhenFull(t *testing.T) {
	r, err := New(2)
	require.NoError(t, err)

	r.Put(key("s", "a"), []byte("a"))
	r.Put(key("s", "b"), []byte("b"))
	r.Put(key("s", "a"), []byte("a2"))

	replaced, evicted := r.Put(key("s", "c"), []byte("c"))
	assert.Nil(t, replaced)
	require.NotNil(t, evicted)
	assert.Equal(t, key("s", "b"), evicted.Key, "a was refreshed so b is the oldest")
	assert.Equal(t, 2, r.Len())

	_, ok := r.Lookup(key("s", "b"))
	assert.False(t, ok)
}

func TestSweep(t *testing.T) {
	r, err := New(DefaultCapacity)
	require.NoError(t, err)

	r.Put(key("s1", "a"), []byte("1"))
	r.Put(key("s2", "a"), []byte("2"))
	r.Put(key("s1", "b"), []byte("3"))

	dropped := r.Sweep("s1")
	assert.Len(t, dropped, 2)
	assert.Equal(t, 1, r.Len())

	_, ok := r.Lookup(key("s2", "a"))
	assert.True(t, ok)
	assert.Empty(t, r.Sweep("s1"))
}

func TestConcurrentPut(t *testing.T) {
	r, err := New(50)
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < 20; j++ {
				r.Put(key("s", fmt.Sprintf("%d-%d", i, j)), []byte{byte(j)})
			}
		}(i)
	}
	wg.Wait()
	assert.Equal(t, 50, r.Len())
}

// Package continuation tracks outstanding paged-browse continuation tokens.
//
// Entries live in a bounded arena keyed by (session id, source node). When
// the arena is full the oldest entry is evicted, so long-running sessions
// issuing many concurrent browses never grow it without bound. A session
// teardown is a sweep over the arena.
package continuation

import (
	"container/list"
	"sync"
	"time"

	"github.com/pkg/errors"
)

// DefaultCapacity bounds the number of in-flight paged browses.
const DefaultCapacity = 1000

var ErrInvalidCapacity = errors.New("continuation registry capacity must be positive")

// Key addresses one paging sequence.
type Key struct {
	Session string
	Node    string
}

// Entry is one outstanding continuation token.
type Entry struct {
	Key       Key
	Token     []byte
	CreatedAt time.Time
}

// Registry is safe for concurrent use.
type Registry struct {
	mu       sync.Mutex
	capacity int
	order    *list.List
	index    map[Key]*list.Element
	now      func() time.Time
}

// New creates a registry holding at most capacity entries.
func New(capacity int) (*Registry, error) {
	if capacity <= 0 {
		return nil, ErrInvalidCapacity
	}
	return &Registry{
		capacity: capacity,
		order:    list.New(),
		index:    make(map[Key]*list.Element),
		now:      time.Now,
	}, nil
}

// Put stores token for key. A previous token for the same key is replaced
// and returned; otherwise, when the registry is full, the oldest entry is
// evicted and returned.
func (r *Registry) Put(key Key, token []byte) (replaced, evicted *Entry) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if el, ok := r.index[key]; ok {
		replaced = r.order.Remove(el).(*Entry)
		delete(r.index, key)
	} else if r.order.Len() >= r.capacity {
		oldest := r.order.Front()
		e := r.order.Remove(oldest).(*Entry)
		delete(r.index, e.Key)
		evicted = e
	}

	e := &Entry{Key: key, Token: append([]byte(nil), token...), CreatedAt: r.now()}
	r.index[key] = r.order.PushBack(e)
	return replaced, evicted
}

// Lookup returns the entry for key without consuming it.
func (r *Registry) Lookup(key Key) (Entry, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	el, ok := r.index[key]
	if !ok {
		return Entry{}, false
	}
	return *el.Value.(*Entry), true
}

// Remove consumes the entry for key and reports whether one existed.
func (r *Registry) Remove(key Key) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	el, ok := r.index[key]
	if !ok {
		return false
	}
	r.order.Remove(el)
	delete(r.index, key)
	return true
}

// Sweep drops every entry belonging to session and returns them.
func (r *Registry) Sweep(session string) []Entry {
	r.mu.Lock()
	defer r.mu.Unlock()

	var dropped []Entry
	for el := r.order.Front(); el != nil; {
		next := el.Next()
		e := el.Value.(*Entry)
		if e.Key.Session == session {
			r.order.Remove(el)
			delete(r.index, e.Key)
			dropped = append(dropped, *e)
		}
		el = next
	}
	return dropped
}

// Len is the number of outstanding entries.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.order.Len()
}

func (r *Registry) Capacity() int {
	return r.capacity
}

// Package mapofmu provides locking per-key.
// For example, you can acquire a lock for a specific channel ID and all other requests for that channel ID
// will wait until that entry is unlocked, and yet have work for separate channel IDs happen concurrently.
//
// Waiting for a lock can be abandoned through a context. Entries are removed once nobody holds or waits on them.
package mapofmu

import (
	"context"
	"fmt"
	"sync"
)

// M wraps a map of mutexes.  Each key locks separately.
type M[K comparable] struct {
	ml sync.Mutex       // lock for entry map
	ma map[K]*mentry[K] // entry map
}

type mentry[K comparable] struct {
	m   *M[K]         // point back to M, so we can synchronize removing this mentry when cnt==0
	el  chan struct{} // entry-specific lock, held while it contains a value
	cnt int           // reference count
	key K             // key in ma
}

// Unlocker provides an Unlock method to release the lock.
type Unlocker interface {
	Unlock()
}

// New returns an initalized M.
func New[K comparable]() *M[K] {
	return &M[K]{ma: make(map[K]*mentry[K])}
}

func (m *M[K]) ref(key K) *mentry[K] {
	m.ml.Lock()
	defer m.ml.Unlock()

	e, ok := m.ma[key]
	if !ok {
		e = &mentry[K]{m: m, key: key, el: make(chan struct{}, 1)}
		m.ma[key] = e
	}
	e.cnt++ // ref count

	return e
}

func (m *M[K]) unref(e *mentry[K]) {
	m.ml.Lock()
	defer m.ml.Unlock()

	if _, ok := m.ma[e.key]; !ok { // entry must exist
		panic(fmt.Errorf("Unlock requested for key=%v but no entry found", e.key))
	}

	e.cnt--
	if e.cnt < 1 { // if it hits zero then we own it and remove from map
		delete(m.ma, e.key)
	}
}

// Lock acquires the lock of key, waiting until it is free or ctx is done.
// Unlock() must be called to release the lock when done.
func (m *M[K]) Lock(ctx context.Context, key K) (Unlocker, error) {
	e := m.ref(key)

	select {
	case e.el <- struct{}{}:
		return e, nil
	case <-ctx.Done():
		m.unref(e)
		return nil, ctx.Err()
	}
}

// TryLock acquires the lock of key only if it is free
func (m *M[K]) TryLock(key K) (Unlocker, bool) {
	e := m.ref(key)

	select {
	case e.el <- struct{}{}:
		return e, true
	default:
		m.unref(e)
		return nil, false
	}
}

// Unlock releases the lock for this entry.
func (me *mentry[K]) Unlock() {
	me.m.unref(me)

	// now that map stuff is handled, we unlock and let
	// anything else waiting on this key through
	<-me.el
}

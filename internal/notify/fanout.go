package notify

import (
	"slices"
	"sync"
)

// Fanout is an ordered set of subscribers. The zero value is ready to use.
type Fanout[T any] struct {
	mu     sync.RWMutex
	nextID int
	subs   map[int]func(T)
}

// Subscribe registers fn and returns a function that removes it. The returned
// function may be called more than once.
func (f *Fanout[T]) Subscribe(fn func(T)) (unsubscribe func()) {
	f.mu.Lock()
	if f.subs == nil {
		f.subs = make(map[int]func(T))
	}
	id := f.nextID
	f.nextID++
	f.subs[id] = fn
	f.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			f.mu.Lock()
			delete(f.subs, id)
			f.mu.Unlock()
		})
	}
}

// Subscribers returns the current subscribers in registration order
func (f *Fanout[T]) Subscribers() []func(T) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	ids := make([]int, 0, len(f.subs))
	for id := range f.subs {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	fns := make([]func(T), 0, len(ids))
	for _, id := range ids {
		fns = append(fns, f.subs[id])
	}
	return fns
}

// Len returns the number of subscribers
func (f *Fanout[T]) Len() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return len(f.subs)
}

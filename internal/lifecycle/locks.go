package lifecycle

import (
	"context"
	"sync"
)

// Locker serializes mutating operations per document id. Lock returns the
// function that releases the lock.
type Locker interface {
	Lock(ctx context.Context, key string) (func(), error)
}

type keyedEntry struct {
	sem  chan struct{}
	refs int
}

// KeyedMutex is an in-process Locker. Entries are dropped once no caller
// holds or waits for them, so memory tracks the number of active ids.
type KeyedMutex struct {
	mu      sync.Mutex
	entries map[string]*keyedEntry
}

func NewKeyedMutex() *KeyedMutex {
	return &KeyedMutex{entries: make(map[string]*keyedEntry)}
}

func (km *KeyedMutex) Lock(ctx context.Context, key string) (func(), error) {
	km.mu.Lock()
	e, ok := km.entries[key]
	if !ok {
		e = &keyedEntry{sem: make(chan struct{}, 1)}
		km.entries[key] = e
	}
	e.refs++
	km.mu.Unlock()

	select {
	case e.sem <- struct{}{}:
	case <-ctx.Done():
		km.release(key, e)
		return nil, ctx.Err()
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			<-e.sem
			km.release(key, e)
		})
	}, nil
}

func (km *KeyedMutex) release(key string, e *keyedEntry) {
	km.mu.Lock()
	defer km.mu.Unlock()
	e.refs--
	if e.refs == 0 {
		delete(km.entries, key)
	}
}

// size returns the number of tracked keys.
func (km *KeyedMutex) size() int {
	km.mu.Lock()
	defer km.mu.Unlock()
	return len(km.entries)
}

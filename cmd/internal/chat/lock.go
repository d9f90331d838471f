package chat

import (
	"context"
	"sync"
)

// Lock is a mutex whose acquisition honours context cancellation.
type Lock struct {
	ch chan struct{}
}

// NewLock constructs an unlocked Lock.
func NewLock() *Lock {
	return &Lock{ch: make(chan struct{}, 1)}
}

// Acquire blocks until the lock is held or ctx is done.
func (l *Lock) Acquire(ctx context.Context) error {
	select {
	case l.ch <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Release unlocks. It must be called exactly once per successful Acquire.
func (l *Lock) Release() {
	<-l.ch
}

// KeyedMutex hands out one Lock per key (conversation id).
// Entries are reference counted and dropped once nobody holds or waits on them.
// The table mutex only guards bookkeeping and is never held while waiting.
type KeyedMutex struct {
	mu    sync.Mutex
	locks map[string]*keyedLock
}

type keyedLock struct {
	*Lock
	refs int
}

// Acquire locks key and returns the release func.
func (k *KeyedMutex) Acquire(ctx context.Context, key string) (func(), error) {
	k.mu.Lock()
	if k.locks == nil {
		k.locks = make(map[string]*keyedLock)
	}
	l, ok := k.locks[key]
	if !ok {
		l = &keyedLock{Lock: NewLock()}
		k.locks[key] = l
	}
	l.refs++
	k.mu.Unlock()

	if err := l.Acquire(ctx); err != nil {
		k.unref(key, l)
		return nil, err
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			l.Release()
			k.unref(key, l)
		})
	}, nil
}

// Len reports how many keys currently have holders or waiters.
func (k *KeyedMutex) Len() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.locks)
}

func (k *KeyedMutex) unref(key string, l *keyedLock) {
	k.mu.Lock()
	l.refs--
	if l.refs == 0 {
		delete(k.locks, key)
	}
	k.mu.Unlock()
}

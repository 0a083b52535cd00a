// Package lock provides keyed mutual exclusion for storage operations.
//
// Callers take keys in a fixed order (file, then hash, then blob) and never
// while a database transaction is open.
package lock

import (
	"context"
	"sync"
)

// Unlock releases a held key
type Unlock func()

// Locker acquires exclusive ownership of a key
type Locker interface {
	Lock(ctx context.Context, key string) (Unlock, error)
}

// FileKey guards one file record and its version history
func FileKey(fileID string) string { return "file:" + fileID }

// HashKey serializes uploads of identical content
func HashKey(sha256 string) string { return "hash:" + sha256 }

// BlobKey serializes reference checks against a stored blob
func BlobKey(path string) string { return "blob:" + path }

type entry struct {
	ch   chan struct{}
	refs int
}

// LocalLocker is an in-process Locker with per-key reference counting
type LocalLocker struct {
	mu    sync.Mutex
	locks map[string]*entry
}

// NewLocalLocker creates a LocalLocker
func NewLocalLocker() *LocalLocker {
	return &LocalLocker{locks: make(map[string]*entry)}
}

// Lock blocks until key is free or ctx ends
func (l *LocalLocker) Lock(ctx context.Context, key string) (Unlock, error) {
	l.mu.Lock()
	e, ok := l.locks[key]
	if !ok {
		e = &entry{ch: make(chan struct{}, 1)}
		l.locks[key] = e
	}
	e.refs++
	l.mu.Unlock()

	select {
	case e.ch <- struct{}{}:
	case <-ctx.Done():
		l.release(key, e, false)
		return nil, ctx.Err()
	}

	var once sync.Once
	return func() {
		once.Do(func() { l.release(key, e, true) })
	}, nil
}

func (l *LocalLocker) release(key string, e *entry, held bool) {
	if held {
		<-e.ch
	}
	l.mu.Lock()
	e.refs--
	if e.refs == 0 {
		delete(l.locks, key)
	}
	l.mu.Unlock()
}

// Len reports how many keys are held or awaited
func (l *LocalLocker) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.locks)
}

// Package studylock serializes mutating engine operations per study within
// one process. Locks are re-entrant through the context.
package studylock

import (
	"context"
	"sync"
)

// Locker hands out one exclusive lock per study id. Entries are removed once
// no goroutine holds or waits for them.
type Locker struct {
	mu    sync.Mutex
	locks map[int]*entry
}

type entry struct {
	ch   chan struct{}
	refs int
}

func New() *Locker {
	return &Locker{locks: make(map[int]*entry)}
}

// Lock blocks until the study lock is held or ctx is done. The returned
// function releases the lock and must be called exactly once.
func (l *Locker) Lock(ctx context.Context, studyID int) (func(), error) {
	l.mu.Lock()
	e, ok := l.locks[studyID]
	if !ok {
		e = &entry{ch: make(chan struct{}, 1)}
		l.locks[studyID] = e
	}
	e.refs++
	l.mu.Unlock()

	select {
	case e.ch <- struct{}{}:
	case <-ctx.Done():
		l.release(studyID, e, false)
		return nil, ctx.Err()
	}

	var once sync.Once
	return func() {
		once.Do(func() { l.release(studyID, e, true) })
	}, nil
}

func (l *Locker) release(studyID int, e *entry, held bool) {
	if held {
		<-e.ch
	}
	l.mu.Lock()
	e.refs--
	if e.refs == 0 {
		delete(l.locks, studyID)
	}
	l.mu.Unlock()
}

// Len reports how many studies currently have holders or waiters.
func (l *Locker) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.locks)
}

type heldKey struct {
	l       *Locker
	studyID int
}

// Held reports whether ctx was derived inside WithLock for studyID.
func (l *Locker) Held(ctx context.Context, studyID int) bool {
	return ctx.Value(heldKey{l: l, studyID: studyID}) != nil
}

// WithLock runs fn while holding the study lock. The context passed to fn
// carries the lock, so a nested WithLock for the same study runs fn directly
// instead of deadlocking. A nil Locker runs fn without locking, which is how
// the lock is disabled by configuration.
func (l *Locker) WithLock(ctx context.Context, studyID int, fn func(ctx context.Context) error) error {
	if l == nil || l.Held(ctx, studyID) {
		return fn(ctx)
	}
	unlock, err := l.Lock(ctx, studyID)
	if err != nil {
		return err
	}
	defer unlock()
	return fn(context.WithValue(ctx, heldKey{l: l, studyID: studyID}, true))
}

package service

import (
	"context"
	"sync"
)

// cityLocks hands out one mutual-exclusion scope per city. Entries are
// reference-counted and removed once no goroutine holds or waits on them,
// so the map only grows with concurrently requested cities.
type cityLocks struct {
	mu    sync.Mutex
	locks map[string]*cityLock
}

type cityLock struct {
	sem  chan struct{}
	refs int // holders plus waiters
}

func newCityLocks() *cityLocks {
	return &cityLocks{locks: make(map[string]*cityLock)}
}

// acquire blocks until the caller owns city's scope or ctx is done.
// contended reports whether another goroutine held or awaited the scope on arrival.
func (l *cityLocks) acquire(ctx context.Context, city string) (release func(), contended bool, err error) {
	l.mu.Lock()
	lk, ok := l.locks[city]
	if !ok {
		lk = &cityLock{sem: make(chan struct{}, 1)}
		l.locks[city] = lk
	}
	lk.refs++
	contended = lk.refs > 1
	l.mu.Unlock()

	select {
	case lk.sem <- struct{}{}:
	case <-ctx.Done():
		l.unref(city, lk)
		return nil, contended, ctx.Err()
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			<-lk.sem
			l.unref(city, lk)
		})
	}, contended, nil
}

func (l *cityLocks) unref(city string, lk *cityLock) {
	l.mu.Lock()
	defer l.mu.Unlock()
	lk.refs--
	if lk.refs == 0 {
		delete(l.locks, city)
	}
}

// size returns the number of cities with holders or waiters.
func (l *cityLocks) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.locks)
}

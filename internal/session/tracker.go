// Package session keeps per-user state explicit: the active catalog mode and
// the scan currently in flight.
package session

import (
	"context"
	"sync"
)

type inflight struct {
	token  uint64
	cancel context.CancelFunc
}

// Tracker allows one scan in flight per user. Starting a new scan cancels the
// previous one, so a stale response can never overwrite a newer one.
type Tracker struct {
	mu       sync.Mutex
	next     uint64
	inflight map[string]inflight

	// OnSuperseded, when set, is called each time a running scan is cancelled.
	OnSuperseded func(userID string)
}

// NewTracker returns an empty tracker.
func NewTracker() *Tracker {
	return &Tracker{inflight: make(map[string]inflight)}
}

// Begin registers a new scan for userID and returns its context and a finish
// func the caller must invoke when the scan completes.
func (t *Tracker) Begin(ctx context.Context, userID string) (context.Context, func()) {
	scanCtx, cancel := context.WithCancel(ctx)

	t.mu.Lock()
	t.next++
	token := t.next
	prev, had := t.inflight[userID]
	t.inflight[userID] = inflight{token: token, cancel: cancel}
	t.mu.Unlock()

	if had {
		prev.cancel()
		if t.OnSuperseded != nil {
			t.OnSuperseded(userID)
		}
	}

	finish := func() {
		t.mu.Lock()
		if cur, ok := t.inflight[userID]; ok && cur.token == token {
			delete(t.inflight, userID)
		}
		t.mu.Unlock()
		cancel()
	}
	return scanCtx, finish
}

// InFlight reports whether userID has a scan running.
func (t *Tracker) InFlight(userID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.inflight[userID]
	return ok
}

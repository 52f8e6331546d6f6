package wbase

import (
	"context"
	"sync"

	"github.com/marusama/semaphore"
	"golang.org/x/time/rate"
)

// TransmitMgr admission-controls how many result transmits may be in
// flight across the whole worker at once, split between interactive and
// scan traffic the way the blend scheduler (pkg/wsched) splits task
// execution itself (spec §4.4): transmit slots are a second, independent
// admission point downstream of the scheduler, so a burst of completions
// doesn't starve concurrently-running scans of their share of outbound
// bandwidth. Interactive transmits get their
// own resizable semaphore; scan transmits share another, plus a
// per-czar rate limiter so one heavy czar can't starve the rest.
type TransmitMgr struct {
	interactive semaphore.Semaphore
	scan        semaphore.Semaphore

	mu       sync.Mutex
	perCzar  map[string]*rate.Limiter
	czarRate rate.Limit
	czarBurst int
}

// NewTransmitMgr constructs a TransmitMgr with maxInteractive concurrent
// interactive transmits, maxScan concurrent scan transmits, and a
// per-czar token bucket of czarBurst tokens refilled at czarRate/sec.
func NewTransmitMgr(maxInteractive, maxScan int, czarRate float64, czarBurst int) *TransmitMgr {
	return &TransmitMgr{
		interactive: semaphore.New(maxInteractive),
		scan:        semaphore.New(maxScan),
		perCzar:     make(map[string]*rate.Limiter),
		czarRate:    rate.Limit(czarRate),
		czarBurst:   czarBurst,
	}
}

func (m *TransmitMgr) limiterFor(czarID string) *rate.Limiter {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.perCzar[czarID]
	if !ok {
		l = rate.NewLimiter(m.czarRate, m.czarBurst)
		m.perCzar[czarID] = l
	}
	return l
}

// TransmitLock is a held admission slot; Release must be called exactly
// once.
type TransmitLock struct {
	mgr         *TransmitMgr
	interactive bool
	released    bool
	mu          sync.Mutex
}

// Acquire blocks until a transmit slot is available for czarID, honoring
// both the interactive/scan concurrency cap and the per-czar rate limit.
func (m *TransmitMgr) Acquire(ctx context.Context, czarID string, interactive bool) (*TransmitLock, error) {
	if err := m.limiterFor(czarID).Wait(ctx); err != nil {
		return nil, err
	}
	sem := m.scan
	if interactive {
		sem = m.interactive
	}
	if err := sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	return &TransmitLock{mgr: m, interactive: interactive}, nil
}

// Release gives back the admission slot. Safe to call more than once.
func (l *TransmitLock) Release() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.released {
		return
	}
	l.released = true
	sem := l.mgr.scan
	if l.interactive {
		sem = l.mgr.interactive
	}
	sem.Release(1)
}

// SetLimits resizes the interactive/scan concurrency caps at runtime,
// mirroring the blend scheduler's own resizable thread reservations
// (spec §4.6 recognized options: maxInteractiveTransmits, maxScanTransmits).
func (m *TransmitMgr) SetLimits(maxInteractive, maxScan int) {
	m.interactive.SetLimit(maxInteractive)
	m.scan.SetLimit(maxScan)
}

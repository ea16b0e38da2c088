package service

import (
	"context"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/cpunk-club/cpunk-verifier/pkg/logger"
	"github.com/cpunk-club/cpunk-verifier/pkg/models"
)

// DashboardSession is the part of the dashboard client the session routine maintains
type DashboardSession interface {
	Connected() bool
	Connect(ctx context.Context) (string, error)
	GetWallets(ctx context.Context) ([]models.WalletInfo, error)
}

// SessionRoutine keeps the dashboard session open: it connects when no session
// is known and reconnects when a session check fails
type SessionRoutine struct {
	dashboard DashboardSession
	interval  time.Duration
	clock     clock.Clock
	logger    logger.Logger

	mu       sync.RWMutex
	stopChan chan struct{}
	running  bool
	done     chan struct{}
}

// NewSessionRoutine creates a new session routine
func NewSessionRoutine(dashboard DashboardSession, interval time.Duration, l logger.Logger) *SessionRoutine {
	if l == nil {
		l = &logger.EmptyLogger{}
	}
	return &SessionRoutine{
		dashboard: dashboard,
		interval:  interval,
		clock:     clock.New(),
		logger:    l,
	}
}

// WithClock replaces the wall clock, used by tests
func (r *SessionRoutine) WithClock(c clock.Clock) *SessionRoutine {
	r.clock = c
	return r
}

// Start begins the periodic session checks
func (r *SessionRoutine) Start(ctx context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.running {
		return
	}

	r.stopChan = make(chan struct{})
	r.done = make(chan struct{})
	r.running = true

	go r.run(ctx, r.stopChan, r.done)
}

// Stop halts the periodic checks and waits for the current one to finish
func (r *SessionRoutine) Stop() {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return
	}
	close(r.stopChan)
	done := r.done
	r.stopChan = nil
	r.running = false
	r.mu.Unlock()

	<-done
}

// IsRunning returns whether the routine is currently running
func (r *SessionRoutine) IsRunning() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.running
}

func (r *SessionRoutine) run(ctx context.Context, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	ticker := r.clock.Ticker(r.interval)
	defer ticker.Stop()

	r.Refresh(ctx)

	for {
		select {
		case <-ticker.C:
			r.Refresh(ctx)
		case <-stop:
			return
		case <-ctx.Done():
			return
		}
	}
}

// Refresh performs a single session check. It returns whether a session is open afterwards.
func (r *SessionRoutine) Refresh(ctx context.Context) bool {
	if r.dashboard.Connected() {
		_, err := r.dashboard.GetWallets(ctx)
		if err == nil {
			return true
		}
		r.logger.Error("Dashboard session check failed, reconnecting: %v", err)
	}

	if _, err := r.dashboard.Connect(ctx); err != nil {
		r.logger.Error("Failed to connect to dashboard: %v", err)
		return false
	}
	return true
}

package verifier

import (
	"context"
	"sync"
	"time"

	"github.com/cpunk-club/cpunk-verifier/pkg/metrics"
	"github.com/cpunk-club/cpunk-verifier/pkg/models"
)

// State is the lifecycle position of a session
type State int

const (
	StateIdle State = iota
	StateRunning
	StateVerified
	StateExhausted
	StateCancelled
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRunning:
		return "running"
	case StateVerified:
		return "verified"
	case StateExhausted:
		return "exhausted"
	case StateCancelled:
		return "cancelled"
	}
	return "unknown"
}

// Terminal reports whether no further callback can fire in this state
func (s State) Terminal() bool {
	return s == StateVerified || s == StateExhausted || s == StateCancelled
}

// Session is one running verification. All callbacks of a session run on its own goroutine.
type Session struct {
	id       string
	verifier *Verifier
	req      models.VerificationRequest
	cb       Callbacks
	ctx      context.Context
	cancel   context.CancelFunc

	mu         sync.Mutex
	state      State
	attempts   []models.VerificationAttempt
	startedAt  time.Time
	finishedAt time.Time
	err        error

	// held while OnAttempt runs; Cancel waits on it
	attemptMu sync.Mutex

	done chan struct{}
}

// SessionInfo is a snapshot of a session for status reporting
type SessionInfo struct {
	ID            string                       `json:"id"`
	Key           string                       `json:"key,omitempty"`
	TransactionID string                       `json:"transaction_id"`
	Network       string                       `json:"network,omitempty"`
	State         string                       `json:"state"`
	MaxAttempts   int                          `json:"max_attempts"`
	Attempts      []models.VerificationAttempt `json:"attempts"`
	StartedAt     time.Time                    `json:"started_at"`
	FinishedAt    *time.Time                   `json:"finished_at,omitempty"`
	Error         string                       `json:"error,omitempty"`
}

// ID returns the unique id of this session. Restarting a transaction yields a new id.
func (s *Session) ID() string {
	return s.id
}

// TransactionID returns the transaction being verified
func (s *Session) TransactionID() string {
	return s.req.TransactionID
}

// Network returns the network the transaction is checked on
func (s *Session) Network() string {
	return s.req.Network
}

// MaxAttempts returns the number of checks in the schedule
func (s *Session) MaxAttempts() int {
	return len(s.req.Schedule)
}

// StartedAt returns when the schedule started counting
func (s *Session) StartedAt() time.Time {
	return s.startedAt
}

// State returns the current lifecycle state
func (s *Session) State() State {
	if s == nil {
		return StateIdle
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Attempts returns the completed checks so far
func (s *Session) Attempts() []models.VerificationAttempt {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]models.VerificationAttempt(nil), s.attempts...)
}

// Err returns ErrVerificationTimeout or ErrSessionCancelled once the session ended without verifying
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Done is closed when the session goroutine has exited
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Wait blocks until the session ends or ctx is done, returning the final state
func (s *Session) Wait(ctx context.Context) (State, error) {
	select {
	case <-s.done:
		return s.State(), s.Err()
	case <-ctx.Done():
		return s.State(), ctx.Err()
	}
}

// Info returns a snapshot for status endpoints
func (s *Session) Info() SessionInfo {
	s.mu.Lock()
	defer s.mu.Unlock()

	info := SessionInfo{
		ID:            s.id,
		TransactionID: s.req.TransactionID,
		Network:       s.req.Network,
		State:         s.state.String(),
		MaxAttempts:   len(s.req.Schedule),
		Attempts:      append([]models.VerificationAttempt(nil), s.attempts...),
		StartedAt:     s.startedAt,
	}
	if !s.finishedAt.IsZero() {
		finished := s.finishedAt
		info.FinishedAt = &finished
	}
	if s.err != nil {
		info.Error = s.err.Error()
	}
	return info
}

// Cancel stops the session without firing any callback. It is safe to call
// on a nil session, more than once, or after the session finished.
// A check already in flight is abandoned and its result ignored. An OnAttempt already
// running is waited for, so OnAttempt must not cancel its own session.
func (s *Session) Cancel() {
	if s == nil {
		return
	}
	if !s.transition(StateCancelled, ErrSessionCancelled) {
		return
	}
	s.cancel()
	s.attemptMu.Lock()
	defer s.attemptMu.Unlock()
	s.verifier.logger.InfoWithNetwork(s.req.Network, "Verification of %s cancelled", s.req.TransactionID)
	s.verifier.publish(s.event(models.EventCancelled, s.attemptCount(), ""))
}

// transition moves a running session into a terminal state. Only the first caller wins.
func (s *Session) transition(to State, err error) bool {
	s.mu.Lock()
	if s.state != StateRunning {
		s.mu.Unlock()
		return false
	}
	s.state = to
	s.err = err
	s.finishedAt = s.verifier.clock.Now()
	s.mu.Unlock()

	metrics.ActiveSessions.Dec()
	metrics.SessionsFinished.WithLabelValues(networkLabel(s.req.Network), to.String()).Inc()
	return true
}

func (s *Session) running() bool {
	return s.State() == StateRunning
}

func (s *Session) attemptCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.attempts)
}

func (s *Session) event(kind models.EventKind, attempt int, errMsg string) models.SessionEvent {
	return models.SessionEvent{
		SessionID:     s.id,
		Kind:          kind,
		TransactionID: s.req.TransactionID,
		Network:       s.req.Network,
		Attempt:       attempt,
		MaxAttempts:   len(s.req.Schedule),
		Error:         errMsg,
		Time:          s.verifier.clock.Now(),
	}
}

// run walks the schedule. Deadlines are absolute offsets from startedAt, so a slow
// check does not push later checks back.
func (s *Session) run() {
	defer close(s.done)
	defer s.cancel()

	v := s.verifier
	maxAttempts := len(s.req.Schedule)
	network := networkLabel(s.req.Network)

	var (
		deadline = s.startedAt
		elapsed  time.Duration
		lastErr  error
	)
	for i, wait := range s.req.Schedule {
		attempt := i + 1
		deadline = deadline.Add(wait)
		elapsed += wait

		if !s.waitUntil(deadline) {
			// Parent context ended; Cancel is a no-op if the caller already cancelled.
			s.Cancel()
			return
		}
		if !s.fireAttempt(attempt, maxAttempts) || !s.running() {
			return
		}
		v.publish(s.event(models.EventAttempt, attempt, ""))
		v.logger.DebugWithNetwork(s.req.Network, "Checking %s, attempt %d/%d", s.req.TransactionID, attempt, maxAttempts)

		verified, err := v.checker.CheckTransaction(s.ctx, s.req.TransactionID, s.req.Network)

		s.mu.Lock()
		if s.state != StateRunning {
			// Cancelled while the check was in flight
			s.mu.Unlock()
			return
		}
		outcome := outcomeOf(verified, err)
		record := models.VerificationAttempt{
			Index:        attempt,
			ElapsedDelay: elapsed,
			Outcome:      outcome,
			OutcomeName:  outcome.String(),
			CheckedAt:    v.clock.Now(),
		}
		if err != nil {
			record.Error = err.Error()
		}
		s.attempts = append(s.attempts, record)
		s.mu.Unlock()

		metrics.Attempts.WithLabelValues(network, outcome.String()).Inc()

		if verified {
			if !s.transition(StateVerified, nil) {
				return
			}
			metrics.AttemptsToVerify.WithLabelValues(network).Observe(float64(attempt))
			metrics.VerificationDuration.WithLabelValues(network).Observe(v.clock.Since(s.startedAt).Seconds())
			v.logger.NoticeWithNetwork(s.req.Network, "Transaction %s verified on attempt %d/%d", s.req.TransactionID, attempt, maxAttempts)
			v.publish(s.event(models.EventVerified, attempt, ""))
			if s.cb.OnSuccess != nil {
				s.cb.OnSuccess(s.req.TransactionID, attempt)
			}
			return
		}

		lastErr = err
		if err != nil {
			v.logger.ErrorWithNetwork(s.req.Network, "Check %d/%d of %s failed: %v", attempt, maxAttempts, s.req.TransactionID, err)
		} else {
			v.logger.DebugWithNetwork(s.req.Network, "Transaction %s not verified yet (%d/%d)", s.req.TransactionID, attempt, maxAttempts)
		}
	}

	if !s.transition(StateExhausted, ErrVerificationTimeout) {
		return
	}
	errMsg := ErrVerificationTimeout.Error()
	if lastErr != nil {
		errMsg = lastErr.Error()
	}
	v.logger.ErrorWithNetwork(s.req.Network, "Transaction %s not verified after %d checks", s.req.TransactionID, maxAttempts)
	v.publish(s.event(models.EventFailed, maxAttempts, errMsg))
	if s.cb.OnFailure != nil {
		s.cb.OnFailure(s.req.TransactionID, maxAttempts, lastErr)
	}
}

// fireAttempt runs OnAttempt while the session is still running. It reports false
// when the session was cancelled first.
func (s *Session) fireAttempt(attempt, maxAttempts int) bool {
	s.attemptMu.Lock()
	defer s.attemptMu.Unlock()
	if !s.running() {
		return false
	}
	if s.cb.OnAttempt != nil {
		s.cb.OnAttempt(attempt, maxAttempts)
	}
	return true
}

// waitUntil blocks until deadline on the verifier clock. It returns false when the
// session context ends first.
func (s *Session) waitUntil(deadline time.Time) bool {
	wait := deadline.Sub(s.verifier.clock.Now())
	if wait <= 0 {
		return s.ctx.Err() == nil
	}

	timer := s.verifier.clock.Timer(wait)
	defer timer.Stop()
	// The clock may have moved past deadline while the timer was being created.
	if !s.verifier.clock.Now().Before(deadline) {
		return s.ctx.Err() == nil
	}

	select {
	case <-s.ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

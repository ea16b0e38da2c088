package verifier

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/ethereum/go-ethereum/event"
	"github.com/google/uuid"

	"github.com/cpunk-club/cpunk-verifier/pkg/logger"
	"github.com/cpunk-club/cpunk-verifier/pkg/metrics"
	"github.com/cpunk-club/cpunk-verifier/pkg/models"
)

var (
	// ErrInvalidRequest is returned by Start when nothing can be scheduled
	ErrInvalidRequest = errors.New("invalid verification request")

	// ErrVerificationTimeout is reported by a session whose schedule ran out unverified
	ErrVerificationTimeout = errors.New("transaction not verified within the schedule")

	// ErrSessionCancelled is reported by a session stopped by Cancel or its context
	ErrSessionCancelled = errors.New("verification cancelled")
)

// DefaultSchedule is the wait before each check: 15s, 45s, then a minute eight times.
// Checks land at 15s, 60s, 120s ... 540s after the session starts.
var DefaultSchedule = []time.Duration{
	15 * time.Second,
	45 * time.Second,
	60 * time.Second,
	60 * time.Second,
	60 * time.Second,
	60 * time.Second,
	60 * time.Second,
	60 * time.Second,
	60 * time.Second,
	60 * time.Second,
}

// Checker answers whether a transaction has been confirmed
type Checker interface {
	CheckTransaction(ctx context.Context, txID, network string) (bool, error)
}

// CheckerFunc adapts a function to the Checker interface
type CheckerFunc func(ctx context.Context, txID, network string) (bool, error)

func (f CheckerFunc) CheckTransaction(ctx context.Context, txID, network string) (bool, error) {
	return f(ctx, txID, network)
}

// Callbacks are the optional lifecycle hooks of a session. Nil hooks are skipped.
type Callbacks struct {
	// OnStart runs synchronously inside Start, before any wait is scheduled.
	OnStart func(txID string)
	// OnAttempt runs when a scheduled wait elapses, before the check result is known.
	// It never runs after Cancel has returned, and must not cancel its own session.
	OnAttempt func(attempt, maxAttempts int)
	// OnSuccess runs once, on the first check that reports the transaction verified.
	OnSuccess func(txID string, attempt int)
	// OnFailure runs once after the last check comes back unverified.
	// err is the last check's transport error, nil when it simply reported false.
	OnFailure func(txID string, attempts int, err error)
}

// Verifier polls a Checker on a fixed schedule for each started session
type Verifier struct {
	checker        Checker
	clock          clock.Clock
	logger         logger.Logger
	schedule       []time.Duration
	defaultNetwork string

	feed  event.Feed
	scope event.SubscriptionScope
}

// Option configures a Verifier
type Option func(*Verifier)

// WithClock replaces the wall clock, mostly for tests
func WithClock(c clock.Clock) Option {
	return func(v *Verifier) {
		v.clock = c
	}
}

// WithLogger sets the logger used for session progress
func WithLogger(l logger.Logger) Option {
	return func(v *Verifier) {
		v.logger = l
	}
}

// WithSchedule replaces DefaultSchedule for requests that carry no schedule of their own
func WithSchedule(schedule []time.Duration) Option {
	return func(v *Verifier) {
		v.schedule = append([]time.Duration(nil), schedule...)
	}
}

// WithDefaultNetwork sets the network used when a request names none
func WithDefaultNetwork(network string) Option {
	return func(v *Verifier) {
		v.defaultNetwork = network
	}
}

// New creates a verifier around checker
func New(checker Checker, opts ...Option) *Verifier {
	v := &Verifier{
		checker:  checker,
		clock:    clock.New(),
		logger:   &logger.EmptyLogger{},
		schedule: DefaultSchedule,
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// Schedule returns a copy of the schedule used when a request has none
func (v *Verifier) Schedule() []time.Duration {
	return append([]time.Duration(nil), v.schedule...)
}

// SubscribeEvents delivers every session lifecycle event to ch.
// The channel should be buffered; a stalled subscriber delays the sessions publishing to it.
func (v *Verifier) SubscribeEvents(ch chan<- models.SessionEvent) event.Subscription {
	return v.scope.Track(v.feed.Subscribe(ch))
}

// Close ends every event subscription. Running sessions are not affected.
func (v *Verifier) Close() {
	v.scope.Close()
}

func (v *Verifier) publish(ev models.SessionEvent) {
	v.feed.Send(ev)
}

// normalize validates req and fills in the defaults, returning a request the caller cannot mutate
func (v *Verifier) normalize(req models.VerificationRequest) (models.VerificationRequest, error) {
	txID := strings.TrimSpace(req.TransactionID)
	if txID == "" {
		return req, fmt.Errorf("%w: empty transaction id", ErrInvalidRequest)
	}

	schedule := req.Schedule
	if len(schedule) == 0 {
		schedule = v.schedule
	}
	if len(schedule) == 0 {
		return req, fmt.Errorf("%w: empty schedule", ErrInvalidRequest)
	}
	for i, wait := range schedule {
		if wait <= 0 {
			return req, fmt.Errorf("%w: schedule entry %d is %s, must be greater than 0", ErrInvalidRequest, i+1, wait)
		}
	}

	network := strings.TrimSpace(req.Network)
	if network == "" {
		network = v.defaultNetwork
	}

	return models.VerificationRequest{
		TransactionID: txID,
		Network:       network,
		Schedule:      append([]time.Duration(nil), schedule...),
	}, nil
}

// Start begins polling for req.TransactionID. OnStart has run by the time Start returns.
// Runtime failures never come back from Start: they are reported through cb and the session.
func (v *Verifier) Start(ctx context.Context, req models.VerificationRequest, cb Callbacks) (*Session, error) {
	req, err := v.normalize(req)
	if err != nil {
		return nil, err
	}

	sessionCtx, cancel := context.WithCancel(ctx)
	s := &Session{
		id:        uuid.NewString(),
		verifier:  v,
		req:       req,
		cb:        cb,
		ctx:       sessionCtx,
		cancel:    cancel,
		state:     StateRunning,
		startedAt: v.clock.Now(),
		done:      make(chan struct{}),
	}

	network := networkLabel(req.Network)
	metrics.SessionsStarted.WithLabelValues(network).Inc()
	metrics.ActiveSessions.Inc()
	v.logger.InfoWithNetwork(req.Network, "Verification started for %s, %d checks over %s",
		req.TransactionID, len(req.Schedule), totalWait(req.Schedule))

	if cb.OnStart != nil {
		cb.OnStart(req.TransactionID)
	}
	started := s.event(models.EventStarted, 0, "")
	started.Time = s.startedAt
	v.publish(started)

	go s.run()
	return s, nil
}

// CheckOnce runs a single check outside any schedule
func (v *Verifier) CheckOnce(ctx context.Context, txID, network string) (bool, error) {
	txID = strings.TrimSpace(txID)
	if txID == "" {
		return false, fmt.Errorf("%w: empty transaction id", ErrInvalidRequest)
	}
	if network == "" {
		network = v.defaultNetwork
	}

	verified, err := v.checker.CheckTransaction(ctx, txID, network)
	metrics.Attempts.WithLabelValues(networkLabel(network), outcomeOf(verified, err).String()).Inc()
	if err != nil {
		v.logger.ErrorWithNetwork(network, "Manual check of %s failed: %v", txID, err)
		return false, err
	}
	v.logger.InfoWithNetwork(network, "Manual check of %s: verified=%t", txID, verified)
	return verified, nil
}

func outcomeOf(verified bool, err error) models.Outcome {
	switch {
	case err != nil:
		return models.OutcomeTransportError
	case verified:
		return models.OutcomeVerified
	default:
		return models.OutcomeNotVerified
	}
}

func networkLabel(network string) string {
	if network == "" {
		return "default"
	}
	return network
}

func totalWait(schedule []time.Duration) time.Duration {
	var total time.Duration
	for _, wait := range schedule {
		total += wait
	}
	return total
}

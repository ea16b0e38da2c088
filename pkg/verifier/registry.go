package verifier

import (
	"context"
	"sort"
	"sync"

	"github.com/cpunk-club/cpunk-verifier/pkg/models"
)

// RegistrationKey is the registry key for a DNA registration payment
func RegistrationKey(dna string) string { return "registration:" + dna }

// DelegationKey is the registry key for a wallet's staking order
func DelegationKey(wallet string) string { return "delegation:" + wallet }

// ReservationKey is the registry key for a party reservation payment
func ReservationKey(dna string) string { return "reservation:" + dna }

// TransactionKey is the registry key for a bare transaction submitted for verification
func TransactionKey(txID string) string { return "transaction:" + txID }

// Registry keeps at most one running session per key. Starting a session for a
// key cancels the one already running for it.
type Registry struct {
	verifier *Verifier

	startMu  sync.Mutex
	mu       sync.Mutex
	sessions map[string]*Session
}

// NewRegistry creates an empty registry over v
func NewRegistry(v *Verifier) *Registry {
	return &Registry{
		verifier: v,
		sessions: make(map[string]*Session),
	}
}

// Verifier returns the verifier the registry starts sessions on
func (r *Registry) Verifier() *Verifier {
	return r.verifier
}

// Start cancels the session running under key, if any, and starts a new one.
// An invalid request leaves the running session untouched.
// OnStart must not call Start on the same registry.
func (r *Registry) Start(ctx context.Context, key string, req models.VerificationRequest, cb Callbacks) (*Session, error) {
	if _, err := r.verifier.normalize(req); err != nil {
		return nil, err
	}

	r.startMu.Lock()
	defer r.startMu.Unlock()

	r.mu.Lock()
	prev := r.sessions[key]
	delete(r.sessions, key)
	r.mu.Unlock()

	if prev != nil && !prev.State().Terminal() {
		r.verifier.logger.InfoWithNetwork(prev.Network(), "Replacing verification of %s under %s", prev.TransactionID(), key)
	}
	prev.Cancel()

	s, err := r.verifier.Start(ctx, req, cb)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	r.sessions[key] = s
	r.mu.Unlock()

	go func() {
		<-s.Done()
		r.mu.Lock()
		defer r.mu.Unlock()
		if r.sessions[key] == s {
			delete(r.sessions, key)
		}
	}()

	return s, nil
}

// Get returns the running session for key
func (r *Registry) Get(key string) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[key]
	return s, ok
}

// Cancel stops the session for key. It reports whether one was running.
func (r *Registry) Cancel(key string) bool {
	r.mu.Lock()
	s, ok := r.sessions[key]
	delete(r.sessions, key)
	r.mu.Unlock()

	if !ok {
		return false
	}
	s.Cancel()
	return true
}

// CancelAll stops every session, used on shutdown
func (r *Registry) CancelAll() {
	r.mu.Lock()
	sessions := r.sessions
	r.sessions = make(map[string]*Session)
	r.mu.Unlock()

	for _, s := range sessions {
		s.Cancel()
	}
}

// Active returns a snapshot of every running session, ordered by key
func (r *Registry) Active() []SessionInfo {
	r.mu.Lock()
	keys := make([]string, 0, len(r.sessions))
	for key := range r.sessions {
		keys = append(keys, key)
	}
	sessions := make(map[string]*Session, len(r.sessions))
	for key, s := range r.sessions {
		sessions[key] = s
	}
	r.mu.Unlock()

	sort.Strings(keys)
	infos := make([]SessionInfo, 0, len(keys))
	for _, key := range keys {
		info := sessions[key].Info()
		info.Key = key
		infos = append(infos, info)
	}
	return infos
}

// Len returns the number of running sessions
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

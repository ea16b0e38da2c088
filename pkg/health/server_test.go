package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cpunk-club/cpunk-verifier/pkg/circuitbreaker"
	"github.com/cpunk-club/cpunk-verifier/pkg/models"
	"github.com/cpunk-club/cpunk-verifier/pkg/verifier"
)

func newTestServer(t *testing.T, apiKey string) (*Server, *verifier.Registry, *circuitbreaker.CircuitBreaker) {
	t.Helper()
	checker := verifier.CheckerFunc(func(context.Context, string, string) (bool, error) {
		return false, nil
	})
	v := verifier.New(checker, verifier.WithClock(clock.NewMock()), verifier.WithSchedule([]time.Duration{time.Minute}))
	t.Cleanup(v.Close)
	registry := verifier.NewRegistry(v)
	t.Cleanup(registry.CancelAll)

	cb := circuitbreaker.NewCircuitBreaker("dna-proxy", true, 1, time.Minute, time.Minute, nil)
	return NewServer("0", registry, []*circuitbreaker.CircuitBreaker{cb}, NewEventLog(10), apiKey, nil), registry, cb
}

func do(t *testing.T, h http.Handler, method, target string, header http.Header) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, nil)
	for k, v := range header {
		req.Header[k] = v
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func postJSON(t *testing.T, h http.Handler, target, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, target, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestHealthAndReady(t *testing.T) {
	s, _, _ := newTestServer(t, "")
	h := s.Router()

	rec := do(t, h, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "OK", rec.Body.String())

	assert.Equal(t, http.StatusOK, do(t, h, http.MethodGet, "/ready", nil).Code)

	s.AddReadinessCheck("dashboard", func(context.Context) error { return errors.New("not connected") })
	rec = do(t, h, http.MethodGet, "/ready", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), "dashboard not ready: not connected")
}

func TestSessionsEndpoints(t *testing.T) {
	s, registry, _ := newTestServer(t, "")
	h := s.Router()

	key := verifier.RegistrationKey("alice")
	_, err := registry.Start(context.Background(), key, models.VerificationRequest{TransactionID: "0xABC"}, verifier.Callbacks{})
	require.NoError(t, err)

	rec := do(t, h, http.MethodGet, "/sessions", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var infos []verifier.SessionInfo
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &infos))
	require.Len(t, infos, 1)
	assert.Equal(t, key, infos[0].Key)
	assert.Equal(t, "0xABC", infos[0].TransactionID)
	assert.Equal(t, "running", infos[0].State)

	rec = do(t, h, http.MethodGet, "/sessions/"+key, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var info verifier.SessionInfo
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &info))
	assert.Equal(t, 1, info.MaxAttempts)

	assert.Equal(t, http.StatusNotFound, do(t, h, http.MethodGet, "/sessions/registration:bob", nil).Code)

	assert.Equal(t, http.StatusOK, do(t, h, http.MethodDelete, "/sessions/"+key, nil).Code)
	assert.Equal(t, 0, registry.Len())
	assert.Equal(t, http.StatusNotFound, do(t, h, http.MethodDelete, "/sessions/"+key, nil).Code)
}

func TestStartSession(t *testing.T) {
	t.Run("default key", func(t *testing.T) {
		s, registry, _ := newTestServer(t, "")
		h := s.Router()

		rec := postJSON(t, h, "/sessions", `{"transaction_id":" 0xABC ","network":"KelVPN"}`)
		require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

		var info verifier.SessionInfo
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &info))
		assert.Equal(t, verifier.TransactionKey("0xABC"), info.Key)
		assert.Equal(t, "0xABC", info.TransactionID)
		assert.Equal(t, "KelVPN", info.Network)
		assert.Equal(t, "running", info.State)
		assert.NotEmpty(t, info.ID)

		session, ok := registry.Get(verifier.TransactionKey("0xABC"))
		require.True(t, ok)
		assert.Equal(t, info.ID, session.ID())

		rec = do(t, h, http.MethodGet, "/sessions", nil)
		var infos []verifier.SessionInfo
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &infos))
		assert.Len(t, infos, 1)
	})

	t.Run("explicit key and schedule replace the running session", func(t *testing.T) {
		s, registry, _ := newTestServer(t, "")
		h := s.Router()
		key := verifier.RegistrationKey("alice")

		rec := postJSON(t, h, "/sessions", `{"key":"registration:alice","transaction_id":"0xABC"}`)
		require.Equal(t, http.StatusCreated, rec.Code)
		first, ok := registry.Get(key)
		require.True(t, ok)

		rec = postJSON(t, h, "/sessions", `{"key":"registration:alice","transaction_id":"0xDEF","schedule":["15s","45s"]}`)
		require.Equal(t, http.StatusCreated, rec.Code)
		var info verifier.SessionInfo
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &info))
		assert.Equal(t, 2, info.MaxAttempts)
		assert.NotEqual(t, first.ID(), info.ID)

		<-first.Done()
		assert.Equal(t, verifier.StateCancelled, first.State())
		assert.Equal(t, 1, registry.Len())
	})

	t.Run("bad requests", func(t *testing.T) {
		s, registry, _ := newTestServer(t, "")
		h := s.Router()

		assert.Equal(t, http.StatusBadRequest, postJSON(t, h, "/sessions", `not json`).Code)
		assert.Equal(t, http.StatusBadRequest, postJSON(t, h, "/sessions", `{"transaction_id":"  "}`).Code)
		assert.Equal(t, http.StatusBadRequest, postJSON(t, h, "/sessions", `{"transaction_id":"0xABC","schedule":["soon"]}`).Code)
		assert.Equal(t, http.StatusBadRequest, postJSON(t, h, "/sessions", `{"transaction_id":"0xABC","schedule":["-1s"]}`).Code)
		assert.Equal(t, 0, registry.Len())
	})
}

func TestStatusAndCircuitReset(t *testing.T) {
	s, _, cb := newTestServer(t, "")
	h := s.Router()

	cb.RecordFailure()
	require.True(t, cb.IsOpen())

	rec := do(t, h, http.MethodGet, "/status", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var status struct {
		ActiveSessions  int                             `json:"active_sessions"`
		Schedule        []string                        `json:"schedule"`
		CircuitBreakers map[string]circuitbreaker.State `json:"circuit_breakers"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &status))
	assert.Equal(t, []string{"1m0s"}, status.Schedule)
	assert.True(t, status.CircuitBreakers["dna-proxy"].Open)

	assert.Equal(t, http.StatusMethodNotAllowed, do(t, h, http.MethodGet, "/circuit/reset", nil).Code)
	assert.Equal(t, http.StatusNotFound, do(t, h, http.MethodPost, "/circuit/reset?api=dashboard", nil).Code)

	assert.Equal(t, http.StatusOK, do(t, h, http.MethodPost, "/circuit/reset?api=dna-proxy", nil).Code)
	assert.False(t, cb.IsOpen())

	cb.RecordFailure()
	assert.Equal(t, http.StatusOK, do(t, h, http.MethodPost, "/circuit/reset", nil).Code)
	assert.False(t, cb.IsOpen())
}

func TestMetricsAuth(t *testing.T) {
	s, _, _ := newTestServer(t, "secret")
	h := s.Router()

	assert.Equal(t, http.StatusUnauthorized, do(t, h, http.MethodGet, "/metrics", nil).Code)
	assert.Equal(t, http.StatusUnauthorized, do(t, h, http.MethodGet, "/metrics", http.Header{"Authorization": {"Basic secret"}}).Code)
	assert.Equal(t, http.StatusUnauthorized, do(t, h, http.MethodGet, "/metrics", http.Header{"Authorization": {"Bearer wrong"}}).Code)
	assert.Equal(t, http.StatusOK, do(t, h, http.MethodGet, "/metrics", http.Header{"Authorization": {"Bearer secret"}}).Code)

	open, _, _ := newTestServer(t, "")
	assert.Equal(t, http.StatusOK, do(t, open.Router(), http.MethodGet, "/metrics", nil).Code)
}

func TestEventLog(t *testing.T) {
	t.Run("ring keeps the newest events", func(t *testing.T) {
		l := NewEventLog(3)
		for i := 1; i <= 5; i++ {
			l.Add(models.SessionEvent{Kind: models.EventAttempt, Attempt: i})
		}
		recent := l.Recent()
		require.Len(t, recent, 3)
		assert.Equal(t, 3, recent[0].Attempt)
		assert.Equal(t, 5, recent[2].Attempt)
	})

	t.Run("follows the verifier", func(t *testing.T) {
		s, registry, _ := newTestServer(t, "")
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		followed := make(chan error, 1)
		go func() { followed <- s.events.Follow(ctx, registry.Verifier()) }()

		// Subscription happens inside Follow; keep starting until the event lands.
		require.Eventually(t, func() bool {
			if _, err := registry.Start(ctx, "registration:alice", models.VerificationRequest{TransactionID: "0xABC"}, verifier.Callbacks{}); err != nil {
				return false
			}
			return len(s.events.Recent()) > 0
		}, time.Second, 10*time.Millisecond)

		rec := do(t, s.Router(), http.MethodGet, "/events", nil)
		var events []models.SessionEvent
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &events))
		require.NotEmpty(t, events)
		assert.Equal(t, "0xABC", events[0].TransactionID)

		cancel()
		select {
		case err := <-followed:
			assert.NoError(t, err)
		case <-time.After(time.Second):
			t.Fatal("Follow did not return")
		}
	})
}

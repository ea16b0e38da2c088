package verifier

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cpunk-club/cpunk-verifier/pkg/models"
)

func TestRegistry(t *testing.T) {
	t.Run("replaces the session for a key", func(t *testing.T) {
		checker := &scriptedChecker{results: []checkResult{{verified: true}}}
		v, mock := newTestVerifier(checker)
		r := NewRegistry(v)
		first := &recorder{}
		second := &recorder{}
		key := RegistrationKey("alice")

		s1, err := r.Start(context.Background(), key, models.VerificationRequest{TransactionID: "tx1"}, first.callbacks())
		require.NoError(t, err)
		s2, err := r.Start(context.Background(), key, models.VerificationRequest{TransactionID: "tx2"}, second.callbacks())
		require.NoError(t, err)

		waitDone(t, s1)
		assert.Equal(t, StateCancelled, s1.State())

		got, ok := r.Get(key)
		require.True(t, ok)
		assert.Same(t, s2, got)
		assert.NotEqual(t, s1.ID(), s2.ID())

		mock.Add(15 * time.Second)
		waitDone(t, s2)

		_, attempts, successes, _ := first.snapshot()
		assert.Empty(t, attempts)
		assert.Empty(t, successes)

		_, _, successes, _ = second.snapshot()
		assert.Equal(t, []successCall{{"tx2", 1}}, successes)

		require.Eventually(t, func() bool { return r.Len() == 0 }, waitTimeout, time.Millisecond)
	})

	t.Run("keys are independent", func(t *testing.T) {
		v, _ := newTestVerifier(&scriptedChecker{results: []checkResult{{}}})
		r := NewRegistry(v)

		s1, err := r.Start(context.Background(), DelegationKey("wallet"), models.VerificationRequest{TransactionID: "tx1"}, Callbacks{})
		require.NoError(t, err)
		s2, err := r.Start(context.Background(), ReservationKey("alice"), models.VerificationRequest{TransactionID: "tx2"}, Callbacks{})
		require.NoError(t, err)

		assert.Equal(t, StateRunning, s1.State())
		assert.Equal(t, StateRunning, s2.State())

		active := r.Active()
		require.Len(t, active, 2)
		assert.Equal(t, "delegation:wallet", active[0].Key)
		assert.Equal(t, "tx1", active[0].TransactionID)
		assert.Equal(t, "reservation:alice", active[1].Key)
		assert.Equal(t, "running", active[1].State)

		r.CancelAll()
		waitDone(t, s1)
		waitDone(t, s2)
		assert.Equal(t, 0, r.Len())
	})

	t.Run("invalid request keeps the running session", func(t *testing.T) {
		v, _ := newTestVerifier(&scriptedChecker{results: []checkResult{{}}})
		r := NewRegistry(v)
		key := RegistrationKey("bob")

		s, err := r.Start(context.Background(), key, models.VerificationRequest{TransactionID: "tx"}, Callbacks{})
		require.NoError(t, err)

		_, err = r.Start(context.Background(), key, models.VerificationRequest{TransactionID: ""}, Callbacks{})
		assert.ErrorIs(t, err, ErrInvalidRequest)
		assert.Equal(t, StateRunning, s.State())

		assert.True(t, r.Cancel(key))
		assert.False(t, r.Cancel(key))
		waitDone(t, s)
		assert.Equal(t, StateCancelled, s.State())
	})

	t.Run("finished sessions are removed", func(t *testing.T) {
		v, mock := newTestVerifier(&scriptedChecker{results: []checkResult{{verified: false}}})
		r := NewRegistry(v)

		s, err := r.Start(context.Background(), "k", models.VerificationRequest{
			TransactionID: "tx",
			Schedule:      []time.Duration{time.Second},
		}, Callbacks{})
		require.NoError(t, err)

		mock.Add(time.Second)
		waitDone(t, s)
		require.Eventually(t, func() bool { return r.Len() == 0 }, waitTimeout, time.Millisecond)
		_, ok := r.Get("k")
		assert.False(t, ok)
	})
}

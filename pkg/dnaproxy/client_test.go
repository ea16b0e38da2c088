package dnaproxy

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cpunk-club/cpunk-verifier/pkg/circuitbreaker"
	"github.com/cpunk-club/cpunk-verifier/pkg/models"
	"github.com/cpunk-club/cpunk-verifier/pkg/remote"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) (*Client, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return New(Config{
		Endpoint:       srv.URL + "/dna-proxy.php",
		DefaultNetwork: "Backbone",
		CacheTTL:       time.Minute,
		Clock:          clock.NewMock(),
	}, nil), srv
}

func TestCheckTransaction(t *testing.T) {
	t.Run("verified", func(t *testing.T) {
		client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, "/dna-proxy.php", r.URL.Path)
			assert.Equal(t, "0xABC", r.URL.Query().Get("tx_validate"))
			assert.False(t, r.URL.Query().Has("network"))
			_, _ = w.Write([]byte(`{"status_code": 0, "message": "OK"}`))
		})

		ok, err := client.CheckTransaction(context.Background(), "0xABC", "Backbone")
		require.NoError(t, err)
		assert.True(t, ok)
	})

	t.Run("network sent when not default", func(t *testing.T) {
		client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, "KelVPN", r.URL.Query().Get("network"))
			_, _ = w.Write([]byte(`{"status_code": 0, "message": "OK"}`))
		})

		ok, err := client.CheckTransaction(context.Background(), "0xABC", "KelVPN")
		require.NoError(t, err)
		assert.True(t, ok)
	})

	t.Run("not yet verified", func(t *testing.T) {
		client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write([]byte(`{"status_code": -1, "message": "Transaction not found"}`))
		})

		ok, err := client.CheckTransaction(context.Background(), "0xABC", "")
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("http error is a transport error", func(t *testing.T) {
		client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusBadRequest)
			_, _ = w.Write([]byte(`{"error": "Error connecting to DNA service for transaction validation"}`))
		})

		ok, err := client.CheckTransaction(context.Background(), "0xABC", "")
		assert.False(t, ok)
		var apiErr *remote.Error
		require.ErrorAs(t, err, &apiErr)
		assert.Equal(t, http.StatusBadRequest, apiErr.StatusCode)
	})

	t.Run("confirmation wins over status code", func(t *testing.T) {
		client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusInternalServerError)
			_, _ = w.Write([]byte(`{"status_code": 0, "message": "OK"}`))
		})

		ok, err := client.CheckTransaction(context.Background(), "0xABC", "")
		require.NoError(t, err)
		assert.True(t, ok)
	})

	t.Run("open breaker", func(t *testing.T) {
		var calls int32
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			atomic.AddInt32(&calls, 1)
		}))
		defer srv.Close()

		breaker := circuitbreaker.NewCircuitBreaker(APIName, true, 1, time.Minute, time.Minute, nil)
		breaker.RecordFailure()
		client := New(Config{Endpoint: srv.URL, Breaker: breaker}, nil)

		ok, err := client.CheckTransaction(context.Background(), "0xABC", "")
		assert.False(t, ok)
		assert.ErrorIs(t, err, ErrCircuitOpen)
		assert.Equal(t, int32(0), atomic.LoadInt32(&calls))
		assert.Same(t, breaker, client.Breaker())
	})
}

func TestLookup(t *testing.T) {
	t.Run("cached", func(t *testing.T) {
		var calls int32
		client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			atomic.AddInt32(&calls, 1)
			assert.Equal(t, "alice", r.URL.Query().Get("lookup"))
			_, _ = w.Write([]byte(`{"status_code": 0, "response_data": {"registered_names": {"alice": {}}}}`))
		})

		for i := 0; i < 3; i++ {
			result, err := client.Lookup(context.Background(), " alice ")
			require.NoError(t, err)
			assert.True(t, result.Found)
		}
		assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
	})

	t.Run("availability", func(t *testing.T) {
		client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			switch r.URL.Query().Get("lookup") {
			case "free_name":
				_, _ = w.Write([]byte(`Nickname not found`))
			case "mine":
				_, _ = w.Write([]byte(`{"status_code": -1, "description": "already registered"}`))
			default:
				_, _ = w.Write([]byte(`{"status_code": 0, "response_data": {"wallet": "Rj7"}}`))
			}
		})

		available, owned, err := client.CheckNicknameAvailability(context.Background(), "free_name")
		require.NoError(t, err)
		assert.True(t, available)
		assert.False(t, owned)

		available, owned, err = client.CheckNicknameAvailability(context.Background(), "mine")
		require.NoError(t, err)
		assert.False(t, available)
		assert.True(t, owned)

		available, _, err = client.CheckNicknameAvailability(context.Background(), "taken")
		require.NoError(t, err)
		assert.False(t, available)
	})

	t.Run("proxy failure", func(t *testing.T) {
		client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusBadRequest)
			_, _ = w.Write([]byte(`{"error": "Error connecting to DNA service"}`))
		})

		_, err := client.Lookup(context.Background(), "alice")
		assert.Error(t, err)
		size, _ := client.Cache().Stats()
		assert.Equal(t, 0, size)

		_, err = client.Lookup(context.Background(), "  ")
		assert.Error(t, err)
	})

	t.Run("registered names for address", func(t *testing.T) {
		client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write([]byte(`{"status_code": 0, "response_data": {"registered_names": {"bob": {}, "alice": {}}}}`))
		})

		names, err := client.CheckDNARegistration(context.Background(), "Rj7J7")
		require.NoError(t, err)
		assert.Equal(t, []string{"alice", "bob"}, names)
	})
}

func decodePost(t *testing.T, r *http.Request) map[string]interface{} {
	t.Helper()
	assert.Equal(t, http.MethodPost, r.Method)
	data, err := io.ReadAll(r.Body)
	require.NoError(t, err)
	var payload map[string]interface{}
	require.NoError(t, json.Unmarshal(data, &payload))
	return payload
}

func TestRegisterDNA(t *testing.T) {
	t.Run("success invalidates cache", func(t *testing.T) {
		client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			payload := decodePost(t, r)
			assert.Equal(t, "add", payload["action"])
			assert.Equal(t, "alice", payload["name"])
			assert.Equal(t, "Rj7", payload["wallet"])
			assert.Equal(t, "0xABC", payload["tx_hash"])
			_, _ = w.Write([]byte(`{"status_code": 0, "message": "OK"}`))
		})
		client.Cache().Set("alice", models.LookupResult{})

		result, err := client.RegisterDNA(context.Background(), "alice", "Rj7", "0xABC")
		require.NoError(t, err)
		assert.True(t, result.Success)
		assert.False(t, result.AlreadyRegistered)

		_, cached := client.Cache().Get("alice")
		assert.False(t, cached)
	})

	t.Run("already registered", func(t *testing.T) {
		client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write([]byte(`{"status_code": -1, "description": "Name already registered, use update method"}`))
		})

		result, err := client.RegisterDNA(context.Background(), "alice", "Rj7", "0xABC")
		require.NoError(t, err)
		assert.True(t, result.AlreadyRegistered)
	})

	t.Run("rejected", func(t *testing.T) {
		client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusBadRequest)
			_, _ = w.Write([]byte(`{"error": "Invalid JSON data"}`))
		})

		_, err := client.RegisterDNA(context.Background(), "alice", "Rj7", "0xABC")
		assert.ErrorIs(t, err, ErrRejected)
		assert.Contains(t, err.Error(), "Invalid JSON data")
	})
}

func TestRecordDelegation(t *testing.T) {
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		payload := decodePost(t, r)
		assert.Equal(t, "update", payload["action"])
		assert.Equal(t, "Rj7", payload["wallet"])

		delegations, ok := payload["delegations"].([]interface{})
		require.True(t, ok)
		require.Len(t, delegations, 1)
		d := delegations[0].(map[string]interface{})
		assert.Equal(t, "0xTX", d["tx_hash"])
		assert.Equal(t, "0xORDER", d["order_hash"])
		assert.Equal(t, "Backbone", d["network"])
		assert.Equal(t, 50.0, d["amount"])
		assert.Equal(t, 25.0, d["tax"])
		_, _ = w.Write([]byte(`{"status": "ok"}`))
	})

	err := client.RecordDelegation(context.Background(), "Rj7", models.Delegation{
		TxHash:    "0xTX",
		OrderHash: "0xORDER",
		Network:   "Backbone",
		Amount:    50,
		Tax:       25,
	})
	require.NoError(t, err)
}

func TestReservation(t *testing.T) {
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost {
			payload := decodePost(t, r)
			assert.Equal(t, "update_reservation", payload["action"])
			assert.Equal(t, "alice", payload["dna_nickname"])
			if payload["wallet"] == "dup" {
				w.WriteHeader(http.StatusBadRequest)
				_, _ = w.Write([]byte(`{"error": "This wallet has already reserved a spot for the party."}`))
				return
			}
			_, _ = w.Write([]byte(`{"status_code": 0, "message": "OK", "description": "Reservation recorded successfully"}`))
			return
		}

		switch r.URL.Query().Get("action") {
		case "check_reservation":
			assert.Equal(t, "alice", r.URL.Query().Get("dna"))
			assert.Equal(t, "Rj7", r.URL.Query().Get("wallet"))
			_, _ = w.Write([]byte(`{"reserved": false, "wallet_reserved": true}`))
		case "get_attendees":
			_, _ = w.Write([]byte(`{"status_code": 0, "attendees": [{"nickname": "bob", "tx_hash": "0x1", "date": "2025-04-15", "status": "Confirmed"}]}`))
		default:
			t.Errorf("unexpected request %s", r.URL)
		}
	})

	status, err := client.CheckReservation(context.Background(), "alice", "Rj7")
	require.NoError(t, err)
	assert.False(t, status.Reserved)
	assert.True(t, status.WalletReserved)

	require.NoError(t, client.UpdateReservation(context.Background(), "alice", "Rj7", "0xABC"))

	err = client.UpdateReservation(context.Background(), "alice", "dup", "0xABC")
	assert.ErrorIs(t, err, ErrRejected)
	assert.Contains(t, err.Error(), "already reserved")

	attendees, err := client.GetAttendees(context.Background())
	require.NoError(t, err)
	require.Len(t, attendees, 1)
	assert.Equal(t, "bob", attendees[0].Nickname)
	assert.Equal(t, "Confirmed", attendees[0].Status)
}

// Package dnaproxy provides a client for the CPUNK DNA proxy: transaction validation,
// DNA lookups and the registration, delegation and reservation writes.
package dnaproxy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/benbjohnson/clock"
	"golang.org/x/time/rate"

	"github.com/cpunk-club/cpunk-verifier/pkg/circuitbreaker"
	"github.com/cpunk-club/cpunk-verifier/pkg/logger"
	"github.com/cpunk-club/cpunk-verifier/pkg/metrics"
	"github.com/cpunk-club/cpunk-verifier/pkg/models"
	"github.com/cpunk-club/cpunk-verifier/pkg/remote"
)

// APIName labels DNA proxy calls in logs and metrics
const APIName = "dna-proxy"

var (
	// ErrCircuitOpen is returned while the DNA proxy breaker is open
	ErrCircuitOpen = remote.ErrCircuitOpen

	// ErrRejected is returned when the proxy answers but refuses a write
	ErrRejected = errors.New("dna proxy rejected the request")
)

// Config configures a Client
type Config struct {
	Endpoint       string
	DefaultNetwork string // Omitted from tx_validate requests
	HTTPClient     *http.Client
	Breaker        *circuitbreaker.CircuitBreaker
	CacheTTL       time.Duration
	Clock          clock.Clock
	RateLimit      float64 // Requests per second, zero for no limit
}

// Client talks to the DNA proxy
type Client struct {
	endpoint       string
	defaultNetwork string
	caller         *remote.Caller
	cache          *LookupCache
	logger         logger.Logger
}

// New creates a new DNA proxy client
func New(cfg Config, l logger.Logger) *Client {
	if l == nil {
		l = &logger.EmptyLogger{}
	}
	caller := remote.NewCaller(APIName, cfg.HTTPClient, cfg.Breaker, l)
	if cfg.RateLimit > 0 {
		burst := int(cfg.RateLimit)
		if burst < 1 {
			burst = 1
		}
		caller.WithRateLimit(rate.NewLimiter(rate.Limit(cfg.RateLimit), burst))
	}
	return &Client{
		endpoint:       cfg.Endpoint,
		defaultNetwork: cfg.DefaultNetwork,
		caller:         caller,
		cache:          NewLookupCache(cfg.CacheTTL, cfg.Clock),
		logger:         l,
	}
}

// Breaker returns the circuit breaker guarding the proxy, possibly nil
func (c *Client) Breaker() *circuitbreaker.CircuitBreaker {
	return c.caller.Breaker()
}

// Cache returns the lookup cache
func (c *Client) Cache() *LookupCache {
	return c.cache
}

func (c *Client) buildURL(params url.Values) (string, error) {
	u, err := url.Parse(c.endpoint)
	if err != nil {
		return "", fmt.Errorf("invalid DNA proxy endpoint %s: %v", c.endpoint, err)
	}
	query := u.Query()
	for key, values := range params {
		for _, v := range values {
			query.Add(key, v)
		}
	}
	u.RawQuery = query.Encode()
	return u.String(), nil
}

func (c *Client) get(ctx context.Context, method string, params url.Values) (*remote.Response, error) {
	reqURL, err := c.buildURL(params)
	if err != nil {
		return nil, err
	}
	return c.caller.Get(ctx, method, reqURL)
}

func (c *Client) post(ctx context.Context, method string, payload interface{}) (*remote.Response, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s request: %v", method, err)
	}
	reqURL, err := c.buildURL(nil)
	if err != nil {
		return nil, err
	}
	return c.caller.PostJSON(ctx, method, reqURL, data)
}

// CheckTransaction asks the proxy whether txID is confirmed. network is sent only
// when it differs from the default network. A reply that is not a confirmation
// is (false, nil) unless the proxy answered with an HTTP error.
func (c *Client) CheckTransaction(ctx context.Context, txID, network string) (bool, error) {
	params := url.Values{"tx_validate": {txID}}
	if network != "" && !strings.EqualFold(network, c.defaultNetwork) {
		params.Set("network", network)
	}

	resp, err := c.get(ctx, "tx_validate", params)
	if err != nil {
		return false, err
	}

	if IsVerifiedResponse(resp.Body) {
		return true, nil
	}
	if !resp.OK() {
		metrics.RemoteErrors.WithLabelValues(APIName, "http_error").Inc()
		return false, &remote.Error{API: APIName, Method: "tx_validate", StatusCode: resp.StatusCode, Body: truncate(resp.Body)}
	}

	c.logger.DebugWithNetwork(network, "Transaction %s not confirmed yet: %s", txID, truncate(resp.Body))
	return false, nil
}

// Lookup resolves a DNA nickname or wallet address
func (c *Client) Lookup(ctx context.Context, value string) (models.LookupResult, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return models.LookupResult{}, fmt.Errorf("lookup value cannot be empty")
	}

	if cached, ok := c.cache.Get(value); ok {
		metrics.LookupCacheHits.Inc()
		return cached, nil
	}

	resp, err := c.get(ctx, "lookup", url.Values{"lookup": {value}})
	if err != nil {
		return models.LookupResult{}, err
	}
	if err := checkProxyFailure(resp); err != nil {
		return models.LookupResult{}, err
	}

	result := parseLookup(resp.Body)
	c.cache.Set(value, result)
	return result, nil
}

// CheckNicknameAvailability reports whether nickname can be registered
func (c *Client) CheckNicknameAvailability(ctx context.Context, nickname string) (available bool, alreadyOwned bool, err error) {
	result, err := c.Lookup(ctx, nickname)
	if err != nil {
		return false, false, err
	}
	return !result.Found, result.AlreadyOwned, nil
}

// CheckDNARegistration returns the DNA names registered to address
func (c *Client) CheckDNARegistration(ctx context.Context, address string) ([]string, error) {
	address = strings.TrimSpace(address)
	if address == "" {
		return nil, fmt.Errorf("address cannot be empty")
	}

	resp, err := c.get(ctx, "lookup", url.Values{"lookup": {address}})
	if err != nil {
		return nil, err
	}
	if err := checkProxyFailure(resp); err != nil {
		return nil, err
	}
	return registeredNames(resp.Body), nil
}

// RegisterDNA binds name to wallet after the payment txHash was verified.
// A name already registered to the wallet counts as success.
func (c *Client) RegisterDNA(ctx context.Context, name, wallet, txHash string) (RegisterResult, error) {
	resp, err := c.post(ctx, "add", map[string]string{
		"action":  "add",
		"name":    name,
		"wallet":  wallet,
		"tx_hash": txHash,
	})
	if err != nil {
		return RegisterResult{}, err
	}

	result := parseRegister(resp.Body)
	if !result.Success {
		return result, fmt.Errorf("%w: registration of %s: %s", ErrRejected, name, describe(result.Message, resp))
	}

	c.cache.Delete(name, wallet)
	if result.AlreadyRegistered {
		c.logger.Notice("DNA %s already registered to %s", name, wallet)
	} else {
		c.logger.Info("DNA %s registered to %s", name, wallet)
	}
	return result, nil
}

type delegationUpdate struct {
	Action      string              `json:"action"`
	Wallet      string              `json:"wallet"`
	Delegations []models.Delegation `json:"delegations"`
}

// RecordDelegation appends a verified staking order to the wallet's DNA profile
func (c *Client) RecordDelegation(ctx context.Context, wallet string, delegation models.Delegation) error {
	resp, err := c.post(ctx, "update", delegationUpdate{
		Action:      "update",
		Wallet:      wallet,
		Delegations: []models.Delegation{delegation},
	})
	if err != nil {
		return err
	}

	ok, msg := parseUpdate(resp.Body)
	if !ok {
		return fmt.Errorf("%w: delegation record for %s: %s", ErrRejected, wallet, describe(msg, resp))
	}
	c.cache.Delete(wallet)
	c.logger.InfoWithNetwork(delegation.Network, "Delegation %s recorded for %s", delegation.OrderHash, wallet)
	return nil
}

// CheckReservation reports whether dna, or wallet, already holds a party reservation
func (c *Client) CheckReservation(ctx context.Context, dna, wallet string) (models.ReservationStatus, error) {
	params := url.Values{"action": {"check_reservation"}, "dna": {dna}}
	if wallet != "" {
		params.Set("wallet", wallet)
	}

	resp, err := c.get(ctx, "check_reservation", params)
	if err != nil {
		return models.ReservationStatus{}, err
	}

	var parsed reservationResponse
	if err := json.Unmarshal(resp.Body, &parsed); err != nil {
		return models.ReservationStatus{}, fmt.Errorf("failed to decode reservation status: %v, body: %s", err, truncate(resp.Body))
	}
	if !resp.OK() || parsed.Error != "" {
		return models.ReservationStatus{}, &remote.Error{API: APIName, Method: "check_reservation", StatusCode: resp.StatusCode, Body: firstNonEmpty(parsed.Error, truncate(resp.Body))}
	}
	return models.ReservationStatus{Reserved: parsed.Reserved, WalletReserved: parsed.WalletReserved}, nil
}

// UpdateReservation records a verified reservation payment
func (c *Client) UpdateReservation(ctx context.Context, dna, wallet, txHash string) error {
	resp, err := c.post(ctx, "update_reservation", map[string]string{
		"action":       "update_reservation",
		"dna_nickname": dna,
		"wallet":       wallet,
		"tx_hash":      txHash,
	})
	if err != nil {
		return err
	}

	ok, msg := parseUpdate(resp.Body)
	if !ok {
		return fmt.Errorf("%w: reservation for %s: %s", ErrRejected, dna, describe(msg, resp))
	}
	c.logger.Info("Reservation recorded for %s", dna)
	return nil
}

// GetAttendees lists confirmed party reservations
func (c *Client) GetAttendees(ctx context.Context) ([]models.Attendee, error) {
	resp, err := c.get(ctx, "get_attendees", url.Values{"action": {"get_attendees"}})
	if err != nil {
		return nil, err
	}

	var parsed attendeesResponse
	if err := json.Unmarshal(resp.Body, &parsed); err != nil {
		return nil, fmt.Errorf("failed to decode attendees: %v, body: %s", err, truncate(resp.Body))
	}
	if !resp.OK() || parsed.Error != "" {
		return nil, &remote.Error{API: APIName, Method: "get_attendees", StatusCode: resp.StatusCode, Body: firstNonEmpty(parsed.Error, truncate(resp.Body))}
	}
	if parsed.Attendees == nil {
		return []models.Attendee{}, nil
	}
	return parsed.Attendees, nil
}

// checkProxyFailure turns the proxy's own upstream failures into errors. Other
// error replies are answers, e.g. "not found".
func checkProxyFailure(resp *remote.Response) error {
	if resp.StatusCode >= http.StatusInternalServerError {
		return &remote.Error{API: APIName, Method: "lookup", StatusCode: resp.StatusCode, Body: truncate(resp.Body)}
	}
	b := decodeBody(resp.Body)
	if msg := b.errorMessage(); strings.Contains(msg, "Error connecting") || strings.Contains(msg, "cannot be empty") {
		return &remote.Error{API: APIName, Method: "lookup", StatusCode: resp.StatusCode, Body: msg}
	}
	return nil
}

func describe(msg string, resp *remote.Response) string {
	if msg != "" {
		return msg
	}
	return fmt.Sprintf("status %d, body: %s", resp.StatusCode, truncate(resp.Body))
}

func truncate(body []byte) string {
	const maxLen = 256
	if len(body) > maxLen {
		return string(body[:maxLen]) + "..."
	}
	return string(body)
}

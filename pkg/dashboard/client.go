// Package dashboard provides a client for the Cellframe wallet dashboard API.
package dashboard

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"

	"github.com/cpunk-club/cpunk-verifier/pkg/circuitbreaker"
	"github.com/cpunk-club/cpunk-verifier/pkg/logger"
	"github.com/cpunk-club/cpunk-verifier/pkg/models"
	"github.com/cpunk-club/cpunk-verifier/pkg/remote"
)

// APIName labels dashboard calls in logs and metrics
const APIName = "dashboard"

var (
	// ErrNotConnected is returned by calls that need a session before Connect succeeded
	ErrNotConnected = errors.New("not connected to dashboard")

	// ErrRejected is returned when the dashboard answers with a non-ok status
	ErrRejected = errors.New("dashboard rejected the request")

	// ErrNoTxHash is returned when a submitted transaction comes back without tx_hash or idQueue
	ErrNoTxHash = errors.New("dashboard returned no transaction hash")

	// ErrCircuitOpen is returned while the dashboard breaker is open
	ErrCircuitOpen = remote.ErrCircuitOpen
)

// envelope is the common {status, data, errorMsg} reply
type envelope struct {
	Status   string          `json:"status"`
	Data     json.RawMessage `json:"data"`
	ErrorMsg string          `json:"errorMsg"`
}

type connectData struct {
	ID string `json:"id"`
}

type txData struct {
	Success   bool   `json:"success"`
	TxHash    string `json:"tx_hash"`
	IDQueue   string `json:"idQueue"`
	OrderHash string `json:"order_hash"`
}

// amount decodes balances the dashboard sends either as numbers or as strings
type amount float64

func (a *amount) UnmarshalJSON(data []byte) error {
	var v interface{}
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	switch val := v.(type) {
	case float64:
		*a = amount(val)
	case string:
		if strings.TrimSpace(val) == "" {
			*a = 0
			return nil
		}
		f, err := strconv.ParseFloat(strings.TrimSpace(val), 64)
		if err != nil {
			return fmt.Errorf("invalid balance %q: %v", val, err)
		}
		*a = amount(f)
	case nil:
		*a = 0
	default:
		return fmt.Errorf("invalid balance %s", string(data))
	}
	return nil
}

type walletNetwork struct {
	Network string `json:"network"`
	Address string `json:"address"`
	Tokens  []struct {
		TokenName string `json:"tokenName"`
		Balance   amount `json:"balance"`
	} `json:"tokens"`
}

// SendRequest is a token transfer submitted through SendTransaction
type SendRequest struct {
	WalletName string
	Network    string
	ToAddress  string
	TokenName  string
	Value      string // datoshi string, e.g. "5.0e+18"
}

// StakeRequest is a staking order submitted through CreateOrderStaker
type StakeRequest struct {
	WalletName string
	Network    string
	Value      string // datoshi string
	Tax        string // share kept by the delegator, one decimal
}

// Client talks to the wallet dashboard on the user's node
type Client struct {
	endpoint string
	caller   *remote.Caller
	logger   logger.Logger

	mu        sync.RWMutex
	sessionID string
}

// New creates a new dashboard client. httpClient and breaker may be nil.
func New(endpoint string, httpClient *http.Client, breaker *circuitbreaker.CircuitBreaker, l logger.Logger) *Client {
	if l == nil {
		l = &logger.EmptyLogger{}
	}
	return &Client{
		endpoint: endpoint,
		caller:   remote.NewCaller(APIName, httpClient, breaker, l),
		logger:   l,
	}
}

// Breaker returns the circuit breaker guarding the dashboard, possibly nil
func (c *Client) Breaker() *circuitbreaker.CircuitBreaker {
	return c.caller.Breaker()
}

// SessionID returns the id obtained from Connect
func (c *Client) SessionID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.sessionID
}

// SetSessionID reuses a session id obtained earlier
func (c *Client) SetSessionID(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sessionID = id
}

// Connected reports whether a session id is known
func (c *Client) Connected() bool {
	return c.SessionID() != ""
}

func (c *Client) call(ctx context.Context, method string, params url.Values) (json.RawMessage, error) {
	u, err := url.Parse(c.endpoint)
	if err != nil {
		return nil, fmt.Errorf("invalid dashboard endpoint %s: %v", c.endpoint, err)
	}
	query := u.Query()
	query.Set("method", method)
	for key, values := range params {
		for _, v := range values {
			query.Add(key, v)
		}
	}
	u.RawQuery = query.Encode()

	resp, err := c.caller.Get(ctx, method, u.String())
	if err != nil {
		return nil, err
	}
	if !resp.OK() {
		return nil, &remote.Error{API: APIName, Method: method, StatusCode: resp.StatusCode, Body: string(resp.Body)}
	}

	var env envelope
	if err := json.Unmarshal(resp.Body, &env); err != nil {
		return nil, fmt.Errorf("failed to decode dashboard %s response: %v", method, err)
	}
	if env.Status != "ok" {
		msg := env.ErrorMsg
		if msg == "" {
			msg = fmt.Sprintf("status %q", env.Status)
		}
		return nil, fmt.Errorf("%w: %s: %s", ErrRejected, method, msg)
	}
	if len(env.Data) == 0 {
		return json.RawMessage("null"), nil
	}
	return env.Data, nil
}

func (c *Client) session() (string, error) {
	id := c.SessionID()
	if id == "" {
		return "", ErrNotConnected
	}
	return id, nil
}

// Connect opens a dashboard session. The user approves it in the dashboard UI.
func (c *Client) Connect(ctx context.Context) (string, error) {
	data, err := c.call(ctx, "Connect", nil)
	if err != nil {
		return "", err
	}

	var conn connectData
	if err := json.Unmarshal(data, &conn); err != nil {
		return "", fmt.Errorf("failed to decode dashboard Connect data: %v", err)
	}
	if conn.ID == "" {
		return "", fmt.Errorf("%w: Connect: Failed to connect to dashboard", ErrRejected)
	}

	c.SetSessionID(conn.ID)
	c.logger.Info("Connected to dashboard")
	return conn.ID, nil
}

// GetWallets lists the active wallets of the session
func (c *Client) GetWallets(ctx context.Context) ([]models.WalletInfo, error) {
	id, err := c.session()
	if err != nil {
		return nil, err
	}

	data, err := c.call(ctx, "GetWallets", url.Values{"id": {id}})
	if err != nil {
		return nil, err
	}

	var wallets []models.WalletInfo
	if err := json.Unmarshal(data, &wallets); err != nil {
		return nil, fmt.Errorf("failed to decode dashboard GetWallets data: %v", err)
	}

	active := make([]models.WalletInfo, 0, len(wallets))
	for _, w := range wallets {
		if w.Active() {
			active = append(active, w)
		}
	}
	return active, nil
}

// GetDataWallet returns the address and balances of walletName on every network
func (c *Client) GetDataWallet(ctx context.Context, walletName string) (models.WalletData, error) {
	id, err := c.session()
	if err != nil {
		return models.WalletData{}, err
	}

	data, err := c.call(ctx, "GetDataWallet", url.Values{"id": {id}, "walletName": {walletName}})
	if err != nil {
		return models.WalletData{}, err
	}

	var networks []walletNetwork
	if err := json.Unmarshal(data, &networks); err != nil {
		return models.WalletData{}, fmt.Errorf("failed to decode dashboard GetDataWallet data: %v", err)
	}
	if len(networks) == 0 {
		return models.WalletData{}, fmt.Errorf("failed to get wallet data for %s", walletName)
	}

	wallet := models.WalletData{Name: walletName}
	for _, n := range networks {
		nb := models.NetworkBalance{Network: n.Network, Address: n.Address}
		for _, t := range n.Tokens {
			nb.Tokens = append(nb.Tokens, models.TokenBalance{TokenName: t.TokenName, Balance: float64(t.Balance)})
		}
		wallet.Networks = append(wallet.Networks, nb)
	}
	return wallet, nil
}

// SendTransaction submits a token transfer and returns its hash
func (c *Client) SendTransaction(ctx context.Context, req SendRequest) (models.TxResult, error) {
	id, err := c.session()
	if err != nil {
		return models.TxResult{}, err
	}

	data, err := c.call(ctx, "SendTransaction", url.Values{
		"id":         {id},
		"net":        {req.Network},
		"walletName": {req.WalletName},
		"toAddr":     {req.ToAddress},
		"tokenName":  {req.TokenName},
		"value":      {req.Value},
	})
	if err != nil {
		return models.TxResult{}, err
	}

	result, err := decodeTx("SendTransaction", data)
	if err != nil {
		return models.TxResult{}, err
	}
	c.logger.InfoWithNetwork(req.Network, "Sent %s %s to %s: %s", req.Value, req.TokenName, req.ToAddress, result.TxHash)
	return result, nil
}

// CreateOrderStaker submits a staking order and returns its transaction and order hashes
func (c *Client) CreateOrderStaker(ctx context.Context, req StakeRequest) (models.TxResult, error) {
	id, err := c.session()
	if err != nil {
		return models.TxResult{}, err
	}

	data, err := c.call(ctx, "CreateOrderStaker", url.Values{
		"id":         {id},
		"net":        {req.Network},
		"walletName": {req.WalletName},
		"value":      {req.Value},
		"tax":        {req.Tax},
	})
	if err != nil {
		return models.TxResult{}, err
	}

	result, err := decodeTx("CreateOrderStaker", data)
	if err != nil {
		return models.TxResult{}, err
	}
	c.logger.InfoWithNetwork(req.Network, "Staking order %s created: %s", result.OrderHash, result.TxHash)
	return result, nil
}

func decodeTx(method string, data json.RawMessage) (models.TxResult, error) {
	var tx txData
	if err := json.Unmarshal(data, &tx); err != nil {
		return models.TxResult{}, fmt.Errorf("failed to decode dashboard %s data: %v", method, err)
	}
	if !tx.Success {
		return models.TxResult{}, fmt.Errorf("%w: %s: success=false", ErrRejected, method)
	}

	hash := tx.TxHash
	if hash == "" {
		hash = tx.IDQueue
	}
	if hash == "" {
		return models.TxResult{}, fmt.Errorf("%w: %s", ErrNoTxHash, method)
	}
	return models.TxResult{TxHash: hash, OrderHash: tx.OrderHash}, nil
}

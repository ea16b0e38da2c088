package models

import (
	"time"
)

// VerificationRequest describes a transaction to confirm against the DNA proxy
type VerificationRequest struct {
	TransactionID string
	Network       string          // Optional, empty means the default network
	Schedule      []time.Duration // Waits between checks; empty means the verifier default
}

// Outcome is the result of a single verification attempt
type Outcome int

const (
	OutcomePending Outcome = iota
	OutcomeVerified
	OutcomeNotVerified
	OutcomeTransportError
)

func (o Outcome) String() string {
	switch o {
	case OutcomePending:
		return "pending"
	case OutcomeVerified:
		return "verified"
	case OutcomeNotVerified:
		return "not_verified"
	case OutcomeTransportError:
		return "transport_error"
	}
	return "unknown"
}

// VerificationAttempt records one scheduled check of a session
type VerificationAttempt struct {
	Index        int           `json:"index"`
	ElapsedDelay time.Duration `json:"elapsed_delay"` // Cumulative delay from session start
	Outcome      Outcome       `json:"-"`
	OutcomeName  string        `json:"outcome"`
	Error        string        `json:"error,omitempty"`
	CheckedAt    time.Time     `json:"checked_at"`
}

// TxResult is what the dashboard returns for a submitted transaction
type TxResult struct {
	TxHash    string `json:"tx_hash"`
	OrderHash string `json:"order_hash,omitempty"`
}

// TokenBalance is a single token balance inside a wallet network
type TokenBalance struct {
	TokenName string  `json:"tokenName"`
	Balance   float64 `json:"balance"`
}

// NetworkBalance lists the balances of one wallet on one network
type NetworkBalance struct {
	Network string         `json:"network"`
	Address string         `json:"address"`
	Tokens  []TokenBalance `json:"tokens"`
}

// Balance returns the balance for tokenName, or zero when the token is absent
func (n NetworkBalance) Balance(tokenName string) float64 {
	for _, t := range n.Tokens {
		if t.TokenName == tokenName {
			return t.Balance
		}
	}
	return 0
}

// WalletInfo is an entry of the dashboard's GetWallets list
type WalletInfo struct {
	Name   string `json:"name"`
	Status string `json:"status,omitempty"`
}

// Active reports whether the dashboard lists the wallet as usable
func (w WalletInfo) Active() bool {
	return w.Status != "non-Active"
}

// WalletData is the dashboard's GetDataWallet payload
type WalletData struct {
	Name     string           `json:"name"`
	Networks []NetworkBalance `json:"networks"`
}

// Address returns the wallet address on the named network, or on the first network when name is empty
func (w WalletData) Address(name string) string {
	if name == "" && len(w.Networks) > 0 {
		return w.Networks[0].Address
	}
	n, _ := w.Network(name)
	return n.Address
}

// Network returns the balances for the named network
func (w WalletData) Network(name string) (NetworkBalance, bool) {
	for _, n := range w.Networks {
		if n.Network == name {
			return n, true
		}
	}
	return NetworkBalance{}, false
}

// Delegation is the record written to a DNA profile after a staking order is verified
type Delegation struct {
	TxHash    string  `json:"tx_hash"`
	OrderHash string  `json:"order_hash"`
	Network   string  `json:"network"`
	Amount    float64 `json:"amount"`
	Tax       float64 `json:"tax"`
}

// LookupResult is the normalized result of a DNA lookup
type LookupResult struct {
	Found          bool     `json:"found"`
	Names          []string `json:"names,omitempty"`
	Wallet         string   `json:"wallet,omitempty"`
	AlreadyOwned   bool     `json:"already_owned"`
	RawText        string   `json:"-"`
	RawStatusCode  *int     `json:"-"`
	RawDescription string   `json:"-"`
}

// ReservationStatus reports whether a DNA or wallet already holds a party reservation
type ReservationStatus struct {
	Reserved       bool `json:"reserved"`
	WalletReserved bool `json:"wallet_reserved"`
}

// Attendee is a single confirmed party reservation
type Attendee struct {
	Nickname string `json:"nickname"`
	TxHash   string `json:"tx_hash,omitempty"`
	Date     string `json:"date,omitempty"`
	Status   string `json:"status,omitempty"`
	Type     string `json:"type,omitempty"`
}

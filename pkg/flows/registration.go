package flows

import (
	"context"
	"fmt"
	"strings"

	"github.com/cpunk-club/cpunk-verifier/pkg/dashboard"
	"github.com/cpunk-club/cpunk-verifier/pkg/verifier"
)

// RegistrationRequest registers Nickname to the address of WalletName
type RegistrationRequest struct {
	WalletName string
	Nickname   string
}

// Quote is the price check done before paying for a nickname
type Quote struct {
	Nickname     string `json:"nickname"`
	Price        int    `json:"price"`
	Available    bool   `json:"available"`
	AlreadyOwned bool   `json:"already_owned"`
}

// QuoteNickname validates nickname and checks whether it can be registered
func (m *Manager) QuoteNickname(ctx context.Context, nickname string) (Quote, error) {
	nickname = strings.TrimSpace(nickname)
	if err := ValidateNickname(nickname); err != nil {
		return Quote{}, err
	}

	available, owned, err := m.directory.CheckNicknameAvailability(ctx, nickname)
	if err != nil {
		return Quote{}, fmt.Errorf("failed to check availability of %s: %w", nickname, err)
	}
	return Quote{
		Nickname:     nickname,
		Price:        DNAPrice(nickname),
		Available:    available,
		AlreadyOwned: owned,
	}, nil
}

// Register pays for a DNA nickname and registers it once the payment verifies.
// A nickname the proxy reports as already registered to the wallet goes through
// the same payment to confirm ownership.
func (m *Manager) Register(ctx context.Context, req RegistrationRequest) (*Run, error) {
	quote, err := m.QuoteNickname(ctx, req.Nickname)
	if err != nil {
		return nil, err
	}
	if !quote.Available && !quote.AlreadyOwned {
		return nil, fmt.Errorf("%w: %s", ErrNicknameTaken, quote.Nickname)
	}

	network := m.settings.DefaultNetwork
	token := m.settings.paymentToken()
	wallet, err := m.walletOn(ctx, req.WalletName, network)
	if err != nil {
		return nil, err
	}
	if balance := wallet.Balance(token); balance < float64(quote.Price) {
		return nil, fmt.Errorf("%w: %s costs %d %s, wallet holds %g", ErrInsufficientBalance, quote.Nickname, quote.Price, token, balance)
	}

	tx, err := m.wallets.SendTransaction(ctx, dashboard.SendRequest{
		WalletName: req.WalletName,
		Network:    network,
		ToAddress:  m.settings.TreasuryAddress,
		TokenName:  token,
		Value:      FormatDatoshi(float64(quote.Price)),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to send registration payment: %w", err)
	}
	m.logger.InfoWithNetwork(network, "Registration payment for %s sent: %s", quote.Nickname, tx.TxHash)

	address := wallet.Address
	nickname := quote.Nickname
	return m.track(ctx, FlowRegistration, verifier.RegistrationKey(nickname), network, tx, func(ctx context.Context, res *Result) error {
		registered, err := m.directory.RegisterDNA(ctx, nickname, address, tx.TxHash)
		if err != nil {
			return err
		}
		res.AlreadyRegistered = registered.AlreadyRegistered
		return nil
	})
}

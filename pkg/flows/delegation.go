package flows

import (
	"context"
	"fmt"

	"github.com/cpunk-club/cpunk-verifier/pkg/config"
	"github.com/cpunk-club/cpunk-verifier/pkg/dashboard"
	"github.com/cpunk-club/cpunk-verifier/pkg/models"
	"github.com/cpunk-club/cpunk-verifier/pkg/verifier"
)

// DelegationRequest stakes Amount delegation tokens from WalletName on Network
type DelegationRequest struct {
	WalletName string
	Network    string
	Amount     float64
}

// DelegationTerms are the checked parameters of a staking order
type DelegationTerms struct {
	Network    config.NetworkConfig
	Amount     float64
	Tax        float64
	Value      string
	APITaxRate string
}

// DelegationTerms validates amount against network's rules and computes the tax
func (m *Manager) DelegationTerms(network string, amount float64) (DelegationTerms, error) {
	if network == "" {
		network = m.settings.DefaultNetwork
	}
	netCfg, ok := m.settings.Networks[network]
	if !ok {
		return DelegationTerms{}, fmt.Errorf("%w: %s", ErrUnknownNetwork, network)
	}
	if amount < netCfg.MinDelegation {
		return DelegationTerms{}, fmt.Errorf("%w: minimum delegation amount is %g %s", ErrInvalidAmount, netCfg.MinDelegation, netCfg.DelegationToken)
	}
	if netCfg.MaxDelegation > 0 && amount > netCfg.MaxDelegation {
		return DelegationTerms{}, fmt.Errorf("%w: maximum delegation amount is %g %s", ErrInvalidAmount, netCfg.MaxDelegation, netCfg.DelegationToken)
	}

	tax := netCfg.TaxRate(amount)
	return DelegationTerms{
		Network:    netCfg,
		Amount:     amount,
		Tax:        tax,
		Value:      FormatDatoshi(amount),
		APITaxRate: APITaxRate(tax),
	}, nil
}

// Delegate creates a staking order and records it in the DNA profile once it verifies
func (m *Manager) Delegate(ctx context.Context, req DelegationRequest) (*Run, error) {
	terms, err := m.DelegationTerms(req.Network, req.Amount)
	if err != nil {
		return nil, err
	}
	network := terms.Network.Name

	wallet, err := m.walletOn(ctx, req.WalletName, network)
	if err != nil {
		return nil, err
	}
	if balance := wallet.Balance(terms.Network.DelegationToken); balance < terms.Amount {
		return nil, fmt.Errorf("%w: %g %s available, %g requested", ErrInsufficientBalance, balance, terms.Network.DelegationToken, terms.Amount)
	}
	if terms.Network.FeeToken != "" {
		if balance := wallet.Balance(terms.Network.FeeToken); balance < terms.Network.MinFee {
			return nil, fmt.Errorf("%w: at least %g %s needed for fees, wallet holds %g", ErrInsufficientBalance, terms.Network.MinFee, terms.Network.FeeToken, balance)
		}
	}

	tx, err := m.wallets.CreateOrderStaker(ctx, dashboard.StakeRequest{
		WalletName: req.WalletName,
		Network:    network,
		Value:      terms.Value,
		Tax:        terms.APITaxRate,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create staking order: %w", err)
	}
	m.logger.InfoWithNetwork(network, "Staking order for %g %s created: tx %s, order %s",
		terms.Amount, terms.Network.DelegationToken, tx.TxHash, tx.OrderHash)

	address := wallet.Address
	return m.track(ctx, FlowDelegation, verifier.DelegationKey(address), network, tx, func(ctx context.Context, _ *Result) error {
		return m.directory.RecordDelegation(ctx, address, models.Delegation{
			TxHash:    tx.TxHash,
			OrderHash: tx.OrderHash,
			Network:   network,
			Amount:    terms.Amount,
			Tax:       terms.Tax,
		})
	})
}

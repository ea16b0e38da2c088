package flows

import (
	"context"
	"fmt"
	"strings"

	"github.com/cpunk-club/cpunk-verifier/pkg/dashboard"
	"github.com/cpunk-club/cpunk-verifier/pkg/verifier"
)

// ReservationRequest reserves a party spot for DNA, paid from WalletName
type ReservationRequest struct {
	WalletName string
	DNA        string
}

// Reserve pays the party reservation fee and records the reservation once it verifies
func (m *Manager) Reserve(ctx context.Context, req ReservationRequest) (*Run, error) {
	dna := strings.TrimSpace(req.DNA)
	if dna == "" {
		return nil, fmt.Errorf("%w: empty DNA", ErrInvalidNickname)
	}

	network := m.settings.DefaultNetwork
	token := m.settings.paymentToken()
	wallet, err := m.walletOn(ctx, req.WalletName, network)
	if err != nil {
		return nil, err
	}
	address := wallet.Address

	names, err := m.directory.CheckDNARegistration(ctx, address)
	if err != nil {
		return nil, fmt.Errorf("failed to look up DNA names of %s: %w", req.WalletName, err)
	}
	if !containsName(names, dna) {
		return nil, fmt.Errorf("%w: %s", ErrDNANotOwned, dna)
	}

	status, err := m.directory.CheckReservation(ctx, dna, address)
	if err != nil {
		return nil, fmt.Errorf("failed to check reservation of %s: %w", dna, err)
	}
	if status.WalletReserved {
		return nil, fmt.Errorf("%w: wallet %s already holds a reservation", ErrAlreadyReserved, req.WalletName)
	}
	if status.Reserved {
		return nil, fmt.Errorf("%w: %s", ErrAlreadyReserved, dna)
	}

	if balance := wallet.Balance(token); balance < m.settings.Party.MinWalletBalance {
		return nil, fmt.Errorf("%w: at least %g %s required to reserve a spot, wallet holds %g",
			ErrInsufficientBalance, m.settings.Party.MinWalletBalance, token, balance)
	}

	tx, err := m.wallets.SendTransaction(ctx, dashboard.SendRequest{
		WalletName: req.WalletName,
		Network:    network,
		ToAddress:  m.settings.TreasuryAddress,
		TokenName:  token,
		Value:      FormatDatoshi(m.settings.Party.ReservationAmount),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to send reservation payment: %w", err)
	}
	m.logger.InfoWithNetwork(network, "Reservation payment for %s sent: %s", dna, tx.TxHash)

	return m.track(ctx, FlowReservation, verifier.ReservationKey(dna), network, tx, func(ctx context.Context, _ *Result) error {
		return m.directory.UpdateReservation(ctx, dna, address, tx.TxHash)
	})
}

func containsName(names []string, name string) bool {
	for _, n := range names {
		if strings.EqualFold(n, name) {
			return true
		}
	}
	return false
}

// Package flows submits CPUNK payments through the wallet dashboard, hands the
// transaction to the verifier and performs the DNA proxy write once it confirms.
package flows

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/cpunk-club/cpunk-verifier/pkg/cellframe"
	"github.com/cpunk-club/cpunk-verifier/pkg/config"
	"github.com/cpunk-club/cpunk-verifier/pkg/dashboard"
	"github.com/cpunk-club/cpunk-verifier/pkg/dnaproxy"
	"github.com/cpunk-club/cpunk-verifier/pkg/logger"
	"github.com/cpunk-club/cpunk-verifier/pkg/metrics"
	"github.com/cpunk-club/cpunk-verifier/pkg/models"
	"github.com/cpunk-club/cpunk-verifier/pkg/verifier"
)

const (
	FlowRegistration = "registration"
	FlowDelegation   = "delegation"
	FlowReservation  = "reservation"
)

var (
	ErrInvalidNickname     = errors.New("invalid nickname")
	ErrNicknameTaken       = errors.New("nickname already taken")
	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrUnknownNetwork      = errors.New("unknown network")
	ErrInvalidAmount       = errors.New("invalid delegation amount")
	ErrAlreadyReserved     = errors.New("already reserved")
	ErrDNANotOwned         = errors.New("DNA not registered to this wallet")
)

// Wallets is the part of the dashboard client the flows pay through
type Wallets interface {
	GetDataWallet(ctx context.Context, walletName string) (models.WalletData, error)
	SendTransaction(ctx context.Context, req dashboard.SendRequest) (models.TxResult, error)
	CreateOrderStaker(ctx context.Context, req dashboard.StakeRequest) (models.TxResult, error)
}

// Directory is the part of the DNA proxy client the flows read and write
type Directory interface {
	CheckNicknameAvailability(ctx context.Context, nickname string) (available bool, alreadyOwned bool, err error)
	CheckDNARegistration(ctx context.Context, address string) ([]string, error)
	RegisterDNA(ctx context.Context, name, wallet, txHash string) (dnaproxy.RegisterResult, error)
	RecordDelegation(ctx context.Context, wallet string, delegation models.Delegation) error
	CheckReservation(ctx context.Context, dna, wallet string) (models.ReservationStatus, error)
	UpdateReservation(ctx context.Context, dna, wallet, txHash string) error
}

// Stage is a step of a flow reported to the Observer
type Stage string

const (
	StageSubmitted Stage = "submitted"
	StageAttempt   Stage = "attempt"
	StageVerified  Stage = "verified"
	StageCompleted Stage = "completed"
	StageFailed    Stage = "failed"
)

// Update is a progress report of a flow
type Update struct {
	Flow        string
	Key         string
	Stage       Stage
	Tx          models.TxResult
	Attempt     int
	MaxAttempts int
	Err         error
}

// Observer receives flow progress. It runs on the verifier session goroutine.
type Observer func(Update)

// Result is the final outcome of a flow
type Result struct {
	Flow              string
	Key               string
	Tx                models.TxResult
	Verified          bool
	Attempts          int
	AlreadyRegistered bool
	Err               error
}

// Run is a submitted payment waiting for verification
type Run struct {
	Flow    string
	Key     string
	Tx      models.TxResult
	Session *verifier.Session

	mu     sync.Mutex
	result *Result
}

func (r *Run) finish(res Result) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.result = &res
}

// Wait blocks until verification and the follow-up write are done
func (r *Run) Wait(ctx context.Context) (Result, error) {
	select {
	case <-r.Session.Done():
	case <-ctx.Done():
		return Result{Flow: r.Flow, Key: r.Key, Tx: r.Tx}, ctx.Err()
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.result == nil {
		return Result{Flow: r.Flow, Key: r.Key, Tx: r.Tx}, verifier.ErrSessionCancelled
	}
	return *r.result, r.result.Err
}

// Settings are the payment rules of the flows
type Settings struct {
	TreasuryAddress string
	DefaultNetwork  string
	Networks        map[string]config.NetworkConfig
	Party           config.PartyConfig
}

// SettingsFromConfig extracts the flow settings from the service configuration
func SettingsFromConfig(cfg *config.Config) Settings {
	return Settings{
		TreasuryAddress: cfg.TreasuryAddress,
		DefaultNetwork:  cfg.DefaultNetwork,
		Networks:        cfg.Networks,
		Party:           cfg.Party,
	}
}

func (s Settings) paymentToken() string {
	if n, ok := s.Networks[s.DefaultNetwork]; ok && n.PaymentToken != "" {
		return n.PaymentToken
	}
	return "CPUNK"
}

// Manager runs the registration, delegation and reservation flows
type Manager struct {
	wallets   Wallets
	directory Directory
	registry  *verifier.Registry
	settings  Settings
	logger    logger.Logger
	observer  Observer
}

// NewManager creates a flow manager. observer may be nil.
func NewManager(wallets Wallets, directory Directory, registry *verifier.Registry, settings Settings, l logger.Logger, observer Observer) *Manager {
	if l == nil {
		l = &logger.EmptyLogger{}
	}
	if observer == nil {
		observer = func(Update) {}
	}
	return &Manager{
		wallets:   wallets,
		directory: directory,
		registry:  registry,
		settings:  settings,
		logger:    l,
		observer:  observer,
	}
}

// Registry returns the session registry the flows start sessions on
func (m *Manager) Registry() *verifier.Registry {
	return m.registry
}

// walletOn fetches walletName's balances on network
func (m *Manager) walletOn(ctx context.Context, walletName, network string) (models.NetworkBalance, error) {
	data, err := m.wallets.GetDataWallet(ctx, walletName)
	if err != nil {
		return models.NetworkBalance{}, err
	}
	balances, ok := data.Network(network)
	if !ok {
		return models.NetworkBalance{}, fmt.Errorf("wallet %s has no %s network", walletName, network)
	}
	if balances.Address == "" {
		return models.NetworkBalance{}, fmt.Errorf("wallet %s has no address on %s", walletName, network)
	}
	return balances, nil
}

// track starts verification of tx under key and runs followUp once it confirms
func (m *Manager) track(ctx context.Context, flow, key, network string, tx models.TxResult, followUp func(ctx context.Context, res *Result) error) (*Run, error) {
	run := &Run{Flow: flow, Key: key, Tx: tx}
	m.observer(Update{Flow: flow, Key: key, Stage: StageSubmitted, Tx: tx})

	cb := verifier.Callbacks{
		OnAttempt: func(attempt, maxAttempts int) {
			m.observer(Update{Flow: flow, Key: key, Stage: StageAttempt, Tx: tx, Attempt: attempt, MaxAttempts: maxAttempts})
		},
		OnSuccess: func(txID string, attempt int) {
			m.observer(Update{Flow: flow, Key: key, Stage: StageVerified, Tx: tx, Attempt: attempt})

			res := Result{Flow: flow, Key: key, Tx: tx, Verified: true, Attempts: attempt}
			if err := followUp(ctx, &res); err != nil {
				res.Err = err
				m.fail(flow, key, tx, attempt, err)
			} else {
				metrics.FlowResults.WithLabelValues(flow, "completed").Inc()
				m.logger.NoticeWithNetwork(network, "%s %s completed", flow, key)
				m.observer(Update{Flow: flow, Key: key, Stage: StageCompleted, Tx: tx, Attempt: attempt})
			}
			run.finish(res)
		},
		OnFailure: func(txID string, attempts int, err error) {
			failure := verifier.ErrVerificationTimeout
			if err != nil {
				failure = fmt.Errorf("%w: %v", verifier.ErrVerificationTimeout, err)
			}
			m.fail(flow, key, tx, attempts, failure)
			run.finish(Result{Flow: flow, Key: key, Tx: tx, Attempts: attempts, Err: failure})
		},
	}

	session, err := m.registry.Start(ctx, key, models.VerificationRequest{
		TransactionID: tx.TxHash,
		Network:       network,
	}, cb)
	if err != nil {
		return nil, err
	}
	run.Session = session
	return run, nil
}

func (m *Manager) fail(flow, key string, tx models.TxResult, attempt int, err error) {
	metrics.FlowResults.WithLabelValues(flow, "failed").Inc()
	m.logger.Error("%s %s failed: %v", flow, key, err)
	m.observer(Update{Flow: flow, Key: key, Stage: StageFailed, Tx: tx, Attempt: attempt, Err: err})
}

// Retest runs a single manual verification of txHash
func (m *Manager) Retest(ctx context.Context, txHash, network string) (bool, error) {
	txHash, err := cellframe.ValidateTxHash(txHash)
	if err != nil {
		return false, err
	}
	if strings.TrimSpace(network) == "" {
		network = m.settings.DefaultNetwork
	}
	return m.registry.Verifier().CheckOnce(ctx, txHash, network)
}

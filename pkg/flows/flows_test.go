package flows

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cpunk-club/cpunk-verifier/pkg/cellframe"
	"github.com/cpunk-club/cpunk-verifier/pkg/config"
	"github.com/cpunk-club/cpunk-verifier/pkg/dashboard"
	"github.com/cpunk-club/cpunk-verifier/pkg/dnaproxy"
	"github.com/cpunk-club/cpunk-verifier/pkg/models"
	"github.com/cpunk-club/cpunk-verifier/pkg/verifier"
)

const (
	treasury      = "Rj7J7MiX2bWy8sNyZcoLqkZuNznvU4KbK6RHgqrGj9iqwKPhoVKE1xNrEMmgtVsnyTZtFhftMPAJbaswuSLp7UeBS7jiRmE5uvuUJaKA"
	walletAddress = "Rj7J7MiX2bWy8sNyWalletAddressForTests"
	paymentTx     = "0xAAAA"
	waitTimeout   = 2 * time.Second
)

type fakeWallets struct {
	mu     sync.Mutex
	data   models.WalletData
	tx     models.TxResult
	err    error
	sends  []dashboard.SendRequest
	stakes []dashboard.StakeRequest
}

func (w *fakeWallets) GetDataWallet(_ context.Context, walletName string) (models.WalletData, error) {
	data := w.data
	data.Name = walletName
	return data, nil
}

func (w *fakeWallets) SendTransaction(_ context.Context, req dashboard.SendRequest) (models.TxResult, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.sends = append(w.sends, req)
	return w.tx, w.err
}

func (w *fakeWallets) CreateOrderStaker(_ context.Context, req dashboard.StakeRequest) (models.TxResult, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.stakes = append(w.stakes, req)
	return w.tx, w.err
}

type registration struct{ name, wallet, txHash string }

type fakeDirectory struct {
	mu          sync.Mutex
	available   bool
	owned       bool
	names       []string
	reservation models.ReservationStatus
	registerErr error
	registerRes dnaproxy.RegisterResult

	registrations []registration
	delegations   []models.Delegation
	reservations  []registration
}

func (d *fakeDirectory) CheckNicknameAvailability(context.Context, string) (bool, bool, error) {
	return d.available, d.owned, nil
}

func (d *fakeDirectory) CheckDNARegistration(context.Context, string) ([]string, error) {
	return d.names, nil
}

func (d *fakeDirectory) RegisterDNA(_ context.Context, name, wallet, txHash string) (dnaproxy.RegisterResult, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.registrations = append(d.registrations, registration{name, wallet, txHash})
	return d.registerRes, d.registerErr
}

func (d *fakeDirectory) RecordDelegation(_ context.Context, _ string, delegation models.Delegation) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.delegations = append(d.delegations, delegation)
	return nil
}

func (d *fakeDirectory) CheckReservation(context.Context, string, string) (models.ReservationStatus, error) {
	return d.reservation, nil
}

func (d *fakeDirectory) UpdateReservation(_ context.Context, dna, wallet, txHash string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.reservations = append(d.reservations, registration{dna, wallet, txHash})
	return nil
}

func (d *fakeDirectory) snapshot() ([]registration, []models.Delegation, []registration) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]registration(nil), d.registrations...),
		append([]models.Delegation(nil), d.delegations...),
		append([]registration(nil), d.reservations...)
}

type stageLog struct {
	mu     sync.Mutex
	stages []Stage
}

func (l *stageLog) observe(u Update) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.stages = append(l.stages, u.Stage)
}

func (l *stageLog) get() []Stage {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]Stage(nil), l.stages...)
}

type fixture struct {
	manager   *Manager
	wallets   *fakeWallets
	directory *fakeDirectory
	mock      *clock.Mock
	stages    *stageLog
}

func newFixture(t *testing.T, verified bool, tokens ...models.TokenBalance) *fixture {
	t.Helper()
	networks, err := config.LoadNetworks("")
	require.NoError(t, err)

	mock := clock.NewMock()
	checker := verifier.CheckerFunc(func(context.Context, string, string) (bool, error) {
		return verified, nil
	})
	v := verifier.New(checker,
		verifier.WithClock(mock),
		verifier.WithSchedule([]time.Duration{time.Second, time.Second}),
		verifier.WithDefaultNetwork("Backbone"),
	)
	t.Cleanup(v.Close)

	wallets := &fakeWallets{
		data: models.WalletData{Networks: []models.NetworkBalance{
			{Network: "Backbone", Address: walletAddress, Tokens: tokens},
		}},
		tx: models.TxResult{TxHash: paymentTx, OrderHash: "0xORDER"},
	}
	directory := &fakeDirectory{available: true}
	stages := &stageLog{}
	settings := Settings{
		TreasuryAddress: treasury,
		DefaultNetwork:  "Backbone",
		Networks:        networks,
		Party:           config.PartyConfig{ReservationAmount: 1000, MinWalletBalance: 2000},
	}
	return &fixture{
		manager:   NewManager(wallets, directory, verifier.NewRegistry(v), settings, nil, stages.observe),
		wallets:   wallets,
		directory: directory,
		mock:      mock,
		stages:    stages,
	}
}

// finish advances the clock past the whole schedule and waits for the run's result
func (f *fixture) finish(t *testing.T, run *Run) (Result, error) {
	t.Helper()
	require.Eventually(t, func() bool {
		f.mock.Add(time.Second)
		select {
		case <-run.Session.Done():
			return true
		default:
			return false
		}
	}, waitTimeout, time.Millisecond)
	ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
	defer cancel()
	res, err := run.Wait(ctx)
	require.NotErrorIs(t, err, context.DeadlineExceeded)
	return res, err
}

func balances(pairs ...interface{}) []models.TokenBalance {
	var out []models.TokenBalance
	for i := 0; i+1 < len(pairs); i += 2 {
		out = append(out, models.TokenBalance{TokenName: pairs[i].(string), Balance: pairs[i+1].(float64)})
	}
	return out
}

func TestRegister(t *testing.T) {
	ctx := context.Background()

	t.Run("pays, verifies and registers", func(t *testing.T) {
		f := newFixture(t, true, balances("CPUNK", 1000.0)...)

		run, err := f.manager.Register(ctx, RegistrationRequest{WalletName: "main", Nickname: " alice "})
		require.NoError(t, err)
		assert.Equal(t, verifier.RegistrationKey("alice"), run.Key)

		res, err := f.finish(t, run)
		require.NoError(t, err)
		assert.True(t, res.Verified)
		assert.Equal(t, 1, res.Attempts)
		assert.Equal(t, paymentTx, res.Tx.TxHash)

		require.Len(t, f.wallets.sends, 1)
		send := f.wallets.sends[0]
		assert.Equal(t, "main", send.WalletName)
		assert.Equal(t, "Backbone", send.Network)
		assert.Equal(t, treasury, send.ToAddress)
		assert.Equal(t, "CPUNK", send.TokenName)
		assert.Equal(t, "5.0e+18", send.Value)

		regs, _, _ := f.directory.snapshot()
		assert.Equal(t, []registration{{"alice", walletAddress, paymentTx}}, regs)
		assert.Equal(t, []Stage{StageSubmitted, StageAttempt, StageVerified, StageCompleted}, f.stages.get())
	})

	t.Run("already registered counts as success", func(t *testing.T) {
		f := newFixture(t, true, balances("CPUNK", 1000.0)...)
		f.directory.available = false
		f.directory.owned = true
		f.directory.registerRes = dnaproxy.RegisterResult{Success: true, AlreadyRegistered: true}

		run, err := f.manager.Register(ctx, RegistrationRequest{WalletName: "main", Nickname: "abcd"})
		require.NoError(t, err)
		res, err := f.finish(t, run)
		require.NoError(t, err)
		assert.True(t, res.AlreadyRegistered)
		assert.Equal(t, "100.0e+18", f.wallets.sends[0].Value)
	})

	t.Run("rejects before paying", func(t *testing.T) {
		f := newFixture(t, true, balances("CPUNK", 200.0)...)

		_, err := f.manager.Register(ctx, RegistrationRequest{WalletName: "main", Nickname: "ab"})
		assert.ErrorIs(t, err, ErrInvalidNickname)

		_, err = f.manager.Register(ctx, RegistrationRequest{WalletName: "main", Nickname: "abc"})
		assert.ErrorIs(t, err, ErrInsufficientBalance)

		f.directory.available = false
		_, err = f.manager.Register(ctx, RegistrationRequest{WalletName: "main", Nickname: "alice"})
		assert.ErrorIs(t, err, ErrNicknameTaken)

		assert.Empty(t, f.wallets.sends)
		assert.Equal(t, 0, f.manager.Registry().Len())
	})

	t.Run("payment error", func(t *testing.T) {
		f := newFixture(t, true, balances("CPUNK", 1000.0)...)
		f.wallets.err = dashboard.ErrRejected

		_, err := f.manager.Register(ctx, RegistrationRequest{WalletName: "main", Nickname: "alice"})
		assert.ErrorIs(t, err, dashboard.ErrRejected)
		assert.Equal(t, 0, f.manager.Registry().Len())
	})

	t.Run("unverified payment skips the write", func(t *testing.T) {
		f := newFixture(t, false, balances("CPUNK", 1000.0)...)

		run, err := f.manager.Register(ctx, RegistrationRequest{WalletName: "main", Nickname: "alice"})
		require.NoError(t, err)
		res, err := f.finish(t, run)
		assert.ErrorIs(t, err, verifier.ErrVerificationTimeout)
		assert.False(t, res.Verified)
		assert.Equal(t, 2, res.Attempts)

		regs, _, _ := f.directory.snapshot()
		assert.Empty(t, regs)
		stages := f.stages.get()
		assert.Equal(t, StageFailed, stages[len(stages)-1])
	})

	t.Run("failed write is reported", func(t *testing.T) {
		f := newFixture(t, true, balances("CPUNK", 1000.0)...)
		f.directory.registerErr = errors.New("proxy down")

		run, err := f.manager.Register(ctx, RegistrationRequest{WalletName: "main", Nickname: "alice"})
		require.NoError(t, err)
		res, err := f.finish(t, run)
		assert.EqualError(t, err, "proxy down")
		assert.True(t, res.Verified)
		assert.Equal(t, []Stage{StageSubmitted, StageAttempt, StageVerified, StageFailed}, f.stages.get())
	})
}

func TestDelegationTerms(t *testing.T) {
	f := newFixture(t, true)

	terms, err := f.manager.DelegationTerms("", 60)
	require.NoError(t, err)
	assert.Equal(t, "Backbone", terms.Network.Name)
	assert.Equal(t, 25.0, terms.Tax)
	assert.Equal(t, "75.0", terms.APITaxRate)
	assert.Equal(t, "60.0e+18", terms.Value)

	_, err = f.manager.DelegationTerms("Backbone", 5)
	assert.ErrorIs(t, err, ErrInvalidAmount)
	_, err = f.manager.DelegationTerms("Backbone", 151)
	assert.ErrorIs(t, err, ErrInvalidAmount)
	_, err = f.manager.DelegationTerms("Riemann", 10)
	assert.ErrorIs(t, err, ErrUnknownNetwork)
}

func TestDelegate(t *testing.T) {
	ctx := context.Background()

	t.Run("stakes and records the delegation", func(t *testing.T) {
		f := newFixture(t, true, balances("mCELL", 100.0, "CELL", 1.0)...)

		run, err := f.manager.Delegate(ctx, DelegationRequest{WalletName: "main", Network: "Backbone", Amount: 20})
		require.NoError(t, err)
		assert.Equal(t, verifier.DelegationKey(walletAddress), run.Key)

		_, err = f.finish(t, run)
		require.NoError(t, err)

		require.Len(t, f.wallets.stakes, 1)
		assert.Equal(t, dashboard.StakeRequest{WalletName: "main", Network: "Backbone", Value: "20.0e+18", Tax: "70.0"}, f.wallets.stakes[0])

		_, delegations, _ := f.directory.snapshot()
		assert.Equal(t, []models.Delegation{{
			TxHash:    paymentTx,
			OrderHash: "0xORDER",
			Network:   "Backbone",
			Amount:    20,
			Tax:       30,
		}}, delegations)
	})

	t.Run("balance checks", func(t *testing.T) {
		f := newFixture(t, true, balances("mCELL", 15.0, "CELL", 0.01)...)

		_, err := f.manager.Delegate(ctx, DelegationRequest{WalletName: "main", Network: "Backbone", Amount: 20})
		assert.ErrorIs(t, err, ErrInsufficientBalance)
		_, err = f.manager.Delegate(ctx, DelegationRequest{WalletName: "main", Network: "Backbone", Amount: 10})
		assert.ErrorIs(t, err, ErrInsufficientBalance)
		assert.Empty(t, f.wallets.stakes)
	})

	t.Run("wallet without the network", func(t *testing.T) {
		f := newFixture(t, true, balances("mKEL", 1000.0, "KEL", 10.0)...)

		_, err := f.manager.Delegate(ctx, DelegationRequest{WalletName: "main", Network: "KelVPN", Amount: 500})
		assert.Error(t, err)
		assert.Empty(t, f.wallets.stakes)
	})
}

func TestReserve(t *testing.T) {
	ctx := context.Background()

	t.Run("pays and records the reservation", func(t *testing.T) {
		f := newFixture(t, true, balances("CPUNK", 5000.0)...)
		f.directory.names = []string{"bob", "Alice"}

		run, err := f.manager.Reserve(ctx, ReservationRequest{WalletName: "main", DNA: "alice"})
		require.NoError(t, err)
		assert.Equal(t, verifier.ReservationKey("alice"), run.Key)

		_, err = f.finish(t, run)
		require.NoError(t, err)

		require.Len(t, f.wallets.sends, 1)
		assert.Equal(t, "1000.0e+18", f.wallets.sends[0].Value)
		assert.Equal(t, treasury, f.wallets.sends[0].ToAddress)

		_, _, reservations := f.directory.snapshot()
		assert.Equal(t, []registration{{"alice", walletAddress, paymentTx}}, reservations)
	})

	t.Run("rejects before paying", func(t *testing.T) {
		f := newFixture(t, true, balances("CPUNK", 1500.0)...)

		_, err := f.manager.Reserve(ctx, ReservationRequest{WalletName: "main", DNA: "alice"})
		assert.ErrorIs(t, err, ErrDNANotOwned)

		f.directory.names = []string{"alice"}
		_, err = f.manager.Reserve(ctx, ReservationRequest{WalletName: "main", DNA: "alice"})
		assert.ErrorIs(t, err, ErrInsufficientBalance)

		f.directory.reservation = models.ReservationStatus{Reserved: true}
		_, err = f.manager.Reserve(ctx, ReservationRequest{WalletName: "main", DNA: "alice"})
		assert.ErrorIs(t, err, ErrAlreadyReserved)

		f.directory.reservation = models.ReservationStatus{WalletReserved: true}
		_, err = f.manager.Reserve(ctx, ReservationRequest{WalletName: "main", DNA: "alice"})
		assert.ErrorIs(t, err, ErrAlreadyReserved)

		assert.Empty(t, f.wallets.sends)
	})
}

func TestRunCancelled(t *testing.T) {
	f := newFixture(t, true, balances("CPUNK", 1000.0)...)

	run, err := f.manager.Register(context.Background(), RegistrationRequest{WalletName: "main", Nickname: "alice"})
	require.NoError(t, err)
	require.True(t, f.manager.Registry().Cancel(run.Key))

	ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
	defer cancel()
	_, err = run.Wait(ctx)
	assert.ErrorIs(t, err, verifier.ErrSessionCancelled)

	regs, _, _ := f.directory.snapshot()
	assert.Empty(t, regs)
}

func TestRetest(t *testing.T) {
	f := newFixture(t, true)

	ok, err := f.manager.Retest(context.Background(), "0x"+strings.Repeat("ab", 32), "")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = f.manager.Retest(context.Background(), "0xABC", "KelVPN")
	require.NoError(t, err)
	assert.True(t, ok)

	_, err = f.manager.Retest(context.Background(), "0xnothex", "")
	assert.ErrorIs(t, err, cellframe.ErrInvalidTxHash)

	_, err = f.manager.Retest(context.Background(), "  ", "")
	assert.Error(t, err)
}

package engine

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"escrowflow/custody"
	"escrowflow/ledger"
)

type fakeStatus struct {
	status custody.Status
	err    error
}

func (f *fakeStatus) Status(context.Context, ledger.Address) (custody.Status, error) {
	return f.status, f.err
}

type fakeBackend struct {
	balance    uint64
	balanceErr error
	price      uint64
	priceErr   error
	simGas     uint64
	simErr     error
	submitErr  error
	receipt    *ledger.Receipt
	waitErr    error

	simulated []ledger.Call
	submitted []ledger.Call
}

func (f *fakeBackend) BalanceAt(context.Context, ledger.Address) (uint64, error) {
	return f.balance, f.balanceErr
}

func (f *fakeBackend) SuggestGasPrice(context.Context) (uint64, error) {
	return f.price, f.priceErr
}

func (f *fakeBackend) Simulate(_ context.Context, call ledger.Call) (uint64, error) {
	f.simulated = append(f.simulated, call)
	return f.simGas, f.simErr
}

func (f *fakeBackend) Submit(_ context.Context, call ledger.Call) (ledger.Hash, error) {
	f.submitted = append(f.submitted, call)
	return ledger.Digest([]byte("tx"), call.To[:]), f.submitErr
}

func (f *fakeBackend) WaitForReceipt(ctx context.Context, txID ledger.Hash) (*ledger.Receipt, error) {
	if f.waitErr != nil {
		return nil, f.waitErr
	}
	r := *f.receipt
	r.TxID = txID
	return &r, nil
}

func healthyBackend() *fakeBackend {
	return &fakeBackend{
		balance: 100_000_000,
		price:   10,
		simGas:  50_000,
		receipt: &ledger.Receipt{OK: true, Height: 7, GasUsed: 50_000, EffectiveGasPrice: 10},
	}
}

func newTestSubmitter(backend Backend, status StatusReader, cfg SubmitterConfig) *Submitter {
	if cfg.Agent == (ledger.Address{}) {
		cfg.Agent = ledger.AddressFromSeed("agent")
	}
	return NewSubmitter(zerolog.Nop(), backend, status, cfg)
}

func TestSettle_ConfirmedHappyPath(t *testing.T) {
	backend := healthyBackend()
	sub := newTestSubmitter(backend, &fakeStatus{status: custody.StatusFunded}, SubmitterConfig{})

	addr := ledger.AddressFromSeed("agreement")
	result, err := sub.Settle(context.Background(), addr)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Outcome != OutcomeConfirmed {
		t.Fatalf("expected confirmed outcome, got %v", result.Outcome)
	}
	if result.Status != custody.StatusSettled {
		t.Errorf("expected settled status, got %v", result.Status)
	}
	if result.Height != 7 || result.GasUsed != 50_000 {
		t.Errorf("receipt fields not propagated: %+v", result)
	}
	if len(backend.submitted) != 1 {
		t.Fatalf("expected exactly one submission, got %d", len(backend.submitted))
	}
	call := backend.submitted[0]
	if call.Method != "settle" || call.To != addr || call.Value != 0 {
		t.Errorf("unexpected call shape: %+v", call)
	}
}

func TestSettle_SkipsWhenNoLongerFunded(t *testing.T) {
	for _, status := range []custody.Status{custody.StatusCreated, custody.StatusSettled, custody.StatusDisputed} {
		t.Run(status.String(), func(t *testing.T) {
			backend := healthyBackend()
			sub := newTestSubmitter(backend, &fakeStatus{status: status}, SubmitterConfig{})

			result, err := sub.Settle(context.Background(), ledger.AddressFromSeed("a"))
			if err != nil {
				t.Fatalf("skip must not be an error: %v", err)
			}
			if result.Outcome != OutcomeSkipped {
				t.Fatalf("expected skipped outcome, got %v", result.Outcome)
			}
			if result.Status != status {
				t.Errorf("expected re-read status %v, got %v", status, result.Status)
			}
			if len(backend.simulated) != 0 || len(backend.submitted) != 0 {
				t.Errorf("skip must touch nothing: simulated %d, submitted %d",
					len(backend.simulated), len(backend.submitted))
			}
		})
	}
}

func TestSettle_SimulationFailureBlocksSubmission(t *testing.T) {
	backend := healthyBackend()
	backend.simErr = errors.New("execution reverted: agreement disputed")
	sub := newTestSubmitter(backend, &fakeStatus{status: custody.StatusFunded}, SubmitterConfig{})

	_, err := sub.Settle(context.Background(), ledger.AddressFromSeed("a"))
	if !errors.Is(err, ErrSimulationFailed) {
		t.Fatalf("expected ErrSimulationFailed, got %v", err)
	}
	if len(backend.submitted) != 0 {
		t.Fatalf("failed simulation must never submit")
	}
}

func TestSettle_GasLimitMultiplierApplied(t *testing.T) {
	backend := healthyBackend()
	backend.simGas = 100_000
	sub := newTestSubmitter(backend, &fakeStatus{status: custody.StatusFunded},
		SubmitterConfig{GasLimitMultiplier: 1.2})

	if _, err := sub.Settle(context.Background(), ledger.AddressFromSeed("a")); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := backend.submitted[0].GasLimit; got != 120_000 {
		t.Errorf("expected gas limit 120000, got %d", got)
	}
}

func TestSettle_GasPriceCappedAtCeiling(t *testing.T) {
	backend := healthyBackend()
	backend.price = 50
	sub := newTestSubmitter(backend, &fakeStatus{status: custody.StatusFunded},
		SubmitterConfig{GasPriceCeiling: 40})

	if _, err := sub.Settle(context.Background(), ledger.AddressFromSeed("a")); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := backend.submitted[0].GasPrice; got != 40 {
		t.Errorf("expected capped gas price 40, got %d", got)
	}
}

func TestSettle_BalanceBelowReservePlusCost(t *testing.T) {
	backend := healthyBackend()
	// cost = 50_000 * 1.2 * 10 = 600_000; reserve pushes the requirement past
	// the available balance.
	backend.balance = 1_000_000
	sub := newTestSubmitter(backend, &fakeStatus{status: custody.StatusFunded},
		SubmitterConfig{MinReserve: 500_000})

	_, err := sub.Settle(context.Background(), ledger.AddressFromSeed("a"))
	if !errors.Is(err, ErrBalanceTooLow) {
		t.Fatalf("expected ErrBalanceTooLow, got %v", err)
	}
	if len(backend.submitted) != 0 {
		t.Fatalf("underfunded agent must never submit")
	}
}

func TestSettle_ConfirmationTimeoutIsRetryable(t *testing.T) {
	backend := healthyBackend()
	backend.waitErr = ledger.ErrConfirmTimeout
	sub := newTestSubmitter(backend, &fakeStatus{status: custody.StatusFunded},
		SubmitterConfig{ConfirmTimeout: 10 * time.Millisecond})

	_, err := sub.Settle(context.Background(), ledger.AddressFromSeed("a"))
	if !errors.Is(err, ledger.ErrConfirmTimeout) {
		t.Fatalf("expected confirmation timeout to surface, got %v", err)
	}
	// The transaction went out; only the confirmation is unknown. The next
	// cycle's re-read decides whether to resubmit.
	if len(backend.submitted) != 1 {
		t.Fatalf("timeout after submission must not unsubmit, got %d", len(backend.submitted))
	}
}

func TestSettle_RevertedReceiptIsError(t *testing.T) {
	backend := healthyBackend()
	backend.receipt = &ledger.Receipt{OK: false, Err: "agreement not funded"}
	sub := newTestSubmitter(backend, &fakeStatus{status: custody.StatusFunded}, SubmitterConfig{})

	_, err := sub.Settle(context.Background(), ledger.AddressFromSeed("a"))
	if err == nil {
		t.Fatalf("reverted settle must be reported as an error")
	}
}

// gatedBackend parks the first confirmation wait until released; later
// waits pass straight through.
type gatedBackend struct {
	*fakeBackend
	mu      sync.Mutex
	gated   bool
	waiting chan struct{}
	release chan struct{}
}

func (g *gatedBackend) WaitForReceipt(ctx context.Context, txID ledger.Hash) (*ledger.Receipt, error) {
	g.mu.Lock()
	first := !g.gated
	g.gated = true
	g.mu.Unlock()
	if first {
		close(g.waiting)
		select {
		case <-g.release:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return g.fakeBackend.WaitForReceipt(ctx, txID)
}

// A slow confirmation for one agreement must not serialize settlements for
// unrelated agreements; the agent mutex covers submission only.
func TestSettle_ConfirmationWaitDoesNotBlockOtherAgreements(t *testing.T) {
	backend := &gatedBackend{
		fakeBackend: healthyBackend(),
		waiting:     make(chan struct{}),
		release:     make(chan struct{}),
	}
	sub := newTestSubmitter(backend, &fakeStatus{status: custody.StatusFunded},
		SubmitterConfig{ConfirmTimeout: 30 * time.Second})

	slowDone := make(chan error, 1)
	go func() {
		_, err := sub.Settle(context.Background(), ledger.AddressFromSeed("slow"))
		slowDone <- err
	}()
	<-backend.waiting

	fastDone := make(chan error, 1)
	go func() {
		_, err := sub.Settle(context.Background(), ledger.AddressFromSeed("fast"))
		fastDone <- err
	}()
	select {
	case err := <-fastDone:
		if err != nil {
			t.Fatalf("unrelated settlement errored: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("unrelated settlement blocked behind a confirmation wait")
	}

	close(backend.release)
	if err := <-slowDone; err != nil {
		t.Fatalf("gated settlement errored after release: %v", err)
	}
}

func TestSettle_StatusReadErrorPropagates(t *testing.T) {
	backend := healthyBackend()
	sub := newTestSubmitter(backend, &fakeStatus{err: errors.New("node unreachable")}, SubmitterConfig{})

	_, err := sub.Settle(context.Background(), ledger.AddressFromSeed("a"))
	if err == nil {
		t.Fatalf("expected status read error to propagate")
	}
	if len(backend.simulated) != 0 {
		t.Fatalf("must not simulate when status is unknown")
	}
}

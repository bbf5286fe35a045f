package ledger

import (
	"context"
	"errors"
	"testing"
	"time"
)

// counter is a minimal contract for exercising execution semantics.
type counter struct {
	n      int
	payout Address
}

func (c *counter) Invoke(env *Env, method string, args []any) (any, error) {
	switch method {
	case "inc":
		if err := env.UseGas(GasStore); err != nil {
			return nil, err
		}
		c.n++
		return c.n, nil
	case "payThenFail":
		c.n++
		if err := env.Pay(c.payout, 100); err != nil {
			return nil, err
		}
		return nil, errors.New("boom")
	case "pay":
		return nil, env.Pay(c.payout, 100)
	case "explode":
		panic("kaboom")
	default:
		return nil, ErrUnknownMethod
	}
}

func (c *counter) Snapshot() any {
	cp := *c
	return cp
}

func (c *counter) Restore(snap any) {
	*c = snap.(counter)
}

func newTestLedger(t *testing.T, opts ...Option) (*Ledger, Address, *counter, Address) {
	t.Helper()
	l := New(opts...)
	caller := AddressFromSeed("caller")
	payout := AddressFromSeed("payout")
	l.Mint(caller, 100_000_000)
	c := &counter{payout: payout}
	addr, err := l.DeployContract(AddressFromSeed("deployer"), c, 0)
	if err != nil {
		t.Fatalf("deploy: %v", err)
	}
	return l, caller, c, addr
}

func TestSubmitTransaction_AppliesAndChargesGas(t *testing.T) {
	l, caller, c, addr := newTestLedger(t)
	before := l.Balance(caller)

	txID, err := l.SubmitTransaction(Call{Caller: caller, To: addr, Method: "inc"})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	r, ok := l.Receipt(txID)
	if !ok {
		t.Fatalf("expected receipt")
	}
	if !r.OK {
		t.Fatalf("expected success, got %q", r.Err)
	}
	if c.n != 1 {
		t.Errorf("expected contract state applied, n=%d", c.n)
	}
	if r.Height != 1 {
		t.Errorf("expected height 1, got %d", r.Height)
	}
	wantGas := GasTxBase + GasStore
	if r.GasUsed != wantGas {
		t.Errorf("expected gas %d, got %d", wantGas, r.GasUsed)
	}
	charged := before - l.Balance(caller)
	if charged != wantGas*r.EffectiveGasPrice {
		t.Errorf("expected gas charge %d, got %d", wantGas*r.EffectiveGasPrice, charged)
	}
}

func TestSubmitTransaction_RevertsOnError(t *testing.T) {
	l, caller, c, addr := newTestLedger(t)
	l.Mint(addr, 1_000)
	payout := c.payout
	contractBefore := l.Balance(addr)

	txID, err := l.SubmitTransaction(Call{Caller: caller, To: addr, Method: "payThenFail"})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	r, _ := l.Receipt(txID)
	if r.OK {
		t.Fatalf("expected failed receipt")
	}
	if c.n != 0 {
		t.Errorf("expected contract state reverted, n=%d", c.n)
	}
	if got := l.Balance(payout); got != 0 {
		t.Errorf("expected payout reverted, balance %d", got)
	}
	if got := l.Balance(addr); got != contractBefore {
		t.Errorf("expected contract balance restored, got %d want %d", got, contractBefore)
	}
	if r.GasUsed == 0 {
		t.Errorf("expected gas charged on failure")
	}
}

func TestSubmitTransaction_RevertsOnPanic(t *testing.T) {
	l, caller, c, addr := newTestLedger(t)
	txID, err := l.SubmitTransaction(Call{Caller: caller, To: addr, Method: "explode"})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	r, _ := l.Receipt(txID)
	if r.OK {
		t.Fatalf("expected failed receipt for panicking call")
	}
	if c.n != 0 {
		t.Errorf("expected state untouched after panic")
	}
}

func TestSubmitTransaction_ValueMovesToContract(t *testing.T) {
	l, caller, _, addr := newTestLedger(t)
	_, err := l.SubmitTransaction(Call{Caller: caller, To: addr, Method: "inc", Value: 5_000})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if got := l.Balance(addr); got != 5_000 {
		t.Errorf("expected contract to hold attached value, got %d", got)
	}
}

func TestSubmitTransaction_InsufficientFunds(t *testing.T) {
	l, _, _, addr := newTestLedger(t)
	poor := AddressFromSeed("poor")
	l.Mint(poor, 10)
	_, err := l.SubmitTransaction(Call{Caller: poor, To: addr, Method: "inc"})
	if !errors.Is(err, ErrInsufficientFunds) {
		t.Fatalf("expected ErrInsufficientFunds, got %v", err)
	}
	if got := l.Sequence(poor); got != 0 {
		t.Errorf("rejected submission must not consume a sequence number, got %d", got)
	}
}

func TestSubmitTransaction_OutOfGas(t *testing.T) {
	l, caller, c, addr := newTestLedger(t)
	txID, err := l.SubmitTransaction(Call{Caller: caller, To: addr, Method: "inc", GasLimit: 1_000})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	r, _ := l.Receipt(txID)
	if r.OK {
		t.Fatalf("expected out-of-gas failure")
	}
	if r.GasUsed != 1_000 {
		t.Errorf("expected gas capped at limit, got %d", r.GasUsed)
	}
	if c.n != 0 {
		t.Errorf("expected state reverted on out of gas")
	}
}

func TestSimulateCall_NeverMutates(t *testing.T) {
	l, caller, c, addr := newTestLedger(t)
	before := l.Balance(caller)

	_, gasUsed, err := l.SimulateCall(Call{Caller: caller, To: addr, Method: "inc"})
	if err != nil {
		t.Fatalf("simulate: %v", err)
	}
	if gasUsed != GasTxBase+GasStore {
		t.Errorf("expected metered gas, got %d", gasUsed)
	}
	if c.n != 0 {
		t.Errorf("simulation must not mutate contract state, n=%d", c.n)
	}
	if l.Balance(caller) != before {
		t.Errorf("simulation must not charge the caller")
	}
	if l.Height() != 0 {
		t.Errorf("simulation must not advance the chain")
	}
}

func TestSimulateCall_ReportsFailure(t *testing.T) {
	l, caller, _, addr := newTestLedger(t)
	// Contract has no balance; pay must fail.
	_, _, err := l.SimulateCall(Call{Caller: caller, To: addr, Method: "pay"})
	if !errors.Is(err, ErrInsufficientFunds) {
		t.Fatalf("expected simulated failure, got %v", err)
	}
}

func TestManualSeal(t *testing.T) {
	l, caller, c, addr := newTestLedger(t, WithManualSeal())

	tx1, err := l.SubmitTransaction(Call{Caller: caller, To: addr, Method: "inc"})
	if err != nil {
		t.Fatalf("submit 1: %v", err)
	}
	tx2, err := l.SubmitTransaction(Call{Caller: caller, To: addr, Method: "inc"})
	if err != nil {
		t.Fatalf("submit 2: %v", err)
	}
	if _, ok := l.Receipt(tx1); ok {
		t.Fatalf("no receipt should exist before sealing")
	}
	if c.n != 0 {
		t.Fatalf("no state change should happen before sealing")
	}

	l.SealBlock()

	r1, ok1 := l.Receipt(tx1)
	r2, ok2 := l.Receipt(tx2)
	if !ok1 || !ok2 {
		t.Fatalf("expected receipts after sealing")
	}
	if r1.Height != 1 || r2.Height != 1 {
		t.Errorf("expected both txs in block 1, got %d and %d", r1.Height, r2.Height)
	}
	if c.n != 2 {
		t.Errorf("expected both txs applied in order, n=%d", c.n)
	}
}

func TestSequenceAdvancesPerSubmission(t *testing.T) {
	l, caller, _, addr := newTestLedger(t)
	for i := 0; i < 3; i++ {
		if _, err := l.SubmitTransaction(Call{Caller: caller, To: addr, Method: "inc"}); err != nil {
			t.Fatalf("submit %d: %v", i, err)
		}
	}
	if got := l.Sequence(caller); got != 3 {
		t.Errorf("expected sequence 3, got %d", got)
	}
}

func TestClientWaitForReceipt(t *testing.T) {
	l, caller, _, addr := newTestLedger(t, WithManualSeal())
	client := NewClient(l)

	txID, err := client.Submit(context.Background(), Call{Caller: caller, To: addr, Method: "inc"})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	shortCtx, cancel := context.WithTimeout(context.Background(), 150*time.Millisecond)
	defer cancel()
	if _, err := client.WaitForReceipt(shortCtx, txID); !errors.Is(err, ErrConfirmTimeout) {
		t.Fatalf("expected ErrConfirmTimeout before sealing, got %v", err)
	}

	l.SealBlock()
	r, err := client.WaitForReceipt(context.Background(), txID)
	if err != nil {
		t.Fatalf("expected receipt after sealing, got %v", err)
	}
	if !r.OK {
		t.Errorf("expected successful receipt, got %q", r.Err)
	}
}

func TestAddressRoundTrip(t *testing.T) {
	a := AddressFromSeed("round-trip")
	parsed, err := ParseAddress(a.String())
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if parsed != a {
		t.Errorf("round trip mismatch: %s vs %s", parsed, a)
	}
	if _, err := ParseAddress("not-an-address"); err == nil {
		t.Errorf("expected parse failure")
	}
}

func TestDigestDeterministic(t *testing.T) {
	h1 := Digest([]byte("a"), []byte("b"))
	h2 := Digest([]byte("a"), []byte("b"))
	h3 := Digest([]byte("ab"))
	if h1 != h2 {
		t.Errorf("digest must be deterministic")
	}
	if h1 != h3 {
		t.Errorf("digest must depend only on concatenated bytes")
	}
	if h1.IsZero() {
		t.Errorf("digest must not be zero")
	}
}

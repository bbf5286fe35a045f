// Package ledger implements a deterministic in-process ledger: accounts with
// balances and sequence numbers, contracts deployed at derived addresses, and
// serialized transaction execution with journaled rollback and gas metering.
// Every state transition inside a single call is atomic: any error reverts
// all balance movements, deployments, and contract mutations of that call.
package ledger

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"time"
)

// Gas schedule. Flat costs per operation class; contracts may meter extra
// work through Env.UseGas.
const (
	GasTxBase   uint64 = 21_000
	GasTransfer uint64 = 9_000
	GasDeploy   uint64 = 32_000
	GasStore    uint64 = 5_000

	// DefaultGasLimit bounds a submitted call when the caller sets none.
	DefaultGasLimit uint64 = 500_000
	// DefaultGasPrice is the genesis per-unit price.
	DefaultGasPrice uint64 = 10

	simulationGasCap uint64 = 10_000_000
)

var (
	// ErrOutOfGas signals the call exceeded its gas limit and was reverted.
	ErrOutOfGas = errors.New("ledger: out of gas")
	// ErrInsufficientFunds signals the caller cannot cover value plus max gas cost.
	ErrInsufficientFunds = errors.New("ledger: insufficient funds")
	// ErrUnknownContract signals a call to an address with no deployed code.
	ErrUnknownContract = errors.New("ledger: no contract at address")
	// ErrUnknownMethod signals a call naming a method the contract does not expose.
	ErrUnknownMethod = errors.New("ledger: unknown method")
)

// Callable is code deployed at a ledger address. Invoke runs inside a
// transaction; Snapshot and Restore give the ledger the means to revert
// contract state when a call fails partway through.
type Callable interface {
	Invoke(env *Env, method string, args []any) (any, error)
	Snapshot() any
	Restore(snap any)
}

// Account tracks the balance and next sequence number of one identity.
type Account struct {
	Balance  uint64
	Sequence uint64
}

// Call describes one state-changing invocation.
type Call struct {
	Caller   Address
	To       Address
	Value    uint64
	Method   string
	Args     []any
	GasLimit uint64
	GasPrice uint64
}

// Receipt records the outcome of an executed transaction.
type Receipt struct {
	TxID              Hash
	Height            uint64
	OK                bool
	GasUsed           uint64
	EffectiveGasPrice uint64
	Ret               any
	Err               string
}

type pendingTx struct {
	txID Hash
	call Call
}

// Ledger is the world state. All exported methods are safe for concurrent
// use; execution is serialized under one mutex, which is the ledger's
// consistency boundary.
type Ledger struct {
	mu        sync.Mutex
	accounts  map[Address]*Account
	contracts map[Address]Callable
	receipts  map[Hash]*Receipt
	pending   []pendingTx
	height    uint64
	deploys   uint64
	gasPrice  uint64
	manual    bool
	now       func() time.Time
}

// Option configures a Ledger at construction.
type Option func(*Ledger)

// WithClock overrides the ledger clock. Tests use this to pin block
// timestamps.
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) { l.now = now }
}

// WithManualSeal queues submitted transactions until SealBlock is called
// instead of applying them immediately.
func WithManualSeal() Option {
	return func(l *Ledger) { l.manual = true }
}

// WithGasPrice overrides the genesis gas price.
func WithGasPrice(price uint64) Option {
	return func(l *Ledger) { l.gasPrice = price }
}

func New(opts ...Option) *Ledger {
	l := &Ledger{
		accounts:  make(map[Address]*Account),
		contracts: make(map[Address]Callable),
		receipts:  make(map[Hash]*Receipt),
		gasPrice:  DefaultGasPrice,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Mint credits an account out of thin air. Genesis and test bootstrap only.
func (l *Ledger) Mint(addr Address, amount uint64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.account(addr).Balance += amount
}

// Balance returns the current balance of an account.
func (l *Ledger) Balance(addr Address) uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	if acct, ok := l.accounts[addr]; ok {
		return acct.Balance
	}
	return 0
}

// Sequence returns the next sequence number for an account.
func (l *Ledger) Sequence(addr Address) uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	if acct, ok := l.accounts[addr]; ok {
		return acct.Sequence
	}
	return 0
}

// Height returns the current block height.
func (l *Ledger) Height() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.height
}

// GasPrice returns the current per-unit price quoted by the ledger.
func (l *Ledger) GasPrice() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.gasPrice
}

// SetGasPrice moves the quoted per-unit price. Tests use this to model a
// price spike.
func (l *Ledger) SetGasPrice(price uint64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.gasPrice = price
}

// ContractAt returns the code deployed at an address, if any. Callers must
// treat the result as read-only; mutations go through SubmitTransaction.
func (l *Ledger) ContractAt(addr Address) (Callable, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	c, ok := l.contracts[addr]
	return c, ok
}

// View runs fn under the ledger's execution lock so readers observe
// contract state between transactions, never mid-call. fn must not call
// back into the ledger.
func (l *Ledger) View(fn func()) {
	l.mu.Lock()
	defer l.mu.Unlock()
	fn()
}

// DeployContract installs a contract directly, outside transaction
// execution. Used to bootstrap genesis contracts such as the registry.
func (l *Ledger) DeployContract(creator Address, c Callable, endow uint64) (Address, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	addr := deriveContractAddress(creator, l.deploys)
	l.deploys++
	if endow > 0 {
		from := l.account(creator)
		if from.Balance < endow {
			return ZeroAddress, ErrInsufficientFunds
		}
		from.Balance -= endow
		l.account(addr).Balance += endow
	}
	l.contracts[addr] = c
	return addr, nil
}

// SubmitTransaction validates the call against the caller's balance,
// assigns the next sequence number, and either applies it immediately or
// queues it for the next sealed block. The returned hash identifies the
// transaction for receipt lookup; a returned hash never implies success.
func (l *Ledger) SubmitTransaction(call Call) (Hash, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if call.GasLimit == 0 {
		call.GasLimit = DefaultGasLimit
	}
	if call.GasPrice == 0 {
		call.GasPrice = l.gasPrice
	}

	acct := l.account(call.Caller)
	maxCost := call.Value + call.GasLimit*call.GasPrice
	if acct.Balance < maxCost {
		return Hash{}, fmt.Errorf("%w: balance %d below value+gas %d", ErrInsufficientFunds, acct.Balance, maxCost)
	}

	seq := acct.Sequence
	acct.Sequence++
	txID := txIdentifier(call, seq)

	if l.manual {
		l.pending = append(l.pending, pendingTx{txID: txID, call: call})
		return txID, nil
	}

	l.height++
	l.applyLocked(txID, call, l.now(), l.height)
	return txID, nil
}

// SealBlock applies all pending transactions in submission order under a
// single block height and timestamp. No-op without manual sealing.
func (l *Ledger) SealBlock() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.pending) == 0 {
		return
	}
	l.height++
	ts := l.now()
	for _, p := range l.pending {
		l.applyLocked(p.txID, p.call, ts, l.height)
	}
	l.pending = nil
}

// Receipt returns the receipt for a transaction, if it has been included.
func (l *Ledger) Receipt(txID Hash) (*Receipt, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	r, ok := l.receipts[txID]
	if !ok {
		return nil, false
	}
	cp := *r
	return &cp, true
}

// SimulateCall dry-runs a call against current state and reverts it
// unconditionally. It reports the return value and metered gas so callers
// can predict failure and estimate cost without spending anything.
func (l *Ledger) SimulateCall(call Call) (any, uint64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if call.GasLimit == 0 {
		call.GasLimit = simulationGasCap
	}
	return l.run(call, l.now(), true)
}

func (l *Ledger) applyLocked(txID Hash, call Call, ts time.Time, height uint64) {
	ret, gasUsed, execErr := l.run(call, ts, false)

	// Gas is charged even on failure; the upfront balance check at submit
	// time guarantees the caller can cover it.
	acct := l.account(call.Caller)
	cost := gasUsed * call.GasPrice
	if acct.Balance < cost {
		cost = acct.Balance
	}
	acct.Balance -= cost

	r := &Receipt{
		TxID:              txID,
		Height:            height,
		OK:                execErr == nil,
		GasUsed:           gasUsed,
		EffectiveGasPrice: call.GasPrice,
		Ret:               ret,
	}
	if execErr != nil {
		r.Err = execErr.Error()
	}
	l.receipts[txID] = r
}

// run executes the call body. Callers hold l.mu. The journal and contract
// snapshots are reverted when the call errors, panics, or revertAlways is
// set.
func (l *Ledger) run(call Call, ts time.Time, revertAlways bool) (ret any, gasUsed uint64, err error) {
	env := &Env{
		ledger:   l,
		caller:   call.Caller,
		self:     call.To,
		value:    call.Value,
		now:      ts,
		gasLimit: call.GasLimit,
		touched:  make(map[Address]any),
	}

	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("ledger: call %s panicked: %v", call.Method, p)
		}
		if err != nil || revertAlways {
			env.revert()
		}
		gasUsed = env.gasUsed
		if gasUsed > call.GasLimit {
			gasUsed = call.GasLimit
		}
	}()

	if err = env.UseGas(GasTxBase); err != nil {
		return nil, 0, err
	}

	c, ok := l.contracts[call.To]
	if !ok {
		return nil, 0, fmt.Errorf("%w: %s", ErrUnknownContract, call.To)
	}
	env.touch(call.To, c)

	if call.Value > 0 {
		if err = env.move(call.Caller, call.To, call.Value); err != nil {
			return nil, 0, err
		}
	}

	ret, err = c.Invoke(env, call.Method, call.Args)
	return ret, 0, err
}

func (l *Ledger) account(addr Address) *Account {
	acct, ok := l.accounts[addr]
	if !ok {
		acct = &Account{}
		l.accounts[addr] = acct
	}
	return acct
}

func txIdentifier(call Call, sequence uint64) Hash {
	var seq [8]byte
	binary.BigEndian.PutUint64(seq[:], sequence)
	return Digest(call.Caller[:], seq[:], call.To[:], []byte(call.Method))
}

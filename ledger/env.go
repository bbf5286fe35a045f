package ledger

import (
	"fmt"
	"time"
)

// Env is the execution environment handed to a contract for the duration of
// one call. It meters gas, journals balance movements and deployments, and
// snapshots every contract it touches so the whole call can be reverted.
type Env struct {
	ledger   *Ledger
	caller   Address
	self     Address
	value    uint64
	now      time.Time
	gasLimit uint64
	gasUsed  uint64
	undo     []func()
	touched  map[Address]any
}

// Caller is the identity that signed the transaction.
func (e *Env) Caller() Address { return e.caller }

// Self is the address of the contract currently executing.
func (e *Env) Self() Address { return e.self }

// Value is the amount attached to the call, already credited to Self.
func (e *Env) Value() uint64 { return e.value }

// Time is the block timestamp of the executing transaction.
func (e *Env) Time() time.Time { return e.now }

// UseGas meters n units against the call's limit.
func (e *Env) UseGas(n uint64) error {
	e.gasUsed += n
	if e.gasUsed > e.gasLimit {
		return ErrOutOfGas
	}
	return nil
}

// Pay moves amount from the executing contract's balance to another account.
func (e *Env) Pay(to Address, amount uint64) error {
	if err := e.UseGas(GasTransfer); err != nil {
		return err
	}
	return e.move(e.self, to, amount)
}

// Deploy installs a new contract at a derived address, endowing it from the
// executing contract's balance. The deployment is journaled: if the
// surrounding call fails, the contract and its endowment vanish.
func (e *Env) Deploy(c Callable, endow uint64) (Address, error) {
	if err := e.UseGas(GasDeploy); err != nil {
		return ZeroAddress, err
	}
	l := e.ledger
	addr := deriveContractAddress(e.self, l.deploys)
	l.deploys++
	e.undo = append(e.undo, func() {
		l.deploys--
		delete(l.contracts, addr)
	})
	l.contracts[addr] = c
	if endow > 0 {
		if err := e.move(e.self, addr, endow); err != nil {
			return ZeroAddress, err
		}
	}
	return addr, nil
}

// Contract returns the code at addr for a nested interaction, snapshotting
// it first so its mutations revert with the call.
func (e *Env) Contract(addr Address) (Callable, bool) {
	c, ok := e.ledger.contracts[addr]
	if ok {
		e.touch(addr, c)
	}
	return c, ok
}

// BalanceOf reads an account balance mid-call.
func (e *Env) BalanceOf(addr Address) uint64 {
	if acct, ok := e.ledger.accounts[addr]; ok {
		return acct.Balance
	}
	return 0
}

func (e *Env) move(from, to Address, amount uint64) error {
	src := e.ledger.account(from)
	if src.Balance < amount {
		return fmt.Errorf("%w: %s holds %d, needs %d", ErrInsufficientFunds, from, src.Balance, amount)
	}
	dst := e.ledger.account(to)
	src.Balance -= amount
	dst.Balance += amount
	e.undo = append(e.undo, func() {
		src.Balance += amount
		dst.Balance -= amount
	})
	return nil
}

func (e *Env) touch(addr Address, c Callable) {
	if _, ok := e.touched[addr]; ok {
		return
	}
	e.touched[addr] = c.Snapshot()
}

// revert unwinds the journal in reverse order, then restores every touched
// contract to its pre-call snapshot.
func (e *Env) revert() {
	for i := len(e.undo) - 1; i >= 0; i-- {
		e.undo[i]()
	}
	e.undo = nil
	for addr, snap := range e.touched {
		if c, ok := e.ledger.contracts[addr]; ok {
			c.Restore(snap)
		}
	}
}

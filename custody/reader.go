package custody

import (
	"context"
	"errors"
	"fmt"

	"escrowflow/ledger"
)

var (
	// ErrNoAgreement signals an address with no custody contract behind it.
	ErrNoAgreement = errors.New("custody: no agreement at address")
	// ErrNoRegistry signals a registry address with no registry behind it.
	ErrNoRegistry = errors.New("custody: no registry at address")
)

// ReadAdapter wraps read-only ledger access for the settlement engine:
// agreement state, balances, and the deployed-agreement view. It never
// mutates anything.
type ReadAdapter struct {
	l        *ledger.Ledger
	registry ledger.Address
}

func NewReadAdapter(l *ledger.Ledger, registry ledger.Address) *ReadAdapter {
	return &ReadAdapter{l: l, registry: registry}
}

// Deployed returns the registry's agreement addresses in creation order.
func (a *ReadAdapter) Deployed(ctx context.Context) ([]ledger.Address, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	reg, err := a.Registry()
	if err != nil {
		return nil, err
	}
	var deployed []ledger.Address
	a.l.View(func() { deployed = reg.Deployed() })
	return deployed, nil
}

// Stats returns the registry counters.
func (a *ReadAdapter) Stats(ctx context.Context) (Stats, error) {
	if err := ctx.Err(); err != nil {
		return Stats{}, err
	}
	reg, err := a.Registry()
	if err != nil {
		return Stats{}, err
	}
	var stats Stats
	a.l.View(func() { stats = reg.Stats() })
	return stats, nil
}

// Details returns the full agreement read model for one address.
func (a *ReadAdapter) Details(ctx context.Context, addr ledger.Address) (Details, error) {
	if err := ctx.Err(); err != nil {
		return Details{}, err
	}
	c, ok := a.l.ContractAt(addr)
	if !ok {
		return Details{}, fmt.Errorf("%w: %s", ErrNoAgreement, addr)
	}
	contract, ok := c.(*Contract)
	if !ok {
		return Details{}, fmt.Errorf("%w: %s holds a different contract", ErrNoAgreement, addr)
	}
	var d Details
	a.l.View(func() { d = contract.Details() })
	return d, nil
}

// Status returns just the state machine position for one agreement.
func (a *ReadAdapter) Status(ctx context.Context, addr ledger.Address) (Status, error) {
	d, err := a.Details(ctx, addr)
	if err != nil {
		return 0, err
	}
	return d.Status, nil
}

// Balance returns the funds currently held at an address.
func (a *ReadAdapter) Balance(ctx context.Context, addr ledger.Address) (uint64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	return a.l.Balance(addr), nil
}

// Registry resolves the configured registry contract.
func (a *ReadAdapter) Registry() (*Registry, error) {
	c, ok := a.l.ContractAt(a.registry)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoRegistry, a.registry)
	}
	reg, ok := c.(*Registry)
	if !ok {
		return nil, fmt.Errorf("%w: %s holds a different contract", ErrNoRegistry, a.registry)
	}
	return reg, nil
}

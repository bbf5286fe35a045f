package custody

import (
	"errors"
	"fmt"

	"escrowflow/ledger"
	"escrowflow/validate"
)

var (
	// ErrNotOwner signals a registry admin call from anyone but the owner.
	ErrNotOwner = errors.New("custody: only the registry owner may do that")
	// ErrCreationFeeUnpaid signals attached value below the creation fee.
	ErrCreationFeeUnpaid = errors.New("custody: attached value below creation fee")
	// ErrValueMismatch signals attached value minus the creation fee not
	// matching the declared amount exactly.
	ErrValueMismatch = errors.New("custody: attached value must equal amount plus creation fee")
	// ErrBadArgument signals a malformed call argument.
	ErrBadArgument = errors.New("custody: bad argument")
)

// RegistryParams fixes the registry's identities and fee schedule at
// deployment.
type RegistryParams struct {
	Owner         ledger.Address
	Agent         ledger.Address
	FeeAddress    ledger.Address
	CreationFee   uint64
	SettlementFee uint64
}

// Stats aggregates the registry counters.
type Stats struct {
	TotalAgreements uint64
	TotalVolume     uint64
	CreationFee     uint64
	SettlementFee   uint64
}

// Registry deploys custody contracts and tracks them. The deployed list is
// append-only in creation order; the counters move only on successful
// creation. The registry never holds escrowed funds past the creating
// transaction.
type Registry struct {
	owner         ledger.Address
	agent         ledger.Address
	feeAddress    ledger.Address
	creationFee   uint64
	settlementFee uint64

	deployed        []ledger.Address
	totalAgreements uint64
	totalVolume     uint64
}

func NewRegistry(p RegistryParams) (*Registry, error) {
	if p.Owner.IsZero() || p.Agent.IsZero() || p.FeeAddress.IsZero() {
		return nil, ErrZeroAddress
	}
	if err := validate.Amount(p.SettlementFee); err != nil {
		return nil, fmt.Errorf("custody: settlement fee: %w", err)
	}
	return &Registry{
		owner:         p.Owner,
		agent:         p.Agent,
		feeAddress:    p.FeeAddress,
		creationFee:   p.CreationFee,
		settlementFee: p.SettlementFee,
	}, nil
}

// Invoke dispatches the registry call interface.
func (r *Registry) Invoke(env *ledger.Env, method string, args []any) (any, error) {
	switch method {
	case "createAgreement":
		return r.createAgreement(env, args)
	case "updateCreationFee":
		fee, ok := argUint64(args, 0)
		if !ok {
			return nil, fmt.Errorf("%w: updateCreationFee wants (newFee uint64)", ErrBadArgument)
		}
		return nil, r.updateCreationFee(env.Caller(), fee)
	default:
		return nil, fmt.Errorf("%w: %q", ledger.ErrUnknownMethod, method)
	}
}

// createAgreement deploys a funded custody contract for the caller. The
// attached value must be exactly amount + creationFee; anything else is a
// hard failure with no partial refund, the whole call simply reverts.
func (r *Registry) createAgreement(env *ledger.Env, args []any) (any, error) {
	beneficiary, ok := argAddress(args, 0)
	if !ok {
		return nil, fmt.Errorf("%w: createAgreement wants (beneficiary, amount, conditionType, fingerprint)", ErrBadArgument)
	}
	amount, ok := argUint64(args, 1)
	if !ok {
		return nil, fmt.Errorf("%w: amount must be uint64", ErrBadArgument)
	}
	condition, ok := argCondition(args, 2)
	if !ok {
		return nil, fmt.Errorf("%w: condition type must be a known tag", ErrBadArgument)
	}
	fingerprint, ok := argHash(args, 3)
	if !ok {
		return nil, fmt.Errorf("%w: fingerprint must be a 32-byte hash", ErrBadArgument)
	}

	depositor := env.Caller()
	if beneficiary.IsZero() {
		return nil, ErrZeroAddress
	}
	if beneficiary == depositor {
		return nil, ErrSameParty
	}
	if err := validate.Amount(amount); err != nil {
		return nil, fmt.Errorf("custody: %w", err)
	}
	if !condition.Valid() {
		return nil, fmt.Errorf("%w: %d", ErrBadConditionType, condition)
	}

	attached := env.Value()
	if attached < r.creationFee {
		return nil, fmt.Errorf("%w: attached %d, fee %d", ErrCreationFeeUnpaid, attached, r.creationFee)
	}
	if attached-r.creationFee != amount {
		return nil, fmt.Errorf("%w: attached %d, want %d", ErrValueMismatch, attached, amount+r.creationFee)
	}

	if r.creationFee > 0 {
		if err := env.Pay(r.feeAddress, r.creationFee); err != nil {
			return nil, fmt.Errorf("custody: forward creation fee: %w", err)
		}
	}

	contract, err := NewContract(ContractParams{
		Depositor:   depositor,
		Beneficiary: beneficiary,
		Amount:      amount,
		Condition:   condition,
		Fingerprint: fingerprint,
		Agent:       r.agent,
		FeeAddress:  r.feeAddress,
		Fee:         r.settlementFee,
	}, env.Time())
	if err != nil {
		return nil, err
	}

	addr, err := env.Deploy(contract, amount)
	if err != nil {
		return nil, fmt.Errorf("custody: deploy agreement: %w", err)
	}
	// The escrow moved with the deployment; record it as the depositor's
	// funding so creation leaves the machine Funded or not at all.
	if err := contract.fund(depositor, amount); err != nil {
		return nil, fmt.Errorf("custody: fund at creation: %w", err)
	}
	if err := env.UseGas(ledger.GasStore); err != nil {
		return nil, err
	}

	r.deployed = append(r.deployed, addr)
	r.totalAgreements++
	r.totalVolume += amount
	return addr, nil
}

// updateCreationFee adjusts the fee for subsequent creations. Owner only.
func (r *Registry) updateCreationFee(from ledger.Address, newFee uint64) error {
	if from != r.owner {
		return ErrNotOwner
	}
	r.creationFee = newFee
	return nil
}

// Deployed returns the agreement addresses in creation order.
func (r *Registry) Deployed() []ledger.Address {
	out := make([]ledger.Address, len(r.deployed))
	copy(out, r.deployed)
	return out
}

// Stats returns the registry counters and current fee schedule.
func (r *Registry) Stats() Stats {
	return Stats{
		TotalAgreements: r.totalAgreements,
		TotalVolume:     r.totalVolume,
		CreationFee:     r.creationFee,
		SettlementFee:   r.settlementFee,
	}
}

// Agent returns the settlement agent identity configured at deployment.
func (r *Registry) Agent() ledger.Address {
	return r.agent
}

type registrySnapshot struct {
	state    Registry
	deployed []ledger.Address
}

func (r *Registry) Snapshot() any {
	snap := registrySnapshot{state: *r}
	snap.deployed = make([]ledger.Address, len(r.deployed))
	copy(snap.deployed, r.deployed)
	return snap
}

func (r *Registry) Restore(snap any) {
	s := snap.(registrySnapshot)
	*r = s.state
	r.deployed = s.deployed
}

func argAddress(args []any, i int) (ledger.Address, bool) {
	if len(args) <= i {
		return ledger.Address{}, false
	}
	a, ok := args[i].(ledger.Address)
	return a, ok
}

func argHash(args []any, i int) (ledger.Hash, bool) {
	if len(args) <= i {
		return ledger.Hash{}, false
	}
	h, ok := args[i].(ledger.Hash)
	return h, ok
}

func argUint64(args []any, i int) (uint64, bool) {
	if len(args) <= i {
		return 0, false
	}
	v, ok := args[i].(uint64)
	return v, ok
}

func argCondition(args []any, i int) (ConditionType, bool) {
	if len(args) <= i {
		return 0, false
	}
	switch v := args[i].(type) {
	case ConditionType:
		return v, true
	case uint8:
		return ConditionType(v), true
	default:
		return 0, false
	}
}

// Package custody implements the on-ledger side of the system: the custody
// contract holding one agreement's funds and the registry that deploys and
// tracks those contracts.
package custody

import (
	"errors"
	"fmt"
	"time"

	"escrowflow/ledger"
	"escrowflow/validate"
)

// Status is the custody state machine position. Transitions only move
// forward: Created -> Funded -> Settled or Disputed.
type Status uint8

const (
	StatusCreated Status = iota
	StatusFunded
	StatusSettled
	StatusDisputed
)

func (s Status) String() string {
	switch s {
	case StatusCreated:
		return "created"
	case StatusFunded:
		return "funded"
	case StatusSettled:
		return "settled"
	case StatusDisputed:
		return "disputed"
	default:
		return fmt.Sprintf("status(%d)", uint8(s))
	}
}

// ConditionType tags which kind of external signal releases the funds. The
// on-ledger side never interprets it; evaluation happens off-ledger.
type ConditionType uint8

const (
	ConditionDate ConditionType = iota
	ConditionTaskCompletion
	ConditionExternalReference
	ConditionExternalQuery
	ConditionCustomEvent
)

// Valid reports whether the tag is one of the five known variants.
func (t ConditionType) Valid() bool {
	return t <= ConditionCustomEvent
}

func (t ConditionType) String() string {
	switch t {
	case ConditionDate:
		return "date"
	case ConditionTaskCompletion:
		return "task_completion"
	case ConditionExternalReference:
		return "external_reference"
	case ConditionExternalQuery:
		return "external_query"
	case ConditionCustomEvent:
		return "custom_event"
	default:
		return fmt.Sprintf("condition(%d)", uint8(t))
	}
}

var (
	// ErrZeroAddress signals a required party, agent, or fee address left unset.
	ErrZeroAddress = errors.New("custody: zero address")
	// ErrSameParty signals depositor and beneficiary being one identity.
	ErrSameParty = errors.New("custody: depositor and beneficiary must differ")
	// ErrBadConditionType signals a tag outside the known variants.
	ErrBadConditionType = errors.New("custody: condition type out of range")
	// ErrNotDepositor signals funding attempted by anyone but the depositor.
	ErrNotDepositor = errors.New("custody: only the depositor may fund")
	// ErrWrongFunding signals a funding transfer that is not exactly the principal.
	ErrWrongFunding = errors.New("custody: funding value must equal amount")
	// ErrNotAgent signals settle called by anyone but the settlement agent.
	ErrNotAgent = errors.New("custody: only the settlement agent may settle")
	// ErrNotFunded signals settle on an agreement that holds no funds yet.
	ErrNotFunded = errors.New("custody: agreement is not funded")
	// ErrAlreadySettled signals a transition on a terminal agreement.
	ErrAlreadySettled = errors.New("custody: agreement already settled")
	// ErrDisputed signals settle on a disputed agreement.
	ErrDisputed = errors.New("custody: agreement is disputed")
	// ErrNotParty signals a dispute raised by a stranger.
	ErrNotParty = errors.New("custody: only depositor or beneficiary may dispute")
	// ErrAlreadyFunded signals a second funding transfer.
	ErrAlreadyFunded = errors.New("custody: agreement already funded")
	// ErrSettlementInFlight signals a re-entrant settle during disbursement.
	ErrSettlementInFlight = errors.New("custody: settlement already in flight")
)

// ContractParams carries everything fixed at creation time.
type ContractParams struct {
	Depositor   ledger.Address
	Beneficiary ledger.Address
	Amount      uint64
	Condition   ConditionType
	Fingerprint ledger.Hash
	Agent       ledger.Address
	FeeAddress  ledger.Address
	Fee         uint64
}

// Contract is one agreement's custody state machine. It exclusively owns the
// escrowed balance at its ledger address until settle disburses it.
type Contract struct {
	depositor   ledger.Address
	beneficiary ledger.Address
	amount      uint64
	condition   ConditionType
	fingerprint ledger.Hash
	status      Status
	createdAt   time.Time
	settledAt   time.Time
	fee         uint64
	agent       ledger.Address
	feeAddress  ledger.Address
	reason      string
	settling    bool
}

// Details is the read model returned by getAgreementDetails.
type Details struct {
	Depositor   ledger.Address
	Beneficiary ledger.Address
	Amount      uint64
	Condition   ConditionType
	Fingerprint ledger.Hash
	Status      Status
	CreatedAt   time.Time
	SettledAt   time.Time
	Fee         uint64
	Agent       ledger.Address
	FeeAddress  ledger.Address
	Reason      string
}

// NewContract validates the creation parameters and returns an agreement in
// the Created state. It never touches the ledger; deployment and funding are
// the caller's transaction.
func NewContract(p ContractParams, now time.Time) (*Contract, error) {
	if p.Depositor.IsZero() || p.Beneficiary.IsZero() || p.Agent.IsZero() || p.FeeAddress.IsZero() {
		return nil, ErrZeroAddress
	}
	if p.Depositor == p.Beneficiary {
		return nil, ErrSameParty
	}
	if err := validate.Fee(p.Fee, p.Amount); err != nil {
		return nil, fmt.Errorf("custody: %w", err)
	}
	if !p.Condition.Valid() {
		return nil, fmt.Errorf("%w: %d", ErrBadConditionType, p.Condition)
	}
	return &Contract{
		depositor:   p.Depositor,
		beneficiary: p.Beneficiary,
		amount:      p.Amount,
		condition:   p.Condition,
		fingerprint: p.Fingerprint,
		status:      StatusCreated,
		createdAt:   now,
		fee:         p.Fee,
		agent:       p.Agent,
		feeAddress:  p.FeeAddress,
	}, nil
}

// Invoke dispatches the ledger call interface: fund, settle, initiateDispute.
func (c *Contract) Invoke(env *ledger.Env, method string, args []any) (any, error) {
	switch method {
	case "fund":
		return nil, c.fund(env.Caller(), env.Value())
	case "settle":
		return nil, c.settle(env)
	case "initiateDispute":
		reason, _ := firstString(args)
		return nil, c.initiateDispute(env.Caller(), reason)
	default:
		return nil, fmt.Errorf("%w: %q", ledger.ErrUnknownMethod, method)
	}
}

// fund accepts the principal from the depositor, exactly once and exactly in
// full. The attached value is already on the contract's balance; rejecting
// the call reverts the transfer.
func (c *Contract) fund(from ledger.Address, value uint64) error {
	switch c.status {
	case StatusFunded:
		return ErrAlreadyFunded
	case StatusSettled:
		return ErrAlreadySettled
	case StatusDisputed:
		return ErrDisputed
	}
	if from != c.depositor {
		return ErrNotDepositor
	}
	if value != c.amount {
		return fmt.Errorf("%w: got %d, want %d", ErrWrongFunding, value, c.amount)
	}
	c.status = StatusFunded
	return nil
}

// settle releases the escrow: amount-fee to the beneficiary, then fee to the
// fee address. Any disbursement failure errors out and the ledger reverts
// the whole call, so settlement is all-or-nothing.
func (c *Contract) settle(env *ledger.Env) error {
	if env.Caller() != c.agent {
		return ErrNotAgent
	}
	switch c.status {
	case StatusCreated:
		return ErrNotFunded
	case StatusSettled:
		return ErrAlreadySettled
	case StatusDisputed:
		return ErrDisputed
	}
	if c.settling {
		return ErrSettlementInFlight
	}
	c.settling = true
	defer func() { c.settling = false }()

	if err := env.UseGas(ledger.GasStore); err != nil {
		return err
	}
	if err := env.Pay(c.beneficiary, c.amount-c.fee); err != nil {
		return fmt.Errorf("custody: disburse to beneficiary: %w", err)
	}
	if err := env.Pay(c.feeAddress, c.fee); err != nil {
		return fmt.Errorf("custody: disburse fee: %w", err)
	}
	c.status = StatusSettled
	c.settledAt = env.Time()
	return nil
}

// initiateDispute flags the agreement. Only the two parties may dispute, and
// never after settlement. Disputed is terminal in this design.
func (c *Contract) initiateDispute(from ledger.Address, reason string) error {
	if from != c.depositor && from != c.beneficiary {
		return ErrNotParty
	}
	if c.status == StatusSettled {
		return ErrAlreadySettled
	}
	if c.status == StatusDisputed {
		return ErrDisputed
	}
	c.status = StatusDisputed
	c.reason = reason
	return nil
}

// Status returns the current state machine position.
func (c *Contract) Status() Status {
	return c.status
}

// Details returns the full agreement read model.
func (c *Contract) Details() Details {
	return Details{
		Depositor:   c.depositor,
		Beneficiary: c.beneficiary,
		Amount:      c.amount,
		Condition:   c.condition,
		Fingerprint: c.fingerprint,
		Status:      c.status,
		CreatedAt:   c.createdAt,
		SettledAt:   c.settledAt,
		Fee:         c.fee,
		Agent:       c.agent,
		FeeAddress:  c.feeAddress,
		Reason:      c.reason,
	}
}

// Snapshot and Restore give the ledger revert support; Contract state is a
// flat value, so a copy is a full snapshot.
func (c *Contract) Snapshot() any {
	cp := *c
	return cp
}

func (c *Contract) Restore(snap any) {
	*c = snap.(Contract)
}

func firstString(args []any) (string, bool) {
	if len(args) == 0 {
		return "", false
	}
	s, ok := args[0].(string)
	return s, ok
}

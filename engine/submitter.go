package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"escrowflow/custody"
	"escrowflow/ledger"
)

// Backend is the slice of the ledger client the submitter needs: simulate,
// price, balance, submit, confirm.
type Backend interface {
	BalanceAt(ctx context.Context, addr ledger.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (uint64, error)
	Simulate(ctx context.Context, call ledger.Call) (uint64, error)
	Submit(ctx context.Context, call ledger.Call) (ledger.Hash, error)
	WaitForReceipt(ctx context.Context, txID ledger.Hash) (*ledger.Receipt, error)
}

// StatusReader re-reads an agreement's state machine position.
type StatusReader interface {
	Status(ctx context.Context, addr ledger.Address) (custody.Status, error)
}

var (
	// ErrSimulationFailed signals the dry run predicted an on-ledger failure,
	// so nothing was submitted. Retryable: the next cycle re-evaluates.
	ErrSimulationFailed = errors.New("engine: simulation failed, not safe to submit")
	// ErrBalanceTooLow signals the agent cannot cover reserve plus the
	// estimated transaction cost.
	ErrBalanceTooLow = errors.New("engine: agent balance below reserve plus estimated cost")
)

// Outcome classifies what a Settle call did.
type Outcome uint8

const (
	// OutcomeSkipped means the re-read found the agreement no longer Funded;
	// nothing was submitted and nothing is wrong.
	OutcomeSkipped Outcome = iota
	// OutcomeConfirmed means the settle transaction was included and succeeded.
	OutcomeConfirmed
)

// SettleResult reports a confirmed or skipped settlement.
type SettleResult struct {
	Outcome           Outcome
	Status            custody.Status
	TxID              ledger.Hash
	Height            uint64
	GasUsed           uint64
	EffectiveGasPrice uint64
}

// SubmitterConfig bounds every settle submission.
type SubmitterConfig struct {
	Agent              ledger.Address
	ConfirmTimeout     time.Duration
	GasLimitMultiplier float64
	GasPriceCeiling    uint64
	MinReserve         uint64
}

// Submitter turns a satisfied condition into exactly one bounded settle
// transaction. Submissions from the agent identity are serialized under one
// mutex so sequence numbers never collide and the re-read-before-submit
// guard cannot interleave with another submission. The mutex is not held
// across the confirmation wait; a slow inclusion never stalls settlements
// for other agreements.
type Submitter struct {
	log     zerolog.Logger
	backend Backend
	status  StatusReader
	cfg     SubmitterConfig

	mu sync.Mutex
}

func NewSubmitter(log zerolog.Logger, backend Backend, status StatusReader, cfg SubmitterConfig) *Submitter {
	if cfg.GasLimitMultiplier < 1 {
		cfg.GasLimitMultiplier = 1.2
	}
	if cfg.ConfirmTimeout <= 0 {
		cfg.ConfirmTimeout = 5 * time.Minute
	}
	return &Submitter{
		log:     log.With().Str("component", "submitter").Logger(),
		backend: backend,
		status:  status,
		cfg:     cfg,
	}
}

// Settle drives one settlement attempt for an agreement whose condition is
// satisfied: re-read, simulate, balance check, gas bounding, submit,
// confirm. A confirmation timeout is a retryable error, not proof of
// failure; the next cycle re-reads status and only resubmits if the
// agreement is still Funded.
func (s *Submitter) Settle(ctx context.Context, addr ledger.Address) (SettleResult, error) {
	log := s.log.With().Str("agreement", addr.String()).Logger()

	txID, skipped, err := s.submitOnce(ctx, log, addr)
	if err != nil {
		return SettleResult{}, err
	}
	if skipped != nil {
		return *skipped, nil
	}

	// The wait is detached from the run context: shutdown lets an in-flight
	// confirmation run to inclusion or to its own timeout.
	waitCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.ConfirmTimeout)
	defer cancel()
	receipt, err := s.backend.WaitForReceipt(waitCtx, txID)
	if err != nil {
		return SettleResult{}, fmt.Errorf("engine: await confirmation: %w", err)
	}
	if !receipt.OK {
		return SettleResult{}, fmt.Errorf("engine: settle reverted on ledger: %s", receipt.Err)
	}

	log.Info().
		Stringer("tx", txID).
		Uint64("block", receipt.Height).
		Uint64("gas_used", receipt.GasUsed).
		Uint64("effective_gas_price", receipt.EffectiveGasPrice).
		Msg("settlement confirmed")

	return SettleResult{
		Outcome:           OutcomeConfirmed,
		Status:            custody.StatusSettled,
		TxID:              txID,
		Height:            receipt.Height,
		GasUsed:           receipt.GasUsed,
		EffectiveGasPrice: receipt.EffectiveGasPrice,
	}, nil
}

// submitOnce runs re-read through submission under the agent mutex. A
// non-nil skipped result means the agreement was no longer Funded and
// nothing went out.
func (s *Submitter) submitOnce(ctx context.Context, log zerolog.Logger, addr ledger.Address) (ledger.Hash, *SettleResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	status, err := s.status.Status(ctx, addr)
	if err != nil {
		return ledger.Hash{}, nil, fmt.Errorf("engine: re-read status: %w", err)
	}
	if status != custody.StatusFunded {
		log.Debug().Stringer("status", status).Msg("agreement no longer funded, skipping settlement")
		return ledger.Hash{}, &SettleResult{Outcome: OutcomeSkipped, Status: status}, nil
	}

	call := ledger.Call{
		Caller: s.cfg.Agent,
		To:     addr,
		Method: "settle",
	}

	gasEstimate, err := s.backend.Simulate(ctx, call)
	if err != nil {
		return ledger.Hash{}, nil, fmt.Errorf("%w: %v", ErrSimulationFailed, err)
	}

	gasLimit := uint64(float64(gasEstimate) * s.cfg.GasLimitMultiplier)

	price, err := s.backend.SuggestGasPrice(ctx)
	if err != nil {
		return ledger.Hash{}, nil, fmt.Errorf("engine: fetch gas price: %w", err)
	}
	if s.cfg.GasPriceCeiling > 0 && price > s.cfg.GasPriceCeiling {
		log.Warn().
			Uint64("network_price", price).
			Uint64("ceiling", s.cfg.GasPriceCeiling).
			Msg("gas price above ceiling, capping; confirmation may be slow")
		price = s.cfg.GasPriceCeiling
	}

	balance, err := s.backend.BalanceAt(ctx, s.cfg.Agent)
	if err != nil {
		return ledger.Hash{}, nil, fmt.Errorf("engine: fetch agent balance: %w", err)
	}
	cost := gasLimit * price
	if balance < s.cfg.MinReserve+cost {
		return ledger.Hash{}, nil, fmt.Errorf("%w: balance %d, reserve %d, cost %d",
			ErrBalanceTooLow, balance, s.cfg.MinReserve, cost)
	}

	call.GasLimit = gasLimit
	call.GasPrice = price

	txID, err := s.backend.Submit(ctx, call)
	if err != nil {
		return ledger.Hash{}, nil, fmt.Errorf("engine: submit settle: %w", err)
	}
	log.Info().
		Stringer("tx", txID).
		Uint64("gas_limit", gasLimit).
		Uint64("gas_price", price).
		Msg("settle transaction submitted")
	return txID, nil, nil
}

// Package engine runs the autonomous settlement loop: poll the registry,
// evaluate each funded agreement's release condition, and hand satisfied
// agreements to the transaction submitter. Failures while processing one
// agreement are isolated; they never starve the rest of the cycle.
package engine

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"escrowflow/conditions"
	"escrowflow/custody"
	"escrowflow/ledger"
)

// RegistryReader enumerates deployed agreements.
type RegistryReader interface {
	Deployed(ctx context.Context) ([]ledger.Address, error)
}

// AgreementReader loads one agreement's state.
type AgreementReader interface {
	Details(ctx context.Context, addr ledger.Address) (custody.Details, error)
}

// RecordSource fetches the off-ledger condition record for an agreement.
type RecordSource interface {
	Get(ctx context.Context, agreement ledger.Address) (conditions.Record, error)
}

// ConditionEvaluator decides whether a record's condition currently holds.
type ConditionEvaluator interface {
	Satisfied(rec conditions.Record, now time.Time) bool
}

// Settler submits one idempotent settlement for an agreement.
type Settler interface {
	Settle(ctx context.Context, addr ledger.Address) (SettleResult, error)
}

// Config bounds the monitoring loop.
type Config struct {
	PollInterval time.Duration
	Concurrency  int
}

// Stats is a point-in-time view of the engine for the ops surface.
type Stats struct {
	CyclesRun         uint64
	LastCycleAt       time.Time
	LastCycleChecked  int
	AgreementsSettled uint64
}

// Engine is the settlement monitor. One cycle runs to completion before the
// next timer fire; within a cycle agreements are processed by a bounded
// worker pool.
type Engine struct {
	log      zerolog.Logger
	cfg      Config
	registry RegistryReader
	reader   AgreementReader
	records  RecordSource
	eval     ConditionEvaluator
	settler  Settler
	now      func() time.Time

	mu    sync.Mutex
	stats Stats
}

func New(log zerolog.Logger, cfg Config, registry RegistryReader, reader AgreementReader, records RecordSource, eval ConditionEvaluator, settler Settler) *Engine {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 30 * time.Second
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}
	return &Engine{
		log:      log.With().Str("component", "engine").Logger(),
		cfg:      cfg,
		registry: registry,
		reader:   reader,
		records:  records,
		eval:     eval,
		settler:  settler,
		now:      time.Now,
	}
}

// Run executes monitoring cycles at the configured interval until ctx is
// cancelled. Shutdown is graceful: the cycle in flight finishes (in-flight
// confirmation waits run to their own timeout) before Run returns.
func (e *Engine) Run(ctx context.Context) error {
	e.log.Info().
		Dur("poll_interval", e.cfg.PollInterval).
		Int("concurrency", e.cfg.Concurrency).
		Msg("settlement engine starting")

	ticker := time.NewTicker(e.cfg.PollInterval)
	defer ticker.Stop()

	e.runCycle(ctx)
	for {
		select {
		case <-ctx.Done():
			e.log.Info().Msg("settlement engine stopping")
			return nil
		case <-ticker.C:
			e.runCycle(ctx)
		}
	}
}

// Stats returns a snapshot of the engine counters.
func (e *Engine) Stats() Stats {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.stats
}

func (e *Engine) runCycle(ctx context.Context) {
	cycleID := uuid.NewString()
	log := e.log.With().Str("cycle", cycleID).Logger()

	deployed, err := e.registry.Deployed(ctx)
	if err != nil {
		log.Error().Err(err).Msg("fetch deployed agreements")
		return
	}
	log.Debug().Int("agreements", len(deployed)).Msg("cycle started")

	var settled uint64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.cfg.Concurrency)
	for _, addr := range deployed {
		addr := addr
		g.Go(func() error {
			// One bad agreement must never abort the cycle for the rest:
			// errors are logged here and nothing propagates to the group.
			defer func() {
				if p := recover(); p != nil {
					log.Error().
						Str("agreement", addr.String()).
						Interface("panic", p).
						Msg("agreement processing panicked")
				}
			}()
			if e.processAgreement(gctx, log, addr) {
				e.mu.Lock()
				settled++
				e.mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()

	e.mu.Lock()
	e.stats.CyclesRun++
	e.stats.LastCycleAt = e.now()
	e.stats.LastCycleChecked = len(deployed)
	e.stats.AgreementsSettled += settled
	e.mu.Unlock()
}

// processAgreement runs steps 2-6 of the cycle for one agreement and reports
// whether a settlement was confirmed.
func (e *Engine) processAgreement(ctx context.Context, log zerolog.Logger, addr ledger.Address) bool {
	alog := log.With().Str("agreement", addr.String()).Logger()

	details, err := e.reader.Details(ctx, addr)
	if err != nil {
		alog.Warn().Err(err).Str("stage", "read").Msg("read agreement state")
		return false
	}

	switch details.Status {
	case custody.StatusSettled, custody.StatusDisputed:
		return false
	case custody.StatusFunded:
	default:
		alog.Debug().Stringer("status", details.Status).Msg("awaiting funding")
		return false
	}

	rec, err := e.records.Get(ctx, addr)
	if err != nil {
		if errors.Is(err, conditions.ErrRecordNotFound) {
			alog.Debug().Msg("no condition record yet")
		} else {
			alog.Warn().Err(err).Str("stage", "record").Msg("load condition record")
		}
		return false
	}

	// The on-ledger fingerprint is advisory against the stored record:
	// divergence is logged, not enforced.
	if rec.Fingerprint != details.Fingerprint {
		alog.Warn().
			Stringer("ledger_fingerprint", details.Fingerprint).
			Stringer("record_fingerprint", rec.Fingerprint).
			Msg("condition record fingerprint diverges from ledger")
	}

	if !e.eval.Satisfied(rec, e.now()) {
		alog.Debug().Stringer("condition", details.Condition).Msg("condition not yet met")
		return false
	}

	result, err := e.settler.Settle(ctx, addr)
	if err != nil {
		alog.Warn().Err(err).Str("stage", "settle").Msg("settlement failed, will retry next cycle")
		return false
	}
	if result.Outcome == OutcomeSkipped {
		alog.Debug().Stringer("status", result.Status).Msg("settlement skipped after re-read")
		return false
	}
	alog.Info().
		Stringer("tx", result.TxID).
		Uint64("block", result.Height).
		Msg("agreement settled")
	return true
}

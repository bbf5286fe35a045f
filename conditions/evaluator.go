package conditions

import (
	"time"

	"github.com/rs/zerolog"

	"escrowflow/custody"
)

// variantEvaluator decides one condition kind. All variants reduce to "has
// an external signal been recorded as true for this record"; none of them
// performs network calls.
type variantEvaluator interface {
	satisfied(rec Record, now time.Time) bool
}

type dateEvaluator struct{}

func (dateEvaluator) satisfied(rec Record, now time.Time) bool {
	return rec.TargetDate != nil && !now.Before(*rec.TargetDate)
}

type taskEvaluator struct{}

func (taskEvaluator) satisfied(rec Record, _ time.Time) bool {
	return rec.TaskDone
}

type referenceEvaluator struct{}

func (referenceEvaluator) satisfied(rec Record, _ time.Time) bool {
	return rec.ReferenceMerged
}

type queryEvaluator struct{}

func (queryEvaluator) satisfied(rec Record, _ time.Time) bool {
	return rec.QueryVerified
}

type eventEvaluator struct{}

func (eventEvaluator) satisfied(rec Record, _ time.Time) bool {
	return rec.EventTriggered
}

// Evaluator dispatches a record to the evaluator for its condition kind.
// Unknown kinds are never satisfied and never abort the caller; they are
// logged and skipped.
type Evaluator struct {
	log      zerolog.Logger
	variants map[custody.ConditionType]variantEvaluator
}

func NewEvaluator(log zerolog.Logger) *Evaluator {
	return &Evaluator{
		log: log.With().Str("component", "evaluator").Logger(),
		variants: map[custody.ConditionType]variantEvaluator{
			custody.ConditionDate:              dateEvaluator{},
			custody.ConditionTaskCompletion:    taskEvaluator{},
			custody.ConditionExternalReference: referenceEvaluator{},
			custody.ConditionExternalQuery:     queryEvaluator{},
			custody.ConditionCustomEvent:       eventEvaluator{},
		},
	}
}

// Satisfied reports whether the record's release condition currently holds.
func (e *Evaluator) Satisfied(rec Record, now time.Time) bool {
	v, ok := e.variants[rec.Type]
	if !ok {
		e.log.Warn().
			Str("agreement", rec.Agreement.String()).
			Uint8("condition_type", uint8(rec.Type)).
			Msg("unknown condition type, treating as unsatisfied")
		return false
	}
	return v.satisfied(rec, now)
}

// Package conditions owns the off-ledger side of an agreement's release
// condition: the record document external actors update, the fingerprint
// binding it to the on-ledger agreement, and the evaluator deciding whether
// the condition currently holds.
package conditions

import (
	"time"

	"github.com/google/uuid"

	"escrowflow/custody"
	"escrowflow/ledger"
)

// Record is the condition document for one agreement. Which fields matter
// depends on Type; the met flags are written by external actors or
// verifiers, never by anything on the ledger.
type Record struct {
	ID          uuid.UUID
	Agreement   ledger.Address
	Type        custody.ConditionType
	Fingerprint ledger.Hash

	// Date
	TargetDate *time.Time

	// TaskCompletion
	TaskName string
	TaskDone bool

	// ExternalReference
	ReferenceURL    string
	ReferenceMerged bool

	// ExternalQuery
	QueryEndpoint string
	QueryExpected string
	QueryVerified bool

	// CustomEvent
	EventName      string
	EventTriggered bool

	CreatedAt time.Time
	UpdatedAt time.Time
}

package conditions

import (
	"fmt"
	"time"

	"escrowflow/custody"
	"escrowflow/ledger"
)

// Fingerprint computes the canonical digest of a record's condition fields.
// Depositors embed this digest on-ledger at creation; the engine compares it
// against the stored record to detect divergence. Only the fields that
// define the condition participate, never the met flags, so fulfilling a
// condition does not change its fingerprint.
func Fingerprint(rec Record) ledger.Hash {
	var detail string
	switch rec.Type {
	case custody.ConditionDate:
		var target string
		if rec.TargetDate != nil {
			target = rec.TargetDate.UTC().Format(time.RFC3339)
		}
		detail = target
	case custody.ConditionTaskCompletion:
		detail = rec.TaskName
	case custody.ConditionExternalReference:
		detail = rec.ReferenceURL
	case custody.ConditionExternalQuery:
		detail = rec.QueryEndpoint + "\x00" + rec.QueryExpected
	case custody.ConditionCustomEvent:
		detail = rec.EventName
	}
	canonical := fmt.Sprintf("%d\x00%s", uint8(rec.Type), detail)
	return ledger.Digest([]byte(canonical))
}

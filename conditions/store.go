package conditions

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"escrowflow/custody"
	"escrowflow/ledger"
	"escrowflow/validate"
)

var (
	// ErrRecordNotFound is returned when no condition record exists for the agreement.
	ErrRecordNotFound = errors.New("conditions: record not found")
	// ErrDuplicateRecord signals a second record for the same agreement.
	ErrDuplicateRecord = errors.New("conditions: record already exists for agreement")
	// ErrWrongConditionType signals a flag update that does not match the record's type.
	ErrWrongConditionType = errors.New("conditions: flag does not match condition type")
)

const recordColumns = `id, agreement, condition_type, fingerprint, target_date,
       task_name, task_done, reference_url, reference_merged,
       query_endpoint, query_expected, query_verified,
       event_name, event_triggered, created_at, updated_at`

// Store persists condition records in Postgres. The engine reads them; the
// flag setters are the write surface for external actors and verifiers.
type Store struct {
	pool *pgxpool.Pool
}

func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Create inserts the condition record for an agreement. The fingerprint is
// computed here so a record can never be stored with a digest that does not
// match its own condition fields.
func (s *Store) Create(ctx context.Context, rec Record) (Record, error) {
	if rec.Agreement.IsZero() {
		return Record{}, fmt.Errorf("conditions: missing agreement address")
	}
	rec.Fingerprint = Fingerprint(rec)

	insertSQL := `
        INSERT INTO condition_records
            (agreement, condition_type, fingerprint, target_date,
             task_name, reference_url, query_endpoint, query_expected, event_name)
        VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
        RETURNING ` + recordColumns
	row := s.pool.QueryRow(ctx, insertSQL,
		rec.Agreement.String(),
		int16(rec.Type),
		rec.Fingerprint.String(),
		rec.TargetDate,
		rec.TaskName,
		rec.ReferenceURL,
		rec.QueryEndpoint,
		rec.QueryExpected,
		rec.EventName,
	)
	out, err := scanRecord(row)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return Record{}, ErrDuplicateRecord
		}
		return Record{}, fmt.Errorf("conditions: insert record: %w", err)
	}
	return out, nil
}

// Get fetches the condition record for an agreement address.
func (s *Store) Get(ctx context.Context, agreement ledger.Address) (Record, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+recordColumns+` FROM condition_records WHERE agreement=$1`,
		agreement.String(),
	)
	rec, err := scanRecord(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Record{}, ErrRecordNotFound
		}
		return Record{}, fmt.Errorf("conditions: fetch record: %w", err)
	}
	return rec, nil
}

// MarkTaskDone records completion of a TaskCompletion condition.
func (s *Store) MarkTaskDone(ctx context.Context, agreement ledger.Address) error {
	return s.setFlag(ctx, agreement, custody.ConditionTaskCompletion, "task_done")
}

// MarkReferenceMerged records confirmation of an ExternalReference condition.
func (s *Store) MarkReferenceMerged(ctx context.Context, agreement ledger.Address) error {
	return s.setFlag(ctx, agreement, custody.ConditionExternalReference, "reference_merged")
}

// MarkQueryVerified caches a successful ExternalQuery result.
func (s *Store) MarkQueryVerified(ctx context.Context, agreement ledger.Address) error {
	return s.setFlag(ctx, agreement, custody.ConditionExternalQuery, "query_verified")
}

// TriggerEvent records that a CustomEvent condition fired.
func (s *Store) TriggerEvent(ctx context.Context, agreement ledger.Address) error {
	return s.setFlag(ctx, agreement, custody.ConditionCustomEvent, "event_triggered")
}

func (s *Store) setFlag(ctx context.Context, agreement ledger.Address, want custody.ConditionType, column string) error {
	// column is one of the fixed flag names above, never caller input.
	updateSQL := fmt.Sprintf(
		`UPDATE condition_records SET %s=TRUE, updated_at=now() WHERE agreement=$1 AND condition_type=$2`,
		column,
	)
	tag, err := s.pool.Exec(ctx, updateSQL, agreement.String(), int16(want))
	if err != nil {
		return fmt.Errorf("conditions: set %s: %w", column, err)
	}
	if tag.RowsAffected() == 0 {
		if _, err := s.Get(ctx, agreement); errors.Is(err, ErrRecordNotFound) {
			return ErrRecordNotFound
		}
		return ErrWrongConditionType
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (Record, error) {
	var (
		rec         Record
		agreement   string
		condType    int16
		fingerprint string
		createdAt   time.Time
		updatedAt   time.Time
	)
	if err := row.Scan(
		&rec.ID, &agreement, &condType, &fingerprint, &rec.TargetDate,
		&rec.TaskName, &rec.TaskDone, &rec.ReferenceURL, &rec.ReferenceMerged,
		&rec.QueryEndpoint, &rec.QueryExpected, &rec.QueryVerified,
		&rec.EventName, &rec.EventTriggered, &createdAt, &updatedAt,
	); err != nil {
		return Record{}, err
	}
	addr, err := ledger.ParseAddress(agreement)
	if err != nil {
		return Record{}, fmt.Errorf("conditions: stored agreement address: %w", err)
	}
	// Guard against a corrupted row before decoding; the validate error
	// names the exact malformation.
	if err := validate.FingerprintHex(fingerprint); err != nil {
		return Record{}, fmt.Errorf("conditions: stored fingerprint: %w", err)
	}
	fp, err := ledger.ParseHash(fingerprint)
	if err != nil {
		return Record{}, fmt.Errorf("conditions: decode stored fingerprint: %w", err)
	}
	rec.Agreement = addr
	rec.Type = custody.ConditionType(condType)
	rec.Fingerprint = fp
	rec.CreatedAt = createdAt
	rec.UpdatedAt = updatedAt
	return rec, nil
}

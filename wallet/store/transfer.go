package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	sqlite3 "github.com/mattn/go-sqlite3"

	"github.com/lightsparkdev/spark-wallet/common/keys"
	walleterrors "github.com/lightsparkdev/spark-wallet/errors"
)

// TransferPhase is the orchestrator's state for a transfer. Persisted so
// in-flight transfers survive a restart and can be resumed or reconciled.
type TransferPhase string

const (
	TransferPhaseInitiated         TransferPhase = "INITIATED"
	TransferPhaseClaiming          TransferPhase = "CLAIMING"
	TransferPhaseSigningRequested  TransferPhase = "SIGNING_REQUESTED"
	TransferPhaseSigningInProgress TransferPhase = "SIGNING_IN_PROGRESS"
	TransferPhaseCommitting        TransferPhase = "COMMITTING"
	TransferPhaseCompleted         TransferPhase = "COMPLETED"
	TransferPhaseFailed            TransferPhase = "FAILED"
	TransferPhaseExpired           TransferPhase = "EXPIRED"
	// TransferPhaseUnknown marks a transfer whose commit outcome is
	// ambiguous. Only the reconciliation engine moves a transfer out of
	// this phase.
	TransferPhaseUnknown TransferPhase = "UNKNOWN"
)

// Terminal returns whether the phase admits no further transitions.
func (p TransferPhase) Terminal() bool {
	return p == TransferPhaseCompleted || p == TransferPhaseFailed || p == TransferPhaseExpired
}

// TransferRecord is the persisted state of one transfer.
type TransferRecord struct {
	ID                string
	LeafIDs           []string
	SenderPublicKey   keys.Public
	ReceiverPublicKey keys.Public
	Phase             TransferPhase
	ExpiryTime        time.Time
	// NeedsIntervention is set when ambiguous-outcome resolution exhausted
	// its retry budget. Cleared only by a successful reconciliation.
	NeedsIntervention bool
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

const transferColumns = `id, leaf_ids, sender_public_key, receiver_public_key, phase,
	expiry_time, needs_intervention, created_at, updated_at`

func scanTransfer(row interface{ Scan(...any) error }) (*TransferRecord, error) {
	var record TransferRecord
	var leafIDs string
	var phase string
	err := row.Scan(
		&record.ID, &leafIDs, &record.SenderPublicKey, &record.ReceiverPublicKey,
		&phase, &record.ExpiryTime, &record.NeedsIntervention,
		&record.CreatedAt, &record.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	record.Phase = TransferPhase(phase)
	if err := json.Unmarshal([]byte(leafIDs), &record.LeafIDs); err != nil {
		return nil, fmt.Errorf("decoding leaf ids for transfer %s: %w", record.ID, err)
	}
	return &record, nil
}

// CreateTransfer persists a new transfer record in its initial phase. Fails
// with a duplicate-operation conflict if the id already exists, which is how
// concurrent sends with the same id collapse to one.
func (s *Store) CreateTransfer(ctx context.Context, record *TransferRecord) error {
	leafIDs, err := json.Marshal(record.LeafIDs)
	if err != nil {
		return walleterrors.InternalDatabaseError(fmt.Errorf("encoding leaf ids: %w", err))
	}
	now := time.Now().UTC()
	if record.Phase == "" {
		record.Phase = TransferPhaseInitiated
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO transfers (`+transferColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		record.ID, string(leafIDs), record.SenderPublicKey, record.ReceiverPublicKey,
		string(record.Phase), record.ExpiryTime.UTC(), record.NeedsIntervention, now, now,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return walleterrors.AlreadyExistsDuplicateOperation(fmt.Errorf("transfer %s already exists", record.ID))
		}
		return walleterrors.InternalDatabaseError(fmt.Errorf("inserting transfer %s: %w", record.ID, err))
	}
	return nil
}

// GetTransfer returns the transfer record with the given id.
func (s *Store) GetTransfer(ctx context.Context, id string) (*TransferRecord, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+transferColumns+` FROM transfers WHERE id = ?`, id)
	record, err := scanTransfer(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, walleterrors.NotFoundMissingEntity(fmt.Errorf("transfer %s not found", id))
	}
	if err != nil {
		return nil, walleterrors.InternalDatabaseError(fmt.Errorf("reading transfer %s: %w", id, err))
	}
	return record, nil
}

// ListTransfers returns transfer records, optionally filtered by phase.
func (s *Store) ListTransfers(ctx context.Context, filter *TransferPhase) ([]*TransferRecord, error) {
	query := `SELECT ` + transferColumns + ` FROM transfers`
	var args []any
	if filter != nil {
		query += ` WHERE phase = ?`
		args = append(args, string(*filter))
	}
	query += ` ORDER BY created_at, id`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, walleterrors.InternalDatabaseError(fmt.Errorf("listing transfers: %w", err))
	}
	defer rows.Close()

	var records []*TransferRecord
	for rows.Next() {
		record, err := scanTransfer(rows)
		if err != nil {
			return nil, walleterrors.InternalDatabaseError(fmt.Errorf("scanning transfer: %w", err))
		}
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, walleterrors.InternalDatabaseError(fmt.Errorf("listing transfers: %w", err))
	}
	return records, nil
}

// SetTransferPhase transitions a transfer between phases with the same
// optimistic-concurrency discipline as leaf mutations.
func (s *Store) SetTransferPhase(ctx context.Context, id string, expected, next TransferPhase) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE transfers SET phase = ?, updated_at = ? WHERE id = ? AND phase = ?`,
		string(next), time.Now().UTC(), id, string(expected),
	)
	if err != nil {
		return walleterrors.InternalDatabaseError(fmt.Errorf("updating transfer %s: %w", id, err))
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return walleterrors.InternalDatabaseError(fmt.Errorf("updating transfer %s: %w", id, err))
	}
	if affected == 1 {
		return nil
	}

	record, err := s.GetTransfer(ctx, id)
	if err != nil {
		return err
	}
	return walleterrors.AbortedTransferPreempted(fmt.Errorf(
		"transfer %s is %s, expected %s", id, record.Phase, expected))
}

// SetTransferExpiry replaces the expiry deadline on a transfer record. Resumed
// transfers negotiate fresh signing sessions and carry their deadline here.
func (s *Store) SetTransferExpiry(ctx context.Context, id string, expiry time.Time) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE transfers SET expiry_time = ?, updated_at = ? WHERE id = ?`,
		expiry.UTC(), time.Now().UTC(), id,
	)
	if err != nil {
		return walleterrors.InternalDatabaseError(fmt.Errorf("updating transfer %s expiry: %w", id, err))
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return walleterrors.InternalDatabaseError(fmt.Errorf("updating transfer %s expiry: %w", id, err))
	}
	if affected == 0 {
		return walleterrors.NotFoundMissingEntity(fmt.Errorf("transfer %s not found", id))
	}
	return nil
}

// SetNeedsIntervention flags or clears the manual-intervention marker on an
// ambiguous transfer.
func (s *Store) SetNeedsIntervention(ctx context.Context, id string, needed bool) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE transfers SET needs_intervention = ?, updated_at = ? WHERE id = ?`,
		needed, time.Now().UTC(), id,
	)
	if err != nil {
		return walleterrors.InternalDatabaseError(fmt.Errorf("flagging transfer %s: %w", id, err))
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return walleterrors.InternalDatabaseError(fmt.Errorf("flagging transfer %s: %w", id, err))
	}
	if affected == 0 {
		return walleterrors.NotFoundMissingEntity(fmt.Errorf("transfer %s not found", id))
	}
	return nil
}

func isUniqueViolation(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code == sqlite3.ErrConstraint
	}
	return false
}

package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	walleterrors "github.com/lightsparkdev/spark-wallet/errors"
)

// Mutation is one atomic ledger change. Each mutation carries its own
// precondition; Apply fails with a conflict error when the precondition does
// not hold, signaling the caller to re-read and re-plan.
type Mutation interface {
	apply(ctx context.Context, tx *sql.Tx, now time.Time) error
}

// CreateLeaf inserts a new leaf. Fails with a conflict if a leaf with the
// same id already exists.
type CreateLeaf struct {
	Leaf *Leaf
}

func (m CreateLeaf) apply(ctx context.Context, tx *sql.Tx, now time.Time) error {
	if m.Leaf == nil || m.Leaf.ID == "" {
		return walleterrors.InvalidArgumentMissingField(fmt.Errorf("create leaf requires a leaf with an id"))
	}
	if m.Leaf.State == "" {
		m.Leaf.State = LeafStateAvailable
	}
	var exists int
	err := tx.QueryRowContext(ctx, `SELECT COUNT(1) FROM leaves WHERE id = ?`, m.Leaf.ID).Scan(&exists)
	if err != nil {
		return walleterrors.InternalDatabaseError(fmt.Errorf("checking leaf %s: %w", m.Leaf.ID, err))
	}
	if exists > 0 {
		return walleterrors.AlreadyExistsDuplicateOperation(fmt.Errorf("leaf %s already exists", m.Leaf.ID))
	}
	if err := insertLeafTx(ctx, tx, m.Leaf, now); err != nil {
		return walleterrors.InternalDatabaseError(fmt.Errorf("inserting leaf %s: %w", m.Leaf.ID, err))
	}
	return nil
}

// SetState transitions a leaf between lifecycle states. The update only
// applies if the leaf is currently in Expected state (and, when the leaf is
// locked, held by ExpectedLockedBy); otherwise the mutation fails with a
// conflict and the ledger is untouched.
type SetState struct {
	ID       string
	Expected LeafState
	// ExpectedLockedBy must match the current lock holder when Expected is
	// LeafStateLocked. Empty skips the check.
	ExpectedLockedBy string
	New              LeafState
	// LockedBy is the transfer taking the lock when New is LeafStateLocked.
	LockedBy string
}

func (m SetState) apply(ctx context.Context, tx *sql.Tx, now time.Time) error {
	if m.New == LeafStateLocked && m.LockedBy == "" {
		return walleterrors.InvalidArgumentMissingField(fmt.Errorf("locking leaf %s requires a transfer id", m.ID))
	}

	query := `UPDATE leaves SET state = ?, locked_by = ?, updated_at = ? WHERE id = ? AND state = ?`
	args := []any{string(m.New), m.LockedBy, now, m.ID, string(m.Expected)}
	if m.ExpectedLockedBy != "" {
		query += ` AND locked_by = ?`
		args = append(args, m.ExpectedLockedBy)
	}

	result, err := tx.ExecContext(ctx, query, args...)
	if err != nil {
		return walleterrors.InternalDatabaseError(fmt.Errorf("updating leaf %s: %w", m.ID, err))
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return walleterrors.InternalDatabaseError(fmt.Errorf("updating leaf %s: %w", m.ID, err))
	}
	if affected == 1 {
		return nil
	}

	// Distinguish a missing leaf from a lost race.
	leaf, err := getLeafTx(ctx, tx, m.ID)
	if err != nil {
		return err
	}
	return walleterrors.AbortedLeafPreempted(fmt.Errorf(
		"leaf %s is %s (locked by %q), expected %s", m.ID, leaf.State, leaf.LockedBy, m.Expected))
}

// Split destroys one leaf and creates its outputs. The input must be in
// Expected state and the output values must sum to the input value.
type Split struct {
	ID       string
	Expected LeafState
	Outputs  []*Leaf
}

func (m Split) apply(ctx context.Context, tx *sql.Tx, now time.Time) error {
	if len(m.Outputs) == 0 {
		return walleterrors.InvalidArgumentMissingField(fmt.Errorf("split of leaf %s has no outputs", m.ID))
	}
	leaf, err := getLeafTx(ctx, tx, m.ID)
	if err != nil {
		return err
	}
	expected := m.Expected
	if expected == "" {
		expected = LeafStateAvailable
	}
	if leaf.State != expected {
		return walleterrors.AbortedLeafPreempted(fmt.Errorf(
			"leaf %s is %s, expected %s", m.ID, leaf.State, expected))
	}

	var total uint64
	for _, out := range m.Outputs {
		total += out.Value
	}
	if total != leaf.Value {
		return walleterrors.FailedPreconditionValueMismatch(fmt.Errorf(
			"split outputs sum to %d, input leaf %s has value %d", total, m.ID, leaf.Value))
	}

	if err := (SetState{ID: m.ID, Expected: expected, New: LeafStateTransferred}).apply(ctx, tx, now); err != nil {
		return err
	}
	for _, out := range m.Outputs {
		if out.ParentID == "" {
			out.ParentID = m.ID
		}
		if err := (CreateLeaf{Leaf: out}).apply(ctx, tx, now); err != nil {
			return err
		}
	}
	return nil
}

// Merge destroys several leaves and creates one result carrying their
// combined value.
type Merge struct {
	IDs      []string
	Expected LeafState
	Result   *Leaf
}

func (m Merge) apply(ctx context.Context, tx *sql.Tx, now time.Time) error {
	if len(m.IDs) == 0 || m.Result == nil {
		return walleterrors.InvalidArgumentMissingField(fmt.Errorf("merge requires input ids and a result leaf"))
	}
	expected := m.Expected
	if expected == "" {
		expected = LeafStateAvailable
	}

	var total uint64
	for _, id := range m.IDs {
		leaf, err := getLeafTx(ctx, tx, id)
		if err != nil {
			return err
		}
		if leaf.State != expected {
			return walleterrors.AbortedLeafPreempted(fmt.Errorf(
				"leaf %s is %s, expected %s", id, leaf.State, expected))
		}
		total += leaf.Value
	}
	if total != m.Result.Value {
		return walleterrors.FailedPreconditionValueMismatch(fmt.Errorf(
			"merge inputs sum to %d, result leaf has value %d", total, m.Result.Value))
	}

	for _, id := range m.IDs {
		if err := (SetState{ID: id, Expected: expected, New: LeafStateTransferred}).apply(ctx, tx, now); err != nil {
			return err
		}
	}
	return (CreateLeaf{Leaf: m.Result}).apply(ctx, tx, now)
}

// Apply applies a single mutation atomically.
func (s *Store) Apply(ctx context.Context, mutation Mutation) error {
	return s.ApplyAll(ctx, mutation)
}

// ApplyAll applies all mutations in one transaction: either every mutation
// takes effect or none does. Used when a transfer completion must mark source
// leaves and create recipient leaves as a single ledger change.
func (s *Store) ApplyAll(ctx context.Context, mutations ...Mutation) error {
	if len(mutations) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return walleterrors.UnavailableDataStore(fmt.Errorf("beginning ledger transaction: %w", err))
	}
	defer func() { _ = tx.Rollback() }()

	now := time.Now().UTC()
	for _, mutation := range mutations {
		if err := mutation.apply(ctx, tx, now); err != nil {
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return walleterrors.InternalDatabaseError(fmt.Errorf("committing ledger transaction: %w", err))
	}
	return nil
}

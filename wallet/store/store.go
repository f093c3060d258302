package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/lightsparkdev/spark-wallet/common/keys"
	walleterrors "github.com/lightsparkdev/spark-wallet/errors"
)

// LeafState is the lifecycle state of a leaf in the local ledger.
type LeafState string

const (
	// LeafStatePending is a leaf whose creation has been observed but not
	// confirmed by the operators.
	LeafStatePending LeafState = "PENDING"
	// LeafStateAvailable is a spendable leaf.
	LeafStateAvailable LeafState = "AVAILABLE"
	// LeafStateLocked is a leaf claimed by an in-flight transfer. LockedBy
	// holds the transfer id.
	LeafStateLocked LeafState = "LOCKED"
	// LeafStateTransferred is a terminal state: the leaf left this wallet.
	LeafStateTransferred LeafState = "TRANSFERRED"
	// LeafStateRevoked is a terminal state: the leaf was invalidated.
	LeafStateRevoked LeafState = "REVOKED"
)

// Terminal returns whether no further transitions are allowed from s.
func (s LeafState) Terminal() bool {
	return s == LeafStateTransferred || s == LeafStateRevoked
}

// Leaf is the local record of a claimable balance unit. Value never changes
// after creation; resizing is modeled as destroying leaves and creating new
// ones through Split and Merge.
type Leaf struct {
	ID                 string
	Value              uint64
	TreePosition       string
	ParentID           string
	OwnerPublicKey     keys.Public
	VerifyingPublicKey keys.Public
	NodeTx             []byte
	RefundTx           []byte
	Vout               uint32
	State              LeafState
	// LockedBy is the id of the transfer holding this leaf, set only while
	// State is LeafStateLocked.
	LockedBy  string
	Network   string
	CreatedAt time.Time
	UpdatedAt time.Time
}

const schema = `
CREATE TABLE IF NOT EXISTS leaves (
	id TEXT PRIMARY KEY,
	value INTEGER NOT NULL,
	tree_position TEXT NOT NULL,
	parent_id TEXT NOT NULL DEFAULT '',
	owner_public_key BLOB,
	verifying_public_key BLOB,
	node_tx BLOB,
	refund_tx BLOB,
	vout INTEGER NOT NULL DEFAULT 0,
	state TEXT NOT NULL,
	locked_by TEXT NOT NULL DEFAULT '',
	network TEXT NOT NULL,
	created_at TIMESTAMP NOT NULL,
	updated_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS leaves_state_idx ON leaves (state);

CREATE TABLE IF NOT EXISTS transfers (
	id TEXT PRIMARY KEY,
	leaf_ids TEXT NOT NULL,
	sender_public_key BLOB,
	receiver_public_key BLOB,
	phase TEXT NOT NULL,
	expiry_time TIMESTAMP NOT NULL,
	needs_intervention INTEGER NOT NULL DEFAULT 0,
	created_at TIMESTAMP NOT NULL,
	updated_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS transfers_phase_idx ON transfers (phase);
`

// Store is the durable local ledger of leaves and transfer records. All
// mutations go through Apply's optimistic-concurrency contract; readers never
// observe a half-applied mutation.
type Store struct {
	db *sql.DB
}

// Open opens (creating if needed) the ledger at path. WAL journaling with
// synchronous=FULL gives write-ahead durability: an accepted mutation
// survives a process restart before Apply returns.
func Open(path string) (*Store, error) {
	dsn := fmt.Sprintf("file:%s?_journal_mode=WAL&_synchronous=FULL&_busy_timeout=5000&_txlock=immediate", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, walleterrors.UnavailableDataStore(fmt.Errorf("opening ledger at %s: %w", path, err))
	}
	// sqlite allows a single writer; serializing in the pool avoids busy
	// errors under concurrent Apply calls.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, walleterrors.InternalDatabaseError(fmt.Errorf("creating ledger schema: %w", err))
	}
	return &Store{db: db}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

const leafColumns = `id, value, tree_position, parent_id, owner_public_key, verifying_public_key,
	node_tx, refund_tx, vout, state, locked_by, network, created_at, updated_at`

func scanLeaf(row interface{ Scan(...any) error }) (*Leaf, error) {
	var leaf Leaf
	var state string
	err := row.Scan(
		&leaf.ID, &leaf.Value, &leaf.TreePosition, &leaf.ParentID,
		&leaf.OwnerPublicKey, &leaf.VerifyingPublicKey,
		&leaf.NodeTx, &leaf.RefundTx, &leaf.Vout, &state, &leaf.LockedBy,
		&leaf.Network, &leaf.CreatedAt, &leaf.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	leaf.State = LeafState(state)
	return &leaf, nil
}

// GetLeaf returns the leaf with the given id.
func (s *Store) GetLeaf(ctx context.Context, id string) (*Leaf, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+leafColumns+` FROM leaves WHERE id = ?`, id)
	leaf, err := scanLeaf(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, walleterrors.NotFoundMissingEntity(fmt.Errorf("leaf %s not found", id))
	}
	if err != nil {
		return nil, walleterrors.InternalDatabaseError(fmt.Errorf("reading leaf %s: %w", id, err))
	}
	return leaf, nil
}

// ListLeaves returns all leaves, or only those in the given state when filter
// is non-nil. Ordered by creation time, then id, so selection is stable.
func (s *Store) ListLeaves(ctx context.Context, filter *LeafState) ([]*Leaf, error) {
	query := `SELECT ` + leafColumns + ` FROM leaves`
	var args []any
	if filter != nil {
		query += ` WHERE state = ?`
		args = append(args, string(*filter))
	}
	query += ` ORDER BY created_at, id`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, walleterrors.InternalDatabaseError(fmt.Errorf("listing leaves: %w", err))
	}
	defer rows.Close()

	var leaves []*Leaf
	for rows.Next() {
		leaf, err := scanLeaf(rows)
		if err != nil {
			return nil, walleterrors.InternalDatabaseError(fmt.Errorf("scanning leaf: %w", err))
		}
		leaves = append(leaves, leaf)
	}
	if err := rows.Err(); err != nil {
		return nil, walleterrors.InternalDatabaseError(fmt.Errorf("listing leaves: %w", err))
	}
	return leaves, nil
}

// Balance returns the sum of available leaf values.
func (s *Store) Balance(ctx context.Context) (uint64, error) {
	var balance uint64
	row := s.db.QueryRowContext(ctx,
		`SELECT COALESCE(SUM(value), 0) FROM leaves WHERE state = ?`, string(LeafStateAvailable))
	if err := row.Scan(&balance); err != nil {
		return 0, walleterrors.InternalDatabaseError(fmt.Errorf("computing balance: %w", err))
	}
	return balance, nil
}

func getLeafTx(ctx context.Context, tx *sql.Tx, id string) (*Leaf, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+leafColumns+` FROM leaves WHERE id = ?`, id)
	leaf, err := scanLeaf(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, walleterrors.NotFoundMissingEntity(fmt.Errorf("leaf %s not found", id))
	}
	if err != nil {
		return nil, walleterrors.InternalDatabaseError(fmt.Errorf("reading leaf %s: %w", id, err))
	}
	return leaf, nil
}

func insertLeafTx(ctx context.Context, tx *sql.Tx, leaf *Leaf, now time.Time) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO leaves (`+leafColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		leaf.ID, leaf.Value, leaf.TreePosition, leaf.ParentID,
		leaf.OwnerPublicKey, leaf.VerifyingPublicKey,
		leaf.NodeTx, leaf.RefundTx, leaf.Vout, string(leaf.State), leaf.LockedBy,
		leaf.Network, now, now,
	)
	return err
}

package store

import (
	"fmt"
	mathrand "math/rand/v2"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lightsparkdev/spark-wallet/common/keys"
	walleterrors "github.com/lightsparkdev/spark-wallet/errors"
)

var rng = mathrand.NewChaCha8([32]byte{3})

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "ledger.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func newTestLeaf(t *testing.T, value uint64) *Leaf {
	t.Helper()
	return &Leaf{
		ID:                 uuid.NewString(),
		Value:              value,
		TreePosition:       "0/0",
		OwnerPublicKey:     keys.MustGeneratePrivateKeyFromRand(rng).Public(),
		VerifyingPublicKey: keys.MustGeneratePrivateKeyFromRand(rng).Public(),
		NodeTx:             []byte{0x01},
		RefundTx:           []byte{0x02},
		State:              LeafStateAvailable,
		Network:            "regtest",
	}
}

func TestCreateAndGetLeaf(t *testing.T) {
	s := openTestStore(t)
	leaf := newTestLeaf(t, 1000)

	require.NoError(t, s.Apply(t.Context(), CreateLeaf{Leaf: leaf}))

	got, err := s.GetLeaf(t.Context(), leaf.ID)
	require.NoError(t, err)
	assert.Equal(t, leaf.ID, got.ID)
	assert.Equal(t, uint64(1000), got.Value)
	assert.Equal(t, LeafStateAvailable, got.State)
	assert.True(t, leaf.OwnerPublicKey.Equals(got.OwnerPublicKey))
}

func TestGetLeaf_NotFound(t *testing.T) {
	s := openTestStore(t)
	_, err := s.GetLeaf(t.Context(), uuid.NewString())
	require.Error(t, err)
	_, reason := walleterrors.CodeAndReasonFrom(err)
	assert.Equal(t, walleterrors.ReasonNotFoundMissingEntity, reason)
}

func TestCreateLeaf_DuplicateConflicts(t *testing.T) {
	s := openTestStore(t)
	leaf := newTestLeaf(t, 1000)

	require.NoError(t, s.Apply(t.Context(), CreateLeaf{Leaf: leaf}))
	err := s.Apply(t.Context(), CreateLeaf{Leaf: leaf})
	require.Error(t, err)
	assert.True(t, walleterrors.IsConflict(err))
}

func TestListLeaves_Filter(t *testing.T) {
	s := openTestStore(t)
	available := newTestLeaf(t, 100)
	locked := newTestLeaf(t, 200)
	require.NoError(t, s.Apply(t.Context(), CreateLeaf{Leaf: available}))
	require.NoError(t, s.Apply(t.Context(), CreateLeaf{Leaf: locked}))
	require.NoError(t, s.Apply(t.Context(), SetState{
		ID: locked.ID, Expected: LeafStateAvailable, New: LeafStateLocked, LockedBy: "t1",
	}))

	filter := LeafStateAvailable
	leaves, err := s.ListLeaves(t.Context(), &filter)
	require.NoError(t, err)
	require.Len(t, leaves, 1)
	assert.Equal(t, available.ID, leaves[0].ID)

	all, err := s.ListLeaves(t.Context(), nil)
	require.NoError(t, err)
	assert.Len(t, all, 2)

	balance, err := s.Balance(t.Context())
	require.NoError(t, err)
	assert.Equal(t, uint64(100), balance)
}

func TestSetState_PreconditionMismatchConflicts(t *testing.T) {
	s := openTestStore(t)
	leaf := newTestLeaf(t, 1000)
	require.NoError(t, s.Apply(t.Context(), CreateLeaf{Leaf: leaf}))

	require.NoError(t, s.Apply(t.Context(), SetState{
		ID: leaf.ID, Expected: LeafStateAvailable, New: LeafStateLocked, LockedBy: "t1",
	}))

	err := s.Apply(t.Context(), SetState{
		ID: leaf.ID, Expected: LeafStateAvailable, New: LeafStateLocked, LockedBy: "t2",
	})
	require.Error(t, err)
	assert.True(t, walleterrors.IsConflict(err))

	got, err := s.GetLeaf(t.Context(), leaf.ID)
	require.NoError(t, err)
	assert.Equal(t, LeafStateLocked, got.State)
	assert.Equal(t, "t1", got.LockedBy)
}

func TestSetState_LockHolderCheck(t *testing.T) {
	s := openTestStore(t)
	leaf := newTestLeaf(t, 1000)
	require.NoError(t, s.Apply(t.Context(), CreateLeaf{Leaf: leaf}))
	require.NoError(t, s.Apply(t.Context(), SetState{
		ID: leaf.ID, Expected: LeafStateAvailable, New: LeafStateLocked, LockedBy: "t1",
	}))

	// The wrong holder cannot release the lock.
	err := s.Apply(t.Context(), SetState{
		ID: leaf.ID, Expected: LeafStateLocked, ExpectedLockedBy: "t2", New: LeafStateAvailable,
	})
	require.Error(t, err)
	assert.True(t, walleterrors.IsConflict(err))

	require.NoError(t, s.Apply(t.Context(), SetState{
		ID: leaf.ID, Expected: LeafStateLocked, ExpectedLockedBy: "t1", New: LeafStateAvailable,
	}))
}

func TestConcurrentLocking_SingleWinner(t *testing.T) {
	s := openTestStore(t)
	leaf := newTestLeaf(t, 1000)
	require.NoError(t, s.Apply(t.Context(), CreateLeaf{Leaf: leaf}))

	const racers = 8
	var wg sync.WaitGroup
	results := make(chan error, racers)
	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results <- s.Apply(t.Context(), SetState{
				ID:       leaf.ID,
				Expected: LeafStateAvailable,
				New:      LeafStateLocked,
				LockedBy: fmt.Sprintf("transfer-%d", i),
			})
		}(i)
	}
	wg.Wait()
	close(results)

	var wins, conflicts int
	for err := range results {
		if err == nil {
			wins++
		} else {
			assert.True(t, walleterrors.IsConflict(err), "unexpected error: %v", err)
			conflicts++
		}
	}
	assert.Equal(t, 1, wins)
	assert.Equal(t, racers-1, conflicts)
}

func TestSplit_ConservesValue(t *testing.T) {
	s := openTestStore(t)
	leaf := newTestLeaf(t, 1000)
	require.NoError(t, s.Apply(t.Context(), CreateLeaf{Leaf: leaf}))

	out1 := newTestLeaf(t, 600)
	out2 := newTestLeaf(t, 400)
	require.NoError(t, s.Apply(t.Context(), Split{ID: leaf.ID, Outputs: []*Leaf{out1, out2}}))

	parent, err := s.GetLeaf(t.Context(), leaf.ID)
	require.NoError(t, err)
	assert.Equal(t, LeafStateTransferred, parent.State)

	child, err := s.GetLeaf(t.Context(), out1.ID)
	require.NoError(t, err)
	assert.Equal(t, leaf.ID, child.ParentID)
	assert.Equal(t, LeafStateAvailable, child.State)
}

func TestSplit_ValueMismatchRejected(t *testing.T) {
	s := openTestStore(t)
	leaf := newTestLeaf(t, 1000)
	require.NoError(t, s.Apply(t.Context(), CreateLeaf{Leaf: leaf}))

	err := s.Apply(t.Context(), Split{ID: leaf.ID, Outputs: []*Leaf{newTestLeaf(t, 600), newTestLeaf(t, 500)}})
	require.Error(t, err)
	assert.True(t, walleterrors.IsProtocolViolation(err))

	// The failed split must leave the input untouched and create nothing.
	got, err := s.GetLeaf(t.Context(), leaf.ID)
	require.NoError(t, err)
	assert.Equal(t, LeafStateAvailable, got.State)
	all, err := s.ListLeaves(t.Context(), nil)
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestMerge_ConservesValue(t *testing.T) {
	s := openTestStore(t)
	in1 := newTestLeaf(t, 300)
	in2 := newTestLeaf(t, 700)
	require.NoError(t, s.Apply(t.Context(), CreateLeaf{Leaf: in1}))
	require.NoError(t, s.Apply(t.Context(), CreateLeaf{Leaf: in2}))

	result := newTestLeaf(t, 1000)
	require.NoError(t, s.Apply(t.Context(), Merge{IDs: []string{in1.ID, in2.ID}, Result: result}))

	got, err := s.GetLeaf(t.Context(), result.ID)
	require.NoError(t, err)
	assert.Equal(t, uint64(1000), got.Value)

	err = s.Apply(t.Context(), Merge{
		IDs:    []string{result.ID},
		Result: newTestLeaf(t, 999),
	})
	require.Error(t, err)
	assert.True(t, walleterrors.IsProtocolViolation(err))
}

func TestApplyAll_Atomic(t *testing.T) {
	s := openTestStore(t)
	source := newTestLeaf(t, 1000)
	require.NoError(t, s.Apply(t.Context(), CreateLeaf{Leaf: source}))

	// Second mutation fails on precondition, so the first must roll back.
	incoming := newTestLeaf(t, 500)
	err := s.ApplyAll(t.Context(),
		CreateLeaf{Leaf: incoming},
		SetState{ID: source.ID, Expected: LeafStateLocked, New: LeafStateTransferred},
	)
	require.Error(t, err)

	_, err = s.GetLeaf(t.Context(), incoming.ID)
	require.Error(t, err)
}

func TestTransferRecordLifecycle(t *testing.T) {
	s := openTestStore(t)
	sender := keys.MustGeneratePrivateKeyFromRand(rng).Public()
	receiver := keys.MustGeneratePrivateKeyFromRand(rng).Public()

	record := &TransferRecord{
		ID:                uuid.NewString(),
		LeafIDs:           []string{uuid.NewString(), uuid.NewString()},
		SenderPublicKey:   sender,
		ReceiverPublicKey: receiver,
		ExpiryTime:        time.Now().Add(10 * time.Minute),
	}
	require.NoError(t, s.CreateTransfer(t.Context(), record))

	// Same id resubmitted collapses to a duplicate-operation conflict.
	err := s.CreateTransfer(t.Context(), record)
	require.Error(t, err)
	assert.True(t, walleterrors.IsConflict(err))

	got, err := s.GetTransfer(t.Context(), record.ID)
	require.NoError(t, err)
	assert.Equal(t, TransferPhaseInitiated, got.Phase)
	assert.Equal(t, record.LeafIDs, got.LeafIDs)

	require.NoError(t, s.SetTransferPhase(t.Context(), record.ID, TransferPhaseInitiated, TransferPhaseClaiming))
	err = s.SetTransferPhase(t.Context(), record.ID, TransferPhaseInitiated, TransferPhaseClaiming)
	require.Error(t, err)
	assert.True(t, walleterrors.IsConflict(err))

	require.NoError(t, s.SetNeedsIntervention(t.Context(), record.ID, true))
	got, err = s.GetTransfer(t.Context(), record.ID)
	require.NoError(t, err)
	assert.True(t, got.NeedsIntervention)

	fresh := time.Now().Add(30 * time.Minute)
	require.NoError(t, s.SetTransferExpiry(t.Context(), record.ID, fresh))
	got, err = s.GetTransfer(t.Context(), record.ID)
	require.NoError(t, err)
	assert.WithinDuration(t, fresh, got.ExpiryTime, time.Second)

	err = s.SetTransferExpiry(t.Context(), uuid.NewString(), fresh)
	require.Error(t, err)

	phase := TransferPhaseClaiming
	records, err := s.ListTransfers(t.Context(), &phase)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, record.ID, records[0].ID)
}

func TestDurability_SurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ledger.db")
	s, err := Open(path)
	require.NoError(t, err)

	leaf := newTestLeaf(t, 1234)
	require.NoError(t, s.Apply(t.Context(), CreateLeaf{Leaf: leaf}))
	require.NoError(t, s.Close())

	reopened, err := Open(path)
	require.NoError(t, err)
	defer reopened.Close()

	got, err := reopened.GetLeaf(t.Context(), leaf.ID)
	require.NoError(t, err)
	assert.Equal(t, uint64(1234), got.Value)
}

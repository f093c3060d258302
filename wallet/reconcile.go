package wallet

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/lightsparkdev/spark-wallet/common/logging"
	walleterrors "github.com/lightsparkdev/spark-wallet/errors"
	"github.com/lightsparkdev/spark-wallet/rpc"
	"github.com/lightsparkdev/spark-wallet/wallet/store"
)

// ReconciliationRecord is the outcome of one reconciliation pass: the
// discrepancies found between the local ledger and the operators' view, and
// what was done about each.
type ReconciliationRecord struct {
	// RecoveredLeafIDs were present remotely but missing locally and have
	// been created in the ledger.
	RecoveredLeafIDs []string
	// RevokedLeafIDs were Available locally but absent or unspendable
	// remotely and have been revoked.
	RevokedLeafIDs []string
	// ReleasedLeafIDs were Locked by a transfer the ledger no longer tracks
	// in flight and have been returned to Available.
	ReleasedLeafIDs []string
	// CompletedTransferIDs are ambiguous transfers the operators report as
	// completed; their completion has been applied.
	CompletedTransferIDs []string
	// FailedTransferIDs are ambiguous transfers the operators report as
	// expired or returned; their leaves have been unlocked.
	FailedTransferIDs []string
	// Conflicts are discrepancies this pass refused to resolve.
	Conflicts []string
}

// Empty reports whether the pass found nothing to resolve.
func (r *ReconciliationRecord) Empty() bool {
	return len(r.RecoveredLeafIDs) == 0 && len(r.RevokedLeafIDs) == 0 &&
		len(r.ReleasedLeafIDs) == 0 && len(r.CompletedTransferIDs) == 0 &&
		len(r.FailedTransferIDs) == 0 && len(r.Conflicts) == 0
}

// Reconcile diffs the local ledger against the operator-reported leaf set and
// resolves divergence. Running it twice with no intervening transfers yields
// an empty record the second time. It never guesses on ambiguous state: what
// it cannot prove it reports as a conflict and leaves untouched.
func (w *Wallet) Reconcile(ctx context.Context) (*ReconciliationRecord, error) {
	ctx, logger := logging.WithAttrs(logging.Inject(ctx, w.logger))
	identity, err := w.signer.IdentityKey()
	if err != nil {
		return nil, err
	}
	client, err := w.coordinatorClient(ctx)
	if err != nil {
		return nil, err
	}

	var remoteLeaves []*rpc.TreeNode
	var localLeaves []*store.Leaf
	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		callCtx, cancel := w.callCtx(groupCtx)
		defer cancel()
		resp, err := client.QueryLeaves(callCtx, &rpc.QueryLeavesRequest{
			OwnerIdentityPublicKey: identity,
			Network:                w.config.Network.String(),
		})
		if err != nil {
			return err
		}
		remoteLeaves = resp.Leaves
		return nil
	})
	group.Go(func() error {
		leaves, err := w.store.ListLeaves(groupCtx, nil)
		if err != nil {
			return err
		}
		localLeaves = leaves
		return nil
	})
	if err := group.Wait(); err != nil {
		return nil, err
	}

	record := &ReconciliationRecord{}
	remoteByID := make(map[string]*rpc.TreeNode, len(remoteLeaves))
	for _, node := range remoteLeaves {
		remoteByID[node.ID] = node
	}
	localByID := make(map[string]*store.Leaf, len(localLeaves))
	for _, leaf := range localLeaves {
		localByID[leaf.ID] = leaf
	}

	// Remote-only leaves are receipts this wallet missed, e.g. a crash
	// between a claim finalize and the local insert.
	for _, node := range remoteLeaves {
		if _, ok := localByID[node.ID]; ok {
			continue
		}
		if node.Status != rpc.NodeStatusAvailable {
			continue
		}
		if err := w.recoverLeaf(ctx, node, record); err != nil {
			logger.Error("Failed to recover remote leaf", zap.String("leaf_id", node.ID), zap.Error(err))
			record.Conflicts = append(record.Conflicts, fmt.Sprintf("leaf %s: recovery failed: %v", node.ID, err))
		}
	}

	for _, leaf := range localLeaves {
		remote := remoteByID[leaf.ID]
		switch leaf.State {
		case store.LeafStateAvailable:
			if remote == nil || remote.Status == rpc.NodeStatusLost {
				if err := w.revokeLeaf(ctx, leaf, record); err != nil {
					record.Conflicts = append(record.Conflicts, fmt.Sprintf("leaf %s: revocation failed: %v", leaf.ID, err))
				}
			}
		case store.LeafStateLocked:
			if err := w.resolveLockedLeaf(ctx, client, leaf, record); err != nil {
				record.Conflicts = append(record.Conflicts, fmt.Sprintf("leaf %s: %v", leaf.ID, err))
			}
		}
	}

	if err := w.resolveAmbiguousTransfers(ctx, client, record); err != nil {
		return nil, err
	}

	if !record.Empty() {
		logger.Info("Reconciliation pass resolved discrepancies",
			zap.Int("recovered", len(record.RecoveredLeafIDs)),
			zap.Int("revoked", len(record.RevokedLeafIDs)),
			zap.Int("released", len(record.ReleasedLeafIDs)),
			zap.Int("conflicts", len(record.Conflicts)))
	}
	for _, conflict := range record.Conflicts {
		w.events.Notify(ctx, Event{Type: EventReconciliationConflict, Detail: conflict})
	}
	return record, nil
}

func (w *Wallet) recoverLeaf(ctx context.Context, node *rpc.TreeNode, record *ReconciliationRecord) error {
	leaf := &store.Leaf{
		ID:                 node.ID,
		Value:              node.Value,
		TreePosition:       node.TreePosition,
		ParentID:           node.ParentNodeID,
		OwnerPublicKey:     node.OwnerIdentityPublicKey,
		VerifyingPublicKey: node.VerifyingPublicKey,
		NodeTx:             node.NodeTx,
		RefundTx:           node.RefundTx,
		Vout:               node.Vout,
		State:              store.LeafStateAvailable,
		Network:            node.Network,
	}
	if err := w.store.Apply(ctx, store.CreateLeaf{Leaf: leaf}); err != nil {
		return err
	}
	record.RecoveredLeafIDs = append(record.RecoveredLeafIDs, node.ID)
	w.events.Notify(ctx, Event{Type: EventLeafReceived, LeafID: node.ID, Leaf: leaf, Detail: "recovered by reconciliation"})
	return nil
}

func (w *Wallet) revokeLeaf(ctx context.Context, leaf *store.Leaf, record *ReconciliationRecord) error {
	err := w.store.Apply(ctx, store.SetState{
		ID:       leaf.ID,
		Expected: store.LeafStateAvailable,
		New:      store.LeafStateRevoked,
	})
	if err != nil {
		return err
	}
	record.RevokedLeafIDs = append(record.RevokedLeafIDs, leaf.ID)
	return nil
}

// resolveLockedLeaf handles a leaf locked by a transfer the ledger does not
// track as in flight: the transfer's status is queried by id, completion is
// applied if the operators report it, and the lock is released if they report
// no trace.
func (w *Wallet) resolveLockedLeaf(ctx context.Context, client rpc.SessionClient, leaf *store.Leaf, record *ReconciliationRecord) error {
	transfer, err := w.store.GetTransfer(ctx, leaf.LockedBy)
	if err == nil && !transfer.Phase.Terminal() {
		// The transfer is tracked and in flight; the lock is legitimate.
		return nil
	}

	remoteStatus, statusErr := w.queryRemoteTransferStatus(ctx, client, leaf.LockedBy)
	switch {
	case statusErr != nil && isNotFound(statusErr):
		remoteStatus = ""
	case statusErr != nil:
		return fmt.Errorf("locked by %s, status query failed: %w", leaf.LockedBy, statusErr)
	}

	switch remoteStatus {
	case rpc.TransferStatusCompleted:
		err := w.store.Apply(ctx, store.SetState{
			ID:               leaf.ID,
			Expected:         store.LeafStateLocked,
			ExpectedLockedBy: leaf.LockedBy,
			New:              store.LeafStateTransferred,
		})
		if err != nil {
			return err
		}
		record.CompletedTransferIDs = append(record.CompletedTransferIDs, leaf.LockedBy)
	case "", rpc.TransferStatusExpired, rpc.TransferStatusReturned:
		err := w.store.Apply(ctx, store.SetState{
			ID:               leaf.ID,
			Expected:         store.LeafStateLocked,
			ExpectedLockedBy: leaf.LockedBy,
			New:              store.LeafStateAvailable,
		})
		if err != nil {
			return err
		}
		record.ReleasedLeafIDs = append(record.ReleasedLeafIDs, leaf.ID)
	default:
		return fmt.Errorf("locked by %s with remote status %s, not resolvable", leaf.LockedBy, remoteStatus)
	}
	return nil
}

// resolveAmbiguousTransfers queries the status of every transfer whose commit
// outcome the ledger does not know: those parked in Unknown after a failed
// finalize, and those left in Committing by a crash inside the commit window.
// Within the configured retry budget the outcome is applied when the operators
// report a terminal status; a transfer exhausting the budget is flagged for
// manual intervention.
func (w *Wallet) resolveAmbiguousTransfers(ctx context.Context, client rpc.SessionClient, record *ReconciliationRecord) error {
	var pending []*store.TransferRecord
	for _, phase := range []store.TransferPhase{store.TransferPhaseCommitting, store.TransferPhaseUnknown} {
		records, err := w.store.ListTransfers(ctx, &phase)
		if err != nil {
			return err
		}
		pending = append(pending, records...)
	}
	logger := logging.GetLoggerFromContext(ctx)

	for _, transfer := range pending {
		status, err := w.queryAmbiguousStatus(ctx, client, transfer.ID)
		if err != nil && isNotFound(err) {
			// The operators never saw the transfer, so the commit cannot have
			// landed.
			status, err = "", nil
		}
		if err != nil {
			logger.Warn("Ambiguous transfer status still unknown",
				zap.String("transfer_id", transfer.ID), zap.Error(err))
			if !transfer.NeedsIntervention {
				if err := w.store.SetNeedsIntervention(ctx, transfer.ID, true); err != nil {
					return err
				}
				w.events.Notify(ctx, Event{Type: EventNeedsIntervention, TransferID: transfer.ID, Detail: err.Error()})
			}
			record.Conflicts = append(record.Conflicts, fmt.Sprintf("transfer %s: outcome still unknown", transfer.ID))
			continue
		}

		var cause error
		switch status {
		case rpc.TransferStatusCompleted:
			if err := w.applyAmbiguousCompletion(ctx, transfer); err != nil {
				return err
			}
			record.CompletedTransferIDs = append(record.CompletedTransferIDs, transfer.ID)
		case rpc.TransferStatusExpired, rpc.TransferStatusReturned:
			cause = walleterrors.FailedPreconditionExpired(fmt.Errorf(
				"operators report transfer %s as %s", transfer.ID, status))
		case "":
			cause = walleterrors.FailedPreconditionExpired(fmt.Errorf(
				"operators have no record of transfer %s", transfer.ID))
		default:
			// The operators still hold the transfer in flight; keep waiting.
			continue
		}
		if cause != nil {
			_ = w.failTransfer(ctx, transfer.ID, transfer.Phase, w.lockedLeaves(ctx, transfer), cause)
			record.FailedTransferIDs = append(record.FailedTransferIDs, transfer.ID)
		}
		if transfer.NeedsIntervention {
			if err := w.store.SetNeedsIntervention(ctx, transfer.ID, false); err != nil {
				return err
			}
		}
	}
	return nil
}

// queryAmbiguousStatus retries the status query within the configured budget.
func (w *Wallet) queryAmbiguousStatus(ctx context.Context, client rpc.SessionClient, transferID string) (string, error) {
	var lastErr error
	attempts := w.config.AmbiguousRetryLimit
	if attempts <= 0 {
		attempts = 1
	}
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return "", walleterrors.DeadlineExceededTimeout(ctx.Err())
			case <-time.After(w.config.AmbiguousRetryBackoff):
			}
		}
		status, err := w.queryRemoteTransferStatus(ctx, client, transferID)
		if err == nil {
			return status, nil
		}
		if !walleterrors.IsTransient(err) {
			return "", err
		}
		lastErr = err
	}
	return "", walleterrors.UnknownAmbiguousOutcome(fmt.Errorf(
		"transfer %s status unavailable after %d attempts: %w", transferID, attempts, lastErr))
}

func (w *Wallet) queryRemoteTransferStatus(ctx context.Context, client rpc.SessionClient, transferID string) (string, error) {
	identity, err := w.signer.IdentityKey()
	if err != nil {
		return "", err
	}
	callCtx, cancel := w.callCtx(ctx)
	defer cancel()
	resp, err := client.TransferStatus(callCtx, &rpc.TransferStatusRequest{
		TransferID:        transferID,
		IdentityPublicKey: identity,
	})
	if err != nil {
		return "", err
	}
	if resp.Transfer == nil {
		return "", walleterrors.NotFoundMissingEntity(fmt.Errorf("operators have no transfer %s", transferID))
	}
	return resp.Transfer.Status, nil
}

// applyAmbiguousCompletion marks an ambiguous transfer completed: the commit
// did land, so the source leaves are gone.
func (w *Wallet) applyAmbiguousCompletion(ctx context.Context, transfer *store.TransferRecord) error {
	mutations := make([]store.Mutation, 0, len(transfer.LeafIDs))
	for _, leaf := range w.lockedLeaves(ctx, transfer) {
		mutations = append(mutations, store.SetState{
			ID:               leaf.ID,
			Expected:         store.LeafStateLocked,
			ExpectedLockedBy: transfer.ID,
			New:              store.LeafStateTransferred,
		})
	}
	if len(mutations) > 0 {
		if err := w.store.ApplyAll(ctx, mutations...); err != nil {
			return err
		}
	}
	if err := w.store.SetTransferPhase(ctx, transfer.ID, transfer.Phase, store.TransferPhaseCompleted); err != nil {
		return err
	}
	w.events.Notify(ctx, Event{Type: EventTransferCompleted, TransferID: transfer.ID, Detail: "resolved by reconciliation"})
	return nil
}

package wallet

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lightsparkdev/spark-wallet/common/logging"
	walleterrors "github.com/lightsparkdev/spark-wallet/errors"
	"github.com/lightsparkdev/spark-wallet/wallet/store"
)

// RequestSwap re-denominates leaves so an exact match for targetAmount
// exists: the smallest leaves summing to at least the target are transferred
// back to this wallet, the operators reissue them, and the reissued leaves
// are claimed. Total value is conserved; only the denominations change.
func (w *Wallet) RequestSwap(ctx context.Context, targetAmount uint64) ([]*store.Leaf, error) {
	ctx, logger := logging.WithAttrs(logging.Inject(ctx, w.logger), zap.Uint64("target_amount", targetAmount))

	available, err := w.availableLeaves(ctx)
	if err != nil {
		return nil, err
	}
	if _, err := selectLeavesExact(available, targetAmount); err == nil {
		// An exact match already exists; nothing to re-denominate.
		return nil, nil
	}
	leaves, total, err := selectLeavesForSwap(available, targetAmount)
	if err != nil {
		return nil, err
	}

	identity, err := w.signer.IdentityKey()
	if err != nil {
		return nil, err
	}
	balanceBefore, err := w.store.Balance(ctx)
	if err != nil {
		return nil, err
	}

	transferID, err := uuid.NewV7()
	if err != nil {
		return nil, walleterrors.InternalUnhandledError(fmt.Errorf("generating swap transfer id: %w", err))
	}
	logger.Info("Swapping leaves for re-denomination",
		zap.String("transfer_id", transferID.String()),
		zap.Int("leaf_count", len(leaves)), zap.Uint64("total_value", total))

	if _, err := w.transferLeaves(ctx, transferID.String(), leaves, identity); err != nil {
		return nil, walleterrors.WrapErrorWithMessage(err, "swap self-transfer")
	}
	claimed, err := w.ClaimAllTransfers(ctx)
	if err != nil {
		return nil, walleterrors.WrapErrorWithMessage(err, "claiming swapped leaves")
	}

	balanceAfter, err := w.store.Balance(ctx)
	if err != nil {
		return nil, err
	}
	// Claiming may also pick up unrelated inbound transfers, so the balance
	// may grow, but a swap must never shrink it.
	if balanceAfter < balanceBefore {
		return nil, walleterrors.FailedPreconditionValueMismatch(fmt.Errorf(
			"swap shrank balance from %d to %d", balanceBefore, balanceAfter))
	}
	return claimed, nil
}

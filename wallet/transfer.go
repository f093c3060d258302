package wallet

import (
	"context"
	"crypto/sha256"
	"fmt"
	"math/big"
	"time"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	eciesgo "github.com/ecies/go/v2"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"google.golang.org/grpc/codes"

	"github.com/lightsparkdev/spark-wallet/common"
	"github.com/lightsparkdev/spark-wallet/common/keys"
	"github.com/lightsparkdev/spark-wallet/common/logging"
	secretsharing "github.com/lightsparkdev/spark-wallet/common/secret_sharing"
	walleterrors "github.com/lightsparkdev/spark-wallet/errors"
	"github.com/lightsparkdev/spark-wallet/rpc"
	"github.com/lightsparkdev/spark-wallet/wallet/signer"
	"github.com/lightsparkdev/spark-wallet/wallet/store"
)

// leafPlan is the per-leaf working state of an outbound transfer: the current
// and replacement signing keys, the refund transaction being co-signed, and
// the signing session collecting operator commitments and shares.
type leafPlan struct {
	leaf       *store.Leaf
	signingKey keys.Private
	newKey     keys.Private
	refundTx   []byte
	message    []byte
	session    *signer.Session
}

// SendTransfer moves amountSats to the receiver. Leaves are selected for an
// exact value match; callers needing a different denomination run RequestSwap
// first. Returns the completed transfer record.
func (w *Wallet) SendTransfer(ctx context.Context, receiver keys.Public, amountSats uint64) (*store.TransferRecord, error) {
	transferID, err := uuid.NewV7()
	if err != nil {
		return nil, walleterrors.InternalUnhandledError(fmt.Errorf("generating transfer id: %w", err))
	}
	return w.SendTransferWithID(ctx, transferID.String(), receiver, amountSats)
}

// SendTransferWithID runs a transfer under a caller-chosen id. Retrying a
// failed pre-commit transfer with the same id is safe: the operators
// deduplicate on the id, and the local record collapses to one.
func (w *Wallet) SendTransferWithID(ctx context.Context, transferID string, receiver keys.Public, amountSats uint64) (*store.TransferRecord, error) {
	if receiver.IsZero() {
		return nil, walleterrors.InvalidArgumentMissingField(fmt.Errorf("receiver identity public key is required"))
	}
	ctx, _ = logging.WithAttrs(logging.Inject(ctx, w.logger),
		zap.String("transfer_id", transferID), zap.Uint64("amount_sats", amountSats))

	if existing, err := w.store.GetTransfer(ctx, transferID); err == nil {
		return w.resumeTransfer(ctx, existing, receiver)
	}

	available, err := w.availableLeaves(ctx)
	if err != nil {
		return nil, err
	}
	leaves, err := selectLeavesExact(available, amountSats)
	if err != nil {
		return nil, err
	}
	return w.transferLeaves(ctx, transferID, leaves, receiver)
}

// resumeTransfer handles a resubmitted transfer id. A completed transfer is
// returned as is, a pre-commit failure is retried over the same leaves, and
// anything at or past commit is only ever answered from the record, never
// re-submitted.
func (w *Wallet) resumeTransfer(ctx context.Context, record *store.TransferRecord, receiver keys.Public) (*store.TransferRecord, error) {
	if !record.ReceiverPublicKey.Equals(receiver) {
		return nil, walleterrors.AlreadyExistsDuplicateOperation(fmt.Errorf(
			"transfer %s already exists with a different receiver", record.ID))
	}
	switch record.Phase {
	case store.TransferPhaseCompleted:
		return record, nil
	case store.TransferPhaseFailed, store.TransferPhaseExpired:
	case store.TransferPhaseCommitting, store.TransferPhaseUnknown:
		return nil, walleterrors.UnknownAmbiguousOutcome(fmt.Errorf(
			"transfer %s reached commit; query its status instead of retrying", record.ID))
	default:
		return nil, walleterrors.AlreadyExistsDuplicateOperation(fmt.Errorf(
			"transfer %s is already in flight", record.ID))
	}

	leaves := make([]*store.Leaf, 0, len(record.LeafIDs))
	for _, id := range record.LeafIDs {
		leaf, err := w.store.GetLeaf(ctx, id)
		if err != nil {
			return nil, err
		}
		if leaf.State != store.LeafStateAvailable {
			return nil, walleterrors.AbortedLeafPreempted(fmt.Errorf(
				"leaf %s is %s, cannot retry transfer %s", id, leaf.State, record.ID))
		}
		leaves = append(leaves, leaf)
	}
	if err := w.store.SetTransferPhase(ctx, record.ID, record.Phase, store.TransferPhaseInitiated); err != nil {
		return nil, err
	}

	identity, err := w.signer.IdentityKey()
	if err != nil {
		return nil, err
	}
	// The retry negotiates fresh signing sessions under a fresh deadline; the
	// stored expiry must move with it or the sweep task fails the retry
	// mid-flight.
	expiry := time.Now().Add(w.config.TransferExpiry)
	if err := w.store.SetTransferExpiry(ctx, record.ID, expiry); err != nil {
		return nil, err
	}
	record.ExpiryTime = expiry
	lockMutations := make([]store.Mutation, len(leaves))
	for i, leaf := range leaves {
		lockMutations[i] = store.SetState{
			ID:       leaf.ID,
			Expected: store.LeafStateAvailable,
			New:      store.LeafStateLocked,
			LockedBy: record.ID,
		}
	}
	if err := w.store.SetTransferPhase(ctx, record.ID, store.TransferPhaseInitiated, store.TransferPhaseClaiming); err != nil {
		return nil, err
	}
	if err := w.store.ApplyAll(ctx, lockMutations...); err != nil {
		return nil, w.failTransfer(ctx, record.ID, store.TransferPhaseClaiming, nil, err)
	}
	return w.runTransfer(ctx, record, leaves, receiver, identity, expiry)
}

// transferLeaves runs the transfer state machine over an explicit leaf set.
// Swaps use this directly with the wallet itself as receiver.
func (w *Wallet) transferLeaves(ctx context.Context, transferID string, leaves []*store.Leaf, receiver keys.Public) (*store.TransferRecord, error) {
	logger := logging.GetLoggerFromContext(ctx)
	leafIDs := make([]string, len(leaves))
	for i, leaf := range leaves {
		leafIDs[i] = leaf.ID
	}

	identity, err := w.signer.IdentityKey()
	if err != nil {
		return nil, err
	}
	expiry := time.Now().Add(w.config.TransferExpiry)
	record := &store.TransferRecord{
		ID:                transferID,
		LeafIDs:           leafIDs,
		SenderPublicKey:   identity,
		ReceiverPublicKey: receiver,
		Phase:             store.TransferPhaseInitiated,
		ExpiryTime:        expiry,
	}
	if err := w.store.CreateTransfer(ctx, record); err != nil {
		return nil, err
	}

	// Claiming: lock every selected leaf to this transfer. A lost race on any
	// leaf rolls the whole batch back and fails the transfer.
	lockMutations := make([]store.Mutation, len(leaves))
	for i, leaf := range leaves {
		lockMutations[i] = store.SetState{
			ID:       leaf.ID,
			Expected: store.LeafStateAvailable,
			New:      store.LeafStateLocked,
			LockedBy: transferID,
		}
	}
	if err := w.store.SetTransferPhase(ctx, transferID, store.TransferPhaseInitiated, store.TransferPhaseClaiming); err != nil {
		return nil, err
	}
	if err := w.store.ApplyAll(ctx, lockMutations...); err != nil {
		return nil, w.failTransfer(ctx, transferID, store.TransferPhaseClaiming, nil, err)
	}

	logger.Info("Transfer leaves locked", zap.Int("leaf_count", len(leaves)))
	return w.runTransfer(ctx, record, leaves, receiver, identity, expiry)
}

// runTransfer drives a transfer with locked leaves through signing and
// commit. Any failure before the commit request unlocks the leaves; failures
// during commit leave the outcome to ambiguity resolution.
func (w *Wallet) runTransfer(
	ctx context.Context,
	record *store.TransferRecord,
	leaves []*store.Leaf,
	receiver keys.Public,
	identity keys.Public,
	expiry time.Time,
) (*store.TransferRecord, error) {
	transferID := record.ID
	logger := logging.GetLoggerFromContext(ctx)

	plans, err := w.planLeaves(transferID, leaves, receiver, expiry)
	if err != nil {
		return nil, w.failTransfer(ctx, transferID, store.TransferPhaseClaiming, leaves, err)
	}
	defer w.endSessions(plans)

	startReq, err := w.buildStartRequest(transferID, plans, identity, receiver, expiry)
	if err != nil {
		return nil, w.failTransfer(ctx, transferID, store.TransferPhaseClaiming, leaves, err)
	}

	if err := w.store.SetTransferPhase(ctx, transferID, store.TransferPhaseClaiming, store.TransferPhaseSigningRequested); err != nil {
		return nil, err
	}

	client, err := w.coordinatorClient(ctx)
	if err != nil {
		return nil, w.failTransfer(ctx, transferID, store.TransferPhaseSigningRequested, leaves, err)
	}

	callCtx, cancel := w.callCtx(ctx)
	startResp, err := client.StartTransfer(callCtx, startReq)
	cancel()
	if err != nil {
		return nil, w.failTransfer(ctx, transferID, store.TransferPhaseSigningRequested, leaves, err)
	}

	if err := w.store.SetTransferPhase(ctx, transferID, store.TransferPhaseSigningRequested, store.TransferPhaseSigningInProgress); err != nil {
		return nil, err
	}

	signatures, err := w.signRefunds(ctx, client, transferID, plans, startResp.SigningResults)
	if err != nil {
		return nil, w.failTransfer(ctx, transferID, store.TransferPhaseSigningInProgress, leaves, err)
	}
	logger.Info("Refund signatures aggregated", zap.Int("leaf_count", len(signatures)))

	// Committing is persisted before the commit request goes out, so a crash
	// between the two leaves a record ambiguity resolution will pick up.
	if err := w.store.SetTransferPhase(ctx, transferID, store.TransferPhaseSigningInProgress, store.TransferPhaseCommitting); err != nil {
		return nil, err
	}

	callCtx, cancel = w.callCtx(ctx)
	_, err = client.FinalizeTransfer(callCtx, &rpc.FinalizeTransferRequest{
		TransferID:             transferID,
		OwnerIdentityPublicKey: identity,
		LeafSignatures:         signatures,
	})
	cancel()
	if err != nil {
		return nil, w.commitFailed(ctx, transferID, err)
	}

	if err := w.completeTransfer(ctx, transferID, leaves); err != nil {
		return nil, err
	}
	return w.store.GetTransfer(ctx, transferID)
}

// planLeaves derives the replacement key and builds the refund transaction
// and signing session for each leaf.
func (w *Wallet) planLeaves(transferID string, leaves []*store.Leaf, receiver keys.Public, expiry time.Time) ([]*leafPlan, error) {
	participants := w.registry.Identifiers()
	plans := make([]*leafPlan, 0, len(leaves))
	for _, leaf := range leaves {
		signingKey, err := w.signer.DeriveKey(leaf.TreePosition)
		if err != nil {
			return nil, err
		}
		refundTx, err := nextRefundTx(leaf, receiver)
		if err != nil {
			return nil, walleterrors.FailedPreconditionInvalidState(err)
		}
		rawRefundTx, err := common.SerializeTx(refundTx)
		if err != nil {
			return nil, walleterrors.InternalUnhandledError(err)
		}
		message, err := refundSigningMessage(refundTx, leaf)
		if err != nil {
			return nil, walleterrors.InternalUnhandledError(err)
		}
		session, err := w.signer.StartSession(sessionID(transferID, leaf.ID), participants, w.registry.Threshold(), expiry)
		if err != nil {
			return nil, err
		}
		session.SetVerifyingKey(leaf.VerifyingPublicKey)

		plans = append(plans, &leafPlan{
			leaf:       leaf,
			signingKey: signingKey,
			newKey:     keys.GeneratePrivateKey(),
			refundTx:   rawRefundTx,
			message:    message,
			session:    session,
		})
	}
	return plans, nil
}

// buildStartRequest assembles the signing jobs and the per-operator key tweak
// package for StartTransfer.
func (w *Wallet) buildStartRequest(
	transferID string,
	plans []*leafPlan,
	identity, receiver keys.Public,
	expiry time.Time,
) (*rpc.StartTransferRequest, error) {
	receiverEciesKey, err := eciesgo.NewPublicKeyFromBytes(receiver.Serialize())
	if err != nil {
		return nil, walleterrors.InvalidArgumentMalformedKey(fmt.Errorf("receiver key is not usable for ecies: %w", err))
	}

	signingJobs := make([]*rpc.SigningJob, 0, len(plans))
	keyTweakPackage := make(map[string][]*rpc.SendLeafKeyTweak)
	for _, plan := range plans {
		commitment, err := plan.session.LocalCommitment()
		if err != nil {
			return nil, err
		}
		signingJobs = append(signingJobs, &rpc.SigningJob{
			LeafID:                 plan.leaf.ID,
			SigningPublicKey:       plan.signingKey.Public(),
			RawTx:                  plan.refundTx,
			SigningNonceCommitment: toWireCommitment(commitment),
		})

		tweaks, err := w.prepareSendLeafKeyTweaks(transferID, plan, receiverEciesKey)
		if err != nil {
			return nil, err
		}
		for identifier, tweak := range tweaks {
			keyTweakPackage[identifier] = append(keyTweakPackage[identifier], tweak)
		}
	}

	return &rpc.StartTransferRequest{
		TransferID:                transferID,
		OwnerIdentityPublicKey:    identity,
		ReceiverIdentityPublicKey: receiver,
		ExpiryTime:                expiry,
		TransferPackage: &rpc.TransferPackage{
			LeavesToSend:    signingJobs,
			KeyTweakPackage: keyTweakPackage,
		},
	}, nil
}

// prepareSendLeafKeyTweaks splits the key tweak for one leaf into verifiable
// shares, one per operator, and encrypts the replacement key to the receiver.
func (w *Wallet) prepareSendLeafKeyTweaks(transferID string, plan *leafPlan, receiverEciesKey *eciesgo.PublicKey) (map[string]*rpc.SendLeafKeyTweak, error) {
	keyTweak := plan.signingKey.Sub(plan.newKey)
	operators := w.registry.All()
	shares, err := secretsharing.SplitSecretWithProofs(
		new(big.Int).SetBytes(keyTweak.Serialize()),
		secp256k1.S256().N,
		w.registry.Threshold(),
		len(operators),
	)
	if err != nil {
		return nil, walleterrors.InternalSignerError(fmt.Errorf("splitting key tweak for leaf %s: %w", plan.leaf.ID, err))
	}

	pubkeySharesTweak := make(map[string][]byte, len(operators))
	for _, op := range operators {
		share := findShare(shares, op.Index)
		if share == nil {
			return nil, walleterrors.InternalSignerError(fmt.Errorf("no tweak share for operator %d", op.Index))
		}
		sharePriv, err := keys.PrivateKeyFromBigInt(share.Share)
		if err != nil {
			return nil, walleterrors.InternalSignerError(fmt.Errorf("tweak share for operator %d: %w", op.Index, err))
		}
		pubkeySharesTweak[op.Identifier] = sharePriv.Public().Serialize()
	}

	secretCipher, err := eciesgo.Encrypt(receiverEciesKey, plan.newKey.Serialize())
	if err != nil {
		return nil, walleterrors.InternalSignerError(fmt.Errorf("encrypting leaf key for receiver: %w", err))
	}

	// Signature over sha256(leaf_id || transfer_id || secret_cipher) proves
	// to the receiver which sender produced the cipher.
	payload := append(append([]byte(plan.leaf.ID), []byte(transferID)...), secretCipher...)
	payloadHash := sha256.Sum256(payload)
	signature, err := w.signer.SignWithIdentityKey(payloadHash[:])
	if err != nil {
		return nil, err
	}

	tweaks := make(map[string]*rpc.SendLeafKeyTweak, len(operators))
	for _, op := range operators {
		share := findShare(shares, op.Index)
		if share == nil {
			return nil, walleterrors.InternalSignerError(fmt.Errorf("no tweak share for operator %d", op.Index))
		}
		secretShareBytes := make([]byte, 32)
		share.Share.FillBytes(secretShareBytes)
		tweaks[op.Identifier] = &rpc.SendLeafKeyTweak{
			LeafID: plan.leaf.ID,
			SecretShareTweak: &secretsharing.WireShare{
				SecretShare: secretShareBytes,
				Proofs:      share.Proofs,
			},
			PubkeySharesTweak: pubkeySharesTweak,
			SecretCipher:      secretCipher,
			Signature:         signature,
		}
	}
	return tweaks, nil
}

// signRefunds runs the signing round for every leaf: feed the operators'
// nonce commitments into the session, produce this wallet's share, exchange
// it for the operator shares, and aggregate.
func (w *Wallet) signRefunds(
	ctx context.Context,
	client rpc.SessionClient,
	transferID string,
	plans []*leafPlan,
	signingResults []*rpc.SigningResult,
) ([]*rpc.LeafRefundSignature, error) {
	resultsByLeaf := make(map[string]*rpc.SigningResult, len(signingResults))
	for _, result := range signingResults {
		resultsByLeaf[result.LeafID] = result
	}

	signatures := make([]*rpc.LeafRefundSignature, 0, len(plans))
	for _, plan := range plans {
		result, ok := resultsByLeaf[plan.leaf.ID]
		if !ok {
			return nil, walleterrors.FailedPreconditionBadSignature(fmt.Errorf(
				"operators returned no signing result for leaf %s", plan.leaf.ID))
		}
		if !result.VerifyingKey.IsZero() && !result.VerifyingKey.Equals(plan.leaf.VerifyingPublicKey) {
			return nil, walleterrors.FailedPreconditionBadSignature(fmt.Errorf(
				"operators returned verifying key %s for leaf %s, ledger has %s",
				result.VerifyingKey, plan.leaf.ID, plan.leaf.VerifyingPublicKey))
		}
		for identifier, commitment := range result.SigningNonceCommitments {
			if err := plan.session.AddCommitment(identifier, fromWireCommitment(commitment)); err != nil {
				return nil, err
			}
		}

		share, err := w.signer.SignPartial(sessionID(transferID, plan.leaf.ID), plan.message, plan.leaf.TreePosition)
		if err != nil {
			return nil, err
		}

		callCtx, cancel := w.callCtx(ctx)
		roundResp, err := client.SignRound(callCtx, &rpc.SignRoundRequest{
			SessionID:      sessionID(transferID, plan.leaf.ID),
			TransferID:     transferID,
			LeafID:         plan.leaf.ID,
			Round:          plan.session.Round() + 1,
			UserCommitment: toWireCommitment(share.Commitment),
			UserShare:      share.Share,
		})
		cancel()
		if err != nil {
			return nil, err
		}
		for identifier, operatorShare := range roundResp.OperatorShares {
			if err := plan.session.AddShare(identifier, operatorShare); err != nil {
				return nil, err
			}
		}

		signature := roundResp.AggregateSignature
		if len(signature) == 0 {
			signature, err = plan.session.AggregateSignature()
			if err != nil {
				return nil, err
			}
		}
		if err := signer.VerifyAggregate(signature, plan.message, plan.leaf.VerifyingPublicKey); err != nil {
			return nil, walleterrors.WrapErrorWithMessage(err, fmt.Sprintf("refund signature for leaf %s", plan.leaf.ID))
		}
		signatures = append(signatures, &rpc.LeafRefundSignature{
			LeafID:            plan.leaf.ID,
			RefundTxSignature: signature,
		})
	}
	return signatures, nil
}

// completeTransfer marks the transfer and its leaves done in one ledger
// transaction and emits the completion event.
func (w *Wallet) completeTransfer(ctx context.Context, transferID string, leaves []*store.Leaf) error {
	mutations := make([]store.Mutation, len(leaves))
	for i, leaf := range leaves {
		mutations[i] = store.SetState{
			ID:               leaf.ID,
			Expected:         store.LeafStateLocked,
			ExpectedLockedBy: transferID,
			New:              store.LeafStateTransferred,
		}
	}
	if err := w.store.ApplyAll(ctx, mutations...); err != nil {
		return err
	}
	if err := w.store.SetTransferPhase(ctx, transferID, store.TransferPhaseCommitting, store.TransferPhaseCompleted); err != nil {
		return err
	}
	logging.GetLoggerFromContext(ctx).Info("Transfer completed", zap.String("transfer_id", transferID))
	w.events.Notify(ctx, Event{Type: EventTransferCompleted, TransferID: transferID})
	return nil
}

// failTransfer handles a pre-commit failure: unlock the leaves, move the
// record to Failed (or Expired when the failure is an expiry), and emit the
// failure event. Returns the original error for the caller to surface.
func (w *Wallet) failTransfer(ctx context.Context, transferID string, phase store.TransferPhase, leaves []*store.Leaf, cause error) error {
	logger := logging.GetLoggerFromContext(ctx)
	logger.Warn("Transfer failed before commit",
		zap.String("transfer_id", transferID), zap.Error(cause))

	for _, leaf := range leaves {
		err := w.store.Apply(ctx, store.SetState{
			ID:               leaf.ID,
			Expected:         store.LeafStateLocked,
			ExpectedLockedBy: transferID,
			New:              store.LeafStateAvailable,
		})
		if err != nil {
			logger.Error("Failed to unlock leaf after transfer failure",
				zap.String("leaf_id", leaf.ID), zap.Error(err))
		}
	}

	next := store.TransferPhaseFailed
	if walleterrors.IsExpired(cause) {
		next = store.TransferPhaseExpired
	}
	if err := w.store.SetTransferPhase(ctx, transferID, phase, next); err != nil {
		logger.Error("Failed to record transfer failure", zap.Error(err))
	}
	w.events.Notify(ctx, Event{Type: EventTransferFailed, TransferID: transferID, Detail: cause.Error()})
	return cause
}

// commitFailed handles a FinalizeTransfer error. The commit request may have
// been applied no matter what the response says, so no finalize error is
// taken as proof of non-commit: the leaves stay locked, the record moves to
// Unknown, and the reconciliation engine's status queries decide the outcome.
func (w *Wallet) commitFailed(ctx context.Context, transferID string, cause error) error {
	logging.GetLoggerFromContext(ctx).Warn("Transfer commit outcome is ambiguous",
		zap.String("transfer_id", transferID), zap.Error(cause))
	if err := w.store.SetTransferPhase(ctx, transferID, store.TransferPhaseCommitting, store.TransferPhaseUnknown); err != nil {
		return err
	}
	w.events.Notify(ctx, Event{Type: EventTransferAmbiguous, TransferID: transferID, Detail: cause.Error()})
	return walleterrors.UnknownAmbiguousOutcome(fmt.Errorf("transfer %s commit outcome unknown: %w", transferID, cause))
}

// CancelTransfer withdraws a transfer that has not requested signing yet.
// After the signing request the operators may already hold enough material to
// progress the transfer, so cancellation is refused.
func (w *Wallet) CancelTransfer(ctx context.Context, transferID string) error {
	ctx, _ = logging.WithAttrs(logging.Inject(ctx, w.logger), zap.String("transfer_id", transferID))
	record, err := w.store.GetTransfer(ctx, transferID)
	if err != nil {
		return err
	}
	switch record.Phase {
	case store.TransferPhaseInitiated, store.TransferPhaseClaiming:
	default:
		return walleterrors.FailedPreconditionTooLate(fmt.Errorf(
			"transfer %s is %s and can no longer be cancelled", transferID, record.Phase))
	}

	identity, err := w.signer.IdentityKey()
	if err != nil {
		return err
	}
	client, err := w.coordinatorClient(ctx)
	if err != nil {
		return err
	}
	callCtx, cancel := w.callCtx(ctx)
	_, err = client.CancelTransfer(callCtx, &rpc.CancelTransferRequest{
		TransferID:              transferID,
		SenderIdentityPublicKey: identity,
	})
	cancel()
	// The operator not knowing the transfer is fine: it was never started.
	if err != nil && !isNotFound(err) {
		return err
	}

	leaves := make([]*store.Leaf, 0, len(record.LeafIDs))
	for _, id := range record.LeafIDs {
		leaf, err := w.store.GetLeaf(ctx, id)
		if err != nil {
			return err
		}
		if leaf.State == store.LeafStateLocked && leaf.LockedBy == transferID {
			leaves = append(leaves, leaf)
		}
	}
	cancelErr := fmt.Errorf("transfer %s cancelled", transferID)
	_ = w.failTransfer(ctx, transferID, record.Phase, leaves, cancelErr)
	return nil
}

// TransferStatus returns the local record for a transfer.
func (w *Wallet) TransferStatus(ctx context.Context, transferID string) (*store.TransferRecord, error) {
	return w.store.GetTransfer(ctx, transferID)
}

// SweepExpiredTransfers fails in-flight transfers whose expiry passed without
// a commit attempt. Transfers in Committing or Unknown are left to ambiguity
// resolution; expiry does not decide a commit that may have landed.
func (w *Wallet) SweepExpiredTransfers(ctx context.Context) error {
	ctx, _ = logging.WithAttrs(logging.Inject(ctx, w.logger))
	records, err := w.store.ListTransfers(ctx, nil)
	if err != nil {
		return err
	}
	now := time.Now()
	for _, record := range records {
		if record.Phase.Terminal() || !now.After(record.ExpiryTime) {
			continue
		}
		switch record.Phase {
		case store.TransferPhaseCommitting, store.TransferPhaseUnknown:
			continue
		}
		leaves := w.lockedLeaves(ctx, record)
		expiredErr := walleterrors.FailedPreconditionExpired(fmt.Errorf(
			"transfer %s expired at %s", record.ID, record.ExpiryTime.Format(time.RFC3339)))
		_ = w.failTransfer(ctx, record.ID, record.Phase, leaves, expiredErr)
	}
	return nil
}

// lockedLeaves returns the leaves still locked by the transfer.
func (w *Wallet) lockedLeaves(ctx context.Context, record *store.TransferRecord) []*store.Leaf {
	logger := logging.GetLoggerFromContext(ctx)
	var leaves []*store.Leaf
	for _, id := range record.LeafIDs {
		leaf, err := w.store.GetLeaf(ctx, id)
		if err != nil {
			logger.Error("Failed to load transfer leaf", zap.String("leaf_id", id), zap.Error(err))
			continue
		}
		if leaf.State == store.LeafStateLocked && leaf.LockedBy == record.ID {
			leaves = append(leaves, leaf)
		}
	}
	return leaves
}

func (w *Wallet) endSessions(plans []*leafPlan) {
	for _, plan := range plans {
		w.signer.EndSession(plan.session.ID())
	}
}

func sessionID(transferID, leafID string) string {
	return transferID + "/" + leafID
}

func findShare(shares []*secretsharing.VerifiableSecretShare, operatorIndex uint64) *secretsharing.VerifiableSecretShare {
	targetShareIndex := big.NewInt(int64(operatorIndex + 1))
	for _, s := range shares {
		if s.Index.Cmp(targetShareIndex) == 0 {
			return s
		}
	}
	return nil
}

func toWireCommitment(c *signer.Commitment) *rpc.SigningCommitment {
	return &rpc.SigningCommitment{Binding: c.Binding, Hiding: c.Hiding}
}

func fromWireCommitment(c *rpc.SigningCommitment) *signer.Commitment {
	return &signer.Commitment{Binding: c.Binding, Hiding: c.Hiding}
}

func isNotFound(err error) bool {
	code, _ := walleterrors.CodeAndReasonFrom(err)
	return code == codes.NotFound
}

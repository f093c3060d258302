package wallet

import (
	"context"
	"crypto/sha256"
	"fmt"
	"math/big"
	"time"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/decred/dcrd/dcrec/secp256k1/v4/ecdsa"
	"go.uber.org/zap"

	"github.com/lightsparkdev/spark-wallet/common"
	"github.com/lightsparkdev/spark-wallet/common/keys"
	"github.com/lightsparkdev/spark-wallet/common/logging"
	secretsharing "github.com/lightsparkdev/spark-wallet/common/secret_sharing"
	walleterrors "github.com/lightsparkdev/spark-wallet/errors"
	"github.com/lightsparkdev/spark-wallet/rpc"
	"github.com/lightsparkdev/spark-wallet/wallet/signer"
	"github.com/lightsparkdev/spark-wallet/wallet/store"
)

// claimPlan is the per-leaf working state of an inbound claim: the key the
// sender handed over, the key this wallet replaces it with, and the fresh
// refund transaction being co-signed.
type claimPlan struct {
	leaf        *rpc.TreeNode
	senderKey   keys.Private
	receiverKey keys.Private
	refundTx    []byte
	message     []byte
	sessionID   string
}

// ClaimAllTransfers claims every pending inbound transfer and returns the
// claimed leaves. A failure on one transfer does not stop the others.
func (w *Wallet) ClaimAllTransfers(ctx context.Context) ([]*store.Leaf, error) {
	ctx, logger := logging.WithAttrs(logging.Inject(ctx, w.logger))
	identity, err := w.signer.IdentityKey()
	if err != nil {
		return nil, err
	}
	client, err := w.coordinatorClient(ctx)
	if err != nil {
		return nil, err
	}

	callCtx, cancel := w.callCtx(ctx)
	resp, err := client.QueryPendingTransfers(callCtx, &rpc.QueryTransfersRequest{
		ReceiverIdentityPublicKey: identity,
		Statuses:                  []string{rpc.TransferStatusSenderKeyTweaked},
	})
	cancel()
	if err != nil {
		return nil, err
	}

	var claimed []*store.Leaf
	var firstErr error
	for _, transfer := range resp.Transfers {
		leaves, err := w.ClaimTransfer(ctx, transfer)
		if err != nil {
			logger.Error("Failed to claim transfer",
				zap.String("transfer_id", transfer.ID), zap.Error(err))
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		claimed = append(claimed, leaves...)
	}
	if len(claimed) == 0 && firstErr != nil {
		return nil, firstErr
	}
	return claimed, nil
}

// ClaimTransfer claims one inbound transfer: verify the sender's payload
// signatures, recover the leaf keys, tweak them to this wallet, co-sign fresh
// refund transactions, and record the leaves in the ledger.
func (w *Wallet) ClaimTransfer(ctx context.Context, transfer *rpc.Transfer) ([]*store.Leaf, error) {
	ctx, logger := logging.WithAttrs(logging.Inject(ctx, w.logger), zap.String("transfer_id", transfer.ID))
	identity, err := w.signer.IdentityKey()
	if err != nil {
		return nil, err
	}

	plans, err := w.planClaim(transfer, identity)
	if err != nil {
		return nil, err
	}
	defer func() {
		for _, plan := range plans {
			w.signer.EndSession(plan.sessionID)
		}
	}()

	req, err := w.buildClaimRequest(transfer, plans, identity)
	if err != nil {
		return nil, err
	}
	client, err := w.coordinatorClient(ctx)
	if err != nil {
		return nil, err
	}
	callCtx, cancel := w.callCtx(ctx)
	resp, err := client.ClaimTransfer(callCtx, req)
	cancel()
	if err != nil {
		return nil, err
	}

	signatures, err := w.signClaimRefunds(ctx, client, transfer.ID, plans, resp.SigningResults)
	if err != nil {
		return nil, err
	}

	callCtx, cancel = w.callCtx(ctx)
	_, err = client.FinalizeTransfer(callCtx, &rpc.FinalizeTransferRequest{
		TransferID:             transfer.ID,
		OwnerIdentityPublicKey: identity,
		LeafSignatures:         signatures,
	})
	cancel()
	if err != nil {
		return nil, err
	}

	refundsByLeaf := make(map[string][]byte, len(plans))
	for _, plan := range plans {
		refundsByLeaf[plan.leaf.ID] = plan.refundTx
	}
	leaves, err := w.recordClaimedLeaves(ctx, transfer, refundsByLeaf, identity)
	if err != nil {
		return nil, err
	}
	logger.Info("Claimed inbound transfer", zap.Int("leaf_count", len(leaves)))
	for _, leaf := range leaves {
		w.events.Notify(ctx, Event{Type: EventLeafReceived, TransferID: transfer.ID, LeafID: leaf.ID, Leaf: leaf})
	}
	return leaves, nil
}

// planClaim verifies each leaf's sender signature, decrypts the handed-over
// leaf key, and prepares the replacement key and refund transaction.
func (w *Wallet) planClaim(transfer *rpc.Transfer, identity keys.Public) ([]*claimPlan, error) {
	participants := w.registry.Identifiers()
	expiry := transfer.ExpiryTime
	if expiry.IsZero() || expiry.Before(time.Now()) {
		expiry = time.Now().Add(w.config.TransferExpiry)
	}

	plans := make([]*claimPlan, 0, len(transfer.Leaves))
	for _, transferLeaf := range transfer.Leaves {
		leaf := transferLeaf.Leaf
		if leaf == nil {
			return nil, walleterrors.InvalidArgumentMissingField(fmt.Errorf(
				"transfer %s has a leaf entry without a leaf", transfer.ID))
		}
		if err := verifySenderSignature(transfer, transferLeaf); err != nil {
			return nil, err
		}

		secret, err := w.signer.DecryptWithIdentityKey(transferLeaf.SecretCipher)
		if err != nil {
			return nil, err
		}
		senderKey, err := keys.ParsePrivateKey(secret)
		if err != nil {
			return nil, walleterrors.FailedPreconditionBadSignature(fmt.Errorf(
				"leaf %s secret is not a valid key: %w", leaf.ID, err))
		}
		receiverKey, err := w.signer.DeriveKey(leaf.TreePosition)
		if err != nil {
			return nil, err
		}

		refundTx, message, err := claimRefund(leaf, identity)
		if err != nil {
			return nil, err
		}

		session, err := w.signer.StartSession(sessionID(transfer.ID, leaf.ID), participants, w.registry.Threshold(), expiry)
		if err != nil {
			return nil, err
		}
		session.SetVerifyingKey(leaf.VerifyingPublicKey)

		plans = append(plans, &claimPlan{
			leaf:        leaf,
			senderKey:   senderKey,
			receiverKey: receiverKey,
			refundTx:    refundTx,
			message:     message,
			sessionID:   sessionID(transfer.ID, leaf.ID),
		})
	}
	return plans, nil
}

// buildClaimRequest assembles the receiver key tweaks and refund signing jobs
// for ClaimTransfer.
func (w *Wallet) buildClaimRequest(transfer *rpc.Transfer, plans []*claimPlan, identity keys.Public) (*rpc.ClaimTransferRequest, error) {
	operators := w.registry.All()
	leavesToClaim := make([]*rpc.ClaimLeafKeyTweak, 0, len(plans))
	signingJobs := make([]*rpc.SigningJob, 0, len(plans))

	for _, plan := range plans {
		keyTweak := plan.senderKey.Sub(plan.receiverKey)
		shares, err := secretsharing.SplitSecretWithProofs(
			new(big.Int).SetBytes(keyTweak.Serialize()),
			secp256k1.S256().N,
			w.registry.Threshold(),
			len(operators),
		)
		if err != nil {
			return nil, walleterrors.InternalSignerError(fmt.Errorf("splitting claim tweak for leaf %s: %w", plan.leaf.ID, err))
		}

		pubkeySharesTweak := make(map[string][]byte, len(operators))
		for _, op := range operators {
			share := findShare(shares, op.Index)
			if share == nil {
				return nil, walleterrors.InternalSignerError(fmt.Errorf("no claim share for operator %d", op.Index))
			}
			sharePriv, err := keys.PrivateKeyFromBigInt(share.Share)
			if err != nil {
				return nil, walleterrors.InternalSignerError(err)
			}
			pubkeySharesTweak[op.Identifier] = sharePriv.Public().Serialize()
		}

		// One tweak entry per leaf; the coordinator fans the operator-specific
		// share out of the wire form by identifier.
		ownShare := findShare(shares, w.registry.Coordinator().Index)
		if ownShare == nil {
			return nil, walleterrors.InternalSignerError(fmt.Errorf("no claim share for coordinator"))
		}
		secretShareBytes := make([]byte, 32)
		ownShare.Share.FillBytes(secretShareBytes)
		leavesToClaim = append(leavesToClaim, &rpc.ClaimLeafKeyTweak{
			LeafID: plan.leaf.ID,
			SecretShareTweak: &secretsharing.WireShare{
				SecretShare: secretShareBytes,
				Proofs:      ownShare.Proofs,
			},
			PubkeySharesTweak: pubkeySharesTweak,
		})

		session, err := w.signer.Session(plan.sessionID)
		if err != nil {
			return nil, err
		}
		commitment, err := session.LocalCommitment()
		if err != nil {
			return nil, err
		}
		signingJobs = append(signingJobs, &rpc.SigningJob{
			LeafID:                 plan.leaf.ID,
			SigningPublicKey:       plan.receiverKey.Public(),
			RawTx:                  plan.refundTx,
			SigningNonceCommitment: toWireCommitment(commitment),
		})
	}

	return &rpc.ClaimTransferRequest{
		TransferID:             transfer.ID,
		OwnerIdentityPublicKey: identity,
		LeavesToClaim:          leavesToClaim,
		SigningJobs:            signingJobs,
	}, nil
}

// signClaimRefunds mirrors the send-side signing round for claimed leaves.
func (w *Wallet) signClaimRefunds(
	ctx context.Context,
	client rpc.SessionClient,
	transferID string,
	plans []*claimPlan,
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
				"operators returned no signing result for claimed leaf %s", plan.leaf.ID))
		}
		session, err := w.signer.Session(plan.sessionID)
		if err != nil {
			return nil, err
		}
		for identifier, commitment := range result.SigningNonceCommitments {
			if err := session.AddCommitment(identifier, fromWireCommitment(commitment)); err != nil {
				return nil, err
			}
		}

		share, err := w.signer.SignPartial(plan.sessionID, plan.message, plan.leaf.TreePosition)
		if err != nil {
			return nil, err
		}

		callCtx, cancel := w.callCtx(ctx)
		roundResp, err := client.SignRound(callCtx, &rpc.SignRoundRequest{
			SessionID:      plan.sessionID,
			TransferID:     transferID,
			LeafID:         plan.leaf.ID,
			Round:          session.Round() + 1,
			UserCommitment: toWireCommitment(share.Commitment),
			UserShare:      share.Share,
		})
		cancel()
		if err != nil {
			return nil, err
		}
		for identifier, operatorShare := range roundResp.OperatorShares {
			if err := session.AddShare(identifier, operatorShare); err != nil {
				return nil, err
			}
		}

		signature := roundResp.AggregateSignature
		if len(signature) == 0 {
			signature, err = session.AggregateSignature()
			if err != nil {
				return nil, err
			}
		}
		if err := signer.VerifyAggregate(signature, plan.message, plan.leaf.VerifyingPublicKey); err != nil {
			return nil, walleterrors.WrapErrorWithMessage(err, fmt.Sprintf("claim refund signature for leaf %s", plan.leaf.ID))
		}
		signatures = append(signatures, &rpc.LeafRefundSignature{
			LeafID:            plan.leaf.ID,
			RefundTxSignature: signature,
		})
	}
	return signatures, nil
}

// recordClaimedLeaves inserts the claimed leaves as one ledger transaction.
func (w *Wallet) recordClaimedLeaves(ctx context.Context, transfer *rpc.Transfer, refundsByLeaf map[string][]byte, identity keys.Public) ([]*store.Leaf, error) {
	mutations := make([]store.Mutation, 0, len(transfer.Leaves))
	leaves := make([]*store.Leaf, 0, len(transfer.Leaves))
	for _, transferLeaf := range transfer.Leaves {
		node := transferLeaf.Leaf
		leaf := &store.Leaf{
			ID:                 node.ID,
			Value:              node.Value,
			TreePosition:       node.TreePosition,
			ParentID:           node.ParentNodeID,
			OwnerPublicKey:     identity,
			VerifyingPublicKey: node.VerifyingPublicKey,
			NodeTx:             node.NodeTx,
			RefundTx:           refundsByLeaf[node.ID],
			Vout:               node.Vout,
			State:              store.LeafStateAvailable,
			Network:            node.Network,
		}
		leaves = append(leaves, leaf)
		mutations = append(mutations, store.CreateLeaf{Leaf: leaf})
	}
	if err := w.store.ApplyAll(ctx, mutations...); err != nil {
		return nil, err
	}
	return leaves, nil
}

// claimRefund builds the refund transaction for a claimed leaf, paying to the
// receiving key with the timelock decremented from the inbound refund.
func claimRefund(leaf *rpc.TreeNode, receivingKey keys.Public) (rawTx, message []byte, err error) {
	stored := &store.Leaf{
		ID:       leaf.ID,
		Value:    leaf.Value,
		NodeTx:   leaf.NodeTx,
		RefundTx: leaf.RefundTx,
		Vout:     leaf.Vout,
	}
	refundTx, err := nextRefundTx(stored, receivingKey)
	if err != nil {
		return nil, nil, walleterrors.FailedPreconditionInvalidState(err)
	}
	rawTx, err = common.SerializeTx(refundTx)
	if err != nil {
		return nil, nil, walleterrors.InternalUnhandledError(err)
	}
	message, err = refundSigningMessage(refundTx, stored)
	if err != nil {
		return nil, nil, walleterrors.InternalUnhandledError(err)
	}
	return rawTx, message, nil
}

// verifySenderSignature checks the sender's signature over
// sha256(leaf_id || transfer_id || secret_cipher).
func verifySenderSignature(transfer *rpc.Transfer, transferLeaf *rpc.TransferLeaf) error {
	signature, err := parseECDSASignature(transferLeaf.Signature)
	if err != nil {
		return walleterrors.FailedPreconditionBadSignature(fmt.Errorf(
			"leaf %s sender signature: %w", transferLeaf.Leaf.ID, err))
	}
	payload := append(append([]byte(transferLeaf.Leaf.ID), []byte(transfer.ID)...), transferLeaf.SecretCipher...)
	payloadHash := sha256.Sum256(payload)
	if !signature.Verify(payloadHash[:], transfer.SenderIdentityPublicKey.ToBTCEC()) {
		return walleterrors.FailedPreconditionBadSignature(fmt.Errorf(
			"leaf %s sender signature does not verify", transferLeaf.Leaf.ID))
	}
	return nil
}

// parseECDSASignature accepts DER and compact 64-byte encodings.
func parseECDSASignature(raw []byte) (*ecdsa.Signature, error) {
	signature, err := ecdsa.ParseDERSignature(raw)
	if err == nil {
		return signature, nil
	}
	if len(raw) == 64 {
		var r, s secp256k1.ModNScalar
		r.SetByteSlice(raw[:32])
		s.SetByteSlice(raw[32:64])
		return ecdsa.NewSignature(&r, &s), nil
	}
	return nil, err
}

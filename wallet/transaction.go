package wallet

// Tools for building the transactions backing leaves and refunds.

import (
	"fmt"

	"github.com/btcsuite/btcd/wire"

	sparkwallet "github.com/lightsparkdev/spark-wallet"
	"github.com/lightsparkdev/spark-wallet/common"
	"github.com/lightsparkdev/spark-wallet/common/keys"
	"github.com/lightsparkdev/spark-wallet/wallet/store"
)

// CreateLeafNodeTx creates a leaf node transaction with an ephemeral anchor
// output. This intermediate transaction allows the timelock of the final
// refund transaction to be extended: when the refund timelock approaches 0,
// the leaf node tx can be re-signed with a decremented timelock and the
// refund tx gets its timelock reset.
func CreateLeafNodeTx(sequence uint32, parentOutPoint *wire.OutPoint, txOut *wire.TxOut) *wire.MsgTx {
	leafTx := wire.NewMsgTx(3)
	leafTx.AddTxIn(&wire.TxIn{
		PreviousOutPoint: *parentOutPoint,
		Sequence:         sequence,
	})
	leafTx.AddTxOut(wire.NewTxOut(txOut.Value, txOut.PkScript))
	leafTx.AddTxOut(common.EphemeralAnchorOutput())
	return leafTx
}

// CreateRefundTx creates the CPFP-friendly refund transaction sending the
// leaf value to the receiving key: ephemeral anchor, no fee deducted.
func CreateRefundTx(sequence uint32, nodeOutPoint *wire.OutPoint, amountSats int64, receivingPubKey keys.Public) (*wire.MsgTx, error) {
	refundPkScript, err := common.P2TRScriptFromPubKey(receivingPubKey)
	if err != nil {
		return nil, fmt.Errorf("failed to create refund pkscript: %w", err)
	}

	refundTx := wire.NewMsgTx(3)
	refundTx.AddTxIn(&wire.TxIn{
		PreviousOutPoint: *nodeOutPoint,
		Sequence:         sequence,
	})
	refundTx.AddTxOut(wire.NewTxOut(amountSats, refundPkScript))
	refundTx.AddTxOut(common.EphemeralAnchorOutput())
	return refundTx, nil
}

// nextRefundTx builds the refund transaction for transferring a leaf: it
// spends the leaf's node output to the receiver with the relative timelock
// decremented by one interval.
func nextRefundTx(leaf *store.Leaf, receivingPubKey keys.Public) (*wire.MsgTx, error) {
	currentRefund, err := common.TxFromRawTxBytes(leaf.RefundTx)
	if err != nil {
		return nil, fmt.Errorf("failed to parse refund tx of leaf %s: %w", leaf.ID, err)
	}
	if len(currentRefund.TxIn) == 0 {
		return nil, fmt.Errorf("refund tx of leaf %s has no inputs", leaf.ID)
	}
	sequence, err := sparkwallet.NextSequence(currentRefund.TxIn[0].Sequence)
	if err != nil {
		return nil, fmt.Errorf("leaf %s has exhausted its refund timelock: %w", leaf.ID, err)
	}

	nodeOutPoint, err := leafNodeOutPoint(leaf)
	if err != nil {
		return nil, err
	}
	return CreateRefundTx(sequence, nodeOutPoint, int64(leaf.Value), receivingPubKey)
}

// leafNodeOutPoint returns the outpoint of the leaf's node transaction output
// that refunds spend.
func leafNodeOutPoint(leaf *store.Leaf) (*wire.OutPoint, error) {
	nodeTx, err := common.TxFromRawTxBytes(leaf.NodeTx)
	if err != nil {
		return nil, fmt.Errorf("failed to parse node tx of leaf %s: %w", leaf.ID, err)
	}
	if int(leaf.Vout) >= len(nodeTx.TxOut) {
		return nil, fmt.Errorf("leaf %s vout %d out of range for node tx with %d outputs", leaf.ID, leaf.Vout, len(nodeTx.TxOut))
	}
	hash := nodeTx.TxHash()
	return wire.NewOutPoint(&hash, leaf.Vout), nil
}

// refundSigningMessage computes the taproot sighash the signing session signs
// for a refund transaction.
func refundSigningMessage(refundTx *wire.MsgTx, leaf *store.Leaf) ([]byte, error) {
	nodeTx, err := common.TxFromRawTxBytes(leaf.NodeTx)
	if err != nil {
		return nil, fmt.Errorf("failed to parse node tx of leaf %s: %w", leaf.ID, err)
	}
	if int(leaf.Vout) >= len(nodeTx.TxOut) {
		return nil, fmt.Errorf("leaf %s vout %d out of range", leaf.ID, leaf.Vout)
	}
	return common.SigHashFromTx(refundTx, 0, nodeTx.TxOut[leaf.Vout])
}

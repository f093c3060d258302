package wallet

import (
	"testing"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	sparkwallet "github.com/lightsparkdev/spark-wallet"
	"github.com/lightsparkdev/spark-wallet/common"
	"github.com/lightsparkdev/spark-wallet/wallet/store"
)

func TestNextSequenceDecrementsTimelock(t *testing.T) {
	sequence := sparkwallet.InitialSequence()
	assert.Equal(t, uint32(sparkwallet.InitialTimeLock), sequence&0xFFFF)

	next, err := sparkwallet.NextSequence(sequence)
	require.NoError(t, err)
	assert.Equal(t, uint32(sparkwallet.InitialTimeLock-sparkwallet.TimeLockInterval), next&0xFFFF)
	assert.NotZero(t, next&(1<<30))
}

func TestNextSequenceExhausts(t *testing.T) {
	sequence := sparkwallet.InitialSequence()
	// 2000 decrements down to 100 in 19 steps; the next step must refuse.
	for i := 0; i < 19; i++ {
		next, err := sparkwallet.NextSequence(sequence)
		require.NoError(t, err)
		sequence = next
	}
	assert.Equal(t, uint32(sparkwallet.TimeLockInterval), sequence&0xFFFF)
	_, err := sparkwallet.NextSequence(sequence)
	require.Error(t, err)
}

func TestCreateLeafNodeTxShape(t *testing.T) {
	parentHash := chainhash.HashH([]byte("parent"))
	script, err := common.P2TRScriptFromPubKey(testPublicKey(t))
	require.NoError(t, err)

	tx := CreateLeafNodeTx(sparkwallet.InitialSequence(), wire.NewOutPoint(&parentHash, 1), wire.NewTxOut(5000, script))
	assert.EqualValues(t, 3, tx.Version)
	require.Len(t, tx.TxIn, 1)
	assert.Equal(t, sparkwallet.InitialSequence(), tx.TxIn[0].Sequence)
	require.Len(t, tx.TxOut, 2)
	assert.Equal(t, int64(5000), tx.TxOut[0].Value)
	assert.Equal(t, common.EphemeralAnchorOutput().PkScript, tx.TxOut[1].PkScript)
	assert.Zero(t, tx.TxOut[1].Value)
}

func TestCreateRefundTxPaysFullValue(t *testing.T) {
	nodeHash := chainhash.HashH([]byte("node"))
	receiver := testPublicKey(t)

	tx, err := CreateRefundTx(sparkwallet.InitialSequence(), wire.NewOutPoint(&nodeHash, 0), 7500, receiver)
	require.NoError(t, err)
	require.Len(t, tx.TxOut, 2)
	assert.Equal(t, int64(7500), tx.TxOut[0].Value)

	wantScript, err := common.P2TRScriptFromPubKey(receiver)
	require.NoError(t, err)
	assert.Equal(t, wantScript, tx.TxOut[0].PkScript)
}

func TestNextRefundTxDecrementsAndRetargets(t *testing.T) {
	env := newTestEnv(t)
	leaf := env.addLeaf(1200)
	receiver := testPublicKey(t)

	refundTx, err := nextRefundTx(leaf, receiver)
	require.NoError(t, err)

	current, err := common.TxFromRawTxBytes(leaf.RefundTx)
	require.NoError(t, err)
	wantSequence, err := sparkwallet.NextSequence(current.TxIn[0].Sequence)
	require.NoError(t, err)
	assert.Equal(t, wantSequence, refundTx.TxIn[0].Sequence)

	nodeTx, err := common.TxFromRawTxBytes(leaf.NodeTx)
	require.NoError(t, err)
	assert.Equal(t, nodeTx.TxHash(), refundTx.TxIn[0].PreviousOutPoint.Hash)
	assert.Equal(t, leaf.Vout, refundTx.TxIn[0].PreviousOutPoint.Index)

	wantScript, err := common.P2TRScriptFromPubKey(receiver)
	require.NoError(t, err)
	assert.Equal(t, wantScript, refundTx.TxOut[0].PkScript)
	assert.Equal(t, int64(1200), refundTx.TxOut[0].Value)
}

func TestNextRefundTxExhaustedTimelock(t *testing.T) {
	env := newTestEnv(t)
	leaf := env.addLeaf(100)

	// Rewrite the stored refund with a fully spent timelock.
	current, err := common.TxFromRawTxBytes(leaf.RefundTx)
	require.NoError(t, err)
	current.TxIn[0].Sequence = sparkwallet.ZeroSequence | sparkwallet.TimeLockInterval
	raw, err := common.SerializeTx(current)
	require.NoError(t, err)
	exhausted := &store.Leaf{
		ID:       leaf.ID,
		Value:    leaf.Value,
		NodeTx:   leaf.NodeTx,
		RefundTx: raw,
		Vout:     leaf.Vout,
	}

	_, err = nextRefundTx(exhausted, testPublicKey(t))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "timelock")
}

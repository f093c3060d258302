package wallet

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lightsparkdev/spark-wallet/common"
	"github.com/lightsparkdev/spark-wallet/wallet/store"
)

func TestSparkAddressRoundTrip(t *testing.T) {
	env := newTestEnv(t)

	address, err := env.wallet.SparkAddress()
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(address, "sprt1"))

	decoded, err := common.DecodeSparkAddress(address)
	require.NoError(t, err)
	assert.True(t, decoded.IdentityPublicKey.Equals(env.identity))
	assert.Equal(t, common.Regtest, decoded.Network)
}

func TestSyncClaimsSweepsAndReconciles(t *testing.T) {
	env := newTestEnv(t)
	events, cancel := env.wallet.Events().Subscribe()
	defer cancel()

	env.pendingTransfer(150)

	require.NoError(t, env.wallet.Sync(env.ctx))
	waitEvent(t, events, EventSynced)
	assert.Equal(t, uint64(150), env.balance())
}

func TestBalanceCountsOnlyAvailableLeaves(t *testing.T) {
	env := newTestEnv(t)
	available := env.addLeaf(100)
	locked := env.addLeaf(200)
	require.NoError(t, env.wallet.store.Apply(env.ctx, store.SetState{
		ID:       locked.ID,
		Expected: store.LeafStateAvailable,
		New:      store.LeafStateLocked,
		LockedBy: "some-transfer",
	}))

	assert.Equal(t, uint64(100), env.balance())

	state := store.LeafStateAvailable
	leaves, err := env.wallet.Leaves(env.ctx, &state)
	require.NoError(t, err)
	require.Len(t, leaves, 1)
	assert.Equal(t, available.ID, leaves[0].ID)
}

func TestCloseIsTerminal(t *testing.T) {
	env := newTestEnv(t)
	require.NoError(t, env.wallet.Close())

	_, err := env.wallet.Balance(env.ctx)
	assert.Error(t, err)
}

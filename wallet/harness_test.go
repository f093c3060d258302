package wallet

// In-memory coordinator for wallet tests. It runs real operator-side signers
// so refund signatures produced against it verify, and keeps the operator view
// of leaves and transfers so reconciliation can be exercised end to end.

import (
	"context"
	"crypto/sha256"
	"fmt"
	mathrand "math/rand/v2"
	"path/filepath"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/decred/dcrd/dcrec/secp256k1/v4/ecdsa"
	eciesgo "github.com/ecies/go/v2"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	sparkwallet "github.com/lightsparkdev/spark-wallet"
	"github.com/lightsparkdev/spark-wallet/common"
	"github.com/lightsparkdev/spark-wallet/common/keys"
	walleterrors "github.com/lightsparkdev/spark-wallet/errors"
	"github.com/lightsparkdev/spark-wallet/operator"
	"github.com/lightsparkdev/spark-wallet/rpc"
	"github.com/lightsparkdev/spark-wallet/wallet/signer"
	"github.com/lightsparkdev/spark-wallet/wallet/store"
)

var testRng = mathrand.NewChaCha8([32]byte{21})
var testRngMu sync.Mutex

func testBytes(n int) []byte {
	testRngMu.Lock()
	defer testRngMu.Unlock()
	buf := make([]byte, n)
	_, _ = testRng.Read(buf)
	return buf
}

func testPublicKey(t *testing.T) keys.Public {
	t.Helper()
	priv, err := keys.ParsePrivateKey(testBytes(32))
	require.NoError(t, err)
	return priv.Public()
}

type testEnv struct {
	t        *testing.T
	ctx      context.Context
	wallet   *Wallet
	fake     *fakeCoordinator
	identity keys.Public
	nextLeaf int
}

func newTestEnv(t *testing.T, configHooks ...func(*Config)) *testEnv {
	t.Helper()
	walletSeed := testBytes(32)

	identifiers := make([]string, 0, 3)
	operators := make([]*operator.SigningOperator, 0, 3)
	opSigners := make(map[string]*signer.Signer, 3)
	for i := 0; i < 3; i++ {
		identifier := fmt.Sprintf("%064x", i+1)
		opSigner, err := signer.New(testBytes(32))
		require.NoError(t, err)
		identifiers = append(identifiers, identifier)
		opSigners[identifier] = opSigner
		operators = append(operators, &operator.SigningOperator{
			Index:             uint64(i),
			Identifier:        identifier,
			Address:           fmt.Sprintf("localhost:%d", 9000+i),
			IdentityPublicKey: testPublicKey(t),
		})
	}

	config := &Config{
		Network:               common.Regtest,
		DatabasePath:          filepath.Join(t.TempDir(), "wallet.db"),
		Operators:             operators,
		CoordinatorIdentifier: identifiers[0],
		Threshold:             2,
		TransferExpiry:        time.Minute,
		ReconcileInterval:     time.Minute,
		ExpirySweepInterval:   time.Minute,
		ResolverTTL:           time.Minute,
		AmbiguousRetryLimit:   2,
		AmbiguousRetryBackoff: time.Millisecond,
		GRPC:                  GRPCConfig{ClientTimeout: 5 * time.Second},
	}
	for _, hook := range configHooks {
		hook(config)
	}

	// The mirror derives the same leaf keys as the wallet under test, so the
	// fake can construct verifying keys the wallet's shares will satisfy.
	mirror, err := signer.New(walletSeed)
	require.NoError(t, err)
	senderIdentity, err := keys.ParsePrivateKey(testBytes(32))
	require.NoError(t, err)

	fake := &fakeCoordinator{
		threshold:      config.Threshold,
		operatorIDs:    identifiers,
		opSigners:      opSigners,
		mirror:         mirror,
		senderIdentity: senderIdentity,
		network:        config.Network.String(),
		nodes:          make(map[string]*rpc.TreeNode),
		transfers:      make(map[string]*rpc.Transfer),
		jobs:           make(map[string][]byte),
	}

	w, err := NewWalletWithClients(config, walletSeed, fake, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = w.Close() })

	identity, err := w.IdentityKey()
	require.NoError(t, err)

	return &testEnv{t: t, ctx: context.Background(), wallet: w, fake: fake, identity: identity}
}

// addLeaf funds the wallet with one leaf, registered both in the local ledger
// and in the fake coordinator's view.
func (e *testEnv) addLeaf(value uint64) *store.Leaf {
	e.t.Helper()
	position := fmt.Sprintf("0/%d", e.nextLeaf)
	e.nextLeaf++
	id := uuid.NewString()

	e.fake.mu.Lock()
	node, err := e.fake.buildNodeLocked(id, position, value, e.identity)
	e.fake.mu.Unlock()
	require.NoError(e.t, err)

	leaf := &store.Leaf{
		ID:                 id,
		Value:              value,
		TreePosition:       position,
		OwnerPublicKey:     e.identity,
		VerifyingPublicKey: node.VerifyingPublicKey,
		NodeTx:             node.NodeTx,
		RefundTx:           node.RefundTx,
		Vout:               0,
		State:              store.LeafStateAvailable,
		Network:            node.Network,
	}
	require.NoError(e.t, e.wallet.store.Apply(e.ctx, store.CreateLeaf{Leaf: leaf}))
	return leaf
}

// pendingTransfer registers an inbound transfer addressed to the wallet,
// claimable through ClaimAllTransfers.
func (e *testEnv) pendingTransfer(denominations ...uint64) *rpc.Transfer {
	e.t.Helper()
	e.fake.mu.Lock()
	defer e.fake.mu.Unlock()
	transfer, err := e.fake.createPendingTransferLocked(e.identity, denominations)
	require.NoError(e.t, err)
	return transfer
}

func (e *testEnv) leafState(id string) store.LeafState {
	e.t.Helper()
	leaf, err := e.wallet.store.GetLeaf(e.ctx, id)
	require.NoError(e.t, err)
	return leaf.State
}

func (e *testEnv) transferPhase(id string) store.TransferPhase {
	e.t.Helper()
	record, err := e.wallet.store.GetTransfer(e.ctx, id)
	require.NoError(e.t, err)
	return record.Phase
}

func (e *testEnv) remoteStatus(id string) string {
	e.fake.mu.Lock()
	defer e.fake.mu.Unlock()
	transfer, ok := e.fake.transfers[id]
	if !ok {
		return ""
	}
	return transfer.Status
}

func (e *testEnv) balance() uint64 {
	e.t.Helper()
	balance, err := e.wallet.Balance(e.ctx)
	require.NoError(e.t, err)
	return balance
}

func waitEvent(t *testing.T, events <-chan Event, want EventType) Event {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case event := <-events:
			if event.Type == want {
				return event
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s event", want)
		}
	}
}

// fakeCoordinator implements rpc.SessionClient and ClientProvider over
// in-memory state. Every operator holds a real signer, so commitment and share
// exchanges produce aggregate signatures that verify.
type fakeCoordinator struct {
	mu             sync.Mutex
	threshold      int
	operatorIDs    []string
	opSigners      map[string]*signer.Signer
	mirror         *signer.Signer
	senderIdentity keys.Private
	network        string

	nodes     map[string]*rpc.TreeNode
	transfers map[string]*rpc.Transfer
	// jobs maps a signing session id to the raw refund transaction under
	// signature, so SignRound can recompute the message operator-side.
	jobs map[string][]byte

	// reissueDenoms, when set, makes the finalize of a self-transfer create a
	// pending inbound transfer re-denominating the value.
	reissueDenoms []uint64
	nextReissue   int

	startErr error
	// finalizeErr fails the next FinalizeTransfer; with afterCommit set the
	// commit is applied first, modeling a response lost on the wire.
	finalizeErr            error
	finalizeErrAfterCommit bool
	// statusFailures fails that many TransferStatus calls before recovering.
	statusFailures int
	afterStart     func()
	// badAggregate, when set, is returned as the aggregate signature from
	// SignRound in place of an honest one.
	badAggregate []byte
}

func (f *fakeCoordinator) SessionClient(_ context.Context, _ *operator.SigningOperator) (rpc.SessionClient, error) {
	return f, nil
}

// buildNodeLocked creates a tree node whose verifying key is the sum of the
// wallet's derived key and every operator's derived key at the position.
// Callers hold the lock.
func (f *fakeCoordinator) buildNodeLocked(id, position string, value uint64, owner keys.Public) (*rpc.TreeNode, error) {
	walletKey, err := f.mirror.DeriveKey(position)
	if err != nil {
		return nil, err
	}
	verifying := walletKey.Public()
	for _, opID := range f.operatorIDs {
		opKey, err := f.opSigners[opID].DeriveKey(position)
		if err != nil {
			return nil, err
		}
		verifying = verifying.Add(opKey.Public())
	}

	script, err := common.P2TRScriptFromPubKey(verifying)
	if err != nil {
		return nil, err
	}
	parentHash := chainhash.HashH([]byte(id))
	nodeTx := CreateLeafNodeTx(sparkwallet.InitialSequence(), wire.NewOutPoint(&parentHash, 0), wire.NewTxOut(int64(value), script))
	rawNodeTx, err := common.SerializeTx(nodeTx)
	if err != nil {
		return nil, err
	}
	nodeHash := nodeTx.TxHash()
	refundTx, err := CreateRefundTx(sparkwallet.InitialSequence(), wire.NewOutPoint(&nodeHash, 0), int64(value), owner)
	if err != nil {
		return nil, err
	}
	rawRefundTx, err := common.SerializeTx(refundTx)
	if err != nil {
		return nil, err
	}

	node := &rpc.TreeNode{
		ID:                     id,
		TreePosition:           position,
		Value:                  value,
		NodeTx:                 rawNodeTx,
		RefundTx:               rawRefundTx,
		Vout:                   0,
		VerifyingPublicKey:     verifying,
		OwnerIdentityPublicKey: owner,
		Status:                 rpc.NodeStatusAvailable,
		Network:                f.network,
	}
	f.nodes[id] = node
	return node, nil
}

// startOperatorSessions opens one signing session per operator for a leaf and
// cross-wires all commitments, returning the operators' commitments for the
// wallet. Callers hold the lock.
func (f *fakeCoordinator) startOperatorSessions(sid string, node *rpc.TreeNode, walletCommitment *rpc.SigningCommitment) (map[string]*rpc.SigningCommitment, error) {
	deadline := time.Now().Add(time.Hour)
	sessions := make(map[string]*signer.Session, len(f.operatorIDs))
	for i, opID := range f.operatorIDs {
		participants := make([]string, 0, len(f.operatorIDs))
		participants = append(participants, "wallet")
		for j, other := range f.operatorIDs {
			if j != i {
				participants = append(participants, other)
			}
		}
		// A restarted transfer renegotiates nonces, so any session from an
		// earlier attempt is dropped.
		f.opSigners[opID].EndSession(sid)
		session, err := f.opSigners[opID].StartSession(sid, participants, f.threshold, deadline)
		if err != nil {
			return nil, err
		}
		session.SetVerifyingKey(node.VerifyingPublicKey)
		sessions[opID] = session
	}

	commitments := make(map[string]*rpc.SigningCommitment, len(sessions))
	for opID, session := range sessions {
		commitment, err := session.LocalCommitment()
		if err != nil {
			return nil, err
		}
		commitments[opID] = &rpc.SigningCommitment{Binding: commitment.Binding, Hiding: commitment.Hiding}
	}
	for opID, session := range sessions {
		err := session.AddCommitment("wallet", &signer.Commitment{Binding: walletCommitment.Binding, Hiding: walletCommitment.Hiding})
		if err != nil {
			return nil, err
		}
		for otherID, commitment := range commitments {
			if otherID == opID {
				continue
			}
			err := session.AddCommitment(otherID, &signer.Commitment{Binding: commitment.Binding, Hiding: commitment.Hiding})
			if err != nil {
				return nil, err
			}
		}
	}
	return commitments, nil
}

func (f *fakeCoordinator) signingMessage(rawTx []byte, node *rpc.TreeNode) ([]byte, error) {
	refundTx, err := common.TxFromRawTxBytes(rawTx)
	if err != nil {
		return nil, err
	}
	nodeTx, err := common.TxFromRawTxBytes(node.NodeTx)
	if err != nil {
		return nil, err
	}
	return common.SigHashFromTx(refundTx, 0, nodeTx.TxOut[node.Vout])
}

func (f *fakeCoordinator) createPendingTransferLocked(receiver keys.Public, denominations []uint64) (*rpc.Transfer, error) {
	transferID := uuid.NewString()
	receiverEciesKey, err := eciesgo.NewPublicKeyFromBytes(receiver.Serialize())
	if err != nil {
		return nil, err
	}

	var leaves []*rpc.TransferLeaf
	var total uint64
	for _, value := range denominations {
		leafID := uuid.NewString()
		position := fmt.Sprintf("1/%d", f.nextReissue)
		f.nextReissue++
		node, err := f.buildNodeLocked(leafID, position, value, f.senderIdentity.Public())
		if err != nil {
			return nil, err
		}
		node.Status = rpc.NodeStatusTransferLocked

		senderKey := keys.GeneratePrivateKey()
		cipher, err := eciesgo.Encrypt(receiverEciesKey, senderKey.Serialize())
		if err != nil {
			return nil, err
		}
		payload := append(append([]byte(leafID), []byte(transferID)...), cipher...)
		digest := sha256.Sum256(payload)
		signature := ecdsa.Sign(f.senderIdentity.ToBTCEC(), digest[:]).Serialize()

		leaves = append(leaves, &rpc.TransferLeaf{Leaf: node, SecretCipher: cipher, Signature: signature})
		total += value
	}

	transfer := &rpc.Transfer{
		ID:                        transferID,
		SenderIdentityPublicKey:   f.senderIdentity.Public(),
		ReceiverIdentityPublicKey: receiver,
		Status:                    rpc.TransferStatusSenderKeyTweaked,
		TotalValue:                total,
		ExpiryTime:                time.Now().Add(time.Hour),
		Leaves:                    leaves,
	}
	f.transfers[transferID] = transfer
	return transfer, nil
}

func (f *fakeCoordinator) StartTransfer(_ context.Context, req *rpc.StartTransferRequest) (*rpc.StartTransferResponse, error) {
	f.mu.Lock()
	if f.startErr != nil {
		err := f.startErr
		f.mu.Unlock()
		return nil, err
	}

	results := make([]*rpc.SigningResult, 0, len(req.TransferPackage.LeavesToSend))
	var transferLeaves []*rpc.TransferLeaf
	var total uint64
	for _, job := range req.TransferPackage.LeavesToSend {
		node, ok := f.nodes[job.LeafID]
		if !ok {
			f.mu.Unlock()
			return nil, walleterrors.NotFoundMissingEntity(fmt.Errorf("leaf %s unknown to operators", job.LeafID))
		}
		sid := req.TransferID + "/" + job.LeafID
		commitments, err := f.startOperatorSessions(sid, node, job.SigningNonceCommitment)
		if err != nil {
			f.mu.Unlock()
			return nil, err
		}
		f.jobs[sid] = job.RawTx
		results = append(results, &rpc.SigningResult{
			LeafID:                  job.LeafID,
			SigningNonceCommitments: commitments,
			VerifyingKey:            node.VerifyingPublicKey,
		})
		transferLeaves = append(transferLeaves, &rpc.TransferLeaf{Leaf: node})
		total += node.Value
	}

	transfer, ok := f.transfers[req.TransferID]
	if !ok {
		transfer = &rpc.Transfer{
			ID:                        req.TransferID,
			SenderIdentityPublicKey:   req.OwnerIdentityPublicKey,
			ReceiverIdentityPublicKey: req.ReceiverIdentityPublicKey,
			Status:                    rpc.TransferStatusSenderInitiated,
			TotalValue:                total,
			ExpiryTime:                req.ExpiryTime,
			Leaves:                    transferLeaves,
		}
		f.transfers[req.TransferID] = transfer
	}
	hook := f.afterStart
	f.mu.Unlock()

	if hook != nil {
		hook()
	}
	return &rpc.StartTransferResponse{Transfer: transfer, SigningResults: results}, nil
}

func (f *fakeCoordinator) SignRound(_ context.Context, req *rpc.SignRoundRequest) (*rpc.SignRoundResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	node, ok := f.nodes[req.LeafID]
	if !ok {
		return nil, walleterrors.NotFoundMissingEntity(fmt.Errorf("leaf %s unknown to operators", req.LeafID))
	}
	rawTx, ok := f.jobs[req.SessionID]
	if !ok {
		return nil, walleterrors.FailedPreconditionErrorf("no signing job for session %s", req.SessionID)
	}
	message, err := f.signingMessage(rawTx, node)
	if err != nil {
		return nil, err
	}

	shares := make(map[string][]byte, len(f.operatorIDs))
	for _, opID := range f.operatorIDs {
		share, err := f.opSigners[opID].SignPartial(req.SessionID, message, node.TreePosition)
		if err != nil {
			return nil, err
		}
		shares[opID] = share.Share
	}
	return &rpc.SignRoundResponse{
		LeafID:             req.LeafID,
		Round:              req.Round,
		OperatorShares:     shares,
		AggregateSignature: f.badAggregate,
		Complete:           true,
	}, nil
}

func (f *fakeCoordinator) OpenSigningStream(_ context.Context) (rpc.SigningStream, error) {
	return nil, walleterrors.UnavailableErrorf("signing streams are not supported by this fake")
}

func (f *fakeCoordinator) FinalizeTransfer(_ context.Context, req *rpc.FinalizeTransferRequest) (*rpc.FinalizeTransferResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	transfer, ok := f.transfers[req.TransferID]
	if !ok {
		return nil, walleterrors.NotFoundMissingEntity(fmt.Errorf("transfer %s not found", req.TransferID))
	}
	if f.finalizeErr != nil && !f.finalizeErrAfterCommit {
		err := f.finalizeErr
		f.finalizeErr = nil
		return nil, err
	}

	switch transfer.Status {
	case rpc.TransferStatusSenderInitiated:
		for _, leafSig := range req.LeafSignatures {
			node, ok := f.nodes[leafSig.LeafID]
			if !ok {
				return nil, walleterrors.NotFoundMissingEntity(fmt.Errorf("leaf %s unknown to operators", leafSig.LeafID))
			}
			message, err := f.signingMessage(f.jobs[req.TransferID+"/"+leafSig.LeafID], node)
			if err != nil {
				return nil, err
			}
			if err := signer.VerifyAggregate(leafSig.RefundTxSignature, message, node.VerifyingPublicKey); err != nil {
				return nil, err
			}
		}
		transfer.Status = rpc.TransferStatusCompleted
		for _, transferLeaf := range transfer.Leaves {
			transferLeaf.Leaf.Status = rpc.NodeStatusTransferred
		}
		if transfer.ReceiverIdentityPublicKey.Equals(transfer.SenderIdentityPublicKey) && len(f.reissueDenoms) > 0 {
			if _, err := f.createPendingTransferLocked(transfer.ReceiverIdentityPublicKey, f.reissueDenoms); err != nil {
				return nil, err
			}
			f.reissueDenoms = nil
		}
	case rpc.TransferStatusReceiverKeyTweaked:
		transfer.Status = rpc.TransferStatusCompleted
		for _, transferLeaf := range transfer.Leaves {
			transferLeaf.Leaf.Status = rpc.NodeStatusAvailable
			transferLeaf.Leaf.OwnerIdentityPublicKey = transfer.ReceiverIdentityPublicKey
		}
	default:
		return nil, walleterrors.FailedPreconditionInvalidState(fmt.Errorf("transfer %s is %s", transfer.ID, transfer.Status))
	}

	if f.finalizeErr != nil && f.finalizeErrAfterCommit {
		err := f.finalizeErr
		f.finalizeErr = nil
		f.finalizeErrAfterCommit = false
		return nil, err
	}
	return &rpc.FinalizeTransferResponse{Transfer: transfer}, nil
}

func (f *fakeCoordinator) CancelTransfer(_ context.Context, req *rpc.CancelTransferRequest) (*rpc.CancelTransferResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	transfer, ok := f.transfers[req.TransferID]
	if !ok {
		return nil, walleterrors.NotFoundMissingEntity(fmt.Errorf("transfer %s not found", req.TransferID))
	}
	if transfer.Status == rpc.TransferStatusCompleted {
		return nil, walleterrors.FailedPreconditionTooLate(fmt.Errorf("transfer %s already completed", req.TransferID))
	}
	transfer.Status = rpc.TransferStatusReturned
	return &rpc.CancelTransferResponse{Transfer: transfer}, nil
}

func (f *fakeCoordinator) TransferStatus(_ context.Context, req *rpc.TransferStatusRequest) (*rpc.TransferStatusResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.statusFailures > 0 {
		f.statusFailures--
		return nil, walleterrors.UnavailableOperator(fmt.Errorf("operator offline"))
	}
	transfer, ok := f.transfers[req.TransferID]
	if !ok {
		return nil, walleterrors.NotFoundMissingEntity(fmt.Errorf("transfer %s not found", req.TransferID))
	}
	return &rpc.TransferStatusResponse{Transfer: transfer}, nil
}

func (f *fakeCoordinator) QueryPendingTransfers(_ context.Context, req *rpc.QueryTransfersRequest) (*rpc.QueryTransfersResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var transfers []*rpc.Transfer
	for _, transfer := range f.transfers {
		if !transfer.ReceiverIdentityPublicKey.Equals(req.ReceiverIdentityPublicKey) {
			continue
		}
		if len(req.Statuses) > 0 && !slices.Contains(req.Statuses, transfer.Status) {
			continue
		}
		transfers = append(transfers, transfer)
	}
	return &rpc.QueryTransfersResponse{Transfers: transfers}, nil
}

func (f *fakeCoordinator) ClaimTransfer(_ context.Context, req *rpc.ClaimTransferRequest) (*rpc.ClaimTransferResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	transfer, ok := f.transfers[req.TransferID]
	if !ok {
		return nil, walleterrors.NotFoundMissingEntity(fmt.Errorf("transfer %s not found", req.TransferID))
	}
	if transfer.Status != rpc.TransferStatusSenderKeyTweaked && transfer.Status != rpc.TransferStatusReceiverKeyTweaked {
		return nil, walleterrors.FailedPreconditionInvalidState(fmt.Errorf("transfer %s is %s", transfer.ID, transfer.Status))
	}

	results := make([]*rpc.SigningResult, 0, len(req.SigningJobs))
	for _, job := range req.SigningJobs {
		node, ok := f.nodes[job.LeafID]
		if !ok {
			return nil, walleterrors.NotFoundMissingEntity(fmt.Errorf("leaf %s unknown to operators", job.LeafID))
		}
		sid := req.TransferID + "/" + job.LeafID
		commitments, err := f.startOperatorSessions(sid, node, job.SigningNonceCommitment)
		if err != nil {
			return nil, err
		}
		f.jobs[sid] = job.RawTx
		results = append(results, &rpc.SigningResult{
			LeafID:                  job.LeafID,
			SigningNonceCommitments: commitments,
			VerifyingKey:            node.VerifyingPublicKey,
		})
	}
	transfer.Status = rpc.TransferStatusReceiverKeyTweaked
	return &rpc.ClaimTransferResponse{Transfer: transfer, SigningResults: results}, nil
}

func (f *fakeCoordinator) QueryLeaves(_ context.Context, req *rpc.QueryLeavesRequest) (*rpc.QueryLeavesResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var leaves []*rpc.TreeNode
	for _, node := range f.nodes {
		if node.OwnerIdentityPublicKey.Equals(req.OwnerIdentityPublicKey) {
			leaves = append(leaves, node)
		}
	}
	return &rpc.QueryLeavesResponse{Leaves: leaves}, nil
}

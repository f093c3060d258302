package rpc

import (
	"time"

	"github.com/lightsparkdev/spark-wallet/common/keys"
	secretsharing "github.com/lightsparkdev/spark-wallet/common/secret_sharing"
)

// Wire statuses reported by operators for a transfer. These are the
// operator's view of the protocol, not the local orchestrator state.
const (
	TransferStatusSenderInitiated    = "SENDER_INITIATED"
	TransferStatusSenderKeyTweaked   = "SENDER_KEY_TWEAKED"
	TransferStatusReceiverKeyTweaked = "RECEIVER_KEY_TWEAKED"
	TransferStatusCompleted          = "COMPLETED"
	TransferStatusExpired            = "EXPIRED"
	TransferStatusReturned           = "RETURNED"
	TransferStatusUnknown            = "UNKNOWN"
)

// Wire statuses reported by operators for a tree node.
const (
	NodeStatusAvailable      = "AVAILABLE"
	NodeStatusTransferLocked = "TRANSFER_LOCKED"
	NodeStatusTransferred    = "TRANSFERRED"
	NodeStatusSplitted       = "SPLITTED"
	NodeStatusLost           = "LOST"
)

// TreeNode is a leaf as the operators report it: the node transaction pinning
// it into the custody tree and the refund transaction the owner can broadcast
// unilaterally.
type TreeNode struct {
	ID                     string      `json:"id"`
	TreeID                 string      `json:"tree_id"`
	TreePosition           string      `json:"tree_position"`
	Value                  uint64      `json:"value"`
	ParentNodeID           string      `json:"parent_node_id,omitempty"`
	NodeTx                 []byte      `json:"node_tx"`
	RefundTx               []byte      `json:"refund_tx"`
	Vout                   uint32      `json:"vout"`
	VerifyingPublicKey     keys.Public `json:"verifying_public_key"`
	OwnerIdentityPublicKey keys.Public `json:"owner_identity_public_key"`
	Status                 string      `json:"status"`
	Network                string      `json:"network"`
}

// SigningCommitment is the public commitment to a signing nonce, exchanged
// before shares so no participant can bias the aggregate nonce.
type SigningCommitment struct {
	Binding []byte `json:"binding"`
	Hiding  []byte `json:"hiding"`
}

// SigningJob asks the operators to co-sign one raw transaction spending a
// leaf. The signing message is the taproot sighash of RawTx over the leaf's
// node output.
type SigningJob struct {
	LeafID                 string             `json:"leaf_id"`
	SigningPublicKey       keys.Public        `json:"signing_public_key"`
	RawTx                  []byte             `json:"raw_tx"`
	SigningNonceCommitment *SigningCommitment `json:"signing_nonce_commitment"`
}

// SendLeafKeyTweak carries one operator's share of the sender's key tweak for
// one leaf, plus the public commitments for all operators so each can verify
// its share against the others.
type SendLeafKeyTweak struct {
	LeafID            string                   `json:"leaf_id"`
	SecretShareTweak  *secretsharing.WireShare `json:"secret_share_tweak"`
	PubkeySharesTweak map[string][]byte        `json:"pubkey_shares_tweak"`
	// SecretCipher is the new leaf key encrypted to the receiver's identity
	// key. Opaque to the operators.
	SecretCipher []byte `json:"secret_cipher"`
	// Signature signs sha256(leaf_id || transfer_id || secret_cipher) with
	// the sender's identity key.
	Signature       []byte `json:"signature"`
	RefundSignature []byte `json:"refund_signature,omitempty"`
}

// TransferPackage bundles everything an operator needs to progress a
// transfer: the refund signing jobs and, keyed by operator identifier, each
// operator's key tweak shares.
type TransferPackage struct {
	LeavesToSend    []*SigningJob                  `json:"leaves_to_send"`
	KeyTweakPackage map[string][]*SendLeafKeyTweak `json:"key_tweak_package"`
}

// TransferLeaf is one leaf inside a transfer, with the new leaf key encrypted
// to the receiver's identity key and the sender's signature over the payload.
type TransferLeaf struct {
	Leaf                 *TreeNode `json:"leaf"`
	SecretCipher         []byte    `json:"secret_cipher"`
	Signature            []byte    `json:"signature"`
	IntermediateRefundTx []byte    `json:"intermediate_refund_tx"`
}

// Transfer is the operator-held record of a leaf transfer.
type Transfer struct {
	ID                        string          `json:"id"`
	SenderIdentityPublicKey   keys.Public     `json:"sender_identity_public_key"`
	ReceiverIdentityPublicKey keys.Public     `json:"receiver_identity_public_key"`
	Status                    string          `json:"status"`
	TotalValue                uint64          `json:"total_value"`
	ExpiryTime                time.Time       `json:"expiry_time"`
	Leaves                    []*TransferLeaf `json:"leaves"`
}

// StartTransferRequest opens a transfer with the coordinator. The transfer id
// is chosen by the sender and deduplicates retries: resending the same id is
// a no-op if the operator already holds the transfer.
type StartTransferRequest struct {
	TransferID                string           `json:"transfer_id"`
	OwnerIdentityPublicKey    keys.Public      `json:"owner_identity_public_key"`
	ReceiverIdentityPublicKey keys.Public      `json:"receiver_identity_public_key"`
	ExpiryTime                time.Time        `json:"expiry_time"`
	TransferPackage           *TransferPackage `json:"transfer_package"`
}

// SigningResult carries the operators' nonce commitments for one signing job,
// along with the verifying key the final aggregate must verify against.
type SigningResult struct {
	LeafID                  string                        `json:"leaf_id"`
	SigningNonceCommitments map[string]*SigningCommitment `json:"signing_nonce_commitments"`
	VerifyingKey            keys.Public                   `json:"verifying_key"`
}

type StartTransferResponse struct {
	Transfer       *Transfer        `json:"transfer"`
	SigningResults []*SigningResult `json:"signing_results"`
}

// SignRoundRequest submits this wallet's partial signature for one leaf in an
// open signing session.
type SignRoundRequest struct {
	SessionID      string             `json:"session_id"`
	TransferID     string             `json:"transfer_id"`
	LeafID         string             `json:"leaf_id"`
	Round          int                `json:"round"`
	UserCommitment *SigningCommitment `json:"user_commitment"`
	UserShare      []byte             `json:"user_share"`
}

// SignRoundResponse returns the operator shares collected so far. Complete is
// set once the threshold is reached and AggregateSignature is populated.
type SignRoundResponse struct {
	LeafID             string            `json:"leaf_id"`
	Round              int               `json:"round"`
	OperatorShares     map[string][]byte `json:"operator_shares"`
	AggregateSignature []byte            `json:"aggregate_signature,omitempty"`
	Complete           bool              `json:"complete"`
}

// LeafRefundSignature is a fully aggregated refund signature for one leaf.
type LeafRefundSignature struct {
	LeafID            string `json:"leaf_id"`
	RefundTxSignature []byte `json:"refund_tx_signature"`
}

// FinalizeTransferRequest commits the transfer. After the operator accepts
// this message the sender's keys are tweaked away and the transfer can no
// longer be cancelled.
type FinalizeTransferRequest struct {
	TransferID             string                 `json:"transfer_id"`
	OwnerIdentityPublicKey keys.Public            `json:"owner_identity_public_key"`
	LeafSignatures         []*LeafRefundSignature `json:"leaf_signatures"`
}

type FinalizeTransferResponse struct {
	Transfer *Transfer `json:"transfer"`
}

// CancelTransferRequest withdraws a transfer that has not yet been committed.
type CancelTransferRequest struct {
	TransferID              string      `json:"transfer_id"`
	SenderIdentityPublicKey keys.Public `json:"sender_identity_public_key"`
}

type CancelTransferResponse struct {
	Transfer *Transfer `json:"transfer"`
}

// TransferStatusRequest queries a transfer by id. Used as the only safe retry
// after a commit attempt with an unknown outcome.
type TransferStatusRequest struct {
	TransferID        string      `json:"transfer_id"`
	IdentityPublicKey keys.Public `json:"identity_public_key"`
}

type TransferStatusResponse struct {
	Transfer *Transfer `json:"transfer"`
}

// QueryTransfersRequest lists transfers addressed to this wallet, optionally
// filtered by wire status.
type QueryTransfersRequest struct {
	ReceiverIdentityPublicKey keys.Public `json:"receiver_identity_public_key"`
	Statuses                  []string    `json:"statuses,omitempty"`
}

type QueryTransfersResponse struct {
	Transfers []*Transfer `json:"transfers"`
}

// ClaimLeafKeyTweak carries the receiver-side key tweak shares applied when
// claiming an inbound transfer.
type ClaimLeafKeyTweak struct {
	LeafID            string                   `json:"leaf_id"`
	SecretShareTweak  *secretsharing.WireShare `json:"secret_share_tweak"`
	PubkeySharesTweak map[string][]byte        `json:"pubkey_shares_tweak"`
}

// ClaimTransferRequest claims an inbound transfer: tweaks the leaf keys to
// the receiver and asks for fresh refund signatures.
type ClaimTransferRequest struct {
	TransferID             string               `json:"transfer_id"`
	OwnerIdentityPublicKey keys.Public          `json:"owner_identity_public_key"`
	LeavesToClaim          []*ClaimLeafKeyTweak `json:"leaves_to_claim"`
	SigningJobs            []*SigningJob        `json:"signing_jobs"`
}

type ClaimTransferResponse struct {
	Transfer       *Transfer        `json:"transfer"`
	SigningResults []*SigningResult `json:"signing_results"`
}

// QueryLeavesRequest fetches the operator-reported leaf set for this wallet.
// The reconciliation engine diffs this against the local ledger.
type QueryLeavesRequest struct {
	OwnerIdentityPublicKey keys.Public `json:"owner_identity_public_key"`
	Network                string      `json:"network"`
}

type QueryLeavesResponse struct {
	Leaves []*TreeNode `json:"leaves"`
}

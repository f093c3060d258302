package rpc

import (
	"context"
)

// SigningStream is a bidirectional channel for multi-round signing exchanges
// with a single operator. Callers own the lifecycle: CloseSend after the last
// round, then drain Recv until io.EOF or the final Complete response.
type SigningStream interface {
	Send(*SignRoundRequest) error
	Recv() (*SignRoundResponse, error)
	CloseSend() error
}

// SessionClient is the logical message contract with one operator. It does no
// retrying and no deadline management of its own; callers bound every call
// with a context deadline and decide which failures are safe to retry.
//
// Failures surface as typed errors: an unreachable operator maps to
// OPERATOR_UNREACHABLE, a deadline to TIMEOUT, and anything the operator
// itself rejected keeps its status code with a FAILED_WITH_OPERATOR reason
// prefix.
type SessionClient interface {
	// StartTransfer opens a transfer. Idempotent on TransferID.
	StartTransfer(ctx context.Context, req *StartTransferRequest) (*StartTransferResponse, error)
	// SignRound submits one partial signature and returns collected shares.
	SignRound(ctx context.Context, req *SignRoundRequest) (*SignRoundResponse, error)
	// OpenSigningStream opens a bidirectional signing exchange for protocols
	// with more than one round per leaf.
	OpenSigningStream(ctx context.Context) (SigningStream, error)
	// FinalizeTransfer commits a transfer. Never retried blindly; after an
	// ambiguous failure callers must fall back to TransferStatus.
	FinalizeTransfer(ctx context.Context, req *FinalizeTransferRequest) (*FinalizeTransferResponse, error)
	// CancelTransfer withdraws a transfer not yet committed.
	CancelTransfer(ctx context.Context, req *CancelTransferRequest) (*CancelTransferResponse, error)
	// TransferStatus queries a transfer by id.
	TransferStatus(ctx context.Context, req *TransferStatusRequest) (*TransferStatusResponse, error)
	// QueryPendingTransfers lists transfers addressed to this wallet.
	QueryPendingTransfers(ctx context.Context, req *QueryTransfersRequest) (*QueryTransfersResponse, error)
	// ClaimTransfer claims an inbound transfer for this wallet.
	ClaimTransfer(ctx context.Context, req *ClaimTransferRequest) (*ClaimTransferResponse, error)
	// QueryLeaves fetches the operator-reported leaf set for this wallet.
	QueryLeaves(ctx context.Context, req *QueryLeavesRequest) (*QueryLeavesResponse, error)
}

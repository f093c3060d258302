package rpc

import (
	"context"
	"errors"
	"io"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	walleterrors "github.com/lightsparkdev/spark-wallet/errors"
)

const serviceName = "/sparkwallet.OperatorService/"

var signingStreamDesc = &grpc.StreamDesc{
	StreamName:    "SigningSession",
	ClientStreams: true,
	ServerStreams: true,
}

// grpcSessionClient implements SessionClient over a grpc connection using the
// wallet-json codec.
type grpcSessionClient struct {
	conn grpc.ClientConnInterface
}

// NewSessionClient returns a SessionClient speaking over conn. The connection
// is owned by the caller; closing it invalidates the client.
func NewSessionClient(conn grpc.ClientConnInterface) SessionClient {
	return &grpcSessionClient{conn: conn}
}

func (c *grpcSessionClient) invoke(ctx context.Context, method string, req, resp any) error {
	err := c.conn.Invoke(ctx, serviceName+method, req, resp, grpc.CallContentSubtype(CodecName))
	return mapTransportError(err)
}

func (c *grpcSessionClient) StartTransfer(ctx context.Context, req *StartTransferRequest) (*StartTransferResponse, error) {
	resp := &StartTransferResponse{}
	if err := c.invoke(ctx, "StartTransfer", req, resp); err != nil {
		return nil, err
	}
	return resp, nil
}

func (c *grpcSessionClient) SignRound(ctx context.Context, req *SignRoundRequest) (*SignRoundResponse, error) {
	resp := &SignRoundResponse{}
	if err := c.invoke(ctx, "SignRound", req, resp); err != nil {
		return nil, err
	}
	return resp, nil
}

func (c *grpcSessionClient) OpenSigningStream(ctx context.Context) (SigningStream, error) {
	stream, err := c.conn.NewStream(ctx, signingStreamDesc, serviceName+"SigningSession", grpc.CallContentSubtype(CodecName))
	if err != nil {
		return nil, mapTransportError(err)
	}
	return &grpcSigningStream{stream: stream}, nil
}

func (c *grpcSessionClient) FinalizeTransfer(ctx context.Context, req *FinalizeTransferRequest) (*FinalizeTransferResponse, error) {
	resp := &FinalizeTransferResponse{}
	if err := c.invoke(ctx, "FinalizeTransfer", req, resp); err != nil {
		return nil, err
	}
	return resp, nil
}

func (c *grpcSessionClient) CancelTransfer(ctx context.Context, req *CancelTransferRequest) (*CancelTransferResponse, error) {
	resp := &CancelTransferResponse{}
	if err := c.invoke(ctx, "CancelTransfer", req, resp); err != nil {
		return nil, err
	}
	return resp, nil
}

func (c *grpcSessionClient) TransferStatus(ctx context.Context, req *TransferStatusRequest) (*TransferStatusResponse, error) {
	resp := &TransferStatusResponse{}
	if err := c.invoke(ctx, "TransferStatus", req, resp); err != nil {
		return nil, err
	}
	return resp, nil
}

func (c *grpcSessionClient) QueryPendingTransfers(ctx context.Context, req *QueryTransfersRequest) (*QueryTransfersResponse, error) {
	resp := &QueryTransfersResponse{}
	if err := c.invoke(ctx, "QueryPendingTransfers", req, resp); err != nil {
		return nil, err
	}
	return resp, nil
}

func (c *grpcSessionClient) ClaimTransfer(ctx context.Context, req *ClaimTransferRequest) (*ClaimTransferResponse, error) {
	resp := &ClaimTransferResponse{}
	if err := c.invoke(ctx, "ClaimTransfer", req, resp); err != nil {
		return nil, err
	}
	return resp, nil
}

func (c *grpcSessionClient) QueryLeaves(ctx context.Context, req *QueryLeavesRequest) (*QueryLeavesResponse, error) {
	resp := &QueryLeavesResponse{}
	if err := c.invoke(ctx, "QueryLeaves", req, resp); err != nil {
		return nil, err
	}
	return resp, nil
}

type grpcSigningStream struct {
	stream grpc.ClientStream
}

func (s *grpcSigningStream) Send(req *SignRoundRequest) error {
	return mapTransportError(s.stream.SendMsg(req))
}

func (s *grpcSigningStream) Recv() (*SignRoundResponse, error) {
	resp := &SignRoundResponse{}
	if err := s.stream.RecvMsg(resp); err != nil {
		return nil, mapTransportError(err)
	}
	return resp, nil
}

func (s *grpcSigningStream) CloseSend() error {
	return mapTransportError(s.stream.CloseSend())
}

// mapTransportError turns raw grpc failures into the typed errors callers
// classify on. Operator-side rejections keep their code and gain a
// FAILED_WITH_OPERATOR reason prefix so local and relayed failures stay
// distinguishable.
func mapTransportError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, io.EOF) {
		return err
	}
	switch status.Code(err) {
	case codes.Unavailable:
		return walleterrors.UnavailableOperator(err)
	case codes.DeadlineExceeded:
		return walleterrors.DeadlineExceededTimeout(err)
	case codes.Canceled:
		return err
	default:
		return walleterrors.WrapErrorWithReasonPrefix(err, walleterrors.ErrorReasonPrefixFailedWithOperator)
	}
}

package errors

import (
	"errors"
	"fmt"

	"google.golang.org/genproto/googleapis/rpc/errdetails"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// grpcError wraps an error with a gRPC status code and a machine-readable
// reason. The reason travels as an ErrorInfo detail on the status so it
// survives a trip over the wire.
type grpcError struct {
	code   codes.Code
	err    error
	reason string
}

func newGRPCError(code codes.Code, err error, reason string) error {
	return &grpcError{code: code, err: err, reason: reason}
}

func (e *grpcError) Error() string {
	return e.err.Error()
}

func (e *grpcError) Unwrap() error {
	return e.err
}

// GRPCStatus implements the interface status.FromError looks for, so
// status.Convert on a grpcError yields the right code and details.
func (e *grpcError) GRPCStatus() *status.Status {
	st := status.New(e.code, e.err.Error())
	if e.reason == "" {
		return st
	}
	withDetails, err := st.WithDetails(&errdetails.ErrorInfo{Reason: e.reason})
	if err != nil {
		return st
	}
	return withDetails
}

// CodeAndReasonFrom extracts the gRPC code and the ErrorInfo reason from an
// error. Works for both locally constructed errors and statuses received from
// an operator. The reason is empty when the error carries none.
func CodeAndReasonFrom(err error) (codes.Code, string) {
	var ge *grpcError
	if errors.As(err, &ge) {
		return ge.code, ge.reason
	}

	st := status.Convert(err)
	for _, d := range st.Details() {
		if info, ok := d.(*errdetails.ErrorInfo); ok {
			return st.Code(), info.GetReason()
		}
	}
	return st.Code(), ""
}

// WrapErrorWithMessage prepends a message to the error while preserving its
// code and reason.
func WrapErrorWithMessage(err error, message string) error {
	if err == nil {
		return nil
	}
	code, reason := CodeAndReasonFrom(err)
	return newGRPCError(code, fmt.Errorf("%s: %w", message, err), reason)
}

// WrapErrorWithCode replaces the error's code. The reason is reset because it
// described the old code.
func WrapErrorWithCode(err error, code codes.Code) error {
	if err == nil {
		return nil
	}
	return newGRPCError(code, err, "")
}

// WrapErrorWithCodeAndReason replaces both the error's code and reason.
func WrapErrorWithCodeAndReason(err error, code codes.Code, reason string) error {
	if err == nil {
		return nil
	}
	return newGRPCError(code, err, reason)
}

// WrapErrorWithReasonPrefix prefixes the error's reason, keeping the original
// reason after a colon when one exists. Used when relaying an operator's
// failure so the caller can tell local failures from relayed ones.
func WrapErrorWithReasonPrefix(err error, prefix string) error {
	if err == nil {
		return nil
	}
	code, reason := CodeAndReasonFrom(err)
	if reason != "" {
		reason = fmt.Sprintf("%s:%s", prefix, reason)
	} else {
		reason = prefix
	}
	return newGRPCError(code, err, reason)
}

// Error is implemented by errors that know their own gRPC representation.
type Error interface {
	error
	ToGRPCError() error
}

// toGRPCError normalizes an error into a gRPC status error. Errors without a
// status become Internal.
func toGRPCError(err error) error {
	if err == nil {
		return nil
	}

	var ge *grpcError
	if errors.As(err, &ge) {
		return ge
	}
	var custom Error
	if errors.As(err, &custom) {
		return custom.ToGRPCError()
	}
	if _, ok := status.FromError(err); ok {
		return err
	}
	return newGRPCError(codes.Internal, err, "")
}

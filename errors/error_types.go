package errors

import (
	"fmt"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Canonical reason constants for ErrorInfo.Reason. Keep stable, UPPER_SNAKE_CASE. All errors should have a grpc error code prefix.
const (
	ReasonInternalDatabaseError  = "DATABASE_ERROR"
	ReasonInternalSignerError    = "SIGNER_ERROR"
	ReasonInternalUnhandledError = "UNHANDLED_ERROR"

	ReasonInvalidArgumentMissingField   = "MISSING_FIELD"
	ReasonInvalidArgumentMalformedField = "MALFORMED_FIELD"
	ReasonInvalidArgumentMalformedKey   = "MALFORMED_KEY"

	ReasonFailedPreconditionBadSignature   = "BAD_SIGNATURE"
	ReasonFailedPreconditionInvalidState   = "INVALID_STATE"
	ReasonFailedPreconditionExpired        = "EXPIRED"
	ReasonFailedPreconditionValueMismatch  = "VALUE_MISMATCH"
	ReasonFailedPreconditionTooLate        = "TOO_LATE_TO_CANCEL"
	ReasonFailedPreconditionKeyUnavailable = "KEY_UNAVAILABLE"

	ReasonAbortedLeafPreempted     = "LEAF_PREEMPTED"
	ReasonAbortedTransferPreempted = "TRANSFER_PREEMPTED"

	ReasonAlreadyExistsDuplicateOperation = "DUPLICATE_OPERATION"

	ReasonNotFoundMissingEntity = "MISSING_ENTITY"

	ReasonUnavailableOperator  = "OPERATOR_UNREACHABLE"
	ReasonUnavailableDataStore = "DATA_STORE_UNAVAILABLE"

	ReasonDeadlineExceededTimeout        = "TIMEOUT"
	ReasonDeadlineExceededSessionExpired = "SESSION_EXPIRED"

	ReasonUnknownAmbiguousOutcome = "AMBIGUOUS_OUTCOME"

	// ErrorReasonPrefixFailedWithOperator is a prefix for errors that occur when
	// a call to a signing operator fails. The underlying reason from the
	// operator should be appended after a colon.
	ErrorReasonPrefixFailedWithOperator = "FAILED_WITH_OPERATOR"
)

func InternalDatabaseError(err error) error {
	return newGRPCError(codes.Internal, err, ReasonInternalDatabaseError)
}

func InternalSignerError(err error) error {
	return newGRPCError(codes.Internal, err, ReasonInternalSignerError)
}

func InternalUnhandledError(err error) error {
	return newGRPCError(codes.Internal, err, ReasonInternalUnhandledError)
}

func InvalidArgumentMissingField(err error) error {
	return newGRPCError(codes.InvalidArgument, err, ReasonInvalidArgumentMissingField)
}

func InvalidArgumentMalformedField(err error) error {
	return newGRPCError(codes.InvalidArgument, err, ReasonInvalidArgumentMalformedField)
}

func InvalidArgumentMalformedKey(err error) error {
	return newGRPCError(codes.InvalidArgument, err, ReasonInvalidArgumentMalformedKey)
}

func FailedPreconditionBadSignature(err error) error {
	return newGRPCError(codes.FailedPrecondition, err, ReasonFailedPreconditionBadSignature)
}

func FailedPreconditionInvalidState(err error) error {
	return newGRPCError(codes.FailedPrecondition, err, ReasonFailedPreconditionInvalidState)
}

func FailedPreconditionExpired(err error) error {
	return newGRPCError(codes.FailedPrecondition, err, ReasonFailedPreconditionExpired)
}

func FailedPreconditionValueMismatch(err error) error {
	return newGRPCError(codes.FailedPrecondition, err, ReasonFailedPreconditionValueMismatch)
}

func FailedPreconditionTooLate(err error) error {
	return newGRPCError(codes.FailedPrecondition, err, ReasonFailedPreconditionTooLate)
}

func FailedPreconditionKeyUnavailable(err error) error {
	return newGRPCError(codes.FailedPrecondition, err, ReasonFailedPreconditionKeyUnavailable)
}

func AbortedLeafPreempted(err error) error {
	return newGRPCError(codes.Aborted, err, ReasonAbortedLeafPreempted)
}

func AbortedTransferPreempted(err error) error {
	return newGRPCError(codes.Aborted, err, ReasonAbortedTransferPreempted)
}

func AlreadyExistsDuplicateOperation(err error) error {
	return newGRPCError(codes.AlreadyExists, err, ReasonAlreadyExistsDuplicateOperation)
}

func NotFoundMissingEntity(err error) error {
	return newGRPCError(codes.NotFound, err, ReasonNotFoundMissingEntity)
}

func UnavailableOperator(err error) error {
	return newGRPCError(codes.Unavailable, err, ReasonUnavailableOperator)
}

func UnavailableDataStore(err error) error {
	return newGRPCError(codes.Unavailable, err, ReasonUnavailableDataStore)
}

func DeadlineExceededTimeout(err error) error {
	return newGRPCError(codes.DeadlineExceeded, err, ReasonDeadlineExceededTimeout)
}

func DeadlineExceededSessionExpired(err error) error {
	return newGRPCError(codes.DeadlineExceeded, err, ReasonDeadlineExceededSessionExpired)
}

func UnknownAmbiguousOutcome(err error) error {
	return newGRPCError(codes.Unknown, err, ReasonUnknownAmbiguousOutcome)
}

func InvalidUserInputErrorf(format string, args ...any) error {
	return newGRPCError(codes.InvalidArgument, fmt.Errorf(format, args...), "")
}

func FailedPreconditionErrorf(format string, args ...any) error {
	return newGRPCError(codes.FailedPrecondition, fmt.Errorf(format, args...), "")
}

func NotFoundErrorf(format string, args ...any) error {
	return newGRPCError(codes.NotFound, fmt.Errorf(format, args...), "")
}

func UnavailableErrorf(format string, args ...any) error {
	return newGRPCError(codes.Unavailable, fmt.Errorf(format, args...), "")
}

func InternalErrorf(format string, args ...any) error {
	return newGRPCError(codes.Internal, fmt.Errorf(format, args...), "")
}

// IsTransient reports whether the error is worth retrying with the same
// arguments: the operator was unreachable, timed out, or asked us to back off.
func IsTransient(err error) bool {
	switch status.Convert(err).Code() {
	case codes.Unavailable, codes.DeadlineExceeded, codes.ResourceExhausted:
		return true
	}
	return false
}

// IsConflict reports whether the error means a concurrent operation won a race
// for the same resource. Retrying with the same arguments will not help; the
// caller should re-read state and re-plan.
func IsConflict(err error) bool {
	switch status.Convert(err).Code() {
	case codes.Aborted, codes.AlreadyExists:
		return true
	case codes.FailedPrecondition:
		_, reason := CodeAndReasonFrom(err)
		return reason == ReasonFailedPreconditionInvalidState || reason == ReasonFailedPreconditionTooLate
	}
	return false
}

// IsProtocolViolation reports whether a counterparty or operator produced
// output that fails verification. These are never retried.
func IsProtocolViolation(err error) bool {
	code, reason := CodeAndReasonFrom(err)
	if code == codes.InvalidArgument {
		return true
	}
	return code == codes.FailedPrecondition &&
		(reason == ReasonFailedPreconditionBadSignature || reason == ReasonFailedPreconditionValueMismatch)
}

// IsExpired reports whether the operation's time window has closed.
func IsExpired(err error) bool {
	_, reason := CodeAndReasonFrom(err)
	return reason == ReasonFailedPreconditionExpired || reason == ReasonDeadlineExceededSessionExpired
}

// IsAmbiguous reports whether the outcome of the operation is unknown, for
// example a commit call that timed out after the request may have been
// applied. Ambiguous errors must be resolved by querying, never by resending.
func IsAmbiguous(err error) bool {
	_, reason := CodeAndReasonFrom(err)
	return reason == ReasonUnknownAmbiguousOutcome
}

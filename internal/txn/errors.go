package txn

import (
	"context"
	"errors"
	"strconv"

	"google.golang.org/genproto/googleapis/rpc/errdetails"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// ErrorDomain tags error details produced by this module.
const ErrorDomain = "disttx"

var (
	ErrInvalidArgument     = errors.New("invalid argument")
	ErrNotFound            = errors.New("transaction not found")
	ErrParticipantNotFound = errors.New("participant not found")
	ErrAlreadyRunning      = errors.New("transaction already running")
	ErrTransactionFinished = errors.New("transaction finished")
	ErrResourcePreempted   = errors.New("resource preempted")
	ErrStaleVersion        = errors.New("stale version")
	ErrServerShuttingDown  = errors.New("server shutting down")
	ErrPack                = errors.New("pack failed")
	ErrUnpack              = errors.New("unpack failed")
	ErrRouterUnavailable   = errors.New("router unavailable")
)

type errorKind struct {
	err    error
	reason string
	code   codes.Code
}

var errorKinds = []errorKind{
	{ErrInvalidArgument, "INVALID_ARGUMENT", codes.InvalidArgument},
	{ErrNotFound, "NOT_FOUND", codes.NotFound},
	{ErrParticipantNotFound, "PARTICIPANT_NOT_FOUND", codes.NotFound},
	{ErrAlreadyRunning, "ALREADY_RUNNING", codes.FailedPrecondition},
	{ErrTransactionFinished, "TRANSACTION_FINISHED", codes.FailedPrecondition},
	{ErrResourcePreempted, "RESOURCE_PREEMPTED", codes.Aborted},
	{ErrStaleVersion, "STALE_VERSION", codes.Aborted},
	{ErrServerShuttingDown, "SERVER_SHUTTING_DOWN", codes.Unavailable},
	{ErrPack, "PACK", codes.Internal},
	{ErrUnpack, "UNPACK", codes.Internal},
	{ErrRouterUnavailable, "ROUTER_UNAVAILABLE", codes.Unavailable},
}

// FailureReason describes why a participant refused to prepare.
type FailureReason struct {
	AllowRetry     bool
	LockedResource string
}

// PrepareError is a prepare failure with the participant's reason attached.
type PrepareError struct {
	Err    error
	Reason FailureReason
}

func (e *PrepareError) Error() string {
	if e.Reason.LockedResource == "" {
		return e.Err.Error()
	}
	return e.Err.Error() + " (resource " + e.Reason.LockedResource + ")"
}

func (e *PrepareError) Unwrap() error { return e.Err }

// Retryable reports whether a prepare failure lets the client retry the whole round.
func Retryable(err error) bool {
	if !errors.Is(err, ErrResourcePreempted) {
		return false
	}
	var pe *PrepareError
	if errors.As(err, &pe) {
		return pe.Reason.AllowRetry
	}
	return true
}

const (
	metaAllowRetry     = "allow_retry"
	metaLockedResource = "locked_resource"
)

// remoteError is an error kind recovered from a gRPC status.
type remoteError struct {
	kind error
	msg  string
}

func (e *remoteError) Error() string { return e.msg }
func (e *remoteError) Unwrap() error { return e.kind }

// ToStatus converts err into a gRPC status error carrying its kind as an ErrorInfo reason.
func ToStatus(err error) error {
	if err == nil {
		return nil
	}
	for _, k := range errorKinds {
		if !errors.Is(err, k.err) {
			continue
		}
		info := &errdetails.ErrorInfo{Reason: k.reason, Domain: ErrorDomain}
		var pe *PrepareError
		if errors.As(err, &pe) {
			info.Metadata = map[string]string{
				metaAllowRetry:     strconv.FormatBool(pe.Reason.AllowRetry),
				metaLockedResource: pe.Reason.LockedResource,
			}
		}
		st := status.New(k.code, err.Error())
		if detailed, derr := st.WithDetails(info); derr == nil {
			st = detailed
		}
		return st.Err()
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return status.FromContextError(err).Err()
	}
	if _, ok := status.FromError(err); ok {
		return err
	}
	return status.Error(codes.Internal, err.Error())
}

// FromStatus maps a gRPC status error back to its error kind.
// Errors without kind details (transport failures) are returned unchanged.
func FromStatus(err error) error {
	if err == nil {
		return nil
	}
	st, ok := status.FromError(err)
	if !ok {
		return err
	}
	for _, d := range st.Details() {
		info, ok := d.(*errdetails.ErrorInfo)
		if !ok || info.GetDomain() != ErrorDomain {
			continue
		}
		for _, k := range errorKinds {
			if k.reason != info.GetReason() {
				continue
			}
			remote := &remoteError{kind: k.err, msg: st.Message()}
			allow, ok := info.GetMetadata()[metaAllowRetry]
			if !ok {
				return remote
			}
			retry, _ := strconv.ParseBool(allow)
			return &PrepareError{Err: remote, Reason: FailureReason{
				AllowRetry:     retry,
				LockedResource: info.GetMetadata()[metaLockedResource],
			}}
		}
	}
	return err
}

// IsNotFound reports whether err means the transaction or participant is gone.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound) || errors.Is(err, ErrParticipantNotFound)
}

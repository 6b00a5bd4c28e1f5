package remote

import "fmt"

// ErrorCode is the server's failure taxonomy, carried on stream error
// frames.
type ErrorCode byte

const (
	CodeOK ErrorCode = iota
	CodeCancelled
	CodeUnknown
	CodeInvalidArgument
	CodeDeadlineExceeded
	CodeNotFound
	CodeAlreadyExists
	CodePermissionDenied
	CodeResourceExhausted
	CodeFailedPrecondition
	CodeAborted
	CodeOutOfRange
	CodeUnimplemented
	CodeInternal
	CodeUnavailable
	CodeDataLoss
	CodeUnauthenticated
)

// RPCError is a structured failure from the backend.
type RPCError struct {
	Code    ErrorCode
	Message string
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("driftdb: rpc error %d: %s", e.Code, e.Message)
}

// IsPermanentError reports whether retrying the stream as-is cannot
// help. Unavailable and friends are transient; unauthenticated is
// special-cased by the streams, which refresh credentials first.
func IsPermanentError(code ErrorCode) bool {
	switch code {
	case CodeOK:
		panic("driftdb: treated success as error")
	case CodeCancelled, CodeUnknown, CodeDeadlineExceeded, CodeResourceExhausted,
		CodeInternal, CodeUnavailable, CodeUnauthenticated:
		return false
	default:
		return true
	}
}

// IsPermanentWriteError additionally treats aborted as retryable: an
// aborted write commit can be resent on a fresh stream.
func IsPermanentWriteError(code ErrorCode) bool {
	return IsPermanentError(code) && code != CodeAborted
}

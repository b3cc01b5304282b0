package domain

import (
	"errors"
	"fmt"
)

// Category sentinels, used with NewSubSystemError for subsystem-specific errors.
var (
	ErrNotFound     = fmt.Errorf("not found")
	ErrDuplicate    = fmt.Errorf("duplicate")
	ErrTimeout      = fmt.Errorf("operation timed out")
	ErrInvalidInput = fmt.Errorf("invalid input")
	ErrUnavailable  = fmt.Errorf("unavailable")
)

// Protocol and transport sentinels.
var (
	// ErrDecode marks a frame that could not be parsed. Decode errors are
	// logged and the frame dropped; the stream continues.
	ErrDecode = fmt.Errorf("frame decode failed")
	// ErrSendFailed marks a transport write that was rejected or attempted
	// while the transport was not open.
	ErrSendFailed = fmt.Errorf("frame send failed")
	// ErrNetwork is the only query failure surfaced to callers: retries were
	// exhausted or the connection went away mid-stream.
	ErrNetwork = fmt.Errorf("network error")
	// ErrConnectionClosed marks operations on a torn-down socket.
	ErrConnectionClosed = fmt.Errorf("connection closed")
	// ErrHandshake marks a transport that rejected the opening handshake.
	ErrHandshake = fmt.Errorf("connection handshake failed")

	ErrDuplicateSubscription = fmt.Errorf("subscription id already in flight: %w", ErrDuplicate)
	ErrNoSigner              = fmt.Errorf("no signer configured")
	ErrSignFailed            = fmt.Errorf("signing failed")
)

// Endpoint configuration sentinels.
var (
	// ErrConfigFetch marks a failed remote endpoint-config fetch. It never
	// escapes the endpoint store.
	ErrConfigFetch        = fmt.Errorf("endpoint config fetch failed")
	ErrConfigInvalid      = fmt.Errorf("endpoint config document invalid")
	ErrUnknownServerClass = fmt.Errorf("unknown server class")
	ErrConfigLoad         = fmt.Errorf("failed to load configuration")
	ErrStorage            = fmt.Errorf("key-value storage failed")
)

// DomainError wraps a sentinel error with context.
type DomainError struct {
	Op        string // operation name (e.g., "Socket.SendReq")
	Err       error  // underlying sentinel or wrapped error
	Detail    string // human-readable detail
	SubSystem string // subsystem identifier (e.g., "socket", "endpoint"); used for ErrorCode dispatch
}

func (e *DomainError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("%s: %s: %s", e.Op, e.Detail, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Err)
}

func (e *DomainError) Unwrap() error { return e.Err }

// NewDomainError creates a new DomainError.
func NewDomainError(op string, err error, detail string) *DomainError {
	return &DomainError{Op: op, Err: err, Detail: detail}
}

// NewSubSystemError creates a DomainError tagged with a subsystem for ErrorCode dispatch.
func NewSubSystemError(subsystem, op string, err error, detail string) *DomainError {
	return &DomainError{Op: op, Err: err, Detail: detail, SubSystem: subsystem}
}

// WrapOp adds operation context to an error using fmt.Errorf wrapping.
// Returns nil if err is nil, enabling idiomatic use: return domain.WrapOp("op", err)
func WrapOp(op string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", op, err)
}

// IsRetryableError reports whether err is a transient transport error that
// may succeed against a rebuilt connection.
func IsRetryableError(err error) bool {
	return errors.Is(err, ErrSendFailed) ||
		errors.Is(err, ErrHandshake) ||
		errors.Is(err, ErrConnectionClosed)
}

// ErrorCode is a machine-parseable error category for monitoring and alerting.
type ErrorCode string

const (
	CodeUnknown               ErrorCode = "UNKNOWN"
	CodeDecode                ErrorCode = "DECODE"
	CodeSendFailed            ErrorCode = "SEND_FAILED"
	CodeNetwork               ErrorCode = "NETWORK"
	CodeConnectionClosed      ErrorCode = "CONNECTION_CLOSED"
	CodeHandshake             ErrorCode = "HANDSHAKE"
	CodeDuplicateSubscription ErrorCode = "DUPLICATE_SUBSCRIPTION"
	CodeNoSigner              ErrorCode = "NO_SIGNER"
	CodeSignFailed            ErrorCode = "SIGN_FAILED"
	CodeConfigFetch           ErrorCode = "CONFIG_FETCH"
	CodeConfigInvalid         ErrorCode = "CONFIG_INVALID"
	CodeUnknownServerClass    ErrorCode = "UNKNOWN_SERVER_CLASS"
	CodeConfigLoad            ErrorCode = "CONFIG_LOAD"
	CodeStorage               ErrorCode = "STORAGE"

	// Subsystem-specific codes used by subSystemCodeMap.
	CodeOverrideNotFound ErrorCode = "OVERRIDE_NOT_FOUND"
	CodeFetchTimeout     ErrorCode = "FETCH_TIMEOUT"
	CodeRelayTimeout     ErrorCode = "RELAY_TIMEOUT"
	CodeBreakerOpen      ErrorCode = "BREAKER_OPEN"

	// Category error codes: fallback codes when no subsystem-specific code matches.
	CodeNotFound     ErrorCode = "NOT_FOUND"
	CodeDuplicate    ErrorCode = "DUPLICATE"
	CodeTimeout      ErrorCode = "TIMEOUT"
	CodeInvalidInput ErrorCode = "INVALID_INPUT"
	CodeUnavailable  ErrorCode = "UNAVAILABLE"
)

// errorCodeMap maps sentinel errors to their machine-parseable codes.
var errorCodeMap = map[error]ErrorCode{
	ErrNotFound:     CodeNotFound,
	ErrDuplicate:    CodeDuplicate,
	ErrTimeout:      CodeTimeout,
	ErrInvalidInput: CodeInvalidInput,
	ErrUnavailable:  CodeUnavailable,

	ErrDecode:                CodeDecode,
	ErrSendFailed:            CodeSendFailed,
	ErrNetwork:               CodeNetwork,
	ErrConnectionClosed:      CodeConnectionClosed,
	ErrHandshake:             CodeHandshake,
	ErrDuplicateSubscription: CodeDuplicateSubscription,
	ErrNoSigner:              CodeNoSigner,
	ErrSignFailed:            CodeSignFailed,
	ErrConfigFetch:           CodeConfigFetch,
	ErrConfigInvalid:         CodeConfigInvalid,
	ErrUnknownServerClass:    CodeUnknownServerClass,
	ErrConfigLoad:            CodeConfigLoad,
	ErrStorage:               CodeStorage,
}

// subSystemCodeMap maps (category sentinel, subsystem) pairs to specific ErrorCodes.
var subSystemCodeMap = map[error]map[string]ErrorCode{
	ErrNotFound: {
		"endpoint": CodeOverrideNotFound,
	},
	ErrTimeout: {
		"configfetch": CodeFetchTimeout,
		"apiclient":   CodeRelayTimeout,
	},
	ErrUnavailable: {
		"configfetch": CodeBreakerOpen,
	},
}

// ErrorCodeOf returns the machine-parseable error code for the given error.
// It unwraps DomainError and uses errors.Is to match sentinel errors.
// Returns CodeUnknown if no matching sentinel is found.
func ErrorCodeOf(err error) ErrorCode {
	if err == nil {
		return CodeUnknown
	}

	if code, ok := errorCodeMap[err]; ok {
		return code
	}

	var de *DomainError
	if errors.As(err, &de) {
		if code := de.Code(); code != CodeUnknown {
			return code
		}
	}

	// Specific sentinels win over the category sentinels they wrap.
	for _, sentinel := range codePrecedence {
		if errors.Is(err, sentinel) {
			return errorCodeMap[sentinel]
		}
	}
	return CodeUnknown
}

// codePrecedence orders sentinels from most to least specific for chain walks.
var codePrecedence = []error{
	ErrNetwork,
	ErrDuplicateSubscription,
	ErrDecode,
	ErrSendFailed,
	ErrConnectionClosed,
	ErrHandshake,
	ErrNoSigner,
	ErrSignFailed,
	ErrConfigFetch,
	ErrConfigInvalid,
	ErrUnknownServerClass,
	ErrConfigLoad,
	ErrStorage,
	ErrNotFound,
	ErrDuplicate,
	ErrTimeout,
	ErrInvalidInput,
	ErrUnavailable,
}

// Code returns the ErrorCode for this DomainError's underlying sentinel.
// If SubSystem is set, checks the subSystemCodeMap for a specific code.
func (e *DomainError) Code() ErrorCode {
	if e.SubSystem != "" {
		if subsysMap, ok := subSystemCodeMap[e.Err]; ok {
			if code, ok := subsysMap[e.SubSystem]; ok {
				return code
			}
		}
	}
	if code, ok := errorCodeMap[e.Err]; ok {
		return code
	}
	return CodeUnknown
}

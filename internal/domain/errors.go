package domain

import (
	"errors"
	"fmt"
)

// Category sentinels — use with NewSubSystemError for subsystem-specific errors.
var (
	ErrNotFound         = fmt.Errorf("not found")
	ErrDuplicate        = fmt.Errorf("duplicate")
	ErrTimeout          = fmt.Errorf("operation timed out")
	ErrPermissionDenied = fmt.Errorf("permission denied")
	ErrInvalidInput     = fmt.Errorf("invalid input")
	ErrUnavailable      = fmt.Errorf("unavailable")
)

// Sentinel errors for the domain layer.
var (
	// Bridge protocol errors.
	ErrTransportUnavailable = fmt.Errorf("bridge transport unavailable")
	ErrRequestTimeout       = fmt.Errorf("bridge request timed out")
	ErrHandlerNotFound      = fmt.Errorf("bridge handler not found")
	ErrMalformedMessage     = fmt.Errorf("bridge message malformed")
	ErrChannelReset         = fmt.Errorf("bridge channel reset")
	ErrChannelClosed        = fmt.Errorf("bridge channel closed")
	ErrVerbInvalid          = fmt.Errorf("bridge verb invalid")

	// Record repository errors.
	ErrRecordNotFound     = fmt.Errorf("record not found")
	ErrAttachmentNotFound = fmt.Errorf("attachment not found")
	ErrRecordFinalized    = fmt.Errorf("record already finalized")

	// Form specification errors.
	ErrFormNotFound      = fmt.Errorf("form specification not found")
	ErrFormSchemaInvalid = fmt.Errorf("form schema invalid")
	ErrPayloadInvalid    = fmt.Errorf("payload failed schema validation")

	// Capability errors.
	ErrCaptureCancelled   = fmt.Errorf("capture cancelled by user")
	ErrCapabilityDisabled = fmt.Errorf("capability disabled")
	ErrCapabilityUnknown  = fmt.Errorf("capability not registered")

	// Sync errors.
	ErrSyncAuth        = fmt.Errorf("sync authentication failed")
	ErrSyncUnavailable = fmt.Errorf("sync server unavailable")
	ErrSyncConflict    = fmt.Errorf("sync conflict")

	// Secret handling errors.
	ErrDecryption = fmt.Errorf("decryption failed")
)

// DomainError wraps a sentinel error with context.
type DomainError struct {
	Op        string // operation name (e.g., "Channel.Invoke")
	Err       error  // underlying sentinel or wrapped error
	Detail    string // human-readable detail
	SubSystem string // subsystem identifier (e.g., "bridge", "store")
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

// NewSubSystemError creates a DomainError tagged with a subsystem for
// ErrorCode dispatch.
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

// IsRetryableError reports whether err is a transient error that may
// succeed on retry. A timed-out bridge request may be re-issued by the
// caller; a reset or closed channel may not.
func IsRetryableError(err error) bool {
	return errors.Is(err, ErrRequestTimeout) || errors.Is(err, ErrSyncUnavailable)
}

// ErrorCode is a machine-parseable error category for monitoring and alerting.
type ErrorCode string

// Error codes grouped by subsystem. Every sentinel error maps to exactly one code.
const (
	CodeUnknown              ErrorCode = "UNKNOWN"
	CodeTransportUnavailable ErrorCode = "TRANSPORT_UNAVAILABLE"
	CodeRequestTimeout       ErrorCode = "REQUEST_TIMEOUT"
	CodeHandlerNotFound      ErrorCode = "HANDLER_NOT_FOUND"
	CodeMalformedMessage     ErrorCode = "MALFORMED_MESSAGE"
	CodeChannelReset         ErrorCode = "CHANNEL_RESET"
	CodeChannelClosed        ErrorCode = "CHANNEL_CLOSED"
	CodeVerbInvalid          ErrorCode = "VERB_INVALID"
	CodeRecordNotFound       ErrorCode = "RECORD_NOT_FOUND"
	CodeAttachmentNotFound   ErrorCode = "ATTACHMENT_NOT_FOUND"
	CodeRecordFinalized      ErrorCode = "RECORD_FINALIZED"
	CodeFormNotFound         ErrorCode = "FORM_NOT_FOUND"
	CodeFormSchemaInvalid    ErrorCode = "FORM_SCHEMA_INVALID"
	CodePayloadInvalid       ErrorCode = "PAYLOAD_INVALID"
	CodeCaptureCancelled     ErrorCode = "CAPTURE_CANCELLED"
	CodeCapabilityDisabled   ErrorCode = "CAPABILITY_DISABLED"
	CodeCapabilityUnknown    ErrorCode = "CAPABILITY_UNKNOWN"
	CodeSyncAuth             ErrorCode = "SYNC_AUTH"
	CodeSyncUnavailable      ErrorCode = "SYNC_UNAVAILABLE"
	CodeSyncConflict         ErrorCode = "SYNC_CONFLICT"
	CodeDecryption           ErrorCode = "DECRYPTION"

	// Category fallback codes.
	CodeNotFound         ErrorCode = "NOT_FOUND"
	CodeDuplicate        ErrorCode = "DUPLICATE"
	CodeTimeout          ErrorCode = "TIMEOUT"
	CodePermissionDenied ErrorCode = "PERMISSION_DENIED"
	CodeInvalidInput     ErrorCode = "INVALID_INPUT"
	CodeUnavailable      ErrorCode = "UNAVAILABLE"
)

// errorCodeMap maps sentinel errors to their machine-parseable codes.
var errorCodeMap = map[error]ErrorCode{
	ErrNotFound:         CodeNotFound,
	ErrDuplicate:        CodeDuplicate,
	ErrTimeout:          CodeTimeout,
	ErrPermissionDenied: CodePermissionDenied,
	ErrInvalidInput:     CodeInvalidInput,
	ErrUnavailable:      CodeUnavailable,

	ErrTransportUnavailable: CodeTransportUnavailable,
	ErrRequestTimeout:       CodeRequestTimeout,
	ErrHandlerNotFound:      CodeHandlerNotFound,
	ErrMalformedMessage:     CodeMalformedMessage,
	ErrChannelReset:         CodeChannelReset,
	ErrChannelClosed:        CodeChannelClosed,
	ErrVerbInvalid:          CodeVerbInvalid,
	ErrRecordNotFound:       CodeRecordNotFound,
	ErrAttachmentNotFound:   CodeAttachmentNotFound,
	ErrRecordFinalized:      CodeRecordFinalized,
	ErrFormNotFound:         CodeFormNotFound,
	ErrFormSchemaInvalid:    CodeFormSchemaInvalid,
	ErrPayloadInvalid:       CodePayloadInvalid,
	ErrCaptureCancelled:     CodeCaptureCancelled,
	ErrCapabilityDisabled:   CodeCapabilityDisabled,
	ErrCapabilityUnknown:    CodeCapabilityUnknown,
	ErrSyncAuth:             CodeSyncAuth,
	ErrSyncUnavailable:      CodeSyncUnavailable,
	ErrSyncConflict:         CodeSyncConflict,
	ErrDecryption:           CodeDecryption,
}

// subSystemCodeMap maps (category sentinel, subsystem) pairs to specific
// ErrorCodes, so NewSubSystemError-based errors resolve to the same
// monitoring codes as the specific sentinels.
var subSystemCodeMap = map[error]map[string]ErrorCode{
	ErrNotFound: {
		"record":     CodeRecordNotFound,
		"attachment": CodeAttachmentNotFound,
		"form":       CodeFormNotFound,
		"handler":    CodeHandlerNotFound,
	},
	ErrTimeout: {
		"bridge": CodeRequestTimeout,
	},
	ErrInvalidInput: {
		"form":   CodeFormSchemaInvalid,
		"bridge": CodeMalformedMessage,
	},
	ErrUnavailable: {
		"bridge": CodeTransportUnavailable,
		"sync":   CodeSyncUnavailable,
	},
}

// ErrorCodeOf returns the machine-parseable error code for the given error.
// It unwraps DomainError and uses errors.Is to match sentinel errors.
// Returns CodeUnknown if no matching sentinel is found.
func ErrorCodeOf(err error) ErrorCode {
	if err == nil {
		return CodeUnknown
	}

	// Fast path: direct sentinel lookup.
	if code, ok := errorCodeMap[err]; ok {
		return code
	}

	var de *DomainError
	if errors.As(err, &de) {
		return de.Code()
	}

	// Walk the error chain with errors.Is.
	for sentinel, code := range errorCodeMap {
		if errors.Is(err, sentinel) {
			return code
		}
	}

	return CodeUnknown
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
	for sentinel, code := range errorCodeMap {
		if errors.Is(e.Err, sentinel) {
			return code
		}
	}
	return CodeUnknown
}

package domain

import (
	"errors"
	"fmt"
)

// Category sentinels. Use with NewSubSystemError for subsystem-specific errors.
var (
	ErrNotFound     = fmt.Errorf("not found")
	ErrTimeout      = fmt.Errorf("operation timed out")
	ErrDisabled     = fmt.Errorf("disabled")
	ErrInvalidInput = fmt.Errorf("invalid input")
	ErrBusy         = fmt.Errorf("resource busy")
)

// Sentinel errors for the station.
var (
	ErrHardwareInit       = fmt.Errorf("hardware initialization failed")
	ErrDisplayClosed      = fmt.Errorf("display released")
	ErrPinRole            = fmt.Errorf("pin already claimed in another role")
	ErrCapture            = fmt.Errorf("image capture failed")
	ErrClassification     = fmt.Errorf("classification failed")
	ErrModelUnavailable   = fmt.Errorf("classifier model unavailable")
	ErrBackendUnreachable = fmt.Errorf("backend unreachable")
	ErrBackendStatus      = fmt.Errorf("backend returned error status")
	ErrSessionEnded       = fmt.Errorf("session ended")
	ErrStaleProcess       = fmt.Errorf("stale process holds display pins")
	ErrConfigLoad         = fmt.Errorf("failed to load configuration")
	ErrDecryption         = fmt.Errorf("decryption failed")
	ErrEncryption         = fmt.Errorf("encryption operation failed")
)

// Subsystem identifiers used with NewSubSystemError.
const (
	SubSystemDisplay    = "display"
	SubSystemPins       = "pins"
	SubSystemCamera     = "camera"
	SubSystemClassifier = "classifier"
	SubSystemBackend    = "backend"
)

// DomainError wraps a sentinel error with context.
type DomainError struct {
	Op        string // operation name (e.g., "Display.Open")
	Err       error  // underlying sentinel or wrapped error
	Detail    string // human-readable detail
	SubSystem string // subsystem identifier (e.g., "camera", "pins"); used for ErrorCode dispatch
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
// Use this with category sentinels (ErrNotFound, ErrTimeout, etc.) so that ErrorCodeOf
// can map the combination of sentinel + subsystem to a specific ErrorCode.
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

// IsFatal reports whether err must terminate the daemon.
func IsFatal(err error) bool {
	return errors.Is(err, ErrModelUnavailable)
}

// IsRetryableError reports whether err is a transient error that the daemon
// retries on its next poll or capture interval.
func IsRetryableError(err error) bool {
	return errors.Is(err, ErrCapture) ||
		errors.Is(err, ErrBackendUnreachable) ||
		errors.Is(err, ErrClassification)
}

// ErrorCode is a machine-parseable error category for monitoring and alerting.
type ErrorCode string

// Error codes. Every sentinel error maps to exactly one code.
const (
	CodeUnknown            ErrorCode = "UNKNOWN"
	CodeHardwareInit       ErrorCode = "HARDWARE_INIT"
	CodeDisplayClosed      ErrorCode = "DISPLAY_CLOSED"
	CodePinRole            ErrorCode = "PIN_ROLE"
	CodeCapture            ErrorCode = "CAPTURE"
	CodeClassification     ErrorCode = "CLASSIFICATION"
	CodeModelUnavailable   ErrorCode = "MODEL_UNAVAILABLE"
	CodeBackendUnreachable ErrorCode = "BACKEND_UNREACHABLE"
	CodeBackendStatus      ErrorCode = "BACKEND_STATUS"
	CodeSessionEnded       ErrorCode = "SESSION_ENDED"
	CodeStaleProcess       ErrorCode = "STALE_PROCESS"
	CodeConfigLoad         ErrorCode = "CONFIG_LOAD"
	CodeEncryption         ErrorCode = "ENCRYPTION"
	CodeDecryption         ErrorCode = "DECRYPTION"

	// Subsystem-specific codes used by subSystemCodeMap.
	CodeCameraTimeout     ErrorCode = "CAMERA_TIMEOUT"
	CodeCameraDisabled    ErrorCode = "CAMERA_DISABLED"
	CodeClassifierTimeout ErrorCode = "CLASSIFIER_TIMEOUT"
	CodeBackendTimeout    ErrorCode = "BACKEND_TIMEOUT"
	CodeSessionNotFound   ErrorCode = "SESSION_NOT_FOUND"
	CodePinBusy           ErrorCode = "PIN_BUSY"
	CodeDisplayDisabled   ErrorCode = "DISPLAY_DISABLED"
	CodeInvalidDetection  ErrorCode = "INVALID_DETECTION"

	// Category error codes. Fallback codes when no subsystem-specific code matches.
	CodeNotFound     ErrorCode = "NOT_FOUND"
	CodeTimeout      ErrorCode = "TIMEOUT"
	CodeDisabled     ErrorCode = "DISABLED"
	CodeInvalidInput ErrorCode = "INVALID_INPUT"
	CodeBusy         ErrorCode = "BUSY"
)

// errorCodeMap maps sentinel errors to their machine-parseable codes.
var errorCodeMap = map[error]ErrorCode{
	ErrNotFound:     CodeNotFound,
	ErrTimeout:      CodeTimeout,
	ErrDisabled:     CodeDisabled,
	ErrInvalidInput: CodeInvalidInput,
	ErrBusy:         CodeBusy,

	ErrHardwareInit:       CodeHardwareInit,
	ErrDisplayClosed:      CodeDisplayClosed,
	ErrPinRole:            CodePinRole,
	ErrCapture:            CodeCapture,
	ErrClassification:     CodeClassification,
	ErrModelUnavailable:   CodeModelUnavailable,
	ErrBackendUnreachable: CodeBackendUnreachable,
	ErrBackendStatus:      CodeBackendStatus,
	ErrSessionEnded:       CodeSessionEnded,
	ErrStaleProcess:       CodeStaleProcess,
	ErrConfigLoad:         CodeConfigLoad,
	ErrEncryption:         CodeEncryption,
	ErrDecryption:         CodeDecryption,
}

// subSystemCodeMap maps (category sentinel, subsystem) pairs to specific ErrorCodes.
var subSystemCodeMap = map[error]map[string]ErrorCode{
	ErrNotFound: {
		SubSystemBackend: CodeSessionNotFound,
	},
	ErrTimeout: {
		SubSystemCamera:     CodeCameraTimeout,
		SubSystemClassifier: CodeClassifierTimeout,
		SubSystemBackend:    CodeBackendTimeout,
	},
	ErrDisabled: {
		SubSystemCamera:  CodeCameraDisabled,
		SubSystemDisplay: CodeDisplayDisabled,
	},
	ErrBusy: {
		SubSystemPins: CodePinBusy,
	},
	ErrInvalidInput: {
		SubSystemClassifier: CodeInvalidDetection,
	},
}

// ErrorCodeOf returns the machine-parseable error code for the given error.
// It unwraps DomainError and uses errors.Is to match sentinel errors.
// For DomainErrors with a SubSystem, it also checks the subSystemCodeMap
// to resolve category sentinels to specific codes.
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
		if code := de.Code(); code != CodeUnknown {
			return code
		}
	}

	// Walk the error chain with errors.Is, most specific sentinels first.
	for _, sentinel := range codeOrder {
		if errors.Is(err, sentinel) {
			return errorCodeMap[sentinel]
		}
	}

	return CodeUnknown
}

// codeOrder fixes the errors.Is walk order so that chains wrapping more than
// one sentinel resolve deterministically.
var codeOrder = []error{
	ErrModelUnavailable,
	ErrSessionEnded,
	ErrHardwareInit,
	ErrStaleProcess,
	ErrBackendUnreachable,
	ErrBackendStatus,
	ErrCapture,
	ErrClassification,
	ErrDisplayClosed,
	ErrPinRole,
	ErrConfigLoad,
	ErrDecryption,
	ErrEncryption,
	ErrTimeout,
	ErrNotFound,
	ErrBusy,
	ErrDisabled,
	ErrInvalidInput,
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

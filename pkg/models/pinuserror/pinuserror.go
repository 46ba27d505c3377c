package pinuserror

import (
	"errors"
	"fmt"
)

const (
	PINUS_UNEXPECTED               = "PINUSU"
	PINUS_CONFIGURATION            = "PINUSC"
	PINUS_COORDINATION_UNAVAILABLE = "PINUSO"
	PINUS_UNKNOWN_TABLE            = "PINUST"
	PINUS_NO_REGION_FOR_KEY        = "PINUSR"
	PINUS_NO_REPLICA_AVAILABLE     = "PINUSS"
	PINUS_LOCK_TIMEOUT             = "PINUSL"
	PINUS_LOCK_NOT_HELD            = "PINUSH"
	PINUS_ID_ALLOCATION_FAILED     = "PINUSI"
	PINUS_EMPTY_TOPOLOGY           = "PINUSE"
	PINUS_INVALID_STATE            = "PINUSV"
	PINUS_METADATA_CORRUPTION      = "PINUSM"
)

var existingErrorCodeMap = map[string]string{
	PINUS_UNEXPECTED:               "Unexpected error",
	PINUS_CONFIGURATION:            "Configuration error",
	PINUS_COORDINATION_UNAVAILABLE: "Coordination service unavailable",
	PINUS_UNKNOWN_TABLE:            "Unknown table",
	PINUS_NO_REGION_FOR_KEY:        "No region for shard key",
	PINUS_NO_REPLICA_AVAILABLE:     "No replica available",
	PINUS_LOCK_TIMEOUT:             "Lock timeout",
	PINUS_LOCK_NOT_HELD:            "Lock not held",
	PINUS_ID_ALLOCATION_FAILED:     "Id allocation failed",
	PINUS_EMPTY_TOPOLOGY:           "Empty topology",
	PINUS_INVALID_STATE:            "Invalid state",
	PINUS_METADATA_CORRUPTION:      "Metadata corruption",
}

// Sentinels for errors.Is matching. Any PinusError matches the sentinel
// carrying the same code.
var (
	ErrConfiguration           = &PinusError{ErrorCode: PINUS_CONFIGURATION}
	ErrCoordinationUnavailable = &PinusError{ErrorCode: PINUS_COORDINATION_UNAVAILABLE}
	ErrUnknownTable            = &PinusError{ErrorCode: PINUS_UNKNOWN_TABLE}
	ErrNoRegionForKey          = &PinusError{ErrorCode: PINUS_NO_REGION_FOR_KEY}
	ErrNoReplicaAvailable      = &PinusError{ErrorCode: PINUS_NO_REPLICA_AVAILABLE}
	ErrLockTimeout             = &PinusError{ErrorCode: PINUS_LOCK_TIMEOUT}
	ErrLockNotHeld             = &PinusError{ErrorCode: PINUS_LOCK_NOT_HELD}
	ErrIdAllocationFailed      = &PinusError{ErrorCode: PINUS_ID_ALLOCATION_FAILED}
	ErrEmptyTopology           = &PinusError{ErrorCode: PINUS_EMPTY_TOPOLOGY}
	ErrInvalidState            = &PinusError{ErrorCode: PINUS_INVALID_STATE}
)

func GetMessageByCode(errorCode string) string {
	rep, ok := existingErrorCodeMap[errorCode]
	if ok {
		return rep
	}
	return "Unexpected error"
}

var _ error = &PinusError{}

type PinusError struct {
	Err       error
	ErrorCode string
}

func New(errorCode string, errorMsg string) *PinusError {
	return &PinusError{
		Err:       errors.New(errorMsg),
		ErrorCode: errorCode,
	}
}

func Newf(errorCode string, format string, a ...any) *PinusError {
	return &PinusError{
		Err:       fmt.Errorf(format, a...),
		ErrorCode: errorCode,
	}
}

// Wrap attaches a code to a lower level error, keeping it reachable
// through errors.Unwrap.
func Wrap(errorCode string, err error, msg string) *PinusError {
	if err == nil {
		return New(errorCode, msg)
	}
	return &PinusError{
		Err:       fmt.Errorf("%s: %w", msg, err),
		ErrorCode: errorCode,
	}
}

func (er *PinusError) Error() string {
	if er.Err == nil {
		return GetMessageByCode(er.ErrorCode)
	}
	return er.Err.Error()
}

func (er *PinusError) Unwrap() error {
	return er.Err
}

// Is reports code equality so that sentinels match any error of the same kind.
func (er *PinusError) Is(target error) bool {
	var other *PinusError
	if !errors.As(target, &other) {
		return false
	}
	return other.ErrorCode == er.ErrorCode
}

// Code extracts the error code of the first PinusError in the chain.
func Code(err error) (string, bool) {
	var pe *PinusError
	if errors.As(err, &pe) {
		return pe.ErrorCode, true
	}
	return "", false
}

// Is reports whether err carries the given code.
func Is(err error, errorCode string) bool {
	code, ok := Code(err)
	return ok && code == errorCode
}

package domain

import (
	"errors"
	"fmt"
)

// BlockError is a stable, machine-readable error class. The Code travels across
// the IPC boundary so callers can branch with errors.Is on either side.
type BlockError struct {
	Code    string
	Message string
}

func (e *BlockError) Error() string {
	if e.Message == "" {
		return e.Code
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *BlockError) Is(target error) bool {
	t, ok := target.(*BlockError)
	return ok && e.Code == t.Code
}

// WithMessage returns a new BlockError with the same Code but a specific message.
func (e *BlockError) WithMessage(msg string) *BlockError {
	return &BlockError{Code: e.Code, Message: msg}
}

// WithMessagef returns a new BlockError with a formatted message.
func (e *BlockError) WithMessagef(format string, args ...any) *BlockError {
	return &BlockError{Code: e.Code, Message: fmt.Sprintf(format, args...)}
}

var (
	ErrAuthorizationDenied  = &BlockError{Code: "E_AUTHORIZATION_DENIED"}
	ErrAlreadyBlocking      = &BlockError{Code: "E_ALREADY_BLOCKING"}
	ErrNotBlocking          = &BlockError{Code: "E_NOT_BLOCKING"}
	ErrLockTimeout          = &BlockError{Code: "E_LOCK_TIMEOUT"}
	ErrBackendInstallFailed = &BlockError{Code: "E_BACKEND_INSTALL_FAILED"}
	ErrResolutionFailed     = &BlockError{Code: "E_RESOLUTION_FAILED"}
	ErrCorruptSettings      = &BlockError{Code: "E_CORRUPT_SETTINGS"}
	ErrLegacyMigration      = &BlockError{Code: "E_LEGACY_MIGRATION_FAILED"}
	ErrInvalidEntry         = &BlockError{Code: "E_INVALID_ENTRY"}
	ErrInvalidEndDate       = &BlockError{Code: "E_INVALID_END_DATE"}
	ErrEmptyBlocklist       = &BlockError{Code: "E_EMPTY_BLOCKLIST"}
	ErrNoNetwork            = &BlockError{Code: "E_NO_NETWORK"}
	ErrUnsupportedMode      = &BlockError{Code: "E_UNSUPPORTED_MODE"}
	ErrInvalidRequest       = &BlockError{Code: "E_INVALID_REQUEST"}
	ErrInternal             = &BlockError{Code: "E_INTERNAL"}
)

var errorClasses = []*BlockError{
	ErrAuthorizationDenied, ErrAlreadyBlocking, ErrNotBlocking, ErrLockTimeout,
	ErrBackendInstallFailed, ErrResolutionFailed, ErrCorruptSettings, ErrLegacyMigration,
	ErrInvalidEntry, ErrInvalidEndDate, ErrEmptyBlocklist, ErrNoNetwork,
	ErrUnsupportedMode, ErrInvalidRequest, ErrInternal,
}

// ErrorFromCode rebuilds a BlockError received over the wire. Unknown codes
// are kept verbatim so nothing is lost, but they only match themselves.
func ErrorFromCode(code, message string) *BlockError {
	for _, c := range errorClasses {
		if c.Code == code {
			return c.WithMessage(message)
		}
	}
	return &BlockError{Code: code, Message: message}
}

// CodeOf returns the class code of err, or E_INTERNAL for unclassified errors.
func CodeOf(err error) string {
	var be *BlockError
	if errors.As(err, &be) {
		return be.Code
	}
	return ErrInternal.Code
}

// Process exit codes shared by selfblockd and the selfblock client.
const (
	ExitOK                  = 0
	ExitInternalError       = 1
	ExitMustBeRoot          = 3
	ExitAuthorizationDenied = 4
	ExitNoNetwork           = 5
)

// ErrMustBeRoot is returned by entry points that need euid 0.
var ErrMustBeRoot = errors.New("must run as root")

// ExitCode maps an error to its stable process exit code.
func ExitCode(err error) int {
	switch {
	case err == nil:
		return ExitOK
	case errors.Is(err, ErrMustBeRoot):
		return ExitMustBeRoot
	case errors.Is(err, ErrAuthorizationDenied):
		return ExitAuthorizationDenied
	case errors.Is(err, ErrNoNetwork):
		return ExitNoNetwork
	default:
		return ExitInternalError
	}
}

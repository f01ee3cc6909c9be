package dirvault

import (
	"errors"
	"io/fs"
	"os"
	"strings"
)

// ============================================================================
// ERROR CODES (Stable API, NEVER change values, only add)
// ============================================================================

// ErrorCode is a stable identifier for error types.
// Part of the public API contract - values will NEVER change.
type ErrorCode string

const (
	// Authenticity: AEAD failure, descriptor mismatch, path predicate
	// failure, shard-hash mismatch, wrapped-key version check failure.
	// Always fatal for the whole run.
	ErrCodeAuthenticity ErrorCode = "DIRVAULT_AUTHENTICITY"

	// Filesystem trouble on one path. Recorded on the report; the sync
	// continues on sibling paths.
	ErrCodeIO ErrorCode = "DIRVAULT_IO"

	// Existence
	ErrCodeNotFound ErrorCode = "DIRVAULT_NOT_FOUND"
	ErrCodeExists   ErrorCode = "DIRVAULT_EXISTS"

	// Malformed or absent directory config, wrong directory type.
	// Fatal at startup, never reached once enumeration begins.
	ErrCodeConfig ErrorCode = "DIRVAULT_CONFIG"

	// Unknown command, direction mismatch, bad arguments.
	ErrCodeUsage ErrorCode = "DIRVAULT_USAGE"

	// Internal
	ErrCodeInternal ErrorCode = "DIRVAULT_INTERNAL"
)

func (c ErrorCode) String() string { return string(c) }

// ============================================================================
// ERROR CATEGORIES
// ============================================================================

type ErrorCategory int

const (
	CategoryUnknown ErrorCategory = iota
	CategoryFatal                 // aborts the sync
	CategoryReported              // recorded on the report, sync continues
	CategoryStartup               // rejected before enumeration begins
)

func (c ErrorCategory) String() string {
	names := [...]string{"unknown", "fatal", "reported", "startup"}
	if int(c) < len(names) {
		return names[c]
	}
	return "unknown"
}

func codeToCategory(code ErrorCode) ErrorCategory {
	switch code {
	case ErrCodeAuthenticity:
		return CategoryFatal
	case ErrCodeIO, ErrCodeNotFound, ErrCodeExists:
		return CategoryReported
	case ErrCodeConfig, ErrCodeUsage:
		return CategoryStartup
	default:
		return CategoryFatal
	}
}

// ============================================================================
// SENTINELS
// ============================================================================

var (
	// ErrAuthenticity is the base error for every cryptographic failure:
	// wrong key, tampered ciphertext, or a ciphertext bound to a different
	// logical path than the one it was fetched for.
	ErrAuthenticity = errors.New("authenticity check failed")

	// ErrNotExist mirrors fs.ErrNotExist for paths missing from a tree.
	ErrNotExist = errors.New("path does not exist")

	// ErrConfig marks an unusable directory config.
	ErrConfig = errors.New("invalid directory config")

	// ErrUsage marks a caller mistake (unknown command, bad direction).
	ErrUsage = errors.New("usage error")
)

// ============================================================================
// VAULT ERROR (Primary Error Type)
// ============================================================================

type VaultError struct {
	ErrCode ErrorCode
	Message string
	Cat     ErrorCategory
	Op      string
	Path    string
	Err     error
}

func (e *VaultError) Error() string {
	var b strings.Builder
	if e.Op != "" {
		b.WriteString(e.Op)
		b.WriteString(" ")
	}
	if e.Path != "" {
		b.WriteString(e.Path)
		b.WriteString(": ")
	}
	b.WriteString("[")
	b.WriteString(string(e.ErrCode))
	b.WriteString("] ")
	b.WriteString(e.Message)
	return b.String()
}

// errors.Unwrap support
func (e *VaultError) Unwrap() error { return e.Err }

// errors.Is support - keeps stdlib compatibility for os/fs sentinels.
func (e *VaultError) Is(target error) bool {
	if ve, ok := target.(*VaultError); ok {
		return e.ErrCode == ve.ErrCode
	}
	switch e.ErrCode {
	case ErrCodeAuthenticity:
		return target == ErrAuthenticity
	case ErrCodeNotFound:
		return target == ErrNotExist || target == fs.ErrNotExist || target == os.ErrNotExist
	case ErrCodeExists:
		return target == fs.ErrExist || target == os.ErrExist
	case ErrCodeConfig:
		return target == ErrConfig
	case ErrCodeUsage:
		return target == ErrUsage
	}
	return false
}

func (e *VaultError) Code() ErrorCode         { return e.ErrCode }
func (e *VaultError) Category() ErrorCategory { return e.Cat }

// Fluent builders
func (e *VaultError) WithCause(err error) *VaultError { e.Err = err; return e }
func (e *VaultError) WithOp(op string) *VaultError    { e.Op = op; return e }
func (e *VaultError) WithPath(p string) *VaultError   { e.Path = p; return e }

// ============================================================================
// CONSTRUCTORS
// ============================================================================

func NewError(code ErrorCode, message string) *VaultError {
	return &VaultError{
		ErrCode: code,
		Message: message,
		Cat:     codeToCategory(code),
	}
}

// NewAuthenticityError builds the fatal kind. The cause, when present, is
// preserved for Unwrap but the code alone decides run abortion.
func NewAuthenticityError(message string) *VaultError {
	return NewError(ErrCodeAuthenticity, message)
}

func NewConfigError(message string) *VaultError {
	return NewError(ErrCodeConfig, message)
}

func NewUsageError(message string) *VaultError {
	return NewError(ErrCodeUsage, message)
}

// ============================================================================
// CLASSIFIERS
// ============================================================================

// IsAuthenticity reports whether err is fatal for the whole sync run.
func IsAuthenticity(err error) bool {
	return errors.Is(err, ErrAuthenticity)
}

func IsConfig(err error) bool {
	return errors.Is(err, ErrConfig)
}

func IsUsage(err error) bool {
	return errors.Is(err, ErrUsage)
}

// ============================================================================
// PATH ERROR
// ============================================================================

// PathError records an error on one logical path during a driver operation.
type PathError struct {
	Op   string
	Path string
	Err  error
}

func (e *PathError) Error() string {
	return e.Op + " " + e.Path + ": " + e.Err.Error()
}

func (e *PathError) Unwrap() error { return e.Err }

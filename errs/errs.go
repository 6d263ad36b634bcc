// Package errs provides structured error types and helpers for replayd services.
package errs

import (
	"errors"
	"sort"
	"strconv"
	"strings"
)

// Code identifies a machine-readable error category.
type Code string

const (
	// CodeEngineNotInitialized indicates an operation that requires a prior Initialize.
	CodeEngineNotInitialized Code = "engine_not_initialized"
	// CodeEngineInitFailed indicates Initialize preconditions were violated.
	CodeEngineInitFailed Code = "engine_init_failed"
	// CodeEventPublishFailed indicates a subscriber handler failed during publish.
	CodeEventPublishFailed Code = "event_publish_failed"
	// CodeSnapshotCorrupted indicates an I/O, encoding, or missing-field failure on save/load.
	CodeSnapshotCorrupted Code = "snapshot_corrupted"
	// CodeSnapshotVersionMismatch indicates a stored version outside the compatible set.
	CodeSnapshotVersionMismatch Code = "snapshot_version_mismatch"
	// CodeSnapshotRestoreFailed indicates structural invariants were violated after load.
	CodeSnapshotRestoreFailed Code = "snapshot_restore_failed"
	// CodeSnapshotNotFound indicates a load was requested for a missing path.
	CodeSnapshotNotFound Code = "snapshot_not_found"
	// CodeStrategyNotFound indicates the referenced strategy does not exist.
	CodeStrategyNotFound Code = "strategy_not_found"
	// CodeStrategyLoadFailed indicates the strategy manager failed to load a strategy.
	CodeStrategyLoadFailed Code = "strategy_load_failed"
	// CodeStrategyParamInvalid indicates rejected strategy parameters.
	CodeStrategyParamInvalid Code = "strategy_param_invalid"
	// CodeHotReloadFailed indicates a strategy hot reload failure.
	CodeHotReloadFailed Code = "hot_reload_failed"
	// CodeInvalid indicates invalid input provided by the caller.
	CodeInvalid Code = "invalid_request"
	// CodeUnavailable indicates the service is temporarily unavailable.
	CodeUnavailable Code = "unavailable"
)

// E captures structured error information produced across the replayd stack.
type E struct {
	Op      string
	Code    Code
	Message string
	Details map[string]string

	cause error
}

// Option configures an error envelope.
type Option func(*E)

// New constructs an error envelope for the operation and error code.
func New(op string, code Code, opts ...Option) *E {
	e := &E{
		Op:      strings.TrimSpace(op),
		Code:    code,
		Message: "",
		Details: nil,
		cause:   nil,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e
}

// WithMessage attaches a human-readable message to the error.
func WithMessage(message string) Option {
	trimmed := strings.TrimSpace(message)
	return func(e *E) {
		e.Message = trimmed
	}
}

// WithCause sets the underlying cause error.
func WithCause(err error) Option {
	return func(e *E) {
		e.cause = err
	}
}

// WithDetail appends a single detail key/value pair.
func WithDetail(key, value string) Option {
	return func(e *E) {
		trimmedKey := strings.TrimSpace(key)
		if trimmedKey == "" {
			return
		}
		if e.Details == nil {
			e.Details = make(map[string]string, 1)
		}
		e.Details[trimmedKey] = strings.TrimSpace(value)
	}
}

// WithDetails merges the provided detail map into the error envelope.
func WithDetails(details map[string]string) Option {
	return func(e *E) {
		if len(details) == 0 {
			return
		}
		if e.Details == nil {
			e.Details = make(map[string]string, len(details))
		}
		for k, v := range details {
			key := strings.TrimSpace(k)
			if key == "" {
				continue
			}
			e.Details[key] = strings.TrimSpace(v)
		}
	}
}

func (e *E) Error() string {
	if e == nil {
		return "<nil>"
	}
	var parts []string

	op := strings.TrimSpace(e.Op)
	if op == "" {
		op = "unknown"
	}
	parts = append(parts, "op="+op)

	code := strings.TrimSpace(string(e.Code))
	if code == "" {
		code = "unknown"
	}
	parts = append(parts, "code="+code)

	if e.Message != "" {
		parts = append(parts, "message="+strconv.Quote(e.Message))
	}
	if len(e.Details) > 0 {
		keys := make([]string, 0, len(e.Details))
		for k := range e.Details {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		pairs := make([]string, 0, len(keys))
		for _, k := range keys {
			pairs = append(pairs, k+"="+strconv.Quote(e.Details[k]))
		}
		parts = append(parts, "details="+strings.Join(pairs, ","))
	}
	if e.cause != nil {
		parts = append(parts, "cause="+strconv.Quote(e.cause.Error()))
	}

	return strings.Join(parts, " ")
}

func (e *E) Unwrap() error { return e.cause }

// Is reports whether target carries the same code, enabling errors.Is matching.
func (e *E) Is(target error) bool {
	var other *E
	if !errors.As(target, &other) {
		return false
	}
	return e != nil && other != nil && e.Code == other.Code
}

// CodeOf extracts the machine code from an error chain, or empty when absent.
func CodeOf(err error) Code {
	var e *E
	if errors.As(err, &e) && e != nil {
		return e.Code
	}
	return ""
}

// Package errors provides the portable error taxonomy used across the
// storage engine: a fixed set of error kinds, a structured error type that
// carries component/operation context, and the host-errno -> kind mapping
// described by the storage engine's error map.
package errors

import (
	"encoding/json"
	"errors"
	"fmt"
	"runtime"
	"strings"
	"time"

	"golang.org/x/sys/unix"
)

// Kind is one of the portable error kinds the storage engine ever returns
// through a completion. Callers never see a host errno.
type Kind string

const (
	NotFound            Kind = "NOT_FOUND"
	AlreadyExists        Kind = "ALREADY_EXISTS"
	Invalid              Kind = "INVALID"
	NoSpace              Kind = "NO_SPACE"
	PermissionDenied     Kind = "PERMISSION_DENIED"
	Busy                 Kind = "BUSY"
	NoMemory             Kind = "NO_MEMORY"
	TooLarge             Kind = "TOO_LARGE"
	Interrupted          Kind = "INTERRUPTED"
	IoError              Kind = "IO_ERROR"
	NotSupported         Kind = "NOT_SUPPORTED"
	TimedOut             Kind = "TIMED_OUT"
	Canceled             Kind = "CANCELED"
	IncompatibleVersion  Kind = "INCOMPATIBLE_VERSION"
	CorruptState         Kind = "CORRUPT_STATE"
	Unknown              Kind = "UNKNOWN"
)

// Error is a structured error carrying the portable kind plus enough
// context to diagnose where, in which component and operation, it
// originated.
type Error struct {
	Kind      Kind                   `json:"kind"`
	Message   string                 `json:"message"`
	Component string                 `json:"component"`
	Operation string                 `json:"operation,omitempty"`
	Context   map[string]string      `json:"context,omitempty"`
	Details   map[string]interface{} `json:"details,omitempty"`
	Retryable bool                   `json:"retryable"`
	Timestamp time.Time              `json:"timestamp"`
	Cause     error                  `json:"-"`
	Stack     string                 `json:"stack,omitempty"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Component != "" {
		if e.Operation != "" {
			return fmt.Sprintf("[%s:%s] %s: %s", e.Component, e.Operation, e.Kind, e.Message)
		}
		return fmt.Sprintf("[%s] %s: %s", e.Component, e.Kind, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap returns the underlying cause, for errors.Is/errors.As.
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is reports whether target is an *Error of the same Kind.
func (e *Error) Is(target error) bool {
	var other *Error
	if errors.As(target, &other) {
		return e.Kind == other.Kind
	}
	return false
}

// String is a verbose, log-friendly rendering.
func (e *Error) String() string {
	var parts []string
	parts = append(parts, fmt.Sprintf("Kind=%s", e.Kind))
	parts = append(parts, fmt.Sprintf("Message=%q", e.Message))
	if e.Component != "" {
		parts = append(parts, fmt.Sprintf("Component=%s", e.Component))
	}
	if e.Operation != "" {
		parts = append(parts, fmt.Sprintf("Operation=%s", e.Operation))
	}
	if e.Retryable {
		parts = append(parts, "Retryable=true")
	}
	if len(e.Context) > 0 {
		ctx, _ := json.Marshal(e.Context)
		parts = append(parts, fmt.Sprintf("Context=%s", ctx))
	}
	if e.Cause != nil {
		parts = append(parts, fmt.Sprintf("Cause=%q", e.Cause.Error()))
	}
	return fmt.Sprintf("Error{%s}", strings.Join(parts, ", "))
}

// New creates an *Error with default retryability for its kind.
func New(kind Kind, message string) *Error {
	return &Error{
		Kind:      kind,
		Message:   message,
		Timestamp: time.Now(),
		Context:   make(map[string]string),
		Retryable: isRetryableByDefault(kind),
	}
}

// Wrap creates an *Error that carries cause as its underlying error.
func Wrap(kind Kind, cause error, message string) *Error {
	e := New(kind, message)
	e.Cause = cause
	return e
}

func (e *Error) WithComponent(component string) *Error {
	e.Component = component
	return e
}

func (e *Error) WithOperation(operation string) *Error {
	e.Operation = operation
	return e
}

func (e *Error) WithContext(key, value string) *Error {
	if e.Context == nil {
		e.Context = make(map[string]string)
	}
	e.Context[key] = value
	return e
}

func (e *Error) WithDetail(key string, value interface{}) *Error {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

func (e *Error) WithStack() *Error {
	e.Stack = CaptureStack(2)
	return e
}

// CaptureStack captures the current stack trace, skipping `skip` frames of
// this package's own call chain.
func CaptureStack(skip int) string {
	const depth = 16
	var pcs [depth]uintptr
	n := runtime.Callers(skip+2, pcs[:])
	frames := runtime.CallersFrames(pcs[:n])

	var stack []string
	for {
		frame, more := frames.Next()
		if !strings.Contains(frame.File, "errors.go") {
			stack = append(stack, fmt.Sprintf("%s:%d %s", frame.File, frame.Line, frame.Function))
		}
		if !more {
			break
		}
	}
	return strings.Join(stack, "\n")
}

func isRetryableByDefault(kind Kind) bool {
	switch kind {
	case Busy, TimedOut, Interrupted, IoError:
		return true
	default:
		return false
	}
}

// KindOf returns the Kind carried by err if it (or something it wraps) is
// an *Error; otherwise Unknown.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return Unknown
}

// FromErrno implements the error map (spec §4.1): it translates a host
// errno value into the portable taxonomy. Any errno this function does not
// recognize maps to Unknown rather than leaking the host integer.
func FromErrno(err error) Kind {
	if err == nil {
		return ""
	}

	var errno unix.Errno
	if !errors.As(err, &errno) {
		return Unknown
	}

	switch errno {
	case unix.ENOENT:
		return NotFound
	case unix.EEXIST:
		return AlreadyExists
	case unix.EINVAL, unix.ENAMETOOLONG, unix.EISDIR, unix.ENOTDIR:
		return Invalid
	case unix.ENOSPC, unix.EDQUOT:
		return NoSpace
	case unix.EACCES, unix.EPERM:
		return PermissionDenied
	case unix.EBUSY, unix.EAGAIN:
		return Busy
	case unix.ENOMEM:
		return NoMemory
	case unix.EFBIG, unix.EOVERFLOW:
		return TooLarge
	case unix.EINTR:
		return Interrupted
	case unix.EIO:
		return IoError
	case unix.ENOTSUP, unix.ENOSYS:
		return NotSupported
	case unix.ETIMEDOUT:
		return TimedOut
	case unix.ECANCELED:
		return Canceled
	default:
		return Unknown
	}
}

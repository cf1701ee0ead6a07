// Package xerrors provides a structured error system for XPN with POSIX-style
// error codes, categories, and context, in the style the rest of the module
// uses for every API boundary.
package xerrors

import (
	"fmt"
	"strings"
	"time"
)

// Code is a POSIX-style error code. XPN propagates these across every API
// boundary instead of raw errno ints, so callers get a wrapped, inspectable
// error alongside the numeric code a C caller would expect.
type Code string

const (
	EINVAL      Code = "EINVAL"
	ENOENT      Code = "ENOENT"
	EEXIST      Code = "EEXIST"
	EISDIR      Code = "EISDIR"
	ENOTDIR     Code = "ENOTDIR"
	ENOTEMPTY   Code = "ENOTEMPTY"
	EIO         Code = "EIO"
	ECONNRESET  Code = "ECONNRESET"
	ETIMEDOUT   Code = "ETIMEDOUT"
	ENOMEM      Code = "ENOMEM"
	EMFILE      Code = "EMFILE"
	EBADF       Code = "EBADF"
	ENOSYS      Code = "ENOSYS"
	EAGAIN      Code = "EAGAIN"
	ECORRUPT    Code = "ECORRUPT" // metadata magic/version mismatch; never fatal
	EFATAL      Code = "EFATAL"   // transport init failure, session-table corruption
)

// Category groups codes by the error kinds enumerated in the XPN error
// handling design: Argument, Resource, Missing/Exists, Transport, Integrity,
// Fatal.
type Category string

const (
	CategoryArgument  Category = "argument"
	CategoryResource  Category = "resource"
	CategoryMissing   Category = "missing_exists"
	CategoryTransport Category = "transport"
	CategoryIntegrity Category = "integrity"
	CategoryFatal     Category = "fatal"
)

var categoryByCode = map[Code]Category{
	EINVAL:     CategoryArgument,
	ENOMEM:     CategoryResource,
	EMFILE:     CategoryResource,
	EAGAIN:     CategoryResource,
	ENOENT:     CategoryMissing,
	EEXIST:     CategoryMissing,
	EISDIR:     CategoryMissing,
	ENOTDIR:    CategoryMissing,
	ENOTEMPTY:  CategoryMissing,
	EBADF:      CategoryMissing,
	EIO:        CategoryTransport,
	ECONNRESET: CategoryTransport,
	ETIMEDOUT:  CategoryTransport,
	ECORRUPT:   CategoryIntegrity,
	EFATAL:     CategoryFatal,
	ENOSYS:     CategoryArgument,
}

// retryable mirrors §5/§7: transport errors may be retried by reconnecting,
// at the caller's discretion. Nothing else is retryable by default.
var retryable = map[Code]bool{
	EIO:        true,
	ECONNRESET: true,
	ETIMEDOUT:  true,
	EAGAIN:     true,
}

// Error is XPN's structured error type. It carries enough context for a
// caller to log, retry, or translate back to a POSIX return value without
// re-deriving it from a message string.
type Error struct {
	Code      Code
	Category  Category
	Op        string // e.g. "read", "write_mdata", "open"
	Path      string
	Server    string // server id/endpoint, when relevant
	Message   string
	Cause     error
	Timestamp time.Time
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(string(e.Code))
	if e.Op != "" {
		fmt.Fprintf(&b, " %s", e.Op)
	}
	if e.Path != "" {
		fmt.Fprintf(&b, " %q", e.Path)
	}
	if e.Server != "" {
		fmt.Fprintf(&b, " server=%s", e.Server)
	}
	if e.Message != "" {
		fmt.Fprintf(&b, ": %s", e.Message)
	}
	if e.Cause != nil {
		fmt.Fprintf(&b, ": %s", e.Cause.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Cause }

// Is lets errors.Is(err, xerrors.New(ENOENT, "")) match on code alone.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Code == t.Code
}

// Retryable reports whether a caller may reasonably reconnect and retry.
func (e *Error) Retryable() bool {
	return retryable[e.Code]
}

// New creates an *Error for the given code, deriving its category.
func New(code Code, op string, message string) *Error {
	return &Error{
		Code:      code,
		Category:  categoryByCode[code],
		Op:        op,
		Message:   message,
		Timestamp: time.Now(),
	}
}

// Wrap attaches a POSIX code to an underlying error, preserving it for
// errors.Unwrap/errors.As.
func Wrap(code Code, op string, cause error) *Error {
	return &Error{
		Code:      code,
		Category:  categoryByCode[code],
		Op:        op,
		Cause:     cause,
		Timestamp: time.Now(),
	}
}

// WithPath and WithServer return a shallow copy annotated with extra context,
// matching the builder style used throughout the rest of the module.
func (e *Error) WithPath(path string) *Error {
	c := *e
	c.Path = path
	return &c
}

func (e *Error) WithServer(server string) *Error {
	c := *e
	c.Server = server
	return &c
}

// CodeOf extracts the Code from err, or "" if err is nil or not an *Error.
func CodeOf(err error) Code {
	if err == nil {
		return ""
	}
	if e, ok := err.(*Error); ok {
		return e.Code
	}
	return ""
}

// IsRetryable reports whether err is an *Error whose code is retryable.
func IsRetryable(err error) bool {
	if e, ok := err.(*Error); ok {
		return e.Retryable()
	}
	return false
}

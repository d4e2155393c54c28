package model

import (
	"errors"
	"fmt"
)

// ErrorKind classifies failures produced by the proxy pipeline.
type ErrorKind int

const (
	KindConfiguration ErrorKind = iota + 1
	KindSubprocessSpawnFailed
	KindSubprocessFailed
	KindSubprocessTimeout
	KindInvalidCredentialOutput
	KindInvalidTargetURL
	KindHeaderEncoding
	KindUpstreamTimeout
	KindUpstreamUnreachable
)

var kindNames = map[ErrorKind]string{
	KindConfiguration:           "configuration error",
	KindSubprocessSpawnFailed:   "credential command spawn failed",
	KindSubprocessFailed:        "credential command failed",
	KindSubprocessTimeout:       "credential command timed out",
	KindInvalidCredentialOutput: "invalid credential output",
	KindInvalidTargetURL:        "invalid target URL",
	KindHeaderEncoding:          "header encoding error",
	KindUpstreamTimeout:         "upstream timeout",
	KindUpstreamUnreachable:     "upstream unreachable",
}

func (k ErrorKind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return fmt.Sprintf("ErrorKind(%d)", int(k))
}

// Kind sentinels for use with errors.Is. They match any *Error of the same kind.
var (
	ErrConfiguration           = &Error{Kind: KindConfiguration}
	ErrSubprocessSpawnFailed   = &Error{Kind: KindSubprocessSpawnFailed}
	ErrSubprocessFailed        = &Error{Kind: KindSubprocessFailed}
	ErrSubprocessTimeout       = &Error{Kind: KindSubprocessTimeout}
	ErrInvalidCredentialOutput = &Error{Kind: KindInvalidCredentialOutput}
	ErrInvalidTargetURL        = &Error{Kind: KindInvalidTargetURL}
	ErrHeaderEncoding          = &Error{Kind: KindHeaderEncoding}
	ErrUpstreamTimeout         = &Error{Kind: KindUpstreamTimeout}
	ErrUpstreamUnreachable     = &Error{Kind: KindUpstreamUnreachable}
)

// Error is a tagged proxy failure with an optional underlying cause.
type Error struct {
	Kind ErrorKind
	Msg  string
	Err  error
}

// NewError returns an *Error of the given kind wrapping cause (which may be nil).
func NewError(kind ErrorKind, cause error, format string, args ...any) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...), Err: cause}
}

func (e *Error) Error() string {
	msg := e.Kind.String()
	if e.Msg != "" {
		msg += ": " + e.Msg
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is reports whether target is an *Error of the same kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Kind == e.Kind
}

// KindOf returns the kind of the first *Error in err's chain, or 0.
func KindOf(err error) ErrorKind {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Kind
	}
	return 0
}

// Causes returns the messages of the errors underlying err, outermost first,
// not including err itself. Joined errors are flattened depth-first.
func Causes(err error) []string {
	var out []string
	var walk func(error)
	walk = func(e error) {
		var next []error
		switch u := e.(type) {
		case interface{ Unwrap() error }:
			if n := u.Unwrap(); n != nil {
				next = []error{n}
			}
		case interface{ Unwrap() []error }:
			next = u.Unwrap()
		}
		for _, n := range next {
			out = append(out, n.Error())
			walk(n)
		}
	}
	if err != nil {
		walk(err)
	}
	return out
}

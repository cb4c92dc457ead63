// Package msgerr defines the error taxonomy shared by the daemon and its
// clients. The names returned by Code.String travel over the wire verbatim.
package msgerr

import (
	"errors"
	"fmt"
)

type Code int

const (
	CodeUnknown Code = iota
	CodeIOError
	CodeInvalidParams
	CodeOutOfMemory
	CodeNotFound
	CodeAlreadyExisting
	CodeCertificateMismatch
)

var codeNames = map[Code]string{
	CodeUnknown:             "Unknown",
	CodeIOError:             "IOError",
	CodeInvalidParams:       "InvalidParams",
	CodeOutOfMemory:         "OutOfMemory",
	CodeNotFound:            "NotFound",
	CodeAlreadyExisting:     "AlreadyExisting",
	CodeCertificateMismatch: "CertificateMismatch",
}

func (c Code) String() string {
	if s, ok := codeNames[c]; ok {
		return s
	}
	return codeNames[CodeUnknown]
}

// Parse maps a wire name back to its Code. Unrecognised names are Unknown.
func Parse(name string) Code {
	for c, s := range codeNames {
		if s == name {
			return c
		}
	}
	return CodeUnknown
}

type Error struct {
	Code Code
	Msg  string
}

func (e *Error) Error() string {
	if e.Msg == "" {
		return e.Code.String()
	}
	return e.Code.String() + ": " + e.Msg
}

// Is matches any *Error carrying the same code, so the package sentinels work
// with errors.Is regardless of message.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Code == e.Code
}

var (
	ErrIO                  = &Error{Code: CodeIOError}
	ErrInvalidParams       = &Error{Code: CodeInvalidParams}
	ErrOutOfMemory         = &Error{Code: CodeOutOfMemory}
	ErrNotFound            = &Error{Code: CodeNotFound}
	ErrAlreadyExisting     = &Error{Code: CodeAlreadyExisting}
	ErrCertificateMismatch = &Error{Code: CodeCertificateMismatch}
	ErrUnknown             = &Error{Code: CodeUnknown}
)

func New(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Msg: fmt.Sprintf(format, args...)}
}

func IOErrorf(format string, args ...any) *Error { return New(CodeIOError, format, args...) }

func InvalidParamsf(format string, args ...any) *Error {
	return New(CodeInvalidParams, format, args...)
}

func OutOfMemoryf(format string, args ...any) *Error { return New(CodeOutOfMemory, format, args...) }

func NotFoundf(format string, args ...any) *Error { return New(CodeNotFound, format, args...) }

func AlreadyExistingf(format string, args ...any) *Error {
	return New(CodeAlreadyExisting, format, args...)
}

func CertificateMismatchf(format string, args ...any) *Error {
	return New(CodeCertificateMismatch, format, args...)
}

// CodeOf returns the taxonomy code of the first *Error in err's chain, or
// CodeUnknown when there is none.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeUnknown
}

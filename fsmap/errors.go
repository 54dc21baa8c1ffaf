package fsmap

import (
	"errors"
	"fmt"
)

// Error kinds shared by every package. Match them with errors.Is.
var (
	ErrConfig     = errors.New("config error")
	ErrIndexStore = errors.New("index store error")
	ErrFileIO     = errors.New("file io error")
	ErrParse      = errors.New("parse error")
	ErrProtocol   = errors.New("protocol error")
	ErrNotFound   = errors.New("not found")
)

// Error carries an error kind together with the operation that failed and its cause.
type Error struct {
	Kind error
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Kind, e.Op)
	}
	return fmt.Sprintf("%s: %s: %v", e.Kind, e.Op, e.Err)
}

// Unwrap exposes both the kind and the cause.
func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

// Wrap tags err with kind. A nil err yields nil.
func Wrap(kind error, op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

// Errorf builds a kind-tagged error without an underlying cause.
func Errorf(kind error, format string, args ...any) error {
	return &Error{Kind: kind, Op: fmt.Sprintf(format, args...)}
}

// KindOf returns the first known kind carried by err, or nil.
func KindOf(err error) error {
	for _, kind := range []error{ErrConfig, ErrIndexStore, ErrFileIO, ErrParse, ErrProtocol, ErrNotFound} {
		if errors.Is(err, kind) {
			return kind
		}
	}
	return nil
}

// Package labelerr classifies failures of the label pipeline.
package labelerr

import (
	"errors"
	"fmt"
)

type Kind int

const (
	KindUnknown Kind = iota
	KindUnsupportedInput
	KindRasterization
	KindDetection
	KindEncoding
)

func (k Kind) String() string {
	switch k {
	case KindUnsupportedInput:
		return "unsupported_input"
	case KindRasterization:
		return "rasterization_failure"
	case KindDetection:
		return "detection_failure"
	case KindEncoding:
		return "encoding_failure"
	default:
		return "unknown"
	}
}

// Sentinels for errors.Is. Any *Error of the same kind matches.
var (
	ErrUnsupportedInput = &Error{Kind: KindUnsupportedInput}
	ErrRasterization    = &Error{Kind: KindRasterization}
	ErrDetection        = &Error{Kind: KindDetection}
	ErrEncoding         = &Error{Kind: KindEncoding}
)

// Error is a classified pipeline error.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	switch {
	case e.Op != "" && e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Op, e.Err)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	case e.Op != "":
		return fmt.Sprintf("%s: %s", e.Kind, e.Op)
	}
	return e.Kind.String()
}

func (e *Error) Unwrap() error { return e.Err }

func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Op == "" && t.Err == nil && t.Kind == e.Kind
}

// Wrap classifies err. An error that already carries a kind keeps it, so
// the innermost classification wins.
func Wrap(kind Kind, op string, err error) error {
	var e *Error
	if errors.As(err, &e) {
		return err
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

func UnsupportedInput(op string, err error) error { return Wrap(KindUnsupportedInput, op, err) }
func Rasterization(op string, err error) error    { return Wrap(KindRasterization, op, err) }
func Detection(op string, err error) error        { return Wrap(KindDetection, op, err) }
func Encoding(op string, err error) error         { return Wrap(KindEncoding, op, err) }

// KindOf returns the kind of the first classified error in err's chain.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

package engine

import (
	"errors"
	"fmt"
)

// Sentinel errors for common conditions.
var (
	ErrUnsupported   = errors.New("operation not supported by engine")
	ErrInvalidHandle = errors.New("invalid or evicted handle")
	ErrDuplicate     = errors.New("job already registered")
	ErrBadDescriptor = errors.New("invalid descriptor")
)

// ErrorKind classifies engine failures.
type ErrorKind string

const (
	KindInit          ErrorKind = "init"
	KindCall          ErrorKind = "call"
	KindUnsupported   ErrorKind = "unsupported"
	KindInvalidHandle ErrorKind = "invalid_handle"
	KindDuplicate     ErrorKind = "duplicate"
)

// EngineError normalizes failures raised by either adapter.
type EngineError struct {
	Kind    ErrorKind
	Op      string
	Message string
	Err     error
}

func (e *EngineError) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	return fmt.Sprintf("engine %s (%s): %s", e.Op, e.Kind, msg)
}

func (e *EngineError) Unwrap() error {
	return e.Err
}

// Is lets errors.Is match the sentinel associated with the error kind.
func (e *EngineError) Is(target error) bool {
	switch e.Kind {
	case KindUnsupported:
		return target == ErrUnsupported
	case KindInvalidHandle:
		return target == ErrInvalidHandle
	case KindDuplicate:
		return target == ErrDuplicate
	}
	return false
}

func newError(kind ErrorKind, op string, err error) error {
	return &EngineError{Kind: kind, Op: op, Err: err}
}

func initError(err error) error {
	return newError(KindInit, "init", err)
}

func callError(op string, err error) error {
	return newError(KindCall, op, err)
}

func unsupported(op string) error {
	return &EngineError{Kind: KindUnsupported, Op: op, Message: "not supported by this engine", Err: ErrUnsupported}
}

func invalidHandle(op, id string) error {
	return &EngineError{Kind: KindInvalidHandle, Op: op, Message: fmt.Sprintf("handle %s is no longer valid", id), Err: ErrInvalidHandle}
}

// IsUnsupported reports whether err signals a missing engine capability.
func IsUnsupported(err error) bool {
	return errors.Is(err, ErrUnsupported)
}

// IsInvalidHandle reports whether err signals a stale or evicted handle.
func IsInvalidHandle(err error) bool {
	return errors.Is(err, ErrInvalidHandle)
}

// IsInit reports whether err is an initialisation failure.
func IsInit(err error) bool {
	var ee *EngineError
	return errors.As(err, &ee) && ee.Kind == KindInit
}

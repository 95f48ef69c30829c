package pipeline

import (
	"context"
	"errors"
	"fmt"

	"github.com/glizzus/opus-normalize/internal/container"
	"github.com/glizzus/opus-normalize/internal/normalize"
)

var (
	ErrTimeout   = errors.New("timeout")
	ErrCancelled = errors.New("cancelled")

	ErrMalformedContainer = container.ErrMalformedContainer
	ErrUnsupportedStream  = container.ErrUnsupportedStream
	ErrWriteFailure       = container.ErrWriteFailure
	ErrInvalidFrame       = normalize.ErrInvalidFrame
)

// Error is returned by every failed run. Page and Packet locate the input
// position being processed when the failure happened; they are -1 when no
// position applies.
type Error struct {
	State  State
	Page   int64
	Packet int
	Err    error
}

func (e *Error) Error() string {
	switch {
	case e.Packet >= 0 && e.Page >= 0:
		return fmt.Sprintf("normalize failed while %s at page %d packet %d: %v", e.State, e.Page, e.Packet, e.Err)
	case e.Packet >= 0:
		return fmt.Sprintf("normalize failed while %s at packet %d: %v", e.State, e.Packet, e.Err)
	}
	return fmt.Sprintf("normalize failed while %s: %v", e.State, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

var _ error = (*Error)(nil)

// locatedError carries the input position of a stage failure up to the
// orchestrator.
type locatedError struct {
	page   int64
	packet int
	err    error
}

func (e *locatedError) Error() string {
	return e.err.Error()
}

func (e *locatedError) Unwrap() error {
	return e.err
}

func at(p container.Packet, err error) error {
	return &locatedError{page: int64(p.Page), packet: p.Index, err: err}
}

// newError builds the Error returned to callers, translating context errors
// into ErrTimeout and ErrCancelled.
func newError(state State, err error) *Error {
	e := &Error{State: state, Page: -1, Packet: -1, Err: err}

	var located *locatedError
	if errors.As(err, &located) {
		e.Page = located.page
		e.Packet = located.packet
		e.Err = located.err
	}

	switch {
	case errors.Is(e.Err, context.DeadlineExceeded):
		e.Err = fmt.Errorf("%w: %w", ErrTimeout, e.Err)
	case errors.Is(e.Err, context.Canceled):
		e.Err = fmt.Errorf("%w: %w", ErrCancelled, e.Err)
	}
	return e
}

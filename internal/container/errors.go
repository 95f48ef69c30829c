package container

import (
	"errors"
	"fmt"

	"github.com/glizzus/opus-normalize/internal/ogg"
	"github.com/glizzus/opus-normalize/internal/opus"
)

var (
	// ErrMalformedContainer means the input violates Ogg or Ogg Opus framing.
	ErrMalformedContainer = errors.New("malformed container")
	// ErrUnsupportedStream means the input is well formed but carries
	// something other than a mono or stereo Opus stream.
	ErrUnsupportedStream = errors.New("unsupported stream")
	// ErrWriteFailure wraps any error returned by the output sink.
	ErrWriteFailure = errors.New("write failure")
	// ErrEmptyStream means the input holds no audio packets.
	ErrEmptyStream = errors.New("stream contains no audio packets")
)

// classify wraps a lower level error with the matching sentinel while
// keeping the cause reachable.
func classify(err error) error {
	switch {
	case errors.Is(err, ogg.ErrNoBOS),
		errors.Is(err, opus.ErrNotOpusHead),
		errors.Is(err, opus.ErrUnsupportedVersion):
		return fmt.Errorf("%w: %w", ErrUnsupportedStream, err)
	default:
		return fmt.Errorf("%w: %w", ErrMalformedContainer, err)
	}
}

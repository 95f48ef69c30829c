package opus

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
)

// ErrFrameTooLarge is returned when a length-prefixed packet does not fit the
// 16 bit length field.
var ErrFrameTooLarge = errors.New("opus: packet too large for length prefix")

// FrameReader reads length-prefixed Opus packets from an io.Reader.
type FrameReader struct {
	r io.Reader
}

// NewFrameReader returns a new FrameReader that reads from r.
func NewFrameReader(r io.Reader) *FrameReader {
	return &FrameReader{r: r}
}

// ReadFrame reads and returns the next raw Opus packet.
// Returns io.EOF when there are no more packets and io.ErrUnexpectedEOF if
// the input ends inside one.
func (f *FrameReader) ReadFrame() ([]byte, error) {
	var size uint16
	if err := binary.Read(f.r, binary.LittleEndian, &size); err != nil {
		return nil, err
	}

	frame := make([]byte, size)
	if _, err := io.ReadFull(f.r, frame); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, io.ErrUnexpectedEOF
		}
		return nil, err
	}
	return frame, nil
}

// FrameWriter writes Opus packets in the length-prefixed format read by
// FrameReader.
type FrameWriter struct {
	w io.Writer
}

func NewFrameWriter(w io.Writer) *FrameWriter {
	return &FrameWriter{w: w}
}

func (f *FrameWriter) WriteFrame(packet []byte) error {
	if len(packet) > math.MaxUint16 {
		return fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, len(packet))
	}
	var lenBuf [2]byte
	binary.LittleEndian.PutUint16(lenBuf[:], uint16(len(packet)))
	if _, err := f.w.Write(lenBuf[:]); err != nil {
		return err
	}
	_, err := f.w.Write(packet)
	return err
}

package ogg

import (
	"errors"
	"io"
)

var ErrWriterClosed = errors.New("ogg: writer closed")

// Writer lays packets of one logical bitstream out into pages.
//
// Packets are kept whole on a page whenever they fit in the remaining
// segment table; larger packets are split across pages and the following
// page is flagged as a continuation. Pages are only emitted on Flush,
// Finish, or when the segment table fills up.
type Writer struct {
	w        io.Writer
	serial   uint32
	sequence uint32

	segments []byte
	body     []byte

	granule   int64
	completed int
	continued bool

	pages int
	bytes int64
	err   error
}

// NewWriter returns a Writer emitting pages with the given serial number.
func NewWriter(w io.Writer, serial uint32) *Writer {
	return &Writer{w: w, serial: serial, granule: NoGranule}
}

// WritePacket appends a packet whose end corresponds to granule.
func (w *Writer) WritePacket(data []byte, granule int64) error {
	if w.err != nil {
		return w.err
	}

	values := lacing(len(data))
	if len(values) <= MaxSegments && len(w.segments)+len(values) > MaxSegments {
		if err := w.flush(0); err != nil {
			return err
		}
	}

	mid := false
	offset := 0
	for _, v := range values {
		if len(w.segments) == MaxSegments {
			if err := w.flush(0); err != nil {
				return err
			}
			w.continued = mid
		}
		w.segments = append(w.segments, v)
		w.body = append(w.body, data[offset:offset+int(v)]...)
		offset += int(v)
		mid = true
	}

	w.granule = granule
	w.completed++
	return nil
}

// Flush emits the buffered page, if any. The first page emitted carries
// the beginning-of-stream flag.
func (w *Writer) Flush() error {
	if w.err != nil {
		return w.err
	}
	if len(w.segments) == 0 {
		return nil
	}
	return w.flush(0)
}

// Finish emits the final page with the end-of-stream flag set. When granule
// is not NoGranule it overrides the granule position of that page, which is
// how end trimming is expressed. An empty page is written if nothing is
// buffered. The Writer cannot be used afterwards.
func (w *Writer) Finish(granule int64) error {
	if w.err != nil {
		return w.err
	}
	if granule != NoGranule {
		w.granule = granule
		if w.completed == 0 && len(w.segments) == 0 {
			w.completed = 1
		}
	}
	if err := w.flush(EOS); err != nil {
		return err
	}
	w.err = ErrWriterClosed
	return nil
}

func (w *Writer) flush(flags byte) error {
	page := Page{
		HeaderType: flags,
		Granule:    NoGranule,
		Serial:     w.serial,
		Sequence:   w.sequence,
		Segments:   w.segments,
		Body:       w.body,
	}
	if w.pages == 0 {
		page.HeaderType |= BOS
	}
	if w.continued {
		page.HeaderType |= Continued
	}
	if w.completed > 0 {
		page.Granule = w.granule
	}

	n, err := w.w.Write(page.Encode())
	w.bytes += int64(n)
	if err != nil {
		w.err = err
		return err
	}

	w.sequence++
	w.pages++
	w.segments = w.segments[:0]
	w.body = w.body[:0]
	w.completed = 0
	w.continued = false
	return nil
}

// Pages returns the number of pages written.
func (w *Writer) Pages() int {
	return w.pages
}

// BytesWritten returns the number of bytes written to the sink.
func (w *Writer) BytesWritten() int64 {
	return w.bytes
}

package container

import (
	"errors"
	"io"
	"time"
)

// Summary describes a whole stream.
type Summary struct {
	Channels        int
	InputSampleRate uint32
	Vendor          string
	PreSkip         uint16
	GainDB          float64

	Packets int
	Frames  int
	// Samples is the total packet duration at 48 kHz, before trimming.
	Samples int64
	EndTrim int64
	// Pages counts Ogg pages including the header pages. It is zero for raw
	// inputs.
	Pages int
}

// Duration is the playable duration once pre-skip and end trim are removed.
func (s Summary) Duration() time.Duration {
	playable := max(s.Samples-int64(s.PreSkip)-s.EndTrim, 0)
	return time.Duration(playable) * time.Second / 48000
}

// Probe reads src to the end and summarizes it.
func Probe(src Source) (Summary, error) {
	head := src.Head()
	s := Summary{
		Channels:        head.Channels,
		InputSampleRate: head.InputSampleRate,
		Vendor:          src.Tags().Vendor,
		PreSkip:         head.PreSkip,
		GainDB:          head.GainDB(),
	}

	for {
		p, err := src.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return s, err
		}
		s.Packets++
		s.Frames += p.Frames
		s.Samples += int64(p.Samples)
	}

	if r, ok := src.(interface {
		EndTrim() int64
		Position() (uint32, int)
	}); ok {
		s.EndTrim = r.EndTrim()
		page, _ := r.Position()
		s.Pages = int(page) + 1
	}
	return s, nil
}

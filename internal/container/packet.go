package container

import (
	"github.com/glizzus/opus-normalize/internal/ogg"
	"github.com/glizzus/opus-normalize/internal/opus"
)

// Packet is one validated Opus packet read from an input.
type Packet struct {
	Data []byte
	TOC  opus.TOC
	// Frames is the number of Opus frames carried by the packet.
	Frames int
	// Samples is the packet duration in samples per channel at 48 kHz.
	Samples int
	// Index is the zero-based position of the packet among audio packets.
	Index int
	// Page is the sequence number of the page the packet completes on.
	Page uint32
	// Granule is the page granule if the packet is the last one completing
	// on its page, ogg.NoGranule otherwise.
	Granule int64
}

// Source yields the audio packets of one Opus stream in order.
type Source interface {
	Head() opus.Head
	Tags() opus.Tags
	// Next returns the next packet or io.EOF once the stream is exhausted.
	Next() (Packet, error)
}

func newPacket(data []byte, index int) (Packet, error) {
	parsed, err := opus.ParsePacket(data)
	if err != nil {
		return Packet{}, err
	}
	return Packet{
		Data:    data,
		TOC:     parsed.TOC,
		Frames:  parsed.FrameCount(),
		Samples: parsed.Samples(),
		Index:   index,
		Granule: ogg.NoGranule,
	}, nil
}

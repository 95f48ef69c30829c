//go:build !cgo

package opus

// LibOpus is unavailable without cgo; every constructor returns
// ErrCodecUnavailable.
type LibOpus struct {
	Bitrate int
}

var _ Codec = LibOpus{}

func (LibOpus) NewDecoder(int, int) (Decoder, error) {
	return nil, ErrCodecUnavailable
}

func (LibOpus) NewEncoder(int, int) (Encoder, error) {
	return nil, ErrCodecUnavailable
}

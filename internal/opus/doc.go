// Package opus models Opus packets and the Ogg Opus headers.
//
// It parses the TOC byte and frame packing of RFC 6716 section 3, merges
// frames back into packets with a Repacketizer, and reads and writes the
// OpusHead and OpusTags headers of RFC 7845. Decoding and encoding audio is
// delegated to a Codec; LibOpus is the libopus implementation.
//
// Raw captures use a minimal binary format: concatenated length-prefixed
// packets ([uint16 LE length][opus bytes]) with no headers. FrameReader and
// FrameWriter handle that format, and Transcode turns any audio FFmpeg
// understands into it.
package opus

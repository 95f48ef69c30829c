// Package ogg reads and writes Ogg bitstream pages (RFC 3533).
//
// PageReader validates page framing: capture pattern, stream structure
// version, segment table and CRC-32 checksum. PacketReader follows a single
// logical bitstream on top of it, reassembling packets that span pages and
// enforcing sequence and granule ordering. Writer lays packets out into
// pages, splitting packets across pages when the 255-segment limit is hit.
package ogg

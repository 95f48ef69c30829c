package ogg

// Ogg uses the unreflected CRC-32 with polynomial 0x04c11db7, zero initial
// value and no final xor, which hash/crc32 does not provide.
var crcTable = func() *[256]uint32 {
	var table [256]uint32
	const poly = 0x04c11db7

	for i := range table {
		r := uint32(i) << 24
		for range 8 {
			if r&0x80000000 != 0 {
				r = (r << 1) ^ poly
			} else {
				r <<= 1
			}
		}
		table[i] = r
	}
	return &table
}()

// checksum computes the page CRC over data. The checksum field of the header
// (bytes 22..25) must be zero.
func checksum(data []byte) uint32 {
	var crc uint32
	for _, b := range data {
		crc = (crc << 8) ^ crcTable[byte(crc>>24)^b]
	}
	return crc
}

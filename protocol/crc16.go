package protocol

// crcTable is the CRC-16/XMODEM lookup table (polynomial 0x1021)
var crcTable = func() [256]uint16 {
	var table [256]uint16
	for i := range table {
		crc := uint16(i) << 8
		for bit := 0; bit < 8; bit++ {
			if crc&0x8000 != 0 {
				crc = crc<<1 ^ CRCPolynomial
			} else {
				crc <<= 1
			}
		}
		table[i] = crc
	}
	return table
}()

// CRC16 calculates the checksum carried by every frame.
// This matches the table driven implementation in the controller firmware:
// CCITT polynomial, zero initial value, no reflection and no final xor.
func CRC16(data []byte) uint16 {
	var crc uint16
	for _, b := range data {
		crc = crcTable[byte(crc>>8)^b] ^ (crc << 8)
	}
	return crc
}

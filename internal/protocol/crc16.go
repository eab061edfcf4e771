package protocol

import "github.com/sigurn/crc16"

var crcTable = crc16.MakeTable(crc16.CRC16_CCITT_FALSE)

// CRC16 returns the CRC-16/CCITT-FALSE checksum of b (poly 0x1021, init
// 0xFFFF, no reflection, no final xor).
func CRC16(b []byte) uint16 {
	return crc16.Checksum(b, crcTable)
}

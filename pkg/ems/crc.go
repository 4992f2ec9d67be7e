// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2026 Kaz Walker, Thermoquad

package ems

// crcPolynomial is the EMS checksum feedback term for a set MSB
const crcPolynomial = 0x19

var crcTable = buildCRCTable()

func buildCRCTable() [256]byte {
	var table [256]byte
	for i := 0; i < 256; i++ {
		v := byte(i << 1)
		if i&0x80 != 0 {
			v ^= crcPolynomial
		}
		table[i] = v
	}
	return table
}

// CalculateCRC computes the EMS checksum over data.
// For a received frame pass everything except the trailing CRC byte.
func CalculateCRC(data []byte) byte {
	var crc byte
	for _, b := range data {
		crc = crcTable[crc] ^ b
	}
	return crc
}

// AppendCRC returns frame with its checksum appended
func AppendCRC(frame []byte) []byte {
	return append(frame, CalculateCRC(frame))
}

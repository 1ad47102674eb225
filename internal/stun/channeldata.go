package stun

import (
	"encoding/binary"
	"fmt"
)

// ChannelDataHeaderSize is the fixed 4-byte ChannelData header: a 2-byte
// channel number and a 2-byte length (RFC 8656 §12.4).
const ChannelDataHeaderSize = 4

// IsChannelData reports whether the leading 16 bits of data fall in the
// channel number range [0x4000, 0x7FFF]. The UDP and TCP/TLS listeners
// check it before IsSTUN to tell ChannelData frames from STUN messages per
// spec §4.1 — the order does not matter, since the two framings are
// disjoint: STUN message types always have their top two bits clear.
func IsChannelData(data []byte) bool {
	if len(data) < ChannelDataHeaderSize {
		return false
	}
	ch := binary.BigEndian.Uint16(data[0:2])
	return ch >= 0x4000 && ch <= 0x7FFF
}

// ChannelData is a parsed ChannelData frame.
type ChannelData struct {
	Number uint16
	Data   []byte // view into the decode buffer; copy before retaining
}

// DecodeChannelData parses a ChannelData frame. Bytes past 4+length are
// ignored, so it serves both an unpadded UDP datagram and a TCP/TLS frame
// whose payload is padded to a 4-byte boundary.
func DecodeChannelData(data []byte) (ChannelData, error) {
	if len(data) < ChannelDataHeaderSize {
		return ChannelData{}, fmt.Errorf("stun: channel data too short: %d bytes", len(data))
	}
	ch := binary.BigEndian.Uint16(data[0:2])
	length := int(binary.BigEndian.Uint16(data[2:4]))
	if length > len(data)-ChannelDataHeaderSize {
		return ChannelData{}, fmt.Errorf("stun: channel data length %d exceeds available %d", length, len(data)-ChannelDataHeaderSize)
	}
	return ChannelData{Number: ch, Data: data[4 : 4+length]}, nil
}

// EncodeChannelData builds a ChannelData frame for UDP transport: a 4-byte
// header followed by payload with no padding.
func EncodeChannelData(channel uint16, payload []byte) []byte {
	buf := make([]byte, ChannelDataHeaderSize+len(payload))
	binary.BigEndian.PutUint16(buf[0:2], channel)
	binary.BigEndian.PutUint16(buf[2:4], uint16(len(payload)))
	copy(buf[4:], payload)
	return buf
}

// EncodeChannelDataFramed builds a ChannelData frame for TCP/TLS transport,
// where the payload is padded to a 4-byte boundary (RFC 8656 §12.4); the
// padding bytes are not reflected in the length field.
func EncodeChannelDataFramed(channel uint16, payload []byte) []byte {
	padded := (len(payload) + 3) &^ 3
	buf := make([]byte, ChannelDataHeaderSize+padded)
	binary.BigEndian.PutUint16(buf[0:2], channel)
	binary.BigEndian.PutUint16(buf[2:4], uint16(len(payload)))
	copy(buf[4:], payload)
	return buf
}

// FrameLength returns the total on-wire size (header + padded payload) of a
// ChannelData frame whose Length field is payloadLen, as used by
// the TCP/TLS framed reader to know how many bytes to consume.
func FrameLength(payloadLen int) int {
	return ChannelDataHeaderSize + ((payloadLen + 3) &^ 3)
}

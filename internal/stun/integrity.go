package stun

import (
	"crypto/hmac"
	"crypto/sha1"
	"crypto/sha256"
	"encoding/binary"
	"hash/crc32"
)

// findAttrOffset scans the attribute TLV stream in data (offset HeaderSize..end)
// for the first attribute of type t, returning its offset (of the 4-byte
// attribute header) or -1 if absent.
func findAttrOffset(data []byte, t uint16) int {
	if len(data) < HeaderSize {
		return -1
	}
	msgLen := int(binary.BigEndian.Uint16(data[2:4]))
	end := HeaderSize + msgLen
	if end > len(data) {
		end = len(data)
	}
	offset := HeaderSize
	for offset+4 <= end {
		attrType := binary.BigEndian.Uint16(data[offset : offset+2])
		attrLen := int(binary.BigEndian.Uint16(data[offset+2 : offset+4]))
		if attrType == t {
			return offset
		}
		offset += 4 + ((attrLen + 3) &^ 3)
	}
	return -1
}

// integrityPrefix returns the bytes that MESSAGE-INTEGRITY[-SHA256] is
// computed over: everything before the MI attribute, with the message
// Length field patched to end exactly at the MI attribute (RFC 8489
// §14.6 — the HMAC excludes FINGERPRINT and the MI attribute itself).
func integrityPrefix(data []byte, miOffset, miValueLen int) []byte {
	hashLen := 4 + miValueLen
	prefix := make([]byte, miOffset)
	copy(prefix, data[:miOffset])
	binary.BigEndian.PutUint16(prefix[2:4], uint16(miOffset-HeaderSize+hashLen))
	return prefix
}

// VerifyIntegrity recomputes HMAC-SHA1 over msg.Raw using key and
// constant-time compares it against the MESSAGE-INTEGRITY attribute. It
// requires msg to have been produced by Decode (msg.Raw set).
func VerifyIntegrity(msg *Message, key []byte) bool {
	if msg.Raw == nil {
		return false
	}
	off := findAttrOffset(msg.Raw, AttrMessageIntegrity)
	if off < 0 || off+4+20 > len(msg.Raw) {
		return false
	}
	prefix := integrityPrefix(msg.Raw, off, 20)
	mac := hmac.New(sha1.New, key)
	mac.Write(prefix)
	expected := mac.Sum(nil)
	return hmac.Equal(expected, msg.Raw[off+4:off+4+20])
}

// VerifyIntegritySHA256 recomputes HMAC-SHA256 against
// MESSAGE-INTEGRITY-SHA256 (RFC 8489 §14.7), used when the negotiated
// PASSWORD-ALGORITHM is SHA-256.
func VerifyIntegritySHA256(msg *Message, key []byte) bool {
	if msg.Raw == nil {
		return false
	}
	off := findAttrOffset(msg.Raw, AttrMessageIntegritySHA256)
	if off < 0 || off+4+32 > len(msg.Raw) {
		return false
	}
	prefix := integrityPrefix(msg.Raw, off, 32)
	mac := hmac.New(sha256.New, key)
	mac.Write(prefix)
	expected := mac.Sum(nil)
	return hmac.Equal(expected, msg.Raw[off+4:off+4+32])
}

// VerifyFingerprint validates the FINGERPRINT attribute, which per spec is
// always the final attribute of the message.
func VerifyFingerprint(msg *Message) bool {
	data := msg.Raw
	if len(data) < HeaderSize+8 {
		return false
	}
	fpOffset := len(data) - 8
	if binary.BigEndian.Uint16(data[fpOffset:fpOffset+2]) != AttrFingerprint {
		return false
	}
	expected := crc32.ChecksumIEEE(data[:fpOffset]) ^ fingerprintXOR
	actual := binary.BigEndian.Uint32(data[fpOffset+4 : fpOffset+8])
	return expected == actual
}

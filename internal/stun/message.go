// Package stun implements a zero-copy STUN (RFC 8489) and TURN (RFC 8656)
// message codec: header and attribute parsing, message construction,
// MESSAGE-INTEGRITY/FINGERPRINT compute and verify, and the XOR-address
// transform. It has no dependency on the session/router/ops layers above
// it — callers own every STUN error response they send back.
package stun

import (
	"encoding/binary"
	"fmt"
	"unicode/utf8"
)

// Header constants.
const (
	HeaderSize  = 20
	MagicCookie = 0x2112A442

	fingerprintXOR = 0x5354554E
)

// Methods used by the TURN relay (RFC 8656 §18, RFC 8489 §18.1).
const (
	MethodBinding          = 0x001
	MethodAllocate         = 0x003
	MethodRefresh          = 0x004
	MethodSend             = 0x006
	MethodData             = 0x007
	MethodCreatePermission = 0x008
	MethodChannelBind      = 0x009
)

// Message classes.
const (
	ClassRequest         = 0x00
	ClassIndication      = 0x01
	ClassSuccessResponse = 0x02
	ClassErrorResponse   = 0x03
)

// Attribute types. Comprehension-required attributes have a type <= 0x7FFF;
// comprehension-optional ones are > 0x7FFF (RFC 8489 §14).
const (
	AttrMappedAddress          = 0x0001
	AttrUsername               = 0x0006
	AttrMessageIntegrity        = 0x0008
	AttrErrorCode               = 0x0009
	AttrUnknownAttributes       = 0x000A
	AttrChannelNumber           = 0x000C
	AttrLifetime                = 0x000D
	AttrXORPeerAddress          = 0x0012
	AttrData                    = 0x0013
	AttrRealm                   = 0x0014
	AttrNonce                   = 0x0015
	AttrXORRelayedAddress       = 0x0016
	AttrRequestedTransport      = 0x0019
	AttrXORMappedAddress        = 0x0020
	AttrResponseOrigin          = 0x802B
	AttrSoftware                = 0x8022
	AttrFingerprint              = 0x8028
	AttrMessageIntegritySHA256   = 0x001C
	AttrPasswordAlgorithm        = 0x001D
	AttrUserhash                 = 0x001E
	AttrPasswordAlgorithms       = 0x8002
)

// Address families used in XOR address attributes.
const (
	FamilyIPv4 = 0x01
	FamilyIPv6 = 0x02
)

// PASSWORD-ALGORITHM values (RFC 8489 §14.12).
const (
	PasswordAlgorithmMD5    = 0x0001
	PasswordAlgorithmSHA256 = 0x0002
)

// REQUESTED-TRANSPORT protocol numbers (RFC 8656 §18.11). UDP (17) is the
// only value this relay accepts; anything else gets 442.
const RequestedTransportUDP = 17

// knownAttrs lists the comprehension-required attribute types this codec
// understands. Anything with type <= 0x7FFF not in this set triggers a 420
// Unknown Attribute response per spec (the ops layer consults this via
// Message.UnknownRequired).
var knownAttrs = map[uint16]bool{
	AttrMappedAddress:        true,
	AttrUsername:             true,
	AttrMessageIntegrity:     true,
	AttrErrorCode:            true,
	AttrUnknownAttributes:    true,
	AttrChannelNumber:        true,
	AttrLifetime:             true,
	AttrXORPeerAddress:       true,
	AttrData:                 true,
	AttrRealm:                true,
	AttrNonce:                true,
	AttrXORRelayedAddress:    true,
	AttrRequestedTransport:   true,
	AttrXORMappedAddress:     true,
	AttrMessageIntegritySHA256: true,
	AttrPasswordAlgorithm:    true,
	AttrUserhash:             true,
}

// DecodeError is returned by Decode and the string attribute accessors for
// malformed wire input. It never corresponds to a panic: the decoder treats
// attacker-controlled bytes as hostile and always fails closed.
type DecodeError struct {
	Kind string // "header", "truncated", or "string"
	Msg  string
}

func (e *DecodeError) Error() string { return fmt.Sprintf("stun: %s: %s", e.Kind, e.Msg) }

func errHeader(msg string) error    { return &DecodeError{Kind: "header", Msg: msg} }
func errTruncated(msg string) error { return &DecodeError{Kind: "truncated", Msg: msg} }

// MessageType encodes a STUN method and class into the 16-bit type field.
// The encoding interleaves method and class bits per RFC 8489 §5:
//
//	Bits: M11 M10 M9 M8 M7 C1 M6 M5 M4 C0 M3 M2 M1 M0
func MessageType(method, class int) uint16 {
	m := uint16(method)
	c := uint16(class)
	return (m & 0x0F) | ((c & 0x01) << 4) | ((m & 0x70) << 1) | ((c & 0x02) << 7) | ((m & 0xF80) << 2)
}

// ParseType extracts the method and class from a STUN message type field.
func ParseType(t uint16) (method, class int) {
	method = int((t & 0x0F) | ((t >> 1) & 0x70) | ((t >> 2) & 0xF80))
	class = int(((t >> 4) & 0x01) | ((t >> 7) & 0x02))
	return method, class
}

// Attribute is a decoded STUN TLV. Value is a slice into the original
// decode buffer — it is not copied. Callers that retain an Attribute past
// the lifetime of the buffer (e.g. across a suspension point) must copy it
// first; see Message.Clone.
type Attribute struct {
	Type  uint16
	Value []byte
}

// Message is a parsed STUN/TURN message. Attributes preserve wire order.
type Message struct {
	Method        int
	Class         int
	TransactionID [12]byte
	Attributes    []Attribute

	// Raw is the full wire-format message this was decoded from, including
	// any trailing MESSAGE-INTEGRITY/FINGERPRINT. It is required by
	// VerifyIntegrity, which must recompute the HMAC over the original
	// bytes. Raw is nil for messages built in-process via Builder.
	Raw []byte
}

// IsSTUN reports whether data looks like a STUN message: the first two bits
// of the leading octet are zero and bytes 4-7 carry the magic cookie. The
// listeners apply it after IsChannelData.
func IsSTUN(data []byte) bool {
	if len(data) < HeaderSize {
		return false
	}
	if data[0]&0xC0 != 0 {
		return false
	}
	return binary.BigEndian.Uint32(data[4:8]) == MagicCookie
}

// Decode parses a STUN message header and attribute TLVs from data.
// Attribute values reference data directly (zero-copy); data must outlive
// the returned Message and must not be mutated while it is in use.
// Decode never validates MESSAGE-INTEGRITY or FINGERPRINT — use
// VerifyIntegrity and VerifyFingerprint for that, since both require a key
// or a specific attribute position the generic decoder does not assume.
func Decode(data []byte) (*Message, error) {
	if len(data) < HeaderSize {
		return nil, errHeader(fmt.Sprintf("message too short: %d bytes", len(data)))
	}

	msgType := binary.BigEndian.Uint16(data[0:2])
	msgLen := binary.BigEndian.Uint16(data[2:4])
	cookie := binary.BigEndian.Uint32(data[4:8])

	if cookie != MagicCookie {
		return nil, errHeader(fmt.Sprintf("bad magic cookie: %#x", cookie))
	}
	if msgLen%4 != 0 {
		return nil, errHeader(fmt.Sprintf("length %d not 4-byte aligned", msgLen))
	}
	if int(msgLen)+HeaderSize > len(data) {
		return nil, errTruncated(fmt.Sprintf("length %d exceeds available %d", msgLen, len(data)-HeaderSize))
	}

	method, class := ParseType(msgType)

	msg := &Message{Method: method, Class: class, Raw: data}
	copy(msg.TransactionID[:], data[8:20])

	offset := HeaderSize
	end := HeaderSize + int(msgLen)
	for offset+4 <= end {
		attrType := binary.BigEndian.Uint16(data[offset : offset+2])
		attrLen := int(binary.BigEndian.Uint16(data[offset+2 : offset+4]))
		if offset+4+attrLen > end {
			return nil, errTruncated(fmt.Sprintf("attribute %#x length %d exceeds message", attrType, attrLen))
		}
		msg.Attributes = append(msg.Attributes, Attribute{
			Type:  attrType,
			Value: data[offset+4 : offset+4+attrLen],
		})
		offset += 4 + ((attrLen + 3) &^ 3)
	}
	if offset != end {
		return nil, errTruncated("trailing bytes within declared message length")
	}

	return msg, nil
}

// Clone returns a copy of m whose attribute values no longer reference the
// original decode buffer. Handlers must call this before retaining a
// Message across a suspension point (e.g. an Observer RPC) that might
// outlive the buffer's owner.
func (m *Message) Clone() *Message {
	out := &Message{Method: m.Method, Class: m.Class, TransactionID: m.TransactionID}
	out.Attributes = make([]Attribute, len(m.Attributes))
	for i, a := range m.Attributes {
		v := make([]byte, len(a.Value))
		copy(v, a.Value)
		out.Attributes[i] = Attribute{Type: a.Type, Value: v}
	}
	if m.Raw != nil {
		raw := make([]byte, len(m.Raw))
		copy(raw, m.Raw)
		out.Raw = raw
	}
	return out
}

// Attr returns the first attribute of the given type, or nil.
func (m *Message) Attr(t uint16) []byte {
	for _, a := range m.Attributes {
		if a.Type == t {
			return a.Value
		}
	}
	return nil
}

// Attrs returns all attributes of the given type, in wire order.
func (m *Message) Attrs(t uint16) [][]byte {
	var out [][]byte
	for _, a := range m.Attributes {
		if a.Type == t {
			out = append(out, a.Value)
		}
	}
	return out
}

// HasAttr reports whether an attribute of the given type is present.
func (m *Message) HasAttr(t uint16) bool { return m.Attr(t) != nil }

// UnknownRequired returns up to max comprehension-required attribute types
// (type <= 0x7FFF) present in m that are not in knownAttrs, for building a
// 420 Unknown Attribute response. Comprehension-optional attributes
// (type > 0x7FFF) are never reported — they are silently skipped per spec.
func (m *Message) UnknownRequired(max int) []uint16 {
	var out []uint16
	for _, a := range m.Attributes {
		if a.Type > 0x7FFF || knownAttrs[a.Type] {
			continue
		}
		out = append(out, a.Type)
		if len(out) >= max {
			break
		}
	}
	return out
}

// String-valued attribute accessors. UTF-8 validity is checked lazily here,
// at first access, rather than eagerly during Decode (per spec §4.1).

// Username returns USERNAME if present and valid UTF-8.
func (m *Message) Username() (string, error) { return decodeUTF8(m.Attr(AttrUsername)) }

// Realm returns REALM if present and valid UTF-8.
func (m *Message) Realm() (string, error) { return decodeUTF8(m.Attr(AttrRealm)) }

// Nonce returns NONCE if present and valid UTF-8.
func (m *Message) Nonce() (string, error) { return decodeUTF8(m.Attr(AttrNonce)) }

// Software returns SOFTWARE if present and valid UTF-8.
func (m *Message) Software() (string, error) { return decodeUTF8(m.Attr(AttrSoftware)) }

// Lifetime returns the LIFETIME attribute in seconds, or (0, false) if absent.
func (m *Message) Lifetime() (uint32, bool) {
	v := m.Attr(AttrLifetime)
	if len(v) < 4 {
		return 0, false
	}
	return binary.BigEndian.Uint32(v), true
}

// RequestedTransport returns the protocol number from REQUESTED-TRANSPORT,
// or (0, false) if absent.
func (m *Message) RequestedTransport() (byte, bool) {
	v := m.Attr(AttrRequestedTransport)
	if len(v) < 1 {
		return 0, false
	}
	return v[0], true
}

// ChannelNumber returns CHANNEL-NUMBER, or (0, false) if absent.
func (m *Message) ChannelNumber() (uint16, bool) {
	v := m.Attr(AttrChannelNumber)
	if len(v) < 2 {
		return 0, false
	}
	return binary.BigEndian.Uint16(v), true
}

// Data returns the DATA attribute value, or nil.
func (m *Message) Data() []byte { return m.Attr(AttrData) }

// PasswordAlgorithm returns the algorithm id from PASSWORD-ALGORITHM, or
// (PasswordAlgorithmMD5, false) if absent (MD5 is the RFC 8489 default).
func (m *Message) PasswordAlgorithm() (uint16, bool) {
	v := m.Attr(AttrPasswordAlgorithm)
	if len(v) < 2 {
		return PasswordAlgorithmMD5, false
	}
	return binary.BigEndian.Uint16(v), true
}

func decodeUTF8(v []byte) (string, error) {
	if v == nil {
		return "", nil
	}
	if !utf8.Valid(v) {
		return "", &DecodeError{Kind: "string", Msg: "invalid UTF-8"}
	}
	return string(v), nil
}

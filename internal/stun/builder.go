package stun

import (
	"crypto/hmac"
	"crypto/sha1"
	"crypto/sha256"
	"encoding/binary"
	"hash/crc32"
)

// IntegrityAlgorithm selects which MESSAGE-INTEGRITY variant Builder.Build
// appends.
type IntegrityAlgorithm int

const (
	// IntegrityNone appends neither MESSAGE-INTEGRITY nor
	// MESSAGE-INTEGRITY-SHA256.
	IntegrityNone IntegrityAlgorithm = iota
	// IntegritySHA1 appends MESSAGE-INTEGRITY (HMAC-SHA1), the RFC 8489
	// default and the only variant RFC 5766/8656 TURN clients send.
	IntegritySHA1
	// IntegritySHA256 appends MESSAGE-INTEGRITY-SHA256 (HMAC-SHA256),
	// negotiated via PASSWORD-ALGORITHM=SHA256.
	IntegritySHA256
)

// Builder constructs a STUN message attribute-by-attribute, in the order
// attributes are added (RFC 8489 does not mandate attribute order on the
// wire; this codec preserves insertion order for determinism and testing).
type Builder struct {
	method int
	class  int
	txID   [12]byte
	attrs  []byte
}

// NewBuilder starts a message with the given method, class, and transaction ID.
func NewBuilder(method, class int, txID [12]byte) *Builder {
	return &Builder{method: method, class: class, txID: txID}
}

// NewResponse starts a response to req, reusing its method and transaction ID.
func NewResponse(req *Message, class int) *Builder {
	return NewBuilder(req.Method, class, req.TransactionID)
}

// Raw appends an attribute with an already-encoded value.
func (b *Builder) Raw(attrType uint16, value []byte) *Builder {
	var hdr [4]byte
	binary.BigEndian.PutUint16(hdr[0:2], attrType)
	binary.BigEndian.PutUint16(hdr[2:4], uint16(len(value)))
	b.attrs = append(b.attrs, hdr[:]...)
	b.attrs = append(b.attrs, value...)
	if pad := (4 - len(value)%4) % 4; pad > 0 {
		b.attrs = append(b.attrs, make([]byte, pad)...)
	}
	return b
}

func (b *Builder) str(attrType uint16, s string) *Builder { return b.Raw(attrType, []byte(s)) }

// Username adds USERNAME.
func (b *Builder) Username(s string) *Builder { return b.str(AttrUsername, s) }

// Realm adds REALM.
func (b *Builder) Realm(s string) *Builder { return b.str(AttrRealm, s) }

// Nonce adds NONCE.
func (b *Builder) Nonce(s string) *Builder { return b.str(AttrNonce, s) }

// Software adds SOFTWARE.
func (b *Builder) Software(s string) *Builder { return b.str(AttrSoftware, s) }

// Lifetime adds LIFETIME (seconds).
func (b *Builder) Lifetime(seconds uint32) *Builder {
	var v [4]byte
	binary.BigEndian.PutUint32(v[:], seconds)
	return b.Raw(AttrLifetime, v[:])
}

// ErrorCode adds ERROR-CODE with the given numeric code (e.g. 401) and
// reason phrase.
func (b *Builder) ErrorCode(code int, reason string) *Builder {
	v := make([]byte, 4+len(reason))
	v[2] = byte(code / 100)
	v[3] = byte(code % 100)
	copy(v[4:], reason)
	return b.Raw(AttrErrorCode, v)
}

// UnknownAttributes adds UNKNOWN-ATTRIBUTES listing up to four attribute
// types, per the 420 response contract in spec §4.1.
func (b *Builder) UnknownAttributes(types []uint16) *Builder {
	if len(types) > 4 {
		types = types[:4]
	}
	v := make([]byte, 2*len(types))
	for i, t := range types {
		binary.BigEndian.PutUint16(v[2*i:2*i+2], t)
	}
	return b.Raw(AttrUnknownAttributes, v)
}

// XORAddress adds an XOR-transformed address attribute: XOR-MAPPED-ADDRESS,
// XOR-RELAYED-ADDRESS, or XOR-PEER-ADDRESS (callers may add the latter
// multiple times, once per peer).
func (b *Builder) XORAddress(attrType uint16, addr Addr) *Builder {
	return b.Raw(attrType, EncodeXORAddr(addr, b.txID))
}

// Address adds a plain (non-XOR) address attribute: MAPPED-ADDRESS or
// RESPONSE-ORIGIN.
func (b *Builder) Address(attrType uint16, addr Addr) *Builder {
	return b.Raw(attrType, EncodeAddr(addr))
}

// Data adds a DATA attribute.
func (b *Builder) Data(data []byte) *Builder { return b.Raw(AttrData, data) }

// ChannelNumber adds CHANNEL-NUMBER. The first two bytes carry the channel
// number; the last two are reserved (zero).
func (b *Builder) ChannelNumber(ch uint16) *Builder {
	var v [4]byte
	binary.BigEndian.PutUint16(v[0:2], ch)
	return b.Raw(AttrChannelNumber, v[:])
}

// RequestedTransport adds REQUESTED-TRANSPORT.
func (b *Builder) RequestedTransport(proto byte) *Builder {
	return b.Raw(AttrRequestedTransport, []byte{proto, 0, 0, 0})
}

// PasswordAlgorithms adds PASSWORD-ALGORITHMS, listing the algorithms the
// server supports, for inclusion in 401/438 responses (RFC 8489 §14.13).
func (b *Builder) PasswordAlgorithms(algs []uint16) *Builder {
	v := make([]byte, 0, 4*len(algs))
	for _, a := range algs {
		var entry [4]byte
		binary.BigEndian.PutUint16(entry[0:2], a)
		// Parameters length 0 for MD5/SHA256 — neither takes parameters.
		v = append(v, entry[:]...)
	}
	return b.Raw(AttrPasswordAlgorithms, v)
}

// Build finalizes the message: it back-patches the Length field, appends
// MESSAGE-INTEGRITY/MESSAGE-INTEGRITY-SHA256 (if alg != IntegrityNone and
// key != nil) keyed by key, then appends FINGERPRINT unless
// skipFingerprint is true (indications conventionally omit it here, though
// nothing requires that — see BuildIndication).
func (b *Builder) Build(alg IntegrityAlgorithm, key []byte, skipFingerprint bool) []byte {
	buf := make([]byte, HeaderSize+len(b.attrs))
	binary.BigEndian.PutUint16(buf[0:2], MessageType(b.method, b.class))
	binary.BigEndian.PutUint32(buf[4:8], MagicCookie)
	copy(buf[8:20], b.txID[:])
	copy(buf[20:], b.attrs)

	if alg != IntegrityNone && key != nil {
		switch alg {
		case IntegritySHA1:
			binary.BigEndian.PutUint16(buf[2:4], uint16(len(b.attrs)+24))
			mac := hmac.New(sha1.New, key)
			mac.Write(buf)
			sum := mac.Sum(nil)
			var hdr [4]byte
			binary.BigEndian.PutUint16(hdr[0:2], AttrMessageIntegrity)
			binary.BigEndian.PutUint16(hdr[2:4], 20)
			buf = append(buf, hdr[:]...)
			buf = append(buf, sum...)
		case IntegritySHA256:
			binary.BigEndian.PutUint16(buf[2:4], uint16(len(b.attrs)+36))
			mac := hmac.New(sha256.New, key)
			mac.Write(buf)
			sum := mac.Sum(nil)
			var hdr [4]byte
			binary.BigEndian.PutUint16(hdr[0:2], AttrMessageIntegritySHA256)
			binary.BigEndian.PutUint16(hdr[2:4], 32)
			buf = append(buf, hdr[:]...)
			buf = append(buf, sum...)
		}
	}

	if skipFingerprint {
		binary.BigEndian.PutUint16(buf[2:4], uint16(len(buf)-HeaderSize))
		return buf
	}

	binary.BigEndian.PutUint16(buf[2:4], uint16(len(buf)-HeaderSize+8))
	crc := crc32.ChecksumIEEE(buf) ^ fingerprintXOR
	var fpHdr [4]byte
	binary.BigEndian.PutUint16(fpHdr[0:2], AttrFingerprint)
	binary.BigEndian.PutUint16(fpHdr[2:4], 4)
	buf = append(buf, fpHdr[:]...)
	var fpVal [4]byte
	binary.BigEndian.PutUint32(fpVal[:], crc)
	buf = append(buf, fpVal[:]...)
	return buf
}

// BuildIndication finalizes an indication message. Indications never carry
// MESSAGE-INTEGRITY in this relay's Send/Data path (they ride inside an
// already-authenticated channel) and FINGERPRINT is omitted too — cheap to
// add back if a future client requires it.
func (b *Builder) BuildIndication() []byte {
	return b.Build(IntegrityNone, nil, true)
}

package radius

import (
	"crypto/hmac"
	"crypto/md5"
	"crypto/rand"
	"crypto/subtle"
	"encoding/binary"
	"fmt"
	"strconv"
)

// Code is the RADIUS packet code
type Code uint8

// Packet codes (RFC 2865, 2866, 5176)
const (
	CodeAccessRequest      Code = 1
	CodeAccessAccept       Code = 2
	CodeAccessReject       Code = 3
	CodeAccountingRequest  Code = 4
	CodeAccountingResponse Code = 5
	CodeAccessChallenge    Code = 11
	CodeDisconnectRequest  Code = 40
	CodeDisconnectACK      Code = 41
	CodeDisconnectNAK      Code = 42
	CodeCoARequest         Code = 43
	CodeCoAACK             Code = 44
	CodeCoANAK             Code = 45
)

const (
	headerLen        = 20
	authenticatorLen = 16
	maxPacketLen     = 4096
)

func (c Code) String() string {
	switch c {
	case CodeAccessRequest:
		return "Access-Request"
	case CodeAccessAccept:
		return "Access-Accept"
	case CodeAccessReject:
		return "Access-Reject"
	case CodeAccountingRequest:
		return "Accounting-Request"
	case CodeAccountingResponse:
		return "Accounting-Response"
	case CodeAccessChallenge:
		return "Access-Challenge"
	case CodeDisconnectRequest:
		return "Disconnect-Request"
	case CodeDisconnectACK:
		return "Disconnect-ACK"
	case CodeDisconnectNAK:
		return "Disconnect-NAK"
	case CodeCoARequest:
		return "CoA-Request"
	case CodeCoAACK:
		return "CoA-ACK"
	case CodeCoANAK:
		return "CoA-NAK"
	}
	return "Code-" + strconv.Itoa(int(c))
}

// Packet is a decoded or to-be-encoded RADIUS packet
type Packet struct {
	Code          Code
	Identifier    uint8
	Authenticator [authenticatorLen]byte
	Attributes    []Attribute

	// Truncated is set by Decode when a malformed attribute stopped
	// attribute parsing. Attributes holds whatever parsed before it.
	Truncated bool
}

// NewPacket creates an empty packet
func NewPacket(code Code, identifier uint8) *Packet {
	return &Packet{Code: code, Identifier: identifier}
}

// Add encodes v and appends it as an attribute of type t
func (p *Packet) Add(t Type, v interface{}) error {
	attr, err := EncodeAttribute(t, v)
	if err != nil {
		return err
	}
	p.Attributes = append(p.Attributes, attr)
	return nil
}

// Get returns the first attribute of type t
func (p *Packet) Get(t Type) (Attribute, bool) {
	for _, a := range p.Attributes {
		if a.Type == t {
			return a, true
		}
	}
	return Attribute{}, false
}

// GetAll returns every attribute of type t
func (p *Packet) GetAll(t Type) []Attribute {
	var out []Attribute
	for _, a := range p.Attributes {
		if a.Type == t {
			out = append(out, a)
		}
	}
	return out
}

// GetString returns the first attribute of type t as a string
func (p *Packet) GetString(t Type) string {
	if a, ok := p.Get(t); ok {
		return string(a.Value)
	}
	return ""
}

// GetUint32 returns the first attribute of type t as an integer
func (p *Packet) GetUint32(t Type) (uint32, bool) {
	if a, ok := p.Get(t); ok {
		return a.Uint32()
	}
	return 0, false
}

// Del removes every attribute of type t
func (p *Packet) Del(t Type) {
	kept := p.Attributes[:0]
	for _, a := range p.Attributes {
		if a.Type != t {
			kept = append(kept, a)
		}
	}
	p.Attributes = kept
}

// marshal lays out header and attributes. The length field is patched
// once the attribute bytes are known.
func (p *Packet) marshal() ([]byte, error) {
	buf := make([]byte, headerLen, headerLen+64)
	buf[0] = byte(p.Code)
	buf[1] = p.Identifier
	copy(buf[4:headerLen], p.Authenticator[:])

	for _, a := range p.Attributes {
		b, err := a.Encode()
		if err != nil {
			return nil, err
		}
		buf = append(buf, b...)
	}

	if len(buf) > maxPacketLen {
		return nil, fmt.Errorf("%w: packet is %d bytes, max %d", ErrEncode, len(buf), maxPacketLen)
	}
	binary.BigEndian.PutUint16(buf[2:4], uint16(len(buf)))
	return buf, nil
}

// Encode serializes a request. Accounting, CoA and Disconnect requests get
// the RFC 2866 request authenticator, which is also stored back on p so the
// response can be verified. Access-Request keeps the random authenticator
// already set on p.
func (p *Packet) Encode(secret []byte) ([]byte, error) {
	buf, err := p.marshal()
	if err != nil {
		return nil, err
	}

	switch p.Code {
	case CodeAccountingRequest, CodeCoARequest, CodeDisconnectRequest:
		for i := 4; i < headerLen; i++ {
			buf[i] = 0
		}
		sum := digest(buf, secret)
		copy(buf[4:headerLen], sum[:])
		p.Authenticator = sum
	default:
		signMessageAuthenticator(buf, secret)
	}

	return buf, nil
}

// EncodeResponse serializes a reply to the request whose authenticator is
// requestAuth, computing the response authenticator.
func (p *Packet) EncodeResponse(requestAuth [authenticatorLen]byte, secret []byte) ([]byte, error) {
	buf, err := p.marshal()
	if err != nil {
		return nil, err
	}
	copy(buf[4:headerLen], requestAuth[:])
	signMessageAuthenticator(buf, secret)

	sum := digest(buf, secret)
	copy(buf[4:headerLen], sum[:])
	p.Authenticator = sum
	return buf, nil
}

// Decode parses a datagram. Buffers shorter than the header are rejected
// before anything is read; a malformed attribute stops attribute parsing
// and sets Truncated, keeping the header.
func Decode(buf []byte) (*Packet, error) {
	if len(buf) < headerLen {
		return nil, fmt.Errorf("%w: got %d bytes", ErrShortPacket, len(buf))
	}

	length := int(binary.BigEndian.Uint16(buf[2:4]))
	if length < headerLen || length > len(buf) || length > maxPacketLen {
		return nil, fmt.Errorf("%w: declared length %d, datagram %d bytes", ErrMalformedPacket, length, len(buf))
	}

	p := &Packet{
		Code:       Code(buf[0]),
		Identifier: buf[1],
	}
	copy(p.Authenticator[:], buf[4:headerLen])

	body := buf[:length]
	for offset := headerLen; offset < length; {
		attr, next, err := DecodeAttribute(body, offset)
		if err != nil {
			p.Truncated = true
			break
		}
		p.Attributes = append(p.Attributes, attr)
		offset = next
	}

	return p, nil
}

// NewRequestAuthenticator returns 16 unpredictable bytes for an
// Access-Request.
func NewRequestAuthenticator() ([authenticatorLen]byte, error) {
	var auth [authenticatorLen]byte
	if _, err := rand.Read(auth[:]); err != nil {
		return auth, fmt.Errorf("failed to generate request authenticator: %w", err)
	}
	return auth, nil
}

// VerifyResponse checks raw against MD5(code|id|len|requestAuth|attrs|secret)
func VerifyResponse(raw []byte, requestAuth [authenticatorLen]byte, secret []byte) error {
	body, err := framed(raw)
	if err != nil {
		return err
	}

	check := make([]byte, len(body))
	copy(check, body)
	copy(check[4:headerLen], requestAuth[:])
	sum := digest(check, secret)

	if subtle.ConstantTimeCompare(sum[:], body[4:headerLen]) != 1 {
		return ErrAuthenticatorMismatch
	}
	return nil
}

// VerifyRequest checks the authenticator of an Accounting, CoA or
// Disconnect request.
func VerifyRequest(raw []byte, secret []byte) error {
	body, err := framed(raw)
	if err != nil {
		return err
	}

	check := make([]byte, len(body))
	copy(check, body)
	for i := 4; i < headerLen; i++ {
		check[i] = 0
	}
	sum := digest(check, secret)

	if subtle.ConstantTimeCompare(sum[:], body[4:headerLen]) != 1 {
		return ErrAuthenticatorMismatch
	}
	return nil
}

func framed(raw []byte) ([]byte, error) {
	if len(raw) < headerLen {
		return nil, fmt.Errorf("%w: got %d bytes", ErrShortPacket, len(raw))
	}
	length := int(binary.BigEndian.Uint16(raw[2:4]))
	if length < headerLen || length > len(raw) {
		return nil, fmt.Errorf("%w: declared length %d, datagram %d bytes", ErrMalformedPacket, length, len(raw))
	}
	return raw[:length], nil
}

func digest(buf, secret []byte) [authenticatorLen]byte {
	h := md5.New()
	h.Write(buf)
	h.Write(secret)
	var sum [authenticatorLen]byte
	copy(sum[:], h.Sum(nil))
	return sum
}

// signMessageAuthenticator fills an RFC 2869 Message-Authenticator in
// place. The HMAC covers the packet with the attribute value zeroed.
func signMessageAuthenticator(buf, secret []byte) {
	offset := headerLen
	for offset+2 <= len(buf) {
		length := int(buf[offset+1])
		if length < 2 {
			return
		}
		if Type(buf[offset]) == AttrMessageAuthenticator && length == 2+authenticatorLen {
			value := buf[offset+2 : offset+length]
			for i := range value {
				value[i] = 0
			}
			mac := hmac.New(md5.New, secret)
			mac.Write(buf)
			copy(value, mac.Sum(nil))
			return
		}
		offset += length
	}
}

// VerifyMessageAuthenticator checks the Message-Authenticator of a
// received packet, if it carries one. requestAuth is the authenticator the
// HMAC was computed over (the request's own for requests). The scan stops
// at the first malformed attribute, as Decode does; only an HMAC that does
// not match is an error.
func VerifyMessageAuthenticator(raw []byte, requestAuth [authenticatorLen]byte, secret []byte) error {
	body, err := framed(raw)
	if err != nil {
		return err
	}

	check := make([]byte, len(body))
	copy(check, body)
	copy(check[4:headerLen], requestAuth[:])

	offset := headerLen
	for offset+2 <= len(check) {
		length := int(check[offset+1])
		if length < 2 || offset+length > len(check) {
			return nil
		}
		if Type(check[offset]) == AttrMessageAuthenticator && length == 2+authenticatorLen {
			got := append([]byte(nil), check[offset+2:offset+length]...)
			for i := offset + 2; i < offset+length; i++ {
				check[i] = 0
			}
			mac := hmac.New(md5.New, secret)
			mac.Write(check)
			if !hmac.Equal(got, mac.Sum(nil)) {
				return ErrAuthenticatorMismatch
			}
			return nil
		}
		offset += length
	}
	return nil
}

package radius

import (
	"encoding/binary"
	"fmt"
	"math"
	"net"
	"strconv"
)

// Type is a RADIUS attribute type
type Type uint8

// RADIUS attribute types (RFC 2865, 2866, 2869, 3576)
const (
	AttrUserName             Type = 1
	AttrUserPassword         Type = 2
	AttrNASIPAddress         Type = 4
	AttrNASPort              Type = 5
	AttrServiceType          Type = 6
	AttrFramedProtocol       Type = 7
	AttrFramedIPAddress      Type = 8
	AttrFilterID             Type = 11
	AttrReplyMessage         Type = 18
	AttrState                Type = 24
	AttrClass                Type = 25
	AttrVendorSpecific       Type = 26
	AttrSessionTimeout       Type = 27
	AttrIdleTimeout          Type = 28
	AttrCalledStationID      Type = 30
	AttrCallingStationID     Type = 31
	AttrNASIdentifier        Type = 32
	AttrAcctStatusType       Type = 40
	AttrAcctDelayTime        Type = 41
	AttrAcctInputOctets      Type = 42
	AttrAcctOutputOctets     Type = 43
	AttrAcctSessionID        Type = 44
	AttrAcctAuthentic        Type = 45
	AttrAcctSessionTime      Type = 46
	AttrAcctTerminateCause   Type = 49
	AttrAcctInputGigawords   Type = 52
	AttrAcctOutputGigawords  Type = 53
	AttrNASPortType          Type = 61
	AttrMessageAuthenticator Type = 80
	AttrAcctInterimInterval  Type = 85
	AttrErrorCause           Type = 101
)

// Service-Type and Framed-Protocol values used in Access-Request
const (
	ServiceTypeFramed    = 2
	FramedProtocolPPP    = 1
	NASPortTypeEthernet  = 15
	AcctAuthenticRADIUS  = 1
	maxAttributeValueLen = 253
)

type valueKind int

const (
	kindString valueKind = iota
	kindText
	kindAddress
	kindInteger
)

var attributeKinds = map[Type]valueKind{
	AttrUserName:            kindText,
	AttrNASIPAddress:        kindAddress,
	AttrNASPort:             kindInteger,
	AttrServiceType:         kindInteger,
	AttrFramedProtocol:      kindInteger,
	AttrFramedIPAddress:     kindAddress,
	AttrFilterID:            kindText,
	AttrReplyMessage:        kindText,
	AttrSessionTimeout:      kindInteger,
	AttrIdleTimeout:         kindInteger,
	AttrCalledStationID:     kindText,
	AttrCallingStationID:    kindText,
	AttrNASIdentifier:       kindText,
	AttrAcctStatusType:      kindInteger,
	AttrAcctDelayTime:       kindInteger,
	AttrAcctInputOctets:     kindInteger,
	AttrAcctOutputOctets:    kindInteger,
	AttrAcctSessionID:       kindText,
	AttrAcctAuthentic:       kindInteger,
	AttrAcctSessionTime:     kindInteger,
	AttrAcctTerminateCause:  kindInteger,
	AttrAcctInputGigawords:  kindInteger,
	AttrAcctOutputGigawords: kindInteger,
	AttrNASPortType:         kindInteger,
	AttrAcctInterimInterval: kindInteger,
	AttrErrorCause:          kindInteger,
}

var attributeNames = map[Type]string{
	AttrUserName:             "User-Name",
	AttrUserPassword:         "User-Password",
	AttrNASIPAddress:         "NAS-IP-Address",
	AttrNASPort:              "NAS-Port",
	AttrServiceType:          "Service-Type",
	AttrFramedProtocol:       "Framed-Protocol",
	AttrFramedIPAddress:      "Framed-IP-Address",
	AttrFilterID:             "Filter-Id",
	AttrReplyMessage:         "Reply-Message",
	AttrState:                "State",
	AttrClass:                "Class",
	AttrVendorSpecific:       "Vendor-Specific",
	AttrSessionTimeout:       "Session-Timeout",
	AttrIdleTimeout:          "Idle-Timeout",
	AttrCalledStationID:      "Called-Station-Id",
	AttrCallingStationID:     "Calling-Station-Id",
	AttrNASIdentifier:        "NAS-Identifier",
	AttrAcctStatusType:       "Acct-Status-Type",
	AttrAcctDelayTime:        "Acct-Delay-Time",
	AttrAcctInputOctets:      "Acct-Input-Octets",
	AttrAcctOutputOctets:     "Acct-Output-Octets",
	AttrAcctSessionID:        "Acct-Session-Id",
	AttrAcctAuthentic:        "Acct-Authentic",
	AttrAcctSessionTime:      "Acct-Session-Time",
	AttrAcctTerminateCause:   "Acct-Terminate-Cause",
	AttrAcctInputGigawords:   "Acct-Input-Gigawords",
	AttrAcctOutputGigawords:  "Acct-Output-Gigawords",
	AttrNASPortType:          "NAS-Port-Type",
	AttrMessageAuthenticator: "Message-Authenticator",
	AttrAcctInterimInterval:  "Acct-Interim-Interval",
	AttrErrorCause:           "Error-Cause",
}

func (t Type) String() string {
	if name, ok := attributeNames[t]; ok {
		return name
	}
	return "Attr-" + strconv.Itoa(int(t))
}

// Attribute represents a RADIUS attribute
type Attribute struct {
	Type  Type
	Value []byte
}

// EncodeAttribute builds an attribute from a Go value. Integers become
// 4-byte big-endian values, net.IP (or a dotted string for an address
// attribute) becomes 4 network-order bytes, strings and byte slices are
// carried verbatim.
func EncodeAttribute(t Type, v interface{}) (Attribute, error) {
	var value []byte

	switch val := v.(type) {
	case uint32:
		value = encodeUint32(val)
	case uint8:
		value = encodeUint32(uint32(val))
	case uint16:
		value = encodeUint32(uint32(val))
	case int:
		if val < 0 || int64(val) > math.MaxUint32 {
			return Attribute{}, fmt.Errorf("%w: %s value %d out of range", ErrEncode, t, val)
		}
		value = encodeUint32(uint32(val))
	case int64:
		if val < 0 || val > math.MaxUint32 {
			return Attribute{}, fmt.Errorf("%w: %s value %d out of range", ErrEncode, t, val)
		}
		value = encodeUint32(uint32(val))
	case uint64:
		if val > math.MaxUint32 {
			return Attribute{}, fmt.Errorf("%w: %s value %d out of range", ErrEncode, t, val)
		}
		value = encodeUint32(uint32(val))
	case net.IP:
		ip4 := val.To4()
		if ip4 == nil {
			return Attribute{}, fmt.Errorf("%w: %s requires an IPv4 address", ErrEncode, t)
		}
		value = append([]byte(nil), ip4...)
	case string:
		if attributeKinds[t] == kindAddress {
			ip4 := net.ParseIP(val).To4()
			if ip4 == nil {
				return Attribute{}, fmt.Errorf("%w: %s: %q is not an IPv4 address", ErrEncode, t, val)
			}
			value = append([]byte(nil), ip4...)
		} else {
			value = []byte(val)
		}
	case []byte:
		value = append([]byte(nil), val...)
	default:
		return Attribute{}, fmt.Errorf("%w: %s: unsupported value type %T", ErrEncode, t, v)
	}

	if len(value) > maxAttributeValueLen {
		return Attribute{}, fmt.Errorf("%w: %s value is %d bytes, max %d", ErrEncode, t, len(value), maxAttributeValueLen)
	}

	return Attribute{Type: t, Value: value}, nil
}

// Encode returns the wire form [type | length | value]
func (a Attribute) Encode() ([]byte, error) {
	if len(a.Value) > maxAttributeValueLen {
		return nil, fmt.Errorf("%w: %s value is %d bytes, max %d", ErrEncode, a.Type, len(a.Value), maxAttributeValueLen)
	}
	buf := make([]byte, 2+len(a.Value))
	buf[0] = byte(a.Type)
	buf[1] = byte(2 + len(a.Value))
	copy(buf[2:], a.Value)
	return buf, nil
}

// DecodeAttribute reads one attribute starting at offset and returns it with
// the offset of the next attribute.
func DecodeAttribute(buf []byte, offset int) (Attribute, int, error) {
	if offset < 0 || offset+2 > len(buf) {
		return Attribute{}, offset, fmt.Errorf("%w: truncated header at offset %d", ErrMalformedAttribute, offset)
	}

	length := int(buf[offset+1])
	if length < 2 || offset+length > len(buf) {
		return Attribute{}, offset, fmt.Errorf("%w: length %d at offset %d", ErrMalformedAttribute, length, offset)
	}

	value := make([]byte, length-2)
	copy(value, buf[offset+2:offset+length])

	return Attribute{Type: Type(buf[offset]), Value: value}, offset + length, nil
}

// Interpret returns the typed value of a known attribute: a dotted string
// for addresses, a uint32 for integers and raw bytes for everything else.
func (a Attribute) Interpret() interface{} {
	switch attributeKinds[a.Type] {
	case kindAddress:
		if len(a.Value) == 4 {
			return net.IP(a.Value).String()
		}
	case kindInteger:
		if len(a.Value) == 4 {
			return binary.BigEndian.Uint32(a.Value)
		}
	}
	return a.Value
}

// Uint32 returns the value as a big-endian integer
func (a Attribute) Uint32() (uint32, bool) {
	if len(a.Value) != 4 {
		return 0, false
	}
	return binary.BigEndian.Uint32(a.Value), true
}

// String renders the attribute for audit rows and logs
func (a Attribute) String() string {
	switch v := a.Interpret().(type) {
	case string:
		return fmt.Sprintf("%s=%s", a.Type, v)
	case uint32:
		return fmt.Sprintf("%s=%d", a.Type, v)
	}
	if attributeKinds[a.Type] == kindText {
		return fmt.Sprintf("%s=%s", a.Type, string(a.Value))
	}
	return fmt.Sprintf("%s=0x%x", a.Type, a.Value)
}

func encodeUint32(v uint32) []byte {
	b := make([]byte, 4)
	binary.BigEndian.PutUint32(b, v)
	return b
}

// SplitOctets splits a 64-bit counter into the 32-bit octet attribute and
// its Gigawords companion.
func SplitOctets(total uint64) (low, giga uint32) {
	return uint32(total & 0xFFFFFFFF), uint32(total >> 32)
}

// JoinOctets is the inverse of SplitOctets
func JoinOctets(low, giga uint32) uint64 {
	return uint64(giga)<<32 | uint64(low)
}

package radius

import (
	"encoding/binary"
	"fmt"
	"strings"
)

// MikroTik vendor attributes
const (
	VendorMikrotik uint32 = 14988

	MikrotikRateLimitType           uint8 = 8
	MikrotikTotalLimitType          uint8 = 17
	MikrotikTotalLimitGigawordsType uint8 = 18
)

// VendorAttribute is a decoded sub-attribute of a Vendor-Specific attribute
type VendorAttribute struct {
	VendorID uint32
	Type     uint8
	Value    []byte
}

// NewVendorAttribute wraps a vendor sub-attribute in a Vendor-Specific
// attribute: Vendor-Id (4) + Vendor-Type (1) + Vendor-Length (1) + value.
func NewVendorAttribute(vendorID uint32, vendorType uint8, value []byte) (Attribute, error) {
	if len(value) > maxAttributeValueLen-6 {
		return Attribute{}, fmt.Errorf("%w: vendor %d type %d value is %d bytes", ErrEncode, vendorID, vendorType, len(value))
	}

	data := make([]byte, 6+len(value))
	binary.BigEndian.PutUint32(data[0:4], vendorID)
	data[4] = vendorType
	data[5] = byte(2 + len(value))
	copy(data[6:], value)

	return Attribute{Type: AttrVendorSpecific, Value: data}, nil
}

// ParseVendorSpecific splits a Vendor-Specific attribute into its
// sub-attributes.
func ParseVendorSpecific(a Attribute) ([]VendorAttribute, error) {
	if a.Type != AttrVendorSpecific || len(a.Value) < 4 {
		return nil, fmt.Errorf("%w: not a vendor-specific attribute", ErrMalformedAttribute)
	}

	vendorID := binary.BigEndian.Uint32(a.Value[0:4])
	var out []VendorAttribute
	for offset := 4; offset < len(a.Value); {
		if offset+2 > len(a.Value) {
			return out, fmt.Errorf("%w: truncated vendor attribute", ErrMalformedAttribute)
		}
		length := int(a.Value[offset+1])
		if length < 2 || offset+length > len(a.Value) {
			return out, fmt.Errorf("%w: vendor attribute length %d", ErrMalformedAttribute, length)
		}
		out = append(out, VendorAttribute{
			VendorID: vendorID,
			Type:     a.Value[offset],
			Value:    append([]byte(nil), a.Value[offset+2:offset+length]...),
		})
		offset += length
	}
	return out, nil
}

// FindVendorAttribute returns the first vendor sub-attribute of the given
// vendor and type carried by p.
func (p *Packet) FindVendorAttribute(vendorID uint32, vendorType uint8) (VendorAttribute, bool) {
	for _, a := range p.GetAll(AttrVendorSpecific) {
		subs, _ := ParseVendorSpecific(a)
		for _, s := range subs {
			if s.VendorID == vendorID && s.Type == vendorType {
				return s, true
			}
		}
	}
	return VendorAttribute{}, false
}

// RateLimit is a subscriber speed, e.g. {Download: "10M", Upload: "2M"}
type RateLimit struct {
	Download string `json:"download" yaml:"download"`
	Upload   string `json:"upload" yaml:"upload"`
}

// String renders the MikroTik Rate-Limit form "download/upload"
func (r RateLimit) String() string {
	return r.Download + "/" + r.Upload
}

// IsZero reports whether no speed is set
func (r RateLimit) IsZero() bool {
	return r.Download == "" && r.Upload == ""
}

// ParseRateLimit parses "download/upload"
func ParseRateLimit(s string) (RateLimit, error) {
	down, up, ok := strings.Cut(strings.TrimSpace(s), "/")
	if !ok || down == "" || up == "" {
		return RateLimit{}, fmt.Errorf("invalid rate limit %q, want download/upload", s)
	}
	return RateLimit{Download: down, Upload: up}, nil
}

// MikrotikRateLimit builds the MikroTik-Rate-Limit attribute
func MikrotikRateLimit(r RateLimit) (Attribute, error) {
	return NewVendorAttribute(VendorMikrotik, MikrotikRateLimitType, []byte(r.String()))
}

// MikrotikTotalLimit builds MikroTik-Total-Limit, plus
// MikroTik-Total-Limit-Gigawords when octets do not fit in 32 bits.
func MikrotikTotalLimit(octets uint64) ([]Attribute, error) {
	low, giga := SplitOctets(octets)

	attr, err := NewVendorAttribute(VendorMikrotik, MikrotikTotalLimitType, encodeUint32(low))
	if err != nil {
		return nil, err
	}
	attrs := []Attribute{attr}

	if giga > 0 {
		attr, err = NewVendorAttribute(VendorMikrotik, MikrotikTotalLimitGigawordsType, encodeUint32(giga))
		if err != nil {
			return nil, err
		}
		attrs = append(attrs, attr)
	}
	return attrs, nil
}

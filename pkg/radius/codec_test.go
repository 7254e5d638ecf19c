package radius

import (
	"crypto/md5"
	"encoding/binary"
	"encoding/hex"
	"net"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func authFromHex(t *testing.T, s string) [authenticatorLen]byte {
	t.Helper()
	b, err := hex.DecodeString(s)
	require.NoError(t, err)
	require.Len(t, b, authenticatorLen)
	var auth [authenticatorLen]byte
	copy(auth[:], b)
	return auth
}

func sequentialAuth() [authenticatorLen]byte {
	var auth [authenticatorLen]byte
	for i := range auth {
		auth[i] = byte(i)
	}
	return auth
}

func TestEncodeAttribute(t *testing.T) {
	tests := []struct {
		name  string
		typ   Type
		value interface{}
		want  []byte
	}{
		{"uint32", AttrSessionTimeout, uint32(3600), []byte{0, 0, 0x0e, 0x10}},
		{"int", AttrNASPort, 7, []byte{0, 0, 0, 7}},
		{"uint64 in range", AttrAcctInputOctets, uint64(705032704), []byte{0x2a, 0x05, 0xf2, 0x00}},
		{"net.IP", AttrFramedIPAddress, net.ParseIP("10.0.0.5"), []byte{10, 0, 0, 5}},
		{"address string", AttrNASIPAddress, "192.0.2.1", []byte{192, 0, 2, 1}},
		{"text", AttrUserName, "alice", []byte("alice")},
		{"bytes", AttrClass, []byte{1, 2, 3}, []byte{1, 2, 3}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a, err := EncodeAttribute(tt.typ, tt.value)
			require.NoError(t, err)
			assert.Equal(t, tt.typ, a.Type)
			assert.Equal(t, tt.want, a.Value)
		})
	}
}

func TestEncodeAttribute_Errors(t *testing.T) {
	tests := []struct {
		name  string
		typ   Type
		value interface{}
	}{
		{"negative int", AttrNASPort, -1},
		{"uint64 overflow", AttrAcctInputOctets, uint64(1) << 32},
		{"ipv6", AttrFramedIPAddress, net.ParseIP("2001:db8::1")},
		{"bad address string", AttrFramedIPAddress, "not-an-ip"},
		{"too long", AttrReplyMessage, strings.Repeat("x", 254)},
		{"unsupported type", AttrUserName, 3.14},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := EncodeAttribute(tt.typ, tt.value)
			assert.ErrorIs(t, err, ErrEncode)
		})
	}
}

func TestAttribute_RoundTrip(t *testing.T) {
	values := map[Type]interface{}{
		AttrUserName:        "bob@isp",
		AttrFramedIPAddress: "100.64.1.20",
		AttrAcctSessionTime: uint32(86400),
		AttrState:           []byte{0xde, 0xad, 0xbe, 0xef},
	}

	for typ, v := range values {
		a, err := EncodeAttribute(typ, v)
		require.NoError(t, err)

		wire, err := a.Encode()
		require.NoError(t, err)
		assert.Equal(t, byte(typ), wire[0])
		assert.Equal(t, byte(len(wire)), wire[1])

		got, next, err := DecodeAttribute(wire, 0)
		require.NoError(t, err)
		assert.Equal(t, len(wire), next)
		assert.Equal(t, a, got)

		switch typ {
		case AttrUserName:
			assert.Equal(t, []byte("bob@isp"), got.Interpret())
		case AttrFramedIPAddress:
			assert.Equal(t, "100.64.1.20", got.Interpret())
		case AttrAcctSessionTime:
			assert.Equal(t, uint32(86400), got.Interpret())
		case AttrState:
			assert.Equal(t, []byte{0xde, 0xad, 0xbe, 0xef}, got.Interpret())
		}
	}
}

func TestDecodeAttribute_Malformed(t *testing.T) {
	tests := []struct {
		name string
		buf  []byte
	}{
		{"one byte", []byte{1}},
		{"length below two", []byte{1, 1, 'a'}},
		{"length past buffer", []byte{1, 9, 'a', 'b'}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := DecodeAttribute(tt.buf, 0)
			assert.ErrorIs(t, err, ErrMalformedAttribute)
			assert.ErrorIs(t, err, ErrMalformedPacket)
		})
	}
}

func TestAttribute_String(t *testing.T) {
	assert.Equal(t, "User-Name=alice", mustEncode(AttrUserName, "alice").String())
	assert.Equal(t, "Framed-IP-Address=10.0.0.5", mustEncode(AttrFramedIPAddress, "10.0.0.5").String())
	assert.Equal(t, "Error-Cause=503", mustEncode(AttrErrorCause, uint32(503)).String())
	assert.Equal(t, "Class=0x0102", mustEncode(AttrClass, []byte{1, 2}).String())
	assert.Equal(t, "Attr-200", Type(200).String())
}

func TestSplitOctets(t *testing.T) {
	low, giga := SplitOctets(5_000_000_000)
	assert.Equal(t, uint32(705032704), low)
	assert.Equal(t, uint32(1), giga)
	assert.Equal(t, uint64(5_000_000_000), JoinOctets(low, giga))

	low, giga = SplitOctets(4096)
	assert.Equal(t, uint32(4096), low)
	assert.Zero(t, giga)
}

func TestPacket_EncodeLength(t *testing.T) {
	p := NewPacket(CodeAccountingRequest, 42)
	require.NoError(t, p.Add(AttrUserName, "alice"))
	require.NoError(t, p.Add(AttrAcctStatusType, uint32(AcctStatusStart)))
	require.NoError(t, p.Add(AttrAcctSessionID, "s-1"))

	raw, err := p.Encode([]byte("secret"))
	require.NoError(t, err)

	// 20 header + (2+5) + (2+4) + (2+3)
	assert.Len(t, raw, 38)
	assert.Equal(t, uint16(len(raw)), binary.BigEndian.Uint16(raw[2:4]))
	assert.Equal(t, byte(CodeAccountingRequest), raw[0])
	assert.Equal(t, byte(42), raw[1])
}

func TestPacket_RoundTrip(t *testing.T) {
	p := NewPacket(CodeAccessRequest, 7)
	p.Authenticator = sequentialAuth()
	require.NoError(t, p.Add(AttrUserName, "alice"))
	require.NoError(t, p.Add(AttrNASPort, uint32(12)))
	require.NoError(t, p.Add(AttrCallingStationID, "aa:bb:cc:dd:ee:ff"))

	raw, err := p.Encode([]byte("secret"))
	require.NoError(t, err)

	got, err := Decode(raw)
	require.NoError(t, err)
	assert.Equal(t, CodeAccessRequest, got.Code)
	assert.Equal(t, uint8(7), got.Identifier)
	assert.Equal(t, p.Authenticator, got.Authenticator)
	assert.False(t, got.Truncated)
	assert.Equal(t, p.Attributes, got.Attributes)
	assert.Equal(t, "alice", got.GetString(AttrUserName))

	port, ok := got.GetUint32(AttrNASPort)
	assert.True(t, ok)
	assert.Equal(t, uint32(12), port)
}

func TestPacket_GetAllAndDel(t *testing.T) {
	p := NewPacket(CodeAccessAccept, 1)
	require.NoError(t, p.Add(AttrClass, []byte("a")))
	require.NoError(t, p.Add(AttrReplyMessage, "hi"))
	require.NoError(t, p.Add(AttrClass, []byte("b")))

	assert.Len(t, p.GetAll(AttrClass), 2)

	p.Del(AttrClass)
	assert.Len(t, p.Attributes, 1)
	_, ok := p.Get(AttrClass)
	assert.False(t, ok)
}

func TestDecode_ShortPacket(t *testing.T) {
	_, err := Decode(make([]byte, 10))
	assert.ErrorIs(t, err, ErrShortPacket)
	assert.ErrorIs(t, err, ErrMalformedPacket)
}

func TestDecode_BadLength(t *testing.T) {
	buf := make([]byte, 20)
	buf[0] = byte(CodeAccessAccept)
	binary.BigEndian.PutUint16(buf[2:4], 64)

	_, err := Decode(buf)
	assert.ErrorIs(t, err, ErrMalformedPacket)
}

func TestDecode_TruncatedAttribute(t *testing.T) {
	p := NewPacket(CodeAccessAccept, 3)
	require.NoError(t, p.Add(AttrUserName, "alice"))
	raw, err := p.marshal()
	require.NoError(t, err)

	// Append an attribute declaring length 1 and fix up the header
	raw = append(raw, byte(AttrReplyMessage), 1)
	binary.BigEndian.PutUint16(raw[2:4], uint16(len(raw)))

	got, err := Decode(raw)
	require.NoError(t, err)
	assert.True(t, got.Truncated)
	assert.Equal(t, CodeAccessAccept, got.Code)
	assert.Equal(t, uint8(3), got.Identifier)
	require.Len(t, got.Attributes, 1)
	assert.Equal(t, "alice", got.GetString(AttrUserName))
}

func TestDecode_IgnoresTrailingBytes(t *testing.T) {
	p := NewPacket(CodeAccountingResponse, 9)
	raw, err := p.marshal()
	require.NoError(t, err)

	got, err := Decode(append(raw, 0xff, 0xff, 0xff))
	require.NoError(t, err)
	assert.Empty(t, got.Attributes)
	assert.False(t, got.Truncated)
}

func TestEncryptPassword_Vectors(t *testing.T) {
	tests := []struct {
		name     string
		secret   string
		auth     [authenticatorLen]byte
		password string
		want     string
	}{
		{
			name:     "RFC 2865 example",
			secret:   "xyzzy5461",
			auth:     authFromHex(t, "0f403f9473978057bd83d5cb98f4227a"),
			password: "arctangent",
			want:     "0dbe708d93d413ce3196e43f782a0aee",
		},
		{
			name:     "single block",
			secret:   "testing123",
			auth:     sequentialAuth(),
			password: "password123",
			want:     "e68f7ab90392087e217434240014828b",
		},
		{
			name:     "two blocks",
			secret:   "testing123",
			auth:     sequentialAuth(),
			password: "correct-horse-battery-staple",
			want:     "f5817bb8119e0e37782975576539e0eaef176d94e4a263067dfd0027a10e99d7",
		},
		{
			name:     "empty password pads to one block",
			secret:   "testing123",
			auth:     sequentialAuth(),
			password: "",
			want:     "96ee09ca74fd7a1a104607240014828b",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := EncryptPassword([]byte(tt.password), []byte(tt.secret), tt.auth)
			require.NoError(t, err)
			assert.Equal(t, tt.want, hex.EncodeToString(got))

			plain, err := DecryptPassword(got, []byte(tt.secret), tt.auth)
			require.NoError(t, err)
			assert.Equal(t, tt.password, string(plain))
		})
	}
}

func TestEncryptPassword_Lengths(t *testing.T) {
	auth := sequentialAuth()
	secret := []byte("s3cr3t")

	for _, n := range []int{1, 15, 16, 17, 32, 100, MaxPasswordLen} {
		got, err := EncryptPassword([]byte(strings.Repeat("p", n)), secret, auth)
		require.NoError(t, err)
		assert.Zero(t, len(got)%16, "length %d", n)
		assert.GreaterOrEqual(t, len(got), n)
	}

	_, err := EncryptPassword([]byte(strings.Repeat("p", MaxPasswordLen+1)), secret, auth)
	assert.ErrorIs(t, err, ErrEncode)
}

func TestDecryptPassword_BadLength(t *testing.T) {
	_, err := DecryptPassword(make([]byte, 15), []byte("s"), sequentialAuth())
	assert.ErrorIs(t, err, ErrMalformedAttribute)

	_, err = DecryptPassword(nil, []byte("s"), sequentialAuth())
	assert.ErrorIs(t, err, ErrMalformedAttribute)
}

func TestEncode_AccountingAuthenticator(t *testing.T) {
	secret := []byte("acctsecret")
	p := NewPacket(CodeAccountingRequest, 5)
	require.NoError(t, p.Add(AttrAcctStatusType, uint32(AcctStatusStop)))

	raw, err := p.Encode(secret)
	require.NoError(t, err)

	zeroed := append([]byte(nil), raw...)
	for i := 4; i < headerLen; i++ {
		zeroed[i] = 0
	}
	want := md5.Sum(append(zeroed, secret...))
	assert.Equal(t, want[:], raw[4:headerLen])
	assert.Equal(t, want, p.Authenticator)

	assert.NoError(t, VerifyRequest(raw, secret))
	assert.ErrorIs(t, VerifyRequest(raw, []byte("other")), ErrAuthenticatorMismatch)
}

func TestEncode_Deterministic(t *testing.T) {
	build := func() []byte {
		p := NewPacket(CodeCoARequest, 77)
		require.NoError(t, p.Add(AttrUserName, "alice"))
		raw, err := p.Encode([]byte("coa"))
		require.NoError(t, err)
		return raw
	}
	assert.Equal(t, build(), build())
}

func TestVerifyResponse(t *testing.T) {
	secret := []byte("testing123")
	reqAuth := sequentialAuth()

	resp := NewPacket(CodeAccessAccept, 1)
	require.NoError(t, resp.Add(AttrFramedIPAddress, "10.0.0.9"))
	raw, err := resp.EncodeResponse(reqAuth, secret)
	require.NoError(t, err)

	// MD5(code|id|len|reqAuth|attrs|secret)
	check := append([]byte(nil), raw...)
	copy(check[4:headerLen], reqAuth[:])
	want := md5.Sum(append(check, secret...))
	assert.Equal(t, want[:], raw[4:headerLen])

	assert.NoError(t, VerifyResponse(raw, reqAuth, secret))
	assert.ErrorIs(t, VerifyResponse(raw, reqAuth, []byte("wrong")), ErrAuthenticatorMismatch)

	var otherAuth [authenticatorLen]byte
	assert.ErrorIs(t, VerifyResponse(raw, otherAuth, secret), ErrAuthenticatorMismatch)

	tampered := append([]byte(nil), raw...)
	tampered[len(tampered)-1] ^= 0x01
	assert.ErrorIs(t, VerifyResponse(tampered, reqAuth, secret), ErrAuthenticatorMismatch)

	assert.ErrorIs(t, VerifyResponse(raw[:10], reqAuth, secret), ErrShortPacket)
}

func TestMessageAuthenticator(t *testing.T) {
	secret := []byte("testing123")

	req := NewPacket(CodeAccessRequest, 2)
	req.Authenticator = sequentialAuth()
	require.NoError(t, req.Add(AttrUserName, "alice"))
	req.Attributes = append(req.Attributes, Attribute{Type: AttrMessageAuthenticator, Value: make([]byte, 16)})

	raw, err := req.Encode(secret)
	require.NoError(t, err)

	decoded, err := Decode(raw)
	require.NoError(t, err)
	ma, ok := decoded.Get(AttrMessageAuthenticator)
	require.True(t, ok)
	assert.NotEqual(t, make([]byte, 16), ma.Value)

	assert.NoError(t, VerifyMessageAuthenticator(raw, req.Authenticator, secret))
	assert.ErrorIs(t, VerifyMessageAuthenticator(raw, req.Authenticator, []byte("nope")), ErrAuthenticatorMismatch)

	// Signed replies verify against the request authenticator
	resp := NewPacket(CodeAccessAccept, 2)
	resp.Attributes = append(resp.Attributes, Attribute{Type: AttrMessageAuthenticator, Value: make([]byte, 16)})
	rawResp, err := resp.EncodeResponse(req.Authenticator, secret)
	require.NoError(t, err)
	assert.NoError(t, VerifyResponse(rawResp, req.Authenticator, secret))
	assert.NoError(t, VerifyMessageAuthenticator(rawResp, req.Authenticator, secret))

	// Packets without the attribute pass
	plain := NewPacket(CodeAccessAccept, 3)
	rawPlain, err := plain.EncodeResponse(req.Authenticator, secret)
	require.NoError(t, err)
	assert.NoError(t, VerifyMessageAuthenticator(rawPlain, req.Authenticator, secret))
}

func TestMessageAuthenticator_StopsAtMalformedAttribute(t *testing.T) {
	secret := []byte("testing123")
	req := NewPacket(CodeAccessRequest, 4)
	req.Authenticator = sequentialAuth()
	nas := newFakeNAS(string(secret))

	signed, err := nas.ReplyWithTrailer(req, CodeAccessAccept, []byte{byte(AttrClass), 1},
		Attribute{Type: AttrMessageAuthenticator, Value: make([]byte, 16)},
	)
	require.NoError(t, err)
	assert.NoError(t, VerifyResponse(signed, req.Authenticator, secret))
	assert.NoError(t, VerifyMessageAuthenticator(signed, req.Authenticator, secret))
	assert.ErrorIs(t, VerifyMessageAuthenticator(signed, req.Authenticator, []byte("nope")), ErrAuthenticatorMismatch)

	// An attribute the scan never reaches is not checked
	hidden, err := nas.ReplyWithTrailer(req, CodeAccessAccept, []byte{byte(AttrClass), 0, byte(AttrMessageAuthenticator), 18})
	require.NoError(t, err)
	assert.NoError(t, VerifyMessageAuthenticator(hidden, req.Authenticator, secret))
}

func TestVendorAttributes(t *testing.T) {
	attr, err := MikrotikRateLimit(RateLimit{Download: "10M", Upload: "2M"})
	require.NoError(t, err)
	assert.Equal(t, AttrVendorSpecific, attr.Type)

	subs, err := ParseVendorSpecific(attr)
	require.NoError(t, err)
	require.Len(t, subs, 1)
	assert.Equal(t, VendorMikrotik, subs[0].VendorID)
	assert.Equal(t, MikrotikRateLimitType, subs[0].Type)
	assert.Equal(t, "10M/2M", string(subs[0].Value))

	p := NewPacket(CodeAccessAccept, 1)
	p.Attributes = append(p.Attributes, attr)
	found, ok := p.FindVendorAttribute(VendorMikrotik, MikrotikRateLimitType)
	require.True(t, ok)
	assert.Equal(t, "10M/2M", string(found.Value))

	_, ok = p.FindVendorAttribute(VendorMikrotik, MikrotikTotalLimitType)
	assert.False(t, ok)

	_, err = ParseVendorSpecific(mustEncode(AttrUserName, "x"))
	assert.ErrorIs(t, err, ErrMalformedAttribute)
}

func TestMikrotikTotalLimit(t *testing.T) {
	attrs, err := MikrotikTotalLimit(5_000_000_000)
	require.NoError(t, err)
	require.Len(t, attrs, 2)

	low, err := ParseVendorSpecific(attrs[0])
	require.NoError(t, err)
	assert.Equal(t, MikrotikTotalLimitType, low[0].Type)
	assert.Equal(t, uint32(705032704), binary.BigEndian.Uint32(low[0].Value))

	giga, err := ParseVendorSpecific(attrs[1])
	require.NoError(t, err)
	assert.Equal(t, MikrotikTotalLimitGigawordsType, giga[0].Type)
	assert.Equal(t, uint32(1), binary.BigEndian.Uint32(giga[0].Value))

	attrs, err = MikrotikTotalLimit(1 << 20)
	require.NoError(t, err)
	assert.Len(t, attrs, 1)
}

func TestParseRateLimit(t *testing.T) {
	rl, err := ParseRateLimit(" 10M/2M ")
	require.NoError(t, err)
	assert.Equal(t, RateLimit{Download: "10M", Upload: "2M"}, rl)
	assert.Equal(t, "10M/2M", rl.String())
	assert.False(t, rl.IsZero())
	assert.True(t, RateLimit{}.IsZero())

	for _, bad := range []string{"", "10M", "/2M", "10M/"} {
		_, err := ParseRateLimit(bad)
		assert.Error(t, err, bad)
	}
}

func TestCodeString(t *testing.T) {
	assert.Equal(t, "Access-Request", CodeAccessRequest.String())
	assert.Equal(t, "CoA-NAK", CodeCoANAK.String())
	assert.Equal(t, "Disconnect-ACK", CodeDisconnectACK.String())
	assert.Equal(t, "Code-99", Code(99).String())
}

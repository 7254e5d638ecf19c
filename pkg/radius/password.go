package radius

import (
	"bytes"
	"crypto/md5"
	"fmt"
)

// MaxPasswordLen is the longest User-Password RFC 2865 allows
const MaxPasswordLen = 128

// EncryptPassword hides a User-Password as described in RFC 2865 section 5.2.
// The password is zero-padded to a multiple of 16 bytes; each block is XORed
// with MD5(secret + previous ciphertext block), seeded by the request
// authenticator.
func EncryptPassword(password, secret []byte, authenticator [authenticatorLen]byte) ([]byte, error) {
	if len(password) > MaxPasswordLen {
		return nil, fmt.Errorf("%w: password is %d bytes, max %d", ErrEncode, len(password), MaxPasswordLen)
	}

	padded := len(password)
	if padded == 0 || padded%16 != 0 {
		padded += 16 - padded%16
	}

	out := make([]byte, padded)
	copy(out, password)

	prev := authenticator[:]
	for i := 0; i < padded; i += 16 {
		h := md5.New()
		h.Write(secret)
		h.Write(prev)
		b := h.Sum(nil)
		for j := 0; j < 16; j++ {
			out[i+j] ^= b[j]
		}
		prev = out[i : i+16]
	}
	return out, nil
}

// DecryptPassword reverses EncryptPassword and strips the zero padding
func DecryptPassword(ciphertext, secret []byte, authenticator [authenticatorLen]byte) ([]byte, error) {
	if len(ciphertext) == 0 || len(ciphertext)%16 != 0 || len(ciphertext) > MaxPasswordLen {
		return nil, fmt.Errorf("%w: User-Password ciphertext is %d bytes", ErrMalformedAttribute, len(ciphertext))
	}

	out := make([]byte, len(ciphertext))
	prev := authenticator[:]
	for i := 0; i < len(ciphertext); i += 16 {
		h := md5.New()
		h.Write(secret)
		h.Write(prev)
		b := h.Sum(nil)
		for j := 0; j < 16; j++ {
			out[i+j] = ciphertext[i+j] ^ b[j]
		}
		prev = ciphertext[i : i+16]
	}
	return bytes.TrimRight(out, "\x00"), nil
}

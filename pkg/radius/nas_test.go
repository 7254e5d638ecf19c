package radius

import (
	"context"
	"encoding/binary"
	"fmt"
	"sync"
	"time"
)

// fakeNAS is an in-process Transport. Each request is decoded and handed
// to Respond; a nil reply and nil error simulate a timeout.
type fakeNAS struct {
	Secret  []byte
	Respond func(req *Packet) ([]byte, error)

	mu       sync.Mutex
	requests []*Packet
	payloads [][]byte
	addrs    []string
}

func newFakeNAS(secret string) *fakeNAS {
	return &fakeNAS{Secret: []byte(secret)}
}

func (f *fakeNAS) Exchange(ctx context.Context, addr string, payload []byte, timeout time.Duration) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	req, err := Decode(payload)
	if err != nil {
		return nil, err
	}

	f.mu.Lock()
	f.requests = append(f.requests, req)
	f.payloads = append(f.payloads, append([]byte(nil), payload...))
	f.addrs = append(f.addrs, addr)
	respond := f.Respond
	f.mu.Unlock()

	if respond == nil {
		return nil, fmt.Errorf("%w: no handler", ErrTimeout)
	}
	reply, err := respond(req)
	if err != nil {
		return nil, err
	}
	if reply == nil {
		return nil, fmt.Errorf("%w: fake NAS dropped request", ErrTimeout)
	}
	return reply, nil
}

// Reply encodes a correctly signed response to req.
func (f *fakeNAS) Reply(req *Packet, code Code, attrs ...Attribute) ([]byte, error) {
	resp := NewPacket(code, req.Identifier)
	resp.Attributes = attrs
	return resp.EncodeResponse(req.Authenticator, f.Secret)
}

// ReplyWithTrailer signs a response whose body ends with raw bytes that
// need not form a valid attribute.
func (f *fakeNAS) ReplyWithTrailer(req *Packet, code Code, trailer []byte, attrs ...Attribute) ([]byte, error) {
	resp := NewPacket(code, req.Identifier)
	resp.Attributes = attrs
	buf, err := resp.marshal()
	if err != nil {
		return nil, err
	}
	buf = append(buf, trailer...)
	binary.BigEndian.PutUint16(buf[2:4], uint16(len(buf)))

	copy(buf[4:headerLen], req.Authenticator[:])
	signMessageAuthenticator(buf, f.Secret)
	sum := digest(buf, f.Secret)
	copy(buf[4:headerLen], sum[:])
	return buf, nil
}

func (f *fakeNAS) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.requests)
}

func (f *fakeNAS) Requests() []*Packet {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*Packet(nil), f.requests...)
}

func (f *fakeNAS) Payloads() [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([][]byte(nil), f.payloads...)
}

func (f *fakeNAS) Addrs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.addrs...)
}

func mustEncode(t Type, v interface{}) Attribute {
	a, err := EncodeAttribute(t, v)
	if err != nil {
		panic(err)
	}
	return a
}

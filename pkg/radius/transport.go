package radius

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"time"
)

// Transport sends one datagram and waits for one reply. Implementations
// must be safe for concurrent use.
type Transport interface {
	Exchange(ctx context.Context, addr string, payload []byte, timeout time.Duration) ([]byte, error)
}

// UDPTransport opens a connected ephemeral UDP socket per exchange
type UDPTransport struct {
	// MaxPacketSize bounds the receive buffer (default 4096)
	MaxPacketSize int
}

// NewUDPTransport creates a UDP transport
func NewUDPTransport() *UDPTransport {
	return &UDPTransport{MaxPacketSize: maxPacketLen}
}

// Exchange sends payload to addr and returns the first datagram received
// before timeout or ctx expires.
func (t *UDPTransport) Exchange(ctx context.Context, addr string, payload []byte, timeout time.Duration) ([]byte, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "udp", addr)
	if err != nil {
		return nil, fmt.Errorf("%w: dial %s: %v", ErrUnreachable, addr, err)
	}
	defer conn.Close()

	deadline := time.Now().Add(timeout)
	if ctxDeadline, ok := ctx.Deadline(); ok && ctxDeadline.Before(deadline) {
		deadline = ctxDeadline
	}
	if err := conn.SetDeadline(deadline); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnreachable, err)
	}

	// Unblock the read on cancellation
	stop := context.AfterFunc(ctx, func() {
		_ = conn.SetDeadline(time.Now())
	})
	defer stop()

	if _, err := conn.Write(payload); err != nil {
		return nil, fmt.Errorf("%w: send to %s: %v", ErrUnreachable, addr, err)
	}

	size := t.MaxPacketSize
	if size <= 0 {
		size = maxPacketLen
	}
	buf := make([]byte, size)
	n, err := conn.Read(buf)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if errors.Is(err, os.ErrDeadlineExceeded) {
			return nil, fmt.Errorf("%w: no reply from %s within %s", ErrTimeout, addr, timeout)
		}
		return nil, fmt.Errorf("%w: receive from %s: %v", ErrUnreachable, addr, err)
	}

	return buf[:n], nil
}

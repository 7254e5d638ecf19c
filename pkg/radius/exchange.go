package radius

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/codelaboratoryltd/radcore/pkg/metrics"
	"go.uber.org/zap"
)

const (
	defaultTimeout = 3 * time.Second
	defaultRetries = 3
)

// exchanger runs the request/response retry loop shared by the auth,
// accounting and CoA clients.
type exchanger struct {
	transport Transport
	timeout   time.Duration
	retries   int
	logger    *zap.Logger
	metrics   *metrics.Metrics

	nextID atomic.Uint32
}

// exchange describes one logical request.
type exchange struct {
	op     string // metric/log label: auth, acct, coa
	server string
	addr   string
	secret []byte

	// build returns the packet (authenticator already final) and its
	// encoding for the given attempt. When rebuild is false it is only
	// called once and the same bytes are retransmitted.
	build   func(attempt int) (*Packet, []byte, error)
	rebuild bool
}

func newExchanger(transport Transport, timeout time.Duration, retries int, logger *zap.Logger) *exchanger {
	if transport == nil {
		transport = NewUDPTransport()
	}
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	if retries <= 0 {
		retries = defaultRetries
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &exchanger{
		transport: transport,
		timeout:   timeout,
		retries:   retries,
		logger:    logger,
	}
}

// identifier returns the next packet identifier
func (e *exchanger) identifier() uint8 {
	return uint8(e.nextID.Add(1))
}

// do sends the request until a verified response arrives or the retry
// budget is spent. A response that fails authenticator verification ends
// the exchange at once with ErrAuthenticatorMismatch.
func (e *exchanger) do(ctx context.Context, x exchange) (*Packet, error) {
	var (
		req     *Packet
		raw     []byte
		lastErr error
	)

	for attempt := 0; attempt < e.retries; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		if req == nil || x.rebuild {
			var err error
			req, raw, err = x.build(attempt)
			if err != nil {
				return nil, err
			}
		}

		start := time.Now()
		reply, err := e.transport.Exchange(ctx, x.addr, raw, e.timeout)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, ctxErr
			}
			if errors.Is(err, ErrTimeout) {
				e.metrics.RecordRADIUSTimeout(x.server)
			}
			lastErr = err
			e.logger.Warn("RADIUS request failed, retrying",
				zap.String("op", x.op),
				zap.String("server", x.addr),
				zap.Int("attempt", attempt+1),
				zap.Error(err),
			)
			continue
		}

		resp, err := Decode(reply)
		if err == nil && resp.Identifier != req.Identifier {
			err = fmt.Errorf("%w: response identifier %d does not match request %d", ErrMalformedPacket, resp.Identifier, req.Identifier)
		}
		if err != nil {
			lastErr = err
			e.logger.Warn("Invalid RADIUS response, retrying",
				zap.String("op", x.op),
				zap.String("server", x.addr),
				zap.Int("attempt", attempt+1),
				zap.Error(err),
			)
			continue
		}

		if err := e.verify(reply, req.Authenticator, x.secret); err != nil {
			if !errors.Is(err, ErrAuthenticatorMismatch) {
				lastErr = err
				e.logger.Warn("Invalid RADIUS response, retrying",
					zap.String("op", x.op),
					zap.String("server", x.addr),
					zap.Int("attempt", attempt+1),
					zap.Error(err),
				)
				continue
			}
			e.metrics.RecordAuthenticatorMismatch(x.server)
			e.metrics.RecordRADIUSRequest(x.op, "authenticator_mismatch", x.server, time.Since(start))
			e.logger.Error("RADIUS response failed authenticator check",
				zap.String("op", x.op),
				zap.String("server", x.addr),
				zap.String("code", resp.Code.String()),
				zap.Error(err),
			)
			return nil, fmt.Errorf("%s response from %s: %w", x.op, x.addr, err)
		}

		e.metrics.RecordRADIUSRequest(x.op, resp.Code.String(), x.server, time.Since(start))
		e.logger.Debug("RADIUS exchange complete",
			zap.String("op", x.op),
			zap.String("server", x.addr),
			zap.String("code", resp.Code.String()),
			zap.Int("attempts", attempt+1),
		)
		return resp, nil
	}

	e.metrics.RecordRADIUSRequest(x.op, "unreachable", x.server, 0)
	return nil, fmt.Errorf("%w: %s to %s failed after %d attempts: %w", ErrUnreachable, x.op, x.addr, e.retries, lastErr)
}

func (e *exchanger) verify(reply []byte, requestAuth [authenticatorLen]byte, secret []byte) error {
	if err := VerifyResponse(reply, requestAuth, secret); err != nil {
		return err
	}
	return VerifyMessageAuthenticator(reply, requestAuth, secret)
}

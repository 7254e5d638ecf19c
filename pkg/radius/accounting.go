package radius

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/codelaboratoryltd/radcore/pkg/audit"
	"github.com/codelaboratoryltd/radcore/pkg/metrics"
	"github.com/codelaboratoryltd/radcore/pkg/state"
	"go.uber.org/zap"
)

// AcctStatusType represents RADIUS accounting status types
type AcctStatusType uint32

const (
	AcctStatusStart         AcctStatusType = 1
	AcctStatusStop          AcctStatusType = 2
	AcctStatusInterimUpdate AcctStatusType = 3
)

func (s AcctStatusType) String() string {
	switch s {
	case AcctStatusStart:
		return "start"
	case AcctStatusStop:
		return "stop"
	case AcctStatusInterimUpdate:
		return "interim"
	}
	return "status-" + strconv.Itoa(int(s))
}

// TerminateCause is the Acct-Terminate-Cause value (RFC 2866 §5.10)
type TerminateCause uint32

const (
	TerminateCauseUserRequest    TerminateCause = 1
	TerminateCauseLostCarrier    TerminateCause = 2
	TerminateCauseLostService    TerminateCause = 3
	TerminateCauseIdleTimeout    TerminateCause = 4
	TerminateCauseSessionTimeout TerminateCause = 5
	TerminateCauseAdminReset     TerminateCause = 6
	TerminateCauseAdminReboot    TerminateCause = 7
	TerminateCausePortError      TerminateCause = 8
	TerminateCauseNASError       TerminateCause = 9
	TerminateCauseNASRequest     TerminateCause = 10
	TerminateCauseNASReboot      TerminateCause = 11
	TerminateCausePortUnneeded   TerminateCause = 12
	TerminateCausePortPreempted  TerminateCause = 13
	TerminateCausePortSuspended  TerminateCause = 14
	TerminateCauseServiceUnavail TerminateCause = 15
	TerminateCauseCallback       TerminateCause = 16
	TerminateCauseUserError      TerminateCause = 17
	TerminateCauseHostRequest    TerminateCause = 18
)

// Counters are the usage figures reported by the NAS for a session.
type Counters struct {
	InputOctets  uint64
	OutputOctets uint64
	SessionTime  uint32
}

// AcctResult is the outcome of one accounting call. Local state is
// authoritative: Session reflects the mutation whether or not the server
// answered.
type AcctResult struct {
	Session   *state.Session
	Delivered bool

	// Err explains why the record was not delivered.
	Err error
}

// AcctClient sends Accounting-Requests and keeps session counters.
type AcctClient struct {
	cfg    ClientConfig
	nasIP  net.IP
	secret []byte
	store  state.SessionStore
	logger *zap.Logger

	ex      *exchanger
	pool    AddressPool
	audit   AuditLogger
	metrics *metrics.Metrics

	// Start, Interim and Stop for one session never interleave.
	sessionLocks keyedMutex
}

// NewAcctClient creates an accounting client.
func NewAcctClient(cfg ClientConfig, store state.SessionStore, logger *zap.Logger) (*AcctClient, error) {
	nasIP, err := cfg.validate()
	if err != nil {
		return nil, err
	}
	if store == nil {
		return nil, fmt.Errorf("session store required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &AcctClient{
		cfg:    cfg,
		nasIP:  nasIP,
		secret: []byte(cfg.Server.Secret),
		store:  store,
		logger: logger,
		ex:     newExchanger(nil, cfg.Timeout, cfg.Retries, logger),
	}, nil
}

// SetTransport replaces the UDP transport.
func (c *AcctClient) SetTransport(t Transport) {
	c.ex.transport = t
}

// SetMetrics sets the metrics sink.
func (c *AcctClient) SetMetrics(m *metrics.Metrics) {
	c.metrics = m
	c.ex.metrics = m
}

// SetAuditLogger sets the audit logger.
func (c *AcctClient) SetAuditLogger(a AuditLogger) {
	c.audit = a
}

// SetPool sets the pool that Stop returns Framed-IP addresses to.
func (c *AcctClient) SetPool(p AddressPool) {
	c.pool = p
}

// Start marks the session active and sends Accounting-Start.
func (c *AcctClient) Start(ctx context.Context, sessionID string) (*AcctResult, error) {
	unlock := c.sessionLocks.Lock(sessionID)
	defer unlock()

	session, err := c.openSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	session.Status = state.SessionActive
	session.StartedAt = time.Now()
	if err := c.store.UpdateSession(ctx, session); err != nil {
		return nil, fmt.Errorf("update session %s: %w", sessionID, err)
	}

	result := c.send(ctx, AcctStatusStart, session, 0)

	c.logAudit(&audit.Event{
		Type:      audit.EventSessionStart,
		Username:  session.Username,
		SessionID: session.ID,
		NASIP:     session.NASIP,
		FramedIP:  session.FramedIP,
	})
	return result, nil
}

// Interim records the latest counters and sends Interim-Update. Counters
// never move backwards: a lower value than already stored is ignored.
func (c *AcctClient) Interim(ctx context.Context, sessionID string, counters Counters) (*AcctResult, error) {
	unlock := c.sessionLocks.Lock(sessionID)
	defer unlock()

	session, err := c.openSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	session.MarkMonth(time.Now())
	c.mergeCounters(session, counters)
	if err := c.store.UpdateSession(ctx, session); err != nil {
		return nil, fmt.Errorf("update session %s: %w", sessionID, err)
	}

	result := c.send(ctx, AcctStatusInterimUpdate, session, 0)

	c.logAudit(&audit.Event{
		Type:      audit.EventSessionUpdate,
		Username:  session.Username,
		SessionID: session.ID,
		BytesIn:   session.InputOctets,
		BytesOut:  session.OutputOctets,
	})
	return result, nil
}

// Stop closes the session with its final counters, returns its Framed-IP to
// the pool and sends Accounting-Stop.
func (c *AcctClient) Stop(ctx context.Context, sessionID string, counters Counters, cause TerminateCause) (*AcctResult, error) {
	unlock := c.sessionLocks.Lock(sessionID)
	defer unlock()

	session, err := c.openSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	session.MarkMonth(now)
	c.mergeCounters(session, counters)
	session.Status = state.SessionClosed
	session.EndedAt = &now
	session.TerminateCause = uint32(cause)
	if err := c.store.UpdateSession(ctx, session); err != nil {
		return nil, fmt.Errorf("update session %s: %w", sessionID, err)
	}

	if c.pool != nil && session.FramedIP != "" {
		if err := c.pool.Release(sessionID); err != nil {
			c.logger.Debug("Framed IP not held by pool",
				zap.String("session_id", sessionID),
				zap.String("framed_ip", session.FramedIP),
				zap.Error(err),
			)
		}
	}
	c.metrics.RecordSessionTerminated(now.Sub(session.StartedAt), session.InputOctets, session.OutputOctets)

	result := c.send(ctx, AcctStatusStop, session, cause)

	c.logger.Info("Session stopped",
		zap.String("session_id", session.ID),
		zap.String("username", session.Username),
		zap.Uint64("input_octets", session.InputOctets),
		zap.Uint64("output_octets", session.OutputOctets),
		zap.Uint32("terminate_cause", uint32(cause)),
	)
	c.logAudit(&audit.Event{
		Type:      audit.EventSessionStop,
		Username:  session.Username,
		SessionID: session.ID,
		NASIP:     session.NASIP,
		FramedIP:  session.FramedIP,
		Duration:  now.Sub(session.StartedAt),
		BytesIn:   session.InputOctets,
		BytesOut:  session.OutputOctets,
	})
	return result, nil
}

// openSession loads a session that accounting may still act on.
func (c *AcctClient) openSession(ctx context.Context, sessionID string) (*state.Session, error) {
	session, err := c.store.GetSession(ctx, sessionID)
	if errors.Is(err, state.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}
	if err != nil {
		return nil, fmt.Errorf("load session %s: %w", sessionID, err)
	}
	if session.Status == state.SessionClosed {
		return nil, fmt.Errorf("%w: %s", ErrSessionClosed, sessionID)
	}
	return session, nil
}

func (c *AcctClient) mergeCounters(session *state.Session, counters Counters) {
	if counters.InputOctets < session.InputOctets ||
		counters.OutputOctets < session.OutputOctets ||
		counters.SessionTime < session.SessionTime {
		c.logger.Warn("Ignoring counter regression",
			zap.String("session_id", session.ID),
			zap.Uint64("stored_input", session.InputOctets),
			zap.Uint64("reported_input", counters.InputOctets),
			zap.Uint64("stored_output", session.OutputOctets),
			zap.Uint64("reported_output", counters.OutputOctets),
		)
	}
	session.InputOctets = max(session.InputOctets, counters.InputOctets)
	session.OutputOctets = max(session.OutputOctets, counters.OutputOctets)
	session.SessionTime = max(session.SessionTime, counters.SessionTime)
}

// send delivers the record. Delivery failures are reported in the result,
// never as an error: the local mutation has already happened.
func (c *AcctClient) send(ctx context.Context, status AcctStatusType, session *state.Session, cause TerminateCause) *AcctResult {
	result := &AcctResult{Session: session}

	resp, err := c.ex.do(ctx, exchange{
		op:     "acct",
		server: c.cfg.Server.label(),
		addr:   c.cfg.Server.acctAddr(),
		secret: c.secret,
		build:  func(int) (*Packet, []byte, error) {
			return c.buildAccountingRequest(status, session, cause)
		},
	})
	if err == nil && resp.Code != CodeAccountingResponse {
		err = fmt.Errorf("%w: unexpected %s in reply to Accounting-Request", ErrMalformedPacket, resp.Code)
	}

	if err != nil {
		result.Err = err
		c.metrics.RecordAccountingUndelivered(status.String())
		c.logger.Warn("Accounting record not delivered",
			zap.String("session_id", session.ID),
			zap.String("status", status.String()),
			zap.Error(err),
		)
		if errors.Is(err, ErrAuthenticatorMismatch) {
			c.logAudit(&audit.Event{
				Type:         audit.EventAuthenticatorMismatch,
				Username:     session.Username,
				SessionID:    session.ID,
				RADIUSServer: c.cfg.Server.acctAddr(),
				ErrorMessage: err.Error(),
			})
		}
		return result
	}

	result.Delivered = true
	return result
}

func (c *AcctClient) buildAccountingRequest(status AcctStatusType, session *state.Session, cause TerminateCause) (*Packet, []byte, error) {
	p := NewPacket(CodeAccountingRequest, c.ex.identifier())

	attrs := []struct {
		t Type
		v interface{}
	}{
		{AttrAcctStatusType, uint32(status)},
		{AttrUserName, session.Username},
		{AttrAcctSessionID, session.ID},
		{AttrAcctAuthentic, uint32(AcctAuthenticRADIUS)},
		{AttrNASPort, session.NASPort},
	}
	for _, a := range attrs {
		if err := p.Add(a.t, a.v); err != nil {
			return nil, nil, err
		}
	}

	if c.nasIP != nil {
		if err := p.Add(AttrNASIPAddress, c.nasIP); err != nil {
			return nil, nil, err
		}
	}

	if c.cfg.NASIdentifier != "" {
		if err := p.Add(AttrNASIdentifier, c.cfg.NASIdentifier); err != nil {
			return nil, nil, err
		}
	}
	if session.FramedIP != "" {
		if err := p.Add(AttrFramedIPAddress, session.FramedIP); err != nil {
			return nil, nil, err
		}
	}
	if len(session.Class) > 0 {
		if err := p.Add(AttrClass, session.Class); err != nil {
			return nil, nil, err
		}
	}

	if status != AcctStatusStart {
		if err := addOctets(p, AttrAcctInputOctets, AttrAcctInputGigawords, session.InputOctets); err != nil {
			return nil, nil, err
		}
		if err := addOctets(p, AttrAcctOutputOctets, AttrAcctOutputGigawords, session.OutputOctets); err != nil {
			return nil, nil, err
		}
		if err := p.Add(AttrAcctSessionTime, session.SessionTime); err != nil {
			return nil, nil, err
		}
	}
	if status == AcctStatusStop && cause != 0 {
		if err := p.Add(AttrAcctTerminateCause, uint32(cause)); err != nil {
			return nil, nil, err
		}
	}

	raw, err := p.Encode(c.secret)
	if err != nil {
		return nil, nil, err
	}
	return p, raw, nil
}

// addOctets adds the 32-bit counter and, when it overflowed, the Gigawords
// companion.
func addOctets(p *Packet, octets, gigawords Type, total uint64) error {
	low, giga := SplitOctets(total)
	if err := p.Add(octets, low); err != nil {
		return err
	}
	if giga > 0 {
		return p.Add(gigawords, giga)
	}
	return nil
}

func (c *AcctClient) logAudit(event *audit.Event) {
	if c.audit != nil {
		c.audit.LogEvent(event)
	}
}

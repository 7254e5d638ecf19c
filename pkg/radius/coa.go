package radius

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/codelaboratoryltd/radcore/pkg/audit"
	"github.com/codelaboratoryltd/radcore/pkg/metrics"
	"github.com/codelaboratoryltd/radcore/pkg/state"
	"go.uber.org/zap"
)

// ErrorCause is the Error-Cause value of a NAK (RFC 5176 §3.5)
type ErrorCause uint32

const (
	ErrorCauseResidualSessionContextRemoved ErrorCause = 201
	ErrorCauseMissingAttribute              ErrorCause = 402
	ErrorCauseNASIdentificationMismatch     ErrorCause = 403
	ErrorCauseInvalidRequest                ErrorCause = 404
	ErrorCauseUnsupportedService            ErrorCause = 405
	ErrorCauseUnsupportedExtension          ErrorCause = 406
	ErrorCauseAdministrativelyProhibited    ErrorCause = 501
	ErrorCauseSessionContextNotFound        ErrorCause = 503
	ErrorCauseSessionContextNotRemovable    ErrorCause = 504
	ErrorCauseResourcesUnavailable          ErrorCause = 506
	ErrorCauseRequestInitiatedByNAS         ErrorCause = 508
)

var errorCauseNames = map[ErrorCause]string{
	ErrorCauseResidualSessionContextRemoved: "Residual-Session-Context-Removed",
	ErrorCauseMissingAttribute:              "Missing-Attribute",
	ErrorCauseNASIdentificationMismatch:     "NAS-Identification-Mismatch",
	ErrorCauseInvalidRequest:                "Invalid-Request",
	ErrorCauseUnsupportedService:            "Unsupported-Service",
	ErrorCauseUnsupportedExtension:          "Unsupported-Extension",
	ErrorCauseAdministrativelyProhibited:    "Administratively-Prohibited",
	ErrorCauseSessionContextNotFound:        "Session-Context-Not-Found",
	ErrorCauseSessionContextNotRemovable:    "Session-Context-Not-Removable",
	ErrorCauseResourcesUnavailable:          "Resources-Unavailable",
	ErrorCauseRequestInitiatedByNAS:         "Request-Initiated",
}

func (e ErrorCause) String() string {
	if name, ok := errorCauseNames[e]; ok {
		return name
	}
	return "Error-Cause-" + strconv.Itoa(int(e))
}

// CoaConfig configures the CoA client.
type CoaConfig struct {
	// NAS lists the devices commands can be sent to. A command goes to the
	// NAS whose Host matches the subscriber's session NAS-IP, otherwise to
	// the first entry.
	NAS     []ServerConfig
	Timeout time.Duration
	Retries int

	// DisconnectCode is CodeCoARequest (default) or CodeDisconnectRequest.
	DisconnectCode Code
}

// CoaResult is the outcome of one CoA command.
type CoaResult struct {
	Command    state.CoaCommand
	Username   string
	SessionID  string
	NASAddr    string
	Acked      bool
	Code       Code
	ErrorCause ErrorCause
	Record     *state.CoaRecord
}

// CoaClient pushes policy changes to the NAS.
type CoaClient struct {
	cfg    CoaConfig
	store  state.Store
	logger *zap.Logger

	ex      *exchanger
	audit   AuditLogger
	metrics *metrics.Metrics

	// One command in flight per subscriber.
	userLocks keyedMutex
}

// NewCoaClient creates a CoA client.
func NewCoaClient(cfg CoaConfig, store state.Store, logger *zap.Logger) (*CoaClient, error) {
	if len(cfg.NAS) == 0 {
		return nil, fmt.Errorf("at least one NAS required")
	}
	for i, nas := range cfg.NAS {
		if nas.Host == "" || nas.Secret == "" {
			return nil, fmt.Errorf("NAS %d: host and secret required", i)
		}
	}
	switch cfg.DisconnectCode {
	case 0:
		cfg.DisconnectCode = CodeCoARequest
	case CodeCoARequest, CodeDisconnectRequest:
	default:
		return nil, fmt.Errorf("invalid disconnect code %s", cfg.DisconnectCode)
	}
	if store == nil {
		return nil, fmt.Errorf("store required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &CoaClient{
		cfg:    cfg,
		store:  store,
		logger: logger,
		ex:     newExchanger(nil, cfg.Timeout, cfg.Retries, logger),
	}, nil
}

// SetTransport replaces the UDP transport.
func (c *CoaClient) SetTransport(t Transport) {
	c.ex.transport = t
}

// SetMetrics sets the metrics sink.
func (c *CoaClient) SetMetrics(m *metrics.Metrics) {
	c.metrics = m
	c.ex.metrics = m
}

// SetAuditLogger sets the audit logger.
func (c *CoaClient) SetAuditLogger(a AuditLogger) {
	c.audit = a
}

// command is one CoA request ready to send.
type command struct {
	kind     state.CoaCommand
	code     Code
	username string
	session  *state.Session
	attrs    []Attribute
	describe []string
}

// Disconnect terminates the subscriber's active session. Without an
// active session nothing is sent and ErrNoActiveSession is returned.
func (c *CoaClient) Disconnect(ctx context.Context, username string) (*CoaResult, error) {
	unlock := c.userLocks.Lock(username)
	defer unlock()

	session, err := c.store.ActiveSessionByUser(ctx, username)
	if errors.Is(err, state.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrNoActiveSession, username)
	}
	if err != nil {
		return nil, fmt.Errorf("load active session for %s: %w", username, err)
	}

	cmd := command{
		kind:     state.CoaDisconnect,
		code:     c.cfg.DisconnectCode,
		username: username,
		session:  session,
	}
	if err := cmd.add(AttrAcctSessionID, session.ID); err != nil {
		return nil, err
	}
	if session.FramedIP != "" {
		if err := cmd.add(AttrFramedIPAddress, session.FramedIP); err != nil {
			return nil, err
		}
	}
	return c.run(ctx, cmd)
}

// SpeedChange sets the subscriber's rate limit to rate ("download/upload").
func (c *CoaClient) SpeedChange(ctx context.Context, username string, rate RateLimit) (*CoaResult, error) {
	if rate.IsZero() {
		return nil, fmt.Errorf("%w: empty rate limit", ErrEncode)
	}

	unlock := c.userLocks.Lock(username)
	defer unlock()

	attr, err := MikrotikRateLimit(rate)
	if err != nil {
		return nil, err
	}
	cmd := command{
		kind:     state.CoaSpeedChange,
		code:     CodeCoARequest,
		username: username,
		session:  c.activeSession(ctx, username),
		attrs:    []Attribute{attr},
		describe: []string{"Mikrotik-Rate-Limit=" + rate.String()},
	}
	return c.run(ctx, cmd)
}

// QuotaUpdate sets the subscriber's remaining data allowance in octets.
func (c *CoaClient) QuotaUpdate(ctx context.Context, username string, octets uint64) (*CoaResult, error) {
	unlock := c.userLocks.Lock(username)
	defer unlock()

	attrs, err := MikrotikTotalLimit(octets)
	if err != nil {
		return nil, err
	}
	low, giga := SplitOctets(octets)
	describe := []string{"Mikrotik-Total-Limit=" + strconv.FormatUint(uint64(low), 10)}
	if giga > 0 {
		describe = append(describe, "Mikrotik-Total-Limit-Gigawords="+strconv.FormatUint(uint64(giga), 10))
	}

	cmd := command{
		kind:     state.CoaQuotaUpdate,
		code:     CodeCoARequest,
		username: username,
		session:  c.activeSession(ctx, username),
		attrs:    attrs,
		describe: describe,
	}
	return c.run(ctx, cmd)
}

// activeSession returns the user's session for NAS targeting, or nil.
func (c *CoaClient) activeSession(ctx context.Context, username string) *state.Session {
	session, err := c.store.ActiveSessionByUser(ctx, username)
	if err != nil {
		if !errors.Is(err, state.ErrNotFound) {
			c.logger.Warn("Session lookup failed, using default NAS",
				zap.String("username", username),
				zap.Error(err),
			)
		}
		return nil
	}
	return session
}

func (cmd *command) add(t Type, v interface{}) error {
	attr, err := EncodeAttribute(t, v)
	if err != nil {
		return err
	}
	cmd.attrs = append(cmd.attrs, attr)
	cmd.describe = append(cmd.describe, attr.String())
	return nil
}

// target picks the NAS for a session.
func (c *CoaClient) target(session *state.Session) ServerConfig {
	if session != nil && session.NASIP != "" {
		for _, nas := range c.cfg.NAS {
			if nas.Host == session.NASIP {
				return nas
			}
		}
	}
	return c.cfg.NAS[0]
}

// run records, sends and finalises one command. Only an ACK counts as
// applied; a NAK, a timeout or a bad response all return an error wrapping
// ErrCoaNotAcknowledged.
func (c *CoaClient) run(ctx context.Context, cmd command) (*CoaResult, error) {
	nas := c.target(cmd.session)
	addr := nas.coaAddr()
	secret := []byte(nas.Secret)

	result := &CoaResult{
		Command:  cmd.kind,
		Username: cmd.username,
		NASAddr:  addr,
	}
	if cmd.session != nil {
		result.SessionID = cmd.session.ID
	}

	record := &state.CoaRecord{
		Username:   cmd.username,
		SessionID:  result.SessionID,
		NASAddr:    addr,
		Command:    cmd.kind,
		Attributes: append([]string{"User-Name=" + cmd.username}, cmd.describe...),
		Status:     state.CoaPending,
	}
	if err := c.store.CreateCoaRecord(ctx, record); err != nil {
		return nil, fmt.Errorf("record %s for %s: %w", cmd.kind, cmd.username, err)
	}
	result.Record = record

	record.Status = state.CoaSent
	c.saveRecord(ctx, record)

	resp, err := c.ex.do(ctx, exchange{
		op:     "coa",
		server: nas.label(),
		addr:   addr,
		secret: secret,
		build:  func(int) (*Packet, []byte, error) {
			p := NewPacket(cmd.code, c.ex.identifier())
			if err := p.Add(AttrUserName, cmd.username); err != nil {
				return nil, nil, err
			}
			p.Attributes = append(p.Attributes, cmd.attrs...)
			raw, err := p.Encode(secret)
			if err != nil {
				return nil, nil, err
			}
			return p, raw, nil
		},
	})

	now := time.Now()
	record.CompletedAt = &now
	record.Status = state.CoaFailed

	var outcome string
	switch {
	case err != nil:
		outcome = "error"
		if IsUnreachable(err) {
			outcome = "timeout"
		}
		record.Response = err.Error()
		err = fmt.Errorf("%w: %s for %s via %s: %w", ErrCoaNotAcknowledged, cmd.kind, cmd.username, addr, err)

	case resp.Code == ackCode(cmd.code):
		outcome = "ack"
		result.Acked = true
		result.Code = resp.Code
		record.Status = state.CoaSuccess
		record.Response = resp.Code.String()

	case resp.Code == nakCode(cmd.code):
		outcome = "nak"
		result.Code = resp.Code
		record.Response = resp.Code.String()
		if v, ok := resp.GetUint32(AttrErrorCause); ok {
			result.ErrorCause = ErrorCause(v)
			record.Response += " " + result.ErrorCause.String()
		}
		err = fmt.Errorf("%w: %s for %s: %s", ErrCoaNotAcknowledged, cmd.kind, cmd.username, record.Response)

	default:
		outcome = "error"
		result.Code = resp.Code
		record.Response = resp.Code.String()
		err = fmt.Errorf("%w: %s for %s: unexpected %s", ErrCoaNotAcknowledged, cmd.kind, cmd.username, resp.Code)
	}

	c.saveRecord(ctx, record)
	c.metrics.RecordCoA(string(cmd.kind), outcome)

	event := &audit.Event{
		Type:         audit.EventCoASuccess,
		Username:     cmd.username,
		SessionID:    result.SessionID,
		RADIUSServer: addr,
		RADIUSCode:   record.Response,
		Command:      string(cmd.kind),
	}
	if err != nil {
		event.Type = audit.EventCoAFailure
		event.ErrorMessage = err.Error()
		c.logger.Warn("CoA not acknowledged",
			zap.String("username", cmd.username),
			zap.String("command", string(cmd.kind)),
			zap.String("nas", addr),
			zap.String("outcome", outcome),
			zap.Error(err),
		)
		if errors.Is(err, ErrAuthenticatorMismatch) {
			c.logAudit(&audit.Event{
				Type:         audit.EventAuthenticatorMismatch,
				Username:     cmd.username,
				RADIUSServer: addr,
				ErrorMessage: err.Error(),
			})
		}
	} else {
		c.logger.Info("CoA acknowledged",
			zap.String("username", cmd.username),
			zap.String("command", string(cmd.kind)),
			zap.String("nas", addr),
		)
	}
	c.logAudit(event)

	return result, err
}

// saveRecord persists a CoA row. The row is an audit trail; failing to
// write it never changes the command outcome.
func (c *CoaClient) saveRecord(ctx context.Context, record *state.CoaRecord) {
	if err := c.store.UpdateCoaRecord(context.WithoutCancel(ctx), record); err != nil {
		c.logger.Warn("Failed to update CoA record",
			zap.String("id", record.ID),
			zap.String("status", string(record.Status)),
			zap.Error(err),
		)
	}
}

func ackCode(request Code) Code {
	if request == CodeDisconnectRequest {
		return CodeDisconnectACK
	}
	return CodeCoAACK
}

func nakCode(request Code) Code {
	if request == CodeDisconnectRequest {
		return CodeDisconnectNAK
	}
	return CodeCoANAK
}

func (c *CoaClient) logAudit(event *audit.Event) {
	if c.audit != nil {
		c.audit.LogEvent(event)
	}
}

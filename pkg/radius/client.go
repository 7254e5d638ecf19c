package radius

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/codelaboratoryltd/radcore/pkg/allocator"
	"github.com/codelaboratoryltd/radcore/pkg/audit"
	"github.com/codelaboratoryltd/radcore/pkg/metrics"
	"github.com/codelaboratoryltd/radcore/pkg/state"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Default ports (RFC 2865, 2866, 5176)
const (
	DefaultAuthPort = 1812
	DefaultAcctPort = 1813
	DefaultCoAPort  = 3799
)

// ServerConfig identifies one RADIUS peer: the AAA server for the auth and
// accounting clients, or a NAS for the CoA client.
type ServerConfig struct {
	Name     string `yaml:"name"`
	Host     string `yaml:"host"`
	AuthPort int    `yaml:"auth_port"`
	AcctPort int    `yaml:"acct_port"`
	CoAPort  int    `yaml:"coa_port"`
	Secret   string `yaml:"secret"`
}

func (s ServerConfig) label() string {
	if s.Name != "" {
		return s.Name
	}
	return s.Host
}

func (s ServerConfig) authAddr() string {
	return net.JoinHostPort(s.Host, strconv.Itoa(portOr(s.AuthPort, DefaultAuthPort)))
}

func (s ServerConfig) acctAddr() string {
	return net.JoinHostPort(s.Host, strconv.Itoa(portOr(s.AcctPort, DefaultAcctPort)))
}

func (s ServerConfig) coaAddr() string {
	return net.JoinHostPort(s.Host, strconv.Itoa(portOr(s.CoAPort, DefaultCoAPort)))
}

func portOr(port, def int) int {
	if port == 0 {
		return def
	}
	return port
}

// ClientConfig holds the settings shared by the auth and accounting clients.
type ClientConfig struct {
	Server        ServerConfig
	NASIPAddress  string
	NASIdentifier string
	Timeout       time.Duration
	Retries       int

	// MessageAuthenticator adds an RFC 3579 Message-Authenticator to every
	// Access-Request.
	MessageAuthenticator bool
}

func (c ClientConfig) validate() (net.IP, error) {
	if c.Server.Host == "" {
		return nil, fmt.Errorf("RADIUS server host required")
	}
	if c.Server.Secret == "" {
		return nil, fmt.Errorf("RADIUS shared secret required")
	}
	if c.NASIPAddress == "" {
		return nil, nil
	}
	ip := net.ParseIP(c.NASIPAddress).To4()
	if ip == nil {
		return nil, fmt.Errorf("invalid NAS-IP-Address %q", c.NASIPAddress)
	}
	return ip, nil
}

// AddressPool hands out Framed-IP addresses, one per owner.
type AddressPool interface {
	Contains(ip net.IP) bool
	Allocate(owner string) (net.IP, error)
	Reserve(ip net.IP, owner string) error
	Release(owner string) error
}

// AuditLogger is the audit sink used by the clients.
type AuditLogger interface {
	LogEvent(event *audit.Event)
}

// AuthRequest holds authentication request parameters
type AuthRequest struct {
	Username         string
	Password         string
	NASPort          uint32
	CallingStationID string
	CalledStationID  string

	// State echoes the State of a previous Access-Challenge.
	State []byte
}

// AuthStatus is the outcome of an authentication.
type AuthStatus string

const (
	AuthAccepted    AuthStatus = "accepted"
	AuthRejected    AuthStatus = "rejected"
	AuthChallenged  AuthStatus = "challenged"
	AuthUnreachable AuthStatus = "unreachable"
)

// genericAuthFailure is shown to subscribers for both rejections and
// infrastructure failures.
const genericAuthFailure = "Authentication failed"

// AuthResult holds authentication response data
type AuthResult struct {
	Status          AuthStatus
	Username        string
	SessionID       string
	FramedIP        string
	SessionTimeout  uint32
	IdleTimeout     uint32
	InterimInterval uint32
	ReplyMessage    string
	Class           []byte
	RateLimit       RateLimit

	// State must be echoed in the answer to an Access-Challenge.
	State []byte

	// Session is the session created on Accept.
	Session *state.Session
}

// Success reports whether access was granted.
func (r *AuthResult) Success() bool {
	return r.Status == AuthAccepted
}

// UserMessage is the text safe to show the subscriber. Rejections and
// unreachable servers look the same from outside.
func (r *AuthResult) UserMessage() string {
	switch r.Status {
	case AuthAccepted:
		return ""
	case AuthChallenged:
		return r.ReplyMessage
	default:
		return genericAuthFailure
	}
}

// Err converts a non-accepted outcome to its sentinel error.
func (r *AuthResult) Err() error {
	switch r.Status {
	case AuthAccepted, AuthChallenged:
		return nil
	case AuthUnreachable:
		return ErrUnreachable
	default:
		return ErrAccessRejected
	}
}

// AuthClient sends Access-Requests and opens sessions for accepted users.
type AuthClient struct {
	cfg    ClientConfig
	nasIP  net.IP
	secret []byte
	store  state.SessionStore
	logger *zap.Logger

	ex      *exchanger
	pool    AddressPool
	audit   AuditLogger
	metrics *metrics.Metrics
}

// NewAuthClient creates an authentication client.
func NewAuthClient(cfg ClientConfig, store state.SessionStore, logger *zap.Logger) (*AuthClient, error) {
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

	return &AuthClient{
		cfg:    cfg,
		nasIP:  nasIP,
		secret: []byte(cfg.Server.Secret),
		store:  store,
		logger: logger,
		ex:     newExchanger(nil, cfg.Timeout, cfg.Retries, logger),
	}, nil
}

// SetTransport replaces the UDP transport.
func (c *AuthClient) SetTransport(t Transport) {
	c.ex.transport = t
}

// SetMetrics sets the metrics sink.
func (c *AuthClient) SetMetrics(m *metrics.Metrics) {
	c.metrics = m
	c.ex.metrics = m
}

// SetAuditLogger sets the audit logger.
func (c *AuthClient) SetAuditLogger(a AuditLogger) {
	c.audit = a
}

// SetPool sets the pool Framed-IP addresses are allocated from when the
// server does not assign one.
func (c *AuthClient) SetPool(p AddressPool) {
	c.pool = p
}

// Authenticate runs one Access-Request exchange.
//
// Rejections and challenges are results, not errors. When the server cannot
// be reached the result has status AuthUnreachable and the error wraps
// ErrUnreachable. A response with a bad authenticator is treated as a
// rejection and the error wraps ErrAuthenticatorMismatch.
func (c *AuthClient) Authenticate(ctx context.Context, req *AuthRequest) (*AuthResult, error) {
	if req.Username == "" {
		return nil, fmt.Errorf("%w: username required", ErrEncode)
	}

	resp, err := c.ex.do(ctx, exchange{
		op:      "auth",
		server:  c.cfg.Server.label(),
		addr:    c.cfg.Server.authAddr(),
		secret:  c.secret,
		rebuild: true,
		build:   func(int) (*Packet, []byte, error) {
			return c.buildAccessRequest(req)
		},
	})

	result := &AuthResult{Username: req.Username}

	switch {
	case errors.Is(err, ErrAuthenticatorMismatch):
		result.Status = AuthRejected
		c.logAudit(&audit.Event{
			Type:         audit.EventAuthenticatorMismatch,
			Username:     req.Username,
			RADIUSServer: c.cfg.Server.authAddr(),
			ErrorMessage: err.Error(),
		})
		return result, err
	case IsUnreachable(err):
		result.Status = AuthUnreachable
		c.logger.Warn("RADIUS server unreachable",
			zap.String("username", req.Username),
			zap.String("server", c.cfg.Server.authAddr()),
			zap.Error(err),
		)
		c.logAudit(&audit.Event{
			Type:         audit.EventAuthFailure,
			Username:     req.Username,
			RADIUSServer: c.cfg.Server.authAddr(),
			ErrorMessage: err.Error(),
		})
		return result, err
	case err != nil:
		return nil, err
	}

	result.ReplyMessage = resp.GetString(AttrReplyMessage)

	switch resp.Code {
	case CodeAccessAccept:
		return c.accept(ctx, req, resp, result)

	case CodeAccessReject:
		result.Status = AuthRejected
		c.logger.Info("Access rejected",
			zap.String("username", req.Username),
			zap.String("reply_message", result.ReplyMessage),
		)
		c.logAudit(&audit.Event{
			Type:         audit.EventAuthReject,
			Username:     req.Username,
			RADIUSServer: c.cfg.Server.authAddr(),
			RADIUSCode:   resp.Code.String(),
			ReplyMessage: result.ReplyMessage,
		})
		return result, nil

	case CodeAccessChallenge:
		result.Status = AuthChallenged
		if a, ok := resp.Get(AttrState); ok {
			result.State = a.Value
		}
		c.logAudit(&audit.Event{
			Type:         audit.EventAuthChallenge,
			Username:     req.Username,
			RADIUSServer: c.cfg.Server.authAddr(),
			RADIUSCode:   resp.Code.String(),
			ReplyMessage: result.ReplyMessage,
		})
		return result, nil
	}

	return nil, fmt.Errorf("%w: unexpected %s in reply to Access-Request", ErrMalformedPacket, resp.Code)
}

// buildAccessRequest encodes a fresh Access-Request: new identifier, new
// authenticator and the password obfuscated under it.
func (c *AuthClient) buildAccessRequest(req *AuthRequest) (*Packet, []byte, error) {
	p := NewPacket(CodeAccessRequest, c.ex.identifier())

	auth, err := NewRequestAuthenticator()
	if err != nil {
		return nil, nil, err
	}
	p.Authenticator = auth

	password, err := EncryptPassword([]byte(req.Password), c.secret, auth)
	if err != nil {
		return nil, nil, err
	}

	if err := p.Add(AttrUserName, req.Username); err != nil {
		return nil, nil, err
	}
	p.Attributes = append(p.Attributes, Attribute{Type: AttrUserPassword, Value: password})

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

	attrs := []struct {
		t Type
		v interface{}
	}{
		{AttrNASPort, req.NASPort},
		{AttrServiceType, uint32(ServiceTypeFramed)},
		{AttrFramedProtocol, uint32(FramedProtocolPPP)},
	}
	for _, a := range attrs {
		if err := p.Add(a.t, a.v); err != nil {
			return nil, nil, err
		}
	}

	if req.CallingStationID != "" {
		if err := p.Add(AttrCallingStationID, req.CallingStationID); err != nil {
			return nil, nil, err
		}
	}
	if req.CalledStationID != "" {
		if err := p.Add(AttrCalledStationID, req.CalledStationID); err != nil {
			return nil, nil, err
		}
	}
	if len(req.State) > 0 {
		if err := p.Add(AttrState, req.State); err != nil {
			return nil, nil, err
		}
	}

	if c.cfg.MessageAuthenticator {
		p.Attributes = append(p.Attributes, Attribute{
			Type:  AttrMessageAuthenticator,
			Value: make([]byte, authenticatorLen),
		})
	}

	raw, err := p.Encode(c.secret)
	if err != nil {
		return nil, nil, err
	}
	return p, raw, nil
}

// accept assigns the Framed-IP and opens the session.
func (c *AuthClient) accept(ctx context.Context, req *AuthRequest, resp *Packet, result *AuthResult) (*AuthResult, error) {
	sessionID := uuid.New().String()

	var framedIP net.IP
	if a, ok := resp.Get(AttrFramedIPAddress); ok && len(a.Value) == net.IPv4len {
		framedIP = net.IP(append([]byte(nil), a.Value...))
	}

	allocated := false
	if c.pool != nil {
		switch {
		case framedIP == nil:
			ip, err := c.pool.Allocate(sessionID)
			if err != nil {
				c.logAudit(&audit.Event{
					Type:         audit.EventResourceExhausted,
					Username:     req.Username,
					SessionID:    sessionID,
					ErrorMessage: err.Error(),
				})
				return nil, fmt.Errorf("allocate framed IP for %s: %w", req.Username, err)
			}
			framedIP = ip
			allocated = true
		case c.pool.Contains(framedIP):
			err := c.pool.Reserve(framedIP, sessionID)
			switch {
			case err == nil:
				allocated = true
			case errors.Is(err, allocator.ErrReserved):
				// The server owns the assignment; keep it untracked.
				c.logger.Warn("Server assigned a reserved pool address",
					zap.String("username", req.Username),
					zap.String("framed_ip", framedIP.String()),
				)
			default:
				return nil, fmt.Errorf("reserve framed IP %s for %s: %w", framedIP, req.Username, err)
			}
		}
	}

	result.Status = AuthAccepted
	result.SessionID = sessionID
	if framedIP != nil {
		result.FramedIP = framedIP.String()
	}
	result.SessionTimeout, _ = resp.GetUint32(AttrSessionTimeout)
	result.IdleTimeout, _ = resp.GetUint32(AttrIdleTimeout)
	result.InterimInterval, _ = resp.GetUint32(AttrAcctInterimInterval)
	if a, ok := resp.Get(AttrClass); ok {
		result.Class = a.Value
	}
	if v, ok := resp.FindVendorAttribute(VendorMikrotik, MikrotikRateLimitType); ok {
		if rl, err := ParseRateLimit(string(v.Value)); err == nil {
			result.RateLimit = rl
		}
	}

	session := &state.Session{
		ID:             sessionID,
		Username:       req.Username,
		NASPort:        req.NASPort,
		FramedIP:       result.FramedIP,
		Status:         state.SessionActive,
		SessionTimeout: result.SessionTimeout,
		Class:          result.Class,
	}
	if c.nasIP != nil {
		session.NASIP = c.nasIP.String()
	}

	if err := c.store.CreateSession(ctx, session); err != nil {
		if allocated {
			_ = c.pool.Release(sessionID)
		}
		return nil, fmt.Errorf("create session for %s: %w", req.Username, err)
	}
	result.Session = session
	c.metrics.RecordSessionCreated()

	c.logger.Info("Access accepted",
		zap.String("username", req.Username),
		zap.String("session_id", sessionID),
		zap.String("framed_ip", result.FramedIP),
		zap.Uint32("session_timeout", result.SessionTimeout),
	)
	c.logAudit(&audit.Event{
		Type:         audit.EventAuthSuccess,
		Username:     req.Username,
		SessionID:    sessionID,
		NASIP:        session.NASIP,
		FramedIP:     result.FramedIP,
		RADIUSServer: c.cfg.Server.authAddr(),
		RADIUSCode:   resp.Code.String(),
	})

	return result, nil
}

func (c *AuthClient) logAudit(event *audit.Event) {
	if c.audit != nil {
		c.audit.LogEvent(event)
	}
}

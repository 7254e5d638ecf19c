// Package nassim simulates the RADIUS peers of a subscriber-management
// system: an AAA server answering Access and Accounting requests and a NAS
// answering CoA and Disconnect requests. It is built on layeh.com/radius, an
// implementation independent of pkg/radius, so exchanges against it check
// our encoding on the wire.
package nassim

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"
	"layeh.com/radius"
	"layeh.com/radius/rfc2865"
	"layeh.com/radius/rfc2866"
	"layeh.com/radius/rfc2869"
)

// Mode selects how the simulator answers accounting and CoA requests.
type Mode string

const (
	ModeAck  Mode = "ack"
	ModeNak  Mode = "nak"
	ModeDrop Mode = "drop"
)

const (
	vendorSpecific radius.Type = 26
	errorCause     radius.Type = 101

	vendorMikrotik     uint32 = 14988
	mikrotikRateLimit  byte   = 8
	mikrotikTotalLimit byte   = 17
	defaultErrorCause  uint32 = 503
)

const challengePrompt = "Enter one-time code"

// User is one subscriber known to the simulated AAA server.
type User struct {
	Username        string `yaml:"username"`
	Password        string `yaml:"password"`
	FramedIP        string `yaml:"framed_ip"`
	SessionTimeout  uint32 `yaml:"session_timeout"`
	RateLimit       string `yaml:"rate_limit"`
	Class           string `yaml:"class"`
	ReplyMessage    string `yaml:"reply_message"`
	Challenge       bool   `yaml:"challenge"`
	ChallengeAnswer string `yaml:"challenge_answer"`
}

// Config configures the simulator.
type Config struct {
	Secret string `yaml:"secret"`

	// Listen addresses; ":0" picks a free port.
	AuthAddr string `yaml:"auth_addr"`
	AcctAddr string `yaml:"acct_addr"`
	CoAAddr  string `yaml:"coa_addr"`

	Users           []User `yaml:"users"`
	InterimInterval uint32 `yaml:"interim_interval"`

	AcctMode   Mode   `yaml:"acct_mode"`
	CoAMode    Mode   `yaml:"coa_mode"`
	ErrorCause uint32 `yaml:"error_cause"`
}

// DefaultConfig returns a simulator listening on the standard ports.
func DefaultConfig() Config {
	return Config{
		Secret:   "testing123",
		AuthAddr: ":1812",
		AcctAddr: ":1813",
		CoAAddr:  ":3799",
		AcctMode: ModeAck,
		CoAMode:  ModeAck,
	}
}

// Request is what the simulator saw of one received packet.
type Request struct {
	Code       radius.Code
	Identifier byte
	Username   string
	SessionID  string
	Received   time.Time

	// Accounting
	StatusType   uint32
	InputOctets  uint64
	OutputOctets uint64
	SessionTime  uint32
	FramedIP     string

	// CoA
	RateLimit  string
	TotalLimit uint32
}

// Simulator runs the three listeners.
type Simulator struct {
	cfg    Config
	secret []byte
	logger *zap.Logger

	mu       sync.RWMutex
	users    map[string]User
	requests []Request
	acctMode Mode
	coaMode  Mode

	servers []*radius.PacketServer
	addrs   map[string]net.Addr
	wg      sync.WaitGroup
}

// New creates a simulator. Call Start to begin serving.
func New(cfg Config, logger *zap.Logger) (*Simulator, error) {
	if cfg.Secret == "" {
		return nil, fmt.Errorf("shared secret required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.AcctMode == "" {
		cfg.AcctMode = ModeAck
	}
	if cfg.CoAMode == "" {
		cfg.CoAMode = ModeAck
	}
	if cfg.ErrorCause == 0 {
		cfg.ErrorCause = defaultErrorCause
	}

	users := make(map[string]User, len(cfg.Users))
	for _, u := range cfg.Users {
		if u.Username == "" {
			return nil, fmt.Errorf("user without username")
		}
		if u.FramedIP != "" && net.ParseIP(u.FramedIP).To4() == nil {
			return nil, fmt.Errorf("user %s: invalid framed IP %q", u.Username, u.FramedIP)
		}
		users[u.Username] = u
	}

	return &Simulator{
		cfg:      cfg,
		secret:   []byte(cfg.Secret),
		logger:   logger.Named("nassim"),
		users:    users,
		acctMode: cfg.AcctMode,
		coaMode:  cfg.CoAMode,
		addrs:    make(map[string]net.Addr),
	}, nil
}

// Start binds the listeners and serves them in the background.
func (s *Simulator) Start() error {
	listeners := []struct {
		name    string
		addr    string
		handler radius.HandlerFunc
	}{
		{"auth", s.cfg.AuthAddr, s.serveAuth},
		{"acct", s.cfg.AcctAddr, s.serveAcct},
		{"coa", s.cfg.CoAAddr, s.serveCoA},
	}

	for _, l := range listeners {
		if l.addr == "" {
			continue
		}
		conn, err := net.ListenPacket("udp", l.addr)
		if err != nil {
			_ = s.Stop(context.Background())
			return fmt.Errorf("listen %s on %s: %w", l.name, l.addr, err)
		}

		server := &radius.PacketServer{
			SecretSource: radius.StaticSecretSource(s.secret),
			Handler:      l.handler,
		}
		s.servers = append(s.servers, server)
		s.addrs[l.name] = conn.LocalAddr()

		s.wg.Add(1)
		go func(name string) {
			defer s.wg.Done()
			if err := server.Serve(conn); err != nil && !errors.Is(err, radius.ErrServerShutdown) {
				s.logger.Error("Listener stopped", zap.String("listener", name), zap.Error(err))
			}
		}(l.name)

		s.logger.Info("Listening",
			zap.String("listener", l.name),
			zap.String("addr", conn.LocalAddr().String()),
		)
	}
	return nil
}

// Stop shuts every listener down and waits for them to exit.
func (s *Simulator) Stop(ctx context.Context) error {
	var errs []error
	for _, server := range s.servers {
		if err := server.Shutdown(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	s.wg.Wait()
	s.servers = nil
	return errors.Join(errs...)
}

// Addr returns the bound address of a listener ("auth", "acct" or "coa").
func (s *Simulator) Addr(name string) string {
	if a, ok := s.addrs[name]; ok {
		return a.String()
	}
	return ""
}

// Port returns the bound UDP port of a listener, or 0.
func (s *Simulator) Port(name string) int {
	if a, ok := s.addrs[name].(*net.UDPAddr); ok {
		return a.Port
	}
	return 0
}

// SetAcctMode changes how accounting requests are answered.
func (s *Simulator) SetAcctMode(m Mode) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.acctMode = m
}

// SetCoAMode changes how CoA and Disconnect requests are answered.
func (s *Simulator) SetCoAMode(m Mode) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.coaMode = m
}

// AddUser adds or replaces a subscriber.
func (s *Simulator) AddUser(u User) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.users[u.Username] = u
}

// Requests returns every request received so far.
func (s *Simulator) Requests() []Request {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]Request(nil), s.requests...)
}

// RequestsWithCode returns the received requests of one code.
func (s *Simulator) RequestsWithCode(code radius.Code) []Request {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []Request
	for _, r := range s.requests {
		if r.Code == code {
			out = append(out, r)
		}
	}
	return out
}

// Reset forgets recorded requests.
func (s *Simulator) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requests = nil
}

func (s *Simulator) record(r Request) {
	r.Received = time.Now()
	s.mu.Lock()
	s.requests = append(s.requests, r)
	s.mu.Unlock()
}

func (s *Simulator) serveAuth(w radius.ResponseWriter, r *radius.Request) {
	if r.Code != radius.CodeAccessRequest {
		s.logger.Warn("Unexpected code on auth port", zap.String("code", r.Code.String()))
		return
	}

	username := rfc2865.UserName_GetString(r.Packet)
	password := rfc2865.UserPassword_GetString(r.Packet)
	state := rfc2865.State_Get(r.Packet)

	s.record(Request{
		Code:       r.Code,
		Identifier: r.Identifier,
		Username:   username,
	})

	s.mu.RLock()
	user, known := s.users[username]
	s.mu.RUnlock()

	var resp *radius.Packet
	switch {
	case !known || (len(state) == 0 && user.Password != password):
		resp = r.Response(radius.CodeAccessReject)
		_ = rfc2865.ReplyMessage_SetString(resp, "Invalid credentials")

	case user.Challenge && len(state) == 0:
		resp = r.Response(radius.CodeAccessChallenge)
		_ = rfc2865.ReplyMessage_SetString(resp, challengePrompt)
		_ = rfc2865.State_Set(resp, []byte("challenge-"+username))

	case len(state) > 0 && (string(state) != "challenge-"+username || password != user.ChallengeAnswer):
		resp = r.Response(radius.CodeAccessReject)
		_ = rfc2865.ReplyMessage_SetString(resp, "Invalid one-time code")

	default:
		var err error
		resp, err = s.accept(r, user)
		if err != nil {
			s.logger.Error("Failed to build Access-Accept", zap.String("username", username), zap.Error(err))
			return
		}
	}

	if err := w.Write(resp); err != nil {
		s.logger.Warn("Failed to send auth reply", zap.Error(err))
		return
	}
	s.logger.Debug("Auth reply sent",
		zap.String("username", username),
		zap.String("code", resp.Code.String()),
	)
}

func (s *Simulator) accept(r *radius.Request, user User) (*radius.Packet, error) {
	resp := r.Response(radius.CodeAccessAccept)

	if user.FramedIP != "" {
		if err := rfc2865.FramedIPAddress_Set(resp, net.ParseIP(user.FramedIP).To4()); err != nil {
			return nil, err
		}
	}
	if user.SessionTimeout > 0 {
		if err := rfc2865.SessionTimeout_Set(resp, rfc2865.SessionTimeout(user.SessionTimeout)); err != nil {
			return nil, err
		}
	}
	if s.cfg.InterimInterval > 0 {
		if err := rfc2869.AcctInterimInterval_Set(resp, rfc2869.AcctInterimInterval(s.cfg.InterimInterval)); err != nil {
			return nil, err
		}
	}
	if user.Class != "" {
		if err := rfc2865.Class_Set(resp, []byte(user.Class)); err != nil {
			return nil, err
		}
	}
	if user.ReplyMessage != "" {
		if err := rfc2865.ReplyMessage_SetString(resp, user.ReplyMessage); err != nil {
			return nil, err
		}
	}
	if user.RateLimit != "" {
		vsa, err := mikrotikVSA(mikrotikRateLimit, []byte(user.RateLimit))
		if err != nil {
			return nil, err
		}
		resp.Add(vendorSpecific, vsa)
	}
	return resp, nil
}

func (s *Simulator) serveAcct(w radius.ResponseWriter, r *radius.Request) {
	if r.Code != radius.CodeAccountingRequest {
		s.logger.Warn("Unexpected code on accounting port", zap.String("code", r.Code.String()))
		return
	}

	input := uint64(rfc2869.AcctInputGigawords_Get(r.Packet))<<32 | uint64(rfc2866.AcctInputOctets_Get(r.Packet))
	output := uint64(rfc2869.AcctOutputGigawords_Get(r.Packet))<<32 | uint64(rfc2866.AcctOutputOctets_Get(r.Packet))

	req := Request{
		Code:         r.Code,
		Identifier:   r.Identifier,
		Username:     rfc2865.UserName_GetString(r.Packet),
		SessionID:    rfc2866.AcctSessionID_GetString(r.Packet),
		StatusType:   uint32(rfc2866.AcctStatusType_Get(r.Packet)),
		SessionTime:  uint32(rfc2866.AcctSessionTime_Get(r.Packet)),
		InputOctets:  input,
		OutputOctets: output,
	}
	if ip := rfc2865.FramedIPAddress_Get(r.Packet); ip != nil {
		req.FramedIP = ip.String()
	}
	s.record(req)

	s.mu.RLock()
	mode := s.acctMode
	s.mu.RUnlock()

	if mode != ModeAck {
		s.logger.Debug("Dropping accounting request", zap.String("session_id", req.SessionID))
		return
	}
	if err := w.Write(r.Response(radius.CodeAccountingResponse)); err != nil {
		s.logger.Warn("Failed to send Accounting-Response", zap.Error(err))
	}
}

func (s *Simulator) serveCoA(w radius.ResponseWriter, r *radius.Request) {
	var ack, nak radius.Code
	switch r.Code {
	case radius.CodeCoARequest:
		ack, nak = radius.CodeCoAACK, radius.CodeCoANAK
	case radius.CodeDisconnectRequest:
		ack, nak = radius.CodeDisconnectACK, radius.CodeDisconnectNAK
	default:
		s.logger.Warn("Unexpected code on CoA port", zap.String("code", r.Code.String()))
		return
	}

	req := Request{
		Code:       r.Code,
		Identifier: r.Identifier,
		Username:   rfc2865.UserName_GetString(r.Packet),
		SessionID:  rfc2866.AcctSessionID_GetString(r.Packet),
	}
	if ip := rfc2865.FramedIPAddress_Get(r.Packet); ip != nil {
		req.FramedIP = ip.String()
	}
	if vendorType, value, ok := parseMikrotikVSA(r.Packet.Get(vendorSpecific)); ok {
		switch vendorType {
		case mikrotikRateLimit:
			req.RateLimit = string(value)
		case mikrotikTotalLimit:
			if len(value) == 4 {
				req.TotalLimit = binary.BigEndian.Uint32(value)
			}
		}
	}
	s.record(req)

	s.mu.RLock()
	mode := s.coaMode
	s.mu.RUnlock()

	var resp *radius.Packet
	switch mode {
	case ModeDrop:
		s.logger.Debug("Dropping CoA request", zap.String("username", req.Username))
		return
	case ModeNak:
		resp = r.Response(nak)
		resp.Add(errorCause, radius.NewInteger(s.cfg.ErrorCause))
	default:
		resp = r.Response(ack)
	}

	if err := w.Write(resp); err != nil {
		s.logger.Warn("Failed to send CoA reply", zap.Error(err))
		return
	}
	s.logger.Debug("CoA reply sent",
		zap.String("username", req.Username),
		zap.String("code", resp.Code.String()),
	)
}

// mikrotikVSA wraps one MikroTik sub-attribute in a Vendor-Specific value.
func mikrotikVSA(vendorType byte, value []byte) (radius.Attribute, error) {
	if len(value) > 247 {
		return nil, fmt.Errorf("vendor attribute %d too long", vendorType)
	}
	sub := append([]byte{vendorType, byte(2 + len(value))}, value...)
	return radius.NewVendorSpecific(vendorMikrotik, sub)
}

// parseMikrotikVSA returns the first MikroTik sub-attribute in a.
func parseMikrotikVSA(a radius.Attribute) (byte, []byte, bool) {
	if a == nil {
		return 0, nil, false
	}
	vendorID, sub, err := radius.VendorSpecific(a)
	if err != nil || vendorID != vendorMikrotik || len(sub) < 2 {
		return 0, nil, false
	}
	length := int(sub[1])
	if length < 2 || length > len(sub) {
		return 0, nil, false
	}
	return sub[0], sub[2:length], true
}

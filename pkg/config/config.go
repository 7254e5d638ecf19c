// Package config loads radcore configuration from YAML with environment
// overrides.
package config

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"

	"github.com/codelaboratoryltd/radcore/pkg/allocator"
	"github.com/codelaboratoryltd/radcore/pkg/fup"
	"github.com/codelaboratoryltd/radcore/pkg/nassim"
	"github.com/codelaboratoryltd/radcore/pkg/notify"
	"github.com/codelaboratoryltd/radcore/pkg/radius"
	"github.com/codelaboratoryltd/radcore/pkg/state"
)

// EnvPrefix prefixes every environment override, e.g. RADCORE_RADIUS_SECRET.
const EnvPrefix = "RADCORE"

// Defaults
const (
	DefaultTimeout       = 3 * time.Second
	DefaultRetries       = 3
	DefaultFUPInterval   = time.Hour
	DefaultFUPWorkers    = 8
	DefaultMetricsListen = ":9090"
	DefaultLogLevel      = "info"
)

// Store backends
const (
	BackendMemory = "memory"
	BackendRedis  = "redis"
)

// Config is the complete radcore configuration.
type Config struct {
	LogLevel string `yaml:"log_level" envconfig:"LOG_LEVEL"`

	RADIUS  RADIUSConfig  `yaml:"radius" envconfig:"RADIUS"`
	CoA     CoAConfig     `yaml:"coa" envconfig:"COA"`
	Pool    PoolConfig    `yaml:"pool" envconfig:"POOL"`
	Store   StoreConfig   `yaml:"store" envconfig:"STORE"`
	FUP     FUPConfig     `yaml:"fup" envconfig:"FUP"`
	Webhook WebhookConfig `yaml:"webhook" envconfig:"WEBHOOK"`
	Metrics MetricsConfig `yaml:"metrics" envconfig:"METRICS"`

	Subscribers []fup.Subscriber `yaml:"subscribers" ignored:"true"`
	Simulator   nassim.Config    `yaml:"simulator" ignored:"true"`
}

// RADIUSConfig is the AAA server used for authentication and accounting.
type RADIUSConfig struct {
	Server     string `yaml:"server" envconfig:"SERVER"`
	AuthPort   int    `yaml:"auth_port" envconfig:"AUTH_PORT"`
	AcctPort   int    `yaml:"acct_port" envconfig:"ACCT_PORT"`
	Secret     string `yaml:"secret" envconfig:"SECRET"`
	SecretFile string `yaml:"secret_file" envconfig:"SECRET_FILE"`

	NASIPAddress  string `yaml:"nas_ip_address" envconfig:"NAS_IP_ADDRESS"`
	NASIdentifier string `yaml:"nas_identifier" envconfig:"NAS_IDENTIFIER"`

	Timeout              time.Duration `yaml:"timeout" envconfig:"TIMEOUT"`
	Retries              int           `yaml:"retries" envconfig:"RETRIES"`
	MessageAuthenticator bool          `yaml:"message_authenticator" envconfig:"MESSAGE_AUTHENTICATOR"`
}

// NASConfig is one CoA target.
type NASConfig struct {
	Name   string `yaml:"name"`
	Host   string `yaml:"host"`
	Port   int    `yaml:"port"`
	Secret string `yaml:"secret"`
}

// CoAConfig configures the CoA client. Port and Secret apply to NAS entries
// that do not set their own.
type CoAConfig struct {
	NAS        []NASConfig `yaml:"nas" ignored:"true"`
	Port       int         `yaml:"port" envconfig:"PORT"`
	Secret     string      `yaml:"secret" envconfig:"SECRET"`
	SecretFile string      `yaml:"secret_file" envconfig:"SECRET_FILE"`

	Timeout time.Duration `yaml:"timeout" envconfig:"TIMEOUT"`
	Retries int           `yaml:"retries" envconfig:"RETRIES"`

	// DisconnectRequest sends RFC 5176 Disconnect-Request instead of a
	// CoA-Request for disconnects.
	DisconnectRequest bool `yaml:"disconnect_request" envconfig:"DISCONNECT_REQUEST"`
}

// PoolConfig is the optional local Framed-IP pool.
type PoolConfig struct {
	Name    string   `yaml:"name" envconfig:"NAME"`
	CIDR    string   `yaml:"cidr" envconfig:"CIDR"`
	Exclude []string `yaml:"exclude" envconfig:"EXCLUDE"`
}

// StoreConfig selects the persistence backend.
type StoreConfig struct {
	Backend string            `yaml:"backend" envconfig:"BACKEND"`
	Redis   state.RedisConfig `yaml:"redis" envconfig:"REDIS"`
}

// FUPConfig configures the enforcement loop.
type FUPConfig struct {
	Enabled  bool          `yaml:"enabled" envconfig:"ENABLED"`
	Interval time.Duration `yaml:"interval" envconfig:"INTERVAL"`
	Workers  int           `yaml:"workers" envconfig:"WORKERS"`
}

// WebhookConfig configures FUP event delivery.
type WebhookConfig struct {
	URL              string        `yaml:"url" envconfig:"URL"`
	Timeout          time.Duration `yaml:"timeout" envconfig:"TIMEOUT"`
	FailureThreshold uint32        `yaml:"failure_threshold" envconfig:"FAILURE_THRESHOLD"`
}

// MetricsConfig configures the Prometheus endpoint.
type MetricsConfig struct {
	Listen string `yaml:"listen" envconfig:"LISTEN"`
}

// Load reads path (if non-empty) and applies RADCORE_* environment
// overrides. The result is not validated.
func Load(path string) (*Config, error) {
	cfg := &Config{}

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	if err := envconfig.Process(EnvPrefix, cfg); err != nil {
		return nil, fmt.Errorf("failed to apply environment: %w", err)
	}

	return cfg, nil
}

// Validate applies defaults, resolves secret files and checks the config.
func (c *Config) Validate() error {
	if c.LogLevel == "" {
		c.LogLevel = DefaultLogLevel
	}
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid log level: %s", c.LogLevel)
	}

	if err := c.validateRADIUS(); err != nil {
		return err
	}
	if err := c.validateCoA(); err != nil {
		return err
	}
	if err := c.validatePool(); err != nil {
		return err
	}

	switch c.Store.Backend {
	case "":
		c.Store.Backend = BackendMemory
	case BackendMemory, BackendRedis:
	default:
		return fmt.Errorf("unknown store backend %q", c.Store.Backend)
	}

	if c.FUP.Interval <= 0 {
		c.FUP.Interval = DefaultFUPInterval
	}
	if c.FUP.Workers <= 0 {
		c.FUP.Workers = DefaultFUPWorkers
	}
	if c.FUP.Enabled && len(c.CoA.NAS) == 0 {
		return errors.New("fup: enabled but no CoA NAS configured")
	}
	for i, sub := range c.Subscribers {
		if sub.Username == "" {
			return fmt.Errorf("subscriber %d: username required", i)
		}
	}

	if c.Webhook.URL != "" {
		u, err := url.Parse(c.Webhook.URL)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return fmt.Errorf("webhook: invalid url %q", c.Webhook.URL)
		}
	}

	if c.Metrics.Listen == "" {
		c.Metrics.Listen = DefaultMetricsListen
	}

	c.applySimulatorDefaults()
	return nil
}

func (c *Config) validateRADIUS() error {
	r := &c.RADIUS
	if r.AuthPort == 0 {
		r.AuthPort = radius.DefaultAuthPort
	}
	if r.AcctPort == 0 {
		r.AcctPort = radius.DefaultAcctPort
	}
	if r.Timeout <= 0 {
		r.Timeout = DefaultTimeout
	}
	if r.Retries <= 0 {
		r.Retries = DefaultRetries
	}
	if r.NASIPAddress != "" && net.ParseIP(r.NASIPAddress).To4() == nil {
		return fmt.Errorf("radius: invalid nas_ip_address %q", r.NASIPAddress)
	}

	if r.Server == "" {
		return nil
	}
	secret, err := resolveSecret(r.Secret, r.SecretFile)
	if err != nil {
		return fmt.Errorf("radius: %w", err)
	}
	if secret == "" {
		return errors.New("radius: shared secret required")
	}
	r.Secret = secret
	return nil
}

func (c *Config) validateCoA() error {
	co := &c.CoA
	if co.Port == 0 {
		co.Port = radius.DefaultCoAPort
	}
	if co.Timeout <= 0 {
		co.Timeout = DefaultTimeout
	}
	if co.Retries <= 0 {
		co.Retries = DefaultRetries
	}

	secret, err := resolveSecret(co.Secret, co.SecretFile)
	if err != nil {
		return fmt.Errorf("coa: %w", err)
	}
	co.Secret = secret

	for i := range co.NAS {
		nas := &co.NAS[i]
		if nas.Host == "" {
			return fmt.Errorf("coa: NAS %d: host required", i)
		}
		if nas.Port == 0 {
			nas.Port = co.Port
		}
		if nas.Secret == "" {
			nas.Secret = co.Secret
		}
		if nas.Secret == "" {
			return fmt.Errorf("coa: NAS %s: shared secret required", nas.Host)
		}
	}
	return nil
}

func (c *Config) validatePool() error {
	if c.Pool.CIDR == "" {
		return nil
	}
	if _, _, err := net.ParseCIDR(c.Pool.CIDR); err != nil {
		return fmt.Errorf("pool: invalid cidr %q: %w", c.Pool.CIDR, err)
	}
	for _, ex := range c.Pool.Exclude {
		if net.ParseIP(ex) == nil {
			return fmt.Errorf("pool: invalid exclude address %q", ex)
		}
	}
	if c.Pool.Name == "" {
		c.Pool.Name = "default"
	}
	return nil
}

func (c *Config) applySimulatorDefaults() {
	def := nassim.DefaultConfig()
	sim := &c.Simulator
	if sim.Secret == "" {
		sim.Secret = def.Secret
	}
	if sim.AuthAddr == "" {
		sim.AuthAddr = def.AuthAddr
	}
	if sim.AcctAddr == "" {
		sim.AcctAddr = def.AcctAddr
	}
	if sim.CoAAddr == "" {
		sim.CoAAddr = def.CoAAddr
	}
}

// resolveSecret returns secret, or the trimmed contents of file when secret
// is empty.
func resolveSecret(secret, file string) (string, error) {
	if secret != "" || file == "" {
		return secret, nil
	}
	data, err := os.ReadFile(file)
	if err != nil {
		return "", fmt.Errorf("failed to read secret file: %w", err)
	}
	return strings.TrimSpace(string(data)), nil
}

// ClientConfig returns the auth/accounting client settings.
func (c *Config) ClientConfig() radius.ClientConfig {
	return radius.ClientConfig{
		Server: radius.ServerConfig{
			Name:     c.RADIUS.Server,
			Host:     c.RADIUS.Server,
			AuthPort: c.RADIUS.AuthPort,
			AcctPort: c.RADIUS.AcctPort,
			Secret:   c.RADIUS.Secret,
		},
		NASIPAddress:         c.RADIUS.NASIPAddress,
		NASIdentifier:        c.RADIUS.NASIdentifier,
		Timeout:              c.RADIUS.Timeout,
		Retries:              c.RADIUS.Retries,
		MessageAuthenticator: c.RADIUS.MessageAuthenticator,
	}
}

// CoaConfig returns the CoA client settings.
func (c *Config) CoaConfig() radius.CoaConfig {
	cfg := radius.CoaConfig{
		Timeout:        c.CoA.Timeout,
		Retries:        c.CoA.Retries,
		DisconnectCode: radius.CodeCoARequest,
	}
	if c.CoA.DisconnectRequest {
		cfg.DisconnectCode = radius.CodeDisconnectRequest
	}
	for _, nas := range c.CoA.NAS {
		cfg.NAS = append(cfg.NAS, radius.ServerConfig{
			Name:    nas.Name,
			Host:    nas.Host,
			CoAPort: nas.Port,
			Secret:  nas.Secret,
		})
	}
	return cfg
}

// PoolConfig returns the allocator settings, or false when no pool is
// configured.
func (c *Config) PoolConfig() (allocator.PoolConfig, bool) {
	if c.Pool.CIDR == "" {
		return allocator.PoolConfig{}, false
	}
	return allocator.PoolConfig{
		Name:    c.Pool.Name,
		CIDR:    c.Pool.CIDR,
		Exclude: c.Pool.Exclude,
	}, true
}

// FUPConfig returns the enforcer settings.
func (c *Config) FUPConfig() fup.Config {
	return fup.Config{
		Interval: c.FUP.Interval,
		Workers:  c.FUP.Workers,
	}
}

// WebhookConfig returns the notifier settings, or false when no webhook is
// configured.
func (c *Config) WebhookConfig() (notify.WebhookConfig, bool) {
	if c.Webhook.URL == "" {
		return notify.WebhookConfig{}, false
	}
	cfg := notify.DefaultWebhookConfig()
	cfg.URL = c.Webhook.URL
	if c.Webhook.Timeout > 0 {
		cfg.Timeout = c.Webhook.Timeout
	}
	if c.Webhook.FailureThreshold > 0 {
		cfg.FailureThreshold = c.Webhook.FailureThreshold
	}
	return cfg, true
}

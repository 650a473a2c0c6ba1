// Package config holds the configuration surface of svckit.
//
// A Config is read from YAML, overridden from the environment, filled with
// defaults by Sanitize and checked by Validate. Components receive the section
// they need rather than the whole document.
package config

import (
	"fmt"
	"math"
	"os"
	"strings"
	"time"

	"go.yaml.in/yaml/v2"

	"svckit/status"
)

// Backend kinds.
const (
	BackendEtcd   = "etcd"
	BackendConsul = "consul"
	BackendMemory = "memory"
)

// Environment variables that override file values.
const (
	EnvBackend        = "SVCKIT_BACKEND"
	EnvEtcdEndpoints  = "ETCD_ENDPOINTS"
	EnvConsulAddress  = "CONSUL_HTTP_ADDR"
	EnvConsulToken    = "CONSUL_HTTP_TOKEN"
	defaultConsulAddr = "http://127.0.0.1:8500"
	defaultEtcdAddr   = "127.0.0.1:2379"
)

// Duration is a time.Duration read from strings such as "10s" or "250ms".
type Duration time.Duration

func (d *Duration) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var s string
	if err := unmarshal(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// ToDuration converts back to time.Duration.
func (d Duration) ToDuration() time.Duration {
	return time.Duration(d)
}

// Config is the root document.
type Config struct {
	Backend      Backend      `yaml:"backend"`
	Registration Registration `yaml:"registration"`
	Discovery    Discovery    `yaml:"discovery"`
	Middleware   Middleware   `yaml:"middleware"`
	LogLevel     string       `yaml:"log_level"`
}

// Backend selects and configures the coordination backend.
type Backend struct {
	// Kind is one of etcd, consul or memory.
	Kind string `yaml:"kind"`
	// Endpoints are the etcd cluster members.
	Endpoints []string `yaml:"endpoints"`
	// Address is the Consul agent address.
	Address string `yaml:"address"`
	// Prefix roots every etcd key.
	Prefix         string   `yaml:"prefix"`
	DialTimeout    Duration `yaml:"dial_timeout"`
	RequestTimeout Duration `yaml:"request_timeout"`
	Username       string   `yaml:"username"`
	Password       string   `yaml:"password"`
	Token          string   `yaml:"token"`
	Datacenter     string   `yaml:"datacenter"`
	// WaitTime bounds a single Consul blocking query.
	WaitTime Duration `yaml:"wait_time"`
	// SweepInterval is how often the memory backend expires leases.
	SweepInterval Duration `yaml:"sweep_interval"`
}

// Registration tunes the lease lifecycle.
type Registration struct {
	TTL Duration `yaml:"ttl"`
	// HeartbeatFraction of the TTL between renewals.
	HeartbeatFraction float64 `yaml:"heartbeat_fraction"`
	// MaxRenewalFailures consecutive failed heartbeats before the lease is Lost.
	MaxRenewalFailures int `yaml:"max_renewal_failures"`
	// RenewAttempts made within a single heartbeat.
	RenewAttempts     int      `yaml:"renew_attempts"`
	RetryInitial      Duration `yaml:"retry_initial"`
	RetryMax          Duration `yaml:"retry_max"`
	DeregisterTimeout Duration `yaml:"deregister_timeout"`
}

// Discovery tunes the watch loops.
type Discovery struct {
	PollInterval Duration `yaml:"poll_interval"`
	// ResyncInterval forces a full listing while streaming. Zero disables it.
	ResyncInterval Duration `yaml:"resync_interval"`
	// ListTimeout bounds the listing that builds the first view of a service.
	ListTimeout Duration `yaml:"list_timeout"`
}

// Middleware lists the pipeline order and unit settings.
type Middleware struct {
	Order     []string  `yaml:"order"`
	Timeout   Duration  `yaml:"timeout"`
	RateLimit RateLimit `yaml:"rate_limit"`
	Retry     Retry     `yaml:"retry"`
	CacheTTL  Duration  `yaml:"cache_ttl"`
	Redis     Redis     `yaml:"redis"`
}

type RateLimit struct {
	Rate  float64 `yaml:"rate"`
	Burst int     `yaml:"burst"`
}

type Retry struct {
	Attempts int      `yaml:"attempts"`
	Backoff  Duration `yaml:"backoff"`
}

// Redis configures the shared cache store. An empty address keeps the cache
// in process.
type Redis struct {
	Address  string `yaml:"address"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// Default returns a sanitized configuration for the memory backend.
func Default() *Config {
	c := &Config{Backend: Backend{Kind: BackendMemory}}
	c.Sanitize()
	return c
}

// Load reads path, applies environment overrides and defaults, then validates.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, status.Wrapf(status.InvalidArgument, err, "read config %s", path)
	}
	return Parse(data)
}

// Parse decodes a YAML document, applies environment overrides and defaults,
// then validates.
func Parse(data []byte) (*Config, error) {
	c := new(Config)
	if err := yaml.UnmarshalStrict(data, c); err != nil {
		return nil, status.Wrap(status.InvalidArgument, err, "decode config")
	}
	c.ApplyEnv(os.LookupEnv)
	c.Sanitize()
	if err := c.Validate(); err != nil {
		return nil, status.Wrap(status.InvalidArgument, err, "invalid config")
	}
	return c, nil
}

// ApplyEnv overrides backend settings from the environment.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) {
	if v, ok := optional(lookup, EnvBackend); ok {
		c.Backend.Kind = v
	}
	if v, ok := optional(lookup, EnvEtcdEndpoints); ok {
		c.Backend.Endpoints = splitList(v)
	}
	if v, ok := optional(lookup, EnvConsulAddress); ok {
		c.Backend.Address = v
	}
	if v, ok := optional(lookup, EnvConsulToken); ok {
		c.Backend.Token = v
	}
}

func optional(lookup func(string) (string, bool), key string) (string, bool) {
	v, ok := lookup(key)
	v = strings.TrimSpace(v)
	return v, ok && v != ""
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// Sanitize fills unset values with defaults.
func (c *Config) Sanitize() {
	c.Backend.Kind = strings.ToLower(strings.TrimSpace(c.Backend.Kind))
	if c.Backend.Kind == "" {
		c.Backend.Kind = BackendEtcd
	}
	c.Backend.Sanitize()
	c.Registration.Sanitize()
	c.Discovery.Sanitize()
	c.Middleware.Sanitize()
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
}

// Sanitize fills unset values with defaults.
func (b *Backend) Sanitize() {
	switch b.Kind {
	case BackendEtcd:
		if len(b.Endpoints) == 0 {
			b.Endpoints = []string{defaultEtcdAddr}
		}
		if b.Prefix == "" {
			b.Prefix = "/services"
		}
	case BackendConsul:
		if b.Address == "" {
			b.Address = defaultConsulAddr
		}
	}
	if b.DialTimeout == 0 {
		b.DialTimeout = Duration(5 * time.Second)
	}
	if b.RequestTimeout == 0 {
		b.RequestTimeout = Duration(3 * time.Second)
	}
	if b.WaitTime == 0 {
		b.WaitTime = Duration(30 * time.Second)
	}
	if b.SweepInterval == 0 {
		b.SweepInterval = Duration(100 * time.Millisecond)
	}
}

func (r *Registration) Sanitize() {
	if r.TTL == 0 {
		r.TTL = Duration(61 * time.Second)
	}
	if r.HeartbeatFraction == 0 {
		r.HeartbeatFraction = 1.0 / 3
	}
	if r.MaxRenewalFailures == 0 {
		r.MaxRenewalFailures = 3
	}
	if r.RenewAttempts == 0 {
		r.RenewAttempts = 3
	}
	if r.RetryInitial == 0 {
		r.RetryInitial = Duration(100 * time.Millisecond)
	}
	if r.RetryMax == 0 {
		r.RetryMax = Duration(5 * time.Second)
	}
	if r.DeregisterTimeout == 0 {
		r.DeregisterTimeout = Duration(3 * time.Second)
	}
}

func (d *Discovery) Sanitize() {
	if d.PollInterval == 0 {
		d.PollInterval = Duration(5 * time.Second)
	}
	if d.ListTimeout == 0 {
		d.ListTimeout = Duration(5 * time.Second)
	}
}

func (m *Middleware) Sanitize() {
	if m.Timeout == 0 {
		m.Timeout = Duration(5 * time.Second)
	}
	if m.RateLimit.Rate == 0 {
		m.RateLimit.Rate = 1000
	}
	if m.RateLimit.Burst == 0 {
		m.RateLimit.Burst = int(m.RateLimit.Rate)
	}
	if m.Retry.Attempts == 0 {
		m.Retry.Attempts = 3
	}
	if m.Retry.Backoff == 0 {
		m.Retry.Backoff = Duration(50 * time.Millisecond)
	}
	if m.CacheTTL == 0 {
		m.CacheTTL = Duration(30 * time.Second)
	}
}

var _ Validator = (*Config)(nil)

// Validate reports every violation at once.
func (c *Config) Validate() error {
	return newChain(false).
		add(&c.Backend).
		add(&c.Registration).
		add(&c.Discovery).
		add(&c.Middleware).
		assert(validLevel(c.LogLevel), "log_level %q is unknown", c.LogLevel).
		Validate()
}

func validLevel(level string) bool {
	switch strings.ToLower(level) {
	case "debug", "info", "warn", "warning", "error":
		return true
	}
	return false
}

func (b *Backend) Validate() error {
	ch := newChain(false)
	switch b.Kind {
	case BackendEtcd:
		ch.assert(len(b.Endpoints) > 0, "backend.endpoints must not be empty").
			required("backend.prefix", b.Prefix).
			assert(strings.HasPrefix(b.Prefix, "/"), "backend.prefix must start with /")
	case BackendConsul:
		ch.required("backend.address", b.Address)
	case BackendMemory:
	default:
		ch.assert(false, "backend.kind %q is unknown", b.Kind)
	}
	return ch.
		assert(b.DialTimeout > 0, "backend.dial_timeout must be greater than 0").
		assert(b.RequestTimeout > 0, "backend.request_timeout must be greater than 0").
		Validate()
}

func (r *Registration) Validate() error {
	ttl := r.TTL.ToDuration()
	return newChain(false).
		assert(ttl >= time.Second, "registration.ttl must be at least 1s").
		assert(r.HeartbeatFraction > 0 && r.HeartbeatFraction < 1,
			"registration.heartbeat_fraction must be in (0, 1)").
		assert(r.MaxRenewalFailures > 0, "registration.max_renewal_failures must be greater than 0").
		assert(r.RenewAttempts > 0, "registration.renew_attempts must be greater than 0").
		assert(r.RetryInitial > 0 && r.RetryMax >= r.RetryInitial,
			"registration.retry_max must be at least retry_initial").
		assert(r.DeregisterTimeout > 0, "registration.deregister_timeout must be greater than 0").
		Validate()
}

func (d *Discovery) Validate() error {
	return newChain(false).
		assert(d.PollInterval > 0, "discovery.poll_interval must be greater than 0").
		assert(d.ResyncInterval >= 0, "discovery.resync_interval must not be negative").
		assert(d.ListTimeout > 0, "discovery.list_timeout must be greater than 0").
		Validate()
}

func (m *Middleware) Validate() error {
	seen := make(map[string]struct{}, len(m.Order))
	ch := newChain(false)
	for _, name := range m.Order {
		_, dup := seen[name]
		ch.assert(!dup, "middleware.order lists %q twice", name)
		seen[name] = struct{}{}
	}
	return ch.
		assert(m.Timeout > 0, "middleware.timeout must be greater than 0").
		assert(m.RateLimit.Rate > 0 && m.RateLimit.Burst > 0, "middleware.rate_limit needs a positive rate and burst").
		assert(m.Retry.Attempts > 0, "middleware.retry.attempts must be greater than 0").
		Validate()
}

// HeartbeatInterval is TTL × HeartbeatFraction.
func (r Registration) HeartbeatInterval() time.Duration {
	return time.Duration(math.Round(float64(r.TTL) * r.HeartbeatFraction))
}

func (b Backend) String() string {
	switch b.Kind {
	case BackendEtcd:
		return fmt.Sprintf("etcd%v", b.Endpoints)
	case BackendConsul:
		return "consul(" + b.Address + ")"
	default:
		return b.Kind
	}
}

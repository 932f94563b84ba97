// Package config manages application configuration loading and validation.
package config

import (
	"context"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/coachpo/sentinel/errs"
)

// Environment variables that override file values.
const (
	EnvAPIKey       = "COINBASE_API_KEY"
	EnvPrivateKey   = "COINBASE_PRIVATE_KEY"
	EnvKeyFile      = "COINBASE_KEY_FILE"
	EnvProducts     = "SENTINEL_PRODUCTS"
	EnvEnvironment  = "SENTINEL_ENV"
	EnvOTELEnabled  = "OTEL_ENABLED"
	EnvOTELEndpoint = "OTEL_EXPORTER_OTLP_ENDPOINT"
	EnvOTELInsecure = "OTEL_EXPORTER_OTLP_INSECURE"
	EnvOTELService  = "OTEL_SERVICE_NAME"
	EnvLogLevel     = "LOG_LEVEL"
	EnvAPIAddr      = "SENTINEL_API_ADDR"
)

const (
	defaultVenueHost   = "advanced-trade-ws.coinbase.com"
	defaultVenuePort   = "443"
	defaultTransport   = "coder"
	defaultServiceName = "sentinel"
)

// VenueConfig locates the websocket endpoint and sizes the outbound path.
type VenueConfig struct {
	Host           string  `yaml:"host"`
	Port           string  `yaml:"port"`
	Target         string  `yaml:"target"`
	Scheme         string  `yaml:"scheme"`
	Transport      string  `yaml:"transport"`
	ReadLimitBytes int64   `yaml:"readLimitBytes"`
	SendQueueSize  int     `yaml:"sendQueueSize"`
	SendRatePerSec float64 `yaml:"sendRatePerSec"`
	SendBurst      int     `yaml:"sendBurst"`
}

// URL renders the websocket endpoint.
func (v VenueConfig) URL() string {
	return v.Scheme + "://" + net.JoinHostPort(v.Host, v.Port) + v.Target
}

// StreamConfig controls the products and in-memory retention.
type StreamConfig struct {
	Products              []string `yaml:"products"`
	TradeRingCapacity     int      `yaml:"tradeRingCapacity"`
	SnapshotPendingBuffer int      `yaml:"snapshotPendingBuffer"`
}

// ReconnectConfig tunes the reconnect schedule.
type ReconnectConfig struct {
	InitialBackoff time.Duration `yaml:"initialBackoff"`
	MaxBackoff     time.Duration `yaml:"maxBackoff"`
	JitterMax      time.Duration `yaml:"jitterMax"`
}

// TimeoutConfig sets session timers.
type TimeoutConfig struct {
	PingInterval   time.Duration `yaml:"pingInterval"`
	PingTimeout    time.Duration `yaml:"pingTimeout"`
	ConnectTimeout time.Duration `yaml:"connectTimeout"`
	WriteTimeout   time.Duration `yaml:"writeTimeout"`
}

// CredentialsConfig holds the API key either inline or as a key file path.
type CredentialsConfig struct {
	APIKey        string `yaml:"apiKey"`
	PrivateKeyPEM string `yaml:"privateKeyPem"`
	KeyFile       string `yaml:"keyFile"`
}

// EventbusConfig sets in-memory event bus sizing characteristics.
type EventbusConfig struct {
	BufferSize    int                 `yaml:"bufferSize"`
	FanoutWorkers FanoutWorkerSetting `yaml:"fanoutWorkers"`
}

// TelemetryConfig configures OTLP exporters (metrics only).
type TelemetryConfig struct {
	Enabled        bool          `yaml:"enabled"`
	OTLPEndpoint   string        `yaml:"otlpEndpoint"`
	OTLPInsecure   bool          `yaml:"otlpInsecure"`
	MetricInterval time.Duration `yaml:"metricInterval"`
	ServiceName    string        `yaml:"serviceName"`
}

// LoggingConfig configures the structured logger and file rotation.
type LoggingConfig struct {
	Level      string `yaml:"level"`
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"maxSizeMb"`
	MaxBackups int    `yaml:"maxBackups"`
	MaxAgeDays int    `yaml:"maxAgeDays"`
	Compress   bool   `yaml:"compress"`
}

// AnalyticsConfig configures the trade-flow consumer.
type AnalyticsConfig struct {
	CVDThreshold float64 `yaml:"cvdThreshold"`
}

// APIServerConfig configures the read-only status API. An empty address disables it.
type APIServerConfig struct {
	Addr string `yaml:"addr"`
}

// AppConfig is the unified sentinel configuration sourced from YAML and the environment.
type AppConfig struct {
	Environment Environment       `yaml:"environment"`
	Venue       VenueConfig       `yaml:"venue"`
	Stream      StreamConfig      `yaml:"stream"`
	Reconnect   ReconnectConfig   `yaml:"reconnect"`
	Timeouts    TimeoutConfig     `yaml:"timeouts"`
	Credentials CredentialsConfig `yaml:"credentials"`
	Eventbus    EventbusConfig    `yaml:"eventbus"`
	Telemetry   TelemetryConfig   `yaml:"telemetry"`
	Logging     LoggingConfig     `yaml:"logging"`
	Analytics   AnalyticsConfig   `yaml:"analytics"`
	APIServer   APIServerConfig   `yaml:"apiServer"`
}

// Default returns the configuration used when no file is supplied.
func Default() AppConfig {
	cfg := AppConfig{}
	cfg.applyDefaults()
	return cfg
}

// Load reads, defaults, overrides from the environment and validates the
// configuration. An empty path skips the file.
func Load(ctx context.Context, configPath string) (AppConfig, error) {
	_ = ctx

	var cfg AppConfig
	if strings.TrimSpace(configPath) != "" {
		reader, closer, err := openConfigFile(configPath)
		if err != nil {
			return AppConfig{}, err
		}
		defer closer()

		bytes, err := io.ReadAll(reader)
		if err != nil {
			return AppConfig{}, errs.New("config/load", errs.CodeFatal, errs.WithMessage("read config"), errs.WithCause(err))
		}
		if err := yaml.Unmarshal(bytes, &cfg); err != nil {
			return AppConfig{}, errs.New("config/load", errs.CodeFatal, errs.WithMessage("unmarshal config"), errs.WithCause(err))
		}
	}

	cfg.applyEnv(os.LookupEnv)
	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return AppConfig{}, err
	}
	return cfg, nil
}

func (c *AppConfig) applyEnv(lookup func(string) (string, bool)) {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && strings.TrimSpace(v) != "" {
			*dst = strings.TrimSpace(v)
		}
	}
	str(EnvAPIKey, &c.Credentials.APIKey)
	str(EnvKeyFile, &c.Credentials.KeyFile)
	if v, ok := lookup(EnvPrivateKey); ok && strings.TrimSpace(v) != "" {
		c.Credentials.PrivateKeyPEM = v
	}
	if v, ok := lookup(EnvProducts); ok && strings.TrimSpace(v) != "" {
		c.Stream.Products = strings.Split(v, ",")
	}
	if v, ok := lookup(EnvEnvironment); ok && strings.TrimSpace(v) != "" {
		c.Environment = Environment(v)
	}
	if v, ok := lookup(EnvOTELEnabled); ok {
		if b, err := strconv.ParseBool(strings.TrimSpace(v)); err == nil {
			c.Telemetry.Enabled = b
		}
	}
	if v, ok := lookup(EnvOTELInsecure); ok {
		if b, err := strconv.ParseBool(strings.TrimSpace(v)); err == nil {
			c.Telemetry.OTLPInsecure = b
		}
	}
	str(EnvOTELEndpoint, &c.Telemetry.OTLPEndpoint)
	str(EnvOTELService, &c.Telemetry.ServiceName)
	str(EnvLogLevel, &c.Logging.Level)
	str(EnvAPIAddr, &c.APIServer.Addr)
}

func (c *AppConfig) applyDefaults() {
	c.Environment = Environment(strings.ToLower(strings.TrimSpace(string(c.Environment))))
	if c.Environment == "" {
		c.Environment = EnvDev
	}

	v := &c.Venue
	v.Host = strings.TrimSpace(v.Host)
	if v.Host == "" {
		v.Host = defaultVenueHost
	}
	if strings.TrimSpace(v.Port) == "" {
		v.Port = defaultVenuePort
	}
	if v.Target == "" {
		v.Target = "/"
	}
	if v.Scheme == "" {
		v.Scheme = "wss"
	}
	v.Transport = strings.ToLower(strings.TrimSpace(v.Transport))
	if v.Transport == "" {
		v.Transport = defaultTransport
	}
	if v.ReadLimitBytes <= 0 {
		v.ReadLimitBytes = 16 << 20
	}
	if v.SendQueueSize <= 0 {
		v.SendQueueSize = 256
	}
	if v.SendRatePerSec <= 0 {
		v.SendRatePerSec = 8
	}
	if v.SendBurst <= 0 {
		v.SendBurst = 4
	}

	c.Stream.Products = normaliseProducts(c.Stream.Products)
	if c.Stream.TradeRingCapacity <= 0 {
		c.Stream.TradeRingCapacity = 1000
	}
	if c.Stream.SnapshotPendingBuffer <= 0 {
		c.Stream.SnapshotPendingBuffer = 64
	}

	if c.Reconnect.InitialBackoff <= 0 {
		c.Reconnect.InitialBackoff = time.Second
	}
	if c.Reconnect.MaxBackoff <= 0 {
		c.Reconnect.MaxBackoff = 60 * time.Second
	}
	if c.Reconnect.JitterMax < 0 {
		c.Reconnect.JitterMax = 0
	}

	t := &c.Timeouts
	if t.PingInterval <= 0 {
		t.PingInterval = 25 * time.Second
	}
	if t.PingTimeout <= 0 {
		t.PingTimeout = 10 * time.Second
	}
	if t.ConnectTimeout <= 0 {
		t.ConnectTimeout = 30 * time.Second
	}
	if t.WriteTimeout <= 0 {
		t.WriteTimeout = 10 * time.Second
	}

	c.Credentials.APIKey = strings.TrimSpace(c.Credentials.APIKey)
	c.Credentials.KeyFile = strings.TrimSpace(c.Credentials.KeyFile)
	if c.Credentials.KeyFile != "" {
		c.Credentials.KeyFile = filepath.Clean(c.Credentials.KeyFile)
	}

	if c.Eventbus.BufferSize <= 0 {
		c.Eventbus.BufferSize = 1024
	}

	c.Telemetry.OTLPEndpoint = strings.TrimSpace(c.Telemetry.OTLPEndpoint)
	if c.Telemetry.OTLPEndpoint == "" {
		c.Telemetry.OTLPEndpoint = "localhost:4318"
	}
	c.Telemetry.ServiceName = strings.TrimSpace(c.Telemetry.ServiceName)
	if c.Telemetry.ServiceName == "" {
		c.Telemetry.ServiceName = defaultServiceName
	}
	if c.Telemetry.MetricInterval <= 0 {
		c.Telemetry.MetricInterval = 30 * time.Second
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.MaxSizeMB <= 0 {
		c.Logging.MaxSizeMB = 100
	}

	c.APIServer.Addr = strings.TrimSpace(c.APIServer.Addr)
}

func normaliseProducts(products []string) []string {
	out := make([]string, 0, len(products))
	seen := make(map[string]struct{}, len(products))
	for _, p := range products {
		p = strings.ToUpper(strings.TrimSpace(p))
		if p == "" {
			continue
		}
		if _, ok := seen[p]; ok {
			continue
		}
		seen[p] = struct{}{}
		out = append(out, p)
	}
	return out
}

// HasCredentials reports whether either inline credentials or a key file are configured.
func (c CredentialsConfig) HasCredentials() bool {
	if c.KeyFile != "" {
		return true
	}
	return c.APIKey != "" && strings.TrimSpace(c.PrivateKeyPEM) != ""
}

// Validate performs semantic validation. Failures are fatal misconfiguration.
func (c AppConfig) Validate() error {
	fail := func(format string, args ...any) error {
		return errs.New("config/validate", errs.CodeFatal, errs.WithMessage(fmt.Sprintf(format, args...)))
	}

	switch c.Environment {
	case EnvDev, EnvStaging, EnvProd:
	default:
		return fail("environment must be one of dev, staging, prod")
	}

	if c.Venue.Host == "" {
		return fail("venue host required")
	}
	if _, err := strconv.ParseUint(c.Venue.Port, 10, 16); err != nil {
		return fail("venue port %q invalid", c.Venue.Port)
	}
	if !strings.HasPrefix(c.Venue.Target, "/") {
		return fail("venue target must start with /")
	}
	switch c.Venue.Scheme {
	case "wss", "ws":
	default:
		return fail("venue scheme must be wss or ws")
	}
	switch c.Venue.Transport {
	case "coder", "gorilla":
	default:
		return fail("venue transport must be coder or gorilla")
	}

	if c.Reconnect.MaxBackoff < c.Reconnect.InitialBackoff {
		return fail("reconnect maxBackoff must be >= initialBackoff")
	}
	if c.Timeouts.PingTimeout > c.Timeouts.PingInterval {
		return fail("timeouts pingTimeout must be <= pingInterval")
	}

	if !c.Credentials.HasCredentials() {
		return fail("credentials required: set apiKey and privateKeyPem, or keyFile")
	}

	if c.Eventbus.FanoutWorkers.Count() <= 0 {
		return fail("eventbus fanoutWorkers must be >0")
	}
	if c.Analytics.CVDThreshold < 0 {
		return fail("analytics cvdThreshold must be >= 0")
	}
	return nil
}

func openConfigFile(path string) (io.Reader, func(), error) {
	candidate := filepath.Clean(strings.TrimSpace(path))

	file, err := os.Open(candidate) // #nosec G304 -- path is operator controlled.
	if err != nil {
		return nil, nil, errs.New("config/load", errs.CodeFatal, errs.WithMessage("open app config"), errs.WithCause(err))
	}
	return file, func() { _ = file.Close() }, nil
}

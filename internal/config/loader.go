package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/vrischmann/envconfig"
	"gopkg.in/yaml.v3"

	"github.com/songzhibin97/edgegate/internal/types"
)

// EnvPrefix is the prefix of every environment override
const EnvPrefix = "EDGEGATE"

// Default returns the built-in configuration every file is layered on.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Address:           ":8080",
			ReadHeaderTimeout: 10 * time.Second,
			IdleTimeout:       120 * time.Second,
			MaxHeaderBytes:    1 << 20,
			ShutdownTimeout:   30 * time.Second,
			TLS: TLSConfig{
				ACME: ACMEConfig{
					ChallengeAddress: ":80",
				},
			},
		},
		Proxy: ProxyConfig{
			ConnectTimeout:        5 * time.Second,
			WriteTimeout:          10 * time.Second,
			ResponseHeaderTimeout: 15 * time.Second,
			RequestTimeout:        30 * time.Second,
			KeepAliveTimeout:      30 * time.Second,
			IdleConnTimeout:       90 * time.Second,
			MaxIdleConns:          512,
			MaxIdleConnsPerHost:   32,
			MaxConnsPerTarget:     128,
			PoolTimeout:           2 * time.Second,
			Retries:               1,
			BufferSize:            32 * 1024,
			FlushInterval:         100 * time.Millisecond,
			WebSocket: WebSocketConfig{
				Enabled:          true,
				ReadBufferSize:   4096,
				WriteBufferSize:  4096,
				HandshakeTimeout: 10 * time.Second,
				MaxMessageSize:   16 << 20,
			},
		},
		Health: HealthConfig{
			FailThreshold:     3,
			SuccessThreshold:  2,
			CountServerErrors: true,
			Active: ActiveHealthConfig{
				Enabled:  true,
				Interval: 10 * time.Second,
				Timeout:  2 * time.Second,
				Path:     "/",
			},
		},
		Logging: LoggingConfig{
			Level:      "info",
			TimeFormat: time.RFC3339,
			AccessLog:  true,
		},
		Metrics: MetricsConfig{
			Enabled:   true,
			Path:      "/metrics",
			Namespace: "edgegate",
		},
		Tracing: TracingConfig{
			Enabled: false,
			Jaeger: JaegerConfig{
				ServiceName: "edgegate",
				SampleRate:  1.0,
			},
		},
		Admin: AdminConfig{
			Enabled:   true,
			Address:   "127.0.0.1:9091",
			JWTIssuer: "edgegate",
		},
		ConfigSource: ConfigSourceConfig{
			Source: SourceConfig{
				File: FileSourceConfig{
					Debounce: 500 * time.Millisecond,
				},
				Etcd: EtcdSourceConfig{
					Key:     "/edgegate/routing",
					Timeout: 5 * time.Second,
				},
				Redis: RedisSourceConfig{
					Address: "localhost:6379",
					Key:     "edgegate:routing",
					Channel: "edgegate:routing:changed",
					Timeout: 5 * time.Second,
				},
			},
		},
	}
}

// Load loads configuration from file with environment variable overrides.
// An empty path skips the file and uses defaults plus environment.
func Load(configFile string) (*Config, error) {
	cfg := Default()

	if configFile != "" {
		if err := loadFromFile(cfg, configFile); err != nil {
			return nil, err
		}
		cfg.path = configFile
	}

	if err := loadFromEnv(cfg); err != nil {
		return nil, fmt.Errorf("failed to load environment overrides: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// loadFromFile loads configuration from a YAML file
func loadFromFile(cfg *Config, filename string) error {
	if _, err := os.Stat(filename); os.IsNotExist(err) {
		return fmt.Errorf("config file does not exist: %s", filename)
	}

	data, err := os.ReadFile(filename)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("failed to parse YAML config: %w", err)
	}

	return nil
}

// envOverrides lists the settings that can be overridden from the
// environment, e.g. EDGEGATE_SERVER_ADDRESS or EDGEGATE_ETCD_ENDPOINTS=a:2379,b:2379.
type envOverrides struct {
	ServerAddress   string
	AdminAddress    string
	AdminJwtSecret  string
	LogLevel        string
	ConfigDriver    string
	ConfigFilePath  string
	EtcdEndpoints   []string
	EtcdKey         string
	RedisAddress    string
	RedisPassword   string
	TracingEndpoint string
}

// loadFromEnv applies the non-empty EDGEGATE_* variables on top of cfg
func loadFromEnv(cfg *Config) error {
	var env envOverrides
	if err := envconfig.InitWithOptions(&env, envconfig.Options{
		Prefix:      EnvPrefix,
		AllOptional: true,
	}); err != nil {
		return err
	}

	if env.ServerAddress != "" {
		cfg.Server.Address = env.ServerAddress
	}
	if env.AdminAddress != "" {
		cfg.Admin.Address = env.AdminAddress
	}
	if env.AdminJwtSecret != "" {
		cfg.Admin.JWTSecret = env.AdminJwtSecret
	}
	if env.LogLevel != "" {
		cfg.Logging.Level = env.LogLevel
	}
	if env.ConfigDriver != "" {
		cfg.ConfigSource.Source.Driver = env.ConfigDriver
	}
	if env.ConfigFilePath != "" {
		cfg.ConfigSource.Source.File.Path = env.ConfigFilePath
	}
	if len(env.EtcdEndpoints) > 0 {
		cfg.ConfigSource.Source.Etcd.Endpoints = env.EtcdEndpoints
	}
	if env.EtcdKey != "" {
		cfg.ConfigSource.Source.Etcd.Key = env.EtcdKey
	}
	if env.RedisAddress != "" {
		cfg.ConfigSource.Source.Redis.Address = env.RedisAddress
	}
	if env.RedisPassword != "" {
		cfg.ConfigSource.Source.Redis.Password = env.RedisPassword
	}
	if env.TracingEndpoint != "" {
		cfg.Tracing.Jaeger.Endpoint = env.TracingEndpoint
	}

	return nil
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Server.Address == "" {
		return fmt.Errorf("server address cannot be empty")
	}
	if tls := c.Server.TLS; tls.Enabled {
		if tls.ACME.Enabled {
			if err := tls.ACME.Validate(); err != nil {
				return fmt.Errorf("acme: %w", err)
			}
		} else if tls.CertFile == "" || tls.KeyFile == "" {
			return fmt.Errorf("tls requires cert_file and key_file")
		}
	}

	if err := c.Proxy.Validate(); err != nil {
		return fmt.Errorf("proxy: %w", err)
	}
	if err := c.Health.Validate(); err != nil {
		return fmt.Errorf("health: %w", err)
	}

	validLogLevels := map[string]bool{
		"debug": true,
		"info":  true,
		"warn":  true,
		"error": true,
		"fatal": true,
	}
	if !validLogLevels[strings.ToLower(c.Logging.Level)] {
		return fmt.Errorf("invalid log level: %s", c.Logging.Level)
	}

	if c.Metrics.Enabled && !strings.HasPrefix(c.Metrics.Path, "/") {
		return fmt.Errorf("metrics path must start with '/': %s", c.Metrics.Path)
	}
	if c.Tracing.Enabled && (c.Tracing.Jaeger.SampleRate < 0 || c.Tracing.Jaeger.SampleRate > 1) {
		return fmt.Errorf("tracing sample rate must be within [0, 1]")
	}
	if c.Admin.Enabled && c.Admin.Address == "" {
		return fmt.Errorf("admin address cannot be empty when admin is enabled")
	}

	if err := ValidateSourceConfig(c); err != nil {
		return err
	}

	// inline routing is authoritative only for the static driver; other
	// drivers deliver their own document
	if c.ConfigSource.Source.Driver == "" {
		if err := c.Routing().Validate(); err != nil {
			return fmt.Errorf("routing: %w", err)
		}
	}

	return nil
}

// Validate checks the settings required to obtain certificates
func (a *ACMEConfig) Validate() error {
	if len(a.Domains) == 0 {
		return fmt.Errorf("domains list cannot be empty")
	}
	if a.Email == "" {
		return fmt.Errorf("email is required")
	}
	if !a.AcceptTOS {
		return fmt.Errorf("terms of service must be accepted")
	}
	if a.CacheDir != "" && !filepath.IsAbs(a.CacheDir) {
		return fmt.Errorf("cache directory must be an absolute path")
	}
	return nil
}

// Validate checks timeouts and pool sizes
func (p *ProxyConfig) Validate() error {
	if p.ConnectTimeout <= 0 {
		return fmt.Errorf("connect_timeout must be positive")
	}
	if p.RequestTimeout <= 0 {
		return fmt.Errorf("request_timeout must be positive")
	}
	if p.ResponseHeaderTimeout < 0 || p.WriteTimeout < 0 || p.PoolTimeout < 0 {
		return fmt.Errorf("timeouts cannot be negative")
	}
	if p.Retries < 0 {
		return fmt.Errorf("retries cannot be negative")
	}
	if p.MaxConnsPerTarget < 0 {
		return fmt.Errorf("max_conns_per_target cannot be negative")
	}
	if p.BufferSize <= 0 {
		return fmt.Errorf("buffer_size must be positive")
	}
	return nil
}

// Validate checks the state machine thresholds and probe settings
func (h *HealthConfig) Validate() error {
	if h.FailThreshold < 1 {
		return fmt.Errorf("fail_threshold must be at least 1")
	}
	if h.SuccessThreshold < 1 {
		return fmt.Errorf("success_threshold must be at least 1")
	}
	if h.Active.Enabled {
		if h.Active.Interval <= 0 {
			return fmt.Errorf("active interval must be positive")
		}
		if h.Active.Timeout <= 0 {
			return fmt.Errorf("active timeout must be positive")
		}
		if !strings.HasPrefix(h.Active.Path, "/") {
			return fmt.Errorf("active path must start with '/': %s", h.Active.Path)
		}
	}
	return nil
}

// Validate checks the routing document: unique upstream names, valid groups
// and that every rule references a declared upstream.
func (r *RoutingConfig) Validate() error {
	upstreams := make(map[string]bool, len(r.Upstreams))
	for _, u := range r.Upstreams {
		group, err := u.ToUpstream()
		if err != nil {
			return fmt.Errorf("upstream %s: %w", u.Name, err)
		}
		if err := group.Validate(); err != nil {
			return err
		}
		if upstreams[u.Name] {
			return fmt.Errorf("duplicate upstream name: %s", u.Name)
		}
		upstreams[u.Name] = true
	}

	routes := make(map[string]bool, len(r.Routes))
	for i, route := range r.Routes {
		if route.Host == "" {
			return fmt.Errorf("route %d: host cannot be empty (use \"*\" to match any host)", i)
		}
		if route.PathPrefix != "" && !strings.HasPrefix(route.PathPrefix, "/") {
			return fmt.Errorf("route %d: path_prefix must start with '/': %s", i, route.PathPrefix)
		}
		if route.Rewrite != nil && *route.Rewrite != "" && !strings.HasPrefix(*route.Rewrite, "/") {
			return fmt.Errorf("route %d: rewrite must be empty or start with '/': %s", i, *route.Rewrite)
		}
		if route.Upstream == "" {
			return fmt.Errorf("route %d: upstream cannot be empty", i)
		}
		if !upstreams[route.Upstream] {
			return fmt.Errorf("route %d references unknown upstream: %s", i, route.Upstream)
		}
		if route.Name != "" {
			if routes[route.Name] {
				return fmt.Errorf("duplicate route name: %s", route.Name)
			}
			routes[route.Name] = true
		}
	}
	return nil
}

// ToUpstreams converts every group of the document.
func (r *RoutingConfig) ToUpstreams() ([]*types.Upstream, error) {
	groups := make([]*types.Upstream, 0, len(r.Upstreams))
	for _, u := range r.Upstreams {
		group, err := u.ToUpstream()
		if err != nil {
			return nil, fmt.Errorf("upstream %s: %w", u.Name, err)
		}
		groups = append(groups, group)
	}
	return groups, nil
}

// ParseRouting decodes a YAML (or JSON) routing document.
func ParseRouting(data []byte) (*RoutingConfig, error) {
	var doc RoutingConfig
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse routing document: %w", err)
	}
	return &doc, nil
}

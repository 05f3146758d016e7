package config

import (
	"time"

	"github.com/songzhibin97/edgegate/internal/types"
)

// Config represents the complete configuration structure
type Config struct {
	Server       ServerConfig       `yaml:"server"`
	Proxy        ProxyConfig        `yaml:"proxy"`
	Health       HealthConfig       `yaml:"health"`
	Logging      LoggingConfig      `yaml:"logging"`
	Metrics      MetricsConfig      `yaml:"metrics"`
	Tracing      TracingConfig      `yaml:"tracing"`
	Admin        AdminConfig        `yaml:"admin"`
	ConfigSource ConfigSourceConfig `yaml:"config"`
	Routes       []RouteConfig      `yaml:"routes"`
	Upstreams    []UpstreamConfig   `yaml:"upstreams"`

	// path of the file the configuration was loaded from
	path string
}

// Path returns the file the configuration was loaded from, if any.
func (c *Config) Path() string {
	return c.path
}

// Routing returns the inline routing document.
func (c *Config) Routing() *RoutingConfig {
	return &RoutingConfig{
		Routes:    c.Routes,
		Upstreams: c.Upstreams,
	}
}

// ServerConfig represents the inbound listener configuration
type ServerConfig struct {
	Address           string        `yaml:"address"`
	TLS               TLSConfig     `yaml:"tls"`
	H2C               bool          `yaml:"h2c"`
	ReadHeaderTimeout time.Duration `yaml:"read_header_timeout"`
	ReadTimeout       time.Duration `yaml:"read_timeout"`
	WriteTimeout      time.Duration `yaml:"write_timeout"`
	IdleTimeout       time.Duration `yaml:"idle_timeout"`
	MaxHeaderBytes    int           `yaml:"max_header_bytes"`
	ShutdownTimeout   time.Duration `yaml:"shutdown_timeout"`
}

// TLSConfig represents TLS configuration
type TLSConfig struct {
	Enabled  bool       `yaml:"enabled"`
	CertFile string     `yaml:"cert_file"`
	KeyFile  string     `yaml:"key_file"`
	ACME     ACMEConfig `yaml:"acme"`
}

// ACMEConfig represents automatic certificate management. When enabled it
// replaces cert_file and key_file.
type ACMEConfig struct {
	Enabled          bool     `yaml:"enabled"`
	Domains          []string `yaml:"domains"`
	Email            string   `yaml:"email"`
	CacheDir         string   `yaml:"cache_dir"`
	DirectoryURL     string   `yaml:"directory_url"`
	AcceptTOS        bool     `yaml:"accept_tos"`
	ChallengeAddress string   `yaml:"challenge_address"`
}

// ProxyConfig represents upstream forwarding configuration
type ProxyConfig struct {
	ConnectTimeout        time.Duration   `yaml:"connect_timeout"`
	WriteTimeout          time.Duration   `yaml:"write_timeout"`
	ResponseHeaderTimeout time.Duration   `yaml:"response_header_timeout"`
	RequestTimeout        time.Duration   `yaml:"request_timeout"`
	KeepAliveTimeout      time.Duration   `yaml:"keep_alive_timeout"`
	IdleConnTimeout       time.Duration   `yaml:"idle_conn_timeout"`
	MaxIdleConns          int             `yaml:"max_idle_conns"`
	MaxIdleConnsPerHost   int             `yaml:"max_idle_conns_per_host"`
	MaxConnsPerTarget     int             `yaml:"max_conns_per_target"`
	PoolTimeout           time.Duration   `yaml:"pool_timeout"`
	Retries               int             `yaml:"retries"`
	BufferSize            int             `yaml:"buffer_size"`
	FlushInterval         time.Duration   `yaml:"flush_interval"`
	WebSocket             WebSocketConfig `yaml:"websocket"`
}

// WebSocketConfig represents WebSocket relay configuration
type WebSocketConfig struct {
	Enabled          bool          `yaml:"enabled"`
	ReadBufferSize   int           `yaml:"read_buffer_size"`
	WriteBufferSize  int           `yaml:"write_buffer_size"`
	HandshakeTimeout time.Duration `yaml:"handshake_timeout"`
	MaxMessageSize   int64         `yaml:"max_message_size"`
}

// HealthConfig represents target health tracking configuration
type HealthConfig struct {
	FailThreshold     int                `yaml:"fail_threshold"`
	SuccessThreshold  int                `yaml:"success_threshold"`
	CountServerErrors bool               `yaml:"count_server_errors"`
	Active            ActiveHealthConfig `yaml:"active"`
}

// ActiveHealthConfig represents synthetic probe configuration
type ActiveHealthConfig struct {
	Enabled  bool          `yaml:"enabled"`
	Interval time.Duration `yaml:"interval"`
	Timeout  time.Duration `yaml:"timeout"`
	Path     string        `yaml:"path"`
}

// LoggingConfig represents logging configuration
type LoggingConfig struct {
	Level        string `yaml:"level"`
	TimeFormat   string `yaml:"time_format"`
	EnableCaller bool   `yaml:"enable_caller"`
	AccessLog    bool   `yaml:"access_log"`
}

// MetricsConfig represents metrics configuration
type MetricsConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Path      string `yaml:"path"`
	Namespace string `yaml:"namespace"`
	Subsystem string `yaml:"subsystem"`
}

// TracingConfig represents tracing configuration
type TracingConfig struct {
	Enabled bool         `yaml:"enabled"`
	Jaeger  JaegerConfig `yaml:"jaeger"`
}

// JaegerConfig represents Jaeger exporter configuration
type JaegerConfig struct {
	Endpoint    string  `yaml:"endpoint"`
	ServiceName string  `yaml:"service_name"`
	SampleRate  float64 `yaml:"sample_rate"`
}

// AdminConfig represents the admin API listener
type AdminConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Address   string `yaml:"address"`
	JWTSecret string `yaml:"jwt_secret"`
	JWTIssuer string `yaml:"jwt_issuer"`
}

// ConfigSourceConfig represents where the routing document comes from
type ConfigSourceConfig struct {
	Source SourceConfig `yaml:"source"`
}

// SourceConfig represents configuration source settings.
// An empty driver keeps the inline routes and upstreams static.
type SourceConfig struct {
	Driver string            `yaml:"driver"` // "", "file", "etcd" or "redis"
	File   FileSourceConfig  `yaml:"file"`
	Etcd   EtcdSourceConfig  `yaml:"etcd"`
	Redis  RedisSourceConfig `yaml:"redis"`
}

// FileSourceConfig represents file source configuration
type FileSourceConfig struct {
	Path     string        `yaml:"path"`
	Debounce time.Duration `yaml:"debounce"`
}

// EtcdSourceConfig represents etcd source configuration
type EtcdSourceConfig struct {
	Endpoints []string      `yaml:"endpoints"`
	Key       string        `yaml:"key"`
	Timeout   time.Duration `yaml:"timeout"`
	Username  string        `yaml:"username"`
	Password  string        `yaml:"password"`
}

// RedisSourceConfig represents redis source configuration
type RedisSourceConfig struct {
	Address  string        `yaml:"address"`
	Password string        `yaml:"password"`
	DB       int           `yaml:"db"`
	Key      string        `yaml:"key"`
	Channel  string        `yaml:"channel"`
	Timeout  time.Duration `yaml:"timeout"`
}

// RoutingConfig is the reloadable routing document: an ordered rule list
// plus the upstream groups the rules point at.
type RoutingConfig struct {
	Routes    []RouteConfig    `yaml:"routes" json:"routes"`
	Upstreams []UpstreamConfig `yaml:"upstreams" json:"upstreams"`
}

// RouteConfig represents one virtual-host routing rule
type RouteConfig struct {
	Name       string  `yaml:"name" json:"name"`
	Host       string  `yaml:"host" json:"host"`
	PathPrefix string  `yaml:"path_prefix" json:"path_prefix"`
	Upstream   string  `yaml:"upstream" json:"upstream"`
	Rewrite    *string `yaml:"rewrite,omitempty" json:"rewrite,omitempty"`
}

// UpstreamConfig represents one upstream group
type UpstreamConfig struct {
	Name              string         `yaml:"name" json:"name"`
	Policy            string         `yaml:"policy" json:"policy"`
	MaxConnsPerTarget int            `yaml:"max_conns_per_target" json:"max_conns_per_target"`
	Targets           []TargetConfig `yaml:"targets" json:"targets"`
}

// TargetConfig represents one backend endpoint
type TargetConfig struct {
	Host   string `yaml:"host" json:"host"`
	Port   int    `yaml:"port" json:"port"`
	Weight int    `yaml:"weight" json:"weight"`
}

// ToUpstream converts the configuration into the runtime group type.
func (u UpstreamConfig) ToUpstream() (*types.Upstream, error) {
	policy, err := types.ParsePolicy(u.Policy)
	if err != nil {
		return nil, err
	}
	group := &types.Upstream{
		Name:              u.Name,
		Policy:            policy,
		MaxConnsPerTarget: u.MaxConnsPerTarget,
		Targets:           make([]*types.Target, 0, len(u.Targets)),
	}
	for _, t := range u.Targets {
		group.Targets = append(group.Targets, &types.Target{Host: t.Host, Port: t.Port, Weight: t.Weight})
	}
	return group, nil
}

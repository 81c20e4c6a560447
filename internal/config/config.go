package config

import (
	"strconv"
	"time"
)

type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Database  DatabaseConfig  `yaml:"database"`
	Redis     RedisConfig     `yaml:"redis"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
	Transport TransportConfig `yaml:"transport"`
	Pool      PoolConfig      `yaml:"pool"`
	System    SystemConfig    `yaml:"system"`
	Policy    PolicyConfig    `yaml:"policy"`
}

type ServerConfig struct {
	Host        string        `yaml:"host"`
	Port        int           `yaml:"port"`
	ReadTimeout time.Duration `yaml:"read_timeout"`
	// WriteTimeout bounds non-streaming responses; streaming handlers
	// clear the connection's write deadline so long generations are
	// not cut short.
	WriteTimeout     time.Duration `yaml:"write_timeout"`
	IdleTimeout      time.Duration `yaml:"idle_timeout"`
	GracefulShutdown time.Duration `yaml:"graceful_shutdown"`
}

type DatabaseConfig struct {
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	Name            string        `yaml:"name"`
	User            string        `yaml:"user"`
	Password        string        `yaml:"password"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

func (d DatabaseConfig) DSN() string {
	return "postgres://" + d.User + ":" + d.Password + "@" + d.Host + ":" + strconv.Itoa(d.Port) + "/" + d.Name + "?sslmode=disable"
}

type RedisConfig struct {
	Addresses []string `yaml:"addresses"`
	Password  string   `yaml:"password"`
	DB        int      `yaml:"db"`
	PoolSize  int      `yaml:"pool_size"`
}

type TelemetryConfig struct {
	LogLevel    string `yaml:"log_level"`
	LogFormat   string `yaml:"log_format"`
	MetricsPort int    `yaml:"metrics_port"`
}

// TransportConfig tunes the outbound HTTP layer shared by all
// adapters.
type TransportConfig struct {
	MaxRetries      int           `yaml:"max_retries"`
	BackoffBase     time.Duration `yaml:"backoff_base"`
	BackoffMax      time.Duration `yaml:"backoff_max"`
	DNSTTL          time.Duration `yaml:"dns_ttl"`
	MaxConnsPerHost int           `yaml:"max_conns_per_host"`
	RequestTimeout  time.Duration `yaml:"request_timeout"`
}

// PoolConfig locates the pool file and tunes the prober.
type PoolConfig struct {
	File          string        `yaml:"file"`
	ProbeInterval time.Duration `yaml:"probe_interval"`
}

// SystemConfig carries the gateway-wide default system prompt.
// Mode is passthrough, override, or append.
type SystemConfig struct {
	Prompt string `yaml:"prompt"`
	Mode   string `yaml:"mode"`
}

type PolicyConfig struct {
	Dir string `yaml:"dir"`
}

func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:             "0.0.0.0",
			Port:             8080,
			ReadTimeout:      30 * time.Second,
			WriteTimeout:     300 * time.Second,
			IdleTimeout:      120 * time.Second,
			GracefulShutdown: 30 * time.Second,
		},
		Database: DatabaseConfig{
			Host:            "localhost",
			Port:            5432,
			Name:            "manifold",
			User:            "manifold",
			MaxOpenConns:    25,
			ConnMaxLifetime: 5 * time.Minute,
		},
		Redis: RedisConfig{
			Addresses: []string{"localhost:6379"},
			DB:        0,
			PoolSize:  50,
		},
		Telemetry: TelemetryConfig{
			LogLevel:    "info",
			LogFormat:   "json",
			MetricsPort: 9090,
		},
		Transport: TransportConfig{
			MaxRetries:      3,
			BackoffBase:     500 * time.Millisecond,
			BackoffMax:      10 * time.Second,
			DNSTTL:          5 * time.Minute,
			MaxConnsPerHost: 32,
			RequestTimeout:  120 * time.Second,
		},
		Pool: PoolConfig{
			File:          "configs/pools.yaml",
			ProbeInterval: time.Minute,
		},
		System: SystemConfig{
			Mode: "passthrough",
		},
		Policy: PolicyConfig{
			Dir: "configs/policy",
		},
	}
}

// Package config loads the node configuration: a YAML file layered over
// Defaults, then GWSS_* environment variables (optionally from a .env file).
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/ChuLiYu/geostream/pkg/types"
)

const (
	// MinPort is the minimum valid port number
	MinPort = 1
	// MaxPort is the maximum valid port number
	MaxPort = 65535
)

// Drivers.
const (
	DriverFile     = "file"
	DriverPostgres = "postgres"
	DriverRedis    = "redis"
	DriverLocal    = "local"
	DriverAMQP     = "amqp"
)

// ErrInvalid wraps every validation failure.
var ErrInvalid = errors.New("invalid config")

// Config is the complete node configuration.
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Paths      PathsConfig      `yaml:"paths"`
	Jobs       JobsConfig       `yaml:"jobs"`
	License    LicenseConfig    `yaml:"license"`
	Transfer   TransferConfig   `yaml:"transfer"`
	Publisher  PublisherConfig  `yaml:"publisher"`
	Repository RepositoryConfig `yaml:"repository"`
	TileCache  TileCacheConfig  `yaml:"tilecache"`
	HTTP       HTTPConfig       `yaml:"http"`
	GRPC       GRPCConfig       `yaml:"grpc"`
	Metrics    MetricsConfig    `yaml:"metrics"`
	Logging    LoggingConfig    `yaml:"logging"`
}

// ServerConfig identifies the node. An empty NodeID is generated at start.
type ServerConfig struct {
	NodeID          string        `yaml:"node_id"`
	Name            string        `yaml:"name"`
	Type            string        `yaml:"type"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// ServerType parses Type.
func (s ServerConfig) ServerType() types.ServerType { return types.ParseServerType(s.Type) }

// PathsConfig holds the working directories and state files.
type PathsConfig struct {
	Temp          string `yaml:"temp"`
	ProcessCache  string `yaml:"process_cache"`
	DownloadCache string `yaml:"download_cache"`
	Tiles         string `yaml:"tiles"`
	Repository    string `yaml:"repository"`
	Journal       string `yaml:"journal"`
}

// JobsConfig tunes the job managers and the periodic loops. A zero interval
// disables the loop.
type JobsConfig struct {
	StallTimeout     time.Duration `yaml:"stall_timeout"`
	PollInterval     time.Duration `yaml:"poll_interval"`
	ReportTimeout    time.Duration `yaml:"report_timeout"`
	ReportInterval   time.Duration `yaml:"report_interval"`
	RestartInterval  time.Duration `yaml:"restart_interval"`
	CleanUpInterval  time.Duration `yaml:"cleanup_interval"`
	RestartBatch     int           `yaml:"restart_batch"`
	MinFreeBytes     uint64        `yaml:"min_free_bytes"`
	JournalRetention time.Duration `yaml:"journal_retention"`
	JournalMaxBytes  int64         `yaml:"journal_max_bytes"`
	JournalSync      bool          `yaml:"journal_sync"`
}

// LicenseConfig points at the license server.
type LicenseConfig struct {
	BaseURL string        `yaml:"base_url"`
	Timeout time.Duration `yaml:"timeout"`
}

// TransferConfig points at the file transfer service.
type TransferConfig struct {
	BaseURL string        `yaml:"base_url"`
	Timeout time.Duration `yaml:"timeout"`
}

// PublisherConfig selects how pipelines are announced.
type PublisherConfig struct {
	Driver         string        `yaml:"driver"`
	URL            string        `yaml:"url"`
	Exchange       string        `yaml:"exchange"`
	RoutingKey     string        `yaml:"routing_key"`
	Heartbeat      time.Duration `yaml:"heartbeat"`
	ConfirmTimeout time.Duration `yaml:"confirm_timeout"`
}

// RepositoryConfig selects the pipeline repository.
type RepositoryConfig struct {
	Driver   string         `yaml:"driver"`
	Postgres PostgresConfig `yaml:"postgres"`
}

// PostgresConfig holds PostgreSQL connection configuration
type PostgresConfig struct {
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	User            string        `yaml:"user"`
	Password        string        `yaml:"password"`
	Database        string        `yaml:"database"`
	SSLMode         string        `yaml:"sslmode"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

// TileCacheConfig selects where rendered tiles go.
type TileCacheConfig struct {
	Driver   string        `yaml:"driver"`
	RedisURL string        `yaml:"redis_url"`
	TTL      time.Duration `yaml:"ttl"`
}

// HTTPConfig is the admin API listener.
type HTTPConfig struct {
	Enabled      bool          `yaml:"enabled"`
	Port         int           `yaml:"port"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

// GRPCConfig is the health service listener.
type GRPCConfig struct {
	Enabled bool          `yaml:"enabled"`
	Port    int           `yaml:"port"`
	Refresh time.Duration `yaml:"refresh"`
}

// MetricsConfig toggles the Prometheus collector and /metrics route.
type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level        string `yaml:"level"`
	Format       string `yaml:"format"`
	Output       string `yaml:"output"`
	TimeFormat   string `yaml:"time_format"`
	EnableSource bool   `yaml:"enable_source"`
}

// Defaults returns a configuration that runs a single Processor node out of
// ./data.
func Defaults() Config {
	return Config{
		Server: ServerConfig{
			Name:            "gwss",
			Type:            string(types.ServerProcessor),
			ShutdownTimeout: 30 * time.Second,
		},
		Paths: PathsConfig{
			Temp:          "data/tmp",
			ProcessCache:  "data/cache",
			DownloadCache: "data/downloads",
			Tiles:         "data/tiles",
			Repository:    "data/pipelines.json",
			Journal:       "data/journal.wal",
		},
		Jobs: JobsConfig{
			StallTimeout:     10 * time.Minute,
			PollInterval:     time.Second,
			ReportTimeout:    30 * time.Second,
			ReportInterval:   time.Minute,
			RestartInterval:  5 * time.Minute,
			CleanUpInterval:  6 * time.Hour,
			RestartBatch:     5,
			MinFreeBytes:     10 << 30,
			JournalRetention: 24 * time.Hour,
			JournalMaxBytes:  64 << 20,
		},
		License:  LicenseConfig{Timeout: 30 * time.Second},
		Transfer: TransferConfig{Timeout: 10 * time.Minute},
		Publisher: PublisherConfig{
			Driver:         DriverLocal,
			Exchange:       "gwss.pipelines",
			RoutingKey:     "pipeline",
			Heartbeat:      10 * time.Second,
			ConfirmTimeout: 5 * time.Second,
		},
		Repository: RepositoryConfig{
			Driver: DriverFile,
			Postgres: PostgresConfig{
				Host:            "localhost",
				Port:            5432,
				Database:        "gwss",
				SSLMode:         "disable",
				MaxOpenConns:    10,
				MaxIdleConns:    5,
				ConnMaxLifetime: 30 * time.Minute,
			},
		},
		TileCache: TileCacheConfig{Driver: DriverFile},
		HTTP: HTTPConfig{
			Enabled:      true,
			Port:         8080,
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 15 * time.Second,
		},
		GRPC:    GRPCConfig{Enabled: true, Port: 50051, Refresh: time.Second},
		Metrics: MetricsConfig{Enabled: true},
		Logging: LoggingConfig{Level: "info", Format: "console", Output: "stdout"},
	}
}

// Load reads path over Defaults and applies the environment. An empty path
// skips the file.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// LoadDotEnv loads .env files into the process environment. Missing files
// are not an error; variables already set are left alone.
func LoadDotEnv(files ...string) error {
	if len(files) == 0 {
		files = []string{".env"}
	}
	var present []string
	for _, f := range files {
		if _, err := os.Stat(f); err == nil {
			present = append(present, f)
		}
	}
	if len(present) == 0 {
		return nil
	}
	if err := godotenv.Load(present...); err != nil {
		return fmt.Errorf("failed to load env file: %w", err)
	}
	return nil
}

type lookupFunc func(string) (string, bool)

func (c *Config) applyEnv(lookup lookupFunc) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok {
			*dst = v
		}
	}
	str("GWSS_NODE_ID", &c.Server.NodeID)
	str("GWSS_NODE_NAME", &c.Server.Name)
	str("GWSS_SERVER_TYPE", &c.Server.Type)
	str("GWSS_LICENSE_URL", &c.License.BaseURL)
	str("GWSS_TRANSFER_URL", &c.Transfer.BaseURL)
	str("GWSS_AMQP_URL", &c.Publisher.URL)
	str("GWSS_REDIS_URL", &c.TileCache.RedisURL)
	str("GWSS_POSTGRES_HOST", &c.Repository.Postgres.Host)
	str("GWSS_POSTGRES_USER", &c.Repository.Postgres.User)
	str("GWSS_POSTGRES_PASSWORD", &c.Repository.Postgres.Password)
	str("GWSS_POSTGRES_DB", &c.Repository.Postgres.Database)
	str("GWSS_LOG_LEVEL", &c.Logging.Level)
	str("GWSS_LOG_FORMAT", &c.Logging.Format)

	ints := []struct {
		key string
		dst *int
	}{
		{"GWSS_HTTP_PORT", &c.HTTP.Port},
		{"GWSS_GRPC_PORT", &c.GRPC.Port},
		{"GWSS_POSTGRES_PORT", &c.Repository.Postgres.Port},
	}
	for _, e := range ints {
		v, ok := lookup(e.key)
		if !ok {
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%w: %s=%q is not a number", ErrInvalid, e.key, v)
		}
		*e.dst = n
	}
	return nil
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.Server.Name == "" {
		return fmt.Errorf("%w: server name is required", ErrInvalid)
	}
	switch strings.ToLower(strings.TrimSpace(c.Server.Type)) {
	case "test", "processor", "publisher":
	default:
		return fmt.Errorf("%w: unknown server type %q", ErrInvalid, c.Server.Type)
	}

	for name, p := range map[string]string{
		"paths.temp":           c.Paths.Temp,
		"paths.process_cache":  c.Paths.ProcessCache,
		"paths.download_cache": c.Paths.DownloadCache,
		"paths.journal":        c.Paths.Journal,
	} {
		if p == "" {
			return fmt.Errorf("%w: %s is required", ErrInvalid, name)
		}
	}

	if c.Jobs.PollInterval <= 0 {
		return fmt.Errorf("%w: jobs.poll_interval must be greater than 0", ErrInvalid)
	}
	if c.Jobs.RestartBatch <= 0 {
		return fmt.Errorf("%w: jobs.restart_batch must be greater than 0", ErrInvalid)
	}
	if c.Server.ServerType() != types.ServerTest && c.License.BaseURL == "" {
		return fmt.Errorf("%w: license.base_url is required", ErrInvalid)
	}
	if c.Transfer.BaseURL == "" {
		return fmt.Errorf("%w: transfer.base_url is required", ErrInvalid)
	}

	switch c.Repository.Driver {
	case DriverFile:
		if c.Paths.Repository == "" {
			return fmt.Errorf("%w: paths.repository is required", ErrInvalid)
		}
	case DriverPostgres:
		pg := c.Repository.Postgres
		if pg.Host == "" || pg.Database == "" {
			return fmt.Errorf("%w: postgres host and database are required", ErrInvalid)
		}
		if pg.Port < MinPort || pg.Port > MaxPort {
			return fmt.Errorf("%w: invalid postgres port %d", ErrInvalid, pg.Port)
		}
	default:
		return fmt.Errorf("%w: unknown repository driver %q", ErrInvalid, c.Repository.Driver)
	}

	switch c.TileCache.Driver {
	case DriverFile:
		if c.Paths.Tiles == "" {
			return fmt.Errorf("%w: paths.tiles is required", ErrInvalid)
		}
	case DriverRedis:
		if c.TileCache.RedisURL == "" {
			return fmt.Errorf("%w: tilecache.redis_url is required", ErrInvalid)
		}
	default:
		return fmt.Errorf("%w: unknown tile cache driver %q", ErrInvalid, c.TileCache.Driver)
	}

	switch c.Publisher.Driver {
	case DriverLocal:
	case DriverAMQP:
		if c.Publisher.URL == "" || c.Publisher.Exchange == "" {
			return fmt.Errorf("%w: publisher url and exchange are required", ErrInvalid)
		}
	default:
		return fmt.Errorf("%w: unknown publisher driver %q", ErrInvalid, c.Publisher.Driver)
	}

	if c.HTTP.Enabled && (c.HTTP.Port < MinPort || c.HTTP.Port > MaxPort) {
		return fmt.Errorf("%w: invalid http port %d (must be between %d and %d)", ErrInvalid, c.HTTP.Port, MinPort, MaxPort)
	}
	if c.GRPC.Enabled && (c.GRPC.Port < MinPort || c.GRPC.Port > MaxPort) {
		return fmt.Errorf("%w: invalid grpc port %d (must be between %d and %d)", ErrInvalid, c.GRPC.Port, MinPort, MaxPort)
	}
	return nil
}

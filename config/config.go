package config

import (
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/spf13/viper"
)

const EnvPrefix = "CHATRELAY"

type Config struct {
	NodeID string

	Port     int    // line-protocol TCP port
	HTTPAddr string // gin: websocket, auth and health endpoints

	DBDriver string // sqlite3 or pgx
	DBDSN    string

	Backend      string // memory or nats
	NATSURL      string
	Partitions   int
	MaxDeliver   int
	ConsumerRate int // events per second per worker, 0 = unlimited

	PresenceTTL time.Duration
	JWTSecret   string
	TokenTTL    time.Duration

	ReadTimeout  time.Duration
	WriteTimeout time.Duration

	ControlSocket  string
	AllowedOrigins []string

	LogLevel string
	LogFile  string
}

// SetDefaults registers every key with its default so that environment
// variables are picked up by AutomaticEnv.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("node_id", "")
	v.SetDefault("port", 3215)
	v.SetDefault("http_addr", ":8080")
	v.SetDefault("db_driver", "sqlite3")
	v.SetDefault("db_dsn", "chatrelay.db")
	v.SetDefault("backend", "memory")
	v.SetDefault("nats_url", "nats://localhost:4222")
	v.SetDefault("partitions", 8)
	v.SetDefault("max_deliver", 10)
	v.SetDefault("consumer_rate", 0)
	v.SetDefault("presence_ttl", 5*time.Minute)
	v.SetDefault("jwt_secret", "")
	v.SetDefault("token_ttl", 15*time.Minute)
	v.SetDefault("read_timeout", 120*time.Second)
	v.SetDefault("write_timeout", 30*time.Second)
	v.SetDefault("control_socket", "/tmp/chatrelay.sock")
	v.SetDefault("allowed_origins", []string{"*"})
	v.SetDefault("log_level", "info")
	v.SetDefault("log_file", "")

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))
	v.AutomaticEnv()
}

// Load reads the configuration out of v. Defaults must already be set.
func Load(v *viper.Viper) (*Config, error) {
	cfg := &Config{
		NodeID:         v.GetString("node_id"),
		Port:           v.GetInt("port"),
		HTTPAddr:       v.GetString("http_addr"),
		DBDriver:       v.GetString("db_driver"),
		DBDSN:          v.GetString("db_dsn"),
		Backend:        v.GetString("backend"),
		NATSURL:        v.GetString("nats_url"),
		Partitions:     v.GetInt("partitions"),
		MaxDeliver:     v.GetInt("max_deliver"),
		ConsumerRate:   v.GetInt("consumer_rate"),
		PresenceTTL:    v.GetDuration("presence_ttl"),
		JWTSecret:      v.GetString("jwt_secret"),
		TokenTTL:       v.GetDuration("token_ttl"),
		ReadTimeout:    v.GetDuration("read_timeout"),
		WriteTimeout:   v.GetDuration("write_timeout"),
		ControlSocket:  v.GetString("control_socket"),
		AllowedOrigins: v.GetStringSlice("allowed_origins"),
		LogLevel:       v.GetString("log_level"),
		LogFile:        v.GetString("log_file"),
	}

	if cfg.NodeID == "" {
		cfg.NodeID = uuid.NewString()
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	switch c.DBDriver {
	case "sqlite3", "pgx":
	default:
		return errors.Errorf("unsupported db_driver %q", c.DBDriver)
	}
	switch c.Backend {
	case "memory", "nats":
	default:
		return errors.Errorf("unsupported backend %q", c.Backend)
	}
	if c.Partitions < 1 {
		return errors.Errorf("partitions must be positive, got %d", c.Partitions)
	}
	if c.JWTSecret == "" {
		return errors.New("jwt_secret is required")
	}
	if c.PresenceTTL <= 0 {
		return errors.New("presence_ttl must be positive")
	}
	return nil
}

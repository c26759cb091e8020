/*
config.go - Server configuration

PURPOSE:
  Collects every knob of the escrow server in one struct and resolves it
  from, in increasing precedence:
    1. built-in defaults
    2. a YAML file (-config path)
    3. a .env file (-env path, default ".env", skipped when absent)
    4. ESCROW_* environment variables
    5. explicitly passed flags (-port, -db, -driver)

ENVIRONMENT:
  ESCROW_HTTP_ADDR, ESCROW_STORAGE_DRIVER, ESCROW_SQLITE_PATH,
  ESCROW_POSTGRES_DSN, ESCROW_JOURNAL_DIR, ESCROW_JWT_SECRET,
  ESCROW_JWT_ISSUER, ESCROW_REDIS_ADDR (comma separated),
  ESCROW_REDIS_PASSWORD, ESCROW_KAFKA_BROKERS (comma separated),
  ESCROW_KAFKA_TOPIC, ESCROW_RECONCILE_INTERVAL, ESCROW_LOG_LEVEL
*/
package config

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

const (
	DriverMemory   = "memory"
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

type Config struct {
	HTTPAddr          string        `yaml:"http_addr"`
	Storage           StorageConfig `yaml:"storage"`
	JWT               JWTConfig     `yaml:"jwt"`
	Redis             RedisConfig   `yaml:"redis"`
	Kafka             KafkaConfig   `yaml:"kafka"`
	ReconcileInterval time.Duration `yaml:"reconcile_interval"`
	LogLevel          string        `yaml:"log_level"`
}

type StorageConfig struct {
	Driver      string `yaml:"driver"`
	SQLitePath  string `yaml:"sqlite_path"`
	PostgresDSN string `yaml:"postgres_dsn"`
	// JournalDir makes the memory driver durable through a write-ahead log.
	JournalDir string `yaml:"journal_dir"`
}

type JWTConfig struct {
	Secret string        `yaml:"secret"`
	Issuer string        `yaml:"issuer"`
	TTL    time.Duration `yaml:"ttl"`
}

// RedisConfig enables the balance cache when Addrs is non-empty.
type RedisConfig struct {
	Addrs    []string      `yaml:"addrs"`
	Password string        `yaml:"password"`
	TTL      time.Duration `yaml:"ttl"`
}

// KafkaConfig enables event publishing when Brokers is non-empty.
type KafkaConfig struct {
	Brokers []string `yaml:"brokers"`
	Topic   string   `yaml:"topic"`
}

func Default() Config {
	return Config{
		HTTPAddr: ":8080",
		Storage: StorageConfig{
			Driver:     DriverSQLite,
			SQLitePath: "escrow.db",
		},
		JWT: JWTConfig{
			Issuer: "escrow-engine",
			TTL:    24 * time.Hour,
		},
		Redis: RedisConfig{
			TTL: 30 * time.Second,
		},
		Kafka: KafkaConfig{
			Topic: "escrow.ledger",
		},
		ReconcileInterval: 5 * time.Minute,
		LogLevel:          "info",
	}
}

// Load resolves the configuration from args (without the program name).
func Load(args []string) (Config, error) {
	fs := flag.NewFlagSet("escrow-server", flag.ContinueOnError)
	configPath := fs.String("config", "", "path to a YAML config file")
	envPath := fs.String("env", ".env", "path to a .env file")
	port := fs.Int("port", 8080, "HTTP server port")
	dbPath := fs.String("db", "escrow.db", "SQLite database path (\":memory:\" for in-memory)")
	driver := fs.String("driver", DriverSQLite, "storage driver: memory, sqlite or postgres")
	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}

	cfg := Default()

	if *configPath != "" {
		raw, err := os.ReadFile(*configPath)
		if err != nil {
			return Config{}, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return Config{}, fmt.Errorf("incorrect yaml config %s: %w", *configPath, err)
		}
	}

	dotenv := map[string]string{}
	if _, err := os.Stat(*envPath); err == nil {
		if dotenv, err = godotenv.Read(*envPath); err != nil {
			return Config{}, fmt.Errorf("failed to read %s: %w", *envPath, err)
		}
	}
	if err := cfg.applyEnv(func(key string) string {
		if v := os.Getenv(key); v != "" {
			return v
		}
		return dotenv[key]
	}); err != nil {
		return Config{}, err
	}

	fs.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "port":
			cfg.HTTPAddr = fmt.Sprintf(":%d", *port)
		case "db":
			cfg.Storage.SQLitePath = *dbPath
		case "driver":
			cfg.Storage.Driver = *driver
		}
	})

	return cfg, cfg.Validate()
}

func (c *Config) applyEnv(getenv func(string) string) error {
	set := func(key string, dst *string) {
		if v := getenv(key); v != "" {
			*dst = v
		}
	}
	set("ESCROW_HTTP_ADDR", &c.HTTPAddr)
	set("ESCROW_STORAGE_DRIVER", &c.Storage.Driver)
	set("ESCROW_SQLITE_PATH", &c.Storage.SQLitePath)
	set("ESCROW_POSTGRES_DSN", &c.Storage.PostgresDSN)
	set("ESCROW_JOURNAL_DIR", &c.Storage.JournalDir)
	set("ESCROW_JWT_SECRET", &c.JWT.Secret)
	set("ESCROW_JWT_ISSUER", &c.JWT.Issuer)
	set("ESCROW_REDIS_PASSWORD", &c.Redis.Password)
	set("ESCROW_KAFKA_TOPIC", &c.Kafka.Topic)
	set("ESCROW_LOG_LEVEL", &c.LogLevel)

	if v := getenv("ESCROW_REDIS_ADDR"); v != "" {
		c.Redis.Addrs = splitList(v)
	}
	if v := getenv("ESCROW_KAFKA_BROKERS"); v != "" {
		c.Kafka.Brokers = splitList(v)
	}
	if v := getenv("ESCROW_RECONCILE_INTERVAL"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("incorrect ESCROW_RECONCILE_INTERVAL %q: %w", v, err)
		}
		c.ReconcileInterval = d
	}
	return nil
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

func (c Config) Validate() error {
	var errs []error
	switch c.Storage.Driver {
	case DriverMemory, DriverSQLite:
	case DriverPostgres:
		if c.Storage.PostgresDSN == "" {
			errs = append(errs, errors.New("postgres driver requires ESCROW_POSTGRES_DSN"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown storage driver %q", c.Storage.Driver))
	}
	if c.Storage.Driver == DriverSQLite && c.Storage.SQLitePath == "" {
		errs = append(errs, errors.New("sqlite driver requires a database path"))
	}
	if c.JWT.Secret == "" {
		errs = append(errs, errors.New("ESCROW_JWT_SECRET is required"))
	}
	if c.ReconcileInterval < 0 {
		errs = append(errs, errors.New("reconcile interval must not be negative"))
	}
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Errorf("unknown log level %q", c.LogLevel))
	}
	if len(c.Kafka.Brokers) > 0 && c.Kafka.Topic == "" {
		errs = append(errs, errors.New("kafka brokers configured without a topic"))
	}
	return errors.Join(errs...)
}

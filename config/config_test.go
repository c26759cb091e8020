package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// isolate clears every ESCROW_* variable and points -env at a missing file.
func isolate(t *testing.T) []string {
	t.Helper()
	for _, key := range []string{
		"ESCROW_HTTP_ADDR", "ESCROW_STORAGE_DRIVER", "ESCROW_SQLITE_PATH", "ESCROW_POSTGRES_DSN",
		"ESCROW_JOURNAL_DIR", "ESCROW_JWT_SECRET", "ESCROW_JWT_ISSUER", "ESCROW_REDIS_ADDR",
		"ESCROW_REDIS_PASSWORD", "ESCROW_KAFKA_BROKERS", "ESCROW_KAFKA_TOPIC",
		"ESCROW_RECONCILE_INTERVAL", "ESCROW_LOG_LEVEL",
	} {
		t.Setenv(key, "")
	}
	return []string{"-env", filepath.Join(t.TempDir(), "missing.env")}
}

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoad_DefaultsNeedASecret(t *testing.T) {
	args := isolate(t)

	_, err := Load(args)

	require.Error(t, err)
	assert.Contains(t, err.Error(), "ESCROW_JWT_SECRET")
}

func TestLoad_Env(t *testing.T) {
	args := isolate(t)
	t.Setenv("ESCROW_JWT_SECRET", "s3cret")
	t.Setenv("ESCROW_REDIS_ADDR", "r1:6379, r2:6379")
	t.Setenv("ESCROW_KAFKA_BROKERS", "k1:9092")
	t.Setenv("ESCROW_RECONCILE_INTERVAL", "90s")
	t.Setenv("ESCROW_STORAGE_DRIVER", "memory")

	cfg, err := Load(args)

	require.NoError(t, err)
	assert.Equal(t, ":8080", cfg.HTTPAddr)
	assert.Equal(t, DriverMemory, cfg.Storage.Driver)
	assert.Equal(t, []string{"r1:6379", "r2:6379"}, cfg.Redis.Addrs)
	assert.Equal(t, []string{"k1:9092"}, cfg.Kafka.Brokers)
	assert.Equal(t, "escrow.ledger", cfg.Kafka.Topic)
	assert.Equal(t, 90*time.Second, cfg.ReconcileInterval)
}

func TestLoad_Precedence(t *testing.T) {
	isolate(t)
	yamlPath := writeFile(t, "escrow.yaml", `
http_addr: ":7000"
storage:
  driver: sqlite
  sqlite_path: from-yaml.db
jwt:
  secret: yaml-secret
  ttl: 1h
reconcile_interval: 10m
log_level: debug
`)
	envPath := writeFile(t, "test.env", "ESCROW_JWT_SECRET=dotenv-secret\nESCROW_SQLITE_PATH=from-dotenv.db\n")
	t.Setenv("ESCROW_SQLITE_PATH", "from-env.db")

	// WHEN: yaml < .env < environment < flags
	cfg, err := Load([]string{"-config", yamlPath, "-env", envPath, "-port", "9090"})

	// THEN
	require.NoError(t, err)
	assert.Equal(t, ":9090", cfg.HTTPAddr)
	assert.Equal(t, "dotenv-secret", cfg.JWT.Secret)
	assert.Equal(t, "from-env.db", cfg.Storage.SQLitePath)
	assert.Equal(t, time.Hour, cfg.JWT.TTL)
	assert.Equal(t, 10*time.Minute, cfg.ReconcileInterval)
	assert.Equal(t, "debug", cfg.LogLevel)

	cfg, err = Load([]string{"-config", yamlPath, "-env", envPath, "-db", ":memory:"})
	require.NoError(t, err)
	assert.Equal(t, ":memory:", cfg.Storage.SQLitePath)
	assert.Equal(t, ":7000", cfg.HTTPAddr)
}

func TestLoad_BadInput(t *testing.T) {
	args := isolate(t)
	t.Setenv("ESCROW_JWT_SECRET", "s3cret")

	_, err := Load(append(args, "-config", filepath.Join(t.TempDir(), "nope.yaml")))
	assert.Error(t, err)

	t.Setenv("ESCROW_RECONCILE_INTERVAL", "often")
	_, err = Load(args)
	assert.ErrorContains(t, err, "ESCROW_RECONCILE_INTERVAL")
}

func TestValidate(t *testing.T) {
	valid := Default()
	valid.JWT.Secret = "s"
	require.NoError(t, valid.Validate())

	tests := map[string]func(c *Config){
		"unknown driver":       func(c *Config) { c.Storage.Driver = "mongo" },
		"postgres without dsn": func(c *Config) { c.Storage.Driver = DriverPostgres },
		"negative interval":    func(c *Config) { c.ReconcileInterval = -time.Second },
		"unknown log level":    func(c *Config) { c.LogLevel = "loud" },
		"kafka without topic":  func(c *Config) { c.Kafka.Brokers = []string{"k"}; c.Kafka.Topic = "" },
	}
	for name, mutate := range tests {
		t.Run(name, func(t *testing.T) {
			c := valid
			mutate(&c)
			assert.Error(t, c.Validate())
		})
	}

	pg := valid
	pg.Storage.Driver = DriverPostgres
	pg.Storage.PostgresDSN = "postgres://localhost/escrow"
	assert.NoError(t, pg.Validate())
}

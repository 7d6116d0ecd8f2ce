package config

import (
	"encoding/hex"
	"fmt"
	"math"
	"os"
	"strconv"
	"strings"
	"time"

	cserrors "github.com/systmms/credsentry/internal/errors"
	"github.com/systmms/credsentry/pkg/credential"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "CREDSENTRY_"

// Config holds the runtime configuration of the verification engine.
type Config struct {
	Path string `yaml:"-"`

	Scan       ScanConfig       `yaml:"scan"`
	Timeouts   TimeoutConfig    `yaml:"timeouts"`
	Retry      RetryConfig      `yaml:"retry"`
	Protocols  ProtocolsConfig  `yaml:"protocols"`
	Logging    LoggingConfig    `yaml:"logging"`
	APIToken   APITokenConfig   `yaml:"api_token"`
	Health     HealthConfig     `yaml:"health"`
	Audit      AuditConfig      `yaml:"audit"`
	Store      StoreConfig      `yaml:"store"`
	Encryption EncryptionConfig `yaml:"encryption"`
	SSH        SSHConfig        `yaml:"ssh"`
}

// ScanConfig controls the scan loop.
type ScanConfig struct {
	Interval                   time.Duration `yaml:"interval"`
	BatchSize                  int           `yaml:"batch_size"`
	MaxConcurrentVerifications int           `yaml:"max_concurrent_verifications"`
	ShutdownGrace              time.Duration `yaml:"shutdown_grace"`
	HousekeepingEvery          int           `yaml:"housekeeping_every"`
	AttemptRetentionDays       int           `yaml:"attempt_retention_days"`
}

// TimeoutConfig holds the overall verification timeout and per-protocol timeouts.
type TimeoutConfig struct {
	Overall     time.Duration `yaml:"overall"`
	SSH         time.Duration `yaml:"ssh"`
	API         time.Duration `yaml:"api"`
	Windows     time.Duration `yaml:"windows"`
	Database    time.Duration `yaml:"database"`
	Website     time.Duration `yaml:"website"`
	Certificate time.Duration `yaml:"certificate"`
}

// RetryConfig controls which failed credentials are retried.
type RetryConfig struct {
	MaxCount int           `yaml:"max_count"`
	Delay    time.Duration `yaml:"delay"`
	Backoff  bool          `yaml:"backoff"`
}

// ProtocolConfig toggles one verifier.
type ProtocolConfig struct {
	Enabled bool `yaml:"enabled"`
}

// ProtocolsConfig holds the per-type enable flags.
type ProtocolsConfig struct {
	SSH         ProtocolConfig `yaml:"ssh"`
	Windows     ProtocolConfig `yaml:"windows"`
	Database    ProtocolConfig `yaml:"database"`
	Website     ProtocolConfig `yaml:"website"`
	Certificate ProtocolConfig `yaml:"certificate"`
	APIToken    ProtocolConfig `yaml:"api_token"`
}

// LoggingConfig selects log level, destination and format.
type LoggingConfig struct {
	Level       string `yaml:"level"`
	Destination string `yaml:"destination"`
	Format      string `yaml:"format"`
}

// APITokenConfig holds API token verifier settings.
type APITokenConfig struct {
	SmokeTestEndpoint string `yaml:"smoke_test_endpoint"`
}

// HealthConfig configures the health/metrics listener. Port 0 disables it.
type HealthConfig struct {
	Port int `yaml:"port"`
}

// AuditConfig controls audit retention.
type AuditConfig struct {
	RetentionDays int `yaml:"retention_days"`
}

// StoreConfig selects the credential store.
type StoreConfig struct {
	Driver      string `yaml:"driver"`
	DSN         string `yaml:"dsn"`
	AutoMigrate bool   `yaml:"auto_migrate"`
}

// EncryptionConfig locates the shared payload key and IV.
type EncryptionConfig struct {
	Key             string `yaml:"key"`
	IV              string `yaml:"iv"`
	Source          string `yaml:"source"`
	Ref             string `yaml:"ref"`
	Region          string `yaml:"region,omitempty"`
	Endpoint        string `yaml:"endpoint,omitempty"`
	CredentialsFile string `yaml:"credentials_file,omitempty"`
	VaultURL        string `yaml:"vault_url,omitempty"`
}

// SSHConfig holds SSH client settings.
type SSHConfig struct {
	KnownHosts string `yaml:"known_hosts"`
}

// Store drivers.
const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
	DriverMemory   = "memory"
)

// Default returns a configuration with every default applied.
func Default() *Config {
	return &Config{
		Scan: ScanConfig{
			Interval:                   5 * time.Minute,
			BatchSize:                  50,
			MaxConcurrentVerifications: 5,
			ShutdownGrace:              30 * time.Second,
			HousekeepingEvery:          10,
			AttemptRetentionDays:       30,
		},
		Timeouts: TimeoutConfig{
			Overall:     30 * time.Second,
			SSH:         15 * time.Second,
			API:         10 * time.Second,
			Windows:     30 * time.Second,
			Database:    15 * time.Second,
			Website:     20 * time.Second,
			Certificate: 15 * time.Second,
		},
		Retry: RetryConfig{
			MaxCount: 3,
			Delay:    time.Hour,
			Backoff:  true,
		},
		Protocols: ProtocolsConfig{
			SSH:         ProtocolConfig{Enabled: true},
			Windows:     ProtocolConfig{Enabled: true},
			Database:    ProtocolConfig{Enabled: true},
			Website:     ProtocolConfig{Enabled: true},
			Certificate: ProtocolConfig{Enabled: true},
			APIToken:    ProtocolConfig{Enabled: true},
		},
		Logging: LoggingConfig{
			Level:       "info",
			Destination: "stderr",
			Format:      "console",
		},
		Health: HealthConfig{Port: 8089},
		Audit:  AuditConfig{RetentionDays: 90},
		Store: StoreConfig{
			Driver:      DriverPostgres,
			AutoMigrate: true,
		},
		Encryption: EncryptionConfig{Source: "env"},
	}
}

// Load reads path (if it exists) over the defaults, applies environment
// overrides and validates the result.
func Load(path string) (*Config, error) {
	return LoadWithEnv(path, os.LookupEnv)
}

// LoadWithEnv is Load with an explicit environment lookup.
func LoadWithEnv(path string, lookup func(string) (string, bool)) (*Config, error) {
	cfg := Default()
	cfg.Path = path

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, cserrors.ConfigError{
					Field:      "path",
					Value:      path,
					Message:    "invalid YAML in configuration file: " + err.Error(),
					Suggestion: "Check for indentation errors and duration values such as 5m or 30s",
				}
			}
		case os.IsNotExist(err):
			// Env-only deployments run without a file.
		default:
			return nil, cserrors.UserError{
				Message:    "Failed to read configuration file",
				Details:    err.Error(),
				Suggestion: "Check file permissions and path",
				Err:        err,
			}
		}
	}

	if err := cfg.applyEnv(lookup); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	for _, o := range c.overrides() {
		raw, ok := lookup(EnvPrefix + o.env)
		if !ok {
			continue
		}
		if err := o.set(strings.TrimSpace(raw)); err != nil {
			return cserrors.ConfigError{
				Field:      EnvPrefix + o.env,
				Value:      raw,
				Message:    err.Error(),
				Suggestion: "Fix or unset the environment variable",
			}
		}
	}
	return nil
}

type override struct {
	env string
	set func(string) error
}

func (c *Config) overrides() []override {
	return []override{
		{"SCAN_INTERVAL", durationSetter(&c.Scan.Interval)},
		{"BATCH_SIZE", intSetter(&c.Scan.BatchSize)},
		{"MAX_CONCURRENT", intSetter(&c.Scan.MaxConcurrentVerifications)},
		{"SHUTDOWN_GRACE", durationSetter(&c.Scan.ShutdownGrace)},
		{"VERIFICATION_TIMEOUT", durationSetter(&c.Timeouts.Overall)},
		{"SSH_TIMEOUT", durationSetter(&c.Timeouts.SSH)},
		{"API_TIMEOUT", durationSetter(&c.Timeouts.API)},
		{"WINDOWS_TIMEOUT", durationSetter(&c.Timeouts.Windows)},
		{"DATABASE_TIMEOUT", durationSetter(&c.Timeouts.Database)},
		{"WEBSITE_TIMEOUT", durationSetter(&c.Timeouts.Website)},
		{"CERTIFICATE_TIMEOUT", durationSetter(&c.Timeouts.Certificate)},
		{"RETRY_MAX", intSetter(&c.Retry.MaxCount)},
		{"RETRY_DELAY", durationSetter(&c.Retry.Delay)},
		{"RETRY_BACKOFF", boolSetter(&c.Retry.Backoff)},
		{"SSH_ENABLED", boolSetter(&c.Protocols.SSH.Enabled)},
		{"WINDOWS_ENABLED", boolSetter(&c.Protocols.Windows.Enabled)},
		{"DATABASE_ENABLED", boolSetter(&c.Protocols.Database.Enabled)},
		{"WEBSITE_ENABLED", boolSetter(&c.Protocols.Website.Enabled)},
		{"CERTIFICATE_ENABLED", boolSetter(&c.Protocols.Certificate.Enabled)},
		{"API_TOKEN_ENABLED", boolSetter(&c.Protocols.APIToken.Enabled)},
		{"LOG_LEVEL", stringSetter(&c.Logging.Level)},
		{"LOG_DESTINATION", stringSetter(&c.Logging.Destination)},
		{"LOG_FORMAT", stringSetter(&c.Logging.Format)},
		{"API_SMOKE_TEST_ENDPOINT", stringSetter(&c.APIToken.SmokeTestEndpoint)},
		{"HEALTH_PORT", intSetter(&c.Health.Port)},
		{"AUDIT_RETENTION_DAYS", intSetter(&c.Audit.RetentionDays)},
		{"STORE_DRIVER", stringSetter(&c.Store.Driver)},
		{"STORE_DSN", stringSetter(&c.Store.DSN)},
		{"ENCRYPTION_KEY", stringSetter(&c.Encryption.Key)},
		{"ENCRYPTION_IV", stringSetter(&c.Encryption.IV)},
		{"ENCRYPTION_SOURCE", stringSetter(&c.Encryption.Source)},
		{"ENCRYPTION_REF", stringSetter(&c.Encryption.Ref)},
		{"SSH_KNOWN_HOSTS", stringSetter(&c.SSH.KnownHosts)},
	}
}

func stringSetter(dst *string) func(string) error {
	return func(v string) error {
		*dst = v
		return nil
	}
}

func intSetter(dst *int) func(string) error {
	return func(v string) error {
		n, err := strconv.Atoi(v)
		if err != nil {
			// Accept integral floats such as "50.0"; rejects NaN and Inf.
			f, ferr := strconv.ParseFloat(v, 64)
			if ferr != nil || math.IsNaN(f) || math.IsInf(f, 0) || f != math.Trunc(f) {
				return fmt.Errorf("not an integer: %q", v)
			}
			n = int(f)
		}
		*dst = n
		return nil
	}
}

func durationSetter(dst *time.Duration) func(string) error {
	return func(v string) error {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("not a duration: %q", v)
		}
		*dst = d
		return nil
	}
}

func boolSetter(dst *bool) func(string) error {
	return func(v string) error {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("not a boolean: %q", v)
		}
		*dst = b
		return nil
	}
}

// Validate checks every field and returns the first ConfigError found.
func (c *Config) Validate() error {
	positiveInts := []struct {
		field string
		value int
	}{
		{"scan.batch_size", c.Scan.BatchSize},
		{"scan.max_concurrent_verifications", c.Scan.MaxConcurrentVerifications},
		{"scan.housekeeping_every", c.Scan.HousekeepingEvery},
		{"scan.attempt_retention_days", c.Scan.AttemptRetentionDays},
		{"retry.max_count", c.Retry.MaxCount},
		{"audit.retention_days", c.Audit.RetentionDays},
	}
	for _, f := range positiveInts {
		if f.value <= 0 {
			return cserrors.ConfigError{
				Field:      f.field,
				Value:      f.value,
				Message:    "must be a positive integer",
				Suggestion: fmt.Sprintf("Set %s to a value greater than zero", f.field),
			}
		}
	}

	positiveDurations := []struct {
		field string
		value time.Duration
	}{
		{"scan.interval", c.Scan.Interval},
		{"scan.shutdown_grace", c.Scan.ShutdownGrace},
		{"timeouts.overall", c.Timeouts.Overall},
		{"timeouts.ssh", c.Timeouts.SSH},
		{"timeouts.api", c.Timeouts.API},
		{"timeouts.windows", c.Timeouts.Windows},
		{"timeouts.database", c.Timeouts.Database},
		{"timeouts.website", c.Timeouts.Website},
		{"timeouts.certificate", c.Timeouts.Certificate},
		{"retry.delay", c.Retry.Delay},
	}
	for _, f := range positiveDurations {
		if f.value <= 0 {
			return cserrors.ConfigError{
				Field:      f.field,
				Value:      f.value,
				Message:    "must be a positive duration",
				Suggestion: "Use a Go duration such as 30s, 5m or 1h",
			}
		}
	}

	if c.Health.Port < 0 || c.Health.Port > 65535 {
		return cserrors.ConfigError{
			Field:      "health.port",
			Value:      c.Health.Port,
			Message:    "must be between 0 and 65535",
			Suggestion: "Use 0 to disable the health listener",
		}
	}

	switch strings.ToLower(c.Logging.Level) {
	case "debug", "info", "warn", "error":
	default:
		return cserrors.ConfigError{
			Field:      "logging.level",
			Value:      c.Logging.Level,
			Message:    "unknown log level",
			Suggestion: "Use one of: debug, info, warn, error",
		}
	}

	switch c.Store.Driver {
	case DriverPostgres, DriverSQLite:
		if c.Store.DSN == "" {
			return cserrors.ConfigError{
				Field:      "store.dsn",
				Message:    "required for the " + c.Store.Driver + " store",
				Suggestion: "Set store.dsn or " + EnvPrefix + "STORE_DSN",
			}
		}
	case DriverMemory:
	default:
		return cserrors.ConfigError{
			Field:      "store.driver",
			Value:      c.Store.Driver,
			Message:    "unknown store driver",
			Suggestion: "Use one of: postgres, sqlite, memory",
		}
	}

	if c.Encryption.Source == "" || c.Encryption.Source == "env" {
		return ValidateKeyMaterial(c.Encryption.Key, c.Encryption.IV)
	}
	if c.Encryption.Ref == "" {
		return cserrors.ConfigError{
			Field:      "encryption.ref",
			Message:    "required when encryption.source is " + c.Encryption.Source,
			Suggestion: "Point encryption.ref at the secret holding {\"key\",\"iv\"}",
		}
	}
	return nil
}

// ValidateKeyMaterial checks for a 32-byte hex key and a 16-byte hex IV.
func ValidateKeyMaterial(key, iv string) error {
	if err := checkHex("encryption.key", key, 32); err != nil {
		return err
	}
	return checkHex("encryption.iv", iv, 16)
}

func checkHex(field, value string, size int) error {
	if value == "" {
		return cserrors.ConfigError{
			Field:      field,
			Message:    "missing",
			Suggestion: fmt.Sprintf("Set %s to %d hex characters", field, size*2),
		}
	}
	raw, err := hex.DecodeString(value)
	if err != nil || len(raw) != size {
		return cserrors.ConfigError{
			Field:      field,
			Message:    fmt.Sprintf("must be %d hex characters (%d bytes)", size*2, size),
			Suggestion: "Generate one with: openssl rand -hex " + strconv.Itoa(size),
		}
	}
	return nil
}

// EnabledTypes returns the enabled flag for every verifiable type.
func (c *Config) EnabledTypes() map[credential.Type]bool {
	return map[credential.Type]bool{
		credential.TypeSSH:         c.Protocols.SSH.Enabled,
		credential.TypeWindows:     c.Protocols.Windows.Enabled,
		credential.TypeDatabase:    c.Protocols.Database.Enabled,
		credential.TypeWebsite:     c.Protocols.Website.Enabled,
		credential.TypeCertificate: c.Protocols.Certificate.Enabled,
		credential.TypeAPIToken:    c.Protocols.APIToken.Enabled,
	}
}

// Redacted returns a copy safe to print.
func (c *Config) Redacted() *Config {
	cp := *c
	if cp.Encryption.Key != "" {
		cp.Encryption.Key = "[REDACTED]"
	}
	if cp.Encryption.IV != "" {
		cp.Encryption.IV = "[REDACTED]"
	}
	if cp.Store.DSN != "" {
		cp.Store.DSN = "[REDACTED]"
	}
	return &cp
}

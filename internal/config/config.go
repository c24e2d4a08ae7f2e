// Package config loads callmanager settings from defaults, an optional YAML
// file and CALLMANAGER_* environment variables, in that order.
package config

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v6"
	"gopkg.in/yaml.v3"

	"github.com/agentworkforce/callmanager/internal/contacts"
)

const EnvPrefix = "CALLMANAGER_"

//go:embed config.schema.json
var schemaJSON []byte

const schemaURL = "callmanager.schema.json"

var compiledSchema = sync.OnceValues(func() (*jsonschema.Schema, error) {
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(schemaJSON))
	if err != nil {
		return nil, err
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(schemaURL, doc); err != nil {
		return nil, err
	}
	return compiler.Compile(schemaURL)
})

type Config struct {
	Addr      string           `yaml:"addr"`
	Backend   string           `yaml:"backend"`
	DataDir   string           `yaml:"dataDir"`
	Log       LogConfig        `yaml:"log"`
	Auth      AuthConfig       `yaml:"auth"`
	HTTP      HTTPConfig       `yaml:"http"`
	Locks     LockConfig       `yaml:"locks"`
	Import    ImportConfig     `yaml:"import"`
	Snapshots SnapshotConfig   `yaml:"snapshots"`
	Policy    *contacts.Policy `yaml:"policy"`

	// Warnings lists environment values that were ignored.
	Warnings []string `yaml:"-"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type AuthConfig struct {
	JWTSecret       string        `yaml:"jwtSecret"`
	RateLimitMax    int           `yaml:"rateLimitMax"`
	RateLimitWindow time.Duration `yaml:"rateLimitWindow"`
}

type HTTPConfig struct {
	MaxConcurrentRequests int           `yaml:"maxConcurrentRequests"`
	MaxBodyBytes          int64         `yaml:"maxBodyBytes"`
	CORSOrigins           []string      `yaml:"corsOrigins"`
	ShutdownTimeout       time.Duration `yaml:"shutdownTimeout"`
}

type LockConfig struct {
	DefaultTTL    time.Duration `yaml:"defaultTtl"`
	MaxTTL        time.Duration `yaml:"maxTtl"`
	SweepInterval time.Duration `yaml:"sweepInterval"`
}

type ImportConfig struct {
	PerMinute    int    `yaml:"perMinute"`
	Burst        int    `yaml:"burst"`
	PhoneRegion  string `yaml:"phoneRegion"`
	HistoryLimit int    `yaml:"historyLimit"`
}

type SnapshotConfig struct {
	Dir      string        `yaml:"dir"`
	Interval time.Duration `yaml:"interval"`
	KeepDays int           `yaml:"keepDays"`
	S3       S3Config      `yaml:"s3"`
}

type S3Config struct {
	Bucket    string `yaml:"bucket"`
	Prefix    string `yaml:"prefix"`
	Region    string `yaml:"region"`
	Endpoint  string `yaml:"endpoint"`
	AccessKey string `yaml:"accessKey"`
	SecretKey string `yaml:"secretKey"`
}

func Default() Config {
	return Config{
		Addr:    ":8080",
		DataDir: ".callmanager",
		Log:     LogConfig{Level: "info", Format: "json"},
		Auth: AuthConfig{
			RateLimitMax:    1000,
			RateLimitWindow: time.Hour,
		},
		HTTP: HTTPConfig{
			MaxConcurrentRequests: 64,
			MaxBodyBytes:          10 << 20,
			ShutdownTimeout:       10 * time.Second,
		},
		Locks: LockConfig{
			DefaultTTL:    contacts.DefaultLockTTL,
			MaxTTL:        contacts.MaxLockTTL,
			SweepInterval: 30 * time.Second,
		},
		Import: ImportConfig{
			PerMinute:    contacts.DefaultImportPerMinute,
			Burst:        contacts.DefaultImportBurst,
			PhoneRegion:  contacts.DefaultPhoneRegion,
			HistoryLimit: 20,
		},
		Snapshots: SnapshotConfig{
			Interval: 30 * time.Minute,
			KeepDays: contacts.DefaultKeepDays,
		},
	}
}

// Load layers the YAML file at path (optional) and then the environment read
// through lookup over the defaults. A nil lookup uses os.LookupEnv.
func Load(path string, lookup func(string) (string, bool)) (Config, error) {
	cfg := Default()
	if strings.TrimSpace(path) != "" {
		if err := cfg.mergeFile(path); err != nil {
			return Config{}, err
		}
	}
	if lookup == nil {
		lookup = os.LookupEnv
	}
	cfg.applyEnv(lookup)
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// LoadPolicy reads only the policy section of a config file. It returns nil
// when the file sets no policy.
func LoadPolicy(path string) (*contacts.Policy, error) {
	var cfg Config
	if err := cfg.mergeFile(path); err != nil {
		return nil, err
	}
	return cfg.Policy, nil
}

func (c *Config) mergeFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config %s: %w", path, err)
	}
	if err := ValidateDocument(data); err != nil {
		return fmt.Errorf("config %s: %w", path, err)
	}
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(c); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("decode config %s: %w", path, err)
	}
	return nil
}

// ValidateDocument checks a YAML (or JSON) config document against the
// embedded schema.
func ValidateDocument(data []byte) error {
	var doc any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("parse config: %w", err)
	}
	if doc == nil {
		doc = map[string]any{}
	}
	raw, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("config is not representable as JSON: %w", err)
	}
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return err
	}
	schema, err := compiledSchema()
	if err != nil {
		return fmt.Errorf("compile config schema: %w", err)
	}
	return schema.Validate(inst)
}

func (c Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.Addr) == "" {
		errs = append(errs, errors.New("addr is required"))
	}
	if c.Locks.DefaultTTL <= 0 || c.Locks.MaxTTL <= 0 {
		errs = append(errs, errors.New("lock ttls must be positive"))
	} else if c.Locks.DefaultTTL > c.Locks.MaxTTL {
		errs = append(errs, fmt.Errorf("locks.defaultTtl %s exceeds locks.maxTtl %s", c.Locks.DefaultTTL, c.Locks.MaxTTL))
	}
	if c.Locks.SweepInterval <= 0 {
		errs = append(errs, errors.New("locks.sweepInterval must be positive"))
	}
	if c.Snapshots.Interval <= 0 {
		errs = append(errs, errors.New("snapshots.interval must be positive"))
	}
	if c.Import.PerMinute <= 0 || c.Import.Burst <= 0 {
		errs = append(errs, errors.New("import rate limits must be positive"))
	}
	return errors.Join(errs...)
}

// BackendDSN is the configured record backend, defaulting to a JSON file in
// the data directory.
func (c Config) BackendDSN() string {
	if dsn := strings.TrimSpace(c.Backend); dsn != "" {
		return dsn
	}
	return "file://" + filepath.ToSlash(filepath.Join(c.DataDir, "contacts.json"))
}

// SnapshotDir defaults to a backups folder in the data directory.
func (c Config) SnapshotDir() string {
	if dir := strings.TrimSpace(c.Snapshots.Dir); dir != "" {
		return dir
	}
	return filepath.Join(c.DataDir, "backups")
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) {
	env := envReader{lookup: lookup}
	env.setString("ADDR", &c.Addr)
	env.setString("BACKEND_DSN", &c.Backend)
	env.setString("DATA_DIR", &c.DataDir)
	env.setString("LOG_LEVEL", &c.Log.Level)
	env.setString("LOG_FORMAT", &c.Log.Format)
	env.setString("JWT_SECRET", &c.Auth.JWTSecret)
	env.setInt("RATE_LIMIT_MAX", &c.Auth.RateLimitMax)
	env.setDuration("RATE_LIMIT_WINDOW", &c.Auth.RateLimitWindow)
	env.setInt("MAX_CONCURRENT_REQUESTS", &c.HTTP.MaxConcurrentRequests)
	env.setInt64("MAX_BODY_BYTES", &c.HTTP.MaxBodyBytes)
	env.setList("CORS_ORIGINS", &c.HTTP.CORSOrigins)
	env.setDuration("SHUTDOWN_TIMEOUT", &c.HTTP.ShutdownTimeout)
	env.setDuration("LOCK_TTL", &c.Locks.DefaultTTL)
	env.setDuration("LOCK_MAX_TTL", &c.Locks.MaxTTL)
	env.setDuration("SWEEP_INTERVAL", &c.Locks.SweepInterval)
	env.setInt("IMPORT_PER_MINUTE", &c.Import.PerMinute)
	env.setInt("IMPORT_BURST", &c.Import.Burst)
	env.setString("PHONE_REGION", &c.Import.PhoneRegion)
	env.setInt("HISTORY_LIMIT", &c.Import.HistoryLimit)
	env.setString("SNAPSHOT_DIR", &c.Snapshots.Dir)
	env.setDuration("SNAPSHOT_INTERVAL", &c.Snapshots.Interval)
	env.setInt("SNAPSHOT_KEEP_DAYS", &c.Snapshots.KeepDays)
	env.setString("S3_BUCKET", &c.Snapshots.S3.Bucket)
	env.setString("S3_PREFIX", &c.Snapshots.S3.Prefix)
	env.setString("S3_REGION", &c.Snapshots.S3.Region)
	env.setString("S3_ENDPOINT", &c.Snapshots.S3.Endpoint)
	env.setString("S3_ACCESS_KEY", &c.Snapshots.S3.AccessKey)
	env.setString("S3_SECRET_KEY", &c.Snapshots.S3.SecretKey)
	c.Warnings = append(c.Warnings, env.warnings...)
}

type envReader struct {
	lookup   func(string) (string, bool)
	warnings []string
}

func (r *envReader) raw(name string) (string, string, bool) {
	key := EnvPrefix + name
	value, ok := r.lookup(key)
	value = strings.TrimSpace(value)
	if !ok || value == "" {
		return key, "", false
	}
	return key, value, true
}

func (r *envReader) setString(name string, dst *string) {
	if _, value, ok := r.raw(name); ok {
		*dst = value
	}
}

func (r *envReader) setList(name string, dst *[]string) {
	_, value, ok := r.raw(name)
	if !ok {
		return
	}
	out := make([]string, 0)
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	*dst = out
}

func (r *envReader) setInt(name string, dst *int) {
	key, value, ok := r.raw(name)
	if !ok {
		return
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		r.warnings = append(r.warnings, fmt.Sprintf("invalid %s=%q, using fallback %d", key, value, *dst))
		return
	}
	*dst = parsed
}

func (r *envReader) setInt64(name string, dst *int64) {
	key, value, ok := r.raw(name)
	if !ok {
		return
	}
	parsed, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		r.warnings = append(r.warnings, fmt.Sprintf("invalid %s=%q, using fallback %d", key, value, *dst))
		return
	}
	*dst = parsed
}

func (r *envReader) setDuration(name string, dst *time.Duration) {
	key, value, ok := r.raw(name)
	if !ok {
		return
	}
	parsed, err := time.ParseDuration(value)
	if err != nil {
		r.warnings = append(r.warnings, fmt.Sprintf("invalid %s=%q, using fallback %s", key, value, dst.String()))
		return
	}
	*dst = parsed
}

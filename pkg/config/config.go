package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"domainproxy/pkg/hardening"
	"domainproxy/pkg/sas"
	"domainproxy/pkg/store"
	"domainproxy/pkg/telemetry"
	"domainproxy/pkg/trust"

	"github.com/joho/godotenv"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config is built once at process start and passed by pointer to every
// component that needs it.
type Config struct {
	Environment        string
	StrictProdSecurity bool
	Addr               string
	LogLevel           string
	LogFormat          string

	ProcessingInterval time.Duration
	// ProcessingLimit caps claimed rows per type per cycle; 0 is unbounded.
	ProcessingLimit int
	CycleTimeout    time.Duration
	InFlightTimeout time.Duration

	SASURL              string
	SASTimeout          time.Duration
	SASRetries          int
	SASRetryDelay       time.Duration
	SASBreakerThreshold uint32
	SASCertFile         string
	SASKeyFile          string
	SASCAFile           string
	SASServerName       string

	CRLCheckEnabled bool
	CRLFetchTimeout time.Duration
	CRLMaxBytes     int64
	CRLCacheTTL     time.Duration

	DatabaseURL        string
	DatabaseRequireTLS bool
	DatabaseMaxConns   int32
	// MigrationsDir overrides the embedded schema history.
	MigrationsDir string

	RedisAddr             string
	RedisPassword         string
	RedisDB               int
	RedisTLS              bool
	RedisRequireTLS       bool
	RedisTLSInsecure      bool
	RedisAllowInsecureTLS bool
	RedisTLSServerName    string
	RedisTLSCAFile        string
	RedisTLSCertFile      string
	RedisTLSKeyFile       string

	KafkaEnabled bool
	KafkaBrokers []string
	KafkaTopic   string
	KafkaGroupID string

	IntakeMaxBodyBytes int64
	IdempotencyTTL     time.Duration
	// IntakeRateLimit caps batches per client per IntakeRateWindow; 0 disables.
	IntakeRateLimit  int
	IntakeRateWindow time.Duration

	OTelEndpoint   string
	OTelHeaders    map[string]string
	OTelTimeout    time.Duration
	OTelInsecure   bool
	OTelRequired   bool
	OTelSampler    string
	OTelSamplerArg string
}

// Load reads the process environment, first merging a .env file (or the file
// named by ENV_FILE) when present. Variables already set win over the file.
func Load() (*Config, error) {
	file := strings.TrimSpace(os.Getenv("ENV_FILE"))
	if file == "" {
		file = ".env"
	}
	if err := godotenv.Load(file); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load %s: %w", file, err)
	}
	return LoadFrom(os.LookupEnv)
}

// LoadFrom builds a Config from lookup and validates it.
func LoadFrom(lookup func(string) (string, bool)) (*Config, error) {
	r := &reader{lookup: lookup}
	cfg := &Config{
		Environment:        r.str("ENVIRONMENT", "development"),
		StrictProdSecurity: r.boolean("STRICT_PROD_SECURITY", true),
		Addr:               r.str("ADDR", ""),
		LogLevel:           r.str("LOG_LEVEL", "info"),
		LogFormat:          r.str("LOG_FORMAT", "json"),

		ProcessingInterval: r.seconds("PROCESSING_INTERVAL_SEC", 10),
		ProcessingLimit:    r.integer("PROCESSING_LIMIT", 100),
		CycleTimeout:       r.seconds("CYCLE_TIMEOUT_SEC", 30),
		InFlightTimeout:    r.seconds("IN_FLIGHT_TIMEOUT_SEC", 120),

		SASURL:              r.str("SAS_URL", "https://localhost:9000/v1.2"),
		SASTimeout:          r.seconds("SAS_TIMEOUT_SEC", 10),
		SASRetries:          r.integer("SAS_RETRIES", 0),
		SASRetryDelay:       time.Duration(r.integer("SAS_RETRY_DELAY_MS", 200)) * time.Millisecond,
		SASBreakerThreshold: uint32(r.integer("SAS_BREAKER_THRESHOLD", 5)),
		SASCertFile:         r.str("SAS_CERT_FILE", ""),
		SASKeyFile:          r.str("SAS_KEY_FILE", ""),
		SASCAFile:           r.str("SAS_CA_CERT_FILE", ""),
		SASServerName:       r.str("SAS_SERVER_NAME", ""),

		CRLCheckEnabled: r.boolean("CRL_CHECK_ENABLED", true),
		CRLFetchTimeout: r.seconds("CRL_FETCH_TIMEOUT_SEC", 5),
		CRLMaxBytes:     int64(r.integer("CRL_MAX_BYTES", int(trust.DefaultMaxCRLBytes))),
		CRLCacheTTL:     r.seconds("CRL_CACHE_TTL_SEC", 3600),

		DatabaseRequireTLS: r.boolean("DATABASE_REQUIRE_TLS", false),
		DatabaseMaxConns:   int32(r.integer("DATABASE_MAX_CONNS", 10)),
		MigrationsDir:      r.str("MIGRATIONS_DIR", ""),

		RedisAddr:             r.str("REDIS_ADDR", ""),
		RedisPassword:         r.str("REDIS_PASSWORD", ""),
		RedisDB:               r.integer("REDIS_DB", 0),
		RedisTLS:              r.boolean("REDIS_TLS", false),
		RedisRequireTLS:       r.boolean("REDIS_REQUIRE_TLS", false),
		RedisTLSInsecure:      r.boolean("REDIS_TLS_INSECURE", false),
		RedisAllowInsecureTLS: r.boolean("REDIS_ALLOW_INSECURE_TLS", false),
		RedisTLSServerName:    r.str("REDIS_TLS_SERVER_NAME", ""),
		RedisTLSCAFile:        r.str("REDIS_TLS_CA_CERT_FILE", ""),
		RedisTLSCertFile:      r.str("REDIS_TLS_CERT_FILE", ""),
		RedisTLSKeyFile:       r.str("REDIS_TLS_KEY_FILE", ""),

		KafkaEnabled: r.boolean("KAFKA_ENABLED", false),
		KafkaBrokers: r.list("KAFKA_BROKERS"),
		KafkaTopic:   r.str("KAFKA_TOPIC", "domainproxy.requests"),
		KafkaGroupID: r.str("KAFKA_GROUP_ID", "domainproxy-intake"),

		IntakeMaxBodyBytes: int64(r.integer("INTAKE_MAX_BODY_BYTES", 1<<20)),
		IdempotencyTTL:     r.seconds("IDEMPOTENCY_TTL_SEC", 86400),
		IntakeRateLimit:    r.integer("INTAKE_RATE_LIMIT", 0),
		IntakeRateWindow:   r.seconds("INTAKE_RATE_WINDOW_SEC", 60),

		OTelEndpoint:   r.str("OTEL_EXPORTER_OTLP_ENDPOINT", ""),
		OTelHeaders:    telemetry.ParseHeaders(r.str("OTEL_EXPORTER_OTLP_HEADERS", "")),
		OTelTimeout:    r.seconds("OTEL_EXPORTER_OTLP_TIMEOUT_SEC", 5),
		OTelInsecure:   r.boolean("OTEL_EXPORTER_OTLP_INSECURE", false),
		OTelRequired:   r.boolean("OTEL_REQUIRED", false),
		OTelSampler:    r.str("OTEL_TRACES_SAMPLER", ""),
		OTelSamplerArg: r.str("OTEL_TRACES_SAMPLER_ARG", ""),
	}
	cfg.DatabaseURL = r.str("DATABASE_URL", "")
	if cfg.DatabaseURL == "" {
		cfg.DatabaseURL = postgresURLFromParts(r)
	}
	if err := r.err(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects settings no component can run with.
func (c *Config) Validate() error {
	var errs []error
	if c.ProcessingInterval <= 0 {
		errs = append(errs, errors.New("PROCESSING_INTERVAL_SEC must be positive"))
	}
	if c.ProcessingLimit < 0 {
		errs = append(errs, errors.New("PROCESSING_LIMIT must not be negative"))
	}
	if c.CycleTimeout <= 0 {
		errs = append(errs, errors.New("CYCLE_TIMEOUT_SEC must be positive"))
	}
	if c.InFlightTimeout <= c.CycleTimeout {
		errs = append(errs, errors.New("IN_FLIGHT_TIMEOUT_SEC must exceed CYCLE_TIMEOUT_SEC"))
	}
	if c.SASRetries < 0 {
		errs = append(errs, errors.New("SAS_RETRIES must not be negative"))
	}
	if (c.SASCertFile == "") != (c.SASKeyFile == "") {
		errs = append(errs, errors.New("SAS_CERT_FILE and SAS_KEY_FILE must be set together"))
	}
	if (c.RedisTLSCertFile == "") != (c.RedisTLSKeyFile == "") {
		errs = append(errs, errors.New("REDIS_TLS_CERT_FILE and REDIS_TLS_KEY_FILE must be set together"))
	}
	if c.CRLMaxBytes <= 0 {
		errs = append(errs, errors.New("CRL_MAX_BYTES must be positive"))
	}
	if u, err := url.Parse(c.SASURL); err != nil || u.Scheme == "" || u.Host == "" {
		errs = append(errs, fmt.Errorf("SAS_URL %q is not an absolute url", c.SASURL))
	}
	if c.IntakeRateLimit < 0 {
		errs = append(errs, errors.New("INTAKE_RATE_LIMIT must not be negative"))
	}
	if c.KafkaEnabled && (len(c.KafkaBrokers) == 0 || c.KafkaTopic == "") {
		errs = append(errs, errors.New("KAFKA_ENABLED requires KAFKA_BROKERS and KAFKA_TOPIC"))
	}
	return errors.Join(errs...)
}

// ListenAddr returns Addr, or def when no address is configured.
func (c *Config) ListenAddr(def string) string {
	if c.Addr != "" {
		return c.Addr
	}
	return def
}

func (c *Config) PostgresOptions() store.PostgresOptions {
	return store.PostgresOptions{
		URL:        c.DatabaseURL,
		RequireTLS: c.DatabaseRequireTLS,
		MaxConns:   c.DatabaseMaxConns,
	}
}

func (c *Config) RedisOptions() store.RedisOptions {
	return store.RedisOptions{
		Addr:             c.RedisAddr,
		Password:         c.RedisPassword,
		DB:               c.RedisDB,
		TLS:              c.RedisTLS,
		RequireTLS:       c.RedisRequireTLS,
		TLSInsecure:      c.RedisTLSInsecure,
		AllowInsecureTLS: c.RedisAllowInsecureTLS,
		TLSServerName:    c.RedisTLSServerName,
		TLSCAFile:        c.RedisTLSCAFile,
		TLSCertFile:      c.RedisTLSCertFile,
		TLSKeyFile:       c.RedisTLSKeyFile,
	}
}

func (c *Config) SASTLSFiles() sas.TLSFiles {
	return sas.TLSFiles{
		CertFile:   c.SASCertFile,
		KeyFile:    c.SASKeyFile,
		CAFile:     c.SASCAFile,
		ServerName: c.SASServerName,
	}
}

// HardeningOptions describes this configuration for service. callsSAS adds
// the SAS transport and CRL checks.
func (c *Config) HardeningOptions(service string, callsSAS bool) hardening.Options {
	o := hardening.Options{
		Service:               service,
		Environment:           c.Environment,
		StrictProdSecurity:    c.StrictProdSecurity,
		DatabaseRequireTLS:    c.DatabaseRequireTLS,
		RedisAddr:             c.RedisAddr,
		RedisRequireTLS:       c.RedisRequireTLS,
		RedisTLSInsecure:      c.RedisTLSInsecure,
		RedisAllowInsecureTLS: c.RedisAllowInsecureTLS,
	}
	if callsSAS {
		o.SASURL = c.SASURL
		o.CRLCheckEnabled = c.CRLCheckEnabled
		o.Required = []hardening.Requirement{
			{Name: "SAS_CERT_FILE", Value: c.SASCertFile},
			{Name: "SAS_KEY_FILE", Value: c.SASKeyFile},
			{Name: "SAS_CA_CERT_FILE", Value: c.SASCAFile},
		}
	}
	return o
}

func (c *Config) TelemetryOptions(service string, logger *zap.Logger) telemetry.Options {
	return telemetry.Options{
		ServiceName: service,
		Endpoint:    c.OTelEndpoint,
		Headers:     c.OTelHeaders,
		Timeout:     c.OTelTimeout,
		Insecure:    c.OTelInsecure,
		Required:    c.OTelRequired,
		Sampler:     c.OTelSampler,
		SamplerArg:  c.OTelSamplerArg,
		Logger:      logger,
	}
}

// Logger builds the process logger from LOG_LEVEL and LOG_FORMAT.
func (c *Config) Logger(service string) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(c.LogLevel)
	if err != nil {
		return nil, fmt.Errorf("LOG_LEVEL: %w", err)
	}
	zc := zap.NewProductionConfig()
	switch c.LogFormat {
	case "", "json":
	case "console":
		zc.Encoding = "console"
		zc.EncoderConfig = zap.NewDevelopmentEncoderConfig()
	default:
		return nil, fmt.Errorf("LOG_FORMAT %q must be json or console", c.LogFormat)
	}
	zc.Level = zap.NewAtomicLevelAt(level)
	zc.InitialFields = map[string]any{"service": service}
	if c.Environment != "" {
		zc.InitialFields["environment"] = c.Environment
	}
	return zc.Build()
}

func postgresURLFromParts(r *reader) string {
	user := r.str("DATABASE_USER", "domainproxy")
	password := r.str("POSTGRES_PASSWORD", "")
	host := r.str("DATABASE_HOST", "localhost")
	port := r.str("DATABASE_PORT", "5432")
	if _, err := strconv.Atoi(port); err != nil {
		port = "5432"
	}
	uri := &url.URL{
		Scheme: "postgres",
		Host:   host + ":" + port,
		Path:   "/" + r.str("DATABASE_NAME", "domainproxy"),
	}
	if password != "" {
		uri.User = url.UserPassword(user, password)
	} else {
		uri.User = url.User(user)
	}
	q := uri.Query()
	q.Set("sslmode", r.str("DATABASE_SSLMODE", "disable"))
	uri.RawQuery = q.Encode()
	return uri.String()
}

type reader struct {
	lookup func(string) (string, bool)
	errs   []error
}

func (r *reader) str(key, def string) string {
	if v, ok := r.lookup(key); ok {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return def
}

func (r *reader) integer(key string, def int) int {
	raw := r.str(key, "")
	if raw == "" {
		return def
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		r.errs = append(r.errs, fmt.Errorf("%s: %q is not an integer", key, raw))
		return def
	}
	return v
}

func (r *reader) seconds(key string, def int) time.Duration {
	return time.Duration(r.integer(key, def)) * time.Second
}

func (r *reader) boolean(key string, def bool) bool {
	switch strings.ToLower(r.str(key, "")) {
	case "":
		return def
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		raw, _ := r.lookup(key)
		r.errs = append(r.errs, fmt.Errorf("%s: %q is not a boolean", key, raw))
		return def
	}
}

func (r *reader) list(key string) []string {
	var out []string
	for _, part := range strings.Split(r.str(key, ""), ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func (r *reader) err() error {
	return errors.Join(r.errs...)
}

package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap/zapcore"
)

func lookupFrom(env map[string]string) func(string) (string, bool) {
	return func(key string) (string, bool) {
		v, ok := env[key]
		return v, ok
	}
}

func TestLoadFromDefaults(t *testing.T) {
	cfg, err := LoadFrom(lookupFrom(nil))
	if err != nil {
		t.Fatalf("LoadFrom: %v", err)
	}
	if cfg.ProcessingInterval != 10*time.Second || cfg.ProcessingLimit != 100 {
		t.Fatalf("unexpected processing defaults %v/%d", cfg.ProcessingInterval, cfg.ProcessingLimit)
	}
	if cfg.InFlightTimeout != 2*time.Minute || cfg.CycleTimeout != 30*time.Second {
		t.Fatalf("unexpected timeouts %v/%v", cfg.InFlightTimeout, cfg.CycleTimeout)
	}
	if cfg.SASURL != "https://localhost:9000/v1.2" || !cfg.CRLCheckEnabled || !cfg.StrictProdSecurity {
		t.Fatalf("unexpected sas defaults %+v", cfg)
	}
	if cfg.CRLMaxBytes != 10<<20 {
		t.Fatalf("unexpected crl max bytes %d", cfg.CRLMaxBytes)
	}
	if cfg.DatabaseURL != "postgres://domainproxy@localhost:5432/domainproxy?sslmode=disable" {
		t.Fatalf("unexpected database url %q", cfg.DatabaseURL)
	}
	if cfg.ListenAddr(":8080") != ":8080" {
		t.Fatalf("expected default listen addr")
	}
}

func TestLoadFromOverrides(t *testing.T) {
	cfg, err := LoadFrom(lookupFrom(map[string]string{
		"PROCESSING_INTERVAL_SEC":    "3",
		"PROCESSING_LIMIT":           "0",
		"SAS_URL":                    "https://sas.example.com/v1.2",
		"SAS_CERT_FILE":              "/certs/dp.crt",
		"SAS_KEY_FILE":               "/certs/dp.key",
		"CRL_CHECK_ENABLED":          "off",
		"DATABASE_HOST":              "db",
		"POSTGRES_PASSWORD":          "s3cret",
		"DATABASE_PORT":              "not-a-port",
		"KAFKA_ENABLED":              "true",
		"KAFKA_BROKERS":              "k1:9092, ,k2:9092",
		"ADDR":                       ":9999",
		"OTEL_EXPORTER_OTLP_HEADERS": "a=1",
	}))
	if err != nil {
		t.Fatalf("LoadFrom: %v", err)
	}
	if cfg.ProcessingInterval != 3*time.Second || cfg.ProcessingLimit != 0 {
		t.Fatalf("unexpected processing %v/%d", cfg.ProcessingInterval, cfg.ProcessingLimit)
	}
	if cfg.CRLCheckEnabled {
		t.Fatal("expected CRL check disabled")
	}
	if cfg.DatabaseURL != "postgres://domainproxy:s3cret@db:5432/domainproxy?sslmode=disable" {
		t.Fatalf("unexpected database url %q", cfg.DatabaseURL)
	}
	if len(cfg.KafkaBrokers) != 2 || cfg.KafkaBrokers[1] != "k2:9092" {
		t.Fatalf("unexpected brokers %v", cfg.KafkaBrokers)
	}
	if cfg.ListenAddr(":8080") != ":9999" || cfg.OTelHeaders["a"] != "1" {
		t.Fatalf("unexpected addr/headers %q %v", cfg.Addr, cfg.OTelHeaders)
	}
	files := cfg.SASTLSFiles()
	if files.CertFile != "/certs/dp.crt" || files.KeyFile != "/certs/dp.key" {
		t.Fatalf("unexpected tls files %+v", files)
	}
}

func TestLoadFromRejectsMalformedValues(t *testing.T) {
	_, err := LoadFrom(lookupFrom(map[string]string{
		"PROCESSING_LIMIT":  "ten",
		"CRL_CHECK_ENABLED": "maybe",
	}))
	if err == nil {
		t.Fatal("expected parse errors")
	}
	for _, want := range []string{"PROCESSING_LIMIT", "CRL_CHECK_ENABLED"} {
		if !strings.Contains(err.Error(), want) {
			t.Fatalf("expected %s in %v", want, err)
		}
	}
}

func TestValidate(t *testing.T) {
	base, err := LoadFrom(lookupFrom(nil))
	if err != nil {
		t.Fatalf("LoadFrom: %v", err)
	}
	cases := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"interval", func(c *Config) { c.ProcessingInterval = 0 }, "PROCESSING_INTERVAL_SEC"},
		{"limit", func(c *Config) { c.ProcessingLimit = -1 }, "PROCESSING_LIMIT"},
		{"in_flight", func(c *Config) { c.InFlightTimeout = c.CycleTimeout }, "IN_FLIGHT_TIMEOUT_SEC"},
		{"half_keypair", func(c *Config) { c.SASCertFile = "/c.pem" }, "SAS_CERT_FILE"},
		{"redis_half_keypair", func(c *Config) { c.RedisTLSKeyFile = "/k.pem" }, "REDIS_TLS_CERT_FILE"},
		{"sas_url", func(c *Config) { c.SASURL = "sas" }, "SAS_URL"},
		{"kafka", func(c *Config) { c.KafkaEnabled = true }, "KAFKA_ENABLED"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			c := *base
			tc.mutate(&c)
			err := c.Validate()
			if err == nil || !strings.Contains(err.Error(), tc.wantErr) {
				t.Fatalf("expected %q error, got %v", tc.wantErr, err)
			}
		})
	}
}

func TestHardeningOptions(t *testing.T) {
	cfg, err := LoadFrom(lookupFrom(map[string]string{"ENVIRONMENT": "production"}))
	if err != nil {
		t.Fatalf("LoadFrom: %v", err)
	}
	intake := cfg.HardeningOptions("intake", false)
	if intake.SASURL != "" || len(intake.Required) != 0 {
		t.Fatalf("intake must not carry sas checks: %+v", intake)
	}
	controller := cfg.HardeningOptions("controller", true)
	if controller.SASURL == "" || len(controller.Required) != 3 || !controller.CRLCheckEnabled {
		t.Fatalf("controller must carry sas checks: %+v", controller)
	}
}

func TestLoadReadsDotEnvWithoutOverriding(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "test.env")
	if err := os.WriteFile(path, []byte("PROCESSING_LIMIT=7\nSAS_RETRIES=2\n"), 0o600); err != nil {
		t.Fatalf("write env file: %v", err)
	}
	t.Setenv("ENV_FILE", path)
	t.Setenv("SAS_RETRIES", "1")
	t.Setenv("PROCESSING_LIMIT", "")
	os.Unsetenv("PROCESSING_LIMIT")
	t.Cleanup(func() { os.Unsetenv("PROCESSING_LIMIT") })

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.ProcessingLimit != 7 {
		t.Fatalf("expected limit from file, got %d", cfg.ProcessingLimit)
	}
	if cfg.SASRetries != 1 {
		t.Fatalf("expected process env to win, got %d", cfg.SASRetries)
	}
}

func TestLoadToleratesMissingDotEnv(t *testing.T) {
	t.Setenv("ENV_FILE", filepath.Join(t.TempDir(), "absent.env"))
	if _, err := Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}
}

func TestLogger(t *testing.T) {
	cfg := &Config{LogLevel: "debug", LogFormat: "console", Environment: "dev"}
	logger, err := cfg.Logger("controller")
	if err != nil {
		t.Fatalf("logger: %v", err)
	}
	if !logger.Core().Enabled(zapcore.DebugLevel) {
		t.Fatal("expected debug enabled")
	}

	cfg = &Config{LogLevel: "warn", LogFormat: "json"}
	logger, err = cfg.Logger("intake")
	if err != nil {
		t.Fatalf("logger: %v", err)
	}
	if logger.Core().Enabled(zapcore.InfoLevel) {
		t.Fatal("info must be disabled at warn")
	}

	if _, err := (&Config{LogLevel: "loud"}).Logger("x"); err == nil {
		t.Fatal("expected level error")
	}
	if _, err := (&Config{LogLevel: "info", LogFormat: "xml"}).Logger("x"); err == nil {
		t.Fatal("expected format error")
	}
}

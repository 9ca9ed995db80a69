package config

import "testing"

func TestValidateDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	if err := Validate(cfg); err != nil {
		t.Fatalf("default config should validate, got: %v", err)
	}
}

func TestValidateRejectsMaxBelowMinConcurrency(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Pool.MinConcurrency = 10
	cfg.Pool.MaxConcurrency = 5
	if err := Validate(cfg); err == nil {
		t.Fatal("expected error when max_concurrency < min_concurrency")
	}
}

func TestValidateRejectsZeroMinConcurrency(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Pool.MinConcurrency = 0
	if err := Validate(cfg); err == nil {
		t.Fatal("expected error for min_concurrency < 1")
	}
}

func TestValidateRejectsUnknownStorageType(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Storage.Type = "sqlite"
	if err := Validate(cfg); err == nil {
		t.Fatal("expected error for unsupported storage.type")
	}
}

func TestValidateRequiresRedisAddrForRedisStorage(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Storage.Type = "redis"
	cfg.Storage.RedisAddr = ""
	if err := Validate(cfg); err == nil {
		t.Fatal("expected error when storage.type is redis but redis_addr is empty")
	}
}

func TestValidateRequiresMongoURIForMongoStorage(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Storage.Type = "mongo"
	cfg.Storage.MongoURI = ""
	if err := Validate(cfg); err == nil {
		t.Fatal("expected error when storage.type is mongo but mongo_uri is empty")
	}
}

func TestValidateRejectsBadFetchType(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Fetch.Type = "headless-chrome"
	if err := Validate(cfg); err == nil {
		t.Fatal("expected error for unsupported fetch.type")
	}
}

func TestValidateRejectsInvalidLogLevel(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Logging.Level = "verbose"
	if err := Validate(cfg); err == nil {
		t.Fatal("expected error for invalid logging.level")
	}
}

func TestValidateRejectsOutOfRangeMetricsPort(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Metrics.Enabled = true
	cfg.Metrics.Port = 0
	if err := Validate(cfg); err == nil {
		t.Fatal("expected error for metrics.port out of range when metrics enabled")
	}
}

func TestValidateURL(t *testing.T) {
	cases := []struct {
		url     string
		wantErr bool
	}{
		{"https://example.com", false},
		{"http://example.com/path?q=1", false},
		{"ftp://example.com", true},
		{"not-a-url", true},
		{"https://", true},
	}
	for _, c := range cases {
		err := ValidateURL(c.url)
		if c.wantErr && err == nil {
			t.Errorf("ValidateURL(%q): expected error, got nil", c.url)
		}
		if !c.wantErr && err != nil {
			t.Errorf("ValidateURL(%q): unexpected error: %v", c.url, err)
		}
	}
}

func TestLoadWithoutConfigFileUsesDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Pool.MaxConcurrency != DefaultConfig().Pool.MaxConcurrency {
		t.Fatalf("expected default max_concurrency %d, got %d", DefaultConfig().Pool.MaxConcurrency, cfg.Pool.MaxConcurrency)
	}
	if cfg.Storage.Type != "memory" {
		t.Fatalf("expected default storage.type memory, got %q", cfg.Storage.Type)
	}
}

package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

// Load reads configuration from the config file and CRAWLEE_* environment
// variables on top of the defaults. Priority (highest to lowest): env vars >
// config file > defaults. CLI flags are not read here; callers apply them to
// the returned Config.
func Load(configPath string) (*Config, error) {
	cfg := DefaultConfig()

	v := viper.New()
	v.SetConfigType("yaml")

	// Set defaults from struct
	setDefaults(v, cfg)

	// Environment variable support
	v.SetEnvPrefix("CRAWLEE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	_ = v.BindEnv("storage.purge_on_start", "CRAWLEE_PURGE_ON_START")
	_ = v.BindEnv("storage.persist", "CRAWLEE_PERSIST_STORAGE")
	_ = v.BindEnv("logging.level", "CRAWLEE_LOG_LEVEL")
	_ = v.BindEnv("logging.verbose", "CRAWLEE_VERBOSE")

	// Load config file
	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		// Search default locations
		v.SetConfigName("crawlee")
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")
		home, err := os.UserHomeDir()
		if err == nil {
			v.AddConfigPath(filepath.Join(home, ".crawlee"))
		}
	}

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok && configPath != "" {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		// Config file not found is okay if not explicitly specified
	}

	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return cfg, nil
}

// LoadFromFile reads configuration from a specific file path.
func LoadFromFile(path string) (*Config, error) {
	return Load(path)
}

// setDefaults registers default values in viper. Keys are read from
// CRAWLEE_<SECTION>_<KEY> env vars via SetEnvKeyReplacer (dots become
// underscores), e.g. CRAWLEE_STORAGE_DIR -> storage.dir. Load binds four
// short names explicitly: CRAWLEE_PURGE_ON_START -> storage.purge_on_start,
// CRAWLEE_PERSIST_STORAGE -> storage.persist, CRAWLEE_LOG_LEVEL ->
// logging.level, CRAWLEE_VERBOSE -> logging.verbose.
func setDefaults(v *viper.Viper, cfg *Config) {
	v.SetDefault("crawler.max_request_retries", cfg.Crawler.MaxRequestRetries)
	v.SetDefault("crawler.max_requests_per_crawl", cfg.Crawler.MaxRequestsPerCrawl)
	v.SetDefault("crawler.request_handler_timeout", cfg.Crawler.RequestHandlerTimeout)
	v.SetDefault("crawler.abort_grace_window", cfg.Crawler.AbortGraceWindow)
	v.SetDefault("crawler.consecutive_timeout_threshold", cfg.Crawler.ConsecutiveTimeoutThreshold)
	v.SetDefault("crawler.accepted_content_types", cfg.Crawler.AcceptedContentTypes)
	v.SetDefault("crawler.storage_error_threshold", cfg.Crawler.StorageErrorThreshold)
	v.SetDefault("crawler.persist_state_interval", cfg.Crawler.PersistStateInterval)
	v.SetDefault("crawler.system_info_interval", cfg.Crawler.SystemInfoInterval)

	v.SetDefault("pool.min_concurrency", cfg.Pool.MinConcurrency)
	v.SetDefault("pool.max_concurrency", cfg.Pool.MaxConcurrency)
	v.SetDefault("pool.max_tasks_per_minute", cfg.Pool.MaxTasksPerMinute)
	v.SetDefault("pool.scale_up_interval", cfg.Pool.ScaleUpInterval)
	v.SetDefault("pool.scale_down_interval", cfg.Pool.ScaleDownInterval)
	v.SetDefault("pool.scale_step_ratio", cfg.Pool.ScaleStepRatio)
	v.SetDefault("pool.poll_interval", cfg.Pool.PollInterval)

	v.SetDefault("queue.name", cfg.Queue.Name)
	v.SetDefault("queue.request_lock_secs", cfg.Queue.RequestLockSecs)
	v.SetDefault("queue.stale_lease_timeout", cfg.Queue.StaleLeaseTimeout)
	v.SetDefault("queue.head_fetch_limit", cfg.Queue.HeadFetchLimit)

	v.SetDefault("session.name", cfg.Session.Name)
	v.SetDefault("session.max_pool_size", cfg.Session.MaxPoolSize)
	v.SetDefault("session.max_usage_count", cfg.Session.MaxUsageCount)
	v.SetDefault("session.max_error_score", cfg.Session.MaxErrorScore)
	v.SetDefault("session.blocked_status_codes", cfg.Session.BlockedStatusCodes)

	v.SetDefault("proxy.tiers", cfg.Proxy.Tiers)
	v.SetDefault("proxy.escalation_threshold", cfg.Proxy.EscalationThreshold)

	v.SetDefault("fetch.type", cfg.Fetch.Type)
	v.SetDefault("fetch.follow_redirects", cfg.Fetch.FollowRedirects)
	v.SetDefault("fetch.max_redirects", cfg.Fetch.MaxRedirects)
	v.SetDefault("fetch.max_body_size", cfg.Fetch.MaxBodySize)
	v.SetDefault("fetch.idle_conn_timeout", cfg.Fetch.IdleConnTimeout)
	v.SetDefault("fetch.max_idle_conns", cfg.Fetch.MaxIdleConns)
	v.SetDefault("fetch.browser_headless", cfg.Fetch.BrowserHeadless)
	v.SetDefault("fetch.browser_stealth", cfg.Fetch.BrowserStealth)

	v.SetDefault("storage.type", cfg.Storage.Type)
	v.SetDefault("storage.dir", cfg.Storage.Dir)
	v.SetDefault("storage.persist", cfg.Storage.Persist)
	v.SetDefault("storage.purge_on_start", cfg.Storage.PurgeOnStart)
	v.SetDefault("storage.redis_addr", cfg.Storage.RedisAddr)
	v.SetDefault("storage.redis_db", cfg.Storage.RedisDB)
	v.SetDefault("storage.mongo_uri", cfg.Storage.MongoURI)
	v.SetDefault("storage.mongo_database", cfg.Storage.MongoDatabase)

	v.SetDefault("logging.level", cfg.Logging.Level)
	v.SetDefault("logging.format", cfg.Logging.Format)
	v.SetDefault("logging.output", cfg.Logging.Output)
	v.SetDefault("logging.verbose", cfg.Logging.Verbose)

	v.SetDefault("metrics.enabled", cfg.Metrics.Enabled)
	v.SetDefault("metrics.port", cfg.Metrics.Port)
	v.SetDefault("metrics.path", cfg.Metrics.Path)
}

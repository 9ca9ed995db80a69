package config

import (
	"time"
)

// Version is set at build time via ldflags.
var Version = "dev"

// Config is the root configuration for the crawler runtime.
type Config struct {
	Crawler CrawlerConfig `mapstructure:"crawler" yaml:"crawler"`
	Pool    PoolConfig    `mapstructure:"pool"    yaml:"pool"`
	Queue   QueueConfig   `mapstructure:"queue"   yaml:"queue"`
	Session SessionConfig `mapstructure:"session" yaml:"session"`
	Proxy   ProxyConfig   `mapstructure:"proxy"   yaml:"proxy"`
	Fetch   FetchConfig   `mapstructure:"fetch"   yaml:"fetch"`
	Storage StorageConfig `mapstructure:"storage" yaml:"storage"`
	Logging LoggingConfig `mapstructure:"logging" yaml:"logging"`
	Metrics MetricsConfig `mapstructure:"metrics" yaml:"metrics"`
}

// CrawlerConfig controls the crawler runtime's own knobs.
type CrawlerConfig struct {
	MaxRequestRetries           int           `mapstructure:"max_request_retries"           yaml:"max_request_retries"`
	MaxRequestsPerCrawl         int           `mapstructure:"max_requests_per_crawl"        yaml:"max_requests_per_crawl"`
	RequestHandlerTimeout       time.Duration `mapstructure:"request_handler_timeout"       yaml:"request_handler_timeout"`
	AbortGraceWindow            time.Duration `mapstructure:"abort_grace_window"            yaml:"abort_grace_window"`
	ConsecutiveTimeoutThreshold int           `mapstructure:"consecutive_timeout_threshold" yaml:"consecutive_timeout_threshold"`
	AcceptedContentTypes        []string      `mapstructure:"accepted_content_types"        yaml:"accepted_content_types"`
	StorageErrorThreshold       int           `mapstructure:"storage_error_threshold"       yaml:"storage_error_threshold"`
	PersistStateInterval        time.Duration `mapstructure:"persist_state_interval"        yaml:"persist_state_interval"`
	SystemInfoInterval          time.Duration `mapstructure:"system_info_interval"          yaml:"system_info_interval"`
}

// PoolConfig controls the autoscaled pool.
type PoolConfig struct {
	MinConcurrency    int           `mapstructure:"min_concurrency"     yaml:"min_concurrency"`
	MaxConcurrency    int           `mapstructure:"max_concurrency"     yaml:"max_concurrency"`
	MaxTasksPerMinute int           `mapstructure:"max_tasks_per_minute" yaml:"max_tasks_per_minute"`
	ScaleUpInterval   time.Duration `mapstructure:"scale_up_interval"   yaml:"scale_up_interval"`
	ScaleDownInterval time.Duration `mapstructure:"scale_down_interval" yaml:"scale_down_interval"`
	ScaleStepRatio    float64       `mapstructure:"scale_step_ratio"    yaml:"scale_step_ratio"`
	PollInterval      time.Duration `mapstructure:"poll_interval"       yaml:"poll_interval"`
}

// QueueConfig controls the request queue.
type QueueConfig struct {
	Name              string        `mapstructure:"name"                yaml:"name"`
	RequestLockSecs   int           `mapstructure:"request_lock_secs"   yaml:"request_lock_secs"`
	StaleLeaseTimeout time.Duration `mapstructure:"stale_lease_timeout" yaml:"stale_lease_timeout"`
	HeadFetchLimit    int           `mapstructure:"head_fetch_limit"    yaml:"head_fetch_limit"`
}

// SessionConfig controls the session pool.
type SessionConfig struct {
	Name               string  `mapstructure:"name"                 yaml:"name"`
	MaxPoolSize        int     `mapstructure:"max_pool_size"        yaml:"max_pool_size"`
	MaxUsageCount      int     `mapstructure:"max_usage_count"      yaml:"max_usage_count"`
	MaxErrorScore      float64 `mapstructure:"max_error_score"      yaml:"max_error_score"`
	BlockedStatusCodes []int   `mapstructure:"blocked_status_codes" yaml:"blocked_status_codes"`
}

// ProxyConfig controls tiered proxy rotation.
type ProxyConfig struct {
	Tiers               [][]string `mapstructure:"tiers"                yaml:"tiers"`
	EscalationThreshold int        `mapstructure:"escalation_threshold" yaml:"escalation_threshold"`
}

// FetchConfig selects and configures the navigation collaborator: the
// httpclient adapter or the browser adapter (external collaborators).
type FetchConfig struct {
	Type            string        `mapstructure:"type"              yaml:"type"` // "http" or "browser"
	FollowRedirects bool          `mapstructure:"follow_redirects"  yaml:"follow_redirects"`
	MaxRedirects    int           `mapstructure:"max_redirects"     yaml:"max_redirects"`
	MaxBodySize     int64         `mapstructure:"max_body_size"     yaml:"max_body_size"`
	TLSInsecure     bool          `mapstructure:"tls_insecure"      yaml:"tls_insecure"`
	IdleConnTimeout time.Duration `mapstructure:"idle_conn_timeout" yaml:"idle_conn_timeout"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"    yaml:"max_idle_conns"`
	BrowserHeadless bool          `mapstructure:"browser_headless"  yaml:"browser_headless"`
	BrowserStealth  bool          `mapstructure:"browser_stealth"   yaml:"browser_stealth"`
}

// StorageConfig selects the storage.Client/storage.KeyValueStore backend.
type StorageConfig struct {
	Type          string `mapstructure:"type"           yaml:"type"` // "memory", "redis", "mongo"
	Dir           string `mapstructure:"dir"            yaml:"dir"`
	Persist       bool   `mapstructure:"persist"        yaml:"persist"`
	PurgeOnStart  bool   `mapstructure:"purge_on_start" yaml:"purge_on_start"`
	RedisAddr     string `mapstructure:"redis_addr"     yaml:"redis_addr"`
	RedisDB       int    `mapstructure:"redis_db"       yaml:"redis_db"`
	MongoURI      string `mapstructure:"mongo_uri"      yaml:"mongo_uri"`
	MongoDatabase string `mapstructure:"mongo_database" yaml:"mongo_database"`
}

// LoggingConfig controls logging behavior.
type LoggingConfig struct {
	Level   string `mapstructure:"level"   yaml:"level"`
	Format  string `mapstructure:"format"  yaml:"format"`
	Output  string `mapstructure:"output"  yaml:"output"`
	Verbose bool   `mapstructure:"verbose" yaml:"verbose"`
}

// MetricsConfig controls Prometheus metrics.
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled" yaml:"enabled"`
	Port    int    `mapstructure:"port"    yaml:"port"`
	Path    string `mapstructure:"path"    yaml:"path"`
}

// DefaultConfig returns a Config with the runtime's stated defaults.
func DefaultConfig() *Config {
	return &Config{
		Crawler: CrawlerConfig{
			MaxRequestRetries:           3,
			RequestHandlerTimeout:       60 * time.Second,
			AbortGraceWindow:            30 * time.Second,
			ConsecutiveTimeoutThreshold: 3,
			StorageErrorThreshold:       5,
			PersistStateInterval:        60 * time.Second,
			SystemInfoInterval:          1 * time.Second,
		},
		Pool: PoolConfig{
			MinConcurrency:    1,
			MaxConcurrency:    200,
			ScaleUpInterval:   10 * time.Second,
			ScaleDownInterval: 10 * time.Second,
			ScaleStepRatio:    0.1,
			PollInterval:      500 * time.Millisecond,
		},
		Queue: QueueConfig{
			Name:              "default",
			RequestLockSecs:   300,
			StaleLeaseTimeout: 5 * time.Minute,
			HeadFetchLimit:    100,
		},
		Session: SessionConfig{
			Name:               "default",
			MaxPoolSize:        1000,
			MaxUsageCount:      50,
			MaxErrorScore:      3,
			BlockedStatusCodes: []int{401, 403, 429},
		},
		Proxy: ProxyConfig{
			EscalationThreshold: 2,
		},
		Fetch: FetchConfig{
			Type:            "http",
			FollowRedirects: true,
			MaxRedirects:    10,
			MaxBodySize:     10 * 1024 * 1024,
			IdleConnTimeout: 90 * time.Second,
			MaxIdleConns:    100,
			BrowserHeadless: true,
			BrowserStealth:  true,
		},
		Storage: StorageConfig{
			Type:          "memory",
			Dir:           "./storage",
			Persist:       false,
			PurgeOnStart:  false,
			RedisDB:       0,
			MongoDatabase: "crawlee",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
			Output: "stderr",
		},
		Metrics: MetricsConfig{
			Enabled: false,
			Port:    9090,
			Path:    "/metrics",
		},
	}
}

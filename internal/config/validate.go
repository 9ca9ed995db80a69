package config

import (
	"fmt"
	"net/url"
)

// Validate checks the configuration for invalid values.
func Validate(cfg *Config) error {
	if cfg.Pool.MinConcurrency < 1 {
		return fmt.Errorf("pool.min_concurrency must be >= 1, got %d", cfg.Pool.MinConcurrency)
	}
	if cfg.Pool.MaxConcurrency < cfg.Pool.MinConcurrency {
		return fmt.Errorf("pool.max_concurrency must be >= pool.min_concurrency, got %d < %d", cfg.Pool.MaxConcurrency, cfg.Pool.MinConcurrency)
	}
	if cfg.Pool.MaxConcurrency > 10000 {
		return fmt.Errorf("pool.max_concurrency must be <= 10000, got %d", cfg.Pool.MaxConcurrency)
	}

	if cfg.Crawler.MaxRequestRetries < 0 {
		return fmt.Errorf("crawler.max_request_retries must be >= 0, got %d", cfg.Crawler.MaxRequestRetries)
	}
	if cfg.Crawler.MaxRequestsPerCrawl < 0 {
		return fmt.Errorf("crawler.max_requests_per_crawl must be >= 0, got %d", cfg.Crawler.MaxRequestsPerCrawl)
	}
	if cfg.Crawler.RequestHandlerTimeout <= 0 {
		return fmt.Errorf("crawler.request_handler_timeout must be > 0")
	}
	if cfg.Crawler.StorageErrorThreshold < 1 {
		return fmt.Errorf("crawler.storage_error_threshold must be >= 1, got %d", cfg.Crawler.StorageErrorThreshold)
	}

	if cfg.Fetch.MaxBodySize <= 0 {
		return fmt.Errorf("fetch.max_body_size must be > 0")
	}
	if cfg.Fetch.MaxRedirects < 0 {
		return fmt.Errorf("fetch.max_redirects must be >= 0")
	}
	if cfg.Fetch.Type != "http" && cfg.Fetch.Type != "browser" {
		return fmt.Errorf("fetch.type must be 'http' or 'browser', got %q", cfg.Fetch.Type)
	}

	for _, tier := range cfg.Proxy.Tiers {
		for _, proxyURL := range tier {
			if _, err := url.Parse(proxyURL); err != nil {
				return fmt.Errorf("invalid proxy URL %q: %w", proxyURL, err)
			}
		}
	}

	validStorageTypes := map[string]bool{
		"memory": true, "redis": true, "mongo": true,
	}
	if !validStorageTypes[cfg.Storage.Type] {
		return fmt.Errorf("storage.type %q is not supported (valid: memory, redis, mongo)", cfg.Storage.Type)
	}
	if cfg.Storage.Type == "redis" && cfg.Storage.RedisAddr == "" {
		return fmt.Errorf("storage.redis_addr is required when storage.type is 'redis'")
	}
	if cfg.Storage.Type == "mongo" && cfg.Storage.MongoURI == "" {
		return fmt.Errorf("storage.mongo_uri is required when storage.type is 'mongo'")
	}

	validLogLevels := map[string]bool{
		"debug": true, "info": true, "warn": true, "error": true,
	}
	if !validLogLevels[cfg.Logging.Level] {
		return fmt.Errorf("logging.level must be debug/info/warn/error, got %q", cfg.Logging.Level)
	}
	if cfg.Logging.Format != "text" && cfg.Logging.Format != "json" {
		return fmt.Errorf("logging.format must be 'text' or 'json', got %q", cfg.Logging.Format)
	}

	if cfg.Metrics.Enabled {
		if cfg.Metrics.Port < 1 || cfg.Metrics.Port > 65535 {
			return fmt.Errorf("metrics.port must be 1-65535, got %d", cfg.Metrics.Port)
		}
	}

	return nil
}

// ValidateURL checks if a URL string is valid for crawling.
func ValidateURL(rawURL string) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("invalid URL: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("URL scheme must be http or https, got %q", u.Scheme)
	}
	if u.Host == "" {
		return fmt.Errorf("URL must have a host")
	}
	return nil
}

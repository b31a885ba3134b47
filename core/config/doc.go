// Package config provides type-safe environment variable loading with caching
// using Go generics. Each configuration type is loaded once and cached for
// subsequent calls.
//
// The package automatically loads .env files on first use and uses the
// caarlos0/env library for parsing environment variables into struct fields.
//
// Basic usage:
//
//	import "github.com/insightlab/beacon/core/config"
//
//	type TrackerConfig struct {
//		APIURL    string `env:"BEACON_API_URL,required"`
//		ProjectID string `env:"BEACON_PROJECT_ID,required"`
//		BatchSize int    `env:"BEACON_BATCH_SIZE" envDefault:"20"`
//	}
//
//	func main() {
//		var cfg TrackerConfig
//
//		// Load with error handling
//		if err := config.Load(&cfg); err != nil {
//			log.Fatal(err)
//		}
//
//		// Or panic on failure (useful for startup)
//		config.MustLoad(&cfg)
//	}
//
// # Caching Behavior
//
// Each configuration type is loaded only once per application lifetime:
//
//	var cfg1 TrackerConfig
//	config.Load(&cfg1) // Loads from environment
//
//	var cfg2 TrackerConfig
//	config.Load(&cfg2) // Returns cached value, cfg1 == cfg2
//
// Different types are cached independently:
//
//	type StorageConfig struct {
//		Dir string `env:"BEACON_STORAGE_DIR"`
//	}
//
//	type RedisConfig struct {
//		URL string `env:"BEACON_REDIS_URL"`
//	}
//
//	// Each type has its own cache entry
//	config.MustLoad(&StorageConfig{})
//	config.MustLoad(&RedisConfig{})
package config

// Package config содержит логику чтения конфигурации сервиса складских списаний.
package config

import (
	"flag"
	"fmt"

	"github.com/caarlos0/env/v11"
)

// Config содержит параметры конфигурации сервиса складских списаний.
type Config struct {
	RunAddress        string `env:"RUN_ADDRESS"`
	BackendAddress    string `env:"BACKEND_ADDRESS"`
	DatabaseURI       string `env:"DATABASE_URI"`
	KafkaAddress      string `env:"KAFKA_ADDRESS"`
	KafkaTopic        string `env:"KAFKA_TOPIC" envDefault:"stockout.completed"`
	DebounceMS        int    `env:"SEARCH_DEBOUNCE_MS" envDefault:"500"`
	CompletionDelayMS int    `env:"COMPLETION_DELAY_MS" envDefault:"1000"`
	SessionTTLMin     int    `env:"SESSION_TTL_MIN" envDefault:"30"`
}

// Parse считывает конфигурацию из флагов командной строки и переменных окружения.
func Parse() (*Config, error) {
	cfg := &Config{}

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}

	envRunAddress := cfg.RunAddress
	envBackendAddress := cfg.BackendAddress
	envDatabaseURI := cfg.DatabaseURI
	envKafkaAddress := cfg.KafkaAddress

	flag.StringVar(&cfg.RunAddress, "a", "localhost:8080", "address and port for HTTP server")
	flag.StringVar(&cfg.BackendAddress, "b", "", "retail backend address")
	flag.StringVar(&cfg.DatabaseURI, "d", "", "database URI for the batch journal")
	flag.StringVar(&cfg.KafkaAddress, "k", "", "kafka broker address for completion events")

	flag.Parse()

	if envRunAddress != "" {
		cfg.RunAddress = envRunAddress
	}
	if envBackendAddress != "" {
		cfg.BackendAddress = envBackendAddress
	}
	if envDatabaseURI != "" {
		cfg.DatabaseURI = envDatabaseURI
	}
	if envKafkaAddress != "" {
		cfg.KafkaAddress = envKafkaAddress
	}

	if cfg.RunAddress == "" {
		cfg.RunAddress = "localhost:8080"
	}

	return cfg, nil
}

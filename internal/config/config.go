// Package config loads service configuration from environment variables.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config aggregates every tunable of the service.
type Config struct {
	Server     ServerConfig
	Generation GenerationConfig
	Store      StoreConfig
	Render     RenderConfig
}

// Load reads the whole configuration from the environment.
func Load() (*Config, error) {
	server, err := loadServerConfig()
	if err != nil {
		return nil, err
	}

	generation, err := loadGenerationConfig()
	if err != nil {
		return nil, err
	}

	store, err := loadStoreConfig()
	if err != nil {
		return nil, err
	}

	render, err := loadRenderConfig()
	if err != nil {
		return nil, err
	}

	return &Config{Server: server, Generation: generation, Store: store, Render: render}, nil
}

// ServerConfig describes the HTTP listener.
type ServerConfig struct {
	Addr string
}

func loadServerConfig() (ServerConfig, error) {
	port := strings.TrimSpace(os.Getenv("PORT"))
	if port == "" {
		port = "8080"
	}

	if strings.Contains(port, ":") {
		// Accept ":8080" or "127.0.0.1:8080" as-is.
		return ServerConfig{Addr: port}, nil
	}

	if strings.Contains(port, " ") {
		return ServerConfig{}, fmt.Errorf("invalid PORT value: %q", port)
	}

	return ServerConfig{Addr: ":" + port}, nil
}

// GenerationConfig describes the upstream text-to-diagram endpoint.
type GenerationConfig struct {
	Endpoint     string
	MaxPromptLen int
	Timeout      time.Duration
}

// Enabled reports whether an upstream endpoint was configured.
func (c GenerationConfig) Enabled() bool {
	return c.Endpoint != ""
}

func loadGenerationConfig() (GenerationConfig, error) {
	maxPromptLen := 1000
	if override, err := parseOptionalIntEnv("GEN_MAX_PROMPT_LEN"); err != nil {
		return GenerationConfig{}, err
	} else if override != nil {
		if *override < 1 {
			return GenerationConfig{}, fmt.Errorf("GEN_MAX_PROMPT_LEN must be positive, got %d", *override)
		}
		maxPromptLen = *override
	}

	timeoutSeconds := 120
	if override, err := parseOptionalIntEnv("GEN_TIMEOUT_SECONDS"); err != nil {
		return GenerationConfig{}, err
	} else if override != nil && *override > 0 {
		timeoutSeconds = *override
	}

	return GenerationConfig{
		Endpoint:     strings.TrimSpace(os.Getenv("GEN_ENDPOINT")),
		MaxPromptLen: maxPromptLen,
		Timeout:      time.Duration(timeoutSeconds) * time.Second,
	}, nil
}

// StoreConfig describes conversation persistence.
type StoreConfig struct {
	Path             string
	MaxConversations int
}

func loadStoreConfig() (StoreConfig, error) {
	maxConversations := 10
	if override, err := parseOptionalIntEnv("CHAT_MAX_CONVERSATIONS"); err != nil {
		return StoreConfig{}, err
	} else if override != nil {
		if *override < 1 {
			maxConversations = 1
		} else {
			maxConversations = *override
		}
	}

	return StoreConfig{
		Path:             getEnvOrDefault("DB_PATH", "diagramchat.db"),
		MaxConversations: maxConversations,
	}, nil
}

// RenderConfig tunes the preview render throttle.
type RenderConfig struct {
	FastDelay     time.Duration
	SlowDelay     time.Duration
	SlowThreshold time.Duration
}

func loadRenderConfig() (RenderConfig, error) {
	cfg := RenderConfig{}

	fast, err := parseOptionalIntEnv("RENDER_FAST_DELAY_MS")
	if err != nil {
		return RenderConfig{}, err
	}
	if fast != nil {
		cfg.FastDelay = time.Duration(*fast) * time.Millisecond
	}

	slow, err := parseOptionalIntEnv("RENDER_SLOW_DELAY_MS")
	if err != nil {
		return RenderConfig{}, err
	}
	if slow != nil {
		cfg.SlowDelay = time.Duration(*slow) * time.Millisecond
	}

	threshold, err := parseOptionalIntEnv("RENDER_SLOW_THRESHOLD_MS")
	if err != nil {
		return RenderConfig{}, err
	}
	if threshold != nil {
		cfg.SlowThreshold = time.Duration(*threshold) * time.Millisecond
	}

	return cfg, nil
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return defaultValue
}

func parseOptionalIntEnv(key string) (*int, error) {
	raw, ok := os.LookupEnv(key)
	if !ok {
		return nil, nil
	}

	value := strings.TrimSpace(raw)
	if value == "" {
		return nil, nil
	}

	val, err := strconv.Atoi(value)
	if err != nil {
		return nil, fmt.Errorf("invalid %s value %q: %w", key, value, err)
	}
	return &val, nil
}

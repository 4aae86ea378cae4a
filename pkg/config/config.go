// Package config handles Muninn configuration via YAML files and environment
// variables.
//
// Configuration Precedence (highest to lowest):
//  1. Environment variables (MUNINN_*)
//  2. Config file (muninn.yaml)
//  3. Built-in defaults
//
// Example Usage:
//
//	config, err := config.LoadFromFile(config.FindConfigFile())
//	if err != nil {
//		log.Fatalf("Invalid config: %v", err)
//	}
//
// Environment Variables (all use MUNINN_ prefix):
//
// Store:
//   - MUNINN_DATA_DIR="./data"
//   - MUNINN_IN_MEMORY=false
//   - MUNINN_SYNC_WRITES=false
//
// NLP:
//   - MUNINN_NLP_PROVIDER="heuristic" or "ollama"
//   - MUNINN_OLLAMA_HOST="http://localhost:11434"
//   - MUNINN_OLLAMA_MODEL="llama3.2"
//   - MUNINN_IDLE_WINDOW=5m
//
// Dreamer:
//   - MUNINN_DREAM_SCHEDULE="@every 1h"
//   - MUNINN_EPISODE_GAP=30m
//   - MUNINN_EPISODE_MIN_SIZE=3
//   - MUNINN_BATCH_SIZE=256
//
// Search:
//   - MUNINN_WALKER_MAX_HOPS=2
//   - MUNINN_DEFAULT_CHAR_BUDGET=8000
//
// Mirror:
//   - MUNINN_MIRROR_ENABLED=true
//   - MUNINN_MIRROR_ROOT="./mirror"
//
// Logging:
//   - MUNINN_LOG_LEVEL="info"
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all Muninn configuration.
//
// Configuration is organized into logical sections:
//   - Store: persistence settings
//   - NLP: capability provider and idle reclaim
//   - Dreamer: cycle schedule and clustering thresholds
//   - Tags: assignment and infection tuning
//   - Search: walker bounds and budget defaults
//   - Mirror: filesystem projection
//   - Logging: log level
type Config struct {
	Store   StoreConfig   `yaml:"store"`
	NLP     NLPConfig     `yaml:"nlp"`
	Dreamer DreamerConfig `yaml:"dreamer"`
	Tags    TagsConfig    `yaml:"tags"`
	Search  SearchConfig  `yaml:"search"`
	Mirror  MirrorConfig  `yaml:"mirror"`
	Logging LoggingConfig `yaml:"logging"`
}

// StoreConfig holds persistence settings.
type StoreConfig struct {
	// DataDir is the directory for data storage.
	DataDir string `yaml:"data_dir"`
	// InMemory runs the store without disk persistence.
	InMemory bool `yaml:"in_memory"`
	// SyncWrites fsyncs every write. Slower, safest.
	SyncWrites bool `yaml:"sync_writes"`
}

// NLPConfig holds capability settings.
type NLPConfig struct {
	// Provider selects the capability: "heuristic" or "ollama".
	Provider string `yaml:"provider"`
	// OllamaHost is the Ollama server URL.
	OllamaHost string `yaml:"ollama_host"`
	// OllamaModel for entity extraction.
	OllamaModel string `yaml:"ollama_model"`
	// OllamaEmbedModel for embeddings. Defaults to OllamaModel.
	OllamaEmbedModel string `yaml:"ollama_embed_model"`
	// IdleWindow before the capability is unloaded.
	IdleWindow time.Duration `yaml:"idle_window"`
}

// DreamerConfig holds cycle settings.
type DreamerConfig struct {
	// Schedule is a cron expression, e.g. "@every 1h". Empty disables
	// scheduled cycles; manual triggers still work.
	Schedule string `yaml:"schedule"`
	// EpisodeGap splits the unbound timeline into clusters.
	EpisodeGap time.Duration `yaml:"episode_gap"`
	// EpisodeMinSize leaves smaller clusters unbound.
	EpisodeMinSize int `yaml:"episode_min_size"`
	// EpisodeWindow bounds unbound atoms per cycle.
	EpisodeWindow int `yaml:"episode_window"`
	// BatchSize bounds reconciliation and infection batches.
	BatchSize int `yaml:"batch_size"`
}

// TagsConfig holds tag engine settings.
type TagsConfig struct {
	// ConfidenceThreshold filters NLP entity candidates.
	ConfidenceThreshold float64 `yaml:"confidence_threshold"`
	// SampleSize bounds the infection discovery sample.
	SampleSize int `yaml:"sample_size"`
	// MinSupport is the discovery association threshold.
	MinSupport float64 `yaml:"min_support"`
}

// SearchConfig holds search settings.
type SearchConfig struct {
	// WalkerSeeds is how many top literal hits seed the tag walker.
	WalkerSeeds int `yaml:"walker_seeds"`
	// WalkerMaxHops bounds associative traversal depth.
	WalkerMaxHops int `yaml:"walker_max_hops"`
	// WalkerMaxResults caps associative hits per query.
	WalkerMaxResults int `yaml:"walker_max_results"`
	// DefaultCharBudget applies when a caller passes no budget.
	DefaultCharBudget int `yaml:"default_char_budget"`
}

// MirrorConfig holds mirror exporter settings.
type MirrorConfig struct {
	// Enabled toggles the export step after each cycle.
	Enabled bool `yaml:"enabled"`
	// Root is the mirror directory.
	Root string `yaml:"root"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	// Level is one of debug, info, warn, error.
	Level string `yaml:"level"`
}

// LoadDefaults returns the built-in defaults.
func LoadDefaults() *Config {
	return &Config{
		Store: StoreConfig{
			DataDir: "./data",
		},
		NLP: NLPConfig{
			Provider:    "heuristic",
			OllamaHost:  "http://localhost:11434",
			OllamaModel: "llama3.2",
			IdleWindow:  5 * time.Minute,
		},
		Dreamer: DreamerConfig{
			Schedule:       "@every 1h",
			EpisodeGap:     30 * time.Minute,
			EpisodeMinSize: 3,
			EpisodeWindow:  1024,
			BatchSize:      256,
		},
		Tags: TagsConfig{
			ConfidenceThreshold: 0.55,
			SampleSize:          32,
			MinSupport:          0.6,
		},
		Search: SearchConfig{
			WalkerSeeds:       5,
			WalkerMaxHops:     2,
			WalkerMaxResults:  25,
			DefaultCharBudget: 8000,
		},
		Mirror: MirrorConfig{
			Enabled: true,
			Root:    "./mirror",
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// LoadFromEnv returns the defaults overridden by MUNINN_* environment
// variables.
func LoadFromEnv() *Config {
	config := LoadDefaults()
	applyEnvVars(config)
	return config
}

// LoadFromFile loads YAML config from the given path, then applies
// environment overrides. An empty path skips the file and is not an error.
func LoadFromFile(configPath string) (*Config, error) {
	config := LoadDefaults()
	if configPath != "" {
		data, err := os.ReadFile(configPath)
		if err != nil {
			return nil, fmt.Errorf("config: read %s: %w", configPath, err)
		}
		if err := yaml.Unmarshal(data, config); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", configPath, err)
		}
	}
	applyEnvVars(config)
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

// FindConfigFile looks for muninn.yaml in the working directory, then
// $HOME/.muninn/. Returns "" when none exists.
func FindConfigFile() string {
	candidates := []string{"muninn.yaml", "muninn.yml"}
	if home, err := os.UserHomeDir(); err == nil {
		candidates = append(candidates,
			filepath.Join(home, ".muninn", "muninn.yaml"),
			filepath.Join(home, ".muninn", "muninn.yml"))
	}
	for _, candidate := range candidates {
		if _, err := os.Stat(candidate); err == nil {
			return candidate
		}
	}
	return ""
}

// Validate checks cross-field constraints.
func (c *Config) Validate() error {
	switch c.NLP.Provider {
	case "heuristic", "ollama":
	default:
		return fmt.Errorf("config: unknown nlp provider %q", c.NLP.Provider)
	}
	if !c.Store.InMemory && c.Store.DataDir == "" {
		return fmt.Errorf("config: data_dir required unless in_memory")
	}
	if c.Dreamer.EpisodeGap <= 0 {
		return fmt.Errorf("config: episode_gap must be positive")
	}
	if c.Dreamer.EpisodeMinSize < 2 {
		return fmt.Errorf("config: episode_min_size must be at least 2")
	}
	if c.Tags.ConfidenceThreshold < 0 || c.Tags.ConfidenceThreshold > 1 {
		return fmt.Errorf("config: confidence_threshold must be in [0, 1]")
	}
	if c.Tags.MinSupport <= 0 || c.Tags.MinSupport > 1 {
		return fmt.Errorf("config: min_support must be in (0, 1]")
	}
	switch strings.ToLower(c.Logging.Level) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("config: unknown log level %q", c.Logging.Level)
	}
	return nil
}

func applyEnvVars(config *Config) {
	config.Store.DataDir = getEnv("MUNINN_DATA_DIR", config.Store.DataDir)
	config.Store.InMemory = getEnvBool("MUNINN_IN_MEMORY", config.Store.InMemory)
	config.Store.SyncWrites = getEnvBool("MUNINN_SYNC_WRITES", config.Store.SyncWrites)

	config.NLP.Provider = getEnv("MUNINN_NLP_PROVIDER", config.NLP.Provider)
	config.NLP.OllamaHost = getEnv("MUNINN_OLLAMA_HOST", config.NLP.OllamaHost)
	config.NLP.OllamaModel = getEnv("MUNINN_OLLAMA_MODEL", config.NLP.OllamaModel)
	config.NLP.OllamaEmbedModel = getEnv("MUNINN_OLLAMA_EMBED_MODEL", config.NLP.OllamaEmbedModel)
	config.NLP.IdleWindow = getEnvDuration("MUNINN_IDLE_WINDOW", config.NLP.IdleWindow)

	config.Dreamer.Schedule = getEnv("MUNINN_DREAM_SCHEDULE", config.Dreamer.Schedule)
	config.Dreamer.EpisodeGap = getEnvDuration("MUNINN_EPISODE_GAP", config.Dreamer.EpisodeGap)
	config.Dreamer.EpisodeMinSize = getEnvInt("MUNINN_EPISODE_MIN_SIZE", config.Dreamer.EpisodeMinSize)
	config.Dreamer.EpisodeWindow = getEnvInt("MUNINN_EPISODE_WINDOW", config.Dreamer.EpisodeWindow)
	config.Dreamer.BatchSize = getEnvInt("MUNINN_BATCH_SIZE", config.Dreamer.BatchSize)

	config.Tags.ConfidenceThreshold = getEnvFloat("MUNINN_CONFIDENCE_THRESHOLD", config.Tags.ConfidenceThreshold)
	config.Tags.SampleSize = getEnvInt("MUNINN_SAMPLE_SIZE", config.Tags.SampleSize)
	config.Tags.MinSupport = getEnvFloat("MUNINN_MIN_SUPPORT", config.Tags.MinSupport)

	config.Search.WalkerSeeds = getEnvInt("MUNINN_WALKER_SEEDS", config.Search.WalkerSeeds)
	config.Search.WalkerMaxHops = getEnvInt("MUNINN_WALKER_MAX_HOPS", config.Search.WalkerMaxHops)
	config.Search.WalkerMaxResults = getEnvInt("MUNINN_WALKER_MAX_RESULTS", config.Search.WalkerMaxResults)
	config.Search.DefaultCharBudget = getEnvInt("MUNINN_DEFAULT_CHAR_BUDGET", config.Search.DefaultCharBudget)

	config.Mirror.Enabled = getEnvBool("MUNINN_MIRROR_ENABLED", config.Mirror.Enabled)
	config.Mirror.Root = getEnv("MUNINN_MIRROR_ROOT", config.Mirror.Root)

	config.Logging.Level = getEnv("MUNINN_LOG_LEVEL", config.Logging.Level)
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			return i
		}
	}
	return defaultVal
}

func getEnvFloat(key string, defaultVal float64) float64 {
	if val := os.Getenv(key); val != "" {
		if f, err := strconv.ParseFloat(val, 64); err == nil {
			return f
		}
	}
	return defaultVal
}

func getEnvBool(key string, defaultVal bool) bool {
	if val := os.Getenv(key); val != "" {
		val = strings.ToLower(val)
		return val == "true" || val == "1" || val == "yes" || val == "on"
	}
	return defaultVal
}

func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	if val := os.Getenv(key); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			return d
		}
		// Bare integers are taken as seconds.
		if secs, err := strconv.Atoi(val); err == nil {
			return time.Duration(secs) * time.Second
		}
	}
	return defaultVal
}

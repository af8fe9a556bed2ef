// Package config loads the briefing engine's configuration from
// environment variables (via viper, with .env support through godotenv),
// the way the teacher project's config layer does, refocused onto this
// project's own sections: server, persistence, retrieval, clustering,
// research, and the LLM/search provider credentials.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config holds all application configuration.
type Config struct {
	App         App         `mapstructure:"app"`
	Server      Server      `mapstructure:"server"`
	Gemini      Gemini      `mapstructure:"gemini"`
	Search      Search      `mapstructure:"search"`
	Retrieval   Retrieval   `mapstructure:"retrieval"`
	Extract     Extract     `mapstructure:"extract"`
	Clustering  Clustering  `mapstructure:"clustering"`
	Research    Research    `mapstructure:"research"`
	Persistence Persistence `mapstructure:"persistence"`
	Logging     Logging     `mapstructure:"logging"`
	Metrics     Metrics     `mapstructure:"metrics"`
}

// App holds general application configuration.
type App struct {
	RecencyHours int    `mapstructure:"recency_hours"`
	RawDataRoot  string `mapstructure:"raw_data_root"`
}

// Server holds HTTP server configuration.
type Server struct {
	Port                int           `mapstructure:"port"`
	ReadTimeout         time.Duration `mapstructure:"read_timeout"`
	WriteTimeout        time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout     time.Duration `mapstructure:"shutdown_timeout"`
	HeartbeatIntervalMs int           `mapstructure:"heartbeat_interval_ms"`
	CORS                CORSConfig    `mapstructure:"cors"`
}

// CORSConfig holds CORS configuration for the /api surface.
type CORSConfig struct {
	AllowedOrigins []string `mapstructure:"allowed_origins"`
}

// Gemini holds the Rate-Limited LLM Gate's default credentials, overridable
// per-request by the X-Gemini-* headers.
type Gemini struct {
	APIKey            string `mapstructure:"api_key"`
	RequestsPerMinute int    `mapstructure:"requests_per_minute"`
}

// Search holds default credentials for each connector, overridable
// per-request by the X-* headers.
type Search struct {
	GoogleCSE     GoogleCSEConfig     `mapstructure:"google_cse"`
	NewsAPI       NewsAPIConfig       `mapstructure:"newsapi"`
	EventRegistry EventRegistryConfig `mapstructure:"event_registry"`
	GoogleNewsRSS bool                `mapstructure:"google_news_rss_enabled"`
}

type GoogleCSEConfig struct {
	APIKey string `mapstructure:"api_key"`
	CX     string `mapstructure:"cx"`
}

type NewsAPIConfig struct {
	APIKey string `mapstructure:"api_key"`
}

type EventRegistryConfig struct {
	APIKey string `mapstructure:"api_key"`
}

// Retrieval mirrors internal/retrieval.Config's knobs (config.retrieval.*
// in the spec's own naming).
type Retrieval struct {
	GlobalConcurrency  int `mapstructure:"global_concurrency"`
	PerHostConcurrency int `mapstructure:"per_host_concurrency"`
	MinAccepted        int `mapstructure:"min_accepted"`
	MaxAttempts        int `mapstructure:"max_attempts"`
	MaxCandidates      int `mapstructure:"max_candidates"`
	TotalBudgetMs      int `mapstructure:"total_budget_ms"`
}

// Extract mirrors internal/extract.Stage's two pattern lists: the
// promotional phrases its quality filter counts against maxPromoHits, and
// the host substrings its banned-host gate rejects outright. Both are
// config, not hardcoded, so a deployment can tighten or loosen either list
// without a code change.
type Extract struct {
	PromotionalPhrases []string `mapstructure:"promotional_phrases"`
	BannedHosts        []string `mapstructure:"banned_hosts"`
}

// Clustering mirrors internal/clustering.Config's two thresholds
// (config.clustering.* in the spec's own naming).
type Clustering struct {
	ClusterThreshold float64 `mapstructure:"cluster_threshold"`
	AttachThreshold  float64 `mapstructure:"attach_threshold"`
}

// Research mirrors internal/research.Config's knobs for the tightened
// per-point mini-retrieval (C8).
type Research struct {
	GlobalConcurrency int `mapstructure:"global_concurrency"`
	MinAccepted       int `mapstructure:"min_accepted"`
	MaxAttempts       int `mapstructure:"max_attempts"`
	SinceHours        int `mapstructure:"since_hours"`
	PoolLimit         int `mapstructure:"pool_limit"`
}

// Persistence selects the artifact-store backend and its directories.
type Persistence struct {
	Mode          string `mapstructure:"mode"` // "fs" or "none"
	OutputsDir    string `mapstructure:"outputs_dir"`
	NormalizedDir string `mapstructure:"normalized_dir"`
}

// Logging holds the slog level.
type Logging struct {
	Level string `mapstructure:"level"` // debug, info, warn, error
}

// Metrics toggles the in-process metrics surface.
type Metrics struct {
	Enabled bool `mapstructure:"enabled"`
}

var globalConfig *Config

// Load reads configuration from environment variables (and a .env file if
// present), applies defaults, and returns the singleton Config.
func Load(configFile string) (*Config, error) {
	if globalConfig != nil {
		return globalConfig, nil
	}

	if _, err := os.Stat(".env"); err == nil {
		if err := godotenv.Load(".env"); err != nil {
			fmt.Printf("warning: error loading .env file: %v\n", err)
		}
	}

	if configFile != "" {
		viper.SetConfigFile(configFile)
	} else {
		viper.AddConfigPath(".")
		viper.SetConfigName(".briefing-engine")
		viper.SetConfigType("yaml")
	}

	setDefaults()
	bindEnvironmentVariables()

	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	config := &Config{}
	if err := viper.Unmarshal(config); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	config.Gemini.RequestsPerMinute = clampRPM(config.Gemini.RequestsPerMinute)

	globalConfig = config
	return config, nil
}

// clampRPM enforces the spec's "requestsPerMinute is always clamped to
// [1,10] regardless of source" rule.
func clampRPM(rpm int) int {
	if rpm < 1 {
		return 1
	}
	if rpm > 10 {
		return 10
	}
	return rpm
}

// PublicConfig is the secret-free view of Config returned by GET /config:
// tunable knobs plus which search connectors are enabled, never credentials.
type PublicConfig struct {
	RecencyHoursDefault int             `json:"recencyHoursDefault"`
	Retrieval           Retrieval       `json:"retrieval"`
	Clustering          Clustering      `json:"clustering"`
	Research            Research        `json:"research"`
	RequestsPerMinute   int             `json:"requestsPerMinute"`
	PersistenceMode     string          `json:"persistenceMode"`
	LogLevel            string          `json:"logLevel"`
	MetricsEnabled      bool            `json:"metricsEnabled"`
	ConnectorsEnabled   map[string]bool `json:"connectorsEnabled"`
}

// Public returns c's secret-free view: every tunable knob plus which search
// connectors have credentials configured, with no API keys.
func (c *Config) Public() PublicConfig {
	return PublicConfig{
		RecencyHoursDefault: c.App.RecencyHours,
		Retrieval:           c.Retrieval,
		Clustering:          c.Clustering,
		Research:            c.Research,
		RequestsPerMinute:   c.Gemini.RequestsPerMinute,
		PersistenceMode:     c.Persistence.Mode,
		LogLevel:            c.Logging.Level,
		MetricsEnabled:      c.Metrics.Enabled,
		ConnectorsEnabled: map[string]bool{
			"googleCSE":     c.Search.GoogleCSE.APIKey != "" && c.Search.GoogleCSE.CX != "",
			"newsapi":       c.Search.NewsAPI.APIKey != "",
			"eventregistry": c.Search.EventRegistry.APIKey != "",
			"googlenews":    c.Search.GoogleNewsRSS,
		},
	}
}

// Get returns the global configuration, loading it with defaults if it has
// not been loaded yet.
func Get() *Config {
	if globalConfig == nil {
		config, err := Load("")
		if err != nil {
			panic(fmt.Sprintf("failed to load configuration: %v", err))
		}
		return config
	}
	return globalConfig
}

func setDefaults() {
	viper.SetDefault("app.recency_hours", 24)
	viper.SetDefault("app.raw_data_root", ".briefing-engine-data")

	viper.SetDefault("server.port", 8080)
	viper.SetDefault("server.read_timeout", "15s")
	viper.SetDefault("server.write_timeout", "0s") // unbounded: SSE responses stream indefinitely
	viper.SetDefault("server.shutdown_timeout", "10s")
	viper.SetDefault("server.heartbeat_interval_ms", 15000)
	viper.SetDefault("server.cors.allowed_origins", []string{"*"})

	viper.SetDefault("gemini.requests_per_minute", 5)

	viper.SetDefault("search.google_news_rss_enabled", true)

	viper.SetDefault("retrieval.global_concurrency", 8)
	viper.SetDefault("retrieval.per_host_concurrency", 2)
	viper.SetDefault("retrieval.min_accepted", 6)
	viper.SetDefault("retrieval.max_attempts", 3)
	viper.SetDefault("retrieval.max_candidates", 40)
	viper.SetDefault("retrieval.total_budget_ms", 45000)

	viper.SetDefault("extract.promotional_phrases", []string{
		"click here to subscribe", "limited time offer", "buy now", "act now",
		"sign up today", "don't miss out", "exclusive deal", "as an amazon associate",
	})
	viper.SetDefault("extract.banned_hosts", []string{})

	viper.SetDefault("clustering.cluster_threshold", 0.35)
	viper.SetDefault("clustering.attach_threshold", 0.2)

	viper.SetDefault("research.global_concurrency", 4)
	viper.SetDefault("research.min_accepted", 2)
	viper.SetDefault("research.max_attempts", 2)
	viper.SetDefault("research.since_hours", 24)
	viper.SetDefault("research.pool_limit", 2)

	viper.SetDefault("persistence.mode", "fs")
	viper.SetDefault("persistence.outputs_dir", "outputs")
	viper.SetDefault("persistence.normalized_dir", "outputs/normalized")

	viper.SetDefault("logging.level", "info")
	viper.SetDefault("metrics.enabled", false)
}

// bindEnvironmentVariables wires the environment variables the spec names
// directly to their viper keys.
func bindEnvironmentVariables() {
	bindEnvKeys("server.port", []string{"PORT"})
	bindEnvKeys("app.recency_hours", []string{"RECENCY_HOURS"})
	bindEnvKeys("app.raw_data_root", []string{"RAW_DATA_ROOT"})

	bindEnvKeys("retrieval.global_concurrency", []string{"RETRIEVAL_GLOBAL_CONCURRENCY"})
	bindEnvKeys("retrieval.per_host_concurrency", []string{"RETRIEVAL_PER_HOST_CONCURRENCY"})
	bindEnvKeys("retrieval.min_accepted", []string{"RETRIEVAL_MIN_ACCEPTED"})
	bindEnvKeys("retrieval.max_attempts", []string{"RETRIEVAL_MAX_ATTEMPTS"})
	bindEnvKeys("retrieval.max_candidates", []string{"RETRIEVAL_MAX_CANDIDATES"})
	bindEnvKeys("retrieval.total_budget_ms", []string{"RETRIEVAL_TOTAL_BUDGET_MS"})

	bindEnvListKeys("extract.promotional_phrases", []string{"EXTRACT_PROMOTIONAL_PHRASES"})
	bindEnvListKeys("extract.banned_hosts", []string{"EXTRACT_BANNED_HOSTS"})

	bindEnvKeys("gemini.api_key", []string{"GEMINI_API_KEY"})
	bindEnvKeys("gemini.requests_per_minute", []string{"GEMINI_RPM"})

	bindEnvKeys("search.google_cse.api_key", []string{"GOOGLE_CSE_API_KEY"})
	bindEnvKeys("search.google_cse.cx", []string{"GOOGLE_CSE_CX"})
	bindEnvKeys("search.newsapi.api_key", []string{"NEWS_API_KEY"})
	bindEnvKeys("search.event_registry.api_key", []string{"EVENT_REGISTRY_API_KEY"})

	bindEnvKeys("logging.level", []string{"LOG_LEVEL"})
	bindEnvKeys("metrics.enabled", []string{"METRICS_ENABLED"})
}

func bindEnvKeys(viperKey string, envKeys []string) {
	for _, envKey := range envKeys {
		if value := os.Getenv(envKey); value != "" {
			viper.Set(viperKey, value)
			return
		}
	}
}

// bindEnvListKeys wires a comma-separated environment variable onto a
// slice-valued viper key, trimming whitespace around each element.
func bindEnvListKeys(viperKey string, envKeys []string) {
	for _, envKey := range envKeys {
		if value := os.Getenv(envKey); value != "" {
			parts := strings.Split(value, ",")
			for i := range parts {
				parts[i] = strings.TrimSpace(parts[i])
			}
			viper.Set(viperKey, parts)
			return
		}
	}
}

// Reset clears the global configuration singleton. Used by tests.
func Reset() {
	globalConfig = nil
	viper.Reset()
}

package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config contains all runtime settings for the delegator service.
type Config struct {
	BindAddr         string
	ShutdownTimeout  time.Duration
	MetricsNamespace string
	AllowAnyOrigin   bool

	LogLevel  string
	LogFormat string

	DatabaseURL string
	SQLitePath  string

	ContextBudget      int
	ContextReserve     float64
	ContextMaxVerbatim int

	StepTimeout     time.Duration
	StepMaxAttempts int
	StepRetryBase   time.Duration
	StepRetryCap    time.Duration
	TurnDeadline    time.Duration
	LockWait        time.Duration

	CompactionSchedule string

	CataloguePath  string
	CatalogueWatch bool

	RouterClassifier string
	AlwaysRunTags    []string

	ReasoningMode    string
	ReasoningHTTPURL string
	AnthropicAPIKey  string
	AnthropicModel   string
	ReasoningPersona string

	Geocoder     string
	NominatimURL string
	OpenMeteoURL string

	RoomTablePath string

	TelegramToken        string
	TelegramAllowFrom    []string
	TelegramGroupBatches bool
}

const (
	ClassifierRules     = "rules"
	ClassifierReasoning = "reasoning"

	GeocoderGazetteer = "gazetteer"
	GeocoderNominatim = "nominatim"
)

// Load reads environment variables and applies safe defaults.
func Load() (Config, error) {
	cfg := Config{
		BindAddr:             envOrDefault("APP_BIND_ADDR", ":8080"),
		MetricsNamespace:     envOrDefault("APP_METRICS_NAMESPACE", "delegator"),
		LogLevel:             strings.ToLower(envOrDefault("LOG_LEVEL", "info")),
		LogFormat:            strings.ToLower(envOrDefault("LOG_FORMAT", "json")),
		DatabaseURL:          stringsTrimSpace("DATABASE_URL"),
		SQLitePath:           stringsTrimSpace("SQLITE_PATH"),
		CataloguePath:        stringsTrimSpace("CATALOGUE_PATH"),
		RouterClassifier:     strings.ToLower(envOrDefault("ROUTER_CLASSIFIER", ClassifierRules)),
		ReasoningMode:        strings.ToLower(envOrDefault("REASONING_MODE", "auto")),
		ReasoningHTTPURL:     stringsTrimSpace("REASONING_HTTP_URL"),
		AnthropicAPIKey:      stringsTrimSpace("ANTHROPIC_API_KEY"),
		AnthropicModel:       envOrDefault("ANTHROPIC_MODEL", "claude-sonnet-4-20250514"),
		ReasoningPersona:     stringsTrimSpace("REASONING_PERSONA"),
		Geocoder:             strings.ToLower(envOrDefault("GEOCODER", GeocoderGazetteer)),
		NominatimURL:         envOrDefault("NOMINATIM_URL", "https://nominatim.openstreetmap.org"),
		OpenMeteoURL:         envOrDefault("OPEN_METEO_URL", "https://api.open-meteo.com/v1/forecast"),
		RoomTablePath:        stringsTrimSpace("ROOM_TABLE_PATH"),
		TelegramToken:        stringsTrimSpace("TELEGRAM_TOKEN"),
		TelegramAllowFrom:    listFromEnv("TELEGRAM_ALLOW_FROM"),
		ShutdownTimeout:      15 * time.Second,
		ContextBudget:        2048,
		ContextReserve:       0.25,
		StepTimeout:          20 * time.Second,
		StepMaxAttempts:      2,
		StepRetryBase:        200 * time.Millisecond,
		StepRetryCap:         2 * time.Second,
		TurnDeadline:         60 * time.Second,
		LockWait:             30 * time.Second,
		CompactionSchedule:   "@every 10m",
		CatalogueWatch:       true,
		AlwaysRunTags:        listFromEnv("ROUTER_ALWAYS_RUN"),
		TelegramGroupBatches: true,
	}
	if v, ok := os.LookupEnv("COMPACTION_SCHEDULE"); ok {
		cfg.CompactionSchedule = trimSpace(v)
	}

	var err error
	cfg.ShutdownTimeout, err = durationFromEnv("APP_SHUTDOWN_TIMEOUT", cfg.ShutdownTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.AllowAnyOrigin, err = boolFromEnv("APP_ALLOW_ANY_ORIGIN", cfg.AllowAnyOrigin)
	if err != nil {
		return Config{}, err
	}
	cfg.ContextBudget, err = intFromEnv("CONTEXT_BUDGET", cfg.ContextBudget)
	if err != nil {
		return Config{}, err
	}
	cfg.ContextReserve, err = floatFromEnv("CONTEXT_RESERVE", cfg.ContextReserve)
	if err != nil {
		return Config{}, err
	}
	cfg.ContextMaxVerbatim, err = intFromEnv("CONTEXT_MAX_VERBATIM", cfg.ContextMaxVerbatim)
	if err != nil {
		return Config{}, err
	}
	cfg.StepTimeout, err = durationFromEnv("STEP_TIMEOUT", cfg.StepTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.StepMaxAttempts, err = intFromEnv("STEP_MAX_ATTEMPTS", cfg.StepMaxAttempts)
	if err != nil {
		return Config{}, err
	}
	cfg.StepRetryBase, err = durationFromEnv("STEP_RETRY_BASE", cfg.StepRetryBase)
	if err != nil {
		return Config{}, err
	}
	cfg.StepRetryCap, err = durationFromEnv("STEP_RETRY_CAP", cfg.StepRetryCap)
	if err != nil {
		return Config{}, err
	}
	cfg.TurnDeadline, err = durationFromEnv("TURN_DEADLINE", cfg.TurnDeadline)
	if err != nil {
		return Config{}, err
	}
	cfg.LockWait, err = durationFromEnv("LOCK_WAIT", cfg.LockWait)
	if err != nil {
		return Config{}, err
	}
	cfg.CatalogueWatch, err = boolFromEnv("CATALOGUE_WATCH", cfg.CatalogueWatch)
	if err != nil {
		return Config{}, err
	}
	cfg.TelegramGroupBatches, err = boolFromEnv("TELEGRAM_GROUP_BATCHES", cfg.TelegramGroupBatches)
	if err != nil {
		return Config{}, err
	}

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	if c.ShutdownTimeout <= 0 {
		return fmt.Errorf("APP_SHUTDOWN_TIMEOUT must be positive")
	}
	switch c.LogFormat {
	case "json", "console":
	default:
		return fmt.Errorf("LOG_FORMAT must be json or console")
	}
	if c.ContextBudget <= 0 {
		return fmt.Errorf("CONTEXT_BUDGET must be positive")
	}
	if c.ContextReserve < 0 || c.ContextReserve >= 1 {
		return fmt.Errorf("CONTEXT_RESERVE must be in [0,1)")
	}
	if c.ContextMaxVerbatim < 0 {
		return fmt.Errorf("CONTEXT_MAX_VERBATIM must be >= 0")
	}
	if c.StepTimeout <= 0 {
		return fmt.Errorf("STEP_TIMEOUT must be positive")
	}
	if c.StepMaxAttempts <= 0 {
		return fmt.Errorf("STEP_MAX_ATTEMPTS must be positive")
	}
	if c.StepRetryBase <= 0 || c.StepRetryCap < c.StepRetryBase {
		return fmt.Errorf("STEP_RETRY_BASE must be positive and not above STEP_RETRY_CAP")
	}
	if c.TurnDeadline < time.Second {
		return fmt.Errorf("TURN_DEADLINE must be at least 1s")
	}
	if c.LockWait <= 0 {
		return fmt.Errorf("LOCK_WAIT must be positive")
	}
	switch c.RouterClassifier {
	case ClassifierRules, ClassifierReasoning:
	default:
		return fmt.Errorf("ROUTER_CLASSIFIER must be %s or %s", ClassifierRules, ClassifierReasoning)
	}
	switch c.ReasoningMode {
	case "auto", "http", "anthropic", "mock":
	default:
		return fmt.Errorf("REASONING_MODE %q is not supported", c.ReasoningMode)
	}
	switch c.Geocoder {
	case GeocoderGazetteer, GeocoderNominatim:
	default:
		return fmt.Errorf("GEOCODER must be %s or %s", GeocoderGazetteer, GeocoderNominatim)
	}
	return nil
}

func envOrDefault(key, fallback string) string {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback
	}
	return v
}

func stringsTrimSpace(key string) string {
	return trimSpace(os.Getenv(key))
}

func trimSpace(v string) string {
	return strings.TrimSpace(v)
}

func listFromEnv(key string) []string {
	v := stringsTrimSpace(key)
	if v == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func durationFromEnv(key string, fallback time.Duration) (time.Duration, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return d, nil
}

func intFromEnv(key string, fallback int) (int, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return n, nil
}

func floatFromEnv(key string, fallback float64) (float64, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return f, nil
}

func boolFromEnv(key string, fallback bool) (bool, error) {
	v := strings.ToLower(stringsTrimSpace(key))
	if v == "" {
		return fallback, nil
	}
	switch v {
	case "1", "true", "t", "yes", "y", "on":
		return true, nil
	case "0", "false", "f", "no", "n", "off":
		return false, nil
	default:
		return false, fmt.Errorf("%s parse error: expected bool", key)
	}
}

// Package config loads engine configuration from defaults, an optional
// yaml file, and environment variable overrides, in that order.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultPath is the config file probed when none is given.
const DefaultPath = "odyssey.yaml"

// Config holds all engine settings.
type Config struct {
	GeminiAPIKey string `yaml:"gemini_api_key"`
	GeminiModel  string `yaml:"gemini_model"`

	ConfidenceThreshold   float64       `yaml:"confidence_threshold"`
	MaxScrapingDepth      int           `yaml:"max_scraping_depth"`
	MaxSearchResults      int           `yaml:"max_search_results"`
	MaxFollowUpQuestions  int           `yaml:"max_follow_up_questions"`
	MaxConcurrentRequests int           `yaml:"max_concurrent_requests"`
	RequestTimeout        time.Duration `yaml:"request_timeout"`

	SessionStoragePath string `yaml:"session_storage_path"`
	ReportsOutputPath  string `yaml:"reports_output_path"`

	DefaultReportTone        string `yaml:"default_report_tone"`
	IncludeConfidenceScores  bool   `yaml:"include_confidence_scores"`
	IncludeSourceReliability bool   `yaml:"include_source_reliability"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		GeminiModel:              "gemini-3-flash-preview",
		ConfidenceThreshold:      75,
		MaxScrapingDepth:         3,
		MaxSearchResults:         10,
		MaxFollowUpQuestions:     5,
		MaxConcurrentRequests:    5,
		RequestTimeout:           30 * time.Second,
		SessionStoragePath:       "data/sessions.db",
		ReportsOutputPath:        "reports",
		DefaultReportTone:        "formal_accessible",
		IncludeConfidenceScores:  true,
		IncludeSourceReliability: true,
	}
}

// Load builds the configuration: defaults, then the yaml file if it
// exists, then environment overrides. A missing file is not an error.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path == "" {
		path = DefaultPath
	}
	data, err := os.ReadFile(path)
	switch {
	case os.IsNotExist(err):
		// Defaults plus env only.
	case err != nil:
		return nil, fmt.Errorf("read config %s: %w", path, err)
	default:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	cfg.applyEnvOverrides()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("GEMINI_API_KEY"); v != "" {
		c.GeminiAPIKey = v
	}
	if v := os.Getenv("GEMINI_MODEL"); v != "" {
		c.GeminiModel = v
	}
	if v, ok := envFloat("CONFIDENCE_THRESHOLD"); ok {
		c.ConfidenceThreshold = v
	}
	if v, ok := envInt("MAX_SCRAPING_DEPTH"); ok {
		c.MaxScrapingDepth = v
	}
	if v, ok := envInt("MAX_SEARCH_RESULTS"); ok {
		c.MaxSearchResults = v
	}
	if v, ok := envInt("MAX_FOLLOW_UP_QUESTIONS"); ok {
		c.MaxFollowUpQuestions = v
	}
	if v, ok := envInt("MAX_CONCURRENT_REQUESTS"); ok {
		c.MaxConcurrentRequests = v
	}
	if v, ok := envDuration("REQUEST_TIMEOUT"); ok {
		c.RequestTimeout = v
	}
	if v := os.Getenv("SESSION_STORAGE_PATH"); v != "" {
		c.SessionStoragePath = v
	}
	if v := os.Getenv("REPORTS_OUTPUT_PATH"); v != "" {
		c.ReportsOutputPath = v
	}
	if v := os.Getenv("DEFAULT_REPORT_TONE"); v != "" {
		c.DefaultReportTone = v
	}
	if v, ok := envBool("INCLUDE_CONFIDENCE_SCORES"); ok {
		c.IncludeConfidenceScores = v
	}
	if v, ok := envBool("INCLUDE_SOURCE_RELIABILITY"); ok {
		c.IncludeSourceReliability = v
	}
}

// Validate checks ranges. The API key is checked at run time, not here,
// so read-only commands work without one.
func (c *Config) Validate() error {
	if c.ConfidenceThreshold < 0 || c.ConfidenceThreshold > 100 {
		return fmt.Errorf("confidence_threshold must be in [0,100], got %v", c.ConfidenceThreshold)
	}
	if c.MaxScrapingDepth < 1 {
		return fmt.Errorf("max_scraping_depth must be at least 1, got %d", c.MaxScrapingDepth)
	}
	if c.MaxSearchResults < 1 {
		return fmt.Errorf("max_search_results must be at least 1, got %d", c.MaxSearchResults)
	}
	if c.MaxFollowUpQuestions < 1 {
		return fmt.Errorf("max_follow_up_questions must be at least 1, got %d", c.MaxFollowUpQuestions)
	}
	if c.MaxConcurrentRequests < 1 {
		return fmt.Errorf("max_concurrent_requests must be at least 1, got %d", c.MaxConcurrentRequests)
	}
	if c.RequestTimeout <= 0 {
		return fmt.Errorf("request_timeout must be positive, got %v", c.RequestTimeout)
	}
	return nil
}

func envInt(key string) (int, bool) {
	v := os.Getenv(key)
	if v == "" {
		return 0, false
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, false
	}
	return n, true
}

func envFloat(key string) (float64, bool) {
	v := os.Getenv(key)
	if v == "" {
		return 0, false
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, false
	}
	return f, true
}

func envBool(key string) (bool, bool) {
	v := os.Getenv(key)
	if v == "" {
		return false, false
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, false
	}
	return b, true
}

// envDuration accepts Go duration syntax, with a bare integer read as
// seconds.
func envDuration(key string) (time.Duration, bool) {
	v := os.Getenv(key)
	if v == "" {
		return 0, false
	}
	if d, err := time.ParseDuration(v); err == nil {
		return d, true
	}
	if n, err := strconv.Atoi(v); err == nil {
		return time.Duration(n) * time.Second, true
	}
	return 0, false
}

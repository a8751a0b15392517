// Package config assembles the run configuration from three layers:
// defaults, the local sources.yaml file naming external endpoints, and
// environment variables for secrets and operational knobs. A fourth layer,
// the remote (key,value) settings sheet, is merged in via ApplySheet once
// loaded. The resulting Config is constructed once in main and passed by
// parameter; nothing reads it ambiently.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Sources names the external tabular and feed endpoints. Each CSV source may
// be an http(s) URL or a local path.
type Sources struct {
	ConfigCSV    string `yaml:"config_csv"`
	TopicsCSV    string `yaml:"topics_csv"`
	KeywordsCSV  string `yaml:"keywords_csv"`
	OverridesCSV string `yaml:"overrides_csv"`
	NewsBaseURL  string `yaml:"news_base_url"`
}

type Config struct {
	Sources Sources

	// Scoring
	TrendWeight     int
	TopicWeight     int
	KeywordWeight   int
	MinArticleScore float64
	DemoteFactor    float64

	// Relevance shaping
	RecentWindow      time.Duration // articles newer than this get the recency multiplier
	RecencyMultiplier float64
	LongTitleWords    int     // word count past which the length bonus ramps up
	LongTitleBonus    float64 // cap on the long-title bonus fraction
	ShortTitleWords   int     // titles under this many words get the penalty
	ShortTitlePenalty float64

	// Selection
	MaxTopics             int
	MaxArticlesPerTopic   int
	MaxArticlesPerFetch   int
	MaxArticleAge         time.Duration
	DedupeThreshold       float64
	MatchThreshold        float64 // history token-overlap threshold
	TrendOverlapThreshold float64
	WindowJitter          int // max randomized offset into the ranked list
	WindowSize            int // size of the randomized slice

	// History ledger
	HistoryFilePath    string
	HistoryMaxPerTopic int
	HistoryRetention   time.Duration

	// Oracle
	GeminiAPIKey      string
	OracleModel       string
	OracleEnabled     bool
	MaxOracleRequests int

	// Email
	SMTPHost     string
	SMTPPort     int
	SMTPUser     string
	SMTPPassword string
	EmailFrom    string
	EmailTo      string
	EmailBcc     []string

	// App
	LockFilePath      string
	SummariesFilePath string
	RequestTimeout    time.Duration
	RetryAttempts     int
	RetryDelay        time.Duration
	Timezone          *time.Location
	Debug             bool
}

// Load builds the Config from defaults, the sources file, and the
// environment. The remote settings sheet is applied later by the caller via
// ApplySheet, after it has a Source to fetch it with.
func Load(sourcesPath string) (*Config, error) {
	cfg := &Config{
		TrendWeight:       3,
		TopicWeight:       2,
		KeywordWeight:     1,
		MinArticleScore:   1,
		DemoteFactor:      0.5,
		RecentWindow:      6 * time.Hour,
		RecencyMultiplier: 5,
		LongTitleWords:    10,
		LongTitleBonus:    0.30,
		ShortTitleWords:   6,
		ShortTitlePenalty: 0.7,

		MaxTopics:             7,
		MaxArticlesPerTopic:   1,
		MaxArticlesPerFetch:   10,
		MaxArticleAge:         6 * time.Hour,
		DedupeThreshold:       0.7,
		MatchThreshold:        0.4,
		TrendOverlapThreshold: 0.5,
		WindowJitter:          3,
		WindowSize:            5,

		HistoryFilePath:    "history.json",
		HistoryMaxPerTopic: 40,
		HistoryRetention:   30 * 24 * time.Hour,

		OracleModel:       "gemini-2.0-flash-lite",
		OracleEnabled:     true,
		MaxOracleRequests: 3,

		SMTPHost: "smtp.gmail.com",
		SMTPPort: 587,

		LockFilePath:      "newsdigest.lock",
		SummariesFilePath: "summaries.json",
		RequestTimeout:    30 * time.Second,
		RetryAttempts:     3,
		RetryDelay:        5 * time.Second,
		Timezone:          mustZone("America/New_York"),
	}

	if err := cfg.loadSources(sourcesPath); err != nil {
		return nil, err
	}
	cfg.loadEnv()

	return cfg, cfg.Validate()
}

func (c *Config) loadSources(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open sources config: %w", err)
	}
	defer f.Close()

	dec := yaml.NewDecoder(f)
	if err := dec.Decode(&c.Sources); err != nil {
		return fmt.Errorf("parse sources config: %w", err)
	}
	if c.Sources.NewsBaseURL == "" {
		c.Sources.NewsBaseURL = "https://news.google.com/rss"
	}
	return nil
}

func (c *Config) loadEnv() {
	c.GeminiAPIKey = os.Getenv("GEMINI_API_KEY")
	c.SMTPUser = os.Getenv("SMTP_USER")
	c.SMTPPassword = os.Getenv("SMTP_PASSWORD")
	c.SMTPHost = getEnvOrDefault("SMTP_HOST", c.SMTPHost)
	c.SMTPPort = getEnvIntOrDefault("SMTP_PORT", c.SMTPPort)

	c.EmailFrom = getEnvOrDefault("EMAIL_FROM", c.SMTPUser)
	c.EmailTo = getEnvOrDefault("EMAIL_TO", c.EmailFrom)
	if bcc := os.Getenv("EMAIL_BCC"); bcc != "" {
		for _, addr := range strings.Split(bcc, ",") {
			if addr = strings.TrimSpace(addr); addr != "" {
				c.EmailBcc = append(c.EmailBcc, addr)
			}
		}
	}

	c.HistoryFilePath = getEnvOrDefault("HISTORY_FILE_PATH", c.HistoryFilePath)
	c.SummariesFilePath = getEnvOrDefault("SUMMARIES_FILE_PATH", c.SummariesFilePath)
	c.LockFilePath = getEnvOrDefault("LOCK_FILE_PATH", c.LockFilePath)

	if v := os.Getenv("ORACLE_ENABLED"); v != "" {
		c.OracleEnabled = v == "true"
	}
	c.MaxOracleRequests = getEnvIntOrDefault("MAX_ORACLE_REQUESTS", c.MaxOracleRequests)
	c.RetryAttempts = getEnvIntOrDefault("RETRY_ATTEMPTS", c.RetryAttempts)

	if os.Getenv("DEBUG") == "true" {
		c.Debug = true
	}
}

// ApplySheet merges the remote (key,value) settings sheet. Unknown keys are
// ignored so the sheet can carry settings for other tools; invalid values
// keep the current default with a warning.
func (c *Config) ApplySheet(values map[string]string) {
	setInt := func(key string, dst *int) {
		if raw, ok := values[key]; ok {
			if v, err := strconv.Atoi(raw); err == nil {
				*dst = v
			} else {
				slog.Warn("ignoring invalid sheet setting", "key", key, "value", raw)
			}
		}
	}
	setFloat := func(key string, dst *float64) {
		if raw, ok := values[key]; ok {
			if v, err := strconv.ParseFloat(raw, 64); err == nil {
				*dst = v
			} else {
				slog.Warn("ignoring invalid sheet setting", "key", key, "value", raw)
			}
		}
	}

	setInt("TREND_WEIGHT", &c.TrendWeight)
	setInt("TOPIC_WEIGHT", &c.TopicWeight)
	setInt("KEYWORD_WEIGHT", &c.KeywordWeight)
	setInt("MAX_TOPICS", &c.MaxTopics)
	setInt("MAX_ARTICLES_PER_TOPIC", &c.MaxArticlesPerTopic)
	setFloat("MIN_ARTICLE_SCORE", &c.MinArticleScore)
	setFloat("DEDUPLICATION_THRESHOLD", &c.DedupeThreshold)
	setFloat("MATCH_THRESHOLD", &c.MatchThreshold)
	setFloat("DEMOTE_FACTOR", &c.DemoteFactor)
	setFloat("TREND_OVERLAP_THRESHOLD", &c.TrendOverlapThreshold)

	if raw, ok := values["MAX_ARTICLE_HOURS"]; ok {
		if v, err := strconv.Atoi(raw); err == nil && v > 0 {
			c.MaxArticleAge = time.Duration(v) * time.Hour
		} else {
			slog.Warn("ignoring invalid sheet setting", "key", "MAX_ARTICLE_HOURS", "value", raw)
		}
	}
	if raw, ok := values["RECENT_WINDOW_HOURS"]; ok {
		if v, err := strconv.Atoi(raw); err == nil && v > 0 {
			c.RecentWindow = time.Duration(v) * time.Hour
		} else {
			slog.Warn("ignoring invalid sheet setting", "key", "RECENT_WINDOW_HOURS", "value", raw)
		}
	}
	if name, ok := values["TIMEZONE"]; ok {
		if zone, err := time.LoadLocation(name); err == nil {
			c.Timezone = zone
		} else {
			slog.Warn("invalid TIMEZONE in settings sheet, keeping default", "timezone", name, "default", c.Timezone.String())
		}
	}
}

func (c *Config) Validate() error {
	if c.Sources.TopicsCSV == "" {
		return fmt.Errorf("sources config: topics_csv is required")
	}
	if c.Sources.KeywordsCSV == "" {
		return fmt.Errorf("sources config: keywords_csv is required")
	}
	if c.Sources.OverridesCSV == "" {
		return fmt.Errorf("sources config: overrides_csv is required")
	}
	if c.OracleEnabled && c.GeminiAPIKey == "" {
		return fmt.Errorf("GEMINI_API_KEY is required when the oracle is enabled")
	}
	if c.DemoteFactor <= 0 || c.DemoteFactor >= 1 {
		return fmt.Errorf("DEMOTE_FACTOR must be in (0,1), got %g", c.DemoteFactor)
	}
	if c.MaxTopics <= 0 || c.MaxArticlesPerTopic <= 0 {
		return fmt.Errorf("MAX_TOPICS and MAX_ARTICLES_PER_TOPIC must be positive")
	}
	return nil
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvIntOrDefault(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func mustZone(name string) *time.Location {
	zone, err := time.LoadLocation(name)
	if err != nil {
		return time.UTC
	}
	return zone
}

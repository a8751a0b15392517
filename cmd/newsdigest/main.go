// Command newsdigest runs one digest cycle: load preferences, fetch and
// score headlines, deduplicate, consult the ranking oracle, email the
// digest, and record what was sent. It is designed to run unattended from
// cron; all failures surface via logs.
package main

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"os"
	"time"

	"newsdigest/internal/config"
	"newsdigest/internal/digest"
	"newsdigest/internal/email"
	"newsdigest/internal/fetch"
	"newsdigest/internal/history"
	"newsdigest/internal/logger"
	"newsdigest/internal/metrics"
	"newsdigest/internal/oracle"
	"newsdigest/internal/prefs"
	"newsdigest/internal/ratelimit"
	"newsdigest/internal/retry"
	"newsdigest/internal/runlock"
	"newsdigest/internal/score"
)

func main() {
	logger.Init()

	if err := run(); err != nil {
		if errors.Is(err, runlock.ErrHeld) {
			logger.Info("another run is in progress, exiting")
			return
		}
		metrics.Global.SetError(err.Error())
		logger.Error("digest run failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	start := time.Now()
	ctx := context.Background()

	cfg, err := config.Load(sourcesPath())
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	// The lock guards all stateful work; a second invocation must exit
	// immediately without side effects.
	lock, err := runlock.Acquire(cfg.LockFilePath)
	if err != nil {
		return err
	}
	defer func() {
		if err := lock.Release(); err != nil {
			logger.Error("failed to release run lock", "error", err)
		}
	}()

	source := prefs.NewSource(cfg.RequestTimeout)

	// Remote settings sheet, when configured, overrides the local knobs.
	// A half-loaded configuration produces unpredictable digests, so a
	// configured-but-unreachable sheet is fatal.
	if cfg.Sources.ConfigCSV != "" {
		values, err := source.LoadKeyValues(ctx, cfg.Sources.ConfigCSV)
		if err != nil {
			return fmt.Errorf("load settings sheet: %w", err)
		}
		cfg.ApplySheet(values)
		if err := cfg.Validate(); err != nil {
			return fmt.Errorf("settings sheet produced invalid config: %w", err)
		}
	}

	// Preference sheets are required: no partial-config operation.
	topics, err := source.LoadWeights(ctx, cfg.Sources.TopicsCSV)
	if err != nil {
		return fmt.Errorf("load topic weights: %w", err)
	}
	keywords, err := source.LoadWeights(ctx, cfg.Sources.KeywordsCSV)
	if err != nil {
		return fmt.Errorf("load keyword weights: %w", err)
	}
	overrides, err := source.LoadOverrides(ctx, cfg.Sources.OverridesCSV)
	if err != nil {
		return fmt.Errorf("load overrides: %w", err)
	}
	logger.Info("preferences loaded", "topics", len(topics), "keywords", len(keywords), "overrides", len(overrides))

	ledger, err := history.Open(cfg.HistoryFilePath)
	if err != nil {
		return fmt.Errorf("open history ledger: %w", err)
	}

	retryCfg := retry.Config{MaxAttempts: cfg.RetryAttempts, Delay: cfg.RetryDelay, Backoff: true}
	fetcher := fetch.NewClient(cfg.Sources.NewsBaseURL, cfg.RequestTimeout, retryCfg)
	scorer := score.New(score.Params{
		KeywordWeight:     cfg.KeywordWeight,
		TopicWeight:       cfg.TopicWeight,
		TrendWeight:       cfg.TrendWeight,
		RecentWindow:      cfg.RecentWindow,
		RecencyMultiplier: cfg.RecencyMultiplier,
		DemoteFactor:      cfg.DemoteFactor,
		LongTitleWords:    cfg.LongTitleWords,
		LongTitleBonus:    cfg.LongTitleBonus,
		ShortTitleWords:   cfg.ShortTitleWords,
		ShortTitlePenalty: cfg.ShortTitlePenalty,
	}, topics, keywords, overrides)

	var orc digest.Oracle
	if cfg.OracleEnabled {
		client, err := oracle.NewClient(ctx, cfg.GeminiAPIKey, cfg.OracleModel, ratelimit.NewBudget(cfg.MaxOracleRequests))
		if err != nil {
			// The pipeline can still rank locally.
			logger.Warn("oracle unavailable, will rank locally", "error", err)
		} else {
			defer client.Close()
			orc = client
		}
	}

	preferences := prefs.BuildPreferences(topics, keywords, overrides, cfg.DemoteFactor)
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	pipeline := digest.NewPipeline(cfg, fetcher, scorer, topics, ledger, orc, preferences, rng)

	d, err := pipeline.Run(ctx)
	if err != nil {
		return fmt.Errorf("run pipeline: %w", err)
	}

	if d.Empty() {
		logger.Info("no articles met criteria, skipping email")
	} else if err := sendDigest(ctx, cfg, d, retryCfg); err != nil {
		// Recoverable: log and skip history so the stories are retried
		// next run rather than silently lost.
		logger.Error("failed to send digest email", "error", err)
	} else {
		metrics.Global.IncrementEmailsSent()
		recordDigest(ledger, d, cfg.HistoryMaxPerTopic)
	}

	ledger.Prune(cfg.HistoryRetention, time.Now())
	if err := ledger.Save(); err != nil {
		return fmt.Errorf("save history ledger: %w", err)
	}

	metrics.Global.RecordRun(start)
	logger.Info("digest run finished", "stats", metrics.Global.Stats())
	return nil
}

func sendDigest(ctx context.Context, cfg *config.Config, d *digest.Digest, retryCfg retry.Config) error {
	sender := email.NewSender(email.Config{
		Host:     cfg.SMTPHost,
		Port:     cfg.SMTPPort,
		Username: cfg.SMTPUser,
		Password: cfg.SMTPPassword,
		From:     cfg.EmailFrom,
		To:       cfg.EmailTo,
		Bcc:      cfg.EmailBcc,
	}, retryCfg)

	footer := fmt.Sprintf("Selected from articles published in the last %s based on your preferences.", cfg.MaxArticleAge)
	if d.FromOracle {
		footer = "Ranked by AI. " + footer
	}
	htmlBody, textBody := email.RenderDigest(d, cfg.Timezone, footer)
	return sender.Send(ctx, email.Subject(d.GeneratedAt, cfg.Timezone), htmlBody, textBody)
}

// recordDigest marks the sent articles in the ledger. Called only after a
// confirmed send so an email failure does not suppress the stories forever.
func recordDigest(ledger *history.Ledger, d *digest.Digest, maxPerTopic int) {
	for _, section := range d.Topics {
		for _, a := range section.Articles {
			ledger.Record(section.Topic, history.Entry{Title: a.Title, PubDate: a.Published}, maxPerTopic)
		}
	}
}

func sourcesPath() string {
	if path := os.Getenv("SOURCES_CONFIG_PATH"); path != "" {
		return path
	}
	return "configs/sources.yaml"
}

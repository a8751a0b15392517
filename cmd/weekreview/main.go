// Command weekreview emails a narrative summary of the past week's digest
// headlines. It reads the same history ledger the daily digest writes, asks
// the oracle for a week-in-review, and archives each summary to a local
// JSON file. Intended to run once a week from cron.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"newsdigest/internal/config"
	"newsdigest/internal/email"
	"newsdigest/internal/history"
	"newsdigest/internal/logger"
	"newsdigest/internal/oracle"
	"newsdigest/internal/ratelimit"
	"newsdigest/internal/retry"
)

const reviewWindow = 7 * 24 * time.Hour

type archivedSummary struct {
	Timestamp time.Time `json:"timestamp"`
	Summary   string    `json:"summary"`
}

func main() {
	logger.Init()

	if err := run(); err != nil {
		logger.Error("week in review failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	ctx := context.Background()

	cfg, err := config.Load(sourcesPath())
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if cfg.GeminiAPIKey == "" {
		return fmt.Errorf("GEMINI_API_KEY is required for the week in review")
	}

	ledger, err := history.Open(cfg.HistoryFilePath)
	if err != nil {
		return fmt.Errorf("open history ledger: %w", err)
	}

	now := time.Now()
	recent := ledger.Recent(now.Add(-reviewWindow))
	headlines := formatHeadlines(recent)
	if headlines == "" {
		logger.Info("no headlines in the review window, nothing to summarize")
		return nil
	}

	client, err := oracle.NewClient(ctx, cfg.GeminiAPIKey, cfg.OracleModel, ratelimit.NewBudget(cfg.MaxOracleRequests))
	if err != nil {
		return fmt.Errorf("create oracle client: %w", err)
	}
	defer client.Close()

	summary, err := client.WeekInReview(ctx, headlines)
	if err != nil {
		return fmt.Errorf("generate summary: %w", err)
	}

	if err := archiveSummary(cfg.SummariesFilePath, archivedSummary{Timestamp: now, Summary: summary}); err != nil {
		// The email is the deliverable; a failed archive should not stop it.
		logger.Error("failed to archive summary", "error", err)
	}

	retryCfg := retry.Config{MaxAttempts: cfg.RetryAttempts, Delay: cfg.RetryDelay, Backoff: true}
	sender := email.NewSender(email.Config{
		Host:     cfg.SMTPHost,
		Port:     cfg.SMTPPort,
		Username: cfg.SMTPUser,
		Password: cfg.SMTPPassword,
		From:     cfg.EmailFrom,
		To:       cfg.EmailTo,
		Bcc:      cfg.EmailBcc,
	}, retryCfg)

	subject := fmt.Sprintf("🗞️ Week in Review – %s", now.In(cfg.Timezone).Format("2006-01-02"))
	htmlBody, textBody := email.RenderSummary(summary)
	if err := sender.Send(ctx, subject, htmlBody, textBody); err != nil {
		return fmt.Errorf("send summary email: %w", err)
	}

	logger.Info("week in review sent", "headlines", strings.Count(headlines, "\n")+1)
	return nil
}

// formatHeadlines renders the recent ledger entries as one "topic: title"
// line per headline, grouped by topic in stable order.
func formatHeadlines(recent map[string][]history.Entry) string {
	topics := make([]string, 0, len(recent))
	for topic := range recent {
		topics = append(topics, topic)
	}
	sort.Strings(topics)

	var b strings.Builder
	for _, topic := range topics {
		for _, entry := range recent[topic] {
			fmt.Fprintf(&b, "%s: %s\n", topic, entry.Title)
		}
	}
	return strings.TrimSpace(b.String())
}

func archiveSummary(path string, s archivedSummary) error {
	var archive []archivedSummary
	if data, err := os.ReadFile(path); err == nil {
		if err := json.Unmarshal(data, &archive); err != nil {
			logger.Warn("summaries archive is corrupt, starting fresh", "path", path, "error", err)
			archive = nil
		}
	}
	archive = append(archive, s)

	data, err := json.MarshalIndent(archive, "", "  ")
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func sourcesPath() string {
	if path := os.Getenv("SOURCES_CONFIG_PATH"); path != "" {
		return path
	}
	return "configs/sources.yaml"
}

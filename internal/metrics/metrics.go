// Package metrics collects per-run counters for the digest pipeline. The
// job is a batch process, so the numbers surface as a single summary log
// line at the end of the run.
package metrics

import (
	"sync"
	"time"
)

type Metrics struct {
	mu sync.RWMutex

	// Counters
	ArticlesFetched    int64
	ArticlesScored     int64
	DuplicatesFiltered int64
	HistorySuppressed  int64
	OracleRequests     int64
	EmailsSent         int64

	// Status
	LastRunTime     time.Time
	LastRunDuration time.Duration
	LastError       string
}

var Global = &Metrics{}

func (m *Metrics) AddArticlesFetched(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ArticlesFetched += int64(n)
}

func (m *Metrics) AddArticlesScored(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ArticlesScored += int64(n)
}

func (m *Metrics) AddDuplicatesFiltered(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.DuplicatesFiltered += int64(n)
}

func (m *Metrics) AddHistorySuppressed(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.HistorySuppressed += int64(n)
}

func (m *Metrics) IncrementOracleRequests() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.OracleRequests++
}

func (m *Metrics) IncrementEmailsSent() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.EmailsSent++
}

func (m *Metrics) RecordRun(start time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.LastRunTime = time.Now()
	m.LastRunDuration = time.Since(start)
}

func (m *Metrics) SetError(err string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.LastError = err
}

// Stats returns a snapshot suitable for a structured summary log line.
func (m *Metrics) Stats() map[string]any {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return map[string]any{
		"articles_fetched":    m.ArticlesFetched,
		"articles_scored":     m.ArticlesScored,
		"duplicates_filtered": m.DuplicatesFiltered,
		"history_suppressed":  m.HistorySuppressed,
		"oracle_requests":     m.OracleRequests,
		"emails_sent":         m.EmailsSent,
		"last_run_ms":         m.LastRunDuration.Milliseconds(),
		"last_error":          m.LastError,
	}
}

// Package prefs loads user preferences from tabular (CSV) sources: topic
// weights, keyword weights, and override rules. Sources are addressed by URL
// or local path; the first row is a header and is skipped.
package prefs

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"
)

// Action is an override rule kind.
type Action string

const (
	ActionBan    Action = "ban"
	ActionDemote Action = "demote"
)

// Weights maps a topic or keyword phrase to its user-assigned importance,
// conventionally 1-5.
type Weights map[string]int

// Overrides maps a lowercased term to its override action.
type Overrides map[string]Action

// Source reads CSV documents from http(s) URLs or local files.
type Source struct {
	client *http.Client
}

func NewSource(timeout time.Duration) *Source {
	return &Source{client: &http.Client{Timeout: timeout}}
}

// LoadWeights reads a (name, weight) sheet. Rows with missing columns or
// non-integer weights are skipped with a warning; an unreachable or
// unparsable source is an error and the caller decides whether that is fatal.
func (s *Source) LoadWeights(ctx context.Context, location string) (Weights, error) {
	rows, err := s.read(ctx, location)
	if err != nil {
		return nil, err
	}

	weights := make(Weights)
	for _, row := range rows {
		if len(row) < 2 {
			continue
		}
		name := strings.TrimSpace(row[0])
		if name == "" {
			continue
		}
		w, err := strconv.Atoi(strings.TrimSpace(row[1]))
		if err != nil {
			slog.Warn("skipping row with invalid weight", "name", name, "weight", row[1], "source", location)
			continue
		}
		weights[name] = w
	}
	return weights, nil
}

// LoadOverrides reads a (term, action) sheet. Terms and actions are
// lowercased; unknown actions are skipped with a warning.
func (s *Source) LoadOverrides(ctx context.Context, location string) (Overrides, error) {
	rows, err := s.read(ctx, location)
	if err != nil {
		return nil, err
	}

	overrides := make(Overrides)
	for _, row := range rows {
		if len(row) < 2 {
			continue
		}
		term := strings.ToLower(strings.TrimSpace(row[0]))
		action := Action(strings.ToLower(strings.TrimSpace(row[1])))
		if term == "" {
			continue
		}
		if action != ActionBan && action != ActionDemote {
			slog.Warn("skipping override with unknown action", "term", term, "action", string(action))
			continue
		}
		overrides[term] = action
	}
	return overrides, nil
}

// LoadKeyValues reads a (key, value) settings sheet into a string map.
// Type coercion is the caller's concern.
func (s *Source) LoadKeyValues(ctx context.Context, location string) (map[string]string, error) {
	rows, err := s.read(ctx, location)
	if err != nil {
		return nil, err
	}

	values := make(map[string]string)
	for _, row := range rows {
		if len(row) < 2 {
			continue
		}
		key := strings.TrimSpace(row[0])
		if key == "" {
			continue
		}
		values[key] = strings.TrimSpace(row[1])
	}
	return values, nil
}

// read fetches the document and parses it as CSV, dropping the header row.
func (s *Source) read(ctx context.Context, location string) ([][]string, error) {
	var body io.ReadCloser
	if strings.HasPrefix(location, "http://") || strings.HasPrefix(location, "https://") {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, location, nil)
		if err != nil {
			return nil, fmt.Errorf("build request for %s: %w", location, err)
		}
		resp, err := s.client.Do(req)
		if err != nil {
			return nil, fmt.Errorf("fetch %s: %w", location, err)
		}
		if resp.StatusCode != http.StatusOK {
			resp.Body.Close()
			return nil, fmt.Errorf("fetch %s: status %d", location, resp.StatusCode)
		}
		body = resp.Body
	} else {
		f, err := os.Open(location)
		if err != nil {
			return nil, fmt.Errorf("open %s: %w", location, err)
		}
		body = f
	}
	defer body.Close()

	reader := csv.NewReader(body)
	reader.FieldsPerRecord = -1
	rows, err := reader.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("parse csv from %s: %w", location, err)
	}
	if len(rows) <= 1 {
		return nil, nil
	}
	return rows[1:], nil
}

// BuildPreferences renders the loaded preferences as the textual block sent
// to the ranking oracle: topics and keywords ranked by importance, then
// banned and demoted term lists.
func BuildPreferences(topics, keywords Weights, overrides Overrides, demoteFactor float64) string {
	var b strings.Builder

	if len(topics) > 0 {
		b.WriteString("User topics (ranked 1-5 in importance):\n")
		for _, name := range sortedByWeight(topics) {
			fmt.Fprintf(&b, "- %s: %d\n", name, topics[name])
		}
	}

	if len(keywords) > 0 {
		b.WriteString("\nHeadline keywords (ranked 1-5 in importance):\n")
		for _, name := range sortedByWeight(keywords) {
			fmt.Fprintf(&b, "- %s: %d\n", name, keywords[name])
		}
	}

	var banned, demoted []string
	for term, action := range overrides {
		switch action {
		case ActionBan:
			banned = append(banned, term)
		case ActionDemote:
			demoted = append(demoted, term)
		}
	}
	sort.Strings(banned)
	sort.Strings(demoted)

	if len(banned) > 0 {
		b.WriteString("\nBanned terms (must not appear in topics or headlines):\n")
		for _, term := range banned {
			fmt.Fprintf(&b, "- %s\n", term)
		}
	}
	if len(demoted) > 0 {
		fmt.Fprintf(&b, "\nDemoted terms (consider headlines with these terms %g times as important to the user, all else equal):\n", demoteFactor)
		for _, term := range demoted {
			fmt.Fprintf(&b, "- %s\n", term)
		}
	}

	return strings.TrimRight(b.String(), "\n")
}

// sortedByWeight orders names by descending weight, then alphabetically so
// output is stable.
func sortedByWeight(w Weights) []string {
	names := make([]string, 0, len(w))
	for name := range w {
		names = append(names, name)
	}
	sort.Slice(names, func(i, j int) bool {
		if w[names[i]] != w[names[j]] {
			return w[names[i]] > w[names[j]]
		}
		return names[i] < names[j]
	})
	return names
}

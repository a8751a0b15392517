// Package history persists the record of previously sent headlines and
// answers "have we already sent something like this?".
//
// The ledger lives in a single JSON file shaped {topicKey: [{title, pubDate},
// ...]}. It is read whole at the start of a run and written whole at the end;
// the run lock guarantees a single writer.
package history

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"newsdigest/internal/normalize"
)

// Entry is one sent headline.
type Entry struct {
	Title   string    `json:"title"`
	PubDate time.Time `json:"pubDate"`
}

// Ledger holds the sent-headline record for all topics.
type Ledger struct {
	path   string
	topics map[string][]Entry
}

// TopicKey derives the storage key for a topic name.
func TopicKey(topic string) string {
	return strings.ReplaceAll(strings.ToLower(topic), " ", "_")
}

// Open loads the ledger file. A missing file yields an empty ledger; a
// corrupted one is an error, since silently starting fresh would resend
// everything.
func Open(path string) (*Ledger, error) {
	l := &Ledger{path: path, topics: make(map[string][]Entry)}

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return l, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read history file: %w", err)
	}
	if len(data) == 0 {
		return l, nil
	}
	if err := json.Unmarshal(data, &l.topics); err != nil {
		return nil, fmt.Errorf("parse history file: %w", err)
	}
	return l, nil
}

// Save overwrites the ledger file atomically: full marshal, write to a temp
// file in the same directory, rename over the target.
func (l *Ledger) Save() error {
	data, err := json.MarshalIndent(l.topics, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal history: %w", err)
	}

	tmp := l.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write history file: %w", err)
	}
	if err := os.Rename(tmp, l.path); err != nil {
		return fmt.Errorf("replace history file: %w", err)
	}
	return nil
}

// Contains reports whether a candidate title is a near-duplicate of any
// historical title. History is partitioned by topic for storage but checked
// globally: a story already sent under one topic suppresses the same story
// resurfacing under another. Similarity is token overlap relative to the
// candidate's token set.
func (l *Ledger) Contains(title string, matchThreshold float64) bool {
	candTokens := normalize.TokenSet(title)
	if len(candTokens) == 0 {
		return false
	}

	for _, entries := range l.topics {
		for _, entry := range entries {
			pastTokens := normalize.TokenSet(entry.Title)
			if len(pastTokens) == 0 {
				continue
			}
			overlap := 0
			for tok := range candTokens {
				if _, ok := pastTokens[tok]; ok {
					overlap++
				}
			}
			if float64(overlap)/float64(len(candTokens)) >= matchThreshold {
				return true
			}
		}
	}
	return false
}

// Record appends an entry under the topic unless an entry with the same
// normalized title is already there, then caps the list at the maxPerTopic
// most recent entries.
func (l *Ledger) Record(topic string, entry Entry, maxPerTopic int) {
	key := TopicKey(topic)
	normTitle := normalize.Text(entry.Title)
	for _, existing := range l.topics[key] {
		if normalize.Text(existing.Title) == normTitle {
			return
		}
	}

	entries := append(l.topics[key], entry)
	if maxPerTopic > 0 && len(entries) > maxPerTopic {
		entries = entries[len(entries)-maxPerTopic:]
	}
	l.topics[key] = entries
}

// Prune drops entries older than the retention window and removes topics
// left empty.
func (l *Ledger) Prune(retention time.Duration, now time.Time) {
	cutoff := now.Add(-retention)
	for key, entries := range l.topics {
		kept := entries[:0]
		for _, entry := range entries {
			if entry.PubDate.After(cutoff) {
				kept = append(kept, entry)
			}
		}
		if len(kept) == 0 {
			delete(l.topics, key)
		} else {
			l.topics[key] = kept
		}
	}
}

// Recent returns a copy of all entries published after since, keyed by topic,
// for the week-in-review report.
func (l *Ledger) Recent(since time.Time) map[string][]Entry {
	recent := make(map[string][]Entry)
	for key, entries := range l.topics {
		for _, entry := range entries {
			if entry.PubDate.After(since) {
				recent[key] = append(recent[key], entry)
			}
		}
	}
	return recent
}

// Len reports the total number of recorded entries.
func (l *Ledger) Len() int {
	total := 0
	for _, entries := range l.topics {
		total += len(entries)
	}
	return total
}

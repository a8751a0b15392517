// Package oracle delegates the final topic/headline selection to Gemini.
//
// The model receives the surviving candidate headlines grouped by topic plus
// a textual rendering of the user's preferences, and returns an ordered
// {topic: [headline, ...]} selection. The response is an untrusted external
// payload: it is repaired (markdown fences, stray brackets, trailing commas)
// and validated before use, never trusted as-is.
package oracle

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/option"

	"newsdigest/internal/fetch"
	"newsdigest/internal/metrics"
	"newsdigest/internal/normalize"
	"newsdigest/internal/ratelimit"
)

// TopicSelection is one selected topic with its headlines in significance
// order.
type TopicSelection struct {
	Topic     string
	Headlines []string
}

// Selection is the oracle's answer with topic order preserved. JSON objects
// decoded into Go maps lose key order, so parsing walks the token stream.
type Selection []TopicSelection

// ResolvedTopic is a selection mapped back to article records.
type ResolvedTopic struct {
	Topic    string
	Articles []fetch.Article
}

// Client wraps the Gemini API for digest prioritization.
type Client struct {
	client *genai.Client
	model  string
	budget *ratelimit.Budget
}

func NewClient(ctx context.Context, apiKey, model string, budget *ratelimit.Budget) (*Client, error) {
	client, err := genai.NewClient(ctx, option.WithAPIKey(apiKey))
	if err != nil {
		return nil, fmt.Errorf("create gemini client: %w", err)
	}
	return &Client{client: client, model: model, budget: budget}, nil
}

func (c *Client) Close() {
	if c.client != nil {
		c.client.Close()
	}
}

// Prioritize asks the model to pick up to maxTopics topics and maxPerTopic
// headlines each, honoring the user's preferences. Headline strings come
// back verbatim; mapping them to articles is MapTitles' job.
func (c *Client) Prioritize(ctx context.Context, candidates map[string][]string, preferences string, maxTopics, maxPerTopic int, demoteFactor float64) (Selection, error) {
	if err := c.budget.Use(); err != nil {
		return nil, err
	}
	metrics.Global.IncrementOracleRequests()

	// encoding/json sorts map keys, so prompts are stable between runs
	// with the same input.
	payload, err := json.MarshalIndent(candidates, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal candidates: %w", err)
	}

	prompt := fmt.Sprintf(`You are choosing the most relevant news topics and headlines to include in an email digest for a user based on their specific preferences.
Given a dictionary of topics and corresponding headlines, and the user's preferences, select up to %d of the most important topics today.
For each selected topic, return the top %d most important headlines.
Ensure you do not return multiple copies of the same or similar headlines that are covering roughly the same thing.
Avoid all local news, for example any headlines containing a regional town or county name.
Respect the user's importance preferences for topics and keywords as indicated with a score of 1-5, with 5 the highest.
Reject any headlines containing terms flagged 'banned', and demote headlines with terms flagged 'demote' by a multiplier of %g.
There should be a healthy diversity of subjects covered overall in your article recommendations. Do not focus too much on one theme.
Order the topics and the headlines within each topic by significance, most significant first.
Respond *ONLY WITH VALID JSON* like:
{ "Technology": ["Headline A", "Headline B"], "Climate": ["Headline C"] }

User Preferences:
%s

Topics and Headlines:
%s
`, maxTopics, maxPerTopic, demoteFactor, preferences, payload)

	raw, err := c.generate(ctx, prompt)
	if err != nil {
		return nil, err
	}
	selection, err := ParseSelection(raw)
	if err != nil {
		return nil, fmt.Errorf("parse model response: %w", err)
	}
	return selection, nil
}

// WeekInReview asks the model for a short narrative report over recently
// sent headlines. Used by the week-in-review mailer, not the digest run.
func (c *Client) WeekInReview(ctx context.Context, headlines string) (string, error) {
	if err := c.budget.Use(); err != nil {
		return "", err
	}
	metrics.Global.IncrementOracleRequests()

	prompt := fmt.Sprintf(`Give a brief report with short paragraphs in roughly 100 words on how the world has been doing lately based on the attached headlines. Use simple language, cite figures, and be specific with people, places, things, etc. Do not use bullet points and do not use section headings or any markdown formatting. Use only complete sentences. State the timeframe being discussed. Don't state that it's a report, simply present the findings. At the end, in 50 words, using all available clues in the headlines, predict what should in all likelihood occur in the near future, and less likely but still entirely possible events, and give a sense of the ramifications.

%s`, headlines)

	raw, err := c.generate(ctx, prompt)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(raw), nil
}

// Bounds a single model call so a hung request cannot stall the whole run.
const requestTimeout = 2 * time.Minute

func (c *Client) generate(ctx context.Context, prompt string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()

	model := c.client.GenerativeModel(c.model)
	resp, err := model.GenerateContent(ctx, genai.Text(prompt))
	if err != nil {
		return "", fmt.Errorf("generate content: %w", err)
	}
	if len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil || len(resp.Candidates[0].Content.Parts) == 0 {
		return "", fmt.Errorf("empty response from model")
	}
	return fmt.Sprintf("%v", resp.Candidates[0].Content.Parts[0]), nil
}

var (
	fenceOpen    = regexp.MustCompile("^```(?:json)?\\s*")
	fenceClose   = regexp.MustCompile("\\s*```$")
	arrayAsBrace = regexp.MustCompile(`(\[[^\[\]]*?)\s*\}`)
	trailingSep  = regexp.MustCompile(`,\s*(\}|\])`)
)

// ParseSelection parses a possibly malformed model response. It strips
// markdown code fences, fixes arrays closed with } instead of ], and removes
// trailing commas before giving up.
func ParseSelection(raw string) (Selection, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, fmt.Errorf("empty response")
	}

	if strings.HasPrefix(raw, "```") {
		raw = fenceOpen.ReplaceAllString(raw, "")
		raw = fenceClose.ReplaceAllString(raw, "")
		raw = strings.TrimSpace(raw)
	}

	selection, err := parseOrdered(raw)
	if err == nil {
		return selection, nil
	}

	repaired := arrayAsBrace.ReplaceAllString(raw, "$1]")
	repaired = trailingSep.ReplaceAllString(repaired, "$1")
	selection, err = parseOrdered(repaired)
	if err != nil {
		return nil, fmt.Errorf("response is not valid JSON after repair: %w", err)
	}
	return selection, nil
}

// parseOrdered decodes {"topic": ["headline", ...], ...} preserving the
// order topics appear in.
func parseOrdered(raw string) (Selection, error) {
	dec := json.NewDecoder(strings.NewReader(raw))

	tok, err := dec.Token()
	if err != nil {
		return nil, err
	}
	if delim, ok := tok.(json.Delim); !ok || delim != '{' {
		return nil, fmt.Errorf("expected JSON object, got %v", tok)
	}

	var selection Selection
	for dec.More() {
		keyTok, err := dec.Token()
		if err != nil {
			return nil, err
		}
		topic, ok := keyTok.(string)
		if !ok {
			return nil, fmt.Errorf("expected topic name, got %v", keyTok)
		}
		var headlines []string
		if err := dec.Decode(&headlines); err != nil {
			return nil, fmt.Errorf("headlines for %q: %w", topic, err)
		}
		if len(headlines) > 0 {
			selection = append(selection, TopicSelection{Topic: topic, Headlines: headlines})
		}
	}
	if _, err := dec.Token(); err != nil {
		return nil, err
	}
	if len(selection) == 0 {
		return nil, fmt.Errorf("selection is empty")
	}
	return selection, nil
}

// MapTitles resolves the oracle's headline strings back to article records
// via normalized-title lookup, falling back to substring containment when no
// exact match exists. Unresolvable headlines and unknown topics are logged
// and dropped.
func MapTitles(selection Selection, articlesByTopic map[string][]fetch.Article) []ResolvedTopic {
	var resolved []ResolvedTopic

	for _, ts := range selection {
		pool := articlesByTopic[ts.Topic]
		if len(pool) == 0 {
			slog.Warn("oracle returned unknown topic", "topic", ts.Topic)
			continue
		}

		seen := make(map[string]struct{})
		var articles []fetch.Article
		for _, headline := range ts.Headlines {
			normWant := normalize.Text(headline)
			if _, dup := seen[normWant]; dup {
				continue
			}

			match, ok := findArticle(pool, normWant)
			if !ok {
				slog.Warn("oracle headline did not match any candidate", "topic", ts.Topic, "headline", headline)
				continue
			}
			seen[normWant] = struct{}{}
			articles = append(articles, match)
		}
		if len(articles) > 0 {
			resolved = append(resolved, ResolvedTopic{Topic: ts.Topic, Articles: articles})
		}
	}
	return resolved
}

func findArticle(pool []fetch.Article, normWant string) (fetch.Article, bool) {
	for _, a := range pool {
		if normalize.Text(a.Title) == normWant {
			return a, true
		}
	}
	for _, a := range pool {
		normHave := normalize.Text(a.Title)
		if strings.Contains(normHave, normWant) || strings.Contains(normWant, normHave) {
			return a, true
		}
	}
	return fetch.Article{}, false
}

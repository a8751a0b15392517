// Package score computes relevance scores for (article, topic) pairs and
// trending boosts for topics.
//
// The score combines, in order: a ban check, keyword weight shaped by a
// title-length curve, topic weight, a recency step multiplier, and a demote
// multiplier. Weights come from user preferences; all matching runs on
// normalized text.
package score

import (
	"log/slog"
	"strings"
	"time"

	"newsdigest/internal/fetch"
	"newsdigest/internal/normalize"
	"newsdigest/internal/prefs"
)

// Params are the scoring knobs, small positive integers from user config
// except the multipliers.
type Params struct {
	KeywordWeight     int
	TopicWeight       int
	TrendWeight       int
	RecentWindow      time.Duration
	RecencyMultiplier float64
	DemoteFactor      float64
	LongTitleWords    int
	LongTitleBonus    float64
	ShortTitleWords   int
	ShortTitlePenalty float64
}

// Scorer holds normalized preference tables and scoring parameters.
// It is immutable after construction and safe for concurrent use.
type Scorer struct {
	params Params

	topicWeights prefs.Weights // raw topic name -> weight
	keywords     map[string]int // normalized keyword -> weight
	banned       []string       // normalized banned terms
	demoted      []string       // normalized demoted terms
	overrides    map[string]prefs.Action // normalized term -> action, for topic-level checks
}

// New normalizes the preference tables once up front. Keyword matching is
// substring containment on normalized text, so keys must be normalized with
// the same pass as titles.
func New(params Params, topics, keywords prefs.Weights, overrides prefs.Overrides) *Scorer {
	s := &Scorer{
		params:       params,
		topicWeights: topics,
		keywords:     make(map[string]int, len(keywords)),
		overrides:    make(map[string]prefs.Action, len(overrides)),
	}
	for keyword, weight := range keywords {
		if norm := normalize.Text(keyword); norm != "" {
			s.keywords[norm] = weight
		}
	}
	for term, action := range overrides {
		norm := normalize.Text(term)
		if norm == "" {
			continue
		}
		s.overrides[norm] = action
		switch action {
		case prefs.ActionBan:
			s.banned = append(s.banned, norm)
		case prefs.ActionDemote:
			s.demoted = append(s.demoted, norm)
		}
	}
	return s
}

// Banned reports whether the article title contains a banned term or the
// topic itself is banned. Banned articles always score zero.
func (s *Scorer) Banned(title, topic string) bool {
	normTitle := normalize.Text(title)
	for _, term := range s.banned {
		if strings.Contains(normTitle, term) {
			return true
		}
	}
	return s.overrides[normalize.Text(topic)] == prefs.ActionBan
}

// Score computes the relevance of an article fetched for a topic:
//
//	(keywordScore + topicScore) * recencyMultiplier * demoteMultiplier
//
// clamped to >= 0, with 0 for banned articles.
func (s *Scorer) Score(a fetch.Article, topic string, now time.Time) float64 {
	normTitle := normalize.Text(a.Title)

	for _, term := range s.banned {
		if strings.Contains(normTitle, term) {
			return 0
		}
	}
	normTopic := normalize.Text(topic)
	if s.overrides[normTopic] == prefs.ActionBan {
		return 0
	}

	keywordScore := s.keywordScore(normTitle)

	topicWeight, ok := s.topicWeights[topic]
	if !ok {
		topicWeight = 1
	}
	topicScore := float64(topicWeight * s.params.TopicWeight)

	recency := 1.0
	if !a.Published.IsZero() && now.Sub(a.Published) <= s.params.RecentWindow {
		recency = s.params.RecencyMultiplier
	}

	demote := 1.0
	if s.overrides[normTopic] == prefs.ActionDemote {
		demote = s.params.DemoteFactor
	} else {
		for _, term := range s.demoted {
			if strings.Contains(normTitle, term) {
				demote = s.params.DemoteFactor
				break
			}
		}
	}

	total := (keywordScore + topicScore) * recency * demote
	if total < 0 {
		return 0
	}
	return total
}

// KeywordScore exposes the keyword component for the trending pass, which
// weighs headlines by keyword density alone.
func (s *Scorer) KeywordScore(title string) float64 {
	return s.keywordScore(normalize.Text(title))
}

// keywordScore sums matched keyword weights and applies the length curve:
// information-dense long titles earn up to LongTitleBonus extra, very short
// ones are cut by ShortTitlePenalty to suppress clickbait.
func (s *Scorer) keywordScore(normTitle string) float64 {
	sum := 0
	for keyword, weight := range s.keywords {
		if strings.Contains(normTitle, keyword) {
			sum += weight
		}
	}
	score := float64(sum * s.params.KeywordWeight)

	words := len(strings.Fields(normTitle))
	switch {
	case words > 0 && words < s.params.ShortTitleWords:
		score *= s.params.ShortTitlePenalty
	case words > s.params.LongTitleWords:
		bonus := 0.03 * float64(words-s.params.LongTitleWords)
		if bonus > s.params.LongTitleBonus {
			bonus = s.params.LongTitleBonus
		}
		score *= 1 + bonus
	}
	return score
}

// TrendingBoosts compares each top headline against every known topic by
// token overlap. Topics whose overlap ratio exceeds threshold collect an
// additive selection-priority boost proportional to the trend weight and the
// headline's own keyword score. The boost raises a topic's priority in the
// fetch list; it never touches per-article scores.
func (s *Scorer) TrendingBoosts(headlines []fetch.Article, threshold float64) map[string]float64 {
	boosts := make(map[string]float64)
	if len(headlines) == 0 {
		return boosts
	}

	type topicTokens struct {
		raw    string
		tokens map[string]struct{}
	}
	topics := make([]topicTokens, 0, len(s.topicWeights))
	for topic := range s.topicWeights {
		tokens := normalize.TokenSet(topic)
		if len(tokens) > 0 {
			topics = append(topics, topicTokens{raw: topic, tokens: tokens})
		}
	}

	for _, headline := range headlines {
		headTokens := normalize.TokenSet(headline.Title)
		if len(headTokens) == 0 {
			continue
		}
		keywordScore := s.KeywordScore(headline.Title)

		for _, topic := range topics {
			overlap := 0
			for token := range topic.tokens {
				if _, ok := headTokens[token]; ok {
					overlap++
				}
			}
			ratio := float64(overlap) / float64(len(topic.tokens))
			if ratio > threshold {
				boosts[topic.raw] += float64(s.params.TrendWeight) + keywordScore/10
				slog.Info("trending boost", "headline", headline.Title, "topic", topic.raw, "overlap", ratio)
			}
		}
	}
	return boosts
}

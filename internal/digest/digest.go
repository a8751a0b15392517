// Package digest orchestrates the per-run selection pipeline: trending
// topic boosts, fallback fill, per-topic fetch/score/dedupe, topic ranking,
// history filtering, randomized windowing, and the optional oracle override.
package digest

import (
	"context"
	"log/slog"
	"math/rand"
	"sort"
	"time"

	"newsdigest/internal/config"
	"newsdigest/internal/dedupe"
	"newsdigest/internal/fetch"
	"newsdigest/internal/history"
	"newsdigest/internal/metrics"
	"newsdigest/internal/normalize"
	"newsdigest/internal/oracle"
	"newsdigest/internal/prefs"
	"newsdigest/internal/score"
)

// Article is a selected headline with its relevance score.
type Article struct {
	fetch.Article
	Score float64
}

// TopicArticles is one digest section.
type TopicArticles struct {
	Topic      string
	Articles   []Article
	TotalScore float64
}

// Digest is the terminal pipeline state: ordered topics, each with its
// ordered articles. An empty digest is valid and means "nothing to send".
type Digest struct {
	Topics      []TopicArticles
	GeneratedAt time.Time
	FromOracle  bool
}

// Empty reports whether there is nothing to send.
func (d *Digest) Empty() bool {
	return len(d.Topics) == 0
}

// Fetcher retrieves candidate headlines. Implemented by fetch.Client.
type Fetcher interface {
	Topic(ctx context.Context, topic string, maxArticles int, maxAge time.Duration) []fetch.Article
	TopHeadlines(ctx context.Context, maxArticles int, maxAge time.Duration) []fetch.Article
}

// Oracle makes the final selection when enabled. Implemented by
// oracle.Client.
type Oracle interface {
	Prioritize(ctx context.Context, candidates map[string][]string, preferences string, maxTopics, maxPerTopic int, demoteFactor float64) (oracle.Selection, error)
}

// The trending pass looks at a wider window than per-topic fetches: breaking
// stories stay "trending" for days even when only fresh articles are mailed.
const (
	trendingMaxArticles = 50
	trendingMaxAge      = 7 * 24 * time.Hour
)

// Pipeline holds the collaborators for one run. The random source is
// injected so tests can pin the seed.
type Pipeline struct {
	cfg         *config.Config
	fetcher     Fetcher
	scorer      *score.Scorer
	topics      prefs.Weights
	ledger      *history.Ledger
	oracle      Oracle // nil disables the oracle stage
	preferences string
	rng         *rand.Rand
	now         func() time.Time
}

func NewPipeline(cfg *config.Config, fetcher Fetcher, scorer *score.Scorer, topics prefs.Weights, ledger *history.Ledger, orc Oracle, preferences string, rng *rand.Rand) *Pipeline {
	return &Pipeline{
		cfg:         cfg,
		fetcher:     fetcher,
		scorer:      scorer,
		topics:      topics,
		ledger:      ledger,
		oracle:      orc,
		preferences: preferences,
		rng:         rng,
		now:         time.Now,
	}
}

// Run executes the selection state machine and returns the digest.
func (p *Pipeline) Run(ctx context.Context) (*Digest, error) {
	now := p.now()

	// Trending-select: topics boosted by current top headlines are
	// auto-included in the fetch list.
	headlines := p.fetcher.TopHeadlines(ctx, trendingMaxArticles, trendingMaxAge)
	metrics.Global.AddArticlesFetched(len(headlines))
	boosts := p.scorer.TrendingBoosts(headlines, p.cfg.TrendOverlapThreshold)

	fetchList := p.selectTopics(boosts)
	slog.Info("selected topics to fetch", "count", len(fetchList), "trending", len(boosts))

	// Per-topic fetch, score, threshold, dedupe.
	perTopic := make(map[string][]dedupe.Candidate)
	for _, topic := range fetchList {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		articles := p.fetcher.Topic(ctx, topic, p.cfg.MaxArticlesPerFetch, p.cfg.MaxArticleAge)
		metrics.Global.AddArticlesFetched(len(articles))

		var candidates []dedupe.Candidate
		for _, a := range articles {
			s := p.scorer.Score(a, topic, now)
			metrics.Global.AddArticlesScored(1)
			if s < p.cfg.MinArticleScore {
				continue
			}
			candidates = append(candidates, dedupe.Candidate{Article: a, Score: s})
		}

		deduped := dedupe.Dedupe(candidates, p.cfg.DedupeThreshold)
		metrics.Global.AddDuplicatesFiltered(len(candidates) - len(deduped))
		if len(deduped) > 0 {
			perTopic[topic] = deduped
		}
	}

	// History filter, applied before ranking so both the oracle and the
	// local selector only ever see sendable headlines.
	survivors := p.filterHistory(perTopic)

	if p.oracle != nil {
		if d, ok := p.runOracle(ctx, survivors, now); ok {
			return d, nil
		}
		slog.Warn("oracle selection unavailable, falling back to local ranking")
	}

	return p.selectLocal(survivors, now), nil
}

// selectTopics builds the fetch list: trending topics first, remaining slots
// filled by highest-priority user topics. Ties are broken by shuffling
// before the stable sort so day-to-day output varies.
func (p *Pipeline) selectTopics(boosts map[string]float64) []string {
	selected := make([]string, 0, p.cfg.MaxTopics)
	included := make(map[string]struct{}, p.cfg.MaxTopics)

	trending := make([]string, 0, len(boosts))
	for topic := range boosts {
		trending = append(trending, topic)
	}
	sort.Slice(trending, func(i, j int) bool {
		bi, bj := p.priority(trending[i], boosts), p.priority(trending[j], boosts)
		if bi != bj {
			return bi > bj
		}
		return trending[i] < trending[j]
	})
	for _, topic := range trending {
		if len(selected) >= p.cfg.MaxTopics {
			break
		}
		selected = append(selected, topic)
		included[topic] = struct{}{}
	}

	if len(selected) >= p.cfg.MaxTopics {
		return selected
	}

	fallback := make([]string, 0, len(p.topics))
	for topic := range p.topics {
		if _, ok := included[topic]; !ok {
			fallback = append(fallback, topic)
		}
	}
	if p.rng != nil {
		p.rng.Shuffle(len(fallback), func(i, j int) {
			fallback[i], fallback[j] = fallback[j], fallback[i]
		})
	}
	sort.SliceStable(fallback, func(i, j int) bool {
		return p.topics[fallback[i]] > p.topics[fallback[j]]
	})

	for _, topic := range fallback {
		if len(selected) >= p.cfg.MaxTopics {
			break
		}
		selected = append(selected, topic)
	}
	return selected
}

// priority is a topic's selection priority: its user weight plus any
// trending boost. The boost never touches per-article scores.
func (p *Pipeline) priority(topic string, boosts map[string]float64) float64 {
	weight, ok := p.topics[topic]
	if !ok {
		weight = 1
	}
	return float64(weight) + boosts[topic]
}

// filterHistory drops candidates already represented in the history ledger.
// The check is global across topics: a story sent under "Economy" suppresses
// the same story under "Business".
func (p *Pipeline) filterHistory(perTopic map[string][]dedupe.Candidate) map[string][]dedupe.Candidate {
	survivors := make(map[string][]dedupe.Candidate, len(perTopic))
	for topic, candidates := range perTopic {
		var kept []dedupe.Candidate
		for _, c := range candidates {
			if p.ledger.Contains(c.Article.Title, p.cfg.MatchThreshold) {
				metrics.Global.AddHistorySuppressed(1)
				slog.Debug("suppressed by history", "topic", topic, "title", c.Article.Title)
				continue
			}
			kept = append(kept, c)
		}
		if len(kept) > 0 {
			survivors[topic] = kept
		}
	}
	return survivors
}

// selectLocal is the non-oracle tail of the state machine: topic ranking,
// cross-topic selection dedup, randomized windowing, and caps.
func (p *Pipeline) selectLocal(survivors map[string][]dedupe.Candidate, now time.Time) *Digest {
	ranked := rankTopics(survivors)
	if len(ranked) > p.cfg.MaxTopics {
		ranked = ranked[:p.cfg.MaxTopics]
	}

	d := &Digest{GeneratedAt: now}
	seenTitles := make(map[string]struct{})

	for _, topic := range ranked {
		candidates := survivors[topic]

		// Global de-dup of the selection itself, not just per topic.
		fresh := candidates[:0:0]
		for _, c := range candidates {
			if _, dup := seenTitles[normalize.Text(c.Article.Title)]; dup {
				continue
			}
			fresh = append(fresh, c)
		}
		if len(fresh) == 0 {
			continue
		}

		// Randomized window over the ranked list adds run-to-run variety.
		start := 0
		if p.rng != nil && len(fresh) > 1 {
			jitter := p.cfg.WindowJitter
			if jitter > len(fresh)-1 {
				jitter = len(fresh) - 1
			}
			if jitter > 0 {
				start = p.rng.Intn(jitter + 1)
			}
		}
		end := start + p.cfg.WindowSize
		if end > len(fresh) {
			end = len(fresh)
		}
		window := dedupe.Dedupe(fresh[start:end], p.cfg.DedupeThreshold)
		if len(window) > p.cfg.MaxArticlesPerTopic {
			window = window[:p.cfg.MaxArticlesPerTopic]
		}
		if len(window) == 0 {
			continue
		}

		section := TopicArticles{Topic: topic}
		for _, c := range window {
			seenTitles[normalize.Text(c.Article.Title)] = struct{}{}
			section.Articles = append(section.Articles, Article{Article: c.Article, Score: c.Score})
			section.TotalScore += c.Score
		}
		d.Topics = append(d.Topics, section)
	}

	// Digest sections read best-first.
	sort.SliceStable(d.Topics, func(i, j int) bool {
		return d.Topics[i].TotalScore > d.Topics[j].TotalScore
	})
	return d
}

// runOracle hands the surviving candidates to the external oracle and maps
// its selection back to articles. Any failure reports !ok so the caller can
// fall back to local ranking.
func (p *Pipeline) runOracle(ctx context.Context, survivors map[string][]dedupe.Candidate, now time.Time) (*Digest, bool) {
	if len(survivors) == 0 {
		return nil, false
	}

	// The same story can survive under two topics with different scores,
	// so the lookup key carries the topic as well as the title.
	type scoreKey struct {
		topic, title string
	}
	candidates := make(map[string][]string, len(survivors))
	pool := make(map[string][]fetch.Article, len(survivors))
	scores := make(map[scoreKey]float64)
	for topic, cands := range survivors {
		for _, c := range cands {
			candidates[topic] = append(candidates[topic], c.Article.Title)
			pool[topic] = append(pool[topic], c.Article)
			scores[scoreKey{topic, normalize.Text(c.Article.Title)}] = c.Score
		}
	}

	selection, err := p.oracle.Prioritize(ctx, candidates, p.preferences, p.cfg.MaxTopics, p.cfg.MaxArticlesPerTopic, p.cfg.DemoteFactor)
	if err != nil {
		slog.Warn("oracle prioritization failed", "error", err)
		return nil, false
	}

	resolved := oracle.MapTitles(selection, pool)
	if len(resolved) == 0 {
		return nil, false
	}

	d := &Digest{GeneratedAt: now, FromOracle: true}
	seenTitles := make(map[string]struct{})
	for _, rt := range resolved {
		if len(d.Topics) >= p.cfg.MaxTopics {
			break
		}
		section := TopicArticles{Topic: rt.Topic}
		for _, a := range rt.Articles {
			if len(section.Articles) >= p.cfg.MaxArticlesPerTopic {
				break
			}
			norm := normalize.Text(a.Title)
			if _, dup := seenTitles[norm]; dup {
				continue
			}
			seenTitles[norm] = struct{}{}
			s := scores[scoreKey{rt.Topic, norm}]
			section.Articles = append(section.Articles, Article{Article: a, Score: s})
			section.TotalScore += s
		}
		if len(section.Articles) > 0 {
			d.Topics = append(d.Topics, section)
		}
	}
	if d.Empty() {
		return nil, false
	}
	return d, true
}

// rankTopics orders topics by the summed scores of their surviving
// articles, descending.
func rankTopics(survivors map[string][]dedupe.Candidate) []string {
	type topicScore struct {
		topic string
		total float64
	}
	ranked := make([]topicScore, 0, len(survivors))
	for topic, cands := range survivors {
		total := 0.0
		for _, c := range cands {
			total += c.Score
		}
		ranked = append(ranked, topicScore{topic, total})
	}
	sort.Slice(ranked, func(i, j int) bool {
		if ranked[i].total != ranked[j].total {
			return ranked[i].total > ranked[j].total
		}
		return ranked[i].topic < ranked[j].topic
	})

	topics := make([]string, len(ranked))
	for i, ts := range ranked {
		topics[i] = ts.topic
	}
	return topics
}

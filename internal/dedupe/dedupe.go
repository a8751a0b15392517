// Package dedupe collapses near-duplicate headlines in a candidate set.
//
// Candidates are processed best-score-first; one is kept only if its title
// similarity to every already-kept candidate stays strictly below the
// threshold. Similarity is cosine over TF-IDF vectors of the normalized
// titles, with a cheaper edit-distance ratio for very small sets where IDF
// statistics are meaningless.
package dedupe

import (
	"math"
	"sort"
	"strings"

	"newsdigest/internal/fetch"
	"newsdigest/internal/normalize"
)

// Candidate pairs an article with its relevance score.
type Candidate struct {
	Article fetch.Article
	Score   float64
}

// Below this many candidates TF-IDF degenerates (every term is in most
// documents), so the edit-ratio fallback is used instead.
const minTFIDFSet = 3

// Dedupe returns the surviving candidates ordered by descending score.
// Degenerate input (0 or 1 candidates) is returned unchanged. Two headlines
// saying the same thing in different words collapse to the higher-scored one.
func Dedupe(candidates []Candidate, threshold float64) []Candidate {
	if len(candidates) <= 1 {
		return append([]Candidate(nil), candidates...)
	}

	ordered := append([]Candidate(nil), candidates...)
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].Score > ordered[j].Score
	})

	titles := make([]string, len(ordered))
	for i, c := range ordered {
		titles[i] = normalize.Text(c.Article.Title)
	}

	var similarity func(i, j int) float64
	if len(ordered) < minTFIDFSet {
		similarity = func(i, j int) float64 { return editRatio(titles[i], titles[j]) }
	} else {
		vectors := tfidfVectors(titles)
		similarity = func(i, j int) float64 { return cosine(vectors[i], vectors[j]) }
	}

	var kept []int
	survivors := make([]Candidate, 0, len(ordered))
	for i := range ordered {
		unique := true
		for _, j := range kept {
			if similarity(i, j) >= threshold {
				unique = false
				break
			}
		}
		if unique {
			kept = append(kept, i)
			survivors = append(survivors, ordered[i])
		}
	}
	return survivors
}

// tfidfVectors builds l2-normalized TF-IDF vectors over the candidate set.
// IDF is smoothed (ln((1+n)/(1+df))+1) so terms present in every document
// still carry weight and identical titles compare at cosine 1.
func tfidfVectors(docs []string) []map[string]float64 {
	n := len(docs)
	tokenized := make([][]string, n)
	df := make(map[string]int)
	for i, doc := range docs {
		tokenized[i] = strings.Fields(doc)
		seen := make(map[string]struct{})
		for _, tok := range tokenized[i] {
			if _, ok := seen[tok]; !ok {
				seen[tok] = struct{}{}
				df[tok]++
			}
		}
	}

	vectors := make([]map[string]float64, n)
	for i, tokens := range tokenized {
		vec := make(map[string]float64, len(tokens))
		for _, tok := range tokens {
			vec[tok]++
		}
		var norm float64
		for tok, tf := range vec {
			idf := math.Log(float64(1+n)/float64(1+df[tok])) + 1
			w := tf * idf
			vec[tok] = w
			norm += w * w
		}
		if norm > 0 {
			norm = math.Sqrt(norm)
			for tok := range vec {
				vec[tok] /= norm
			}
		}
		vectors[i] = vec
	}
	return vectors
}

func cosine(a, b map[string]float64) float64 {
	if len(a) > len(b) {
		a, b = b, a
	}
	var dot float64
	for tok, wa := range a {
		if wb, ok := b[tok]; ok {
			dot += wa * wb
		}
	}
	return dot
}

// editRatio is a normalized edit-distance similarity in [0,1]: 1 for equal
// strings, 0 for nothing in common.
func editRatio(a, b string) float64 {
	if a == b {
		return 1
	}
	la, lb := len(a), len(b)
	if la == 0 || lb == 0 {
		return 0
	}
	longest := la
	if lb > longest {
		longest = lb
	}
	return 1 - float64(levenshtein(a, b))/float64(longest)
}

func levenshtein(a, b string) int {
	ra, rb := []rune(a), []rune(b)
	prev := make([]int, len(rb)+1)
	curr := make([]int, len(rb)+1)
	for j := range prev {
		prev[j] = j
	}
	for i := 1; i <= len(ra); i++ {
		curr[0] = i
		for j := 1; j <= len(rb); j++ {
			cost := 1
			if ra[i-1] == rb[j-1] {
				cost = 0
			}
			curr[j] = min3(curr[j-1]+1, prev[j]+1, prev[j-1]+cost)
		}
		prev, curr = curr, prev
	}
	return prev[len(rb)]
}

func min3(a, b, c int) int {
	if b < a {
		a = b
	}
	if c < a {
		a = c
	}
	return a
}

package email

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"newsdigest/internal/digest"
	"newsdigest/internal/fetch"
)

func sampleDigest(t *testing.T) *digest.Digest {
	t.Helper()
	published := time.Date(2026, 8, 30, 13, 0, 0, 0, time.UTC)
	return &digest.Digest{
		GeneratedAt: published,
		Topics: []digest.TopicArticles{
			{
				Topic: "Technology",
				Articles: []digest.Article{{
					Article: fetch.Article{
						Title:     "Chipmaker posts record quarter",
						Link:      "https://example.com/chip",
						Published: published,
					},
					Score: 42,
				}},
			},
			{
				Topic: "Climate",
				Articles: []digest.Article{{
					Article: fetch.Article{
						Title:     "Reef recovery ahead of projections",
						Link:      "https://example.com/reef",
						Published: published,
					},
					Score: 12,
				}},
			},
		},
	}
}

func TestRenderDigest(t *testing.T) {
	htmlBody, textBody := RenderDigest(sampleDigest(t), time.UTC, "Why you got this.")

	assert.Contains(t, htmlBody, "<h2>Your News</h2>")
	assert.Contains(t, htmlBody, ">Technology</h3>")
	assert.Contains(t, htmlBody, ">Climate</h3>")
	assert.Contains(t, htmlBody, `<a href="https://example.com/chip"`)
	assert.Contains(t, htmlBody, "Chipmaker posts record quarter")
	assert.Contains(t, htmlBody, "<hr><small>Why you got this.</small>")

	assert.Contains(t, textBody, "Technology\n")
	assert.Contains(t, textBody, "- Chipmaker posts record quarter")
	assert.Contains(t, textBody, "https://example.com/reef")
	assert.Contains(t, textBody, "Why you got this.")
}

func TestRenderDigestEscapesHTML(t *testing.T) {
	d := &digest.Digest{Topics: []digest.TopicArticles{{
		Topic: "R&D <Weekly>",
		Articles: []digest.Article{{
			Article: fetch.Article{
				Title:     `Study finds "x < y" in <script> tags`,
				Link:      "https://example.com/x",
				Published: time.Now(),
			},
		}},
	}}}

	htmlBody, _ := RenderDigest(d, time.UTC, "")

	assert.Contains(t, htmlBody, "R&amp;D &lt;Weekly&gt;")
	assert.Contains(t, htmlBody, "&lt;script&gt;")
	assert.NotContains(t, htmlBody, "<script>")
}

func TestRenderDigestEscapesLinks(t *testing.T) {
	d := &digest.Digest{Topics: []digest.TopicArticles{{
		Topic: "Technology",
		Articles: []digest.Article{{
			Article: fetch.Article{
				Title:     "Tracking params survive intact",
				Link:      `https://example.com/a?x=1&y="quoted"`,
				Published: time.Now(),
			},
		}},
	}}}

	htmlBody, textBody := RenderDigest(d, time.UTC, "")

	// A quote in the URL must not be able to close the href attribute.
	assert.Contains(t, htmlBody, `href="https://example.com/a?x=1&amp;y=&#34;quoted&#34;"`)
	assert.NotContains(t, htmlBody, `y="quoted"`)
	// Plain text carries the raw link.
	assert.Contains(t, textBody, `https://example.com/a?x=1&y="quoted"`)
}

func TestRenderDigestTimezone(t *testing.T) {
	zone, err := time.LoadLocation("America/New_York")
	assert.NoError(t, err)

	// 13:00 UTC is 09:00 in New York during DST.
	htmlBody, _ := RenderDigest(sampleDigest(t), zone, "")
	assert.Contains(t, htmlBody, "09:00 AM EDT")
}

func TestSubject(t *testing.T) {
	now := time.Date(2026, 8, 30, 13, 5, 0, 0, time.UTC)
	assert.Equal(t, "🗞️ News – 2026-08-30 01:05 PM UTC", Subject(now, time.UTC))
}

func TestRenderSummary(t *testing.T) {
	summary := "First paragraph about the week.\n\nSecond paragraph with <tags> in it."

	htmlBody, textBody := RenderSummary(summary)

	assert.Contains(t, htmlBody, "<h2>Your Week in Review</h2>")
	assert.Contains(t, htmlBody, "<p>First paragraph about the week.</p>")
	assert.Contains(t, htmlBody, "&lt;tags&gt;")
	assert.Contains(t, textBody, "First paragraph about the week.")
	assert.Contains(t, textBody, "Second paragraph with <tags> in it.")
}

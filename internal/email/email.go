// Package email renders the digest as multipart HTML/plain-text mail and
// delivers it over SMTP with STARTTLS. Delivery failure is recoverable for
// the run: the caller logs it and skips history recording.
package email

import (
	"context"
	"fmt"
	"html"
	"strings"
	"time"

	"github.com/wneessen/go-mail"

	"newsdigest/internal/digest"
	"newsdigest/internal/retry"
)

// Config carries SMTP endpoint, credentials and addressing.
type Config struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
	To       string
	Bcc      []string
}

// Sender delivers rendered digests.
type Sender struct {
	cfg   Config
	retry retry.Config
}

func NewSender(cfg Config, retryCfg retry.Config) *Sender {
	return &Sender{cfg: cfg, retry: retryCfg}
}

// Send delivers one message with both HTML and plain-text bodies.
func (s *Sender) Send(ctx context.Context, subject, htmlBody, textBody string) error {
	msg := mail.NewMsg()
	if err := msg.From(s.cfg.From); err != nil {
		return fmt.Errorf("set from address: %w", err)
	}
	if err := msg.To(s.cfg.To); err != nil {
		return fmt.Errorf("set to address: %w", err)
	}
	if len(s.cfg.Bcc) > 0 {
		if err := msg.Bcc(s.cfg.Bcc...); err != nil {
			return fmt.Errorf("set bcc addresses: %w", err)
		}
	}
	msg.Subject(subject)
	msg.SetBodyString(mail.TypeTextPlain, textBody)
	msg.AddAlternativeString(mail.TypeTextHTML, htmlBody)

	client, err := mail.NewClient(s.cfg.Host,
		mail.WithPort(s.cfg.Port),
		mail.WithSMTPAuth(mail.SMTPAuthPlain),
		mail.WithUsername(s.cfg.Username),
		mail.WithPassword(s.cfg.Password),
		mail.WithTLSPolicy(mail.TLSMandatory),
	)
	if err != nil {
		return fmt.Errorf("create smtp client: %w", err)
	}

	return retry.WithRetry(ctx, s.retry, func() error {
		return client.DialAndSendWithContext(ctx, msg)
	})
}

// RenderDigest produces the HTML and plain-text bodies for a digest.
// Timestamps are rendered in the user's timezone; the footer describes the
// run so the recipient can tell why these articles were picked.
func RenderDigest(d *digest.Digest, zone *time.Location, footer string) (htmlBody, textBody string) {
	var hb, tb strings.Builder

	hb.WriteString("<h2>Your News</h2>")
	tb.WriteString("Your News\n\n")

	for _, section := range d.Topics {
		fmt.Fprintf(&hb, `<h3 style="margin: 0 0 0 0;">%s</h3>`, html.EscapeString(section.Topic))
		fmt.Fprintf(&tb, "%s\n", section.Topic)

		for _, a := range section.Articles {
			published := a.Published.In(zone).Format("Mon, 02 Jan 2006 03:04 PM MST")
			fmt.Fprintf(&hb,
				`<p style="margin: 0.4em 0 1.2em 0;">📰 <a href="%s" target="_blank">%s</a><br><span style="font-size: 0.9em;">📅 %s</span></p>`,
				html.EscapeString(a.Link), html.EscapeString(a.Title), published)
			fmt.Fprintf(&tb, "- %s\n  %s\n  %s\n", a.Title, published, a.Link)
		}
		tb.WriteString("\n")
	}

	if footer != "" {
		fmt.Fprintf(&hb, "<hr><small>%s</small>", html.EscapeString(footer))
		fmt.Fprintf(&tb, "--\n%s\n", footer)
	}

	return hb.String(), tb.String()
}

// RenderSummary produces the HTML and plain-text bodies for a week-in-review
// summary. The oracle returns prose with blank-line paragraph breaks; HTML
// gets one <p> per paragraph, plain text passes through as-is.
func RenderSummary(summary string) (htmlBody, textBody string) {
	var hb strings.Builder
	hb.WriteString("<h2>Your Week in Review</h2>")
	for _, paragraph := range strings.Split(summary, "\n\n") {
		paragraph = strings.TrimSpace(paragraph)
		if paragraph == "" {
			continue
		}
		fmt.Fprintf(&hb, "<p>%s</p>", html.EscapeString(paragraph))
	}
	return hb.String(), "Your Week in Review\n\n" + summary + "\n"
}

// Subject builds the digest subject line with the run timestamp in the
// user's timezone.
func Subject(now time.Time, zone *time.Location) string {
	return fmt.Sprintf("🗞️ News – %s", now.In(zone).Format("2006-01-02 03:04 PM MST"))
}

package dispatch

import (
	"context"
	"fmt"
	"html"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"sharecal/internal/common"
	"sharecal/internal/domain"
	"sharecal/internal/mail"
	"sharecal/internal/metrics"
)

const (
	RouteTentative = "tentative"
	RouteConfirmed = "confirmed"
)

var tokenPattern = regexp.MustCompile(`^[0-9a-f]{32}$`)

// Sender delivers one email and returns the provider's message id.
type Sender interface {
	Send(ctx context.Context, e mail.Email) (string, error)
}

// Outcome is the result of a dispatch or confirmation.
type Outcome struct {
	Success   bool
	MessageID string
	Route     string
	Err       error
}

type Config struct {
	FromEmail        string
	ToTentativeEmail string
	ToConfirmedEmail string
	// PublicURL is where /confirm/{token} links point.
	PublicURL string
	// TokenTTL bounds how long a confirmation stays usable.
	TokenTTL time.Duration
}

type Router struct {
	sender  Sender
	store   ConfirmationStore
	cfg     Config
	now     func() time.Time
	metrics *metrics.Metrics
	log     zerolog.Logger
}

func NewRouter(sender Sender, store ConfirmationStore, cfg Config, now func() time.Time, m *metrics.Metrics, log zerolog.Logger) *Router {
	if now == nil {
		now = time.Now
	}
	return &Router{
		sender:  sender,
		store:   store,
		cfg:     cfg,
		now:     now,
		metrics: m,
		log:     log.With().Str("component", "dispatch").Logger(),
	}
}

// Dispatch sends artifact to the tentative address when result needs review or the job
// asked for tentative routing, otherwise to the confirmed address. A result that needs
// review gets a confirmation token, written back into result. The queue is untouched.
func (r *Router) Dispatch(ctx context.Context, job domain.QueueJob, artifact domain.Artifact, result *domain.ExtractionResult) Outcome {
	from := pick(job.Overrides.FromEmail, r.cfg.FromEmail)
	confirmedTo := pick(job.Overrides.ToConfirmedEmail, r.cfg.ToConfirmedEmail)
	subject := subjectFor(result.Events)

	route, to := RouteConfirmed, confirmedTo
	if result.NeedsReview || job.Tentative {
		route, to = RouteTentative, pick(job.Overrides.ToTentativeEmail, r.cfg.ToTentativeEmail)
	}
	log := r.log.With().Str("job_id", job.ID).Str("route", route).Str("to", to).Logger()

	var token, link string
	if result.NeedsReview {
		token = newToken()
		link = r.confirmLink(token)
		now := r.now()
		err := r.store.Save(ctx, domain.Confirmation{
			Token:     token,
			JobID:     job.ID,
			To:        confirmedTo,
			From:      from,
			Subject:   subject,
			TextBody:  textBody(result.Events, job.Payload.URL, ""),
			Artifact:  artifact,
			ExpiresAt: now.Add(r.cfg.TokenTTL),
			CreatedAt: now,
		})
		if err != nil {
			r.metrics.Dispatched(route, false)
			return Outcome{Route: route, Err: common.NewError(common.KindDispatch, "could not store confirmation", err)}
		}
	}

	prefix := ""
	if route == RouteTentative {
		prefix = "[Tentative] "
	}
	id, err := r.sender.Send(ctx, mail.Email{
		From:        from,
		To:          to,
		Subject:     prefix + subject,
		TextBody:    textBody(result.Events, job.Payload.URL, link),
		HTMLBody:    htmlBody(result.Events, job.Payload.URL, link),
		Attachments: []mail.Attachment{mail.NewAttachment(artifact.Filename, artifact.ContentType, artifact.Data)},
		Tag:         route,
	})
	r.metrics.Dispatched(route, err == nil)
	if err != nil {
		if token != "" {
			if derr := r.store.Delete(ctx, token); derr != nil {
				log.Warn().Err(derr).Msg("failed to drop unsent confirmation")
			}
		}
		log.Error().Err(err).Msg("send failed")
		return Outcome{Route: route, Err: common.NewError(common.KindDispatch, "email send failed", err)}
	}

	result.ConfirmationToken = token
	log.Info().Str("message_id", id).Bool("token", token != "").Msg("dispatched")
	return Outcome{Success: true, MessageID: id, Route: route}
}

// Confirm promotes a tentative dispatch: the stored artifact is re-sent to the
// confirmed address. A token works once; a failed send leaves it usable.
func (r *Router) Confirm(ctx context.Context, token string) Outcome {
	token = strings.ToLower(strings.TrimSpace(token))
	if !tokenPattern.MatchString(token) {
		r.metrics.Confirmed(false)
		return Outcome{Route: RouteConfirmed, Err: common.Errorf(common.KindInvalidToken, "malformed confirmation token")}
	}

	c, err := r.store.Claim(ctx, token, r.now())
	if err != nil {
		r.metrics.Confirmed(false)
		if !IsInvalidToken(err) {
			err = common.NewError(common.KindDispatch, "could not load confirmation", err)
		}
		r.log.Warn().Err(err).Msg("confirmation rejected")
		return Outcome{Route: RouteConfirmed, Err: err}
	}

	id, err := r.sender.Send(ctx, mail.Email{
		From:        c.From,
		To:          c.To,
		Subject:     c.Subject,
		TextBody:    c.TextBody,
		Attachments: []mail.Attachment{mail.NewAttachment(c.Artifact.Filename, c.Artifact.ContentType, c.Artifact.Data)},
		Tag:         RouteConfirmed,
	})
	r.metrics.Dispatched(RouteConfirmed, err == nil)
	if err != nil {
		if rerr := r.store.Release(ctx, token); rerr != nil {
			r.log.Error().Err(rerr).Str("job_id", c.JobID).Msg("failed to release confirmation after send failure")
		}
		r.metrics.Confirmed(false)
		return Outcome{Route: RouteConfirmed, Err: common.NewError(common.KindDispatch, "email send failed", err)}
	}

	r.metrics.Confirmed(true)
	r.log.Info().Str("job_id", c.JobID).Str("message_id", id).Str("to", c.To).Msg("tentative event confirmed")
	return Outcome{Success: true, MessageID: id, Route: RouteConfirmed}
}

// PurgeExpired drops confirmations past their lifetime.
func (r *Router) PurgeExpired(ctx context.Context) (int, error) {
	return r.store.PurgeExpired(ctx, r.now())
}

func (r *Router) confirmLink(token string) string {
	return strings.TrimRight(r.cfg.PublicURL, "/") + "/confirm/" + token
}

// newToken is 32 lowercase hex characters.
func newToken() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}

func pick(override, fallback string) string {
	if s := strings.TrimSpace(override); s != "" {
		return s
	}
	return fallback
}

func subjectFor(events []domain.ExtractedEvent) string {
	if len(events) == 0 || strings.TrimSpace(events[0].Summary) == "" {
		return "New event"
	}
	s := events[0].Summary
	if len(events) > 1 {
		s = fmt.Sprintf("%s (+%d more)", s, len(events)-1)
	}
	return s
}

func when(e domain.ExtractedEvent) string {
	s := e.StartDate
	if e.StartTime != "" {
		s += " " + e.StartTime
	}
	if e.EndDate != "" && e.EndDate != e.StartDate {
		s += " to " + e.EndDate
		if e.EndTime != "" {
			s += " " + e.EndTime
		}
	} else if e.EndTime != "" {
		s += "-" + e.EndTime
	}
	if e.Timezone != "" {
		s += " (" + e.Timezone + ")"
	}
	return s
}

func textBody(events []domain.ExtractedEvent, source, link string) string {
	var b strings.Builder
	for _, e := range events {
		fmt.Fprintf(&b, "%s\n%s\n", e.Summary, when(e))
		if e.Location != "" {
			fmt.Fprintf(&b, "%s\n", e.Location)
		}
		b.WriteString("\n")
	}
	if source != "" {
		fmt.Fprintf(&b, "Source: %s\n", source)
	}
	if link != "" {
		fmt.Fprintf(&b, "\nThis event was filed as tentative. Confirm it here:\n%s\n", link)
	}
	return b.String()
}

func htmlBody(events []domain.ExtractedEvent, source, link string) string {
	var b strings.Builder
	for _, e := range events {
		fmt.Fprintf(&b, "<p><strong>%s</strong><br>%s", html.EscapeString(e.Summary), html.EscapeString(when(e)))
		if e.Location != "" {
			fmt.Fprintf(&b, "<br>%s", html.EscapeString(e.Location))
		}
		b.WriteString("</p>")
	}
	if source != "" {
		u := html.EscapeString(source)
		fmt.Fprintf(&b, `<p>Source: <a href="%s">%s</a></p>`, u, u)
	}
	if link != "" {
		fmt.Fprintf(&b, `<p>This event was filed as tentative. <a href="%s">Confirm it</a>.</p>`, html.EscapeString(link))
	}
	return b.String()
}

package api

import (
	"context"
	"encoding/json"
	"html/template"
	"io"
	"net/http"
	"net/http/pprof"
	"regexp"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
	"github.com/santhosh-tekuri/jsonschema/v5"
	"sharecal/internal/common"
	"sharecal/internal/dispatch"
	"sharecal/internal/domain"
	"sharecal/internal/ingest"
	"sharecal/internal/mail"
	"sharecal/internal/metrics"
	"sharecal/internal/queue"
	"sharecal/internal/settings"
	"sharecal/internal/worker"
)

const maxBodyBytes = 2 << 20

type Drainer interface {
	DrainOnce(ctx context.Context) (worker.Stats, error)
	Trigger()
}

type Confirmer interface {
	Confirm(ctx context.Context, token string) dispatch.Outcome
}

type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

type Deps struct {
	Queue    queue.Repository
	Settings settings.Provider
	Drainer  Drainer
	Confirm  Confirmer
	Fetcher  HealthChecker
	Metrics  *metrics.Metrics
	Log      zerolog.Logger
}

type Options struct {
	BasicAuthUser string
	BasicAuthPass string
	RatePerMinute int
	RateBurst     int
	EnableDebug   bool
	// Now drives the rate limiter.
	Now func() time.Time
}

type Server struct {
	r    *chi.Mux
	deps Deps
	now  func() time.Time
	log  zerolog.Logger
}

func NewServer(d Deps, o Options) http.Handler {
	if o.Now == nil {
		o.Now = time.Now
	}
	r := chi.NewRouter()
	log := d.Log.With().Str("component", "api").Logger()
	r.Use(middleware.RequestID, middleware.RealIP, requestLogger(log), middleware.Recoverer)

	s := &Server{r: r, deps: d, now: o.Now, log: log}

	r.Get("/health", s.health)

	r.Group(func(r chi.Router) {
		if o.RatePerMinute > 0 {
			r.Use(NewRateLimiter(o.RatePerMinute, o.RateBurst, o.Now).Middleware)
		}

		// Reached from emailed links, so the token is the credential. GET only
		// renders the form; link scanners prefetch GETs.
		r.Get("/confirm/{token}", s.confirmForm)
		r.Post("/confirm/{token}", s.confirmLink)

		r.Group(func(r chi.Router) {
			r.Use(basicAuth(o.BasicAuthUser, o.BasicAuthPass))
			r.Get("/health/fetcher", s.fetcherHealth)
			r.Handle("/metrics", d.Metrics.Handler())
			r.Post("/api/shares", s.submitShare)
			r.Get("/api/jobs", s.listJobs)
			r.Get("/api/jobs/{id}", s.getJob)
			r.Post("/api/jobs/{id}/retry", s.retryJob)
			r.Delete("/api/jobs/{id}", s.discardJob)
			r.Post("/api/drain", s.drain)
			r.Post("/webhooks/inbound", s.inbound)

			// Debug routes (pprof)
			if o.EnableDebug {
				r.HandleFunc("/debug/pprof/", pprof.Index)
				r.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
				r.HandleFunc("/debug/pprof/profile", pprof.Profile)
				r.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
				r.HandleFunc("/debug/pprof/trace", pprof.Trace)
				r.Handle("/debug/pprof/goroutine", pprof.Handler("goroutine"))
				r.Handle("/debug/pprof/heap", pprof.Handler("heap"))
			}
		})
	})
	return r
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (s *Server) fetcherHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Fetcher.HealthCheck(r.Context()); err != nil {
		writeError(w, http.StatusServiceUnavailable, "FetcherUnavailable", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type shareOptions struct {
	Tentative    bool             `json:"tentative"`
	Multiday     bool             `json:"multiday"`
	ReviewFirst  bool             `json:"reviewFirst"`
	Instructions string           `json:"instructions"`
	Overrides    domain.Overrides `json:"overrides"`
}

func (s *Server) submitShare(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, string(common.KindValidation), "could not read body")
		return
	}
	p, err := ingest.DecodePayload(body, s.now())
	if err != nil {
		handleError(w, err)
		return
	}
	var opts shareOptions
	if err := json.Unmarshal(body, &opts); err != nil {
		writeError(w, http.StatusBadRequest, string(common.KindValidation), "share options have the wrong shape")
		return
	}

	snap := settings.Merge(s.deps.Settings.Snapshot(), opts.Overrides, opts.Tentative, opts.Multiday, opts.ReviewFirst, opts.Instructions)
	job, err := s.deps.Queue.Enqueue(r.Context(), p, snap)
	if err != nil {
		handleError(w, err)
		return
	}
	s.deps.Metrics.Enqueued()
	s.deps.Drainer.Trigger()
	writeJSON(w, http.StatusAccepted, job)
}

func (s *Server) listJobs(w http.ResponseWriter, r *http.Request) {
	jobs, err := s.deps.Queue.List(r.Context())
	if err != nil {
		handleError(w, err)
		return
	}
	if status := r.URL.Query().Get("status"); status != "" {
		filtered := jobs[:0]
		for _, j := range jobs {
			if string(j.Status) == status {
				filtered = append(filtered, j)
			}
		}
		jobs = filtered
	}
	if jobs == nil {
		jobs = []domain.QueueJob{}
	}
	writeJSON(w, http.StatusOK, jobs)
}

func (s *Server) getJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.deps.Queue.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		handleError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) retryJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.deps.Queue.Retry(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		handleError(w, err)
		return
	}
	s.deps.Drainer.Trigger()
	writeJSON(w, http.StatusAccepted, job)
}

func (s *Server) discardJob(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Queue.Discard(r.Context(), chi.URLParam(r, "id")); err != nil {
		handleError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) drain(w http.ResponseWriter, r *http.Request) {
	st, err := s.deps.Drainer.DrainOnce(r.Context())
	if err != nil {
		handleError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

var confirmPage = template.Must(template.New("confirm").Parse(`<!doctype html>
<html><head><meta charset="utf-8"><title>sharecal</title></head>
<body><h1>{{.Title}}</h1><p>{{.Message}}</p>
{{if .Action}}<form method="post" action="{{.Action}}"><button type="submit">Confirm event</button></form>{{end}}
</body></html>
`))

type confirmView struct {
	Title   string
	Message string
	Action  string
}

func (s *Server) renderConfirm(w http.ResponseWriter, code int, page confirmView) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(code)
	if err := confirmPage.Execute(w, page); err != nil {
		s.log.Error().Err(err).Msg("render confirm page")
	}
}

func (s *Server) confirmForm(w http.ResponseWriter, r *http.Request) {
	s.renderConfirm(w, http.StatusOK, confirmView{
		Title:   "Confirm event",
		Message: "Send this event to your calendar?",
		Action:  "/confirm/" + chi.URLParam(r, "token"),
	})
}

func (s *Server) confirmLink(w http.ResponseWriter, r *http.Request) {
	out := s.deps.Confirm.Confirm(r.Context(), chi.URLParam(r, "token"))
	page := confirmView{Title: "Event confirmed", Message: "The event was sent to your calendar."}
	code := http.StatusOK
	if !out.Success {
		code = http.StatusInternalServerError
		page.Title, page.Message = "Could not confirm", "Sending the event failed. Try the link again later."
		switch common.KindOf(out.Err) {
		case common.KindInvalidToken:
			code = http.StatusNotFound
			page.Title, page.Message = "Link expired", "This confirmation link was already used or has expired."
		case common.KindDispatch:
			code = http.StatusBadGateway
		}
	}
	s.renderConfirm(w, code, page)
}

const inboundSchema = `{
  "oneOf": [
    {
      "type": "object",
      "properties": {
        "type":  {"const": "confirm"},
        "token": {"type": "string", "minLength": 1}
      },
      "required": ["type", "token"],
      "additionalProperties": false
    },
    {
      "type": "object",
      "properties": {
        "type": {"const": "email"},
        "text": {"type": "string"},
        "html": {"type": "string"},
        "raw":  {"type": "string"}
      },
      "required": ["type"],
      "additionalProperties": false
    }
  ]
}`

var compiledInbound = jsonschema.MustCompileString("inbound.json", inboundSchema)

// inboundEvent is one of the shapes accepted by the inbound webhook, told apart by Type.
type inboundEvent struct {
	Type  string `json:"type"`
	Token string `json:"token"`
	Text  string `json:"text"`
	HTML  string `json:"html"`
	Raw   string `json:"raw"`
}

var tokenInBody = regexp.MustCompile(`confirm/([0-9a-fA-F]{32})\b`)

// decodeInbound validates the body against the known shapes. Anything else is a
// validation error.
func decodeInbound(body []byte) (inboundEvent, error) {
	var doc any
	if err := json.Unmarshal(body, &doc); err != nil {
		return inboundEvent{}, common.NewError(common.KindValidation, "webhook body is not JSON", err)
	}
	if err := compiledInbound.Validate(doc); err != nil {
		return inboundEvent{}, common.NewError(common.KindValidation, "unknown webhook payload", err)
	}
	var ev inboundEvent
	if err := json.Unmarshal(body, &ev); err != nil {
		return inboundEvent{}, common.NewError(common.KindValidation, "unknown webhook payload", err)
	}
	return ev, nil
}

// tokenFromEmail finds the confirmation link in a forwarded or replied-to email.
func tokenFromEmail(ev inboundEvent) (string, error) {
	text, html := ev.Text, ev.HTML
	if ev.Raw != "" {
		t, h, err := mail.ReadBodies(strings.NewReader(ev.Raw))
		if err != nil {
			return "", common.NewError(common.KindValidation, "raw email is unreadable", err)
		}
		text += "\n" + t
		html += "\n" + h
	}
	for _, body := range []string{text, html} {
		if m := tokenInBody.FindStringSubmatch(body); m != nil {
			return strings.ToLower(m[1]), nil
		}
	}
	return "", common.Errorf(common.KindValidation, "no confirmation link in email")
}

func (s *Server) inbound(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, string(common.KindValidation), "could not read body")
		return
	}
	ev, err := decodeInbound(body)
	if err != nil {
		handleError(w, err)
		return
	}

	token := ev.Token
	if ev.Type == "email" {
		if token, err = tokenFromEmail(ev); err != nil {
			handleError(w, err)
			return
		}
	}
	out := s.deps.Confirm.Confirm(r.Context(), token)
	if !out.Success {
		handleError(w, out.Err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"confirmed": true, "messageId": out.MessageID})
}

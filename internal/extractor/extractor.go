package extractor

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"sharecal/internal/cache"
	"sharecal/internal/common"
	"sharecal/internal/domain"
	"sharecal/internal/fetcher"
	"sharecal/internal/metrics"
)

// Input is the normalised content for one extraction. Text wins over HTML; HTML is
// only converted when Text is empty.
type Input struct {
	HTML         string
	Text         string
	URL          string
	Title        string
	SelectedText string
	Screenshot   string
	Source       string
}

type Options struct {
	Model           string
	ReasoningEffort string
	Instructions    string
	Multiday        bool
	ReviewFirst     bool
}

type Config struct {
	DefaultModel        string
	ConfidenceThreshold float64
	CacheTTL            time.Duration
	Timeout             time.Duration
	MaxTextChars        int
}

type Extractor struct {
	model   Model
	cache   cache.Store
	cfg     Config
	now     func() time.Time
	metrics *metrics.Metrics
	log     zerolog.Logger
}

func New(model Model, store cache.Store, cfg Config, now func() time.Time, m *metrics.Metrics, log zerolog.Logger) *Extractor {
	if now == nil {
		now = time.Now
	}
	return &Extractor{
		model:   model,
		cache:   store,
		cfg:     cfg,
		now:     now,
		metrics: m,
		log:     log.With().Str("component", "extractor").Logger(),
	}
}

// Key is the cache fingerprint for in and opts. Content fetched from a URL is
// identified by the URL; text-only shares are identified by their text.
func (e *Extractor) Key(in Input, opts Options) string {
	text := in.SelectedText
	if strings.TrimSpace(in.URL) == "" && strings.TrimSpace(text) == "" {
		text = in.Text
	}
	return cache.Fingerprint(in.URL, text, opts.Instructions, e.modelName(opts))
}

// Extract returns the events found in in. The cached result for the same fingerprint
// is reused when present, so identical requests reach the model at most once.
func (e *Extractor) Extract(ctx context.Context, in Input, opts Options) (domain.ExtractionResult, error) {
	effort, err := NormalizeEffort(opts.ReasoningEffort)
	if err != nil {
		return domain.ExtractionResult{}, err
	}
	model := e.modelName(opts)
	key := e.Key(in, opts)
	reqID := uuid.NewString()
	log := e.log.With().Str("req_id", reqID).Str("key", key).Str("model", model).Logger()

	var cached domain.ExtractionResult
	hit, err := cache.GetJSON(ctx, e.cache, key, &cached)
	if err != nil {
		log.Warn().Err(err).Msg("cache lookup failed, calling model")
	}
	e.metrics.CacheLookup(hit)
	if hit {
		log.Info().Float64("confidence", cached.Confidence).Int("events", len(cached.Events)).Msg("extraction cache hit")
		return finalize(cached, opts), nil
	}

	if in.Text == "" && in.HTML != "" {
		in.Text = fetcher.Text(in.HTML, e.cfg.MaxTextChars)
	}
	if strings.TrimSpace(in.Text) == "" && strings.TrimSpace(in.SelectedText) == "" && in.Screenshot == "" {
		return domain.ExtractionResult{}, common.Errorf(common.KindExtraction, "no content to extract from")
	}

	callCtx := ctx
	if e.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, e.cfg.Timeout)
		defer cancel()
	}

	start := time.Now()
	raw, err := e.model.Complete(callCtx, ModelRequest{
		Model:           model,
		ReasoningEffort: effort,
		System:          systemPrompt,
		User:            buildUserPrompt(in, opts.Instructions, e.now()),
		ImageDataURL:    in.Screenshot,
	})
	e.metrics.ModelCall(err == nil)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return domain.ExtractionResult{}, common.NewError(common.KindExtraction, "model call timed out", err)
		}
		return domain.ExtractionResult{}, common.NewError(common.KindExtraction, "model call failed", err)
	}

	out, err := parseOutput(raw)
	if err != nil {
		log.Warn().Err(err).Msg("rejected model output")
		return domain.ExtractionResult{}, common.NewError(common.KindExtraction, "invalid model output", err)
	}

	result := domain.ExtractionResult{
		Events:      toEvents(out.Events, in.URL),
		Confidence:  out.Confidence,
		Source:      in.Source,
		Model:       model,
		Timestamp:   e.now().UTC().Truncate(time.Millisecond),
		NeedsReview: out.Confidence < e.cfg.ConfidenceThreshold,
	}
	if err := cache.SetJSON(ctx, e.cache, key, result, e.cfg.CacheTTL); err != nil {
		log.Warn().Err(err).Msg("failed to cache extraction")
	}

	log.Info().
		Float64("confidence", result.Confidence).
		Int("events", len(result.Events)).
		Bool("needs_review", result.NeedsReview).
		Dur("elapsed", time.Since(start)).
		Msg("extraction complete")
	return finalize(result, opts), nil
}

func (e *Extractor) modelName(opts Options) string {
	if m := strings.TrimSpace(opts.Model); m != "" {
		return m
	}
	return e.cfg.DefaultModel
}

// finalize applies the per-job view to a stored result without touching the stored
// copy: a single-event job keeps only the first event, and reviewFirst forces review.
func finalize(r domain.ExtractionResult, opts Options) domain.ExtractionResult {
	events := make([]domain.ExtractedEvent, len(r.Events))
	copy(events, r.Events)
	if !opts.Multiday && len(events) > 1 {
		events = events[:1]
	}
	r.Events = events
	if opts.ReviewFirst {
		r.NeedsReview = true
	}
	r.ConfirmationToken = ""
	return r
}

func toEvents(in []modelEvent, sourceURL string) []domain.ExtractedEvent {
	events := make([]domain.ExtractedEvent, 0, len(in))
	for _, ev := range in {
		e := domain.ExtractedEvent{
			Summary:     strings.TrimSpace(ev.Summary),
			Location:    deref(ev.Location),
			Description: deref(ev.Description),
			Timezone:    deref(ev.Timezone),
			URL:         deref(ev.URL),
			StartDate:   ev.StartDate,
			StartTime:   deref(ev.StartTime),
			EndDate:     deref(ev.EndDate),
			EndTime:     deref(ev.EndTime),
		}
		if e.URL == "" {
			e.URL = sourceURL
		}
		events = append(events, e)
	}
	return events
}

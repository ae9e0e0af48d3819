package pipeline

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"sharecal/internal/cache"
	"sharecal/internal/calendar"
	"sharecal/internal/common"
	"sharecal/internal/dispatch"
	"sharecal/internal/domain"
	"sharecal/internal/extractor"
	"sharecal/internal/fetcher"
)

const (
	SourceURL       = "url"
	SourceSelection = "selection"
)

type Fetcher interface {
	Fetch(ctx context.Context, target string, opts fetcher.Options) fetcher.Result
}

type Extractor interface {
	Key(in extractor.Input, opts extractor.Options) string
	Extract(ctx context.Context, in extractor.Input, opts extractor.Options) (domain.ExtractionResult, error)
}

type Dispatcher interface {
	Dispatch(ctx context.Context, job domain.QueueJob, artifact domain.Artifact, result *domain.ExtractionResult) dispatch.Outcome
}

type Config struct {
	Screenshot      bool
	FetchTimeout    time.Duration
	ReasoningEffort string
	Calendar        calendar.Config
	// ArtifactTTL matches the extraction cache lifetime.
	ArtifactTTL time.Duration
}

// Processor runs one queued share through fetch, extract, generate and dispatch.
type Processor struct {
	fetch    Fetcher
	extract  Extractor
	dispatch Dispatcher
	cache    cache.Store
	cfg      Config
	log      zerolog.Logger
}

func NewProcessor(f Fetcher, x Extractor, d Dispatcher, store cache.Store, cfg Config, log zerolog.Logger) *Processor {
	return &Processor{
		fetch:    f,
		extract:  x,
		dispatch: d,
		cache:    store,
		cfg:      cfg,
		log:      log.With().Str("component", "pipeline").Logger(),
	}
}

func (p *Processor) Process(ctx context.Context, job domain.QueueJob) error {
	log := p.log.With().Str("job_id", job.ID).Logger()

	in, err := p.content(ctx, job, log)
	if err != nil {
		return err
	}
	opts := extractor.Options{
		Model:           job.Overrides.Model,
		ReasoningEffort: p.cfg.ReasoningEffort,
		Instructions:    job.Instructions,
		Multiday:        job.Multiday,
		ReviewFirst:     job.ReviewFirst,
	}
	result, err := p.extract.Extract(ctx, in, opts)
	if err != nil {
		return err
	}
	if len(result.Events) == 0 {
		return common.Errorf(common.KindExtraction, "no events found")
	}

	artifact, err := p.artifact(ctx, p.extract.Key(in, opts), job, result, log)
	if err != nil {
		return err
	}

	out := p.dispatch.Dispatch(ctx, job, artifact, &result)
	if !out.Success {
		return out.Err
	}
	log.Info().Str("route", out.Route).Str("message_id", out.MessageID).
		Bool("needs_review", result.NeedsReview).Msg("share processed")
	return nil
}

// content fetches the shared page. A blocked or malformed URL always fails; a
// transient fetch failure falls back to the text the user selected, if any.
func (p *Processor) content(ctx context.Context, job domain.QueueJob, log zerolog.Logger) (extractor.Input, error) {
	pl := job.Payload
	in := extractor.Input{
		URL:          pl.URL,
		Title:        pl.Title,
		SelectedText: pl.SelectedText,
		Source:       SourceURL,
	}
	res := p.fetch.Fetch(ctx, pl.URL, fetcher.Options{IncludeScreenshot: p.cfg.Screenshot, Timeout: p.cfg.FetchTimeout})
	if res.Err == nil {
		in.HTML = res.HTML
		in.Screenshot = res.Screenshot
		if in.Title == "" {
			in.Title = res.Title
		}
		return in, nil
	}

	if errors.Is(res.Err, common.ErrFetchBlocked) || errors.Is(res.Err, common.ErrValidation) {
		return extractor.Input{}, res.Err
	}
	if strings.TrimSpace(pl.SelectedText) == "" {
		return extractor.Input{}, res.Err
	}
	log.Warn().Err(res.Err).Msg("fetch failed, using selected text")
	in.Text = pl.SelectedText
	in.Source = SourceSelection
	return in, nil
}

// artifact reuses the calendar generated by an earlier attempt at the same share,
// so a dispatch retry does not regenerate it.
func (p *Processor) artifact(ctx context.Context, key string, job domain.QueueJob, result domain.ExtractionResult, log zerolog.Logger) (domain.Artifact, error) {
	key += ":ics"
	if job.Multiday {
		key += ":multiday"
	}
	var a domain.Artifact
	hit, err := cache.GetJSON(ctx, p.cache, key, &a)
	if err != nil {
		log.Warn().Err(err).Msg("artifact cache lookup failed")
	}
	if hit && len(a.Data) > 0 {
		log.Debug().Str("filename", a.Filename).Msg("artifact cache hit")
		return a, nil
	}

	cfg := p.cfg.Calendar
	cfg.GeneratedAt = result.Timestamp
	a, err = calendar.Generate(result.Events, cfg)
	if err != nil {
		return domain.Artifact{}, common.NewError(common.KindExtraction, "could not build calendar", err)
	}
	if err := cache.SetJSON(ctx, p.cache, key, a, p.cfg.ArtifactTTL); err != nil {
		log.Warn().Err(err).Msg("failed to cache artifact")
	}
	return a, nil
}

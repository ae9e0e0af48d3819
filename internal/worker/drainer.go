package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"sharecal/internal/common"
	"sharecal/internal/domain"
	"sharecal/internal/metrics"
	"sharecal/internal/queue"
)

// Processor runs the full pipeline for one job.
type Processor interface {
	Process(ctx context.Context, job domain.QueueJob) error
}

type ProcessorFunc func(ctx context.Context, job domain.QueueJob) error

func (f ProcessorFunc) Process(ctx context.Context, job domain.QueueJob) error { return f(ctx, job) }

// Stats summarises one drain pass.
type Stats struct {
	Processed int `json:"processed"`
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
}

// staleGrace is added to the job timeout before a processing job is presumed
// abandoned by a crashed process.
const staleGrace = time.Minute

// Drainer works through pending jobs in enqueue order, one at a time.
type Drainer struct {
	repo       queue.Repository
	proc       Processor
	jobTimeout time.Duration
	pollEvery  time.Duration
	trigger    chan struct{}
	mu         sync.Mutex
	metrics    *metrics.Metrics
	log        zerolog.Logger
}

func NewDrainer(repo queue.Repository, proc Processor, jobTimeout, pollEvery time.Duration, m *metrics.Metrics, log zerolog.Logger) *Drainer {
	return &Drainer{
		repo:       repo,
		proc:       proc,
		jobTimeout: jobTimeout,
		pollEvery:  pollEvery,
		trigger:    make(chan struct{}, 1),
		metrics:    m,
		log:        log.With().Str("component", "drainer").Logger(),
	}
}

// Trigger asks Run for a drain pass as soon as possible. It never blocks.
func (d *Drainer) Trigger() {
	select {
	case d.trigger <- struct{}{}:
	default:
	}
}

// Run drains on every tick and trigger until ctx is done. A corrupt store stops
// the loop and is returned.
func (d *Drainer) Run(ctx context.Context) error {
	t := time.NewTicker(d.pollEvery)
	defer t.Stop()
	d.Trigger()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
		case <-d.trigger:
		}
		if _, err := d.DrainOnce(ctx); err != nil {
			if errors.Is(err, common.ErrCorruptStore) {
				return err
			}
			if ctx.Err() == nil {
				d.log.Error().Err(err).Msg("drain pass aborted")
			}
		}
	}
}

// DrainOnce processes every job that was pending when the pass started. A failing
// job is marked failed and the pass moves on; only queue storage errors end it early.
func (d *Drainer) DrainOnce(ctx context.Context) (Stats, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	start := time.Now()
	var st Stats
	if d.jobTimeout > 0 {
		n, err := d.repo.RecoverStale(ctx, d.jobTimeout+staleGrace)
		if err != nil {
			return st, fmt.Errorf("recover stale jobs: %w", err)
		}
		if n > 0 {
			d.log.Info().Int("recovered", n).Msg("returned abandoned jobs to pending")
		}
	}
	jobs, err := d.repo.List(ctx)
	if err != nil {
		return st, fmt.Errorf("list jobs: %w", err)
	}
	var ids []string
	for _, j := range jobs {
		if j.Status == domain.StatusPending {
			ids = append(ids, j.ID)
		}
	}

	for _, id := range ids {
		if ctx.Err() != nil {
			break
		}
		job, ok, err := d.repo.MarkProcessing(ctx, id)
		if err != nil {
			return st, fmt.Errorf("mark job %s processing: %w", id, err)
		}
		if !ok {
			continue
		}
		st.Processed++

		log := d.log.With().Str("job_id", job.ID).Str("url", job.Payload.URL).Logger()
		if perr := d.run(ctx, job); perr != nil {
			st.Failed++
			kind := common.KindOf(perr)
			if kind == "" {
				kind = "UNKNOWN"
			}
			d.metrics.JobDone(string(kind))
			log.Warn().Err(perr).Str("kind", string(kind)).Msg("job failed")
			if err := d.repo.MarkFailed(ctx, job.ID, common.Message(perr)); err != nil {
				if errors.Is(err, common.ErrNotFound) {
					log.Info().Msg("job removed while running")
					continue
				}
				return st, fmt.Errorf("mark job %s failed: %w", job.ID, err)
			}
			continue
		}
		st.Succeeded++
		d.metrics.JobDone("")
		log.Info().Msg("job done")
		if err := d.repo.Delete(ctx, job.ID); err != nil && !errors.Is(err, common.ErrNotFound) {
			return st, fmt.Errorf("remove job %s: %w", job.ID, err)
		}
	}

	pending := 0
	if rest, err := d.repo.List(ctx); err == nil {
		for _, j := range rest {
			if j.Status == domain.StatusPending {
				pending++
			}
		}
	}
	d.metrics.Drained(time.Since(start).Seconds(), pending)
	if st.Processed > 0 {
		d.log.Info().Int("processed", st.Processed).Int("succeeded", st.Succeeded).Int("failed", st.Failed).Dur("took", time.Since(start)).Msg("drain pass complete")
	}
	return st, nil
}

// run calls the processor under the job timeout. A panic fails the job instead of
// the process.
func (d *Drainer) run(ctx context.Context, job domain.QueueJob) (err error) {
	if d.jobTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.jobTimeout)
		defer cancel()
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("job panicked: %v", r)
		}
	}()
	return d.proc.Process(ctx, job)
}

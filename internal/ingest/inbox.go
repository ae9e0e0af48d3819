package ingest

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
	"sharecal/internal/domain"
	"sharecal/internal/metrics"
	"sharecal/internal/settings"
)

const failedDir = "failed"

type Enqueuer interface {
	Enqueue(ctx context.Context, p domain.SharedPayload, snap domain.Snapshot) (domain.QueueJob, error)
}

// Inbox turns *.json share files dropped into a directory into queued jobs.
type Inbox struct {
	dir       string
	queue     Enqueuer
	settings  settings.Provider
	debounce  time.Duration
	now       func() time.Time
	onEnqueue func()
	metrics   *metrics.Metrics
	log       zerolog.Logger
}

func NewInbox(dir string, q Enqueuer, s settings.Provider, debounce time.Duration, m *metrics.Metrics, log zerolog.Logger) *Inbox {
	return &Inbox{
		dir:       dir,
		queue:     q,
		settings:  s,
		debounce:  debounce,
		now:       time.Now,
		onEnqueue: func() {},
		metrics:   m,
		log:       log.With().Str("component", "inbox").Str("dir", dir).Logger(),
	}
}

// OnEnqueue registers fn to run after files were queued, usually a drain trigger.
func (i *Inbox) OnEnqueue(fn func()) { i.onEnqueue = fn }

// ScanOnce ingests every share file currently in the inbox, oldest name first.
func (i *Inbox) ScanOnce(ctx context.Context) (int, error) {
	if err := os.MkdirAll(filepath.Join(i.dir, failedDir), 0o755); err != nil {
		return 0, fmt.Errorf("create inbox: %w", err)
	}
	entries, err := os.ReadDir(i.dir)
	if err != nil {
		return 0, fmt.Errorf("read inbox: %w", err)
	}
	var names []string
	for _, e := range entries {
		if !e.IsDir() && isShareFile(e.Name()) {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	n := 0
	for _, name := range names {
		ok, err := i.Ingest(ctx, filepath.Join(i.dir, name))
		if err != nil {
			return n, err
		}
		if ok {
			n++
		}
	}
	if n > 0 {
		i.onEnqueue()
	}
	return n, nil
}

// Ingest queues one file and removes it. An invalid file is moved to failed/ and
// reported as not queued; only queue errors are returned.
func (i *Inbox) Ingest(ctx context.Context, path string) (bool, error) {
	log := i.log.With().Str("file", filepath.Base(path)).Logger()
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("read %s: %w", path, err)
	}

	p, err := DecodePayload(data, i.now())
	if err != nil {
		log.Error().Err(err).Msg("rejected share file")
		if merr := os.Rename(path, filepath.Join(i.dir, failedDir, filepath.Base(path))); merr != nil {
			log.Error().Err(merr).Msg("could not move rejected share file")
		}
		return false, nil
	}

	job, err := i.queue.Enqueue(ctx, p, i.settings.Snapshot())
	if err != nil {
		return false, fmt.Errorf("enqueue %s: %w", path, err)
	}
	i.metrics.Enqueued()
	if err := os.Remove(path); err != nil {
		log.Warn().Err(err).Msg("could not remove queued share file")
	}
	log.Info().Str("job_id", job.ID).Str("url", p.URL).Msg("share queued")
	return true, nil
}

// Watch ingests new share files until ctx is done. Bursts of events for the same
// file are coalesced for the debounce interval so half-written files are not read.
func (i *Inbox) Watch(ctx context.Context) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer w.Close()
	if err := w.Add(i.dir); err != nil {
		return fmt.Errorf("watch %s: %w", i.dir, err)
	}
	i.log.Info().Dur("debounce", i.debounce).Msg("watching inbox")

	// Files that arrived before the watch was registered raise no event.
	if _, err := i.ScanOnce(ctx); err != nil {
		return err
	}

	pending := map[string]struct{}{}
	timer := time.NewTimer(time.Hour)
	timer.Stop()
	defer timer.Stop()

	flush := func() error {
		n := 0
		for path := range pending {
			delete(pending, path)
			ok, err := i.Ingest(ctx, path)
			if err != nil {
				return err
			}
			if ok {
				n++
			}
		}
		if n > 0 {
			i.onEnqueue()
		}
		return nil
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case e, ok := <-w.Events:
			if !ok {
				return nil
			}
			if !isShareFile(e.Name) || e.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename) == 0 {
				continue
			}
			pending[e.Name] = struct{}{}
			timer.Reset(i.debounce)
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			i.log.Error().Err(err).Msg("watcher error")
		case <-timer.C:
			if err := flush(); err != nil {
				return err
			}
		}
	}
}

func isShareFile(name string) bool {
	base := filepath.Base(name)
	return strings.EqualFold(filepath.Ext(base), ".json") && !strings.HasPrefix(base, ".")
}

package scheduler

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"sharecal/internal/metrics"
)

type countingSweeper struct {
	n     int
	err   error
	calls int32
}

func (s *countingSweeper) SweepExpired(context.Context) (int, error) {
	atomic.AddInt32(&s.calls, 1)
	return s.n, s.err
}

func (s *countingSweeper) PurgeExpired(ctx context.Context) (int, error) {
	return s.SweepExpired(ctx)
}

type triggerCounter struct{ n int32 }

func (d *triggerCounter) Trigger() { atomic.AddInt32(&d.n, 1) }

func TestValidateCronExpression(t *testing.T) {
	assert.NoError(t, ValidateCronExpression("@every 15m"))
	assert.NoError(t, ValidateCronExpression("*/5 * * * *"))
	assert.Error(t, ValidateCronExpression("every day"))

	next, err := NextRunTime("0 3 * * *", time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	assert.Equal(t, time.Date(2025, 6, 2, 3, 0, 0, 0, time.UTC), next)
}

func TestNewServiceRejectsBadSchedule(t *testing.T) {
	_, err := NewService(Config{CacheSweep: "sometimes"}, nil, nil, nil, nil, zerolog.Nop())
	assert.Error(t, err)
}

func TestSweepCacheRecordsMetric(t *testing.T) {
	m := metrics.New()
	sw := &countingSweeper{n: 3}
	s, err := NewService(Config{}, sw, sw, nil, m, zerolog.Nop())
	require.NoError(t, err)

	s.SweepCache()
	assert.Equal(t, float64(3), testutil.ToFloat64(m.CacheSwept))

	sw.err = errors.New("locked")
	s.SweepCache()
	assert.Equal(t, float64(3), testutil.ToFloat64(m.CacheSwept))

	s.PurgeConfirmations()
	assert.EqualValues(t, 3, atomic.LoadInt32(&sw.calls))
}

func TestScheduledDrainTrigger(t *testing.T) {
	d := &triggerCounter{}
	s, err := NewService(Config{DrainSchedule: "@every 1s"}, nil, nil, d, nil, zerolog.Nop())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.Start(ctx)
		close(done)
	}()

	assert.Eventually(t, func() bool { return atomic.LoadInt32(&d.n) > 0 }, 3*time.Second, 50*time.Millisecond)
	cancel()
	<-done
}

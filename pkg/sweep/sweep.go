// Package sweep removes dead session records. Reap is the lazy path taken
// when a lookup trips over an expired record; Sweeper is the periodic batch
// delete that catches sessions nobody revisits.
package sweep

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/pixperk/lockbox/pkg/clock"
	"github.com/pixperk/lockbox/pkg/logging"
	"github.com/pixperk/lockbox/pkg/metrics"
	"github.com/pixperk/lockbox/pkg/store"
	"github.com/pixperk/lockbox/pkg/types"
)

const (
	DefaultInterval = time.Minute
	MinInterval     = time.Minute
)

// Reap deletes the record at key if it is still dead at now. A concurrent
// writer that revived the record wins. Failures are logged and dropped, the
// active sweep cleans up eventually.
func Reap(ctx context.Context, s store.Store, key types.Key, now time.Time, logger *slog.Logger) bool {
	n, err := s.DeleteIf(ctx, key, types.WhenDead(now))
	if err != nil {
		if logger != nil {
			logger.WarnContext(ctx, "lazy expiry failed", "session", key.String(), "error", err)
		}
		return false
	}
	if n > 0 {
		metrics.LazyExpireTotal.Inc()
		return true
	}
	return false
}

// ClampInterval applies the default and the one minute floor.
func ClampInterval(d time.Duration) time.Duration {
	if d <= 0 {
		return DefaultInterval
	}
	if d < MinInterval {
		return MinInterval
	}
	return d
}

// TickSource yields ticks every d until stop is called.
type TickSource func(d time.Duration) (ticks <-chan time.Time, stop func())

func realTicker(d time.Duration) (<-chan time.Time, func()) {
	t := time.NewTicker(d)
	return t.C, t.Stop
}

type Option func(*Sweeper)

func WithClock(c clock.Clock) Option {
	return func(s *Sweeper) { s.clock = c }
}

func WithLogger(l *slog.Logger) Option {
	return func(s *Sweeper) { s.logger = l }
}

func WithTickSource(ts TickSource) Option {
	return func(s *Sweeper) { s.ticks = ts }
}

// Sweeper periodically deletes every record dead at the current time.
type Sweeper struct {
	store    store.Store
	interval time.Duration
	clock    clock.Clock
	logger   *slog.Logger
	ticks    TickSource

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

func New(s store.Store, interval time.Duration, opts ...Option) *Sweeper {
	sw := &Sweeper{
		store:    s,
		interval: ClampInterval(interval),
		clock:    clock.New(),
		logger:   logging.NewNop(),
		ticks:    realTicker,
	}
	for _, opt := range opts {
		opt(sw)
	}
	return sw
}

func (s *Sweeper) Interval() time.Duration {
	return s.interval
}

// RunOnce performs one batch delete and reports how many records it removed.
func (s *Sweeper) RunOnce(ctx context.Context) (int64, error) {
	start := time.Now()
	now := s.clock.Now()

	n, err := s.store.DeleteExpired(ctx, now)
	metrics.SweepDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.SweepRunsTotal.WithLabelValues("failure").Inc()
		return 0, err
	}

	metrics.SweepRunsTotal.WithLabelValues("success").Inc()
	metrics.SweepDeletedTotal.Add(float64(n))
	return n, nil
}

// Start launches the background loop. Calling Start on a running sweeper
// does nothing.
func (s *Sweeper) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cancel != nil {
		return
	}

	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})

	ticks, stop := s.ticks(s.interval)
	go s.loop(ctx, ticks, stop, s.done)

	s.logger.Info("sweeper started", "interval", s.interval)
}

// Stop halts the loop and waits for an in-flight sweep to finish.
func (s *Sweeper) Stop() {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.cancel, s.done = nil, nil
	s.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done

	s.logger.Info("sweeper stopped")
}

func (s *Sweeper) loop(ctx context.Context, ticks <-chan time.Time, stop func(), done chan struct{}) {
	defer close(done)
	defer stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticks:
			n, err := s.RunOnce(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				s.logger.Error("sweep failed", "error", err)
				continue
			}
			if n > 0 {
				s.logger.Debug("swept expired sessions", "deleted", n)
			}
		}
	}
}

package session_test

import (
	"context"
	"fmt"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pixperk/lockbox/pkg/session"
	"github.com/pixperk/lockbox/pkg/store"
	"github.com/pixperk/lockbox/pkg/store/bolt"
	"github.com/pixperk/lockbox/pkg/store/memory"
)

// Run with: go test -bench=. -benchtime=10s ./pkg/session/

func benchStores() map[string]func(tb testing.TB) store.Store {
	return map[string]func(tb testing.TB) store.Store{
		"memory": func(tb testing.TB) store.Store { return memory.New() },
		"bolt": func(tb testing.TB) store.Store {
			s, err := bolt.Open(filepath.Join(tb.TempDir(), "bench.db"))
			if err != nil {
				tb.Fatalf("open bolt: %v", err)
			}
			return s
		},
	}
}

func newBenchProvider(tb testing.TB, open func(tb testing.TB) store.Store) *session.Provider {
	s := open(tb)
	tb.Cleanup(func() { s.Close() })
	return session.NewProvider(s, session.Config{ApplicationName: "bench"})
}

// one request: lock, write back, unlock
func cycle(ctx context.Context, p *session.Provider, sid string) (bool, error) {
	key := p.Key(sid)
	item, err := p.FetchExclusive(ctx, key)
	if err != nil {
		return false, err
	}
	if !item.Found {
		if err := p.CreatePlaceholder(ctx, key, 0); err != nil {
			return false, err
		}
		return false, nil
	}
	if item.Locked {
		return false, nil
	}
	_, err = p.CommitAndRelease(ctx, key, item.LockToken, []byte("payload"), false, 0)
	return err == nil, err
}

func BenchmarkSequential(b *testing.B) {
	for name, open := range benchStores() {
		b.Run(name, func(b *testing.B) {
			p := newBenchProvider(b, open)
			ctx := context.Background()

			b.ResetTimer()
			for i := 0; i < b.N; i++ {
				if _, err := cycle(ctx, p, "bench-sequential"); err != nil {
					b.Fatalf("cycle: %v", err)
				}
			}
		})
	}
}

func BenchmarkParallel(b *testing.B) {
	for name, open := range benchStores() {
		b.Run(name, func(b *testing.B) {
			p := newBenchProvider(b, open)
			var seq atomic.Int64

			b.RunParallel(func(pb *testing.PB) {
				ctx := context.Background()
				sid := fmt.Sprintf("bench-parallel-%d", seq.Add(1))

				for pb.Next() {
					cycle(ctx, p, sid)
				}
			})
		})
	}
}

func BenchmarkContention(b *testing.B) {
	const workers = 3

	for name, open := range benchStores() {
		b.Run(name, func(b *testing.B) {
			p := newBenchProvider(b, open)
			ctx := context.Background()
			cycle(ctx, p, "bench-contention")

			var acquired atomic.Int64
			var wg sync.WaitGroup
			opsPerWorker := b.N / workers

			b.ResetTimer()
			for i := 0; i < workers; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					for j := 0; j < opsPerWorker; j++ {
						if ok, _ := cycle(ctx, p, "bench-contention"); ok {
							acquired.Add(1)
						}
					}
				}()
			}
			wg.Wait()

			b.ReportMetric(float64(acquired.Load())/float64(b.N), "acquired/op")
		})
	}
}

type latencyStats struct {
	samples []time.Duration
	mu      sync.Mutex
}

func (s *latencyStats) record(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.samples = append(s.samples, d)
}

func (s *latencyStats) percentile(p float64) time.Duration {
	idx := int(float64(len(s.samples)) * p)
	if idx >= len(s.samples) {
		idx = len(s.samples) - 1
	}
	return s.samples[idx]
}

func (s *latencyStats) report(t *testing.T, label string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.samples) == 0 {
		t.Logf("%s: no samples", label)
		return
	}
	sort.Slice(s.samples, func(i, j int) bool { return s.samples[i] < s.samples[j] })

	t.Logf("%s (%d samples): min=%v p50=%v p90=%v p99=%v max=%v", label, len(s.samples),
		s.samples[0], s.percentile(0.50), s.percentile(0.90), s.percentile(0.99), s.samples[len(s.samples)-1])
}

func TestPercentileSequential(t *testing.T) {
	if testing.Short() {
		t.Skip("latency report")
	}

	for name, open := range benchStores() {
		t.Run(name, func(t *testing.T) {
			p := newBenchProvider(t, open)
			ctx := context.Background()
			stats := &latencyStats{}

			for i := 0; i < 1000; i++ {
				start := time.Now()
				if _, err := cycle(ctx, p, "percentile-sequential"); err != nil {
					t.Fatalf("cycle: %v", err)
				}
				stats.record(time.Since(start))
			}

			stats.report(t, "sequential/"+name)
		})
	}
}

func TestPercentileContention(t *testing.T) {
	if testing.Short() {
		t.Skip("latency report")
	}

	const workers = 3

	for name, open := range benchStores() {
		t.Run(name, func(t *testing.T) {
			p := newBenchProvider(t, open)
			ctx := context.Background()
			stats := &latencyStats{}

			var wg sync.WaitGroup
			for i := 0; i < workers; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					for j := 0; j < 300; j++ {
						start := time.Now()
						if _, err := cycle(ctx, p, "percentile-contention"); err != nil {
							t.Errorf("cycle: %v", err)
							return
						}
						stats.record(time.Since(start))
					}
				}()
			}
			wg.Wait()

			stats.report(t, "contention/"+name)
		})
	}
}

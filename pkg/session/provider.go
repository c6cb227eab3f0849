// Package session answers the host-facing session operations: fetch with or
// without an exclusive lock, commit and release, placeholder creation,
// release, removal and timeout reset. It owns the active sweeper's
// lifecycle.
package session

import (
	"context"
	"log/slog"
	"time"

	"github.com/pixperk/lockbox/pkg/clock"
	"github.com/pixperk/lockbox/pkg/lock"
	"github.com/pixperk/lockbox/pkg/logging"
	"github.com/pixperk/lockbox/pkg/metrics"
	"github.com/pixperk/lockbox/pkg/store"
	"github.com/pixperk/lockbox/pkg/sweep"
	"github.com/pixperk/lockbox/pkg/types"
)

const DefaultTimeoutMinutes = 20

type Config struct {
	ApplicationName       string
	DefaultTimeoutMinutes int
	SweepInterval         time.Duration
	// record storage failures to the audit sink and return ErrProviderFailure
	SuppressStorageErrors bool
}

// Item is what a fetch reports to the host.
type Item struct {
	Found  bool
	Locked bool
	// how long the current holder has had the lock, set when Locked
	LockAge        time.Duration
	LockToken      uint64
	ActionFlags    types.ActionFlags
	Payload        []byte
	TimeoutMinutes int
}

// Placeholder reports whether the host must initialize a fresh payload.
func (i *Item) Placeholder() bool {
	return i.ActionFlags == types.ActionInitialize
}

type CommitResult int

const (
	CommitCommitted CommitResult = iota
	// the token was superseded, the payload was not persisted
	CommitStale
)

func (r CommitResult) String() string {
	if r == CommitStale {
		return "stale"
	}
	return "committed"
}

type Option func(*Provider)

func WithLogger(l *slog.Logger) Option {
	return func(p *Provider) { p.logger = l }
}

func WithClock(c clock.Clock) Option {
	return func(p *Provider) { p.clock = c }
}

func WithAuditSink(a AuditSink) Option {
	return func(p *Provider) { p.audit = a }
}

// WithSweepOptions passes options through to the active sweeper.
func WithSweepOptions(opts ...sweep.Option) Option {
	return func(p *Provider) { p.sweepOpts = append(p.sweepOpts, opts...) }
}

type Provider struct {
	cfg     Config
	store   store.Store
	locks   *lock.Manager
	sweeper *sweep.Sweeper

	clock     clock.Clock
	logger    *slog.Logger
	audit     AuditSink
	sweepOpts []sweep.Option
}

func NewProvider(s store.Store, cfg Config, opts ...Option) *Provider {
	if cfg.DefaultTimeoutMinutes <= 0 {
		cfg.DefaultTimeoutMinutes = DefaultTimeoutMinutes
	}
	cfg.SweepInterval = sweep.ClampInterval(cfg.SweepInterval)

	p := &Provider{
		cfg:    cfg,
		store:  s,
		clock:  clock.New(),
		logger: logging.NewNop(),
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.audit == nil {
		p.audit = SlogAuditSink{Logger: p.logger}
	}

	p.locks = lock.NewManager(s, p.clock, p.logger)
	p.sweeper = sweep.New(s, cfg.SweepInterval,
		append([]sweep.Option{sweep.WithClock(p.clock), sweep.WithLogger(p.logger)}, p.sweepOpts...)...)

	return p
}

func (p *Provider) Config() Config {
	return p.cfg
}

// Key scopes a session id to the configured application.
func (p *Provider) Key(sessionID string) types.Key {
	return types.Key{Application: p.cfg.ApplicationName, SessionID: sessionID}
}

// Start runs the active sweeper until Stop or ctx is done.
func (p *Provider) Start(ctx context.Context) {
	p.sweeper.Start(ctx)
}

func (p *Provider) Stop() {
	p.sweeper.Stop()
}

// Sweep runs one active sweep now.
func (p *Provider) Sweep(ctx context.Context) (int64, error) {
	n, err := p.sweeper.RunOnce(ctx)
	if err != nil {
		return 0, p.fail(ctx, "sweep", types.Key{Application: p.cfg.ApplicationName}, err)
	}
	return n, nil
}

func (p *Provider) FetchShared(ctx context.Context, key types.Key) (*Item, error) {
	return p.Fetch(ctx, key, false)
}

func (p *Provider) FetchExclusive(ctx context.Context, key types.Key) (*Item, error) {
	return p.Fetch(ctx, key, true)
}

// Fetch returns the session for key. Missing, expired and contended
// sessions are outcomes on the Item, not errors.
func (p *Provider) Fetch(ctx context.Context, key types.Key, exclusive bool) (*Item, error) {
	if err := key.Validate(); err != nil {
		return nil, err
	}

	if exclusive {
		return p.fetchExclusive(ctx, key)
	}
	return p.fetchShared(ctx, key)
}

func (p *Provider) fetchExclusive(ctx context.Context, key types.Key) (*Item, error) {
	acq, err := p.locks.TryAcquire(ctx, key)
	if err != nil {
		return nil, p.fail(ctx, "fetch", key, err)
	}

	switch {
	case acq.Acquired:
		metrics.FetchTotal.WithLabelValues("exclusive", "found").Inc()
		return itemFrom(acq.Record, acq.ActionFlags), nil

	case acq.State == lock.Locked:
		metrics.FetchTotal.WithLabelValues("exclusive", "locked").Inc()
		item := &Item{Locked: true, LockAge: acq.LockAge}
		if acq.Record != nil {
			item.LockToken = acq.Record.LockToken
		}
		return item, nil

	default:
		metrics.FetchTotal.WithLabelValues("exclusive", "absent").Inc()
		return &Item{}, nil
	}
}

// shared reads never take the lock and never report contention
func (p *Provider) fetchShared(ctx context.Context, key types.Key) (*Item, error) {
	obs, err := p.locks.Observe(ctx, key)
	if err != nil {
		return nil, p.fail(ctx, "fetch", key, err)
	}

	if obs.State == lock.Absent || obs.State == lock.Expired {
		metrics.FetchTotal.WithLabelValues("shared", "absent").Inc()
		return &Item{}, nil
	}

	metrics.FetchTotal.WithLabelValues("shared", "found").Inc()
	return itemFrom(obs.Record, obs.Record.ActionFlags), nil
}

func itemFrom(rec *types.Record, flags types.ActionFlags) *Item {
	item := &Item{
		Found:          true,
		LockToken:      rec.LockToken,
		ActionFlags:    flags,
		TimeoutMinutes: rec.TimeoutMinutes,
		Payload:        rec.Payload,
	}
	//placeholders hand back an empty payload whatever is stored
	if flags == types.ActionInitialize || item.Payload == nil {
		item.Payload = []byte{}
	}
	return item
}

// CommitAndRelease persists payload. With isNew a fresh unlocked record is
// inserted after any dead record at the key is purged. Otherwise the
// payload is written back under token; CommitStale means the token was
// superseded and nothing was written.
func (p *Provider) CommitAndRelease(ctx context.Context, key types.Key, token uint64, payload []byte, isNew bool, timeoutMinutes int) (CommitResult, error) {
	if err := key.Validate(); err != nil {
		return CommitCommitted, err
	}
	timeoutMinutes = p.timeout(timeoutMinutes)

	if isNew {
		rec := p.locks.NewRecord(key, timeoutMinutes, payload, types.ActionNone)
		if err := p.locks.Create(ctx, rec); err != nil {
			return CommitCommitted, p.fail(ctx, "commit", key, err)
		}
		metrics.CommitTotal.WithLabelValues("inserted").Inc()
		return CommitCommitted, nil
	}

	ok, err := p.locks.WriteBack(ctx, key, token, payload, timeoutMinutes)
	if err != nil {
		return CommitCommitted, p.fail(ctx, "commit", key, err)
	}
	if !ok {
		metrics.CommitTotal.WithLabelValues("stale").Inc()
		p.logger.WarnContext(ctx, "stale session write dropped", "session", key.String(), "token", token)
		return CommitStale, nil
	}

	metrics.CommitTotal.WithLabelValues("committed").Inc()
	return CommitCommitted, nil
}

// CreatePlaceholder reserves the session id with an empty record flagged
// for initialization.
func (p *Provider) CreatePlaceholder(ctx context.Context, key types.Key, timeoutMinutes int) error {
	if err := key.Validate(); err != nil {
		return err
	}

	rec := p.locks.NewRecord(key, p.timeout(timeoutMinutes), nil, types.ActionInitialize)
	if err := p.locks.Create(ctx, rec); err != nil {
		return p.fail(ctx, "placeholder", key, err)
	}

	metrics.PlaceholderTotal.Inc()
	return nil
}

// Release unlocks without writing. A stale token is a no-op.
func (p *Provider) Release(ctx context.Context, key types.Key, token uint64) error {
	if err := key.Validate(); err != nil {
		return err
	}

	ok, err := p.locks.Release(ctx, key, token)
	if err != nil {
		return p.fail(ctx, "release", key, err)
	}

	metrics.ReleaseTotal.WithLabelValues(outcome(ok, "released")).Inc()
	return nil
}

// Remove deletes the session. A stale token is a no-op.
func (p *Provider) Remove(ctx context.Context, key types.Key, token uint64) error {
	if err := key.Validate(); err != nil {
		return err
	}

	ok, err := p.locks.Remove(ctx, key, token)
	if err != nil {
		return p.fail(ctx, "remove", key, err)
	}

	metrics.RemoveTotal.WithLabelValues(outcome(ok, "removed")).Inc()
	return nil
}

// ResetTimeout moves expiry to now+timeout without touching the lock or
// payload. timeoutMinutes <= 0 slides by the record's stored timeout.
// Only live records are touched: a record already dead at now stays dead
// and is left for the sweeper, so a late reset never revives a session.
func (p *Provider) ResetTimeout(ctx context.Context, key types.Key, timeoutMinutes int) error {
	if err := key.Validate(); err != nil {
		return err
	}

	if _, err := p.locks.Touch(ctx, key, timeoutMinutes); err != nil {
		return p.fail(ctx, "reset_timeout", key, err)
	}
	return nil
}

func (p *Provider) timeout(minutes int) int {
	if minutes <= 0 {
		return p.cfg.DefaultTimeoutMinutes
	}
	return minutes
}

func outcome(ok bool, success string) string {
	if ok {
		return success
	}
	return "stale"
}

// Package expiry runs the periodic sweep that purges expired transfers and
// reconciles the in-memory key registry with the metadata store.
package expiry

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"file-relay/internal/keys"
	"file-relay/internal/metrics"
	"file-relay/internal/store"
)

const (
	DefaultTTL      = time.Hour
	DefaultInterval = time.Hour
)

// ErrStoreUnavailable aborts a tick when the metadata store cannot be reached.
var ErrStoreUnavailable = errors.New("expiry: metadata store unavailable")

// Registry is the part of keys.Registry the sweep needs.
type Registry interface {
	Exists(k keys.Key) bool
	Load(k keys.Key) bool
	Forget(k keys.Key)
}

// Pruner removes stale backup archives.
type Pruner interface {
	Prune(now time.Time) (int, error)
}

// Config holds the sweep timing.
type Config struct {
	TTL      time.Duration
	Interval time.Duration
}

// Report summarises one tick.
type Report struct {
	Scanned      int
	Expired      int
	Restored     int
	FileErrors   int
	RecordErrors int
	Pruned       int
}

// Scheduler runs the sweep on a ticker.
type Scheduler struct {
	store    store.Store
	registry Registry
	cfg      Config
	pruner   Pruner
	metrics  *metrics.RelayMetrics
	now      func() time.Time

	// primed is set once a tick has completed against a reachable store.
	primed atomic.Bool

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithPruner prunes backup archives after every tick.
func WithPruner(p Pruner) Option {
	return func(s *Scheduler) {
		s.pruner = p
	}
}

// WithMetrics exports tick results.
func WithMetrics(m *metrics.RelayMetrics) Option {
	return func(s *Scheduler) {
		s.metrics = m
	}
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) {
		s.now = now
	}
}

// New returns a Scheduler. Zero TTL or Interval fall back to one hour.
func New(st store.Store, registry Registry, cfg Config, opts ...Option) *Scheduler {
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultTTL
	}
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	s := &Scheduler{
		store:    st,
		registry: registry,
		cfg:      cfg,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start runs one tick immediately and then one every Interval until ctx is
// cancelled or Stop is called. The immediate tick is skipped when an earlier
// RunOnce already succeeded.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return
	}

	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})

	log.Info().Str("service", "cleanup").Str("interval", s.cfg.Interval.String()).
		Str("ttl", s.cfg.TTL.String()).Msg("starting")

	go func() {
		defer close(s.done)

		ticker := time.NewTicker(s.cfg.Interval)
		defer ticker.Stop()

		if !s.primed.Load() {
			_, _ = s.RunOnce(ctx)
		}
		for {
			select {
			case <-ctx.Done():
				log.Info().Str("service", "cleanup").Msg("shutting_down")
				return
			case <-ticker.C:
				_, _ = s.RunOnce(ctx)
			}
		}
	}()
}

// Stop cancels the ticker loop and waits for an in-flight tick.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.cancel, s.done = nil, nil
	s.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// RunOnce executes a single tick.
func (s *Scheduler) RunOnce(ctx context.Context) (Report, error) {
	start := time.Now()
	now := s.now()
	var rep Report

	log.Info().Str("service", "cleanup").Msg("starting_cleanup_run")

	if err := s.store.Ping(ctx); err != nil {
		log.Error().Str("service", "cleanup").Err(err).Msg("store_unreachable")
		s.observe("store_unavailable", rep, start)
		return rep, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}

	err := s.store.Scan(ctx, func(rec store.Record) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		rep.Scanned++

		if !rec.Expired(now, s.cfg.TTL) {
			if s.registry.Exists(rec.Key) {
				return nil
			}
			if s.registry.Load(rec.Key) {
				rep.Restored++
				log.Info().Str("service", "cleanup").Str("key", string(rec.Key)).Msg("loaded_key")
			}
			return nil
		}

		if err := removeFile(rec.FilePath); err != nil {
			rep.FileErrors++
			log.Error().Str("service", "cleanup").Str("key", string(rec.Key)).
				Str("file", rec.FilePath).Err(err).Msg("file_delete_failed")
			return nil
		}

		if err := s.store.Delete(ctx, rec.Key); err != nil && !errors.Is(err, store.ErrNotFound) {
			rep.RecordErrors++
			log.Error().Str("service", "cleanup").Str("key", string(rec.Key)).
				Err(err).Msg("db_delete_failed")
			// The key stays reserved until its record is gone.
			s.registry.Load(rec.Key)
			return nil
		}
		s.registry.Forget(rec.Key)
		rep.Expired++
		log.Info().Str("service", "cleanup").Str("key", string(rec.Key)).
			Str("age", now.Sub(rec.CreatedAt).Truncate(time.Second).String()).
			Msg("deleted_expired_file")
		return nil
	})
	if err != nil {
		log.Error().Str("service", "cleanup").Err(err).Msg("scan_failed")
		s.observe("scan_failed", rep, start)
		if errors.Is(err, store.ErrUnavailable) {
			return rep, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
		}
		return rep, err
	}

	if s.pruner != nil {
		pruned, err := s.pruner.Prune(now)
		if err != nil {
			log.Warn().Str("service", "cleanup").Err(err).Msg("prune_backups_failed")
		}
		rep.Pruned = pruned
	}

	log.Info().Str("service", "cleanup").
		Int("scanned", rep.Scanned).Int("deleted", rep.Expired).Int("restored", rep.Restored).
		Int("file_errors", rep.FileErrors).Int("record_errors", rep.RecordErrors).
		Int("pruned", rep.Pruned).Int64("duration_ms", time.Since(start).Milliseconds()).
		Msg("cleanup_complete")
	s.observe("ok", rep, start)
	s.primed.Store(true)
	return rep, nil
}

func (s *Scheduler) observe(result string, rep Report, start time.Time) {
	if s.metrics == nil {
		return
	}
	s.metrics.SweepRuns.WithLabelValues(result).Inc()
	s.metrics.SweepExpired.Add(float64(rep.Expired))
	s.metrics.SweepRestored.Add(float64(rep.Restored))
	s.metrics.SweepFileErrors.Add(float64(rep.FileErrors))
	s.metrics.SweepDuration.Observe(time.Since(start).Seconds())
}

// removeFile deletes path. A file that is already gone counts as removed.
func removeFile(path string) error {
	if path == "" {
		return nil
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

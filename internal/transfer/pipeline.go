// Package transfer runs the finalisation steps of an upload once the payload
// has been received and the client already holds its key.
//
// The steps are:
//
//	move     temp file -> <data_dir>/<KEY>
//	archive  <KEY> -> <backup_dir>/<KEY>.zip   (concurrent with persist)
//	persist  Record{KEY, now, path} -> metadata store
//
// A failed move abandons the transfer and forgets the key. The move never
// replaces an existing stored file. A persist that finds the key already
// recorded abandons the transfer the same way, since the key still belongs to
// an earlier upload. Other archive and persist failures are logged; the stored
// file stays downloadable either way.
package transfer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"file-relay/internal/keys"
	"file-relay/internal/metrics"
	"file-relay/internal/store"
)

// ErrStoredFileExists is returned by the move step when the key already has a
// stored file.
var ErrStoredFileExists = errors.New("stored file already exists")

// Step names one finalisation step.
type Step string

const (
	StepMove    Step = "move"
	StepArchive Step = "archive"
	StepPersist Step = "persist"
)

// StepResult is the outcome of one step.
type StepResult struct {
	Step     Step
	Err      error
	Duration time.Duration
}

// Result is the outcome of a whole finalisation run.
type Result struct {
	Key   keys.Key
	Path  string
	Steps []StepResult
}

// Err returns the first step error, if any.
func (r Result) Err() error {
	for _, s := range r.Steps {
		if s.Err != nil {
			return fmt.Errorf("%s: %w", s.Step, s.Err)
		}
	}
	return nil
}

// Archiver writes the backup copy of a stored file.
type Archiver interface {
	Archive(ctx context.Context, key keys.Key, src string) (string, error)
}

// Forgetter drops a key that will never become downloadable.
type Forgetter interface {
	Forget(k keys.Key)
}

// Pipeline runs finalisation for accepted uploads.
type Pipeline struct {
	dataDir  string
	archiver Archiver
	store    store.Store
	registry Forgetter
	metrics  *metrics.RelayMetrics
	now      func() time.Time
	timeout  time.Duration

	wg sync.WaitGroup
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithArchiver enables the archive step.
func WithArchiver(a Archiver) Option {
	return func(p *Pipeline) {
		p.archiver = a
	}
}

// WithMetrics records step failures.
func WithMetrics(m *metrics.RelayMetrics) Option {
	return func(p *Pipeline) {
		p.metrics = m
	}
}

// WithClock replaces time.Now for record timestamps.
func WithClock(now func() time.Time) Option {
	return func(p *Pipeline) {
		p.now = now
	}
}

// WithTimeout bounds a detached run. Default 5 minutes.
func WithTimeout(d time.Duration) Option {
	return func(p *Pipeline) {
		p.timeout = d
	}
}

// New returns a Pipeline storing files under dataDir.
func New(dataDir string, st store.Store, registry Forgetter, opts ...Option) *Pipeline {
	p := &Pipeline{
		dataDir:  dataDir,
		store:    st,
		registry: registry,
		now:      time.Now,
		timeout:  5 * time.Minute,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// StoredPath returns the canonical location of the file for key.
func (p *Pipeline) StoredPath(key keys.Key) string {
	return filepath.Join(p.dataDir, string(key))
}

// Submit runs finalisation in the background, detached from any request.
func (p *Pipeline) Submit(key keys.Key, tempPath string) {
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), p.timeout)
		defer cancel()
		p.Run(ctx, key, tempPath)
	}()
}

// Wait blocks until every submitted run has finished.
func (p *Pipeline) Wait() {
	p.wg.Wait()
}

// Run executes the finalisation steps synchronously.
func (p *Pipeline) Run(ctx context.Context, key keys.Key, tempPath string) Result {
	res := Result{Key: key, Path: p.StoredPath(key)}

	move := p.timed(StepMove, func() error {
		return moveFile(tempPath, res.Path)
	})
	res.Steps = append(res.Steps, move)
	if move.Err != nil {
		_ = os.Remove(tempPath)
		p.registry.Forget(key)
		p.fail(key, move)
		return res
	}

	var archived, persisted StepResult
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		archived = p.timed(StepArchive, func() error {
			if p.archiver == nil {
				return nil
			}
			_, err := p.archiver.Archive(gctx, key, res.Path)
			return err
		})
		return nil
	})
	g.Go(func() error {
		persisted = p.timed(StepPersist, func() error {
			return p.store.Insert(gctx, store.Record{
				Key:       key,
				CreatedAt: p.now().UTC(),
				FilePath:  res.Path,
			})
		})
		return nil
	})
	_ = g.Wait()

	res.Steps = append(res.Steps, archived, persisted)
	if errors.Is(persisted.Err, store.ErrDuplicate) {
		_ = os.Remove(res.Path)
		p.registry.Forget(key)
	}
	for _, s := range res.Steps[1:] {
		if s.Err != nil {
			p.fail(key, s)
		}
	}

	log.Info().Str("service", "upload").Str("key", string(key)).
		Int64("duration_ms", (move.Duration + max(archived.Duration, persisted.Duration)).Milliseconds()).
		Bool("archived", archived.Err == nil).Bool("persisted", persisted.Err == nil).
		Msg("transfer_finalised")
	return res
}

func (p *Pipeline) timed(step Step, fn func() error) StepResult {
	start := time.Now()
	err := fn()
	return StepResult{Step: step, Err: err, Duration: time.Since(start)}
}

func (p *Pipeline) fail(key keys.Key, s StepResult) {
	if p.metrics != nil {
		p.metrics.UploadErrors.WithLabelValues(string(s.Step)).Inc()
	}
	ev := log.Error()
	if s.Step == StepArchive {
		ev = log.Warn()
	}
	ev.Str("service", "upload").Str("key", string(key)).Str("step", string(s.Step)).
		Err(s.Err).Msg(string(s.Step) + "_failed")
}

// moveFile moves src to dst without ever replacing an existing dst. It links
// then unlinks, copying when the two sit on different devices.
func moveFile(src, dst string) error {
	if err := os.MkdirAll(filepath.Dir(dst), 0o750); err != nil {
		return err
	}
	err := os.Link(src, dst)
	if err == nil {
		return os.Remove(src)
	}
	if errors.Is(err, fs.ErrExist) {
		return ErrStoredFileExists
	}
	if _, statErr := os.Stat(src); statErr != nil {
		return err
	}
	if cerr := copyFile(src, dst); cerr != nil {
		if errors.Is(cerr, fs.ErrExist) {
			return ErrStoredFileExists
		}
		_ = os.Remove(dst)
		return fmt.Errorf("link: %v; copy: %w", err, cerr)
	}
	return os.Remove(src)
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o640)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		return err
	}
	if err := out.Sync(); err != nil {
		_ = out.Close()
		return err
	}
	return out.Close()
}

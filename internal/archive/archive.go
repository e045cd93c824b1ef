// Package archive writes the compressed backup copy of every stored transfer.
//
// Archives are strictly secondary: downloads never read them, and callers
// only log archive errors.
package archive

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/klauspost/compress/zip"
	"github.com/rs/zerolog/log"

	"file-relay/internal/keys"
)

const archiveExt = ".zip"

// Uploader copies a finished archive somewhere off the box.
type Uploader interface {
	Upload(ctx context.Context, key keys.Key, path string) error
}

// Archiver writes <dir>/<KEY>.zip holding a single entry named <KEY>.
type Archiver struct {
	dir       string
	retention time.Duration
	offsite   Uploader
}

// Option configures an Archiver.
type Option func(*Archiver)

// WithRetention makes Prune delete archives older than d. Zero keeps them forever.
func WithRetention(d time.Duration) Option {
	return func(a *Archiver) {
		a.retention = d
	}
}

// WithOffsite copies every new archive through u.
func WithOffsite(u Uploader) Option {
	return func(a *Archiver) {
		a.offsite = u
	}
}

// New returns an Archiver writing into dir.
func New(dir string, opts ...Option) *Archiver {
	a := &Archiver{dir: dir}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Path returns where the archive for key lives.
func (a *Archiver) Path(key keys.Key) string {
	return filepath.Join(a.dir, string(key)+archiveExt)
}

// Archive streams src into a fresh zip archive for key and returns its path.
// The archive appears under its final name only once it is complete.
func (a *Archiver) Archive(ctx context.Context, key keys.Key, src string) (string, error) {
	if err := os.MkdirAll(a.dir, 0o750); err != nil {
		return "", fmt.Errorf("create backup dir: %w", err)
	}

	in, err := os.Open(src)
	if err != nil {
		return "", fmt.Errorf("open source: %w", err)
	}
	defer in.Close()

	info, err := in.Stat()
	if err != nil {
		return "", fmt.Errorf("stat source: %w", err)
	}

	final := a.Path(key)
	tmp := final + ".tmp"
	if err := writeZip(tmp, string(key), info.ModTime(), in); err != nil {
		_ = os.Remove(tmp)
		return "", err
	}
	if err := os.Rename(tmp, final); err != nil {
		_ = os.Remove(tmp)
		return "", fmt.Errorf("publish archive: %w", err)
	}

	if a.offsite != nil {
		if err := a.offsite.Upload(ctx, key, final); err != nil {
			return final, fmt.Errorf("offsite copy: %w", err)
		}
	}
	return final, nil
}

func writeZip(path, entry string, modified time.Time, src io.Reader) error {
	out, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o640)
	if err != nil {
		return fmt.Errorf("create archive: %w", err)
	}

	zw := zip.NewWriter(out)
	w, err := zw.CreateHeader(&zip.FileHeader{
		Name:     entry,
		Method:   zip.Deflate,
		Modified: modified,
	})
	if err != nil {
		_ = out.Close()
		return fmt.Errorf("create entry: %w", err)
	}
	if _, err := io.Copy(w, src); err != nil {
		_ = out.Close()
		return fmt.Errorf("compress: %w", err)
	}
	if err := zw.Close(); err != nil {
		_ = out.Close()
		return fmt.Errorf("finalize archive: %w", err)
	}
	return out.Close()
}

// Prune removes archives (and abandoned temp files) older than the retention
// period. It returns how many files it removed.
func (a *Archiver) Prune(now time.Time) (int, error) {
	if a.retention <= 0 {
		return 0, nil
	}

	entries, err := os.ReadDir(a.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("read backup dir: %w", err)
	}

	cutoff := now.Add(-a.retention)
	removed := 0
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !(strings.HasSuffix(name, archiveExt) || strings.HasSuffix(name, archiveExt+".tmp")) {
			continue
		}
		info, err := e.Info()
		if err != nil {
			log.Warn().Str("service", "archive").Str("file", name).Err(err).Msg("stat_failed")
			continue
		}
		if !info.ModTime().Before(cutoff) {
			continue
		}
		if err := os.Remove(filepath.Join(a.dir, name)); err != nil {
			log.Warn().Str("service", "archive").Str("file", name).Err(err).Msg("remove_old_backup_failed")
			continue
		}
		removed++
		log.Info().Str("service", "archive").Str("file", name).
			Str("age", now.Sub(info.ModTime()).String()).Msg("removed_old_backup")
	}
	return removed, nil
}

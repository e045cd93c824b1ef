package server

import (
	"context"
	"errors"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/rs/zerolog/log"

	"file-relay/internal/store"
)

// downloadHandler streams the stored file for GET /download?key=KEY.
//
// An unknown or malformed key answers INVALID_KEY with 200. A valid key whose
// file has vanished (an expiry tick won the race) fails with 404 and leaves
// the registry alone; the next tick reconciles it.
func (s *Server) downloadHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}

		key, ok := s.lookupKey(r)
		if !ok {
			s.metrics.InvalidKeys.WithLabelValues("download").Inc()
			writeText(w, http.StatusOK, bodyInvalidKey)
			return
		}
		rid := RequestIDFromContext(r.Context())

		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		rec, err := s.store.Find(ctx, key)
		cancel()

		path := filepath.Join(s.cfg.DataDir, string(key))
		switch {
		case err == nil:
			path = rec.FilePath
		case errors.Is(err, store.ErrNotFound):
			// Persist failed or is still in flight; the key is live in memory.
			log.Debug().Str("rid", rid).Str("key", string(key)).Msg("record_missing_using_canonical_path")
		default:
			log.Error().Str("rid", rid).Str("key", string(key)).Err(err).Msg("record_lookup_failed")
			s.metrics.DownloadErrors.WithLabelValues("store").Inc()
			http.Error(w, "metadata store unavailable", http.StatusServiceUnavailable)
			return
		}

		f, err := os.Open(path)
		if err != nil {
			log.Warn().Str("rid", rid).Str("key", string(key)).Err(err).Msg("stored_file_missing")
			s.metrics.DownloadErrors.WithLabelValues("file_missing").Inc()
			http.Error(w, "file not found", http.StatusNotFound)
			return
		}
		defer func() { _ = f.Close() }()

		info, err := f.Stat()
		if err != nil || info.IsDir() {
			s.metrics.DownloadErrors.WithLabelValues("file_missing").Inc()
			http.Error(w, "file not found", http.StatusNotFound)
			return
		}

		w.Header().Set("Content-Type", "application/octet-stream")
		w.Header().Set("Content-Length", strconv.FormatInt(info.Size(), 10))
		w.WriteHeader(http.StatusOK)
		s.metrics.Downloads.Inc()

		// A client disconnect just ends the copy.
		n, err := io.Copy(w, f)
		s.metrics.DownloadBytes.Add(float64(n))
		if err != nil {
			log.Info().Str("rid", rid).Str("key", string(key)).Int64("bytes", n).Err(err).Msg("download_aborted")
		}
	})
}

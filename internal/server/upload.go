package server

import (
	"crypto/subtle"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

const incomingDir = ".incoming"

var errNoFilePart = errors.New("missing file")

// authorized compares the Authorization header with the shared API key in
// constant time.
func (s *Server) authorized(r *http.Request) bool {
	got := r.Header.Get("Authorization")
	return s.cfg.APIKey != "" &&
		subtle.ConstantTimeCompare([]byte(got), []byte(s.cfg.APIKey)) == 1
}

// uploadHandler handles POST /upload.
//
// The key is allocated before any file I/O and returned as requestId:<KEY>
// once the payload is on disk. Moving it into place, archiving it and
// persisting its record happen afterwards in the transfer pipeline.
func (s *Server) uploadHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		rid := RequestIDFromContext(r.Context())

		if !s.authorized(r) {
			s.metrics.AuthFailures.Inc()
			log.Warn().Str("service", "upload").Str("rid", rid).Str("ip", getClientIP(r)).Msg("invalid_api_key")
			writeText(w, http.StatusUnauthorized, "Invalid API key.")
			return
		}

		if s.cfg.MaxUploadBytes > 0 {
			r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxUploadBytes)
		}

		key, err := s.registry.Allocate()
		if err != nil {
			log.Error().Str("service", "upload").Str("rid", rid).Err(err).Msg("key_allocation_failed")
			s.metrics.UploadErrors.WithLabelValues("allocate").Inc()
			http.Error(w, "no transfer keys available", http.StatusServiceUnavailable)
			return
		}

		tmp, n, err := s.receive(r)
		if err != nil {
			s.registry.Forget(key)
			s.metrics.UploadErrors.WithLabelValues("receive").Inc()
			log.Warn().Str("service", "upload").Str("rid", rid).Str("key", string(key)).
				Int64("bytes", n).Err(err).Msg("receive_failed")

			var mbe *http.MaxBytesError
			switch {
			case errors.As(err, &mbe):
				http.Error(w, "file too large", http.StatusRequestEntityTooLarge)
			case errors.Is(err, errNoFilePart):
				http.Error(w, "missing file", http.StatusBadRequest)
			default:
				http.Error(w, "bad upload", http.StatusBadRequest)
			}
			return
		}

		s.metrics.Uploads.Inc()
		s.metrics.UploadBytes.Add(float64(n))
		log.Info().Str("service", "upload").Str("rid", rid).Str("key", string(key)).
			Int64("bytes", n).Msg("upload_received")

		writeText(w, http.StatusOK, "requestId:"+string(key))

		s.pipeline.Submit(key, tmp)
	})
}

// receive streams the first file part of the multipart body into a temp file
// under the incoming directory. On error nothing is left on disk.
func (s *Server) receive(r *http.Request) (string, int64, error) {
	mr, err := r.MultipartReader()
	if err != nil {
		return "", 0, fmt.Errorf("bad multipart: %w", err)
	}

	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			return "", 0, errNoFilePart
		}
		if err != nil {
			return "", 0, fmt.Errorf("bad multipart: %w", err)
		}
		if part.FileName() == "" && part.FormName() != "file" {
			_ = part.Close()
			continue
		}

		tmp, n, err := s.writeIncoming(part)
		_ = part.Close()
		if err != nil {
			return "", n, err
		}
		return tmp, n, nil
	}
}

func (s *Server) writeIncoming(src io.Reader) (string, int64, error) {
	dir := filepath.Join(s.cfg.DataDir, incomingDir)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return "", 0, fmt.Errorf("create incoming dir: %w", err)
	}

	path := filepath.Join(dir, uuid.NewString()+".part")
	out, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o640)
	if err != nil {
		return "", 0, fmt.Errorf("create temp file: %w", err)
	}

	n, err := io.Copy(out, src)
	if cerr := out.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		_ = os.Remove(path)
		return "", n, err
	}
	return path, n, nil
}

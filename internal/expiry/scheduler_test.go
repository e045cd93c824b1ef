package expiry

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"file-relay/internal/keys"
	"file-relay/internal/metrics"
	"file-relay/internal/store"
)

var epoch = time.Date(2026, 10, 19, 12, 0, 0, 0, time.UTC)

func openStore(t *testing.T) *store.Bolt {
	t.Helper()
	st, err := store.OpenBolt(filepath.Join(t.TempDir(), "relay.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	return st
}

// seed writes a stored file and its record, created age before epoch.
func seed(t *testing.T, st store.Store, dataDir string, key keys.Key, age time.Duration) string {
	t.Helper()
	p := filepath.Join(dataDir, string(key))
	require.NoError(t, os.WriteFile(p, []byte("data"), 0o600))
	require.NoError(t, st.Insert(context.Background(), store.Record{
		Key: key, CreatedAt: epoch.Add(-age), FilePath: p,
	}))
	return p
}

func fixedClock(t time.Time) func() time.Time {
	return func() time.Time { return t }
}

func TestRunOnce_ExpiresOldTransfers(t *testing.T) {
	st := openStore(t)
	dataDir := t.TempDir()
	reg := keys.NewRegistry()

	oldPath := seed(t, st, dataDir, "XLDAA", 2*time.Hour)
	edgePath := seed(t, st, dataDir, "EDGEB", time.Hour)
	freshPath := seed(t, st, dataDir, "FRESH", 10*time.Minute)
	for _, k := range []keys.Key{"XLDAA", "EDGEB", "FRESH"} {
		reg.Load(k)
	}

	m := metrics.New()
	s := New(st, reg, Config{TTL: time.Hour}, WithClock(fixedClock(epoch)), WithMetrics(m))
	rep, err := s.RunOnce(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 3, rep.Scanned)
	assert.Equal(t, 2, rep.Expired)
	assert.Zero(t, rep.Restored)

	assert.NoFileExists(t, oldPath)
	assert.NoFileExists(t, edgePath, "age equal to the TTL is expired")
	assert.FileExists(t, freshPath)

	assert.False(t, reg.Exists("XLDAA"))
	assert.False(t, reg.Exists("EDGEB"))
	assert.True(t, reg.Exists("FRESH"))

	_, err = st.Find(context.Background(), "XLDAA")
	assert.ErrorIs(t, err, store.ErrNotFound)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.SweepExpired))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.SweepRuns.WithLabelValues("ok")))
}

func TestRunOnce_RestartRepopulatesRegistry(t *testing.T) {
	st := openStore(t)
	dataDir := t.TempDir()

	seed(t, st, dataDir, "KEEPA", 5*time.Minute)
	seed(t, st, dataDir, "KEEPB", 59*time.Minute)
	seed(t, st, dataDir, "GXNEC", 3*time.Hour)

	reg := keys.NewRegistry()
	s := New(st, reg, Config{TTL: time.Hour}, WithClock(fixedClock(epoch)))
	rep, err := s.RunOnce(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 2, rep.Restored)
	assert.Equal(t, []keys.Key{"KEEPA", "KEEPB"}, reg.Keys())

	rep, err = s.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Zero(t, rep.Restored, "second tick finds nothing new")
}

func TestRunOnce_MissingFileCountsAsRemoved(t *testing.T) {
	st := openStore(t)
	dataDir := t.TempDir()
	reg := keys.NewRegistry()

	p := seed(t, st, dataDir, "XLDAA", 2*time.Hour)
	require.NoError(t, os.Remove(p))
	reg.Load("XLDAA")

	s := New(st, reg, Config{TTL: time.Hour}, WithClock(fixedClock(epoch)))
	rep, err := s.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Expired)
	assert.False(t, reg.Exists("XLDAA"))
}

func TestRunOnce_FileRemovalFailureKeepsRecord(t *testing.T) {
	st := openStore(t)
	dataDir := t.TempDir()
	reg := keys.NewRegistry()

	// A non-empty directory cannot be removed with os.Remove.
	stuck := filepath.Join(dataDir, "STUCK")
	require.NoError(t, os.MkdirAll(filepath.Join(stuck, "inner"), 0o750))
	require.NoError(t, st.Insert(context.Background(), store.Record{
		Key: "STUCK", CreatedAt: epoch.Add(-2 * time.Hour), FilePath: stuck,
	}))
	reg.Load("STUCK")
	seed(t, st, dataDir, "XLDAA", 2*time.Hour)

	s := New(st, reg, Config{TTL: time.Hour}, WithClock(fixedClock(epoch)))
	rep, err := s.RunOnce(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, rep.FileErrors)
	assert.Equal(t, 1, rep.Expired, "scan continues past the failure")

	_, err = st.Find(context.Background(), "STUCK")
	assert.NoError(t, err, "record kept for retry next tick")
	assert.True(t, reg.Exists("STUCK"))
}

// flakyDelete fails the first n Delete calls as if the store dropped out.
type flakyDelete struct {
	store.Store
	fails int
}

func (f *flakyDelete) Delete(ctx context.Context, k keys.Key) error {
	if f.fails > 0 {
		f.fails--
		return fmt.Errorf("%w: connection reset", store.ErrUnavailable)
	}
	return f.Store.Delete(ctx, k)
}

// scripted makes Allocate draw ks in order, one per 16-byte read.
func scripted(ks ...keys.Key) io.Reader {
	var buf bytes.Buffer
	for _, k := range ks {
		chunk := make([]byte, 16)
		for i := range k {
			chunk[i] = byte(strings.IndexByte(keys.Alphabet, k[i]))
		}
		buf.Write(chunk)
	}
	return &buf
}

func TestRunOnce_RecordDeleteFailureKeepsKeyReserved(t *testing.T) {
	bolt := openStore(t)
	dataDir := t.TempDir()
	p := seed(t, bolt, dataDir, "XLDAA", 2*time.Hour)

	st := &flakyDelete{Store: bolt, fails: 1}
	reg := keys.NewRegistry(keys.WithRandom(scripted("XLDAA", "NEWBB")))
	s := New(st, reg, Config{TTL: time.Hour}, WithClock(fixedClock(epoch)))

	rep, err := s.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, rep.RecordErrors)
	assert.Zero(t, rep.Expired)
	assert.NoFileExists(t, p)
	assert.True(t, reg.Exists("XLDAA"), "key reserved while its record survives")

	k, err := reg.Allocate()
	require.NoError(t, err)
	assert.Equal(t, keys.Key("NEWBB"), k, "a fresh upload must not reuse the key")

	rep, err = s.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Expired)
	assert.False(t, reg.Exists("XLDAA"))
	assert.True(t, reg.Exists("NEWBB"))
	_, err = bolt.Find(context.Background(), "XLDAA")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

type downStore struct{ store.Store }

func (downStore) Ping(context.Context) error { return errors.New("connection refused") }

func (downStore) Scan(context.Context, func(store.Record) error) error {
	panic("scan must not run when ping fails")
}

func TestRunOnce_StoreUnavailable(t *testing.T) {
	reg := keys.NewRegistry()
	reg.Load("ABCDE")

	m := metrics.New()
	s := New(downStore{}, reg, Config{}, WithMetrics(m))
	_, err := s.RunOnce(context.Background())
	assert.ErrorIs(t, err, ErrStoreUnavailable)
	assert.True(t, reg.Exists("ABCDE"), "no side effects")
	assert.Equal(t, 1.0, testutil.ToFloat64(m.SweepRuns.WithLabelValues("store_unavailable")))
}

type countingPruner struct{ calls int }

func (p *countingPruner) Prune(time.Time) (int, error) {
	p.calls++
	return 3, nil
}

func TestRunOnce_Prunes(t *testing.T) {
	pr := &countingPruner{}
	s := New(openStore(t), keys.NewRegistry(), Config{}, WithPruner(pr))
	rep, err := s.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, pr.calls)
	assert.Equal(t, 3, rep.Pruned)
}

func TestStartStop(t *testing.T) {
	st := openStore(t)
	dataDir := t.TempDir()
	seed(t, st, dataDir, "KEEPA", time.Minute)

	reg := keys.NewRegistry()
	s := New(st, reg, Config{TTL: time.Hour, Interval: time.Hour}, WithClock(fixedClock(epoch)))
	s.Start(context.Background())

	require.Eventually(t, func() bool { return reg.Exists("KEEPA") }, 2*time.Second, 10*time.Millisecond,
		"first tick runs eagerly")

	s.Stop()
	s.Stop()
}

func TestStart_SkipsEagerTickAfterRunOnce(t *testing.T) {
	m := metrics.New()
	s := New(openStore(t), keys.NewRegistry(), Config{Interval: time.Hour}, WithMetrics(m))

	_, err := s.RunOnce(context.Background())
	require.NoError(t, err)

	s.Start(context.Background())
	s.Stop()
	assert.Equal(t, 1.0, testutil.ToFloat64(m.SweepRuns.WithLabelValues("ok")))
}

func TestNew_Defaults(t *testing.T) {
	s := New(nil, nil, Config{})
	assert.Equal(t, DefaultTTL, s.cfg.TTL)
	assert.Equal(t, DefaultInterval, s.cfg.Interval)
}

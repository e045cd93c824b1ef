package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"file-relay/internal/keys"
)

// flakyStore fails every call with ErrUnavailable while down is set.
type flakyStore struct {
	down  bool
	calls int
}

func (f *flakyStore) err() error {
	f.calls++
	if f.down {
		return ErrUnavailable
	}
	return nil
}

func (f *flakyStore) Ping(context.Context) error           { return f.err() }
func (f *flakyStore) Insert(context.Context, Record) error { return f.err() }
func (f *flakyStore) Delete(context.Context, keys.Key) error {
	if err := f.err(); err != nil {
		return err
	}
	return ErrNotFound
}
func (f *flakyStore) Find(context.Context, keys.Key) (Record, error) {
	if err := f.err(); err != nil {
		return Record{}, err
	}
	return Record{}, ErrNotFound
}
func (f *flakyStore) Scan(context.Context, func(Record) error) error { return f.err() }
func (f *flakyStore) Close() error                                 { return nil }

func TestCircuitBreaker_OpensAndRecovers(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 10, 19, 0, 0, 0, 0, time.UTC)

	cb := NewCircuitBreaker(3, 30*time.Second)
	cb.now = func() time.Time { return now }

	inner := &flakyStore{down: true}
	g := NewGuarded(inner, cb)

	for i := 0; i < 3; i++ {
		assert.ErrorIs(t, g.Ping(ctx), ErrUnavailable)
	}
	assert.Equal(t, StateOpen, cb.State())

	// Open: fails fast without reaching the store.
	err := g.Ping(ctx)
	assert.ErrorIs(t, err, ErrCircuitOpen)
	assert.ErrorIs(t, err, ErrUnavailable)
	assert.Equal(t, 3, inner.calls)

	// After the timeout one probe goes through and closes the circuit.
	inner.down = false
	now = now.Add(31 * time.Second)
	require.NoError(t, g.Ping(ctx))
	assert.Equal(t, StateClosed, cb.State())
	assert.Equal(t, 4, inner.calls)

	stats := cb.Stats()
	assert.Equal(t, "closed", stats.State)
	assert.EqualValues(t, 1, stats.RejectedRequests)
	assert.EqualValues(t, 3, stats.FailedRequests)
}

func TestCircuitBreaker_FailedProbeReopens(t *testing.T) {
	now := time.Date(2026, 10, 19, 0, 0, 0, 0, time.UTC)
	cb := NewCircuitBreaker(1, time.Second)
	cb.now = func() time.Time { return now }

	boom := ErrUnavailable
	assert.ErrorIs(t, cb.Execute(func() error { return boom }), ErrUnavailable)
	assert.Equal(t, StateOpen, cb.State())

	now = now.Add(2 * time.Second)
	assert.ErrorIs(t, cb.Execute(func() error { return boom }), ErrUnavailable)
	assert.Equal(t, StateOpen, cb.State())
	assert.ErrorIs(t, cb.Execute(func() error { return nil }), ErrCircuitOpen)
}

func TestCircuitBreaker_NormalAnswersAreNotFailures(t *testing.T) {
	ctx := context.Background()
	cb := NewCircuitBreaker(1, time.Minute)
	g := NewGuarded(&flakyStore{}, cb)

	for i := 0; i < 5; i++ {
		_, err := g.Find(ctx, "ABCDE")
		assert.ErrorIs(t, err, ErrNotFound)
		assert.ErrorIs(t, g.Delete(ctx, "ABCDE"), ErrNotFound)
	}
	assert.Equal(t, StateClosed, cb.State())

	other := errors.New("callback stopped")
	assert.ErrorIs(t, cb.Execute(func() error { return other }), other)
	assert.Equal(t, StateClosed, cb.State())
}

func TestCircuitState_String(t *testing.T) {
	assert.Equal(t, "closed", StateClosed.String())
	assert.Equal(t, "open", StateOpen.String())
	assert.Equal(t, "half-open", StateHalfOpen.String())
	assert.Equal(t, "unknown", CircuitState(42).String())
}

package keys

import (
	"crypto/rand"
	"fmt"
	"io"
	"sort"
	"sync"
)

// maxAllocateAttempts bounds the collision retry loop. With 34^5 keys and a
// small active set it is never reached in practice.
const maxAllocateAttempts = 1 << 20

// rejectAbove discards random bytes that would bias the modulo: 238 = 7*34.
const rejectAbove = 256 - 256%len(Alphabet)

// Registry is the set of currently active keys. It is a cache derived from
// the metadata store and can be rebuilt from it at any time with Load.
//
// Every operation runs under a single mutex, so concurrent Allocate calls
// never hand out the same key and a reconciliation step never observes a
// half-applied allocation.
type Registry struct {
	mu     sync.Mutex
	active map[Key]struct{}
	random io.Reader
	buf    []byte
}

// Option configures a Registry.
type Option func(*Registry)

// WithRandom replaces the crypto/rand source used by Allocate.
func WithRandom(r io.Reader) Option {
	return func(reg *Registry) {
		reg.random = r
	}
}

// NewRegistry returns an empty registry.
func NewRegistry(opts ...Option) *Registry {
	r := &Registry{
		active: make(map[Key]struct{}),
		random: rand.Reader,
		buf:    make([]byte, 16),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Allocate draws random keys until it finds one that is not active, marks it
// active and returns it.
func (r *Registry) Allocate() (Key, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for attempt := 0; attempt < maxAllocateAttempts; attempt++ {
		k, err := r.draw()
		if err != nil {
			return "", fmt.Errorf("draw key: %w", err)
		}
		if _, taken := r.active[k]; taken {
			continue
		}
		r.active[k] = struct{}{}
		return k, nil
	}
	return "", ErrKeySpaceExhausted
}

// draw builds one candidate key. Caller holds r.mu.
func (r *Registry) draw() (Key, error) {
	var out [Length]byte
	n := 0
	for n < Length {
		if _, err := io.ReadFull(r.random, r.buf); err != nil {
			return "", err
		}
		for _, b := range r.buf {
			if int(b) >= rejectAbove {
				continue
			}
			out[n] = Alphabet[int(b)%len(Alphabet)]
			n++
			if n == Length {
				break
			}
		}
	}
	return Key(out[:]), nil
}

// Exists reports whether k is currently active.
func (r *Registry) Exists(k Key) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.active[k]
	return ok
}

// Forget removes k. Removing an absent key is a no-op.
func (r *Registry) Forget(k Key) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.active, k)
}

// Load marks k active and reports whether it was absent before.
func (r *Registry) Load(k Key) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.active[k]; ok {
		return false
	}
	r.active[k] = struct{}{}
	return true
}

// Len returns the number of active keys.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.active)
}

// Keys returns a sorted snapshot of the active keys.
func (r *Registry) Keys() []Key {
	r.mu.Lock()
	out := make([]Key, 0, len(r.active))
	for k := range r.active {
		out = append(out, k)
	}
	r.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

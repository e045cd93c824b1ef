package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.etcd.io/bbolt"

	"file-relay/internal/keys"
)

var bucketTransfers = []byte("transfers")

const defaultScanBatch = 256

// boltValue is the JSON document stored under each key.
type boltValue struct {
	CreatedAt time.Time `json:"created_at"`
	FilePath  string    `json:"file_path"`
}

// Bolt stores records in a single bbolt bucket keyed by transfer key.
type Bolt struct {
	db        *bbolt.DB
	scanBatch int
	noSync    bool
}

// BoltOption configures a Bolt store.
type BoltOption func(*Bolt)

// WithScanBatch sets how many records Scan reads per read transaction.
func WithScanBatch(n int) BoltOption {
	return func(b *Bolt) {
		if n > 0 {
			b.scanBatch = n
		}
	}
}

// WithNoSync disables fsync per transaction. Only for tests.
func WithNoSync(noSync bool) BoltOption {
	return func(b *Bolt) {
		b.noSync = noSync
	}
}

// OpenBolt opens (creating if needed) the database file at path.
func OpenBolt(path string, opts ...BoltOption) (*Bolt, error) {
	b := &Bolt{scanBatch: defaultScanBatch}
	for _, opt := range opts {
		opt(b)
	}

	db, err := bbolt.Open(path, 0o600, &bbolt.Options{
		Timeout: 1 * time.Second,
		NoSync:  b.noSync,
	})
	if err != nil {
		return nil, fmt.Errorf("opening bolt store: %w", err)
	}
	if err := db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketTransfers)
		return err
	}); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("creating bucket: %w", err)
	}

	b.db = db
	return b, nil
}

func (b *Bolt) Ping(_ context.Context) error {
	return wrapBolt(b.db.View(func(tx *bbolt.Tx) error {
		if tx.Bucket(bucketTransfers) == nil {
			return errors.New("bucket missing")
		}
		return nil
	}))
}

func (b *Bolt) Insert(_ context.Context, rec Record) error {
	val, err := json.Marshal(boltValue{CreatedAt: rec.CreatedAt.UTC(), FilePath: rec.FilePath})
	if err != nil {
		return fmt.Errorf("encode record: %w", err)
	}
	return wrapBolt(b.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketTransfers)
		if bucket.Get([]byte(rec.Key)) != nil {
			return ErrDuplicate
		}
		return bucket.Put([]byte(rec.Key), val)
	}))
}

func (b *Bolt) Find(_ context.Context, key keys.Key) (Record, error) {
	var rec Record
	err := b.db.View(func(tx *bbolt.Tx) error {
		val := tx.Bucket(bucketTransfers).Get([]byte(key))
		if val == nil {
			return ErrNotFound
		}
		var err error
		rec, err = decodeBolt(key, val)
		return err
	})
	return rec, wrapBolt(err)
}

func (b *Bolt) Delete(_ context.Context, key keys.Key) error {
	return wrapBolt(b.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketTransfers)
		if bucket.Get([]byte(key)) == nil {
			return ErrNotFound
		}
		return bucket.Delete([]byte(key))
	}))
}

// Scan reads the bucket in batches, closing the read transaction before fn
// runs so fn may write to the store without deadlocking bbolt's remap.
func (b *Bolt) Scan(ctx context.Context, fn func(Record) error) error {
	var after []byte
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		batch := make([]Record, 0, b.scanBatch)
		err := b.db.View(func(tx *bbolt.Tx) error {
			c := tx.Bucket(bucketTransfers).Cursor()

			var k, v []byte
			if after == nil {
				k, v = c.First()
			} else {
				k, v = c.Seek(after)
				if k != nil && string(k) == string(after) {
					k, v = c.Next()
				}
			}
			for ; k != nil && len(batch) < b.scanBatch; k, v = c.Next() {
				rec, err := decodeBolt(keys.Key(k), v)
				if err != nil {
					return err
				}
				batch = append(batch, rec)
			}
			return nil
		})
		if err != nil {
			return wrapBolt(err)
		}
		if len(batch) == 0 {
			return nil
		}

		for _, rec := range batch {
			if err := fn(rec); err != nil {
				return err
			}
		}
		after = []byte(batch[len(batch)-1].Key)
	}
}

func (b *Bolt) Close() error {
	if b.db == nil {
		return nil
	}
	return b.db.Close()
}

func decodeBolt(key keys.Key, val []byte) (Record, error) {
	var bv boltValue
	if err := json.Unmarshal(val, &bv); err != nil {
		return Record{}, fmt.Errorf("decode record %s: %w", key, err)
	}
	return Record{Key: key, CreatedAt: bv.CreatedAt, FilePath: bv.FilePath}, nil
}

// wrapBolt marks transaction failures as ErrUnavailable, leaving the normal
// ErrNotFound/ErrDuplicate answers untouched.
func wrapBolt(err error) error {
	if err == nil || errors.Is(err, ErrNotFound) || errors.Is(err, ErrDuplicate) || errors.Is(err, ErrUnavailable) {
		return err
	}
	return fmt.Errorf("%w: %v", ErrUnavailable, err)
}

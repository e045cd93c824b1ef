package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"

	"file-relay/internal/keys"
)

// uniqueViolation is the SQLSTATE Postgres returns for a duplicate primary key.
const uniqueViolation = "23505"

// Postgres stores records in the transfers table created by the db migrations.
type Postgres struct {
	db *sql.DB
}

// NewPostgres wraps an open pool. The pool is closed by Close.
func NewPostgres(db *sql.DB) *Postgres {
	return &Postgres{db: db}
}

func (p *Postgres) Ping(ctx context.Context) error {
	if err := p.db.PingContext(ctx); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

func (p *Postgres) Insert(ctx context.Context, rec Record) error {
	_, err := p.db.ExecContext(ctx,
		`INSERT INTO transfers (key, created_at, file_path) VALUES ($1, $2, $3)`,
		string(rec.Key), rec.CreatedAt.UTC(), rec.FilePath,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return ErrDuplicate
		}
		return fmt.Errorf("%w: insert %s: %v", ErrUnavailable, rec.Key, err)
	}
	return nil
}

func (p *Postgres) Find(ctx context.Context, key keys.Key) (Record, error) {
	var (
		rec Record
		k   string
	)
	err := p.db.QueryRowContext(ctx,
		`SELECT key, created_at, file_path FROM transfers WHERE key = $1`,
		string(key),
	).Scan(&k, &rec.CreatedAt, &rec.FilePath)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Record{}, ErrNotFound
		}
		return Record{}, fmt.Errorf("%w: find %s: %v", ErrUnavailable, key, err)
	}
	rec.Key = keys.Key(k)
	return rec, nil
}

func (p *Postgres) Delete(ctx context.Context, key keys.Key) error {
	res, err := p.db.ExecContext(ctx, `DELETE FROM transfers WHERE key = $1`, string(key))
	if err != nil {
		return fmt.Errorf("%w: delete %s: %v", ErrUnavailable, key, err)
	}
	n, err := res.RowsAffected()
	if err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

// Scan decodes rows one at a time as they arrive from the server, so memory
// stays flat regardless of table size.
func (p *Postgres) Scan(ctx context.Context, fn func(Record) error) error {
	rows, err := p.db.QueryContext(ctx,
		`SELECT key, created_at, file_path FROM transfers ORDER BY created_at ASC`)
	if err != nil {
		return fmt.Errorf("%w: scan: %v", ErrUnavailable, err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			rec Record
			k   string
		)
		if err := rows.Scan(&k, &rec.CreatedAt, &rec.FilePath); err != nil {
			return fmt.Errorf("scan row: %w", err)
		}
		rec.Key = keys.Key(k)
		if err := fn(rec); err != nil {
			return err
		}
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("%w: scan: %v", ErrUnavailable, err)
	}
	return nil
}

func (p *Postgres) Close() error {
	return p.db.Close()
}

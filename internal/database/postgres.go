package database

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/jackc/pgx/v5/stdlib" // register pgx as a database/sql driver
)

const defaultPostgresDSN = "postgres://localhost/streamrestore?sslmode=disable"

// Postgres keeps every database as a bucket of one shared table, so several
// devices can point at one server.
type Postgres struct {
	db     *sql.DB
	bucket string
}

// NewPostgres connects to dsn and ensures the records table exists.
func NewPostgres(ctx context.Context, dsn, bucket string) (*Postgres, error) {
	if dsn == "" {
		dsn = defaultPostgresDSN
	}
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	ddl := `CREATE TABLE IF NOT EXISTS stream_records (
		bucket TEXT NOT NULL,
		key TEXT NOT NULL,
		value BYTEA NOT NULL,
		PRIMARY KEY (bucket, key)
	)`
	if _, err := db.ExecContext(ctx, ddl); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ensure records table: %w", err)
	}
	return &Postgres{db: db, bucket: bucket}, nil
}

func (p *Postgres) Load(ctx context.Context) (map[string][]byte, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT key, value FROM stream_records WHERE bucket = $1`, p.bucket)
	if err != nil {
		return nil, fmt.Errorf("select records: %w", err)
	}
	defer func() { _ = rows.Close() }()
	out := make(map[string][]byte)
	for rows.Next() {
		var k string
		var v []byte
		if err := rows.Scan(&k, &v); err != nil {
			return nil, fmt.Errorf("scan: %w", err)
		}
		out[k] = v
	}
	return out, rows.Err()
}

func (p *Postgres) Commit(ctx context.Context, b Batch) (retErr error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if retErr != nil {
			_ = tx.Rollback()
		}
	}()
	if b.Clear {
		if _, err := tx.ExecContext(ctx, `DELETE FROM stream_records WHERE bucket = $1`, p.bucket); err != nil {
			return fmt.Errorf("clear bucket: %w", err)
		}
	}
	for k, v := range b.Put {
		if _, err := tx.ExecContext(ctx, `INSERT INTO stream_records(bucket,key,value) VALUES($1,$2,$3)
			ON CONFLICT(bucket,key) DO UPDATE SET value=excluded.value`, p.bucket, k, v); err != nil {
			return fmt.Errorf("upsert %s: %w", k, err)
		}
	}
	for _, k := range b.Delete {
		if _, err := tx.ExecContext(ctx, `DELETE FROM stream_records WHERE bucket = $1 AND key = $2`, p.bucket, k); err != nil {
			return fmt.Errorf("delete %s: %w", k, err)
		}
	}
	return tx.Commit()
}

func (p *Postgres) Close() error { return p.db.Close() }

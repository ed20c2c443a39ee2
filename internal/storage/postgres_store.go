package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	_ "github.com/lib/pq"
)

const schema = `
CREATE TABLE IF NOT EXISTS documents (
	collection TEXT NOT NULL,
	id         TEXT NOT NULL,
	body       JSONB NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (collection, id)
);
CREATE INDEX IF NOT EXISTS documents_body_idx ON documents USING GIN (body jsonb_path_ops);
`

// PostgresStore keeps every collection in one JSONB table.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	// quick ping
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &PostgresStore{db: db}, nil
}

// Migrate creates the documents table if needed.
func (p *PostgresStore) Migrate(ctx context.Context) error {
	_, err := p.db.ExecContext(ctx, schema)
	return err
}

func (p *PostgresStore) Ping(ctx context.Context) error { return p.db.PingContext(ctx) }

func (p *PostgresStore) Close() error { return p.db.Close() }

func (p *PostgresStore) Get(ctx context.Context, collection, id string) (json.RawMessage, error) {
	var body []byte
	err := p.db.QueryRowContext(ctx, `SELECT body FROM documents WHERE collection=$1 AND id=$2`, collection, id).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNoDocument
	}
	if err != nil {
		return nil, err
	}
	return body, nil
}

func (p *PostgresStore) Set(ctx context.Context, collection, id string, doc json.RawMessage) error {
	return execSet(ctx, p.db, collection, id, doc)
}

func (p *PostgresStore) Update(ctx context.Context, collection, id string, patch map[string]any) error {
	return execUpdate(ctx, p.db, collection, id, patch)
}

func (p *PostgresStore) Delete(ctx context.Context, collection, id string) error {
	_, err := p.db.ExecContext(ctx, `DELETE FROM documents WHERE collection=$1 AND id=$2`, collection, id)
	return err
}

func (p *PostgresStore) Query(ctx context.Context, collection string, conds ...Condition) ([]json.RawMessage, error) {
	filter, err := conditionDoc(conds)
	if err != nil {
		return nil, err
	}
	rows, err := p.db.QueryContext(ctx,
		`SELECT body FROM documents WHERE collection=$1 AND body @> $2::jsonb ORDER BY id`,
		collection, string(filter))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []json.RawMessage
	for rows.Next() {
		var body []byte
		if err := rows.Scan(&body); err != nil {
			return nil, err
		}
		out = append(out, body)
	}
	return out, rows.Err()
}

// BatchCommit runs all ops in one transaction. Updates of missing documents
// are skipped so a replayed batch stays idempotent.
func (p *PostgresStore) BatchCommit(ctx context.Context, ops []Op) error {
	if len(ops) == 0 {
		return nil
	}
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	for _, op := range ops {
		switch op.Kind {
		case OpSet:
			err = execSet(ctx, tx, op.Collection, op.ID, op.Doc)
		case OpUpdate:
			err = execUpdate(ctx, tx, op.Collection, op.ID, op.Patch)
			if errors.Is(err, ErrNoDocument) {
				err = nil
			}
		case OpDelete:
			_, err = tx.ExecContext(ctx, `DELETE FROM documents WHERE collection=$1 AND id=$2`, op.Collection, op.ID)
		default:
			err = fmt.Errorf("unknown op kind %q", op.Kind)
		}
		if err != nil {
			return fmt.Errorf("batch op %s %s: %w", op.Kind, op.Key(), err)
		}
	}
	return tx.Commit()
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func execSet(ctx context.Context, db execer, collection, id string, doc json.RawMessage) error {
	// lib/pq sends []byte as bytea, so the document goes over as text
	_, err := db.ExecContext(ctx, `INSERT INTO documents(collection, id, body, updated_at) VALUES($1,$2,$3::jsonb,now())
		ON CONFLICT (collection, id) DO UPDATE SET body=EXCLUDED.body, updated_at=now()`,
		collection, id, string(doc))
	return err
}

func execUpdate(ctx context.Context, db execer, collection, id string, patch map[string]any) error {
	b, err := json.Marshal(patch)
	if err != nil {
		return err
	}
	res, err := db.ExecContext(ctx, `UPDATE documents SET body = body || $3::jsonb, updated_at=now() WHERE collection=$1 AND id=$2`,
		collection, id, string(b))
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNoDocument
	}
	return nil
}

package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"

	"lending-api/domain"
)

// Postgres stores entities in the entities table created by the embedded
// migrations.
type Postgres struct {
	db *sql.DB
}

// OpenPostgres connects using dsn and verifies the connection.
func OpenPostgres(ctx context.Context, dsn string) (*Postgres, error) {
	if dsn == "" {
		return nil, errors.New("DATABASE_URL is not set")
	}
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("%w: %v", domain.ErrStoreUnavailable, err)
	}
	return NewPostgres(db), nil
}

func NewPostgres(db *sql.DB) *Postgres {
	return &Postgres{db: db}
}

const (
	selectEntity = `SELECT id, class, version, payload::text, deleted, updated_at FROM entities WHERE id = $1`
	insertEntity = `INSERT INTO entities (id, class, version, payload, deleted, updated_at)
VALUES ($1, $2, 1, $3::text::jsonb, $4, $5)
ON CONFLICT (id) DO NOTHING`
	updateEntity = `UPDATE entities SET class = $2, version = version + 1, payload = $3::text::jsonb, deleted = $4, updated_at = $5
WHERE id = $1 AND version = $6`
)

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (p *Postgres) Transaction(ctx context.Context, fn func(ctx context.Context, tx Tx) error) (err error) {
	sqlTx, err := p.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return classifyPostgresError(err)
	}
	defer func() {
		if r := recover(); r != nil {
			_ = sqlTx.Rollback()
			panic(r)
		}
		if err != nil {
			_ = sqlTx.Rollback()
		}
	}()
	if err = fn(ctx, &postgresTx{tx: sqlTx}); err != nil {
		return err
	}
	if err = sqlTx.Commit(); err != nil {
		return classifyPostgresError(err)
	}
	return nil
}

type postgresTx struct {
	tx *sql.Tx
}

func (t *postgresTx) Get(ctx context.Context, id string) (domain.Entity, error) {
	return scanEntity(ctx, t.tx, id)
}

func (t *postgresTx) Put(ctx context.Context, id string, rec Record, expectedVersion int64) (domain.Entity, error) {
	now := time.Now().UTC()
	payload := string(rec.Payload)
	if payload == "" {
		payload = "null"
	}
	var (
		res sql.Result
		err error
	)
	if expectedVersion == 0 {
		res, err = t.tx.ExecContext(ctx, insertEntity, id, rec.Class, payload, rec.Deleted, now)
	} else {
		res, err = t.tx.ExecContext(ctx, updateEntity, id, rec.Class, payload, rec.Deleted, now, expectedVersion)
	}
	if err != nil {
		return domain.Entity{}, classifyPostgresError(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return domain.Entity{}, classifyPostgresError(err)
	}
	if n == 0 {
		return domain.Entity{}, domain.ErrStaleVersion
	}
	return domain.Entity{
		ID:        id,
		Class:     rec.Class,
		Version:   expectedVersion + 1,
		Payload:   rec.Payload,
		Deleted:   rec.Deleted,
		UpdatedAt: now,
	}, nil
}

func (p *Postgres) Get(ctx context.Context, id string) (domain.Entity, error) {
	return live(scanEntity(ctx, p.db, id))
}

func (p *Postgres) List(ctx context.Context, class string) ([]domain.Entity, error) {
	rows, err := p.db.QueryContext(ctx,
		`SELECT id, class, version, payload::text, deleted, updated_at FROM entities
WHERE NOT deleted AND ($1 = '' OR class = $1) ORDER BY id`, class)
	if err != nil {
		return nil, classifyPostgresError(err)
	}
	defer rows.Close()
	out := []domain.Entity{}
	for rows.Next() {
		var (
			e       domain.Entity
			payload string
		)
		if err := rows.Scan(&e.ID, &e.Class, &e.Version, &payload, &e.Deleted, &e.UpdatedAt); err != nil {
			return nil, classifyPostgresError(err)
		}
		e.Payload = []byte(payload)
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, classifyPostgresError(err)
	}
	return out, nil
}

func (p *Postgres) Ping(ctx context.Context) error {
	if err := p.db.PingContext(ctx); err != nil {
		return classifyPostgresError(err)
	}
	return nil
}

func (p *Postgres) Close() error {
	return p.db.Close()
}

func scanEntity(ctx context.Context, q queryer, id string) (domain.Entity, error) {
	var (
		e       domain.Entity
		payload string
	)
	err := q.QueryRowContext(ctx, selectEntity, id).
		Scan(&e.ID, &e.Class, &e.Version, &payload, &e.Deleted, &e.UpdatedAt)
	if err != nil {
		return domain.Entity{}, classifyPostgresError(err)
	}
	e.Payload = []byte(payload)
	return e, nil
}

// classifyPostgresError maps driver errors onto the domain taxonomy.
// Serialization failures, deadlocks and unique violations mean another writer
// got there first.
func classifyPostgresError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return domain.ErrNotFound
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "40001", "40P01", "23505":
			return fmt.Errorf("%w: %s", domain.ErrStaleVersion, pgErr.Message)
		}
	}
	return fmt.Errorf("%w: %v", domain.ErrStoreUnavailable, err)
}

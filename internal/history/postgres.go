package history

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/lowkeylabs/crossyield/internal/config"
)

const createHistoryTable = `
CREATE TABLE IF NOT EXISTS rebalance_history (
	id UUID PRIMARY KEY,
	operation_id UUID,
	outcome TEXT NOT NULL,
	error_kind TEXT NOT NULL DEFAULT '',
	error_reason TEXT NOT NULL DEFAULT '',
	recorded_at TIMESTAMPTZ NOT NULL,
	record JSONB NOT NULL
)`

// PoolIface is the slice of pgxpool.Pool the store uses, so tests can
// substitute pgxmock.
type PoolIface interface {
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
	Ping(ctx context.Context) error
	Close()
}

// PostgresStore keeps the full history in Postgres. Unlike the file
// store it never trims; retention is the operator's problem.
type PostgresStore struct {
	pool PoolIface

	mu    sync.RWMutex
	count int
}

// NewPostgres wraps an existing pool. Call Bootstrap before use.
func NewPostgres(pool PoolIface) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// OpenPostgres connects, verifies the connection and bootstraps the
// schema.
func OpenPostgres(ctx context.Context, dsn string) (*PostgresStore, error) {
	poolCfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parsing history dsn: %w", err)
	}
	poolCfg.MaxConns = 4
	poolCfg.MaxConnLifetime = time.Hour
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connecting history store: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging history store: %w", err)
	}
	s := NewPostgres(pool)
	if err := s.Bootstrap(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	log := config.NewLogger("history")
	log.Info().Msg("postgres history store ready")
	return s, nil
}

// Bootstrap creates the table if missing and loads the row count.
func (s *PostgresStore) Bootstrap(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, createHistoryTable); err != nil {
		return fmt.Errorf("creating history table: %w", err)
	}
	var count int
	if err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM rebalance_history`).Scan(&count); err != nil {
		return fmt.Errorf("counting history rows: %w", err)
	}
	s.mu.Lock()
	s.count = count
	s.mu.Unlock()
	return nil
}

func (s *PostgresStore) Append(ctx context.Context, rec Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encoding history record: %w", err)
	}
	var opID interface{}
	if rec.OperationID != uuid.Nil {
		opID = rec.OperationID.String()
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO rebalance_history (id, operation_id, outcome, error_kind, error_reason, recorded_at, record)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		rec.ID.String(), opID, string(rec.Outcome), rec.ErrorKind, rec.ErrorReason, rec.RecordedAt, data)
	if err != nil {
		return fmt.Errorf("inserting history record: %w", err)
	}
	s.mu.Lock()
	s.count++
	s.mu.Unlock()
	return nil
}

func (s *PostgresStore) List(ctx context.Context, limit int) ([]Record, error) {
	if limit <= 0 {
		limit = DefaultCapacity
	}
	rows, err := s.pool.Query(ctx,
		`SELECT record FROM rebalance_history ORDER BY recorded_at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("listing history: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("scanning history row: %w", err)
		}
		var rec Record
		if err := json.Unmarshal(data, &rec); err != nil {
			return nil, fmt.Errorf("decoding history row: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *PostgresStore) Get(ctx context.Context, id uuid.UUID) (Record, error) {
	var data []byte
	err := s.pool.QueryRow(ctx,
		`SELECT record FROM rebalance_history WHERE id = $1 OR operation_id = $1 LIMIT 1`,
		id.String()).Scan(&data)
	if errors.Is(err, pgx.ErrNoRows) {
		return Record{}, ErrNotFound
	}
	if err != nil {
		return Record{}, fmt.Errorf("loading history record: %w", err)
	}
	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return Record{}, fmt.Errorf("decoding history record: %w", err)
	}
	return rec, nil
}

func (s *PostgresStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.count
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

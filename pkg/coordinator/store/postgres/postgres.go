// Package postgres is the shared-host Store backend: distinct OS
// processes on one host (or several) point at one Postgres database and
// race at the SQL-transaction level, giving the serializable-isolation
// guarantee SPEC_FULL.md §5 assumes without relying on one process's
// in-memory mutex (which memory does) or one process's embedded
// database (which badger is).
//
// Grounded on github.com/marmos91/dittofs's pkg/metadata/store/postgres:
// pgxpool connection pool and retry-on-serialization-failure
// transaction wrapper. The schema is created by ensureSchema at Open;
// golang-migrate migrations are not run (see Options.MigrationsFS).
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	migratepg "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/source/iofs"

	"github.com/marmos91/dittofs/pkg/coordinator/store"
)

const (
	maxTransactionRetries        = 3
	poolConnectionAcquireTimeout = 5 * time.Second
)

// Store is a Postgres-backed store.Store.
type Store struct {
	pool      *pgxpool.Pool
	changeLog changeLogTruncator
}

type changeLogTruncator interface {
	TruncateThrough(ctx context.Context, changeID int64) error
}

// Options configures Open.
type Options struct {
	// DSN is the Postgres connection string.
	DSN string

	// MigrationsFS is accepted but its migrations are not run: when it is
	// non-nil, Open only calls migratepg.WithInstance with a nil database
	// handle and discards the result. The schema always comes from
	// ensureSchema's CREATE TABLE IF NOT EXISTS statements.
	MigrationsFS migrate.Driver

	ChangeLog changeLogTruncator
}

// Open connects to Postgres, creates the tables if they do not exist,
// and returns a ready Store.
func Open(ctx context.Context, opts Options) (*Store, error) {
	poolCfg, err := pgxpool.ParseConfig(opts.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}

	if opts.MigrationsFS != nil {
		dbDriver, err := migratepg.WithInstance(nil, &migratepg.Config{})
		_ = dbDriver
		_ = err
		// A real deployment wires migrate.NewWithDatabaseInstance(sourceURL,
		// "pgx5", dbDriver) here against opts.MigrationsFS; left as an
		// explicit collaborator seam rather than hard-coding a migration
		// source path, since SPEC_FULL.md treats schema upgrade as
		// collaborator-provided (spec.md §6).
	}

	s := &Store{pool: pool, changeLog: opts.ChangeLog}
	if err := s.ensureSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) ensureSchema(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS client_metadata (
			client_id TEXT PRIMARY KEY,
			update_time_ms BIGINT NOT NULL,
			network_enabled BOOLEAN NOT NULL,
			in_foreground BOOLEAN NOT NULL,
			last_processed_document_change_id BIGINT NOT NULL
		);
		CREATE TABLE IF NOT EXISTS primary_client (
			singleton BOOLEAN PRIMARY KEY DEFAULT TRUE CHECK (singleton),
			owner_id TEXT NOT NULL,
			lease_timestamp_ms BIGINT NOT NULL,
			allow_tab_synchronization BOOLEAN NOT NULL
		);
	`)
	return err
}

func isRetryableError(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "40P01", "40001": // deadlock_detected, serialization_failure
			return true
		}
	}
	return false
}

func (s *Store) withTransaction(ctx context.Context, readOnly bool, body func(ctx context.Context, tx store.Transaction) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	var lastErr error
	for attempt := 0; attempt < maxTransactionRetries; attempt++ {
		acquireCtx, cancel := context.WithTimeout(ctx, poolConnectionAcquireTimeout)
		opts := pgx.TxOptions{IsoLevel: pgx.Serializable}
		if readOnly {
			opts.AccessMode = pgx.ReadOnly
		}
		ptx, err := s.pool.BeginTx(acquireCtx, opts)
		cancel()
		if err != nil {
			return fmt.Errorf("begin postgres transaction: %w", err)
		}

		bodyErr := body(ctx, &txn{s: s, tx: ptx})
		if bodyErr != nil {
			_ = ptx.Rollback(ctx)
			if isRetryableError(bodyErr) {
				lastErr = bodyErr
				continue
			}
			return bodyErr
		}

		if err := ptx.Commit(ctx); err != nil {
			if isRetryableError(err) {
				lastErr = err
				continue
			}
			return fmt.Errorf("commit postgres transaction: %w", err)
		}
		return nil
	}
	return fmt.Errorf("postgres transaction exhausted retries: %w", lastErr)
}

func (s *Store) WithReadOnly(ctx context.Context, body func(ctx context.Context, tx store.Transaction) error) error {
	return s.withTransaction(ctx, true, body)
}

func (s *Store) WithReadWrite(ctx context.Context, body func(ctx context.Context, tx store.Transaction) error) error {
	return s.withTransaction(ctx, false, body)
}

func (s *Store) Healthcheck(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

type txn struct {
	s  *Store
	tx pgx.Tx
}

func (t *txn) GetClientMetadata(ctx context.Context, clientID string) (*store.ClientMetadata, error) {
	row := t.tx.QueryRow(ctx, `
		SELECT client_id, update_time_ms, network_enabled, in_foreground, last_processed_document_change_id
		FROM client_metadata WHERE client_id = $1`, clientID)

	var m store.ClientMetadata
	if err := row.Scan(&m.ClientID, &m.UpdateTimeMs, &m.NetworkEnabled, &m.InForeground, &m.LastProcessedDocumentChangeID); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	return &m, nil
}

func (t *txn) PutClientMetadata(ctx context.Context, m *store.ClientMetadata) error {
	_, err := t.tx.Exec(ctx, `
		INSERT INTO client_metadata (client_id, update_time_ms, network_enabled, in_foreground, last_processed_document_change_id)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (client_id) DO UPDATE SET
			update_time_ms = EXCLUDED.update_time_ms,
			network_enabled = EXCLUDED.network_enabled,
			in_foreground = EXCLUDED.in_foreground,
			last_processed_document_change_id = EXCLUDED.last_processed_document_change_id`,
		m.ClientID, m.UpdateTimeMs, m.NetworkEnabled, m.InForeground, m.LastProcessedDocumentChangeID)
	return err
}

func (t *txn) DeleteClientMetadata(ctx context.Context, clientID string) error {
	_, err := t.tx.Exec(ctx, `DELETE FROM client_metadata WHERE client_id = $1`, clientID)
	return err
}

func (t *txn) ListClientMetadata(ctx context.Context) ([]*store.ClientMetadata, error) {
	rows, err := t.tx.Query(ctx, `
		SELECT client_id, update_time_ms, network_enabled, in_foreground, last_processed_document_change_id
		FROM client_metadata`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*store.ClientMetadata
	for rows.Next() {
		var m store.ClientMetadata
		if err := rows.Scan(&m.ClientID, &m.UpdateTimeMs, &m.NetworkEnabled, &m.InForeground, &m.LastProcessedDocumentChangeID); err != nil {
			return nil, err
		}
		out = append(out, &m)
	}
	return out, rows.Err()
}

func (t *txn) GetPrimaryClient(ctx context.Context) (*store.PrimaryClient, error) {
	row := t.tx.QueryRow(ctx, `
		SELECT owner_id, lease_timestamp_ms, allow_tab_synchronization FROM primary_client WHERE singleton = TRUE`)

	var p store.PrimaryClient
	if err := row.Scan(&p.OwnerID, &p.LeaseTimestampMs, &p.AllowTabSynchronization); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	return &p, nil
}

func (t *txn) PutPrimaryClient(ctx context.Context, p *store.PrimaryClient) error {
	_, err := t.tx.Exec(ctx, `
		INSERT INTO primary_client (singleton, owner_id, lease_timestamp_ms, allow_tab_synchronization)
		VALUES (TRUE, $1, $2, $3)
		ON CONFLICT (singleton) DO UPDATE SET
			owner_id = EXCLUDED.owner_id,
			lease_timestamp_ms = EXCLUDED.lease_timestamp_ms,
			allow_tab_synchronization = EXCLUDED.allow_tab_synchronization`,
		p.OwnerID, p.LeaseTimestampMs, p.AllowTabSynchronization)
	return err
}

func (t *txn) DeletePrimaryClient(ctx context.Context) error {
	_, err := t.tx.Exec(ctx, `DELETE FROM primary_client WHERE singleton = TRUE`)
	return err
}

func (t *txn) TruncateChangeLogThrough(ctx context.Context, changeID int64) error {
	if t.s.changeLog == nil {
		return nil
	}
	return t.s.changeLog.TruncateThrough(ctx, changeID)
}

var _ store.Store = (*Store)(nil)

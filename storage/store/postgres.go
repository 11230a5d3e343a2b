package store

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"time"

	"github.com/jackc/pgx/v4"
	"github.com/jackc/pgx/v4/pgxpool"
	"go.uber.org/zap"

	"biolog/config"
)

const deadLetterTable = "dead_letters"

var tableNamePattern = regexp.MustCompile(`^[a-z_][a-z0-9_]{0,62}$`)

// ValidTableName reports whether name can be used as a destination table
func ValidTableName(name string) bool {
	return tableNamePattern.MatchString(name) && name != deadLetterTable
}

// PostgresStore implements RecordStore and DeadLetterStore on a pgx pool
type PostgresStore struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
}

// NewPostgresStore connects the pool and verifies the connection
func NewPostgresStore(ctx context.Context, cfg config.DatabaseConfig, logger *zap.Logger) (*PostgresStore, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to parse database DSN: %w", err)
	}
	poolCfg.MaxConns = int32(cfg.MaxConnections)
	poolCfg.MinConns = int32(cfg.MinConnections)
	poolCfg.MaxConnIdleTime = cfg.IdleTime()
	poolCfg.MaxConnLifetime = cfg.Lifetime()

	pool, err := pgxpool.ConnectConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	cfg.LogConfiguration(logger)
	return &PostgresStore{pool: pool, logger: logger}, nil
}

func createRecordTableSQL(table string) string {
	ident := pgx.Identifier{table}.Sanitize()
	return fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	record_id      TEXT        NOT NULL,
	destination    TEXT        NOT NULL,
	source_system  TEXT        NOT NULL,
	tier           TEXT        NOT NULL,
	payload        TEXT        NOT NULL,
	masked         BOOLEAN     NOT NULL,
	fields         JSONB       NOT NULL DEFAULT '{}',
	tags           TEXT[]      NOT NULL DEFAULT '{}',
	metadata       JSONB       NOT NULL DEFAULT '{}',
	event_time     TIMESTAMPTZ NOT NULL,
	retention_days INTEGER     NOT NULL,
	stored_at      TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (record_id, destination)
)`, ident)
}

const createDeadLetterTableSQL = `CREATE TABLE IF NOT EXISTS dead_letters (
	id            BIGSERIAL   PRIMARY KEY,
	record_id     TEXT        NOT NULL,
	destination   TEXT        NOT NULL,
	source_system TEXT        NOT NULL,
	payload       TEXT        NOT NULL,
	masked        BOOLEAN     NOT NULL,
	event_time    TIMESTAMPTZ,
	fields        JSONB       NOT NULL DEFAULT '{}',
	tags          TEXT[]      NOT NULL DEFAULT '{}',
	metadata      JSONB       NOT NULL DEFAULT '{}',
	attempts      INTEGER     NOT NULL,
	last_error    TEXT        NOT NULL,
	failed_at     TIMESTAMPTZ NOT NULL
)`

// Tables created before dead letters carried the event time and fields
var upgradeDeadLetterTableSQL = []string{
	`ALTER TABLE dead_letters ADD COLUMN IF NOT EXISTS event_time TIMESTAMPTZ`,
	`ALTER TABLE dead_letters ADD COLUMN IF NOT EXISTS fields JSONB NOT NULL DEFAULT '{}'`,
}

// EnsureSchema creates the dead-letter table and every destination table
func (s *PostgresStore) EnsureSchema(ctx context.Context, tables ...string) error {
	batch := &pgx.Batch{}
	batch.Queue(createDeadLetterTableSQL)
	for _, sql := range upgradeDeadLetterTableSQL {
		batch.Queue(sql)
	}
	for _, t := range tables {
		if !ValidTableName(t) {
			return fmt.Errorf("invalid destination table name %q", t)
		}
		batch.Queue(createRecordTableSQL(t))
	}

	br := s.pool.SendBatch(ctx, batch)
	defer br.Close()
	for i := 0; i < batch.Len(); i++ {
		if _, err := br.Exec(); err != nil {
			return fmt.Errorf("failed to create schema: %w", err)
		}
	}
	return nil
}

func insertRecordSQL(table string) string {
	return fmt.Sprintf(`INSERT INTO %s
	(record_id, destination, source_system, tier, payload, masked, fields, tags, metadata, event_time, retention_days)
VALUES ($1, $2, $3, $4, $5, $6, $7::jsonb, $8, $9::jsonb, $10, $11)
ON CONFLICT (record_id, destination) DO NOTHING`, pgx.Identifier{table}.Sanitize())
}

// InsertRecord stores one record copy. Redelivery of the same copy is a no-op.
func (s *PostgresStore) InsertRecord(ctx context.Context, table string, rec RoutedRecord) error {
	if !ValidTableName(table) {
		return fmt.Errorf("invalid destination table name %q", table)
	}
	fields, err := jsonObject(rec.Fields)
	if err != nil {
		return err
	}
	meta, err := jsonObject(rec.Metadata)
	if err != nil {
		return err
	}
	tags := rec.Tags
	if tags == nil {
		tags = []string{}
	}

	_, err = s.pool.Exec(ctx, insertRecordSQL(table),
		rec.RecordID, rec.Destination, rec.SourceSystem, rec.Tier, rec.Payload, rec.Masked,
		fields, tags, meta, rec.Timestamp, rec.RetentionDays)
	if err != nil {
		return fmt.Errorf("failed to insert record %s into %s: %w", rec.RecordID, table, err)
	}
	return nil
}

// PurgeOlderThan deletes a destination's copies whose event time precedes cutoff
func (s *PostgresStore) PurgeOlderThan(ctx context.Context, table, destination string, cutoff time.Time) (int64, error) {
	if !ValidTableName(table) {
		return 0, fmt.Errorf("invalid destination table name %q", table)
	}
	sql := fmt.Sprintf(`DELETE FROM %s WHERE destination = $1 AND event_time < $2`, pgx.Identifier{table}.Sanitize())
	tag, err := s.pool.Exec(ctx, sql, destination, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to purge %s: %w", table, err)
	}
	return tag.RowsAffected(), nil
}

const insertDeadLetterSQL = `INSERT INTO dead_letters
	(record_id, destination, source_system, payload, masked, event_time, fields, tags, metadata, attempts, last_error, failed_at)
VALUES ($1, $2, $3, $4, $5, $6, $7::jsonb, $8, $9::jsonb, $10, $11, $12)`

// WriteDeadLetter implements DeadLetterStore
func (s *PostgresStore) WriteDeadLetter(ctx context.Context, dl DeadLetter) error {
	fields, err := jsonObject(dl.Fields)
	if err != nil {
		return err
	}
	meta, err := jsonObject(dl.Metadata)
	if err != nil {
		return err
	}
	tags := dl.Tags
	if tags == nil {
		tags = []string{}
	}
	_, err = s.pool.Exec(ctx, insertDeadLetterSQL,
		dl.RecordID, dl.Destination, dl.SourceSystem, dl.Payload, dl.Masked,
		dl.Timestamp, fields, tags, meta, dl.Attempts, dl.LastError, dl.FailedAt)
	if err != nil {
		return fmt.Errorf("failed to write dead letter for %s/%s: %w", dl.RecordID, dl.Destination, err)
	}
	return nil
}

// Close releases the pool
func (s *PostgresStore) Close() error {
	s.logger.Info("Closing database pool...")
	s.pool.Close()
	return nil
}

func jsonObject(m map[string]string) (string, error) {
	if m == nil {
		return "{}", nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return "", fmt.Errorf("failed to encode json column: %w", err)
	}
	return string(b), nil
}

var (
	_ RecordStore     = (*PostgresStore)(nil)
	_ DeadLetterStore = (*PostgresStore)(nil)
)

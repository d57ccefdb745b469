package store

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/sells-group/listing-reconciler/internal/db"
	"github.com/sells-group/listing-reconciler/internal/model"
	"github.com/sells-group/listing-reconciler/internal/resolve"
)

// PostgresStore implements Store using pgxpool.
type PostgresStore struct {
	pool    db.Pool
	closeFn func()
}

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns int32 `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns int32 `yaml:"min_conns" mapstructure:"min_conns"`
}

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string, poolCfg *PoolConfig) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}

	maxConns := int32(10)
	minConns := int32(2)
	if poolCfg != nil {
		if poolCfg.MaxConns > 0 {
			maxConns = poolCfg.MaxConns
		}
		if poolCfg.MinConns > 0 {
			minConns = poolCfg.MinConns
		}
	}
	pgxCfg.MaxConns = maxConns
	pgxCfg.MinConns = minConns
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return &PostgresStore{pool: pool, closeFn: pool.Close}, nil
}

// NewPostgresWithPool wraps an existing pool, used by tests with pgxmock.
func NewPostgresWithPool(pool db.Pool) *PostgresStore {
	return &PostgresStore{pool: pool, closeFn: pool.Close}
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS entities (
	entity_id         TEXT PRIMARY KEY,
	external_id       TEXT NOT NULL DEFAULT '',
	canonical_url     TEXT NOT NULL DEFAULT '',
	title_price_key   TEXT NOT NULL DEFAULT '',
	fields            JSONB NOT NULL,
	field_confidence  JSONB NOT NULL,
	content_hash      TEXT NOT NULL,
	first_seen_at     TIMESTAMPTZ NOT NULL,
	last_seen_at      TIMESTAMPTZ NOT NULL,
	last_seen_pass    BIGINT NOT NULL DEFAULT 0,
	is_active         BOOLEAN NOT NULL DEFAULT TRUE,
	missed_pass_count INTEGER NOT NULL DEFAULT 0
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_entities_external_id
	ON entities(external_id) WHERE external_id <> '';
CREATE INDEX IF NOT EXISTS idx_entities_canonical_url ON entities(canonical_url);
CREATE INDEX IF NOT EXISTS idx_entities_title_price_key ON entities(title_price_key);
CREATE INDEX IF NOT EXISTS idx_entities_is_active ON entities(is_active);
CREATE INDEX IF NOT EXISTS idx_entities_last_seen_at ON entities(last_seen_at);
CREATE INDEX IF NOT EXISTS idx_entities_last_seen_pass ON entities(last_seen_pass);

CREATE TABLE IF NOT EXISTS change_events (
	id          BIGSERIAL PRIMARY KEY,
	action      TEXT NOT NULL,
	entity_id   TEXT NOT NULL,
	field_name  TEXT,
	old_value   JSONB,
	new_value   JSONB,
	batch_id    TEXT NOT NULL,
	occurred_at TIMESTAMPTZ NOT NULL,
	source      TEXT NOT NULL DEFAULT ''
);

CREATE INDEX IF NOT EXISTS idx_change_events_entity_id ON change_events(entity_id);
CREATE INDEX IF NOT EXISTS idx_change_events_batch_id ON change_events(batch_id);
CREATE INDEX IF NOT EXISTS idx_change_events_action ON change_events(action);

CREATE TABLE IF NOT EXISTS import_batches (
	batch_id     TEXT PRIMARY KEY,
	source       TEXT NOT NULL DEFAULT '',
	pass         BIGINT NOT NULL DEFAULT 0,
	status       TEXT NOT NULL DEFAULT 'running',
	started_at   TIMESTAMPTZ NOT NULL,
	completed_at TIMESTAMPTZ,
	inserted     INTEGER NOT NULL DEFAULT 0,
	updated      INTEGER NOT NULL DEFAULT 0,
	duplicates   INTEGER NOT NULL DEFAULT 0,
	errored      INTEGER NOT NULL DEFAULT 0,
	error        TEXT NOT NULL DEFAULT ''
);

CREATE INDEX IF NOT EXISTS idx_import_batches_started_at ON import_batches(started_at);

CREATE TABLE IF NOT EXISTS pass_counter (
	id           INTEGER PRIMARY KEY CHECK (id = 1),
	current_pass BIGINT NOT NULL
);

INSERT INTO pass_counter (id, current_pass) VALUES (1, 0) ON CONFLICT (id) DO NOTHING;
`

func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

func (s *PostgresStore) Close() error {
	if s.closeFn != nil {
		s.closeFn()
	}
	return nil
}

const pgEntityColumns = `entity_id, external_id, canonical_url, title_price_key,
	fields, field_confidence, content_hash, first_seen_at, last_seen_at,
	last_seen_pass, is_active, missed_pass_count`

func (s *PostgresStore) GetEntity(ctx context.Context, entityID string) (*model.CanonicalEntity, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+pgEntityColumns+` FROM entities WHERE entity_id = $1`, entityID)

	e, err := scanPgEntity(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get entity %s", entityID)
	}
	return e, nil
}

func (s *PostgresStore) ListEntities(ctx context.Context, filter EntityFilter) ([]model.CanonicalEntity, error) {
	query := `SELECT ` + pgEntityColumns + ` FROM entities WHERE 1=1`
	var args []any

	if filter.Active != nil {
		args = append(args, *filter.Active)
		query += ` AND is_active = $` + itoa(len(args))
	}
	if !filter.ModifiedAfter.IsZero() {
		args = append(args, filter.ModifiedAfter.UTC())
		query += ` AND last_seen_at > $` + itoa(len(args))
	}
	query += ` ORDER BY last_seen_at DESC, entity_id ASC`

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	args = append(args, limit)
	query += ` LIMIT $` + itoa(len(args))

	if filter.Offset > 0 {
		args = append(args, filter.Offset)
		query += ` OFFSET $` + itoa(len(args))
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list entities")
	}
	defer rows.Close()

	var entities []model.CanonicalEntity
	for rows.Next() {
		e, err := scanPgEntity(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan entity")
		}
		entities = append(entities, *e)
	}
	return entities, eris.Wrap(rows.Err(), "postgres: list entities iterate")
}

func (s *PostgresStore) CountEntities(ctx context.Context, active bool) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM entities WHERE is_active = $1`, active).Scan(&n)
	return n, eris.Wrap(err, "postgres: count entities")
}

func (s *PostgresStore) IdentityEntries(ctx context.Context) ([]resolve.Entry, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT entity_id, external_id, canonical_url, title_price_key, fields FROM entities`)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: identity entries")
	}
	defer rows.Close()

	var entries []resolve.Entry
	for rows.Next() {
		var e resolve.Entry
		var fieldsJSON []byte
		if err := rows.Scan(&e.EntityID, &e.ExternalID, &e.CanonicalURL, &e.TitlePriceKey, &fieldsJSON); err != nil {
			return nil, eris.Wrap(err, "postgres: scan identity entry")
		}
		var fields map[string]any
		if err := json.Unmarshal(fieldsJSON, &fields); err != nil {
			return nil, eris.Wrapf(err, "postgres: unmarshal fields for %s", e.EntityID)
		}
		if v, ok := fields[model.FieldPrice]; ok {
			e.Price, e.HasPrice = model.AsFloat(v)
		}
		entries = append(entries, e)
	}
	return entries, eris.Wrap(rows.Err(), "postgres: identity entries iterate")
}

func (s *PostgresStore) ListEvents(ctx context.Context, filter EventFilter) ([]model.ChangeEvent, error) {
	query := `SELECT id, action, entity_id, field_name, old_value, new_value, batch_id, occurred_at, source
		FROM change_events WHERE 1=1`
	var args []any

	if filter.BatchID != "" {
		args = append(args, filter.BatchID)
		query += ` AND batch_id = $` + itoa(len(args))
	}
	if filter.EntityID != "" {
		args = append(args, filter.EntityID)
		query += ` AND entity_id = $` + itoa(len(args))
	}
	if filter.Action != "" {
		args = append(args, string(filter.Action))
		query += ` AND action = $` + itoa(len(args))
	}
	query += ` ORDER BY id ASC`

	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += ` LIMIT $` + itoa(len(args))
		if filter.Offset > 0 {
			args = append(args, filter.Offset)
			query += ` OFFSET $` + itoa(len(args))
		}
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list events")
	}
	defer rows.Close()

	var events []model.ChangeEvent
	for rows.Next() {
		ev, err := scanPgEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, *ev)
	}
	return events, eris.Wrap(rows.Err(), "postgres: list events iterate")
}

func (s *PostgresStore) GetBatch(ctx context.Context, batchID string) (*model.ImportBatch, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT batch_id, source, pass, status, started_at, completed_at,
			inserted, updated, duplicates, errored, error
		 FROM import_batches WHERE batch_id = $1`, batchID)

	b, err := scanBatch(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get batch %s", batchID)
	}
	return b, nil
}

func (s *PostgresStore) ListBatches(ctx context.Context, filter BatchFilter) ([]model.ImportBatch, error) {
	query := `SELECT batch_id, source, pass, status, started_at, completed_at,
		inserted, updated, duplicates, errored, error FROM import_batches WHERE 1=1`
	var args []any

	if !filter.Since.IsZero() {
		args = append(args, filter.Since.UTC())
		query += ` AND started_at > $` + itoa(len(args))
	}
	query += ` ORDER BY started_at DESC`

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	args = append(args, limit)
	query += ` LIMIT $` + itoa(len(args))

	if filter.Offset > 0 {
		args = append(args, filter.Offset)
		query += ` OFFSET $` + itoa(len(args))
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list batches")
	}
	defer rows.Close()

	var batches []model.ImportBatch
	for rows.Next() {
		b, err := scanBatch(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan batch")
		}
		batches = append(batches, *b)
	}
	return batches, eris.Wrap(rows.Err(), "postgres: list batches iterate")
}

func (s *PostgresStore) CurrentPass(ctx context.Context) (int64, error) {
	var pass int64
	err := s.pool.QueryRow(ctx,
		`SELECT current_pass FROM pass_counter WHERE id = 1`).Scan(&pass)
	return pass, eris.Wrap(err, "postgres: current pass")
}

func (s *PostgresStore) Begin(ctx context.Context) (BatchTx, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: begin batch tx")
	}
	return &pgBatchTx{
		tx:       tx,
		entities: make(map[string]*model.CanonicalEntity),
	}, nil
}

// pgBatchTx implements BatchTx over a pgx transaction. Entity and event
// writes are buffered and flushed at Commit with bulk COPY/upsert, so a
// rollback discards everything without touching the tables.
type pgBatchTx struct {
	tx       pgx.Tx
	entities map[string]*model.CanonicalEntity
	events   []model.ChangeEvent
	batches  []*model.ImportBatch
}

func (t *pgBatchTx) UpsertEntity(_ context.Context, e *model.CanonicalEntity) error {
	// Last write per entity wins; the bulk upsert statement cannot touch
	// the same row twice.
	t.entities[e.EntityID] = e
	return nil
}

func (t *pgBatchTx) AppendEvents(_ context.Context, events []model.ChangeEvent) error {
	t.events = append(t.events, events...)
	return nil
}

func (t *pgBatchTx) RecordBatch(_ context.Context, b *model.ImportBatch) error {
	t.batches = append(t.batches, b)
	return nil
}

func (t *pgBatchTx) IncrementPass(ctx context.Context) (int64, error) {
	var pass int64
	err := t.tx.QueryRow(ctx,
		`UPDATE pass_counter SET current_pass = current_pass + 1 WHERE id = 1 RETURNING current_pass`,
	).Scan(&pass)
	return pass, eris.Wrap(err, "postgres: increment pass")
}

func (t *pgBatchTx) MissedActive(ctx context.Context, pass int64) ([]model.CanonicalEntity, error) {
	rows, err := t.tx.Query(ctx,
		`SELECT `+pgEntityColumns+` FROM entities
		 WHERE is_active = TRUE AND last_seen_pass < $1
		 ORDER BY entity_id ASC`, pass)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: missed active")
	}
	defer rows.Close()

	var entities []model.CanonicalEntity
	for rows.Next() {
		e, err := scanPgEntity(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan missed entity")
		}
		entities = append(entities, *e)
	}
	return entities, eris.Wrap(rows.Err(), "postgres: missed active iterate")
}

var entityUpsertConfig = db.UpsertConfig{
	Table: "entities",
	Columns: []string{
		"entity_id", "external_id", "canonical_url", "title_price_key",
		"fields", "field_confidence", "content_hash", "first_seen_at",
		"last_seen_at", "last_seen_pass", "is_active", "missed_pass_count",
	},
	ConflictKeys: []string{"entity_id"},
	UpdateCols: []string{
		"external_id", "canonical_url", "title_price_key",
		"fields", "field_confidence", "content_hash",
		"last_seen_at", "last_seen_pass", "is_active", "missed_pass_count",
	},
}

var eventColumns = []string{
	"action", "entity_id", "field_name", "old_value", "new_value",
	"batch_id", "occurred_at", "source",
}

func (t *pgBatchTx) Commit(ctx context.Context) error {
	if err := t.flush(ctx); err != nil {
		return err
	}
	return eris.Wrap(t.tx.Commit(ctx), "postgres: commit batch")
}

func (t *pgBatchTx) Rollback(ctx context.Context) error {
	err := t.tx.Rollback(ctx)
	if errors.Is(err, pgx.ErrTxClosed) {
		return nil
	}
	return eris.Wrap(err, "postgres: rollback batch")
}

func (t *pgBatchTx) flush(ctx context.Context) error {
	if len(t.entities) > 0 {
		ids := make([]string, 0, len(t.entities))
		for id := range t.entities {
			ids = append(ids, id)
		}
		sort.Strings(ids)

		rows := make([][]any, 0, len(ids))
		for _, id := range ids {
			e := t.entities[id]
			fieldsJSON, err := json.Marshal(e.Fields)
			if err != nil {
				return eris.Wrapf(err, "postgres: marshal fields for %s", e.EntityID)
			}
			confJSON, err := json.Marshal(e.FieldConfidence)
			if err != nil {
				return eris.Wrapf(err, "postgres: marshal confidence for %s", e.EntityID)
			}
			rows = append(rows, []any{
				e.EntityID, e.ExternalID, e.CanonicalURL, e.TitlePriceKey,
				string(fieldsJSON), string(confJSON), e.ContentHash,
				e.FirstSeenAt.UTC(), e.LastSeenAt.UTC(),
				e.LastSeenPass, e.IsActive, e.MissedPassCount,
			})
		}
		if _, err := db.BulkUpsert(ctx, t.tx, entityUpsertConfig, rows); err != nil {
			return err
		}
	}

	if len(t.events) > 0 {
		rows := make([][]any, 0, len(t.events))
		for i := range t.events {
			ev := &t.events[i]
			oldJSON, err := marshalNullable(ev.OldValue)
			if err != nil {
				return eris.Wrap(err, "postgres: marshal event old value")
			}
			newJSON, err := marshalNullable(ev.NewValue)
			if err != nil {
				return eris.Wrap(err, "postgres: marshal event new value")
			}
			rows = append(rows, []any{
				string(ev.Action), ev.EntityID, nullString(ev.FieldName),
				oldJSON, newJSON, ev.BatchID, ev.OccurredAt.UTC(), ev.Source,
			})
		}
		if _, err := db.CopyInto(ctx, t.tx, "change_events", eventColumns, rows); err != nil {
			return err
		}
	}

	for _, b := range t.batches {
		var completedAt any
		if b.CompletedAt != nil {
			completedAt = b.CompletedAt.UTC()
		}
		_, err := t.tx.Exec(ctx, `
			INSERT INTO import_batches (batch_id, source, pass, status, started_at, completed_at,
				inserted, updated, duplicates, errored, error)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
			ON CONFLICT (batch_id) DO UPDATE SET
				status = EXCLUDED.status,
				completed_at = EXCLUDED.completed_at,
				inserted = EXCLUDED.inserted,
				updated = EXCLUDED.updated,
				duplicates = EXCLUDED.duplicates,
				errored = EXCLUDED.errored,
				error = EXCLUDED.error`,
			b.BatchID, b.Source, b.Pass, string(b.Status), b.StartedAt.UTC(), completedAt,
			b.Inserted, b.Updated, b.Duplicates, b.Errored, b.Error,
		)
		if err != nil {
			return eris.Wrapf(err, "postgres: record batch %s", b.BatchID)
		}
	}
	return nil
}

// helpers

func scanPgEntity(row scannable) (*model.CanonicalEntity, error) {
	var e model.CanonicalEntity
	var fieldsJSON, confJSON []byte

	err := row.Scan(&e.EntityID, &e.ExternalID, &e.CanonicalURL, &e.TitlePriceKey,
		&fieldsJSON, &confJSON, &e.ContentHash, &e.FirstSeenAt, &e.LastSeenAt,
		&e.LastSeenPass, &e.IsActive, &e.MissedPassCount)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal(fieldsJSON, &e.Fields); err != nil {
		return nil, eris.Wrapf(err, "unmarshal fields for %s", e.EntityID)
	}
	if err := json.Unmarshal(confJSON, &e.FieldConfidence); err != nil {
		return nil, eris.Wrapf(err, "unmarshal confidence for %s", e.EntityID)
	}
	e.FirstSeenAt = e.FirstSeenAt.UTC()
	e.LastSeenAt = e.LastSeenAt.UTC()
	return &e, nil
}

func scanPgEvent(row scannable) (*model.ChangeEvent, error) {
	var ev model.ChangeEvent
	var fieldName *string
	var oldJSON, newJSON []byte

	err := row.Scan(&ev.ID, &ev.Action, &ev.EntityID, &fieldName,
		&oldJSON, &newJSON, &ev.BatchID, &ev.OccurredAt, &ev.Source)
	if err != nil {
		return nil, eris.Wrap(err, "scan event")
	}

	if fieldName != nil {
		ev.FieldName = *fieldName
	}
	if oldJSON != nil {
		if err := json.Unmarshal(oldJSON, &ev.OldValue); err != nil {
			return nil, eris.Wrap(err, "unmarshal event old value")
		}
	}
	if newJSON != nil {
		if err := json.Unmarshal(newJSON, &ev.NewValue); err != nil {
			return nil, eris.Wrap(err, "unmarshal event new value")
		}
	}
	ev.OccurredAt = ev.OccurredAt.UTC()
	return &ev, nil
}

func itoa(n int) string {
	return strconv.Itoa(n)
}

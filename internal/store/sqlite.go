package store

import (
	"context"
	"database/sql"
	"encoding/json"

	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/sells-group/listing-reconciler/internal/model"
	"github.com/sells-group/listing-reconciler/internal/resolve"
)

// SQLiteStore implements Store using modernc.org/sqlite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	// The engine is single-writer; one connection avoids lock contention
	// between the batch transaction and read queries.
	db.SetMaxOpenConns(1)
	return &SQLiteStore{db: db}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS entities (
	entity_id         TEXT PRIMARY KEY,
	external_id       TEXT NOT NULL DEFAULT '',
	canonical_url     TEXT NOT NULL DEFAULT '',
	title_price_key   TEXT NOT NULL DEFAULT '',
	fields            TEXT NOT NULL,
	field_confidence  TEXT NOT NULL,
	content_hash      TEXT NOT NULL,
	first_seen_at     DATETIME NOT NULL,
	last_seen_at      DATETIME NOT NULL,
	last_seen_pass    INTEGER NOT NULL DEFAULT 0,
	is_active         INTEGER NOT NULL DEFAULT 1,
	missed_pass_count INTEGER NOT NULL DEFAULT 0
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_entities_external_id
	ON entities(external_id) WHERE external_id != '';
CREATE INDEX IF NOT EXISTS idx_entities_canonical_url ON entities(canonical_url);
CREATE INDEX IF NOT EXISTS idx_entities_title_price_key ON entities(title_price_key);
CREATE INDEX IF NOT EXISTS idx_entities_is_active ON entities(is_active);
CREATE INDEX IF NOT EXISTS idx_entities_last_seen_at ON entities(last_seen_at);
CREATE INDEX IF NOT EXISTS idx_entities_last_seen_pass ON entities(last_seen_pass);

CREATE TABLE IF NOT EXISTS change_events (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	action      TEXT NOT NULL,
	entity_id   TEXT NOT NULL,
	field_name  TEXT,
	old_value   TEXT,
	new_value   TEXT,
	batch_id    TEXT NOT NULL,
	occurred_at DATETIME NOT NULL,
	source      TEXT NOT NULL DEFAULT ''
);

CREATE INDEX IF NOT EXISTS idx_change_events_entity_id ON change_events(entity_id);
CREATE INDEX IF NOT EXISTS idx_change_events_batch_id ON change_events(batch_id);
CREATE INDEX IF NOT EXISTS idx_change_events_action ON change_events(action);

CREATE TABLE IF NOT EXISTS import_batches (
	batch_id     TEXT PRIMARY KEY,
	source       TEXT NOT NULL DEFAULT '',
	pass         INTEGER NOT NULL DEFAULT 0,
	status       TEXT NOT NULL DEFAULT 'running',
	started_at   DATETIME NOT NULL,
	completed_at DATETIME,
	inserted     INTEGER NOT NULL DEFAULT 0,
	updated      INTEGER NOT NULL DEFAULT 0,
	duplicates   INTEGER NOT NULL DEFAULT 0,
	errored      INTEGER NOT NULL DEFAULT 0,
	error        TEXT NOT NULL DEFAULT ''
);

CREATE INDEX IF NOT EXISTS idx_import_batches_started_at ON import_batches(started_at);

CREATE TABLE IF NOT EXISTS pass_counter (
	id           INTEGER PRIMARY KEY CHECK (id = 1),
	current_pass INTEGER NOT NULL
);

INSERT OR IGNORE INTO pass_counter (id, current_pass) VALUES (1, 0);
`

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

const sqliteEntityColumns = `entity_id, external_id, canonical_url, title_price_key,
	fields, field_confidence, content_hash, first_seen_at, last_seen_at,
	last_seen_pass, is_active, missed_pass_count`

func (s *SQLiteStore) GetEntity(ctx context.Context, entityID string) (*model.CanonicalEntity, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+sqliteEntityColumns+` FROM entities WHERE entity_id = ?`, entityID)

	e, err := scanEntity(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get entity %s", entityID)
	}
	return e, nil
}

func (s *SQLiteStore) ListEntities(ctx context.Context, filter EntityFilter) ([]model.CanonicalEntity, error) {
	query := `SELECT ` + sqliteEntityColumns + ` FROM entities WHERE 1=1`
	var args []any

	if filter.Active != nil {
		query += ` AND is_active = ?`
		args = append(args, boolToInt(*filter.Active))
	}
	if !filter.ModifiedAfter.IsZero() {
		query += ` AND last_seen_at > ?`
		args = append(args, filter.ModifiedAfter.UTC())
	}
	query += ` ORDER BY last_seen_at DESC, entity_id ASC`

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	query += ` LIMIT ?`
	args = append(args, limit)

	if filter.Offset > 0 {
		query += ` OFFSET ?`
		args = append(args, filter.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list entities")
	}
	defer rows.Close()

	var entities []model.CanonicalEntity
	for rows.Next() {
		e, err := scanEntity(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan entity")
		}
		entities = append(entities, *e)
	}
	return entities, eris.Wrap(rows.Err(), "sqlite: list entities iterate")
}

func (s *SQLiteStore) CountEntities(ctx context.Context, active bool) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM entities WHERE is_active = ?`, boolToInt(active)).Scan(&n)
	return n, eris.Wrap(err, "sqlite: count entities")
}

func (s *SQLiteStore) IdentityEntries(ctx context.Context) ([]resolve.Entry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT entity_id, external_id, canonical_url, title_price_key, fields FROM entities`)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: identity entries")
	}
	defer rows.Close()

	var entries []resolve.Entry
	for rows.Next() {
		var e resolve.Entry
		var fieldsJSON string
		if err := rows.Scan(&e.EntityID, &e.ExternalID, &e.CanonicalURL, &e.TitlePriceKey, &fieldsJSON); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan identity entry")
		}
		var fields map[string]any
		if err := json.Unmarshal([]byte(fieldsJSON), &fields); err != nil {
			return nil, eris.Wrapf(err, "sqlite: unmarshal fields for %s", e.EntityID)
		}
		if v, ok := fields[model.FieldPrice]; ok {
			e.Price, e.HasPrice = model.AsFloat(v)
		}
		entries = append(entries, e)
	}
	return entries, eris.Wrap(rows.Err(), "sqlite: identity entries iterate")
}

func (s *SQLiteStore) ListEvents(ctx context.Context, filter EventFilter) ([]model.ChangeEvent, error) {
	query := `SELECT id, action, entity_id, field_name, old_value, new_value, batch_id, occurred_at, source
		FROM change_events WHERE 1=1`
	var args []any

	if filter.BatchID != "" {
		query += ` AND batch_id = ?`
		args = append(args, filter.BatchID)
	}
	if filter.EntityID != "" {
		query += ` AND entity_id = ?`
		args = append(args, filter.EntityID)
	}
	if filter.Action != "" {
		query += ` AND action = ?`
		args = append(args, string(filter.Action))
	}
	// Commit order: the autoincrement id is the replay order.
	query += ` ORDER BY id ASC`

	if filter.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, filter.Limit)
		if filter.Offset > 0 {
			query += ` OFFSET ?`
			args = append(args, filter.Offset)
		}
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list events")
	}
	defer rows.Close()

	var events []model.ChangeEvent
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, *ev)
	}
	return events, eris.Wrap(rows.Err(), "sqlite: list events iterate")
}

func (s *SQLiteStore) GetBatch(ctx context.Context, batchID string) (*model.ImportBatch, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT batch_id, source, pass, status, started_at, completed_at,
			inserted, updated, duplicates, errored, error
		 FROM import_batches WHERE batch_id = ?`, batchID)

	b, err := scanBatch(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get batch %s", batchID)
	}
	return b, nil
}

func (s *SQLiteStore) ListBatches(ctx context.Context, filter BatchFilter) ([]model.ImportBatch, error) {
	query := `SELECT batch_id, source, pass, status, started_at, completed_at,
		inserted, updated, duplicates, errored, error FROM import_batches WHERE 1=1`
	var args []any

	if !filter.Since.IsZero() {
		query += ` AND started_at > ?`
		args = append(args, filter.Since.UTC())
	}
	query += ` ORDER BY started_at DESC`

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	query += ` LIMIT ?`
	args = append(args, limit)

	if filter.Offset > 0 {
		query += ` OFFSET ?`
		args = append(args, filter.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list batches")
	}
	defer rows.Close()

	var batches []model.ImportBatch
	for rows.Next() {
		b, err := scanBatch(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan batch")
		}
		batches = append(batches, *b)
	}
	return batches, eris.Wrap(rows.Err(), "sqlite: list batches iterate")
}

func (s *SQLiteStore) CurrentPass(ctx context.Context) (int64, error) {
	var pass int64
	err := s.db.QueryRowContext(ctx,
		`SELECT current_pass FROM pass_counter WHERE id = 1`).Scan(&pass)
	return pass, eris.Wrap(err, "sqlite: current pass")
}

func (s *SQLiteStore) Begin(ctx context.Context) (BatchTx, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: begin batch tx")
	}
	return &sqliteBatchTx{tx: tx}, nil
}

// sqliteBatchTx implements BatchTx over a database/sql transaction.
type sqliteBatchTx struct {
	tx *sql.Tx
}

func (t *sqliteBatchTx) UpsertEntity(ctx context.Context, e *model.CanonicalEntity) error {
	fieldsJSON, err := json.Marshal(e.Fields)
	if err != nil {
		return eris.Wrapf(err, "sqlite: marshal fields for %s", e.EntityID)
	}
	confJSON, err := json.Marshal(e.FieldConfidence)
	if err != nil {
		return eris.Wrapf(err, "sqlite: marshal confidence for %s", e.EntityID)
	}

	_, err = t.tx.ExecContext(ctx, `
		INSERT INTO entities (entity_id, external_id, canonical_url, title_price_key,
			fields, field_confidence, content_hash, first_seen_at, last_seen_at,
			last_seen_pass, is_active, missed_pass_count)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(entity_id) DO UPDATE SET
			external_id = excluded.external_id,
			canonical_url = excluded.canonical_url,
			title_price_key = excluded.title_price_key,
			fields = excluded.fields,
			field_confidence = excluded.field_confidence,
			content_hash = excluded.content_hash,
			last_seen_at = excluded.last_seen_at,
			last_seen_pass = excluded.last_seen_pass,
			is_active = excluded.is_active,
			missed_pass_count = excluded.missed_pass_count`,
		e.EntityID, e.ExternalID, e.CanonicalURL, e.TitlePriceKey,
		string(fieldsJSON), string(confJSON), e.ContentHash,
		e.FirstSeenAt.UTC(), e.LastSeenAt.UTC(),
		e.LastSeenPass, boolToInt(e.IsActive), e.MissedPassCount,
	)
	return eris.Wrapf(err, "sqlite: upsert entity %s", e.EntityID)
}

func (t *sqliteBatchTx) AppendEvents(ctx context.Context, events []model.ChangeEvent) error {
	for i := range events {
		ev := &events[i]

		oldJSON, err := marshalNullable(ev.OldValue)
		if err != nil {
			return eris.Wrap(err, "sqlite: marshal event old value")
		}
		newJSON, err := marshalNullable(ev.NewValue)
		if err != nil {
			return eris.Wrap(err, "sqlite: marshal event new value")
		}

		_, err = t.tx.ExecContext(ctx, `
			INSERT INTO change_events (action, entity_id, field_name, old_value, new_value, batch_id, occurred_at, source)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			string(ev.Action), ev.EntityID, nullString(ev.FieldName),
			oldJSON, newJSON, ev.BatchID, ev.OccurredAt.UTC(), ev.Source,
		)
		if err != nil {
			return eris.Wrapf(err, "sqlite: append event for %s", ev.EntityID)
		}
	}
	return nil
}

func (t *sqliteBatchTx) RecordBatch(ctx context.Context, b *model.ImportBatch) error {
	var completedAt any
	if b.CompletedAt != nil {
		completedAt = b.CompletedAt.UTC()
	}

	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO import_batches (batch_id, source, pass, status, started_at, completed_at,
			inserted, updated, duplicates, errored, error)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(batch_id) DO UPDATE SET
			status = excluded.status,
			completed_at = excluded.completed_at,
			inserted = excluded.inserted,
			updated = excluded.updated,
			duplicates = excluded.duplicates,
			errored = excluded.errored,
			error = excluded.error`,
		b.BatchID, b.Source, b.Pass, string(b.Status), b.StartedAt.UTC(), completedAt,
		b.Inserted, b.Updated, b.Duplicates, b.Errored, b.Error,
	)
	return eris.Wrapf(err, "sqlite: record batch %s", b.BatchID)
}

func (t *sqliteBatchTx) IncrementPass(ctx context.Context) (int64, error) {
	if _, err := t.tx.ExecContext(ctx,
		`UPDATE pass_counter SET current_pass = current_pass + 1 WHERE id = 1`); err != nil {
		return 0, eris.Wrap(err, "sqlite: increment pass")
	}
	var pass int64
	err := t.tx.QueryRowContext(ctx,
		`SELECT current_pass FROM pass_counter WHERE id = 1`).Scan(&pass)
	return pass, eris.Wrap(err, "sqlite: read pass counter")
}

func (t *sqliteBatchTx) MissedActive(ctx context.Context, pass int64) ([]model.CanonicalEntity, error) {
	rows, err := t.tx.QueryContext(ctx,
		`SELECT `+sqliteEntityColumns+` FROM entities
		 WHERE is_active = 1 AND last_seen_pass < ?
		 ORDER BY entity_id ASC`, pass)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: missed active")
	}
	defer rows.Close()

	var entities []model.CanonicalEntity
	for rows.Next() {
		e, err := scanEntity(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan missed entity")
		}
		entities = append(entities, *e)
	}
	return entities, eris.Wrap(rows.Err(), "sqlite: missed active iterate")
}

func (t *sqliteBatchTx) Commit(ctx context.Context) error {
	return eris.Wrap(t.tx.Commit(), "sqlite: commit batch")
}

func (t *sqliteBatchTx) Rollback(context.Context) error {
	err := t.tx.Rollback()
	if err == sql.ErrTxDone {
		return nil
	}
	return eris.Wrap(err, "sqlite: rollback batch")
}

// helpers

type scannable interface {
	Scan(dest ...any) error
}

func scanEntity(row scannable) (*model.CanonicalEntity, error) {
	var e model.CanonicalEntity
	var fieldsJSON, confJSON string
	var isActive int

	err := row.Scan(&e.EntityID, &e.ExternalID, &e.CanonicalURL, &e.TitlePriceKey,
		&fieldsJSON, &confJSON, &e.ContentHash, &e.FirstSeenAt, &e.LastSeenAt,
		&e.LastSeenPass, &isActive, &e.MissedPassCount)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal([]byte(fieldsJSON), &e.Fields); err != nil {
		return nil, eris.Wrapf(err, "unmarshal fields for %s", e.EntityID)
	}
	if err := json.Unmarshal([]byte(confJSON), &e.FieldConfidence); err != nil {
		return nil, eris.Wrapf(err, "unmarshal confidence for %s", e.EntityID)
	}
	e.IsActive = isActive != 0
	e.FirstSeenAt = e.FirstSeenAt.UTC()
	e.LastSeenAt = e.LastSeenAt.UTC()
	return &e, nil
}

func scanEvent(row scannable) (*model.ChangeEvent, error) {
	var ev model.ChangeEvent
	var fieldName, oldJSON, newJSON sql.NullString

	err := row.Scan(&ev.ID, &ev.Action, &ev.EntityID, &fieldName,
		&oldJSON, &newJSON, &ev.BatchID, &ev.OccurredAt, &ev.Source)
	if err != nil {
		return nil, eris.Wrap(err, "scan event")
	}

	ev.FieldName = fieldName.String
	if oldJSON.Valid {
		if err := json.Unmarshal([]byte(oldJSON.String), &ev.OldValue); err != nil {
			return nil, eris.Wrap(err, "unmarshal event old value")
		}
	}
	if newJSON.Valid {
		if err := json.Unmarshal([]byte(newJSON.String), &ev.NewValue); err != nil {
			return nil, eris.Wrap(err, "unmarshal event new value")
		}
	}
	ev.OccurredAt = ev.OccurredAt.UTC()
	return &ev, nil
}

func scanBatch(row scannable) (*model.ImportBatch, error) {
	var b model.ImportBatch
	var completedAt sql.NullTime

	err := row.Scan(&b.BatchID, &b.Source, &b.Pass, &b.Status, &b.StartedAt, &completedAt,
		&b.Inserted, &b.Updated, &b.Duplicates, &b.Errored, &b.Error)
	if err != nil {
		return nil, err
	}

	b.StartedAt = b.StartedAt.UTC()
	if completedAt.Valid {
		t := completedAt.Time.UTC()
		b.CompletedAt = &t
	}
	return &b, nil
}

func marshalNullable(v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

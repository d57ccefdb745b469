package db

import (
	"context"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBulkUpsert_EmptyRows(t *testing.T) {
	n, err := BulkUpsert(context.Background(), nil, UpsertConfig{
		Table:        "entities",
		Columns:      []string{"entity_id", "fields"},
		ConflictKeys: []string{"entity_id"},
	}, nil)
	assert.NoError(t, err)
	assert.Equal(t, int64(0), n)
}

func TestBulkUpsert_NoColumns(t *testing.T) {
	_, err := BulkUpsert(context.Background(), nil, UpsertConfig{
		Table:        "entities",
		ConflictKeys: []string{"entity_id"},
	}, [][]any{{"e1", "{}"}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no columns specified")
}

func TestBulkUpsert_NoConflictKeys(t *testing.T) {
	_, err := BulkUpsert(context.Background(), nil, UpsertConfig{
		Table:   "entities",
		Columns: []string{"entity_id", "fields"},
	}, [][]any{{"e1", "{}"}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no conflict keys specified")
}

func TestBulkUpsert_ExecutesTempTableFlow(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectBegin()
	mock.ExpectExec(`CREATE TEMP TABLE "_tmp_upsert_entities"`).
		WillReturnResult(pgxmock.NewResult("CREATE", 0))
	mock.ExpectCopyFrom(pgx.Identifier{"_tmp_upsert_entities"}, []string{"entity_id", "fields"}).
		WillReturnResult(2)
	mock.ExpectExec(`INSERT INTO "entities"`).
		WillReturnResult(pgxmock.NewResult("INSERT", 2))
	mock.ExpectCommit()

	ctx := context.Background()
	tx, err := mock.Begin(ctx)
	require.NoError(t, err)

	n, err := BulkUpsert(ctx, tx, UpsertConfig{
		Table:        "entities",
		Columns:      []string{"entity_id", "fields"},
		ConflictKeys: []string{"entity_id"},
	}, [][]any{{"e1", "{}"}, {"e2", "{}"}})
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	require.NoError(t, tx.Commit(ctx))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSanitizeTable(t *testing.T) {
	tests := []struct {
		input string
		want  string
	}{
		{"entities", `"entities"`},
		{"audit.events", `"audit"."events"`},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, SanitizeTable(tt.input))
	}
}

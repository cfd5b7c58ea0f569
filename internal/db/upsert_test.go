package db

import (
	"context"
	"fmt"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBulkUpsert_EmptyRows(t *testing.T) {
	n, err := BulkUpsert(context.TODO(), nil, UpsertConfig{
		Table:        "fe_sources",
		Columns:      []string{"source_name", "access_level"},
		ConflictKeys: []string{"source_name"},
	}, nil)
	assert.NoError(t, err)
	assert.Equal(t, int64(0), n)
}

func TestBulkUpsert_NoColumns(t *testing.T) {
	_, err := BulkUpsert(context.TODO(), nil, UpsertConfig{
		Table:        "fe_sources",
		ConflictKeys: []string{"source_name"},
	}, [][]any{{"ADEME", "standard"}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no columns specified")
}

func TestBulkUpsert_NoConflictKeys(t *testing.T) {
	_, err := BulkUpsert(context.TODO(), nil, UpsertConfig{
		Table:   "fe_sources",
		Columns: []string{"source_name", "access_level"},
	}, [][]any{{"ADEME", "standard"}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no conflict keys specified")
}

func TestBulkUpsert_NothingToUpdate(t *testing.T) {
	_, err := BulkUpsert(context.TODO(), nil, UpsertConfig{
		Table:        "fe_source_workspace_assignments",
		Columns:      []string{"source_name", "workspace_id"},
		ConflictKeys: []string{"source_name", "workspace_id"},
	}, [][]any{{"ADEME", "w1"}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "nothing to update")
}

func TestBulkUpsert_Success(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectBegin()
	mock.ExpectExec("CREATE TEMP TABLE").WillReturnResult(pgxmock.NewResult("CREATE", 0))
	mock.ExpectCopyFrom(pgx.Identifier{"_tmp_upsert_fe_sources"}, []string{"source_name", "access_level"}).WillReturnResult(2)
	mock.ExpectExec("INSERT INTO \"fe_sources\"").WillReturnResult(pgxmock.NewResult("INSERT", 2))
	mock.ExpectCommit()

	n, err := BulkUpsert(context.Background(), mock, UpsertConfig{
		Table:        "fe_sources",
		Columns:      []string{"source_name", "access_level"},
		ConflictKeys: []string{"source_name"},
	}, [][]any{{"ADEME", "standard"}, {"Ecoinvent", "premium"}})
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestBulkUpsert_InsertFails(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectBegin()
	mock.ExpectExec("CREATE TEMP TABLE").WillReturnResult(pgxmock.NewResult("CREATE", 0))
	mock.ExpectCopyFrom(pgx.Identifier{"_tmp_upsert_fe_sources"}, []string{"source_name", "access_level"}).WillReturnResult(1)
	mock.ExpectExec("INSERT INTO").WillReturnError(fmt.Errorf("constraint"))
	mock.ExpectRollback()

	_, err = BulkUpsert(context.Background(), mock, UpsertConfig{
		Table:        "fe_sources",
		Columns:      []string{"source_name", "access_level"},
		ConflictKeys: []string{"source_name"},
	}, [][]any{{"ADEME", "standard"}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "INSERT ON CONFLICT for fe_sources")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestBuildUpsertSQL(t *testing.T) {
	sql := buildUpsertSQL(UpsertConfig{
		Table:        "fe_sources",
		Columns:      []string{"source_name", "access_level"},
		ConflictKeys: []string{"source_name"},
	}, "_tmp", []string{"access_level"})
	assert.Equal(t, `INSERT INTO "fe_sources" ("source_name", "access_level") SELECT "source_name", "access_level" FROM "_tmp" ON CONFLICT ("source_name") DO UPDATE SET "access_level" = EXCLUDED."access_level"`, sql)

	sql = buildUpsertSQL(UpsertConfig{
		Table:        "fe_source_workspace_assignments",
		Columns:      []string{"source_name", "workspace_id"},
		ConflictKeys: []string{"source_name", "workspace_id"},
		DoNothing:    true,
	}, "_tmp", nil)
	assert.Contains(t, sql, "ON CONFLICT (\"source_name\", \"workspace_id\") DO NOTHING")
}

func TestSanitizeTable(t *testing.T) {
	tests := []struct {
		input    string
		expected string
	}{
		{"simple", `"simple"`},
		{"public.fe_sources", `"public"."fe_sources"`},
	}
	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			assert.Equal(t, tt.expected, sanitizeTable(tt.input))
		})
	}
}

func TestQuoteAndJoin(t *testing.T) {
	assert.Equal(t, `"id", "name", "value"`, quoteAndJoin([]string{"id", "name", "value"}))
}

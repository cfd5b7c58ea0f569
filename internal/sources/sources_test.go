package sources

import (
	"context"
	"errors"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
}

func TestEnsure_DedupesAndKeepsExisting(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectBegin()
	mock.ExpectExec("CREATE TEMP TABLE").WillReturnResult(pgxmock.NewResult("CREATE", 0))
	mock.ExpectCopyFrom(pgx.Identifier{"_tmp_upsert_fe_sources"}, []string{"source_name", "access_level", "is_global"}).
		WillReturnResult(2)
	mock.ExpectExec(`ON CONFLICT \("source_name"\) DO NOTHING`).WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectCommit()

	n, err := NewStore(mock).Ensure(context.Background(), []string{"EPA", "ADEME", "EPA"})
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestEnsure_Empty(t *testing.T) {
	n, err := NewStore(nil).Ensure(context.Background(), nil)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestUpsert(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectExec("INSERT INTO fe_sources").
		WithArgs("Ecoinvent", AccessPremium, false).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	err = NewStore(mock).Upsert(context.Background(), Source{Name: "Ecoinvent", AccessLevel: AccessPremium})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUpsert_InvalidAccessLevel(t *testing.T) {
	err := NewStore(nil).Upsert(context.Background(), Source{Name: "X", AccessLevel: "gold"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid access level")
}

func TestGet_NotFound(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectQuery("SELECT source_name, access_level, is_global").
		WithArgs("nope").
		WillReturnError(pgx.ErrNoRows)

	src, err := NewStore(mock).Get(context.Background(), "nope")
	require.NoError(t, err)
	assert.Nil(t, src)
}

func TestExactName(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectQuery(`lower\(source_name\) = lower\(\$1\)`).
		WithArgs("base carbone").
		WillReturnRows(pgxmock.NewRows([]string{"source_name"}).AddRow("Base Carbone"))

	name, err := NewStore(mock).ExactName(context.Background(), "base carbone")
	require.NoError(t, err)
	assert.Equal(t, "Base Carbone", name)
}

func TestExactName_Missing(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectQuery("SELECT source_name FROM fe_sources").
		WithArgs("ghost").
		WillReturnError(pgx.ErrNoRows)

	name, err := NewStore(mock).ExactName(context.Background(), "ghost")
	require.NoError(t, err)
	assert.Empty(t, name)
}

func TestAccessLevels(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	names := []string{"ADEME", "Ecoinvent", "New"}
	mock.ExpectQuery("SELECT source_name, access_level FROM fe_sources").
		WithArgs(names).
		WillReturnRows(pgxmock.NewRows([]string{"source_name", "access_level"}).
			AddRow("ADEME", AccessStandard).
			AddRow("Ecoinvent", AccessPremium))

	got, err := NewStore(mock).AccessLevels(context.Background(), names)
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"ADEME": AccessStandard, "Ecoinvent": AccessPremium}, got)
}

func TestAssign(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectExec("INSERT INTO fe_source_workspace_assignments").
		WithArgs("Ecoinvent", "11111111-1111-1111-1111-111111111111", "admin@example.com").
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec("INSERT INTO fe_source_workspace_assignments").
		WithArgs("Ecoinvent", "11111111-1111-1111-1111-111111111111", "").
		WillReturnResult(pgxmock.NewResult("INSERT", 0))

	s := NewStore(mock)
	changed, err := s.Assign(context.Background(), "Ecoinvent", "11111111-1111-1111-1111-111111111111", "admin@example.com")
	require.NoError(t, err)
	assert.True(t, changed)

	changed, err = s.Assign(context.Background(), "Ecoinvent", "11111111-1111-1111-1111-111111111111", "")
	require.NoError(t, err)
	assert.False(t, changed)
}

func TestUnassign_Error(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectExec("DELETE FROM fe_source_workspace_assignments").
		WithArgs("Ecoinvent", "w").
		WillReturnError(errors.New("invalid input syntax for type uuid"))

	_, err = NewStore(mock).Unassign(context.Background(), "Ecoinvent", "w")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "sources: unassign Ecoinvent from w")
}

func TestAssignments(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectQuery("SELECT workspace_id::text").
		WithArgs("Ecoinvent").
		WillReturnRows(pgxmock.NewRows([]string{"workspace_id"}).AddRow("w1").AddRow("w2"))

	got, err := NewStore(mock).Assignments(context.Background(), "Ecoinvent")
	require.NoError(t, err)
	assert.Equal(t, []string{"w1", "w2"}, got)
}

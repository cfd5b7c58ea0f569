package scd2

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"

	"github.com/pashagolub/pgxmock/v4"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/sells-group/ef-pipeline/internal/factor"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
}

type seqIDs struct{ n uint64 }

func (s *seqIDs) NextID() (uint64, error) {
	s.n++
	return s.n, nil
}

type failingIDs struct{}

func (failingIDs) NextID() (uint64, error) { return 0, fmt.Errorf("clock moved backwards") }

func rec(key, source string) factor.Record {
	return factor.Record{
		FactorKey: key, Language: "fr", Name: key, Value: decimal.RequireFromString("1.5"),
		Unit: "kg", Source: source, Location: "FR", Year: 2023, Scope: "Scope1",
	}
}

// payloadArg captures the JSON argument passed to the procedure.
type payloadArg struct{ got []map[string]any }

func (p *payloadArg) Match(v any) bool {
	s, ok := v.(string)
	if !ok {
		return false
	}
	return json.Unmarshal([]byte(s), &p.got) == nil
}

func TestWrite_OneCallPerBatch(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	arg := &payloadArg{}
	mock.ExpectQuery("SELECT scd2_upsert_emission_factors").
		WithArgs(arg).
		WillReturnRows(pgxmock.NewRows([]string{"n"}).AddRow(int64(2)))

	w := NewWriterWithIDs(mock, &seqIDs{})
	n, err := w.Write(context.Background(), []factor.Record{rec("a", "ADEME"), rec("b", "ADEME")})
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
	assert.NoError(t, mock.ExpectationsWereMet())

	require.Len(t, arg.got, 2)
	assert.Equal(t, "a", arg.got[0]["factor_key"])
	assert.Equal(t, "1", arg.got[0]["version_id"])
	assert.Equal(t, "2", arg.got[1]["version_id"])
	assert.Equal(t, "1.5", arg.got[0]["value"])
}

func TestWrite_DedupesWithinBatch(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	arg := &payloadArg{}
	mock.ExpectQuery("SELECT scd2_upsert_emission_factors").
		WithArgs(arg).
		WillReturnRows(pgxmock.NewRows([]string{"n"}).AddRow(int64(1)))

	first := rec("a", "ADEME")
	second := rec("a", "ADEME")
	second.Name = "newer"

	w := NewWriterWithIDs(mock, &seqIDs{})
	n, err := w.Write(context.Background(), []factor.Record{first, second})
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	require.Len(t, arg.got, 1)
	assert.Equal(t, "newer", arg.got[0]["name"])
}

func TestWrite_Empty(t *testing.T) {
	w := NewWriterWithIDs(nil, &seqIDs{})
	n, err := w.Write(context.Background(), nil)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestWrite_StoreError(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectQuery("SELECT scd2_upsert_emission_factors").
		WithArgs(pgxmock.AnyArg()).
		WillReturnError(fmt.Errorf("unique violation"))

	w := NewWriterWithIDs(mock, &seqIDs{})
	_, err = w.Write(context.Background(), []factor.Record{rec("a", "ADEME")})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "scd2: upsert 1 records")
}

func TestWrite_IDError(t *testing.T) {
	w := NewWriterWithIDs(nil, failingIDs{})
	_, err := w.Write(context.Background(), []factor.Record{rec("a", "ADEME")})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "next version id")
}

func TestRetireLanguage(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectQuery("SELECT retire_latest_for_language").
		WithArgs("fr").
		WillReturnRows(pgxmock.NewRows([]string{"n"}).AddRow(int64(120)))

	w := NewWriterWithIDs(mock, &seqIDs{})
	n, err := w.RetireLanguage(context.Background(), "fr")
	require.NoError(t, err)
	assert.Equal(t, int64(120), n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestNewWriter(t *testing.T) {
	w, err := NewWriter(nil, 7)
	require.NoError(t, err)
	id1, err := w.ids.NextID()
	require.NoError(t, err)
	id2, err := w.ids.NextID()
	require.NoError(t, err)
	assert.NotEqual(t, id1, id2)
}

func TestDedupe_KeepsOrderAndLastValue(t *testing.T) {
	a1 := rec("a", "S1")
	b := rec("b", "S1")
	a2 := rec("a", "S2")
	en := rec("a", "S1")
	en.Language = "en"

	out := Dedupe([]factor.Record{a1, b, a2, en})
	require.Len(t, out, 3)
	assert.Equal(t, "a", out[0].FactorKey)
	assert.Equal(t, "S2", out[0].Source)
	assert.Equal(t, "b", out[1].FactorKey)
	assert.Equal(t, "en", out[2].Language)
}

func TestSources(t *testing.T) {
	assert.Equal(t, []string{"S1", "S2"}, Sources([]factor.Record{rec("a", "S1"), rec("b", "S2"), rec("c", "S1")}))
}

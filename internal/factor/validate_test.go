package factor

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validRow() map[string]string {
	return map[string]string{
		ColName:        "Electricity",
		ColDescription: "Grid mix, average",
		ColValue:       "0,0571",
		ColUnit:        "kWh",
		ColSource:      "ADEME",
		ColScope:       "Scope2",
		ColLocation:    "FR",
		ColYear:        "2023",
		ColSector:      "Energy",
	}
}

func TestValidate_OK(t *testing.T) {
	rec, rej := Validate(validRow(), Options{Language: "fr", JobID: "job-1"})
	require.Nil(t, rej)
	require.NotNil(t, rec)

	assert.Equal(t, "0.0571", rec.Value.String())
	assert.Equal(t, 2023, rec.Year)
	assert.Equal(t, "ADEME", rec.Source)
	assert.Equal(t, "fr", rec.Language)
	assert.Equal(t, "job-1", rec.ImportJobID)
	assert.Equal(t, "electricity|kwh|ademe|scope2|fr|fr", rec.FactorKey)
}

func TestValidate_DefaultsLanguage(t *testing.T) {
	rec, rej := Validate(validRow(), Options{})
	require.Nil(t, rej)
	assert.Equal(t, "fr", rec.Language)
}

func TestValidate_MissingRequired(t *testing.T) {
	for _, col := range requiredColumns {
		t.Run(col, func(t *testing.T) {
			row := validRow()
			row[col] = "  "
			rec, rej := Validate(row, Options{Language: "fr"})
			assert.Nil(t, rec)
			require.NotNil(t, rej)
			assert.Equal(t, KindValidation, rej.Kind)
			assert.Equal(t, col, rej.Field)
		})
	}
}

func TestValidate_UnparseableValue(t *testing.T) {
	row := validRow()
	row[ColValue] = "abc"
	_, rej := Validate(row, Options{})
	require.NotNil(t, rej)
	assert.Equal(t, KindParse, rej.Kind)
	assert.Equal(t, ColValue, rej.Field)
	assert.Contains(t, rej.Error(), "not a number")
}

func TestValidate_UnparseableYear(t *testing.T) {
	row := validRow()
	row[ColYear] = "2023a"
	_, rej := Validate(row, Options{})
	require.NotNil(t, rej)
	assert.Equal(t, KindParse, rej.Kind)
	assert.Equal(t, ColYear, rej.Field)
}

func TestValidate_InvalidSourceName(t *testing.T) {
	row := validRow()
	row[ColSource] = "kWh"
	_, rej := Validate(row, Options{})
	require.NotNil(t, rej)
	assert.Equal(t, ColSource, rej.Field)
}

func TestValidate_ExplicitID(t *testing.T) {
	row := validRow()
	row[ColID] = "  EF-42 "
	rec, rej := Validate(row, Options{})
	require.Nil(t, rej)
	assert.Equal(t, "EF-42", rec.FactorKey)
}

func TestValidate_OverrideSource(t *testing.T) {
	row := validRow()
	row[ColSource] = ""
	rec, rej := Validate(row, Options{OverrideSource: "My Dataset", WorkspaceID: "ws-1"})
	require.Nil(t, rej)
	assert.Equal(t, "My Dataset", rec.Source)
	assert.Equal(t, "ws-1", rec.WorkspaceID)
}

func TestValidate_CaseInsensitiveHeaders(t *testing.T) {
	row := map[string]string{
		"nom": "Gas", "fe": "0.2", "unité donnée d'activité": "m3",
		"source": "ADEME", "périmètre": "Scope1", "localisation": "FR", "date": "2022",
	}
	rec, rej := Validate(row, Options{})
	require.Nil(t, rej)
	assert.Equal(t, "Gas", rec.Name)
}

func TestParseValue(t *testing.T) {
	tests := []struct {
		in   string
		want string
		err  bool
	}{
		{"0,0571", "0.0571", false},
		{"0.0571", "0.0571", false},
		{"1 234,5", "1234.5", false},
		{"-3", "-3", false},
		{"1e-3", "0.001", false},
		{"", "", true},
		{"12,3,4", "", true},
		{"n/a", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			d, err := ParseValue(tt.in)
			if tt.err {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, d.String())
		})
	}
}

func TestValidSourceName(t *testing.T) {
	tests := []struct {
		in   string
		want bool
	}{
		{"ADEME", true},
		{"Base Carbone v23", true},
		{"EU", true},
		{"2023", false},
		{"kg", false},
		{"KWH", false},
		{"€", false},
		{"Unité", false},
		{"unit", false},
		{"X", false},
		{"", false},
		{"   ", false},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, ValidSourceName(tt.in))
		})
	}
}

func TestCountSources(t *testing.T) {
	rows := []map[string]string{
		{ColSource: "ADEME"},
		{ColSource: "ADEME"},
		{ColSource: "Ecoinvent"},
		{ColSource: "kg"},
		{ColSource: ""},
	}
	assert.Equal(t, map[string]int{"ADEME": 2, "Ecoinvent": 1}, CountSources(rows))
}

func TestRecordJSON_OmitsEmptyOptionals(t *testing.T) {
	rec, rej := Validate(validRow(), Options{Language: "fr"})
	require.Nil(t, rej)

	b, err := json.Marshal(rec)
	require.NoError(t, err)

	var m map[string]any
	require.NoError(t, json.Unmarshal(b, &m))
	assert.Equal(t, "0.0571", m["value"])
	assert.NotContains(t, m, "workspace_id")
	assert.NotContains(t, m, "comments_en")
	assert.Equal(t, "Grid mix, average", m["description"])
}

func TestField(t *testing.T) {
	fields := map[string]string{"source": " ADEME ", "ID": "x-1"}
	assert.Equal(t, "ADEME", Field(fields, ColSource))
	assert.Equal(t, "x-1", Field(fields, ColID))
	assert.Empty(t, Field(fields, ColName))
}

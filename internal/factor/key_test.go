package factor

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKey_Deterministic(t *testing.T) {
	a := Key("", "Electricity", "kWh", "ADEME", "Scope2", "FR", "fr")
	b := Key("", "Electricity", "kWh", "ADEME", "Scope2", "FR", "fr")
	assert.Equal(t, a, b)
	assert.Equal(t, "electricity|kwh|ademe|scope2|fr|fr", a)
}

func TestKey_ChangesWithEachField(t *testing.T) {
	base := []string{"Electricity", "kWh", "ADEME", "Scope2", "FR", "fr"}
	k := Key("", base[0], base[1], base[2], base[3], base[4], base[5])
	for i := range base {
		mod := append([]string(nil), base...)
		mod[i] += "x"
		got := Key("", mod[0], mod[1], mod[2], mod[3], mod[4], mod[5])
		assert.NotEqual(t, k, got, "field %d", i)
	}
}

func TestKey_NormalizesCaseSpaceAndUnicode(t *testing.T) {
	composed := Key("", "\u00c9lectricit\u00e9", "kWh", "ADEME", "Scope2", "FR", "fr")
	decomposed := Key("", "  E\u0301lectricite\u0301 ", "KWH", "ademe", "scope2", "fr", "FR")
	assert.Equal(t, composed, decomposed)
}

func TestKey_ExplicitID(t *testing.T) {
	assert.Equal(t, "EF-1", Key(" EF-1 ", "a", "b", "c", "d", "e", "fr"))
}

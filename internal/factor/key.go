package factor

import (
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
	"golang.org/x/text/unicode/norm"
)

const keySep = "|"

// Key returns the stable identity of a fact across versions. An explicit
// external id is used verbatim; otherwise the key is the normalized,
// lowercased join of name, unit, source, scope, location and language, so
// re-importing the same fact supersedes it instead of duplicating it.
func Key(externalID, name, unit, source, scope, location, lang string) string {
	if id := strings.TrimSpace(externalID); id != "" {
		return id
	}
	// Casers carry state, so one per call.
	lower := cases.Lower(language.Und)
	parts := []string{name, unit, source, scope, location, lang}
	for i, p := range parts {
		parts[i] = lower.String(norm.NFC.String(strings.TrimSpace(p)))
	}
	return strings.Join(parts, keySep)
}

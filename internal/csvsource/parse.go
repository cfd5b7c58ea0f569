// Package csvsource decodes uploaded import files (plain CSV, gzip CSV or
// XLSX) into a forward-only stream of header-mapped rows.
package csvsource

import "strings"

// ParseLine splits one CSV line on commas that are outside double quotes.
// Inside quotes a doubled quote ("") yields a literal quote. Every field is
// trimmed. Quoted fields spanning physical lines are not supported.
func ParseLine(line string) []string {
	var (
		fields  []string
		current strings.Builder
		quoted  bool
	)

	for i := 0; i < len(line); i++ {
		c := line[i]
		switch {
		case c == '"':
			if quoted && i+1 < len(line) && line[i+1] == '"' {
				current.WriteByte('"')
				i++
				continue
			}
			quoted = !quoted
		case c == ',' && !quoted:
			fields = append(fields, strings.TrimSpace(current.String()))
			current.Reset()
		default:
			current.WriteByte(c)
		}
	}

	return append(fields, strings.TrimSpace(current.String()))
}

// RequiredHeaders lists the columns every import file must carry.
var RequiredHeaders = []string{
	"Nom",
	"FE",
	"Unité donnée d'activité",
	"Source",
	"Périmètre",
	"Localisation",
	"Date",
}

// MissingHeaders returns the required headers absent from header, compared
// case-insensitively.
func MissingHeaders(header []string) []string {
	present := make(map[string]bool, len(header))
	for _, h := range header {
		present[strings.ToLower(strings.TrimSpace(h))] = true
	}
	var missing []string
	for _, r := range RequiredHeaders {
		if !present[strings.ToLower(r)] {
			missing = append(missing, r)
		}
	}
	return missing
}

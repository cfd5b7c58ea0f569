package factor

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"
)

// Rejection kinds.
const (
	KindParse      = "parse"
	KindValidation = "validation"
)

// Rejection explains why a row was not turned into a Record.
type Rejection struct {
	Kind   string
	Field  string
	Reason string
}

func (r *Rejection) Error() string {
	return fmt.Sprintf("%s: %s: %s", r.Kind, r.Field, r.Reason)
}

// Options carries the per-job context of a validation.
type Options struct {
	Language string
	JobID    string
	// OverrideSource replaces the row's source (user datasets are filed
	// under their dataset name).
	OverrideSource string
	WorkspaceID    string
}

var requiredColumns = []string{ColName, ColValue, ColUnit, ColSource, ColScope, ColLocation, ColYear}

// Validate checks the required columns, parses FE and Date and derives the
// factor key. Rejected rows return a nil Record.
func Validate(fields map[string]string, opts Options) (*Record, *Rejection) {
	row := newLookup(fields)
	lang := opts.Language
	if lang == "" {
		lang = "fr"
	}

	source := row.get(ColSource)
	if opts.OverrideSource != "" {
		source = strings.TrimSpace(opts.OverrideSource)
	}

	for _, col := range requiredColumns {
		v := row.get(col)
		if col == ColSource {
			v = source
		}
		if v == "" {
			return nil, &Rejection{Kind: KindValidation, Field: col, Reason: "missing required value"}
		}
	}

	if !ValidSourceName(source) {
		return nil, &Rejection{Kind: KindValidation, Field: ColSource, Reason: fmt.Sprintf("invalid source name %q", source)}
	}

	value, err := ParseValue(row.get(ColValue))
	if err != nil {
		return nil, &Rejection{Kind: KindParse, Field: ColValue, Reason: err.Error()}
	}

	year, err := strconv.Atoi(strings.TrimSpace(row.get(ColYear)))
	if err != nil {
		return nil, &Rejection{Kind: KindParse, Field: ColYear, Reason: fmt.Sprintf("not an integer: %q", row.get(ColYear))}
	}

	rec := &Record{
		Language:      lang,
		WorkspaceID:   opts.WorkspaceID,
		ImportJobID:   opts.JobID,
		Name:          row.get(ColName),
		Description:   row.get(ColDescription),
		Value:         value,
		Unit:          row.get(ColUnit),
		Source:        source,
		Sector:        row.get(ColSector),
		Subsector:     row.get(ColSubsector),
		Location:      row.get(ColLocation),
		Year:          year,
		Uncertainty:   row.get(ColUncertainty),
		Scope:         row.get(ColScope),
		Contributor:   row.get(ColContributor),
		Comments:      row.get(ColComments),
		NameEN:        row.get(ColNameEN),
		DescriptionEN: row.get(ColDescriptionEN),
		CommentsEN:    row.get(ColCommentsEN),
		SectorEN:      row.get(ColSectorEN),
		SubsectorEN:   row.get(ColSubsectorEN),
		ScopeEN:       row.get(ColScopeEN),
		LocationEN:    row.get(ColLocationEN),
		UnitEN:        row.get(ColUnitEN),
	}
	rec.FactorKey = Key(row.get(ColID), rec.Name, rec.Unit, rec.Source, rec.Scope, rec.Location, lang)
	return rec, nil
}

// ParseValue parses an emission factor value, accepting a comma decimal
// separator and ignoring spaces used as thousands separators.
func ParseValue(s string) (decimal.Decimal, error) {
	clean := strings.Map(func(r rune) rune {
		switch r {
		case ' ', '\u00a0', '\u202f':
			return -1
		}
		return r
	}, s)
	if strings.Count(clean, ",") == 1 && !strings.Contains(clean, ".") {
		clean = strings.Replace(clean, ",", ".", 1)
	}
	if clean == "" {
		return decimal.Zero, fmt.Errorf("empty value")
	}
	d, err := decimal.NewFromString(clean)
	if err != nil {
		return decimal.Zero, fmt.Errorf("not a number: %q", s)
	}
	return d, nil
}

var unitToken = regexp.MustCompile(`(?i)^(kg|m|l|€|kwh|km|unité|unit)$`)

// ValidSourceName rejects names that are empty, shorter than two characters,
// purely numeric or a bare unit token. Those come from misaligned columns.
func ValidSourceName(s string) bool {
	s = strings.TrimSpace(s)
	if len([]rune(s)) < 2 {
		return false
	}
	if isDigits(s) {
		return false
	}
	return !unitToken.MatchString(s)
}

// CountSources tallies rows per valid source name.
func CountSources(rows []map[string]string) map[string]int {
	counts := make(map[string]int)
	for _, r := range rows {
		s := newLookup(r).get(ColSource)
		if ValidSourceName(s) {
			counts[s]++
		}
	}
	return counts
}

// Field returns a trimmed column value, matching the column name
// case-insensitively when there is no exact match.
func Field(fields map[string]string, col string) string {
	return newLookup(fields).get(col)
}

func isDigits(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return s != ""
}

// lookup resolves columns exactly first, then case-insensitively.
type lookup struct {
	exact map[string]string
	fold  map[string]string
}

func newLookup(fields map[string]string) lookup {
	fold := make(map[string]string, len(fields))
	for k, v := range fields {
		fold[strings.ToLower(strings.TrimSpace(k))] = v
	}
	return lookup{exact: fields, fold: fold}
}

func (l lookup) get(col string) string {
	if v, ok := l.exact[col]; ok {
		return strings.TrimSpace(v)
	}
	return strings.TrimSpace(l.fold[strings.ToLower(col)])
}

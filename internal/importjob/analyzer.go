package importjob

import (
	"context"
	"io"
	"sort"

	"github.com/rotisserie/eris"

	"github.com/sells-group/ef-pipeline/internal/csvsource"
	"github.com/sells-group/ef-pipeline/internal/factor"
)

// AccessLookup resolves the access level of known sources.
type AccessLookup interface {
	AccessLevels(ctx context.Context, names []string) (map[string]string, error)
}

// SourceSummary is one source found in an analyzed file.
type SourceSummary struct {
	Name        string `json:"name"`
	Rows        int    `json:"rows"`
	Known       bool   `json:"known"`
	AccessLevel string `json:"access_level,omitempty"`
}

// Analysis is the dry-run report of a file.
type Analysis struct {
	Header         []string        `json:"header"`
	MissingHeaders []string        `json:"missing_headers"`
	TotalRows      int             `json:"total_rows"`
	ValidRows      int             `json:"valid_rows"`
	RejectedRows   int             `json:"rejected_rows"`
	MalformedLines int             `json:"malformed_lines"`
	MissingIDs     int             `json:"missing_ids"`
	Sources        []SourceSummary `json:"sources"`
	ErrorSamples   []string        `json:"error_samples"`
}

// Analyzer reports what an import would do without writing anything.
type Analyzer struct {
	opener     Opener
	access     AccessLookup
	maxSamples int
}

// NewAnalyzer creates an Analyzer.
func NewAnalyzer(opener Opener, access AccessLookup, maxSamples int) *Analyzer {
	return &Analyzer{opener: opener, access: access, maxSamples: maxSamples}
}

const analyzeBatch = 500

// Analyze reads the whole file at ref and validates every row.
func (a *Analyzer) Analyze(ctx context.Context, ref string, opts factor.Options) (*Analysis, error) {
	rc, err := a.opener.Open(ctx, ref)
	if err != nil {
		return nil, eris.Wrapf(err, "importjob: open %s", ref)
	}
	defer rc.Close() //nolint:errcheck

	rd, err := csvsource.Open(rc, csvsource.DetectEncoding(ref), csvsource.Options{})
	if err != nil {
		return nil, err
	}
	defer rd.Close() //nolint:errcheck

	out := &Analysis{Header: rd.Header(), MissingHeaders: csvsource.MissingHeaders(rd.Header())}
	if out.MissingHeaders == nil {
		out.MissingHeaders = []string{}
	}
	samples := csvsource.NewErrorSamples(a.maxSamples)
	counts := make(map[string]int)

	batch := make([]map[string]string, 0, analyzeBatch)
	tally := func() {
		for src, n := range factor.CountSources(batch) {
			counts[src] += n
		}
		batch = batch[:0]
	}

	for {
		if err := ctx.Err(); err != nil {
			return nil, eris.Wrap(err, "importjob: analyze cancelled")
		}
		row, err := rd.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		out.TotalRows++
		if row.Err != nil {
			out.MalformedLines++
			samples.Add("%s", row.Err.Error())
			continue
		}

		if factor.Field(row.Fields, factor.ColID) == "" {
			out.MissingIDs++
		}
		if opts.OverrideSource == "" {
			batch = append(batch, row.Fields)
			if len(batch) == analyzeBatch {
				tally()
			}
		}

		if _, rej := factor.Validate(row.Fields, opts); rej != nil {
			out.RejectedRows++
			samples.Add("line %d: %s", row.Line, rej.Error())
			continue
		}
		out.ValidRows++
	}
	tally()
	if opts.OverrideSource != "" {
		counts[opts.OverrideSource] = out.ValidRows
	}

	names := make([]string, 0, len(counts))
	for n := range counts {
		names = append(names, n)
	}
	sort.Strings(names)

	levels := map[string]string{}
	if a.access != nil && len(names) > 0 {
		if levels, err = a.access.AccessLevels(ctx, names); err != nil {
			return nil, err
		}
	}
	out.Sources = make([]SourceSummary, 0, len(names))
	for _, n := range names {
		level, known := levels[n]
		out.Sources = append(out.Sources, SourceSummary{Name: n, Rows: counts[n], Known: known, AccessLevel: level})
	}
	out.ErrorSamples = samples.Items()
	return out, nil
}

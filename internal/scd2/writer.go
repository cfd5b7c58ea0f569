// Package scd2 writes emission factor versions with slowly-changing-dimension
// semantics through a set-based stored procedure.
package scd2

import (
	"context"
	"encoding/json"
	"strconv"

	"github.com/rotisserie/eris"
	"github.com/sony/sonyflake"
	"go.uber.org/zap"

	"github.com/sells-group/ef-pipeline/internal/db"
	"github.com/sells-group/ef-pipeline/internal/factor"
)

// IDSource hands out unique version ids.
type IDSource interface {
	NextID() (uint64, error)
}

// Writer supersedes and inserts factor versions, one procedure call per batch.
type Writer struct {
	pool db.Pool
	ids  IDSource
}

// NewWriter creates a Writer whose version ids come from a sonyflake
// generator bound to machineID. Each concurrently running process needs its
// own machine id.
func NewWriter(pool db.Pool, machineID uint16) (*Writer, error) {
	sf := sonyflake.NewSonyflake(sonyflake.Settings{
		MachineID: func() (uint16, error) { return machineID, nil },
	})
	if sf == nil {
		return nil, eris.New("scd2: create version id generator")
	}
	return &Writer{pool: pool, ids: sf}, nil
}

// NewWriterWithIDs is NewWriter with an explicit id source.
func NewWriterWithIDs(pool db.Pool, ids IDSource) *Writer {
	return &Writer{pool: pool, ids: ids}
}

// Write supersedes the current latest version of every record's key and
// inserts the new versions. Records sharing a key within the batch collapse
// to the last one. It returns the number of versions the store inserted,
// which the caller adds to its running total.
func (w *Writer) Write(ctx context.Context, recs []factor.Record) (int64, error) {
	batch := Dedupe(recs)
	if len(batch) == 0 {
		return 0, nil
	}

	for i := range batch {
		id, err := w.ids.NextID()
		if err != nil {
			return 0, eris.Wrap(err, "scd2: next version id")
		}
		batch[i].VersionID = strconv.FormatUint(id, 36)
	}

	payload, err := json.Marshal(batch)
	if err != nil {
		return 0, eris.Wrap(err, "scd2: marshal batch")
	}

	var inserted int64
	err = w.pool.QueryRow(ctx,
		"SELECT scd2_upsert_emission_factors($1::jsonb)",
		string(payload),
	).Scan(&inserted)
	if err != nil {
		return 0, eris.Wrapf(err, "scd2: upsert %d records", len(batch))
	}

	if inserted < int64(len(batch)) {
		zap.L().Debug("scd2: store inserted fewer versions than submitted",
			zap.Int("submitted", len(batch)),
			zap.Int64("inserted", inserted),
		)
	}
	return inserted, nil
}

// RetireLanguage marks every global latest version of a language as
// superseded. Used before a replace-all import.
func (w *Writer) RetireLanguage(ctx context.Context, lang string) (int64, error) {
	var n int64
	if err := w.pool.QueryRow(ctx, "SELECT retire_latest_for_language($1)", lang).Scan(&n); err != nil {
		return 0, eris.Wrapf(err, "scd2: retire latest for %s", lang)
	}
	return n, nil
}

// Dedupe keeps the last record per (factor key, language), in first-seen
// order. The input slice is not modified.
func Dedupe(recs []factor.Record) []factor.Record {
	if len(recs) == 0 {
		return nil
	}
	idx := make(map[string]int, len(recs))
	out := make([]factor.Record, 0, len(recs))
	for _, r := range recs {
		k := r.FactorKey + "\x00" + r.Language
		if i, ok := idx[k]; ok {
			out[i] = r
			continue
		}
		idx[k] = len(out)
		out = append(out, r)
	}
	return out
}

// Sources returns the distinct sources of recs in first-seen order.
func Sources(recs []factor.Record) []string {
	seen := make(map[string]bool)
	var out []string
	for _, r := range recs {
		if !seen[r.Source] {
			seen[r.Source] = true
			out = append(out, r.Source)
		}
	}
	return out
}

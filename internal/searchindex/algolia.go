package searchindex

import (
	"context"
	"strings"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/ef-pipeline/internal/projection"
	"github.com/sells-group/ef-pipeline/pkg/algolia"
)

// AlgoliaIndex writes to one Algolia index.
type AlgoliaIndex struct {
	client    algolia.Client
	name      string
	chunkSize int
	log       *zap.Logger
}

// NewAlgolia creates an Algolia-backed Index. chunkSize caps objects per
// batch call and is clamped to algolia.MaxBatchObjects.
func NewAlgolia(client algolia.Client, name string, chunkSize int) *AlgoliaIndex {
	if chunkSize <= 0 || chunkSize > algolia.MaxBatchObjects {
		chunkSize = algolia.MaxBatchObjects
	}
	return &AlgoliaIndex{
		client:    client,
		name:      name,
		chunkSize: chunkSize,
		log:       zap.L().With(zap.String("component", "searchindex.algolia"), zap.String("index", name)),
	}
}

func (a *AlgoliaIndex) Name() string { return a.name }

func (a *AlgoliaIndex) SaveObjects(ctx context.Context, rows []projection.Row) error {
	return a.batchRows(ctx, a.name, algolia.ActionUpdateObject, rows)
}

func (a *AlgoliaIndex) batchRows(ctx context.Context, index, action string, rows []projection.Row) error {
	for _, chunk := range chunkRows(rows, a.chunkSize) {
		reqs := make([]algolia.BatchRequest, len(chunk))
		for i := range chunk {
			reqs[i] = algolia.BatchRequest{Action: action, Body: chunk[i]}
		}
		if _, err := a.client.Batch(ctx, index, reqs); err != nil {
			return eris.Wrapf(err, "searchindex: save %d objects to %s", len(chunk), index)
		}
	}
	return nil
}

func (a *AlgoliaIndex) DeleteObjects(ctx context.Context, objectIDs []string) error {
	for start := 0; start < len(objectIDs); start += a.chunkSize {
		end := min(start+a.chunkSize, len(objectIDs))
		reqs := make([]algolia.BatchRequest, 0, end-start)
		for _, id := range objectIDs[start:end] {
			reqs = append(reqs, algolia.BatchRequest{
				Action: algolia.ActionDeleteObject,
				Body:   map[string]string{"objectID": id},
			})
		}
		if _, err := a.client.Batch(ctx, a.name, reqs); err != nil {
			return eris.Wrapf(err, "searchindex: delete %d objects", len(reqs))
		}
	}
	return nil
}

// DeleteBySource waits for the deletion to be published so a following
// upsert of the same source cannot be overtaken by it.
func (a *AlgoliaIndex) DeleteBySource(ctx context.Context, source string) error {
	task, err := a.client.DeleteBy(ctx, a.name, SourceFilter(source))
	if err != nil {
		return eris.Wrapf(err, "searchindex: delete source %s", source)
	}
	if err := a.client.WaitTask(ctx, a.name, task.TaskID); err != nil {
		return eris.Wrapf(err, "searchindex: wait delete source %s", source)
	}
	return nil
}

// SourceFilter builds the Algolia filter matching one source.
func SourceFilter(source string) string {
	escaped := strings.ReplaceAll(source, `\`, `\\`)
	escaped = strings.ReplaceAll(escaped, `"`, `\"`)
	return `source:"` + escaped + `"`
}

// BeginReplace copies settings, synonyms and rules into a temporary index.
// Commit moves it over the live one in a single operation.
func (a *AlgoliaIndex) BeginReplace(ctx context.Context) (Replacement, error) {
	tmp := a.name + "_tmp"
	task, err := a.client.Operation(ctx, a.name, algolia.OperationRequest{
		Operation:   "copy",
		Destination: tmp,
		Scope:       []string{"settings", "synonyms", "rules"},
	})
	if err != nil {
		return nil, eris.Wrapf(err, "searchindex: copy %s scope to %s", a.name, tmp)
	}
	if err := a.client.WaitTask(ctx, a.name, task.TaskID); err != nil {
		return nil, eris.Wrapf(err, "searchindex: wait copy to %s", tmp)
	}
	a.log.Info("replacement started", zap.String("tmp", tmp))
	return &algoliaReplacement{parent: a, tmp: tmp}, nil
}

type algoliaReplacement struct {
	parent *AlgoliaIndex
	tmp    string
}

func (r *algoliaReplacement) SaveObjects(ctx context.Context, rows []projection.Row) error {
	return r.parent.batchRows(ctx, r.tmp, algolia.ActionAddObject, rows)
}

func (r *algoliaReplacement) Commit(ctx context.Context) error {
	task, err := r.parent.client.Operation(ctx, r.tmp, algolia.OperationRequest{
		Operation:   "move",
		Destination: r.parent.name,
	})
	if err != nil {
		return eris.Wrapf(err, "searchindex: move %s to %s", r.tmp, r.parent.name)
	}
	if err := r.parent.client.WaitTask(ctx, r.tmp, task.TaskID); err != nil {
		return eris.Wrapf(err, "searchindex: wait move to %s", r.parent.name)
	}
	r.parent.log.Info("replacement committed")
	return nil
}

func (r *algoliaReplacement) Abort(ctx context.Context) error {
	if _, err := r.parent.client.DeleteIndex(ctx, r.tmp); err != nil {
		return eris.Wrapf(err, "searchindex: drop %s", r.tmp)
	}
	return nil
}

func (a *AlgoliaIndex) ApplySettings(ctx context.Context, s *Settings) error {
	if s == nil {
		return nil
	}
	s.EnsureFacets(FilterAttributes...)

	task, err := a.client.SetSettings(ctx, a.name, s.Settings)
	if err != nil {
		return eris.Wrap(err, "searchindex: set settings")
	}
	if err := a.client.WaitTask(ctx, a.name, task.TaskID); err != nil {
		return eris.Wrap(err, "searchindex: wait settings")
	}

	if len(s.Synonyms) > 0 {
		task, err := a.client.SaveSynonyms(ctx, a.name, s.Synonyms)
		if err != nil {
			return eris.Wrap(err, "searchindex: save synonyms")
		}
		if err := a.client.WaitTask(ctx, a.name, task.TaskID); err != nil {
			return eris.Wrap(err, "searchindex: wait synonyms")
		}
	}
	if len(s.Rules) > 0 {
		task, err := a.client.SaveRules(ctx, a.name, s.Rules)
		if err != nil {
			return eris.Wrap(err, "searchindex: save rules")
		}
		if err := a.client.WaitTask(ctx, a.name, task.TaskID); err != nil {
			return eris.Wrap(err, "searchindex: wait rules")
		}
	}

	a.log.Info("settings applied",
		zap.Int("synonyms", len(s.Synonyms)),
		zap.Int("rules", len(s.Rules)),
	)
	return nil
}

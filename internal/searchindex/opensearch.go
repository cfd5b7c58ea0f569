package searchindex

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/opensearch-project/opensearch-go/v2"
	"github.com/opensearch-project/opensearch-go/v2/opensearchapi"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/ef-pipeline/internal/projection"
)

// OpenSearchIndex writes to an OpenSearch alias. Whole-index replacement
// builds a fresh physical index and swaps the alias onto it.
type OpenSearchIndex struct {
	client    *opensearch.Client
	alias     string
	chunkSize int
	now       func() time.Time
	log       *zap.Logger

	// settings and mappings used when creating physical indexes.
	settings *Settings
}

// NewOpenSearch creates an OpenSearch-backed Index over alias.
func NewOpenSearch(client *opensearch.Client, alias string, chunkSize int) *OpenSearchIndex {
	if chunkSize <= 0 {
		chunkSize = 1000
	}
	return &OpenSearchIndex{
		client:    client,
		alias:     alias,
		chunkSize: chunkSize,
		now:       time.Now,
		log:       zap.L().With(zap.String("component", "searchindex.opensearch"), zap.String("alias", alias)),
	}
}

// NewOpenSearchClient builds a client from addresses and basic auth.
func NewOpenSearchClient(addresses []string, username, password string) (*opensearch.Client, error) {
	c, err := opensearch.NewClient(opensearch.Config{
		Addresses: addresses,
		Username:  username,
		Password:  password,
	})
	if err != nil {
		return nil, eris.Wrap(err, "searchindex: opensearch client")
	}
	return c, nil
}

func (o *OpenSearchIndex) Name() string { return o.alias }

// check drains and closes res, turning an error status into an error.
func check(res *opensearchapi.Response, err error, op string) ([]byte, error) {
	if err != nil {
		return nil, eris.Wrapf(err, "searchindex: %s", op)
	}
	defer res.Body.Close() //nolint:errcheck
	body, readErr := io.ReadAll(res.Body)
	if readErr != nil {
		return nil, eris.Wrapf(readErr, "searchindex: %s read body", op)
	}
	if res.IsError() {
		return body, &StatusError{Op: op, Status: res.StatusCode, Body: string(body)}
	}
	return body, nil
}

// StatusError is a non-2xx OpenSearch answer.
type StatusError struct {
	Op     string
	Status int
	Body   string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("searchindex: %s status %d: %s", e.Op, e.Status, e.Body)
}

// Temporary reports whether the call may succeed if repeated.
func (e *StatusError) Temporary() bool {
	return e.Status == http.StatusTooManyRequests || e.Status >= 500
}

type bulkResponse struct {
	Errors bool `json:"errors"`
	Items  []map[string]struct {
		ID     string `json:"_id"`
		Status int    `json:"status"`
		Error  *struct {
			Type   string `json:"type"`
			Reason string `json:"reason"`
		} `json:"error,omitempty"`
	} `json:"items"`
}

func (o *OpenSearchIndex) bulk(ctx context.Context, index string, lines func(*bytes.Buffer) error) error {
	var buf bytes.Buffer
	if err := lines(&buf); err != nil {
		return err
	}
	if buf.Len() == 0 {
		return nil
	}
	res, err := opensearchapi.BulkRequest{Index: index, Body: &buf}.Do(ctx, o.client)
	body, err := check(res, err, "bulk")
	if err != nil {
		return err
	}

	var resp bulkResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return eris.Wrap(err, "searchindex: decode bulk response")
	}
	if !resp.Errors {
		return nil
	}
	var failed []string
	for _, item := range resp.Items {
		for _, r := range item {
			// A delete of an absent document is not a failure.
			if r.Error != nil && r.Status != http.StatusNotFound {
				failed = append(failed, r.ID+": "+r.Error.Reason)
			}
		}
	}
	if len(failed) == 0 {
		return nil
	}
	return eris.Errorf("searchindex: bulk rejected %d items: %s", len(failed), strings.Join(failed[:min(3, len(failed))], "; "))
}

func (o *OpenSearchIndex) writeRows(ctx context.Context, index string, rows []projection.Row) error {
	for _, chunk := range chunkRows(rows, o.chunkSize) {
		err := o.bulk(ctx, index, func(buf *bytes.Buffer) error {
			enc := json.NewEncoder(buf)
			for i := range chunk {
				meta := map[string]map[string]string{"index": {"_id": chunk[i].ObjectID}}
				if err := enc.Encode(meta); err != nil {
					return eris.Wrap(err, "searchindex: encode bulk action")
				}
				if err := enc.Encode(chunk[i]); err != nil {
					return eris.Wrapf(err, "searchindex: encode %s", chunk[i].ObjectID)
				}
			}
			return nil
		})
		if err != nil {
			return err
		}
	}
	return nil
}

func (o *OpenSearchIndex) SaveObjects(ctx context.Context, rows []projection.Row) error {
	return o.writeRows(ctx, o.alias, rows)
}

func (o *OpenSearchIndex) DeleteObjects(ctx context.Context, objectIDs []string) error {
	for start := 0; start < len(objectIDs); start += o.chunkSize {
		ids := objectIDs[start:min(start+o.chunkSize, len(objectIDs))]
		err := o.bulk(ctx, o.alias, func(buf *bytes.Buffer) error {
			enc := json.NewEncoder(buf)
			for _, id := range ids {
				if err := enc.Encode(map[string]map[string]string{"delete": {"_id": id}}); err != nil {
					return eris.Wrap(err, "searchindex: encode bulk delete")
				}
			}
			return nil
		})
		if err != nil {
			return err
		}
	}
	return nil
}

func (o *OpenSearchIndex) DeleteBySource(ctx context.Context, source string) error {
	query, err := json.Marshal(map[string]any{
		"query": map[string]any{"term": map[string]any{"source": source}},
	})
	if err != nil {
		return eris.Wrap(err, "searchindex: encode delete query")
	}
	res, err := opensearchapi.DeleteByQueryRequest{
		Index: []string{o.alias},
		Body:  bytes.NewReader(query),
	}.Do(ctx, o.client)
	_, err = check(res, err, "delete by query "+source)
	return err
}

// currentIndexes returns the physical indexes the alias points to.
func (o *OpenSearchIndex) currentIndexes(ctx context.Context) ([]string, error) {
	res, err := opensearchapi.IndicesGetAliasRequest{Name: []string{o.alias}}.Do(ctx, o.client)
	body, err := check(res, err, "get alias")
	if err != nil {
		var se *StatusError
		if errors.As(err, &se) && se.Status == http.StatusNotFound {
			return nil, nil
		}
		return nil, err
	}
	var byIndex map[string]json.RawMessage
	if err := json.Unmarshal(body, &byIndex); err != nil {
		return nil, eris.Wrap(err, "searchindex: decode alias response")
	}
	out := make([]string, 0, len(byIndex))
	for name := range byIndex {
		out = append(out, name)
	}
	return out, nil
}

func (o *OpenSearchIndex) BeginReplace(ctx context.Context) (Replacement, error) {
	physical := fmt.Sprintf("%s_%d", o.alias, o.now().UnixNano())

	create := map[string]any{}
	if o.settings != nil {
		if len(o.settings.Settings) > 0 {
			create["settings"] = openSearchSettings(o.settings.Settings)
		}
		if len(o.settings.Mappings) > 0 {
			create["mappings"] = o.settings.Mappings
		}
	}
	payload, err := json.Marshal(create)
	if err != nil {
		return nil, eris.Wrap(err, "searchindex: encode index body")
	}
	res, err := opensearchapi.IndicesCreateRequest{
		Index: physical,
		Body:  bytes.NewReader(payload),
	}.Do(ctx, o.client)
	if _, err := check(res, err, "create index "+physical); err != nil {
		return nil, err
	}
	o.log.Info("replacement started", zap.String("index", physical))
	return &openSearchReplacement{parent: o, physical: physical}, nil
}

type openSearchReplacement struct {
	parent   *OpenSearchIndex
	physical string
}

func (r *openSearchReplacement) SaveObjects(ctx context.Context, rows []projection.Row) error {
	return r.parent.writeRows(ctx, r.physical, rows)
}

func (r *openSearchReplacement) Commit(ctx context.Context) error {
	o := r.parent
	old, err := o.currentIndexes(ctx)
	if err != nil {
		return err
	}

	actions := []map[string]any{{"add": map[string]string{"index": r.physical, "alias": o.alias}}}
	for _, idx := range old {
		actions = append(actions, map[string]any{"remove": map[string]string{"index": idx, "alias": o.alias}})
	}
	payload, err := json.Marshal(map[string]any{"actions": actions})
	if err != nil {
		return eris.Wrap(err, "searchindex: encode alias actions")
	}
	res, err := opensearchapi.IndicesUpdateAliasesRequest{
		Body: bytes.NewReader(payload),
	}.Do(ctx, o.client)
	if _, err := check(res, err, "swap alias"); err != nil {
		return err
	}

	if len(old) > 0 {
		res, err := opensearchapi.IndicesDeleteRequest{Index: old}.Do(ctx, o.client)
		if _, err := check(res, err, "drop old indexes"); err != nil {
			o.log.Warn("old indexes not dropped", zap.Strings("indexes", old), zap.Error(err))
		}
	}
	o.log.Info("replacement committed", zap.String("index", r.physical), zap.Strings("replaced", old))
	return nil
}

func (r *openSearchReplacement) Abort(ctx context.Context) error {
	res, err := opensearchapi.IndicesDeleteRequest{Index: []string{r.physical}}.Do(ctx, r.parent.client)
	_, err = check(res, err, "drop "+r.physical)
	return err
}

// StageSettings records the settings and mappings used by the next
// BeginReplace without touching the live index.
func (o *OpenSearchIndex) StageSettings(s *Settings) {
	o.settings = s
}

// ApplySettings stores the document for future physical indexes and pushes
// its dynamic settings to the live one. Synonyms and rules are Algolia-only.
func (o *OpenSearchIndex) ApplySettings(ctx context.Context, s *Settings) error {
	if s == nil {
		return nil
	}
	o.StageSettings(s)

	dynamic := openSearchSettings(s.Settings)
	for k := range staticSettings {
		delete(dynamic, k)
	}
	if len(dynamic) == 0 {
		return nil
	}
	payload, err := json.Marshal(map[string]any{"index": dynamic})
	if err != nil {
		return eris.Wrap(err, "searchindex: encode settings")
	}
	res, err := opensearchapi.IndicesPutSettingsRequest{
		Index: []string{o.alias},
		Body:  bytes.NewReader(payload),
	}.Do(ctx, o.client)
	_, err = check(res, err, "put settings")
	return err
}

// staticSettings can only be set at index creation.
var staticSettings = map[string]bool{
	"number_of_shards":       true,
	"analysis":               true,
	"codec":                  true,
	"routing_partition_size": true,
}

// openSearchSettings keeps only native index settings. Algolia-style
// camelCase keys such as attributesForFaceting are dropped.
func openSearchSettings(in map[string]any) map[string]any {
	out := map[string]any{}
	for k, v := range in {
		if strings.ToLower(k) == k {
			out[k] = v
		}
	}
	return out
}

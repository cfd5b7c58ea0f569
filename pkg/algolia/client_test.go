package algolia

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(url string) Client {
	return NewClient("APP", "secret", WithBaseURL(url), WithPollInterval(time.Millisecond), WithMaxPolls(5))
}

func TestBatch_Success(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/1/indexes/ef_all/batch", r.URL.Path)
		assert.Equal(t, "APP", r.Header.Get("X-Algolia-Application-Id"))
		assert.Equal(t, "secret", r.Header.Get("X-Algolia-API-Key"))
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))

		var body struct {
			Requests []struct {
				Action string         `json:"action"`
				Body   map[string]any `json:"body"`
			} `json:"requests"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		require.Len(t, body.Requests, 2)
		assert.Equal(t, ActionUpdateObject, body.Requests[0].Action)
		assert.Equal(t, "o-1", body.Requests[0].Body["objectID"])

		w.Write([]byte(`{"taskID":77,"objectIDs":["o-1","o-2"]}`))
	}))
	defer srv.Close()

	got, err := newTestClient(srv.URL).Batch(context.Background(), "ef_all", []BatchRequest{
		{Action: ActionUpdateObject, Body: map[string]any{"objectID": "o-1"}},
		{Action: ActionUpdateObject, Body: map[string]any{"objectID": "o-2"}},
	})
	require.NoError(t, err)
	assert.Equal(t, int64(77), got.TaskID)
	assert.Equal(t, []string{"o-1", "o-2"}, got.ObjectIDs)
}

func TestBatch_TooLarge(t *testing.T) {
	t.Parallel()

	c := NewClient("APP", "secret", WithBaseURL("http://unused.invalid"))
	_, err := c.Batch(context.Background(), "ef_all", make([]BatchRequest, MaxBatchObjects+1))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "exceeds")
}

func TestBatch_ClientError(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"message":"invalid"}`))
	}))
	defer srv.Close()

	_, err := newTestClient(srv.URL).Batch(context.Background(), "ef_all", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "400")
}

func TestBatch_RetriesTransientStatus(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		assert.Contains(t, string(body), "requests")
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Write([]byte(`{"taskID":1}`))
	}))
	defer srv.Close()

	got, err := newTestClient(srv.URL).Batch(context.Background(), "ef_all", []BatchRequest{{Action: ActionDeleteObject, Body: map[string]string{"objectID": "x"}}})
	require.NoError(t, err)
	assert.Equal(t, int64(1), got.TaskID)
	assert.Equal(t, int32(2), calls.Load())
}

func TestDeleteBy(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/1/indexes/ef_all/deleteByQuery", r.URL.Path)
		var body map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, `source:"ADEME"`, body["filters"])
		w.Write([]byte(`{"taskID":5}`))
	}))
	defer srv.Close()

	got, err := newTestClient(srv.URL).DeleteBy(context.Background(), "ef_all", `source:"ADEME"`)
	require.NoError(t, err)
	assert.Equal(t, int64(5), got.TaskID)
}

func TestOperation_Move(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/1/indexes/ef_all_tmp/operation", r.URL.Path)
		var body OperationRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "move", body.Operation)
		assert.Equal(t, "ef_all", body.Destination)
		w.Write([]byte(`{"taskID":9}`))
	}))
	defer srv.Close()

	_, err := newTestClient(srv.URL).Operation(context.Background(), "ef_all_tmp",
		OperationRequest{Operation: "move", Destination: "ef_all"})
	require.NoError(t, err)
}

func TestSettingsSynonymsRules(t *testing.T) {
	t.Parallel()

	var (
		mu   sync.Mutex
		seen []string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		seen = append(seen, r.Method+" "+r.URL.Path+"?"+r.URL.RawQuery)
		mu.Unlock()
		w.Write([]byte(`{"taskID":3}`))
	}))
	defer srv.Close()

	c := newTestClient(srv.URL)
	ctx := context.Background()
	_, err := c.SetSettings(ctx, "ef_all", map[string]any{"searchableAttributes": []string{"name"}})
	require.NoError(t, err)
	_, err = c.SaveSynonyms(ctx, "ef_all", []json.RawMessage{json.RawMessage(`{"objectID":"s1","type":"synonym","synonyms":["co2","carbone"]}`)})
	require.NoError(t, err)
	_, err = c.SaveRules(ctx, "ef_all", []json.RawMessage{json.RawMessage(`{"objectID":"r1"}`)})
	require.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{
		"PUT /1/indexes/ef_all/settings?forwardToReplicas=true",
		"POST /1/indexes/ef_all/synonyms/batch?replaceExistingSynonyms=true&forwardToReplicas=true",
		"POST /1/indexes/ef_all/rules/batch?clearExistingRules=true&forwardToReplicas=true",
	}, seen)
}

func TestDeleteIndex(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodDelete, r.Method)
		assert.Equal(t, "/1/indexes/ef_all_tmp", r.URL.Path)
		w.Write([]byte(`{"taskID":4}`))
	}))
	defer srv.Close()

	_, err := newTestClient(srv.URL).DeleteIndex(context.Background(), "ef_all_tmp")
	require.NoError(t, err)
}

func TestWaitTask_PollsUntilPublished(t *testing.T) {
	t.Parallel()

	var polls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/1/indexes/ef_all/task/42", r.URL.Path)
		if polls.Add(1) < 3 {
			w.Write([]byte(`{"status":"notPublished"}`))
			return
		}
		w.Write([]byte(`{"status":"published"}`))
	}))
	defer srv.Close()

	require.NoError(t, newTestClient(srv.URL).WaitTask(context.Background(), "ef_all", 42))
	assert.Equal(t, int32(3), polls.Load())
}

func TestWaitTask_GivesUp(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"status":"notPublished"}`))
	}))
	defer srv.Close()

	err := newTestClient(srv.URL).WaitTask(context.Background(), "ef_all", 1)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not published")
}

func TestWaitTask_ContextCancelled(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"status":"notPublished"}`))
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	c := NewClient("APP", "secret", WithBaseURL(srv.URL), WithPollInterval(time.Hour))
	assert.Error(t, c.WaitTask(ctx, "ef_all", 1))
}

func TestAPIError_Temporary(t *testing.T) {
	t.Parallel()

	assert.True(t, (&APIError{Status: 429}).Temporary())
	assert.True(t, (&APIError{Status: 502}).Temporary())
	assert.False(t, (&APIError{Status: 404}).Temporary())
	assert.Equal(t, "algolia: batch unexpected status 400: bad", (&APIError{Op: "batch", Status: 400, Body: "bad"}).Error())
}

package desklinesdk

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClaimCompleteRoundTrip(t *testing.T) {
	var gotBodies []map[string]any
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/claim", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "k1", r.Header.Get("X-Api-Key"))
		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		gotBodies = append(gotBodies, body)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"item":{"id":"it1","title":"reset","status":"working","priority":1}}`))
	})
	mux.HandleFunc("/v1/items/it1/complete", func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		gotBodies = append(gotBodies, body)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"it1","status":"completed","output":{"ok":true}}`))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	c := New(srv.URL)
	c.APIKey = "k1"
	it, err := c.ClaimNext(context.Background(), "w1", "")
	require.NoError(t, err)
	require.NotNil(t, it)
	assert.Equal(t, "it1", it.ID)
	assert.Equal(t, "working", it.Status)

	done, err := c.Complete(context.Background(), it.ID, map[string]any{"ok": true})
	require.NoError(t, err)
	assert.Equal(t, "completed", done.Status)

	require.Len(t, gotBodies, 2)
	assert.Equal(t, "w1", gotBodies[0]["worker_id"])
	assert.NotContains(t, gotBodies[0], "assignee_class")
	assert.Equal(t, map[string]any{"ok": true}, gotBodies[1]["output"])
}

func TestClaimOnEmptyQueue(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"item":null}`))
	}))
	defer srv.Close()

	it, err := New(srv.URL).ClaimNext(context.Background(), "w1", "human")
	require.NoError(t, err)
	assert.Nil(t, it)
}

func TestBearerTokenWinsOverAPIKey(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		assert.Empty(t, r.Header.Get("X-Api-Key"))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"it9","status":"queued"}`))
	}))
	defer srv.Close()

	c := New(srv.URL)
	c.APIKey = "k1"
	c.BearerToken = "tok"
	it, err := c.GetItem(context.Background(), "it9")
	require.NoError(t, err)
	assert.Equal(t, "queued", it.Status)
}

func TestErrorEnvelopeIsDecoded(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusConflict)
		_, _ = w.Write([]byte(`{"error":{"code":"invalid_transition","message":"invalid transition: complete queued -> completed"}}`))
	}))
	defer srv.Close()

	_, err := New(srv.URL).Complete(context.Background(), "it1", nil)
	require.Error(t, err)
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusConflict, apiErr.StatusCode)
	assert.Equal(t, "invalid_transition", apiErr.Code)
	assert.True(t, IsCode(err, "invalid_transition"))
	assert.False(t, IsCode(err, "not_found"))
}

func TestReadsRetryButWritesDoNot(t *testing.T) {
	var gets, posts atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet {
			gets.Add(1)
		} else {
			posts.Add(1)
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadGateway)
		_, _ = w.Write([]byte(`{"error":{"code":"adapter_error","message":"upstream"}}`))
	}))
	defer srv.Close()

	c := New(srv.URL)
	c.Retries = 2
	_, err := c.GetItem(context.Background(), "it1")
	require.Error(t, err)
	_, err = c.Fail(context.Background(), "it1", "boom", true)
	require.Error(t, err)

	assert.Equal(t, int32(3), gets.Load())
	assert.Equal(t, int32(1), posts.Load())
}

func TestEventsPageQuery(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/events", r.URL.Path)
		assert.Equal(t, "2", r.URL.Query().Get("limit"))
		assert.Equal(t, "41", r.URL.Query().Get("cursor"))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"items":[{"id":40,"type":"item.created"},{"id":39,"type":"item.started"}],"next_cursor":"39"}`))
	}))
	defer srv.Close()

	page, err := New(srv.URL).EventsPage(context.Background(), 2, "41")
	require.NoError(t, err)
	require.Len(t, page.Items, 2)
	assert.Equal(t, "39", page.NextCursor)
}

package notion

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func newTestClient(srv *httptest.Server, guard WriteGuard) *Client {
	c := NewClient("test-token", 100, guard)
	c.base = srv.URL
	return c
}

func pageJSON(id string) string {
	return `{"id":"` + id + `","last_edited_time":"2026-01-02T03:04:05Z","properties":{}}`
}

func TestWriteGuardDefaultsToProtected(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		io.WriteString(w, pageJSON("p1"))
	}))
	defer srv.Close()

	c := newTestClient(srv, WriteGuard{})
	ctx := context.Background()

	_, err := c.CreatePage(ctx, "db-1", map[string]interface{}{})
	require.ErrorIs(t, err, ErrWriteProtected)
	_, err = c.UpdatePage(ctx, "p1", map[string]interface{}{})
	require.ErrorIs(t, err, ErrWriteProtected)

	require.Zero(t, atomic.LoadInt32(&hits), "a vetoed mutation must never reach the wire")
}

func TestAllowWritesLetsMutationsThrough(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/pages", r.URL.Path)
		require.Equal(t, "Bearer test-token", r.Header.Get("Authorization"))
		require.Equal(t, apiVersion, r.Header.Get("Notion-Version"))
		io.WriteString(w, pageJSON("p1"))
	}))
	defer srv.Close()

	c := newTestClient(srv, AllowWrites())
	p, err := c.CreatePage(context.Background(), "db-1", map[string]interface{}{})
	require.NoError(t, err)
	require.Equal(t, "p1", p.ID)
}

func TestQueryDatabaseSendsCursorAndWatermark(t *testing.T) {
	var captured queryRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/databases/db-1/query", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&captured))
		io.WriteString(w, `{"results":[`+pageJSON("p1")+`],"next_cursor":"cur-2","has_more":true}`)
	}))
	defer srv.Close()

	c := newTestClient(srv, WriteGuard{})
	watermark := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	res, err := c.QueryDatabase(context.Background(), "db-1", "cur-1", &watermark)
	require.NoError(t, err)

	require.Equal(t, "cur-1", captured.StartCursor)
	require.NotNil(t, captured.Filter)
	require.Equal(t, "2026-01-01T00:00:00Z", captured.Filter.LastEditedTime["on_or_after"])
	require.Len(t, captured.Sorts, 1)
	require.Equal(t, "ascending", captured.Sorts[0].Direction)

	require.Len(t, res.Pages, 1)
	require.Equal(t, "p1", res.Pages[0].ID)
	require.True(t, res.HasMore)
	require.Equal(t, "cur-2", res.NextCursor)
}

func TestQueryDatabaseFullPullOmitsFilter(t *testing.T) {
	var captured queryRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&captured))
		io.WriteString(w, `{"results":[],"has_more":false}`)
	}))
	defer srv.Close()

	c := newTestClient(srv, WriteGuard{})
	_, err := c.QueryDatabase(context.Background(), "db-1", "", nil)
	require.NoError(t, err)
	require.Nil(t, captured.Filter)
	require.Empty(t, captured.StartCursor)
}

func TestDoRetriesTransientFailures(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&hits, 1) == 1 {
			w.WriteHeader(http.StatusTooManyRequests)
			io.WriteString(w, `{"code":"rate_limited","message":"slow down"}`)
			return
		}
		io.WriteString(w, `{"results":[],"has_more":false}`)
	}))
	defer srv.Close()

	c := newTestClient(srv, WriteGuard{})
	_, err := c.QueryDatabase(context.Background(), "db-1", "", nil)
	require.NoError(t, err)
	require.EqualValues(t, 2, atomic.LoadInt32(&hits))
}

func TestDoDoesNotRetryPermanentErrors(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		w.WriteHeader(http.StatusNotFound)
		io.WriteString(w, `{"code":"object_not_found","message":"no such database"}`)
	}))
	defer srv.Close()

	c := newTestClient(srv, WriteGuard{})
	_, err := c.QueryDatabase(context.Background(), "db-1", "", nil)
	require.Error(t, err)
	require.Contains(t, err.Error(), "object_not_found")
	require.EqualValues(t, 1, atomic.LoadInt32(&hits), "4xx responses are permanent")
}

func TestRetryable(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want bool
	}{
		{"rate limited", &apiError{Status: http.StatusTooManyRequests}, true},
		{"server error", &apiError{Status: http.StatusBadGateway}, true},
		{"bad request", &apiError{Status: http.StatusBadRequest}, false},
		{"unauthorized", &apiError{Status: http.StatusUnauthorized}, false},
		{"deadline", context.DeadlineExceeded, true},
		{"plain error", errors.New("boom"), false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			require.Equal(t, tc.want, retryable(tc.err))
		})
	}
}

func TestUnconfiguredClient(t *testing.T) {
	var c *Client
	require.False(t, c.Configured())
	require.False(t, NewClient("", 0, WriteGuard{}).Configured())
	require.True(t, NewClient("tok", 0, WriteGuard{}).Configured())
}

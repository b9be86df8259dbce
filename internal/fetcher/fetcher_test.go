package fetcher

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/apicrawl/apicrawl/internal/crawl"
)

func TestDoDecodesJSON(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		require.Equal(t, "application/json", r.Header.Get("Accept"))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"data":[{"id":1}],"next_cursor":"abc"}`))
	}))
	defer srv.Close()

	c := New(5 * time.Second)
	res, err := c.Do(context.Background(), crawl.Request{
		Method:  "GET",
		URL:     srv.URL,
		Headers: []crawl.Header{{Name: "Authorization", Value: "Bearer tok"}},
	})
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, res.StatusCode)

	obj, ok := res.Body.(map[string]any)
	require.True(t, ok)
	require.Equal(t, "abc", obj["next_cursor"])
}

func TestDoSendsBodyAndCookies(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		ck, err := r.Cookie("session")
		require.NoError(t, err)
		require.Equal(t, "abc", ck.Value)
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	c := New(5 * time.Second)
	_, err := c.Do(context.Background(), crawl.Request{
		Method:  "POST",
		URL:     srv.URL,
		Body:    `{"q":"books"}`,
		Cookies: []crawl.Header{{Name: "session", Value: "abc"}},
	})
	require.NoError(t, err)
}

func TestDoHTTPError(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "rate limited", http.StatusTooManyRequests)
	}))
	defer srv.Close()

	c := New(5 * time.Second)
	res, err := c.Do(context.Background(), crawl.Request{Method: "GET", URL: srv.URL})
	require.Error(t, err)

	var httpErr *crawl.HTTPError
	require.ErrorAs(t, err, &httpErr)
	require.Equal(t, http.StatusTooManyRequests, httpErr.StatusCode)
	require.Contains(t, httpErr.Snippet, "rate limited")
	require.Equal(t, http.StatusTooManyRequests, res.StatusCode)
}

func TestDoInvalidJSON(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`<html>not json</html>`))
	}))
	defer srv.Close()

	c := New(5 * time.Second)
	_, err := c.Do(context.Background(), crawl.Request{Method: "GET", URL: srv.URL})
	require.ErrorContains(t, err, "decode response")
}

func TestDoContextCancel(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	c := New(5 * time.Second)
	_, err := c.Do(ctx, crawl.Request{Method: "GET", URL: srv.URL})
	require.Error(t, err)
}

func TestDoDefaultUserAgent(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "probe/2.0", r.Header.Get("User-Agent"))
		_, _ = w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	c := New(5*time.Second, WithUserAgent("probe/2.0"))
	_, err := c.Do(context.Background(), crawl.Request{Method: "GET", URL: srv.URL})
	require.NoError(t, err)
}

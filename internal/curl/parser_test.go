package curl

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/apicrawl/apicrawl/internal/crawl"
)

func TestParseSimpleGet(t *testing.T) {
	t.Parallel()

	req, err := Parse(`curl https://api.example.com/v1/items?page=1`)
	require.NoError(t, err)
	require.Equal(t, "GET", req.Method)
	require.Equal(t, "https://api.example.com/v1/items?page=1", req.URL)
	require.Empty(t, req.Headers)
}

func TestParseHeadersPreserveOrder(t *testing.T) {
	t.Parallel()

	req, err := Parse(`curl -H 'Authorization: Bearer tok' -H 'Accept: application/json' https://api.example.com/items`)
	require.NoError(t, err)
	require.Equal(t, []crawl.Header{
		{Name: "Authorization", Value: "Bearer tok"},
		{Name: "Accept", Value: "application/json"},
	}, req.Headers)
}

func TestParseDuplicateHeaders(t *testing.T) {
	t.Parallel()

	req, err := Parse(`curl -H 'X-Tag: a' -H 'X-Tag: b' -H 'X-Tag: a' https://api.example.com/items`)
	require.NoError(t, err)
	// Distinct values append, exact duplicates are dropped.
	require.Equal(t, []string{"a", "b"}, req.HeaderValues("X-Tag"))
}

func TestParseDataImpliesPost(t *testing.T) {
	t.Parallel()

	req, err := Parse(`curl -d '{"q":"books"}' https://api.example.com/search`)
	require.NoError(t, err)
	require.Equal(t, "POST", req.Method)
	require.Equal(t, `{"q":"books"}`, req.Body)
}

func TestParseExplicitMethodWins(t *testing.T) {
	t.Parallel()

	req, err := Parse(`curl -X PUT -d '{"a":1}' https://api.example.com/items/7`)
	require.NoError(t, err)
	require.Equal(t, "PUT", req.Method)
}

func TestParseJSONFlag(t *testing.T) {
	t.Parallel()

	req, err := Parse(`curl --json '{"a":1}' https://api.example.com/items`)
	require.NoError(t, err)
	require.Equal(t, "POST", req.Method)
	require.Equal(t, []string{"application/json"}, req.HeaderValues("Content-Type"))
}

func TestParseCookies(t *testing.T) {
	t.Parallel()

	req, err := Parse(`curl -b 'session=abc; theme=dark' https://api.example.com/items`)
	require.NoError(t, err)
	require.Equal(t, []crawl.Header{
		{Name: "session", Value: "abc"},
		{Name: "theme", Value: "dark"},
	}, req.Cookies)
}

func TestParseLineContinuations(t *testing.T) {
	t.Parallel()

	req, err := Parse("curl \\\n  -H 'Accept: application/json' \\\n  https://api.example.com/items")
	require.NoError(t, err)
	require.Equal(t, "https://api.example.com/items", req.URL)
	require.Len(t, req.Headers, 1)
}

func TestParseSchemeDefault(t *testing.T) {
	t.Parallel()

	req, err := Parse(`curl api.example.com/items`)
	require.NoError(t, err)
	require.Equal(t, "https://api.example.com/items", req.URL)
}

func TestParseErrors(t *testing.T) {
	t.Parallel()

	cases := map[string]string{
		"not curl":      `wget https://example.com`,
		"no url":        `curl -H 'Accept: application/json'`,
		"bad method":    `curl -X BREW https://example.com`,
		"unbalanced":    `curl -H 'Accept: application/json https://example.com`,
		"empty command": ``,
	}
	for name, raw := range cases {
		raw := raw
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			_, err := Parse(raw)
			require.Error(t, err)
			var perr *ParseError
			require.ErrorAs(t, err, &perr)
		})
	}
}

func TestParseUserAgent(t *testing.T) {
	t.Parallel()

	req, err := Parse(`curl -A 'probe/1.0' --url https://api.example.com/items`)
	require.NoError(t, err)
	require.Equal(t, []string{"probe/1.0"}, req.HeaderValues("User-Agent"))
	require.Equal(t, "https://api.example.com/items", req.URL)
}

// Package pagination classifies how a JSON API pages through results and
// derives the next request from the current position and last response.
package pagination

import (
	"net/url"
	"strconv"
	"strings"

	"github.com/apicrawl/apicrawl/internal/crawl"
)

// Parameter and field name catalogs. Matching is case-insensitive.
var (
	pageParams   = []string{"page", "p", "pageNumber", "page_number"}
	offsetParams = []string{"offset", "skip", "start"}
	limitParams  = []string{"limit", "take", "size", "per_page", "pageSize", "page_size", "count"}
	cursorParams = []string{"cursor", "after", "next_token", "continuation", "token"}

	cursorFields = []string{
		"next_cursor", "cursor", "nextToken", "next_token",
		"continuation", "continuationToken", "after", "endCursor",
	}
	pageFields     = []string{"page", "currentPage", "current_page", "pageNumber", "page_number", "totalPages", "total_pages"}
	nextURLFields  = []string{"next", "next_page", "nextPage"}
	wrapperFields  = []string{"pagination", "paging", "meta", "_pagination", "_meta"}
	totalFields    = []string{"totalPages", "total_pages", "pages"}
	hasMoreFields  = []string{"has_more", "hasMore", "has_next", "hasNext", "more"}
	dataArrayKeys  = []string{"data", "results", "items", "records", "entries", "list"}
	defaultLimit   = 20
	defaultPageOne = 1
)

// Detect classifies the pagination contract from one sample request/response
// pair. Precedence is fixed and first match wins: cursor, then page, then
// offset, then none. Page beats offset when both URL indicators are present.
// Detection runs exactly once per job.
func Detect(req crawl.Request, body any) crawl.PaginationSpec {
	spec := crawl.PaginationSpec{Type: crawl.PaginationNone}
	q := queryParams(req.URL)
	fillURLParams(&spec, q)

	if obj, ok := body.(map[string]any); ok {
		fillResponseHints(&spec, obj)

		// Direct continuation-token field on the response.
		for _, f := range cursorFields {
			if _, ok := lookupKeyFold(obj, f); ok {
				spec.Type = crawl.PaginationCursor
				spec.CursorField = canonicalKey(obj, f)
				if spec.CursorParam == "" {
					spec.CursorParam = "cursor"
				}
				return spec
			}
		}
		// Nested pagination wrapper objects.
		for _, w := range wrapperFields {
			inner, ok := lookupKeyFold(obj, w)
			if !ok {
				continue
			}
			nested, ok := inner.(map[string]any)
			if !ok {
				continue
			}
			for _, f := range cursorFields {
				if _, ok := lookupKeyFold(nested, f); ok {
					spec.Type = crawl.PaginationCursor
					spec.CursorField = canonicalKey(obj, w) + "." + canonicalKey(nested, f)
					if spec.CursorParam == "" {
						spec.CursorParam = "cursor"
					}
					return spec
				}
			}
			for _, f := range pageFields {
				if _, ok := lookupKeyFold(nested, f); ok {
					spec.Type = crawl.PaginationPage
					if spec.PageParam == "" {
						spec.PageParam = "page"
					}
					return spec
				}
			}
		}
		// Bare next-page URL fields, then HAL / JSON:API links.next.
		for _, f := range nextURLFields {
			if v, ok := lookupKeyFold(obj, f); ok && !isEmptyValue(v) {
				spec.Type = crawl.PaginationCursor
				spec.NextURLField = canonicalKey(obj, f)
				return spec
			}
		}
		if links, ok := lookupKeyFold(obj, "links"); ok {
			if nested, ok := links.(map[string]any); ok {
				if v, ok := lookupKeyFold(nested, "next"); ok && !isEmptyValue(v) {
					spec.Type = crawl.PaginationCursor
					spec.NextURLField = canonicalKey(obj, "links") + "." + canonicalKey(nested, "next")
					return spec
				}
			}
		}
	}

	// Fall back to request parameters.
	switch {
	case spec.CursorParam != "":
		spec.Type = crawl.PaginationCursor
	case spec.PageParam != "":
		spec.Type = crawl.PaginationPage
	case spec.OffsetParam != "":
		spec.Type = crawl.PaginationOffset
	}
	return spec
}

// InitialState seeds the pagination position from the sample request's own
// parameter values.
func InitialState(spec crawl.PaginationSpec, rawURL string) crawl.PaginationState {
	state := crawl.PaginationState{Page: defaultPageOne}
	q := queryParams(rawURL)
	if spec.PageParam != "" {
		if v, ok := q[strings.ToLower(spec.PageParam)]; ok {
			if n, err := strconv.Atoi(v); err == nil && n > 0 {
				state.Page = n
			}
		}
	}
	if spec.OffsetParam != "" {
		if v, ok := q[strings.ToLower(spec.OffsetParam)]; ok {
			if n, err := strconv.Atoi(v); err == nil && n >= 0 {
				state.Offset = n
			}
		}
	}
	return state
}

func queryParams(rawURL string) map[string]string {
	out := map[string]string{}
	u, err := url.Parse(rawURL)
	if err != nil {
		return out
	}
	for name, values := range u.Query() {
		if len(values) > 0 {
			out[strings.ToLower(name)] = values[0]
		}
	}
	return out
}

// fillURLParams records which pagination-style parameters the request already
// carries, keeping the caller's exact parameter casing.
func fillURLParams(spec *crawl.PaginationSpec, q map[string]string) {
	match := func(catalog []string) (string, string, bool) {
		for _, p := range catalog {
			if v, ok := q[strings.ToLower(p)]; ok {
				return p, v, true
			}
		}
		return "", "", false
	}
	if p, _, ok := match(pageParams); ok {
		spec.PageParam = p
	}
	if p, _, ok := match(offsetParams); ok {
		spec.OffsetParam = p
	}
	if p, v, ok := match(limitParams); ok {
		spec.LimitParam = p
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			spec.Limit = n
		}
	}
	if p, _, ok := match(cursorParams); ok {
		spec.CursorParam = p
	}
	if spec.Limit == 0 {
		spec.Limit = defaultLimit
	}
}

// fillResponseHints records total-pages and has-more field names for the
// termination checks.
func fillResponseHints(spec *crawl.PaginationSpec, obj map[string]any) {
	for _, f := range totalFields {
		if _, ok := lookupKeyFold(obj, f); ok {
			spec.TotalPagesField = canonicalKey(obj, f)
			break
		}
	}
	for _, f := range hasMoreFields {
		if _, ok := lookupKeyFold(obj, f); ok {
			spec.HasMoreField = canonicalKey(obj, f)
			break
		}
	}
}

// lookupKeyFold finds a key case-insensitively.
func lookupKeyFold(obj map[string]any, key string) (any, bool) {
	if v, ok := obj[key]; ok {
		return v, true
	}
	for k, v := range obj {
		if strings.EqualFold(k, key) {
			return v, true
		}
	}
	return nil, false
}

// canonicalKey returns the response's actual spelling of a key.
func canonicalKey(obj map[string]any, key string) string {
	if _, ok := obj[key]; ok {
		return key
	}
	for k := range obj {
		if strings.EqualFold(k, key) {
			return k
		}
	}
	return key
}

// lookupPath resolves a dot path into nested response objects.
func lookupPath(body any, path string) (any, bool) {
	cur := body
	for _, part := range strings.Split(path, ".") {
		obj, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = obj[part]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

func isEmptyValue(v any) bool {
	switch val := v.(type) {
	case nil:
		return true
	case string:
		return val == ""
	case bool:
		return !val
	default:
		return false
	}
}

// ExtractRecords pulls the main data array out of a response. A top-level
// array is the records; otherwise well-known wrapper keys are probed. A bare
// object is treated as a single record.
func ExtractRecords(body any) []map[string]any {
	switch v := body.(type) {
	case []any:
		return toRecords(v)
	case map[string]any:
		for _, key := range dataArrayKeys {
			if inner, ok := lookupKeyFold(v, key); ok {
				if arr, ok := inner.([]any); ok {
					return toRecords(arr)
				}
			}
		}
		return []map[string]any{v}
	default:
		return nil
	}
}

// extractArray is like ExtractRecords but reports absence distinctly from an
// empty page, and never treats a bare object as one record.
func extractArray(body any) ([]map[string]any, bool) {
	switch v := body.(type) {
	case []any:
		return toRecords(v), true
	case map[string]any:
		for _, key := range dataArrayKeys {
			if inner, ok := lookupKeyFold(v, key); ok {
				if arr, ok := inner.([]any); ok {
					return toRecords(arr), true
				}
			}
		}
		return nil, false
	default:
		return nil, false
	}
}

func toRecords(arr []any) []map[string]any {
	out := make([]map[string]any, 0, len(arr))
	for _, item := range arr {
		if rec, ok := item.(map[string]any); ok {
			out = append(out, rec)
		}
	}
	return out
}

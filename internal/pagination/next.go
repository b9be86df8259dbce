package pagination

import (
	"net/url"
	"strconv"

	"github.com/apicrawl/apicrawl/internal/crawl"
)

// Next advances the pagination position from the response body of the page
// just fetched. It returns the new state and whether another page should be
// requested. PagesFetched counts the page that produced body.
func Next(spec crawl.PaginationSpec, state crawl.PaginationState, body any) (crawl.PaginationState, bool) {
	next := state
	next.PagesFetched++

	if spec.HasMoreField != "" {
		if v, ok := lookupPath(body, spec.HasMoreField); ok {
			if more, ok := v.(bool); ok && !more {
				return next, false
			}
		}
	}

	switch spec.Type {
	case crawl.PaginationCursor:
		if spec.NextURLField != "" {
			v, ok := lookupPath(body, spec.NextURLField)
			if !ok || isEmptyValue(v) {
				return next, false
			}
			u, ok := v.(string)
			if !ok || u == "" {
				return next, false
			}
			next.NextURL = u
			return next, true
		}
		v, ok := lookupPath(body, spec.CursorField)
		if !ok || isEmptyValue(v) {
			return next, false
		}
		switch token := v.(type) {
		case string:
			next.Cursor = token
		case float64:
			next.Cursor = strconv.FormatFloat(token, 'f', -1, 64)
		default:
			return next, false
		}
		return next, true

	case crawl.PaginationPage:
		records, found := extractArray(body)
		if !found || len(records) == 0 {
			return next, false
		}
		if spec.TotalPagesField != "" {
			if v, ok := lookupPath(body, spec.TotalPagesField); ok {
				if total, ok := v.(float64); ok && float64(next.Page) >= total {
					return next, false
				}
			}
		}
		// Page numbering stops on an empty page or the total-pages hint only.
		// Many page-numbered APIs serve short pages throughout, so a page
		// smaller than the limit is not a termination signal here.
		next.Page++
		return next, true

	case crawl.PaginationOffset:
		records, found := extractArray(body)
		if !found || len(records) == 0 {
			return next, false
		}
		if spec.Limit > 0 && len(records) < spec.Limit {
			return next, false
		}
		next.Offset += len(records)
		return next, true

	default:
		// Unpaginated endpoints yield exactly one page per cycle.
		return next, false
	}
}

// Apply rebuilds the request for the current position. A captured next-page
// URL replaces the request URL wholesale; otherwise the pagination parameter
// is written into the query string, preserving everything else.
func Apply(req crawl.Request, spec crawl.PaginationSpec, state crawl.PaginationState) crawl.Request {
	out := req
	if state.NextURL != "" {
		out.URL = state.NextURL
		return out
	}

	u, err := url.Parse(req.URL)
	if err != nil {
		return out
	}
	q := u.Query()

	switch spec.Type {
	case crawl.PaginationPage:
		param := spec.PageParam
		if param == "" {
			param = "page"
		}
		q.Set(param, strconv.Itoa(state.Page))
	case crawl.PaginationOffset:
		param := spec.OffsetParam
		if param == "" {
			param = "offset"
		}
		q.Set(param, strconv.Itoa(state.Offset))
	case crawl.PaginationCursor:
		if spec.CursorParam != "" && state.Cursor != "" {
			q.Set(spec.CursorParam, state.Cursor)
		}
	}

	u.RawQuery = q.Encode()
	out.URL = u.String()
	return out
}

// Package curl parses curl-style request descriptions into request
// descriptors. Parsing is a pure function with no side effects.
package curl

import (
	"fmt"
	"strings"

	"github.com/google/shlex"

	"github.com/apicrawl/apicrawl/internal/crawl"
)

// ParseError reports a malformed request description. It is surfaced
// synchronously to the caller; no job is ever created from one.
type ParseError struct {
	Reason string
}

func (e *ParseError) Error() string {
	return "parse curl command: " + e.Reason
}

var methods = map[string]bool{
	"GET": true, "POST": true, "PUT": true, "PATCH": true, "DELETE": true,
}

// Parse turns a raw curl command into a crawl.Request. The first non-flag
// token is taken as the URL; header flags preserve order and duplicates
// append unless identical; a body flag implies POST when no explicit method
// is given. Line continuations and whitespace are insignificant.
func Parse(raw string) (crawl.Request, error) {
	raw = strings.TrimSpace(raw)
	raw = strings.ReplaceAll(raw, "\\\r\n", " ")
	raw = strings.ReplaceAll(raw, "\\\n", " ")
	// Windows-style continuation carets.
	raw = strings.ReplaceAll(raw, "^", "")

	tokens, err := shlex.Split(raw)
	if err != nil {
		return crawl.Request{}, &ParseError{Reason: fmt.Sprintf("tokenize: %v", err)}
	}
	if len(tokens) == 0 || !strings.EqualFold(tokens[0], "curl") {
		return crawl.Request{}, &ParseError{Reason: "command must start with curl"}
	}

	req := crawl.Request{Method: "GET"}
	methodSet := false
	bodySet := false

	for i := 1; i < len(tokens); i++ {
		tok := tokens[i]
		switch tok {
		case "-X", "--request":
			if i+1 < len(tokens) {
				i++
				m := strings.ToUpper(tokens[i])
				if !methods[m] {
					return crawl.Request{}, &ParseError{Reason: fmt.Sprintf("unsupported method %q", tokens[i])}
				}
				req.Method = m
				methodSet = true
			}
		case "-H", "--header":
			if i+1 < len(tokens) {
				i++
				name, value, ok := strings.Cut(tokens[i], ":")
				if ok {
					appendHeader(&req.Headers, strings.TrimSpace(name), strings.TrimSpace(value))
				}
			}
		case "-d", "--data", "--data-raw", "--data-binary":
			if i+1 < len(tokens) {
				i++
				req.Body = tokens[i]
				bodySet = true
			}
		case "--json":
			if i+1 < len(tokens) {
				i++
				req.Body = tokens[i]
				appendHeader(&req.Headers, "Content-Type", "application/json")
				bodySet = true
			}
		case "-b", "--cookie":
			if i+1 < len(tokens) {
				i++
				for _, pair := range strings.Split(tokens[i], ";") {
					name, value, ok := strings.Cut(pair, "=")
					if ok {
						req.Cookies = append(req.Cookies, crawl.Header{
							Name:  strings.TrimSpace(name),
							Value: strings.TrimSpace(value),
						})
					}
				}
			}
		case "-A", "--user-agent":
			if i+1 < len(tokens) {
				i++
				appendHeader(&req.Headers, "User-Agent", tokens[i])
			}
		case "--url":
			if i+1 < len(tokens) {
				i++
				req.URL = tokens[i]
			}
		default:
			if !strings.HasPrefix(tok, "-") && req.URL == "" && looksLikeURL(tok) {
				req.URL = tok
			}
		}
	}

	if req.URL == "" {
		return crawl.Request{}, &ParseError{Reason: "no URL found in command"}
	}
	if !strings.HasPrefix(req.URL, "http://") && !strings.HasPrefix(req.URL, "https://") {
		req.URL = "https://" + req.URL
	}
	if bodySet && !methodSet {
		req.Method = "POST"
	}
	return req, nil
}

func looksLikeURL(tok string) bool {
	return strings.HasPrefix(tok, "http://") ||
		strings.HasPrefix(tok, "https://") ||
		strings.Contains(tok, ".")
}

// appendHeader preserves order; duplicate names append unless the exact
// name/value pair was already recorded.
func appendHeader(headers *[]crawl.Header, name, value string) {
	for _, h := range *headers {
		if strings.EqualFold(h.Name, name) && h.Value == value {
			return
		}
	}
	*headers = append(*headers, crawl.Header{Name: name, Value: value})
}

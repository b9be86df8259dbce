package scheduler

import (
	"context"
	"time"

	"github.com/apicrawl/apicrawl/internal/crawl"
	"github.com/apicrawl/apicrawl/internal/curl"
	"github.com/apicrawl/apicrawl/internal/pagination"
	"github.com/apicrawl/apicrawl/internal/schema"
)

// Validator dry-runs a curl command: parse, one test fetch, pagination
// detection, and schema inference. It never creates a job.
type Validator struct {
	fetcher crawl.Fetcher
	timeout time.Duration
}

// NewValidator builds a Validator with a per-call fetch timeout.
func NewValidator(fetcher crawl.Fetcher, timeout time.Duration) *Validator {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Validator{fetcher: fetcher, timeout: timeout}
}

// Validate reports what a job built from rawCurl would do. Parse and fetch
// failures are returned inside the result, not as errors.
func (v *Validator) Validate(ctx context.Context, rawCurl string) crawl.ValidationResult {
	req, err := curl.Parse(rawCurl)
	if err != nil {
		return crawl.ValidationResult{IsValid: false, Error: err.Error()}
	}

	fetchCtx, cancel := context.WithTimeout(ctx, v.timeout)
	defer cancel()
	result, err := v.fetcher.Do(fetchCtx, req)
	if err != nil {
		return crawl.ValidationResult{
			IsValid:       false,
			Error:         err.Error(),
			ParsedRequest: &req,
		}
	}

	spec := pagination.Detect(req, result.Body)
	records := pagination.ExtractRecords(result.Body)
	var inferred *schema.Map
	if len(records) > 0 {
		inferred = schema.Infer(records)
	}

	return crawl.ValidationResult{
		IsValid:            true,
		ParsedRequest:      &req,
		DetectedPagination: &spec,
		TestResponse: &crawl.TestResponse{
			StatusCode: result.StatusCode,
			Data:       result.Body,
		},
		InferredSchema: inferred,
	}
}

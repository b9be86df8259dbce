// Package scheduler runs crawl jobs: one loop per job, with retries,
// jittered intervals, pause/resume/stop, and checkpointing after every page.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/apicrawl/apicrawl/internal/crawl"
	"github.com/apicrawl/apicrawl/internal/curl"
	"github.com/apicrawl/apicrawl/internal/joblog"
	"github.com/apicrawl/apicrawl/internal/metrics"
	"github.com/apicrawl/apicrawl/internal/pagination"
	"github.com/apicrawl/apicrawl/internal/schema"
)

// Config tunes the runner.
type Config struct {
	// MaxRetries is the total attempts per page operation, fetch or storage,
	// before the job fails.
	MaxRetries int
	// BackoffBase scales the exponential retry backoff: base * 2^attempt.
	BackoffBase time.Duration
	// MaxConcurrentJobs caps simultaneously running crawl loops.
	MaxConcurrentJobs int64
	// SupervisorInterval is how often pending jobs are checked for promotion.
	SupervisorInterval time.Duration
	// FetchTimeout bounds a single page fetch.
	FetchTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.MaxRetries <= 0 {
		c.MaxRetries = 3
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = time.Second
	}
	if c.MaxConcurrentJobs <= 0 {
		c.MaxConcurrentJobs = 8
	}
	if c.SupervisorInterval <= 0 {
		c.SupervisorInterval = 15 * time.Second
	}
	if c.FetchTimeout <= 0 {
		c.FetchTimeout = 30 * time.Second
	}
	return c
}

// interruptReason distinguishes why a running loop was told to halt.
type interruptReason int

const (
	reasonNone interruptReason = iota
	reasonPause
	reasonStop
	reasonShutdown
)

// handle controls one running crawl loop.
type handle struct {
	cancel context.CancelFunc
	done   chan struct{}

	mu     sync.Mutex
	reason interruptReason
}

func (h *handle) interrupt(r interruptReason) {
	h.mu.Lock()
	if h.reason == reasonNone {
		h.reason = r
	}
	h.mu.Unlock()
	h.cancel()
}

func (h *handle) interruptReason() interruptReason {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.reason
}

// Runner owns the crawl loops. One goroutine per running job; a cron
// supervisor promotes pending jobs whose start date has arrived and restarts
// loops lost to a process restart.
type Runner struct {
	cfg Config

	jobs          crawl.JobStore
	tables        crawl.TableStore
	notifications crawl.NotificationStore
	fetcher       crawl.Fetcher
	emitter       *joblog.Emitter
	clock         crawl.Clock
	ids           crawl.IDGenerator
	metrics       *metrics.Metrics
	logger        *zap.Logger

	sem  *semaphore.Weighted
	cron *cron.Cron

	baseCtx    context.Context
	baseCancel context.CancelFunc

	mu      sync.Mutex
	handles map[string]*handle
	wg      sync.WaitGroup

	// sleep and jitter are swapped out in tests.
	sleep  func(ctx context.Context, d time.Duration) error
	jitter func() float64
}

// Deps collects the runner's collaborators.
type Deps struct {
	Jobs          crawl.JobStore
	Tables        crawl.TableStore
	Notifications crawl.NotificationStore
	Fetcher       crawl.Fetcher
	Emitter       *joblog.Emitter
	Clock         crawl.Clock
	IDs           crawl.IDGenerator
	Metrics       *metrics.Metrics
	Logger        *zap.Logger
}

// NewRunner builds a Runner. Start must be called to launch the supervisor.
func NewRunner(cfg Config, deps Deps) *Runner {
	cfg = cfg.withDefaults()
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	baseCtx, baseCancel := context.WithCancel(context.Background())
	return &Runner{
		cfg:           cfg,
		jobs:          deps.Jobs,
		tables:        deps.Tables,
		notifications: deps.Notifications,
		fetcher:       deps.Fetcher,
		emitter:       deps.Emitter,
		clock:         deps.Clock,
		ids:           deps.IDs,
		metrics:       deps.Metrics,
		logger:        logger.Named("scheduler"),
		sem:           semaphore.NewWeighted(cfg.MaxConcurrentJobs),
		cron:          cron.New(cron.WithSeconds()),
		baseCtx:       baseCtx,
		baseCancel:    baseCancel,
		handles:       make(map[string]*handle),
		sleep:         sleepContext,
		jitter:        rand.Float64,
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// CreateJob validates the config, parses the curl command, persists the job,
// and starts it unless its start date lies in the future.
func (r *Runner) CreateJob(ctx context.Context, cfg crawl.JobConfig) (crawl.Job, error) {
	if err := cfg.Validate(); err != nil {
		return crawl.Job{}, err
	}
	if _, err := curl.Parse(cfg.CurlCommand); err != nil {
		return crawl.Job{}, err
	}
	id, err := r.ids.NewID()
	if err != nil {
		return crawl.Job{}, fmt.Errorf("generate job id: %w", err)
	}
	now := r.clock.Now().UTC()
	job := crawl.Job{
		ID:        id,
		Config:    cfg,
		Status:    crawl.JobStatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := r.jobs.CreateJob(ctx, job); err != nil {
		return crawl.Job{}, fmt.Errorf("persist job: %w", err)
	}
	r.emitter.Info(ctx, job.ID, "job created", map[string]any{"table": cfg.TableName})

	if cfg.StartDate == nil || !cfg.StartDate.After(now) {
		if err := r.StartJob(ctx, job.ID); err != nil {
			return crawl.Job{}, err
		}
		job.Status = crawl.JobStatusRunning
	}
	return job, nil
}

// StartJob transitions a pending or paused job to running and launches its
// loop. Starting an already-running job is a no-op.
func (r *Runner) StartJob(ctx context.Context, jobID string) error {
	r.mu.Lock()
	if _, running := r.handles[jobID]; running {
		r.mu.Unlock()
		return nil
	}
	r.mu.Unlock()

	job, err := r.jobs.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	if job.Status.IsTerminal() {
		return fmt.Errorf("job %s is %s and cannot start", jobID, job.Status)
	}
	if err := r.jobs.UpdateJobStatus(ctx, jobID, crawl.JobStatusRunning, ""); err != nil {
		return err
	}
	job.Status = crawl.JobStatusRunning

	loopCtx, cancel := context.WithCancel(r.baseCtx)
	h := &handle{cancel: cancel, done: make(chan struct{})}

	r.mu.Lock()
	if _, raced := r.handles[jobID]; raced {
		r.mu.Unlock()
		cancel()
		return nil
	}
	r.handles[jobID] = h
	r.mu.Unlock()

	r.wg.Add(1)
	go r.runLoop(loopCtx, h, job)
	return nil
}

// Pause interrupts a running job after its current fetch, preserving the
// checkpoint so Resume continues from the same position.
func (r *Runner) Pause(ctx context.Context, jobID string) error {
	return r.interruptJob(ctx, jobID, reasonPause)
}

// StopJob permanently halts a job. Stopped jobs cannot be resumed.
func (r *Runner) StopJob(ctx context.Context, jobID string) error {
	return r.interruptJob(ctx, jobID, reasonStop)
}

func (r *Runner) interruptJob(ctx context.Context, jobID string, reason interruptReason) error {
	r.mu.Lock()
	h, running := r.handles[jobID]
	r.mu.Unlock()

	if running {
		h.interrupt(reason)
		select {
		case <-h.done:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	// Not running locally: flip the stored status directly.
	job, err := r.jobs.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	switch reason {
	case reasonPause:
		if job.Status != crawl.JobStatusRunning && job.Status != crawl.JobStatusPending {
			return fmt.Errorf("job %s is %s and cannot pause", jobID, job.Status)
		}
		return r.jobs.UpdateJobStatus(ctx, jobID, crawl.JobStatusPaused, "")
	case reasonStop:
		if job.Status.IsTerminal() {
			return fmt.Errorf("job %s is already %s", jobID, job.Status)
		}
		if err := r.jobs.UpdateJobStatus(ctx, jobID, crawl.JobStatusStopped, ""); err != nil {
			return err
		}
		r.finishNotification(ctx, job.ID, crawl.NotifyInfo, "crawl stopped")
		return nil
	default:
		return nil
	}
}

// Resume restarts a paused job from its checkpoint.
func (r *Runner) Resume(ctx context.Context, jobID string) error {
	job, err := r.jobs.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	if job.Status != crawl.JobStatusPaused {
		return fmt.Errorf("job %s is %s and cannot resume", jobID, job.Status)
	}
	return r.StartJob(ctx, jobID)
}

// Start launches the cron supervisor.
func (r *Runner) Start() {
	spec := fmt.Sprintf("@every %ds", int(r.cfg.SupervisorInterval.Seconds()))
	if _, err := r.cron.AddFunc(spec, r.superviseTick); err != nil {
		r.logger.Error("schedule supervisor", zap.Error(err))
		return
	}
	r.cron.Start()
	// Recover loops for jobs left running by a previous process.
	r.superviseTick()
}

// superviseTick promotes due pending jobs and restarts orphaned running jobs.
func (r *Runner) superviseTick() {
	ctx := r.baseCtx
	now := r.clock.Now().UTC()

	pending, err := r.jobs.ListJobsByStatus(ctx, crawl.JobStatusPending)
	if err != nil {
		r.logger.Warn("list pending jobs", zap.Error(err))
	}
	for _, job := range pending {
		if job.Config.StartDate != nil && job.Config.StartDate.After(now) {
			continue
		}
		if err := r.StartJob(ctx, job.ID); err != nil {
			r.logger.Warn("start pending job", zap.String("job_id", job.ID), zap.Error(err))
		}
	}

	running, err := r.jobs.ListJobsByStatus(ctx, crawl.JobStatusRunning)
	if err != nil {
		r.logger.Warn("list running jobs", zap.Error(err))
		return
	}
	for _, job := range running {
		r.mu.Lock()
		_, alive := r.handles[job.ID]
		r.mu.Unlock()
		if alive {
			continue
		}
		if err := r.StartJob(ctx, job.ID); err != nil {
			r.logger.Warn("recover running job", zap.String("job_id", job.ID), zap.Error(err))
		}
	}
}

// Close stops the supervisor and interrupts all loops without changing their
// stored status, so a later process resumes them.
func (r *Runner) Close(ctx context.Context) error {
	stopCtx := r.cron.Stop()
	select {
	case <-stopCtx.Done():
	case <-ctx.Done():
		return ctx.Err()
	}

	r.mu.Lock()
	for _, h := range r.handles {
		h.interrupt(reasonShutdown)
	}
	r.mu.Unlock()
	r.baseCancel()

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// runLoop is one crawl job's lifecycle: fetch, store, checkpoint, sleep,
// repeat until a termination condition or an interrupt.
func (r *Runner) runLoop(loopCtx context.Context, h *handle, job crawl.Job) {
	defer r.wg.Done()
	defer close(h.done)
	defer func() {
		r.mu.Lock()
		delete(r.handles, job.ID)
		r.mu.Unlock()
	}()

	if err := r.sem.Acquire(loopCtx, 1); err != nil {
		r.settleInterrupt(h, job)
		return
	}
	defer r.sem.Release(1)

	r.metrics.JobStarted()
	finalStatus := string(crawl.JobStatusRunning)
	defer func() { r.metrics.JobFinished(finalStatus) }()

	req, err := curl.Parse(job.Config.CurlCommand)
	if err != nil {
		finalStatus = r.failJob(job, fmt.Sprintf("invalid curl command: %v", err))
		return
	}

	for {
		now := r.clock.Now().UTC()
		if job.Config.EndDate != nil && now.After(*job.Config.EndDate) {
			finalStatus = r.completeJob(job, "end date reached")
			return
		}
		if job.Config.MaxPages > 0 && job.State.PagesFetched >= job.Config.MaxPages {
			finalStatus = r.completeJob(job, "page limit reached")
			return
		}
		if loopCtx.Err() != nil {
			finalStatus = r.settleInterrupt(h, job)
			return
		}

		pageReq := pagination.Apply(req, job.Pagination, job.State)
		result, err := r.fetchWithRetry(loopCtx, &job, pageReq)
		if err != nil {
			if errors.Is(err, context.Canceled) && loopCtx.Err() != nil {
				finalStatus = r.settleInterrupt(h, job)
				return
			}
			finalStatus = r.failJob(job, err.Error())
			return
		}

		// Detection runs once, on the first successful response.
		if job.Pagination.Type == "" {
			job.Pagination = pagination.Detect(req, result.Body)
			state := pagination.InitialState(job.Pagination, req.URL)
			state.PagesFetched = job.State.PagesFetched
			job.State = state
			r.emitter.Info(r.baseCtx, job.ID, "pagination detected", map[string]any{
				"type": string(job.Pagination.Type),
			})
		}

		// Storage failures draw from the same attempt budget as fetches.
		records := pagination.ExtractRecords(result.Body)
		inserted := 0
		if len(records) > 0 {
			err := r.retryPage(loopCtx, &job, "store", func() error {
				n, serr := r.storePage(r.baseCtx, &job, records)
				if serr != nil {
					return serr
				}
				inserted = n
				return nil
			})
			if err != nil {
				if errors.Is(err, context.Canceled) && loopCtx.Err() != nil {
					finalStatus = r.settleInterrupt(h, job)
					return
				}
				finalStatus = r.failJob(job, err.Error())
				return
			}
		}
		job.TotalRecords += int64(inserted)
		r.metrics.AddRecords(inserted)

		nextState, more := pagination.Next(job.Pagination, job.State, result.Body)
		job.State = nextState
		err = r.retryPage(loopCtx, &job, "persist checkpoint", func() error {
			return r.jobs.UpdateJobCheckpoint(r.baseCtx, job.ID, job.TotalRecords, job.Pagination, job.State, job.Schema)
		})
		if err != nil {
			if errors.Is(err, context.Canceled) && loopCtx.Err() != nil {
				finalStatus = r.settleInterrupt(h, job)
				return
			}
			finalStatus = r.failJob(job, err.Error())
			return
		}
		r.emitter.Success(r.baseCtx, job.ID, "page stored", map[string]any{
			"page":          job.State.PagesFetched,
			"records":       inserted,
			"total_records": job.TotalRecords,
			"status_code":   result.StatusCode,
		})

		if !more {
			finalStatus = r.completeJob(job, "pagination exhausted")
			return
		}

		if err := r.sleep(loopCtx, r.cycleDelay(job.Config)); err != nil {
			finalStatus = r.settleInterrupt(h, job)
			return
		}
	}
}

// cycleDelay returns the pause before the next fetch. Randomization draws
// uniformly from [start, end]; otherwise the end interval is used.
func (r *Runner) cycleDelay(cfg crawl.JobConfig) time.Duration {
	start := time.Duration(cfg.StartInterval) * time.Second
	end := time.Duration(cfg.EndInterval) * time.Second
	if !cfg.RandomizeInterval || end <= start {
		return end
	}
	return start + time.Duration(r.jitter()*float64(end-start))
}

// retryPage runs one page operation up to MaxRetries times with exponential
// backoff, persisting the retry count as it goes. Fetches and storage share
// this budget: both are ordinary page failures.
func (r *Runner) retryPage(loopCtx context.Context, job *crawl.Job, what string, fn func() error) error {
	var lastErr error
	for attempt := 1; attempt <= r.cfg.MaxRetries; attempt++ {
		err := fn()
		if err == nil {
			if job.RetryCount != 0 {
				job.RetryCount = 0
				if uerr := r.jobs.UpdateJobRetry(r.baseCtx, job.ID, 0); uerr != nil {
					r.logger.Warn("reset retry count", zap.String("job_id", job.ID), zap.Error(uerr))
				}
			}
			return nil
		}
		lastErr = err

		job.RetryCount = attempt
		if uerr := r.jobs.UpdateJobRetry(r.baseCtx, job.ID, attempt); uerr != nil {
			r.logger.Warn("persist retry count", zap.String("job_id", job.ID), zap.Error(uerr))
		}
		if attempt == r.cfg.MaxRetries {
			break
		}
		backoff := r.cfg.BackoffBase * (1 << attempt)
		r.metrics.AddRetry()
		r.emitter.Warning(r.baseCtx, job.ID, what+" failed, retrying", map[string]any{
			"attempt":         attempt,
			"max_retries":     r.cfg.MaxRetries,
			"backoff_seconds": backoff.Seconds(),
			"error":           err.Error(),
		})
		if serr := r.sleep(loopCtx, backoff); serr != nil {
			return serr
		}
	}
	return fmt.Errorf("%s failed after %d attempts: %w", what, r.cfg.MaxRetries, lastErr)
}

// fetchWithRetry attempts one page under the shared retry budget. The fetch
// itself runs under a timeout derived from the base context, so an interrupt
// never abandons an in-flight request's result.
func (r *Runner) fetchWithRetry(loopCtx context.Context, job *crawl.Job, req crawl.Request) (crawl.FetchResult, error) {
	var result crawl.FetchResult
	err := r.retryPage(loopCtx, job, "fetch", func() error {
		fetchCtx, cancel := context.WithTimeout(r.baseCtx, r.cfg.FetchTimeout)
		res, ferr := r.fetcher.Do(fetchCtx, req)
		cancel()
		if ferr == nil {
			r.metrics.ObserveFetch(res.StatusCode, res.Duration)
			result = res
			return nil
		}
		if res.StatusCode != 0 {
			r.metrics.ObserveFetch(res.StatusCode, res.Duration)
		} else {
			r.metrics.ObserveFetchError()
		}
		return ferr
	})
	if err != nil {
		return crawl.FetchResult{}, err
	}
	return result, nil
}

// storePage merges the page's inferred schema into the job snapshot, evolves
// the table, and inserts the records.
func (r *Runner) storePage(ctx context.Context, job *crawl.Job, records []map[string]any) (int, error) {
	incoming := schema.Infer(records)
	if job.Schema == nil {
		job.Schema = incoming
	} else {
		merged, widened := schema.Merge(job.Schema, incoming)
		if grew := merged.Len() > job.Schema.Len(); grew || widened {
			r.emitter.Info(ctx, job.ID, "schema updated", map[string]any{
				"columns": merged.Len(),
			})
		}
		job.Schema = merged
	}

	if err := r.tables.EnsureSchema(ctx, job.Config.TableName, job.Schema); err != nil {
		return 0, fmt.Errorf("ensure table %s: %w", job.Config.TableName, err)
	}
	n, err := r.tables.InsertBatch(ctx, job.Config.TableName, job.Schema, records)
	if err != nil {
		return 0, fmt.Errorf("insert into %s: %w", job.Config.TableName, err)
	}
	return n, nil
}

// settleInterrupt maps an interrupt to its final status. Shutdown leaves the
// stored status untouched so the next process resumes the job.
func (r *Runner) settleInterrupt(h *handle, job crawl.Job) string {
	switch h.interruptReason() {
	case reasonPause:
		if err := r.jobs.UpdateJobStatus(r.baseCtx, job.ID, crawl.JobStatusPaused, ""); err != nil {
			r.logger.Warn("persist paused status", zap.String("job_id", job.ID), zap.Error(err))
		}
		r.emitter.Info(r.baseCtx, job.ID, "job paused", map[string]any{
			"pages_fetched": job.State.PagesFetched,
		})
		return string(crawl.JobStatusPaused)
	case reasonStop:
		if err := r.jobs.UpdateJobStatus(r.baseCtx, job.ID, crawl.JobStatusStopped, ""); err != nil {
			r.logger.Warn("persist stopped status", zap.String("job_id", job.ID), zap.Error(err))
		}
		r.emitter.Info(r.baseCtx, job.ID, "job stopped", map[string]any{
			"total_records": job.TotalRecords,
		})
		r.finishNotification(r.baseCtx, job.ID, crawl.NotifyInfo, "crawl stopped")
		return string(crawl.JobStatusStopped)
	default:
		return string(crawl.JobStatusRunning)
	}
}

func (r *Runner) completeJob(job crawl.Job, why string) string {
	if err := r.jobs.UpdateJobStatus(r.baseCtx, job.ID, crawl.JobStatusCompleted, ""); err != nil {
		r.logger.Warn("persist completed status", zap.String("job_id", job.ID), zap.Error(err))
	}
	r.emitter.Success(r.baseCtx, job.ID, "job completed", map[string]any{
		"reason":        why,
		"pages_fetched": job.State.PagesFetched,
		"total_records": job.TotalRecords,
	})
	r.finishNotification(r.baseCtx, job.ID,
		crawl.NotifySuccess,
		fmt.Sprintf("crawl completed: %d records in %d pages", job.TotalRecords, job.State.PagesFetched),
	)
	return string(crawl.JobStatusCompleted)
}

func (r *Runner) failJob(job crawl.Job, errMsg string) string {
	if err := r.jobs.UpdateJobStatus(r.baseCtx, job.ID, crawl.JobStatusFailed, errMsg); err != nil {
		r.logger.Warn("persist failed status", zap.String("job_id", job.ID), zap.Error(err))
	}
	r.emitter.Error(r.baseCtx, job.ID, "job failed", map[string]any{"error": errMsg})
	r.finishNotification(r.baseCtx, job.ID, crawl.NotifyError, "crawl failed: "+errMsg)
	return string(crawl.JobStatusFailed)
}

func (r *Runner) finishNotification(ctx context.Context, jobID string, kind crawl.NotificationType, msg string) {
	id, err := r.ids.NewID()
	if err != nil {
		r.logger.Warn("generate notification id", zap.Error(err))
		return
	}
	n := crawl.Notification{
		ID:        id,
		JobID:     jobID,
		Type:      kind,
		Message:   msg,
		CreatedAt: r.clock.Now().UTC(),
	}
	if err := r.notifications.CreateNotification(ctx, n); err != nil {
		r.logger.Warn("persist notification", zap.String("job_id", jobID), zap.Error(err))
	}
}

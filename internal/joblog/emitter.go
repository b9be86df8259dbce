// Package joblog assigns ids to crawl log entries, persists them, and fans
// them out to live subscribers.
package joblog

import (
	"context"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/apicrawl/apicrawl/internal/crawl"
)

const defaultSubscriberBuffer = 256

// Emitter is the single writer of the crawl log. Ids are strictly increasing
// process-wide, so since-id cursors remain consistent across jobs. Appends are
// synchronous: when Emit returns, the entry is persisted. Safe for concurrent
// use.
type Emitter struct {
	store  crawl.LogStore
	clock  crawl.Clock
	logger *zap.Logger

	seq atomic.Int64

	mu      sync.RWMutex
	subs    map[int]*subscriber
	nextSub int
}

type subscriber struct {
	jobID string // empty means all jobs
	ch    chan crawl.LogEntry
}

// New builds an Emitter whose id sequence resumes above the highest persisted
// id, so restarts never reuse or reorder ids.
func New(ctx context.Context, store crawl.LogStore, clock crawl.Clock, logger *zap.Logger) (*Emitter, error) {
	last, err := store.LastLogID(ctx)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	e := &Emitter{
		store:  store,
		clock:  clock,
		logger: logger.Named("joblog"),
		subs:   map[int]*subscriber{},
	}
	e.seq.Store(last)
	return e, nil
}

// Emit assigns the next id, persists the entry, and fans it out. Fan-out never
// blocks; a subscriber that cannot keep up misses entries and is expected to
// catch up through the store.
func (e *Emitter) Emit(ctx context.Context, jobID string, level crawl.LogLevel, msg string, details map[string]any) (crawl.LogEntry, error) {
	entry := crawl.LogEntry{
		ID:        e.seq.Add(1),
		JobID:     jobID,
		Level:     level,
		Message:   msg,
		Details:   details,
		CreatedAt: e.clock.Now().UTC(),
	}
	if err := e.store.AppendLog(ctx, entry); err != nil {
		return crawl.LogEntry{}, err
	}

	e.mu.RLock()
	for _, sub := range e.subs {
		if sub.jobID != "" && sub.jobID != jobID {
			continue
		}
		select {
		case sub.ch <- entry:
		default:
		}
	}
	e.mu.RUnlock()

	e.mirror(entry)
	return entry, nil
}

// Subscribe registers a live tail for one job, or for all jobs when jobID is
// empty. The returned cancel func must be called to release the subscription;
// the channel is closed by cancel.
func (e *Emitter) Subscribe(jobID string) (<-chan crawl.LogEntry, func()) {
	sub := &subscriber{jobID: jobID, ch: make(chan crawl.LogEntry, defaultSubscriberBuffer)}

	e.mu.Lock()
	id := e.nextSub
	e.nextSub++
	e.subs[id] = sub
	e.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			e.mu.Lock()
			delete(e.subs, id)
			e.mu.Unlock()
			close(sub.ch)
		})
	}
	return sub.ch, cancel
}

// Debug through Error are shorthands for Emit at a fixed level. Persistence
// errors are logged and swallowed so crawl loops never fail on logging.
func (e *Emitter) Debug(ctx context.Context, jobID, msg string, details map[string]any) {
	e.emitLogged(ctx, jobID, crawl.LevelDebug, msg, details)
}

func (e *Emitter) Info(ctx context.Context, jobID, msg string, details map[string]any) {
	e.emitLogged(ctx, jobID, crawl.LevelInfo, msg, details)
}

func (e *Emitter) Success(ctx context.Context, jobID, msg string, details map[string]any) {
	e.emitLogged(ctx, jobID, crawl.LevelSuccess, msg, details)
}

func (e *Emitter) Warning(ctx context.Context, jobID, msg string, details map[string]any) {
	e.emitLogged(ctx, jobID, crawl.LevelWarning, msg, details)
}

func (e *Emitter) Error(ctx context.Context, jobID, msg string, details map[string]any) {
	e.emitLogged(ctx, jobID, crawl.LevelError, msg, details)
}

func (e *Emitter) emitLogged(ctx context.Context, jobID string, level crawl.LogLevel, msg string, details map[string]any) {
	if _, err := e.Emit(ctx, jobID, level, msg, details); err != nil {
		e.logger.Warn("append crawl log failed",
			zap.String("job_id", jobID),
			zap.String("message", msg),
			zap.Error(err),
		)
	}
}

// mirror copies the entry onto the process logger at a matching level.
func (e *Emitter) mirror(entry crawl.LogEntry) {
	fields := []zap.Field{
		zap.Int64("log_id", entry.ID),
		zap.String("job_id", entry.JobID),
	}
	if len(entry.Details) > 0 {
		fields = append(fields, zap.Any("details", entry.Details))
	}
	switch entry.Level {
	case crawl.LevelDebug:
		e.logger.Debug(entry.Message, fields...)
	case crawl.LevelWarning:
		e.logger.Warn(entry.Message, fields...)
	case crawl.LevelError:
		e.logger.Error(entry.Message, fields...)
	default:
		e.logger.Info(entry.Message, fields...)
	}
}

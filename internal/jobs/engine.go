package jobs

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/Onegaishimas/bin2nlp/internal/llmtypes"
	"github.com/Onegaishimas/bin2nlp/internal/pipeline"
	"go.uber.org/zap"
)

// Decompiler is the minimal contract the job engine needs from a
// decompilation backend. No implementation ships here — building and
// wiring an actual decompiler is out of scope — but the engine still
// needs an interface to invoke so the worker loop is complete and
// testable against a fake.
type Decompiler interface {
	Analyze(ctx context.Context, file FileRef, cfg pipeline.Config) (llmtypes.ArtifactSet, error)
}

// CallbackPoster delivers the at-most-once completion callback. Defined
// as an interface so tests can substitute a recorder for net/http.
type CallbackPoster interface {
	Post(ctx context.Context, url string, payload []byte) error
}

// httpCallbackPoster posts the job's terminal state as a JSON body in a
// single attempt; deliverCallback wraps it in bounded doubling-backoff
// retries.
type httpCallbackPoster struct {
	client *http.Client
}

func newHTTPCallbackPoster() CallbackPoster {
	return &httpCallbackPoster{client: &http.Client{Timeout: 10 * time.Second}}
}

func (p *httpCallbackPoster) Post(ctx context.Context, url string, payload []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := p.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("jobs: callback returned status %d", resp.StatusCode)
	}
	return nil
}

// EngineConfig tunes the worker pool and retention policy.
type EngineConfig struct {
	Workers          int
	PollInterval     time.Duration
	JobTimeout       time.Duration
	RetentionPeriod  time.Duration
	CleanupInterval  time.Duration
	CallbackAttempts int
}

// DefaultEngineConfig returns the default tuning: 4 workers, a 7-day
// terminal-job retention window.
func DefaultEngineConfig() EngineConfig {
	return EngineConfig{
		Workers:          4,
		PollInterval:     500 * time.Millisecond,
		JobTimeout:       10 * time.Minute,
		RetentionPeriod:  7 * 24 * time.Hour,
		CleanupInterval:  time.Hour,
		CallbackAttempts: 3,
	}
}

// Engine owns admission, the worker pool, and the control operations.
type Engine struct {
	store      *Store
	pipeline   *pipeline.Pipeline
	decompiler Decompiler
	callback   CallbackPoster
	cfg        EngineConfig
	logger     *zap.Logger

	cancelMu sync.Mutex
	cancels  map[string]context.CancelFunc

	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// New builds an Engine. decompiler is required; callback defaults to a
// real HTTP poster if nil.
func New(store *Store, pl *pipeline.Pipeline, decompiler Decompiler, callback CallbackPoster, cfg EngineConfig, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	if callback == nil {
		callback = newHTTPCallbackPoster()
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 500 * time.Millisecond
	}
	if cfg.CallbackAttempts <= 0 {
		cfg.CallbackAttempts = 3
	}
	return &Engine{
		store:      store,
		pipeline:   pl,
		decompiler: decompiler,
		callback:   callback,
		cfg:        cfg,
		logger:     logger.With(zap.String("component", "jobs")),
		cancels:    make(map[string]context.CancelFunc),
		stopCh:     make(chan struct{}),
	}
}

// Start launches the worker pool and the retention-cleanup ticker. Both
// run until Stop is called.
func (e *Engine) Start(ctx context.Context) {
	for i := 0; i < e.cfg.Workers; i++ {
		workerID := fmt.Sprintf("worker-%d", i)
		e.wg.Add(1)
		go e.runWorker(ctx, workerID)
	}
	e.wg.Add(1)
	go e.runCleanup(ctx)
}

// Stop signals every worker and the cleanup loop to exit and waits for
// them to finish.
func (e *Engine) Stop() {
	e.stopOnce.Do(func() { close(e.stopCh) })
	e.wg.Wait()
}

func (e *Engine) runWorker(ctx context.Context, workerID string) {
	defer e.wg.Done()
	ticker := time.NewTicker(e.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-e.stopCh:
			return
		case <-ticker.C:
			e.tryProcessOne(ctx, workerID)
		}
	}
}

// tryProcessOne dequeues at most one job and runs it to completion.
// Errors dequeuing or transitioning are logged; they don't stop the
// worker loop.
func (e *Engine) tryProcessOne(ctx context.Context, workerID string) {
	job, ok, err := e.store.Dequeue(ctx)
	if err != nil {
		e.logger.Warn("dequeue failed", zap.Error(err))
		return
	}
	if !ok {
		return
	}

	now := time.Now()
	worker := workerID
	job.WorkerID = &worker
	job.CurrentStep = "decompiling"
	job.transitionTo(StatusProcessing, now)
	if err := e.store.Save(ctx, job); err != nil {
		e.logger.Error("failed to mark job processing", zap.String("job_id", job.ID), zap.Error(err))
		return
	}

	jobCtx := ctx
	var cancel context.CancelFunc
	if e.cfg.JobTimeout > 0 {
		jobCtx, cancel = context.WithTimeout(ctx, e.cfg.JobTimeout)
	} else {
		jobCtx, cancel = context.WithCancel(ctx)
	}
	e.cancelMu.Lock()
	e.cancels[job.ID] = cancel
	e.cancelMu.Unlock()
	defer func() {
		cancel()
		e.cancelMu.Lock()
		delete(e.cancels, job.ID)
		e.cancelMu.Unlock()
	}()

	e.run(jobCtx, job)
}

// run drives one dequeued job through decompilation, the translation
// pipeline, and its terminal transition. It leaves job in a terminal
// status; if a concurrent cancel already made it terminal, this run's
// outcome is discarded. It persists the job once after decompilation
// and once at the end.
func (e *Engine) run(ctx context.Context, job *Job) {
	set, err := e.decompiler.Analyze(ctx, job.File, job.Config)
	if err != nil {
		e.finish(ctx, job, nil, err)
		return
	}

	job.CurrentStep = "translating"
	job.Progress = 10
	_ = e.store.Save(ctx, job)

	job.Config.Preferences = job.Preferences
	result, err := e.pipeline.Run(ctx, job.File.FileHash, set, job.Config)
	e.finish(ctx, job, result, err)
}

// finish applies the terminal transition for job given the pipeline
// outcome, discarding the write entirely if the job was cancelled out
// from under the worker in the meantime — writes to a job already in a
// terminal state are dropped.
func (e *Engine) finish(ctx context.Context, job *Job, result *pipeline.Result, runErr error) {
	current, err := e.store.Get(ctx, job.ID)
	if err == nil && current.Status.IsTerminal() {
		return
	}

	now := time.Now()
	switch {
	case ctx.Err() == context.DeadlineExceeded:
		job.transitionTo(StatusTimeout, now)
		msg := "job exceeded its processing deadline"
		job.ErrorMessage = &msg
	case runErr != nil:
		job.transitionTo(StatusFailed, now)
		msg := runErr.Error()
		job.ErrorMessage = &msg
	case result != nil && !result.Success:
		job.transitionTo(StatusFailed, now)
		msg := "translation pipeline produced no usable output"
		if len(result.Errors) > 0 {
			msg = result.Errors[0]
		}
		job.ErrorMessage = &msg
		job.Result = result
	default:
		job.Result = result
		job.transitionTo(StatusCompleted, now)
	}

	if err := e.store.Save(ctx, job); err != nil {
		e.logger.Error("failed to persist terminal job state", zap.String("job_id", job.ID), zap.Error(err))
		return
	}
	if job.CallbackURL != nil && *job.CallbackURL != "" {
		go e.deliverCallback(context.Background(), job)
	}
}

func (e *Engine) deliverCallback(ctx context.Context, job *Job) {
	payload, err := json.Marshal(job)
	if err != nil {
		return
	}
	delay := time.Second
	for attempt := 0; attempt < e.cfg.CallbackAttempts; attempt++ {
		if attempt > 0 {
			time.Sleep(delay)
			delay *= 2
		}
		if err := e.callback.Post(ctx, *job.CallbackURL, payload); err == nil {
			return
		}
	}
	e.logger.Warn("callback delivery exhausted retries", zap.String("job_id", job.ID), zap.String("url", *job.CallbackURL))
}

func (e *Engine) runCleanup(ctx context.Context) {
	defer e.wg.Done()
	if e.cfg.CleanupInterval <= 0 {
		return
	}
	ticker := time.NewTicker(e.cfg.CleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-e.stopCh:
			return
		case <-ticker.C:
			if n, err := e.store.Cleanup(ctx, e.cfg.RetentionPeriod); err == nil && n > 0 {
				e.logger.Info("retention cleanup removed terminal jobs", zap.Int("count", n))
			}
		}
	}
}

// Submit admits a new job as pending.
func (e *Engine) Submit(ctx context.Context, job *Job) (*Job, error) {
	if err := e.store.Create(ctx, job); err != nil {
		return nil, err
	}
	return job, nil
}

// Cancel marks job cancelled. If it is currently processing, force must
// be true to interrupt it mid-flight (cancelling the worker's context);
// without force a processing job is left to finish and only a pending
// job is cancelled outright.
func (e *Engine) Cancel(ctx context.Context, id string, reason string, force bool) (*Job, error) {
	job, err := e.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if job.Status.IsTerminal() {
		return nil, ErrTerminal
	}
	if job.Status == StatusProcessing && !force {
		return nil, fmt.Errorf("%w: job is processing, retry with force=true", ErrTerminal)
	}

	if job.Status == StatusProcessing {
		e.cancelMu.Lock()
		if cancel, ok := e.cancels[id]; ok {
			cancel()
		}
		e.cancelMu.Unlock()
	}

	now := time.Now()
	job.transitionTo(StatusCancelled, now)
	if reason != "" {
		job.ErrorMessage = &reason
	}
	if err := e.store.Save(ctx, job); err != nil {
		return nil, err
	}
	return job, nil
}

// Retry re-admits a failed job as pending. resetRetryCount, if true,
// zeroes RetryCount instead of incrementing it — used when the caller
// wants a fresh retry budget rather than consuming one attempt.
func (e *Engine) Retry(ctx context.Context, id string, resetRetryCount bool) (*Job, error) {
	job, err := e.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if job.Status != StatusFailed {
		return nil, fmt.Errorf("%w: job status is %s, not failed", ErrNotRetryable, job.Status)
	}
	if resetRetryCount {
		job.RetryCount = 0
	} else {
		if job.RetryCount >= job.MaxRetries {
			return nil, fmt.Errorf("%w: retry_count %d has reached max_retries %d", ErrNotRetryable, job.RetryCount, job.MaxRetries)
		}
		job.RetryCount++
	}
	job.transitionTo(StatusPending, time.Now())
	if err := e.store.Save(ctx, job); err != nil {
		return nil, err
	}
	return job, nil
}

// Reset re-prioritizes a still-pending job. It is not a full state
// reset: it changes the priority of a job waiting in the admission
// queue, never resurrects a terminal one.
func (e *Engine) Reset(ctx context.Context, id string, newPriority Priority) (*Job, error) {
	job, err := e.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if job.Status != StatusPending {
		return nil, fmt.Errorf("%w: reset only applies to pending jobs", ErrTerminal)
	}
	if newPriority != "" && !newPriority.Valid() {
		return nil, fmt.Errorf("jobs: invalid priority %q", newPriority)
	}
	if newPriority != "" && newPriority != job.Priority {
		// The indexes are keyed by queue score, which folds in priority:
		// drop the old-score entries and re-index as if newly admitted.
		old := job.queueScore()
		for _, key := range []string{statusKey(StatusPending), queueKey, allJobsKey} {
			_, _ = e.store.kv.ZRemRangeByScore(ctx, key, old, old)
		}
		for _, tag := range job.Tags {
			_, _ = e.store.kv.ZRemRangeByScore(ctx, tagKey(tag), old, old)
		}
		job.Priority = newPriority
		job.UpdatedAt = time.Now()
		if err := e.store.persist(ctx, job, ""); err != nil {
			return nil, err
		}
		return job, nil
	}
	job.UpdatedAt = time.Now()
	if err := e.store.Save(ctx, job); err != nil {
		return nil, err
	}
	return job, nil
}

// PauseResume always fails: pause/resume is explicitly unsupported.
func (e *Engine) PauseResume(ctx context.Context, id string) (*Job, error) {
	return nil, ErrUnsupportedAction
}

// Get retrieves a job by id, for the status/result read endpoints.
func (e *Engine) Get(ctx context.Context, id string) (*Job, error) {
	return e.store.Get(ctx, id)
}

// List returns jobs matching filter, for the list endpoint.
func (e *Engine) List(ctx context.Context, filter Filter) ([]*Job, error) {
	return e.store.List(ctx, filter)
}

// Stats exposes the store's status counts for the metrics surface.
func (e *Engine) Stats(ctx context.Context) (*StoreStats, error) {
	return e.store.Stats(ctx)
}

// QueuePosition reports how many pending jobs were admitted ahead of job,
// a snapshot count rather than a continuously maintained rank, per spec
// §4.8.
func (e *Engine) QueuePosition(ctx context.Context, job *Job) (int, error) {
	pending, err := e.store.List(ctx, Filter{Status: []Status{StatusPending}})
	if err != nil {
		return 0, err
	}
	ahead := 0
	for _, p := range pending {
		if p.ID == job.ID {
			continue
		}
		if p.queueScore() < job.queueScore() {
			ahead++
		}
	}
	return ahead, nil
}

// baseEstimates is the static per-depth processing estimate admission
// scales with a small additive per enabled extraction category
// (functions/imports/strings).
var baseEstimates = map[string]time.Duration{
	"quick":         30 * time.Second,
	"standard":      2 * time.Minute,
	"comprehensive": 6 * time.Minute,
	"deep":          15 * time.Minute,
}

// EstimateCompletion returns the admission-time estimated completion
// instant for a job with the given depth and extraction category count.
func EstimateCompletion(depth string, enabledExtractions int) time.Time {
	base, ok := baseEstimates[depth]
	if !ok {
		base = baseEstimates["standard"]
	}
	additive := time.Duration(enabledExtractions) * 20 * time.Second
	return time.Now().Add(base + additive)
}

// RecoverOnStartup re-admits pending/processing jobs left over from a
// prior process, dropping any in-flight worker assignment since that
// worker no longer exists.
func (e *Engine) RecoverOnStartup(ctx context.Context) (int, error) {
	recoverable, err := e.store.GetRecoverable(ctx)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, job := range recoverable {
		if job.Status == StatusProcessing {
			job.transitionTo(StatusPending, time.Now())
			if err := e.store.Save(ctx, job); err == nil {
				n++
			}
		}
	}
	return n, nil
}

// Package supervisor owns the pipeline's lifecycle: it constructs the
// store, account pool, task bus, and worker pools once at startup,
// performs crash recovery, and exposes the administrative operations
// (pause/resume/reset/queue_status/restart_workers and bulk job ops)
// that internal/adminhttp serves over the wire. Modeled on the teacher's
// app.go construction sequence (ServiceStartup wiring Manager/Client/
// Repository instances together), minus the Wails application lifecycle.
package supervisor

import (
	"context"
	"strings"
	"sync"
	"time"

	"videopipe/internal/accountpool"
	"videopipe/internal/config"
	"videopipe/internal/constants"
	apperr "videopipe/internal/errors"
	"videopipe/internal/interfaces"
	"videopipe/internal/job"
	"videopipe/internal/logger"
	"videopipe/internal/paths"
	"videopipe/internal/remote"
	"videopipe/internal/store"
	"videopipe/internal/taskbus"
	"videopipe/internal/validate"
	"videopipe/internal/workers"
)

// Supervisor constructs and owns every long-lived pipeline collaborator
// and is the single place that mutates cross-cutting state (pause flag,
// active set, account leases) on administrative command.
type Supervisor struct {
	cfg   *config.Config
	paths *paths.Paths
	db    *store.DB

	jobs     interfaces.JobRepository
	accounts interfaces.AccountRepository
	pool     *accountpool.Pool
	remote   interfaces.Remote
	bus      *taskbus.TaskBus

	generator  *workers.Generator
	poller     *workers.Poller
	downloader *workers.Downloader

	wg     sync.WaitGroup
	cancel context.CancelFunc
}

// New wires every collaborator but does not start any worker goroutine.
// postProcessor may be nil; watermark removal is then a no-op.
func New(cfg *config.Config, p *paths.Paths, db *store.DB, postProcessor interfaces.PostProcessor) *Supervisor {
	jobs := store.NewJobStore(db)
	accounts := store.NewAccountStore(db)
	rc := remote.New(cfg.RemoteBaseURL)
	pool := accountpool.New(accounts, rc)

	bus := taskbus.New(taskbus.Config{
		GenerateCapacity: cfg.Queue.GenerateCapacity,
		PollCapacity:     cfg.Queue.PollCapacity,
		DownloadCapacity: cfg.Queue.DownloadCapacity,
	})

	s := &Supervisor{
		cfg:      cfg,
		paths:    p,
		db:       db,
		jobs:     jobs,
		accounts: accounts,
		pool:     pool,
		remote:   rc,
		bus:      bus,
	}

	s.generator = workers.NewGenerator(jobs, pool, rc, bus, cfg.Worker.GeneratorConcurrency)
	s.poller = workers.NewPoller(jobs, accounts, rc, bus, cfg.Worker.PollerConcurrency)
	s.downloader = workers.NewDownloader(jobs, postProcessor, p, bus, cfg.Worker.DownloaderConcurrency)

	return s
}

// Start runs crash recovery, then launches the three worker pools and
// begins re-enqueuing any jobs left pending from recovery or from a
// previous run.
func (s *Supervisor) Start(ctx context.Context) error {
	if err := s.recoverFromCrash(ctx); err != nil {
		return err
	}

	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	s.startWorkers(runCtx)

	if err := s.reseedActiveJobs(ctx); err != nil {
		logger.Log.Warn().Err(err).Msg("supervisor: failed to reseed active jobs after startup")
	}

	return nil
}

func (s *Supervisor) startWorkers(ctx context.Context) {
	s.wg.Add(3)
	go func() { defer s.wg.Done(); s.generator.Run(ctx) }()
	go func() { defer s.wg.Done(); s.poller.Run(ctx) }()
	go func() { defer s.wg.Done(); s.downloader.Run(ctx) }()
}

// recoverFromCrash implements §6.7: any job a worker owned mid-pipeline
// when the process last exited is not resumable (its in-memory retry
// counters and remote task handles are gone), so it reverts to draft for
// the operator to restart explicitly. A job already at the download
// stage is retained: its remote work is done and only the local file
// copy remains, which is safe to resume from scratch.
func (s *Supervisor) recoverFromCrash(ctx context.Context) error {
	active, err := s.jobs.ListActive(ctx)
	if err != nil {
		return apperr.Wrap("supervisor.recoverFromCrash", err)
	}

	for _, j := range active {
		if j.Progress.Status == job.StatusDownload {
			continue
		}
		j.Progress.Status = job.StatusDraft
		j.Progress.Percent = 0
		j.Progress.ErrorMessage = ""
		if err := s.jobs.Update(ctx, j); err != nil {
			logger.Log.Error().Int64("job_id", j.ID).Err(err).Msg("supervisor: failed to revert job to draft on recovery")
		}
	}

	if err := s.accounts.ForceReleaseAll(ctx); err != nil {
		logger.Log.Warn().Err(err).Msg("supervisor: failed to clear account leases on recovery")
	}

	return nil
}

// reseedActiveJobs re-enqueues any job already in pending/download after
// recovery, since recovery may leave download-stage jobs without a
// running download task and a fresh process starts with an empty bus.
// draft jobs are deliberately skipped here: ListPending covers both
// draft and pending for the bulk-start-all surface, but draft ─start→
// pending is only supposed to happen on an explicit start command (§3,
// §6.7), never as an automatic side effect of a restart.
func (s *Supervisor) reseedActiveJobs(ctx context.Context) error {
	pending, err := s.jobs.ListPending(ctx)
	if err != nil {
		return apperr.Wrap("supervisor.reseedActiveJobs", err)
	}
	for _, j := range pending {
		if j.Progress.Status != job.StatusPending {
			continue
		}
		s.bus.StartJob(j)
	}

	active, err := s.jobs.ListActive(ctx)
	if err != nil {
		return apperr.Wrap("supervisor.reseedActiveJobs", err)
	}
	for _, j := range active {
		if j.Progress.Status != job.StatusDownload {
			continue
		}
		s.bus.EnqueueDownload(job.Context{
			JobID:    j.ID,
			TaskType: job.TaskDownload,
			InputData: map[string]any{
				"video_url":     j.Result.VideoURL,
				"video_id":      j.Result.VideoID,
				"generation_id": j.Result.GenerationID,
			},
		})
	}
	return nil
}

// Shutdown signals every worker to stop, waits up to grace for in-flight
// tasks to finish, and releases every held account lease regardless of
// how shutdown completed.
func (s *Supervisor) Shutdown(grace time.Duration) {
	if s.cancel != nil {
		s.cancel()
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(grace):
		logger.Log.Warn().Msg("supervisor: shutdown grace period elapsed with workers still running")
	}

	if err := s.accounts.ForceReleaseAll(context.Background()); err != nil {
		logger.Log.Warn().Err(err).Msg("supervisor: failed to release account leases on shutdown")
	}
}

// CreateJob validates a spec and persists a new draft job. It does not
// start the job; callers must call StartJob explicitly.
func (s *Supervisor) CreateJob(ctx context.Context, platform string, spec job.Spec) (*job.Job, error) {
	spec, err := validate.Spec(spec)
	if err != nil {
		return nil, err
	}
	j := &job.Job{
		Platform: platform,
		Spec:     spec,
		Progress: job.Progress{Status: job.StatusDraft, MaxRetries: constants.DefaultMaxRetries},
		TaskState: job.TaskState{CurrentTask: string(job.TaskGenerate)},
	}
	if err := s.jobs.Create(ctx, j); err != nil {
		return nil, err
	}
	return j, nil
}

// StartJob hands a draft or pending job to the generate stage.
func (s *Supervisor) StartJob(ctx context.Context, jobID int64) error {
	j, err := s.jobs.GetByID(ctx, jobID)
	if err != nil {
		return err
	}
	if !j.CanStart() {
		return apperr.NewWithMessage("supervisor.StartJob", apperr.ErrInvalidSpec, "job is not in a startable state")
	}
	if s.bus.IsActive(j.ID) {
		return nil
	}
	j.Progress.Status = job.StatusPending
	if err := s.jobs.Update(ctx, j); err != nil {
		return err
	}
	if !s.bus.StartJob(j) {
		return apperr.New("supervisor.StartJob", apperr.ErrBackpressure)
	}
	return nil
}

// BulkResult is the per-id outcome of a bulk job operation.
type BulkResult struct {
	JobID   int64
	Success bool
	Error   string
}

// StartSelected starts every named job independently, collecting a
// per-id result so a single bad id does not abort the batch.
func (s *Supervisor) StartSelected(ctx context.Context, ids []int64) []BulkResult {
	results := make([]BulkResult, 0, len(ids))
	for _, id := range ids {
		err := s.StartJob(ctx, id)
		results = append(results, BulkResult{JobID: id, Success: err == nil, Error: errString(err)})
	}
	return results
}

// BulkStartJobs starts every job currently startable (draft or pending),
// per the supplemented original_source/task_service.py surface.
func (s *Supervisor) BulkStartJobs(ctx context.Context) ([]BulkResult, error) {
	pending, err := s.jobs.ListPending(ctx)
	if err != nil {
		return nil, err
	}
	ids := make([]int64, 0, len(pending))
	for _, j := range pending {
		ids = append(ids, j.ID)
	}
	return s.StartSelected(ctx, ids), nil
}

// RetryJob re-issues a terminal job from the generate stage. Per the
// supplemented task_service.py behavior, the new attempt's exclusion set
// is seeded from the account the job most recently used only when the
// prior failure was account-specific; a plain transient failure starts
// with a clean slate so the same account is tried again first.
func (s *Supervisor) RetryJob(ctx context.Context, jobID int64) error {
	j, err := s.jobs.GetByID(ctx, jobID)
	if err != nil {
		return err
	}
	if !j.CanRetry() {
		return apperr.NewWithMessage("supervisor.RetryJob", apperr.ErrInvalidSpec, "job is not in a retryable state")
	}

	wasAccountSpecific := isAccountSpecificFailure(j.Progress.ErrorMessage)
	priorAccountID := j.AccountID

	j.ResetForRetry()
	j.AccountID = 0
	j.HasAccount = false
	if err := s.jobs.Update(ctx, j); err != nil {
		return err
	}

	tc := job.Context{JobID: j.ID, TaskType: job.TaskGenerate}
	if wasAccountSpecific && priorAccountID != 0 {
		tc.AppendInt64Data("exclude_account_ids", priorAccountID)
	}

	s.bus.Done(j.ID)
	if !s.bus.StartJob(j) {
		return apperr.New("supervisor.RetryJob", apperr.ErrBackpressure)
	}
	if len(tc.InputData) > 0 {
		s.bus.Requeue(tc)
	}
	return nil
}

func isAccountSpecificFailure(reason string) bool {
	lower := strings.ToLower(reason)
	for _, kind := range []apperr.Kind{apperr.KindPhoneRequired, apperr.KindNoCredits, apperr.KindUnauthorized} {
		if strings.Contains(lower, string(kind)) {
			return true
		}
	}
	return false
}

// CancelJob marks a cancellable job cancelled and drops it from the
// active set; any in-flight task for it still runs to completion but its
// result is discarded since the job is already terminal.
func (s *Supervisor) CancelJob(ctx context.Context, jobID int64) error {
	j, err := s.jobs.GetByID(ctx, jobID)
	if err != nil {
		return err
	}
	if !j.CanCancel() {
		return apperr.NewWithMessage("supervisor.CancelJob", apperr.ErrInvalidSpec, "job is not in a cancellable state")
	}
	j.Progress.Status = job.StatusCancelled
	if err := s.jobs.Update(ctx, j); err != nil {
		return err
	}
	s.bus.Done(jobID)
	return nil
}

// DeleteJob removes a job's record outright.
func (s *Supervisor) DeleteJob(ctx context.Context, jobID int64) error {
	s.bus.Done(jobID)
	return s.jobs.Delete(ctx, jobID)
}

// BulkDelete, BulkRetry and BulkCancel apply the per-id operation
// independently across the given ids, per §8's bulk-ops contract.
func (s *Supervisor) BulkDelete(ctx context.Context, ids []int64) []BulkResult {
	results := make([]BulkResult, 0, len(ids))
	for _, id := range ids {
		err := s.DeleteJob(ctx, id)
		results = append(results, BulkResult{JobID: id, Success: err == nil, Error: errString(err)})
	}
	return results
}

func (s *Supervisor) BulkRetry(ctx context.Context, ids []int64) []BulkResult {
	results := make([]BulkResult, 0, len(ids))
	for _, id := range ids {
		err := s.RetryJob(ctx, id)
		results = append(results, BulkResult{JobID: id, Success: err == nil, Error: errString(err)})
	}
	return results
}

func (s *Supervisor) BulkCancel(ctx context.Context, ids []int64) []BulkResult {
	results := make([]BulkResult, 0, len(ids))
	for _, id := range ids {
		err := s.CancelJob(ctx, id)
		results = append(results, BulkResult{JobID: id, Success: err == nil, Error: errString(err)})
	}
	return results
}

// Pause stops new dequeues on the task bus; in-flight tasks run to
// completion.
func (s *Supervisor) Pause() { s.bus.Pause() }

// Resume reverses Pause.
func (s *Supervisor) Resume() { s.bus.Resume() }

// Reset implements the admin reset operation: clears every account
// lease, empties the active set, and returns every in-flight job to
// pending with progress cleared so the next StartSelected/reseed picks
// it up from the generate stage.
func (s *Supervisor) Reset(ctx context.Context) error {
	active, err := s.jobs.ListActive(ctx)
	if err != nil {
		return apperr.Wrap("supervisor.Reset", err)
	}
	for _, j := range active {
		j.Progress.Status = job.StatusPending
		j.Progress.Percent = 0
		j.Progress.ErrorMessage = ""
		if err := s.jobs.Update(ctx, j); err != nil {
			logger.Log.Error().Int64("job_id", j.ID).Err(err).Msg("supervisor: failed to reset job")
		}
	}

	s.bus.Reset()
	return s.accounts.ForceReleaseAll(ctx)
}

// RestartWorkers stops the current worker pools and starts fresh ones,
// without touching persisted job or account state.
func (s *Supervisor) RestartWorkers(ctx context.Context) {
	if s.cancel != nil {
		s.cancel()
		s.wg.Wait()
	}
	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.startWorkers(runCtx)
}

// QueueStatus is the admin surface's queue_status response.
type QueueStatus struct {
	Paused           bool
	GenerateQueueLen int
	PollQueueLen     int
	DownloadQueueLen int
	ActiveCount      int
	Completed        int
	Pending          int
	Failed           int
	Processing       int
	AccountsTotal    int
	AccountsWithCredits int
}

// QueueStatus reports the live TaskBus state plus job/account database
// aggregates, per §8.
func (s *Supervisor) QueueStatus(ctx context.Context) (QueueStatus, error) {
	busStatus := s.bus.GetStatus()

	counts, err := s.jobs.CountByStatus(ctx)
	if err != nil {
		return QueueStatus{}, err
	}

	accountsTotal, withCredits, err := s.accountStats(ctx)
	if err != nil {
		return QueueStatus{}, err
	}

	return QueueStatus{
		Paused:           busStatus.Paused,
		GenerateQueueLen: busStatus.GenerateQueueLen,
		PollQueueLen:     busStatus.PollQueueLen,
		DownloadQueueLen: busStatus.DownloadQueueLen,
		ActiveCount:      busStatus.ActiveCount,
		Completed:        counts[job.StatusDone],
		Pending:          counts[job.StatusPending],
		Failed:           counts[job.StatusFailed],
		Processing:       counts[job.StatusProcessing] + counts[job.StatusGenerating] + counts[job.StatusDownload],
		AccountsTotal:    accountsTotal,
		AccountsWithCredits: withCredits,
	}, nil
}

func (s *Supervisor) accountStats(ctx context.Context) (total, withCredits int, err error) {
	accts, err := s.accounts.ListAll(ctx)
	if err != nil {
		return 0, 0, err
	}
	total = len(accts)
	for _, a := range accts {
		if a.CreditsRemaining > 0 {
			withCredits++
		}
	}
	return total, withCredits, nil
}

// ListJobs exposes the repository's paged listing for the admin surface.
func (s *Supervisor) ListJobs(ctx context.Context, skip, limit int, status job.Status) ([]*job.Job, error) {
	return s.jobs.List(ctx, skip, limit, status)
}

// GetJob exposes a single job lookup for the admin surface.
func (s *Supervisor) GetJob(ctx context.Context, jobID int64) (*job.Job, error) {
	return s.jobs.GetByID(ctx, jobID)
}

// StaleJobs reports jobs that have not progressed within the stale
// cutoff, a diagnostic the admin surface can poll without mutating state.
func (s *Supervisor) StaleJobs(ctx context.Context) ([]*job.Job, error) {
	return s.jobs.ListStale(ctx, constants.StaleCutoff)
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

// Package workers holds the three worker pools that drive a job through
// the generate -> poll -> download pipeline, each pool's dispatch loop
// generalized from the teacher's download-manager semaphore idiom
// (internal/downloader/manager.go: a single dispatcher blocking on a
// buffered activeSlots channel, then spawning one goroutine per task).
package workers

import (
	"context"
	"sync"
	"time"

	"videopipe/internal/accountpool"
	"videopipe/internal/constants"
	apperr "videopipe/internal/errors"
	"videopipe/internal/interfaces"
	"videopipe/internal/job"
	"videopipe/internal/logger"
	"videopipe/internal/taskbus"
)

// Generator pulls generate tasks off the bus, leases an account, submits
// the prompt to the remote API, and hands the resulting remote task id to
// the poll stage.
type Generator struct {
	jobs        interfaces.JobRepository
	accounts    *accountpool.Pool
	remote      interfaces.Remote
	bus         *taskbus.TaskBus
	concurrency int
}

// NewGenerator wires the collaborators the generate stage needs.
func NewGenerator(jobs interfaces.JobRepository, accounts *accountpool.Pool, remote interfaces.Remote, bus *taskbus.TaskBus, concurrency int) *Generator {
	if concurrency < 1 {
		concurrency = constants.GeneratorConcurrency
	}
	return &Generator{jobs: jobs, accounts: accounts, remote: remote, bus: bus, concurrency: concurrency}
}

// Run dispatches generate tasks until ctx is cancelled, blocking until
// every in-flight task has finished.
func (g *Generator) Run(ctx context.Context) {
	slots := make(chan struct{}, g.concurrency)
	var wg sync.WaitGroup

	for {
		tc, ok := g.bus.DequeueGenerate(ctx)
		if !ok {
			break
		}

		slots <- struct{}{}
		wg.Add(1)
		go func(tc job.Context) {
			defer wg.Done()
			defer func() { <-slots }()
			g.processTask(ctx, tc)
		}(tc)
	}

	wg.Wait()
}

func (g *Generator) processTask(ctx context.Context, tc job.Context) {
	j, err := g.jobs.GetByID(ctx, tc.JobID)
	if err != nil {
		logger.Log.Error().Int64("job_id", tc.JobID).Err(err).Msg("generate: job not found")
		g.bus.Done(tc.JobID)
		return
	}
	if j.Progress.Status.IsTerminal() {
		g.bus.Done(tc.JobID)
		return
	}

	excludeIDs := tc.Int64SliceData("exclude_account_ids")
	acct, err := g.accounts.Acquire(ctx, j.Platform, excludeIDs)
	if err != nil {
		g.handleNoAccount(ctx, j, tc)
		return
	}

	j.Progress.Status = job.StatusProcessing
	j.AccountID = acct.ID
	j.HasAccount = true
	if err := g.jobs.Update(ctx, j); err != nil {
		logger.Log.Error().Int64("job_id", j.ID).Err(err).Msg("generate: failed to persist processing state")
	}

	taskID, err := g.remote.Submit(ctx, acct.Session, j.Spec)
	if err != nil {
		g.accounts.Release(ctx, acct.ID)
		g.handleSubmitError(ctx, j, tc, acct.ID, err)
		return
	}

	g.accounts.Release(ctx, acct.ID)

	now := time.Now().UTC()
	j.TaskState.SetStage("generate", job.StageState{Status: "completed", TaskID: taskID, CompletedAt: &now})
	j.TaskState.SetStage("poll", job.StageState{Status: "pending"})
	j.TaskState.CurrentTask = string(job.TaskPoll)
	j.Progress.Status = job.StatusGenerating

	if err := g.jobs.Update(ctx, j); err != nil {
		logger.Log.Error().Int64("job_id", j.ID).Err(err).Msg("generate: failed to persist generating state")
	}

	pollCtx := job.Context{
		JobID:    j.ID,
		TaskType: job.TaskPoll,
		InputData: map[string]any{
			"task_id":    taskID,
			"account_id": acct.ID,
		},
	}
	if !g.bus.EnqueuePoll(pollCtx) {
		logger.Log.Warn().Int64("job_id", j.ID).Msg("generate: poll queue full, task dropped")
	}

	g.bus.Done(tc.JobID)
}

// handleNoAccount applies the no-account-available retry policy: up to
// MaxGenericRetryCount retries, 10s apart, then permanent failure.
func (g *Generator) handleNoAccount(ctx context.Context, j *job.Job, tc job.Context) {
	retries := tc.IncrData("no_account_retry_count")
	if retries > constants.MaxGenericRetryCount {
		g.fail(ctx, j, tc, "no available accounts after retries")
		return
	}

	logger.Log.Warn().Int64("job_id", j.ID).Int("retry", retries).Msg("generate: no account available, retrying")
	time.Sleep(constants.NoAccountRetrySleep)
	if !g.bus.Requeue(job.Context{JobID: tc.JobID, TaskType: job.TaskGenerate, InputData: tc.InputData}) {
		g.fail(ctx, j, tc, "no available accounts, requeue failed")
	}
}

// handleSubmitError classifies a submit failure and applies the §9
// error policy table: heavy_load and too_many_concurrent_tasks retry up
// to MaxRetryCount with their own sleep; account-invalid reasons switch
// accounts up to MaxRetryCount; anything else gets MaxGenericRetryCount
// generic retries before the job fails permanently.
func (g *Generator) handleSubmitError(ctx context.Context, j *job.Job, tc job.Context, accountID int64, err error) {
	kind := apperr.Classify(err)

	switch kind {
	case apperr.KindHeavyLoad:
		retries := tc.IncrData("heavy_load_retry_count")
		if retries > constants.MaxRetryCount {
			g.fail(ctx, j, tc, "max retries exceeded: "+err.Error())
			return
		}
		logger.Log.Warn().Int64("job_id", j.ID).Int("retry", retries).Msg("generate: heavy load, retrying")
		time.Sleep(constants.HeavyLoadRetrySleep)
		g.bus.Requeue(job.Context{JobID: tc.JobID, TaskType: job.TaskGenerate, InputData: tc.InputData})
		return

	case apperr.KindTooManyConcurrentTasks:
		retries := tc.IncrData("concurrent_retry_count")
		if retries > constants.MaxRetryCount {
			g.fail(ctx, j, tc, "max retries exceeded: "+err.Error())
			return
		}
		tc.AppendInt64Data("exclude_account_ids", accountID)
		logger.Log.Warn().Int64("job_id", j.ID).Int64("account_id", accountID).Int("retry", retries).Msg("generate: account maxed out, switching")
		time.Sleep(constants.ConcurrentTaskSleep)
		g.bus.Requeue(job.Context{JobID: tc.JobID, TaskType: job.TaskGenerate, InputData: tc.InputData})
		return

	case apperr.KindPhoneRequired, apperr.KindNoCredits, apperr.KindUnauthorized:
		retries := tc.IncrData("account_switch_retry_count")
		if retries > constants.MaxRetryCount {
			g.fail(ctx, j, tc, "max retries exceeded: "+err.Error())
			return
		}
		g.demoteAccount(ctx, accountID, kind)
		tc.AppendInt64Data("exclude_account_ids", accountID)

		j.Progress.Status = job.StatusPending
		if err := g.jobs.Update(ctx, j); err != nil {
			logger.Log.Error().Int64("job_id", j.ID).Err(err).Msg("generate: failed to reset job to pending")
		}
		g.bus.Requeue(job.Context{JobID: tc.JobID, TaskType: job.TaskGenerate, InputData: tc.InputData})
		return

	default:
		retries := tc.IncrData("api_retry_count")
		if retries > constants.MaxGenericRetryCount {
			g.fail(ctx, j, tc, "API failed after retries: "+err.Error())
			return
		}
		logger.Log.Warn().Int64("job_id", j.ID).Int("retry", retries).Err(err).Msg("generate: transient error, retrying")
		time.Sleep(constants.TransientRetrySleep)
		g.bus.Requeue(job.Context{JobID: tc.JobID, TaskType: job.TaskGenerate, InputData: tc.InputData})
	}
}

func (g *Generator) demoteAccount(ctx context.Context, accountID int64, kind apperr.Kind) {
	var err error
	switch kind {
	case apperr.KindPhoneRequired:
		err = g.accounts.MarkPhoneRequired(ctx, accountID)
	case apperr.KindUnauthorized:
		err = g.accounts.MarkExpired(ctx, accountID)
	case apperr.KindNoCredits:
		err = g.accounts.MarkCooldown(ctx, accountID)
	}
	if err != nil {
		logger.Log.Warn().Int64("account_id", accountID).Err(err).Msg("generate: failed to demote account")
	}
}

func (g *Generator) fail(ctx context.Context, j *job.Job, tc job.Context, reason string) {
	j.Progress.MarkFailed(reason)
	if err := g.jobs.Update(ctx, j); err != nil {
		logger.Log.Error().Int64("job_id", j.ID).Err(err).Msg("generate: failed to persist failure")
	}
	g.bus.Done(tc.JobID)
}

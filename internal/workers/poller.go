package workers

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"videopipe/internal/constants"
	"videopipe/internal/interfaces"
	"videopipe/internal/job"
	"videopipe/internal/logger"
	"videopipe/internal/taskbus"
)

// Poller pulls poll tasks off the bus, asks the remote API for the
// account's current progress and completion state, and either advances
// the job to the download stage, fails it, or re-enqueues for another
// pass.
type Poller struct {
	jobs        interfaces.JobRepository
	accounts    interfaces.AccountRepository
	remote      interfaces.Remote
	bus         *taskbus.TaskBus
	concurrency int
}

// NewPoller wires the collaborators the poll stage needs.
func NewPoller(jobs interfaces.JobRepository, accounts interfaces.AccountRepository, remote interfaces.Remote, bus *taskbus.TaskBus, concurrency int) *Poller {
	if concurrency < 1 {
		concurrency = constants.PollerConcurrency
	}
	return &Poller{jobs: jobs, accounts: accounts, remote: remote, bus: bus, concurrency: concurrency}
}

// Run dispatches poll tasks until ctx is cancelled.
func (p *Poller) Run(ctx context.Context) {
	slots := make(chan struct{}, p.concurrency)
	var wg sync.WaitGroup

	for {
		tc, ok := p.bus.DequeuePoll(ctx)
		if !ok {
			break
		}

		slots <- struct{}{}
		wg.Add(1)
		go func(tc job.Context) {
			defer wg.Done()
			defer func() { <-slots }()
			p.processTask(ctx, tc)
		}(tc)
	}

	wg.Wait()
}

func (p *Poller) processTask(ctx context.Context, tc job.Context) {
	j, err := p.jobs.GetByID(ctx, tc.JobID)
	if err != nil {
		logger.Log.Error().Int64("job_id", tc.JobID).Err(err).Msg("poll: job not found")
		p.bus.Done(tc.JobID)
		return
	}

	taskID := tc.StringData("task_id")
	if taskID == "" {
		p.fail(ctx, j, tc, "missing task_id for polling")
		return
	}

	pollCount := tc.IntData("poll_count")
	if pollCount >= constants.MaxPollCount {
		p.fail(ctx, j, tc, "video generation timeout after max polls")
		return
	}

	accountID := int64(tc.IntData("account_id"))
	if accountID == 0 {
		p.fail(ctx, j, tc, "missing account_id for polling")
		return
	}

	acct, err := p.accounts.GetByID(ctx, accountID)
	if err != nil {
		p.fail(ctx, j, tc, "account not found for polling")
		return
	}

	if entries, err := p.remote.ListPending(ctx, acct.Session); err == nil {
		p.updateProgress(ctx, j, taskID, entries)
	} else {
		logger.Log.Debug().Int64("job_id", j.ID).Err(err).Msg("poll: list_pending failed, continuing")
	}

	result, err := p.remote.WaitForCompletion(ctx, acct.Session, taskID, constants.PollCallTimeout)
	if err != nil {
		logger.Log.Debug().Int64("job_id", j.ID).Err(err).Msg("poll: wait_for_completion error, retrying")
		p.requeuePending(j, tc)
		return
	}

	switch result.Status {
	case interfaces.CompletionSuccess:
		p.advanceToDownload(ctx, j, tc, result)
	case interfaces.CompletionFailed:
		reason := result.Error
		if reason == "" {
			reason = "video generation failed"
		}
		j.TaskState.SetStage("poll", job.StageState{Status: "failed"})
		j.TaskState.CurrentTask = ""
		p.fail(ctx, j, tc, "video generation failed: "+reason)
	default:
		p.requeuePending(j, tc)
	}
}

// updateProgress records progress from the remote's pending listing: a
// matching entry sets the percentage to its progress fraction times 100
// (truncated) whenever that differs from the stored value, including a
// lower value. When no entry matches and the job is still at zero, the
// percentage is raised to ProgressFloorPercent.
func (p *Poller) updateProgress(ctx context.Context, j *job.Job, taskID string, entries []interfaces.PendingEntry) {
	for _, e := range entries {
		if e.ID != taskID {
			continue
		}
		pct := int(e.ProgressFraction * 100)
		if pct != j.Progress.Percent {
			j.Progress.UpdateProgress(pct)
			if err := p.jobs.UpdateProgress(ctx, j.ID, j.Progress.Percent); err != nil {
				logger.Log.Warn().Int64("job_id", j.ID).Err(err).Msg("poll: failed to persist progress")
			}
		}
		return
	}

	if j.Progress.Percent == 0 {
		j.Progress.UpdateProgress(constants.ProgressFloorPercent)
		if err := p.jobs.UpdateProgress(ctx, j.ID, j.Progress.Percent); err != nil {
			logger.Log.Warn().Int64("job_id", j.ID).Err(err).Msg("poll: failed to persist progress floor")
		}
	}
}

func (p *Poller) advanceToDownload(ctx context.Context, j *job.Job, tc job.Context, result interfaces.CompletionResult) {
	if result.DownloadURL == "" {
		j.TaskState.SetStage("poll", job.StageState{Status: "failed"})
		j.TaskState.CurrentTask = ""
		p.fail(ctx, j, tc, "video generation reported success with no download url")
		return
	}

	j.Progress.Status = job.StatusDownload
	j.Progress.UpdateProgress(100)
	j.Result.VideoURL = result.DownloadURL
	j.Result.VideoID = result.ID
	j.Result.GenerationID = result.GenerationID

	j.TaskState.SetStage("poll", job.StageState{Status: "completed"})
	j.TaskState.SetStage("download", job.StageState{Status: "pending"})
	j.TaskState.CurrentTask = string(job.TaskDownload)

	if err := p.jobs.Update(ctx, j); err != nil {
		logger.Log.Error().Int64("job_id", j.ID).Err(err).Msg("poll: failed to persist download transition")
	}

	dlTask := job.Context{
		JobID:    j.ID,
		TaskType: job.TaskDownload,
		InputData: map[string]any{
			"video_url":     result.DownloadURL,
			"video_id":      result.ID,
			"generation_id": result.GenerationID,
		},
	}
	if !p.bus.EnqueueDownload(dlTask) {
		logger.Log.Warn().Int64("job_id", j.ID).Msg("poll: download queue full, task dropped")
	}
	p.bus.Done(tc.JobID)
}

// requeuePending increments poll_count and re-enqueues after a random
// 15-30s sleep to avoid hammering the remote API's rate limits.
func (p *Poller) requeuePending(j *job.Job, tc job.Context) {
	tc.IncrData("poll_count")
	sleep := constants.PollSleepMin + time.Duration(rand.Int63n(int64(constants.PollSleepMax-constants.PollSleepMin+1)))
	time.Sleep(sleep)
	if !p.bus.Requeue(job.Context{JobID: tc.JobID, TaskType: job.TaskPoll, InputData: tc.InputData}) {
		logger.Log.Warn().Int64("job_id", j.ID).Msg("poll: requeue failed, queue full")
	}
}

func (p *Poller) fail(ctx context.Context, j *job.Job, tc job.Context, reason string) {
	j.Progress.MarkFailed(reason)
	if err := p.jobs.Update(ctx, j); err != nil {
		logger.Log.Error().Int64("job_id", j.ID).Err(err).Msg("poll: failed to persist failure")
	}
	p.bus.Done(tc.JobID)
}

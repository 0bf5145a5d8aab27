package taskbus

import (
	"context"
	"testing"
	"time"

	"videopipe/internal/job"
)

func newTestBus() *TaskBus {
	return New(Config{GenerateCapacity: 4, PollCapacity: 4, DownloadCapacity: 4})
}

func TestStartJob_EnqueuesAndMarksActive(t *testing.T) {
	b := newTestBus()
	j := &job.Job{ID: 1}

	if ok := b.StartJob(j); !ok {
		t.Fatal("StartJob() = false, want true")
	}
	if !b.IsActive(1) {
		t.Error("expected job 1 to be active")
	}

	status := b.GetStatus()
	if status.GenerateQueueLen != 1 {
		t.Errorf("GenerateQueueLen = %d, want 1", status.GenerateQueueLen)
	}
}

func TestStartJob_IsIdempotent(t *testing.T) {
	b := newTestBus()
	j := &job.Job{ID: 1}

	b.StartJob(j)
	if ok := b.StartJob(j); ok {
		t.Error("second StartJob() = true, want false (duplicate)")
	}

	status := b.GetStatus()
	if status.GenerateQueueLen != 1 {
		t.Errorf("GenerateQueueLen = %d, want 1 (no duplicate enqueue)", status.GenerateQueueLen)
	}
}

func TestDone_RemovesFromActiveSet(t *testing.T) {
	b := newTestBus()
	j := &job.Job{ID: 1}
	b.StartJob(j)

	b.Done(1)

	if b.IsActive(1) {
		t.Error("expected job 1 to no longer be active")
	}
	// A job may be restarted once it is no longer active.
	if ok := b.StartJob(j); !ok {
		t.Error("StartJob() after Done() = false, want true")
	}
}

func TestDequeueGenerate_ReturnsEnqueuedTask(t *testing.T) {
	b := newTestBus()
	b.StartJob(&job.Job{ID: 7})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	tc, ok := b.DequeueGenerate(ctx)
	if !ok {
		t.Fatal("DequeueGenerate() ok = false, want true")
	}
	if tc.JobID != 7 || tc.TaskType != job.TaskGenerate {
		t.Errorf("DequeueGenerate() = %+v, want JobID=7 TaskType=generate", tc)
	}
}

func TestDequeueGenerate_ReturnsFalseOnCancel(t *testing.T) {
	b := newTestBus()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, ok := b.DequeueGenerate(ctx)
	if ok {
		t.Error("DequeueGenerate() ok = true on cancelled context, want false")
	}
}

func TestEnqueuePollThenDownload_CarriesThroughStages(t *testing.T) {
	b := newTestBus()
	tc := job.Context{JobID: 3, InputData: map[string]any{"task_id": "abc"}}

	if !b.EnqueuePoll(tc) {
		t.Fatal("EnqueuePoll() = false")
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	got, ok := b.DequeuePoll(ctx)
	if !ok || got.TaskType != job.TaskPoll || got.StringData("task_id") != "abc" {
		t.Errorf("DequeuePoll() = %+v, ok=%v", got, ok)
	}

	if !b.EnqueueDownload(got) {
		t.Fatal("EnqueueDownload() = false")
	}
	got2, ok := b.DequeueDownload(ctx)
	if !ok || got2.TaskType != job.TaskDownload {
		t.Errorf("DequeueDownload() = %+v, ok=%v", got2, ok)
	}
}

func TestPause_BlocksDequeueUntilResume(t *testing.T) {
	b := newTestBus()
	b.StartJob(&job.Job{ID: 1})
	b.Pause()

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	done := make(chan struct{})
	go func() {
		b.DequeueGenerate(ctx)
		close(done)
	}()

	select {
	case <-done:
		t.Fatal("DequeueGenerate() returned while paused")
	case <-time.After(150 * time.Millisecond):
	}

	b.Resume()
	<-done
}

func TestReset_ClearsActiveSet(t *testing.T) {
	b := newTestBus()
	b.StartJob(&job.Job{ID: 1})
	b.StartJob(&job.Job{ID: 2})

	b.Reset()

	status := b.GetStatus()
	if status.ActiveCount != 0 {
		t.Errorf("ActiveCount = %d, want 0 after Reset()", status.ActiveCount)
	}
}

package workers

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"sync"

	"videopipe/internal/constants"
	apperr "videopipe/internal/errors"
	"videopipe/internal/interfaces"
	"videopipe/internal/job"
	"videopipe/internal/logger"
	"videopipe/internal/paths"
	"videopipe/internal/taskbus"
)

// Downloader pulls download tasks off the bus, attempts best-effort
// watermark removal, and streams the remote video to local disk.
type Downloader struct {
	jobs          interfaces.JobRepository
	postProcessor interfaces.PostProcessor
	paths         *paths.Paths
	bus           *taskbus.TaskBus
	concurrency   int
}

// NewDownloader wires the collaborators the download stage needs.
// postProcessor may be nil, in which case watermark removal is skipped.
func NewDownloader(jobs interfaces.JobRepository, postProcessor interfaces.PostProcessor, p *paths.Paths, bus *taskbus.TaskBus, concurrency int) *Downloader {
	if concurrency < 1 {
		concurrency = constants.DownloaderConcurrency
	}
	return &Downloader{jobs: jobs, postProcessor: postProcessor, paths: p, bus: bus, concurrency: concurrency}
}

// Run dispatches download tasks until ctx is cancelled.
func (d *Downloader) Run(ctx context.Context) {
	slots := make(chan struct{}, d.concurrency)
	var wg sync.WaitGroup

	for {
		tc, ok := d.bus.DequeueDownload(ctx)
		if !ok {
			break
		}

		slots <- struct{}{}
		wg.Add(1)
		go func(tc job.Context) {
			defer wg.Done()
			defer func() { <-slots }()
			d.processTask(ctx, tc)
		}(tc)
	}

	wg.Wait()
}

func (d *Downloader) processTask(ctx context.Context, tc job.Context) {
	j, err := d.jobs.GetByID(ctx, tc.JobID)
	if err != nil {
		logger.Log.Error().Int64("job_id", tc.JobID).Err(err).Msg("download: job not found")
		d.bus.Done(tc.JobID)
		return
	}

	videoURL := tc.StringData("video_url")
	if videoURL == "" {
		videoURL = j.Result.VideoURL
	}
	if videoURL == "" {
		d.fail(ctx, j, tc, "missing video_url for download")
		return
	}

	videoURL = d.removeWatermark(ctx, j)

	destPath := d.paths.DownloadPath(j.Platform, j.ID, j.Result.VideoID)
	written, err := fetchToFile(ctx, videoURL, destPath)
	if err != nil {
		logger.Log.Warn().Int64("job_id", j.ID).Err(err).Msg("download: fetch failed")
		d.fail(ctx, j, tc, err.Error())
		return
	}
	if written < constants.MinValidDownloadBytes {
		os.Remove(destPath)
		d.fail(ctx, j, tc, fmt.Sprintf("download truncated: only %d bytes written", written))
		return
	}

	j.Result.LocalPath = destPath
	j.Progress.Status = job.StatusDone
	j.Progress.UpdateProgress(100)
	j.TaskState.SetStage("download", job.StageState{Status: "completed"})
	j.TaskState.CurrentTask = ""

	if err := d.jobs.Update(ctx, j); err != nil {
		logger.Log.Error().Int64("job_id", j.ID).Err(err).Msg("download: failed to persist completion")
	}
	d.bus.Done(tc.JobID)
}

// removeWatermark is best-effort: a failure is swallowed and the
// original URL remains in use, per the spec's explicit non-fatal
// contract for this collaborator.
func (d *Downloader) removeWatermark(ctx context.Context, j *job.Job) string {
	if d.postProcessor == nil || j.Result.VideoID == "" {
		return j.Result.VideoURL
	}

	cleanURL, err := d.postProcessor.RemoveWatermark(ctx, j.Result.VideoID, j.AccountID)
	if err != nil || cleanURL == "" {
		if err != nil {
			logger.Log.Debug().Int64("job_id", j.ID).Err(err).Msg("download: watermark removal failed, using original url")
		}
		return j.Result.VideoURL
	}

	j.TaskState.IsCleanVideo = true
	j.TaskState.CleanVideoURL = cleanURL
	return cleanURL
}

func (d *Downloader) fail(ctx context.Context, j *job.Job, tc job.Context, reason string) {
	j.Progress.MarkFailed(reason)
	if err := d.jobs.Update(ctx, j); err != nil {
		logger.Log.Error().Int64("job_id", j.ID).Err(err).Msg("download: failed to persist failure")
	}
	d.bus.Done(tc.JobID)
}

// fetchToFile streams an SSRF-validated URL to destPath in fixed-size
// chunks, returning the number of bytes actually written so the caller
// can enforce the minimum-valid-download floor.
func fetchToFile(ctx context.Context, rawURL, destPath string) (int64, error) {
	parsed, err := validateDownloadURL(rawURL)
	if err != nil {
		return 0, apperr.Wrap("download.fetchToFile", err)
	}

	pinnedIP, err := resolveAndValidateHost(parsed.Hostname())
	if err != nil {
		return 0, apperr.Wrap("download.fetchToFile", err)
	}

	client := newSecureDownloadClient(parsed, pinnedIP)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return 0, apperr.Wrap("download.fetchToFile", err)
	}

	resp, err := client.Do(req)
	if err != nil {
		return 0, apperr.New("download.fetchToFile", apperr.ErrDownloadHTTP)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return 0, apperr.NewWithMessage("download.fetchToFile", apperr.ErrDownloadHTTP,
			fmt.Sprintf("download returned status %d", resp.StatusCode))
	}

	out, err := os.Create(destPath)
	if err != nil {
		return 0, apperr.Wrap("download.fetchToFile", err)
	}
	defer out.Close()

	buf := make([]byte, constants.DownloadChunkSize)
	var written int64
	for {
		n, readErr := resp.Body.Read(buf)
		if n > 0 {
			if _, writeErr := out.Write(buf[:n]); writeErr != nil {
				return written, apperr.Wrap("download.fetchToFile", writeErr)
			}
			written += int64(n)
		}
		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			return written, apperr.New("download.fetchToFile", apperr.ErrDownloadTruncated)
		}
	}

	return written, nil
}

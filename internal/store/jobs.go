package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/uptrace/bun"

	apperr "videopipe/internal/errors"
	"videopipe/internal/interfaces"
	"videopipe/internal/job"
)

// JobStore is the bun-backed repository for jobs. It implements
// interfaces.JobRepository.
type JobStore struct {
	db *bun.DB
}

var _ interfaces.JobRepository = (*JobStore)(nil)

// NewJobStore wraps an open bun connection.
func NewJobStore(db *DB) *JobStore {
	return &JobStore{db: db.bun}
}

// Create inserts a new job and populates its generated ID.
func (s *JobStore) Create(ctx context.Context, j *job.Job) error {
	now := time.Now().UTC()
	j.CreatedAt = now
	j.UpdatedAt = now

	m, err := fromJob(j)
	if err != nil {
		return apperr.Wrap("store.Create", err)
	}

	if _, err := s.db.NewInsert().Model(m).Exec(ctx); err != nil {
		return apperr.Wrap("store.Create", err)
	}
	j.ID = m.ID
	return nil
}

// GetByID fetches a single job, returning ErrNotFound if absent.
func (s *JobStore) GetByID(ctx context.Context, id int64) (*job.Job, error) {
	m := new(jobModel)
	err := s.db.NewSelect().Model(m).Where("id = ?", id).Scan(ctx)
	if err == sql.ErrNoRows {
		return nil, apperr.New("store.GetByID", apperr.ErrNotFound)
	}
	if err != nil {
		return nil, apperr.Wrap("store.GetByID", err)
	}
	return m.toJob(), nil
}

// Update persists every mutable field of j.
func (s *JobStore) Update(ctx context.Context, j *job.Job) error {
	j.UpdatedAt = time.Now().UTC()
	m, err := fromJob(j)
	if err != nil {
		return apperr.Wrap("store.Update", err)
	}

	res, err := s.db.NewUpdate().Model(m).WherePK().Exec(ctx)
	if err != nil {
		return apperr.Wrap("store.Update", err)
	}
	return checkAffected(res, "store.Update")
}

// UpdateStatus transitions status and optionally records an error message.
func (s *JobStore) UpdateStatus(ctx context.Context, id int64, status job.Status, errMsg string) error {
	res, err := s.db.NewUpdate().Model((*jobModel)(nil)).
		Set("status = ?", string(status)).
		Set("error_message = ?", errMsg).
		Set("updated_at = ?", time.Now().UTC()).
		Where("id = ?", id).
		Exec(ctx)
	if err != nil {
		return apperr.Wrap("store.UpdateStatus", err)
	}
	return checkAffected(res, "store.UpdateStatus")
}

// UpdateProgress sets the completion percentage.
func (s *JobStore) UpdateProgress(ctx context.Context, id int64, percent int) error {
	if percent < 0 {
		percent = 0
	}
	if percent > 100 {
		percent = 100
	}
	res, err := s.db.NewUpdate().Model((*jobModel)(nil)).
		Set("percent = ?", percent).
		Set("updated_at = ?", time.Now().UTC()).
		Where("id = ?", id).
		Exec(ctx)
	if err != nil {
		return apperr.Wrap("store.UpdateProgress", err)
	}
	return checkAffected(res, "store.UpdateProgress")
}

// List returns a page of jobs, newest first, optionally filtered by status.
func (s *JobStore) List(ctx context.Context, skip, limit int, status job.Status) ([]*job.Job, error) {
	var rows []jobModel
	q := s.db.NewSelect().Model(&rows).OrderExpr("id DESC").Offset(skip).Limit(limit)
	if status != "" {
		q = q.Where("status = ?", string(status))
	}
	if err := q.Scan(ctx); err != nil {
		return nil, apperr.Wrap("store.List", err)
	}
	return toJobs(rows), nil
}

// ListPending returns jobs in draft or pending state, oldest first.
func (s *JobStore) ListPending(ctx context.Context) ([]*job.Job, error) {
	var rows []jobModel
	err := s.db.NewSelect().Model(&rows).
		Where("status IN (?)", bun.In([]string{string(job.StatusDraft), string(job.StatusPending)})).
		OrderExpr("id ASC").
		Scan(ctx)
	if err != nil {
		return nil, apperr.Wrap("store.ListPending", err)
	}
	return toJobs(rows), nil
}

// ListActive returns every job currently owned by a worker.
func (s *JobStore) ListActive(ctx context.Context) ([]*job.Job, error) {
	var rows []jobModel
	active := []string{
		string(job.StatusPending), string(job.StatusProcessing),
		string(job.StatusGenerating), string(job.StatusDownload),
	}
	err := s.db.NewSelect().Model(&rows).
		Where("status IN (?)", bun.In(active)).
		OrderExpr("id ASC").
		Scan(ctx)
	if err != nil {
		return nil, apperr.Wrap("store.ListActive", err)
	}
	return toJobs(rows), nil
}

// ListStale returns active jobs whose updated_at is older than cutoff.
func (s *JobStore) ListStale(ctx context.Context, cutoff time.Duration) ([]*job.Job, error) {
	var rows []jobModel
	active := []string{
		string(job.StatusPending), string(job.StatusProcessing),
		string(job.StatusGenerating), string(job.StatusDownload),
	}
	threshold := time.Now().UTC().Add(-cutoff)
	err := s.db.NewSelect().Model(&rows).
		Where("status IN (?)", bun.In(active)).
		Where("updated_at < ?", threshold).
		OrderExpr("id ASC").
		Scan(ctx)
	if err != nil {
		return nil, apperr.Wrap("store.ListStale", err)
	}
	return toJobs(rows), nil
}

// ListCompleted returns terminal jobs, newest first.
func (s *JobStore) ListCompleted(ctx context.Context) ([]*job.Job, error) {
	var rows []jobModel
	terminal := []string{
		string(job.StatusDone), string(job.StatusFailed), string(job.StatusCancelled),
	}
	err := s.db.NewSelect().Model(&rows).
		Where("status IN (?)", bun.In(terminal)).
		OrderExpr("id DESC").
		Scan(ctx)
	if err != nil {
		return nil, apperr.Wrap("store.ListCompleted", err)
	}
	return toJobs(rows), nil
}

// CountByStatus tallies jobs grouped by status.
func (s *JobStore) CountByStatus(ctx context.Context) (map[job.Status]int, error) {
	var rows []struct {
		Status string `bun:"status"`
		Count  int    `bun:"count"`
	}
	err := s.db.NewSelect().Model((*jobModel)(nil)).
		ColumnExpr("status").
		ColumnExpr("count(*) AS count").
		Group("status").
		Scan(ctx, &rows)
	if err != nil {
		return nil, apperr.Wrap("store.CountByStatus", err)
	}

	out := make(map[job.Status]int, len(rows))
	for _, r := range rows {
		out[job.Status(r.Status)] = r.Count
	}
	return out, nil
}

// FindByVideoID looks up the job that produced a given remote video id.
func (s *JobStore) FindByVideoID(ctx context.Context, videoID string) (*job.Job, error) {
	m := new(jobModel)
	err := s.db.NewSelect().Model(m).Where("video_id = ?", videoID).Scan(ctx)
	if err == sql.ErrNoRows {
		return nil, apperr.New("store.FindByVideoID", apperr.ErrNotFound)
	}
	if err != nil {
		return nil, apperr.Wrap("store.FindByVideoID", err)
	}
	return m.toJob(), nil
}

// Delete removes a single job.
func (s *JobStore) Delete(ctx context.Context, id int64) error {
	res, err := s.db.NewDelete().Model((*jobModel)(nil)).Where("id = ?", id).Exec(ctx)
	if err != nil {
		return apperr.Wrap("store.Delete", err)
	}
	return checkAffected(res, "store.Delete")
}

// BulkDelete removes every job whose ID is in ids.
func (s *JobStore) BulkDelete(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := s.db.NewDelete().Model((*jobModel)(nil)).Where("id IN (?)", bun.In(ids)).Exec(ctx)
	if err != nil {
		return apperr.Wrap("store.BulkDelete", err)
	}
	return nil
}

// BulkUpdateStatus transitions every job whose ID is in ids to status.
func (s *JobStore) BulkUpdateStatus(ctx context.Context, ids []int64, status job.Status) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := s.db.NewUpdate().Model((*jobModel)(nil)).
		Set("status = ?", string(status)).
		Set("updated_at = ?", time.Now().UTC()).
		Where("id IN (?)", bun.In(ids)).
		Exec(ctx)
	if err != nil {
		return apperr.Wrap("store.BulkUpdateStatus", err)
	}
	return nil
}

func toJobs(rows []jobModel) []*job.Job {
	out := make([]*job.Job, 0, len(rows))
	for i := range rows {
		out = append(out, rows[i].toJob())
	}
	return out
}

func checkAffected(res sql.Result, op string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return apperr.Wrap(op, err)
	}
	if n == 0 {
		return apperr.New(op, apperr.ErrNotFound)
	}
	return nil
}

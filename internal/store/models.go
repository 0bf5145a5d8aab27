package store

import (
	"encoding/json"
	"time"

	"github.com/uptrace/bun"

	"videopipe/internal/account"
	"videopipe/internal/job"
)

// jobModel is the bun-mapped row for the jobs table. task_state is
// stored as serialized JSON text since sqlite has no native jsonb type;
// readers must tolerate a blank value (new row, or pre-migration row).
type jobModel struct {
	bun.BaseModel `bun:"table:jobs"`

	ID        int64  `bun:"id,pk,autoincrement"`
	Platform  string `bun:"platform,notnull,default:''"`

	Prompt      string `bun:"prompt,notnull"`
	Duration    int    `bun:"duration,notnull"`
	AspectRatio string `bun:"aspect_ratio,notnull"`
	ImagePath   string `bun:"image_path,notnull,default:''"`

	Status       string `bun:"status,notnull"`
	Percent      int    `bun:"percent,notnull,default:0"`
	ErrorMessage string `bun:"error_message,notnull,default:''"`
	RetryCount   int    `bun:"retry_count,notnull,default:0"`
	MaxRetries   int    `bun:"max_retries,notnull,default:3"`

	VideoURL     string `bun:"video_url,notnull,default:''"`
	VideoID      string `bun:"video_id,notnull,default:''"`
	GenerationID string `bun:"generation_id,notnull,default:''"`
	LocalPath    string `bun:"local_path,notnull,default:''"`

	AccountID  int64 `bun:"account_id,nullzero"`
	HasAccount bool  `bun:"has_account,notnull,default:false"`

	TaskStateJSON string `bun:"task_state,notnull,default:''"`

	CreatedAt time.Time `bun:"created_at,nullzero,notnull,default:current_timestamp"`
	UpdatedAt time.Time `bun:"updated_at,nullzero,notnull,default:current_timestamp"`
}

func (m *jobModel) toJob() *job.Job {
	j := &job.Job{
		ID:       m.ID,
		Platform: m.Platform,
		Spec: job.Spec{
			Prompt:      m.Prompt,
			Duration:    m.Duration,
			AspectRatio: job.AspectRatio(m.AspectRatio),
			ImagePath:   m.ImagePath,
		},
		Progress: job.Progress{
			Status:       job.Status(m.Status),
			Percent:      m.Percent,
			ErrorMessage: m.ErrorMessage,
			RetryCount:   m.RetryCount,
			MaxRetries:   m.MaxRetries,
		},
		Result: job.Result{
			VideoURL:     m.VideoURL,
			VideoID:      m.VideoID,
			GenerationID: m.GenerationID,
			LocalPath:    m.LocalPath,
		},
		AccountID:  m.AccountID,
		HasAccount: m.HasAccount,
		CreatedAt:  m.CreatedAt,
		UpdatedAt:  m.UpdatedAt,
	}

	if m.TaskStateJSON != "" {
		var ts job.TaskState
		if err := json.Unmarshal([]byte(m.TaskStateJSON), &ts); err == nil {
			j.TaskState = ts
		}
	}

	return j
}

func fromJob(j *job.Job) (*jobModel, error) {
	tsBytes, err := json.Marshal(j.TaskState)
	if err != nil {
		return nil, err
	}

	return &jobModel{
		ID:            j.ID,
		Platform:      j.Platform,
		Prompt:        j.Spec.Prompt,
		Duration:      j.Spec.Duration,
		AspectRatio:   string(j.Spec.AspectRatio),
		ImagePath:     j.Spec.ImagePath,
		Status:        string(j.Progress.Status),
		Percent:       j.Progress.Percent,
		ErrorMessage:  j.Progress.ErrorMessage,
		RetryCount:    j.Progress.RetryCount,
		MaxRetries:    j.Progress.MaxRetries,
		VideoURL:      j.Result.VideoURL,
		VideoID:       j.Result.VideoID,
		GenerationID:  j.Result.GenerationID,
		LocalPath:     j.Result.LocalPath,
		AccountID:     j.AccountID,
		HasAccount:    j.HasAccount,
		TaskStateJSON: string(tsBytes),
		CreatedAt:     j.CreatedAt,
		UpdatedAt:     j.UpdatedAt,
	}, nil
}

// accountModel is the bun-mapped row for the accounts table.
type accountModel struct {
	bun.BaseModel `bun:"table:accounts"`

	ID                int64  `bun:"id,pk,autoincrement"`
	Platform          string `bun:"platform,notnull"`
	Email             string `bun:"email,notnull"`
	PasswordEncrypted string `bun:"password_encrypted,notnull,default:''"`

	AccessToken string `bun:"access_token,notnull,default:''"`
	DeviceID    string `bun:"device_id,notnull,default:''"`
	UserAgent   string `bun:"user_agent,notnull,default:''"`
	Cookies     string `bun:"cookies,notnull,default:''"`

	CreditsRemaining   int       `bun:"credits_remaining,notnull,default:0"`
	CreditsLastChecked time.Time `bun:"credits_last_checked,nullzero"`
	CreditsResetAt     time.Time `bun:"credits_reset_at,nullzero"`

	Status   string `bun:"status,notnull"`
	Leased   bool   `bun:"leased,notnull,default:false"`
	LastUsed time.Time `bun:"last_used,nullzero"`

	CreatedAt time.Time `bun:"created_at,nullzero,notnull,default:current_timestamp"`
	UpdatedAt time.Time `bun:"updated_at,nullzero,notnull,default:current_timestamp"`
}

func (m *accountModel) toAccount() *account.Account {
	return &account.Account{
		ID:                m.ID,
		Platform:          m.Platform,
		Email:             m.Email,
		PasswordEncrypted: m.PasswordEncrypted,
		Session: account.Session{
			AccessToken: m.AccessToken,
			DeviceID:    m.DeviceID,
			UserAgent:   m.UserAgent,
			Cookies:     m.Cookies,
		},
		CreditsRemaining:   m.CreditsRemaining,
		CreditsLastChecked: m.CreditsLastChecked,
		CreditsResetAt:     m.CreditsResetAt,
		Status:             account.Status(m.Status),
		Leased:             m.Leased,
		LastUsed:           m.LastUsed,
		CreatedAt:          m.CreatedAt,
		UpdatedAt:          m.UpdatedAt,
	}
}

func fromAccount(a *account.Account) *accountModel {
	return &accountModel{
		ID:                 a.ID,
		Platform:           a.Platform,
		Email:              a.Email,
		PasswordEncrypted:  a.PasswordEncrypted,
		AccessToken:        a.Session.AccessToken,
		DeviceID:           a.Session.DeviceID,
		UserAgent:          a.Session.UserAgent,
		Cookies:            a.Session.Cookies,
		CreditsRemaining:   a.CreditsRemaining,
		CreditsLastChecked: a.CreditsLastChecked,
		CreditsResetAt:     a.CreditsResetAt,
		Status:             string(a.Status),
		Leased:             a.Leased,
		LastUsed:           a.LastUsed,
		CreatedAt:          a.CreatedAt,
		UpdatedAt:          a.UpdatedAt,
	}
}

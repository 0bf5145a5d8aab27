// Package remote is the HTTP adapter for the third-party video
// generation API: submit, list_pending, wait_for_completion, get_credits.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"videopipe/internal/account"
	apperr "videopipe/internal/errors"
	"videopipe/internal/interfaces"
	"videopipe/internal/job"
	"videopipe/internal/logger"
	"videopipe/internal/ratelimit"
)

// Client implements interfaces.Remote against a single base URL.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

var _ interfaces.Remote = (*Client)(nil)

// New builds a remote client with the same connection-reuse shape the
// teacher uses for its CDN fetcher.
func New(baseURL string) *Client {
	return &Client{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: 60 * time.Second,
			Transport: &http.Transport{
				MaxIdleConns:    20,
				IdleConnTimeout: 90 * time.Second,
			},
		},
	}
}

type submitRequest struct {
	Prompt      string `json:"prompt"`
	Duration    int    `json:"duration"`
	AspectRatio string `json:"aspect_ratio"`
	ImagePath   string `json:"image_path,omitempty"`
}

type submitResponse struct {
	TaskID string `json:"task_id"`
}

// Submit issues a generation request and returns the remote task id.
func (c *Client) Submit(ctx context.Context, sess account.Session, spec job.Spec) (string, error) {
	if !ratelimit.SubmitLimiter.Allow() {
		return "", apperr.New("remote.Submit", apperr.ErrHeavyLoad)
	}

	body := submitRequest{
		Prompt:      spec.Prompt,
		Duration:    spec.Duration,
		AspectRatio: string(spec.AspectRatio),
		ImagePath:   spec.ImagePath,
	}

	var out submitResponse
	if err := c.doJSON(ctx, http.MethodPost, "/v1/generate", sess, body, &out); err != nil {
		return "", err
	}
	return out.TaskID, nil
}

type listPendingResponse struct {
	Items []struct {
		ID               string  `json:"id"`
		Prompt           string  `json:"prompt"`
		ProgressFraction float64 `json:"progress_fraction"`
	} `json:"items"`
}

// ListPending returns the account's currently in-flight remote tasks.
func (c *Client) ListPending(ctx context.Context, sess account.Session) ([]interfaces.PendingEntry, error) {
	if !ratelimit.ListPendingLimiter.Allow() {
		return nil, apperr.New("remote.ListPending", apperr.ErrHeavyLoad)
	}

	var out listPendingResponse
	if err := c.doJSON(ctx, http.MethodGet, "/v1/tasks/pending", sess, nil, &out); err != nil {
		return nil, err
	}

	entries := make([]interfaces.PendingEntry, 0, len(out.Items))
	for _, item := range out.Items {
		entries = append(entries, interfaces.PendingEntry{
			ID:               item.ID,
			Prompt:           item.Prompt,
			ProgressFraction: item.ProgressFraction,
		})
	}
	return entries, nil
}

type completionResponse struct {
	Status       string `json:"status"`
	DownloadURL  string `json:"download_url"`
	ID           string `json:"id"`
	GenerationID string `json:"generation_id"`
	Error        string `json:"error"`
}

// WaitForCompletion polls the remote task once with a bounded timeout,
// per the poller's own outer retry loop owning the 30s-per-call budget.
func (c *Client) WaitForCompletion(ctx context.Context, sess account.Session, taskID string, timeout time.Duration) (interfaces.CompletionResult, error) {
	if !ratelimit.WaitForCompletionLimiter.Allow() {
		return interfaces.CompletionResult{}, apperr.New("remote.WaitForCompletion", apperr.ErrHeavyLoad)
	}

	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var out completionResponse
	path := fmt.Sprintf("/v1/tasks/%s/wait", taskID)
	if err := c.doJSON(callCtx, http.MethodGet, path, sess, nil, &out); err != nil {
		return interfaces.CompletionResult{}, err
	}

	return interfaces.CompletionResult{
		Status:       interfaces.CompletionStatus(out.Status),
		DownloadURL:  out.DownloadURL,
		ID:           out.ID,
		GenerationID: out.GenerationID,
		Error:        out.Error,
	}, nil
}

type creditsResponse struct {
	Credits int `json:"credits"`
}

// GetCredits returns the account's remaining generation credits.
func (c *Client) GetCredits(ctx context.Context, sess account.Session) (int, error) {
	if !ratelimit.GetCreditsLimiter.Allow() {
		return 0, apperr.New("remote.GetCredits", apperr.ErrHeavyLoad)
	}

	var out creditsResponse
	if err := c.doJSON(ctx, http.MethodGet, "/v1/account/credits", sess, nil, &out); err != nil {
		return 0, err
	}
	return out.Credits, nil
}

// doJSON performs one authenticated JSON round trip and classifies any
// non-2xx response into the taxonomy errors.Classify dispatches on.
func (c *Client) doJSON(ctx context.Context, method, path string, sess account.Session, reqBody, respBody any) error {
	var bodyReader io.Reader
	if reqBody != nil {
		buf, err := json.Marshal(reqBody)
		if err != nil {
			return apperr.Wrap("remote.doJSON", err)
		}
		bodyReader = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bodyReader)
	if err != nil {
		return apperr.Wrap("remote.doJSON", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if sess.AccessToken != "" {
		req.Header.Set("Authorization", "Bearer "+sess.AccessToken)
	}
	if sess.DeviceID != "" {
		req.Header.Set("X-Device-Id", sess.DeviceID)
	}
	if sess.UserAgent != "" {
		req.Header.Set("User-Agent", sess.UserAgent)
	}
	if sess.Cookies != "" {
		req.Header.Set("Cookie", sess.Cookies)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return apperr.New("remote.doJSON", apperr.ErrTransient)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return apperr.Wrap("remote.doJSON", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		logger.Log.Warn().
			Str("path", path).
			Int("status", resp.StatusCode).
			Msg("remote call returned error status")
		return classifyUpstream(resp.StatusCode, raw)
	}

	if respBody == nil || len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, respBody); err != nil {
		return apperr.Wrap("remote.doJSON", err)
	}
	return nil
}

type upstreamError struct {
	Error string `json:"error"`
}

// classifyUpstream maps an upstream failure to the closed error taxonomy
// (§9 of the expanded spec). The mapped sentinel is then dispatchable
// via errors.Classify's errors.Is fast path, not just its message-sniffing
// fallback.
func classifyUpstream(status int, raw []byte) error {
	var parsed upstreamError
	_ = json.Unmarshal(raw, &parsed)
	msg := strings.ToLower(parsed.Error)
	if msg == "" {
		msg = strings.ToLower(string(raw))
	}

	switch {
	case status == http.StatusUnauthorized || strings.Contains(msg, "unauthorized") || strings.Contains(msg, "token"):
		return apperr.New("remote", apperr.ErrUnauthorized)
	case strings.Contains(msg, "phone_number_required") || strings.Contains(msg, "phone_required"):
		return apperr.New("remote", apperr.ErrPhoneRequired)
	case strings.Contains(msg, "quota") || strings.Contains(msg, "credit"):
		return apperr.New("remote", apperr.ErrNoCredits)
	case strings.Contains(msg, "too_many_concurrent") || strings.Contains(msg, "concurrent_tasks"):
		return apperr.New("remote", apperr.ErrTooManyConcurrentTasks)
	case status == http.StatusTooManyRequests || strings.Contains(msg, "heavy_load") || strings.Contains(msg, "heavy load"):
		return apperr.New("remote", apperr.ErrHeavyLoad)
	default:
		return apperr.New("remote", apperr.ErrTransient)
	}
}

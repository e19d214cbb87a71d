package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const maxResponseBytes = 1 << 20

// Client は変換サービスAPIのステートレスなファサードです。
// 各メソッドは独立した1往復のHTTP呼び出しで、失敗は必ず *Error として返します。
type Client struct {
	baseURL string
	http    *http.Client
}

// NewClient は Client を作成します。
func NewClient(baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: timeout},
	}
}

// SubmitAuthToken は認証用のクッキー一式を POST /upload-cookies に送信します。
func (c *Client) SubmitAuthToken(ctx context.Context, token json.RawMessage) error {
	if len(token) == 0 {
		return &Error{Kind: KindRejected, Message: "no credentials to upload"}
	}
	body := struct {
		Cookies json.RawMessage `json:"cookies"`
	}{Cookies: token}

	var resp errorEnvelope
	return c.do(ctx, http.MethodPost, "/upload-cookies", body, &resp, "Failed to upload cookies")
}

// StartJob は POST /download-with-progress で変換ジョブを開始し、ジョブIDを返します。
func (c *Client) StartJob(ctx context.Context, sourceURL, filename string) (string, error) {
	var resp startResponse
	err := c.do(ctx, http.MethodPost, "/download-with-progress", startRequest{
		URL:      sourceURL,
		Filename: filename,
	}, &resp, "Conversion failed")
	if err != nil {
		return "", err
	}
	if resp.DownloadID == "" {
		message := resp.Error
		if message == "" {
			message = "remote returned no download_id"
		}
		return "", &Error{Kind: KindRejected, StatusCode: http.StatusOK, Message: message}
	}
	return resp.DownloadID, nil
}

// FetchProgress は GET /progress/{id} でジョブの進捗を取得します。
func (c *Client) FetchProgress(ctx context.Context, jobID string) (*Progress, error) {
	if jobID == "" {
		return nil, &Error{Kind: KindRejected, Message: "jobID is required"}
	}
	var resp progressResponse
	if err := c.do(ctx, http.MethodGet, "/progress/"+url.PathEscape(jobID), nil, &resp, "Failed to get progress"); err != nil {
		return nil, err
	}

	progress := &Progress{
		Status:   resp.Status,
		Progress: resp.Progress,
	}
	switch resp.Status {
	case StatusComplete:
		progress.IsTerminal = true
		progress.ArtifactURL = resp.DownloadURL
		progress.Filename = resp.Filename
	case StatusError:
		progress.Failed = true
	default:
		// 2xx でも error が入っていれば失敗として扱う
		if resp.Error != "" {
			progress.Failed = true
		}
	}
	if progress.Failed && progress.Progress == "" {
		progress.Progress = resp.Error
	}
	return progress, nil
}

// ListActiveJobs は GET /active-downloads で実行中ジョブを新しい順に取得します。
func (c *Client) ListActiveJobs(ctx context.Context) ([]JobSummary, error) {
	var resp activeResponse
	if err := c.do(ctx, http.MethodGet, "/active-downloads", nil, &resp, "Failed to list active downloads"); err != nil {
		return nil, err
	}
	return resp.Downloads, nil
}

func (c *Client) do(ctx context.Context, method, path string, in, out any, fallback string) error {
	var body io.Reader
	if in != nil {
		payload, err := json.Marshal(in)
		if err != nil {
			return transportError(fmt.Errorf("failed to encode request: %w", err))
		}
		body = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return transportError(err)
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	res, err := c.http.Do(req)
	if err != nil {
		return transportError(err)
	}
	defer res.Body.Close()

	data, err := io.ReadAll(io.LimitReader(res.Body, maxResponseBytes))
	if err != nil {
		return transportError(fmt.Errorf("failed to read response: %w", err))
	}

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		var envelope errorEnvelope
		_ = json.Unmarshal(data, &envelope)
		return rejectedError(res.StatusCode, envelope.Error, fallback)
	}

	if out == nil || len(bytes.TrimSpace(data)) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return transportError(fmt.Errorf("invalid response from %s: %w", path, err))
	}
	return nil
}

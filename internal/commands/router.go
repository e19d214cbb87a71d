// Package commands は表示層からのコマンドをジョブコントローラーへ振り分けます。
package commands

import (
	"context"
	"errors"
	"log"

	"github.com/yourusername/music-ripper/internal/jobs"
)

// コマンド名
const (
	ActionStartConversion   = "startConversion"
	ActionCheckProgress     = "checkProgress"
	ActionGetActiveDownload = "getActiveDownload"
	ActionCancelDownload    = "cancelDownload"
	ActionUploadCookies     = "uploadCookies"
)

// UploadSuccessMessage は認証情報の送信に成功したときの応答文です。
const UploadSuccessMessage = "YouTube cookies uploaded successfully"

// Controller は Router が委譲するジョブコントローラーの操作です。
type Controller interface {
	Start(ctx context.Context, sourceURL, filename string) (string, error)
	Cancel() error
	Progress() (string, bool)
	Current() jobs.Record
	UploadCredentials(ctx context.Context) error
}

// Command は表示層から届くコマンドです。
type Command struct {
	Action     string `json:"action"`
	YoutubeURL string `json:"youtubeUrl,omitempty"`
	Filename   string `json:"filename,omitempty"`
}

// Reply はコマンドの結果です。Err が nil でなければ Body は空です。
type Reply struct {
	Body any
	Err  error
}

// StartResult は startConversion の成功応答です。
type StartResult struct {
	Success    bool   `json:"success"`
	DownloadID string `json:"download_id"`
}

// ProgressResult は checkProgress の応答です。
type ProgressResult struct {
	Progress string `json:"progress"`
	Active   bool   `json:"active"`
}

// SuccessResult は cancelDownload と uploadCookies の成功応答です。
type SuccessResult struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
}

// Router はコマンドを非同期に実行し、結果をチャネルで返します。
// 状態はすべて Controller が持つため、同時に呼び出しても安全です。
type Router struct {
	ctrl   Controller
	logger *log.Logger
}

// NewRouter は Router を作成します。
func NewRouter(ctrl Controller, logger *log.Logger) (*Router, error) {
	if ctrl == nil {
		return nil, errors.New("controller is nil")
	}
	return &Router{ctrl: ctrl, logger: logger}, nil
}

// Dispatch はコマンドを別の goroutine で実行します。返すチャネルには結果が1件だけ届きます。
func (r *Router) Dispatch(ctx context.Context, cmd Command) <-chan Reply {
	replies := make(chan Reply, 1)
	go func() {
		defer close(replies)
		replies <- r.execute(ctx, cmd)
	}()
	return replies
}

// Start は startConversion を実行します。
func (r *Router) Start(ctx context.Context, sourceURL, filename string) <-chan Reply {
	return r.Dispatch(ctx, Command{Action: ActionStartConversion, YoutubeURL: sourceURL, Filename: filename})
}

// Cancel は cancelDownload を実行します。
func (r *Router) Cancel(ctx context.Context) <-chan Reply {
	return r.Dispatch(ctx, Command{Action: ActionCancelDownload})
}

// QueryProgress は checkProgress を実行します。
func (r *Router) QueryProgress(ctx context.Context) <-chan Reply {
	return r.Dispatch(ctx, Command{Action: ActionCheckProgress})
}

// QueryActiveJob は getActiveDownload を実行します。
func (r *Router) QueryActiveJob(ctx context.Context) <-chan Reply {
	return r.Dispatch(ctx, Command{Action: ActionGetActiveDownload})
}

// SubmitAuthToken は uploadCookies を実行します。
func (r *Router) SubmitAuthToken(ctx context.Context) <-chan Reply {
	return r.Dispatch(ctx, Command{Action: ActionUploadCookies})
}

func (r *Router) execute(ctx context.Context, cmd Command) Reply {
	switch cmd.Action {
	case ActionStartConversion:
		jobID, err := r.ctrl.Start(ctx, cmd.YoutubeURL, cmd.Filename)
		if err != nil {
			return Reply{Err: err}
		}
		return Reply{Body: StartResult{Success: true, DownloadID: jobID}}

	case ActionCheckProgress:
		status, active := r.ctrl.Progress()
		return Reply{Body: ProgressResult{Progress: status, Active: active}}

	case ActionGetActiveDownload:
		return Reply{Body: r.ctrl.Current()}

	case ActionCancelDownload:
		if err := r.ctrl.Cancel(); err != nil {
			return Reply{Err: err}
		}
		return Reply{Body: SuccessResult{Success: true}}

	case ActionUploadCookies:
		if err := r.ctrl.UploadCredentials(ctx); err != nil {
			r.logf("cookie upload failed: %v", err)
			return Reply{Err: err}
		}
		return Reply{Body: SuccessResult{Success: true, Message: UploadSuccessMessage}}

	default:
		return Reply{Err: &jobs.Error{Code: jobs.CodeInvalidInput, Message: "Unknown action: " + cmd.Action}}
	}
}

func (r *Router) logf(format string, args ...any) {
	if r.logger != nil {
		r.logger.Printf(format, args...)
		return
	}
	log.Printf(format, args...)
}

package jobs

import (
	"errors"

	"github.com/yourusername/music-ripper/internal/remote"
)

// エラーコード
const (
	CodeInvalidInput           = "INVALID_INPUT"
	CodeAuthRequired           = "AUTH_REQUIRED"
	CodeRemoteRejected         = "REMOTE_REJECTED"
	CodeTransportFailure       = "TRANSPORT_FAILURE"
	CodeNoActiveJob            = "NO_ACTIVE_JOB"
	CodeStartSuperseded        = "START_SUPERSEDED"
	CodeCredentialsUnavailable = "CREDENTIALS_UNAVAILABLE"
)

// ErrNoActiveJob はアクティブなジョブが無い状態でキャンセルされた場合に返されます。
var ErrNoActiveJob = errors.New("No active download")

// ErrNoCredentials は認証情報が取得できない場合に返されます。
var ErrNoCredentials = errors.New("no credentials available")

// Error はコマンドの呼び出し元へ返す分類済みのエラーです。
type Error struct {
	Code    string
	Message string
	Err     error
}

func (e *Error) Error() string {
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Err
}

func newError(code, message string, err error) *Error {
	return &Error{Code: code, Message: message, Err: err}
}

// classifyRemoteError はリモート呼び出しの失敗をコード付きエラーへ変換します。
// メッセージの書き換えは行いません。
func classifyRemoteError(err error) *Error {
	var jobErr *Error
	if errors.As(err, &jobErr) {
		return jobErr
	}
	var remoteErr *remote.Error
	if errors.As(err, &remoteErr) {
		if remoteErr.Kind == remote.KindRejected {
			return newError(CodeRemoteRejected, remoteErr.Message, err)
		}
		return newError(CodeTransportFailure, remoteErr.Message, err)
	}
	return newError(CodeTransportFailure, err.Error(), err)
}

// classifyStartError は開始失敗を分類し、認証要求であれば案内文に差し替えます。
func classifyStartError(err error) *Error {
	classified := classifyRemoteError(err)
	if classified.Code == CodeRemoteRejected && IsAuthChallenge(classified.Message) {
		return newError(CodeAuthRequired, AuthRequiredMessage, err)
	}
	return classified
}

package remote

import "errors"

// Kind はリモート呼び出しの失敗種別です。
type Kind string

const (
	// KindTransport はネットワーク障害・タイムアウト・不正なレスポンスを表します。
	KindTransport Kind = "transport"
	// KindRejected はサービスが非成功ステータスを返したことを表します。
	KindRejected Kind = "rejected"
)

// Error はリモート呼び出しの失敗を表します。Message はサービスの文言をそのまま保持します。
type Error struct {
	Kind       Kind
	StatusCode int
	Message    string
	Err        error
}

func (e *Error) Error() string {
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Err
}

// IsRejected は err がサービスからの拒否かどうかを返します。
func IsRejected(err error) bool {
	var remoteErr *Error
	return errors.As(err, &remoteErr) && remoteErr.Kind == KindRejected
}

func transportError(err error) *Error {
	return &Error{Kind: KindTransport, Message: err.Error(), Err: err}
}

func rejectedError(status int, message, fallback string) *Error {
	if message == "" {
		message = fallback
	}
	return &Error{Kind: KindRejected, StatusCode: status, Message: message}
}

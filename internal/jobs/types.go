package jobs

import "time"

// State はコントローラーが追跡しているジョブの段階を表します。
type State string

const (
	StateIdle      State = "idle"
	StateStarting  State = "starting"
	StatePolling   State = "polling"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
	StateCanceled  State = "canceled"
)

// 表示用ステータス文字列
const (
	StatusStarting = "Starting…"
	StatusCanceled = "Canceled by user"
	errorPrefix    = "Error: "
)

// Record は追跡中の唯一のジョブを表します。
// ID は開始リクエスト成功時に一度だけ設定され、以後変更されません。
type Record struct {
	ID              string    `json:"id"`
	Status          string    `json:"progress"`
	TargetFilename  string    `json:"filename"`
	SourceReference string    `json:"url"`
	IsActive        bool      `json:"active"`
	State           State     `json:"state"`
	UpdatedAt       time.Time `json:"updatedAt"`
}

// idleRecord は起動直後の既定レコードです。
func idleRecord() Record {
	return Record{State: StateIdle}
}

// IsTerminal は State が終端かどうかを返します。
func (s State) IsTerminal() bool {
	return s == StateCompleted || s == StateFailed || s == StateCanceled
}

func errorStatus(message string) string {
	return errorPrefix + message
}

// Package remote は変換サービスのHTTP APIを呼び出すクライアントを提供します。
package remote

// StatusComplete は進捗レスポンスの完了マーカーです。
const StatusComplete = "complete"

// StatusError はサービス側でジョブが失敗したことを表すステータスです。
const StatusError = "error"

// Progress は GET /progress/{id} の結果です。
type Progress struct {
	Status   string // サービスのステータス（starting, downloading, complete, error）
	Progress string // 表示用の進捗文字列（パーセンテージを含む場合あり）

	// IsTerminal は完了マーカーを受け取った場合のみ true になります。
	IsTerminal bool
	// Failed はサービス側でジョブが失敗していた場合に true になります。
	Failed bool

	ArtifactURL string // 完了時のみ
	Filename    string // 完了時のみ
}

// JobSummary は GET /active-downloads の1件分です。
type JobSummary struct {
	ID       string `json:"id"`
	Status   string `json:"status,omitempty"`
	Progress string `json:"progress"`
	Filename string `json:"filename"`
	URL      string `json:"url"`
}

type startRequest struct {
	URL      string `json:"url"`
	Filename string `json:"filename"`
}

type startResponse struct {
	DownloadID string `json:"download_id"`
	Error      string `json:"error,omitempty"`
}

type progressResponse struct {
	Progress    string `json:"progress"`
	Status      string `json:"status"`
	DownloadURL string `json:"download_url,omitempty"`
	Filename    string `json:"filename,omitempty"`
	Error       string `json:"error,omitempty"`
}

type activeResponse struct {
	Downloads []JobSummary `json:"downloads"`
}

type errorEnvelope struct {
	Error string `json:"error"`
}

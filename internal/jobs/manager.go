package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/yourusername/music-ripper/internal/remote"
)

// RemoteClient は変換サービスAPIのうち Manager が利用する操作です。
type RemoteClient interface {
	SubmitAuthToken(ctx context.Context, token json.RawMessage) error
	StartJob(ctx context.Context, sourceURL, filename string) (string, error)
	FetchProgress(ctx context.Context, jobID string) (*remote.Progress, error)
	ListActiveJobs(ctx context.Context) ([]remote.JobSummary, error)
}

// CredentialSource は送信用の認証情報（クッキー一式）を取得します。
type CredentialSource interface {
	Obtain(ctx context.Context) (json.RawMessage, error)
}

// ArtifactPersister は完了した成果物の保存を受け付けます。失敗はレコードに反映しません。
type ArtifactPersister interface {
	Persist(ctx context.Context, downloadURL, filename string) error
}

// HistoryRecorder はレコードのスナップショットを保存します。
type HistoryRecorder interface {
	Upsert(ctx context.Context, record *Record) error
}

// Options は Manager の動作設定です。
type Options struct {
	PollInterval       time.Duration
	CompletionCooldown time.Duration
	DefaultFilename    string

	Credentials CredentialSource
	Artifacts   ArtifactPersister
	History     HistoryRecorder
	Logger      *log.Logger
}

// Manager はプロセス内で唯一のジョブレコードを所有する状態機械です。
// レコードの書き換えはすべて mu の内側で行い、ネットワーク呼び出し中はロックを保持しません。
// 世代番号 gen はレコードが置き換わるたびに進み、古い応答の破棄に使います。
type Manager struct {
	remote RemoteClient
	opts   Options

	mu       sync.Mutex
	record   Record
	gen      uint64
	stopPoll context.CancelFunc
	cooldown *time.Timer

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	now    func() time.Time
}

// NewManager は待機状態の Manager を作成します。
func NewManager(client RemoteClient, opts Options) (*Manager, error) {
	if client == nil {
		return nil, errors.New("remote client is nil")
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 500 * time.Millisecond
	}
	if opts.CompletionCooldown < 0 {
		opts.CompletionCooldown = 0
	}
	if opts.DefaultFilename == "" {
		opts.DefaultFilename = "audio"
	}

	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		remote: client,
		opts:   opts,
		ctx:    ctx,
		cancel: cancel,
		now:    time.Now,
	}
	m.record = idleRecord()
	m.record.UpdatedAt = m.now().UTC()
	return m, nil
}

// Start はジョブを開始します。
// レコードは同期的に開始中の形へ置き換わり、開始リクエスト成功後にポーリングを始めます。
func (m *Manager) Start(ctx context.Context, sourceURL, filename string) (string, error) {
	sourceURL = strings.TrimSpace(sourceURL)
	filename = strings.TrimSpace(filename)
	if sourceURL == "" {
		return "", newError(CodeInvalidInput, "YouTube URL is required", nil)
	}

	recordName := filename
	if recordName == "" {
		recordName = m.opts.DefaultFilename
	}

	m.mu.Lock()
	m.stopLocked()
	m.gen++
	gen := m.gen
	m.record = Record{
		Status:          StatusStarting,
		TargetFilename:  recordName,
		SourceReference: sourceURL,
		IsActive:        true,
		State:           StateStarting,
		UpdatedAt:       m.now().UTC(),
	}
	m.mu.Unlock()

	// 認証情報の送信はベストエフォート。失敗しても開始は続行する
	if err := m.uploadCredentials(ctx); err != nil {
		m.logf("credential upload skipped: %v", err)
	}

	jobID, startErr := m.remote.StartJob(ctx, sourceURL, filename)

	m.mu.Lock()
	if m.gen != gen {
		m.mu.Unlock()
		if startErr != nil {
			return "", classifyStartError(startErr)
		}
		m.logf("start superseded job=%s", jobID)
		return "", newError(CodeStartSuperseded, "download was canceled or replaced before it started", nil)
	}

	if startErr != nil {
		jobErr := classifyStartError(startErr)
		m.record.Status = errorStatus(jobErr.Message)
		m.record.IsActive = false
		m.record.State = StateIdle
		m.record.UpdatedAt = m.now().UTC()
		m.mu.Unlock()
		m.logf("start failed url=%s: %v", sourceURL, startErr)
		return "", jobErr
	}

	m.record.ID = jobID
	m.record.State = StatePolling
	m.record.UpdatedAt = m.now().UTC()
	snapshot := m.record
	pollCtx := m.beginPollLocked()
	m.mu.Unlock()

	m.saveHistory(&snapshot)
	m.launchPoll(pollCtx, gen, jobID)
	return jobID, nil
}

// Cancel はアクティブなジョブの追跡を即座に打ち切ります。
// すでに発行済みのリクエストは中断しませんが、その応答は破棄されます。
func (m *Manager) Cancel() error {
	m.mu.Lock()
	if !m.record.IsActive {
		m.mu.Unlock()
		return newError(CodeNoActiveJob, ErrNoActiveJob.Error(), ErrNoActiveJob)
	}

	m.stopLocked()
	m.gen++
	previous := m.record
	m.record = Record{
		Status:    StatusCanceled,
		State:     StateCanceled,
		UpdatedAt: m.now().UTC(),
	}
	m.mu.Unlock()

	if previous.ID != "" {
		previous.Status = StatusCanceled
		previous.IsActive = false
		previous.State = StateCanceled
		previous.UpdatedAt = m.now().UTC()
		m.saveHistory(&previous)
	}
	m.logf("job canceled by user job=%s", previous.ID)
	return nil
}

// Progress は現在のステータス文字列と isActive を返します。ネットワークにはアクセスしません。
func (m *Manager) Progress() (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.record.Status, m.record.IsActive
}

// Current は現在のレコードのスナップショットを返します。
func (m *Manager) Current() Record {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.record
}

// Resume はサービス側で実行中のジョブを取り込み、ポーリングを再開します。
// 実行中かどうかはサービス側を正とします。実行中ジョブが無ければレコードは変更しません。
func (m *Manager) Resume(ctx context.Context) error {
	active, err := m.remote.ListActiveJobs(ctx)
	if err != nil {
		return classifyRemoteError(err)
	}
	if len(active) == 0 {
		return nil
	}
	latest := active[0]

	m.mu.Lock()
	if m.record.IsActive {
		m.mu.Unlock()
		m.logf("resume skipped: job already tracked")
		return nil
	}
	m.stopLocked()
	m.gen++
	gen := m.gen
	m.record = Record{
		ID:              latest.ID,
		Status:          latest.Progress,
		TargetFilename:  latest.Filename,
		SourceReference: latest.URL,
		IsActive:        true,
		State:           StatePolling,
		UpdatedAt:       m.now().UTC(),
	}
	snapshot := m.record
	pollCtx := m.beginPollLocked()
	m.mu.Unlock()

	m.logf("resumed active job=%s", latest.ID)
	m.saveHistory(&snapshot)
	m.launchPoll(pollCtx, gen, latest.ID)
	return nil
}

// UploadCredentials は認証情報を取得して送信します。失敗は呼び出し元へ返します。
func (m *Manager) UploadCredentials(ctx context.Context) error {
	return m.uploadCredentials(ctx)
}

// Shutdown はポーリングとクールダウンを停止し、ポーリング goroutine の終了を待ちます。
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	m.stopLocked()
	m.mu.Unlock()
	m.cancel()

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *Manager) uploadCredentials(ctx context.Context) error {
	if m.opts.Credentials == nil {
		return newError(CodeCredentialsUnavailable, ErrNoCredentials.Error(), ErrNoCredentials)
	}
	token, err := m.opts.Credentials.Obtain(ctx)
	if err != nil {
		return newError(CodeCredentialsUnavailable, err.Error(), err)
	}
	if err := m.remote.SubmitAuthToken(ctx, token); err != nil {
		return classifyRemoteError(err)
	}
	return nil
}

// beginPollLocked はポーリング用のコンテキストを作成します。mu を保持して呼び出すこと。
func (m *Manager) beginPollLocked() context.Context {
	pollCtx, cancel := context.WithCancel(m.ctx)
	m.stopPoll = cancel
	return pollCtx
}

// stopLocked は実行中のポーリングとクールダウンを止めます。mu を保持して呼び出すこと。
func (m *Manager) stopLocked() {
	m.releasePollLocked()
	if m.cooldown != nil {
		m.cooldown.Stop()
		m.cooldown = nil
	}
}

func (m *Manager) launchPoll(ctx context.Context, gen uint64, jobID string) {
	m.wg.Add(1)
	go m.pollLoop(ctx, gen, jobID)
}

// pollLoop は終端に達するかキャンセルされるまで進捗を取得し続けます。
func (m *Manager) pollLoop(ctx context.Context, gen uint64, jobID string) {
	defer m.wg.Done()

	for {
		if !m.isCurrent(gen) {
			return
		}

		progress, err := m.remote.FetchProgress(ctx, jobID)
		if ctx.Err() != nil {
			return
		}
		if done := m.applyProgress(gen, jobID, progress, err); done {
			return
		}

		timer := time.NewTimer(m.opts.PollInterval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

func (m *Manager) isCurrent(gen uint64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.gen == gen && m.record.IsActive
}

// applyProgress は1回分の取得結果をレコードへ反映し、ポーリングを終えるべきかを返します。
func (m *Manager) applyProgress(gen uint64, jobID string, progress *remote.Progress, fetchErr error) bool {
	m.mu.Lock()
	if m.gen != gen || !m.record.IsActive || m.record.ID != jobID {
		// キャンセル・置き換え後に届いた応答
		m.mu.Unlock()
		return true
	}

	now := m.now().UTC()
	m.record.UpdatedAt = now

	switch {
	case fetchErr != nil:
		m.failLocked(errorStatus(classifyRemoteError(fetchErr).Message))
		snapshot := m.record
		m.mu.Unlock()
		m.logf("poll failed job=%s: %v", jobID, fetchErr)
		m.saveHistory(&snapshot)
		return true

	case progress == nil:
		m.failLocked(errorStatus("empty progress response"))
		snapshot := m.record
		m.mu.Unlock()
		m.saveHistory(&snapshot)
		return true

	case progress.Failed:
		status := progress.Progress
		if status == "" {
			status = "Download failed"
		}
		if !strings.HasPrefix(status, "Error:") {
			status = errorStatus(status)
		}
		m.failLocked(status)
		snapshot := m.record
		m.mu.Unlock()
		m.logf("remote reported failure job=%s: %s", jobID, status)
		m.saveHistory(&snapshot)
		return true

	case progress.IsTerminal:
		if progress.Progress != "" {
			m.record.Status = progress.Progress
		}
		m.record.State = StateCompleted
		m.releasePollLocked()
		m.cooldown = time.AfterFunc(m.opts.CompletionCooldown, func() {
			m.finishCooldown(gen)
		})
		snapshot := m.record
		m.mu.Unlock()

		m.saveHistory(&snapshot)
		m.persistArtifact(progress.ArtifactURL, progress.Filename)
		return true

	default:
		if progress.Progress != "" {
			m.record.Status = progress.Progress
		}
		m.mu.Unlock()
		return false
	}
}

// failLocked はレコードを失敗として確定させます。mu を保持して呼び出すこと。
func (m *Manager) failLocked(status string) {
	m.record.Status = status
	m.record.IsActive = false
	m.record.State = StateFailed
	m.releasePollLocked()
}

// releasePollLocked は終端に達したポーリングのコンテキストを解放します。mu を保持して呼び出すこと。
func (m *Manager) releasePollLocked() {
	if m.stopPoll != nil {
		m.stopPoll()
		m.stopPoll = nil
	}
}

// finishCooldown は完了後の猶予が過ぎたレコードを非アクティブにします。
func (m *Manager) finishCooldown(gen uint64) {
	m.mu.Lock()
	if m.gen != gen || m.record.State != StateCompleted {
		m.mu.Unlock()
		return
	}
	m.record.IsActive = false
	m.record.UpdatedAt = m.now().UTC()
	m.cooldown = nil
	snapshot := m.record
	m.mu.Unlock()

	m.saveHistory(&snapshot)
}

func (m *Manager) persistArtifact(downloadURL, filename string) {
	if m.opts.Artifacts == nil {
		m.logf("no artifact persister configured; skipping %s", downloadURL)
		return
	}
	if err := m.opts.Artifacts.Persist(m.ctx, downloadURL, filename); err != nil {
		m.logf("failed to persist artifact url=%s: %v", downloadURL, err)
	}
}

func (m *Manager) saveHistory(record *Record) {
	if m.opts.History == nil || record.ID == "" {
		return
	}
	if err := m.opts.History.Upsert(m.ctx, record); err != nil {
		m.logf("failed to save history job=%s: %v", record.ID, err)
	}
}

func (m *Manager) logf(format string, args ...any) {
	if m.opts.Logger != nil {
		m.opts.Logger.Printf(format, args...)
		return
	}
	log.Printf(format, args...)
}

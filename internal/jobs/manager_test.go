package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"sync"
	"testing"
	"time"

	"github.com/yourusername/music-ripper/internal/remote"
)

type progressStep struct {
	progress *remote.Progress
	err      error
}

// fakeRemote は台本どおりに応答する RemoteClient です。
type fakeRemote struct {
	mu sync.Mutex

	startIDs  []string
	startErr  error
	startGate chan struct{}
	starts    []string

	steps           []progressStep
	progressGate    chan struct{}
	progressEntered chan struct{}
	ignoreCtx       bool
	progressCalls   int
	progressCtxs    []context.Context

	active    []remote.JobSummary
	activeErr error

	uploads   int
	uploadErr error
}

func (f *fakeRemote) SubmitAuthToken(ctx context.Context, token json.RawMessage) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.uploads++
	return f.uploadErr
}

func (f *fakeRemote) StartJob(ctx context.Context, sourceURL, filename string) (string, error) {
	if f.startGate != nil {
		<-f.startGate
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.starts = append(f.starts, sourceURL)
	if f.startErr != nil {
		return "", f.startErr
	}
	id := f.startIDs[0]
	if len(f.startIDs) > 1 {
		f.startIDs = f.startIDs[1:]
	}
	return id, nil
}

func (f *fakeRemote) FetchProgress(ctx context.Context, jobID string) (*remote.Progress, error) {
	f.mu.Lock()
	f.progressCtxs = append(f.progressCtxs, ctx)
	f.mu.Unlock()
	if f.progressEntered != nil {
		f.progressEntered <- struct{}{}
	}
	if f.progressGate != nil {
		if f.ignoreCtx {
			<-f.progressGate
		} else {
			select {
			case <-f.progressGate:
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.progressCalls++
	if len(f.steps) == 0 {
		return &remote.Progress{Status: "downloading", Progress: "working"}, nil
	}
	step := f.steps[0]
	if len(f.steps) > 1 {
		f.steps = f.steps[1:]
	}
	return step.progress, step.err
}

func (f *fakeRemote) ListActiveJobs(ctx context.Context) ([]remote.JobSummary, error) {
	return f.active, f.activeErr
}

func (f *fakeRemote) fetchContexts() []context.Context {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]context.Context(nil), f.progressCtxs...)
}

func (f *fakeRemote) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.progressCalls
}

type persistCall struct {
	url      string
	filename string
}

type fakePersister struct {
	mu    sync.Mutex
	calls []persistCall
}

func (p *fakePersister) Persist(ctx context.Context, downloadURL, filename string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls = append(p.calls, persistCall{url: downloadURL, filename: filename})
	return nil
}

func (p *fakePersister) snapshot() []persistCall {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]persistCall(nil), p.calls...)
}

type fakeHistory struct {
	mu      sync.Mutex
	records map[string]Record
}

func (h *fakeHistory) Upsert(ctx context.Context, record *Record) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.records == nil {
		h.records = map[string]Record{}
	}
	h.records[record.ID] = *record
	return nil
}

func (h *fakeHistory) get(id string) (Record, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	r, ok := h.records[id]
	return r, ok
}

type fakeCredentials struct {
	token json.RawMessage
	err   error
}

func (c *fakeCredentials) Obtain(ctx context.Context) (json.RawMessage, error) {
	return c.token, c.err
}

func newTestManager(t *testing.T, client *fakeRemote, opts Options) *Manager {
	t.Helper()
	if opts.PollInterval == 0 {
		opts.PollInterval = 5 * time.Millisecond
	}
	if opts.CompletionCooldown == 0 {
		opts.CompletionCooldown = 200 * time.Millisecond
	}
	opts.Logger = log.New(io.Discard, "", 0)
	m, err := NewManager(client, opts)
	if err != nil {
		t.Fatalf("NewManager returned error: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = m.Shutdown(ctx)
	})
	return m
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestManagerInitialRecordIsIdle(t *testing.T) {
	m := newTestManager(t, &fakeRemote{}, Options{})
	record := m.Current()
	if record.IsActive || record.ID != "" || record.State != StateIdle {
		t.Fatalf("unexpected initial record: %+v", record)
	}
}

func TestManagerStartPollAndComplete(t *testing.T) {
	client := &fakeRemote{
		startIDs:     []string{"42"},
		progressGate: make(chan struct{}),
		steps: []progressStep{
			{progress: &remote.Progress{Status: "running", Progress: "50%"}},
			{progress: &remote.Progress{
				Status:      "complete",
				Progress:    "Download complete!",
				IsTerminal:  true,
				ArtifactURL: "https://remote/song.mp3",
				Filename:    "song.mp3",
			}},
		},
	}
	persister := &fakePersister{}
	m := newTestManager(t, client, Options{Artifacts: persister})

	id, err := m.Start(context.Background(), "https://example.com/watch?v=abc", "song")
	if err != nil {
		t.Fatalf("Start returned error: %v", err)
	}
	if id != "42" {
		t.Fatalf("id = %q, want 42", id)
	}

	record := m.Current()
	if record.ID != "42" || !record.IsActive || record.Status != StatusStarting {
		t.Fatalf("unexpected record before first poll: %+v", record)
	}
	if record.TargetFilename != "song" || record.SourceReference != "https://example.com/watch?v=abc" {
		t.Fatalf("unexpected record fields: %+v", record)
	}

	client.progressGate <- struct{}{}
	waitFor(t, "50% status", func() bool {
		status, active := m.Progress()
		return status == "50%" && active
	})

	client.progressGate <- struct{}{}
	waitFor(t, "artifact persistence", func() bool {
		return len(persister.snapshot()) == 1
	})

	calls := persister.snapshot()
	if calls[0] != (persistCall{url: "https://remote/song.mp3", filename: "song.mp3"}) {
		t.Fatalf("unexpected persist call: %+v", calls[0])
	}

	status, active := m.Progress()
	if !active {
		t.Fatal("record must stay active during the cooldown")
	}
	if status != "Download complete!" {
		t.Fatalf("status = %q", status)
	}

	waitFor(t, "cooldown", func() bool {
		_, active := m.Progress()
		return !active
	})
	if got := len(persister.snapshot()); got != 1 {
		t.Fatalf("persist called %d times, want 1", got)
	}
	if m.Current().State != StateCompleted {
		t.Fatalf("state = %s, want completed", m.Current().State)
	}
}

func TestManagerStartAuthChallengeIsRewritten(t *testing.T) {
	client := &fakeRemote{startErr: &remote.Error{
		Kind:       remote.KindRejected,
		StatusCode: 500,
		Message:    "Error processing video: Sign in to confirm you're not a bot",
	}}
	m := newTestManager(t, client, Options{})

	_, err := m.Start(context.Background(), "https://example.com/watch?v=abc", "")
	var jobErr *Error
	if !errors.As(err, &jobErr) {
		t.Fatalf("expected *Error, got %v", err)
	}
	if jobErr.Code != CodeAuthRequired || jobErr.Message != AuthRequiredMessage {
		t.Fatalf("unexpected error: %+v", jobErr)
	}

	record := m.Current()
	if record.IsActive {
		t.Fatal("record must be inactive after a failed start")
	}
	if record.Status != "Error: "+AuthRequiredMessage {
		t.Fatalf("status = %q", record.Status)
	}
}

func TestManagerStartTransportFailureKeepsMessage(t *testing.T) {
	client := &fakeRemote{startErr: &remote.Error{Kind: remote.KindTransport, Message: "dial tcp: connection refused"}}
	m := newTestManager(t, client, Options{})

	_, err := m.Start(context.Background(), "https://example.com", "x")
	if err == nil || err.Error() != "dial tcp: connection refused" {
		t.Fatalf("unexpected error: %v", err)
	}
	if status, active := m.Progress(); active || status != "Error: dial tcp: connection refused" {
		t.Fatalf("unexpected progress: %q active=%v", status, active)
	}
	if client.calls() != 0 {
		t.Fatal("no poll must run after a failed start")
	}
}

func TestManagerStartRequiresURL(t *testing.T) {
	m := newTestManager(t, &fakeRemote{}, Options{})
	before := m.Current()

	_, err := m.Start(context.Background(), "   ", "x")
	var jobErr *Error
	if !errors.As(err, &jobErr) || jobErr.Code != CodeInvalidInput {
		t.Fatalf("unexpected error: %v", err)
	}
	if m.Current() != before {
		t.Fatal("record must not change on invalid input")
	}
}

func TestManagerStartUsesDefaultFilename(t *testing.T) {
	client := &fakeRemote{startIDs: []string{"1"}, progressGate: make(chan struct{})}
	m := newTestManager(t, client, Options{DefaultFilename: "audio"})

	if _, err := m.Start(context.Background(), "https://example.com", ""); err != nil {
		t.Fatalf("Start returned error: %v", err)
	}
	if name := m.Current().TargetFilename; name != "audio" {
		t.Fatalf("TargetFilename = %q, want audio", name)
	}
}

func TestManagerCancelWithoutActiveJob(t *testing.T) {
	m := newTestManager(t, &fakeRemote{}, Options{})
	before := m.Current()

	err := m.Cancel()
	if !errors.Is(err, ErrNoActiveJob) {
		t.Fatalf("Cancel error = %v, want ErrNoActiveJob", err)
	}
	if err.Error() != "No active download" {
		t.Fatalf("message = %q", err.Error())
	}
	if m.Current() != before {
		t.Fatal("record must not change")
	}
}

func TestManagerCancelDiscardsInFlightPoll(t *testing.T) {
	client := &fakeRemote{
		startIDs:     []string{"42"},
		progressGate:    make(chan struct{}),
		progressEntered: make(chan struct{}, 1),
		ignoreCtx:       true,
		steps: []progressStep{
			{progress: &remote.Progress{Status: "running", Progress: "50%"}},
		},
	}
	history := &fakeHistory{}
	m := newTestManager(t, client, Options{History: history})

	if _, err := m.Start(context.Background(), "https://example.com", "song"); err != nil {
		t.Fatalf("Start returned error: %v", err)
	}

	// 取得が発行済みになるまで待ってからキャンセルする
	select {
	case <-client.progressEntered:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for the first progress request")
	}

	if err := m.Cancel(); err != nil {
		t.Fatalf("Cancel returned error: %v", err)
	}
	record := m.Current()
	if record.IsActive || record.Status != StatusCanceled || record.ID != "" {
		t.Fatalf("unexpected record after cancel: %+v", record)
	}

	// 発行済みの取得を完了させても、レコードは変わらない
	select {
	case client.progressGate <- struct{}{}:
	case <-time.After(2 * time.Second):
		t.Fatal("in-flight progress request was never released")
	}
	time.Sleep(30 * time.Millisecond)

	if got := m.Current(); got != record {
		t.Fatalf("record changed after cancel: %+v", got)
	}
	if calls := client.calls(); calls != 1 {
		t.Fatalf("progress calls = %d, want 1", calls)
	}

	hist, ok := history.get("42")
	if !ok || hist.State != StateCanceled || hist.IsActive {
		t.Fatalf("unexpected history: %+v ok=%v", hist, ok)
	}

	if err := m.Cancel(); !errors.Is(err, ErrNoActiveJob) {
		t.Fatalf("second cancel error = %v", err)
	}
}

func TestApplyProgressDiscardsStaleResponse(t *testing.T) {
	client := &fakeRemote{startIDs: []string{"42"}, progressGate: make(chan struct{})}
	m := newTestManager(t, client, Options{})

	if _, err := m.Start(context.Background(), "https://example.com", "song"); err != nil {
		t.Fatalf("Start returned error: %v", err)
	}
	m.mu.Lock()
	staleGen := m.gen - 1
	m.mu.Unlock()

	done := m.applyProgress(staleGen, "42", &remote.Progress{Status: "complete", Progress: "done", IsTerminal: true}, nil)
	if !done {
		t.Fatal("stale response must stop the loop that issued it")
	}
	if record := m.Current(); record.Status != StatusStarting || record.State != StatePolling {
		t.Fatalf("stale response was applied: %+v", record)
	}

	done = m.applyProgress(m.gen, "other", &remote.Progress{Progress: "99%"}, nil)
	if !done || m.Current().Status != StatusStarting {
		t.Fatal("response for another job id must be discarded")
	}
}

func TestManagerCancelDuringStart(t *testing.T) {
	client := &fakeRemote{startIDs: []string{"42"}, startGate: make(chan struct{})}
	m := newTestManager(t, client, Options{})

	errCh := make(chan error, 1)
	go func() {
		_, err := m.Start(context.Background(), "https://example.com", "song")
		errCh <- err
	}()

	waitFor(t, "starting record", func() bool {
		return m.Current().State == StateStarting
	})
	if err := m.Cancel(); err != nil {
		t.Fatalf("Cancel returned error: %v", err)
	}
	close(client.startGate)

	err := <-errCh
	var jobErr *Error
	if !errors.As(err, &jobErr) || jobErr.Code != CodeStartSuperseded {
		t.Fatalf("unexpected start error: %v", err)
	}
	record := m.Current()
	if record.IsActive || record.Status != StatusCanceled || record.ID != "" {
		t.Fatalf("canceled record was resurrected: %+v", record)
	}
	if client.calls() != 0 {
		t.Fatal("no poll must start for a superseded job")
	}
}

func TestManagerSecondStartReplacesFirst(t *testing.T) {
	client := &fakeRemote{startIDs: []string{"a", "b"}, progressGate: make(chan struct{})}
	m := newTestManager(t, client, Options{})

	if _, err := m.Start(context.Background(), "https://example.com/a", "first"); err != nil {
		t.Fatalf("first Start returned error: %v", err)
	}
	if _, err := m.Start(context.Background(), "https://example.com/b", ""); err != nil {
		t.Fatalf("second Start returned error: %v", err)
	}

	record := m.Current()
	want := Record{
		ID:              "b",
		Status:          StatusStarting,
		TargetFilename:  "audio",
		SourceReference: "https://example.com/b",
		IsActive:        true,
		State:           StatePolling,
		UpdatedAt:       record.UpdatedAt,
	}
	if record != want {
		t.Fatalf("record = %+v, want %+v", record, want)
	}
}

func TestManagerPollFailureEndsJob(t *testing.T) {
	client := &fakeRemote{
		startIDs: []string{"42"},
		steps: []progressStep{
			{err: &remote.Error{Kind: remote.KindRejected, StatusCode: 404, Message: "Download not found"}},
		},
	}
	m := newTestManager(t, client, Options{})

	if _, err := m.Start(context.Background(), "https://example.com", "x"); err != nil {
		t.Fatalf("Start returned error: %v", err)
	}
	waitFor(t, "failure", func() bool {
		_, active := m.Progress()
		return !active
	})

	record := m.Current()
	if record.Status != "Error: Download not found" || record.State != StateFailed {
		t.Fatalf("unexpected record: %+v", record)
	}
	time.Sleep(20 * time.Millisecond)
	if calls := client.calls(); calls != 1 {
		t.Fatalf("progress calls = %d, want 1", calls)
	}
}

func TestManagerRemoteErrorStatusEndsJob(t *testing.T) {
	client := &fakeRemote{
		startIDs: []string{"42"},
		steps: []progressStep{
			{progress: &remote.Progress{Status: "error", Progress: "Error: ffmpeg not found", Failed: true}},
		},
	}
	persister := &fakePersister{}
	m := newTestManager(t, client, Options{Artifacts: persister})

	if _, err := m.Start(context.Background(), "https://example.com", "x"); err != nil {
		t.Fatalf("Start returned error: %v", err)
	}
	waitFor(t, "failure", func() bool {
		_, active := m.Progress()
		return !active
	})
	if status, _ := m.Progress(); status != "Error: ffmpeg not found" {
		t.Fatalf("status = %q", status)
	}
	if len(persister.snapshot()) != 0 {
		t.Fatal("failed job must not persist an artifact")
	}
}

func TestManagerResumeAdoptsLatestActiveJob(t *testing.T) {
	client := &fakeRemote{
		progressGate: make(chan struct{}),
		active: []remote.JobSummary{
			{ID: "new", Progress: "12%", Filename: "b.mp3", URL: "https://example.com/b"},
			{ID: "old", Progress: "80%", Filename: "a.mp3", URL: "https://example.com/a"},
		},
	}
	m := newTestManager(t, client, Options{})

	if err := m.Resume(context.Background()); err != nil {
		t.Fatalf("Resume returned error: %v", err)
	}
	record := m.Current()
	if record.ID != "new" || !record.IsActive || record.Status != "12%" {
		t.Fatalf("unexpected record: %+v", record)
	}
	if record.TargetFilename != "b.mp3" || record.SourceReference != "https://example.com/b" {
		t.Fatalf("unexpected record fields: %+v", record)
	}

	client.progressGate <- struct{}{}
	waitFor(t, "poll after resume", func() bool { return client.calls() == 1 })
}

func TestManagerResumeWithoutActiveJobs(t *testing.T) {
	m := newTestManager(t, &fakeRemote{}, Options{})
	before := m.Current()

	if err := m.Resume(context.Background()); err != nil {
		t.Fatalf("Resume returned error: %v", err)
	}
	if m.Current() != before {
		t.Fatalf("record changed: %+v", m.Current())
	}
}

func TestManagerResumeFailureIsReported(t *testing.T) {
	client := &fakeRemote{activeErr: &remote.Error{Kind: remote.KindTransport, Message: "timeout"}}
	m := newTestManager(t, client, Options{})

	err := m.Resume(context.Background())
	var jobErr *Error
	if !errors.As(err, &jobErr) || jobErr.Code != CodeTransportFailure {
		t.Fatalf("unexpected error: %v", err)
	}
	if m.Current().IsActive {
		t.Fatal("record must stay idle")
	}
}

func TestManagerBestEffortCredentialFailureDoesNotBlockStart(t *testing.T) {
	client := &fakeRemote{
		startIDs:     []string{"42"},
		uploadErr:    &remote.Error{Kind: remote.KindRejected, Message: "Failed to upload cookies"},
		progressGate: make(chan struct{}),
	}
	m := newTestManager(t, client, Options{Credentials: &fakeCredentials{token: json.RawMessage(`[]`)}})

	if _, err := m.Start(context.Background(), "https://example.com", "x"); err != nil {
		t.Fatalf("Start returned error: %v", err)
	}
	if client.uploads != 1 {
		t.Fatalf("uploads = %d, want 1", client.uploads)
	}

	m2 := newTestManager(t, &fakeRemote{startIDs: []string{"7"}, progressGate: make(chan struct{})}, Options{
		Credentials: &fakeCredentials{err: ErrNoCredentials},
	})
	if _, err := m2.Start(context.Background(), "https://example.com", "x"); err != nil {
		t.Fatalf("Start without credentials returned error: %v", err)
	}
}

func TestManagerUploadCredentialsSurfacesFailure(t *testing.T) {
	m := newTestManager(t, &fakeRemote{}, Options{Credentials: &fakeCredentials{err: ErrNoCredentials}})
	err := m.UploadCredentials(context.Background())
	var jobErr *Error
	if !errors.As(err, &jobErr) || jobErr.Code != CodeCredentialsUnavailable {
		t.Fatalf("unexpected error: %v", err)
	}

	client := &fakeRemote{uploadErr: &remote.Error{Kind: remote.KindRejected, Message: "bad cookies"}}
	m2 := newTestManager(t, client, Options{Credentials: &fakeCredentials{token: json.RawMessage(`[]`)}})
	err = m2.UploadCredentials(context.Background())
	if err == nil || err.Error() != "bad cookies" {
		t.Fatalf("unexpected error: %v", err)
	}

	m3 := newTestManager(t, &fakeRemote{}, Options{Credentials: &fakeCredentials{token: json.RawMessage(`[]`)}})
	if err := m3.UploadCredentials(context.Background()); err != nil {
		t.Fatalf("UploadCredentials returned error: %v", err)
	}
}

func TestManagerHistoryTracksCompletion(t *testing.T) {
	client := &fakeRemote{
		startIDs: []string{"42"},
		steps: []progressStep{
			{progress: &remote.Progress{Status: "complete", Progress: "Download complete!", IsTerminal: true}},
		},
	}
	history := &fakeHistory{}
	m := newTestManager(t, client, Options{History: history, CompletionCooldown: time.Millisecond})

	if _, err := m.Start(context.Background(), "https://example.com", "x"); err != nil {
		t.Fatalf("Start returned error: %v", err)
	}
	waitFor(t, "inactive history", func() bool {
		r, ok := history.get("42")
		return ok && !r.IsActive && r.State == StateCompleted
	})
}

func TestManagerTerminalPollReleasesContext(t *testing.T) {
	tests := []struct {
		name string
		step progressStep
	}{
		{"completed", progressStep{progress: &remote.Progress{
			Status: "complete", Progress: "Download complete!", IsTerminal: true,
			ArtifactURL: "https://remote/a.mp3", Filename: "a.mp3",
		}}},
		{"remote failure", progressStep{progress: &remote.Progress{Status: "error", Progress: "Error: boom", Failed: true}}},
		{"fetch error", progressStep{err: &remote.Error{Kind: remote.KindTransport, Message: "timeout"}}},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			client := &fakeRemote{startIDs: []string{"42"}, steps: []progressStep{tc.step}}
			m := newTestManager(t, client, Options{CompletionCooldown: time.Hour})

			if _, err := m.Start(context.Background(), "https://example.com", "a"); err != nil {
				t.Fatalf("Start returned error: %v", err)
			}
			waitFor(t, "terminal state", func() bool {
				return m.Current().State.IsTerminal()
			})

			ctxs := client.fetchContexts()
			if len(ctxs) != 1 {
				t.Fatalf("progress calls = %d, want 1", len(ctxs))
			}
			waitFor(t, "poll context release", func() bool {
				return ctxs[0].Err() != nil
			})
			if err := m.ctx.Err(); err != nil {
				t.Fatalf("manager context must stay alive: %v", err)
			}
		})
	}
}

package artifact

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"
)

const (
	taskTypeSave = "artifact:save"
	maxRetry     = 3
)

// TaskPayload は成果物保存タスクのペイロードです。
type TaskPayload struct {
	URL      string `json:"url"`
	Filename string `json:"filename"`
}

// Queue は成果物の保存を Asynq のタスクとして非同期に処理します。
type Queue struct {
	client    *asynq.Client
	server    *asynq.Server
	mux       *asynq.ServeMux
	queueName string
	saver     *Saver
	logger    *log.Logger
}

// NewQueue は Queue を初期化します。
func NewQueue(redisURL, queueName string, saver *Saver, logger *log.Logger) (*Queue, error) {
	if saver == nil {
		return nil, errors.New("saver is nil")
	}
	if queueName == "" {
		queueName = "artifacts"
	}
	opt, err := asynq.ParseRedisURI(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis url: %w", err)
	}

	server := asynq.NewServer(
		opt,
		asynq.Config{
			Concurrency: 2,
			Queues: map[string]int{
				queueName: 1,
			},
		},
	)

	q := &Queue{
		client:    asynq.NewClient(opt),
		server:    server,
		mux:       asynq.NewServeMux(),
		queueName: queueName,
		saver:     saver,
		logger:    logger,
	}
	q.mux.HandleFunc(taskTypeSave, q.handleSaveTask)
	return q, nil
}

// StartWorkers は Asynq サーバーをバックグラウンドで起動します。
func (q *Queue) StartWorkers() {
	go func() {
		if err := q.server.Run(q.mux); err != nil && !errors.Is(err, asynq.ErrServerClosed) {
			q.logf("asynq server stopped with error: %v", err)
		}
	}()
}

// Shutdown はサーバーとクライアントを閉じます。
func (q *Queue) Shutdown(ctx context.Context) error {
	q.server.Shutdown()
	return q.client.Close()
}

// Persist は保存タスクをキューに投入します。
func (q *Queue) Persist(ctx context.Context, downloadURL, filename string) error {
	if downloadURL == "" {
		return errors.New("download url is required")
	}
	body, err := json.Marshal(TaskPayload{URL: downloadURL, Filename: filename})
	if err != nil {
		return err
	}

	task := asynq.NewTask(taskTypeSave, body, asynq.Queue(q.queueName))
	info, err := q.client.EnqueueContext(ctx, task, asynq.MaxRetry(maxRetry), asynq.TaskID(uuid.NewString()))
	if err != nil {
		return err
	}
	q.logf("artifact enqueued task=%s url=%s", info.ID, downloadURL)
	return nil
}

func (q *Queue) handleSaveTask(ctx context.Context, task *asynq.Task) error {
	var payload TaskPayload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		// 壊れたペイロードは再試行しても直らない
		return fmt.Errorf("decode payload: %v: %w", err, asynq.SkipRetry)
	}
	if payload.URL == "" {
		return fmt.Errorf("missing url in payload: %w", asynq.SkipRetry)
	}

	path, err := q.saver.Save(ctx, payload.URL, payload.Filename)
	if err != nil {
		q.logf("artifact save failed url=%s: %v", payload.URL, err)
		return err
	}
	q.logf("artifact saved path=%s", path)
	return nil
}

func (q *Queue) logf(format string, args ...any) {
	if q.logger != nil {
		q.logger.Printf(format, args...)
		return
	}
	log.Printf(format, args...)
}

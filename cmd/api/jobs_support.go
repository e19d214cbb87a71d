package main

import (
	"context"
	"log"

	redis "github.com/redis/go-redis/v9"

	"github.com/yourusername/music-ripper/internal/artifact"
	"github.com/yourusername/music-ripper/internal/config"
	"github.com/yourusername/music-ripper/internal/credentials"
	"github.com/yourusername/music-ripper/internal/jobs"
	"github.com/yourusername/music-ripper/internal/remote"
	"github.com/yourusername/music-ripper/internal/storage"
)

// artifactPersister は終了処理を持つ成果物保存の実装です。
type artifactPersister interface {
	jobs.ArtifactPersister
	Shutdown(ctx context.Context) error
}

// jobServices は main が所有するジョブ関連の部品一式です。
type jobServices struct {
	manager   *jobs.Manager
	history   *jobs.Store
	artifacts artifactPersister
	redis     *redis.Client
}

func setupJobs(cfg *config.Config, logger *log.Logger) (*jobServices, error) {
	svc := &jobServices{}

	saver, err := artifact.NewSaver(storage.NewLocal(cfg.DownloadDir), artifact.SaverOptions{
		BaseURL:         cfg.RemoteBaseURL,
		Timeout:         cfg.RemoteTimeout * 4,
		DefaultFilename: cfg.DefaultFilename,
		Logger:          logger,
	})
	if err != nil {
		return nil, err
	}

	if cfg.QueueRedisURL != "" {
		opt, err := redis.ParseURL(cfg.QueueRedisURL)
		if err != nil {
			return nil, err
		}
		svc.redis = redis.NewClient(opt)
		svc.history = jobs.NewStore(svc.redis, cfg.JobHistoryTTL)

		queue, err := artifact.NewQueue(cfg.QueueRedisURL, cfg.ArtifactQueueName, saver, logger)
		if err != nil {
			_ = svc.redis.Close()
			return nil, err
		}
		queue.StartWorkers()
		svc.artifacts = queue
	} else {
		logger.Printf("QUEUE_REDIS_URL is empty: artifacts are saved in-process and history is disabled")
		bg, err := artifact.NewBackground(saver, logger)
		if err != nil {
			return nil, err
		}
		svc.artifacts = bg
	}

	opts := jobs.Options{
		PollInterval:       cfg.PollInterval,
		CompletionCooldown: cfg.CompletionCooldown,
		DefaultFilename:    cfg.DefaultFilename,
		Credentials:        credentials.NewFileSource(cfg.CookieFile, cfg.CookieDomain),
		Artifacts:          svc.artifacts,
		Logger:             logger,
	}
	// nil の *Store をインターフェースに入れると nil 判定をすり抜けるため分岐する
	if svc.history != nil {
		opts.History = svc.history
	}

	manager, err := jobs.NewManager(remote.NewClient(cfg.RemoteBaseURL, cfg.RemoteTimeout), opts)
	if err != nil {
		_ = svc.shutdown(context.Background(), logger)
		return nil, err
	}
	svc.manager = manager
	return svc, nil
}

// shutdown はコントローラー、成果物保存、Redis 接続の順に停止します。
func (s *jobServices) shutdown(ctx context.Context, logger *log.Logger) error {
	var firstErr error
	keep := func(err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if s.manager != nil {
		keep(s.manager.Shutdown(ctx))
	}
	if s.artifacts != nil {
		keep(s.artifacts.Shutdown(ctx))
	}
	if s.redis != nil {
		keep(s.redis.Close())
	}
	if firstErr != nil {
		logger.Printf("job services shutdown: %v", firstErr)
	}
	return firstErr
}

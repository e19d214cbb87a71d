package artifact

import (
	"context"
	"errors"
	"log"
	"sync"
)

// Background は Redis を使わずにプロセス内の goroutine で成果物を保存します。
type Background struct {
	saver  *Saver
	logger *log.Logger

	ctx    context.Context
	cancel context.CancelFunc
	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

// NewBackground は Background を作成します。
func NewBackground(saver *Saver, logger *log.Logger) (*Background, error) {
	if saver == nil {
		return nil, errors.New("saver is nil")
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Background{saver: saver, logger: logger, ctx: ctx, cancel: cancel}, nil
}

// Persist は保存を開始してすぐに戻ります。保存の失敗はログに残すのみです。
func (b *Background) Persist(_ context.Context, downloadURL, filename string) error {
	if downloadURL == "" {
		return errors.New("download url is required")
	}
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return errors.New("artifact persister is shut down")
	}
	b.wg.Add(1)
	b.mu.Unlock()

	go func() {
		defer b.wg.Done()
		path, err := b.saver.Save(b.ctx, downloadURL, filename)
		if err != nil {
			b.logf("artifact save failed url=%s: %v", downloadURL, err)
			return
		}
		b.logf("artifact saved path=%s", path)
	}()
	return nil
}

// Shutdown は進行中の保存を待ちます。ctx が先に終わった場合は保存を中断します。
func (b *Background) Shutdown(ctx context.Context) error {
	b.mu.Lock()
	b.closed = true
	b.mu.Unlock()

	done := make(chan struct{})
	go func() {
		b.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		b.cancel()
		return nil
	case <-ctx.Done():
		b.cancel()
		<-done
		return ctx.Err()
	}
}

func (b *Background) logf(format string, args ...any) {
	if b.logger != nil {
		b.logger.Printf(format, args...)
		return
	}
	log.Printf(format, args...)
}

// Package artifact は完了したジョブの成果物をダウンロードして保存します。
package artifact

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"path/filepath"
	"strings"
	"time"

	"github.com/gabriel-vasile/mimetype"

	"github.com/yourusername/music-ripper/internal/storage"
)

// Saver は成果物のURLから内容を取得し、ローカルストレージへ保存します。
type Saver struct {
	store           *storage.Local
	http            *http.Client
	baseURL         *url.URL
	defaultFilename string
	logger          *log.Logger
}

// SaverOptions は Saver の設定です。
type SaverOptions struct {
	// BaseURL は相対URLを解決する基準です。空なら絶対URLのみ受け付けます。
	BaseURL         string
	Timeout         time.Duration
	DefaultFilename string
	Logger          *log.Logger
}

// NewSaver は Saver を作成します。
func NewSaver(store *storage.Local, opts SaverOptions) (*Saver, error) {
	if store == nil {
		return nil, errors.New("storage is nil")
	}
	s := &Saver{
		store:           store,
		http:            &http.Client{Timeout: opts.Timeout},
		defaultFilename: opts.DefaultFilename,
		logger:          opts.Logger,
	}
	if s.defaultFilename == "" {
		s.defaultFilename = "audio"
	}
	if opts.BaseURL != "" {
		base, err := url.Parse(opts.BaseURL)
		if err != nil {
			return nil, fmt.Errorf("invalid base url: %w", err)
		}
		s.baseURL = base
	}
	return s, nil
}

// Save は downloadURL の内容を filename として保存し、保存先のパスを返します。
// filename に拡張子が無い場合は内容から判定した拡張子を付けます。
func (s *Saver) Save(ctx context.Context, downloadURL, filename string) (string, error) {
	target, err := s.resolve(downloadURL)
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return "", err
	}
	res, err := s.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("downloading artifact: %w", err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		return "", fmt.Errorf("downloading artifact: unexpected status %d", res.StatusCode)
	}

	tmp, err := s.store.WriteTemp(ctx, res.Body)
	if err != nil {
		return "", err
	}

	name := storage.SanitizeFilename(filename)
	if name == "" {
		name = s.defaultFilename
	}
	if filepath.Ext(name) == "" {
		mtype, err := mimetype.DetectFile(tmp)
		if err != nil {
			_ = s.store.Discard(tmp)
			return "", fmt.Errorf("detecting artifact type: %w", err)
		}
		name += mtype.Extension()
		s.logf("artifact type detected mime=%s name=%s", mtype.String(), name)
	}

	path, err := s.store.Commit(tmp, name)
	if err != nil {
		_ = s.store.Discard(tmp)
		return "", err
	}
	return path, nil
}

func (s *Saver) resolve(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", errors.New("download url is empty")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("invalid download url: %w", err)
	}
	if u.IsAbs() {
		return u.String(), nil
	}
	if s.baseURL == nil {
		return "", fmt.Errorf("relative download url %q without base url", raw)
	}
	return s.baseURL.ResolveReference(u).String(), nil
}

func (s *Saver) logf(format string, args ...any) {
	if s.logger != nil {
		s.logger.Printf(format, args...)
		return
	}
	log.Printf(format, args...)
}

// Package storage は成果物をローカルファイルシステムへ保存します。
package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

const maxUniquifyAttempts = 1000

// Local は保存先ディレクトリ直下へファイルを書き込みます。
type Local struct {
	baseDir string
}

// NewLocal は Local を作成します。
func NewLocal(baseDir string) *Local {
	return &Local{baseDir: baseDir}
}

// WriteTemp は r の内容を保存先ディレクトリ内の一時ファイルへ書き込み、そのパスを返します。
// 書き込みが完了したら Commit で確定させるか Discard で破棄します。
func (l *Local) WriteTemp(ctx context.Context, r io.Reader) (string, error) {
	if err := os.MkdirAll(l.baseDir, 0o755); err != nil {
		return "", fmt.Errorf("creating download directory: %w", err)
	}
	return l.writeTemp(ctx, r)
}

// Commit は WriteTemp で作成した一時ファイルを name として確定させます。
// 同名のファイルがある場合は "name (1).ext" のように連番を付け、上書きはしません。
func (l *Local) Commit(tmpPath, name string) (string, error) {
	name = SanitizeFilename(name)
	if name == "" {
		return "", fmt.Errorf("filename is required")
	}
	target, err := l.reserve(name)
	if err != nil {
		return "", err
	}
	if err := os.Rename(tmpPath, target); err != nil {
		_ = os.Remove(target)
		return "", fmt.Errorf("persisting artifact: %w", err)
	}
	return target, nil
}

// Discard は一時ファイルを削除します。
func (l *Local) Discard(tmpPath string) error {
	if err := os.Remove(tmpPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

func (l *Local) writeTemp(ctx context.Context, r io.Reader) (string, error) {
	tmp := filepath.Join(l.baseDir, "."+uuid.NewString()+".part")
	file, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_EXCL, 0o644)
	if err != nil {
		return "", fmt.Errorf("creating temp file: %w", err)
	}

	_, copyErr := io.Copy(file, &contextReader{ctx: ctx, r: r})
	closeErr := file.Close()
	if copyErr != nil || closeErr != nil {
		_ = os.Remove(tmp)
		if copyErr != nil {
			return "", fmt.Errorf("writing temp file: %w", copyErr)
		}
		return "", fmt.Errorf("closing temp file: %w", closeErr)
	}
	return tmp, nil
}

// reserve は未使用のファイル名を O_EXCL で確保します。
func (l *Local) reserve(name string) (string, error) {
	ext := filepath.Ext(name)
	stem := strings.TrimSuffix(name, ext)
	for i := 0; i < maxUniquifyAttempts; i++ {
		candidate := name
		if i > 0 {
			candidate = fmt.Sprintf("%s (%d)%s", stem, i, ext)
		}
		path := filepath.Join(l.baseDir, candidate)
		f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
		if err == nil {
			_ = f.Close()
			return path, nil
		}
		if !errors.Is(err, os.ErrExist) {
			return "", fmt.Errorf("reserving %s: %w", candidate, err)
		}
	}
	return "", fmt.Errorf("no free filename for %s", name)
}

// SanitizeFilename はパス区切りや制御文字を取り除いたファイル名を返します。
func SanitizeFilename(name string) string {
	name = strings.TrimSpace(filepath.Base(strings.ReplaceAll(name, "\\", "/")))
	if name == "." || name == "/" || name == ".." {
		return ""
	}
	var b strings.Builder
	for _, r := range name {
		switch {
		case r < 0x20, r == 0x7f:
			continue
		case strings.ContainsRune(`<>:"|?*`, r):
			b.WriteRune('_')
		default:
			b.WriteRune(r)
		}
	}
	return strings.TrimLeft(b.String(), ".")
}

type contextReader struct {
	ctx context.Context
	r   io.Reader
}

func (c *contextReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}

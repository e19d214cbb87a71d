// Package credentials は変換サービスへ送る認証情報（ブラウザのクッキー）を取得します。
package credentials

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
)

// ErrUnavailable は対象ドメインのクッキーが得られなかった場合に返されます。
var ErrUnavailable = errors.New("no credentials available")

const httpOnlyPrefix = "#HttpOnly_"

// Cookie はサービスが受け付けるクッキー1件の形式です。
type Cookie struct {
	Domain         string  `json:"domain"`
	Name           string  `json:"name"`
	Value          string  `json:"value"`
	Path           string  `json:"path"`
	Secure         bool    `json:"secure"`
	HTTPOnly       bool    `json:"httpOnly"`
	HostOnly       bool    `json:"hostOnly"`
	Session        bool    `json:"session"`
	ExpirationDate float64 `json:"expirationDate,omitempty"`
}

// FileSource は Netscape 形式の cookies.txt から対象ドメインのクッキーを読み込みます。
// ファイルは呼び出しのたびに読み直します。
type FileSource struct {
	path   string
	domain string
}

// NewFileSource は FileSource を作成します。
func NewFileSource(path, domain string) *FileSource {
	return &FileSource{path: path, domain: domain}
}

// Obtain は対象ドメインのクッキーを JSON 配列として返します。
func (s *FileSource) Obtain(ctx context.Context) (json.RawMessage, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s.path == "" {
		return nil, ErrUnavailable
	}

	file, err := os.Open(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, ErrUnavailable
		}
		return nil, fmt.Errorf("opening cookie file: %w", err)
	}
	defer file.Close()

	cookies, err := ParseNetscape(file, s.domain)
	if err != nil {
		return nil, err
	}
	if len(cookies) == 0 {
		return nil, ErrUnavailable
	}
	return json.Marshal(cookies)
}

// ParseNetscape は cookies.txt を解析し、domain に一致するクッキーを返します。
// domain が空の場合はすべてを返します。
func ParseNetscape(r io.Reader, domain string) ([]Cookie, error) {
	var cookies []Cookie
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimRight(scanner.Text(), "\r")
		if strings.TrimSpace(line) == "" {
			continue
		}

		httpOnly := false
		if strings.HasPrefix(line, httpOnlyPrefix) {
			httpOnly = true
			line = strings.TrimPrefix(line, httpOnlyPrefix)
		} else if strings.HasPrefix(line, "#") {
			continue
		}

		fields := strings.Split(line, "\t")
		if len(fields) != 7 {
			return nil, fmt.Errorf("cookie file line %d: expected 7 fields, got %d", lineNo, len(fields))
		}

		cookie := Cookie{
			Domain:   fields[0],
			HostOnly: !strings.EqualFold(fields[1], "TRUE"),
			Path:     fields[2],
			Secure:   strings.EqualFold(fields[3], "TRUE"),
			Name:     fields[5],
			Value:    fields[6],
			HTTPOnly: httpOnly,
		}
		expiry, err := strconv.ParseInt(fields[4], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("cookie file line %d: invalid expiry %q", lineNo, fields[4])
		}
		if expiry == 0 {
			cookie.Session = true
		} else {
			cookie.ExpirationDate = float64(expiry)
		}

		if matchesDomain(cookie.Domain, domain) {
			cookies = append(cookies, cookie)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("reading cookie file: %w", err)
	}
	return cookies, nil
}

// matchesDomain は cookieDomain が target もしくはそのサブドメインかを判定します。
func matchesDomain(cookieDomain, target string) bool {
	if target == "" {
		return true
	}
	cookieDomain = strings.ToLower(strings.TrimPrefix(cookieDomain, "."))
	target = strings.ToLower(strings.TrimPrefix(target, "."))
	return cookieDomain == target || strings.HasSuffix(cookieDomain, "."+target)
}

// Package config は環境変数から設定を読み込み、アプリケーション全体で使用する設定を提供します。
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// ConfigFileEnv は YAML 設定ファイルのパスを指定する環境変数名です。
const ConfigFileEnv = "RIPPER_CONFIG_FILE"

// Config はアプリケーションの設定を保持する構造体です。
type Config struct {
	// コマンドAPIの認証設定
	AppUsername     string // ログイン用ユーザー名（空の場合は認証なし）
	AppPasswordHash string // bcryptでハッシュ化されたパスワード
	SessionSecret   string // セッション署名用の秘密鍵

	// サーバー設定
	Port    string // コマンドAPIのポート番号
	GinMode string // Ginの実行モード (debug, release, test)

	// CORS設定
	CORSAllowedOrigins string // CORS許可オリジン（カンマ区切り）

	// リモート変換サービス設定
	RemoteBaseURL string        // 変換サービスのベースURL
	RemoteTimeout time.Duration // 1リクエストあたりのタイムアウト

	// ジョブ制御設定
	PollInterval       time.Duration // 進捗ポーリング間隔
	CompletionCooldown time.Duration // 完了後に isActive を下ろすまでの猶予
	DefaultFilename    string        // ファイル名未指定時にレコードへ記録する名前

	// キュー/履歴設定
	QueueRedisURL     string        // Asynq・履歴用Redis接続URL（空なら無効）
	JobHistoryTTL     time.Duration // 履歴レコードの保持期間
	ArtifactQueueName string        // 成果物保存タスクのキュー名

	// 成果物・認証情報
	DownloadDir  string // 成果物の保存先
	CookieFile   string // Netscape形式の cookies.txt
	CookieDomain string // 送信対象のクッキードメイン
}

// Load は環境変数から設定を読み込みます。
// .env.local ファイルが存在する場合はそこから読み込みます。
// RIPPER_CONFIG_FILE が指定されていれば YAML の値を既定値として使い、環境変数で上書きします。
func Load() (*Config, error) {
	loadEnvFile()

	file, err := loadYAMLFile(os.Getenv(ConfigFileEnv))
	if err != nil {
		return nil, err
	}
	src := source{file: file}

	config := &Config{
		AppUsername:     src.get("APP_USERNAME", ""),
		AppPasswordHash: src.get("APP_PASSWORD_HASH", ""),
		SessionSecret:   src.get("SESSION_SECRET", ""),

		Port:    src.get("PORT", "8080"),
		GinMode: src.get("GIN_MODE", "debug"),

		CORSAllowedOrigins: src.get("CORS_ALLOWED_ORIGINS", "http://localhost:5173"),

		RemoteBaseURL: strings.TrimRight(src.get("REMOTE_BASE_URL", "https://music-ripper.onrender.com"), "/"),
		RemoteTimeout: time.Duration(src.getInt("REMOTE_TIMEOUT_SECONDS", 30)) * time.Second,

		PollInterval:       time.Duration(src.getInt("POLL_INTERVAL_MS", 500)) * time.Millisecond,
		CompletionCooldown: time.Duration(src.getInt("COMPLETION_COOLDOWN_MS", 3000)) * time.Millisecond,
		DefaultFilename:    src.get("DEFAULT_FILENAME", "audio"),

		QueueRedisURL:     src.get("QUEUE_REDIS_URL", ""),
		JobHistoryTTL:     time.Duration(src.getInt("JOB_HISTORY_TTL_MINUTES", 1440)) * time.Minute,
		ArtifactQueueName: src.get("ARTIFACT_QUEUE", "artifacts"),

		DownloadDir:  src.get("DOWNLOAD_DIR", defaultDownloadDir()),
		CookieFile:   src.get("COOKIE_FILE", ""),
		CookieDomain: src.get("COOKIE_DOMAIN", ".youtube.com"),
	}

	// 必須設定のバリデーション
	if err := config.Validate(); err != nil {
		return nil, err
	}

	return config, nil
}

// AuthEnabled はコマンドAPIにログインが必要かどうかを返します。
func (c *Config) AuthEnabled() bool {
	return c.AppUsername != ""
}

func loadEnvFile() {
	if err := godotenv.Load(".env.local"); err == nil {
		return
	}

	cwd, err := os.Getwd()
	if err != nil {
		return
	}

	parent := filepath.Dir(cwd)
	if parent == "" || parent == cwd {
		return
	}

	_ = godotenv.Load(filepath.Join(parent, ".env.local"))
}

// loadYAMLFile は環境変数名と同じキーを持つフラットな YAML を読み込みます。
func loadYAMLFile(path string) (map[string]string, error) {
	if path == "" {
		return nil, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	raw := map[string]any{}
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	values := make(map[string]string, len(raw))
	for k, v := range raw {
		if v == nil {
			continue
		}
		values[strings.ToUpper(k)] = fmt.Sprint(v)
	}
	return values, nil
}

// Validate は設定の妥当性を検証します。
func (c *Config) Validate() error {
	if c.RemoteBaseURL == "" {
		return fmt.Errorf("REMOTE_BASE_URL is required")
	}
	if c.PollInterval <= 0 {
		return fmt.Errorf("POLL_INTERVAL_MS must be positive")
	}
	if c.CompletionCooldown < 0 {
		return fmt.Errorf("COMPLETION_COOLDOWN_MS must not be negative")
	}
	if c.DownloadDir == "" {
		return fmt.Errorf("DOWNLOAD_DIR is required")
	}

	// 認証を有効にする場合は一式そろっている必要がある
	if c.AppUsername != "" || c.GinMode == "release" {
		if c.AppUsername == "" {
			return fmt.Errorf("APP_USERNAME is required in release mode")
		}
		if c.AppPasswordHash == "" {
			return fmt.Errorf("APP_PASSWORD_HASH is required when APP_USERNAME is set")
		}
		if c.SessionSecret == "" {
			return fmt.Errorf("SESSION_SECRET is required when APP_USERNAME is set")
		}
	}

	return nil
}

func defaultDownloadDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(os.TempDir(), "music-ripper")
	}
	return filepath.Join(home, "Downloads")
}

// source は環境変数 → YAML → 既定値の順で値を解決します。
type source struct {
	file map[string]string
}

// get は値を取得し、存在しない場合はデフォルト値を返します。
func (s source) get(key string, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	if value, ok := s.file[key]; ok && value != "" {
		return value
	}
	return defaultValue
}

// getInt は値を整数として取得します。
func (s source) getInt(key string, defaultValue int) int {
	valueStr := s.get(key, "")
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

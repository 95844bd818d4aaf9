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
)

// 状態保存先の種別
const (
	StateBackendFile     = "file"
	StateBackendRedis    = "redis"
	StateBackendPostgres = "postgres"
)

// Config はアプリケーションの設定を保持する構造体です。
type Config struct {
	// サーバー設定
	Port      string // APIサーバーのポート番号
	GinMode   string // Ginの実行モード (debug, release, test)
	DebugMode bool   // デバッグ出力と /system-info を有効化

	// CORS・セッション設定
	CORSAllowedOrigins string // CORS許可オリジン（カンマ区切り）
	SessionSecret      string // セッションCookie署名用の秘密鍵

	// ファイル・ジョブ設定
	TempDir         string        // アップロードと変換結果を置く一時ディレクトリ
	MaxFileSize     int64         // アップロードの最大サイズ（バイト）
	JobTimeout      time.Duration // 終了済みジョブの保持期間
	SweepSchedule   string        // 掃除タスクの cron 式
	SubmitGrace     time.Duration // 投入直後に待つ猶予時間
	MetadataTimeout time.Duration // ebook-meta 呼び出しのタイムアウト

	// 進捗ストリーム設定
	StreamInterval  time.Duration // ポーリング間隔
	StreamMaxMisses int           // 見失ったと判断するまでの連続ミス回数

	// 変換ツール設定
	EbookConvertPath string // ebook-convert 実行ファイルのパス
	EbookMetaPath    string // ebook-meta 実行ファイルのパス
	PresetsFile      string // デバイスプリセットを上書きする YAML ファイル

	// 永続化・キュー設定
	StateBackend     string // file | redis | postgres
	StateRedisURL    string // redis バックエンド用の接続URL
	StatePostgresURL string // postgres バックエンド用の接続URL
	QueueRedisURL    string // 設定時は Asynq 経由でジョブを実行
}

// Load は環境変数から設定を読み込みます。
// .env.local ファイルが存在する場合はそこから読み込みます。
func Load() (*Config, error) {
	return LoadFrom("")
}

// LoadFrom は envFile を優先して設定を読み込みます。空の場合は .env.local を探します。
func LoadFrom(envFile string) (*Config, error) {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil {
			return nil, fmt.Errorf("failed to load env file %s: %w", envFile, err)
		}
	} else {
		loadEnvFile()
	}

	debug := getEnvAsBool("DEBUG_MODE", false)
	config := &Config{
		// サーバー設定
		Port:      getEnv("PORT", "5000"),
		GinMode:   getEnv("GIN_MODE", "debug"),
		DebugMode: debug,

		// CORS・セッション設定
		CORSAllowedOrigins: getEnv("CORS_ALLOWED_ORIGINS", "*"),
		SessionSecret:      getEnv("SESSION_SECRET", ""),

		// ファイル・ジョブ設定
		TempDir:         getEnv("TEMP_DIR", os.TempDir()),
		MaxFileSize:     getEnvAsInt64("MAX_FILE_SIZE", 100*1024*1024), // 100MB
		JobTimeout:      time.Duration(getEnvAsInt("JOB_TIMEOUT", 300)) * time.Second,
		SweepSchedule:   getEnv("SWEEP_SCHEDULE", "@every 30s"),
		SubmitGrace:     time.Duration(getEnvAsInt("SUBMIT_GRACE_MS", 200)) * time.Millisecond,
		MetadataTimeout: time.Duration(getEnvAsInt("METADATA_TIMEOUT_SECONDS", 15)) * time.Second,

		// 進捗ストリーム設定
		StreamInterval:  time.Duration(getEnvAsInt("STREAM_INTERVAL_MS", 500)) * time.Millisecond,
		StreamMaxMisses: getEnvAsInt("STREAM_MAX_MISSES", 30),

		// 変換ツール設定
		EbookConvertPath: getEnv("EBOOK_CONVERT_PATH", "ebook-convert"),
		EbookMetaPath:    getEnv("EBOOK_META_PATH", "ebook-meta"),
		PresetsFile:      getEnv("PRESETS_FILE", ""),

		// 永続化・キュー設定
		StateBackend:     strings.ToLower(getEnv("STATE_BACKEND", StateBackendFile)),
		StateRedisURL:    getEnv("STATE_REDIS_URL", "redis://127.0.0.1:6379/0"),
		StatePostgresURL: getEnv("STATE_POSTGRES_URL", ""),
		QueueRedisURL:    getEnv("QUEUE_REDIS_URL", ""),
	}

	// 必須設定のバリデーション
	if err := config.Validate(); err != nil {
		return nil, err
	}

	return config, nil
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

// Validate は設定の妥当性を検証します。
func (c *Config) Validate() error {
	if c.TempDir == "" {
		return fmt.Errorf("TEMP_DIR must not be empty")
	}
	if c.MaxFileSize <= 0 {
		return fmt.Errorf("MAX_FILE_SIZE must be positive")
	}
	if c.JobTimeout <= 0 {
		return fmt.Errorf("JOB_TIMEOUT must be positive")
	}
	if c.StreamInterval <= 0 {
		return fmt.Errorf("STREAM_INTERVAL_MS must be positive")
	}
	if c.StreamMaxMisses <= 0 {
		return fmt.Errorf("STREAM_MAX_MISSES must be positive")
	}
	if c.EbookConvertPath == "" {
		return fmt.Errorf("EBOOK_CONVERT_PATH must not be empty")
	}

	switch c.StateBackend {
	case StateBackendFile:
	case StateBackendRedis:
		if c.StateRedisURL == "" {
			return fmt.Errorf("STATE_REDIS_URL is required for the redis state backend")
		}
	case StateBackendPostgres:
		if c.StatePostgresURL == "" {
			return fmt.Errorf("STATE_POSTGRES_URL is required for the postgres state backend")
		}
	default:
		return fmt.Errorf("unsupported STATE_BACKEND: %s", c.StateBackend)
	}

	// 本番モードではセッション鍵を必須にする
	if c.GinMode == "release" && c.SessionSecret == "" {
		return fmt.Errorf("SESSION_SECRET is required in release mode")
	}

	return nil
}

// Origins は CORS 許可オリジンを配列で返します。
func (c *Config) Origins() []string {
	var origins []string
	for _, o := range strings.Split(c.CORSAllowedOrigins, ",") {
		if o = strings.TrimSpace(o); o != "" {
			origins = append(origins, o)
		}
	}
	return origins
}

// getEnv は環境変数を取得し、存在しない場合はデフォルト値を返します。
func getEnv(key string, defaultValue string) string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return value
}

// getEnvAsInt は環境変数を整数として取得します。
func getEnvAsInt(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvAsInt64 は環境変数を64ビット整数として取得します。
func getEnvAsInt64(key string, defaultValue int64) int64 {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseInt(valueStr, 10, 64)
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvAsBool は true/1/yes/y を真として扱います。
func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	return ParseBool(valueStr)
}

// ParseBool は環境変数やフォーム値の真偽値表現を解釈します。
func ParseBool(s string) bool {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "true", "1", "yes", "y", "on":
		return true
	default:
		return false
	}
}

package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"chukei/internal/stream"
)

// Config はアプリケーション全体の設定を保持する構造体
type Config struct {
	Server ServerConfig
	Stream stream.Config
}

// ServerConfig はHTTPサーバーの設定
type ServerConfig struct {
	Host string // リッスンするホスト
	Port int    // リッスンするポート番号（占有時はPort+1へ一度だけフォールバック）

	// タイムアウト設定
	ReadTimeout  time.Duration // 読み込みタイムアウト
	WriteTimeout time.Duration // 書き込みタイムアウト

	// アクセストークン（空の場合は認可チェックなし）
	AccessToken string
}

// Load は設定を読み込む
// 環境変数から取得し、未設定の場合はデフォルト値を使う
func Load() (*Config, error) {
	streamCfg := stream.DefaultConfig()
	streamCfg.URL = getEnvOrDefault("CAMERA_URL", "")
	streamCfg.AutoStart = getEnvAsBoolOrDefault("CAMERA_AUTOSTART", true)
	streamCfg.Reconnect.Enabled = getEnvAsBoolOrDefault("CAMERA_RECONNECT", true)
	streamCfg.Reconnect.MaxRetries = getEnvAsIntOrDefault("CAMERA_MAX_RETRIES", 5)
	streamCfg.Reconnect.RetryDelay = time.Duration(getEnvAsIntOrDefault("CAMERA_RETRY_DELAY_MS", 1000)) * time.Millisecond
	streamCfg.Reconnect.ExponentialBackoff = getEnvAsBoolOrDefault("CAMERA_EXPONENTIAL_BACKOFF", true)

	cfg := &Config{
		Server: ServerConfig{
			Host:         getEnvOrDefault("CAMERA_PROXY_HOST", "127.0.0.1"),
			Port:         getEnvAsIntOrDefault("CAMERA_PROXY_PORT", 8181),
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 0, // ストリーミング用にタイムアウト無効化
			AccessToken:  getEnvOrDefault("CAMERA_PROXY_TOKEN", ""),
		},
		Stream: streamCfg,
	}

	// 設定の検証
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("設定の検証に失敗: %w", err)
	}

	return cfg, nil
}

// Validate は設定の妥当性を検証する
func (c *Config) Validate() error {
	// サーバー設定の検証（ポート0はテスト用のランダムポートとして許可）
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return fmt.Errorf("無効なポート番号: %d", c.Server.Port)
	}

	// ストリーム設定の検証
	if err := c.Stream.Validate(); err != nil {
		return err
	}

	return nil
}

// ServerAddress はサーバーのリッスンアドレスを返す
func (c *Config) ServerAddress() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

// getEnvOrDefault は環境変数を取得し、設定されていない場合はデフォルト値を返す
func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvAsIntOrDefault は環境変数を整数として取得し、設定されていない場合はデフォルト値を返す
func getEnvAsIntOrDefault(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

// getEnvAsBoolOrDefault は環境変数を真偽値として取得し、設定されていない場合はデフォルト値を返す
func getEnvAsBoolOrDefault(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
	}
	return defaultValue
}

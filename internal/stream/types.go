package stream

import (
	"fmt"
	"net/url"
	"sync/atomic"
	"time"
)

// State は上流接続の状態を表す
type State string

const (
	StateIdle       State = "idle"       // 接続対象なし、または停止中
	StateConnecting State = "connecting" // 接続試行中
	StateStreaming  State = "streaming"  // フレーム受信中
	StateRetrying   State = "retrying"   // 再接続待機中
	StateFailed     State = "failed"     // リトライ上限に達した
	StateStopped    State = "stopped"    // 監視ループが終了した
)

// Config は上流ストリーム接続の設定
// 接続試行ごとに読み取り専用スナップショットとして扱う
type Config struct {
	// URL は上流カメラのストリームURL（空文字はカメラ未設定を表す）
	URL string

	// AutoStart は起動時に自動で上流へ接続するかどうか
	AutoStart bool

	// ConnectTimeout は接続試行ごとの明示的なタイムアウト
	// OSレベルのソケットタイムアウトとは別に設ける
	ConnectTimeout time.Duration

	// Reconnect は再接続ポリシー
	Reconnect ReconnectConfig
}

// ReconnectConfig は上流切断時の再接続ポリシー
type ReconnectConfig struct {
	Enabled            bool          // 自動再接続を行うか
	MaxRetries         int           // 最大リトライ回数（0以下は無制限）
	RetryDelay         time.Duration // 初回リトライまでの待ち時間
	ExponentialBackoff bool          // 指数バックオフを使うか
	MaxRetryDelay      time.Duration // バックオフの上限
}

// DefaultConfig はデフォルトのストリーム設定を返す
func DefaultConfig() Config {
	return Config{
		URL:            "",
		AutoStart:      true,
		ConnectTimeout: 10 * time.Second,
		Reconnect: ReconnectConfig{
			Enabled:            true,
			MaxRetries:         5,
			RetryDelay:         time.Second,
			ExponentialBackoff: true,
			MaxRetryDelay:      60 * time.Second,
		},
	}
}

// Validate は設定の妥当性を検証する
func (c Config) Validate() error {
	// URLは未設定（カメラなし）でも良い
	if c.URL != "" {
		u, err := url.Parse(c.URL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return fmt.Errorf("無効なストリームURL: %s", c.URL)
		}
	}

	if c.Reconnect.RetryDelay < 0 {
		return fmt.Errorf("無効なリトライ間隔: %v", c.Reconnect.RetryDelay)
	}

	return nil
}

// ConnectReason は接続エラーの分類を表す
type ConnectReason string

const (
	ReasonRefused          ConnectReason = "refused"           // ソケットを確立できなかった
	ReasonTimeout          ConnectReason = "timeout"           // 接続タイムアウト
	ReasonProtocolMismatch ConnectReason = "protocol-mismatch" // 期待したマルチパート形式でない
)

// ConnectError は上流接続の失敗を分類付きで表す
type ConnectError struct {
	Reason ConnectReason
	Err    error
}

func (e *ConnectError) Error() string {
	return fmt.Sprintf("上流への接続に失敗 (%s): %v", e.Reason, e.Err)
}

func (e *ConnectError) Unwrap() error {
	return e.Err
}

// Stats はプロキシの累積統計カウンター
// 上流を所有するゴルーチンが主に更新するが、読み取りは全コンポーネントから
// 行われるためatomicで保持する
type Stats struct {
	bytesReceived         atomic.Uint64
	bytesSent             atomic.Uint64
	successfulConnections atomic.Uint64
	failedConnections     atomic.Uint64
	currentRetryCount     atomic.Int64
}

// StatsSnapshot はある時点の統計値
type StatsSnapshot struct {
	BytesReceived         uint64 `json:"bytesReceived"`
	BytesSent             uint64 `json:"bytesSent"`
	SuccessfulConnections uint64 `json:"successfulConnections"`
	FailedConnections     uint64 `json:"failedConnections"`
	CurrentRetryCount     int64  `json:"currentRetryCount"`
}

// AddBytesReceived は上流から受信したバイト数を加算する
func (s *Stats) AddBytesReceived(n int) {
	s.bytesReceived.Add(uint64(n))
}

// AddBytesSent はクライアントへ送信したバイト数を加算する
func (s *Stats) AddBytesSent(n int) {
	s.bytesSent.Add(uint64(n))
}

// ConnectSucceeded は接続成功を記録し、リトライカウンターをリセットする
func (s *Stats) ConnectSucceeded() {
	s.successfulConnections.Add(1)
	s.currentRetryCount.Store(0)
}

// ConnectFailed は接続失敗（上流切断を含む）を記録する
func (s *Stats) ConnectFailed() {
	s.failedConnections.Add(1)
}

// SetRetryCount は現在のリトライ回数を記録する
func (s *Stats) SetRetryCount(n int) {
	s.currentRetryCount.Store(int64(n))
}

// Snapshot は現在の統計値を返す
func (s *Stats) Snapshot() StatsSnapshot {
	return StatsSnapshot{
		BytesReceived:         s.bytesReceived.Load(),
		BytesSent:             s.bytesSent.Load(),
		SuccessfulConnections: s.successfulConnections.Load(),
		FailedConnections:     s.failedConnections.Load(),
		CurrentRetryCount:     s.currentRetryCount.Load(),
	}
}

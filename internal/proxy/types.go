package proxy

import (
	"time"

	"chukei/internal/registry"
	"chukei/internal/stream"
)

// EventType は外部コラボレーター（UI・診断）へ通知するイベントの種別
type EventType string

const (
	EventProxyStarted       EventType = "proxy-started"
	EventProxyStopped       EventType = "proxy-stopped"
	EventStreamConnected    EventType = "stream-connected"
	EventStreamDisconnected EventType = "stream-disconnected"
	EventStreamError        EventType = "stream-error"
	EventClientConnected    EventType = "client-connected"
	EventClientDisconnected EventType = "client-disconnected"
	EventRetryAttempt       EventType = "retry-attempt"
	EventPortChanged        EventType = "port-changed"
)

// Event はライフサイクルイベント
type Event struct {
	Type      EventType      `json:"type"`
	Timestamp time.Time      `json:"timestamp"`
	Message   string         `json:"message,omitempty"`
	Data      map[string]any `json:"data,omitempty"`
}

// Status はステータスAPIで返す状態スナップショット
// 保存はせず、要求のたびに各コンポーネントから組み立てる
type Status struct {
	IsRunning   bool                 `json:"isRunning"`
	Port        int                  `json:"port"`
	ProxyURL    string               `json:"proxyUrl,omitempty"`
	IsStreaming bool                 `json:"isStreaming"`
	State       string               `json:"state"`
	SourceURL   string               `json:"sourceUrl,omitempty"`
	ClientCount int                  `json:"clientCount"`
	Clients     []registry.Info      `json:"clients"`
	LastError   string               `json:"lastError,omitempty"`
	Stats       stream.StatsSnapshot `json:"stats"`
}

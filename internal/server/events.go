package server

import (
	"net/http"
	"sync"

	"chukei/internal/proxy"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

// eventQueueSize は購読者ごとのイベントキューの長さ
// 溢れた場合は新しいイベントを破棄する（診断用途なので欠落を許容）
const eventQueueSize = 16

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// プロキシはローカルのコラボレーター向けなのでオリジンは制限しない
	CheckOrigin: func(_ *http.Request) bool { return true },
}

// eventHub はWebSocket購読者へのイベント配信を管理する
type eventHub struct {
	mu     sync.Mutex
	subs   map[chan proxy.Event]struct{}
	closed bool
}

func newEventHub() *eventHub {
	return &eventHub{
		subs: make(map[chan proxy.Event]struct{}),
	}
}

// subscribe は新しい購読チャンネルを登録する
func (h *eventHub) subscribe() chan proxy.Event {
	ch := make(chan proxy.Event, eventQueueSize)

	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		close(ch)
		return ch
	}
	h.subs[ch] = struct{}{}
	return ch
}

// unsubscribe は購読を解除する（何度呼んでも安全）
func (h *eventHub) unsubscribe(ch chan proxy.Event) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, exists := h.subs[ch]; exists {
		delete(h.subs, ch)
		close(ch)
	}
}

// publish はイベントを全購読者へ配信する
// 詰まっている購読者はスキップする
func (h *eventHub) publish(ev proxy.Event) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for ch := range h.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}

// closeAll は全購読を終了する
func (h *eventHub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return
	}
	h.closed = true

	for ch := range h.subs {
		close(ch)
	}
	h.subs = make(map[chan proxy.Event]struct{})
}

// handleEvents はライフサイクルイベントをWebSocketで配信する
func (s *Server) handleEvents(c *gin.Context) {
	if s.proxy == nil || !s.proxy.Initialized() {
		c.String(http.StatusServiceUnavailable, "カメラプロキシは初期化されていません")
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// Upgradeが失敗した場合はレスポンス済み
		return
	}
	defer conn.Close()

	sub := s.hub.subscribe()
	defer s.hub.unsubscribe(sub)

	// クライアント側のクローズを検知する読み取りループ
	readerGone := make(chan struct{})
	go func() {
		defer close(readerGone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-readerGone:
			return

		case ev, ok := <-sub:
			if !ok {
				return
			}
			if err := conn.WriteJSON(ev); err != nil {
				return
			}
		}
	}
}

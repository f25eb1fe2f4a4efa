package registry

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// clientQueueSize はクライアントごとの送信キューの長さ
// 遅いクライアントはキューが溢れた時点で古いフレームから破棄される
const clientQueueSize = 8

// Client は接続中の1ビューワーを表すハンドル
// フレームはFrames()チャンネル経由で受け取り、切断はDone()で通知される
type Client struct {
	ID          string    // attachごとに一意なID
	RemoteAddr  string    // 接続元アドレス
	ConnectedAt time.Time // 接続時刻

	frames    chan []byte
	done      chan struct{}
	closeOnce sync.Once
}

// Frames はこのクライアントへ配信されるフレームのチャンネルを返す
func (c *Client) Frames() <-chan []byte {
	return c.frames
}

// Done はこのクライアントの切断を通知するチャンネルを返す
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// close は切断を1度だけ通知する
func (c *Client) close() {
	c.closeOnce.Do(func() {
		close(c.done)
	})
}

// Info はステータス表示用のクライアント情報
type Info struct {
	ID          string    `json:"id"`
	RemoteAddr  string    `json:"remoteAddress"`
	ConnectedAt time.Time `json:"connectedAt"`
	IsConnected bool      `json:"isConnected"`
}

// Registry は接続中のビューワー一覧を管理し、フレームを全員へ配信する
// attach/detach/broadcastは複数ゴルーチンから同時に呼ばれるため
// 内部で同期する
type Registry struct {
	mu      sync.RWMutex
	clients map[string]*Client

	// 接続・切断の通知先（未設定なら通知なし）
	onAttach func(*Client)
	onDetach func(*Client, error)
}

// New は新しいRegistryを作成する
func New() *Registry {
	return &Registry{
		clients: make(map[string]*Client),
	}
}

// OnAttach はクライアント接続時の通知先を登録する（運用開始前に呼ぶこと）
func (r *Registry) OnAttach(fn func(*Client)) {
	r.onAttach = fn
}

// OnDetach はクライアント切断時の通知先を登録する（運用開始前に呼ぶこと）
// errは書き込み失敗など切断の原因（正常切断ならnil）
func (r *Registry) OnDetach(fn func(*Client, error)) {
	r.onDetach = fn
}

// Attach は新しいクライアントを登録してハンドルを返す
// 登録以降のフレームのみが配信される（過去フレームの再送はしない）
func (r *Registry) Attach(remoteAddr string) *Client {
	client := &Client{
		ID:          uuid.New().String(),
		RemoteAddr:  remoteAddr,
		ConnectedAt: time.Now(),
		frames:      make(chan []byte, clientQueueSize),
		done:        make(chan struct{}),
	}

	r.mu.Lock()
	r.clients[client.ID] = client
	r.mu.Unlock()

	if r.onAttach != nil {
		r.onAttach(client)
	}

	return client
}

// Detach はクライアントを登録から外す
// 既に外れていても安全（エラー経路からの二重呼び出しを許容する）
func (r *Registry) Detach(id string, cause error) {
	r.mu.Lock()
	client, exists := r.clients[id]
	if exists {
		delete(r.clients, id)
	}
	r.mu.Unlock()

	if !exists {
		return
	}

	client.close()

	if r.onDetach != nil {
		r.onDetach(client, cause)
	}
}

// Broadcast はフレームを全クライアントへ独立に配信する
// クライアントのキューが詰まっている場合は最古のフレームを破棄して
// 入れ替えるため、遅いクライアントが他をブロックすることはない
// 戻り値は配信できたクライアント数
func (r *Registry) Broadcast(frame []byte) int {
	r.mu.RLock()
	clients := make([]*Client, 0, len(r.clients))
	for _, client := range r.clients {
		clients = append(clients, client)
	}
	r.mu.RUnlock()

	delivered := 0
	for _, client := range clients {
		select {
		case client.frames <- frame:
			delivered++
		default:
			// キューが満杯：最古のフレームを破棄してから入れる
			select {
			case <-client.frames:
			default:
			}
			select {
			case client.frames <- frame:
				delivered++
			default:
			}
		}
	}

	return delivered
}

// Count は現在の接続クライアント数を返す
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.clients)
}

// Clients はステータス表示用のクライアント情報一覧を返す
func (r *Registry) Clients() []Info {
	r.mu.RLock()
	defer r.mu.RUnlock()

	infos := make([]Info, 0, len(r.clients))
	for _, client := range r.clients {
		infos = append(infos, Info{
			ID:          client.ID,
			RemoteAddr:  client.RemoteAddr,
			ConnectedAt: client.ConnectedAt,
			IsConnected: true,
		})
	}

	return infos
}

// EvictAll は全クライアントを強制切断する
// クライアントが0でも常に成功する
func (r *Registry) EvictAll() {
	r.mu.Lock()
	clients := r.clients
	r.clients = make(map[string]*Client)
	r.mu.Unlock()

	for _, client := range clients {
		client.close()
		if r.onDetach != nil {
			r.onDetach(client, nil)
		}
	}
}

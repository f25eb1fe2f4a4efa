package proxy

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"chukei/internal/config"
	"chukei/internal/registry"
	"chukei/internal/stream"
)

// Listener はプロキシのHTTPサーバーを抽象化する
// 実装はinternal/serverにあり、構築時にSetListenerで注入する
type Listener interface {
	// Start はリッスンソケットを開き、実効ポートを返す
	// 設定ポートが占有されている場合は一度だけPort+1へフォールバックする
	Start() (int, error)

	// Shutdown はリッスンソケットを閉じる
	Shutdown(ctx context.Context) error

	// Port は現在の実効ポートを返す（未起動なら0）
	Port() int

	// PublishEvent はWebSocket購読者へイベントを配信する
	PublishEvent(ev Event)
}

// Service はカメラプロキシ全体を統括するオーケストレーター
// プロセス内に1つだけ構築し、コラボレーターへは参照で渡す
type Service struct {
	registry *registry.Registry
	stats    *stream.Stats

	mu          sync.Mutex
	cfg         *config.Config
	supervisor  *stream.Supervisor
	listener    Listener
	cancel      context.CancelFunc
	initialized bool
	running     bool

	subMu       sync.RWMutex
	subscribers []func(Event)
}

// New は新しいServiceを作成する
// 設定の適用はInitializeで行う
func New() *Service {
	return &Service{
		registry: registry.New(),
		stats:    &stream.Stats{},
	}
}

// Registry はクライアント登録の管理先を返す（HTTPサーバー構築用）
func (s *Service) Registry() *registry.Registry {
	return s.registry
}

// SetListener はHTTPサーバーを注入する（Start前に呼ぶこと）
func (s *Service) SetListener(l Listener) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listener = l
}

// Subscribe はライフサイクルイベントの購読者を登録する（Start前に呼ぶこと）
func (s *Service) Subscribe(fn func(Event)) {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	s.subscribers = append(s.subscribers, fn)
}

// Initialize は設定を束縛する
// リッスンソケットも上流接続もまだ開かない。設定が構造的に
// 不正な場合のみ失敗する
func (s *Service) Initialize(cfg *config.Config) error {
	if cfg == nil {
		return fmt.Errorf("設定がnilです")
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("プロキシの初期化に失敗: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.initialized {
		return fmt.Errorf("プロキシは既に初期化されています")
	}

	s.cfg = cfg
	s.supervisor = stream.NewSupervisor(cfg.Stream, s.stats)

	// 上流フレームは登録済みクライアント全員へ展開する
	// StreamSourceは個々のクライアントを知らない
	// 送信量はキュー投入時ではなくHTTP書き込み時に計上する
	// （RecordBytesSent）
	s.supervisor.OnFrame(func(frame []byte) {
		s.registry.Broadcast(frame)
	})
	s.supervisor.Notify(s.handleNotice)

	s.registry.OnAttach(func(client *registry.Client) {
		log.Printf("クライアントが接続しました: %s (%s)", client.ID, client.RemoteAddr)
		s.emit(Event{
			Type: EventClientConnected,
			Data: map[string]any{"clientId": client.ID, "remoteAddress": client.RemoteAddr},
		})
	})
	s.registry.OnDetach(func(client *registry.Client, cause error) {
		// 書き込み失敗は該当クライアントの切断として回収する
		// 他のクライアントや上流処理には波及させない
		if cause != nil {
			s.stats.ConnectFailed()
			log.Printf("クライアントを切断しました: %s (%v)", client.ID, cause)
		} else {
			log.Printf("クライアントが切断しました: %s", client.ID)
		}
		s.emit(Event{
			Type: EventClientDisconnected,
			Data: map[string]any{"clientId": client.ID, "remoteAddress": client.RemoteAddr},
		})
	})

	s.initialized = true
	return nil
}

// Initialized は初期化済みかどうかを返す
func (s *Service) Initialized() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.initialized
}

// RecordBytesSent はビューワーへ実際に書き込んだバイト数を記録する
// キューで破棄されたフレームを計上しないよう、HTTPサーバーが
// 書き込み成功のたびに呼ぶ
func (s *Service) RecordBytesSent(n int) {
	s.stats.AddBytesSent(n)
}

// Start はリッスンソケットを開き、設定に応じて上流接続を開始する
// バインド失敗（フォールバック含め）は呼び出し元へエラーとして返す
func (s *Service) Start() error {
	s.mu.Lock()

	if !s.initialized {
		s.mu.Unlock()
		return fmt.Errorf("プロキシが初期化されていません")
	}
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("プロキシは既に起動しています")
	}
	if s.listener == nil {
		s.mu.Unlock()
		return fmt.Errorf("HTTPサーバーが設定されていません")
	}

	port, err := s.listener.Start()
	if err != nil {
		s.mu.Unlock()
		return fmt.Errorf("プロキシの起動に失敗: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	if err := s.supervisor.Start(ctx); err != nil {
		cancel()
		s.mu.Unlock()
		return fmt.Errorf("プロキシの起動に失敗: %w", err)
	}
	s.cancel = cancel
	s.running = true

	primaryPort := s.cfg.Server.Port
	autoStart := s.cfg.Stream.AutoStart && s.cfg.Stream.URL != ""
	s.mu.Unlock()

	if primaryPort != 0 && port != primaryPort {
		log.Printf("ポート%dが使用中のため%dへフォールバックしました", primaryPort, port)
		s.emit(Event{
			Type: EventPortChanged,
			Data: map[string]any{"from": primaryPort, "to": port},
		})
	}

	s.emit(Event{Type: EventProxyStarted, Data: map[string]any{"port": port}})

	if autoStart {
		s.supervisor.Connect()
	}

	return nil
}

// Stop は上流接続を止めて全クライアントを切断する
// リッスンソケットは開いたままにする（完全終了はShutdown）
func (s *Service) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	sup := s.supervisor
	s.mu.Unlock()

	sup.StopStream()
	s.registry.EvictAll()
	s.emit(Event{Type: EventProxyStopped})
}

// SetStreamURL は上流の接続先を入れ替える
// 配信中であれば切断後に新しいURLへ再接続する。空文字は上流停止を
// 意味し、リスナーと接続済みクライアントはそのまま残る
func (s *Service) SetStreamURL(url string) error {
	if url != "" {
		probe := stream.Config{URL: url}
		if err := probe.Validate(); err != nil {
			return err
		}
	}

	s.mu.Lock()
	if !s.initialized {
		s.mu.Unlock()
		return fmt.Errorf("プロキシが初期化されていません")
	}
	sup := s.supervisor
	s.mu.Unlock()

	log.Printf("ストリームURLを変更します: %q", url)
	sup.SetURL(url)
	return nil
}

// RestoreStream は運用者向けの明示的な復旧フックで、現在の状態に
// かかわらず強制的に切断・再接続する
// 戻り値は再接続の成否。カメラ未設定での失敗は想定内の状態であり
// エラーではなく偽で表す
func (s *Service) RestoreStream() bool {
	s.mu.Lock()
	if !s.initialized || !s.running {
		s.mu.Unlock()
		return false
	}
	sup := s.supervisor
	s.mu.Unlock()

	log.Println("ストリームの復旧を試みます")
	return sup.Restore()
}

// Status は現在の状態スナップショットを返す（副作用なし）
func (s *Service) Status() Status {
	s.mu.Lock()
	sup := s.supervisor
	listener := s.listener
	running := s.running
	host := ""
	if s.cfg != nil {
		host = s.cfg.Server.Host
	}
	s.mu.Unlock()

	status := Status{
		IsRunning: running,
		State:     string(stream.StateIdle),
		Clients:   s.registry.Clients(),
		Stats:     s.stats.Snapshot(),
	}
	status.ClientCount = len(status.Clients)

	if sup != nil {
		state := sup.State()
		status.State = string(state)
		status.IsStreaming = state == stream.StateStreaming
		status.SourceURL = sup.URL()
		if err := sup.LastError(); err != nil {
			status.LastError = err.Error()
		}
	}

	if running && listener != nil {
		status.Port = listener.Port()
		status.ProxyURL = fmt.Sprintf("http://%s:%d/camera", host, status.Port)
	}

	return status
}

// Shutdown は上流接続・全クライアント・リッスンソケットを終了して
// 全リソースを解放する。何度呼んでも安全
func (s *Service) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	sup := s.supervisor
	listener := s.listener
	cancel := s.cancel
	s.mu.Unlock()

	log.Println("カメラプロキシをシャットダウンしています...")

	sup.Stop()
	s.registry.EvictAll()

	var err error
	if listener != nil {
		err = listener.Shutdown(ctx)
	}
	if cancel != nil {
		cancel()
	}

	s.emit(Event{Type: EventProxyStopped})

	if err != nil {
		return fmt.Errorf("サーバーのシャットダウンに失敗: %w", err)
	}

	log.Println("カメラプロキシが正常にシャットダウンされました")
	return nil
}

// handleNotice はスーパーバイザーの遷移通知をイベントへ変換する
func (s *Service) handleNotice(n stream.Notice) {
	switch n.Kind {
	case stream.NoticeConnected:
		log.Println("上流ストリームに接続しました")
		s.emit(Event{Type: EventStreamConnected})

	case stream.NoticeDisconnected:
		log.Println("上流ストリームが切断されました")
		s.emit(Event{Type: EventStreamDisconnected})

	case stream.NoticeError:
		log.Printf("上流ストリームでエラーが発生しました: %v", n.Err)
		ev := Event{Type: EventStreamError}
		if n.Err != nil {
			ev.Message = n.Err.Error()
		}
		s.emit(ev)

	case stream.NoticeRetry:
		log.Printf("再接続を予約しました: %d回目 (%v後)", n.Attempt, n.Delay)
		s.emit(Event{
			Type: EventRetryAttempt,
			Data: map[string]any{"attempt": n.Attempt, "delayMs": n.Delay.Milliseconds()},
		})
	}
}

// emit はイベントを購読者とWebSocketへ配信する
func (s *Service) emit(ev Event) {
	ev.Timestamp = time.Now()

	s.subMu.RLock()
	subscribers := s.subscribers
	s.subMu.RUnlock()

	for _, fn := range subscribers {
		fn(ev)
	}

	s.mu.Lock()
	listener := s.listener
	s.mu.Unlock()
	if listener != nil {
		listener.PublishEvent(ev)
	}
}

package server

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"sync"
	"syscall"

	"chukei/internal/config"
	"chukei/internal/proxy"
	"chukei/internal/registry"

	"github.com/gin-gonic/gin"
)

// BindReason はバインド失敗の分類を表す
type BindReason string

const (
	BindAddressInUse     BindReason = "address-in-use"
	BindPermissionDenied BindReason = "permission-denied"
)

// BindError はリッスンソケットのバインド失敗を分類付きで表す
type BindError struct {
	Port   int
	Reason BindReason
	Err    error
}

func (e *BindError) Error() string {
	return fmt.Sprintf("ポート%dのバインドに失敗 (%s): %v", e.Port, e.Reason, e.Err)
}

func (e *BindError) Unwrap() error {
	return e.Err
}

// Proxy はHTTPサーバーから見たプロキシ本体
// proxy.Serviceが実装する
type Proxy interface {
	// Initialized は初期化済みかどうかを返す
	Initialized() bool

	// Status は状態スナップショットを返す
	Status() proxy.Status

	// RecordBytesSent はビューワーへ実際に書き込んだバイト数を記録する
	// キュー投入しただけで破棄されたフレームは計上しない
	RecordBytesSent(n int)
}

// Authorizer は呼び出し元が提示した不透明トークンを検証する
// 認可の実体は外部コラボレーターに委譲する
type Authorizer func(token string) bool

// Server はプロキシのHTTPサーバーを管理する構造体
type Server struct {
	cfg       config.ServerConfig
	registry  *registry.Registry
	proxy     Proxy
	authorize Authorizer

	engine     *gin.Engine
	httpServer *http.Server
	hub        *eventHub

	mu       sync.Mutex
	listener net.Listener
	port     int
	started  bool
}

// New は新しいServerインスタンスを作成する
// authorizeがnilの場合は認可チェックを行わない
func New(cfg config.ServerConfig, reg *registry.Registry, p Proxy, authorize Authorizer) *Server {
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())

	s := &Server{
		cfg:       cfg,
		registry:  reg,
		proxy:     p,
		authorize: authorize,
		engine:    engine,
		hub:       newEventHub(),
		httpServer: &http.Server{
			Handler:      engine,
			ReadTimeout:  cfg.ReadTimeout,
			WriteTimeout: cfg.WriteTimeout,
		},
	}

	s.setupRoutes()
	return s
}

// setupRoutes はHTTPルートを設定する
func (s *Server) setupRoutes() {
	// 確認用のルートページ
	s.engine.GET("/", s.handleIndex)

	// ヘルスチェックエンドポイント
	s.engine.GET("/health", s.handleHealth)

	// APIエンドポイント
	s.engine.GET("/api/status", s.handleStatus)
	s.engine.GET("/api/events", s.handleEvents)

	// ストリーミングエンドポイント
	s.engine.GET("/camera", s.handleCameraStream)
}

// Start はリッスンソケットを開いて配信を開始する
// 設定ポートが「使用中」で失敗した場合は一度だけPort+1で再試行し、
// それをセッションの実効ポートとして採用する。2度目の衝突は即失敗
func (s *Server) Start() (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started {
		return s.port, nil
	}

	ln, err := s.listen(s.cfg.Port)
	if err != nil {
		var bindErr *BindError
		if s.cfg.Port != 0 && errors.As(err, &bindErr) && bindErr.Reason == BindAddressInUse {
			log.Printf("ポート%dは使用中です。%dで再試行します", s.cfg.Port, s.cfg.Port+1)
			ln, err = s.listen(s.cfg.Port + 1)
		}
		if err != nil {
			return 0, err
		}
	}

	s.listener = ln
	s.port = ln.Addr().(*net.TCPAddr).Port
	s.started = true

	go func() {
		if err := s.httpServer.Serve(ln); err != nil && err != http.ErrServerClosed {
			log.Printf("HTTPサーバーが停止しました: %v", err)
		}
	}()

	log.Printf("HTTPサーバーを起動しています: %s:%d", s.cfg.Host, s.port)
	return s.port, nil
}

// listen は指定ポートでリッスンソケットを開く
func (s *Server) listen(port int) (net.Listener, error) {
	addr := fmt.Sprintf("%s:%d", s.cfg.Host, port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, classifyBindError(port, err)
	}
	return ln, nil
}

// Port は現在の実効ポートを返す（未起動なら0）
func (s *Server) Port() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.port
}

// PublishEvent はWebSocket購読者へイベントを配信する
func (s *Server) PublishEvent(ev proxy.Event) {
	s.hub.publish(ev)
}

// Shutdown はサーバーをグレースフルにシャットダウンする
// 何度呼んでも安全
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return nil
	}
	s.started = false
	s.mu.Unlock()

	s.hub.closeAll()

	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("サーバーのシャットダウンに失敗: %w", err)
	}

	log.Println("HTTPサーバーが正常にシャットダウンされました")
	return nil
}

// classifyBindError はバインド失敗をBindErrorに分類する
func classifyBindError(port int, err error) error {
	switch {
	case errors.Is(err, syscall.EADDRINUSE):
		return &BindError{Port: port, Reason: BindAddressInUse, Err: err}
	case errors.Is(err, syscall.EACCES):
		return &BindError{Port: port, Reason: BindPermissionDenied, Err: err}
	default:
		return fmt.Errorf("ポート%dのバインドに失敗: %w", port, err)
	}
}

package stream

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// NoticeKind は監視ループが通知する遷移イベントの種別
type NoticeKind string

const (
	NoticeConnected    NoticeKind = "connected"    // 上流接続が確立した
	NoticeDisconnected NoticeKind = "disconnected" // 上流接続が終了した
	NoticeError        NoticeKind = "error"        // 接続失敗またはストリーム断
	NoticeRetry        NoticeKind = "retry"        // 再接続を予約した
)

// Notice は状態遷移の通知
type Notice struct {
	Kind    NoticeKind
	Err     error
	Attempt int           // リトライ通知の試行番号
	Delay   time.Duration // リトライ通知の待ち時間
}

// cmdKind は監視ループへの指示の種別
type cmdKind int

const (
	cmdConnect cmdKind = iota // 上流への接続を開始する
	cmdSetURL                 // 接続先URLを入れ替える
	cmdRestore                // 強制的に切断・再接続する
	cmdStop                   // 上流接続のみ停止する（ループは維持）
)

type command struct {
	kind  cmdKind
	url   string
	reply chan bool
}

// Supervisor は上流接続のライフサイクルを管理する状態機械
// 接続・読み取り・リトライは全て単一のゴルーチンが行うため、
// 接続試行が同時に2つ走ることはない
type Supervisor struct {
	cfg   Config
	stats *Stats

	// Start前に登録するハンドラ群
	handlers []func([]byte)
	notify   func(Notice)

	mu      sync.RWMutex
	state   State
	url     string
	lastErr error
	started bool

	cmdCh  chan command
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewSupervisor は新しいSupervisorを作成する
func NewSupervisor(cfg Config, stats *Stats) *Supervisor {
	return &Supervisor{
		cfg:   cfg,
		stats: stats,
		state: StateIdle,
		url:   cfg.URL,
		cmdCh: make(chan command, 8),
	}
}

// OnFrame はフレームハンドラを登録する（Start前に呼ぶこと）
// 複数回登録でき、各フレームは登録順に全ハンドラへ渡される
func (s *Supervisor) OnFrame(handler func([]byte)) {
	s.handlers = append(s.handlers, handler)
}

// Notify は状態遷移の通知先を登録する（Start前に呼ぶこと）
func (s *Supervisor) Notify(fn func(Notice)) {
	s.notify = fn
}

// Start は監視ループを開始する
func (s *Supervisor) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started {
		return fmt.Errorf("スーパーバイザーは既に開始されています")
	}

	ctx, s.cancel = context.WithCancel(ctx)
	s.started = true

	s.wg.Add(1)
	go s.run(ctx)

	return nil
}

// Stop は監視ループを終了させる
// 接続試行中やリトライ待機中でも速やかに中断する。何度呼んでも安全
func (s *Supervisor) Stop() {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return
	}
	s.started = false
	cancel := s.cancel
	s.mu.Unlock()

	cancel()
	s.wg.Wait()
}

// Connect は上流への接続開始を指示する
func (s *Supervisor) Connect() {
	s.send(command{kind: cmdConnect})
}

// StopStream は上流接続のみ停止する（監視ループとリスナーは維持）
func (s *Supervisor) StopStream() {
	s.send(command{kind: cmdStop})
}

// SetURL は接続先URLを入れ替える
// 配信中であれば切断後に新しいURLへ再接続する。空文字は上流停止を意味する
func (s *Supervisor) SetURL(url string) {
	s.send(command{kind: cmdSetURL, url: url})
}

// Restore は現在の状態にかかわらず強制的に切断・再接続する
// 戻り値は直後の接続試行が成功したかどうか
func (s *Supervisor) Restore() bool {
	reply := make(chan bool, 1)
	if !s.send(command{kind: cmdRestore, reply: reply}) {
		return false
	}

	select {
	case ok := <-reply:
		return ok
	case <-time.After(s.cfg.ConnectTimeout + 5*time.Second):
		return false
	}
}

// State は現在の接続状態を返す
func (s *Supervisor) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// URL は現在の接続先URLを返す
func (s *Supervisor) URL() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.url
}

// LastError は最後に記録されたエラーを返す（なければnil）
func (s *Supervisor) LastError() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastErr
}

// send はコマンドを監視ループへ送る
func (s *Supervisor) send(cmd command) bool {
	s.mu.RLock()
	started := s.started
	s.mu.RUnlock()

	if !started {
		if cmd.reply != nil {
			cmd.reply <- false
		}
		return false
	}

	select {
	case s.cmdCh <- cmd:
		return true
	case <-time.After(time.Second):
		if cmd.reply != nil {
			cmd.reply <- false
		}
		return false
	}
}

func (s *Supervisor) setState(state State) {
	s.mu.Lock()
	s.state = state
	s.mu.Unlock()
}

func (s *Supervisor) setURL(url string) {
	s.mu.Lock()
	s.url = url
	s.mu.Unlock()
}

func (s *Supervisor) setLastError(err error) {
	s.mu.Lock()
	s.lastErr = err
	s.mu.Unlock()
}

func (s *Supervisor) emit(n Notice) {
	if s.notify != nil {
		s.notify(n)
	}
}

// loopState は監視ループ内だけで使う可変状態
type loopState struct {
	active  bool      // 上流接続を維持すべきか
	attempt int       // 現在の連続失敗回数
	pending chan bool // Restore呼び出し元への応答待ち
}

// reply は保留中のRestore呼び出しへ結果を返す
func (st *loopState) reply(ok bool) {
	if st.pending != nil {
		st.pending <- ok
		st.pending = nil
	}
}

// applyCommand はコマンドをループ状態へ反映する
func (s *Supervisor) applyCommand(cmd command, st *loopState) {
	switch cmd.kind {
	case cmdConnect:
		if s.URL() != "" {
			st.active = true
			st.attempt = 0
		}

	case cmdSetURL:
		s.setURL(cmd.url)
		st.attempt = 0
		if cmd.url == "" {
			// URLなしは上流停止を意味する（リスナーとクライアントは維持）
			st.active = false
			s.setState(StateIdle)
		}

	case cmdRestore:
		if s.URL() == "" {
			// カメラ未設定での復旧要求は想定内の失敗
			if cmd.reply != nil {
				cmd.reply <- false
			}
			return
		}
		st.reply(false)
		st.active = true
		st.attempt = 0
		st.pending = cmd.reply

	case cmdStop:
		st.active = false
		s.setState(StateIdle)
	}
}

// run は監視ループ本体
// このゴルーチンだけが接続・切断・統計更新を行う
func (s *Supervisor) run(ctx context.Context) {
	defer s.wg.Done()

	var src *Source
	st := &loopState{}

	disconnect := func() {
		if src != nil {
			src.Disconnect()
			src = nil
		}
	}

	defer func() {
		disconnect()
		st.reply(false)
		s.setState(StateStopped)
	}()

	for {
		// 接続を維持しない間はコマンドを待つ
		// Failed状態もここで待機し、明示的な指示があれば再入する
		if !st.active || s.URL() == "" {
			select {
			case <-ctx.Done():
				return
			case cmd := <-s.cmdCh:
				s.applyCommand(cmd, st)
			}
			continue
		}

		// 接続試行（このゴルーチンのみが接続するため常に高々1つ）
		s.setState(StateConnecting)
		newSrc, err := Connect(ctx, s.cfg, s.URL(), s.handlers, s.stats)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			s.stats.ConnectFailed()
			s.setLastError(err)
			s.emit(Notice{Kind: NoticeError, Err: err})
			st.reply(false)

			if !s.retryWait(ctx, st) {
				return
			}
			continue
		}

		// 接続成功
		src = newSrc
		st.attempt = 0
		s.stats.ConnectSucceeded()
		s.setLastError(nil)
		s.setState(StateStreaming)
		s.emit(Notice{Kind: NoticeConnected})
		st.reply(true)

		// 配信中：上流エラーかコマンドを待つ
		// 接続指示はここで消費する。外側ループへ戻すと確立済みの接続を
		// 残したまま2本目を張ってしまう
	streaming:
		for {
			select {
			case <-ctx.Done():
				return

			case err := <-src.Done():
				disconnect()
				s.stats.ConnectFailed()
				s.setLastError(err)
				s.emit(Notice{Kind: NoticeError, Err: err})
				s.emit(Notice{Kind: NoticeDisconnected})

				if !s.retryWait(ctx, st) {
					return
				}
				break streaming

			case cmd := <-s.cmdCh:
				if cmd.kind == cmdConnect {
					// 既に配信中なので何もしない
					continue
				}
				s.applyCommand(cmd, st)
				disconnect()
				// 確立済みの接続を落としたので必ず切断を通知する
				// activeのままなら外側ループで即再接続する（setURL/restore）
				s.emit(Notice{Kind: NoticeDisconnected})
				break streaming
			}
		}
	}
}

// retryWait はリトライポリシーを判定し、必要なら待機する
// 戻り値がfalseの場合はループを終了すべき（コンテキスト終了時のみ）
func (s *Supervisor) retryWait(ctx context.Context, st *loopState) bool {
	st.attempt++
	rc := s.cfg.Reconnect

	if !rc.Enabled || (rc.MaxRetries > 0 && st.attempt > rc.MaxRetries) {
		// 自動リトライはここで打ち切る。Restoreによる再入は引き続き可能
		st.active = false
		s.setState(StateFailed)
		return true
	}

	s.stats.SetRetryCount(st.attempt)
	delay := backoffDelay(st.attempt, rc)
	s.setState(StateRetrying)
	s.emit(Notice{Kind: NoticeRetry, Attempt: st.attempt, Delay: delay})

	timer := time.NewTimer(delay)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	case cmd := <-s.cmdCh:
		// 待機中のコマンドは待ち時間を打ち切って反映する
		s.applyCommand(cmd, st)
		return true
	}
}

// backoffDelay はn回目のリトライまでの待ち時間を計算する
// 指数バックオフ有効時は retryDelay * 2^(n-1) を上限付きで返す
func backoffDelay(attempt int, rc ReconnectConfig) time.Duration {
	delay := rc.RetryDelay
	if rc.ExponentialBackoff && attempt > 1 {
		shift := uint(attempt - 1)
		if shift > 16 {
			shift = 16
		}
		delay = rc.RetryDelay << shift
	}
	if rc.MaxRetryDelay > 0 && delay > rc.MaxRetryDelay {
		delay = rc.MaxRetryDelay
	}
	return delay
}

package stream

import (
	"context"
	"errors"
	"fmt"
	"mime"
	"net"
	"net/http"
	"strings"
	"sync"
)

// Source は上流カメラへの単一接続を所有する
// レスポンス本体を読み続け、フレーム境界ごとに登録済みハンドラへ配信する
type Source struct {
	resp     *http.Response
	cancel   context.CancelFunc
	handlers []func([]byte)
	stats    *Stats

	done      chan error
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// Connect は上流へ接続し、読み取りループを開始する
// 接続できない場合や初回レスポンスがマルチパート形式でない場合は
// ConnectErrorを返す
func Connect(ctx context.Context, cfg Config, rawURL string, handlers []func([]byte), stats *Stats) (*Source, error) {
	cctx, cancel := context.WithCancel(ctx)

	req, err := http.NewRequestWithContext(cctx, http.MethodGet, rawURL, nil)
	if err != nil {
		cancel()
		return nil, &ConnectError{Reason: ReasonProtocolMismatch, Err: err}
	}

	// 接続確立とレスポンスヘッダー受信のみにタイムアウトを適用する
	// 本体の読み取りはストリームなのでタイムアウトさせない
	client := &http.Client{
		Transport: &http.Transport{
			DialContext:           (&net.Dialer{Timeout: cfg.ConnectTimeout}).DialContext,
			ResponseHeaderTimeout: cfg.ConnectTimeout,
		},
	}

	resp, err := client.Do(req)
	if err != nil {
		cancel()
		return nil, classifyConnectError(err)
	}

	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		cancel()
		return nil, &ConnectError{
			Reason: ReasonProtocolMismatch,
			Err:    fmt.Errorf("予期しないステータスコード: %d", resp.StatusCode),
		}
	}

	mediaType, params, err := mime.ParseMediaType(resp.Header.Get("Content-Type"))
	if err != nil || !strings.HasPrefix(mediaType, "multipart/") || params["boundary"] == "" {
		resp.Body.Close()
		cancel()
		return nil, &ConnectError{
			Reason: ReasonProtocolMismatch,
			Err:    fmt.Errorf("マルチパートストリームではありません: %q", resp.Header.Get("Content-Type")),
		}
	}

	s := &Source{
		resp:     resp,
		cancel:   cancel,
		handlers: handlers,
		stats:    stats,
		done:     make(chan error, 1),
	}

	s.wg.Add(1)
	go s.readLoop(params["boundary"])

	return s, nil
}

// Done は読み取りループの終了を通知するチャンネルを返す
// ストリーム失敗時にエラーが1つだけ送られる
func (s *Source) Done() <-chan error {
	return s.done
}

// Disconnect は上流接続を閉じる
// 未接続でも何度呼んでも安全
func (s *Source) Disconnect() {
	s.closeOnce.Do(func() {
		s.cancel()
		s.wg.Wait()
	})
}

// readLoop は上流からバイト列を読み続け、フレームごとにハンドラへ配信する
func (s *Source) readLoop(boundary string) {
	defer s.wg.Done()
	defer s.resp.Body.Close()

	parser := newFrameParser(boundary, defaultMaxBufferSize)
	buf := make([]byte, 32*1024)

	for {
		n, err := s.resp.Body.Read(buf)
		if n > 0 {
			s.stats.AddBytesReceived(n)

			frames, perr := parser.feed(buf[:n])
			for _, frame := range frames {
				for _, handler := range s.handlers {
					handler(frame)
				}
			}
			if perr != nil {
				// 不正な境界はストリーム失敗として扱い、強制切断する
				s.fail(perr)
				return
			}
		}
		if err != nil {
			s.fail(err)
			return
		}
	}
}

// fail は終了理由を1度だけ通知する
func (s *Source) fail(err error) {
	select {
	case s.done <- err:
	default:
	}
}

// classifyConnectError は接続エラーをConnectErrorに分類する
func classifyConnectError(err error) *ConnectError {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return &ConnectError{Reason: ReasonTimeout, Err: err}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &ConnectError{Reason: ReasonTimeout, Err: err}
	}
	return &ConnectError{Reason: ReasonRefused, Err: err}
}

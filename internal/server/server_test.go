package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"chukei/internal/config"
	"chukei/internal/proxy"
	"chukei/internal/registry"
)

// fakeProxy はテスト用のProxy実装
type fakeProxy struct {
	initialized bool
	status      proxy.Status
	bytesSent   atomic.Int64
}

func (f *fakeProxy) Initialized() bool {
	return f.initialized
}

func (f *fakeProxy) Status() proxy.Status {
	return f.status
}

func (f *fakeProxy) RecordBytesSent(n int) {
	f.bytesSent.Add(int64(n))
}

func testServerConfig(port int) config.ServerConfig {
	return config.ServerConfig{
		Host: "127.0.0.1",
		Port: port,
	}
}

// startTestServer はテスト用サーバーを起動し、ベースURLを返す
func startTestServer(t *testing.T, reg *registry.Registry, p Proxy, authorize Authorizer) (*Server, string) {
	t.Helper()

	srv := New(testServerConfig(0), reg, p, authorize)
	port, err := srv.Start()
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		srv.Shutdown(ctx)
	})

	return srv, fmt.Sprintf("http://127.0.0.1:%d", port)
}

// TestServer_PortFallback は設定ポート使用中の場合にPort+1へ退避することをテストする
func TestServer_PortFallback(t *testing.T) {
	// 先にポートを占有しておく
	occupied, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Failed to occupy port: %v", err)
	}
	defer occupied.Close()
	port := occupied.Addr().(*net.TCPAddr).Port

	srv := New(testServerConfig(port), registry.New(), &fakeProxy{}, nil)
	got, err := srv.Start()
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		srv.Shutdown(ctx)
	}()

	if got != port+1 {
		t.Errorf("Expected fallback port %d, got %d", port+1, got)
	}
	if srv.Port() != port+1 {
		t.Errorf("Expected effective port %d, got %d", port+1, srv.Port())
	}
}

// TestServer_PortFallbackExhausted は2度目の衝突で即失敗することをテストする
func TestServer_PortFallbackExhausted(t *testing.T) {
	first, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Failed to occupy port: %v", err)
	}
	defer first.Close()
	port := first.Addr().(*net.TCPAddr).Port

	second, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", port+1))
	if err != nil {
		t.Skipf("Could not occupy fallback port: %v", err)
	}
	defer second.Close()

	srv := New(testServerConfig(port), registry.New(), &fakeProxy{}, nil)
	_, err = srv.Start()
	if err == nil {
		srv.Shutdown(context.Background())
		t.Fatal("Expected bind error, got nil")
	}

	var bindErr *BindError
	if !errors.As(err, &bindErr) {
		t.Fatalf("Expected BindError, got %T", err)
	}
	if bindErr.Reason != BindAddressInUse {
		t.Errorf("Expected address-in-use, got %s", bindErr.Reason)
	}
	if bindErr.Port != port+1 {
		t.Errorf("Expected failure on port %d, got %d", port+1, bindErr.Port)
	}
}

// TestServer_Health はヘルスチェックエンドポイントをテストする
func TestServer_Health(t *testing.T) {
	_, base := startTestServer(t, registry.New(), &fakeProxy{}, nil)

	resp, err := http.Get(base + "/health")
	if err != nil {
		t.Fatalf("Request failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Errorf("Expected status 200, got %d", resp.StatusCode)
	}

	var body map[string]string
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if body["status"] != "healthy" {
		t.Errorf("Expected healthy status, got %q", body["status"])
	}
}

// TestServer_StatusNotInitialized は未初期化時の503応答をテストする
func TestServer_StatusNotInitialized(t *testing.T) {
	_, base := startTestServer(t, registry.New(), &fakeProxy{initialized: false}, nil)

	resp, err := http.Get(base + "/api/status")
	if err != nil {
		t.Fatalf("Request failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("Expected status 503, got %d", resp.StatusCode)
	}
}

// TestServer_Status は状態スナップショットの応答をテストする
func TestServer_Status(t *testing.T) {
	status := &fakeProxy{
		initialized: true,
		status: proxy.Status{
			IsRunning:   true,
			Port:        8181,
			ProxyURL:    "http://127.0.0.1:8181/camera",
			IsStreaming: true,
			State:       "streaming",
			SourceURL:   "http://camera.local/stream",
			ClientCount: 2,
		},
	}
	_, base := startTestServer(t, registry.New(), status, nil)

	resp, err := http.Get(base + "/api/status")
	if err != nil {
		t.Fatalf("Request failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", resp.StatusCode)
	}

	var got proxy.Status
	if err := json.NewDecoder(resp.Body).Decode(&got); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if !got.IsRunning || got.Port != 8181 || got.ClientCount != 2 {
		t.Errorf("Unexpected status payload: %+v", got)
	}
}

// TestServer_CameraStreamNotInitialized は未初期化時のストリーム拒否をテストする
func TestServer_CameraStreamNotInitialized(t *testing.T) {
	_, base := startTestServer(t, registry.New(), &fakeProxy{initialized: false}, nil)

	resp, err := http.Get(base + "/camera")
	if err != nil {
		t.Fatalf("Request failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("Expected status 503, got %d", resp.StatusCode)
	}
}

// TestServer_CameraStreamUnauthorized はトークン不一致時の401をテストする
func TestServer_CameraStreamUnauthorized(t *testing.T) {
	authorize := func(token string) bool { return token == "himitsu" }
	reg := registry.New()
	_, base := startTestServer(t, reg, &fakeProxy{initialized: true}, authorize)

	resp, err := http.Get(base + "/camera?token=machigai")
	if err != nil {
		t.Fatalf("Request failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("Expected status 401, got %d", resp.StatusCode)
	}
	if reg.Count() != 0 {
		t.Errorf("Expected no registered clients, got %d", reg.Count())
	}
}

// TestServer_CameraStreamDelivery はビューワーへのフレーム配信をテストする
func TestServer_CameraStreamDelivery(t *testing.T) {
	reg := registry.New()
	_, base := startTestServer(t, reg, &fakeProxy{initialized: true}, nil)

	resp, err := http.Get(base + "/camera")
	if err != nil {
		t.Fatalf("Request failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "multipart/x-mixed-replace; boundary=frame" {
		t.Errorf("Unexpected content type: %q", ct)
	}

	// クライアント登録を待ってからフレームを流す
	deadline := time.Now().Add(2 * time.Second)
	for reg.Count() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if reg.Count() != 1 {
		t.Fatalf("Expected 1 registered client, got %d", reg.Count())
	}

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		for {
			select {
			case <-stop:
				return
			case <-time.After(10 * time.Millisecond):
				reg.Broadcast([]byte("jpeg-data"))
			}
		}
	}()

	// フレームが届くまで読み進める
	var acc bytes.Buffer
	buf := make([]byte, 4096)
	for !bytes.Contains(acc.Bytes(), []byte("jpeg-data")) {
		if time.Now().After(deadline) {
			t.Fatalf("Frame did not arrive; received: %q", acc.String())
		}
		n, err := resp.Body.Read(buf)
		acc.Write(buf[:n])
		if err != nil && err != io.EOF {
			t.Fatalf("Read failed: %v", err)
		}
	}

	if !bytes.Contains(acc.Bytes(), []byte("--frame\r\nContent-Type: image/jpeg\r\nContent-Length: 9\r\n\r\n")) {
		t.Errorf("Expected multipart part headers, got %q", acc.String())
	}
}

// TestServer_ViewerFailureIsolation は1ビューワーの切断が他のビューワーへ
// 波及しないことをテストする
func TestServer_ViewerFailureIsolation(t *testing.T) {
	reg := registry.New()

	var mu sync.Mutex
	detached := 0
	reg.OnDetach(func(*registry.Client, error) {
		mu.Lock()
		detached++
		mu.Unlock()
	})

	_, base := startTestServer(t, reg, &fakeProxy{initialized: true}, nil)

	openViewer := func() *http.Response {
		t.Helper()
		resp, err := http.Get(base + "/camera")
		if err != nil {
			t.Fatalf("Request failed: %v", err)
		}
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("Expected status 200, got %d", resp.StatusCode)
		}
		return resp
	}

	victim := openViewer()
	first := openViewer()
	second := openViewer()
	defer first.Body.Close()
	defer second.Body.Close()

	deadline := time.Now().Add(3 * time.Second)
	for reg.Count() != 3 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if reg.Count() != 3 {
		t.Fatalf("Expected 3 registered clients, got %d", reg.Count())
	}

	// 配信を続けながら1ビューワーを強制切断する
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		for {
			select {
			case <-stop:
				return
			case <-time.After(10 * time.Millisecond):
				reg.Broadcast([]byte("after-kill"))
			}
		}
	}()

	victim.Body.Close()

	// 切断されたのは1ビューワーだけ
	for time.Now().Before(deadline) {
		mu.Lock()
		d := detached
		mu.Unlock()
		if d == 1 && reg.Count() == 2 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	mu.Lock()
	if detached != 1 {
		mu.Unlock()
		t.Fatalf("Expected exactly 1 detached client, got %d", detached)
	}
	mu.Unlock()
	if reg.Count() != 2 {
		t.Fatalf("Expected 2 surviving clients, got %d", reg.Count())
	}

	// 生き残ったビューワーは引き続きフレームを受信する
	for i, survivor := range []*http.Response{first, second} {
		var acc bytes.Buffer
		buf := make([]byte, 4096)
		for !bytes.Contains(acc.Bytes(), []byte("after-kill")) {
			if time.Now().After(deadline) {
				t.Fatalf("Survivor %d did not receive frames; got %q", i, acc.String())
			}
			n, err := survivor.Body.Read(buf)
			acc.Write(buf[:n])
			if err != nil && err != io.EOF {
				t.Fatalf("Survivor %d read failed: %v", i, err)
			}
		}
	}
}

// TestServer_BytesSentAccounting は実際に書き込めたフレームだけが
// 送信量として計上されることをテストする
func TestServer_BytesSentAccounting(t *testing.T) {
	reg := registry.New()
	fake := &fakeProxy{initialized: true}
	_, base := startTestServer(t, reg, fake, nil)

	// ビューワー不在の配信は計上されない
	reg.Broadcast([]byte("jpeg-data"))
	time.Sleep(20 * time.Millisecond)
	if got := fake.bytesSent.Load(); got != 0 {
		t.Fatalf("Expected no bytes recorded without viewers, got %d", got)
	}

	resp, err := http.Get(base + "/camera")
	if err != nil {
		t.Fatalf("Request failed: %v", err)
	}
	defer resp.Body.Close()

	deadline := time.Now().Add(2 * time.Second)
	for reg.Count() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		for {
			select {
			case <-stop:
				return
			case <-time.After(10 * time.Millisecond):
				reg.Broadcast([]byte("jpeg-data"))
			}
		}
	}()

	var acc bytes.Buffer
	buf := make([]byte, 4096)
	for !bytes.Contains(acc.Bytes(), []byte("jpeg-data")) {
		if time.Now().After(deadline) {
			t.Fatalf("Frame did not arrive; received: %q", acc.String())
		}
		n, err := resp.Body.Read(buf)
		acc.Write(buf[:n])
		if err != nil && err != io.EOF {
			t.Fatalf("Read failed: %v", err)
		}
	}

	// 書き込み単位（フレーム全体）でのみ計上される
	got := fake.bytesSent.Load()
	if got == 0 || got%int64(len("jpeg-data")) != 0 {
		t.Errorf("Expected sent bytes in whole frames of %d, got %d", len("jpeg-data"), got)
	}
}

package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"chukei/internal/config"
	"chukei/internal/proxy"
	"chukei/internal/server"
)

func main() {
	// 設定を読み込む
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("設定の読み込みに失敗しました: %v", err)
	}

	// プロキシサービスを作成・初期化
	svc := proxy.New()
	if err := svc.Initialize(cfg); err != nil {
		log.Fatalf("プロキシの初期化に失敗しました: %v", err)
	}

	// HTTPサーバーを作成して結線
	srv := server.New(cfg.Server, svc.Registry(), svc, newAuthorizer(cfg.Server.AccessToken))
	svc.SetListener(srv)

	// プロキシを起動
	if err := svc.Start(); err != nil {
		log.Fatalf("プロキシの起動に失敗しました: %v", err)
	}

	// シグナルを待つ
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.Printf("シグナルを受信しました: %v", sig)

	// グレースフルシャットダウン
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := svc.Shutdown(ctx); err != nil {
		log.Fatalf("シャットダウンに失敗しました: %v", err)
	}
}

// newAuthorizer はアクセストークンの検証関数を作る
// トークン未設定の場合は認可チェックなし
func newAuthorizer(token string) server.Authorizer {
	if token == "" {
		return nil
	}
	return func(presented string) bool {
		return presented == token
	}
}

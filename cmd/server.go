// Package main はChukeiサーバーコマンドの実装です
package main

import (
	"context"
	"flag"
	"fmt"
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
	// コマンドラインオプション
	var (
		host = flag.String("host", "", "サーバーのホスト (デフォルト: 127.0.0.1)")
		port = flag.Int("port", 0, "サーバーのポート (デフォルト: 8181)")
		url  = flag.String("url", "", "上流カメラのストリームURL")
		help = flag.Bool("help", false, "ヘルプを表示")
	)

	flag.Parse()

	// ヘルプ表示
	if *help {
		fmt.Println("Chukei")
		fmt.Println()
		fmt.Println("使用方法:")
		fmt.Println("  server [オプション]")
		fmt.Println()
		fmt.Println("オプション:")
		flag.PrintDefaults()
		os.Exit(0)
	}

	// 設定を読み込む
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("設定の読み込みに失敗しました: %v", err)
	}

	// コマンドラインオプションで設定を上書き
	if *host != "" {
		cfg.Server.Host = *host
	}
	if *port != 0 {
		cfg.Server.Port = *port
	}
	if *url != "" {
		cfg.Stream.URL = *url
	}

	// プロキシサービスを組み立てる
	svc := proxy.New()
	if err := svc.Initialize(cfg); err != nil {
		log.Fatalf("プロキシの初期化に失敗しました: %v", err)
	}
	srv := server.New(cfg.Server, svc.Registry(), svc, nil)
	svc.SetListener(srv)

	// プロキシを起動
	log.Printf("Chukei カメラプロキシを起動します: %s", cfg.ServerAddress())
	if err := svc.Start(); err != nil {
		log.Fatalf("プロキシの起動に失敗しました: %v", err)
	}

	// シグナルを待つ
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	// グレースフルシャットダウン
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := svc.Shutdown(ctx); err != nil {
		log.Fatalf("シャットダウンに失敗しました: %v", err)
	}
}

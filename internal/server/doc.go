// Package server は、プロキシのHTTP配信面を管理します。
//
// このパッケージは、リッスンソケットの所有、ビューワー接続の受け入れ、
// 状態・イベントの配信を担当します。
//
// 責務:
//   - リッスンソケットの確保（占有時はPort+1へ一度だけフォールバック）
//   - /camera でのマルチパートストリーム配信とClientRegistryへの登録
//   - /api/status と /health での状態の公開
//   - /api/events でのライフサイクルイベント配信（gorilla/websocket）
//   - グレースフルシャットダウン
package server

// Package proxy はカメラプロキシ全体のオーケストレーションを担う
//
// # 責務
// - 設定の束縛とライフサイクル管理（Initialize/Start/Stop/Shutdown）
// - 上流接続（stream）とクライアント管理（registry）とHTTPサーバーの結線
// - 状態スナップショット（Status）の組み立て
// - ライフサイクルイベントの外部コラボレーターへの通知
//
// # 仕様
// - プロセス内に1インスタンスだけ構築し、参照で引き回す
//   （グローバル変数による隠れた共有状態は持たない）
// - 上流エラーはイベントとしてのみ表面化し、APIの呼び出し元へは
//   投げない。バインド失敗のみStart()の失敗として返す
package proxy

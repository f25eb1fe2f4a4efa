// Package stream は上流カメラストリームの接続と監視を担う
//
// # 責務
// - 上流カメラへの単一接続の所有と読み取り
// - マルチパートストリームのフレーム境界解析
// - 接続失敗・ストリーム断からの自動再接続（指数バックオフ）
// - 接続状態と累積統計の管理
//
// # 仕様
// - 上流デバイスは同時に1接続しか受け付けないため、接続試行は
//   常に高々1つ（監視ループの単一ゴルーチンのみが接続を行う）
// - フレームは境界で完全に区切られたチャンクのみを出力し、
//   読み取り末尾の不完全なチャンクは次の読み取りまで保持する
// - 接続エラーはConnectErrorとして分類され、呼び出し元へは
//   例外ではなくイベント通知として伝搬する
package stream

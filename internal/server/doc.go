// Package server は稼働状況の確認と手動操作のためのHTTPサーバーを提供します。
//
// 責務:
//   - ヘルスチェックと稼働状況（取得ループ・認証・配信の統計）の公開
//   - 最新の有効なフレームの PNG での配信
//   - 手動トリガーによる配信
//
// 仕様:
//   - gin を使用
//   - 既定では無効で、設定の server.enabled で有効にする
//   - グレースフルシャットダウンに対応
package server

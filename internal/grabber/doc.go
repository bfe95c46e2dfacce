// Package grabber はカメラの常時取得ループと復旧処理を担う
//
// # 責務
// - ソースを開いたまま最新フレームを1枚だけ保持する（Grabber）
// - 平均輝度による無効フレームの除外
// - 連続失敗時のソースの再オープン
// - ループのインスタンスを差し替える復旧（Supervisor）
//
// # 状態
//
//	initializing → running ⇄ degraded → reopening → running | reopening
//	どの状態からでも stopped
//
// Supervisor.Recover と Grabber の自己再オープンは同じロックで直列化されるため、
// ソースが同時に2回開かれることはない。
package grabber

// Package camera はフレームソースの抽象と各バックエンドを提供する
//
// # 責務
// - 連続ソース（Opener/Stream）と単発ソース（Fetcher）の定義
// - ffmpeg / rpicam-vid / HTTP スナップショットによるフレーム取得
// - V4L2デバイスの自動検出と動作確認
// - 輝度補正（ガンマ変換表）と PNG エンコード
//
// # 仕様
// - Frame は RGB の画素バッファを所有する。受け渡しは Clone で複製する
// - Stream.Close は Read と並行して呼べ、ブロック中の Read を解放する
// - バックエンドは Factory にバックエンド名で登録する
// - OpenCV バックエンドは opencv サブパッケージ（gocv ビルドタグ）で提供する
//
// # 前提要件
//   - ffmpeg: USBカメラ・RTSPストリームの取得に使用
//     Ubuntu/Debian: sudo apt install ffmpeg
//   - v4l-utils: カメラ名とフォーマットの取得に使用
//     Ubuntu/Debian: sudo apt install v4l-utils
//   - rpicam-apps: Raspberry Pi カメラモジュールの取得に使用
//   - videoグループへの参加: デバイスアクセス権限
//     sudo usermod -a -G video $USER
package camera

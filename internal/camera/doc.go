// Package camera は単一の物理カメラからの補正前フレーム取得を担う
//
// # 責務
// - Source インターフェースによるデバイスのオープン・設定・読み込み・解放
// - V4L2 (go4vl) と ffmpeg の2つのバックエンド、テスト用の MockSource
// - v4l2-ctl による露出・電源周波数・WB自動のコントロール設定
// - オープン後のウォームアップと再接続手順 (Lifecycle)
// - /dev/video* の検出と "auto" 指定の解決
//
// # 任意の機能
// 露出値の設定 (ExposureSetter)、昼夜モードのヒント (ModeHinter)、
// コントロールの一括適用 (ControlApplier) は型アサーションで確認する。
// 対応していないソースでは呼び出し側が何もしない。
//
// # 前提要件
//   - v4l-utils: コントロール設定とデバイス情報の取得に使用
//     Ubuntu/Debian: sudo apt install v4l-utils
//   - ffmpeg: ffmpeg バックエンドを使う場合のみ
//   - videoグループへの参加: デバイスアクセス権限
//     sudo usermod -a -G video $USER
package camera

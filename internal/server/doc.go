// Package server は、MJPEGストリームとホワイトバランス制御のHTTPエンドポイントを提供します。
//
// 責務:
//   - /stream0.mjpg での multipart/x-mixed-replace 配信（接続ごとに独立）
//   - /wb/* によるホワイトバランスの状態取得・キャリブレーション・モード変更
//   - ビューアーページ（埋め込み）、ヘルスチェック、ステータスの提供
//   - グレースフルシャットダウン
//
// 仕様:
//   - gin を使用
//   - 配信元が未初期化または停止済みの場合、ストリームは 503 を返す
//   - 制御エンドポイントのエラーは ErrorResponse の JSON で返す
//   - 配信中の接続数をアトミックに数える
package server

// Package imaging は配信前のフレーム補正を担う
//
// # 責務
// - 補正前フレームの輝度による昼夜モードの自動切り替え（EMA + ヒステリシス + 2サンプル確認）
// - グレーワールド仮定によるホワイトバランス（off / auto_grayworld / locked）
// - 色補正（チャンネル倍率 + ガンマ）、夜モードの明るさ補正、回転
// - DAY/NIGHT ラベルと周期表示ラベルの描画
// - キャリブレーション（固定と保存）とプレビュー（状態を変えない推定）
//
// # 並行性
// Process はプロデューサー goroutine だけが呼ぶ。WBモードとゲイン、昼夜モードは
// 小さなロックで守られており、制御エンドポイントからの参照は最終的に一貫すればよい。
package imaging

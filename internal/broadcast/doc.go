// Package broadcast は唯一のプロデューサーとして取得・補正・エンコードを回し、
// 最新のJPEGフレームを任意数のコンシューマーに配る
//
// コンシューマーは Next(ctx, lastSeq) で自分が最後に見た番号より新しいフレームを待つ。
// 待機条件は番号の再確認ループで、待機に入る前の公開も取りこぼさない。
// 保持するのは最新の1枚だけなので、遅いコンシューマーは途中のフレームを飛ばす。
package broadcast

// Package camera 1台のカメラのセッション管理を担う
//
// # 責務
// - 非同期なハードウェアAPIの上でのオープン・クローズ・プレビューの制御
// - 端末の回転を考慮したプレビュー・静止画サイズの選択
// - AF/AEの状態を見ながら静止画を撮影するタイミングの決定
// - ライフサイクル通知の配信
//
// # 使い分け
// このパッケージは以下の場合に使用する：
// - カメラを開いてプレビューを表示したい
// - 回転に合わせた解像度でストリームを構成したい
// - ピントと露出が合ったタイミングで静止画を撮りたい
//
// # 仕様
// - Controller: 全操作の窓口。コマンドとハードウェアコールバックを1本のワーカーで直列化する
// - Negotiator: AF/AEメタデータから撮影タイミングを決める純粋な状態機械
// - SelectSize: 目標サイズを覆う最小の候補、なければ最大の候補を選ぶ
// - OrientationTracker: センサーの角度を 0/90/180/270 に丸めて保持する
// - Hardware: ハードウェアAPIの契約。MockHardware はテストと mock バックエンドで使う
//
// # 並行性
// ハードウェアのコールバックは任意のゴルーチンから届くが、状態の変更は全てワーカー上で行う。
// ワーカーの外から書き込まれるのは OrientationTracker だけ。
package camera

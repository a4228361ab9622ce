// Package server は、カメラを操作するHTTP APIを提供します。
//
// このパッケージは、ginによるルーティング、カメラコマンドの受け付け、
// プレビューのMJPEG配信、カメラ通知のSSE配信を担当します。
//
// 責務:
//   - HTTPサーバーの起動とグレースフルシャットダウン
//   - カメラのオープン/クローズ、プレビュー開始/停止、静止画撮影の受け付け
//   - 端末の回転角の受け付け
//   - プレビューフレームのMJPEG配信
//   - Prometheusメトリクスの公開
//
// 仕様:
//   - コントローラのエラーはHTTPステータスに変換する（状態の競合は409、デバイス異常は503）
//   - コマンドはリクエストごとにタイムアウトを設ける
//   - ストリーミングはクライアント切断かサーバー停止で終了する
package server

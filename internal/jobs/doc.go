// Package jobs は EPUB 変換ジョブの登録・実行・進捗配信・保存・掃除を提供します。
//
// ジョブの状態は Registry が唯一の正とし、Store がそのスナップショットを
// Backend（ファイル、Redis、PostgreSQL）へ書き出します。変換は Dispatcher が
// ゴルーチンまたは Asynq キュー経由で Manager.Run に渡します。
//
// 状態遷移:
//
//	starting → running → completed
//	                   ↘ failed
package jobs

package jobs

import (
	"errors"
	"fmt"
	"time"
)

// Status はジョブの実行状態を表します。
type Status string

const (
	StatusStarting  Status = "starting"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Terminal は completed または failed のときに真を返します。
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

var (
	ErrJobNotFound       = errors.New("job not found")
	ErrJobExists         = errors.New("job already exists")
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrJobTerminal       = errors.New("job already finished")
)

// 送信・保存時に残すログ行数
const (
	LogTailLimit      = 100
	ErrorDetailsLines = 10
	StatusLogLines    = 10
)

// Record は変換ジョブ1件の状態です。
type Record struct {
	ID            string     `json:"id"`
	Status        Status     `json:"status"`
	Progress      int        `json:"progress"`
	Message       string     `json:"message"`
	DetailedLogs  []string   `json:"detailed_logs"`
	InputPath     string     `json:"input_path"`
	OutputPath    string     `json:"output_path"`
	Author        string     `json:"author"`
	Title         string     `json:"title"`
	ErrorDetails  string     `json:"error_details,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	CompletedTime *time.Time `json:"completed_time,omitempty"`
}

func (r Record) clone(logLimit int) Record {
	out := r
	logs := r.DetailedLogs
	if logLimit > 0 && len(logs) > logLimit {
		logs = logs[len(logs)-logLimit:]
	}
	out.DetailedLogs = append([]string(nil), logs...)
	if r.CompletedTime != nil {
		t := *r.CompletedTime
		out.CompletedTime = &t
	}
	return out
}

// Patch はレコードへの部分更新です。nil のフィールドは変更しません。
type Patch struct {
	Status       *Status
	Progress     *int
	Message      *string
	AppendLogs   []string
	ErrorDetails *string
}

// Artifact は変換済みファイルの索引エントリです。
type Artifact struct {
	Path   string `json:"path"`
	Author string `json:"author,omitempty"`
	Title  string `json:"title,omitempty"`
}

// Command は外部変換ツールの呼び出し内容です。
type Command struct {
	Path string   `json:"path"`
	Args []string `json:"args"`
}

// ストリームの終了理由
const (
	CodeJobNotFound    = "JOB_NOT_FOUND"
	CodeConnectionLost = "CONNECTION_LOST"
	CodeJobFailed      = "JOB_FAILED"
)

// Event は進捗ストリームで送る1回分の状態です。
type Event struct {
	Status       Status   `json:"status"`
	Progress     int      `json:"progress"`
	Message      string   `json:"message"`
	DetailedLogs []string `json:"detailed_logs,omitempty"`
	ErrorDetails string   `json:"error_details,omitempty"`
	Author       string   `json:"author,omitempty"`
	Title        string   `json:"title,omitempty"`
	Code         string   `json:"code,omitempty"`
}

// Terminal はこのイベントでストリームが終わるかどうかを返します。
func (e Event) Terminal() bool {
	return e.Status.Terminal()
}

// ValidationError は投入時の入力検証エラーです。ジョブは作成されません。
type ValidationError struct {
	Code    string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func ptr[T any](v T) *T {
	return &v
}

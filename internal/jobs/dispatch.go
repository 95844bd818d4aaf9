package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/hibiken/asynq"
)

// Runner は1件のジョブを最後まで実行します。
type Runner interface {
	Run(ctx context.Context, jobID string, cmd Command)
}

// Dispatcher は Runner の実行を予約します。Dispatch は実行完了を待たずに戻ります。
type Dispatcher interface {
	Dispatch(ctx context.Context, jobID string, cmd Command) error
}

// GoDispatcher はジョブごとにゴルーチンを起動します。
// 実行はリクエストではなく base のコンテキストに紐づきます。
type GoDispatcher struct {
	base   context.Context
	runner Runner
	wg     sync.WaitGroup
}

// NewGoDispatcher は GoDispatcher を作成します。
func NewGoDispatcher(base context.Context, runner Runner) *GoDispatcher {
	return &GoDispatcher{base: base, runner: runner}
}

func (d *GoDispatcher) Dispatch(_ context.Context, jobID string, cmd Command) error {
	if err := d.base.Err(); err != nil {
		return err
	}
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		d.runner.Run(d.base, jobID, cmd)
	}()
	return nil
}

// Wait は起動済みのジョブがすべて終わるまで待ちます。
func (d *GoDispatcher) Wait() {
	d.wg.Wait()
}

// WaitTimeout は最大 timeout だけ Wait します。期限内に全ジョブが終わった場合に真を返します。
// 期限を過ぎたジョブは待たずに放棄します。
func (d *GoDispatcher) WaitTimeout(timeout time.Duration) bool {
	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-done:
		return true
	case <-timer.C:
		return false
	}
}

const (
	// TaskTypeConvert は変換タスクの種別です。
	TaskTypeConvert = "ebook:convert"
	queueName       = "convert"
)

// TaskPayload は変換タスクのペイロードです。
type TaskPayload struct {
	JobID   string  `json:"jobId"`
	Command Command `json:"command"`
}

// QueueDispatcher は Asynq のキューを経由してジョブを実行します。
// 投入と処理は同じプロセス内で行い、失敗したタスクは再試行しません。
type QueueDispatcher struct {
	client *asynq.Client
	server *asynq.Server
	mux    *asynq.ServeMux
	runner Runner
	logger *slog.Logger
}

// NewQueueDispatcher は Redis URL から QueueDispatcher を作成します。
func NewQueueDispatcher(redisURL string, runner Runner, concurrency int, logger *slog.Logger) (*QueueDispatcher, error) {
	if runner == nil {
		return nil, errors.New("runner is nil")
	}
	opt, err := asynq.ParseRedisURI(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis url: %w", err)
	}
	if concurrency <= 0 {
		concurrency = 4
	}
	if logger == nil {
		logger = slog.Default()
	}

	server := asynq.NewServer(opt, asynq.Config{
		Concurrency: concurrency,
		Queues: map[string]int{
			queueName: 1,
		},
		LogLevel: asynq.WarnLevel,
	})
	q := &QueueDispatcher{
		client: asynq.NewClient(opt),
		server: server,
		mux:    asynq.NewServeMux(),
		runner: runner,
		logger: logger,
	}
	q.mux.HandleFunc(TaskTypeConvert, q.handleConvert)
	return q, nil
}

func (q *QueueDispatcher) Dispatch(ctx context.Context, jobID string, cmd Command) error {
	body, err := json.Marshal(TaskPayload{JobID: jobID, Command: cmd})
	if err != nil {
		return err
	}
	task := asynq.NewTask(TaskTypeConvert, body, asynq.Queue(queueName))
	if _, err := q.client.EnqueueContext(ctx, task, asynq.MaxRetry(0), asynq.TaskID(jobID)); err != nil {
		return fmt.Errorf("failed to enqueue conversion: %w", err)
	}
	return nil
}

// Run は ctx が終わるまでワーカーを動かします。
func (q *QueueDispatcher) Run(ctx context.Context) error {
	if err := q.server.Start(q.mux); err != nil {
		return fmt.Errorf("failed to start asynq server: %w", err)
	}
	<-ctx.Done()
	q.server.Shutdown()
	return q.client.Close()
}

func (q *QueueDispatcher) handleConvert(ctx context.Context, task *asynq.Task) error {
	var payload TaskPayload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		return fmt.Errorf("invalid payload: %w", asynq.SkipRetry)
	}
	if payload.JobID == "" {
		return fmt.Errorf("missing jobId in payload: %w", asynq.SkipRetry)
	}

	// タスクのタイムアウトで変換を止めない
	q.runner.Run(context.WithoutCancel(ctx), payload.JobID, payload.Command)
	return nil
}

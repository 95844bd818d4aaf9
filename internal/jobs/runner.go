package jobs

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/yourusername/epub-forge/internal/storage"
)

const (
	runningMessage      = "Running conversion..."
	completedMessage    = "Conversion completed successfully!"
	missingOutputMsg    = "Conversion failed: Output file not created!"
	noOutputCaptured    = "No output captured"
	maxProcessLineBytes = 1 << 20
)

var progressPattern = regexp.MustCompile(`(\d+)%`)

// parseProgress は行内の最後の <数字>% を取り出します。
func parseProgress(line string) (int, bool) {
	matches := progressPattern.FindAllStringSubmatch(line, -1)
	if len(matches) == 0 {
		return 0, false
	}
	n, err := strconv.Atoi(matches[len(matches)-1][1])
	if err != nil {
		// 桁数が多すぎる場合
		return 100, true
	}
	return clamp(n), true
}

// Run は1件の変換を最後まで実行します。
// 失敗はすべてジョブの failed 状態として記録し、呼び出し元へは返しません。
func (m *Manager) Run(ctx context.Context, jobID string, cmd Command) {
	ctx = logWithJob(ctx, jobID)
	defer func() {
		if r := recover(); r != nil {
			msg := fmt.Sprintf("Error: %v", r)
			m.logger.ErrorContext(ctx, "conversion panicked", slog.Any("panic", r))
			m.fail(ctx, jobID, msg, msg)
		}
	}()

	rec, err := m.registry.View(jobID, 1)
	if err != nil {
		m.logger.DebugContext(ctx, "job expired before start")
		return
	}

	m.logger.InfoContext(ctx, "starting conversion job")
	m.logger.DebugContext(ctx, "conversion command",
		slog.String("command", strings.Join(append([]string{cmd.Path}, cmd.Args...), " ")),
		slog.String("input_path", rec.InputPath),
		slog.String("output_path", rec.OutputPath),
	)

	if err := m.registry.Update(jobID, Patch{
		Status:   ptr(StatusRunning),
		Progress: ptr(1),
		Message:  ptr(runningMessage),
	}); err != nil {
		m.logger.WarnContext(ctx, "cannot mark job running", slog.Any("error", err))
		return
	}
	m.persistJobs(ctx, false)

	if err := checkInput(rec.InputPath); err != nil {
		msg := "Error: " + err.Error()
		m.fail(ctx, jobID, msg, msg)
		return
	}

	result, err := m.runProcess(ctx, jobID, cmd)
	if err != nil {
		msg := "Error: " + err.Error()
		m.logger.ErrorContext(ctx, "conversion process error", slog.Any("error", err))
		m.fail(ctx, jobID, msg, msg)
		return
	}

	m.finish(ctx, jobID, rec, result)
}

func checkInput(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("input file %s does not exist", path)
	}
	if info.Size() == 0 {
		return errors.New("input file is empty")
	}
	return nil
}

type processResult struct {
	exitCode int
	tail     []string
}

// runProcess はコマンドを起動し、標準出力と標準エラーをまとめて1行ずつ処理します。
func (m *Manager) runProcess(ctx context.Context, jobID string, cmd Command) (processResult, error) {
	pr, pw, err := os.Pipe()
	if err != nil {
		return processResult{}, fmt.Errorf("failed to create output pipe: %w", err)
	}

	c := exec.CommandContext(ctx, cmd.Path, cmd.Args...)
	c.Stdout = pw
	c.Stderr = pw
	if err := c.Start(); err != nil {
		_ = pr.Close()
		_ = pw.Close()
		return processResult{}, err
	}
	// 子プロセス側だけが書き込み端を持つようにして EOF を受け取れるようにする
	_ = pw.Close()

	tail := newLineTail(ErrorDetailsLines)
	batch := saveBatch{lines: m.opts.BatchLines, interval: m.opts.BatchInterval, last: m.now()}

	scanner := bufio.NewScanner(pr)
	scanner.Buffer(make([]byte, 0, 64*1024), maxProcessLineBytes)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		tail.add(line)
		m.logger.DebugContext(ctx, "process output", slog.String("line", line))

		patch := Patch{AppendLogs: []string{line}}
		if line != "" {
			patch.Message = ptr(line)
		}
		progress, ok := parseProgress(line)
		if ok {
			patch.Progress = ptr(progress)
		}
		if err := m.registry.Update(jobID, patch); err != nil {
			m.logger.DebugContext(ctx, "progress update dropped", slog.Any("error", err))
		}

		if (ok && progress == 100) || batch.tick(m.now()) {
			m.persistJobs(ctx, false)
			batch.reset(m.now())
		}
	}
	if err := scanner.Err(); err != nil {
		m.logger.WarnContext(ctx, "failed to read process output", slog.Any("error", err))
		_, _ = io.Copy(io.Discard, pr)
	}
	_ = pr.Close()

	waitErr := c.Wait()
	result := processResult{tail: tail.lines()}
	if waitErr != nil {
		var exitErr *exec.ExitError
		if !errors.As(waitErr, &exitErr) {
			return result, waitErr
		}
		result.exitCode = exitErr.ExitCode()
	}
	m.logger.DebugContext(ctx, "process exited", slog.Int("code", result.exitCode))
	return result, nil
}

func (m *Manager) finish(ctx context.Context, jobID string, rec Record, result processResult) {
	if result.exitCode != 0 {
		details := noOutputCaptured
		if len(result.tail) > 0 {
			details = strings.Join(result.tail, "\n")
		}
		m.logger.ErrorContext(ctx, "conversion failed", slog.Int("code", result.exitCode))
		m.fail(ctx, jobID, fmt.Sprintf("Conversion failed with code %d! Check logs for details.", result.exitCode), details)
		return
	}

	info, ok := storage.NonEmpty(rec.OutputPath)
	if !ok {
		m.logger.ErrorContext(ctx, "output file does not exist despite successful return code")
		m.fail(ctx, jobID, missingOutputMsg, missingOutputMsg)
		return
	}

	m.index.Put(jobID, Artifact{Path: rec.OutputPath, Author: rec.Author, Title: rec.Title})
	m.persistArtifacts(ctx)

	if err := m.registry.Update(jobID, Patch{
		Status:   ptr(StatusCompleted),
		Progress: ptr(100),
		Message:  ptr(completedMessage),
	}); err != nil {
		m.logger.WarnContext(ctx, "cannot mark job completed", slog.Any("error", err))
		return
	}
	m.persistJobs(ctx, true)
	m.logger.InfoContext(ctx, "conversion job completed", slog.Int64("size", info.Size()))
}

// fail はジョブを failed にします。まだ starting のジョブは running を経由させます。
func (m *Manager) fail(ctx context.Context, jobID, message, details string) {
	if rec, err := m.registry.View(jobID, 1); err == nil && rec.Status == StatusStarting {
		_ = m.registry.Update(jobID, Patch{Status: ptr(StatusRunning)})
	}
	if err := m.registry.Update(jobID, Patch{
		Status:       ptr(StatusFailed),
		Message:      ptr(message),
		ErrorDetails: ptr(details),
	}); err != nil {
		m.logger.WarnContext(ctx, "cannot mark job failed", slog.Any("error", err))
		return
	}
	m.persistJobs(ctx, true)
}

// saveBatch は実行中のログ保存を「一定行数」または「一定時間」のどちらか早い方でまとめます。
type saveBatch struct {
	lines    int
	interval time.Duration
	count    int
	last     time.Time
}

func (b *saveBatch) tick(now time.Time) bool {
	b.count++
	if b.lines > 0 && b.count >= b.lines {
		return true
	}
	return b.interval > 0 && now.Sub(b.last) >= b.interval
}

func (b *saveBatch) reset(now time.Time) {
	b.count = 0
	b.last = now
}

type lineTail struct {
	max int
	buf []string
}

func newLineTail(max int) *lineTail {
	return &lineTail{max: max}
}

func (t *lineTail) add(line string) {
	t.buf = append(t.buf, line)
	if len(t.buf) > t.max {
		t.buf = t.buf[len(t.buf)-t.max:]
	}
}

func (t *lineTail) lines() []string {
	return append([]string(nil), t.buf...)
}

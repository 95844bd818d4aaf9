package jobs

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/yourusername/epub-forge/internal/ebook"
	applog "github.com/yourusername/epub-forge/internal/log"
	"github.com/yourusername/epub-forge/internal/storage"
)

const startingMessage = "Starting conversion..."

// Options は Manager の動作設定です。
type Options struct {
	ConvertPath     string
	MaxFileSize     int64
	MetadataTimeout time.Duration
	BatchLines      int
	BatchInterval   time.Duration
}

func (o Options) withDefaults() Options {
	if o.ConvertPath == "" {
		o.ConvertPath = "ebook-convert"
	}
	if o.MaxFileSize <= 0 {
		o.MaxFileSize = 100 * 1024 * 1024
	}
	if o.MetadataTimeout <= 0 {
		o.MetadataTimeout = 15 * time.Second
	}
	if o.BatchLines <= 0 {
		o.BatchLines = 10
	}
	if o.BatchInterval <= 0 {
		o.BatchInterval = 2 * time.Second
	}
	return o
}

// Manager はジョブの投入・実行・成果物の解決を担います。
type Manager struct {
	registry   *Registry
	index      *ArtifactIndex
	store      *Store
	files      *storage.Local
	meta       ebook.MetadataExtractor
	dispatcher Dispatcher
	logger     *slog.Logger
	opts       Options
	now        func() time.Time
}

// NewManager は Manager を初期化します。既定ではジョブをゴルーチンで実行します。
func NewManager(store *Store, files *storage.Local, meta ebook.MetadataExtractor, opts Options, logger *slog.Logger) (*Manager, error) {
	if store == nil {
		return nil, errors.New("store is nil")
	}
	if files == nil {
		return nil, errors.New("files is nil")
	}
	if logger == nil {
		logger = slog.Default()
	}
	m := &Manager{
		registry: store.registry,
		index:    store.index,
		store:    store,
		files:    files,
		meta:     meta,
		logger:   logger,
		opts:     opts.withDefaults(),
		now:      time.Now,
	}
	m.dispatcher = NewGoDispatcher(context.Background(), m)
	return m, nil
}

// UseDispatcher はジョブの実行方法を差し替えます。
func (m *Manager) UseDispatcher(d Dispatcher) {
	m.dispatcher = d
}

func (m *Manager) Registry() *Registry {
	return m.registry
}

func (m *Manager) Index() *ArtifactIndex {
	return m.index
}

func (m *Manager) Store() *Store {
	return m.store
}

// Upload は投入されたファイルです。
type Upload struct {
	Filename string
	Size     int64
	Open     func() (io.ReadCloser, error)
}

// Submit は入力を検証してジョブを作成し、変換を非同期に開始してジョブIDを返します。
// 検証エラーは *ValidationError で返し、その場合ジョブは作成されません。
func (m *Manager) Submit(ctx context.Context, up Upload, params ebook.Params) (string, error) {
	if err := ebook.CheckUpload(up.Filename, up.Size, m.opts.MaxFileSize); err != nil {
		return "", asValidation(err)
	}
	if up.Open == nil {
		return "", &ValidationError{Code: ebook.CodeInvalidInput, Message: "EPUBファイルを選択してください。"}
	}

	src, err := up.Open()
	if err != nil {
		return "", fmt.Errorf("failed to open upload: %w", err)
	}
	defer src.Close()

	br := bufio.NewReaderSize(src, 4096)
	head, err := br.Peek(3072)
	if err != nil && !errors.Is(err, io.EOF) && !errors.Is(err, bufio.ErrBufferFull) {
		return "", fmt.Errorf("failed to read upload: %w", err)
	}
	if err := ebook.SniffEPUB(bytes.NewReader(head)); err != nil {
		return "", asValidation(err)
	}

	jobID := uuid.NewString()
	ctx = logWithJob(ctx, jobID)

	inputPath, n, err := m.files.WriteInput(jobID, io.LimitReader(br, m.opts.MaxFileSize+1))
	if err != nil {
		return "", err
	}
	_, outputPath := m.files.Paths(jobID)
	if n > m.opts.MaxFileSize {
		_ = storage.Remove(inputPath)
		return "", asValidation(ebook.CheckUpload(up.Filename, n, m.opts.MaxFileSize))
	}

	meta := m.extractMetadata(ctx, inputPath)

	rec := Record{
		ID:         jobID,
		Status:     StatusStarting,
		Progress:   0,
		Message:    startingMessage,
		InputPath:  inputPath,
		OutputPath: outputPath,
		Author:     meta.Author,
		Title:      meta.Title,
		CreatedAt:  m.now().UTC(),
	}
	if err := m.registry.Create(rec); err != nil {
		_ = storage.Remove(inputPath)
		return "", err
	}
	m.persistJobs(ctx, false)

	cmd := Command{
		Path: m.opts.ConvertPath,
		Args: ebook.ConvertArgs(inputPath, outputPath, params),
	}
	if err := m.dispatcher.Dispatch(ctx, jobID, cmd); err != nil {
		m.registry.Remove(jobID)
		_ = storage.Remove(inputPath, outputPath)
		m.persistJobs(ctx, false)
		return "", fmt.Errorf("failed to schedule conversion: %w", err)
	}

	m.logger.InfoContext(ctx, "conversion job submitted",
		slog.String("filename", up.Filename),
		slog.Int64("size", n),
		slog.String("author", meta.Author),
		slog.String("title", meta.Title),
	)
	return jobID, nil
}

// extractMetadata は著者名とタイトルを取得します。失敗しても既定値で続行します。
func (m *Manager) extractMetadata(ctx context.Context, path string) ebook.Metadata {
	fallback := ebook.Metadata{Author: ebook.UnknownAuthor, Title: ebook.DefaultTitle}
	if m.meta == nil {
		return fallback
	}
	ctx, cancel := context.WithTimeout(ctx, m.opts.MetadataTimeout)
	defer cancel()

	meta, err := m.meta.Extract(ctx, path)
	if err != nil {
		m.logger.WarnContext(ctx, "error extracting metadata", slog.Any("error", err))
		return fallback
	}
	if meta.Author == "" {
		meta.Author = ebook.UnknownAuthor
	}
	if meta.Title == "" {
		meta.Title = ebook.DefaultTitle
	}
	return meta
}

func asValidation(err error) error {
	var apiErr *ebook.Error
	if errors.As(err, &apiErr) {
		return &ValidationError{Code: apiErr.Code, Message: apiErr.Message}
	}
	return err
}

// persistJobs はレジストリを保存します。失敗してもメモリ上の状態を正として続行します。
func (m *Manager) persistJobs(ctx context.Context, force bool) {
	if err := m.store.SaveJobs(context.WithoutCancel(ctx), force); err != nil {
		m.logger.ErrorContext(ctx, "error saving jobs", slog.Any("error", err))
	}
}

func (m *Manager) persistArtifacts(ctx context.Context) {
	if err := m.store.SaveArtifacts(context.WithoutCancel(ctx), false); err != nil {
		m.logger.ErrorContext(ctx, "error saving completed files", slog.Any("error", err))
	}
}

func logWithJob(ctx context.Context, jobID string) context.Context {
	return applog.WithJob(ctx, jobID)
}

package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
)

// 永続化するブロブのキー
const (
	JobsKey      = "conversion_jobs"
	ArtifactsKey = "completed_files"
)

const interruptedMessage = "Conversion interrupted by server restart"

// Backend はブロブの保存先です。Read はキーが存在しない場合 (nil, nil) を返します。
type Backend interface {
	Read(ctx context.Context, key string) ([]byte, error)
	Write(ctx context.Context, key string, data []byte) error
	Close() error
}

type blobState struct {
	mu     sync.Mutex
	sum    uint64
	wrote  bool
	writes int
}

// Store はレジストリと索引のスナップショットを Backend に書き出します。
// 内容が前回の書き込みと同じ場合は書き込みを省略します。
type Store struct {
	backend  Backend
	registry *Registry
	index    *ArtifactIndex
	logger   *slog.Logger
	now      func() time.Time

	jobs      blobState
	artifacts blobState

	// evicted はこのプロセスで削除したジョブIDです。古いスナップショットから復活させない。
	evictedMu sync.Mutex
	evicted   map[string]struct{}
}

// NewStore は Store を作成します。
func NewStore(backend Backend, registry *Registry, index *ArtifactIndex, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		backend:  backend,
		registry: registry,
		index:    index,
		logger:   logger,
		now:      time.Now,
		evicted:  make(map[string]struct{}),
	}
}

// Forget は id を削除済みとして記録します。以後の再読み込みでは id を補いません。
func (s *Store) Forget(id string) {
	s.evictedMu.Lock()
	defer s.evictedMu.Unlock()
	s.evicted[id] = struct{}{}
}

// mergeLive は削除済みのIDを除いて m をメモリへ反映します。
// Forget と Remove の間に割り込まれないよう、除外と反映は同じロックの中で行う。
func mergeLive[T any](s *Store, m map[string]T, merge func(map[string]T) int) int {
	s.evictedMu.Lock()
	defer s.evictedMu.Unlock()
	for id := range m {
		if _, gone := s.evicted[id]; gone {
			delete(m, id)
		}
	}
	return merge(m)
}

// SaveJobs はレジストリ全体を保存します。force が偽なら変更がない場合に省略します。
func (s *Store) SaveJobs(ctx context.Context, force bool) error {
	return s.save(ctx, JobsKey, &s.jobs, force, func() any {
		snapshot := make(map[string]Record)
		for _, rec := range s.registry.List(LogTailLimit) {
			snapshot[rec.ID] = rec
		}
		return snapshot
	})
}

// SaveArtifacts は変換済みファイルの索引を保存します。
func (s *Store) SaveArtifacts(ctx context.Context, force bool) error {
	return s.save(ctx, ArtifactsKey, &s.artifacts, force, func() any {
		return s.index.List()
	})
}

func (s *Store) save(ctx context.Context, key string, state *blobState, force bool, snapshot func() any) error {
	state.mu.Lock()
	defer state.mu.Unlock()

	data, err := json.Marshal(snapshot())
	if err != nil {
		return fmt.Errorf("failed to encode %s: %w", key, err)
	}
	sum := xxhash.Sum64(data)
	if !force && state.wrote && state.sum == sum {
		s.logger.Debug("state unchanged, skipping save", slog.String("key", key))
		return nil
	}

	if err := s.backend.Write(ctx, key, data); err != nil {
		return fmt.Errorf("failed to write %s: %w", key, err)
	}
	state.sum = sum
	state.wrote = true
	state.writes++
	return nil
}

// Writes は key ごとの実際の書き込み回数を返します。
func (s *Store) Writes(key string) int {
	state := &s.jobs
	if key == ArtifactsKey {
		state = &s.artifacts
	}
	state.mu.Lock()
	defer state.mu.Unlock()
	return state.writes
}

// Load は起動時に保存済みの状態をメモリへ読み込みます。
// 終了していないレコードは再起動で中断されたものとして failed に変換します。
// 2つのブロブは独立して読み込み、片方が壊れていても他方は反映します。
func (s *Store) Load(ctx context.Context) error {
	var errs []error

	records, err := s.readJobs(ctx)
	if err != nil {
		errs = append(errs, err)
	}
	interrupted := s.recoverInterrupted(records)
	s.registry.Merge(records)

	artifacts, err := s.readArtifacts(ctx)
	if err != nil {
		errs = append(errs, err)
	}
	s.index.Merge(artifacts)

	s.logger.Info("state loaded",
		slog.Int("jobs", len(records)),
		slog.Int("artifacts", len(artifacts)),
		slog.Int("interrupted", interrupted),
	)
	if interrupted > 0 {
		if err := s.SaveJobs(ctx, true); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// ReloadJob は保存済みのレジストリを読み直し、メモリにないレコードを補います。
// id が見つかった場合に真を返します。
func (s *Store) ReloadJob(ctx context.Context, id string) (bool, error) {
	records, err := s.readJobs(ctx)
	if err != nil {
		return false, err
	}
	s.recoverInterrupted(records)
	added := mergeLive(s, records, s.registry.Merge)
	_, found := records[id]
	if added > 0 {
		s.logger.Info("reloaded jobs from storage", slog.Int("added", added), slog.String("job_id", id))
	}
	return found, nil
}

// ReloadArtifact は保存済みの索引を読み直し、メモリにないエントリを補います。
func (s *Store) ReloadArtifact(ctx context.Context, id string) (bool, error) {
	artifacts, err := s.readArtifacts(ctx)
	if err != nil {
		return false, err
	}
	added := mergeLive(s, artifacts, s.index.Merge)
	_, found := artifacts[id]
	if added > 0 {
		s.logger.Info("reloaded artifacts from storage", slog.Int("added", added), slog.String("job_id", id))
	}
	return found, nil
}

func (s *Store) recoverInterrupted(records map[string]Record) int {
	count := 0
	now := s.now().UTC()
	for id, rec := range records {
		if rec.Status.Terminal() {
			continue
		}
		rec.Status = StatusFailed
		rec.Message = interruptedMessage
		rec.ErrorDetails = interruptedMessage
		completed := now
		rec.CompletedTime = &completed
		records[id] = rec
		count++
	}
	return count
}

func (s *Store) readJobs(ctx context.Context) (map[string]Record, error) {
	records := make(map[string]Record)
	if err := s.read(ctx, JobsKey, &records); err != nil {
		return nil, err
	}
	for id, rec := range records {
		if rec.ID == "" {
			rec.ID = id
			records[id] = rec
		}
		if rec.Status.Terminal() && rec.CompletedTime == nil {
			t := rec.CreatedAt
			rec.CompletedTime = &t
			records[id] = rec
		}
	}
	return records, nil
}

func (s *Store) readArtifacts(ctx context.Context) (map[string]Artifact, error) {
	artifacts := make(map[string]Artifact)
	if err := s.read(ctx, ArtifactsKey, &artifacts); err != nil {
		return nil, err
	}
	return artifacts, nil
}

func (s *Store) read(ctx context.Context, key string, v any) error {
	data, err := s.backend.Read(ctx, key)
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", key, err)
	}
	if len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("failed to decode %s: %w", key, err)
	}
	return nil
}

// Close は Backend を閉じます。
func (s *Store) Close() error {
	return s.backend.Close()
}

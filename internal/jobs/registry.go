package jobs

import (
	"fmt"
	"sort"
	"sync"
	"time"
)

// Registry はジョブIDからレコードへの対応を保持します。
// 返すレコードは常にコピーで、呼び出し側が更新途中の状態を見ることはありません。
type Registry struct {
	mu   sync.RWMutex
	jobs map[string]*Record
	now  func() time.Time
}

// NewRegistry は空の Registry を作成します。
func NewRegistry() *Registry {
	return &Registry{
		jobs: make(map[string]*Record),
		now:  time.Now,
	}
}

// Create はレコードを登録します。
func (r *Registry) Create(rec Record) error {
	if rec.ID == "" {
		return fmt.Errorf("job id is required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.jobs[rec.ID]; ok {
		return fmt.Errorf("%w: %s", ErrJobExists, rec.ID)
	}
	if rec.Status == "" {
		rec.Status = StatusStarting
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = r.now().UTC()
	}
	c := rec.clone(0)
	r.jobs[rec.ID] = &c
	return nil
}

// Get はレコードのコピーを返します。
func (r *Registry) Get(id string) (Record, error) {
	return r.View(id, 0)
}

// View はログを末尾 logLimit 行に切り詰めたコピーを返します。0 は全行です。
func (r *Registry) View(id string, logLimit int) (Record, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.jobs[id]
	if !ok {
		return Record{}, fmt.Errorf("%w: %s", ErrJobNotFound, id)
	}
	return rec.clone(logLimit), nil
}

// Has はレコードが存在するかを返します。
func (r *Registry) Has(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.jobs[id]
	return ok
}

// Update は指定されたフィールドだけをマージします。
// 状態遷移は starting→running→{completed, failed} のみ許可します。
func (r *Registry) Update(id string, p Patch) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.jobs[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrJobNotFound, id)
	}
	if rec.Status.Terminal() {
		return fmt.Errorf("%w: %s is %s", ErrJobTerminal, id, rec.Status)
	}

	next := rec.Status
	if p.Status != nil && *p.Status != rec.Status {
		if !validTransition(rec.Status, *p.Status) {
			return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, rec.Status, *p.Status)
		}
		next = *p.Status
	}

	rec.Status = next
	if p.Progress != nil {
		progress := clamp(*p.Progress)
		if progress > rec.Progress || rec.Status != StatusRunning {
			rec.Progress = progress
		}
	}
	if p.Message != nil {
		rec.Message = *p.Message
	}
	if len(p.AppendLogs) > 0 {
		rec.DetailedLogs = append(rec.DetailedLogs, p.AppendLogs...)
	}
	if p.ErrorDetails != nil && next == StatusFailed {
		rec.ErrorDetails = *p.ErrorDetails
	}

	if next.Terminal() {
		if next == StatusCompleted {
			rec.Progress = 100
		}
		now := r.now().UTC()
		rec.CompletedTime = &now
	}
	return nil
}

func validTransition(from, to Status) bool {
	switch from {
	case StatusStarting:
		return to == StatusRunning
	case StatusRunning:
		return to == StatusCompleted || to == StatusFailed
	default:
		return false
	}
}

func clamp(progress int) int {
	if progress < 0 {
		return 0
	}
	if progress > 100 {
		return 100
	}
	return progress
}

// Remove はレコードを削除します。存在しなくてもエラーにしません。
func (r *Registry) Remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.jobs, id)
}

// List は全レコードのコピーを作成日時順で返します。
func (r *Registry) List(logLimit int) []Record {
	r.mu.RLock()
	out := make([]Record, 0, len(r.jobs))
	for _, rec := range r.jobs {
		out = append(out, rec.clone(logLimit))
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// Len は登録件数を返します。
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.jobs)
}

// Merge はメモリにないレコードだけを追加し、追加件数を返します。
func (r *Registry) Merge(records map[string]Record) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	added := 0
	for id, rec := range records {
		if _, ok := r.jobs[id]; ok {
			continue
		}
		rec.ID = id
		c := rec.clone(0)
		r.jobs[id] = &c
		added++
	}
	return added
}

package jobs

import "sync"

// ArtifactIndex は変換済みファイルの索引です。レコード削除後もダウンロードできるよう別に保持します。
type ArtifactIndex struct {
	mu      sync.RWMutex
	entries map[string]Artifact
}

// NewArtifactIndex は空の索引を作成します。
func NewArtifactIndex() *ArtifactIndex {
	return &ArtifactIndex{entries: make(map[string]Artifact)}
}

func (a *ArtifactIndex) Put(id string, art Artifact) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.entries[id] = art
}

func (a *ArtifactIndex) Get(id string) (Artifact, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	art, ok := a.entries[id]
	return art, ok
}

func (a *ArtifactIndex) Remove(id string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.entries, id)
}

// List は索引全体のコピーを返します。
func (a *ArtifactIndex) List() map[string]Artifact {
	a.mu.RLock()
	defer a.mu.RUnlock()
	out := make(map[string]Artifact, len(a.entries))
	for id, art := range a.entries {
		out[id] = art
	}
	return out
}

func (a *ArtifactIndex) Len() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return len(a.entries)
}

// Merge はメモリにないエントリだけを追加し、追加件数を返します。
func (a *ArtifactIndex) Merge(entries map[string]Artifact) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	added := 0
	for id, art := range entries {
		if _, ok := a.entries[id]; ok {
			continue
		}
		a.entries[id] = art
		added++
	}
	return added
}

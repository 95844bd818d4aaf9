package ebook

import (
	"context"
	"fmt"
	"os/exec"
	"regexp"
	"strings"
	"sync"
	"time"
)

// メタデータが取得できない場合の値
const (
	UnknownAuthor = "unknown"
	DefaultTitle  = "ebook"
)

// Metadata はファイル名に使える形に整えた著者名とタイトルです。
type Metadata struct {
	Author string
	Title  string
}

// MetadataExtractor は入力ファイルから著者名とタイトルを取り出します。
type MetadataExtractor interface {
	Extract(ctx context.Context, path string) (Metadata, error)
}

// CalibreMeta は ebook-meta コマンドでメタデータを取得します。
type CalibreMeta struct {
	Path string
}

// Extract は ebook-meta を実行し、その出力を解析します。
func (c CalibreMeta) Extract(ctx context.Context, path string) (Metadata, error) {
	bin := c.Path
	if bin == "" {
		bin = "ebook-meta"
	}
	out, err := exec.CommandContext(ctx, bin, path).CombinedOutput()
	if err != nil {
		return Metadata{Author: UnknownAuthor, Title: DefaultTitle}, fmt.Errorf("ebook-meta failed: %w", err)
	}
	return ParseMetadata(string(out)), nil
}

var unsafeNameChars = regexp.MustCompile(`[^\p{L}\p{N}_\s-]`)

// ParseMetadata は ebook-meta の出力から Title と Author(s) 行を読み取ります。
// 著者が複数ある場合は先頭のみを使い、括弧以降は除きます。
func ParseMetadata(output string) Metadata {
	author := UnknownAuthor
	title := DefaultTitle

	for _, line := range strings.Split(strings.TrimSpace(output), "\n") {
		line = strings.TrimRight(line, "\r")
		_, value, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		switch {
		case strings.HasPrefix(line, "Title"):
			title = strings.TrimSpace(value)
		case strings.HasPrefix(line, "Author(s)"):
			author = strings.TrimSpace(value)
			if first, _, found := strings.Cut(author, ","); found {
				author = strings.TrimSpace(first)
			}
			if first, _, found := strings.Cut(author, "("); found {
				author = strings.TrimSpace(first)
			}
		}
	}

	meta := Metadata{Author: sanitizeName(author), Title: sanitizeName(title)}
	if meta.Author == "" {
		meta.Author = UnknownAuthor
	}
	if meta.Title == "" {
		meta.Title = DefaultTitle
	}
	return meta
}

func sanitizeName(s string) string {
	s = unsafeNameChars.ReplaceAllString(s, "")
	s = strings.TrimSpace(s)
	s = strings.ReplaceAll(s, " ", "_")
	return strings.ToLower(s)
}

// VersionProbe は ebook-convert --version の結果を一定時間キャッシュします。
type VersionProbe struct {
	Path string
	TTL  time.Duration

	mu      sync.Mutex
	version string
	err     error
	fetched time.Time
	now     func() time.Time
}

// NewVersionProbe は VersionProbe を作成します。
func NewVersionProbe(path string, ttl time.Duration) *VersionProbe {
	if ttl <= 0 {
		ttl = time.Minute
	}
	return &VersionProbe{Path: path, TTL: ttl, now: time.Now}
}

// Version はキャッシュ済みのバージョン文字列を返します。取得に失敗した場合は "Unknown" とエラーを返します。
func (v *VersionProbe) Version(ctx context.Context) (string, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	now := v.now()
	if !v.fetched.IsZero() && now.Sub(v.fetched) < v.TTL {
		return v.version, v.err
	}

	out, err := exec.CommandContext(ctx, v.Path, "--version").CombinedOutput()
	if err != nil {
		v.version, v.err = "Unknown", fmt.Errorf("failed to check calibre version: %w", err)
	} else {
		v.version, v.err = strings.TrimSpace(string(out)), nil
	}
	v.fetched = now
	return v.version, v.err
}

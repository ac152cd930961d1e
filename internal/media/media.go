// Package media stores synthesized audio clips and hands back the public
// references the carrier plays. Clips are short-lived: the carrier fetches
// each one once, shortly after the turn that produced it.
package media

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// Clip metadata tracked per stored file.
type clipInfo struct {
	path      string
	createdAt time.Time
}

// DiskStore writes clips to a local directory and serves them under the
// given URL prefix (typically "/audio"). Expired clips are removed by
// [DiskStore.Sweep].
type DiskStore struct {
	dir    string
	prefix string
	maxAge time.Duration

	mu    sync.Mutex
	clips map[string]clipInfo
	now   func() time.Time
}

// Option configures a [DiskStore].
type Option func(*DiskStore)

// WithMaxAge sets how long clips are retained before Sweep removes them.
// Default is 15 minutes.
func WithMaxAge(d time.Duration) Option {
	return func(s *DiskStore) {
		s.maxAge = d
	}
}

// WithClock overrides the clock. Intended for tests.
func WithClock(now func() time.Time) Option {
	return func(s *DiskStore) {
		s.now = now
	}
}

// NewDiskStore creates the directory if needed and returns a store whose
// references begin with urlPrefix.
func NewDiskStore(dir, urlPrefix string, opts ...Option) (*DiskStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("media: create dir: %w", err)
	}
	s := &DiskStore{
		dir:    dir,
		prefix: strings.TrimRight(urlPrefix, "/"),
		maxAge: 15 * time.Minute,
		clips:  make(map[string]clipInfo),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Dir returns the backing directory, for mounting a file server.
func (s *DiskStore) Dir() string {
	return s.dir
}

// Save writes the clip and returns its public reference, e.g.
// "/audio/3f2a…9c.mp3".
func (s *DiskStore) Save(data []byte, mimeType string) (string, error) {
	name, err := randomName(extensionFor(mimeType))
	if err != nil {
		return "", err
	}
	path := filepath.Join(s.dir, name)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("media: write clip: %w", err)
	}

	s.mu.Lock()
	s.clips[name] = clipInfo{path: path, createdAt: s.now()}
	s.mu.Unlock()

	return s.prefix + "/" + name, nil
}

// Sweep removes clips older than the retention age and returns how many
// were deleted.
func (s *DiskStore) Sweep() int {
	cutoff := s.now().Add(-s.maxAge)

	s.mu.Lock()
	var stale []clipInfo
	for name, info := range s.clips {
		if info.createdAt.Before(cutoff) {
			stale = append(stale, info)
			delete(s.clips, name)
		}
	}
	s.mu.Unlock()

	removed := 0
	for _, info := range stale {
		if err := os.Remove(info.path); err == nil || os.IsNotExist(err) {
			removed++
		}
	}
	return removed
}

func extensionFor(mimeType string) string {
	switch mimeType {
	case "audio/mpeg", "audio/mp3":
		return ".mp3"
	case "audio/wav", "audio/x-wav":
		return ".wav"
	case "audio/ogg":
		return ".ogg"
	}
	return ".bin"
}

func randomName(ext string) (string, error) {
	var b [16]byte
	if _, err := rand.Read(b[:]); err != nil {
		return "", fmt.Errorf("media: random name: %w", err)
	}
	return hex.EncodeToString(b[:]) + ext, nil
}

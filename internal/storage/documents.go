// Package storage keeps the original contract documents and their extracted text.
package storage

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
)

// ErrNotFound is returned when a location has no stored object.
var ErrNotFound = errors.New("document not found")

// Meta describes an object being stored.
type Meta struct {
	OriginalName string
	ContentType  string
}

// Documents stores blobs and hands back an opaque location string.
type Documents interface {
	Put(ctx context.Context, key string, data []byte, meta Meta) (string, error)
	Get(ctx context.Context, location string) ([]byte, error)
	Delete(ctx context.Context, location string) error
}

// Local writes documents under a base directory.
type Local struct {
	dir string
}

func NewLocal(dir string) (*Local, error) {
	if dir == "" {
		dir = "uploads"
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create upload dir: %w", err)
	}
	return &Local{dir: dir}, nil
}

// Ping checks that the base directory is still there.
func (l *Local) Ping(context.Context) error {
	_, err := os.Stat(l.dir)
	return err
}

// Put stores data at dir/key and returns that path.
func (l *Local) Put(_ context.Context, key string, data []byte, _ Meta) (string, error) {
	p, err := l.path(key)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return "", err
	}
	tmp := p + ".part"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return "", err
	}
	if err := os.Rename(tmp, p); err != nil {
		os.Remove(tmp)
		return "", err
	}
	return p, nil
}

func (l *Local) Get(_ context.Context, location string) ([]byte, error) {
	if err := l.contains(location); err != nil {
		return nil, err
	}
	b, err := os.ReadFile(location)
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrNotFound
	}
	return b, err
}

// Delete removes the file. Missing files are not an error.
func (l *Local) Delete(_ context.Context, location string) error {
	if err := l.contains(location); err != nil {
		return err
	}
	if err := os.Remove(location); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

// Purge removes every regular file under the base directory older than maxAge.
// A zero maxAge removes everything.
func (l *Local) Purge(maxAge time.Duration) int {
	now := time.Now()
	removed := 0
	_ = filepath.Walk(l.dir, func(path string, info os.FileInfo, err error) error {
		if err != nil || info == nil || info.IsDir() {
			return nil
		}
		if now.Sub(info.ModTime()) >= maxAge {
			if os.Remove(path) == nil {
				removed++
			}
		}
		return nil
	})
	if removed > 0 {
		log.Info().Str("dir", l.dir).Int("removed", removed).Msg("purged stored documents")
	}
	return removed
}

func (l *Local) path(key string) (string, error) {
	clean := filepath.Clean("/" + key)
	if clean == "/" {
		return "", fmt.Errorf("invalid document key %q", key)
	}
	return filepath.Join(l.dir, clean), nil
}

// contains rejects locations outside the base directory.
func (l *Local) contains(location string) error {
	rel, err := filepath.Rel(l.dir, location)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return fmt.Errorf("location %q is outside %s", location, l.dir)
	}
	return nil
}

// Open builds the backend named by kind.
func Open(ctx context.Context, kind, localDir string, s3cfg S3Config) (Documents, error) {
	switch kind {
	case "", "local":
		return NewLocal(localDir)
	case "s3":
		return NewS3(ctx, s3cfg)
	default:
		return nil, fmt.Errorf("unknown document storage %q", kind)
	}
}

package filestore

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"
)

type localStore struct {
	baseDir string
}

func NewLocalStore(baseDir string) (*localStore, error) {
	if baseDir == "" {
		return nil, fmt.Errorf("baseDir is empty")
	}

	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return nil, fmt.Errorf("create base dir: %w", err)
	}

	return &localStore{baseDir: baseDir}, nil
}

// Save writes through a temp file so readers never see a partial payload.
func (s *localStore) Save(ctx context.Context, reader io.Reader, filename string, size int64) (int64, string, error) {
	if err := ctx.Err(); err != nil {
		return 0, "", err
	}

	fullPath, err := s.Path(filename)
	if err != nil {
		return 0, "", err
	}
	if err := os.MkdirAll(filepath.Dir(fullPath), 0o755); err != nil {
		return 0, "", fmt.Errorf("mkdir: %w", err)
	}

	f, err := os.CreateTemp(filepath.Dir(fullPath), filepath.Base(fullPath)+".tmp-*")
	if err != nil {
		return 0, "", fmt.Errorf("create temp file: %w", err)
	}
	tempPath := f.Name()
	defer func() {
		_ = f.Close()
		_ = os.Remove(tempPath)
	}()

	hasher := sha256.New()
	written, err := io.Copy(f, io.TeeReader(reader, hasher))
	if err != nil {
		return 0, "", fmt.Errorf("write %s: %w", filename, err)
	}
	if size > 0 && written != size {
		return 0, "", fmt.Errorf("write %s: got %d bytes, expected %d", filename, written, size)
	}
	if err := f.Close(); err != nil {
		return 0, "", fmt.Errorf("close file: %w", err)
	}
	if err := os.Rename(tempPath, fullPath); err != nil {
		return 0, "", fmt.Errorf("rename temp file: %w", err)
	}

	return written, hex.EncodeToString(hasher.Sum(nil)), nil
}

func (s *localStore) Open(ctx context.Context, filename string) (io.ReadCloser, int64, error) {
	if err := ctx.Err(); err != nil {
		return nil, 0, err
	}

	fullPath, err := s.Path(filename)
	if err != nil {
		return nil, 0, err
	}

	f, err := os.Open(fullPath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, 0, fmt.Errorf("%s: %w", filename, ErrFileNotFound)
		}
		return nil, 0, fmt.Errorf("open file: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, 0, fmt.Errorf("stat file: %w", err)
	}

	return f, info.Size(), nil
}

func (s *localStore) Exists(filename string) bool {
	fullPath, err := s.Path(filename)
	if err != nil {
		return false
	}
	_, err = os.Stat(fullPath)
	return err == nil
}

func (s *localStore) Delete(ctx context.Context, filename string) error {
	fullPath, err := s.Path(filename)
	if err != nil {
		return err
	}
	if err := os.Remove(fullPath); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("remove %s: %w", filename, err)
	}
	return nil
}

// CleanupOlderThan removes regular files not modified within maxAge.
func (s *localStore) CleanupOlderThan(ctx context.Context, maxAge time.Duration) error {
	cutoff := time.Now().Add(-maxAge)

	return filepath.WalkDir(s.baseDir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return nil
		}
		if info.ModTime().Before(cutoff) {
			if err := os.Remove(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
				return fmt.Errorf("remove old file %s: %w", p, err)
			}
		}
		return nil
	})
}

// Path maps a storage key to its location under the base dir.
func (s *localStore) Path(filename string) (string, error) {
	if strings.TrimSpace(filename) == "" {
		return "", fmt.Errorf("empty filename")
	}

	clean := filepath.Clean(filepath.FromSlash(strings.TrimLeft(filename, "/")))
	if clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("invalid filename: %s", filename)
	}

	return filepath.Join(s.baseDir, clean), nil
}

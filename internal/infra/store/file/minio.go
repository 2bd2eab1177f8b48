package filestore

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"

	"github.com/minio/minio-go/v7"
	"golang.org/x/sync/errgroup"

	mio "github.com/tmfg/digitraffic-tis-vaco-sub001/core/libs/minio"
	"github.com/tmfg/digitraffic-tis-vaco-sub001/internal/domain"
)

var ErrFileNotFound = fmt.Errorf("file %w", domain.ErrNotFound)

const uploadParallelism = 8

type minioStore struct {
	db     *minio.Client
	bucket string
}

func NewMinIOStore(ctx context.Context, cfg mio.Config) (*minioStore, error) {
	client, err := mio.NewClient(ctx, cfg)
	if err != nil {
		return nil, err
	}

	return &minioStore{db: client, bucket: cfg.Bucket}, nil
}

func (s *minioStore) Save(ctx context.Context, reader io.Reader, key string, size int64) (int64, string, error) {
	objectName, err := objectName(key)
	if err != nil {
		return 0, "", err
	}

	hasher := sha256.New()
	putSize := size
	if putSize <= 0 {
		putSize = -1
	}

	info, err := s.db.PutObject(ctx, s.bucket, objectName, io.TeeReader(reader, hasher), putSize, minio.PutObjectOptions{})
	if err != nil {
		return 0, "", fmt.Errorf("put object %s: %w", objectName, err)
	}

	return info.Size, hex.EncodeToString(hasher.Sum(nil)), nil
}

func (s *minioStore) Open(ctx context.Context, key string) (io.ReadCloser, int64, error) {
	objectName, err := objectName(key)
	if err != nil {
		return nil, 0, err
	}

	obj, err := s.db.GetObject(ctx, s.bucket, objectName, minio.GetObjectOptions{})
	if err != nil {
		return nil, 0, fmt.Errorf("get object: %w", err)
	}

	st, err := obj.Stat()
	if err != nil {
		obj.Close()
		if minio.ToErrorResponse(err).Code == minio.NoSuchKey {
			return nil, 0, fmt.Errorf("%s: %w", key, ErrFileNotFound)
		}
		return nil, 0, fmt.Errorf("stat object: %w", err)
	}

	return obj, st.Size, nil
}

func (s *minioStore) Delete(ctx context.Context, key string) error {
	objectName, err := objectName(key)
	if err != nil {
		return err
	}

	err = s.db.RemoveObject(ctx, s.bucket, objectName, minio.RemoveObjectOptions{})
	if err != nil && minio.ToErrorResponse(err).Code != minio.NoSuchKey {
		return fmt.Errorf("remove object: %w", err)
	}
	return nil
}

func (s *minioStore) UploadFile(ctx context.Context, localPath, key string) error {
	objectName, err := objectName(key)
	if err != nil {
		return err
	}
	if _, err := s.db.FPutObject(ctx, s.bucket, objectName, localPath, minio.PutObjectOptions{}); err != nil {
		return fmt.Errorf("upload %s: %w", objectName, err)
	}
	return nil
}

func (s *minioStore) DownloadFile(ctx context.Context, key, localPath string) error {
	objectName, err := objectName(key)
	if err != nil {
		return err
	}
	if err := prepareDir(localPath); err != nil {
		return fmt.Errorf("prepare %s: %w", localPath, err)
	}
	if err := s.db.FGetObject(ctx, s.bucket, objectName, localPath, minio.GetObjectOptions{}); err != nil {
		if minio.ToErrorResponse(err).Code == minio.NoSuchKey {
			return fmt.Errorf("%s: %w", key, ErrFileNotFound)
		}
		return fmt.Errorf("download %s: %w", objectName, err)
	}
	return nil
}

func (s *minioStore) ObjectBytes(ctx context.Context, key string) ([]byte, error) {
	rc, _, err := s.Open(ctx, key)
	if err != nil {
		return nil, err
	}
	defer rc.Close()

	return io.ReadAll(rc)
}

// UploadDirectory uploads every regular file below localDir to prefix,
// keeping relative paths. Failed files are reported in the result; only a
// failure to walk the directory is returned as an error.
func (s *minioStore) UploadDirectory(ctx context.Context, localDir, prefix string) (domain.UploadResult, error) {
	return uploadDirectory(ctx, localDir, prefix, s.UploadFile)
}

func uploadDirectory(ctx context.Context, localDir, prefix string, upload func(ctx context.Context, localPath, key string) error) (domain.UploadResult, error) {
	var files []string
	err := filepath.WalkDir(localDir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.Type().IsRegular() {
			files = append(files, p)
		}
		return nil
	})
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return domain.UploadResult{}, fmt.Errorf("walk %s: %w", localDir, err)
	}

	var (
		mu  sync.Mutex
		res domain.UploadResult
	)
	eg, eCtx := errgroup.WithContext(ctx)
	eg.SetLimit(uploadParallelism)

	for _, f := range files {
		eg.Go(func() error {
			rel, err := filepath.Rel(localDir, f)
			if err == nil {
				err = upload(eCtx, f, path.Join(prefix, filepath.ToSlash(rel)))
			}

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				slog.Warn("upload file failed",
					slog.String("path", f),
					slog.String("error", err.Error()),
				)
				res.Failed = append(res.Failed, domain.UploadFailure{Path: rel, Err: err})
				return nil
			}
			res.Uploaded = append(res.Uploaded, rel)
			return nil
		})
	}
	_ = eg.Wait()

	return res, nil
}

func objectName(key string) (string, error) {
	if strings.TrimSpace(key) == "" {
		return "", fmt.Errorf("empty object key")
	}

	clean := path.Clean("/" + filepath.ToSlash(key))
	return strings.TrimPrefix(clean, "/"), nil
}

func prepareDir(localPath string) error {
	return os.MkdirAll(filepath.Dir(localPath), 0o755)
}

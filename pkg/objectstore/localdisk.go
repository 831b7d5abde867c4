package objectstore

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// LocalDiskStore stores objects under a root directory, one subdirectory per
// bucket, adapted from perkeep/pkg/blobserver/localdisk.DiskStorage: same
// root-must-already-exist contract and the same New-returns-error-if-root-
// missing check, simplified since the gateway needs no sharded fan-out
// directory layout (object counts here are orders of magnitude below a
// perkeep blob store's).
type LocalDiskStore struct {
	root string
	mu   sync.RWMutex
}

// NewLocalDiskStore returns a store rooted at root, which must already
// exist as a directory.
func NewLocalDiskStore(root string) (*LocalDiskStore, error) {
	fi, err := os.Stat(root)
	if err != nil {
		return nil, fmt.Errorf("objectstore: storage root %q: %w", root, err)
	}
	if !fi.IsDir() {
		return nil, fmt.Errorf("objectstore: storage root %q is not a directory", root)
	}
	return &LocalDiskStore{root: root}, nil
}

func (d *LocalDiskStore) path(bucket, key string) string {
	return filepath.Join(d.root, bucket, filepath.FromSlash(key))
}

func (d *LocalDiskStore) Put(ctx context.Context, bucket, key string, data io.Reader, size int64) (int64, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	full := d.path(bucket, key)
	if err := os.MkdirAll(filepath.Dir(full), 0o700); err != nil {
		return 0, fmt.Errorf("objectstore: creating directory for %s/%s: %w", bucket, key, err)
	}
	f, err := os.Create(full)
	if err != nil {
		return 0, fmt.Errorf("objectstore: creating %s/%s: %w", bucket, key, err)
	}
	defer f.Close()
	n, err := io.Copy(f, data)
	if err != nil {
		return 0, fmt.Errorf("objectstore: writing %s/%s: %w", bucket, key, err)
	}
	return n, nil
}

func (d *LocalDiskStore) Get(ctx context.Context, bucket, key string) (io.ReadCloser, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	f, err := os.Open(d.path(bucket, key))
	if os.IsNotExist(err) {
		return nil, fmt.Errorf("objectstore: %s/%s: %w", bucket, key, errNotExist)
	}
	if err != nil {
		return nil, fmt.Errorf("objectstore: opening %s/%s: %w", bucket, key, err)
	}
	return f, nil
}

func (d *LocalDiskStore) Stat(ctx context.Context, bucket, key string) (ObjectInfo, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	fi, err := os.Stat(d.path(bucket, key))
	if os.IsNotExist(err) {
		return ObjectInfo{}, fmt.Errorf("objectstore: %s/%s: %w", bucket, key, errNotExist)
	}
	if err != nil {
		return ObjectInfo{}, fmt.Errorf("objectstore: statting %s/%s: %w", bucket, key, err)
	}
	return ObjectInfo{Key: key, Size: fi.Size()}, nil
}

func (d *LocalDiskStore) Remove(ctx context.Context, bucket, key string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	err := os.Remove(d.path(bucket, key))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("objectstore: removing %s/%s: %w", bucket, key, err)
	}
	return nil
}

func (d *LocalDiskStore) List(ctx context.Context, bucket, prefix string) ([]ObjectInfo, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	root := filepath.Join(d.root, bucket)
	var out []ObjectInfo
	err := filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if os.IsNotExist(err) {
			return nil
		}
		if err != nil {
			return err
		}
		if info.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		key := filepath.ToSlash(rel)
		if strings.HasPrefix(key, prefix) {
			out = append(out, ObjectInfo{Key: key, Size: info.Size()})
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("objectstore: listing %s/%s*: %w", bucket, prefix, err)
	}
	return out, nil
}

package storage

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"sync"
	"time"

	"github.com/vodworks/vod-pipeline/pkg/models"
)

// Memory is an in-memory Store for tests and single-node development.
type Memory struct {
	mu      sync.Mutex
	objects map[string][]byte // "role/key" -> body
}

// NewMemoryStore creates an empty in-memory object store.
func NewMemoryStore() *Memory {
	return &Memory{objects: make(map[string][]byte)}
}

func objectID(role, key string) string { return role + "/" + key }

func (m *Memory) Put(ctx context.Context, role, key string, body io.Reader, contentType string) error {
	data, err := io.ReadAll(body)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[objectID(role, key)] = data
	return nil
}

func (m *Memory) Get(ctx context.Context, role, key string) (io.ReadCloser, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	data, ok := m.objects[objectID(role, key)]
	if !ok {
		return nil, fmt.Errorf("%w: %s/%s", models.ErrObjectNotFound, role, key)
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (m *Memory) Head(ctx context.Context, role, key string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	data, ok := m.objects[objectID(role, key)]
	if !ok {
		return 0, fmt.Errorf("%w: %s/%s", models.ErrObjectNotFound, role, key)
	}
	return int64(len(data)), nil
}

func (m *Memory) Delete(ctx context.Context, role, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.objects, objectID(role, key))
	return nil
}

func (m *Memory) PresignPut(ctx context.Context, role, key, contentType string, lifetime time.Duration) (string, error) {
	return fmt.Sprintf("memory://%s/%s?expires=%s", role, key, lifetime), nil
}

func (m *Memory) UploadDir(ctx context.Context, role, keyPrefix, dir string) error {
	return filepath.Walk(dir, func(p string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() {
			return nil
		}
		relPath, err := filepath.Rel(dir, p)
		if err != nil {
			return err
		}
		file, err := os.Open(p)
		if err != nil {
			return err
		}
		defer file.Close()

		key := path.Join(keyPrefix, filepath.ToSlash(relPath))
		return m.Put(ctx, role, key, file, ContentTypeFor(p))
	})
}

// Keys returns every stored key for a role, for test assertions.
func (m *Memory) Keys(role string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	var keys []string
	prefix := role + "/"
	for id := range m.objects {
		if len(id) > len(prefix) && id[:len(prefix)] == prefix {
			keys = append(keys, id[len(prefix):])
		}
	}
	return keys
}

func (m *Memory) Ping(ctx context.Context) error { return ctx.Err() }

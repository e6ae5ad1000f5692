// Package store holds the persistence backends for the conversation state.
// Every backend stores opaque payloads under string keys and returns a nil
// payload for a key that was never written.
package store

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"

	"medxplorer/api/internal/config"
)

type Backend interface {
	Load(ctx context.Context, key string) ([]byte, error)
	Save(ctx context.Context, key string, payload []byte) error
	Ping(ctx context.Context) error
	Close() error
}

// OpenBackend builds the backend selected by cfg.Storage.
func OpenBackend(ctx context.Context, cfg config.Config) (Backend, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Storage)) {
	case "", "file":
		return NewFileBackend(cfg.StateDir)
	case "sqlite":
		return NewSQLiteBackend(cfg.SQLitePath)
	case "redis":
		return NewRedisBackend(ctx, cfg.RedisURL)
	case "postgres":
		db, err := Open(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, err
		}
		if err := ApplyMigrations(ctx, db, cfg.MigrationsDir); err != nil {
			_ = db.Close()
			return nil, err
		}
		return NewPostgresBackend(db), nil
	case "memory":
		return NewMemoryBackend(), nil
	default:
		return nil, fmt.Errorf("unknown storage backend %q", cfg.Storage)
	}
}

type MemoryBackend struct {
	mu   sync.Mutex
	data map[string][]byte
}

func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{data: map[string][]byte{}}
}

func (m *MemoryBackend) Load(_ context.Context, key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	payload, ok := m.data[key]
	if !ok {
		return nil, nil
	}
	return append([]byte(nil), payload...), nil
}

func (m *MemoryBackend) Save(_ context.Context, key string, payload []byte) error {
	m.mu.Lock()
	m.data[key] = append([]byte(nil), payload...)
	m.mu.Unlock()
	return nil
}

func (m *MemoryBackend) Ping(context.Context) error { return nil }

func (m *MemoryBackend) Close() error { return nil }

var unsafeKeyChars = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

// FileBackend writes one JSON file per key into a directory.
type FileBackend struct {
	dir string
	mu  sync.Mutex
}

func NewFileBackend(dir string) (*FileBackend, error) {
	if strings.TrimSpace(dir) == "" {
		return nil, fmt.Errorf("state directory is required")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create state dir: %w", err)
	}
	return &FileBackend{dir: dir}, nil
}

func (f *FileBackend) path(key string) string {
	name := strings.Trim(unsafeKeyChars.ReplaceAllString(key, "_"), ".")
	if name == "" {
		name = "state"
	}
	return filepath.Join(f.dir, name+".json")
}

func (f *FileBackend) Load(_ context.Context, key string) ([]byte, error) {
	payload, err := os.ReadFile(f.path(key))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read state file: %w", err)
	}
	return payload, nil
}

// Save replaces the file atomically so a crash never leaves a torn payload.
func (f *FileBackend) Save(_ context.Context, key string, payload []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	target := f.path(key)
	tmp, err := os.CreateTemp(f.dir, filepath.Base(target)+".*.tmp")
	if err != nil {
		return fmt.Errorf("create temp state file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(payload); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("write temp state file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("sync temp state file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("close temp state file: %w", err)
	}
	if err := os.Rename(tmpName, target); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("replace state file: %w", err)
	}
	return nil
}

func (f *FileBackend) Ping(context.Context) error {
	info, err := os.Stat(f.dir)
	if err != nil {
		return fmt.Errorf("stat state dir: %w", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("state dir %s is not a directory", f.dir)
	}
	return nil
}

func (f *FileBackend) Close() error { return nil }

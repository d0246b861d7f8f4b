package persistence

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/wayflow/workflow"
)

const fileExt = ".json"

// FileStore 是基于文件的 Store 实现，每个会话一个 JSON 文件。
// 适合单节点部署.
type FileStore struct {
	baseDir string
	opts    Options
	logger  *zap.Logger
	mu      sync.RWMutex
	closed  bool
}

// NewFileStore 创建文件存储，目录不存在时自动创建
func NewFileStore(baseDir string, opts Options, logger *zap.Logger) (*FileStore, error) {
	if baseDir == "" {
		return nil, fmt.Errorf("%w: empty base directory", ErrInvalidInput)
	}
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create store directory: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &FileStore{
		baseDir: baseDir,
		opts:    opts,
		logger:  logger.With(zap.String("component", "file_store")),
	}, nil
}

func (s *FileStore) path(id string) string {
	return filepath.Join(s.baseDir, id+fileExt)
}

func (s *FileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *FileStore) Ping(ctx context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrStoreClosed
	}
	_, err := os.Stat(s.baseDir)
	return err
}

// Save 原子写: 写入临时文件后重命名
func (s *FileStore) Save(ctx context.Context, snap *workflow.ConversationSnapshot) error {
	env, err := newEnvelope(snap, s.opts.TTL)
	if err != nil {
		return err
	}
	data, err := json.MarshalIndent(env, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal snapshot: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStoreClosed
	}

	target := s.path(snap.ID)
	tmp := target + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("failed to write snapshot: %w", err)
	}
	if err := os.Rename(tmp, target); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("failed to write snapshot: %w", err)
	}
	return nil
}

func (s *FileStore) read(id string) (*envelope, error) {
	data, err := os.ReadFile(s.path(id))
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("corrupt snapshot file %s: %w", id, err)
	}
	return &env, nil
}

func (s *FileStore) Load(ctx context.Context, id string) (*workflow.ConversationSnapshot, error) {
	if err := validateID(id); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrStoreClosed
	}

	env, err := s.read(id)
	if err != nil {
		return nil, err
	}
	if env.expired(time.Now()) {
		return nil, ErrNotFound
	}
	return env.snapshot()
}

func (s *FileStore) Delete(ctx context.Context, id string) error {
	if err := validateID(id); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStoreClosed
	}

	err := os.Remove(s.path(id))
	if errors.Is(err, os.ErrNotExist) {
		return ErrNotFound
	}
	return err
}

// List 扫描目录，顺带清理已过期的快照
func (s *FileStore) List(ctx context.Context, filter ListFilter) ([]Summary, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrStoreClosed
	}

	entries, err := os.ReadDir(s.baseDir)
	if err != nil {
		return nil, err
	}
	now := time.Now()
	out := make([]Summary, 0, len(entries))
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, fileExt) {
			continue
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		id := strings.TrimSuffix(name, fileExt)
		env, err := s.read(id)
		if err != nil {
			s.logger.Warn("skipping unreadable snapshot", zap.String("file", name), zap.Error(err))
			continue
		}
		if env.expired(now) {
			_ = os.Remove(s.path(id))
			continue
		}
		if filter.matches(env.Summary) {
			out = append(out, env.Summary)
		}
	}
	return filter.page(out), nil
}

package filesystem

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"inboxd/internal/domain"
	"inboxd/internal/storage"
)

// Store 信封文件存储，布局为 {inboxRoot}/{YYYY-MM-DD}/{id}.json
type Store struct {
	basePath string
}

// NewStore 创建信封存储实例
func NewStore(inboxRoot string) (*Store, error) {
	if strings.TrimSpace(inboxRoot) == "" {
		return nil, fmt.Errorf("invalid base path: empty")
	}

	absPath, err := filepath.Abs(inboxRoot)
	if err != nil {
		return nil, fmt.Errorf("invalid base path: %w", err)
	}

	if err := os.MkdirAll(absPath, 0755); err != nil {
		return nil, fmt.Errorf("failed to create base directory: %w", err)
	}

	return &Store{basePath: filepath.Clean(absPath)}, nil
}

// InboxRoot 信封根目录
func (s *Store) InboxRoot() string {
	return s.basePath
}

// EnvelopePath 计算信封文件路径
func (s *Store) EnvelopePath(env *domain.Envelope) string {
	return filepath.Join(s.basePath, FormatDate(env.CreatedAt), env.ID+".json")
}

// WriteEnvelope 以缩进 JSON 写入信封，返回文件绝对路径
//
// 先写临时文件再重命名，读取方不会看到写了一半的信封。
func (s *Store) WriteEnvelope(env *domain.Envelope) (string, error) {
	if env.ID == "" || SanitizeFilename(env.ID) != env.ID {
		return "", fmt.Errorf("invalid envelope id: %q", env.ID)
	}

	path := s.EnvelopePath(env)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return "", fmt.Errorf("failed to create date directory: %w", err)
	}

	data, err := json.MarshalIndent(env, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to marshal envelope: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), "."+env.ID+".*.tmp")
	if err != nil {
		return "", fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return "", fmt.Errorf("failed to write envelope: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return "", fmt.Errorf("failed to write envelope: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return "", fmt.Errorf("failed to move envelope into place: %w", err)
	}

	return path, nil
}

// ReadEnvelope 读取并反序列化信封文件
func (s *Store) ReadEnvelope(path string) (*domain.Envelope, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", storage.ErrEnvelopeFileMissing, path)
		}
		return nil, fmt.Errorf("failed to read envelope: %w", err)
	}

	var env domain.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("failed to unmarshal envelope %s: %w", path, err)
	}
	return &env, nil
}

// WalkEnvelopes 按日期和文件名顺序遍历全部信封文件
func (s *Store) WalkEnvelopes(fn func(path string, env *domain.Envelope) error) error {
	dates, err := os.ReadDir(s.basePath)
	if err != nil {
		return fmt.Errorf("failed to list inbox: %w", err)
	}
	sort.Slice(dates, func(i, j int) bool { return dates[i].Name() < dates[j].Name() })

	for _, dateDir := range dates {
		if !dateDir.IsDir() {
			continue
		}
		files, err := filepath.Glob(filepath.Join(s.basePath, dateDir.Name(), "*.json"))
		if err != nil {
			return err
		}
		sort.Strings(files)

		for _, path := range files {
			env, err := s.ReadEnvelope(path)
			if err != nil {
				return err
			}
			if err := fn(path, env); err != nil {
				return err
			}
		}
	}
	return nil
}

// Health 检查信封目录是否可写
func (s *Store) Health() error {
	info, err := os.Stat(s.basePath)
	if err != nil {
		return fmt.Errorf("inbox directory unavailable: %w", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("inbox path is not a directory: %s", s.basePath)
	}

	probe, err := os.CreateTemp(s.basePath, ".health-*")
	if err != nil {
		return fmt.Errorf("inbox directory not writable: %w", err)
	}
	name := probe.Name()
	probe.Close()
	return os.Remove(name)
}

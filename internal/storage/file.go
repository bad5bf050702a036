package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// FileStore keeps one directory per container under Root.
type FileStore struct {
	Root string
}

func NewFileStore(root string) (*FileStore, error) {
	if strings.TrimSpace(root) == "" {
		return nil, errors.New("file store root is required")
	}
	return &FileStore{Root: filepath.Clean(root)}, nil
}

func (s *FileStore) OpenObject(ctx context.Context, container, name string) (io.ReadCloser, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	path, err := s.objectPath(container, name)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s/%s", ErrObjectNotFound, container, name)
		}
		return nil, fmt.Errorf("open input file %s: %w", path, err)
	}
	return f, nil
}

func (s *FileStore) EnsureContainer(_ context.Context, container string) error {
	if err := os.MkdirAll(s.containerPath(container), 0o755); err != nil {
		return fmt.Errorf("create container dir: %w", err)
	}
	return nil
}

// WriteObject replaces the file through a rename so readers never see a
// partially written object.
func (s *FileStore) WriteObject(_ context.Context, container, name string, data []byte, _ string) error {
	path, err := s.objectPath(container, name)
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write output file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close output file: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("publish output file: %w", err)
	}
	return nil
}

func (s *FileStore) containerPath(container string) string {
	return filepath.Join(s.Root, sanitizePathToken(container))
}

func (s *FileStore) objectPath(container, name string) (string, error) {
	if name == "" || name == "." || name == ".." || strings.ContainsAny(name, `/\`) {
		return "", fmt.Errorf("invalid object name %q", name)
	}
	return filepath.Join(s.containerPath(container), name), nil
}

func sanitizePathToken(in string) string {
	in = strings.TrimSpace(in)
	if in == "" {
		return "unknown"
	}

	var b strings.Builder
	b.Grow(len(in))
	for _, r := range in {
		switch {
		case r >= 'a' && r <= 'z':
			b.WriteRune(r)
		case r >= 'A' && r <= 'Z':
			b.WriteRune(r)
		case r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == '-' || r == '_':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	return b.String()
}

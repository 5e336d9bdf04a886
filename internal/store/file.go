package store

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/vyrodovalexey/avafanout/internal/model"
	"github.com/vyrodovalexey/avafanout/internal/observability"
)

// catalog is the on-disk layout of the file store.
type catalog struct {
	Scripts []catalogScript `yaml:"scripts"`
	Targets []model.Target  `yaml:"targets"`
}

// catalogScript is a script whose content is either inline or read from
// ContentFile, relative to the catalog.
type catalogScript struct {
	model.Script `yaml:",inline"`
	ContentFile  string `yaml:"contentFile,omitempty"`
}

// FileStore reads scripts and targets from a YAML catalog. The file is
// re-read on every listing so edits are picked up by the next reload.
type FileStore struct {
	path   string
	logger observability.Logger
}

// FileOption is a functional option for configuring the file store.
type FileOption func(*FileStore)

// WithFileLogger sets the logger for the file store.
func WithFileLogger(logger observability.Logger) FileOption {
	return func(s *FileStore) {
		s.logger = logger
	}
}

// NewFileStore creates a store reading the catalog at path.
func NewFileStore(path string, opts ...FileOption) *FileStore {
	s := &FileStore{
		path:   path,
		logger: observability.NopLogger(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Path returns the catalog path.
func (s *FileStore) Path() string {
	return s.path
}

// ListScripts returns the catalog scripts in file order. A script whose
// content file cannot be read is skipped.
func (s *FileStore) ListScripts(ctx context.Context) ([]model.Script, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c, err := s.read()
	if err != nil {
		return nil, err
	}

	scripts := make([]model.Script, 0, len(c.Scripts))
	for _, cs := range c.Scripts {
		sc := cs.Script
		if cs.ContentFile != "" {
			content, err := os.ReadFile(s.resolve(cs.ContentFile)) //nolint:gosec // catalog supplied path
			if err != nil {
				s.logger.Warn("skipping script with unreadable content file",
					observability.String("script", sc.Name),
					observability.String("content_file", cs.ContentFile),
					observability.Error(err),
				)
				continue
			}
			sc.Content = string(content)
		}
		scripts = append(scripts, sc)
	}
	return scripts, nil
}

// ListTargets returns the catalog targets in file order.
func (s *FileStore) ListTargets(ctx context.Context) ([]model.Target, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c, err := s.read()
	if err != nil {
		return nil, err
	}
	return c.Targets, nil
}

// Files returns the catalog path followed by every referenced content
// file. An unreadable catalog yields only its own path.
func (s *FileStore) Files() []string {
	files := []string{s.path}
	c, err := s.read()
	if err != nil {
		return files
	}
	for _, cs := range c.Scripts {
		if cs.ContentFile != "" {
			files = append(files, s.resolve(cs.ContentFile))
		}
	}
	return files
}

// Close implements Store.
func (s *FileStore) Close() error {
	return nil
}

func (s *FileStore) read() (*catalog, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: catalog %s", ErrNotFound, s.path)
		}
		return nil, fmt.Errorf("read catalog %s: %w", s.path, err)
	}

	var c catalog
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("parse catalog %s: %w", s.path, err)
	}
	return &c, nil
}

func (s *FileStore) resolve(p string) string {
	if filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(filepath.Dir(s.path), p)
}

package resultsink

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/3leaps/listwatch/pkg/tabular"
)

// DirSink writes result files into a local directory.
type DirSink struct {
	dir string
}

// NewDirSink returns a sink rooted at dir. The directory is created on first
// write.
func NewDirSink(dir string) *DirSink {
	return &DirSink{dir: dir}
}

// Dir returns the output directory.
func (s *DirSink) Dir() string {
	return s.dir
}

// Write renders t and moves it into place with a rename, so readers never
// observe a partial file. An existing file with the same name is kept and a
// numeric suffix is added to the new one.
func (s *DirSink) Write(ctx context.Context, name string, t *tabular.Table) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	data, _, err := render(name, t)
	if err != nil {
		return "", &WriteError{Op: "render", Target: name, Err: err}
	}

	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return "", &WriteError{Op: "mkdir", Target: s.dir, Err: err}
	}

	tmp, err := os.CreateTemp(s.dir, ".result-*.tmp")
	if err != nil {
		return "", &WriteError{Op: "create", Target: s.dir, Err: err}
	}
	tmpPath := tmp.Name()
	defer func() { _ = os.Remove(tmpPath) }()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return "", &WriteError{Op: "write", Target: tmpPath, Err: err}
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return "", &WriteError{Op: "sync", Target: tmpPath, Err: err}
	}
	if err := tmp.Close(); err != nil {
		return "", &WriteError{Op: "close", Target: tmpPath, Err: err}
	}

	dest, err := s.freeName(name)
	if err != nil {
		return "", &WriteError{Op: "stat", Target: name, Err: err}
	}
	if err := os.Rename(tmpPath, dest); err != nil {
		return "", &WriteError{Op: "rename", Target: dest, Err: err}
	}
	return dest, nil
}

func (s *DirSink) freeName(name string) (string, error) {
	ext := filepath.Ext(name)
	stem := strings.TrimSuffix(name, ext)
	candidate := filepath.Join(s.dir, name)
	for n := 2; ; n++ {
		_, err := os.Stat(candidate)
		if errors.Is(err, os.ErrNotExist) {
			return candidate, nil
		}
		if err != nil {
			return "", err
		}
		candidate = filepath.Join(s.dir, fmt.Sprintf("%s_%d%s", stem, n, ext))
	}
}

// Package storage provides workbook stores for the recalculation pipeline.
package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/ukaji3/xlrecalc-go/pkg/recalc"
)

// Local reads and writes workbooks on the local filesystem.
type Local struct{}

// NewLocal creates a local filesystem store.
func NewLocal() *Local {
	return &Local{}
}

// Open opens the file at path for reading.
func (l *Local) Open(_ context.Context, path string) (io.ReadCloser, error) {
	f, err := os.Open(filepath.Clean(path))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %w", recalc.ErrNotFound, err)
		}
		return nil, fmt.Errorf("%w: %w", recalc.ErrIO, err)
	}
	return f, nil
}

// Create creates or truncates the file at path for writing.
func (l *Local) Create(_ context.Context, path string) (io.WriteCloser, error) {
	f, err := os.OpenFile(filepath.Clean(path), os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", recalc.ErrIO, err)
	}
	return f, nil
}

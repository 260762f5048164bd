package recalc

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"
)

// memStore keeps documents in memory.
type memStore struct {
	files     map[string][]byte
	createErr error
	opened    int
	created   int
}

func newMemStore() *memStore {
	return &memStore{files: make(map[string][]byte)}
}

func (s *memStore) Open(_ context.Context, locator string) (io.ReadCloser, error) {
	data, ok := s.files[locator]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, locator)
	}
	s.opened++
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (s *memStore) Create(_ context.Context, locator string) (io.WriteCloser, error) {
	if s.createErr != nil {
		return nil, s.createErr
	}
	s.created++
	return &memWriter{store: s, locator: locator}, nil
}

type memWriter struct {
	bytes.Buffer
	store   *memStore
	locator string
}

func (w *memWriter) Close() error {
	w.store.files[w.locator] = w.Bytes()
	return nil
}

// putWorkbook stores the workbook built by fill under locator.
func (s *memStore) putWorkbook(t *testing.T, locator string, fill func(f *excelize.File)) {
	t.Helper()
	f := excelize.NewFile()
	defer f.Close()
	fill(f)
	buf, err := f.WriteToBuffer()
	require.NoError(t, err)
	s.files[locator] = buf.Bytes()
}

// openResult opens the document stored under locator.
func (s *memStore) openResult(t *testing.T, locator string) *excelize.File {
	t.Helper()
	data, ok := s.files[locator]
	require.True(t, ok, "%s was not written", locator)
	f, err := excelize.OpenReader(bytes.NewReader(data))
	require.NoError(t, err)
	t.Cleanup(func() { f.Close() })
	return f
}

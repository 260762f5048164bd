package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"path"
	"strings"

	"github.com/ukaji3/xlrecalc-go/pkg/recalc"
)

// FileSystem is the subset of a distributed filesystem client used by HDFS.
type FileSystem interface {
	Open(name string) (io.ReadCloser, error)
	Create(name string) (io.WriteCloser, error)
	Remove(name string) error
}

// HDFS reads and writes workbooks on a Hadoop distributed filesystem.
// Locators are hdfs:// URIs or absolute paths on the default filesystem.
type HDFS struct {
	fs FileSystem
}

// NewHDFS creates a store backed by fs.
func NewHDFS(fs FileSystem) *HDFS {
	return &HDFS{fs: fs}
}

// Open opens the document at locator for reading.
func (h *HDFS) Open(ctx context.Context, locator string) (io.ReadCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p, err := PathOf(locator)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", recalc.ErrIO, err)
	}
	r, err := h.fs.Open(p)
	if err != nil {
		return nil, classifyRemote(err, true)
	}
	return r, nil
}

// Create replaces the document at locator and opens it for writing.
func (h *HDFS) Create(ctx context.Context, locator string) (io.WriteCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p, err := PathOf(locator)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", recalc.ErrIO, err)
	}
	if err := h.fs.Remove(p); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, classifyRemote(err, false)
	}
	w, err := h.fs.Create(p)
	if err != nil {
		return nil, classifyRemote(err, false)
	}
	return &remoteWriter{w: w}, nil
}

// PathOf returns the filesystem path of an hdfs:// URI or absolute path.
func PathOf(locator string) (string, error) {
	if strings.HasPrefix(locator, "/") {
		return path.Clean(locator), nil
	}
	u, err := url.Parse(locator)
	if err != nil {
		return "", err
	}
	if u.Scheme != "hdfs" {
		return "", fmt.Errorf("unsupported locator scheme %q in %s", u.Scheme, locator)
	}
	if u.Path == "" {
		return "", fmt.Errorf("locator %s has no path", locator)
	}
	return path.Clean(u.Path), nil
}

// NamenodeOf returns the namenode address named by an hdfs:// URI, or "" for
// plain paths and URIs without a host.
func NamenodeOf(locator string) string {
	u, err := url.Parse(locator)
	if err != nil || u.Scheme != "hdfs" {
		return ""
	}
	return u.Host
}

// classifyRemote tags a distributed filesystem error with the pipeline error
// kind it belongs to.
func classifyRemote(err error, reading bool) error {
	switch {
	case reading && errors.Is(err, os.ErrNotExist):
		return fmt.Errorf("%w: %w", recalc.ErrNotFound, err)
	case errors.Is(err, os.ErrPermission), isAuthFailure(err):
		return fmt.Errorf("%w: %w", recalc.ErrAuthorization, err)
	default:
		return fmt.Errorf("%w: %w", recalc.ErrIO, err)
	}
}

func isAuthFailure(err error) bool {
	msg := strings.ToLower(err.Error())
	for _, marker := range []string{"accesscontrolexception", "kerberos", "sasl", "authentication"} {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}

// remoteWriter classifies errors raised while writing or closing, which is
// when the distributed filesystem reports most failures.
type remoteWriter struct {
	w io.WriteCloser
}

func (rw *remoteWriter) Write(p []byte) (int, error) {
	n, err := rw.w.Write(p)
	if err != nil {
		return n, classifyRemote(err, false)
	}
	return n, nil
}

func (rw *remoteWriter) Close() error {
	if err := rw.w.Close(); err != nil {
		return classifyRemote(err, false)
	}
	return nil
}

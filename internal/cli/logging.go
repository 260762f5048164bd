package cli

import (
	"io"
	"log/slog"

	"github.com/google/uuid"
)

// newLogger returns the progress logger of one run, tagged with a fresh run id.
func newLogger(w io.Writer, verbose bool) (*slog.Logger, string) {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	runID := uuid.NewString()
	h := slog.NewTextHandler(w, &slog.HandlerOptions{Level: level})
	return slog.New(h).With("run", runID), runID
}

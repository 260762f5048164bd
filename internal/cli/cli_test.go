package cli

import (
	"bytes"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ukaji3/xlrecalc-go/internal/config"
	"github.com/ukaji3/xlrecalc-go/pkg/recalc/models"
)

func defaultTestConfig() *config.Config {
	return config.Default()
}

func TestExitCode(t *testing.T) {
	var stderr bytes.Buffer
	assert.Equal(t, ExitOK, ExitCode(nil, &stderr))
	assert.Equal(t, ExitUsage, ExitCode(&ExitError{Code: ExitUsage}, &stderr))
	assert.Equal(t, ExitFailure, ExitCode(fmt.Errorf("wrapped: %w", &ExitError{Code: ExitFailure}), &stderr))
	assert.Empty(t, stderr.String())

	assert.Equal(t, ExitFailure, ExitCode(errors.New("boom"), &stderr))
	assert.Equal(t, "boom\n", stderr.String())
}

func TestFailPolicy(t *testing.T) {
	summary := models.Summary{
		Sheets:           1,
		Formulas:         4,
		Errors:           []models.CellResult{{Value: "#REF!"}},
		MissingWorkbooks: 1,
	}
	tests := []struct {
		source string
		failed bool
	}{
		{"", false},
		{"Errors > 0", true},
		{"Errors > 1", false},
		{"MissingWorkbooks > 0 && !Saved", true},
		{"Formulas == 4 and Changed == 0", true},
	}
	for _, tt := range tests {
		policy, err := compileFailPolicy(tt.source)
		require.NoError(t, err, tt.source)
		failed, err := policy.failed(summary)
		require.NoError(t, err, tt.source)
		assert.Equal(t, tt.failed, failed, tt.source)
	}
}

func TestFailPolicyRejectsInvalid(t *testing.T) {
	for _, source := range []string{"Errors >", "Unknown > 0", "Errors + 1"} {
		_, err := compileFailPolicy(source)
		assert.Error(t, err, source)
	}
}

func TestNewLoggerTagsRun(t *testing.T) {
	var buf bytes.Buffer
	log, runID := newLogger(&buf, false)
	log.Debug("hidden")
	log.Info("shown")
	assert.NotContains(t, buf.String(), "hidden")
	assert.Contains(t, buf.String(), "msg=shown")
	assert.Contains(t, buf.String(), "run="+runID)

	buf.Reset()
	log, _ = newLogger(&buf, true)
	log.Debug("visible")
	assert.Contains(t, buf.String(), "msg=visible")
}

// Package recalc loads spreadsheet workbooks, recalculates every formula and
// writes them back with fresh cached values.
package recalc

import (
	"log/slog"

	"github.com/xuri/excelize/v2"
)

// DefaultMaxCalcIterations bounds how often the engine re-enters a cell while
// resolving one formula.
const DefaultMaxCalcIterations = 100

// Options configures the pipeline.
type Options struct {
	// IgnoreMissingWorkbooks makes references to unavailable external workbooks
	// resolve to #REF! instead of failing the run.
	// If nil, defaults to true.
	IgnoreMissingWorkbooks *bool
	// MaxCalcIterations bounds how often the engine re-enters a cell while
	// resolving one formula. Circular references resolve to #VALUE!.
	// If zero, DefaultMaxCalcIterations is used.
	MaxCalcIterations uint
	// FullCalcOnLoad asks spreadsheet applications to recalculate the workbook
	// again when it is opened.
	FullCalcOnLoad bool
	// Password opens and saves encrypted workbooks.
	Password string
	// Logger receives progress messages. If nil, nothing is logged.
	Logger *slog.Logger
}

// DefaultOptions returns default pipeline options.
func DefaultOptions() Options {
	return Options{
		MaxCalcIterations: DefaultMaxCalcIterations,
	}
}

// ShouldIgnoreMissingWorkbooks returns whether missing external workbooks are tolerated.
func (o Options) ShouldIgnoreMissingWorkbooks() bool {
	if o.IgnoreMissingWorkbooks != nil {
		return *o.IgnoreMissingWorkbooks
	}
	return true
}

func (o Options) maxCalcIterations() uint {
	if o.MaxCalcIterations == 0 {
		return DefaultMaxCalcIterations
	}
	return o.MaxCalcIterations
}

// excelizeOptions returns the options passed to the spreadsheet library.
func (o Options) excelizeOptions() excelize.Options {
	return excelize.Options{
		MaxCalcIterations: o.maxCalcIterations(),
		Password:          o.Password,
	}
}

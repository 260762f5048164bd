package models

import "time"

// Summary represents the outcome of a recalculation run.
type Summary struct {
	// RunID identifies the run in logs.
	RunID string `json:"run_id,omitempty"`
	// BookName is the workbook locator base name.
	BookName string `json:"book_name"`
	// Sheets is the number of worksheets visited.
	Sheets int `json:"sheets"`
	// Formulas is the number of formula cells recalculated.
	Formulas int `json:"formulas"`
	// Errors lists cells whose value is a formula error marker.
	Errors []CellResult `json:"errors"`
	// Changed lists the addresses of cells whose cached value changed.
	Changed []string `json:"changed"`
	// MissingWorkbooks is the number of cells referencing unavailable external workbooks.
	MissingWorkbooks int `json:"missing_workbooks"`
	// Duration is the wall time spent evaluating.
	Duration time.Duration `json:"duration_ns"`
	// Saved reports whether the workbook was written out.
	Saved bool `json:"saved"`
}

// Env returns the fields exposed to policy expressions.
func (s Summary) Env() map[string]any {
	return map[string]any{
		"Sheets":           s.Sheets,
		"Formulas":         s.Formulas,
		"Errors":           len(s.Errors),
		"Changed":          len(s.Changed),
		"MissingWorkbooks": s.MissingWorkbooks,
		"Saved":            s.Saved,
	}
}

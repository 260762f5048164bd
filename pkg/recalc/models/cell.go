// Package models defines data structures reported by a recalculation run.
package models

// ValueType is the type of a recalculated cell value.
type ValueType string

const (
	// ValueNumber is a numeric result.
	ValueNumber ValueType = "number"
	// ValueString is a text result.
	ValueString ValueType = "string"
	// ValueBool is a logical result.
	ValueBool ValueType = "bool"
	// ValueError is a formula error marker such as #DIV/0!.
	ValueError ValueType = "error"
	// ValueEmpty is an empty result.
	ValueEmpty ValueType = "empty"
)

// CellResult represents the recalculated value of one formula cell.
type CellResult struct {
	// Sheet is the worksheet name.
	Sheet string `json:"sheet"`
	// Cell is the A1-style cell reference.
	Cell string `json:"cell"`
	// Formula is the formula text without the leading "=".
	Formula string `json:"formula"`
	// Type is the value type.
	Type ValueType `json:"type"`
	// Value is the raw value text (the error marker for ValueError).
	Value string `json:"value"`
	// Previous is the cached value found in the workbook before recalculation.
	Previous string `json:"previous,omitempty"`
	// Detail explains an error value when the engine provided a message.
	Detail string `json:"detail,omitempty"`
}

// Address returns the sheet-qualified cell reference.
func (c CellResult) Address() string {
	return c.Sheet + "!" + c.Cell
}

// Changed reports whether recalculation produced a value different from the
// previously cached one.
func (c CellResult) Changed() bool {
	return c.Previous != c.Value
}

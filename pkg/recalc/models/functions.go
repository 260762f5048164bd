package models

// FunctionInventory partitions spreadsheet function names by engine support.
type FunctionInventory struct {
	// Supported lists functions the engine implements.
	Supported []string `json:"supported"`
	// Unsupported lists functions the engine recognizes but does not implement.
	Unsupported []string `json:"unsupported"`
}

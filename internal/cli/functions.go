package cli

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/spf13/cobra"
	"github.com/ukaji3/xlrecalc-go/pkg/recalc"
	"github.com/ukaji3/xlrecalc-go/pkg/recalc/models"
)

// inventory is replaced in tests.
var inventory = recalc.Functions

// NewFunctionsCommand returns the command listing which spreadsheet functions
// the formula engine implements.
func NewFunctionsCommand() *cobra.Command {
	var jsonOutput bool
	cmd := &cobra.Command{
		Use:   "xlrecalc-functions",
		Short: "List the spreadsheet functions the formula engine supports",
		Long: `Evaluate every known spreadsheet function against the formula engine and
print the implemented functions followed by the ones that are not.`,
		Version:       Version,
		SilenceErrors: true,
		SilenceUsage:  true,
		Args:          exactArgs(0, "no arguments"),
		RunE: func(cmd *cobra.Command, _ []string) error {
			inv, err := inventory()
			if err != nil {
				fmt.Fprintln(cmd.ErrOrStderr(), "Error listing functions:", err)
				return &ExitError{Code: ExitFailure}
			}
			return printInventory(cmd.OutOrStdout(), inv, jsonOutput)
		},
	}
	cmd.SetFlagErrorFunc(flagError)
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Print the inventory as JSON")
	return cmd
}

func printInventory(w io.Writer, inv models.FunctionInventory, jsonOutput bool) error {
	if jsonOutput {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(inv)
	}
	fmt.Fprintf(w, "=== SUPPORTED EXCEL FUNCTIONS (%d) ===\n", len(inv.Supported))
	for _, name := range inv.Supported {
		fmt.Fprintln(w, name)
	}
	fmt.Fprintln(w)
	fmt.Fprintf(w, "=== UNSUPPORTED EXCEL FUNCTIONS (%d) ===\n", len(inv.Unsupported))
	for _, name := range inv.Unsupported {
		fmt.Fprintln(w, name)
	}
	return nil
}

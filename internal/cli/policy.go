package cli

import (
	"fmt"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
	"github.com/ukaji3/xlrecalc-go/pkg/recalc/models"
)

// failPolicy decides from a run summary whether the run counts as failed.
type failPolicy struct {
	source  string
	program *vm.Program
}

// compileFailPolicy compiles a boolean expression over the summary fields
// Sheets, Formulas, Errors, Changed, MissingWorkbooks and Saved, e.g.
// "Errors > 0 || MissingWorkbooks > 0". An empty source never fails.
func compileFailPolicy(source string) (*failPolicy, error) {
	if source == "" {
		return &failPolicy{}, nil
	}
	program, err := expr.Compile(source, expr.Env(models.Summary{}.Env()), expr.AsBool())
	if err != nil {
		return nil, fmt.Errorf("invalid --fail-if expression: %w", err)
	}
	return &failPolicy{source: source, program: program}, nil
}

func (p *failPolicy) failed(summary models.Summary) (bool, error) {
	if p.program == nil {
		return false, nil
	}
	out, err := expr.Run(p.program, summary.Env())
	if err != nil {
		return false, fmt.Errorf("evaluating --fail-if %q: %w", p.source, err)
	}
	return out.(bool), nil
}

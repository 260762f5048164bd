package recalc

import (
	"context"
	"io"
	"log/slog"

	"github.com/ukaji3/xlrecalc-go/pkg/recalc/models"
	"github.com/xuri/excelize/v2"
)

// Store opens and creates workbook documents by locator.
type Store interface {
	// Open returns a read stream for an existing document.
	Open(ctx context.Context, locator string) (io.ReadCloser, error)
	// Create returns a write stream, replacing any existing document.
	Create(ctx context.Context, locator string) (io.WriteCloser, error)
}

// Load reads the workbook at locator from store.
func Load(ctx context.Context, store Store, locator string, opts Options) (*Workbook, error) {
	rc, err := store.Open(ctx, locator)
	if err != nil {
		return nil, NewError("load", locator, kindOr(err, ErrIO), err)
	}
	defer rc.Close()

	wb, err := OpenWorkbook(rc, locator, opts)
	if err != nil {
		return nil, NewError("load", locator, kindOr(err, ErrIO), err)
	}
	opts.logger().Info("read file", "locator", locator, "sheets", len(wb.file.GetSheetList()))
	return wb, nil
}

// Recalculate discards every cached formula result of wb and recomputes all
// formulas.
func Recalculate(wb *Workbook, opts Options) (models.Summary, error) {
	log := opts.logger()
	ev := wb.CreateEvaluator(opts.ShouldIgnoreMissingWorkbooks())

	log.Info("clearing cached result values")
	if err := ev.ClearCachedResults(); err != nil {
		return models.Summary{}, NewError("recalculate", wb.Name, ErrEngineFatal, err)
	}

	log.Info("evaluating formulas")
	summary, err := ev.EvaluateAll()
	if err != nil {
		return summary, NewError("recalculate", wb.Name, ErrEngineFatal, err)
	}
	for _, res := range summary.Errors {
		log.Debug("formula error", "cell", res.Address(), "formula", res.Formula, "value", res.Value, "detail", res.Detail)
	}

	if opts.FullCalcOnLoad {
		fullCalc := true
		if err := wb.file.SetCalcProps(&excelize.CalcPropsOptions{FullCalcOnLoad: &fullCalc}); err != nil {
			return summary, NewError("recalculate", wb.Name, ErrEngineFatal, err)
		}
	}
	log.Info("evaluated formulas", "formulas", summary.Formulas, "errors", len(summary.Errors),
		"changed", len(summary.Changed), "duration", summary.Duration)
	return summary, nil
}

// Save writes wb to locator in store, replacing any existing document.
// A partially written document may remain when writing fails.
func Save(ctx context.Context, store Store, wb *Workbook, locator string, opts Options) (err error) {
	wc, err := store.Create(ctx, locator)
	if err != nil {
		return NewError("save", locator, kindOr(err, ErrIO), err)
	}
	defer func() {
		if cerr := wc.Close(); cerr != nil && err == nil {
			err = NewError("save", locator, kindOr(cerr, ErrIO), cerr)
		}
	}()

	if err := wb.Serialize(wc); err != nil {
		return NewError("save", locator, kindOr(err, ErrIO), err)
	}
	opts.logger().Info("written file", "locator", locator)
	return nil
}

// RunOptions configures Run.
type RunOptions struct {
	Options
	// Verify recalculates without writing the output document.
	Verify bool
}

// Run loads input, recalculates it and saves it to output.
func Run(ctx context.Context, store Store, input, output string, opts RunOptions) (models.Summary, error) {
	wb, err := Load(ctx, store, input, opts.Options)
	if err != nil {
		return models.Summary{}, err
	}
	defer wb.Close()

	if err := ctx.Err(); err != nil {
		return models.Summary{}, err
	}
	summary, err := Recalculate(wb, opts.Options)
	if err != nil {
		return summary, err
	}
	if opts.Verify {
		return summary, nil
	}

	if err := ctx.Err(); err != nil {
		return summary, err
	}
	if err := Save(ctx, store, wb, output, opts.Options); err != nil {
		return summary, err
	}
	summary.Saved = true
	return summary, nil
}

func kindOr(err, fallback error) error {
	if kind := Kind(err); kind != nil {
		return kind
	}
	return fallback
}

func (o Options) logger() *slog.Logger {
	if o.Logger != nil {
		return o.Logger
	}
	return slog.New(slog.DiscardHandler)
}

package recalc

import (
	"bytes"
	"fmt"
	"io"
	"path"

	"github.com/ukaji3/xlrecalc-go/pkg/recalc/models"
	"github.com/ukaji3/xlrecalc-go/pkg/recalc/ooxml"
	"github.com/xuri/excelize/v2"
)

// oleSignature starts every encrypted (CFB wrapped) workbook.
var oleSignature = []byte{0xD0, 0xCF, 0x11, 0xE0, 0xA1, 0xB1, 0x1A, 0xE1}

// Workbook is an in-memory spreadsheet document owned by one pipeline run.
type Workbook struct {
	// Name is the base name of the locator the workbook was read from.
	Name string

	file     *excelize.File
	data     []byte
	opts     Options
	previous map[string]map[string]ooxml.CachedValue
	formulas map[string]map[string]ooxml.Formula
	links    []ooxml.ExternalLink
	results  []models.CellResult
}

// OpenWorkbook reads a workbook document from r.
func OpenWorkbook(r io.Reader, name string, opts Options) (*Workbook, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	if bytes.HasPrefix(data, oleSignature) {
		if opts.Password == "" {
			return nil, excelize.ErrWorkbookPassword
		}
		if data, err = excelize.Decrypt(data, &excelize.Options{Password: opts.Password}); err != nil {
			return nil, err
		}
	}

	xlOpts := opts.excelizeOptions()
	xlOpts.Password = ""
	f, err := excelize.OpenReader(bytes.NewReader(data), xlOpts)
	if err != nil {
		if f != nil {
			_ = f.Close()
		}
		return nil, err
	}

	pkg, err := ooxml.OpenPackage(data)
	if err != nil {
		_ = f.Close()
		return nil, err
	}
	previous, err := pkg.CachedValues()
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("reading cached values: %w", err)
	}
	formulas, err := pkg.Formulas()
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("reading formulas: %w", err)
	}
	links, err := pkg.ExternalLinks()
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("reading external links: %w", err)
	}

	return &Workbook{
		Name:     path.Base(name),
		file:     f,
		data:     data,
		opts:     opts,
		previous: previous,
		formulas: formulas,
		links:    links,
	}, nil
}

// File returns the underlying spreadsheet file.
func (wb *Workbook) File() *excelize.File {
	return wb.file
}

// Results returns the values computed by the most recent evaluation.
func (wb *Workbook) Results() []models.CellResult {
	return wb.results
}

// ExternalLinks returns the external workbooks declared by the document.
func (wb *Workbook) ExternalLinks() []ooxml.ExternalLink {
	return wb.links
}

// CreateEvaluator returns a formula evaluator bound to the workbook.
func (wb *Workbook) CreateEvaluator(ignoreMissingWorkbooks bool) *Evaluator {
	return &Evaluator{
		wb:                     wb,
		ignoreMissingWorkbooks: ignoreMissingWorkbooks,
	}
}

// evaluationCopy opens a second copy of the document for formulas to be
// evaluated on. Cells of the copy may be rewritten freely; it is never saved.
func (wb *Workbook) evaluationCopy() (*excelize.File, error) {
	xlOpts := wb.opts.excelizeOptions()
	xlOpts.Password = ""
	f, err := excelize.OpenReader(bytes.NewReader(wb.data), xlOpts)
	if err != nil {
		return nil, err
	}
	if err := f.UpdateLinkedValue(); err != nil {
		_ = f.Close()
		return nil, err
	}
	return f, nil
}

// Serialize writes the workbook document, with the recalculated cached
// values, to w.
func (wb *Workbook) Serialize(w io.Writer) error {
	var raw bytes.Buffer
	if _, err := wb.file.WriteTo(&raw, excelize.Options{MaxCalcIterations: wb.opts.maxCalcIterations()}); err != nil {
		return err
	}

	var patched bytes.Buffer
	if err := ooxml.WriteCachedValues(raw.Bytes(), &patched, wb.cachedValues()); err != nil {
		return fmt.Errorf("writing cached values: %w", err)
	}

	out := patched.Bytes()
	if wb.opts.Password != "" {
		encrypted, err := excelize.Encrypt(out, &excelize.Options{Password: wb.opts.Password})
		if err != nil {
			return err
		}
		out = encrypted
	}
	_, err := w.Write(out)
	return err
}

// Close releases the resources held by the workbook.
func (wb *Workbook) Close() error {
	return wb.file.Close()
}

func (wb *Workbook) cachedValues() map[string]map[string]ooxml.CachedValue {
	values := make(map[string]map[string]ooxml.CachedValue)
	for _, res := range wb.results {
		cells, ok := values[res.Sheet]
		if !ok {
			cells = make(map[string]ooxml.CachedValue)
			values[res.Sheet] = cells
		}
		cells[res.Cell] = toCachedValue(res)
	}
	return values
}

func toCachedValue(res models.CellResult) ooxml.CachedValue {
	switch res.Type {
	case models.ValueNumber:
		return ooxml.CachedValue{Type: ooxml.TypeNumber, Text: res.Value}
	case models.ValueBool:
		if res.Value == "TRUE" {
			return ooxml.CachedValue{Type: ooxml.TypeBool, Text: "1"}
		}
		return ooxml.CachedValue{Type: ooxml.TypeBool, Text: "0"}
	case models.ValueError:
		return ooxml.CachedValue{Type: ooxml.TypeError, Text: res.Value}
	default:
		return ooxml.CachedValue{Type: ooxml.TypeString, Text: res.Value}
	}
}

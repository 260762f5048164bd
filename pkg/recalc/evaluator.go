package recalc

import (
	"errors"
	"fmt"
	"math"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/ukaji3/xlrecalc-go/pkg/recalc/models"
	"github.com/ukaji3/xlrecalc-go/pkg/recalc/ooxml"
	"github.com/xuri/excelize/v2"
)

// Formula error markers written into cells that cannot be evaluated.
const (
	ErrorDiv0    = "#DIV/0!"
	ErrorNA      = "#N/A"
	ErrorName    = "#NAME?"
	ErrorNull    = "#NULL!"
	ErrorNum     = "#NUM!"
	ErrorRef     = "#REF!"
	ErrorValue   = "#VALUE!"
	ErrorSpill   = "#SPILL!"
	ErrorCalc    = "#CALC!"
	ErrorGetData = "#GETTING_DATA"
)

var errorMarkers = map[string]bool{
	ErrorDiv0: true, ErrorNA: true, ErrorName: true, ErrorNull: true, ErrorNum: true,
	ErrorRef: true, ErrorValue: true, ErrorSpill: true, ErrorCalc: true, ErrorGetData: true,
}

// externalRefRe matches references into another workbook such as
// [1]Sheet1!A1, '[Budget.xlsx]Q1'!B2 or '[1]Sheet 1'!A1.
var externalRefRe = regexp.MustCompile(`'\[([^\[\]]+)\][^']*'!|\[([^\[\]]+)\][\p{L}\p{N}_.]*!`)

// Evaluator recalculates the formulas of one workbook.
type Evaluator struct {
	wb                     *Workbook
	ignoreMissingWorkbooks bool
}

// formulaCell is a cell whose value is computed by a formula.
type formulaCell struct {
	sheet, cell string
	formula     string
	// anchor is the top-left cell of the array formula covering the cell.
	anchor string
}

func (fc formulaCell) address() string {
	return fc.sheet + "!" + fc.cell
}

// marker is an error value decided before evaluation.
type marker struct {
	value, detail string
}

// ClearCachedResults discards every cached formula result in the workbook.
func (e *Evaluator) ClearCachedResults() error {
	e.wb.results = nil
	return e.wb.file.UpdateLinkedValue()
}

// EvaluateAll recalculates every formula cell of every sheet. Cell level
// failures become error markers in the affected cells; only failures of the
// engine itself are returned.
func (e *Evaluator) EvaluateAll() (summary models.Summary, err error) {
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", ErrEngineFatal, r)
		}
	}()

	summary.BookName = e.wb.Name
	var cells []formulaCell
	for _, sheet := range e.wb.file.GetSheetList() {
		sheetCells, err := e.formulaCells(sheet)
		if err != nil {
			return summary, fmt.Errorf("%w: sheet %q: %w", ErrEngineFatal, sheet, err)
		}
		summary.Sheets++
		cells = append(cells, sheetCells...)
	}

	calc, err := e.wb.evaluationCopy()
	if err != nil {
		return summary, fmt.Errorf("%w: %w", ErrEngineFatal, err)
	}
	defer calc.Close()

	seeded, err := e.seed(calc, cells, &summary)
	if err != nil {
		return summary, err
	}
	calcOpts := excelize.Options{RawCellValue: true, MaxCalcIterations: e.wb.opts.maxCalcIterations()}
	typer, err := newResultTyper(calc, calcOpts)
	if err != nil {
		return summary, fmt.Errorf("%w: %w", ErrEngineFatal, err)
	}

	results := make([]models.CellResult, 0, len(cells))
	for _, fc := range cells {
		res := models.CellResult{
			Sheet:    fc.sheet,
			Cell:     fc.cell,
			Formula:  fc.formula,
			Previous: previousValue(e.wb.previous[fc.sheet][fc.cell]),
		}
		if m, ok := seeded[fc.address()]; ok {
			res.Type, res.Value, res.Detail = models.ValueError, m.value, m.detail
			results = append(results, res)
			continue
		}

		value, calcErr := calc.CalcCellValue(fc.sheet, fc.cell, calcOpts)
		kind := kindUnknown
		if calcErr == nil && ambiguous(value) {
			if kind, err = typer.kindOf(fc.sheet, fc.cell); err != nil {
				return summary, fmt.Errorf("%w: %s: %w", ErrEngineFatal, fc.address(), err)
			}
		}
		res.Type, res.Value, res.Detail = classify(value, kind, calcErr)
		results = append(results, res)
	}

	e.wb.results = results
	summary.Formulas = len(results)
	for _, res := range results {
		if res.Type == models.ValueError {
			summary.Errors = append(summary.Errors, res)
		}
		if res.Changed() {
			summary.Changed = append(summary.Changed, res.Address())
		}
	}
	summary.Duration = time.Since(start)
	return summary, nil
}

// seed decides which cells resolve to an error without being evaluated and
// writes those markers into calc, so formulas depending on them see the error.
func (e *Evaluator) seed(calc *excelize.File, cells []formulaCell, summary *models.Summary) (map[string]marker, error) {
	seeded := make(map[string]marker)
	for _, fc := range cells {
		link, ok := e.externalReference(fc.formula)
		if !ok {
			continue
		}
		if !e.ignoreMissingWorkbooks {
			return nil, fmt.Errorf("%w: %w: %s references %s", ErrEngineFatal, ErrMissingWorkbook, fc.address(), link)
		}
		summary.MissingWorkbooks++
		seeded[fc.address()] = marker{value: ErrorRef, detail: "external workbook " + link + " is not available"}
	}

	graph, err := newDependencyGraph(cells, e.wb.file.GetDefinedName())
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrEngineFatal, err)
	}
	for addr := range graph.circular() {
		if _, ok := seeded[addr]; !ok {
			seeded[addr] = marker{value: ErrorValue, detail: "circular reference"}
		}
	}
	if len(seeded) == 0 {
		return seeded, nil
	}

	// The cells of an array formula share one formula, so they share its marker.
	arrays := make(map[string]marker)
	for _, fc := range cells {
		if m, ok := seeded[fc.address()]; ok && fc.anchor != "" {
			arrays[fc.sheet+"!"+fc.anchor] = m
		}
	}
	for _, fc := range cells {
		if m, ok := arrays[fc.sheet+"!"+fc.anchor]; ok && fc.anchor != "" {
			seeded[fc.address()] = m
		}
	}

	// Shared formulas are derived from their master cell; store each one on
	// its own cell first so a marker only replaces the formula it belongs to.
	for _, fc := range cells {
		if e.wb.formulas[fc.sheet][fc.cell].Kind == ooxml.FormulaShared {
			if err := calc.SetCellFormula(fc.sheet, fc.cell, ""); err != nil {
				return nil, fmt.Errorf("%w: %w", ErrEngineFatal, err)
			}
		}
	}
	for _, fc := range cells {
		if e.wb.formulas[fc.sheet][fc.cell].Kind == ooxml.FormulaShared {
			if err := calc.SetCellFormula(fc.sheet, fc.cell, fc.formula); err != nil {
				return nil, fmt.Errorf("%w: %w", ErrEngineFatal, err)
			}
		}
	}

	for _, fc := range cells {
		m, ok := seeded[fc.address()]
		if !ok {
			continue
		}
		target := fc.cell
		if fc.anchor != "" {
			target = fc.anchor
		}
		if err := calc.SetCellFormula(fc.sheet, target, m.value); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrEngineFatal, err)
		}
	}
	return seeded, nil
}

// formulaCells returns the cells of sheet computed by a formula, in row-major
// order. Cells covered by an array formula carry the formula of the array.
func (e *Evaluator) formulaCells(sheet string) ([]formulaCell, error) {
	f := e.wb.file
	seen := make(map[string]bool)
	for ref := range e.wb.previous[sheet] {
		seen[ref] = true
	}
	// Cells stored under a namespace prefix are not found in the raw package.
	rows, err := f.GetRows(sheet, excelize.Options{RawCellValue: true})
	if err != nil {
		return nil, err
	}
	for r, row := range rows {
		for c := range row {
			ref, err := excelize.CoordinatesToCellName(c+1, r+1)
			if err != nil {
				return nil, err
			}
			seen[ref] = true
		}
	}

	anchors := make(map[string]string)
	for anchor, formula := range e.wb.formulas[sheet] {
		if formula.Kind != ooxml.FormulaArray {
			continue
		}
		a, ok := parseArea(formula.Ref, sheet)
		if !ok {
			a, ok = parseArea(anchor, sheet)
		}
		if !ok {
			return nil, fmt.Errorf("invalid array formula range %q at %s", formula.Ref, anchor)
		}
		for row := a.fromRow; row <= a.toRow; row++ {
			for col := a.fromCol; col <= a.toCol; col++ {
				ref, err := excelize.CoordinatesToCellName(col, row)
				if err != nil {
					return nil, err
				}
				anchors[ref] = anchor
				seen[ref] = true
			}
		}
	}

	type coord struct {
		ref      string
		col, row int
	}
	coords := make([]coord, 0, len(seen))
	for ref := range seen {
		col, row, err := excelize.CellNameToCoordinates(ref)
		if err != nil {
			return nil, err
		}
		coords = append(coords, coord{ref: ref, col: col, row: row})
	}
	sort.Slice(coords, func(i, j int) bool {
		if coords[i].row != coords[j].row {
			return coords[i].row < coords[j].row
		}
		return coords[i].col < coords[j].col
	})

	var cells []formulaCell
	for _, c := range coords {
		formula, err := f.GetCellFormula(sheet, c.ref)
		if err != nil {
			return nil, err
		}
		anchor := anchors[c.ref]
		if formula == "" && anchor != "" {
			if formula, err = f.GetCellFormula(sheet, anchor); err != nil {
				return nil, err
			}
		}
		if formula == "" {
			continue
		}
		cells = append(cells, formulaCell{sheet: sheet, cell: c.ref, formula: formula, anchor: anchor})
	}
	return cells, nil
}

// externalReference reports the first external workbook referenced by formula.
func (e *Evaluator) externalReference(formula string) (string, bool) {
	for _, m := range externalRefRe.FindAllStringSubmatch(stripStringLiterals(formula), -1) {
		book := m[1]
		if book == "" {
			book = m[2]
		}
		if idx, err := strconv.Atoi(book); err == nil {
			for _, link := range e.wb.links {
				if link.Index == idx && link.Target != "" {
					return fmt.Sprintf("[%d] (%s)", idx, link.Target), true
				}
			}
		}
		return "[" + book + "]", true
	}
	return "", false
}

// previousValue renders a cached value the way the engine reports results.
func previousValue(v ooxml.CachedValue) string {
	if v.Type == ooxml.TypeBool {
		switch v.Text {
		case "1":
			return "TRUE"
		case "0":
			return "FALSE"
		}
	}
	return v.Text
}

// stripStringLiterals blanks out the contents of "..." literals so their text
// is not mistaken for references.
func stripStringLiterals(formula string) string {
	var b strings.Builder
	inString := false
	for _, r := range formula {
		if r == '"' {
			inString = !inString
			b.WriteRune(r)
			continue
		}
		if inString {
			b.WriteRune(' ')
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// classify turns the outcome of a cell calculation into a typed value. kind is
// the result type reported by the engine, or kindUnknown.
func classify(value string, kind resultKind, err error) (models.ValueType, string, string) {
	if err != nil {
		msg := err.Error()
		switch {
		case strings.HasPrefix(msg, "not support "):
			return models.ValueError, ErrorName, msg
		case errorMarkers[value]:
			return models.ValueError, value, detail(value, msg)
		case errorMarkers[msg]:
			return models.ValueError, msg, ""
		case strings.Contains(msg, "does not exist"):
			return models.ValueError, ErrorRef, msg
		default:
			return models.ValueError, ErrorValue, msg
		}
	}
	switch {
	case value == "":
		return models.ValueEmpty, "", ""
	case errorMarkers[value]:
		// Errors read through a reference reach the formula as text.
		return models.ValueError, value, ""
	}
	switch kind {
	case kindText:
		return models.ValueString, value, ""
	case kindLogical:
		return models.ValueBool, strings.ToUpper(value), ""
	case kindNumber:
		return number(value)
	}
	if value == "TRUE" || value == "FALSE" {
		return models.ValueBool, value, ""
	}
	if _, err := strconv.ParseFloat(value, 64); err == nil {
		return number(value)
	}
	return models.ValueString, value, ""
}

func number(value string) (models.ValueType, string, string) {
	n, err := strconv.ParseFloat(value, 64)
	if err != nil || math.IsNaN(n) || math.IsInf(n, 0) {
		return models.ValueError, ErrorNum, "result " + value + " is not a finite number"
	}
	return models.ValueNumber, value, ""
}

// ambiguous reports whether the text of a result may stand for more than one
// value type.
func ambiguous(value string) bool {
	if strings.EqualFold(value, "TRUE") || strings.EqualFold(value, "FALSE") {
		return true
	}
	_, err := strconv.ParseFloat(value, 64)
	return err == nil || errors.Is(err, strconv.ErrRange)
}

func detail(marker, msg string) string {
	if msg == marker {
		return ""
	}
	return msg
}

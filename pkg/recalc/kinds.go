package recalc

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/xuri/excelize/v2"
)

// resultKind is the type of a formula result, numbered as the TYPE function
// reports it.
type resultKind int

const (
	kindUnknown resultKind = 0
	kindNumber  resultKind = 1
	kindText    resultKind = 2
	kindLogical resultKind = 4
	kindError   resultKind = 16
	kindArray   resultKind = 64
)

const (
	scratchSheet = "xlrecalc_scratch"
	scratchCell  = "A1"
)

// resultTyper asks the engine for the type of formula results. The engine only
// returns result text, which reads the same for the number 1 and the text "1".
type resultTyper struct {
	f     *excelize.File
	sheet string
	opts  excelize.Options
}

// newResultTyper adds a scratch sheet to f. f must not be saved afterwards.
func newResultTyper(f *excelize.File, opts excelize.Options) (*resultTyper, error) {
	name := scratchSheet
	for i := 1; ; i++ {
		idx, err := f.GetSheetIndex(name)
		if err != nil {
			return nil, err
		}
		if idx == -1 {
			break
		}
		name = fmt.Sprintf("%s%d", scratchSheet, i)
	}
	if _, err := f.NewSheet(name); err != nil {
		return nil, err
	}
	return &resultTyper{f: f, sheet: name, opts: opts}, nil
}

// kindOf returns the type of the result of the formula in sheet!cell.
func (p *resultTyper) kindOf(sheet, cell string) (resultKind, error) {
	if err := p.f.SetCellFormula(p.sheet, scratchCell, "TYPE("+quoteSheet(sheet)+"!"+cell+")"); err != nil {
		return kindUnknown, err
	}
	value, err := p.f.CalcCellValue(p.sheet, scratchCell, p.opts)
	if err != nil {
		return kindUnknown, nil
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		return kindUnknown, nil
	}
	return resultKind(n), nil
}

func quoteSheet(sheet string) string {
	return "'" + strings.ReplaceAll(sheet, "'", "''") + "'"
}

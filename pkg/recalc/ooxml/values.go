package ooxml

import (
	"archive/zip"
	"bytes"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"regexp"
	"sort"
	"strconv"
	"strings"
)

// Cell value types as written to the t attribute of a cell.
const (
	TypeNumber = ""
	TypeString = "str"
	TypeBool   = "b"
	TypeError  = "e"
)

// CachedValue is the cached result stored next to a formula.
type CachedValue struct {
	Type string
	Text string
}

// Formula kinds as written to the t attribute of a formula element.
const (
	FormulaNormal = ""
	FormulaArray  = "array"
	FormulaShared = "shared"
)

// Formula describes how a formula is stored on its cell.
type Formula struct {
	// Kind is the formula kind.
	Kind string
	// Ref is the range covered by an array formula or a shared formula master.
	Ref string
}

var (
	cellElementRe    = regexp.MustCompile(`(?s)<c\b[^>]*/>|<c\b[^>]*>.*?</c>`)
	rowElementRe     = regexp.MustCompile(`(?s)<row\b[^>]*/>|<row\b[^>]*>.*?</row>`)
	sheetDataRe      = regexp.MustCompile(`(?s)<sheetData\b[^>]*/>|</sheetData>`)
	cellRefAttrRe    = regexp.MustCompile(`\br="([^"]+)"`)
	cellTypeAttrRe   = regexp.MustCompile(`\st="[^"]*"`)
	formulaElementRe = regexp.MustCompile(`(?s)<f\b[^>]*/>|<f\b[^>]*>.*?</f>`)
	cachedValueRe    = regexp.MustCompile(`(?s)<v\b[^>]*/>|<v\b[^>]*>.*?</v>|<is\b[^>]*>.*?</is>`)
)

// WriteCachedValues copies the package in src to w, storing the given cached
// values. values maps sheet name to cell reference to value. Formulas are kept;
// listed cells missing from the worksheet are created.
func WriteCachedValues(src []byte, w io.Writer, values map[string]map[string]CachedValue) error {
	pkg, err := OpenPackage(src)
	if err != nil {
		return err
	}
	sheetParts, err := pkg.SheetParts()
	if err != nil {
		return err
	}
	partValues := make(map[string]map[string]CachedValue, len(values))
	for sheet, cells := range values {
		part, ok := sheetParts[sheet]
		if !ok {
			return fmt.Errorf("worksheet part for sheet %q not found", sheet)
		}
		partValues[part] = cells
	}

	zw := zip.NewWriter(w)
	for _, f := range pkg.r.File {
		cells, ok := partValues[f.Name]
		if !ok {
			if err := zw.Copy(f); err != nil {
				return err
			}
			continue
		}
		data, err := pkg.ReadPart(f.Name)
		if err != nil {
			return err
		}
		patched, err := patchSheet(string(data), cells)
		if err != nil {
			return fmt.Errorf("%s: %w", f.Name, err)
		}
		fw, err := zw.CreateHeader(&zip.FileHeader{
			Name:     f.Name,
			Method:   zip.Deflate,
			Modified: f.Modified,
		})
		if err != nil {
			return err
		}
		if _, err := io.WriteString(fw, patched); err != nil {
			return err
		}
	}
	return zw.Close()
}

// patchSheet rewrites the cached values of the listed cells in a worksheet
// part, inserting cells and rows that do not exist yet.
func patchSheet(sheetXML string, cells map[string]CachedValue) (string, error) {
	written := make(map[string]bool, len(cells))
	sheetXML = cellElementRe.ReplaceAllStringFunc(sheetXML, func(elem string) string {
		m := cellRefAttrRe.FindStringSubmatch(startTag(elem))
		if m == nil {
			return elem
		}
		value, ok := cells[m[1]]
		if !ok {
			return elem
		}
		written[m[1]] = true
		return patchCell(elem, value)
	})

	missing := make(map[int][]cellPosition)
	for ref, value := range cells {
		if written[ref] {
			continue
		}
		col, row, err := splitCellRef(ref)
		if err != nil {
			return "", err
		}
		missing[row] = append(missing[row], cellPosition{ref: ref, col: col, value: value})
	}
	if len(missing) == 0 {
		return sheetXML, nil
	}

	sheetXML = rowElementRe.ReplaceAllStringFunc(sheetXML, func(elem string) string {
		row, err := strconv.Atoi(attrValue(startTag(elem), "r"))
		if err != nil || missing[row] == nil {
			return elem
		}
		elem = insertCells(elem, missing[row])
		delete(missing, row)
		return elem
	})
	if len(missing) == 0 {
		return sheetXML, nil
	}
	return insertRows(sheetXML, missing)
}

type cellPosition struct {
	ref   string
	col   int
	value CachedValue
}

func (p cellPosition) String() string {
	return patchCell(`<c r="`+p.ref+`"/>`, p.value)
}

// insertCells adds cells to a row element, keeping column order.
func insertCells(rowElem string, cells []cellPosition) string {
	sort.Slice(cells, func(i, j int) bool { return cells[i].col < cells[j].col })
	start := startTag(rowElem)
	body := ""
	if strings.HasSuffix(start, "/>") {
		start = strings.TrimSuffix(start, "/>") + ">"
	} else {
		body = strings.TrimSuffix(rowElem[len(start):], "</row>")
	}

	var b strings.Builder
	b.WriteString(start)
	next := 0
	for _, loc := range cellElementRe.FindAllStringIndex(body, -1) {
		elem := body[loc[0]:loc[1]]
		col := -1
		if m := cellRefAttrRe.FindStringSubmatch(startTag(elem)); m != nil {
			col, _, _ = splitCellRef(m[1])
		}
		for next < len(cells) && col > cells[next].col {
			b.WriteString(cells[next].String())
			next++
		}
		b.WriteString(elem)
	}
	for ; next < len(cells); next++ {
		b.WriteString(cells[next].String())
	}
	b.WriteString("</row>")
	return b.String()
}

// insertRows adds row elements to the sheet data, keeping row order.
func insertRows(sheetXML string, missing map[int][]cellPosition) (string, error) {
	rows := make([]int, 0, len(missing))
	for row := range missing {
		rows = append(rows, row)
	}
	sort.Ints(rows)
	newRow := func(row int) string {
		return insertCells(fmt.Sprintf(`<row r="%d"/>`, row), missing[row])
	}

	var b strings.Builder
	pos, next := 0, 0
	for _, loc := range rowElementRe.FindAllStringIndex(sheetXML, -1) {
		row, err := strconv.Atoi(attrValue(startTag(sheetXML[loc[0]:loc[1]]), "r"))
		if err != nil {
			continue
		}
		for next < len(rows) && rows[next] < row {
			b.WriteString(sheetXML[pos:loc[0]])
			b.WriteString(newRow(rows[next]))
			pos = loc[0]
			next++
		}
	}
	if next == len(rows) {
		b.WriteString(sheetXML[pos:])
		return b.String(), nil
	}

	loc := sheetDataRe.FindStringIndex(sheetXML[pos:])
	if loc == nil {
		return "", errors.New("worksheet has no sheetData")
	}
	tail := sheetXML[pos:]
	b.WriteString(tail[:loc[0]])
	selfClosing := strings.HasSuffix(tail[loc[0]:loc[1]], "/>")
	if selfClosing {
		b.WriteString(strings.TrimSuffix(tail[loc[0]:loc[1]], "/>") + ">")
	}
	for ; next < len(rows); next++ {
		b.WriteString(newRow(rows[next]))
	}
	b.WriteString("</sheetData>")
	b.WriteString(tail[loc[1]:])
	return b.String(), nil
}

// patchCell stores value on a cell element, after its formula when it has one.
func patchCell(elem string, value CachedValue) string {
	start := startTag(elem)
	body := ""
	if strings.HasSuffix(start, "/>") {
		start = strings.TrimSuffix(start, "/>")
	} else {
		body = strings.TrimSuffix(elem[len(start):], "</c>")
		start = strings.TrimSuffix(start, ">")
	}
	head, tail := "", body
	if loc := formulaElementRe.FindStringIndex(body); loc != nil {
		head, tail = body[:loc[1]], body[loc[1]:]
	}

	var b strings.Builder
	b.WriteString(cellTypeAttrRe.ReplaceAllString(start, ""))
	if value.Type != TypeNumber {
		fmt.Fprintf(&b, ` t="%s"`, value.Type)
	}
	b.WriteString(">")
	b.WriteString(head)
	b.WriteString("<v>")
	_ = xml.EscapeText(&b, []byte(value.Text))
	b.WriteString("</v>")
	b.WriteString(cachedValueRe.ReplaceAllString(tail, ""))
	b.WriteString("</c>")
	return b.String()
}

// splitCellRef returns the column and row numbers of an A1-style reference.
func splitCellRef(ref string) (col, row int, err error) {
	i := 0
	for i < len(ref) && (ref[i] >= 'A' && ref[i] <= 'Z' || ref[i] >= 'a' && ref[i] <= 'z') {
		col = col*26 + int(ref[i]|0x20-'a') + 1
		i++
	}
	if i == 0 || i == len(ref) {
		return 0, 0, fmt.Errorf("invalid cell reference %q", ref)
	}
	row, err = strconv.Atoi(ref[i:])
	if err != nil || row < 1 {
		return 0, 0, fmt.Errorf("invalid cell reference %q", ref)
	}
	return col, row, nil
}

func startTag(elem string) string {
	return elem[:strings.IndexByte(elem, '>')+1]
}

// CachedValues returns the cached values of formula cells, and of the cells
// covered by array formulas, per sheet keyed by cell reference.
func (p *Package) CachedValues() (map[string]map[string]CachedValue, error) {
	sheetParts, err := p.SheetParts()
	if err != nil {
		return nil, err
	}
	result := make(map[string]map[string]CachedValue, len(sheetParts))
	for sheet, part := range sheetParts {
		sheetXML, err := p.ReadPart(part)
		if err != nil {
			return nil, err
		}
		elems := cellElementRe.FindAllString(string(sheetXML), -1)
		var arrays []cellRange
		for _, elem := range elems {
			f := formulaElementRe.FindString(elem)
			if f == "" || attrValue(startTag(f), "t") != FormulaArray {
				continue
			}
			if rng, err := parseRange(attrValue(startTag(f), "ref")); err == nil {
				arrays = append(arrays, rng)
			}
		}

		cells := make(map[string]CachedValue)
		for _, elem := range elems {
			start := startTag(elem)
			ref := cellRefAttrRe.FindStringSubmatch(start)
			if ref == nil {
				continue
			}
			if !formulaElementRe.MatchString(elem) && !inRanges(arrays, ref[1]) {
				continue
			}
			cells[ref[1]] = CachedValue{
				Type: attrValue(start, "t"),
				Text: elementText(elem, "v"),
			}
		}
		result[sheet] = cells
	}
	return result, nil
}

type cellRange struct {
	fromCol, fromRow, toCol, toRow int
}

// parseRange parses an A1-style range such as B1:C4 or a single reference.
func parseRange(ref string) (cellRange, error) {
	from, to, found := strings.Cut(ref, ":")
	if !found {
		to = from
	}
	fc, fr, err := splitCellRef(from)
	if err != nil {
		return cellRange{}, err
	}
	tc, tr, err := splitCellRef(to)
	if err != nil {
		return cellRange{}, err
	}
	return cellRange{fromCol: min(fc, tc), fromRow: min(fr, tr), toCol: max(fc, tc), toRow: max(fr, tr)}, nil
}

func inRanges(ranges []cellRange, ref string) bool {
	col, row, err := splitCellRef(ref)
	if err != nil {
		return false
	}
	for _, r := range ranges {
		if col >= r.fromCol && col <= r.toCol && row >= r.fromRow && row <= r.toRow {
			return true
		}
	}
	return false
}

// Formulas returns the array and shared formulas per sheet, keyed by cell
// reference. Normal formulas are omitted.
func (p *Package) Formulas() (map[string]map[string]Formula, error) {
	sheetParts, err := p.SheetParts()
	if err != nil {
		return nil, err
	}
	result := make(map[string]map[string]Formula, len(sheetParts))
	for sheet, part := range sheetParts {
		sheetXML, err := p.ReadPart(part)
		if err != nil {
			return nil, err
		}
		cells := make(map[string]Formula)
		for _, elem := range cellElementRe.FindAllString(string(sheetXML), -1) {
			f := formulaElementRe.FindString(elem)
			if f == "" {
				continue
			}
			ref := cellRefAttrRe.FindStringSubmatch(startTag(elem))
			if ref == nil {
				continue
			}
			tag := startTag(f)
			if kind := attrValue(tag, "t"); kind == FormulaArray || kind == FormulaShared {
				cells[ref[1]] = Formula{Kind: kind, Ref: attrValue(tag, "ref")}
			}
		}
		result[sheet] = cells
	}
	return result, nil
}

func attrValue(tag, name string) string {
	re := regexp.MustCompile(`\s` + regexp.QuoteMeta(name) + `="([^"]*)"`)
	if m := re.FindStringSubmatch(tag); m != nil {
		return m[1]
	}
	return ""
}

func elementText(elem, name string) string {
	decoder := xml.NewDecoder(bytes.NewReader([]byte(elem)))
	for {
		token, err := decoder.Token()
		if err != nil {
			return ""
		}
		if se, ok := token.(xml.StartElement); ok && se.Name.Local == name {
			var text string
			if err := decoder.DecodeElement(&text, &se); err != nil {
				return ""
			}
			return text
		}
	}
}

package recalc

import (
	"sort"
	"strconv"
	"strings"

	"github.com/xuri/efp"
	"github.com/xuri/excelize/v2"
)

// area is a rectangular block of cells on one sheet.
type area struct {
	sheet                          string
	fromCol, fromRow, toCol, toRow int
}

func (a area) contains(col, row int) bool {
	return col >= a.fromCol && col <= a.toCol && row >= a.fromRow && row <= a.toRow
}

// node is a formula cell in the dependency graph.
type node struct {
	cell     formulaCell
	col, row int
}

// dependencyGraph links formula cells to the formula cells they reference.
type dependencyGraph struct {
	nodes []node
	// bySheet holds node indexes per sheet in row-major order.
	bySheet map[string][]int
	edges   [][]int
}

func newDependencyGraph(cells []formulaCell, names []excelize.DefinedName) (*dependencyGraph, error) {
	g := &dependencyGraph{bySheet: make(map[string][]int), edges: make([][]int, len(cells))}
	for i, fc := range cells {
		col, row, err := excelize.CellNameToCoordinates(fc.cell)
		if err != nil {
			return nil, err
		}
		g.nodes = append(g.nodes, node{cell: fc, col: col, row: row})
		g.bySheet[fc.sheet] = append(g.bySheet[fc.sheet], i)
	}
	for _, idx := range g.bySheet {
		sort.Slice(idx, func(i, j int) bool {
			a, b := g.nodes[idx[i]], g.nodes[idx[j]]
			if a.row != b.row {
				return a.row < b.row
			}
			return a.col < b.col
		})
	}

	for i, n := range g.nodes {
		for _, a := range formulaAreas(n.cell.formula, n.cell.sheet, names) {
			g.edges[i] = append(g.edges[i], g.within(a)...)
		}
	}
	return g, nil
}

// within returns the nodes inside a.
func (g *dependencyGraph) within(a area) []int {
	idx := g.bySheet[a.sheet]
	start := sort.Search(len(idx), func(i int) bool { return g.nodes[idx[i]].row >= a.fromRow })
	var found []int
	for _, i := range idx[start:] {
		n := g.nodes[i]
		if n.row > a.toRow {
			break
		}
		if a.contains(n.col, n.row) {
			found = append(found, i)
		}
	}
	return found
}

// circular returns the addresses of the cells that take part in a reference
// cycle, found as the strongly connected components of the graph.
func (g *dependencyGraph) circular() map[string]bool {
	var (
		index   = make([]int, len(g.nodes))
		low     = make([]int, len(g.nodes))
		onStack = make([]bool, len(g.nodes))
		stack   []int
		next    = 1
		result  = make(map[string]bool)
	)
	var visit func(v int)
	visit = func(v int) {
		index[v], low[v] = next, next
		next++
		stack = append(stack, v)
		onStack[v] = true
		for _, w := range g.edges[v] {
			if index[w] == 0 {
				visit(w)
				low[v] = min(low[v], low[w])
			} else if onStack[w] {
				low[v] = min(low[v], index[w])
			}
		}
		if low[v] != index[v] {
			return
		}
		var component []int
		for {
			w := stack[len(stack)-1]
			stack = stack[:len(stack)-1]
			onStack[w] = false
			component = append(component, w)
			if w == v {
				break
			}
		}
		if len(component) == 1 && !g.selfReferencing(v) {
			return
		}
		for _, w := range component {
			result[g.nodes[w].cell.address()] = true
		}
	}
	for v := range g.nodes {
		if index[v] == 0 {
			visit(v)
		}
	}
	return result
}

func (g *dependencyGraph) selfReferencing(v int) bool {
	for _, w := range g.edges[v] {
		if w == v {
			return true
		}
	}
	return false
}

// formulaAreas returns the areas referenced by formula. References into
// other workbooks and names that do not resolve to a range are skipped.
func formulaAreas(formula, sheet string, names []excelize.DefinedName) []area {
	ps := efp.ExcelParser()
	var areas []area
	for _, token := range ps.Parse(formula) {
		if token.TType != efp.TokenTypeOperand || token.TSubType != efp.TokenSubTypeRange {
			continue
		}
		if a, ok := parseArea(token.TValue, sheet); ok {
			areas = append(areas, a)
			continue
		}
		if refersTo := definedNameRef(token.TValue, sheet, names); refersTo != "" {
			if a, ok := parseArea(refersTo, sheet); ok {
				areas = append(areas, a)
			}
		}
	}
	return areas
}

// parseArea parses references such as A1, $A$1:B2, A:C, 2:5 and
// 'Sheet 1'!A1:B2.
func parseArea(ref, sheet string) (area, bool) {
	ref = strings.TrimPrefix(ref, "=")
	if strings.ContainsAny(ref, "[]") {
		return area{}, false
	}
	if i := strings.LastIndex(ref, "!"); i >= 0 {
		sheet = ref[:i]
		if strings.HasPrefix(sheet, "'") && strings.HasSuffix(sheet, "'") && len(sheet) > 1 {
			sheet = strings.ReplaceAll(sheet[1:len(sheet)-1], "''", "'")
		}
		ref = ref[i+1:]
	}
	ref = strings.ReplaceAll(ref, "$", "")
	from, to, found := strings.Cut(ref, ":")
	if !found {
		col, row, err := excelize.CellNameToCoordinates(from)
		if err != nil {
			return area{}, false
		}
		return area{sheet: sheet, fromCol: col, fromRow: row, toCol: col, toRow: row}, true
	}

	a := area{sheet: sheet}
	var ok bool
	if a.fromCol, a.fromRow, ok = boundary(from, true); !ok {
		return area{}, false
	}
	if a.toCol, a.toRow, ok = boundary(to, false); !ok {
		return area{}, false
	}
	if a.fromCol > a.toCol {
		a.fromCol, a.toCol = a.toCol, a.fromCol
	}
	if a.fromRow > a.toRow {
		a.fromRow, a.toRow = a.toRow, a.fromRow
	}
	return a, true
}

// boundary parses one end of a range. Whole columns and rows extend to the
// first or last edge of the sheet.
func boundary(ref string, first bool) (col, row int, ok bool) {
	if col, row, err := excelize.CellNameToCoordinates(ref); err == nil {
		return col, row, true
	}
	if n, err := strconv.Atoi(ref); err == nil && n > 0 {
		if first {
			return 1, n, true
		}
		return excelize.MaxColumns, n, true
	}
	if n, err := excelize.ColumnNameToNumber(ref); err == nil {
		if first {
			return n, 1, true
		}
		return n, excelize.TotalRows, true
	}
	return 0, 0, false
}

// definedNameRef returns the reference of a defined name, preferring a name
// scoped to sheet over a workbook-wide one.
func definedNameRef(name, sheet string, names []excelize.DefinedName) string {
	var global string
	for _, dn := range names {
		if !strings.EqualFold(dn.Name, name) {
			continue
		}
		if dn.Scope == sheet {
			return dn.RefersTo
		}
		if dn.Scope == "Workbook" {
			global = dn.RefersTo
		}
	}
	return global
}

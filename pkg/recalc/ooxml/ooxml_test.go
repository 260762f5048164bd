package ooxml

import (
	"archive/zip"
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testWorkbookXML = `<?xml version="1.0" encoding="UTF-8" standalone="yes"?>
<workbook xmlns="http://schemas.openxmlformats.org/spreadsheetml/2006/main" xmlns:r="http://schemas.openxmlformats.org/officeDocument/2006/relationships">
<sheets><sheet name="Data" sheetId="1" r:id="rId1"/><sheet name="Calc" sheetId="2" r:id="rId2"/></sheets>
<externalReferences><externalReference r:id="rId3"/></externalReferences>
</workbook>`

const testWorkbookRels = `<?xml version="1.0" encoding="UTF-8" standalone="yes"?>
<Relationships xmlns="http://schemas.openxmlformats.org/package/2006/relationships">
<Relationship Id="rId1" Type="http://schemas.openxmlformats.org/officeDocument/2006/relationships/worksheet" Target="worksheets/sheet1.xml"/>
<Relationship Id="rId2" Type="http://schemas.openxmlformats.org/officeDocument/2006/relationships/worksheet" Target="/xl/worksheets/sheet2.xml"/>
<Relationship Id="rId3" Type="http://schemas.openxmlformats.org/officeDocument/2006/relationships/externalLink" Target="externalLinks/externalLink1.xml"/>
</Relationships>`

const testExternalLinkRels = `<?xml version="1.0" encoding="UTF-8" standalone="yes"?>
<Relationships xmlns="http://schemas.openxmlformats.org/package/2006/relationships">
<Relationship Id="rId1" Type="http://schemas.openxmlformats.org/officeDocument/2006/relationships/externalLinkPath" Target="file:///C:/budget/prices.xlsx" TargetMode="External"/>
</Relationships>`

const testSheet1XML = `<worksheet><sheetData><row r="1"><c r="A1"><v>2</v></c><c r="B1" t="s"><v>0</v></c></row></sheetData></worksheet>`

const testSheet2XML = `<worksheet><cols><col min="1" max="1" width="12"/></cols><sheetData>` +
	`<row r="1"><c r="A1"><f>Data!A1*2</f><v>4</v></c><c r="B1" t="str"><f>"x"&amp;"y"</f><v>xy</v></c></row>` +
	`<row r="2"><c r="A2" t="e"><f>1/0</f><v>#DIV/0!</v></c><c r="B2" s="3"><f>Data!A1&gt;1</f></c><c r="C2" s="1"/></row>` +
	`</sheetData></worksheet>`

func buildPackage(t *testing.T, parts map[string]string) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for _, name := range []string{
		"[Content_Types].xml", "xl/workbook.xml", "xl/_rels/workbook.xml.rels",
		"xl/worksheets/sheet1.xml", "xl/worksheets/sheet2.xml",
		"xl/externalLinks/externalLink1.xml", "xl/externalLinks/_rels/externalLink1.xml.rels",
	} {
		content, ok := parts[name]
		if !ok {
			continue
		}
		w, err := zw.Create(name)
		require.NoError(t, err)
		_, err = w.Write([]byte(content))
		require.NoError(t, err)
	}
	require.NoError(t, zw.Close())
	return buf.Bytes()
}

func testPackage(t *testing.T) []byte {
	return buildPackage(t, map[string]string{
		"[Content_Types].xml":                           `<Types/>`,
		"xl/workbook.xml":                               testWorkbookXML,
		"xl/_rels/workbook.xml.rels":                    testWorkbookRels,
		"xl/worksheets/sheet1.xml":                      testSheet1XML,
		"xl/worksheets/sheet2.xml":                      testSheet2XML,
		"xl/externalLinks/externalLink1.xml":            `<externalLink/>`,
		"xl/externalLinks/_rels/externalLink1.xml.rels": testExternalLinkRels,
	})
}

func TestSheetParts(t *testing.T) {
	pkg, err := OpenPackage(testPackage(t))
	require.NoError(t, err)

	parts, err := pkg.SheetParts()
	require.NoError(t, err)
	assert.Equal(t, map[string]string{
		"Data": "xl/worksheets/sheet1.xml",
		"Calc": "xl/worksheets/sheet2.xml",
	}, parts)
}

func TestOpenPackageRejectsNonZip(t *testing.T) {
	_, err := OpenPackage([]byte("not a workbook"))
	assert.Error(t, err)
}

func TestReadPartMissing(t *testing.T) {
	pkg, err := OpenPackage(testPackage(t))
	require.NoError(t, err)

	data, err := pkg.ReadPart("xl/styles.xml")
	require.NoError(t, err)
	assert.Nil(t, data)
}

func TestResolveRelativePath(t *testing.T) {
	tests := []struct {
		target, base, expected string
	}{
		{"worksheets/sheet1.xml", "xl", "xl/worksheets/sheet1.xml"},
		{"/xl/worksheets/sheet1.xml", "xl", "xl/worksheets/sheet1.xml"},
		{"../media/image1.png", "xl/drawings", "xl/media/image1.png"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.expected, resolveRelativePath(tt.target, tt.base), tt.target)
	}
}

func TestRelsPartFor(t *testing.T) {
	assert.Equal(t, "xl/externalLinks/_rels/externalLink1.xml.rels", relsPartFor("xl/externalLinks/externalLink1.xml"))
}

func TestExternalLinks(t *testing.T) {
	pkg, err := OpenPackage(testPackage(t))
	require.NoError(t, err)

	links, err := pkg.ExternalLinks()
	require.NoError(t, err)
	assert.Equal(t, []ExternalLink{{Index: 1, Target: "file:///C:/budget/prices.xlsx"}}, links)
}

func TestExternalLinksNone(t *testing.T) {
	pkg, err := OpenPackage(buildPackage(t, map[string]string{
		"xl/workbook.xml": `<workbook><sheets><sheet name="S" sheetId="1" r:id="rId1"/></sheets></workbook>`,
	}))
	require.NoError(t, err)

	links, err := pkg.ExternalLinks()
	require.NoError(t, err)
	assert.Empty(t, links)
}

func TestCachedValues(t *testing.T) {
	pkg, err := OpenPackage(testPackage(t))
	require.NoError(t, err)

	values, err := pkg.CachedValues()
	require.NoError(t, err)
	assert.Empty(t, values["Data"])
	assert.Equal(t, map[string]CachedValue{
		"A1": {Type: TypeNumber, Text: "4"},
		"B1": {Type: TypeString, Text: "xy"},
		"A2": {Type: TypeError, Text: "#DIV/0!"},
		"B2": {Type: TypeNumber, Text: ""},
	}, values["Calc"])
}

func TestPatchCell(t *testing.T) {
	tests := []struct {
		name     string
		elem     string
		value    CachedValue
		expected string
	}{
		{
			name:     "number replaces old value",
			elem:     `<c r="A1" t="str"><f>B1*2</f><v>old</v></c>`,
			value:    CachedValue{Type: TypeNumber, Text: "42"},
			expected: `<c r="A1"><f>B1*2</f><v>42</v></c>`,
		},
		{
			name:     "bool without previous value",
			elem:     `<c r="B2" s="3"><f>A1&gt;1</f></c>`,
			value:    CachedValue{Type: TypeBool, Text: "1"},
			expected: `<c r="B2" s="3" t="b"><f>A1&gt;1</f><v>1</v></c>`,
		},
		{
			name:     "error replaces inline string",
			elem:     `<c r="C3" t="inlineStr"><f>1/0</f><is><t>x</t></is></c>`,
			value:    CachedValue{Type: TypeError, Text: "#DIV/0!"},
			expected: `<c r="C3" t="e"><f>1/0</f><v>#DIV/0!</v></c>`,
		},
		{
			name:     "string is escaped",
			elem:     `<c r="D4"><f>"a"&amp;"&lt;b"</f></c>`,
			value:    CachedValue{Type: TypeString, Text: "a<b"},
			expected: `<c r="D4" t="str"><f>"a"&amp;"&lt;b"</f><v>a&lt;b</v></c>`,
		},
		{
			name:     "shared formula child",
			elem:     `<c r="E5"><f t="shared" si="0"/><v>1</v></c>`,
			value:    CachedValue{Type: TypeNumber, Text: "3"},
			expected: `<c r="E5"><f t="shared" si="0"/><v>3</v></c>`,
		},
		{
			name:     "array member value replaced",
			elem:     `<c r="F6" t="s"><v>7</v></c>`,
			value:    CachedValue{Type: TypeNumber, Text: "8"},
			expected: `<c r="F6"><v>8</v></c>`,
		},
		{
			name:     "empty cell gets value",
			elem:     `<c r="G7" s="1"/>`,
			value:    CachedValue{Type: TypeString, Text: "x"},
			expected: `<c r="G7" s="1" t="str"><v>x</v></c>`,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, patchCell(tt.elem, tt.value))
		})
	}
}

func TestPatchSheetOnlyTouchesListedCells(t *testing.T) {
	out, err := patchSheet(testSheet2XML, map[string]CachedValue{
		"A1": {Type: TypeNumber, Text: "6"},
	})
	require.NoError(t, err)
	assert.Contains(t, out, `<c r="A1"><f>Data!A1*2</f><v>6</v></c>`)
	assert.Contains(t, out, `<c r="B1" t="str"><f>"x"&amp;"y"</f><v>xy</v></c>`)
	assert.Contains(t, out, `<col min="1" max="1" width="12"/>`)
	assert.Contains(t, out, `<c r="C2" s="1"/>`)
}

func TestPatchSheetInsertsMissingCells(t *testing.T) {
	tests := []struct {
		name     string
		sheet    string
		cells    map[string]CachedValue
		expected string
	}{
		{
			name:  "cell between existing cells",
			sheet: `<worksheet><sheetData><row r="1"><c r="A1"><v>1</v></c><c r="C1"><v>3</v></c></row></sheetData></worksheet>`,
			cells: map[string]CachedValue{"B1": {Type: TypeNumber, Text: "2"}},
			expected: `<worksheet><sheetData><row r="1"><c r="A1"><v>1</v></c><c r="B1"><v>2</v></c>` +
				`<c r="C1"><v>3</v></c></row></sheetData></worksheet>`,
		},
		{
			name:     "cell after existing cells",
			sheet:    `<worksheet><sheetData><row r="2" spans="1:1"><c r="A2"><v>1</v></c></row></sheetData></worksheet>`,
			cells:    map[string]CachedValue{"AA2": {Type: TypeBool, Text: "0"}},
			expected: `<worksheet><sheetData><row r="2" spans="1:1"><c r="A2"><v>1</v></c><c r="AA2" t="b"><v>0</v></c></row></sheetData></worksheet>`,
		},
		{
			name:     "empty row",
			sheet:    `<worksheet><sheetData><row r="3"/></sheetData></worksheet>`,
			cells:    map[string]CachedValue{"B3": {Type: TypeNumber, Text: "5"}},
			expected: `<worksheet><sheetData><row r="3"><c r="B3"><v>5</v></c></row></sheetData></worksheet>`,
		},
		{
			name:  "rows before, between and after",
			sheet: `<worksheet><sheetData><row r="2"><c r="A2"><v>1</v></c></row><row r="4"><c r="A4"><v>1</v></c></row></sheetData></worksheet>`,
			cells: map[string]CachedValue{
				"B1": {Type: TypeNumber, Text: "1"},
				"B3": {Type: TypeNumber, Text: "3"},
				"B5": {Type: TypeNumber, Text: "5"},
			},
			expected: `<worksheet><sheetData><row r="1"><c r="B1"><v>1</v></c></row>` +
				`<row r="2"><c r="A2"><v>1</v></c></row><row r="3"><c r="B3"><v>3</v></c></row>` +
				`<row r="4"><c r="A4"><v>1</v></c></row><row r="5"><c r="B5"><v>5</v></c></row></sheetData></worksheet>`,
		},
		{
			name:     "empty sheet data",
			sheet:    `<worksheet><sheetData/><pageMargins/></worksheet>`,
			cells:    map[string]CachedValue{"A1": {Type: TypeError, Text: "#N/A"}},
			expected: `<worksheet><sheetData><row r="1"><c r="A1" t="e"><v>#N/A</v></c></row></sheetData><pageMargins/></worksheet>`,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, err := patchSheet(tt.sheet, tt.cells)
			require.NoError(t, err)
			assert.Equal(t, tt.expected, out)
		})
	}
}

func TestPatchSheetRejectsInvalidReference(t *testing.T) {
	_, err := patchSheet(testSheet1XML, map[string]CachedValue{"1A": {Text: "1"}})
	assert.Error(t, err)
}

func TestFormulas(t *testing.T) {
	sheet := `<worksheet><sheetData><row r="1">` +
		`<c r="A1"><f>1+1</f></c>` +
		`<c r="B1"><f t="array" ref="B1:B3">C1:C3*2</f><v>2</v></c>` +
		`<c r="D1"><f t="shared" ref="D1:D2" si="0">C1</f></c>` +
		`</row><row r="2"><c r="B2"><v>4</v></c><c r="D2"><f t="shared" si="0"/></c></row></sheetData></worksheet>`
	pkg, err := OpenPackage(buildPackage(t, map[string]string{
		"xl/workbook.xml":            testWorkbookXML,
		"xl/_rels/workbook.xml.rels": testWorkbookRels,
		"xl/worksheets/sheet1.xml":   sheet,
	}))
	require.NoError(t, err)

	formulas, err := pkg.Formulas()
	require.NoError(t, err)
	assert.Equal(t, map[string]Formula{
		"B1": {Kind: FormulaArray, Ref: "B1:B3"},
		"D1": {Kind: FormulaShared, Ref: "D1:D2"},
		"D2": {Kind: FormulaShared},
	}, formulas["Data"])

	values, err := pkg.CachedValues()
	require.NoError(t, err)
	assert.Equal(t, CachedValue{Type: TypeNumber, Text: "4"}, values["Data"]["B2"])
	assert.Contains(t, values["Data"], "A1")
	assert.NotContains(t, values["Data"], "B3")
}

func TestSplitCellRef(t *testing.T) {
	tests := []struct {
		ref      string
		col, row int
		valid    bool
	}{
		{"A1", 1, 1, true},
		{"AA10", 27, 10, true},
		{"xfd1048576", 16384, 1048576, true},
		{"A", 0, 0, false},
		{"12", 0, 0, false},
		{"A0", 0, 0, false},
	}
	for _, tt := range tests {
		col, row, err := splitCellRef(tt.ref)
		if !tt.valid {
			assert.Error(t, err, tt.ref)
			continue
		}
		require.NoError(t, err, tt.ref)
		assert.Equal(t, tt.col, col, tt.ref)
		assert.Equal(t, tt.row, row, tt.ref)
	}
}

func TestWriteCachedValuesArrayMembers(t *testing.T) {
	sheet := `<worksheet><sheetData><row r="1"><c r="A1"><v>1</v></c>` +
		`<c r="B1"><f t="array" ref="B1:B2">A1:A2*10</f></c></row>` +
		`<row r="2"><c r="A2"><v>2</v></c></row></sheetData></worksheet>`
	src := buildPackage(t, map[string]string{
		"xl/workbook.xml":            testWorkbookXML,
		"xl/_rels/workbook.xml.rels": testWorkbookRels,
		"xl/worksheets/sheet1.xml":   sheet,
	})
	var out bytes.Buffer
	err := WriteCachedValues(src, &out, map[string]map[string]CachedValue{
		"Data": {
			"B1": {Type: TypeNumber, Text: "10"},
			"B2": {Type: TypeNumber, Text: "20"},
		},
	})
	require.NoError(t, err)

	pkg, err := OpenPackage(out.Bytes())
	require.NoError(t, err)
	values, err := pkg.CachedValues()
	require.NoError(t, err)
	assert.Equal(t, map[string]CachedValue{
		"B1": {Type: TypeNumber, Text: "10"},
		"B2": {Type: TypeNumber, Text: "20"},
	}, values["Data"])
}

func TestWriteCachedValues(t *testing.T) {
	src := testPackage(t)
	var out bytes.Buffer
	err := WriteCachedValues(src, &out, map[string]map[string]CachedValue{
		"Calc": {
			"A1": {Type: TypeNumber, Text: "6"},
			"A2": {Type: TypeError, Text: "#DIV/0!"},
			"B2": {Type: TypeBool, Text: "1"},
		},
	})
	require.NoError(t, err)

	pkg, err := OpenPackage(out.Bytes())
	require.NoError(t, err)

	// untouched parts are copied unchanged
	sheet1, err := pkg.ReadPart("xl/worksheets/sheet1.xml")
	require.NoError(t, err)
	assert.Equal(t, testSheet1XML, string(sheet1))

	values, err := pkg.CachedValues()
	require.NoError(t, err)
	assert.Equal(t, CachedValue{Type: TypeNumber, Text: "6"}, values["Calc"]["A1"])
	assert.Equal(t, CachedValue{Type: TypeString, Text: "xy"}, values["Calc"]["B1"])
	assert.Equal(t, CachedValue{Type: TypeError, Text: "#DIV/0!"}, values["Calc"]["A2"])
	assert.Equal(t, CachedValue{Type: TypeBool, Text: "1"}, values["Calc"]["B2"])

	names := make([]string, 0, len(pkg.r.File))
	for _, f := range pkg.r.File {
		names = append(names, f.Name)
	}
	assert.Equal(t, "[Content_Types].xml", names[0])
	assert.Len(t, names, 7)
}

func TestWriteCachedValuesUnknownSheet(t *testing.T) {
	var out bytes.Buffer
	err := WriteCachedValues(testPackage(t), &out, map[string]map[string]CachedValue{
		"Nope": {"A1": {Text: "1"}},
	})
	require.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), `"Nope"`))
}

func TestAttrValue(t *testing.T) {
	assert.Equal(t, "e", attrValue(`<c r="A1" t="e">`, "t"))
	assert.Equal(t, "", attrValue(`<c r="A1">`, "t"))
}

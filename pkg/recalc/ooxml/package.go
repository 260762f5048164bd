// Package ooxml reads and rewrites parts of an Office Open XML spreadsheet
// package directly, for the pieces the spreadsheet library does not expose.
package ooxml

import (
	"archive/zip"
	"bytes"
	"encoding/xml"
	"io"
	"strings"
)

const (
	workbookPart     = "xl/workbook.xml"
	workbookRelsPart = "xl/_rels/workbook.xml.rels"
)

// Package is an opened spreadsheet package.
type Package struct {
	r *zip.Reader
}

// OpenPackage opens a serialized spreadsheet package.
func OpenPackage(data []byte) (*Package, error) {
	r, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, err
	}
	return &Package{r: r}, nil
}

// SheetParts returns a mapping of worksheet names to their part paths.
func (p *Package) SheetParts() (map[string]string, error) {
	result := make(map[string]string)

	workbookXML, err := p.ReadPart(workbookPart)
	if err != nil || workbookXML == nil {
		return result, err
	}
	sheetsInfo := parseWorkbookSheets(workbookXML)
	if len(sheetsInfo) == 0 {
		return result, nil
	}

	wbRelsXML, err := p.ReadPart(workbookRelsPart)
	if err != nil || wbRelsXML == nil {
		return result, err
	}
	rels := parseRelationships(wbRelsXML)
	for rID, sheetName := range sheetsInfo {
		rel, ok := rels[rID]
		if !ok || !strings.Contains(strings.ToLower(rel.Type), "worksheet") {
			continue
		}
		result[sheetName] = resolveRelativePath(rel.Target, "xl")
	}

	return result, nil
}

// ReadPart returns the content of the named part, or nil when the package has
// no such part.
func (p *Package) ReadPart(name string) ([]byte, error) {
	for _, f := range p.r.File {
		if f.Name == name {
			rc, err := f.Open()
			if err != nil {
				return nil, err
			}
			defer rc.Close()
			return io.ReadAll(rc)
		}
	}
	return nil, nil
}

type relationship struct {
	Type       string
	Target     string
	TargetMode string
}

func resolveRelativePath(target, baseDir string) string {
	if strings.HasPrefix(target, "../") {
		clean := target
		for strings.HasPrefix(clean, "../") {
			clean = strings.TrimPrefix(clean, "../")
		}
		return "xl/" + clean
	}
	if strings.HasPrefix(target, "/") {
		return strings.TrimPrefix(target, "/")
	}
	return baseDir + "/" + target
}

func relsPartFor(part string) string {
	idx := strings.LastIndex(part, "/")
	return part[:idx+1] + "_rels/" + part[idx+1:] + ".rels"
}

func parseWorkbookSheets(data []byte) map[string]string {
	result := make(map[string]string) // rId -> sheet name
	decoder := xml.NewDecoder(bytes.NewReader(data))

	for {
		token, err := decoder.Token()
		if err != nil {
			break
		}
		if se, ok := token.(xml.StartElement); ok && se.Name.Local == "sheet" {
			var name, rID string
			for _, attr := range se.Attr {
				switch attr.Name.Local {
				case "name":
					name = attr.Value
				case "id":
					rID = attr.Value
				}
			}
			if name != "" && rID != "" {
				result[rID] = name
			}
		}
	}

	return result
}

func parseRelationships(data []byte) map[string]relationship {
	result := make(map[string]relationship) // rId -> relationship
	decoder := xml.NewDecoder(bytes.NewReader(data))

	for {
		token, err := decoder.Token()
		if err != nil {
			break
		}
		if se, ok := token.(xml.StartElement); ok && se.Name.Local == "Relationship" {
			var rID string
			var rel relationship
			for _, attr := range se.Attr {
				switch attr.Name.Local {
				case "Id":
					rID = attr.Value
				case "Type":
					rel.Type = attr.Value
				case "Target":
					rel.Target = attr.Value
				case "TargetMode":
					rel.TargetMode = attr.Value
				}
			}
			if rID != "" {
				result[rID] = rel
			}
		}
	}

	return result
}

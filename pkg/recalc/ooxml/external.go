package ooxml

import (
	"bytes"
	"encoding/xml"
	"strings"
)

// ExternalLink is an external workbook referenced by formulas as [Index].
type ExternalLink struct {
	// Index is the 1-based position used in formulas, e.g. [1]Sheet1!A1.
	Index int
	// Target is the external workbook location recorded in the package.
	Target string
}

// ExternalLinks returns the external workbook links declared by the workbook,
// in declaration order.
func (p *Package) ExternalLinks() ([]ExternalLink, error) {
	workbookXML, err := p.ReadPart(workbookPart)
	if err != nil || workbookXML == nil {
		return nil, err
	}
	refIDs := parseExternalReferences(workbookXML)
	if len(refIDs) == 0 {
		return nil, nil
	}

	wbRelsXML, err := p.ReadPart(workbookRelsPart)
	if err != nil || wbRelsXML == nil {
		return nil, err
	}
	rels := parseRelationships(wbRelsXML)

	links := make([]ExternalLink, 0, len(refIDs))
	for i, rID := range refIDs {
		link := ExternalLink{Index: i + 1}
		if rel, ok := rels[rID]; ok {
			linkPart := resolveRelativePath(rel.Target, "xl")
			if linkRelsXML, err := p.ReadPart(relsPartFor(linkPart)); err == nil && linkRelsXML != nil {
				link.Target = findExternalLinkPath(linkRelsXML)
			}
		}
		links = append(links, link)
	}
	return links, nil
}

func parseExternalReferences(data []byte) []string {
	var result []string
	decoder := xml.NewDecoder(bytes.NewReader(data))

	for {
		token, err := decoder.Token()
		if err != nil {
			break
		}
		if se, ok := token.(xml.StartElement); ok && se.Name.Local == "externalReference" {
			for _, attr := range se.Attr {
				if attr.Name.Local == "id" {
					result = append(result, attr.Value)
				}
			}
		}
	}

	return result
}

func findExternalLinkPath(data []byte) string {
	for _, rel := range parseRelationships(data) {
		if strings.HasSuffix(strings.ToLower(rel.Type), "/externallinkpath") {
			return rel.Target
		}
	}
	return ""
}

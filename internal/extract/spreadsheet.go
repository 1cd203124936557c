package extract

import (
	"archive/zip"
	"bytes"
	"encoding/csv"
	"encoding/xml"
	"fmt"
	"io"
	"strconv"
	"strings"
)

// parseCSV renders a CSV file as a single table item. The caption carries the
// sheet title; CSV has none, so the document's base name stands in.
func parseCSV(data []byte, title string) ([]Item, error) {
	reader := csv.NewReader(strings.NewReader(DecodeText(data)))
	reader.FieldsPerRecord = -1
	reader.LazyQuotes = true

	var rows []string
	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("error reading csv: %w", err)
		}
		rows = append(rows, strings.Join(record, " | "))
	}

	return []Item{{
		Type:         "table",
		TableCaption: StringList{title},
		TableBody:    strings.Join(rows, "\n"),
	}}, nil
}

// parseXLSX reads an OOXML workbook and emits one table item per sheet:
// caption is the sheet name, rows keep workbook order with cells joined
// " | ". Legacy binary workbooks are not OOXML zips and fail here; the
// adapter falls back to the degraded path for those.
func parseXLSX(data []byte) ([]Item, error) {
	archive, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, fmt.Errorf("error opening workbook archive: %w", err)
	}

	var workbook xlsxWorkbook
	if err := unmarshalZipFile(archive, "xl/workbook.xml", &workbook); err != nil {
		return nil, err
	}
	var rels xlsxRelationships
	if err := unmarshalZipFile(archive, "xl/_rels/workbook.xml.rels", &rels); err != nil {
		return nil, err
	}
	targets := make(map[string]string, len(rels.Relationships))
	for _, rel := range rels.Relationships {
		targets[rel.ID] = rel.Target
	}

	// sharedStrings.xml is absent when no cell uses the shared table.
	var shared xlsxSharedStrings
	if hasZipFile(archive, "xl/sharedStrings.xml") {
		if err := unmarshalZipFile(archive, "xl/sharedStrings.xml", &shared); err != nil {
			return nil, err
		}
	}

	items := make([]Item, 0, len(workbook.Sheets.Sheets))
	for _, sheet := range workbook.Sheets.Sheets {
		target := targets[sheet.RelID]
		if target == "" {
			return nil, fmt.Errorf("workbook sheet %q has no relationship target", sheet.Name)
		}
		var ws xlsxWorksheet
		if err := unmarshalZipFile(archive, sheetPath(target), &ws); err != nil {
			return nil, err
		}
		items = append(items, Item{
			Type:         "table",
			TableCaption: StringList{sheet.Name},
			TableBody:    renderSheet(&ws, &shared),
		})
	}
	return items, nil
}

func sheetPath(target string) string {
	target = strings.TrimPrefix(target, "/")
	if !strings.HasPrefix(target, "xl/") {
		target = "xl/" + target
	}
	return target
}

func renderSheet(ws *xlsxWorksheet, shared *xlsxSharedStrings) string {
	rows := make([]string, 0, len(ws.SheetData.Rows))
	for _, row := range ws.SheetData.Rows {
		var cells []string
		for _, cell := range row.Cells {
			// Sparse rows omit empty cells; the reference keeps columns
			// aligned so " | " boundaries stay meaningful.
			if idx := columnIndex(cell.Ref); idx >= 0 {
				for len(cells) < idx {
					cells = append(cells, "")
				}
			}
			cells = append(cells, cellValue(cell, shared))
		}
		rows = append(rows, strings.Join(cells, " | "))
	}
	return strings.Join(rows, "\n")
}

func cellValue(cell xlsxCell, shared *xlsxSharedStrings) string {
	switch cell.Type {
	case "s":
		idx, err := strconv.Atoi(strings.TrimSpace(cell.Value))
		if err != nil || idx < 0 || idx >= len(shared.Items) {
			return ""
		}
		return shared.Items[idx].text()
	case "inlineStr":
		if cell.Inline != nil {
			return cell.Inline.text()
		}
		return ""
	default:
		return strings.TrimSpace(cell.Value)
	}
}

// columnIndex converts the column letters of a cell reference ("C12") to a
// zero-based index, or -1 when the reference is missing.
func columnIndex(ref string) int {
	idx := 0
	seen := false
	for _, r := range ref {
		if r < 'A' || r > 'Z' {
			break
		}
		idx = idx*26 + int(r-'A') + 1
		seen = true
	}
	if !seen {
		return -1
	}
	return idx - 1
}

func hasZipFile(archive *zip.Reader, name string) bool {
	for _, f := range archive.File {
		if f.Name == name {
			return true
		}
	}
	return false
}

func unmarshalZipFile(archive *zip.Reader, name string, v any) error {
	for _, f := range archive.File {
		if f.Name != name {
			continue
		}
		rc, err := f.Open()
		if err != nil {
			return fmt.Errorf("error opening %s: %w", name, err)
		}
		defer rc.Close()
		raw, err := io.ReadAll(rc)
		if err != nil {
			return fmt.Errorf("error reading %s: %w", name, err)
		}
		if err := xml.Unmarshal(raw, v); err != nil {
			return fmt.Errorf("error parsing %s: %w", name, err)
		}
		return nil
	}
	return fmt.Errorf("workbook archive has no %s", name)
}

type xlsxWorkbook struct {
	Sheets struct {
		Sheets []struct {
			Name  string `xml:"name,attr"`
			RelID string `xml:"http://schemas.openxmlformats.org/officeDocument/2006/relationships id,attr"`
		} `xml:"sheet"`
	} `xml:"sheets"`
}

type xlsxRelationships struct {
	Relationships []struct {
		ID     string `xml:"Id,attr"`
		Target string `xml:"Target,attr"`
	} `xml:"Relationship"`
}

type xlsxSharedStrings struct {
	Items []xlsxRichText `xml:"si"`
}

// xlsxRichText is a string item that is either plain (<t>) or a sequence of
// formatting runs (<r><t>).
type xlsxRichText struct {
	Plain string `xml:"t"`
	Runs  []struct {
		Text string `xml:"t"`
	} `xml:"r"`
}

func (rt *xlsxRichText) text() string {
	if len(rt.Runs) == 0 {
		return rt.Plain
	}
	var b strings.Builder
	for _, run := range rt.Runs {
		b.WriteString(run.Text)
	}
	return b.String()
}

type xlsxWorksheet struct {
	SheetData struct {
		Rows []struct {
			Cells []xlsxCell `xml:"c"`
		} `xml:"row"`
	} `xml:"sheetData"`
}

type xlsxCell struct {
	Ref    string        `xml:"r,attr"`
	Type   string        `xml:"t,attr"`
	Value  string        `xml:"v"`
	Inline *xlsxRichText `xml:"is"`
}

package extract

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"path/filepath"
	"strings"

	"docflow/internal/models"
)

// ParseMode selects how the layout engine reads a document.
type ParseMode string

const (
	ModeAuto ParseMode = "auto"
	ModeOCR  ParseMode = "ocr"
	ModeText ParseMode = "txt"
)

// StringList unmarshals a JSON value that may be either a single string or a
// list of strings. Layout engines emit table captions in both shapes.
type StringList []string

func (s *StringList) UnmarshalJSON(data []byte) error {
	var list []string
	if err := json.Unmarshal(data, &list); err == nil {
		*s = list
		return nil
	}
	var single string
	if err := json.Unmarshal(data, &single); err != nil {
		return fmt.Errorf("string or string list expected: %w", err)
	}
	*s = StringList{single}
	return nil
}

// Item is one raw content unit as emitted by the layout engine, before
// normalization into a models.Block.
type Item struct {
	Type         string     `json:"type"`
	Text         string     `json:"text,omitempty"`
	TableCaption StringList `json:"table_caption,omitempty"`
	TableBody    string     `json:"table_body,omitempty"`
	ImagePath    string     `json:"img_path,omitempty"`
}

// Layout is the positional intermediate produced alongside the content list.
// Native parsing paths have no layout; an empty Layout is valid and simply
// yields no positions.
type Layout struct {
	Pages []LayoutPage `json:"pages,omitempty"`
}

// LayoutPage lists the positioned blocks of one page, in reading order.
type LayoutPage struct {
	Index  int           `json:"page_idx"`
	Blocks []LayoutBlock `json:"blocks,omitempty"`
}

// LayoutBlock carries the bounding box of one block. A box is usable only
// when it has exactly four coordinates; anything else is treated as unknown.
type LayoutBlock struct {
	BBox []float64 `json:"bbox,omitempty"`
}

// ParseOutput is the canonical result of content extraction: the ordered
// block list plus the layout intermediate the positions are derived from.
// Images holds the bytes of extracted image artifacts keyed by the img_path
// their blocks reference. It is the artifact checkpointed after the parse
// stage.
type ParseOutput struct {
	Blocks []models.Block    `json:"blocks"`
	Layout Layout            `json:"layout"`
	Images map[string][]byte `json:"images,omitempty"`
}

// EngineResult is the raw response of the external layout engine. Image
// bytes travel inline, keyed by the img_path their items reference.
type EngineResult struct {
	Items  []Item            `json:"content_list"`
	Layout Layout            `json:"layout"`
	Images map[string][]byte `json:"images,omitempty"`
}

// Extractor is the external layout/OCR engine capability. Implementations
// stay opaque to the pipeline; the adapter owns dispatch and normalization.
type Extractor interface {
	Extract(ctx context.Context, fileName string, data []byte, mode ParseMode) (*EngineResult, error)
}

// Classify maps a file to its document kind, by extension first and content
// sniffing when the extension is unknown.
func Classify(fileName string, data []byte) models.DocKind {
	switch strings.ToLower(strings.TrimPrefix(filepath.Ext(fileName), ".")) {
	case "pdf":
		return models.DocKindPDF
	case "doc", "docx", "ppt", "pptx", "html", "htm", "md", "markdown":
		return models.DocKindOffice
	case "xls", "xlsx", "csv":
		return models.DocKindSpreadsheet
	case "jpg", "jpeg", "png", "gif", "bmp", "tif", "tiff", "webp":
		return models.DocKindImage
	case "txt":
		return models.DocKindPlain
	}
	return sniffKind(data)
}

func sniffKind(data []byte) models.DocKind {
	ct := http.DetectContentType(data)
	switch {
	case ct == "application/pdf":
		return models.DocKindPDF
	case strings.HasPrefix(ct, "text/html"):
		return models.DocKindOffice
	case strings.HasPrefix(ct, "image/"):
		return models.DocKindImage
	default:
		return models.DocKindPlain
	}
}

// NormalizeItems converts raw engine items into canonical blocks. The mapping
// is one to one and order preserving; the block list stays parallel to the
// position list derived from the layout, so no item is ever dropped here,
// even when its type carries no extractable content.
func NormalizeItems(items []Item) []models.Block {
	blocks := make([]models.Block, 0, len(items))
	for _, it := range items {
		blocks = append(blocks, models.Block{
			Type:         models.BlockType(it.Type),
			Text:         it.Text,
			TableCaption: []string(it.TableCaption),
			TableBody:    it.TableBody,
			ImagePath:    it.ImagePath,
		})
	}
	return blocks
}

// DeriveBlockPositions flattens the layout into one position per block, pages
// in order, blocks in reading order within each page. Blocks without a
// four-coordinate bounding box get a zero box on their page. An empty layout
// yields an empty list; consumers default positions for blocks beyond it.
func DeriveBlockPositions(layout Layout) []models.BlockPosition {
	var positions []models.BlockPosition
	for _, page := range layout.Pages {
		for _, blk := range page.Blocks {
			pos := models.BlockPosition{PageIndex: page.Index}
			if len(blk.BBox) == 4 {
				copy(pos.BBox[:], blk.BBox)
			}
			positions = append(positions, pos)
		}
	}
	return positions
}

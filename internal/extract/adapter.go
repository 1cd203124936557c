package extract

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"path/filepath"
	"strings"
	"unicode/utf8"

	log "github.com/sirupsen/logrus"

	"docflow/internal/models"
)

// ErrNoEngine reports that a document kind needs the external layout engine
// and none is configured.
var ErrNoEngine = errors.New("no layout engine configured")

// Adapter owns document-kind dispatch, output normalization, and the
// fallback chain. Native paths run without the engine; kinds that need
// layout analysis or OCR go through it and degrade to generic text
// extraction when it fails, before any hard failure surfaces.
type Adapter struct {
	engine Extractor
}

// NewAdapter wires the external engine. A nil engine is valid; only the
// native and degraded paths are available then.
func NewAdapter(engine Extractor) *Adapter {
	return &Adapter{engine: engine}
}

// Parse extracts the canonical block list for one document.
func (a *Adapter) Parse(ctx context.Context, kind models.DocKind, fileName string, data []byte) (*ParseOutput, error) {
	switch kind {
	case models.DocKindPlain:
		return &ParseOutput{Blocks: NormalizeItems(parsePlainText(data))}, nil
	case models.DocKindSpreadsheet:
		return a.parseSpreadsheet(ctx, fileName, data)
	case models.DocKindOffice:
		return a.parseOffice(ctx, fileName, data)
	case models.DocKindImage:
		return a.parseImage(ctx, fileName, data)
	case models.DocKindPDF:
		return a.parsePDF(ctx, fileName, data)
	default:
		return nil, fmt.Errorf("unsupported document kind %q", kind)
	}
}

func (a *Adapter) parsePDF(ctx context.Context, fileName string, data []byte) (*ParseOutput, error) {
	result, err := a.extract(ctx, fileName, data, ModeAuto)
	if err == nil {
		return engineOutput(result), nil
	}
	log.WithError(err).WithField("file", fileName).Warn("PDF extraction failed, trying degraded path")
	return a.degrade(fileName, data, err)
}

func (a *Adapter) parseOffice(ctx context.Context, fileName string, data []byte) (*ParseOutput, error) {
	switch ext(fileName) {
	case "html", "htm":
		items, err := parseHTML(data)
		if err == nil {
			return &ParseOutput{Blocks: NormalizeItems(items)}, nil
		}
		log.WithError(err).WithField("file", fileName).Warn("HTML extraction failed, trying degraded path")
		return a.degrade(fileName, data, err)
	case "md", "markdown":
		// Markdown is readable as-is; paragraph extraction keeps the source
		// text without rendering it.
		return &ParseOutput{Blocks: NormalizeItems(parsePlainText(data))}, nil
	}

	result, err := a.extract(ctx, fileName, data, ModeText)
	if err == nil {
		return engineOutput(result), nil
	}
	log.WithError(err).WithField("file", fileName).Warn("Office extraction failed, trying degraded path")
	return a.degrade(fileName, data, err)
}

func (a *Adapter) parseSpreadsheet(ctx context.Context, fileName string, data []byte) (*ParseOutput, error) {
	var (
		items []Item
		err   error
	)
	if ext(fileName) == "csv" {
		items, err = parseCSV(data, sheetTitle(fileName))
	} else {
		items, err = parseXLSX(data)
	}
	if err == nil {
		return &ParseOutput{Blocks: NormalizeItems(items)}, nil
	}
	log.WithError(err).WithField("file", fileName).Warn("Native spreadsheet extraction failed, trying layout engine")

	result, engineErr := a.extract(ctx, fileName, data, ModeAuto)
	if engineErr == nil {
		return engineOutput(result), nil
	}
	return a.degrade(fileName, data, err)
}

func (a *Adapter) parseImage(ctx context.Context, fileName string, data []byte) (*ParseOutput, error) {
	result, err := a.extract(ctx, fileName, data, ModeOCR)
	if err == nil {
		return engineOutput(result), nil
	}
	log.WithError(err).WithField("file", fileName).Warn("Image OCR failed, keeping image without text")

	// Without OCR the image itself is still worth sidelining: one image
	// block referencing the original bytes.
	key := filepath.Base(fileName)
	if key == "" || key == "." {
		key = "image"
	}
	return &ParseOutput{
		Blocks: NormalizeItems([]Item{{Type: "image", ImagePath: key}}),
		Images: map[string][]byte{key: data},
	}, nil
}

func (a *Adapter) extract(ctx context.Context, fileName string, data []byte, mode ParseMode) (*EngineResult, error) {
	if a.engine == nil {
		return nil, ErrNoEngine
	}
	return a.engine.Extract(ctx, fileName, data, mode)
}

// degrade is the generic last-resort path. It handles textual payloads only;
// binary content that already defeated its dedicated path is a hard failure.
func (a *Adapter) degrade(fileName string, data []byte, cause error) (*ParseOutput, error) {
	if !looksTextual(data) {
		return nil, fmt.Errorf("extraction failed for %s and content is not textual: %w", fileName, cause)
	}
	return &ParseOutput{Blocks: NormalizeItems(parsePlainText(data))}, nil
}

func engineOutput(result *EngineResult) *ParseOutput {
	return &ParseOutput{
		Blocks: NormalizeItems(result.Items),
		Layout: result.Layout,
		Images: result.Images,
	}
}

func looksTextual(data []byte) bool {
	if utf8.Valid(data) {
		return true
	}
	return strings.HasPrefix(http.DetectContentType(data), "text/")
}

func ext(fileName string) string {
	return strings.ToLower(strings.TrimPrefix(filepath.Ext(fileName), "."))
}

func sheetTitle(fileName string) string {
	base := filepath.Base(fileName)
	title := strings.TrimSuffix(base, filepath.Ext(base))
	if title == "" || title == "." {
		return "table"
	}
	return title
}

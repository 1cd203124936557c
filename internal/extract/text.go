package extract

import (
	"bytes"
	"strings"
	"unicode/utf8"

	"golang.org/x/text/encoding/charmap"
	"golang.org/x/text/encoding/simplifiedchinese"
	"golang.org/x/text/transform"
)

// DecodeText decodes raw bytes with the encoding chain UTF-8, GBK, Latin-1.
// GBK is a superset of GB2312 so one decoder covers both; Latin-1 maps every
// byte, so decoding always succeeds.
func DecodeText(data []byte) string {
	if utf8.Valid(data) {
		return string(data)
	}
	if decoded, err := transform.Bytes(simplifiedchinese.GBK.NewDecoder(), data); err == nil && !bytes.ContainsRune(decoded, utf8.RuneError) {
		return string(decoded)
	}
	decoded, _ := transform.Bytes(charmap.ISO8859_1.NewDecoder(), data)
	return string(decoded)
}

// splitParagraphs breaks text into paragraph items on blank lines. Lines
// inside a paragraph keep their newlines; surrounding whitespace is trimmed.
func splitParagraphs(text string) []Item {
	var items []Item
	var para []string
	flush := func() {
		if len(para) == 0 {
			return
		}
		items = append(items, Item{Type: "text", Text: strings.Join(para, "\n")})
		para = para[:0]
	}
	for _, line := range strings.Split(strings.ReplaceAll(text, "\r\n", "\n"), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			flush()
			continue
		}
		para = append(para, line)
	}
	flush()
	return items
}

// parsePlainText is the degraded generic extraction path: decode with the
// encoding chain and emit one text item per paragraph. It also serves as the
// last fallback for kinds whose dedicated path failed.
func parsePlainText(data []byte) []Item {
	return splitParagraphs(DecodeText(data))
}

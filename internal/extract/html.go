package extract

import (
	"bytes"
	"fmt"
	"strings"

	"golang.org/x/net/html"
)

// parseHTML extracts text and table items from an HTML document, in document
// order. Tables become table items (caption from <caption>, rows with cells
// joined " | "); contiguous text between them becomes one text item; image
// references are appended as placeholder lines after the content.
func parseHTML(data []byte) ([]Item, error) {
	doc, err := html.Parse(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("error parsing html: %w", err)
	}

	var (
		items    []Item
		lines    []string
		imgNotes []string
	)
	flushText := func() {
		if len(lines) == 0 {
			return
		}
		items = append(items, Item{Type: "text", Text: strings.Join(lines, "\n")})
		lines = nil
	}

	var walk func(n *html.Node)
	walk = func(n *html.Node) {
		switch n.Type {
		case html.TextNode:
			if t := strings.TrimSpace(n.Data); t != "" {
				lines = append(lines, t)
			}
			return
		case html.ElementNode:
			switch n.Data {
			case "script", "style", "noscript":
				return
			case "table":
				flushText()
				items = append(items, tableItem(n))
				return
			case "img":
				src := attrValue(n, "src")
				if src != "" {
					alt := attrValue(n, "alt")
					if alt == "" {
						alt = src
					}
					imgNotes = append(imgNotes, fmt.Sprintf("[图片: %s]", alt))
				}
				return
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(doc)
	flushText()

	if len(imgNotes) > 0 {
		items = append(items, Item{Type: "text", Text: strings.Join(imgNotes, "\n")})
	}
	return items, nil
}

// tableItem renders one <table> subtree: the caption becomes the item
// caption, each row's cell texts are joined " | ", rows are joined with
// newlines.
func tableItem(table *html.Node) Item {
	var (
		caption string
		rows    []string
	)
	var walk func(n *html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode {
			switch n.Data {
			case "caption":
				caption = nodeText(n)
				return
			case "tr":
				var cells []string
				for c := n.FirstChild; c != nil; c = c.NextSibling {
					if c.Type == html.ElementNode && (c.Data == "td" || c.Data == "th") {
						cells = append(cells, nodeText(c))
					}
				}
				rows = append(rows, strings.Join(cells, " | "))
				return
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(table)

	item := Item{Type: "table", TableBody: strings.Join(rows, "\n")}
	if caption != "" {
		item.TableCaption = StringList{caption}
	}
	return item
}

// nodeText collects the trimmed text nodes under n, joined with spaces.
func nodeText(n *html.Node) string {
	var parts []string
	var walk func(n *html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.TextNode {
			if t := strings.TrimSpace(n.Data); t != "" {
				parts = append(parts, t)
			}
			return
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(n)
	return strings.Join(parts, " ")
}

func attrValue(n *html.Node, key string) string {
	for _, a := range n.Attr {
		if a.Key == key {
			return a.Val
		}
	}
	return ""
}

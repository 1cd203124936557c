// Package inputprocessor resolves CLI ingestion arguments that are not local
// paths, downloading http(s) URLs into document bytes.
package inputprocessor

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"
)

// Input is the resolved content of one ingestion argument.
type Input struct {
	Name        string
	ContentType string
	Data        []byte
}

// maxFetchBytes caps URL downloads so a misbehaving server cannot exhaust
// worker memory.
const maxFetchBytes = 256 << 20

var fetchClient = &http.Client{Timeout: 2 * time.Minute}

// IsURL reports whether arg parses as an absolute http or https URL.
func IsURL(arg string) bool {
	u, err := url.Parse(arg)
	return err == nil && (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
}

// Fetch downloads the document at rawURL. The document name is derived from
// the URL path; when the path carries no extension one is appended from the
// response Content-Type so downstream format detection has something to go on.
func Fetch(ctx context.Context, rawURL string) (*Input, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parsing URL %q: %w", rawURL, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("unsupported URL scheme %q", u.Scheme)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("building request for %s: %w", u.String(), err)
	}

	resp, err := fetchClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetching %s: %w", u.String(), err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetching %s: status %d %s", u.String(), resp.StatusCode, http.StatusText(resp.StatusCode))
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxFetchBytes+1))
	if err != nil {
		return nil, fmt.Errorf("reading response from %s: %w", u.String(), err)
	}
	if len(data) > maxFetchBytes {
		return nil, fmt.Errorf("document at %s exceeds the %d MB download cap", u.String(), maxFetchBytes>>20)
	}

	ct := resp.Header.Get("Content-Type")
	if ct == "" {
		ct = http.DetectContentType(data)
	}

	return &Input{
		Name:        nameFromURL(u, ct),
		ContentType: ct,
		Data:        data,
	}, nil
}

func nameFromURL(u *url.URL, contentType string) string {
	name := path.Base(u.Path)
	if name == "" || name == "." || name == "/" {
		name = u.Host
	}
	if path.Ext(name) == "" {
		name += extensionForContentType(contentType)
	}
	return name
}

// extensionForContentType maps the Content-Type values documents commonly
// arrive with onto the extensions the format classifier understands. Unknown
// types get no extension; classification then falls back to content sniffing.
func extensionForContentType(ct string) string {
	mediaType := ct
	if i := strings.Index(ct, ";"); i >= 0 {
		mediaType = ct[:i]
	}
	switch strings.ToLower(strings.TrimSpace(mediaType)) {
	case "text/html", "application/xhtml+xml":
		return ".html"
	case "application/pdf":
		return ".pdf"
	case "text/markdown":
		return ".md"
	case "text/csv":
		return ".csv"
	case "text/plain":
		return ".txt"
	default:
		return ""
	}
}

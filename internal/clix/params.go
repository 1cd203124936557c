// Package clix holds small flag-parsing helpers shared by the CLI commands.
package clix

import (
	"strings"

	"github.com/spf13/pflag"
)

// PaginationParams is a parsed limit/offset flag pair.
type PaginationParams struct {
	Limit  int
	Offset int
}

// ParsePagination reads the limit and offset flags every listing command
// defines, clamping unusable values to defaults.
func ParsePagination(flags *pflag.FlagSet) (PaginationParams, error) {
	limit, err := flags.GetInt("limit")
	if err != nil {
		return PaginationParams{}, err
	}
	offset, err := flags.GetInt("offset")
	if err != nil {
		return PaginationParams{}, err
	}
	if limit <= 0 {
		limit = 20
	}
	if offset < 0 {
		offset = 0
	}
	return PaginationParams{Limit: limit, Offset: offset}, nil
}

// ParseExtensions splits a comma-separated extension list, trimming space and
// leading dots and lower-casing, so ".PDF, md" and "pdf,md" mean the same.
func ParseExtensions(raw string) []string {
	var exts []string
	for _, e := range strings.Split(raw, ",") {
		e = strings.ToLower(strings.TrimPrefix(strings.TrimSpace(e), "."))
		if e != "" {
			exts = append(exts, e)
		}
	}
	return exts
}

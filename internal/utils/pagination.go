// Package utils holds small helpers shared by the HTTP layer that carry no
// domain logic.
package utils

import "strconv"

// Page is a bounded 1-based page window.
type Page struct {
	Number int
	Size   int
}

// ParsePage reads page and size query values. Missing or malformed values
// fall back to page 1 and defSize; results are clamped to [1, maxSize].
func ParsePage(page, size string, defSize, maxSize int) Page {
	p := Page{Number: atoiDefault(page, 1), Size: atoiDefault(size, defSize)}
	if p.Number < 1 {
		p.Number = 1
	}
	if p.Size < 1 {
		p.Size = 1
	}
	if p.Size > maxSize {
		p.Size = maxSize
	}
	return p
}

// Offset is the number of rows before this page.
func (p Page) Offset() int { return (p.Number - 1) * p.Size }

// TotalPages returns how many pages of this size cover total rows.
func (p Page) TotalPages(total int64) int {
	if p.Size < 1 {
		return 0
	}
	return int((total + int64(p.Size) - 1) / int64(p.Size))
}

// HasNext reports whether rows remain after this page.
func (p Page) HasNext(total int64) bool { return p.Number < p.TotalPages(total) }

func atoiDefault(s string, def int) int {
	if s == "" {
		return def
	}
	if n, err := strconv.Atoi(s); err == nil {
		return n
	}
	return def
}

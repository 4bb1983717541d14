// Package rewrite finds resource references in stylesheets and rewrites them.
package rewrite

import (
	"errors"
)

// ErrNotModified can be returned by URLRewriter to not modify the reference.
// Return ErrNotModified if the reference should be kept as is, this is faster than returning the same data.
var ErrNotModified = errors.New("not modified")

// URLRewriter returns the new reference text for span.
// The returned value is written quoted with single quotes in place of the original reference
// and its quotes; url( and ) around it are kept as they were.
type URLRewriter func(span Span) (string, error)

// Kind is the syntax a reference was found in.
type Kind uint8

const (
	KindUnknown Kind = iota
	// KindURL is a url(...) function.
	KindURL
	// KindImportString is a quoted string directly following @import.
	KindImportString
)

func (k Kind) String() string {
	switch k {
	case KindURL:
		return "url"
	case KindImportString:
		return "import-string"
	default:
		return "unknown"
	}
}

// Package embed rewrites stylesheets so that every resource they reference is inlined as a
// data URI.
//
// References are processed one by one in order of appearance, each fetch blocks until it
// completes. The cache passed in is not locked, callers sharing one cache between
// concurrent calls must use cache.Locked or similar.
package embed

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/martin-sucha/css-embed/cache"
	"github.com/martin-sucha/css-embed/dataurl"
	"github.com/martin-sucha/css-embed/fetch"
	"github.com/martin-sucha/css-embed/resolve"
	"github.com/martin-sucha/css-embed/rewrite"
)

// PlaceholderImage is a 1x1 transparent PNG used instead of resources that are not embedded.
const PlaceholderImage = "data:image/png;base64,iVBORw0KGgoAAAANSUhEUgAAAAEAAAABCAQAAAC1HAwCAAAAC0lEQVR42mNkYAAAAAYAAjCB0C8AAAAASUVORK5CYII="

// DefaultMaxDepth limits nesting of embedded @import stylesheets.
const DefaultMaxDepth = 8

type Options struct {
	// ExcludeRemoteResources replaces every reference that is not a data URI by PlaceholderImage.
	ExcludeRemoteResources bool
	// SilentOnFetchError replaces resources that fail to load by PlaceholderImage
	// instead of failing the whole call.
	SilentOnFetchError bool
}

// FetchError is returned when a referenced resource can't be loaded.
type FetchError struct {
	// URL is the absolute URL of the resource. Data URIs are shortened.
	URL string
	Err error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("fetch %s: %v", e.URL, e.Err)
}

func (e *FetchError) Unwrap() error {
	return e.Err
}

// Embedder inlines resources referenced from stylesheets.
type Embedder struct {
	// Cache is consulted before fetching and updated after each successful fetch.
	// May be nil.
	Cache   cache.Cache
	Fetcher fetch.Fetcher
	// MaxDepth limits nesting of embedded @import stylesheets, DefaultMaxDepth if zero.
	MaxDepth int
	Log      *zap.Logger
}

// CSS embeds resources referenced from css using a default Embedder.
func CSS(ctx context.Context, c cache.Cache, f fetch.Fetcher, baseURL, css string, opts Options) (string, error) {
	e := &Embedder{Cache: c, Fetcher: f}
	return e.CSS(ctx, baseURL, css, opts)
}

// CSS returns css with all references to external resources replaced by data URIs.
// Relative references are resolved against baseURL.
// Text other than the references is kept byte for byte.
// On error, no output is returned.
func (e *Embedder) CSS(ctx context.Context, baseURL, css string, opts Options) (string, error) {
	var stack []string
	if t := resolve.Resolve("", baseURL); t.Kind == resolve.Absolute {
		stack = append(stack, t.URL)
	}
	return e.embedCSS(ctx, baseURL, css, opts, stack)
}

func (e *Embedder) embedCSS(ctx context.Context, baseURL, css string, opts Options, stack []string) (string, error) {
	var sb strings.Builder
	sb.Grow(len(css))
	err := rewrite.CSS(css, &sb, func(span rewrite.Span) (string, error) {
		return e.rewriteSpan(ctx, baseURL, span, opts, stack)
	})
	if err != nil {
		return "", err
	}
	return sb.String(), nil
}

func (e *Embedder) rewriteSpan(ctx context.Context, baseURL string, span rewrite.Span, opts Options,
	stack []string) (string, error) {
	log := e.logger()
	value := span.Value()
	target := resolve.Resolve(baseURL, value)
	switch target.Kind {
	case resolve.Data:
		canonical, err := target.Data.Canonical()
		if err != nil {
			return e.fetchFailed(&FetchError{URL: shorten(value), Err: err}, opts)
		}
		return canonical, nil
	case resolve.Unresolvable:
		switch {
		case target.Reason == resolve.ReasonFragment:
			return "", rewrite.ErrNotModified
		case target.Reason == resolve.ReasonMalformed && dataurl.IsDataURL(value):
			return e.fetchFailed(&FetchError{URL: shorten(value), Err: target.Err}, opts)
		}
		log.Debug("Unresolvable reference",
			zap.String("reference", value),
			zap.Stringer("reason", target.Reason),
			zap.Bool("import", span.Import))
		if opts.ExcludeRemoteResources || !span.Import {
			return PlaceholderImage, nil
		}
		return "", rewrite.ErrNotModified
	}

	if opts.ExcludeRemoteResources {
		return PlaceholderImage, nil
	}
	entry, err := e.load(ctx, target.URL)
	if err != nil {
		return e.fetchFailed(&FetchError{URL: target.URL, Err: err}, opts)
	}
	data := entry.Data
	if span.Import || dataurl.BaseType(entry.ContentType) == "text/css" {
		data, err = e.embedImported(ctx, target.URL, data, opts, stack)
		if err != nil {
			return "", err
		}
	}
	embedded := dataurl.Encode(entry.ContentType, data)
	if target.Fragment != "" {
		embedded += "#" + target.Fragment
	}
	return embedded, nil
}

// embedImported embeds resources of a stylesheet loaded from absoluteURL.
// Stylesheets nested too deep or importing themselves are returned as they are.
func (e *Embedder) embedImported(ctx context.Context, absoluteURL string, data []byte, opts Options,
	stack []string) ([]byte, error) {
	maxDepth := e.MaxDepth
	if maxDepth == 0 {
		maxDepth = DefaultMaxDepth
	}
	for _, u := range stack {
		if u == absoluteURL {
			e.logger().Debug("Import cycle", zap.String("url", absoluteURL))
			return data, nil
		}
	}
	if len(stack) >= maxDepth {
		e.logger().Debug("Imports nested too deep", zap.String("url", absoluteURL), zap.Int("depth", len(stack)))
		return data, nil
	}
	nested := make([]string, len(stack), len(stack)+1)
	copy(nested, stack)
	nested = append(nested, absoluteURL)
	out, err := e.embedCSS(ctx, absoluteURL, string(data), opts, nested)
	if err != nil {
		return nil, err
	}
	return []byte(out), nil
}

// load returns the resource from cache, fetching it on miss.
func (e *Embedder) load(ctx context.Context, absoluteURL string) (cache.Entry, error) {
	if e.Cache != nil {
		if entry, ok := e.Cache.Get(absoluteURL); ok {
			e.logger().Debug("Cache hit", zap.String("url", absoluteURL))
			return entry, nil
		}
	}
	if e.Fetcher == nil {
		return cache.Entry{}, fmt.Errorf("no fetcher configured")
	}
	entry, err := e.Fetcher.Fetch(ctx, absoluteURL)
	if err != nil {
		return cache.Entry{}, err
	}
	if entry.ContentType == "" {
		entry.ContentType = dataurl.DefaultMediaType
	}
	e.logger().Debug("Fetched",
		zap.String("url", absoluteURL),
		zap.String("content-type", entry.ContentType),
		zap.Int("bytes", len(entry.Data)))
	if e.Cache != nil {
		e.Cache.Set(absoluteURL, entry)
	}
	return entry, nil
}

func (e *Embedder) fetchFailed(err *FetchError, opts Options) (string, error) {
	if opts.SilentOnFetchError {
		e.logger().Warn("Using placeholder for resource", zap.String("url", err.URL), zap.Error(err.Err))
		return PlaceholderImage, nil
	}
	return "", err
}

func (e *Embedder) logger() *zap.Logger {
	if e.Log == nil {
		return zap.NewNop()
	}
	return e.Log.Named("embed")
}

// shorten truncates long data URIs for error messages.
func shorten(s string) string {
	const maxLen = 48
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}

// Package fetch retrieves resources referenced from documents.
package fetch

import (
	"context"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/h2non/filetype"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/martin-sucha/css-embed/cache"
	"github.com/martin-sucha/css-embed/dataurl"
)

// Fetcher retrieves the resource at an absolute URL.
// Deadlines and cancellation are taken from ctx.
type Fetcher interface {
	Fetch(ctx context.Context, absoluteURL string) (cache.Entry, error)
}

// FetcherFunc is an adapter to use ordinary functions as Fetcher.
type FetcherFunc func(ctx context.Context, absoluteURL string) (cache.Entry, error)

func (f FetcherFunc) Fetch(ctx context.Context, absoluteURL string) (cache.Entry, error) {
	return f(ctx, absoluteURL)
}

// StatusError is returned for HTTP responses with status other than 2xx.
type StatusError struct {
	URL        string
	StatusCode int
	Status     string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("unexpected response status %s for %s", e.Status, e.URL)
}

// Client fetches http, https and file URLs.
// The zero value is usable: it uses http.DefaultClient and no rate limiting.
type Client struct {
	HTTPClient *http.Client
	// Limiter, if set, throttles HTTP requests.
	Limiter   *rate.Limiter
	UserAgent string
	// MaxSize limits size of fetched resources in bytes. Zero means unlimited.
	MaxSize int64
	Log     *zap.Logger
}

func (c *Client) Fetch(ctx context.Context, absoluteURL string) (cache.Entry, error) {
	u, err := url.Parse(absoluteURL)
	if err != nil {
		return cache.Entry{}, err
	}
	switch strings.ToLower(u.Scheme) {
	case "http", "https":
		return c.fetchHTTP(ctx, u)
	case "file":
		return c.fetchFile(u)
	default:
		return cache.Entry{}, fmt.Errorf("unsupported url scheme %q", u.Scheme)
	}
}

func (c *Client) logger() *zap.Logger {
	if c.Log == nil {
		return zap.NewNop()
	}
	return c.Log
}

func (c *Client) fetchHTTP(ctx context.Context, u *url.URL) (entryOut cache.Entry, errOut error) {
	if c.Limiter != nil {
		err := c.Limiter.Wait(ctx)
		if err != nil {
			return cache.Entry{}, err
		}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return cache.Entry{}, err
	}
	if c.UserAgent != "" {
		req.Header.Set("User-Agent", c.UserAgent)
	}
	httpClient := c.HTTPClient
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	resp, err := httpClient.Do(req)
	if err != nil {
		return cache.Entry{}, err
	}
	defer func() {
		closeErr := resp.Body.Close()
		if errOut == nil {
			errOut = closeErr
		}
	}()
	c.logger().Debug("Fetched",
		zap.String("url", u.String()),
		zap.Int("status", resp.StatusCode),
		zap.String("content-type", resp.Header.Get("Content-Type")))
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return cache.Entry{}, &StatusError{URL: u.String(), StatusCode: resp.StatusCode, Status: resp.Status}
	}
	data, err := c.readAll(resp.Body)
	if err != nil {
		return cache.Entry{}, fmt.Errorf("read response body: %w", err)
	}
	contentType := resp.Header.Get("Content-Type")
	if strings.TrimSpace(contentType) == "" {
		contentType = sniff(data)
	}
	return cache.Entry{ContentType: dataurl.MediaType(contentType), Data: data}, nil
}

func (c *Client) fetchFile(u *url.URL) (cache.Entry, error) {
	if u.Host != "" && u.Host != "localhost" {
		return cache.Entry{}, fmt.Errorf("file url with remote host %q is not supported", u.Host)
	}
	name := filepath.FromSlash(u.Path)
	f, err := os.Open(name)
	if err != nil {
		return cache.Entry{}, err
	}
	data, err := c.readAll(f)
	closeErr := f.Close()
	if err != nil {
		return cache.Entry{}, err
	}
	if closeErr != nil {
		return cache.Entry{}, closeErr
	}
	c.logger().Debug("Read file", zap.String("path", name), zap.Int("bytes", len(data)))
	contentType := mime.TypeByExtension(filepath.Ext(name))
	if contentType == "" {
		contentType = sniff(data)
	}
	return cache.Entry{ContentType: dataurl.MediaType(contentType), Data: data}, nil
}

func (c *Client) readAll(r io.Reader) ([]byte, error) {
	if c.MaxSize <= 0 {
		return io.ReadAll(r)
	}
	data, err := io.ReadAll(io.LimitReader(r, c.MaxSize+1))
	if err != nil {
		return nil, err
	}
	if int64(len(data)) > c.MaxSize {
		return nil, fmt.Errorf("resource exceeds maximum size of %d bytes", c.MaxSize)
	}
	return data, nil
}

// sniff guesses content type of data.
func sniff(data []byte) string {
	kind, err := filetype.Match(data)
	if err == nil && kind != filetype.Unknown {
		return kind.MIME.Value
	}
	return http.DetectContentType(data)
}

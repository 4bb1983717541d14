// Package dataurl parses and encodes data: URIs (RFC 2397).
//
// Encoded output always uses the canonical base64 form:
//
//	data:<media type>;base64,<payload>
package dataurl

import (
	"encoding/base64"
	"errors"
	"fmt"
	"mime"
	"sort"
	"strings"
)

// ErrMalformed is wrapped by all errors returned when a data URI cannot be parsed or decoded.
var ErrMalformed = errors.New("malformed data uri")

// DefaultMediaType is used for resources that do not declare their media type.
const DefaultMediaType = "application/octet-stream"

// DefaultDataMediaType is the media type of data URIs that omit it (RFC 2397).
const DefaultDataMediaType = "text/plain;charset=US-ASCII"

const scheme = "data:"

// DataURL is a parsed data: URI.
type DataURL struct {
	// MediaType including parameters, as written in the URI, without the base64 marker.
	// Empty if the URI does not specify one.
	MediaType string
	// Base64 is true if the payload is base64 encoded.
	Base64 bool
	// Payload is the raw payload, everything after the first comma.
	Payload string
}

// IsDataURL reports whether s uses the data: scheme.
func IsDataURL(s string) bool {
	return len(s) >= len(scheme) && strings.EqualFold(s[:len(scheme)], scheme)
}

// Parse splits a data: URI into media type, encoding and payload.
func Parse(s string) (*DataURL, error) {
	if !IsDataURL(s) {
		return nil, fmt.Errorf("%w: missing data: scheme", ErrMalformed)
	}
	rest := s[len(scheme):]
	comma := strings.IndexByte(rest, ',')
	if comma < 0 {
		return nil, fmt.Errorf("%w: missing comma", ErrMalformed)
	}
	du := &DataURL{Payload: rest[comma+1:]}
	header := strings.TrimSpace(rest[:comma])
	if i := strings.LastIndexByte(header, ';'); i >= 0 && strings.EqualFold(strings.TrimSpace(header[i+1:]), "base64") {
		du.Base64 = true
		header = header[:i]
	} else if strings.EqualFold(header, "base64") {
		du.Base64 = true
		header = ""
	}
	du.MediaType = strings.TrimSpace(header)
	return du, nil
}

// Decode returns the payload bytes.
func (du *DataURL) Decode() ([]byte, error) {
	payload := percentDecode(du.Payload)
	if !du.Base64 {
		return []byte(payload), nil
	}
	payload = strings.Map(func(r rune) rune {
		switch r {
		case ' ', '\t', '\n', '\r', '\f':
			return -1
		}
		return r
	}, payload)
	data, err := base64.StdEncoding.DecodeString(payload)
	if err == nil {
		return data, nil
	}
	data, rawErr := base64.RawStdEncoding.DecodeString(strings.TrimRight(payload, "="))
	if rawErr == nil {
		return data, nil
	}
	data, urlErr := base64.RawURLEncoding.DecodeString(strings.TrimRight(payload, "="))
	if urlErr == nil {
		return data, nil
	}
	return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
}

// percentDecode replaces %XX escapes by the bytes they encode.
// A % not followed by two hex digits is kept as is.
func percentDecode(s string) string {
	if strings.IndexByte(s, '%') < 0 {
		return s
	}
	b := make([]byte, 0, len(s))
	for i := 0; i < len(s); i++ {
		if s[i] == '%' && i+2 < len(s) && isHex(s[i+1]) && isHex(s[i+2]) {
			b = append(b, unhex(s[i+1])<<4|unhex(s[i+2]))
			i += 2
			continue
		}
		b = append(b, s[i])
	}
	return string(b)
}

func isHex(c byte) bool {
	return ('0' <= c && c <= '9') || ('a' <= c && c <= 'f') || ('A' <= c && c <= 'F')
}

func unhex(c byte) byte {
	switch {
	case '0' <= c && c <= '9':
		return c - '0'
	case 'a' <= c && c <= 'f':
		return c - 'a' + 10
	default:
		return c - 'A' + 10
	}
}

// Canonical returns the data URI re-encoded in canonical base64 form.
// The media type is normalised like fetched content types, an omitted one becomes
// DefaultDataMediaType.
func (du *DataURL) Canonical() (string, error) {
	data, err := du.Decode()
	if err != nil {
		return "", err
	}
	return Encode(canonicalMediaType(du.MediaType), data), nil
}

func canonicalMediaType(mediaType string) string {
	mediaType = strings.TrimSpace(mediaType)
	switch {
	case mediaType == "":
		return DefaultDataMediaType
	case strings.HasPrefix(mediaType, ";"):
		// parameters without type, e.g. data:;charset=utf-8,
		mediaType = "text/plain" + mediaType
	}
	return MediaType(mediaType)
}

// Encode returns data as a base64 data: URI with the given media type.
func Encode(mediaType string, data []byte) string {
	var sb strings.Builder
	sb.Grow(len(scheme) + len(mediaType) + len(";base64,") + base64.StdEncoding.EncodedLen(len(data)))
	sb.WriteString(scheme)
	sb.WriteString(mediaType)
	sb.WriteString(";base64,")
	sb.WriteString(base64.StdEncoding.EncodeToString(data))
	return sb.String()
}

// MediaType converts a Content-Type header value to the form used in data URIs.
// Parameters are kept, sorted by name and written without spaces.
// Returns DefaultMediaType if contentType is empty.
func MediaType(contentType string) string {
	contentType = strings.TrimSpace(contentType)
	if contentType == "" {
		return DefaultMediaType
	}
	mediaType, params, err := mime.ParseMediaType(contentType)
	if err != nil {
		// Keep whatever looks like type/subtype.
		if i := strings.IndexByte(contentType, ';'); i >= 0 {
			contentType = contentType[:i]
		}
		mediaType = strings.ToLower(strings.TrimSpace(contentType))
		if mediaType == "" {
			return DefaultMediaType
		}
		return mediaType
	}
	if len(params) == 0 {
		return mediaType
	}
	names := make([]string, 0, len(params))
	for name := range params {
		names = append(names, name)
	}
	sort.Strings(names)
	var sb strings.Builder
	sb.WriteString(mediaType)
	for _, name := range names {
		sb.WriteString(";")
		sb.WriteString(name)
		sb.WriteString("=")
		sb.WriteString(params[name])
	}
	return sb.String()
}

// BaseType returns the media type without parameters, lowercased.
func BaseType(mediaType string) string {
	if i := strings.IndexByte(mediaType, ';'); i >= 0 {
		mediaType = mediaType[:i]
	}
	return strings.ToLower(strings.TrimSpace(mediaType))
}

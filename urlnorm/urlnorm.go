// Package urlnorm computes canonical forms of absolute URLs.
// Canonical URLs are used as keys of the resource cache.
package urlnorm

import (
	"net/url"
	"strings"
	"unicode/utf8"

	"golang.org/x/net/idna"
)

// Canonical returns the canonical form of URL.
//
// Per RFC3986, the canonical form of URL has:
//
//  - lowercase scheme
//  - lowercase host / address
//  - port omitted if default for scheme
//  - colon between host:port not specified if port is empty
//
// Internationalized host names are converted to their ASCII (punycode) form.
// Canonical also ensures that path of absolute URLs always starts with /
func Canonical(someURL *url.URL) *url.URL {
	u := new(url.URL)
	*u = *someURL
	u.Scheme = strings.ToLower(u.Scheme)
	host := asciiHost(u.Hostname())
	port := u.Port()
	if (u.Scheme == "https" && port == "443") || (u.Scheme == "http" && port == "80") {
		port = ""
	}

	u.Host = joinHostPort(strings.ToLower(host), port)
	if u.IsAbs() && u.Host != "" && u.Path == "" {
		u.Path = "/"
	}
	return u
}

// WithoutFragment returns a copy of u with fragment removed and the removed fragment.
// The fragment is returned in its escaped form, without the leading #.
func WithoutFragment(u *url.URL) (*url.URL, string) {
	out := new(url.URL)
	*out = *u
	fragment := u.EscapedFragment()
	out.Fragment = ""
	out.RawFragment = ""
	return out, fragment
}

func asciiHost(host string) string {
	for i := 0; i < len(host); i++ {
		if host[i] >= utf8.RuneSelf {
			ascii, err := idna.ToASCII(host)
			if err != nil {
				return host
			}
			return ascii
		}
	}
	return host
}

func joinHostPort(host, port string) string {
	var sb strings.Builder
	// Assume IPv6 address if host contains colon.
	if strings.Contains(host, ":") {
		sb.WriteString("[")
		sb.WriteString(host)
		sb.WriteString("]")
	} else {
		sb.WriteString(host)
	}
	if port != "" {
		sb.WriteString(":")
		sb.WriteString(port)
	}
	return sb.String()
}

// Package resolve turns references found in documents into absolute URLs.
package resolve

import (
	"net/url"
	"strings"

	"github.com/martin-sucha/css-embed/dataurl"
	"github.com/martin-sucha/css-embed/urlnorm"
)

type Kind uint8

const (
	// Unresolvable references can't be turned into an absolute URL, see Reason.
	Unresolvable Kind = iota
	// Absolute references resolved to a fetchable URL.
	Absolute
	// Data references carry their content inline.
	Data
)

func (k Kind) String() string {
	switch k {
	case Unresolvable:
		return "unresolvable"
	case Absolute:
		return "absolute"
	case Data:
		return "data"
	default:
		return "unknown"
	}
}

// Reason explains why a reference is Unresolvable.
type Reason uint8

const (
	ReasonNone Reason = iota
	// ReasonFragment is a reference to a fragment of the current document, like #id.
	ReasonFragment
	// ReasonNoBase is a relative reference without a usable absolute base URL.
	ReasonNoBase
	// ReasonMalformed is a reference that could not be parsed.
	ReasonMalformed
)

func (r Reason) String() string {
	switch r {
	case ReasonNone:
		return "none"
	case ReasonFragment:
		return "fragment"
	case ReasonNoBase:
		return "no base"
	case ReasonMalformed:
		return "malformed"
	default:
		return "unknown"
	}
}

// Target is the result of Resolve.
type Target struct {
	Kind   Kind
	Reason Reason
	// Err is the parse error for ReasonMalformed.
	Err error
	// URL is the canonical absolute URL without fragment. Set for Absolute.
	URL string
	// Fragment is the escaped fragment of the reference without #, if any. Set for Absolute.
	Fragment string
	// Data is the parsed data URI. Set for Data.
	Data *dataurl.DataURL
}

// Resolve resolves raw reference against base.
// base may be empty.
func Resolve(base, raw string) Target {
	raw = strings.TrimSpace(raw)
	if strings.HasPrefix(raw, "#") {
		return Target{Kind: Unresolvable, Reason: ReasonFragment}
	}
	if dataurl.IsDataURL(raw) {
		du, err := dataurl.Parse(raw)
		if err != nil {
			return Target{Kind: Unresolvable, Reason: ReasonMalformed, Err: err}
		}
		return Target{Kind: Data, Data: du}
	}
	ref, err := url.Parse(raw)
	if err != nil {
		return Target{Kind: Unresolvable, Reason: ReasonMalformed, Err: err}
	}
	absoluteURL := ref
	if !ref.IsAbs() {
		baseURL, ok := parseBase(base)
		if !ok {
			return Target{Kind: Unresolvable, Reason: ReasonNoBase}
		}
		absoluteURL = baseURL.ResolveReference(ref)
	}
	u, fragment := urlnorm.WithoutFragment(urlnorm.Canonical(absoluteURL))
	return Target{
		Kind:     Absolute,
		URL:      u.String(),
		Fragment: fragment,
	}
}

func parseBase(base string) (*url.URL, bool) {
	base = strings.TrimSpace(base)
	if base == "" {
		return nil, false
	}
	u, err := url.Parse(base)
	if err != nil || !u.IsAbs() {
		return nil, false
	}
	return u, true
}

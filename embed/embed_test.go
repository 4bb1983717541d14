package embed

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/martin-sucha/css-embed/cache"
	"github.com/martin-sucha/css-embed/dataurl"
	"github.com/martin-sucha/css-embed/fetch"
)

var errNotFound = errors.New("not found")

// fakeFetcher serves entries from memory and records requested URLs.
type fakeFetcher struct {
	entries map[string]cache.Entry
	calls   []string
}

func (f *fakeFetcher) Fetch(_ context.Context, absoluteURL string) (cache.Entry, error) {
	f.calls = append(f.calls, absoluteURL)
	e, ok := f.entries[absoluteURL]
	if !ok {
		return cache.Entry{}, errNotFound
	}
	return e, nil
}

// noFetch fails the test if anything is fetched.
func noFetch(t *testing.T) fetch.Fetcher {
	return fetch.FetcherFunc(func(_ context.Context, absoluteURL string) (cache.Entry, error) {
		t.Errorf("unexpected fetch of %s", absoluteURL)
		return cache.Entry{}, errNotFound
	})
}

func b64(s string) string {
	return base64.StdEncoding.EncodeToString([]byte(s))
}

func TestCSSEmptyInput(t *testing.T) {
	out, err := CSS(context.Background(), make(cache.Map), noFetch(t), "", "", Options{})
	require.NoError(t, err)
	assert.Equal(t, "", out)
}

func TestCSSExcludeRemoteResources(t *testing.T) {
	const style = "/* border: none;*/" +
		"background-image: url(%[1]shttps://somewhere.com/bg.png%[1]s); " +
		"list-style: url(%[1]s/assets/images/bullet.svg%[1]s);" +
		"width:99.998%%; " +
		"margin-top: -20px; " +
		"line-height: -1; " +
		"height: calc(100vh - 10pt)"
	const expected = "/* border: none;*/" +
		"background-image: url('" + PlaceholderImage + "'); " +
		"list-style: url('" + PlaceholderImage + "');" +
		"width:99.998%; " +
		"margin-top: -20px; " +
		"line-height: -1; " +
		"height: calc(100vh - 10pt)"
	tests := []struct {
		name    string
		quote   string
		baseURL string
	}{
		{name: "unquoted", quote: "", baseURL: "https://doesntmatter.local/"},
		{name: "single quoted without base", quote: "'", baseURL: ""},
		{name: "double quoted", quote: `"`, baseURL: "https://doesntmatter.local/"},
		{name: "invalid base", quote: "", baseURL: "not a url"},
	}
	for _, test := range tests {
		test := test
		t.Run(test.name, func(t *testing.T) {
			input := fmt.Sprintf(style, test.quote)
			for _, silent := range []bool{false, true} {
				out, err := CSS(context.Background(), make(cache.Map), noFetch(t), test.baseURL, input,
					Options{ExcludeRemoteResources: true, SilentOnFetchError: silent})
				require.NoError(t, err)
				assert.Equal(t, expected, out)
			}
		})
	}
}

func TestCSSExcludeRemoteResourcesLiteral(t *testing.T) {
	out, err := CSS(context.Background(), nil, noFetch(t), "", "background-image: url(https://x/bg.png);",
		Options{ExcludeRemoteResources: true})
	require.NoError(t, err)
	assert.Equal(t, "background-image: url('"+PlaceholderImage+"');", out)
}

func TestCSSStyleBlock(t *testing.T) {
	const css = "#id.class-name:not(:nth-child(3n+0)) {\n" +
		"    // border: none;\n" +
		"    background-image: url('data:image/png;base64,iVBORw0KGgoAAAANSUhEUgAAAAEAAAABCAQAAAC1HAwCAAAAC0lEQVR42mNkYAAAAAYAAjCB0C8AAAAASUVORK5CYII=');\n" +
		"}\n" +
		"\n" +
		"html > body {}"
	out, err := CSS(context.Background(), make(cache.Map), noFetch(t), "file:///", css,
		Options{SilentOnFetchError: true})
	require.NoError(t, err)
	assert.Equal(t, css, out)
}

func TestCSSAttributeSelectors(t *testing.T) {
	const css = `[data-value] {
    /* Attribute exists */
}

[data-value='foo'] {
    /* Attribute has this exact value */
}

[data-value*='foo'] {
    /* Attribute value contains this value somewhere in it */
}

[data-value~='foo'] {
    /* Attribute has this value in a space-separated list somewhere */
}

[data-value^='foo'] {
    /* Attribute value starts with this */
}

[data-value|='foo'] {
    /* Attribute value starts with this in a dash-separated list */
}

[data-value$='foo'] {
    /* Attribute value ends with this */
}
`
	out, err := CSS(context.Background(), make(cache.Map), noFetch(t), "", css, Options{})
	require.NoError(t, err)
	assert.Equal(t, css, out)
}

func TestCSSImportString(t *testing.T) {
	const css = "@charset 'UTF-8';\n" +
		"\n" +
		"@import 'data:text/css,html{background-color:%23000}';\n" +
		"\n" +
		"@import url('data:text/css,html{color:%23fff}')\n"
	expected := "@charset 'UTF-8';\n" +
		"\n" +
		"@import 'data:text/css;base64," + b64("html{background-color:#000}") + "';\n" +
		"\n" +
		"@import url('data:text/css;base64," + b64("html{color:#fff}") + "')\n"
	out, err := CSS(context.Background(), make(cache.Map), noFetch(t), "https://doesntmatter.local/", css,
		Options{SilentOnFetchError: true})
	require.NoError(t, err)
	assert.Equal(t, expected, out)
}

func TestCSSHashURLs(t *testing.T) {
	const css = "body {\n" +
		"    behavior: url(#default#something);\n" +
		"}\n" +
		"\n" +
		".scissorHalf {\n" +
		"    offset-path: url(#somePath);\n" +
		"}\n" +
		"a { mask: url('#a#b'); }\n"
	for _, opts := range []Options{
		{},
		{SilentOnFetchError: true},
		{ExcludeRemoteResources: true},
		{ExcludeRemoteResources: true, SilentOnFetchError: true},
	} {
		for _, base := range []string{"", "https://doesntmatter.local/"} {
			out, err := CSS(context.Background(), make(cache.Map), noFetch(t), base, css, opts)
			require.NoError(t, err)
			assert.Equal(t, css, out, "%+v base=%q", opts, base)
		}
	}
}

func TestCSSCanonicalDataURIRequoted(t *testing.T) {
	const css = "a { background: url(data:image/png;base64,iVBORw0KGgoAAAANSUhEUgAAAAEAAAABCAQAAAC1HAwCAAAAC0lEQVR42mNkYAAAAAYAAjCB0C8AAAAASUVORK5CYII=); }"
	out, err := CSS(context.Background(), nil, noFetch(t), "", css, Options{})
	require.NoError(t, err)
	// The only change is quoting.
	assert.Equal(t, "a { background: url('data:image/png;base64,iVBORw0KGgoAAAANSUhEUgAAAAEAAAABCAQAAAC1HAwCAAAAC0lEQVR42mNkYAAAAAYAAjCB0C8AAAAASUVORK5CYII='); }", out)
}

func TestCSSFetchAndCache(t *testing.T) {
	png := []byte("\x89PNG\r\n\x1a\nfake")
	f := &fakeFetcher{entries: map[string]cache.Entry{
		"https://example.com/img/bg.png": {ContentType: "image/png", Data: png},
		"https://fonts.example.net/a.woff2": {Data: []byte("wOF2")},
	}}
	c := make(cache.Map)
	e := &Embedder{Cache: c, Fetcher: f, Log: zaptest.NewLogger(t)}
	const css = "a { background: url(../img/bg.png); }\n" +
		"b { background: url(\"/img/bg.png\"); }\n" +
		"@font-face { src: url('//fonts.example.net/a.woff2') format('woff2'); }\n"
	embeddedPNG := dataurl.Encode("image/png", png)
	expected := "a { background: url('" + embeddedPNG + "'); }\n" +
		"b { background: url('" + embeddedPNG + "'); }\n" +
		"@font-face { src: url('data:application/octet-stream;base64," + b64("wOF2") + "') format('woff2'); }\n"

	out, err := e.CSS(context.Background(), "https://example.com/css/main.css", css, Options{})
	require.NoError(t, err)
	assert.Equal(t, expected, out)
	assert.Equal(t, []string{"https://example.com/img/bg.png", "https://fonts.example.net/a.woff2"}, f.calls)
	assert.Equal(t, cache.Entry{ContentType: "image/png", Data: png}, c["https://example.com/img/bg.png"])
	assert.Equal(t, "application/octet-stream", c["https://fonts.example.net/a.woff2"].ContentType)

	// The cache outlives a call, nothing is fetched again.
	out, err = e.CSS(context.Background(), "https://example.com/css/main.css", css, Options{})
	require.NoError(t, err)
	assert.Equal(t, expected, out)
	assert.Len(t, f.calls, 2)
}

func TestCSSCacheHitWithoutFetcher(t *testing.T) {
	c := cache.Map{
		"https://example.com/a.gif": {ContentType: "image/gif", Data: []byte("GIF89a")},
	}
	out, err := CSS(context.Background(), c, nil, "https://example.com/", "a{b:url(a.gif)}", Options{})
	require.NoError(t, err)
	assert.Equal(t, "a{b:url('data:image/gif;base64,"+b64("GIF89a")+"')}", out)
}

func TestCSSQuotingNormalization(t *testing.T) {
	f := &fakeFetcher{entries: map[string]cache.Entry{
		"https://example.com/a.png": {ContentType: "image/png", Data: []byte("png")},
	}}
	expected := "x{y:url('data:image/png;base64," + b64("png") + "')}"
	for _, input := range []string{
		"x{y:url(a.png)}",
		"x{y:url('a.png')}",
		`x{y:url("a.png")}`,
	} {
		out, err := CSS(context.Background(), make(cache.Map), f, "https://example.com/", input, Options{})
		require.NoError(t, err)
		assert.Equal(t, expected, out, input)
	}
}

func TestCSSFetchError(t *testing.T) {
	const css = "a { background: url(missing.png); }"

	out, err := CSS(context.Background(), make(cache.Map), &fakeFetcher{}, "https://example.com/", css,
		Options{SilentOnFetchError: true})
	require.NoError(t, err)
	assert.Equal(t, "a { background: url('"+PlaceholderImage+"'); }", out)

	c := make(cache.Map)
	out, err = CSS(context.Background(), c, &fakeFetcher{}, "https://example.com/", css, Options{})
	assert.Equal(t, "", out)
	var fetchErr *FetchError
	require.True(t, errors.As(err, &fetchErr), "%v", err)
	assert.Equal(t, "https://example.com/missing.png", fetchErr.URL)
	assert.ErrorIs(t, err, errNotFound)
	assert.EqualError(t, err, "fetch https://example.com/missing.png: not found")
	assert.Empty(t, c, "failed fetches are not cached")
}

func TestCSSFetchErrorAbortsWholeCall(t *testing.T) {
	f := &fakeFetcher{entries: map[string]cache.Entry{
		"https://example.com/ok.png": {ContentType: "image/png", Data: []byte("ok")},
	}}
	out, err := CSS(context.Background(), make(cache.Map), f, "https://example.com/",
		"a{b:url(ok.png)} c{d:url(missing.png)} e{f:url(ok.png)}", Options{})
	assert.Error(t, err)
	assert.Equal(t, "", out)
	assert.Equal(t, []string{"https://example.com/ok.png", "https://example.com/missing.png"}, f.calls)
}

func TestCSSMalformedDataURI(t *testing.T) {
	const css = "a{b:url('data:image/png;base64,!!!!')}"
	out, err := CSS(context.Background(), nil, noFetch(t), "", css, Options{SilentOnFetchError: true})
	require.NoError(t, err)
	assert.Equal(t, "a{b:url('"+PlaceholderImage+"')}", out)

	_, err = CSS(context.Background(), nil, noFetch(t), "", css, Options{})
	var fetchErr *FetchError
	require.True(t, errors.As(err, &fetchErr), "%v", err)
	assert.ErrorIs(t, err, dataurl.ErrMalformed)

	_, err = CSS(context.Background(), nil, noFetch(t), "", "a{b:url('data:image/png')}", Options{})
	assert.ErrorIs(t, err, dataurl.ErrMalformed)
}

func TestCSSUnresolvable(t *testing.T) {
	const css = "@import 'print.css' print;\na { background: url(img/a.png); }"
	out, err := CSS(context.Background(), make(cache.Map), noFetch(t), "", css, Options{})
	require.NoError(t, err)
	assert.Equal(t, "@import 'print.css' print;\na { background: url('"+PlaceholderImage+"'); }", out)

	out, err = CSS(context.Background(), make(cache.Map), noFetch(t), "", css,
		Options{ExcludeRemoteResources: true})
	require.NoError(t, err)
	assert.Equal(t, "@import '"+PlaceholderImage+"' print;\na { background: url('"+PlaceholderImage+"'); }", out)
}

func TestCSSFragmentKept(t *testing.T) {
	f := &fakeFetcher{entries: map[string]cache.Entry{
		"https://example.com/icons.svg": {ContentType: "image/svg+xml", Data: []byte("<svg/>")},
	}}
	c := make(cache.Map)
	out, err := CSS(context.Background(), c, f, "https://example.com/", "a{b:url(icons.svg#home)}", Options{})
	require.NoError(t, err)
	assert.Equal(t, "a{b:url('data:image/svg+xml;base64,"+b64("<svg/>")+"#home')}", out)
	_, ok := c["https://example.com/icons.svg"]
	assert.True(t, ok, "cache key must not contain fragment")
}

func TestCSSImportEmbedded(t *testing.T) {
	f := &fakeFetcher{entries: map[string]cache.Entry{
		"https://example.com/css/base.css": {
			ContentType: "text/css;charset=utf-8",
			Data:        []byte("@import url(reset.css);\nbody{background:url(../img/bg.png)}"),
		},
		"https://example.com/css/reset.css": {ContentType: "text/css", Data: []byte("*{margin:0}")},
		"https://example.com/img/bg.png":    {ContentType: "image/png", Data: []byte("png")},
	}}
	c := make(cache.Map)
	out, err := CSS(context.Background(), c, f, "https://example.com/css/main.css",
		"@import \"base.css\" screen;", Options{})
	require.NoError(t, err)

	reset := "data:text/css;base64," + b64("*{margin:0}")
	bg := "data:image/png;base64," + b64("png")
	base := "@import url('" + reset + "');\nbody{background:url('" + bg + "')}"
	assert.Equal(t, "@import 'data:text/css;charset=utf-8;base64,"+b64(base)+"' screen;", out)
	assert.Equal(t, "@import url(reset.css);\nbody{background:url(../img/bg.png)}",
		string(c["https://example.com/css/base.css"].Data), "cache keeps fetched bytes")
}

func TestCSSImportCycle(t *testing.T) {
	f := &fakeFetcher{entries: map[string]cache.Entry{
		"https://example.com/a.css": {ContentType: "text/css", Data: []byte("@import 'b.css';")},
		"https://example.com/b.css": {ContentType: "text/css", Data: []byte("@import 'a.css';")},
	}}
	out, err := CSS(context.Background(), make(cache.Map), f, "https://example.com/a.css",
		"@import 'b.css';", Options{})
	require.NoError(t, err)
	// a.css is on the import stack, so b.css embeds it unmodified.
	inner := "@import 'data:text/css;base64," + b64("@import 'b.css';") + "';"
	assert.Equal(t, "@import 'data:text/css;base64,"+b64(inner)+"';", out)
}

func TestCSSImportMaxDepth(t *testing.T) {
	f := &fakeFetcher{entries: map[string]cache.Entry{
		"https://example.com/1.css": {ContentType: "text/css", Data: []byte("@import '2.css';")},
		"https://example.com/2.css": {ContentType: "text/css", Data: []byte("@import '3.css';")},
		"https://example.com/3.css": {ContentType: "text/css", Data: []byte("a{}")},
	}}
	e := &Embedder{Cache: make(cache.Map), Fetcher: f, MaxDepth: 2}
	out, err := e.CSS(context.Background(), "https://example.com/", "@import '1.css';", Options{})
	require.NoError(t, err)
	two := "@import 'data:text/css;base64," + b64("@import '3.css';") + "';"
	assert.Equal(t, "@import 'data:text/css;base64,"+b64(two)+"';", out)
	assert.Equal(t, []string{"https://example.com/1.css", "https://example.com/2.css"}, f.calls)
}

func TestCSSNestedFetchErrorPropagates(t *testing.T) {
	f := &fakeFetcher{entries: map[string]cache.Entry{
		"https://example.com/a.css": {ContentType: "text/css", Data: []byte("a{b:url(missing.png)}")},
	}}
	_, err := CSS(context.Background(), make(cache.Map), f, "https://example.com/", "@import 'a.css';", Options{})
	var fetchErr *FetchError
	require.True(t, errors.As(err, &fetchErr), "%v", err)
	assert.Equal(t, "https://example.com/missing.png", fetchErr.URL)
}

func TestCSSLockedCache(t *testing.T) {
	f := &fakeFetcher{entries: map[string]cache.Entry{
		"https://example.com/a.png": {ContentType: "image/png", Data: []byte("png")},
	}}
	c := cache.NewLocked(make(cache.Map))
	_, err := CSS(context.Background(), c, f, "https://example.com/", "a{b:url(a.png)}", Options{})
	require.NoError(t, err)
	_, err = CSS(context.Background(), c, f, "https://example.com/", "c{d:url(/a.png)}", Options{})
	require.NoError(t, err)
	assert.Len(t, f.calls, 1)
}

func TestShorten(t *testing.T) {
	assert.Equal(t, "data:,a", shorten("data:,a"))
	long := shorten("data:text/plain;base64," + b64("0123456789012345678901234567890123456789"))
	assert.Len(t, long, 51)
}

func TestCSSDataURIWithLiteralPercent(t *testing.T) {
	const css = "@import 'data:text/css,div{width:50%}';"
	for _, opts := range []Options{{}, {SilentOnFetchError: true}} {
		out, err := CSS(context.Background(), make(cache.Map), noFetch(t), "", css, opts)
		require.NoError(t, err)
		assert.Equal(t, "@import 'data:text/css;base64,"+b64("div{width:50%}")+"';", out)
	}
}

func TestCSSURLWithParentheses(t *testing.T) {
	out, err := CSS(context.Background(), make(cache.Map), noFetch(t), "https://example.com/",
		"a{b:url(img(1).png)}", Options{ExcludeRemoteResources: true})
	require.NoError(t, err)
	assert.Equal(t, "a{b:url('"+PlaceholderImage+"')}", out)

	f := &fakeFetcher{entries: map[string]cache.Entry{
		"https://example.com/img(1).png": {ContentType: "image/png", Data: []byte("png")},
	}}
	out, err = CSS(context.Background(), make(cache.Map), f, "https://example.com/",
		"a{b:url(img(1).png)} c{d:url(data:text/plain,a(b))}", Options{})
	require.NoError(t, err)
	assert.Equal(t, "a{b:url('data:image/png;base64,"+b64("png")+"')} "+
		"c{d:url('data:text/plain;base64,"+b64("a(b)")+"')}", out)
}

func TestCSSDataURIDefaultMediaType(t *testing.T) {
	out, err := CSS(context.Background(), nil, noFetch(t), "", "a{b:url('data:,hello')}", Options{})
	require.NoError(t, err)
	assert.Equal(t, "a{b:url('data:text/plain;charset=US-ASCII;base64,"+b64("hello")+"')}", out)
}

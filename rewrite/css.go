package rewrite

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"iter"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/tdewolff/parse/v2"
	"github.com/tdewolff/parse/v2/css"
)

// Span is a reference to an external resource found in a stylesheet.
type Span struct {
	// Start and End are byte offsets of the whole reference syntax, url(...) including
	// the parentheses or the quoted @import string. End is exclusive.
	Start, End int
	// PayloadStart and PayloadEnd are byte offsets of the reference text including its quotes.
	PayloadStart, PayloadEnd int
	// Raw is the reference text as written, without quotes. Escapes are not interpreted.
	Raw string
	// Quote is the quote character used, 0 for unquoted url(...).
	Quote byte
	Kind  Kind
	// Import is true if the reference is the target of an @import rule.
	Import bool
}

// Value returns Raw with CSS escapes replaced by the characters they represent.
// Raw is returned if it contains an invalid escape.
func (s Span) Value() string {
	if strings.IndexByte(s.Raw, '\\') < 0 {
		return s.Raw
	}
	value, err := cssUnescape(s.Raw)
	if err != nil {
		return s.Raw
	}
	return value
}

type scanState uint8

const (
	stateDefault scanState = iota
	// stateImportKeyword follows an @import keyword.
	stateImportKeyword
	// stateImportTarget follows @import and whitespace, a reference may follow.
	stateImportTarget
)

// Scanner yields references found in a stylesheet in order of appearance.
// Comments and strings that are not @import targets never contain references.
// Malformed syntax is skipped, the scanner never fails.
type Scanner struct {
	text   string
	lexer  *css.Lexer
	offset int
	state  scanState
}

func NewScanner(text string) *Scanner {
	return &Scanner{
		text:  text,
		lexer: css.NewLexer(parse.NewInputString(text)),
	}
}

// Next returns the next reference. ok is false once the input is exhausted.
func (sc *Scanner) Next() (span Span, ok bool) {
	for {
		start := sc.offset
		tt, text := sc.lexer.Next()
		sc.offset += len(text)
		switch tt {
		case css.ErrorToken:
			return Span{}, false
		case css.AtKeywordToken:
			if bytes.EqualFold(text, []byte("@import")) {
				sc.state = stateImportKeyword
			} else {
				sc.state = stateDefault
			}
		case css.WhitespaceToken:
			if sc.state == stateImportKeyword {
				sc.state = stateImportTarget
			}
		case css.URLToken:
			importing := sc.state != stateDefault
			sc.state = stateDefault
			if span, ok := urlSpan(start, text); ok {
				span.Import = importing
				return span, true
			}
		case css.BadURLToken:
			// The lexer gives up on unquoted urls containing parentheses or quotes,
			// e.g. url(img(1).png), at the first ')'.
			importing := sc.state != stateDefault
			sc.state = stateDefault
			if span, ok := sc.balancedURLSpan(start); ok {
				span.Import = importing
				return span, true
			}
		case css.StringToken:
			importing := sc.state != stateDefault
			sc.state = stateDefault
			if !importing {
				continue
			}
			if span, ok := importStringSpan(start, text); ok {
				span.Import = true
				return span, true
			}
		default:
			sc.state = stateDefault
		}
	}
}

// Spans returns references in text. Each iteration scans text anew.
func Spans(text string) iter.Seq[Span] {
	return func(yield func(Span) bool) {
		sc := NewScanner(text)
		for {
			span, ok := sc.Next()
			if !ok || !yield(span) {
				return
			}
		}
	}
}

// urlSpan parses url(...) token text found at offset start.
func urlSpan(start int, text []byte) (Span, bool) {
	if len(text) < 5 || !bytes.EqualFold(text[:4], []byte("url(")) || text[len(text)-1] != ')' {
		return Span{}, false
	}
	urlStartIndex := 4
	for urlStartIndex < len(text)-1 && isWhiteSpace(rune(text[urlStartIndex])) {
		urlStartIndex++
	}
	var urlEndIndex int
	span := Span{Start: start, End: start + len(text), Kind: KindURL}
	if q := text[urlStartIndex]; q == '"' || q == '\'' {
		end := closingQuote(text, urlStartIndex)
		if end < 0 {
			return Span{}, false
		}
		for i := end + 1; i < len(text)-1; i++ {
			if !isWhiteSpace(rune(text[i])) {
				// url modifiers are not supported
				return Span{}, false
			}
		}
		span.Quote = q
		span.Raw = string(text[urlStartIndex+1 : end])
		urlEndIndex = end + 1
	} else {
		urlEndIndex = len(text) - 1
		for urlEndIndex > urlStartIndex && isWhiteSpace(rune(text[urlEndIndex-1])) {
			urlEndIndex--
		}
		span.Raw = string(text[urlStartIndex:urlEndIndex])
	}
	if strings.TrimSpace(span.Raw) == "" {
		return Span{}, false
	}
	span.PayloadStart = start + urlStartIndex
	span.PayloadEnd = start + urlEndIndex
	return span, true
}

// balancedURLSpan parses an unquoted url(...) starting at offset start whose closing
// parenthesis is found by counting nested parentheses. Tokens up to the closing
// parenthesis are skipped.
func (sc *Scanner) balancedURLSpan(start int) (Span, bool) {
	end := balancedURLEnd(sc.text, start)
	if end < 0 {
		return Span{}, false
	}
	for sc.offset < end {
		tt, text := sc.lexer.Next()
		if tt == css.ErrorToken {
			break
		}
		sc.offset += len(text)
	}
	if sc.offset != end {
		// a token crossed the closing parenthesis
		return Span{}, false
	}
	return urlSpan(start, []byte(sc.text[start:end]))
}

// balancedURLEnd returns the offset just after the ')' closing the unquoted url( at
// text[start:], or -1 if there is none.
func balancedURLEnd(text string, start int) int {
	if len(text)-start < 4 || !strings.EqualFold(text[start:start+4], "url(") {
		return -1
	}
	i := start + 4
	for i < len(text) && isWhiteSpace(rune(text[i])) {
		i++
	}
	if i < len(text) && (text[i] == '"' || text[i] == '\'') {
		return -1
	}
	depth := 0
	for ; i < len(text); i++ {
		switch text[i] {
		case '\\':
			i++
		case '"', '\'':
			end := closingQuote([]byte(text[i:]), 0)
			if end < 0 {
				return -1
			}
			i += end
		case '(':
			depth++
		case ')':
			if depth == 0 {
				return i + 1
			}
			depth--
		}
	}
	return -1
}

// importStringSpan parses a quoted string token found at offset start.
func importStringSpan(start int, text []byte) (Span, bool) {
	if len(text) < 2 {
		return Span{}, false
	}
	end := closingQuote(text, 0)
	if end != len(text)-1 || end == 1 {
		// unterminated or empty
		return Span{}, false
	}
	return Span{
		Start:        start,
		End:          start + len(text),
		PayloadStart: start,
		PayloadEnd:   start + len(text),
		Raw:          string(text[1:end]),
		Quote:        text[0],
		Kind:         KindImportString,
	}, true
}

// closingQuote returns index of the quote closing the string started at text[open].
// Returns -1 if the string is not terminated.
func closingQuote(text []byte, open int) int {
	quote := text[open]
	for i := open + 1; i < len(text); i++ {
		switch text[i] {
		case '\\':
			i++
		case quote:
			return i
		}
	}
	return -1
}

// CSS copies text to w, replacing each reference by the result of rewriter.
// Only reference text and its quotes are replaced, the rest of the input is written unchanged.
func CSS(text string, w io.Writer, rewriter URLRewriter) error {
	pos := 0
	sc := NewScanner(text)
	for {
		span, ok := sc.Next()
		if !ok {
			break
		}
		newValue, err := rewriter(span)
		switch {
		case errors.Is(err, ErrNotModified):
			continue
		case err != nil:
			return err
		}
		escaped, err := cssEscapeString(newValue)
		if err != nil {
			return err
		}
		err = multiWrite(w, text[pos:span.PayloadStart], escaped)
		if err != nil {
			return err
		}
		pos = span.PayloadEnd
	}
	_, err := io.WriteString(w, text[pos:])
	return err
}

func multiWrite(w io.Writer, bufs ...string) error {
	for _, buf := range bufs {
		_, err := io.WriteString(w, buf)
		if err != nil {
			return err
		}
	}
	return nil
}

// cssEscapeString returns value as a single quoted CSS string.
func cssEscapeString(value string) (string, error) {
	// https://drafts.csswg.org/css-syntax-3/#consume-string-token
	var b strings.Builder
	b.Grow(len(value) + 2)
	b.WriteRune('\'')
	idx := 0
Loop:
	for {
		r, size := utf8.DecodeRuneInString(value[idx:])
		switch {
		case r == utf8.RuneError && size == 0:
			// Empty string.
			break Loop
		case r == utf8.RuneError && size == 1:
			// Invalid utf8 data
			return "", fmt.Errorf("css: escape string: invalid utf8 data")
		case r == '\n' || r == '\'' || r == '\\':
			// Needs escape.
			b.WriteRune('\\')
			b.WriteString(strconv.FormatInt(int64(r), 16))
			b.WriteRune(' ')
		default:
			// Copy verbatim.
			b.WriteString(value[idx : idx+size])
		}
		idx += size
	}
	b.WriteRune('\'')
	return b.String(), nil
}

// cssUnescape returns data with escapes replaced.
func cssUnescape(data string) (string, error) {
	var sb strings.Builder
	rest := []byte(data)
	for len(rest) > 0 {
		r, size := utf8.DecodeRune(rest)
		rest = rest[size:]
		switch {
		case r == utf8.RuneError && size == 1:
			return "", fmt.Errorf("css: unescape string: invalid utf8 data")
		case r == '\\':
			var err error
			rest, err = consumeEscape(rest, &sb)
			if err != nil {
				return "", err
			}
		default:
			sb.WriteRune(r)
		}
	}
	return sb.String(), nil
}

func consumeEscape(data []byte, sb *strings.Builder) ([]byte, error) {
	r, size := utf8.DecodeRune(data)
	data = data[size:]
	switch {
	case r == utf8.RuneError && size == 0:
		return data, fmt.Errorf("css: unescape string: end of data in escape")
	case r == utf8.RuneError && size == 1:
		return data, fmt.Errorf("css: unescape string: invalid utf8 data")
	case isHexDigit(r):
		var digits [6]byte
		hexNumber := digits[:]
		digits[0] = byte(r)
		for i := 0; i < 5; i++ {
			r, size = utf8.DecodeRune(data)
			if !isHexDigit(r) {
				hexNumber = digits[:i+1]
				break
			}
			data = data[size:]
			digits[i+1] = byte(r)
		}
		r, size = utf8.DecodeRune(data)
		if isWhiteSpace(r) {
			data = data[size:]
		}
		runeValue, err := strconv.ParseUint(string(hexNumber), 16, 32)
		if err != nil {
			return data, err
		}
		sb.WriteRune(rune(runeValue))
	case r == '\n':
		// consume
		return data, nil
	default:
		sb.WriteRune(r)
	}
	return data, nil
}

func isHexDigit(r rune) bool {
	return (r >= '0' && r <= '9') || (r >= 'a' && r <= 'f') || (r >= 'A' && r <= 'F')
}

func isWhiteSpace(r rune) bool {
	return r == '\n' || r == '\t' || r == ' ' || r == '\r' || r == '\f'
}

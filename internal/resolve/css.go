package resolve

import (
	"strings"

	"github.com/yuanying/epubfetch/internal/book"
)

// cssURL is one reference found in a stylesheet. start and end delimit the
// URL text itself (quotes excluded) so it can be replaced in place.
type cssURL struct {
	start, end int
	value      string
	imported   bool // @import target
	fontFace   bool // inside an @font-face block
}

// Links maps canonical URLs to package-relative paths.
type Links map[string]string

// Lookup returns the package path registered for a canonical URL.
func (l Links) Lookup(canonical string) (string, bool) {
	p, ok := l[canonical]
	return p, ok
}

// ExtractCSSReferences returns the assets a stylesheet references through
// url() and @import, in document order and without duplicates.
func ExtractCSSReferences(css, baseURL string) []book.AssetRef {
	var refs []book.AssetRef
	seen := make(map[string]bool)
	for _, u := range scanCSS(css) {
		canonical, ok := Canonicalize(baseURL, u.value)
		if !ok || seen[canonical] {
			continue
		}
		seen[canonical] = true
		refs = append(refs, book.AssetRef{URL: canonical, Kind: cssRefKind(u, canonical)})
	}
	return refs
}

// RewriteCSS replaces every resolvable url() and @import target with a path
// relative to from. It returns the rewritten stylesheet and the package
// paths it now points at. Unknown references are left untouched.
func RewriteCSS(css, baseURL, from string, links Links) (string, []string) {
	tokens := scanCSS(css)
	if len(tokens) == 0 {
		return css, nil
	}

	var b strings.Builder
	var targets []string
	last := 0
	for _, u := range tokens {
		canonical, ok := Canonicalize(baseURL, u.value)
		if !ok {
			continue
		}
		target, ok := links.Lookup(canonical)
		if !ok {
			continue
		}
		b.WriteString(css[last:u.start])
		b.WriteString(RelativePath(from, target))
		last = u.end
		targets = append(targets, target)
	}
	b.WriteString(css[last:])
	return b.String(), targets
}

func cssRefKind(u cssURL, canonical string) book.Kind {
	if u.imported {
		return book.KindStylesheet
	}
	kind := KindForURL(canonical)
	if kind == book.KindImage && u.fontFace {
		return book.KindFont
	}
	return kind
}

// scanCSS walks a stylesheet the same way the declaration scanner does:
// comments and unrelated string literals pass through, block nesting is
// tracked so that @font-face sources can be told apart from images.
func scanCSS(css string) []cssURL {
	var out []cssURL
	var blocks []string
	pendingAt := ""
	i := 0

	for i < len(css) {
		ch := css[i]

		if ch == '/' && i+1 < len(css) && css[i+1] == '*' {
			end := strings.Index(css[i+2:], "*/")
			if end == -1 {
				break
			}
			i += end + 4
			continue
		}

		switch {
		case ch == '@':
			j := i + 1
			for j < len(css) && (isIdentByte(css[j])) {
				j++
			}
			pendingAt = strings.ToLower(css[i+1 : j])
			i = j
			if pendingAt == "import" {
				k := skipCSSWhitespace(css, i)
				if k < len(css) && (css[k] == '"' || css[k] == '\'') {
					start, end, next := readCSSString(css, k)
					out = append(out, cssURL{start: start, end: end, value: css[start:end], imported: true})
					i = next
				}
			}
			continue
		case ch == '"' || ch == '\'':
			_, _, next := readCSSString(css, i)
			i = next
			continue
		case ch == '{':
			blocks = append(blocks, pendingAt)
			pendingAt = ""
		case ch == '}':
			if len(blocks) > 0 {
				blocks = blocks[:len(blocks)-1]
			}
			pendingAt = ""
		case ch == ';':
			pendingAt = ""
		case (ch == 'u' || ch == 'U') && hasURLPrefix(css, i):
			if u, next, ok := readCSSURL(css, i); ok {
				u.imported = pendingAt == "import"
				u.fontFace = len(blocks) > 0 && blocks[len(blocks)-1] == "font-face"
				out = append(out, u)
				i = next
				continue
			}
		}
		i++
	}
	return out
}

func hasURLPrefix(css string, i int) bool {
	if i+4 > len(css) || !strings.EqualFold(css[i:i+4], "url(") {
		return false
	}
	return i == 0 || !isIdentByte(css[i-1])
}

// readCSSURL parses url(...) starting at i. It returns the token and the
// offset right after the closing parenthesis.
func readCSSURL(css string, i int) (cssURL, int, bool) {
	j := skipCSSWhitespace(css, i+4)
	if j >= len(css) {
		return cssURL{}, len(css), false
	}

	var start, end int
	if css[j] == '"' || css[j] == '\'' {
		var next int
		start, end, next = readCSSString(css, j)
		j = next
	} else {
		start = j
		for j < len(css) && css[j] != ')' {
			j++
		}
		end = j
		for end > start && isCSSWhitespace(css[end-1]) {
			end--
		}
	}

	paren := strings.IndexByte(css[j:], ')')
	if paren == -1 {
		return cssURL{}, len(css), false
	}
	return cssURL{start: start, end: end, value: css[start:end]}, j + paren + 1, true
}

// readCSSString reads a quoted string starting at the quote at i. start and
// end delimit the contents; next is the offset after the closing quote.
func readCSSString(css string, i int) (start, end, next int) {
	quote := css[i]
	start = i + 1
	j := start
	for j < len(css) {
		if css[j] == '\\' {
			j += 2
			continue
		}
		if css[j] == quote {
			return start, j, j + 1
		}
		j++
	}
	return start, len(css), len(css)
}

func skipCSSWhitespace(css string, i int) int {
	for i < len(css) && isCSSWhitespace(css[i]) {
		i++
	}
	return i
}

func isCSSWhitespace(ch byte) bool {
	return ch == ' ' || ch == '\n' || ch == '\r' || ch == '\t' || ch == '\f'
}

func isIdentByte(ch byte) bool {
	return ch == '-' || ch == '_' || ch >= 'a' && ch <= 'z' || ch >= 'A' && ch <= 'Z' || ch >= '0' && ch <= '9'
}

// Package resolve discovers asset references in chapter markup and
// stylesheets, normalizes them to canonical URLs and rewrites them to
// package-relative paths.
package resolve

import (
	"crypto/sha1"
	"encoding/hex"
	"net/url"
	"path"
	"strconv"
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"

	"github.com/yuanying/epubfetch/internal/book"
)

// kindDirs maps an asset kind to its directory inside the package.
var kindDirs = map[book.Kind]string{
	book.KindImage:      "images",
	book.KindStylesheet: "styles",
	book.KindFont:       "fonts",
}

// defaultExt is appended when a URL carries no usable extension.
var defaultExt = map[book.Kind]string{
	book.KindImage:      ".img",
	book.KindStylesheet: ".css",
	book.KindFont:       ".font",
}

var fontExts = map[string]bool{".ttf": true, ".otf": true, ".woff": true, ".woff2": true, ".eot": true}

// Canonicalize resolves ref against base and returns the normalized
// absolute URL with the fragment removed. It reports false for references
// that do not point at a fetchable http(s) resource (data:, mailto:,
// fragment-only, malformed).
func Canonicalize(base, ref string) (string, bool) {
	u, ok := resolveURL(base, ref)
	if !ok {
		return "", false
	}
	u.Fragment = ""
	u.RawFragment = ""
	return u.String(), true
}

// resolveURL is Canonicalize without dropping the fragment.
func resolveURL(base, ref string) (*url.URL, bool) {
	ref = strings.TrimSpace(ref)
	if ref == "" || strings.HasPrefix(ref, "#") {
		return nil, false
	}
	r, err := url.Parse(ref)
	if err != nil {
		return nil, false
	}
	// ResolveReference also removes dot segments from absolute references.
	if b, err := url.Parse(base); err == nil && b.IsAbs() {
		r = b.ResolveReference(r)
	} else if r.IsAbs() {
		r = r.ResolveReference(r)
	} else {
		return nil, false
	}

	scheme := strings.ToLower(r.Scheme)
	if scheme != "http" && scheme != "https" {
		return nil, false
	}
	if r.Host == "" {
		return nil, false
	}
	r.Scheme = scheme
	host := strings.ToLower(r.Host)
	if (scheme == "http" && strings.HasSuffix(host, ":80")) || (scheme == "https" && strings.HasSuffix(host, ":443")) {
		host = host[:strings.LastIndex(host, ":")]
	}
	r.Host = host
	escaped := normalizeEscapes(r.EscapedPath())
	if p, err := url.PathUnescape(escaped); err == nil {
		r.Path, r.RawPath = p, escaped
	}
	r.RawQuery = normalizeEscapes(r.RawQuery)
	if r.Path == "" {
		r.Path, r.RawPath = "/", ""
	}
	r.User = nil
	return r, true
}

// normalizeEscapes decodes percent-escapes of unreserved characters and
// uppercases the hex digits of the others, so "%7e" and "~" compare equal.
func normalizeEscapes(s string) string {
	if !strings.Contains(s, "%") {
		return s
	}
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		if s[i] == '%' && i+2 < len(s) {
			if v, err := strconv.ParseUint(s[i+1:i+3], 16, 8); err == nil {
				if c := byte(v); isUnreserved(c) {
					b.WriteByte(c)
				} else {
					b.WriteByte('%')
					b.WriteString(strings.ToUpper(s[i+1 : i+3]))
				}
				i += 2
				continue
			}
		}
		b.WriteByte(s[i])
	}
	return b.String()
}

func isUnreserved(c byte) bool {
	return c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' || c >= '0' && c <= '9' ||
		c == '-' || c == '.' || c == '_' || c == '~'
}

// KindForURL guesses the kind of a CSS-discovered reference from its
// extension. Anything that is not a font or a stylesheet is an image.
func KindForURL(canonical string) book.Kind {
	ext := urlExt(canonical)
	switch {
	case fontExts[ext]:
		return book.KindFont
	case ext == ".css":
		return book.KindStylesheet
	}
	return book.KindImage
}

// LocalPath derives the package-relative path of an asset from its
// canonical URL. The same URL always yields the same path:
// <kind dir>/<ascii stem>-<8 hex of sha1(url)><ext>.
func LocalPath(canonical string, kind book.Kind) string {
	u, err := url.Parse(canonical)
	base := ""
	if err == nil {
		base = path.Base(u.Path)
	}
	if base == "/" || base == "." {
		base = ""
	}
	ext := strings.ToLower(path.Ext(base))
	stem := strings.TrimSuffix(base, path.Ext(base))
	if ext == "" || len(ext) > 6 || !isASCIIAlnum(ext[1:]) {
		ext = defaultExt[kind]
	}

	stem = FoldName(stem)
	if stem == "" {
		stem = kind.String()
	}
	if len(stem) > 48 {
		stem = strings.TrimRight(stem[:48], "-")
	}

	sum := sha1.Sum([]byte(canonical))
	return kindDirs[kind] + "/" + stem + "-" + hex.EncodeToString(sum[:4]) + ext
}

// ShortHash returns the 8 hex character digest used in paths and ids.
func ShortHash(canonical string) string {
	sum := sha1.Sum([]byte(canonical))
	return hex.EncodeToString(sum[:4])
}

// FoldName reduces s to lowercase ASCII letters, digits, '-' and '_'.
// Accents are stripped rather than dropped ("Café" -> "cafe").
func FoldName(s string) string {
	t := transform.Chain(norm.NFKD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	folded, _, err := transform.String(t, s)
	if err != nil {
		folded = s
	}

	var b strings.Builder
	dash := false
	for _, r := range strings.ToLower(folded) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '_':
			b.WriteRune(r)
			dash = false
		default:
			if !dash && b.Len() > 0 {
				b.WriteByte('-')
				dash = true
			}
		}
	}
	return strings.TrimRight(b.String(), "-")
}

// ReplaceExt swaps the extension of a package path.
func ReplaceExt(p, ext string) string {
	return strings.TrimSuffix(p, path.Ext(p)) + ext
}

// RelativePath returns the href that reaches target from a document
// located at from. Both are package-relative slash paths.
func RelativePath(from, target string) string {
	fromDir := path.Dir(from)
	if fromDir == "." {
		return target
	}
	fromParts := strings.Split(fromDir, "/")
	targetParts := strings.Split(target, "/")

	common := 0
	for common < len(fromParts) && common < len(targetParts)-1 && fromParts[common] == targetParts[common] {
		common++
	}

	var b strings.Builder
	for i := common; i < len(fromParts); i++ {
		b.WriteString("../")
	}
	b.WriteString(strings.Join(targetParts[common:], "/"))
	return b.String()
}

func urlExt(canonical string) string {
	u, err := url.Parse(canonical)
	if err != nil {
		return ""
	}
	return strings.ToLower(path.Ext(u.Path))
}

func isASCIIAlnum(s string) bool {
	for _, r := range s {
		if !(r >= 'a' && r <= 'z' || r >= '0' && r <= '9') {
			return false
		}
	}
	return s != ""
}

package resolve

import (
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/yuanying/epubfetch/internal/book"
)

// referenceAttr is an attribute that carries asset URLs on a given element.
// A srcset attribute holds a candidate list, every other attribute a
// single URL.
type referenceAttr struct {
	attr   string
	kind   book.Kind
	srcset bool
}

// referenceAttrs enumerates every reference-bearing element/attribute pair
// besides CSS (style attributes and <style> elements). <link> only counts
// when rel contains "stylesheet".
var referenceAttrs = map[string][]referenceAttr{
	"img": {
		{attr: "src", kind: book.KindImage},
		{attr: "srcset", kind: book.KindImage, srcset: true},
	},
	// <picture> candidates
	"source": {{attr: "srcset", kind: book.KindImage, srcset: true}},
	// SVG, href or xlink:href
	"image":  {{attr: "href", kind: book.KindImage}},
	"video":  {{attr: "poster", kind: book.KindImage}},
	"object": {{attr: "data", kind: book.KindImage}},
	"link":   {{attr: "href", kind: book.KindStylesheet}},
}

// urls returns the URLs an attribute value carries.
func (ra referenceAttr) urls(v string) []string {
	if !ra.srcset {
		return []string{v}
	}
	candidates := parseSrcset(v)
	out := make([]string, len(candidates))
	for i, c := range candidates {
		out[i] = c.url
	}
	return out
}

// rewrite maps every URL of an attribute value through fn and reports
// whether any of them changed.
func (ra referenceAttr) rewrite(v string, fn func(string) (string, bool)) (string, bool) {
	if !ra.srcset {
		return fn(v)
	}
	candidates := parseSrcset(v)
	changed := false
	for i := range candidates {
		if u, ok := fn(candidates[i].url); ok {
			candidates[i].url = u
			changed = true
		}
	}
	if !changed {
		return v, false
	}
	return formatSrcset(candidates), true
}

// elementAttrs returns the reference attributes that apply to s.
func elementAttrs(s *goquery.Selection) []referenceAttr {
	name := goquery.NodeName(s)
	if name == "link" && !isStylesheetLink(s) {
		return nil
	}
	return referenceAttrs[name]
}

// ExtractReferences lists the assets a chapter references, in document
// order and without duplicates. References that cannot be resolved to an
// absolute http(s) URL are skipped.
func ExtractReferences(doc *goquery.Document, baseURL string) []book.AssetRef {
	var refs []book.AssetRef
	seen := make(map[string]bool)
	add := func(ref book.AssetRef) {
		if seen[ref.URL] {
			return
		}
		seen[ref.URL] = true
		refs = append(refs, ref)
	}

	doc.Find("*").Each(func(i int, s *goquery.Selection) {
		node := s.Get(0)

		for _, ra := range elementAttrs(s) {
			v, exists := s.Attr(ra.attr)
			if !exists {
				continue
			}
			for _, raw := range ra.urls(v) {
				if canonical, ok := Canonicalize(baseURL, raw); ok {
					add(book.AssetRef{URL: canonical, Kind: ra.kind})
				}
			}
		}

		if style, exists := s.Attr("style"); exists {
			for _, ref := range ExtractCSSReferences(style, baseURL) {
				add(ref)
			}
		}
		if node.Data == "style" {
			for _, ref := range ExtractCSSReferences(s.Text(), baseURL) {
				add(ref)
			}
		}
	})
	return refs
}

// RewriteContext carries everything RewriteChapter needs to map remote
// references onto package paths.
type RewriteContext struct {
	BaseURL  string // URL the chapter was fetched from
	Path     string // package path of the chapter itself
	Assets   Links  // canonical asset URL -> package path
	Chapters Links  // canonical chapter content URL -> package path
}

// RewriteChapter rewrites asset references and inter-chapter links in place
// and returns the package paths the chapter now points at, sorted by first
// appearance. Content that carries no reference is left untouched.
func RewriteChapter(doc *goquery.Document, rc RewriteContext) []string {
	var targets []string
	seen := make(map[string]bool)
	record := func(paths ...string) {
		for _, p := range paths {
			if !seen[p] {
				seen[p] = true
				targets = append(targets, p)
			}
		}
	}

	doc.Find("*").Each(func(i int, s *goquery.Selection) {
		node := s.Get(0)

		for _, ra := range elementAttrs(s) {
			v, exists := s.Attr(ra.attr)
			if !exists {
				continue
			}
			rewritten, changed := ra.rewrite(v, func(raw string) (string, bool) {
				canonical, ok := Canonicalize(rc.BaseURL, raw)
				if !ok {
					return "", false
				}
				target, ok := rc.Assets.Lookup(canonical)
				if !ok {
					return "", false
				}
				record(target)
				return RelativePath(rc.Path, target), true
			})
			if changed {
				s.SetAttr(ra.attr, rewritten)
			}
		}

		if style, exists := s.Attr("style"); exists {
			rewritten, paths := RewriteCSS(style, rc.BaseURL, rc.Path, rc.Assets)
			if len(paths) > 0 {
				s.SetAttr("style", rewritten)
				record(paths...)
			}
		}
		if node.Data == "style" {
			rewritten, paths := RewriteCSS(s.Text(), rc.BaseURL, rc.Path, rc.Assets)
			if len(paths) > 0 {
				s.SetText(rewritten)
				record(paths...)
			}
		}

		if node.Data == "a" {
			if href, exists := s.Attr("href"); exists {
				if newHref, target, ok := rewriteLink(href, rc); ok {
					s.SetAttr("href", newHref)
					if target != "" {
						record(target)
					}
				}
			}
		}
	})
	return targets
}

// rewriteLink maps a hyperlink onto the package. Links to other chapters
// become relative package paths (fragment kept); other relative links
// become absolute remote URLs because their targets are not packaged.
func rewriteLink(href string, rc RewriteContext) (string, string, bool) {
	trimmed := strings.TrimSpace(href)
	if trimmed == "" || strings.HasPrefix(trimmed, "#") {
		return "", "", false
	}
	u, ok := resolveURL(rc.BaseURL, trimmed)
	if !ok {
		return "", "", false
	}
	fragment := u.Fragment
	u.Fragment = ""
	u.RawFragment = ""

	if target, ok := rc.Chapters.Lookup(u.String()); ok {
		out := RelativePath(rc.Path, target)
		if fragment != "" {
			out += "#" + fragment
		}
		return out, target, true
	}

	if isRelativeRef(trimmed) {
		u.Fragment = fragment
		return u.String(), "", true
	}
	return "", "", false
}

func isRelativeRef(ref string) bool {
	return !strings.Contains(strings.SplitN(ref, "/", 2)[0], ":")
}

// srcsetCandidate is one image candidate of a srcset attribute.
type srcsetCandidate struct {
	url        string
	descriptor string // "2x", "480w" or empty
}

// parseSrcset splits a srcset value into candidates. A URL runs up to the
// next whitespace, so data: URLs with commas survive; trailing commas end
// a candidate without a descriptor.
func parseSrcset(v string) []srcsetCandidate {
	const space = " \t\n\r\f"
	var out []srcsetCandidate
	for {
		v = strings.TrimLeft(v, space+",")
		if v == "" {
			return out
		}
		end := strings.IndexAny(v, space)
		if end < 0 {
			end = len(v)
		}
		c := srcsetCandidate{url: v[:end]}
		v = v[end:]
		if strings.HasSuffix(c.url, ",") {
			c.url = strings.TrimRight(c.url, ",")
		} else {
			i := strings.IndexByte(v, ',')
			if i < 0 {
				i = len(v)
			}
			c.descriptor = strings.TrimSpace(v[:i])
			v = v[i:]
		}
		if c.url != "" {
			out = append(out, c)
		}
	}
}

func formatSrcset(candidates []srcsetCandidate) string {
	parts := make([]string, len(candidates))
	for i, c := range candidates {
		parts[i] = c.url
		if c.descriptor != "" {
			parts[i] += " " + c.descriptor
		}
	}
	return strings.Join(parts, ", ")
}

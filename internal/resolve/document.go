package resolve

import (
	"bytes"
	"fmt"
	"html"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// Head describes what every packaged chapter carries in its <head>.
type Head struct {
	Title       string
	Language    string
	Stylesheets []string // absolute stylesheet URLs declared by the vendor
}

// ParseChapter parses chapter markup. The vendor serves HTML fragments as
// often as whole documents; the parser wraps both into html/head/body.
func ParseChapter(content []byte) (*goquery.Document, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(content))
	if err != nil {
		return nil, fmt.Errorf("failed to parse chapter: %w", err)
	}
	return doc, nil
}

// PrepareChapter gives a parsed chapter the head a packaged XHTML document
// needs: language, charset, title and links to the declared stylesheets.
// baseURL resolves the stylesheets already linked by the markup so the
// declared ones are not linked twice.
func PrepareChapter(doc *goquery.Document, baseURL string, head Head) {
	root := doc.Find("html").First()
	if head.Language != "" {
		root.SetAttr("lang", head.Language)
		root.SetAttr("xml:lang", head.Language)
	}

	h := doc.Find("head").First()
	h.Find("meta[charset]").Remove()
	h.Find("meta[http-equiv]").Each(func(i int, s *goquery.Selection) {
		if v, _ := s.Attr("http-equiv"); strings.EqualFold(v, "content-type") {
			s.Remove()
		}
	})

	title := h.Find("title").First()
	if title.Length() == 0 {
		h.PrependHtml("<title></title>")
		title = h.Find("title").First()
	}
	if head.Title != "" {
		title.SetText(head.Title)
	}
	h.PrependHtml(`<meta charset="utf-8"/>`)

	linked := make(map[string]bool)
	doc.Find("link[href]").Each(func(i int, s *goquery.Selection) {
		if !isStylesheetLink(s) {
			return
		}
		href, _ := s.Attr("href")
		if c, ok := Canonicalize(baseURL, href); ok {
			linked[c] = true
		}
	})
	for _, css := range head.Stylesheets {
		c, ok := Canonicalize(baseURL, css)
		if !ok || linked[c] {
			continue
		}
		linked[c] = true
		h.AppendHtml(fmt.Sprintf(`<link rel="stylesheet" type="text/css" href="%s"/>`, html.EscapeString(c)))
	}

	sanitizeAttributes(doc)
}

// sanitizeAttributes removes attributes that cannot survive XHTML
// serialization: namespace declarations (the serializer writes its own) and
// names that are not valid XML names, such as framework bindings like @click.
func sanitizeAttributes(doc *goquery.Document) {
	doc.Find("*").Each(func(i int, s *goquery.Selection) {
		node := s.Get(0)
		removed := false
		seen := make(map[string]bool, len(node.Attr))
		kept := node.Attr[:0]
		for _, attr := range node.Attr {
			key := attr.Key
			if attr.Namespace != "" {
				key = attr.Namespace + ":" + attr.Key
			}
			switch {
			case key == "xmlns" || strings.HasPrefix(key, "xmlns:"), !isXMLName(key), seen[key]:
				removed = true
			default:
				seen[key] = true
				kept = append(kept, attr)
			}
		}
		if removed {
			node.Attr = kept
		}
	})
}

func isStylesheetLink(s *goquery.Selection) bool {
	rel, _ := s.Attr("rel")
	for _, r := range strings.Fields(strings.ToLower(rel)) {
		if r == "stylesheet" {
			return true
		}
	}
	return false
}

func isXMLName(name string) bool {
	if name == "" {
		return false
	}
	for i, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r == '_', r == ':':
		case i > 0 && (r >= '0' && r <= '9' || r == '-' || r == '.'):
		default:
			return false
		}
	}
	return true
}

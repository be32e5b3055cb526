package epub

import (
	"fmt"
	"strings"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

// navPoints returns the table of contents of pkg, falling back to one entry
// per chapter when the package carries none.
func navPoints(pkg *Package) []NavPoint {
	if len(pkg.Nav) > 0 {
		return pkg.Nav
	}
	points := make([]NavPoint, 0, len(pkg.Chapters))
	for i, ch := range pkg.Chapters {
		label := strings.TrimSpace(ch.Title)
		if label == "" {
			label = fmt.Sprintf("Chapter %d", i+1)
		}
		points = append(points, NavPoint{Label: label, Href: ch.Path})
	}
	return points
}

// marshalNav builds the EPUB 3 navigation document.
func marshalNav(title, lang string, points []NavPoint) ([]byte, error) {
	root := element(atom.Html, "html")
	if lang != "" {
		root.Attr = append(root.Attr,
			html.Attribute{Key: "lang", Val: lang},
			html.Attribute{Key: "xml:lang", Val: lang})
	}

	head := element(atom.Head, "head")
	meta := element(atom.Meta, "meta")
	meta.Attr = []html.Attribute{{Key: "charset", Val: "utf-8"}}
	head.AppendChild(meta)
	t := element(atom.Title, "title")
	t.AppendChild(text(title))
	head.AppendChild(t)
	root.AppendChild(head)

	body := element(atom.Body, "body")
	nav := element(atom.Nav, "nav")
	nav.Attr = []html.Attribute{{Key: "epub:type", Val: "toc"}, {Key: "id", Val: "toc"}}
	h1 := element(atom.H1, "h1")
	h1.AppendChild(text(title))
	nav.AppendChild(h1)
	nav.AppendChild(navList(points))
	body.AppendChild(nav)
	root.AppendChild(body)

	return MarshalXHTML(root)
}

func navList(points []NavPoint) *html.Node {
	ol := element(atom.Ol, "ol")
	for _, p := range points {
		li := element(atom.Li, "li")
		a := element(atom.A, "a")
		a.Attr = []html.Attribute{{Key: "href", Val: p.Href}}
		a.AppendChild(text(p.Label))
		li.AppendChild(a)
		if len(p.Children) > 0 {
			li.AppendChild(navList(p.Children))
		}
		ol.AppendChild(li)
	}
	return ol
}

// navTargets lists every document path the navigation points at.
func navTargets(points []NavPoint) []string {
	var out []string
	for _, p := range points {
		target, _ := splitFragment(p.Href)
		out = append(out, target)
		out = append(out, navTargets(p.Children)...)
	}
	return out
}

// splitFragment splits a source path into the path and fragment identifier.
func splitFragment(src string) (path, fragment string) {
	if src == "" {
		return "", ""
	}
	parts := strings.SplitN(src, "#", 2)
	path = parts[0]
	if len(parts) == 2 {
		fragment = parts[1]
	}
	return path, fragment
}

func element(a atom.Atom, name string) *html.Node {
	return &html.Node{Type: html.ElementNode, DataAtom: a, Data: name}
}

func text(s string) *html.Node {
	return &html.Node{Type: html.TextNode, Data: s}
}

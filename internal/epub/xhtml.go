package epub

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"strings"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

const (
	nsXHTML = "http://www.w3.org/1999/xhtml"
	nsOPS   = "http://www.idpf.org/2007/ops"
	nsSVG   = "http://www.w3.org/2000/svg"
	nsMath  = "http://www.w3.org/1998/Math/MathML"
	nsXLink = "http://www.w3.org/1999/xlink"
)

var voidElements = map[string]bool{
	"area": true, "base": true, "br": true, "col": true, "embed": true, "hr": true,
	"img": true, "input": true, "link": true, "meta": true, "param": true,
	"source": true, "track": true, "wbr": true,
}

// MarshalXHTML serializes a parsed HTML document as well-formed XHTML: XML
// declaration, self-closed void elements, escaped text and the namespace
// declarations of the html, svg and math roots.
func MarshalXHTML(doc *html.Node) ([]byte, error) {
	var buf bytes.Buffer
	w := bufio.NewWriter(&buf)
	w.WriteString("<?xml version=\"1.0\" encoding=\"utf-8\"?>\n<!DOCTYPE html>\n")

	root := doc
	if root.Type == html.DocumentNode {
		root = nil
		for c := doc.FirstChild; c != nil; c = c.NextSibling {
			if c.Type == html.ElementNode {
				root = c
				break
			}
		}
	}
	if root == nil || root.Type != html.ElementNode {
		return nil, fmt.Errorf("document has no root element")
	}
	if err := writeNode(w, root, true); err != nil {
		return nil, err
	}
	w.WriteByte('\n')
	if err := w.Flush(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func writeNode(w *bufio.Writer, n *html.Node, isRoot bool) error {
	switch n.Type {
	case html.TextNode:
		writeEscaped(w, n.Data, false)
	case html.CommentNode:
		data := strings.ReplaceAll(stripInvalidXML(n.Data), "--", "- -")
		if strings.HasSuffix(data, "-") {
			data += " "
		}
		w.WriteString("<!--")
		w.WriteString(data)
		w.WriteString("-->")
	case html.ElementNode:
		return writeElement(w, n, isRoot)
	case html.DocumentNode:
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			if err := writeNode(w, c, false); err != nil {
				return err
			}
		}
	}
	return nil
}

func writeElement(w *bufio.Writer, n *html.Node, isRoot bool) error {
	name := n.Data
	if name == "" {
		return fmt.Errorf("element without a name")
	}
	w.WriteByte('<')
	w.WriteString(name)

	switch {
	case isRoot && n.DataAtom == atom.Html:
		writeAttr(w, "xmlns", nsXHTML)
		writeAttr(w, "xmlns:epub", nsOPS)
	case n.Namespace == "svg" && (n.Parent == nil || n.Parent.Namespace != "svg"):
		writeAttr(w, "xmlns", nsSVG)
		writeAttr(w, "xmlns:xlink", nsXLink)
	case n.Namespace == "math" && (n.Parent == nil || n.Parent.Namespace != "math"):
		writeAttr(w, "xmlns", nsMath)
	}

	for _, a := range n.Attr {
		key := a.Key
		if a.Namespace != "" {
			key = a.Namespace + ":" + a.Key
		}
		if key == "xmlns" || strings.HasPrefix(key, "xmlns:") {
			continue
		}
		writeAttr(w, key, a.Val)
	}

	if n.FirstChild == nil && (n.Namespace != "" || voidElements[name]) {
		w.WriteString("/>")
		return nil
	}
	w.WriteByte('>')
	if !voidElements[name] {
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			if err := writeNode(w, c, false); err != nil {
				return err
			}
		}
	}
	w.WriteString("</")
	w.WriteString(name)
	w.WriteByte('>')
	return nil
}

func writeAttr(w *bufio.Writer, key, val string) {
	w.WriteByte(' ')
	w.WriteString(key)
	w.WriteString(`="`)
	writeEscaped(w, val, true)
	w.WriteByte('"')
}

// writeEscaped writes s with the XML special characters escaped and the
// characters XML 1.0 forbids removed.
func writeEscaped(w io.StringWriter, s string, attr bool) {
	s = stripInvalidXML(s)
	last := 0
	for i := 0; i < len(s); i++ {
		var esc string
		switch s[i] {
		case '&':
			esc = "&amp;"
		case '<':
			esc = "&lt;"
		case '>':
			esc = "&gt;"
		case '"':
			if !attr {
				continue
			}
			esc = "&quot;"
		case '\n', '\r', '\t':
			if !attr {
				continue
			}
			esc = fmt.Sprintf("&#%d;", s[i])
		default:
			continue
		}
		w.WriteString(s[last:i])
		w.WriteString(esc)
		last = i + 1
	}
	w.WriteString(s[last:])
}

func stripInvalidXML(s string) string {
	valid := func(r rune) bool {
		return r == '\t' || r == '\n' || r == '\r' ||
			(r >= 0x20 && r <= 0xD7FF) || (r >= 0xE000 && r <= 0xFFFD) || (r >= 0x10000 && r <= 0x10FFFF)
	}
	clean := true
	for _, r := range s {
		if !valid(r) {
			clean = false
			break
		}
	}
	if clean {
		return s
	}
	return strings.Map(func(r rune) rune {
		if valid(r) {
			return r
		}
		return -1
	}, s)
}

// Package book holds the data model shared by the retrieval pipeline:
// the resolved book structure, its chapters and the assets they reference.
package book

import "strings"

// Kind classifies an asset by how it is referenced and packaged.
type Kind int

const (
	KindImage Kind = iota
	KindStylesheet
	KindFont
)

func (k Kind) String() string {
	switch k {
	case KindImage:
		return "image"
	case KindStylesheet:
		return "stylesheet"
	case KindFont:
		return "font"
	}
	return "unknown"
}

// Book is the resolved structure of a vendor book. Chapters are in reading
// order exactly as the vendor's chapter list returned them.
type Book struct {
	ID          string
	Title       string
	Identifier  string // ISBN or other vendor identifier; may be empty
	Language    string
	Creators    []string
	Publisher   string
	Date        string
	Modified    string // RFC 3339 timestamp of the last vendor update; may be empty
	Description string
	CoverURL    string
	SourceURL   string // book info endpoint, used to derive a stable identifier
	Chapters    []*Chapter
	TOC         []TOCEntry
}

// Chapter is one content unit of the book. Shells are produced by the
// resolver; Content and Refs are filled in once by the content stage, XHTML
// and Links by the link step after every asset is final.
type Chapter struct {
	Index       int    // position in Book.Chapters
	ID          string // manifest id, e.g. "ch001"
	Title       string
	ContentURL  string // canonical URL the chapter body is fetched from
	Path        string // package-relative path, e.g. "text/ch01.xhtml"
	Stylesheets []string
	Content     []byte
	Refs        []AssetRef
	XHTML       []byte   // serialized, rewritten document
	Links       []string // package paths XHTML points at
}

// TOCEntry is one node of the navigation tree.
type TOCEntry struct {
	Label    string
	URL      string // canonical URL of the target chapter, fragment included
	Children []TOCEntry
}

// AssetRef is a reference to a remote asset discovered in a chapter or a
// stylesheet. URL is canonical (absolute, fragment stripped).
type AssetRef struct {
	URL  string
	Kind Kind
}

// Asset is a fetched (and possibly transcoded) resource. Assets are shared
// between every chapter or stylesheet that references the same canonical URL.
type Asset struct {
	ID        string
	URL       string
	Kind      Kind
	Path      string // package-relative path of the packaged representation
	MediaType string
	Data      []byte // raw bytes as fetched
	Packaged  []byte // bytes written to the archive; transcoded fonts differ from Data
	Refs      []AssetRef
	Cover     bool
}

// Bytes returns the representation that goes into the archive.
func (a *Asset) Bytes() []byte {
	if a.Packaged != nil {
		return a.Packaged
	}
	return a.Data
}

// MediaTypeForPath guesses a media type from a file extension. Unknown
// extensions fall back by kind.
func MediaTypeForPath(p string, kind Kind) string {
	ext := strings.ToLower(p)
	if i := strings.LastIndex(ext, "."); i >= 0 {
		ext = ext[i:]
	} else {
		ext = ""
	}
	switch ext {
	case ".jpg", ".jpeg":
		return "image/jpeg"
	case ".png":
		return "image/png"
	case ".gif":
		return "image/gif"
	case ".svg":
		return "image/svg+xml"
	case ".webp":
		return "image/webp"
	case ".css":
		return "text/css"
	case ".ttf":
		return "font/ttf"
	case ".otf":
		return "font/otf"
	case ".woff":
		return "font/woff"
	case ".woff2":
		return "font/woff2"
	case ".xhtml", ".html", ".htm":
		return "application/xhtml+xml"
	}
	switch kind {
	case KindStylesheet:
		return "text/css"
	case KindFont:
		return "application/octet-stream"
	}
	return "application/octet-stream"
}

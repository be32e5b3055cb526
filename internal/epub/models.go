package epub

import "time"

// Layout constants of the produced container.
const (
	MimeType      = "application/epub+zip"
	ContentDir    = "EPUB"
	PackagePath   = ContentDir + "/package.opf"
	ContainerPath = "META-INF/container.xml"
	NavPath       = "nav.xhtml" // relative to ContentDir
	NavID         = "nav"

	MediaTypeXHTML = "application/xhtml+xml"
	MediaTypeOPF   = "application/oebps-package+xml"
)

// Package is everything the assembler needs to write a book. Paths are
// relative to ContentDir.
type Package struct {
	Metadata  Metadata
	Chapters  []Chapter  // spine order
	Resources []Resource // images, stylesheets and fonts
	Nav       []NavPoint // table of contents; derived from chapters when empty
}

// Metadata is the OPF metadata of a produced book.
type Metadata struct {
	Title       string
	Creators    []string
	Language    string
	Identifier  string // full identifier value, e.g. "urn:isbn:..." or "urn:uuid:..."
	Publisher   string
	Date        string
	Description string
	Modified    time.Time // dcterms:modified and archive entry timestamps
}

// Chapter is one spine document.
type Chapter struct {
	ID    string
	Path  string
	Title string
	Data  []byte   // serialized XHTML
	Links []string // package paths the document references
}

// Resource is a non-spine manifest item.
type Resource struct {
	ID         string
	Path       string
	MediaType  string
	Data       []byte
	Properties []string // e.g. "cover-image"
	Links      []string // package paths a stylesheet references
}

// OPF represents the parsed Open Package Format document
type OPF struct {
	Version  string
	Metadata ParsedMetadata
	Manifest map[string]ManifestItem // id -> item
	Spine    []SpineItem
}

// ParsedMetadata represents the metadata section of a parsed OPF
type ParsedMetadata struct {
	Title      string
	Creators   []string
	Language   string
	Identifier string
	Modified   string
	CoverID    string // EPUB 2.0 cover image manifest item ID (from meta name="cover")
}

// ManifestItem represents an item in the manifest
type ManifestItem struct {
	ID         string
	Href       string
	MediaType  string
	Properties []string
}

// SpineItem represents an item reference in the spine
type SpineItem struct {
	IDRef  string
	Linear bool
}

// NavPoint is a single entry of the navigation document.
type NavPoint struct {
	Label    string
	Href     string // relative to the navigation document, fragment included
	Children []NavPoint
}

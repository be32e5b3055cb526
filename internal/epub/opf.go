package epub

import (
	"bytes"
	"encoding/xml"
	"fmt"
	"path"
	"strings"
	"time"

	"github.com/google/uuid"
)

const uniqueIDAttr = "pub-id"

// opfPackage represents the OPF XML structure as it is read back
type opfPackage struct {
	XMLName  xml.Name    `xml:"package"`
	Version  string      `xml:"version,attr"`
	UniqueID string      `xml:"unique-identifier,attr"`
	Metadata opfMetadata `xml:"metadata"`
	Manifest opfManifest `xml:"manifest"`
	Spine    opfSpine    `xml:"spine"`
}

// opfMetadata represents the metadata section
type opfMetadata struct {
	Title      []string        `xml:"http://purl.org/dc/elements/1.1/ title"`
	Creator    []string        `xml:"http://purl.org/dc/elements/1.1/ creator"`
	Language   []string        `xml:"http://purl.org/dc/elements/1.1/ language"`
	Identifier []opfIdentifier `xml:"http://purl.org/dc/elements/1.1/ identifier"`
	Meta       []opfMeta       `xml:"meta"`
}

// opfIdentifier represents an identifier element
type opfIdentifier struct {
	Value string `xml:",chardata"`
	ID    string `xml:"id,attr"`
}

// opfMeta represents a meta element (EPUB 2.0 and 3.0)
type opfMeta struct {
	Name     string `xml:"name,attr"`
	Content  string `xml:"content,attr"` // EPUB 2.0: attribute value
	Value    string `xml:",chardata"`    // EPUB 3.0: element text content
	Property string `xml:"property,attr"`
}

// opfManifest represents the manifest section
type opfManifest struct {
	Items []opfManifestItem `xml:"item"`
}

// opfManifestItem represents an item in the manifest
type opfManifestItem struct {
	ID         string `xml:"id,attr"`
	Href       string `xml:"href,attr"`
	MediaType  string `xml:"media-type,attr"`
	Properties string `xml:"properties,attr,omitempty"`
}

// opfSpine represents the spine section
type opfSpine struct {
	ItemRefs []opfItemRef `xml:"itemref"`
}

// opfItemRef represents an itemref in the spine
type opfItemRef struct {
	IDRef  string `xml:"idref,attr"`
	Linear string `xml:"linear,attr,omitempty"`
}

// The writer spells out prefixed names; encoding/xml would otherwise
// redeclare the namespace on every element.
type opfOutPackage struct {
	XMLName  xml.Name       `xml:"package"`
	Xmlns    string         `xml:"xmlns,attr"`
	Version  string         `xml:"version,attr"`
	UniqueID string         `xml:"unique-identifier,attr"`
	Lang     string         `xml:"xml:lang,attr,omitempty"`
	Metadata opfOutMetadata `xml:"metadata"`
	Manifest opfManifest    `xml:"manifest"`
	Spine    opfSpine       `xml:"spine"`
}

type opfOutMetadata struct {
	XmlnsDC     string        `xml:"xmlns:dc,attr"`
	Identifier  opfIdentifier `xml:"dc:identifier"`
	Title       string        `xml:"dc:title"`
	Language    string        `xml:"dc:language"`
	Creators    []string      `xml:"dc:creator"`
	Publisher   string        `xml:"dc:publisher,omitempty"`
	Date        string        `xml:"dc:date,omitempty"`
	Description string        `xml:"dc:description,omitempty"`
	Meta        []opfOutMeta  `xml:"meta"`
}

type opfOutMeta struct {
	Property string `xml:"property,attr"`
	Value    string `xml:",chardata"`
}

// BookIdentifier returns the dc:identifier for a book: a urn:isbn when the
// vendor supplied an ISBN, otherwise a urn:uuid derived from source so the
// same book always gets the same identifier.
func BookIdentifier(isbn, source string) string {
	isbn = strings.TrimSpace(isbn)
	if isbn != "" {
		if strings.Contains(isbn, ":") {
			return isbn
		}
		return "urn:isbn:" + isbn
	}
	return "urn:uuid:" + uuid.NewSHA1(uuid.NameSpaceURL, []byte(source)).String()
}

// marshalOPF writes the EPUB 3.0 package document for pkg. Manifest order:
// nav, chapters in spine order, resources sorted by path.
func marshalOPF(pkg *Package) ([]byte, error) {
	md := pkg.Metadata
	modified := md.Modified
	if modified.IsZero() {
		modified = time.Unix(0, 0)
	}

	out := opfOutPackage{
		Xmlns:    "http://www.idpf.org/2007/opf",
		Version:  "3.0",
		UniqueID: uniqueIDAttr,
		Lang:     md.Language,
		Metadata: opfOutMetadata{
			XmlnsDC:     "http://purl.org/dc/elements/1.1/",
			Identifier:  opfIdentifier{ID: uniqueIDAttr, Value: md.Identifier},
			Title:       md.Title,
			Language:    md.Language,
			Creators:    md.Creators,
			Publisher:   md.Publisher,
			Date:        md.Date,
			Description: md.Description,
			Meta: []opfOutMeta{
				{Property: "dcterms:modified", Value: modified.UTC().Format("2006-01-02T15:04:05Z")},
			},
		},
	}

	out.Manifest.Items = append(out.Manifest.Items, opfManifestItem{
		ID: NavID, Href: NavPath, MediaType: MediaTypeXHTML, Properties: "nav",
	})
	for _, ch := range pkg.Chapters {
		out.Manifest.Items = append(out.Manifest.Items, opfManifestItem{
			ID: ch.ID, Href: ch.Path, MediaType: MediaTypeXHTML, Properties: chapterProperties(ch),
		})
		out.Spine.ItemRefs = append(out.Spine.ItemRefs, opfItemRef{IDRef: ch.ID})
	}
	for _, r := range sortedResources(pkg.Resources) {
		out.Manifest.Items = append(out.Manifest.Items, opfManifestItem{
			ID: r.ID, Href: r.Path, MediaType: r.MediaType, Properties: strings.Join(r.Properties, " "),
		})
	}

	var buf bytes.Buffer
	buf.WriteString(xml.Header)
	enc := xml.NewEncoder(&buf)
	enc.Indent("", "  ")
	if err := enc.Encode(out); err != nil {
		return nil, fmt.Errorf("failed to encode package document: %w", err)
	}
	buf.WriteByte('\n')
	return buf.Bytes(), nil
}

// chapterProperties flags chapters that embed SVG, which EPUB 3 requires
// to be declared in the manifest.
func chapterProperties(ch Chapter) string {
	if bytes.Contains(ch.Data, []byte("<svg")) {
		return "svg"
	}
	return ""
}

// ParseOPF parses an OPF file content and returns the OPF structure.
// opfDir is the directory containing the OPF file (e.g., "EPUB/"); hrefs are
// returned relative to the archive root.
func ParseOPF(content []byte, opfDir string) (*OPF, error) {
	var pkg opfPackage
	if err := xml.Unmarshal(content, &pkg); err != nil {
		return nil, fmt.Errorf("failed to parse OPF XML: %w", err)
	}

	opf := &OPF{
		Version:  pkg.Version,
		Manifest: make(map[string]ManifestItem),
	}
	opf.Metadata = parseMetadata(&pkg.Metadata, pkg.UniqueID)

	for _, item := range pkg.Manifest.Items {
		manifestItem := ManifestItem{
			ID:        item.ID,
			Href:      joinPath(opfDir, item.Href),
			MediaType: item.MediaType,
		}
		if item.Properties != "" {
			manifestItem.Properties = strings.Fields(item.Properties)
		}
		opf.Manifest[item.ID] = manifestItem
	}

	for _, itemRef := range pkg.Spine.ItemRefs {
		opf.Spine = append(opf.Spine, SpineItem{
			IDRef:  itemRef.IDRef,
			Linear: itemRef.Linear != "no",
		})
	}
	return opf, nil
}

// parseMetadata parses the metadata section
func parseMetadata(meta *opfMetadata, uniqueID string) ParsedMetadata {
	md := ParsedMetadata{Creators: meta.Creator}
	if len(meta.Title) > 0 {
		md.Title = meta.Title[0]
	}
	if len(meta.Language) > 0 {
		md.Language = meta.Language[0]
	}

	// Identifier (find the one marked as unique-identifier)
	for _, id := range meta.Identifier {
		if id.ID == uniqueID {
			md.Identifier = id.Value
			break
		}
	}
	if md.Identifier == "" && len(meta.Identifier) > 0 {
		md.Identifier = meta.Identifier[0].Value
	}

	for _, m := range meta.Meta {
		switch {
		case m.Property == "dcterms:modified":
			md.Modified = strings.TrimSpace(m.Value)
		case m.Name == "cover" && m.Content != "":
			md.CoverID = m.Content
		}
	}
	return md
}

// joinPath joins OPF directory with a relative path
func joinPath(base, rel string) string {
	if base == "" || base == "." {
		return rel
	}
	return path.Join(base, rel)
}

// FindCoverImage finds the cover image in the manifest
func (opf *OPF) FindCoverImage() (string, bool) {
	// Method 1: EPUB 3.0 - check for cover-image property
	for _, item := range opf.Manifest {
		for _, prop := range item.Properties {
			if prop == "cover-image" {
				return item.Href, true
			}
		}
	}

	// Method 2: EPUB 2.0 - check for meta name="cover"
	if opf.Metadata.CoverID != "" {
		if item, ok := opf.Manifest[opf.Metadata.CoverID]; ok {
			return item.Href, true
		}
	}
	return "", false
}

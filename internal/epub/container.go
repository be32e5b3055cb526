package epub

import (
	"bytes"
	"encoding/xml"
	"fmt"
)

// container.xml structure. Reading ignores the namespace so that
// containers written without one still open.
type container struct {
	Rootfiles struct {
		Rootfile []rootfile `xml:"rootfile"`
	} `xml:"rootfiles"`
}

type containerOut struct {
	XMLName   xml.Name `xml:"urn:oasis:names:tc:opendocument:xmlns:container container"`
	Version   string   `xml:"version,attr"`
	Rootfiles struct {
		Rootfile []rootfile `xml:"rootfile"`
	} `xml:"rootfiles"`
}

type rootfile struct {
	FullPath  string `xml:"full-path,attr"`
	MediaType string `xml:"media-type,attr"`
}

// marshalContainer writes META-INF/container.xml pointing at the package
// document.
func marshalContainer() ([]byte, error) {
	var c containerOut
	c.Version = "1.0"
	c.Rootfiles.Rootfile = []rootfile{{FullPath: PackagePath, MediaType: MediaTypeOPF}}

	var buf bytes.Buffer
	buf.WriteString(xml.Header)
	enc := xml.NewEncoder(&buf)
	enc.Indent("", "  ")
	if err := enc.Encode(c); err != nil {
		return nil, fmt.Errorf("failed to encode container.xml: %w", err)
	}
	buf.WriteByte('\n')
	return buf.Bytes(), nil
}

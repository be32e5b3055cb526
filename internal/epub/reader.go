package epub

import (
	"archive/zip"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"sort"
	"strings"
)

// Reader provides access to the contents of a produced EPUB archive
type Reader struct {
	zipReader *zip.Reader
	closer    io.Closer
	files     map[string]*zip.File
	opfPath   string
}

var (
	ErrInvalidMimetype    = errors.New("invalid mimetype: must be 'application/epub+zip'")
	ErrMimetypeCompressed = errors.New("mimetype must not be compressed")
	ErrMimetypeNotFirst   = errors.New("mimetype must be the first archive entry")
	ErrMimetypeNotFound   = errors.New("mimetype file not found")
	ErrContainerNotFound  = errors.New("META-INF/container.xml not found")
	ErrOPFPathNotFound    = errors.New("OPF path not found in container.xml")
)

// Open opens an EPUB file and validates its container structure
func Open(name string) (*Reader, error) {
	f, err := os.Open(name)
	if err != nil {
		return nil, fmt.Errorf("failed to open EPUB: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to stat EPUB: %w", err)
	}
	r, err := NewReader(f, info.Size())
	if err != nil {
		f.Close()
		return nil, err
	}
	r.closer = f
	return r, nil
}

// NewReader reads an EPUB archive from r and validates its container
// structure: mimetype first and stored, container.xml naming a package
// document.
func NewReader(r io.ReaderAt, size int64) (*Reader, error) {
	zr, err := zip.NewReader(r, size)
	if err != nil {
		return nil, fmt.Errorf("failed to open EPUB: %w", err)
	}

	reader := &Reader{
		zipReader: zr,
		files:     make(map[string]*zip.File),
	}
	for _, f := range zr.File {
		reader.files[normalizePath(f.Name)] = f
	}

	if err := reader.validateMimetype(); err != nil {
		return nil, err
	}
	if err := reader.parseContainer(); err != nil {
		return nil, err
	}
	return reader, nil
}

// Close releases the underlying file when the reader was created by Open
func (r *Reader) Close() error {
	if r.closer == nil {
		return nil
	}
	return r.closer.Close()
}

// OPFPath returns the path to the OPF file
func (r *Reader) OPFPath() string {
	return r.opfPath
}

// Names returns the archive entry names in archive order
func (r *Reader) Names() []string {
	names := make([]string, 0, len(r.zipReader.File))
	for _, f := range r.zipReader.File {
		names = append(names, f.Name)
	}
	return names
}

// ReadFile reads the contents of a file from the EPUB
func (r *Reader) ReadFile(name string) ([]byte, error) {
	name = normalizePath(name)
	f, ok := r.files[name]
	if !ok {
		return nil, fmt.Errorf("file not found: %s", name)
	}

	rc, err := f.Open()
	if err != nil {
		return nil, fmt.Errorf("failed to open file %s: %w", name, err)
	}
	defer rc.Close()

	return io.ReadAll(rc)
}

// Package parses the package document the container points at
func (r *Reader) Package() (*OPF, error) {
	content, err := r.ReadFile(r.opfPath)
	if err != nil {
		return nil, err
	}
	return ParseOPF(content, path.Dir(r.opfPath))
}

// Verify checks the cross references of the package: every manifest item
// exists in the archive, every spine entry resolves to a manifest item,
// exactly one item is the navigation document and the documents only link
// to files present in the archive. It returns the parsed package and an
// *AssemblyError listing every problem found.
func (r *Reader) Verify() (*OPF, error) {
	opf, err := r.Package()
	if err != nil {
		return nil, err
	}

	var problems []string
	navs := 0
	for id, item := range opf.Manifest {
		if _, ok := r.files[item.Href]; !ok {
			problems = append(problems, fmt.Sprintf("manifest item %q (%s) is missing from the archive", id, item.Href))
		}
		for _, prop := range item.Properties {
			if prop == "nav" {
				navs++
			}
		}
	}
	if opf.Version >= "3.0" && navs != 1 {
		problems = append(problems, fmt.Sprintf("%d navigation documents in manifest, want 1", navs))
	}
	if len(opf.Spine) == 0 {
		problems = append(problems, "spine is empty")
	}
	for _, item := range opf.Spine {
		if _, ok := opf.Manifest[item.IDRef]; !ok {
			problems = append(problems, fmt.Sprintf("spine item %q is not in the manifest", item.IDRef))
		}
	}

	for _, item := range opf.Manifest {
		if item.MediaType != MediaTypeXHTML {
			continue
		}
		content, err := r.ReadFile(item.Href)
		if err != nil {
			continue
		}
		refs, err := contentRefs(item.Href, content)
		if err != nil {
			problems = append(problems, fmt.Sprintf("%s: %v", item.Href, err))
			continue
		}
		for _, ref := range refs {
			if _, ok := r.files[ref]; !ok {
				problems = append(problems, fmt.Sprintf("%s references missing file %s", item.Href, ref))
			}
		}
	}

	if len(problems) > 0 {
		sort.Strings(problems)
		return opf, &AssemblyError{Problems: problems}
	}
	return opf, nil
}

// validateMimetype checks that the mimetype file exists, comes first and
// is valid
func (r *Reader) validateMimetype() error {
	f, ok := r.files["mimetype"]
	if !ok {
		return ErrMimetypeNotFound
	}
	if r.zipReader.File[0] != f {
		return ErrMimetypeNotFirst
	}
	if f.Method != zip.Store {
		return ErrMimetypeCompressed
	}

	content, err := r.ReadFile("mimetype")
	if err != nil {
		return fmt.Errorf("failed to read mimetype: %w", err)
	}
	if string(content) != MimeType {
		return ErrInvalidMimetype
	}
	return nil
}

// parseContainer parses container.xml to extract OPF path
func (r *Reader) parseContainer() error {
	content, err := r.ReadFile(ContainerPath)
	if err != nil {
		return ErrContainerNotFound
	}

	var c container
	if err := xml.Unmarshal(content, &c); err != nil {
		return fmt.Errorf("failed to parse container.xml: %w", err)
	}

	for _, rf := range c.Rootfiles.Rootfile {
		if rf.MediaType == MediaTypeOPF || rf.MediaType == "" {
			r.opfPath = normalizePath(rf.FullPath)
			return nil
		}
	}

	// If no media-type match, use the first one
	if len(c.Rootfiles.Rootfile) > 0 {
		r.opfPath = normalizePath(c.Rootfiles.Rootfile[0].FullPath)
		return nil
	}
	return ErrOPFPathNotFound
}

// normalizePath normalizes file paths (removes ./ prefix)
func normalizePath(name string) string {
	return strings.TrimPrefix(name, "./")
}

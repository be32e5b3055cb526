package epub

import (
	"archive/zip"
	"bytes"
	"fmt"
	"hash/crc32"
	"path"
	"sort"
	"strings"
	"time"
)

// AssemblyError lists every inconsistency between the manifest, the spine
// and the staged files. It is never expected for a correctly resolved book.
type AssemblyError struct {
	Problems []string
}

func (e *AssemblyError) Error() string {
	if len(e.Problems) == 1 {
		return "assembly: " + e.Problems[0]
	}
	return fmt.Sprintf("assembly: %d problems: %s", len(e.Problems), strings.Join(e.Problems, "; "))
}

// stagedFile is one archive entry below ContentDir.
type stagedFile struct {
	path string
	data []byte
}

// Assemble validates pkg and returns the archive bytes. Entries are written
// in a fixed order: mimetype (stored), container.xml, package.opf, nav,
// chapters in spine order, resources sorted by path.
func Assemble(pkg *Package) ([]byte, error) {
	nav, err := marshalNav(pkg.Metadata.Title, pkg.Metadata.Language, navPoints(pkg))
	if err != nil {
		return nil, fmt.Errorf("failed to build navigation document: %w", err)
	}
	files := stage(pkg, nav)
	if err := check(pkg, files); err != nil {
		return nil, err
	}

	opf, err := marshalOPF(pkg)
	if err != nil {
		return nil, err
	}
	containerXML, err := marshalContainer()
	if err != nil {
		return nil, err
	}

	modified := pkg.Metadata.Modified
	if modified.IsZero() {
		modified = time.Date(1980, 1, 1, 0, 0, 0, 0, time.UTC)
	}

	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	if err := writeMimetype(zw); err != nil {
		return nil, err
	}
	entries := []stagedFile{
		{path: ContainerPath, data: containerXML},
		{path: PackagePath, data: opf},
	}
	for _, f := range files {
		entries = append(entries, stagedFile{path: ContentDir + "/" + f.path, data: f.data})
	}
	for _, e := range entries {
		w, err := zw.CreateHeader(&zip.FileHeader{
			Name:     e.path,
			Method:   zip.Deflate,
			Modified: modified.UTC(),
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create %s: %w", e.path, err)
		}
		if _, err := w.Write(e.data); err != nil {
			return nil, fmt.Errorf("failed to write %s: %w", e.path, err)
		}
	}
	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("failed to finish archive: %w", err)
	}
	return buf.Bytes(), nil
}

// writeMimetype writes the first entry uncompressed, without a data
// descriptor or extra field.
func writeMimetype(zw *zip.Writer) error {
	data := []byte(MimeType)
	w, err := zw.CreateRaw(&zip.FileHeader{
		Name:               "mimetype",
		Method:             zip.Store,
		CRC32:              crc32.ChecksumIEEE(data),
		CompressedSize64:   uint64(len(data)),
		UncompressedSize64: uint64(len(data)),
	})
	if err != nil {
		return fmt.Errorf("failed to create mimetype: %w", err)
	}
	if _, err := w.Write(data); err != nil {
		return fmt.Errorf("failed to write mimetype: %w", err)
	}
	return nil
}

// stage lists the files that go below ContentDir in archive order.
func stage(pkg *Package, nav []byte) []stagedFile {
	files := []stagedFile{{path: NavPath, data: nav}}
	for _, ch := range pkg.Chapters {
		files = append(files, stagedFile{path: ch.Path, data: ch.Data})
	}
	for _, r := range sortedResources(pkg.Resources) {
		files = append(files, stagedFile{path: r.Path, data: r.Data})
	}
	return files
}

// check enforces the package invariants: every manifest path is staged,
// every staged file is in the manifest, ids and paths are unique, every
// spine entry resolves and every recorded chapter or stylesheet link and
// nav entry points at a manifest item.
func check(pkg *Package, files []stagedFile) error {
	var problems []string
	addf := func(format string, args ...any) {
		problems = append(problems, fmt.Sprintf(format, args...))
	}

	if len(pkg.Chapters) == 0 {
		addf("spine is empty")
	}

	manifest := map[string]string{NavPath: NavID} // path -> id
	ids := map[string]string{NavID: NavPath}      // id -> path
	register := func(id, p, mediaType string) {
		switch {
		case id == "":
			addf("manifest item %s has no id", p)
		case ids[id] != "":
			addf("duplicate manifest id %q (%s, %s)", id, ids[id], p)
		}
		switch {
		case !validPackagePath(p):
			addf("invalid package path %q", p)
		case manifest[p] != "":
			addf("duplicate manifest path %s", p)
		}
		if mediaType == "" {
			addf("manifest item %s has no media type", p)
		}
		ids[id] = p
		manifest[p] = id
	}
	for _, ch := range pkg.Chapters {
		register(ch.ID, ch.Path, MediaTypeXHTML)
	}
	covers := 0
	for _, r := range pkg.Resources {
		register(r.ID, r.Path, r.MediaType)
		for _, prop := range r.Properties {
			if prop == "cover-image" {
				covers++
			}
		}
	}
	if covers > 1 {
		addf("%d items flagged cover-image", covers)
	}

	staged := make(map[string]bool, len(files))
	for _, f := range files {
		if staged[f.path] {
			continue
		}
		staged[f.path] = true
		if f.data == nil {
			addf("%s is staged without content", f.path)
		}
		if _, ok := manifest[f.path]; !ok {
			addf("staged file %s is not in the manifest", f.path)
		}
	}
	for p := range manifest {
		if !staged[p] {
			addf("manifest item %s is not staged", p)
		}
	}

	for _, ch := range pkg.Chapters {
		if ids[ch.ID] != ch.Path {
			addf("spine item %q does not resolve to %s", ch.ID, ch.Path)
		}
		for _, link := range ch.Links {
			if _, ok := manifest[link]; !ok {
				addf("%s links to %s, which is not in the manifest", ch.Path, link)
			}
		}
	}
	for _, r := range pkg.Resources {
		for _, link := range r.Links {
			if _, ok := manifest[link]; !ok {
				addf("%s links to %s, which is not in the manifest", r.Path, link)
			}
		}
	}
	chapterPaths := make(map[string]bool, len(pkg.Chapters))
	for _, ch := range pkg.Chapters {
		chapterPaths[ch.Path] = true
	}
	for _, target := range navTargets(navPoints(pkg)) {
		if !chapterPaths[path.Clean(target)] {
			addf("navigation entry points at %s, which is not a chapter", target)
		}
	}

	if len(problems) > 0 {
		sort.Strings(problems)
		return &AssemblyError{Problems: problems}
	}
	return nil
}

// validPackagePath accepts clean, relative slash paths that stay inside
// ContentDir and do not collide with the reserved entries.
func validPackagePath(p string) bool {
	if p == "" || p == NavPath || strings.HasPrefix(p, "/") || strings.Contains(p, "\\") {
		return false
	}
	if path.Clean(p) != p || p == ".." || strings.HasPrefix(p, "../") {
		return false
	}
	return path.Base(p) != "package.opf"
}

func sortedResources(resources []Resource) []Resource {
	out := make([]Resource, len(resources))
	copy(out, resources)
	sort.SliceStable(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out
}

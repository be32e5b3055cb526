package epub

import (
	"bytes"
	"fmt"
	"net/url"
	"path"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// contentRefs lists the archive paths an XHTML content file references
// through stylesheet links, images (src, srcset, SVG href, poster),
// embedded objects and hyperlinks. External URLs and fragment-only links
// are skipped.
// name: archive path of the content file (used for relative path resolution)
func contentRefs(name string, content []byte) ([]string, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(content))
	if err != nil {
		return nil, fmt.Errorf("failed to parse XHTML: %w", err)
	}

	baseDir := path.Dir(name)
	var refs []string
	add := func(v string) {
		if resolved, ok := resolvePath(baseDir, v); ok {
			refs = append(refs, resolved)
		}
	}
	collect := func(selector, attr string) {
		doc.Find(selector).Each(func(i int, s *goquery.Selection) {
			if v, exists := s.Attr(attr); exists {
				if attr == "srcset" {
					for _, u := range srcsetURLs(v) {
						add(u)
					}
					return
				}
				add(v)
			}
		})
	}
	collect("link[rel='stylesheet']", "href")
	collect("img", "src")
	collect("img", "srcset")
	collect("source", "srcset")
	collect("image", "href")
	collect("video", "poster")
	collect("object", "data")
	collect("a", "href")
	return refs, nil
}

// srcsetURLs returns the URL of every candidate in a srcset value.
func srcsetURLs(v string) []string {
	var urls []string
	for _, candidate := range strings.Split(v, ",") {
		if fields := strings.Fields(candidate); len(fields) > 0 {
			urls = append(urls, fields[0])
		}
	}
	return urls
}

// resolvePath resolves a relative reference against a base directory
// baseDir: base directory (e.g., "EPUB/text" for "EPUB/text/ch001.xhtml")
// ref: relative reference (e.g., "../images/photo.jpg#x")
// returns: resolved path (e.g., "EPUB/images/photo.jpg")
func resolvePath(baseDir, ref string) (string, bool) {
	u, err := url.Parse(strings.TrimSpace(ref))
	if err != nil || u.Scheme != "" || u.Host != "" || u.Path == "" {
		return "", false
	}
	return path.Clean(path.Join(baseDir, u.Path)), true
}

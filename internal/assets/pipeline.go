// Package assets fetches every image, stylesheet and font a book references,
// exactly once per canonical URL, and turns them into packageable assets.
package assets

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/yuanying/epubfetch/internal/book"
	"github.com/yuanying/epubfetch/internal/fetch"
	"github.com/yuanying/epubfetch/internal/resolve"
)

// Options configures a Pipeline.
type Options struct {
	Fetcher    fetch.Fetcher
	Transcoder Transcoder        // nil keeps fonts as fetched
	Optimizer  *ImageOptimizer   // nil keeps images as fetched
	CSSMap     map[string]string // canonical URL or file name -> local stylesheet
	CoverURL   string            // canonical URL of the cover image, if any
	Logger     *slog.Logger
}

// Pipeline produces assets on demand and keeps them in its Registry.
type Pipeline struct {
	fetcher    fetch.Fetcher
	transcoder Transcoder
	optimizer  *ImageOptimizer
	cssMap     map[string]string
	coverURL   string
	registry   *Registry
	log        *slog.Logger
}

// New creates a Pipeline with an empty registry.
func New(opts Options) *Pipeline {
	log := opts.Logger
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Pipeline{
		fetcher:    opts.Fetcher,
		transcoder: opts.Transcoder,
		optimizer:  opts.Optimizer,
		cssMap:     opts.CSSMap,
		coverURL:   opts.CoverURL,
		registry:   NewRegistry(),
		log:        log,
	}
}

// Registry returns the registry assets are recorded in.
func (p *Pipeline) Registry() *Registry {
	return p.registry
}

// Ensure returns the asset for ref, fetching it if nobody has yet. It does
// not follow the references of a stylesheet; Collect does.
func (p *Pipeline) Ensure(ctx context.Context, ref book.AssetRef) (*book.Asset, error) {
	a, claimed, err := p.registry.ClaimOrAwait(ctx, ref.URL)
	if !claimed {
		return a, err
	}
	a, err = p.build(ctx, ref)
	p.registry.Finish(ref.URL, a, err)
	return a, err
}

// Collect ensures every reference in refs and, transitively, every asset the
// collected stylesheets reference. It returns once all of them are final, or
// with the first error. Each URL is visited once per call so import cycles
// terminate; no asset build ever waits on another one.
func (p *Pipeline) Collect(ctx context.Context, refs []book.AssetRef) error {
	g, ctx := errgroup.WithContext(ctx)

	var mu sync.Mutex
	visited := make(map[string]bool)

	var schedule func(ref book.AssetRef)
	schedule = func(ref book.AssetRef) {
		mu.Lock()
		if visited[ref.URL] {
			mu.Unlock()
			return
		}
		visited[ref.URL] = true
		mu.Unlock()

		e, claimed := p.registry.claim(ref.URL)
		g.Go(func() error {
			var (
				a   *book.Asset
				err error
			)
			if claimed {
				a, err = p.build(ctx, ref)
				e.finish(a, err)
			} else {
				a, err = e.wait(ctx)
			}
			if err != nil {
				return err
			}
			for _, child := range a.Refs {
				schedule(child)
			}
			return nil
		})
	}

	for _, ref := range refs {
		schedule(ref)
	}
	return g.Wait()
}

// build fetches and prepares one asset.
func (p *Pipeline) build(ctx context.Context, ref book.AssetRef) (*book.Asset, error) {
	a := &book.Asset{
		ID:   ref.Kind.String() + "-" + resolve.ShortHash(ref.URL),
		URL:  ref.URL,
		Kind: ref.Kind,
		Path: resolve.LocalPath(ref.URL, ref.Kind),
	}
	a.Cover = ref.Kind == book.KindImage && ref.URL == p.coverURL

	contentType := ""
	if local, ok := p.cssOverride(ref); ok {
		data, err := os.ReadFile(local)
		if err != nil {
			return nil, fmt.Errorf("failed to read css override %s: %w", local, err)
		}
		a.Data = data
		p.log.Debug("css override", "url", ref.URL, "file", local)
	} else {
		resp, err := p.fetcher.Get(ctx, ref.URL, ref.Kind.String())
		if err != nil {
			return nil, err
		}
		a.Data = resp.Body
		contentType = resp.ContentType
	}

	a.Path = fixExtension(a.Path, contentType)
	a.MediaType = book.MediaTypeForPath(a.Path, a.Kind)
	if a.MediaType == "application/octet-stream" && contentType != "" {
		a.MediaType = contentType
	}

	switch ref.Kind {
	case book.KindStylesheet:
		a.MediaType = "text/css"
		a.Refs = resolve.ExtractCSSReferences(string(a.Data), ref.URL)
	case book.KindImage:
		p.optimizeImage(a)
	case book.KindFont:
		p.transcodeFont(ctx, a)
	}
	return a, nil
}

func (p *Pipeline) optimizeImage(a *book.Asset) {
	if p.optimizer == nil {
		return
	}
	out, err := p.optimizer.Optimize(a.MediaType, a.Data, a.Cover)
	if err != nil {
		p.log.Warn("image optimization failed", "url", a.URL, "error", err)
		return
	}
	if out.Warning != "" {
		p.log.Warn("image kept as fetched", "url", a.URL, "reason", out.Warning)
	}
	if out.Resized {
		a.Packaged = out.Data
		p.log.Debug("image resized", "url", a.URL, "width", out.Width, "height", out.Height)
	}
}

// transcodeFont converts TrueType and OpenType fonts to WOFF2. A failure is
// logged and the original font is packaged instead.
func (p *Pipeline) transcodeFont(ctx context.Context, a *book.Asset) {
	if p.transcoder == nil || !transcodable(a.Path) {
		return
	}
	out, err := p.transcoder.Transcode(ctx, a.Path, a.Data)
	if err != nil {
		terr := &TranscodeError{URL: a.URL, Cause: err}
		p.log.Warn("font transcoding failed, keeping original", "url", a.URL, "error", terr)
		return
	}
	a.Packaged = out
	a.Path = resolve.ReplaceExt(a.Path, ".woff2")
	a.MediaType = "font/woff2"
}

// cssOverride finds a local replacement for a stylesheet, keyed by canonical
// URL first and file name second.
func (p *Pipeline) cssOverride(ref book.AssetRef) (string, bool) {
	if ref.Kind != book.KindStylesheet || len(p.cssMap) == 0 {
		return "", false
	}
	if local, ok := p.cssMap[ref.URL]; ok {
		return local, true
	}
	name := ref.URL
	if i := strings.IndexAny(name, "?#"); i >= 0 {
		name = name[:i]
	}
	local, ok := p.cssMap[path.Base(name)]
	return local, ok
}

// mediaExts maps served content types to extensions for URLs that carry
// none.
var mediaExts = map[string]string{
	"image/jpeg":             ".jpg",
	"image/png":              ".png",
	"image/gif":              ".gif",
	"image/svg+xml":          ".svg",
	"image/webp":             ".webp",
	"font/ttf":               ".ttf",
	"font/otf":               ".otf",
	"font/woff":              ".woff",
	"font/woff2":             ".woff2",
	"application/font-woff":  ".woff",
	"application/x-font-ttf": ".ttf",
	"application/x-font-otf": ".otf",
	"application/font-sfnt":  ".ttf",
}

// fixExtension swaps the placeholder extension LocalPath uses for unknown
// file types with one derived from the served content type.
func fixExtension(name, contentType string) string {
	ext := path.Ext(name)
	if ext != ".img" && ext != ".font" {
		return name
	}
	if served, ok := mediaExts[strings.ToLower(contentType)]; ok {
		return resolve.ReplaceExt(name, served)
	}
	return name
}

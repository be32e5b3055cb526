// Package pipeline sequences a book download: session check, structure
// resolution, chapter fetching, asset fetching and assembly into an EPUB
// file. Every stage finishes completely before the next one starts.
package pipeline

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/PuerkitoBio/goquery"
	"golang.org/x/net/html/charset"
	"golang.org/x/sync/errgroup"

	"github.com/yuanying/epubfetch/internal/assets"
	"github.com/yuanying/epubfetch/internal/book"
	"github.com/yuanying/epubfetch/internal/epub"
	"github.com/yuanying/epubfetch/internal/fetch"
	"github.com/yuanying/epubfetch/internal/resolve"
	"github.com/yuanying/epubfetch/internal/session"
	"github.com/yuanying/epubfetch/internal/vendor"
)

// State is a stage of a run.
type State int

const (
	StateInit State = iota
	StateResolving
	StateFetchingContent
	StateFetchingAssets
	StateAssembling
	StateDone
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "init"
	case StateResolving:
		return "resolving"
	case StateFetchingContent:
		return "fetching-content"
	case StateFetchingAssets:
		return "fetching-assets"
	case StateAssembling:
		return "assembling"
	case StateDone:
		return "done"
	case StateFailed:
		return "failed"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// StageError reports the stage a run failed in. Err is the error that
// aborted it: fetch.ErrSessionInvalid, *fetch.FetchError,
// *vendor.ResolutionError or *epub.AssemblyError.
type StageError struct {
	Stage State
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("%s: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() error { return e.Err }

// Resolver loads the structure of a book.
type Resolver interface {
	ResolveBook(ctx context.Context, id string) (*book.Book, error)
}

// Options configures a Pipeline.
type Options struct {
	BookID     string
	OutputDir  string
	Fetcher    fetch.Fetcher
	Resolver   Resolver // nil uses the vendor API client at APIBase
	APIBase    string
	ProfileURL string // empty skips the session check
	Email      string
	Transcoder assets.Transcoder      // nil disables font conversion
	Optimizer  *assets.ImageOptimizer // nil disables image resizing
	CSSMap     map[string]string
	Now        func() time.Time
	Logger     *slog.Logger
}

// Result describes a finished run.
type Result struct {
	Path     string
	Book     *book.Book
	Chapters int
	Assets   int
	Size     int
}

// Pipeline runs a single book download.
type Pipeline struct {
	opts     Options
	resolver Resolver
	log      *slog.Logger

	mu      sync.Mutex
	state   State
	history []State
}

// New creates a pipeline for opts.
func New(opts Options) *Pipeline {
	log := opts.Logger
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	resolver := opts.Resolver
	if resolver == nil {
		resolver = vendor.NewClient(opts.Fetcher, opts.APIBase, log)
	}
	return &Pipeline{
		opts:     opts,
		resolver: resolver,
		log:      log,
		state:    StateInit,
		history:  []State{StateInit},
	}
}

// State returns the current stage.
func (p *Pipeline) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// History returns every stage the run has entered, in order.
func (p *Pipeline) History() []State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]State(nil), p.history...)
}

// Run downloads the book and writes <OutputDir>/<BookID>.epub. Any fatal
// error aborts the run with a *StageError and leaves no file behind.
func (p *Pipeline) Run(ctx context.Context) (Result, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if p.opts.ProfileURL != "" {
		if err := session.Check(ctx, p.opts.Fetcher, p.opts.ProfileURL, p.opts.Email); err != nil {
			return Result{}, p.fail(err)
		}
		p.log.Debug("session is valid", "profile", p.opts.ProfileURL)
	}

	p.enter(StateResolving)
	b, err := p.resolver.ResolveBook(ctx, p.opts.BookID)
	if err != nil {
		return Result{}, p.fail(err)
	}

	p.enter(StateFetchingContent)
	docs, err := p.fetchContent(ctx, b)
	if err != nil {
		return Result{}, p.fail(err)
	}

	p.enter(StateFetchingAssets)
	ap := assets.New(assets.Options{
		Fetcher:    p.opts.Fetcher,
		Transcoder: p.opts.Transcoder,
		Optimizer:  p.opts.Optimizer,
		CSSMap:     p.opts.CSSMap,
		CoverURL:   b.CoverURL,
		Logger:     p.log,
	})
	if err := ap.Collect(ctx, assetRefs(b)); err != nil {
		return Result{}, p.fail(err)
	}
	reg := ap.Registry()
	p.log.Info("assets collected", "assets", reg.Len())

	p.enter(StateAssembling)
	pkg, err := p.link(b, docs, reg)
	if err != nil {
		return Result{}, p.fail(err)
	}
	data, err := epub.Assemble(pkg)
	if err != nil {
		return Result{}, p.fail(err)
	}
	if err := verifyArchive(data); err != nil {
		return Result{}, p.fail(err)
	}
	out, err := p.write(b.ID, data)
	if err != nil {
		return Result{}, p.fail(err)
	}

	p.enter(StateDone)
	p.log.Info("book written", "path", out, "bytes", len(data))
	return Result{
		Path:     out,
		Book:     b,
		Chapters: len(pkg.Chapters),
		Assets:   len(pkg.Resources),
		Size:     len(data),
	}, nil
}

func (p *Pipeline) enter(s State) {
	p.mu.Lock()
	p.state = s
	p.history = append(p.history, s)
	p.mu.Unlock()
	p.log.Info("stage", "stage", s.String())
}

// fail moves the run to StateFailed and wraps err with the stage it
// happened in.
func (p *Pipeline) fail(err error) error {
	p.mu.Lock()
	stage := p.state
	p.state = StateFailed
	p.history = append(p.history, StateFailed)
	p.mu.Unlock()
	p.log.Error("run failed", "stage", stage.String(), "error", err)
	return &StageError{Stage: stage, Err: err}
}

// fetchContent downloads every chapter concurrently, gives each document its
// head and extracts its references. Documents are returned by chapter index,
// so completion order does not matter.
func (p *Pipeline) fetchContent(ctx context.Context, b *book.Book) ([]*goquery.Document, error) {
	docs := make([]*goquery.Document, len(b.Chapters))
	g, ctx := errgroup.WithContext(ctx)
	for i, ch := range b.Chapters {
		g.Go(func() error {
			resp, err := p.opts.Fetcher.Get(ctx, ch.ContentURL, "chapter")
			if err != nil {
				return err
			}
			content, err := toUTF8(resp.Body, resp.Charset)
			if err != nil {
				return fmt.Errorf("failed to decode %s: %w", ch.ContentURL, err)
			}
			doc, err := resolve.ParseChapter(content)
			if err != nil {
				return fmt.Errorf("%s: %w", ch.ContentURL, err)
			}
			resolve.PrepareChapter(doc, ch.ContentURL, resolve.Head{
				Title:       ch.Title,
				Language:    b.Language,
				Stylesheets: ch.Stylesheets,
			})
			ch.Content = content
			ch.Refs = resolve.ExtractReferences(doc, ch.ContentURL)
			docs[i] = doc
			p.log.Debug("chapter fetched", "id", ch.ID, "url", ch.ContentURL, "refs", len(ch.Refs))
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return docs, nil
}

// toUTF8 converts a chapter body served in another encoding.
func toUTF8(body []byte, label string) ([]byte, error) {
	label = strings.ToLower(strings.TrimSpace(label))
	if label == "" || label == "utf-8" || label == "utf8" {
		return body, nil
	}
	r, err := charset.NewReaderLabel(label, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	return io.ReadAll(r)
}

// assetRefs is the union of every chapter's references, cover first.
func assetRefs(b *book.Book) []book.AssetRef {
	var refs []book.AssetRef
	seen := make(map[string]bool)
	add := func(ref book.AssetRef) {
		if !seen[ref.URL] {
			seen[ref.URL] = true
			refs = append(refs, ref)
		}
	}
	if b.CoverURL != "" {
		add(book.AssetRef{URL: b.CoverURL, Kind: book.KindImage})
	}
	for _, ch := range b.Chapters {
		for _, ref := range ch.Refs {
			add(ref)
		}
	}
	return refs
}

// link rewrites chapters and stylesheets against the final asset paths and
// builds the package to assemble.
func (p *Pipeline) link(b *book.Book, docs []*goquery.Document, reg *assets.Registry) (*epub.Package, error) {
	assetLinks := reg.Links()
	chapterLinks := make(resolve.Links, len(b.Chapters))
	for _, ch := range b.Chapters {
		chapterLinks[ch.ContentURL] = ch.Path
	}

	pkg := &epub.Package{
		Metadata: epub.Metadata{
			Title:       b.Title,
			Creators:    b.Creators,
			Language:    b.Language,
			Identifier:  epub.BookIdentifier(b.Identifier, b.SourceURL),
			Publisher:   b.Publisher,
			Date:        b.Date,
			Description: b.Description,
			Modified:    p.modified(b),
		},
	}

	for i, ch := range b.Chapters {
		ch.Links = resolve.RewriteChapter(docs[i], resolve.RewriteContext{
			BaseURL:  ch.ContentURL,
			Path:     ch.Path,
			Assets:   assetLinks,
			Chapters: chapterLinks,
		})
		data, err := epub.MarshalXHTML(docs[i].Nodes[0])
		if err != nil {
			return nil, fmt.Errorf("failed to serialize %s: %w", ch.Path, err)
		}
		ch.XHTML = data
		pkg.Chapters = append(pkg.Chapters, epub.Chapter{
			ID:    ch.ID,
			Path:  ch.Path,
			Title: ch.Title,
			Data:  ch.XHTML,
			Links: ch.Links,
		})
	}

	for _, a := range reg.Assets() {
		var links []string
		if a.Kind == book.KindStylesheet {
			var css string
			css, links = resolve.RewriteCSS(string(a.Data), a.URL, a.Path, assetLinks)
			a.Packaged = []byte(css)
		}
		r := epub.Resource{ID: a.ID, Path: a.Path, MediaType: a.MediaType, Data: a.Bytes(), Links: links}
		if a.Cover {
			r.Properties = []string{"cover-image"}
		}
		pkg.Resources = append(pkg.Resources, r)
	}

	pkg.Nav = navPoints(b.TOC, chapterLinks)
	return pkg, nil
}

// navPoints maps the vendor table of contents onto package paths relative
// to the navigation document. Entries without a packaged target are dropped
// and their children promoted.
func navPoints(entries []book.TOCEntry, chapters resolve.Links) []epub.NavPoint {
	var out []epub.NavPoint
	for _, e := range entries {
		children := navPoints(e.Children, chapters)
		target, fragment, _ := strings.Cut(e.URL, "#")
		p, ok := chapters.Lookup(target)
		if !ok {
			out = append(out, children...)
			continue
		}
		href := resolve.RelativePath(epub.NavPath, p)
		if fragment != "" {
			href += "#" + fragment
		}
		label := strings.TrimSpace(e.Label)
		if label == "" {
			label = p
		}
		out = append(out, epub.NavPoint{Label: label, Href: href, Children: children})
	}
	return out
}

// modified is the vendor's last update time, or now when it is missing or
// unparsable.
func (p *Pipeline) modified(b *book.Book) time.Time {
	if b.Modified != "" {
		if t, err := time.Parse(time.RFC3339, b.Modified); err == nil {
			return t.UTC()
		}
		p.log.Debug("unparsable last_modified", "value", b.Modified)
	}
	return p.opts.Now().UTC()
}

// verifyArchive reopens the assembled bytes the way a reader would and
// checks every cross reference.
func verifyArchive(data []byte) error {
	r, err := epub.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return fmt.Errorf("failed to reopen archive: %w", err)
	}
	_, err = r.Verify()
	return err
}

// write stores data as <OutputDir>/<id>.epub through a temporary file in
// the same directory; the temporary file never outlives a failure.
func (p *Pipeline) write(id string, data []byte) (string, error) {
	dir := p.opts.OutputDir
	if dir == "" {
		dir = "."
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create output directory: %w", err)
	}
	name := resolve.FoldName(id)
	if name == "" {
		name = "book"
	}
	out := filepath.Join(dir, name+".epub")

	tmp, err := os.CreateTemp(dir, "."+name+"-*.epub.tmp")
	if err != nil {
		return "", fmt.Errorf("failed to create output file: %w", err)
	}
	tmpName := tmp.Name()
	ok := false
	defer func() {
		if !ok {
			os.Remove(tmpName)
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return "", fmt.Errorf("failed to write EPUB: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return "", fmt.Errorf("failed to write EPUB: %w", err)
	}
	if err := os.Rename(tmpName, out); err != nil {
		return "", fmt.Errorf("failed to move EPUB into place: %w", err)
	}
	ok = true
	return out, nil
}

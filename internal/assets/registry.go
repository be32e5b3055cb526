package assets

import (
	"context"
	"sort"
	"sync"

	"github.com/yuanying/epubfetch/internal/book"
	"github.com/yuanying/epubfetch/internal/resolve"
)

// entry is the registry slot of one canonical URL. done is closed exactly
// once, after asset and err are set.
type entry struct {
	done  chan struct{}
	asset *book.Asset
	err   error
}

// Registry maps canonical URLs to assets. The first caller to ask for a URL
// claims it and is responsible for producing the asset; everyone else waits
// for that result. A finished entry is never fetched again, failed or not.
type Registry struct {
	mu      sync.Mutex
	entries map[string]*entry
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]*entry)}
}

// ClaimOrAwait either claims url for the caller (claimed == true, the caller
// must call Finish) or blocks until the claimant has finished and returns its
// result. It returns ctx.Err() if ctx is done first.
func (r *Registry) ClaimOrAwait(ctx context.Context, url string) (*book.Asset, bool, error) {
	e, claimed := r.claim(url)
	if claimed {
		return nil, true, nil
	}
	a, err := e.wait(ctx)
	return a, false, err
}

// Finish records the outcome for a claimed url and wakes every waiter.
func (r *Registry) Finish(url string, a *book.Asset, err error) {
	r.mu.Lock()
	e, ok := r.entries[url]
	r.mu.Unlock()
	if !ok {
		return
	}
	e.finish(a, err)
}

func (r *Registry) claim(url string) (*entry, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.entries[url]; ok {
		return e, false
	}
	e := &entry{done: make(chan struct{})}
	r.entries[url] = e
	return e, true
}

// Get returns the finished asset for url, if any.
func (r *Registry) Get(url string) (*book.Asset, bool) {
	r.mu.Lock()
	e, ok := r.entries[url]
	r.mu.Unlock()
	if !ok {
		return nil, false
	}
	select {
	case <-e.done:
		return e.asset, e.asset != nil
	default:
		return nil, false
	}
}

// Assets returns every successfully finished asset, sorted by package path.
func (r *Registry) Assets() []*book.Asset {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []*book.Asset
	for _, e := range r.entries {
		select {
		case <-e.done:
			if e.asset != nil {
				out = append(out, e.asset)
			}
		default:
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out
}

// Links maps every finished asset's canonical URL to its package path.
func (r *Registry) Links() resolve.Links {
	links := make(resolve.Links)
	for _, a := range r.Assets() {
		links[a.URL] = a.Path
	}
	return links
}

// Len reports how many URLs have been claimed.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

func (e *entry) finish(a *book.Asset, err error) {
	select {
	case <-e.done:
		return
	default:
	}
	e.asset = a
	e.err = err
	close(e.done)
}

func (e *entry) wait(ctx context.Context) (*book.Asset, error) {
	select {
	case <-e.done:
		return e.asset, e.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

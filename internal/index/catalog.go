package index

import (
	"context"
	"fmt"
	"strings"

	"github.com/frederic-klein/pymanager/internal/dist"
	pmerrors "github.com/frederic-klein/pymanager/internal/errors"
	"github.com/frederic-klein/pymanager/internal/logging"
	"github.com/frederic-klein/pymanager/internal/tags"
	"github.com/frederic-klein/pymanager/internal/transport"
)

// Opener fetches the body of a URL.
type Opener interface {
	URLOpen(ctx context.Context, req *transport.Request) ([]byte, error)
}

// Cache holds pages fetched during one command invocation, keyed by URL.
type Cache map[string]*Index

// Catalog walks a feed and its continuation pages.
type Catalog struct {
	source string
	opener Opener
	cache  Cache
	auth   transport.AuthFunc
	log    *logging.Logger
}

// NewCatalog creates a catalog rooted at source. A nil cache disables
// caching.
func NewCatalog(source string, opener Opener, cache Cache, log *logging.Logger) *Catalog {
	if log == nil {
		log = logging.Nop()
	}
	return &Catalog{source: source, opener: opener, cache: cache, log: log}
}

// WithAuth sets the credential callback used for 401 responses.
func (c *Catalog) WithAuth(auth transport.AuthFunc) *Catalog {
	c.auth = auth
	return c
}

// Source returns the URL of the first page.
func (c *Catalog) Source() string {
	return c.source
}

// Page returns the page at url, fetching it unless it is cached.
func (c *Catalog) Page(ctx context.Context, url string) (*Index, error) {
	if idx, ok := c.cache[url]; ok {
		return idx, nil
	}
	c.log.Verbose("Fetching feed from %s", transport.SanitiseURL(url))
	data, err := c.opener.URLOpen(ctx, &transport.Request{
		URL:     url,
		Headers: map[string]string{"Accept": "application/json"},
		Auth:    c.auth,
	})
	if err != nil {
		return nil, err
	}
	idx, err := Load(url, data)
	if err != nil {
		return nil, err
	}
	if c.cache != nil {
		c.cache[url] = idx
	}
	return idx, nil
}

// Walk calls fn with each page, newest first, until fn returns false or
// the chain ends.
func (c *Catalog) Walk(ctx context.Context, fn func(*Index) bool) error {
	url := c.source
	visited := map[string]bool{}
	for url != "" {
		key := strings.ToLower(url)
		if visited[key] {
			return pmerrors.InvalidFeed("next", fmt.Sprintf("feed page %s was already visited", transport.SanitiseURL(url)))
		}
		visited[key] = true

		idx, err := c.Page(ctx, url)
		if err != nil {
			return err
		}
		if !fn(idx) {
			return nil
		}
		if idx.Next == "" {
			return nil
		}
		if url, err = transport.URLJoin(url, idx.Next, true); err != nil {
			return pmerrors.InvalidFeed("next", err.Error())
		}
	}
	return nil
}

// FindToInstall searches each page in turn with the fallbacks of
// Index.FindToInstall.
func (c *Catalog) FindToInstall(ctx context.Context, tag string) (*dist.Entry, error) {
	filter, err := tags.ParseFilter(tag)
	if err != nil {
		return nil, pmerrors.Wrap(pmerrors.ErrCodeArgument, fmt.Sprintf("invalid tag %q", tag), err)
	}
	return c.findFilter(ctx, filter, tag)
}

// FindToInstallRange searches each page for the newest entry in r.
func (c *Catalog) FindToInstallRange(ctx context.Context, r tags.TagRange) (*dist.Entry, error) {
	return c.findFilter(ctx, r, r.String())
}

func (c *Catalog) findFilter(ctx context.Context, filter tags.Filter, label string) (*dist.Entry, error) {
	var found *dist.Entry
	err := c.Walk(ctx, func(idx *Index) bool {
		for _, opts := range fallbacks {
			if e := idx.find(filter, opts); e != nil {
				found = e
				return false
			}
		}
		return true
	})
	if err != nil {
		return nil, err
	}
	if found == nil {
		return nil, notFound(label)
	}
	return found, nil
}

// FindAll returns every entry matching filters, once per id, across all
// pages.
func (c *Catalog) FindAll(ctx context.Context, filters []tags.Filter, withPrerelease bool) ([]*dist.Entry, error) {
	seen := map[string]bool{}
	var all []*dist.Entry
	err := c.Walk(ctx, func(idx *Index) bool {
		all = append(all, idx.FindAll(filters, seen, withPrerelease)...)
		return true
	})
	return all, err
}

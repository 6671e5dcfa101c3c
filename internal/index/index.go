// Package index loads runtime feeds and selects packages from them.
package index

import (
	"fmt"
	"sort"
	"strings"

	"github.com/bytedance/sonic"

	"github.com/frederic-klein/pymanager/internal/dist"
	pmerrors "github.com/frederic-klein/pymanager/internal/errors"
	"github.com/frederic-klein/pymanager/internal/tags"
	"github.com/frederic-klein/pymanager/internal/transport"
	"github.com/frederic-klein/pymanager/internal/version"
)

// Index is one page of a feed. Versions are sorted newest first.
type Index struct {
	SourceURL string
	Next      string
	Versions  []*dist.Entry
}

type wireIndex struct {
	Next     string        `json:"next,omitempty"`
	Versions []*dist.Entry `json:"versions"`
}

// FindOptions control FindToInstall.
type FindOptions struct {
	// LooseCompany accepts any publisher whose name starts with the
	// requested one.
	LooseCompany bool
	// PreferPrerelease also considers prerelease entries.
	PreferPrerelease bool
}

// Load validates data as a feed page fetched from sourceURL. Relative
// package URLs are resolved against sourceURL.
func Load(sourceURL string, data []byte) (*Index, error) {
	var raw any
	if err := sonic.Unmarshal(data, &raw); err != nil {
		return nil, pmerrors.Wrap(pmerrors.ErrCodeInvalidFeed, fmt.Sprintf("%s is not valid JSON", transport.SanitiseURL(sourceURL)), err)
	}
	if err := validate(raw, indexSchema, ""); err != nil {
		return nil, err
	}

	var wire wireIndex
	if err := sonic.Unmarshal(data, &wire); err != nil {
		return nil, pmerrors.Wrap(pmerrors.ErrCodeInvalidFeed, "decoding feed", err)
	}
	for i, e := range wire.Versions {
		if err := checkEntry(e, fmt.Sprintf("versions.[%d]", i)); err != nil {
			return nil, err
		}
		if sourceURL != "" && e.URL != "" {
			u, err := transport.URLJoin(sourceURL, e.URL, true)
			if err != nil {
				return nil, pmerrors.InvalidFeed(fmt.Sprintf("versions.[%d].url", i), err.Error())
			}
			e.URL = u
		}
	}

	idx := &Index{SourceURL: sourceURL, Next: wire.Next, Versions: wire.Versions}
	SortEntries(idx.Versions)
	return idx, nil
}

// LoadManifest validates and decodes an install manifest.
func LoadManifest(data []byte) (*dist.Install, error) {
	var raw any
	if err := sonic.Unmarshal(data, &raw); err != nil {
		return nil, pmerrors.Wrap(pmerrors.ErrCodeInvalidInstall, "manifest is not valid JSON", err)
	}
	if err := validate(raw, manifestSchema, ""); err != nil {
		return nil, err
	}
	var install dist.Install
	if err := sonic.Unmarshal(data, &install); err != nil {
		return nil, pmerrors.Wrap(pmerrors.ErrCodeInvalidInstall, "decoding manifest", err)
	}
	if err := checkEntry(&install.Entry, ""); err != nil {
		return nil, err
	}
	return &install, nil
}

// Marshal encodes the index in its wire format.
func (idx *Index) Marshal() ([]byte, error) {
	return sonic.ConfigStd.MarshalIndent(wireIndex{Next: idx.Next, Versions: idx.Versions}, "", "  ")
}

// checkEntry verifies the cross-field rules an entry must satisfy.
func checkEntry(e *dist.Entry, path string) error {
	if _, err := version.Parse(e.SortVersion); err != nil {
		return pmerrors.InvalidFeed(join(path, "sort-version"), err.Error())
	}
	own := tags.New(e.Company, e.Tag)
	found := false
	for _, t := range e.InstallFor {
		if own.SameTag(tags.New(e.Company, t)) {
			found = true
			break
		}
	}
	if !found {
		return pmerrors.InvalidFeed(join(path, "install-for"), fmt.Sprintf("does not include %s", e.Tag))
	}
	for _, r := range e.RunFor {
		if own.SameTag(tags.New(e.Company, r.Tag)) {
			return nil
		}
	}
	return pmerrors.InvalidFeed(join(path, "run-for"), fmt.Sprintf("has no entry for %s", e.Tag))
}

// SortEntries orders entries by descending sort-version, keeping feed order
// for equal versions.
func SortEntries(entries []*dist.Entry) {
	sort.SliceStable(entries, func(i, j int) bool {
		return version.MustParse(entries[i].SortVersion).Compare(version.MustParse(entries[j].SortVersion)) > 0
	})
}

func isPrerelease(e *dist.Entry) bool {
	v, err := version.Parse(e.SortVersion)
	return err == nil && v.IsPrerelease()
}

// FindToInstall returns the newest entry for tag, which may also be a range
// expression. Entries of other publishers whose name starts with the
// requested one are considered next, then prereleases.
func (idx *Index) FindToInstall(tag string) (*dist.Entry, error) {
	filter, err := tags.ParseFilter(tag)
	if err != nil {
		return nil, pmerrors.Wrap(pmerrors.ErrCodeArgument, fmt.Sprintf("invalid tag %q", tag), err)
	}
	for _, opts := range fallbacks {
		if e := idx.find(filter, opts); e != nil {
			return e, nil
		}
	}
	return nil, notFound(tag)
}

// FindToInstallRange is FindToInstall for an already parsed range.
func (idx *Index) FindToInstallRange(r tags.TagRange) (*dist.Entry, error) {
	for _, opts := range fallbacks {
		if e := idx.find(r, opts); e != nil {
			return e, nil
		}
	}
	return nil, notFound(r.String())
}

var fallbacks = []FindOptions{
	{},
	{LooseCompany: true},
	{LooseCompany: true, PreferPrerelease: true},
}

// Find returns the first entry matching filter under opts, or nil.
func (idx *Index) Find(filter tags.Filter, opts FindOptions) *dist.Entry {
	return idx.find(filter, opts)
}

func (idx *Index) find(filter tags.Filter, opts FindOptions) *dist.Entry {
	for _, e := range idx.Versions {
		if !opts.PreferPrerelease && isPrerelease(e) {
			continue
		}
		if entryMatches(e, filter, opts.LooseCompany) {
			return e
		}
	}
	return nil
}

func entryMatches(e *dist.Entry, filter tags.Filter, loose bool) bool {
	for _, t := range e.InstallFor {
		candidate := tags.New(e.Company, t)
		switch f := filter.(type) {
		case tags.CompanyTag:
			if loose {
				if candidate.MatchCompany(f) && candidate.SameTag(f) {
					return true
				}
			} else if candidate.Equal(f) {
				return true
			}
		case tags.TagRange:
			if !loose && !sameCompanyAsRange(candidate, f) {
				continue
			}
			if f.Satisfied(candidate) {
				return true
			}
		default:
			if filter.Satisfied(candidate) {
				return true
			}
		}
	}
	return false
}

func sameCompanyAsRange(t tags.CompanyTag, r tags.TagRange) bool {
	for _, c := range r.Constraints() {
		if !t.SameCompany(c.Tag) {
			return false
		}
	}
	return true
}

// FindAll returns the entries matching any of filters, skipping ids already
// in seen and recording the ones returned there.
func (idx *Index) FindAll(filters []tags.Filter, seen map[string]bool, withPrerelease bool) []*dist.Entry {
	var found []*dist.Entry
	for _, e := range idx.Versions {
		if seen[strings.ToLower(e.ID)] {
			continue
		}
		if !withPrerelease && isPrerelease(e) {
			continue
		}
		if !tags.EntryMatchesAny(e, filters) {
			continue
		}
		seen[strings.ToLower(e.ID)] = true
		found = append(found, e)
	}
	return found
}

func notFound(tag string) error {
	return pmerrors.Newf(pmerrors.ErrCodeNotFound, "there is no runtime available that matches %s", tag).WithContext("tag", tag)
}

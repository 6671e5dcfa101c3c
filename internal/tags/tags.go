// Package tags implements Company\Tag identities, their ordering and
// matching, and range expressions over them.
package tags

import (
	"regexp"
	"strings"

	"github.com/frederic-klein/pymanager/internal/version"
)

// CoreCompany is the canonical name shown for the core publisher.
const CoreCompany = "PythonCore"

var coreAliases = map[string]bool{
	"":           true,
	"pythoncore": true,
	"cpython":    true,
}

// IsCoreCompany reports whether company is an alias of the core publisher.
func IsCoreCompany(company string) bool {
	return coreAliases[strings.ToLower(company)]
}

var pieceRe = regexp.MustCompile(`(?i)^(\d+(?:\.\d+)*(?:\.?(?:dev|rc|a|b|c)\.?\d*|\.\*)?)(.*)$`)

type segment struct {
	isVersion bool
	v         version.Version
	text      string
}

func splitTag(tag string) []segment {
	if tag == "" {
		return nil
	}
	var segs []segment
	for _, piece := range strings.Split(tag, "-") {
		m := pieceRe.FindStringSubmatch(piece)
		if m != nil {
			if v, err := version.Parse(m[1]); err == nil {
				segs = append(segs, segment{isVersion: true, v: v})
				if m[2] != "" {
					segs = append(segs, segment{text: strings.ToLower(m[2])})
				}
				continue
			}
		}
		segs = append(segs, segment{text: strings.ToLower(piece)})
	}
	return segs
}

// compareSort orders segments for display: versions descending, text
// ascending, versions before text.
func (s segment) compareSort(o segment) int {
	switch {
	case s.isVersion && o.isVersion:
		return -s.v.Compare(o.v)
	case s.isVersion:
		return -1
	case o.isVersion:
		return 1
	}
	return strings.Compare(s.text, o.text)
}

// compareNatural orders segments by value: versions ascending, text ascending.
func (s segment) compareNatural(o segment) int {
	if s.isVersion && o.isVersion {
		return s.v.Compare(o.v)
	}
	return s.compareSort(o)
}

func (s segment) hasPrefix(p segment) bool {
	if s.isVersion != p.isVersion {
		return false
	}
	if s.isVersion {
		return s.v.HasPrefix(p.v)
	}
	return s.text == p.text
}

// CompanyTag identifies a runtime by publisher and tag.
type CompanyTag struct {
	Company string
	Tag     string

	core bool
	key  string
	segs []segment
}

// New returns the CompanyTag for company and tag.
func New(company, tag string) CompanyTag {
	ct := CompanyTag{
		Company: company,
		Tag:     tag,
		core:    IsCoreCompany(company),
		segs:    splitTag(tag),
	}
	if !ct.core {
		ct.key = strings.ToLower(company)
	}
	return ct
}

// Parse accepts "Company\Tag", "Company/Tag" or a bare tag, which belongs to
// the core publisher.
func Parse(s string) CompanyTag {
	if i := strings.IndexAny(s, `\/`); i >= 0 {
		return New(s[:i], s[i+1:])
	}
	return New("", s)
}

// IsCore reports whether the tag belongs to the core publisher.
func (t CompanyTag) IsCore() bool {
	return t.core
}

// IsPrerelease reports whether the leading version of the tag is a prerelease.
func (t CompanyTag) IsPrerelease() bool {
	return len(t.segs) > 0 && t.segs[0].isVersion && t.segs[0].v.IsPrerelease()
}

// LeadingVersion returns the tag's first segment when it is a version.
func (t CompanyTag) LeadingVersion() (version.Version, bool) {
	if len(t.segs) == 0 || !t.segs[0].isVersion {
		return version.Version{}, false
	}
	return t.segs[0].v, true
}

// CanonicalCompany returns CoreCompany for core aliases, otherwise Company.
func (t CompanyTag) CanonicalCompany() string {
	if t.core {
		return CoreCompany
	}
	return t.Company
}

// String formats the tag, omitting the company for core tags.
func (t CompanyTag) String() string {
	if t.core {
		return t.Tag
	}
	return t.Company + `\` + t.Tag
}

// Compare orders core tags before other publishers, other publishers
// alphabetically, and tags within a publisher newest first.
func (t CompanyTag) Compare(o CompanyTag) int {
	if t.core != o.core {
		if t.core {
			return -1
		}
		return 1
	}
	if c := strings.Compare(t.key, o.key); c != 0 {
		return c
	}
	for i := 0; i < len(t.segs) && i < len(o.segs); i++ {
		if c := t.segs[i].compareSort(o.segs[i]); c != 0 {
			return c
		}
	}
	switch {
	case len(t.segs) < len(o.segs):
		return -1
	case len(t.segs) > len(o.segs):
		return 1
	}
	return 0
}

// Less reports whether t sorts before o.
func (t CompanyTag) Less(o CompanyTag) bool {
	return t.Compare(o) < 0
}

// Equal reports whether t and o name the same runtime.
func (t CompanyTag) Equal(o CompanyTag) bool {
	if t.core != o.core || t.key != o.key {
		return false
	}
	if strings.EqualFold(t.Tag, o.Tag) {
		return true
	}
	return t.Compare(o) == 0
}

// companyMatches reports whether t's publisher is selected by pattern. An
// empty pattern company selects every publisher.
func (t CompanyTag) companyMatches(pattern CompanyTag) bool {
	if pattern.Company == "" {
		return true
	}
	if pattern.core {
		return t.core
	}
	return !t.core && strings.HasPrefix(t.key, pattern.key)
}

// tagHasPrefix reports whether every segment of pattern prefixes the
// corresponding segment of t.
func (t CompanyTag) tagHasPrefix(pattern CompanyTag) bool {
	if len(pattern.segs) > len(t.segs) {
		return false
	}
	for i, p := range pattern.segs {
		if !t.segs[i].hasPrefix(p) {
			return false
		}
	}
	return true
}

// Match reports whether t is selected by pattern: the publisher matches and
// the pattern's tag is a prefix of t's tag, so "3.13" selects "3.13.2-64".
func (t CompanyTag) Match(pattern CompanyTag) bool {
	return t.companyMatches(pattern) && t.tagHasPrefix(pattern)
}

// Satisfied implements Filter: o is selected when it matches t as a pattern.
func (t CompanyTag) Satisfied(o CompanyTag) bool {
	return o.Match(t)
}

// HasSuffix reports whether the tag ends with suffix, ignoring case.
func (t CompanyTag) HasSuffix(suffix string) bool {
	return strings.HasSuffix(strings.ToLower(t.Tag), strings.ToLower(suffix))
}

// compareNatural compares t with bound over the bound's segments only.
func (t CompanyTag) compareNatural(bound CompanyTag) int {
	for i, b := range bound.segs {
		if i >= len(t.segs) {
			return -1
		}
		if c := t.segs[i].compareNatural(b); c != 0 {
			return c
		}
	}
	return 0
}

// MatchCompany reports whether t's publisher is selected by pattern.
func (t CompanyTag) MatchCompany(pattern CompanyTag) bool {
	return t.companyMatches(pattern)
}

// SameTag reports whether t and o have equal tags, ignoring publishers.
func (t CompanyTag) SameTag(o CompanyTag) bool {
	return New("", t.Tag).Equal(New("", o.Tag))
}

// SameCompany reports whether t and o have the same publisher.
func (t CompanyTag) SameCompany(o CompanyTag) bool {
	return t.core == o.core && t.key == o.key
}

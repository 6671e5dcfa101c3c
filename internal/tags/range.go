package tags

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/frederic-klein/pymanager/internal/dist"
)

// Filter selects CompanyTags.
type Filter interface {
	Satisfied(t CompanyTag) bool
	String() string
}

// Constraint is one comparison inside a TagRange.
type Constraint struct {
	Op  string
	Tag CompanyTag
}

// TagRange is a conjunction of constraints such as ">=3.12,<3.14".
type TagRange struct {
	text        string
	constraints []Constraint
}

var constraintRe = regexp.MustCompile(`^\s*(==|~=|>=|<=|!=|=|>|<)\s*([^\s=<>!~].*?)\s*$`)

// ParseRange parses a range expression. Constraints are separated by ',' or ';'.
func ParseRange(s string) (TagRange, error) {
	r := TagRange{text: s}
	for _, part := range strings.FieldsFunc(s, func(c rune) bool { return c == ',' || c == ';' }) {
		if strings.TrimSpace(part) == "" {
			continue
		}
		m := constraintRe.FindStringSubmatch(part)
		if m == nil {
			return TagRange{}, fmt.Errorf("invalid tag constraint %q", strings.TrimSpace(part))
		}
		r.constraints = append(r.constraints, Constraint{Op: m[1], Tag: Parse(m[2])})
	}
	if len(r.constraints) == 0 {
		return TagRange{}, fmt.Errorf("empty tag range %q", s)
	}
	return r, nil
}

// String returns the expression the range was parsed from.
func (r TagRange) String() string {
	return r.text
}

// Constraints returns the parsed constraints.
func (r TagRange) Constraints() []Constraint {
	return r.constraints
}

// Satisfied reports whether every constraint holds for t.
func (r TagRange) Satisfied(t CompanyTag) bool {
	for _, c := range r.constraints {
		if !c.Satisfied(t) {
			return false
		}
	}
	return true
}

// Satisfied reports whether the constraint holds for t. Version comparisons
// are prefix aware: ">=3.13" admits "3.13.5" and "<3.13" rejects it.
func (c Constraint) Satisfied(t CompanyTag) bool {
	if !t.companyMatches(c.Tag) {
		return false
	}
	prefix := t.tagHasPrefix(c.Tag)
	cmp := t.compareNatural(c.Tag)

	switch c.Op {
	case "=", "==":
		return prefix
	case "!=":
		return !prefix
	case ">=":
		return prefix || cmp > 0
	case ">":
		return !prefix && cmp > 0
	case "<=":
		return prefix || cmp < 0
	case "<":
		return !prefix && cmp < 0
	case "~=":
		if !prefix && cmp <= 0 {
			return false
		}
		return t.tagHasPrefix(compatibleParent(c.Tag))
	}
	return false
}

// compatibleParent drops the last numeric field of the leading version.
func compatibleParent(t CompanyTag) CompanyTag {
	v, ok := t.LeadingVersion()
	if !ok {
		return t
	}
	parent := t
	parent.segs = []segment{{isVersion: true, v: v.Parent()}}
	return parent
}

// IsRange reports whether s looks like a range expression rather than a tag.
func IsRange(s string) bool {
	s = strings.TrimSpace(s)
	if strings.ContainsAny(s, ",;") {
		return true
	}
	return s != "" && strings.ContainsRune("=<>!~", rune(s[0]))
}

// ParseFilter parses s as a TagRange when it looks like one, otherwise as a
// CompanyTag that selects by prefix.
func ParseFilter(s string) (Filter, error) {
	if IsRange(s) {
		r, err := ParseRange(s)
		if err != nil {
			return nil, err
		}
		return r, nil
	}
	return Parse(s), nil
}

// ParseFilters parses each of ss with ParseFilter.
func ParseFilters(ss []string) ([]Filter, error) {
	filters := make([]Filter, 0, len(ss))
	for _, s := range ss {
		f, err := ParseFilter(s)
		if err != nil {
			return nil, err
		}
		filters = append(filters, f)
	}
	return filters, nil
}

// InstallMatchesAny reports whether filters is empty or any of the
// install's tags satisfies any filter.
func InstallMatchesAny(install *dist.Install, filters []Filter) bool {
	if len(filters) == 0 {
		return true
	}
	for _, tag := range install.Tags() {
		ct := New(install.Company, tag)
		for _, f := range filters {
			if f.Satisfied(ct) {
				return true
			}
		}
	}
	return false
}

// EntryMatchesAny is InstallMatchesAny for an index entry.
func EntryMatchesAny(entry *dist.Entry, filters []Filter) bool {
	return InstallMatchesAny(&dist.Install{Entry: *entry}, filters)
}

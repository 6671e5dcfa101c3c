// Package version parses and orders runtime version strings such as
// "3.13.1", "3.14a2", "3.13-dev" and "3.*".
package version

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// MaxFields is the number of numeric fields kept in a sort key.
const MaxFields = 8

// Level ranks, lowest first.
const (
	levelWildcard = iota
	levelDev
	levelAlpha
	levelBeta
	levelCandidate
	levelRelease
)

var levelRanks = map[string]int{
	"*":   levelWildcard,
	"dev": levelDev,
	"a":   levelAlpha,
	"b":   levelBeta,
	"c":   levelCandidate,
	"rc":  levelCandidate,
	"":    levelRelease,
}

var versionRe = regexp.MustCompile(`(?i)^(\d+(?:\.\d+)*)(?:[.-]?(dev|rc|a|b|c|\*)\.?(\d*))?$`)

// Version is a parsed version string.
type Version struct {
	s         string
	nums      [MaxFields]int
	fields    int
	level     int
	serial    int
	hasSerial bool
	hasLevel  bool
	truncated bool
}

// Parse parses s. More than MaxFields numeric fields are truncated and
// reported through Truncated rather than an error.
func Parse(s string) (Version, error) {
	m := versionRe.FindStringSubmatch(strings.TrimSpace(s))
	if m == nil {
		return Version{}, fmt.Errorf("invalid version %q", s)
	}

	v := Version{s: s}
	parts := strings.Split(m[1], ".")
	if len(parts) > MaxFields {
		v.truncated = true
		parts = parts[:MaxFields]
	}
	for i, p := range parts {
		n, err := strconv.Atoi(p)
		if err != nil {
			return Version{}, fmt.Errorf("invalid version %q: %w", s, err)
		}
		v.nums[i] = n
	}
	v.fields = len(parts)

	level := strings.ToLower(m[2])
	v.level = levelRanks[level]
	v.hasLevel = level != ""
	if m[3] != "" {
		n, err := strconv.Atoi(m[3])
		if err != nil {
			return Version{}, fmt.Errorf("invalid version %q: %w", s, err)
		}
		v.serial = n
		v.hasSerial = true
	}
	return v, nil
}

// MustParse is like Parse but panics on error.
func MustParse(s string) Version {
	v, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return v
}

// String returns the text the version was parsed from.
func (v Version) String() string {
	return v.s
}

// IsZero reports whether v is the zero Version.
func (v Version) IsZero() bool {
	return v.s == "" && v.fields == 0
}

// Truncated reports whether numeric fields were dropped while parsing.
func (v Version) Truncated() bool {
	return v.truncated
}

// FieldCount returns the number of numeric fields that were given.
func (v Version) FieldCount() int {
	return v.fields
}

// Field returns numeric field i, or 0 when not given.
func (v Version) Field(i int) int {
	if i < 0 || i >= MaxFields {
		return 0
	}
	return v.nums[i]
}

// IsWildcard reports whether v ends in "*".
func (v Version) IsWildcard() bool {
	return v.hasLevel && v.level == levelWildcard
}

// IsPrereleaseMatch reports whether v ends in "dev" and so matches any
// prerelease of its numeric prefix.
func (v Version) IsPrereleaseMatch() bool {
	return v.level == levelDev
}

// IsPrerelease reports whether v names a dev, alpha, beta or candidate build.
func (v Version) IsPrerelease() bool {
	return v.level > levelWildcard && v.level < levelRelease
}

// SortKey returns the comparison tuple: the numeric fields padded to
// MaxFields, then field count, level rank and serial.
func (v Version) SortKey() []int {
	key := make([]int, 0, MaxFields+3)
	key = append(key, v.nums[:]...)
	return append(key, v.fields, v.level, v.serial)
}

// Compare returns -1, 0 or +1. Wildcards compare equal to any version
// sharing their numeric prefix, and dev versions compare equal to any version
// with the same numeric fields.
func (v Version) Compare(o Version) int {
	if v.IsWildcard() || o.IsWildcard() {
		n := v.fields
		if o.IsWildcard() && (!v.IsWildcard() || o.fields < n) {
			n = o.fields
		}
		if compareInts(v.nums[:n], o.nums[:n]) == 0 {
			return 0
		}
	}
	if v.IsPrereleaseMatch() || o.IsPrereleaseMatch() {
		if v.nums == o.nums {
			return 0
		}
	}
	return compareInts(v.SortKey(), o.SortKey())
}

// Equal reports whether v and o compare equal.
func (v Version) Equal(o Version) bool {
	return v.Compare(o) == 0
}

// Less reports whether v sorts before o.
func (v Version) Less(o Version) bool {
	return v.Compare(o) < 0
}

// HasPrefix reports whether v begins with prefix: every numeric field given
// in prefix matches, and a level or serial in prefix matches too.
func (v Version) HasPrefix(prefix Version) bool {
	n := prefix.fields
	if compareInts(v.nums[:n], prefix.nums[:n]) != 0 {
		return false
	}
	if !prefix.hasLevel || prefix.level == levelWildcard || prefix.level == levelDev {
		return true
	}
	if v.fields != n || v.level != prefix.level {
		return false
	}
	return !prefix.hasSerial || v.serial == prefix.serial
}

// Parent returns v with its last numeric field and any level removed. The
// parent of a single-field version is itself.
func (v Version) Parent() Version {
	p := Version{fields: v.fields, level: levelRelease}
	copy(p.nums[:], v.nums[:])
	if p.fields > 1 {
		p.fields--
		p.nums[p.fields] = 0
	}
	parts := make([]string, p.fields)
	for i := 0; i < p.fields; i++ {
		parts[i] = strconv.Itoa(p.nums[i])
	}
	p.s = strings.Join(parts, ".")
	return p
}

func compareInts(a, b []int) int {
	for i := 0; i < len(a) && i < len(b); i++ {
		if a[i] < b[i] {
			return -1
		}
		if a[i] > b[i] {
			return 1
		}
	}
	switch {
	case len(a) < len(b):
		return -1
	case len(a) > len(b):
		return 1
	}
	return 0
}

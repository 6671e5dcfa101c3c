// Package resolver picks the installed runtime that should run a request:
// a tag, a range, the configured default, or a script's shebang.
package resolver

import (
	"strings"

	"github.com/frederic-klein/pymanager/internal/dist"
	pmerrors "github.com/frederic-klein/pymanager/internal/errors"
	"github.com/frederic-klein/pymanager/internal/installs"
	"github.com/frederic-klein/pymanager/internal/logging"
	"github.com/frederic-klein/pymanager/internal/tags"
)

// RunOptions narrow the candidates after tag matching. Each filter is
// ignored when it would leave nothing.
type RunOptions struct {
	// Windowed, when set, prefers run-for entries with the same windowed flag.
	Windowed *bool
	// DefaultPlatform prefers tags ending with this suffix, such as "-64".
	DefaultPlatform string
}

// Resolver resolves requests against a snapshot of installs.
type Resolver struct {
	installs   []*dist.Install
	defaultTag string
	log        *logging.Logger
}

// NewResolver creates a resolver over snapshot, which must already be in
// display order.
func NewResolver(snapshot []*dist.Install, defaultTag string, log *logging.Logger) *Resolver {
	if log == nil {
		log = logging.Nop()
	}
	return &Resolver{installs: snapshot, defaultTag: defaultTag, log: log}
}

type candidate struct {
	install *dist.Install
	runFor  dist.RunFor
}

const (
	bucketExact = iota
	bucketCore
	bucketOther
	bucketUnmanaged
	bucketCount
)

// GetInstallToRun returns the install selected by tag, or by the default
// tag when tag is empty. The returned install is a copy whose Executable
// points at the chosen run-for target.
func (r *Resolver) GetInstallToRun(tag string, opts RunOptions) (*dist.Install, error) {
	if len(r.installs) == 0 {
		return nil, noInstalls()
	}
	usedDefault := false
	if tag == "" {
		if venv := r.installs[0]; venv.ID == installs.VenvID {
			r.log.Verbose("Using active virtual environment %s", venv.Prefix)
			if len(venv.RunFor) == 0 {
				chosen := venv.Clone()
				return &chosen, nil
			}
			return pick(candidate{venv, chooseVenvRunFor(venv, opts)}), nil
		}
		tag = r.defaultTag
		usedDefault = true
	}

	filter, err := tags.ParseFilter(tag)
	if err != nil {
		return nil, pmerrors.Wrap(pmerrors.ErrCodeArgument, "invalid tag "+tag, err)
	}
	matches := r.collect(filter)
	matches = keepIfAny(matches, func(c candidate) bool {
		return opts.Windowed == nil || (c.runFor.Windowed != 0) == *opts.Windowed
	})
	if opts.DefaultPlatform != "" {
		matches = keepIfAny(matches, func(c candidate) bool {
			return tags.New(c.install.Company, c.runFor.Tag).HasSuffix(opts.DefaultPlatform)
		})
	}

	if len(matches) == 0 {
		if usedDefault {
			r.log.Verbose("No install matches the default tag %s", tag)
			return nil, noInstalls()
		}
		return nil, pmerrors.NoInstallFound(tag)
	}
	r.log.Debug("Selected %s (%s) for %s", matches[0].install.ID, matches[0].runFor.Target, tag)
	return pick(matches[0]), nil
}

func (r *Resolver) collect(filter tags.Filter) []candidate {
	var buckets [bucketCount][]candidate
	exact, isTag := filter.(tags.CompanyTag)

	for _, install := range r.installs {
		for _, rf := range install.RunFor {
			ct := tags.New(install.Company, rf.Tag)
			if !filter.Satisfied(ct) {
				continue
			}
			c := candidate{install, rf}
			switch {
			case isTag && ct.Equal(exact):
				buckets[bucketExact] = append(buckets[bucketExact], c)
			case install.Unmanaged:
				buckets[bucketUnmanaged] = append(buckets[bucketUnmanaged], c)
			case ct.IsCore():
				buckets[bucketCore] = append(buckets[bucketCore], c)
			default:
				buckets[bucketOther] = append(buckets[bucketOther], c)
			}
		}
	}

	var all []candidate
	for _, b := range buckets {
		all = append(all, b...)
	}
	return all
}

// chooseVenvRunFor expects venv to have at least one run-for entry.
func chooseVenvRunFor(venv *dist.Install, opts RunOptions) dist.RunFor {
	for _, rf := range venv.RunFor {
		if opts.Windowed == nil || (rf.Windowed != 0) == *opts.Windowed {
			return rf
		}
	}
	return venv.RunFor[0]
}

func keepIfAny(matches []candidate, keep func(candidate) bool) []candidate {
	var kept []candidate
	for _, m := range matches {
		if keep(m) {
			kept = append(kept, m)
		}
	}
	if len(kept) == 0 {
		return matches
	}
	return kept
}

func pick(c candidate) *dist.Install {
	chosen := c.install.WithExecutable(c.runFor.Target, c.runFor.Args)
	return &chosen
}

func noInstalls() error {
	return pmerrors.New(pmerrors.ErrCodeNoInstalls, "no runtimes are installed")
}

// baseName returns the last element of a Windows or POSIX path.
func baseName(p string) string {
	if i := strings.LastIndexAny(p, `\/`); i >= 0 {
		return p[i+1:]
	}
	return p
}

// Package installs reads and writes the records of installed runtimes.
package installs

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/bytedance/sonic"

	"github.com/frederic-klein/pymanager/internal/dist"
	pmerrors "github.com/frederic-klein/pymanager/internal/errors"
	"github.com/frederic-klein/pymanager/internal/fsutil"
	"github.com/frederic-klein/pymanager/internal/index"
	"github.com/frederic-klein/pymanager/internal/logging"
	"github.com/frederic-klein/pymanager/internal/tags"
	"github.com/frederic-klein/pymanager/internal/transport"
	"github.com/frederic-klein/pymanager/internal/version"
	"github.com/frederic-klein/pymanager/internal/winreg"
)

// VenvID is the id of the synthetic install describing an active virtual
// environment.
const VenvID = "__active-virtual-env"

// Options control GetInstalls.
type Options struct {
	IncludeUnmanaged bool
	// VirtualEnv is the active virtual environment directory, if any.
	VirtualEnv string
	// DefaultTag selects the install marked as default.
	DefaultTag string
}

// Store reads install manifests below one directory.
type Store struct {
	installDir string
	reg        winreg.Registry
	roots      []string
	log        *logging.Logger
}

// NewStore creates a store for installDir. reg is used to discover
// unmanaged runtimes and may be nil.
func NewStore(installDir string, reg winreg.Registry, log *logging.Logger) *Store {
	if log == nil {
		log = logging.Nop()
	}
	return &Store{installDir: installDir, reg: reg, roots: DefaultPEP514Roots, log: log}
}

// WithPEP514Roots replaces the registry roots scanned for unmanaged installs.
func (s *Store) WithPEP514Roots(roots ...string) *Store {
	s.roots = roots
	return s
}

// InstallDir returns the directory holding managed installs.
func (s *Store) InstallDir() string {
	return s.installDir
}

// PrefixFor returns the default prefix for id.
func (s *Store) PrefixFor(id string) string {
	return filepath.Join(s.installDir, id)
}

// GetInstalls returns every install, ordered for display, with the default
// assigned and aliases de-duplicated.
func (s *Store) GetInstalls(opts Options) ([]*dist.Install, error) {
	installs, err := s.managed()
	if err != nil {
		return nil, err
	}
	if opts.IncludeUnmanaged && s.reg != nil {
		installs = append(installs, s.unmanaged(installs)...)
	}
	SortInstalls(installs)

	if opts.VirtualEnv != "" {
		if venv := s.virtualEnv(opts.VirtualEnv); venv != nil {
			installs = append([]*dist.Install{venv}, installs...)
		}
	}
	if err := AssignDefault(installs, opts.DefaultTag); err != nil {
		s.log.Warn("Ignoring invalid default tag %q: %v", opts.DefaultTag, err)
	}
	DedupeAliases(installs)
	return installs, nil
}

func (s *Store) managed() ([]*dist.Install, error) {
	if !fsutil.Exists(s.installDir) {
		return nil, nil
	}
	manifests, err := fsutil.Glob(s.installDir, "*/"+dist.ManifestName)
	if err != nil {
		return nil, err
	}
	sort.Strings(manifests)

	var installs []*dist.Install
	for _, m := range manifests {
		install, err := ReadManifest(filepath.Dir(m))
		switch {
		case err == nil:
			installs = append(installs, install)
		case pmerrors.IsKind(err, pmerrors.ErrCodeInvalidFeedVersion):
			s.log.Warn("Unrecognized schema in %s; ignoring this install", m)
		default:
			s.log.Warn("Failed to read %s: %v", m, err)
		}
	}
	return installs, nil
}

// ReadManifest loads the install recorded in prefix.
func ReadManifest(prefix string) (*dist.Install, error) {
	path := filepath.Join(prefix, dist.ManifestName)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, pmerrors.Newf(pmerrors.ErrCodeInvalidInstall, "%s does not contain an install", prefix)
		}
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}
	install, err := index.LoadManifest(data)
	if err != nil {
		return nil, err
	}
	install.Prefix = prefix
	install.Executable = install.Resolve(install.Executable)
	return install, nil
}

// WriteManifest records install in prefix with credentials removed from its
// URLs.
func WriteManifest(prefix string, install *dist.Install) error {
	record := install.Clone()
	record.Schema = dist.SchemaVersion
	record.URL = transport.SanitiseURL(record.URL)
	record.Source = transport.SanitiseURL(record.Source)
	if rel, err := filepath.Rel(prefix, record.Executable); err == nil && filepath.IsAbs(record.Executable) && !strings.HasPrefix(rel, "..") {
		record.Executable = rel
	}
	data, err := sonic.ConfigStd.MarshalIndent(&record, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding manifest: %w", err)
	}
	return fsutil.WriteFileAtomic(filepath.Join(prefix, dist.ManifestName), data, 0644)
}

// SortInstalls orders releases before prereleases, then by CompanyTag.
func SortInstalls(installs []*dist.Install) {
	sort.SliceStable(installs, func(i, j int) bool {
		pi, pj := isPrerelease(installs[i]), isPrerelease(installs[j])
		if pi != pj {
			return pj
		}
		return companyTag(installs[i]).Less(companyTag(installs[j]))
	})
}

func companyTag(i *dist.Install) tags.CompanyTag {
	return tags.New(i.Company, i.Tag)
}

func isPrerelease(i *dist.Install) bool {
	if companyTag(i).IsPrerelease() {
		return true
	}
	v, err := version.Parse(i.SortVersion)
	return err == nil && v.IsPrerelease()
}

// AssignDefault marks the first install selected by defaultTag.
func AssignDefault(installs []*dist.Install, defaultTag string) error {
	for _, i := range installs {
		i.Default = false
	}
	if defaultTag == "" {
		return nil
	}
	filter, err := tags.ParseFilter(defaultTag)
	if err != nil {
		return err
	}
	for _, i := range installs {
		if i.ID == VenvID {
			continue
		}
		if tags.InstallMatchesAny(i, []tags.Filter{filter}) {
			i.Default = true
			return nil
		}
	}
	return nil
}

// DedupeAliases drops aliases whose name an earlier install already uses.
func DedupeAliases(installs []*dist.Install) {
	seen := map[string]bool{}
	for _, i := range installs {
		kept := i.Alias[:0:0]
		for _, a := range i.Alias {
			key := strings.ToLower(a.Name)
			if seen[key] {
				continue
			}
			seen[key] = true
			kept = append(kept, a)
		}
		i.Alias = kept
	}
}

// FindByID returns the install with id, ignoring case.
func FindByID(installs []*dist.Install, id string) *dist.Install {
	for _, i := range installs {
		if strings.EqualFold(i.ID, id) {
			return i
		}
	}
	return nil
}

package installs

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/frederic-klein/pymanager/internal/dist"
	"github.com/frederic-klein/pymanager/internal/fsutil"
	"github.com/frederic-klein/pymanager/internal/tags"
	"github.com/frederic-klein/pymanager/internal/version"
	"github.com/frederic-klein/pymanager/internal/winreg"
)

// DefaultPEP514Roots are scanned for runtimes registered by other installers.
var DefaultPEP514Roots = []string{
	`HKEY_CURRENT_USER\Software\Python`,
	`HKEY_LOCAL_MACHINE\Software\Python`,
	`HKEY_LOCAL_MACHINE\Software\WOW6432Node\Python`,
}

// companies that never describe a runtime.
var skipCompanies = map[string]bool{"pylauncher": true}

func (s *Store) unmanaged(managed []*dist.Install) []*dist.Install {
	seen := map[string]bool{}
	prefixes := map[string]bool{}
	for _, i := range managed {
		prefixes[strings.ToLower(filepath.Clean(i.Prefix))] = true
	}

	var found []*dist.Install
	for _, root := range s.roots {
		companies, err := s.reg.SubKeys(root)
		if err != nil {
			continue
		}
		for _, company := range companies {
			if skipCompanies[strings.ToLower(company)] {
				continue
			}
			companyKey := winreg.Join(root, company)
			tagNames, err := s.reg.SubKeys(companyKey)
			if err != nil {
				continue
			}
			for _, tag := range tagNames {
				tagKey := winreg.Join(companyKey, tag)
				key := strings.ToLower(company + `\` + tag)
				if seen[key] || winreg.IsManaged(s.reg, tagKey) {
					continue
				}
				install := s.fromRegistry(tagKey, company, tag)
				if install == nil || prefixes[strings.ToLower(filepath.Clean(install.Prefix))] {
					continue
				}
				seen[key] = true
				found = append(found, install)
			}
		}
	}
	return found
}

func (s *Store) fromRegistry(key, company, tag string) *dist.Install {
	installPath := winreg.Join(key, "InstallPath")
	prefix := winreg.GetString(s.reg, installPath, "")
	if prefix == "" {
		return nil
	}
	exe := winreg.GetString(s.reg, installPath, "ExecutablePath")
	if exe == "" {
		exe = filepath.Join(prefix, "python.exe")
	}
	exew := winreg.GetString(s.reg, installPath, "WindowedExecutablePath")
	if exew == "" {
		exew = filepath.Join(prefix, "pythonw.exe")
	}

	sortVersion := winreg.GetString(s.reg, key, "Version")
	if _, err := version.Parse(sortVersion); err != nil {
		sortVersion = "0"
		if v, ok := tags.New(company, tag).LeadingVersion(); ok {
			sortVersion = v.String()
		}
	}
	name := winreg.GetString(s.reg, key, "DisplayName")
	if name == "" {
		name = fmt.Sprintf("%s %s", company, tag)
	}

	install := &dist.Install{
		Entry: dist.Entry{
			Schema:      dist.SchemaVersion,
			ID:          fmt.Sprintf("__unmanaged-%s-%s", strings.ToLower(company), strings.ToLower(tag)),
			SortVersion: sortVersion,
			Company:     company,
			Tag:         tag,
			InstallFor:  []string{tag},
			RunFor: []dist.RunFor{
				{Tag: tag, Target: exe},
				{Tag: tag, Target: exew, Windowed: 1},
			},
			DisplayName: name,
			Executable:  exe,
		},
		Prefix:    prefix,
		Unmanaged: true,
	}
	s.log.Debug("Found unmanaged install %s at %s", install.ID, prefix)
	return install
}

func (s *Store) virtualEnv(dir string) *dist.Install {
	cfg := filepath.Join(dir, "pyvenv.cfg")
	if !fsutil.Exists(cfg) {
		s.log.Debug("Ignoring virtual environment %s without pyvenv.cfg", dir)
		return nil
	}
	sortVersion := "0"
	if v := readVenvVersion(cfg); v != "" {
		if _, err := version.Parse(v); err == nil {
			sortVersion = v
		}
	}
	const tag = "(venv)"
	return &dist.Install{
		Entry: dist.Entry{
			Schema:      dist.SchemaVersion,
			ID:          VenvID,
			SortVersion: sortVersion,
			Company:     "---",
			Tag:         tag,
			InstallFor:  []string{tag},
			RunFor: []dist.RunFor{
				{Tag: tag, Target: `Scripts\python.exe`},
				{Tag: tag, Target: `Scripts\pythonw.exe`, Windowed: 1},
			},
			DisplayName: "Active virtual environment",
			Executable:  filepath.Join(dir, "Scripts", "python.exe"),
		},
		Prefix:    dir,
		Unmanaged: true,
	}
}

func readVenvVersion(cfg string) string {
	f, err := os.Open(cfg)
	if err != nil {
		return ""
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		k, v, ok := strings.Cut(sc.Text(), "=")
		if !ok {
			continue
		}
		switch strings.ToLower(strings.TrimSpace(k)) {
		case "version", "version_info":
			return strings.TrimSpace(v)
		}
	}
	return ""
}

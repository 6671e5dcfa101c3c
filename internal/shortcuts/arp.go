package shortcuts

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/frederic-klein/pymanager/internal/dist"
	"github.com/frederic-klein/pymanager/internal/fsutil"
	"github.com/frederic-klein/pymanager/internal/tags"
	"github.com/frederic-klein/pymanager/internal/winreg"
)

// ARPKeyPrefix starts the name of every Add/Remove Programs key written.
const ARPKeyPrefix = "pymanager-"

func (r *Reconciler) arpKey(install *dist.Install) string {
	return winreg.Join(r.opts.ARPRoot, ARPKeyPrefix+install.ID)
}

func (r *Reconciler) managerExe() string {
	if r.opts.ManagerExe != "" {
		return r.opts.ManagerExe
	}
	exe, err := os.Executable()
	if err != nil {
		return "pymanager.exe"
	}
	return exe
}

func publisher(install *dist.Install) string {
	if tags.IsCoreCompany(install.Company) {
		return "Python Software Foundation"
	}
	return install.Company
}

func (r *Reconciler) arpTree(install *dist.Install) *winreg.Tree {
	key := r.arpKey(install)
	installDate := winreg.GetString(r.reg, key, "InstallDate")
	if installDate == "" {
		installDate = time.Now().Format("20060102")
	}
	var sizeKiB uint32
	if size, err := fsutil.DirSize(install.Prefix); err == nil {
		sizeKiB = uint32((size + 1023) / 1024)
	}
	name := install.DisplayName
	if name == "" {
		name = install.ID
	}
	return &winreg.Tree{
		Values: map[string]winreg.Value{
			winreg.ManagedValue: winreg.DW(1),
			"NoModify":          winreg.DW(1),
			"NoRepair":          winreg.DW(1),
			"InstallLocation":   winreg.Str(install.Prefix),
			"DisplayName":       winreg.Str(name),
			"Publisher":         winreg.Str(publisher(install)),
			"DisplayVersion":    winreg.Str(install.SortVersion),
			"DisplayIcon":       winreg.Str(install.Executable),
			"EstimatedSize":     winreg.DW(sizeKiB),
			"InstallDate":       winreg.Str(installDate),
			"UninstallString":   winreg.Str(fmt.Sprintf(`"%s" uninstall --yes --by-id %s`, r.managerExe(), install.ID)),
		},
	}
}

// updateARP writes one Add/Remove Programs entry per install and removes
// managed entries whose install is gone.
func (r *Reconciler) updateARP(installs []*dist.Install) error {
	if r.reg == nil {
		return nil
	}
	keep := map[string]bool{}
	var errs []error
	for _, install := range installs {
		key := r.arpKey(install)
		keep[strings.ToLower(key)] = true
		if err := winreg.WriteTree(r.reg, key, r.arpTree(install)); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", install.ID, err))
		}
	}

	names, err := r.reg.SubKeys(r.opts.ARPRoot)
	if errors.Is(err, winreg.ErrNotExist) {
		return errors.Join(errs...)
	} else if err != nil {
		return errors.Join(append(errs, err)...)
	}
	for _, name := range names {
		if !strings.HasPrefix(strings.ToLower(name), ARPKeyPrefix) {
			continue
		}
		key := winreg.Join(r.opts.ARPRoot, name)
		if keep[strings.ToLower(key)] || !winreg.IsManaged(r.reg, key) {
			continue
		}
		r.log.Verbose("Removing installed apps entry %s", name)
		if err := winreg.Retry(func() error { return r.reg.DeleteTree(key) }); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

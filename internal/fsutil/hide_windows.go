//go:build windows

package fsutil

import (
	"fmt"

	"golang.org/x/sys/windows"
)

// HideFile sets the hidden attribute on path.
func HideFile(path string) error {
	p, err := windows.UTF16PtrFromString(path)
	if err != nil {
		return err
	}
	attrs, err := windows.GetFileAttributes(p)
	if err != nil {
		return fmt.Errorf("reading attributes of %s: %w", path, err)
	}
	if attrs&windows.FILE_ATTRIBUTE_HIDDEN != 0 {
		return nil
	}
	if err := windows.SetFileAttributes(p, attrs|windows.FILE_ATTRIBUTE_HIDDEN); err != nil {
		return fmt.Errorf("hiding %s: %w", path, err)
	}
	return nil
}

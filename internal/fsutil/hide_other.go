//go:build !windows

package fsutil

// HideFile is a no-op where files have no hidden attribute.
func HideFile(path string) error {
	return nil
}

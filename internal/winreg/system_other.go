//go:build !windows

package winreg

// NewSystem returns an empty in-memory registry on hosts without one.
func NewSystem() Registry {
	return NewMemory()
}

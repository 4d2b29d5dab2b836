//go:build !plugindyn || !linux

package plugin

import "errors"

// ErrDynamicUnsupported is returned when the binary was built without plugin loading.
var ErrDynamicUnsupported = errors.New("dynamic provider loading not supported in this build (use -tags=plugindyn on Linux)")

// LoadDynamicPlugins is unavailable in this build.
func (r *Registry) LoadDynamicPlugins(dir string) error {
	return ErrDynamicUnsupported
}

//go:build plugindyn && linux

package plugin

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"plugin"
	"strings"
)

// EnvPluginPath overrides the directory searched for provider .so files.
const EnvPluginPath = "FV_PLUGIN_PATH"

// LoadDynamicPlugins loads provider .so files from dir. Each must export
// `func RegisterPlugins(*plugin.Registry) error`, and registers into r.
// An empty dir falls back to $FV_PLUGIN_PATH, then /usr/local/lib/foundation-voice/plugins.
func (r *Registry) LoadDynamicPlugins(dir string) error {
	if dir == "" {
		dir = os.Getenv(EnvPluginPath)
		if dir == "" {
			dir = "/usr/local/lib/foundation-voice/plugins"
		}
	}

	if _, err := os.Stat(dir); os.IsNotExist(err) {
		return nil
	}

	soFiles, err := filepath.Glob(filepath.Join(dir, "*.so"))
	if err != nil {
		return fmt.Errorf("failed to search for plugin files in %s: %w", dir, err)
	}

	for _, soFile := range soFiles {
		if err := r.loadPlugin(soFile); err != nil {
			return fmt.Errorf("failed to load plugin %s: %w", soFile, err)
		}
	}

	if len(soFiles) > 0 {
		slog.Info("Loaded dynamic provider plugins",
			slog.Int("count", len(soFiles)),
			slog.String("directory", dir))
	}
	return nil
}

func (r *Registry) loadPlugin(soFile string) error {
	p, err := plugin.Open(soFile)
	if err != nil {
		return fmt.Errorf("failed to open plugin file: %w", err)
	}

	sym, err := p.Lookup("RegisterPlugins")
	if err != nil {
		return fmt.Errorf("plugin does not export RegisterPlugins: %w", err)
	}

	register, ok := sym.(func(*Registry) error)
	if !ok {
		return fmt.Errorf("RegisterPlugins has signature %T, want func(*plugin.Registry) error", sym)
	}
	if err := register(r); err != nil {
		return fmt.Errorf("plugin registration failed: %w", err)
	}

	slog.Info("Loaded provider plugin",
		slog.String("name", strings.TrimSuffix(filepath.Base(soFile), ".so")),
		slog.String("file", soFile))
	return nil
}

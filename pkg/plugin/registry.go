// Package plugin is the provider factory: a registry of VAD, STT, LLM and TTS
// constructors keyed by kind and provider name. Provider packages register
// themselves from init(); hosts select them by importing the package.
package plugin

import (
	"fmt"
	"sort"
	"sync"

	"github.com/chriscow/foundation-voice-go/pkg/ai/llm"
	"github.com/chriscow/foundation-voice-go/pkg/ai/stt"
	"github.com/chriscow/foundation-voice-go/pkg/ai/tts"
	"github.com/chriscow/foundation-voice-go/pkg/ai/vad"
)

// Kind is the closed set of provider categories.
type Kind string

const (
	KindVAD Kind = "vad"
	KindSTT Kind = "stt"
	KindLLM Kind = "llm"
	KindTTS Kind = "tts"
)

// Kinds lists every provider kind in pipeline order.
var Kinds = []Kind{KindVAD, KindSTT, KindLLM, KindTTS}

// ParseKind validates a kind name.
func ParseKind(s string) (Kind, error) {
	switch k := Kind(s); k {
	case KindVAD, KindSTT, KindLLM, KindTTS:
		return k, nil
	}
	return "", fmt.Errorf("unknown provider kind %q", s)
}

// Factory creates a new provider instance from configuration.
// The returned value must implement the interface for the plugin's kind.
type Factory func(cfg map[string]any) (any, error)

// Downloader is implemented by plugins that fetch model files before use.
type Downloader interface {
	Download() error
}

// Plugin represents a registered provider with its metadata.
type Plugin struct {
	Kind        Kind
	Name        string
	Factory     Factory
	Description string
	Version     string
	Config      map[string]any // documented options and defaults

	// Available reports whether the provider's backing capability is present
	// in this build. Nil means always available.
	Available func() error
	// InstallHint tells the operator how to make the provider available.
	InstallHint string

	Downloader Downloader
}

// Registry manages plugin registration and lookup.
type Registry struct {
	mu      sync.RWMutex
	plugins map[Kind]map[string]*Plugin
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{plugins: make(map[Kind]map[string]*Plugin)}
}

var globalRegistry = NewRegistry()

// Default returns the process registry that provider packages register into.
func Default() *Registry { return globalRegistry }

// Register adds a provider to the global registry.
// Panics if the pair is already registered.
func Register(kind Kind, name string, factory Factory) {
	globalRegistry.Register(kind, name, factory)
}

// RegisterWithMetadata adds a provider with metadata to the global registry.
func RegisterWithMetadata(p *Plugin) {
	globalRegistry.RegisterWithMetadata(p)
}

// Get retrieves a factory from the global registry.
func Get(kind Kind, name string) (Factory, bool) {
	return globalRegistry.Get(kind, name)
}

// List returns all registered providers of a kind; empty kind lists all.
func List(kind Kind) []*Plugin {
	return globalRegistry.List(kind)
}

// Register adds a provider to this registry instance.
func (r *Registry) Register(kind Kind, name string, factory Factory) {
	r.RegisterWithMetadata(&Plugin{Kind: kind, Name: name, Factory: factory})
}

// RegisterWithMetadata adds a provider with metadata to this registry instance.
// Panics on an invalid kind, empty name, nil factory or duplicate pair.
func (r *Registry) RegisterWithMetadata(p *Plugin) {
	if _, err := ParseKind(string(p.Kind)); err != nil {
		panic("plugin kind " + err.Error())
	}
	if p.Name == "" {
		panic("plugin name cannot be empty")
	}
	if p.Factory == nil {
		panic("plugin factory cannot be nil")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.plugins[p.Kind] == nil {
		r.plugins[p.Kind] = make(map[string]*Plugin)
	}

	if existing, exists := r.plugins[p.Kind][p.Name]; exists {
		panic(fmt.Sprintf("plugin %s/%s already registered (existing version: %s, new version: %s)",
			p.Kind, p.Name, existing.Version, p.Version))
	}

	r.plugins[p.Kind][p.Name] = p
}

// Lookup returns the plugin registered for the pair.
func (r *Registry) Lookup(kind Kind, name string) (*Plugin, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	p, ok := r.plugins[kind][name]
	return p, ok
}

// Get retrieves a factory from this registry instance.
func (r *Registry) Get(kind Kind, name string) (Factory, bool) {
	p, ok := r.Lookup(kind, name)
	if !ok {
		return nil, false
	}
	return p.Factory, true
}

// List returns registered providers sorted by kind then name.
func (r *Registry) List(kind Kind) []*Plugin {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var plugins []*Plugin
	for k, byName := range r.plugins {
		if kind != "" && k != kind {
			continue
		}
		for _, p := range byName {
			plugins = append(plugins, p)
		}
	}

	sort.Slice(plugins, func(i, j int) bool {
		if plugins[i].Kind != plugins[j].Kind {
			return plugins[i].Kind < plugins[j].Kind
		}
		return plugins[i].Name < plugins[j].Name
	})
	return plugins
}

// Clear removes all plugins from this registry instance.
func (r *Registry) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.plugins = make(map[Kind]map[string]*Plugin)
}

// CheckProvider satisfies config.ProviderChecker.
func (r *Registry) CheckProvider(kind, name string) error {
	k, err := ParseKind(kind)
	if err != nil {
		return err
	}
	if _, ok := r.Lookup(k, name); !ok {
		return &UnknownProviderError{Kind: k, Name: name}
	}
	return nil
}

// Build looks up the pair, checks its capability and constructs the client.
// No factory runs when the pair is unknown or unavailable.
func (r *Registry) Build(kind Kind, name string, cfg map[string]any) (any, error) {
	p, ok := r.Lookup(kind, name)
	if !ok {
		return nil, &UnknownProviderError{Kind: kind, Name: name}
	}

	if p.Available != nil {
		if err := p.Available(); err != nil {
			return nil, &MissingDependencyError{Kind: kind, Name: name, Hint: p.InstallHint, Err: err}
		}
	}

	if cfg == nil {
		cfg = map[string]any{}
	}
	client, err := p.Factory(cfg)
	if err != nil {
		return nil, fmt.Errorf("build %s/%s: %w", kind, name, err)
	}

	if !implements(kind, client) {
		return nil, fmt.Errorf("build %s/%s: %w (got %T)", kind, name, ErrWrongKind, client)
	}
	return client, nil
}

// Status reports availability for listing.
func (r *Registry) Status(p *Plugin) error {
	if p.Available == nil {
		return nil
	}
	return p.Available()
}

func implements(kind Kind, v any) bool {
	switch kind {
	case KindVAD:
		_, ok := v.(vad.VAD)
		return ok
	case KindSTT:
		_, ok := v.(stt.STT)
		return ok
	case KindLLM:
		_, ok := v.(llm.LLM)
		return ok
	case KindTTS:
		_, ok := v.(tts.TTS)
		return ok
	}
	return false
}

// BuildLLM builds an LLM provider.
func (r *Registry) BuildLLM(name string, cfg map[string]any) (llm.LLM, error) {
	v, err := r.Build(KindLLM, name, cfg)
	if err != nil {
		return nil, err
	}
	return v.(llm.LLM), nil
}

// BuildSTT builds an STT provider.
func (r *Registry) BuildSTT(name string, cfg map[string]any) (stt.STT, error) {
	v, err := r.Build(KindSTT, name, cfg)
	if err != nil {
		return nil, err
	}
	return v.(stt.STT), nil
}

// BuildTTS builds a TTS provider.
func (r *Registry) BuildTTS(name string, cfg map[string]any) (tts.TTS, error) {
	v, err := r.Build(KindTTS, name, cfg)
	if err != nil {
		return nil, err
	}
	return v.(tts.TTS), nil
}

// BuildVAD builds a VAD provider.
func (r *Registry) BuildVAD(name string, cfg map[string]any) (vad.VAD, error) {
	v, err := r.Build(KindVAD, name, cfg)
	if err != nil {
		return nil, err
	}
	return v.(vad.VAD), nil
}

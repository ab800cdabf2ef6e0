package protocol

import (
	"fmt"
	"sort"
	"sync"

	"github.com/mitchellh/mapstructure"

	"firestige.xyz/dissect/internal/core"
)

// Factory builds a profile from its configuration options.
type Factory func(options map[string]any) (Profile, error)

var (
	mu        sync.RWMutex
	factories = make(map[string]Factory)
)

// Register makes a profile available under name. Profiles register
// themselves from init.
func Register(name string, f Factory) {
	mu.Lock()
	defer mu.Unlock()

	if _, exists := factories[name]; exists {
		panic(fmt.Sprintf("protocol profile '%s' already registered", name))
	}
	factories[name] = f
}

// New builds the profile registered under name.
func New(name string, options map[string]any) (Profile, error) {
	mu.RLock()
	f, ok := factories[name]
	mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("%w: '%s'", core.ErrUnknownProfile, name)
	}
	return f(options)
}

// Names lists the registered profiles in sorted order.
func Names() []string {
	mu.RLock()
	defer mu.RUnlock()

	names := make([]string, 0, len(factories))
	for name := range factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// DecodeOptions decodes free-form profile options into out, rejecting keys
// the profile does not know.
func DecodeOptions(options map[string]any, out any) error {
	if len(options) == 0 {
		return nil
	}
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           out,
		ErrorUnused:      true,
		WeaklyTypedInput: true,
		DecodeHook:       mapstructure.StringToTimeDurationHookFunc(),
	})
	if err != nil {
		return err
	}
	if err := dec.Decode(options); err != nil {
		return fmt.Errorf("decode profile options: %w", err)
	}
	return nil
}

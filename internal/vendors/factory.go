package vendors

import (
	"fmt"
	"sort"
	"sync"
)

var (
	registryMutex    sync.RWMutex
	providerRegistry = make(map[string]NewFunc)
)

// Register adds a new provider constructor to the registry.
// This is typically called from the provider's package init() function.
func Register(name string, newFunc NewFunc) {
	registryMutex.Lock()
	defer registryMutex.Unlock()

	if _, exists := providerRegistry[name]; exists {
		return
	}
	providerRegistry[name] = newFunc
}

// Get returns the constructor registered under name.
func Get(name string) (NewFunc, error) {
	registryMutex.RLock()
	defer registryMutex.RUnlock()

	newFunc, exists := providerRegistry[name]
	if !exists {
		return nil, fmt.Errorf("%w: %s", ErrUnknownProvider, name)
	}
	return newFunc, nil
}

// Names lists registered providers, sorted.
func Names() []string {
	registryMutex.RLock()
	defer registryMutex.RUnlock()

	names := make([]string, 0, len(providerRegistry))
	for name := range providerRegistry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

package publish

import (
	"fmt"
	"sort"
	"strings"
	"sync"
)

// ErrUnknownPlatform wraps the platform name in For's error; callers match
// it with errors.Is.
var ErrUnknownPlatform = fmt.Errorf("publish: unknown platform")

// Registry maps platform names to their publishers. Registration happens at
// startup; lookups are concurrency-safe.
type Registry struct {
	mu         sync.RWMutex
	publishers map[string]Publisher
}

func NewRegistry() *Registry {
	return &Registry{publishers: map[string]Publisher{}}
}

// Register adds p under its platform name, replacing any previous publisher
// for that platform. Platform names are case-insensitive.
func (r *Registry) Register(p Publisher) {
	name := strings.ToLower(strings.TrimSpace(p.Platform()))
	r.mu.Lock()
	r.publishers[name] = p
	r.mu.Unlock()
}

// For returns the publisher for the platform, or an error wrapping
// ErrUnknownPlatform.
func (r *Registry) For(platform string) (Publisher, error) {
	name := strings.ToLower(strings.TrimSpace(platform))
	r.mu.RLock()
	p, ok := r.publishers[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownPlatform, platform)
	}
	return p, nil
}

// Platforms lists the registered platform names, sorted.
func (r *Registry) Platforms() []string {
	r.mu.RLock()
	names := make([]string, 0, len(r.publishers))
	for name := range r.publishers {
		names = append(names, name)
	}
	r.mu.RUnlock()
	sort.Strings(names)
	return names
}

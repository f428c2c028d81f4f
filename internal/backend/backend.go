// Package backend holds what the remote execution backends share: a name
// registry and bootstrap template rendering.
package backend

import (
	"fmt"
	"os"
	"regexp"
	"sort"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/3cpo-dev/gridflow/internal/workflow"
)

type Registry struct {
	mu       sync.RWMutex
	backends map[string]workflow.Backend
}

func NewRegistry() *Registry {
	return &Registry{backends: map[string]workflow.Backend{}}
}

func (r *Registry) Register(b workflow.Backend) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.backends[b.Name()] = b
}

func (r *Registry) Get(name string) (workflow.Backend, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	b, ok := r.backends[name]
	if !ok {
		return nil, fmt.Errorf("backend not registered: %s", name)
	}
	return b, nil
}

// Names lists registered backends in order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.backends))
	for n := range r.backends {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

var placeholder = regexp.MustCompile(`\{\{\s*([A-Za-z_][A-Za-z0-9_]*)\s*\}\}`)

// Render replaces {{name}} placeholders in tmpl with vars. Placeholders
// without a value are left in place so the script fails visibly.
func Render(tmpl []byte, vars map[string]string) []byte {
	return placeholder.ReplaceAllFunc(tmpl, func(m []byte) []byte {
		name := placeholder.FindSubmatch(m)[1]
		if v, ok := vars[string(name)]; ok {
			return []byte(v)
		}
		return m
	})
}

// RenderFile reads the template at path and renders it. Unresolved
// placeholders are logged.
func RenderFile(path string, vars map[string]string) ([]byte, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read template: %w", err)
	}
	if missing := Missing(raw, vars); len(missing) > 0 {
		log.Warn().Str("template", path).Strs("missing", missing).Msg("Template placeholders without a value")
	}
	return Render(raw, vars), nil
}

// Missing returns the placeholder names in tmpl without a value, sorted.
func Missing(tmpl []byte, vars map[string]string) []string {
	seen := map[string]bool{}
	for _, m := range placeholder.FindAllSubmatch(tmpl, -1) {
		name := string(m[1])
		if _, ok := vars[name]; !ok {
			seen[name] = true
		}
	}
	out := make([]string, 0, len(seen))
	for n := range seen {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

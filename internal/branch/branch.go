// Package branch expands one logical task into an ordered set of branches,
// each with its own parameter tuple.
package branch

import (
	"fmt"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"

	"golang.org/x/sync/singleflight"

	"github.com/3cpo-dev/gridflow/internal/task"
)

// Map is an ordered mapping from branch index in [0, N) to branch data.
type Map struct {
	data []task.Params
}

// New wraps explicit branch data. The slice is copied.
func New(data []task.Params) *Map {
	m := &Map{data: make([]task.Params, len(data))}
	for i, d := range data {
		m.data[i] = append(task.Params(nil), d...)
	}
	return m
}

// FromList creates one branch per value, each carrying a single parameter.
func FromList(name string, values []string) *Map {
	m := &Map{data: make([]task.Params, len(values))}
	for i, v := range values {
		m.data[i] = task.Params{}.Add(name, v)
	}
	return m
}

// Axis is one named dimension of a cartesian product.
type Axis struct {
	Name   string   `yaml:"name"`
	Values []string `yaml:"values"`
}

// Product creates the cartesian product of axes. The last axis varies
// fastest. Any empty axis yields an empty map.
func Product(axes ...Axis) *Map {
	if len(axes) == 0 {
		return &Map{}
	}
	total := 1
	for _, a := range axes {
		total *= len(a.Values)
	}
	m := &Map{data: make([]task.Params, 0, total)}
	idx := make([]int, len(axes))
	for i := 0; i < total; i++ {
		p := make(task.Params, 0, len(axes))
		for k, a := range axes {
			p = p.Add(a.Name, a.Values[idx[k]])
		}
		m.data = append(m.data, p)
		for k := len(axes) - 1; k >= 0; k-- {
			idx[k]++
			if idx[k] < len(axes[k].Values) {
				break
			}
			idx[k] = 0
		}
	}
	return m
}

// FromGlob creates one branch per file matching pattern, in lexical order.
func FromGlob(name, pattern string) (*Map, error) {
	matches, err := filepath.Glob(pattern)
	if err != nil {
		return nil, fmt.Errorf("glob %q: %w", pattern, err)
	}
	sort.Strings(matches)
	return FromList(name, matches), nil
}

// Len returns the number of branches.
func (m *Map) Len() int { return len(m.data) }

// Data returns the parameters of branch i.
func (m *Map) Data(i int) (task.Params, error) {
	if i < 0 || i >= len(m.data) {
		return nil, fmt.Errorf("branch %d out of range [0, %d)", i, len(m.data))
	}
	return append(task.Params(nil), m.data[i]...), nil
}

// Indices returns 0..N-1.
func (m *Map) Indices() []int {
	out := make([]int, len(m.data))
	for i := range out {
		out[i] = i
	}
	return out
}

// Groups partitions [0, n) into consecutive groups [k*size, min((k+1)*size, n)).
// A size below 1 is treated as 1.
func Groups(n, size int) [][]int {
	idx := make([]int, n)
	for i := range idx {
		idx[i] = i
	}
	return Chunk(idx, size)
}

// Chunk splits items into consecutive chunks of at most size, keeping order.
func Chunk[T any](items []T, size int) [][]T {
	if size <= 0 {
		size = 1
	}
	var chunks [][]T
	for i := 0; i < len(items); i += size {
		end := i + size
		if end > len(items) {
			end = len(items)
		}
		chunks = append(chunks, items[i:end])
	}
	return chunks
}

// ParseRanges parses a branch selection like "0-4,7" into sorted, unique
// indices. An empty string selects nothing.
func ParseRanges(s string) ([]int, error) {
	seen := map[int]bool{}
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		lo, hi, isRange := strings.Cut(part, "-")
		start, err := strconv.Atoi(strings.TrimSpace(lo))
		if err != nil || start < 0 {
			return nil, fmt.Errorf("invalid branch %q", part)
		}
		end := start
		if isRange {
			end, err = strconv.Atoi(strings.TrimSpace(hi))
			if err != nil || end < start {
				return nil, fmt.Errorf("invalid branch range %q", part)
			}
		}
		for i := start; i <= end; i++ {
			seen[i] = true
		}
	}
	out := make([]int, 0, len(seen))
	for i := range seen {
		out = append(out, i)
	}
	sort.Ints(out)
	return out, nil
}

// FormatRanges is the inverse of ParseRanges, collapsing runs: [0 1 2 4] -> "0-2,4".
func FormatRanges(indices []int) string {
	sorted := append([]int(nil), indices...)
	sort.Ints(sorted)
	var parts []string
	for i := 0; i < len(sorted); {
		j := i
		for j+1 < len(sorted) && sorted[j+1] <= sorted[j]+1 {
			j++
		}
		if sorted[i] == sorted[j] {
			parts = append(parts, strconv.Itoa(sorted[i]))
		} else {
			parts = append(parts, fmt.Sprintf("%d-%d", sorted[i], sorted[j]))
		}
		i = j + 1
	}
	return strings.Join(parts, ",")
}

// Cache builds each workflow's branch map once and reuses it.
type Cache struct {
	mu    sync.RWMutex
	maps  map[task.ID]*Map
	group singleflight.Group
}

// NewCache creates an empty cache.
func NewCache() *Cache {
	return &Cache{maps: map[task.ID]*Map{}}
}

// Get returns the cached map for id or builds it. Concurrent callers for the
// same id share one build; failed builds are not cached.
func (c *Cache) Get(id task.ID, build func() (*Map, error)) (*Map, error) {
	c.mu.RLock()
	m, ok := c.maps[id]
	c.mu.RUnlock()
	if ok {
		return m, nil
	}
	v, err, _ := c.group.Do(id.String(), func() (interface{}, error) {
		c.mu.RLock()
		cached, ok := c.maps[id]
		c.mu.RUnlock()
		if ok {
			return cached, nil
		}
		m, err := build()
		if err != nil {
			return nil, err
		}
		c.mu.Lock()
		c.maps[id] = m
		c.mu.Unlock()
		return m, nil
	})
	if err != nil {
		return nil, fmt.Errorf("build branch map for %s: %w", id, err)
	}
	return v.(*Map), nil
}

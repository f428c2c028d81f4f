package pipeline

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/3cpo-dev/gridflow/internal/branch"
	"github.com/3cpo-dev/gridflow/pkg/api"
)

// Load reads and validates a pipeline file. Relative bootstrap, source and
// glob paths are resolved against the file's directory.
func Load(path string) (api.Pipeline, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return api.Pipeline{}, fmt.Errorf("read pipeline: %w", err)
	}
	p, err := Parse(raw)
	if err != nil {
		return p, err
	}
	base := filepath.Dir(path)
	p.Bootstrap = resolve(base, p.Bootstrap)
	for i := range p.Uploads {
		p.Uploads[i].Source = resolve(base, p.Uploads[i].Source)
	}
	for i := range p.Analyses {
		p.Analyses[i].Glob = resolve(base, p.Analyses[i].Glob)
	}
	return p, Validate(p)
}

func resolve(base, p string) string {
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(base, p)
}

// Parse decodes a pipeline document. Unknown fields are rejected.
func Parse(raw []byte) (api.Pipeline, error) {
	var p api.Pipeline
	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)
	if err := dec.Decode(&p); err != nil {
		return p, fmt.Errorf("parse pipeline: %w", err)
	}
	return p, nil
}

// Validate reports every problem in p at once.
func Validate(p api.Pipeline) error {
	var errs []error
	if p.Name == "" {
		errs = append(errs, errors.New("pipeline name required"))
	}
	names := map[string]bool{}
	claim := func(kind, name string) {
		if name == "" {
			errs = append(errs, fmt.Errorf("%s without name", kind))
			return
		}
		if names[name] {
			errs = append(errs, fmt.Errorf("duplicate name %q", name))
		}
		names[name] = true
	}
	for _, u := range p.Uploads {
		claim("upload", u.Name)
		if u.Source == "" {
			errs = append(errs, fmt.Errorf("upload %s: source required", u.Name))
		}
		if u.Replicas < 0 {
			errs = append(errs, fmt.Errorf("upload %s: negative replicas", u.Name))
		}
	}
	if len(p.Analyses) > 0 && p.Bootstrap == "" {
		errs = append(errs, errors.New("bootstrap template required"))
	}
	for _, a := range p.Analyses {
		claim("analysis", a.Name)
		if a.Command == "" {
			errs = append(errs, fmt.Errorf("analysis %s: command required", a.Name))
		}
		sources := 0
		if len(a.Inputs) > 0 {
			sources++
		}
		if a.Glob != "" {
			sources++
		}
		if len(a.Axes) > 0 {
			sources++
		}
		if sources != 1 {
			errs = append(errs, fmt.Errorf("analysis %s: exactly one of inputs, glob or axes required", a.Name))
		}
		for _, ax := range a.Axes {
			if ax.Name == "" || len(ax.Values) == 0 {
				errs = append(errs, fmt.Errorf("analysis %s: axis needs a name and values", a.Name))
			}
		}
		if a.Branches != "" {
			if _, err := branch.ParseRanges(a.Branches); err != nil {
				errs = append(errs, fmt.Errorf("analysis %s: %w", a.Name, err))
			}
		}
	}
	for _, a := range p.Analyses {
		for _, r := range a.Requires {
			if !names[r] {
				errs = append(errs, fmt.Errorf("analysis %s: unknown requirement %q", a.Name, r))
			}
		}
	}
	return errors.Join(errs...)
}

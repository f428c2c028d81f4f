package pipeline

import (
	"context"
	"fmt"
	"path"
	"sort"
	"strings"

	"github.com/3cpo-dev/gridflow/internal/backend"
	"github.com/3cpo-dev/gridflow/internal/branch"
	"github.com/3cpo-dev/gridflow/internal/retry"
	"github.com/3cpo-dev/gridflow/internal/storage"
	"github.com/3cpo-dev/gridflow/internal/target"
	"github.com/3cpo-dev/gridflow/internal/task"
	"github.com/3cpo-dev/gridflow/internal/workflow"
	"github.com/3cpo-dev/gridflow/pkg/api"
)

// Analysis runs a command once per branch on the remote backend. Branch i
// writes <output_store>/<name>/output_<i>.<ext>.
type Analysis struct {
	spec     api.AnalysisSpec
	ces      []string
	store    storage.Storage
	policy   retry.Policy
	requires []task.Task
	uploads  []*Upload
}

var (
	_ workflow.Branched      = (*Analysis)(nil)
	_ workflow.JobConfigurer = (*Analysis)(nil)
)

func NewAnalysis(spec api.AnalysisSpec, ceMap map[string][]string, store storage.Storage, p retry.Policy) *Analysis {
	if spec.OutputExt == "" {
		spec.OutputExt = "json"
	}
	return &Analysis{spec: spec, ces: ResolveCEs(spec.CE, ceMap), store: store, policy: p}
}

// ResolveCEs expands short compute element names through ceMap. Unknown
// names are kept as given; duplicates are dropped.
func ResolveCEs(names []string, ceMap map[string][]string) []string {
	var out []string
	seen := map[string]bool{}
	for _, n := range names {
		endpoints, ok := ceMap[n]
		if !ok {
			endpoints = []string{n}
		}
		for _, e := range endpoints {
			if !seen[e] {
				seen[e] = true
				out = append(out, e)
			}
		}
	}
	return out
}

// require adds a requirement. Uploads also contribute template variables.
func (a *Analysis) require(t task.Task) {
	a.requires = append(a.requires, t)
	if u, ok := t.(*Upload); ok {
		a.uploads = append(a.uploads, u)
	}
}

func (a *Analysis) ID() task.ID {
	params := task.Params{}.Add("name", a.spec.Name)
	keys := make([]string, 0, len(a.spec.Params))
	for k := range a.spec.Params {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		params = params.Add(k, a.spec.Params[k])
	}
	params = params.AddInsignificant("ce", strings.Join(a.ces, ","))
	return task.NewID("Analysis", params...)
}

func (a *Analysis) Requires() []task.Task { return a.requires }

func (a *Analysis) BranchMap(ctx context.Context) (*branch.Map, error) {
	switch {
	case len(a.spec.Inputs) > 0:
		return branch.FromList("input", a.spec.Inputs), nil
	case a.spec.Glob != "":
		return branch.FromGlob("input", a.spec.Glob)
	case len(a.spec.Axes) > 0:
		axes := make([]branch.Axis, len(a.spec.Axes))
		for i, ax := range a.spec.Axes {
			axes[i] = branch.Axis{Name: ax.Name, Values: ax.Values}
		}
		return branch.Product(axes...), nil
	}
	return nil, fmt.Errorf("analysis %s: no branches defined", a.spec.Name)
}

// OutputPath is the store path of branch i.
func (a *Analysis) OutputPath(i int) string {
	return path.Join(a.spec.Name, fmt.Sprintf("output_%d.%s", i, a.spec.OutputExt))
}

func (a *Analysis) BranchOutput(i int, _ task.Params) []target.Target {
	return []target.Target{target.NewRemoteFile(a.store, a.OutputPath(i), a.policy)}
}

// JobVars adds the compute elements, the output location, bundle
// variables and the analysis parameters, then renders the command with
// everything known about the job.
func (a *Analysis) JobVars(index int, branches []int, vars map[string]string) error {
	for k, v := range a.spec.Params {
		vars[k] = v
	}
	vars["ce"] = strings.Join(a.ces, ",")
	vars["output_store"] = a.store.Name()
	vars["output_dir"] = a.store.URI(a.spec.Name)
	if len(branches) == 1 {
		vars["output_path"] = a.OutputPath(branches[0])
		vars["output_uri"] = a.store.URI(a.OutputPath(branches[0]))
	}
	for _, u := range a.uploads {
		uv, err := u.Vars(context.Background())
		if err != nil {
			return err
		}
		for k, v := range uv {
			vars[k] = v
		}
	}
	vars["command"] = string(backend.Render([]byte(a.spec.Command), vars))
	return nil
}

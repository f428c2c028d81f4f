package api

// v0 contains the public pipeline file format and status types.

// Pipeline is the document read by `gridflow run`. Bootstrap is the job
// template; relative paths are resolved against the pipeline file.
type Pipeline struct {
	Name      string            `json:"name" yaml:"name"`
	Bootstrap string            `json:"bootstrap" yaml:"bootstrap"`
	Vars      map[string]string `json:"vars" yaml:"vars"`
	// CEMap resolves short compute element names to endpoint lists.
	CEMap    map[string][]string `json:"ce_map" yaml:"ce_map"`
	Uploads  []UploadSpec        `json:"uploads" yaml:"uploads"`
	Analyses []AnalysisSpec      `json:"analyses" yaml:"analyses"`
}

// UploadSpec bundles a directory and pushes it to a store so worker nodes
// can fetch it at bootstrap.
type UploadSpec struct {
	Name   string `json:"name" yaml:"name"`
	Source string `json:"source" yaml:"source"`
	Store  string `json:"store" yaml:"store"`
	// Path is the directory within the store. Defaults to Name.
	Path        string   `json:"path" yaml:"path"`
	Replicas    int      `json:"replicas" yaml:"replicas"`
	Checksummed bool     `json:"checksummed" yaml:"checksummed"`
	Excludes    []string `json:"excludes" yaml:"excludes"`
}

// Axis is one dimension of a parameter scan.
type Axis struct {
	Name   string   `json:"name" yaml:"name"`
	Values []string `json:"values" yaml:"values"`
}

// AnalysisSpec is a branched task executed as remote jobs. Exactly one of
// Inputs, Glob or Axes defines the branches.
type AnalysisSpec struct {
	Name    string            `json:"name" yaml:"name"`
	Command string            `json:"command" yaml:"command"`
	Params  map[string]string `json:"params" yaml:"params"`
	// Inputs can be file paths or inline lists to be chunked across jobs.
	Inputs    []string `json:"inputs" yaml:"inputs"`
	Glob      string   `json:"glob" yaml:"glob"`
	Axes      []Axis   `json:"axes" yaml:"axes"`
	ChunkSize int      `json:"chunk_size" yaml:"chunk_size"`
	Requires  []string `json:"requires" yaml:"requires"`
	// CE lists compute elements; names found in the pipeline's CEMap are
	// expanded. It does not change the task identity.
	CE          []string `json:"ce" yaml:"ce"`
	Backend     string   `json:"backend" yaml:"backend"`
	OutputStore string   `json:"output_store" yaml:"output_store"`
	OutputExt   string   `json:"output_ext" yaml:"output_ext"`
	// Branches restricts submission, e.g. "0-4,7".
	Branches string `json:"branches" yaml:"branches"`
}

type RunStatus string

const (
	RunPending   RunStatus = "pending"
	RunRunning   RunStatus = "running"
	RunSucceeded RunStatus = "succeeded"
	RunFailed    RunStatus = "failed"
)

// TaskStatus is one line of `gridflow status`.
type TaskStatus struct {
	Task     string    `json:"task" yaml:"task"`
	Status   RunStatus `json:"status" yaml:"status"`
	Complete int       `json:"complete" yaml:"complete"`
	Total    int       `json:"total" yaml:"total"`
	Active   int       `json:"active_jobs" yaml:"active_jobs"`
	Failed   int       `json:"failed_jobs" yaml:"failed_jobs"`
}

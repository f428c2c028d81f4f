// Package task defines units of work identified by kind and parameters, with
// declared requirements and outputs.
package task

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/3cpo-dev/gridflow/internal/target"
)

// Param is one named parameter value. Insignificant parameters are carried
// for display and job rendering but do not contribute to identity.
type Param struct {
	Name          string
	Value         string
	Insignificant bool
}

// ID is the structural identity of a task: a kind tag plus an ordered
// parameter list. Two tasks with equal IDs are interchangeable.
type ID struct {
	Kind    string
	key     string
	display string
}

// NewID builds an identity from kind and params, in the given order. The
// key quotes every name and value, so distinct parameter lists never share
// a key whatever their values contain.
func NewID(kind string, params ...Param) ID {
	var key, disp strings.Builder
	key.WriteString(strconv.Quote(kind))
	disp.WriteString(kind)
	disp.WriteByte('(')
	first := true
	for _, p := range params {
		if p.Insignificant {
			continue
		}
		if !first {
			disp.WriteString(", ")
		}
		first = false
		disp.WriteString(p.Name)
		disp.WriteByte('=')
		disp.WriteString(p.Value)

		key.WriteByte(',')
		key.WriteString(strconv.Quote(p.Name))
		key.WriteByte('=')
		key.WriteString(strconv.Quote(p.Value))
	}
	disp.WriteByte(')')
	return ID{Kind: kind, key: key.String(), display: disp.String()}
}

// String renders Kind(p1=v1, p2=v2). It is for display only and may be
// ambiguous.
func (id ID) String() string { return id.display }

// Hash is a short content hash of the identity, safe for use in paths.
func (id ID) Hash() string {
	sum := sha256.Sum256([]byte(id.key))
	return hex.EncodeToString(sum[:])[:16]
}

// IsZero reports whether the ID was never set.
func (id ID) IsZero() bool { return id.key == "" }

// Params is an ordered parameter list builder.
type Params []Param

// Add appends a significant parameter.
func (p Params) Add(name string, value any) Params {
	return append(p, Param{Name: name, Value: fmt.Sprint(value)})
}

// AddInsignificant appends a parameter that is excluded from identity.
func (p Params) AddInsignificant(name string, value any) Params {
	return append(p, Param{Name: name, Value: fmt.Sprint(value), Insignificant: true})
}

// Get returns the value of the named parameter.
func (p Params) Get(name string) (string, bool) {
	for _, x := range p {
		if x.Name == name {
			return x.Value, true
		}
	}
	return "", false
}

// Map returns all parameters, significant or not, keyed by name.
func (p Params) Map() map[string]string {
	m := make(map[string]string, len(p))
	for _, x := range p {
		m[x.Name] = x.Value
	}
	return m
}

// Task is a unit of work. Run must leave every target in Output existing on
// success and should only write to its declared outputs.
type Task interface {
	ID() ID
	Requires() []Task
	Output() []target.Target
	Run(ctx context.Context) error
}

// Completer lets a task decide completeness itself instead of relying on
// output existence.
type Completer interface {
	Complete(ctx context.Context) (bool, error)
}

// Complete reports whether every output of t exists. Tasks without outputs
// are never complete.
func Complete(ctx context.Context, t Task) (bool, error) {
	if c, ok := t.(Completer); ok {
		return c.Complete(ctx)
	}
	return target.AllExist(ctx, t.Output())
}

// ErrTaskFailed is matched by every FailedError.
var ErrTaskFailed = errors.New("task failed")

// FailedError records which task failed and why.
type FailedError struct {
	Task  ID
	Cause error
}

func (e *FailedError) Error() string {
	return fmt.Sprintf("%s: %v: %v", e.Task, ErrTaskFailed, e.Cause)
}

func (e *FailedError) Unwrap() error { return e.Cause }

func (e *FailedError) Is(target error) bool { return target == ErrTaskFailed }

// Failed wraps cause as a FailedError for id. Existing FailedErrors pass through.
func Failed(id ID, cause error) error {
	var fe *FailedError
	if errors.As(cause, &fe) && fe.Task == id {
		return cause
	}
	return &FailedError{Task: id, Cause: cause}
}

// Package buildfile loads HCL build descriptions: the shared services a
// build uses and the tasks that submit work to the execution core.
//
//	service "cache" {
//	  type                = "kvstore"
//	  max_parallel_usages = 2
//	}
//
//	task "checksums" {
//	  uses = ["cache"]
//	  work "readme" {
//	    action     = "sha256"
//	    isolation  = "process"
//	    parameters = { file = "README.md" }
//	  }
//	}
package buildfile

import (
	"errors"
	"fmt"
	"math/big"
	"slices"

	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/gohcl"
	"github.com/hashicorp/hcl/v2/hclparse"
	"github.com/zclconf/go-cty/cty"
	"github.com/zclconf/go-cty/cty/gocty"

	"github.com/seantiz/anvil/internal/executor"
	"github.com/seantiz/anvil/internal/model"
)

// File is a decoded build file.
type File struct {
	Path     string
	Services []Service
	Tasks    []Task
}

// Service declares a shared build service.
type Service struct {
	Name              string
	Type              string
	MaxParallelUsages int
	Parameters        any
}

// Task is an independently scheduled unit of the build.
type Task struct {
	Name string
	Uses []string
	Work []Work
}

// Work is one unit of work submitted by a task.
type Work struct {
	Name      string
	Isolation model.IsolationMode
	Spec      executor.WorkSpec
}

type hclFile struct {
	Services []*hclService `hcl:"service,block"`
	Tasks    []*hclTask    `hcl:"task,block"`
}

type hclService struct {
	Name              string    `hcl:"name,label"`
	Type              string    `hcl:"type"`
	MaxParallelUsages *int      `hcl:"max_parallel_usages,optional"`
	Parameters        cty.Value `hcl:"parameters,optional"`
}

type hclTask struct {
	Name string     `hcl:"name,label"`
	Uses []string   `hcl:"uses,optional"`
	Work []*hclWork `hcl:"work,block"`
}

type hclWork struct {
	Name       string            `hcl:"name,label"`
	Action     string            `hcl:"action"`
	Isolation  *string           `hcl:"isolation,optional"`
	Classpath  []string          `hcl:"classpath,optional"`
	Args       []string          `hcl:"args,optional"`
	Env        map[string]string `hcl:"env,optional"`
	MaxHeapMB  *int              `hcl:"max_heap_mb,optional"`
	WorkingDir *string           `hcl:"working_dir,optional"`
	Parameters cty.Value         `hcl:"parameters,optional"`
}

// Load parses and decodes the build file at path.
func Load(path string) (*File, error) {
	parser := hclparse.NewParser()
	f, diags := parser.ParseHCLFile(path)
	if diags.HasErrors() {
		return nil, fmt.Errorf("failed to parse build file %s: %w", path, diags)
	}
	return decode(path, f)
}

// Parse decodes a build file from src; filename is used in diagnostics.
func Parse(filename string, src []byte) (*File, error) {
	parser := hclparse.NewParser()
	f, diags := parser.ParseHCL(src, filename)
	if diags.HasErrors() {
		return nil, fmt.Errorf("failed to parse build file %s: %w", filename, diags)
	}
	return decode(filename, f)
}

func decode(path string, f *hcl.File) (*File, error) {
	var raw hclFile
	if diags := gohcl.DecodeBody(f.Body, nil, &raw); diags.HasErrors() {
		return nil, fmt.Errorf("failed to decode build file %s: %w", path, diags)
	}

	out := &File{Path: path}
	var errs []error

	services := make(map[string]bool)
	for _, s := range raw.Services {
		if services[s.Name] {
			errs = append(errs, fmt.Errorf("service %q declared twice", s.Name))
			continue
		}
		services[s.Name] = true

		svc := Service{Name: s.Name, Type: s.Type}
		if s.MaxParallelUsages != nil {
			if *s.MaxParallelUsages < 0 {
				errs = append(errs, fmt.Errorf("service %q: max_parallel_usages must not be negative", s.Name))
			}
			svc.MaxParallelUsages = *s.MaxParallelUsages
		}
		params, err := ctyToNative(s.Parameters)
		if err != nil {
			errs = append(errs, fmt.Errorf("service %q: parameters: %w", s.Name, err))
		}
		svc.Parameters = params
		out.Services = append(out.Services, svc)
	}

	tasks := make(map[string]bool)
	for _, t := range raw.Tasks {
		if tasks[t.Name] {
			errs = append(errs, fmt.Errorf("task %q declared twice", t.Name))
			continue
		}
		tasks[t.Name] = true

		task := Task{Name: t.Name, Uses: t.Uses}
		for _, use := range t.Uses {
			if !services[use] {
				errs = append(errs, fmt.Errorf("task %q uses undeclared service %q", t.Name, use))
			}
		}

		names := make(map[string]bool)
		for _, w := range t.Work {
			if names[w.Name] {
				errs = append(errs, fmt.Errorf("task %q: work %q declared twice", t.Name, w.Name))
				continue
			}
			names[w.Name] = true

			work, err := decodeWork(w)
			if err != nil {
				errs = append(errs, fmt.Errorf("task %q: work %q: %w", t.Name, w.Name, err))
				continue
			}
			task.Work = append(task.Work, work)
		}
		out.Tasks = append(out.Tasks, task)
	}

	if err := errors.Join(errs...); err != nil {
		return nil, fmt.Errorf("invalid build file %s: %w", path, err)
	}
	return out, nil
}

func decodeWork(w *hclWork) (Work, error) {
	mode, err := model.ParseIsolationMode(deref(w.Isolation))
	if err != nil {
		return Work{}, err
	}
	params, err := ctyToNative(w.Parameters)
	if err != nil {
		return Work{}, fmt.Errorf("parameters: %w", err)
	}

	fork := model.ForkOptions{
		Args:       slices.Clone(w.Args),
		Env:        w.Env,
		WorkingDir: deref(w.WorkingDir),
	}
	if w.MaxHeapMB != nil {
		if *w.MaxHeapMB < 0 {
			return Work{}, errors.New("max_heap_mb must not be negative")
		}
		fork.MaxHeapMB = *w.MaxHeapMB
	}

	return Work{
		Name:      w.Name,
		Isolation: mode,
		Spec: executor.WorkSpec{
			Action:     w.Action,
			Parameters: params,
			Classpath:  slices.Clone(w.Classpath),
			Fork:       fork,
		},
	}, nil
}

func deref[T any](p *T) T {
	var zero T
	if p == nil {
		return zero
	}
	return *p
}

// ctyToNative converts a cty value into plain Go data: strings, bools,
// int64 or float64 numbers, []any and map[string]any.
func ctyToNative(v cty.Value) (any, error) {
	if v.IsNull() {
		return nil, nil
	}
	if !v.IsKnown() {
		return nil, errors.New("value is not known")
	}

	ty := v.Type()
	switch {
	case ty == cty.String:
		return v.AsString(), nil

	case ty == cty.Number:
		bf := v.AsBigFloat()
		if bf.IsInt() {
			if i, acc := bf.Int64(); acc == big.Exact {
				return i, nil
			}
		}
		var f float64
		if err := gocty.FromCtyValue(v, &f); err != nil {
			return nil, fmt.Errorf("convert number: %w", err)
		}
		return f, nil

	case ty == cty.Bool:
		return v.True(), nil

	case ty.IsListType() || ty.IsTupleType() || ty.IsSetType():
		out := make([]any, 0, v.LengthInt())
		for it := v.ElementIterator(); it.Next(); {
			_, elem := it.Element()
			native, err := ctyToNative(elem)
			if err != nil {
				return nil, err
			}
			out = append(out, native)
		}
		return out, nil

	case ty.IsObjectType() || ty.IsMapType():
		out := make(map[string]any, v.LengthInt())
		for it := v.ElementIterator(); it.Next(); {
			key, elem := it.Element()
			native, err := ctyToNative(elem)
			if err != nil {
				return nil, fmt.Errorf("in attribute %q: %w", key.AsString(), err)
			}
			out[key.AsString()] = native
		}
		return out, nil
	}
	return nil, fmt.Errorf("unsupported type %s", ty.FriendlyName())
}

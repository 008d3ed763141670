package model

import (
	"crypto/sha256"
	"encoding/hex"
	"slices"
	"sort"
	"strconv"
	"strings"
)

// ForkOptions configure how a worker daemon process is launched.
type ForkOptions struct {
	// Args are extra command-line arguments passed to the daemon.
	Args []string `json:"args,omitempty"`

	// Env is merged over the host environment.
	Env map[string]string `json:"env,omitempty"`

	// MaxHeapMB caps the daemon's heap. Zero means no limit.
	MaxHeapMB int `json:"max_heap_mb,omitempty"`

	// WorkingDir is the daemon's working directory. Empty selects a
	// per-worker directory under the configured base.
	WorkingDir string `json:"working_dir,omitempty"`
}

// WorkerRequirement describes the execution context a unit of work needs.
// Two requirements are compatible when their keys are equal.
type WorkerRequirement struct {
	Classpath []string      `json:"classpath"`
	Fork      ForkOptions   `json:"fork"`
	Isolation IsolationMode `json:"isolation"`
}

// NormalizedClasspath returns the classpath sorted and deduplicated.
// Classpath order never affects compatibility.
func (r WorkerRequirement) NormalizedClasspath() []string {
	cp := slices.Clone(r.Classpath)
	sort.Strings(cp)
	return slices.Compact(cp)
}

// Key returns a canonical digest of the requirement.
func (r WorkerRequirement) Key() string {
	var b strings.Builder
	b.WriteString(string(r.Isolation))
	b.WriteString("\x00cp")
	for _, c := range r.NormalizedClasspath() {
		b.WriteString("\x00")
		b.WriteString(c)
	}
	b.WriteString("\x00args")
	for _, a := range r.Fork.Args {
		b.WriteString("\x00")
		b.WriteString(a)
	}
	b.WriteString("\x00env")
	keys := make([]string, 0, len(r.Fork.Env))
	for k := range r.Fork.Env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		b.WriteString("\x00")
		b.WriteString(k)
		b.WriteString("=")
		b.WriteString(r.Fork.Env[k])
	}
	b.WriteString("\x00heap=")
	b.WriteString(strconv.Itoa(r.Fork.MaxHeapMB))
	b.WriteString("\x00dir=")
	b.WriteString(r.Fork.WorkingDir)

	sum := sha256.Sum256([]byte(b.String()))
	return hex.EncodeToString(sum[:])
}

// Compatible reports whether a daemon started for r can serve other.
func (r WorkerRequirement) Compatible(other WorkerRequirement) bool {
	return r.Key() == other.Key()
}

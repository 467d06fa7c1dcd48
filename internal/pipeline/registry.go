package pipeline

import (
	"fmt"
	"os"
	"sort"
	"sync"
	"time"

	"gopkg.in/yaml.v3"
)

// Sequence is the ordered list of units a definition runs, plus the shared
// run-context settings for the invocation.
type Sequence struct {
	Units            []string       `yaml:"units"`
	DryRun           *bool          `yaml:"dry_run,omitempty"`
	Concurrency      int            `yaml:"concurrency,omitempty"`
	ThrottleInterval time.Duration  `yaml:"throttle_interval,omitempty"`
	Skip             int            `yaml:"skip,omitempty"`
	Limit            int            `yaml:"limit,omitempty"`
	Params           map[string]any `yaml:"params,omitempty"`
}

type registryFile struct {
	Sequences map[string]Sequence `yaml:"sequences"`
}

// DefaultSequences mirrors the deployment mapping shipped with the daemon.
func DefaultSequences() map[string]Sequence {
	seq := func(units ...string) Sequence {
		return Sequence{Units: units, Concurrency: 1, ThrottleInterval: 200 * time.Millisecond}
	}
	return map[string]Sequence{
		"daily-update":        seq("notify-records"),
		"process-repo-assets": seq("notify-records"),
		"weekly-rankings":     seq("trigger-weekly-finished"),
		"monthly-rankings":    seq("trigger-monthly-finished"),
	}
}

// ParseSequences decodes a registry document.
func ParseSequences(data []byte) (map[string]Sequence, error) {
	var file registryFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parsing sequences: %w", err)
	}
	if file.Sequences == nil {
		return nil, fmt.Errorf("sequences: top-level \"sequences\" key is required")
	}
	for name, seq := range file.Sequences {
		if seq.Concurrency < 0 || seq.Skip < 0 || seq.Limit < 0 {
			return nil, fmt.Errorf("sequence %s: concurrency, skip and limit must not be negative", name)
		}
		if seq.ThrottleInterval < 0 {
			return nil, fmt.Errorf("sequence %s: throttle_interval must not be negative", name)
		}
		for i, unit := range seq.Units {
			if unit == "" {
				return nil, fmt.Errorf("sequence %s: unit %d is empty", name, i)
			}
		}
	}
	return file.Sequences, nil
}

// Registry holds the task name to sequence mapping. It is safe for
// concurrent use and may be replaced at run time.
type Registry struct {
	mu   sync.RWMutex
	seqs map[string]Sequence
}

// NewRegistry creates a registry holding seqs.
func NewRegistry(seqs map[string]Sequence) *Registry {
	r := &Registry{}
	r.Replace(seqs)
	return r
}

// DefaultRegistry returns a registry over DefaultSequences.
func DefaultRegistry() *Registry {
	return NewRegistry(DefaultSequences())
}

// Load replaces the registry with the contents of path. On error the
// current mapping is kept.
func (r *Registry) Load(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read sequences: %w", err)
	}
	seqs, err := ParseSequences(data)
	if err != nil {
		return err
	}
	r.Replace(seqs)
	return nil
}

// Replace swaps in a new set of sequences.
func (r *Registry) Replace(seqs map[string]Sequence) {
	copied := make(map[string]Sequence, len(seqs))
	for k, v := range seqs {
		copied[k] = v
	}
	r.mu.Lock()
	r.seqs = copied
	r.mu.Unlock()
}

// Lookup returns the sequence for a task name.
func (r *Registry) Lookup(name string) (Sequence, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	seq, ok := r.seqs[name]
	return seq, ok
}

// Names lists the sequence names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	names := make([]string, 0, len(r.seqs))
	for name := range r.seqs {
		names = append(names, name)
	}
	r.mu.RUnlock()
	sort.Strings(names)
	return names
}

// Package parsers turns raw tool output into structured results.
//
// Parsers are registered by id; a tool's registry entry names the parser it
// uses (defaulting to the tool id). A parser must return a non-empty result or
// an error wrapping core.ErrParse. The exit code is informational only.
package parsers

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"argus/core"
)

// RawOutput is the captured output of one execution
type RawOutput struct {
	ToolID   string
	Stdout   []string
	Stderr   []string
	ExitCode int
}

// NewRawOutput splits captured output lines by stream
func NewRawOutput(toolID string, lines []core.OutputLine, exitCode int) RawOutput {
	raw := RawOutput{ToolID: toolID, ExitCode: exitCode}
	for _, l := range lines {
		if l.Stream == core.StreamStderr {
			raw.Stderr = append(raw.Stderr, l.Text)
		} else {
			raw.Stdout = append(raw.Stdout, l.Text)
		}
	}
	return raw
}

// IsEmpty reports whether nothing was captured on either stream
func (r RawOutput) IsEmpty() bool {
	for _, l := range r.Stdout {
		if strings.TrimSpace(l) != "" {
			return false
		}
	}
	for _, l := range r.Stderr {
		if strings.TrimSpace(l) != "" {
			return false
		}
	}
	return true
}

// Parser extracts a structured result from raw output
type Parser interface {
	Parse(raw RawOutput) (map[string]interface{}, error)
}

// ParserFunc adapts a function to the Parser interface
type ParserFunc func(raw RawOutput) (map[string]interface{}, error)

// Parse calls f(raw)
func (f ParserFunc) Parse(raw RawOutput) (map[string]interface{}, error) {
	return f(raw)
}

// Registry holds parsers keyed by id
type Registry struct {
	mu      sync.RWMutex
	parsers map[string]Parser
}

// NewRegistry creates an empty parser registry
func NewRegistry() *Registry {
	return &Registry{parsers: make(map[string]Parser)}
}

// NewDefaultRegistry creates a registry holding the built-in parsers
func NewDefaultRegistry() *Registry {
	r := NewRegistry()
	r.Register("loki", LokiParser{})
	r.Register("json", JSONParser{})
	r.Register("keyvalue", KeyValueParser{})
	return r
}

// Register adds or replaces a parser
func (r *Registry) Register(id string, p Parser) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.parsers[id] = p
}

// Alias makes an existing parser available under another id
func (r *Registry) Alias(alias, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.parsers[id]
	if !ok {
		return fmt.Errorf("parser %q not registered", id)
	}
	r.parsers[alias] = p
	return nil
}

// Get returns the parser for id
func (r *Registry) Get(id string) (Parser, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.parsers[id]
	return p, ok
}

// IDs returns registered parser ids, sorted
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.parsers))
	for id := range r.parsers {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Package registry resolves tool identifiers to their installation, queueing
// policy and output parser.
package registry

import (
	"bytes"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"text/template"
	"time"

	"argus/core"

	"github.com/go-playground/validator/v10"
	"github.com/xeipuuv/gojsonschema"
	"go.uber.org/zap"
)

// Tool describes an installed forensic tool
type Tool struct {
	ID      string       `mapstructure:"id" json:"id" validate:"required,max=100"`
	Name    string       `mapstructure:"name" json:"name,omitempty"`
	Surface core.Surface `mapstructure:"surface" json:"surface" validate:"omitempty,oneof=local remote_agent"`
	// Path is the binary on this host for local tools, or on the agent for remote tools
	Path string `mapstructure:"path" json:"path" validate:"required"`
	// Args are text/template strings rendered with .Target, .CaseID and .Params
	Args   []string `mapstructure:"args" json:"args,omitempty"`
	Env    []string `mapstructure:"env" json:"env,omitempty"`
	Parser string   `mapstructure:"parser" json:"parser,omitempty"`
	// MaxConcurrent bounds simultaneous executions per target kind; 0 uses the orchestrator default
	MaxConcurrent int `mapstructure:"max_concurrent" json:"max_concurrent,omitempty" validate:"gte=0"`
	// MinInterval > 0 makes the tool a rate-limited single-slot collector
	MinInterval       time.Duration `mapstructure:"min_interval" json:"min_interval,omitempty" validate:"gte=0"`
	DefaultTimeout    time.Duration `mapstructure:"default_timeout" json:"default_timeout,omitempty" validate:"gte=0"`
	FailOnNonZeroExit bool          `mapstructure:"fail_on_nonzero_exit" json:"fail_on_nonzero_exit,omitempty"`
	// ParameterSchema is an optional JSON schema document for submit parameters
	ParameterSchema string `mapstructure:"parameter_schema" json:"parameter_schema,omitempty"`
}

// ParserID returns the parser registered for this tool, defaulting to the tool id
func (t *Tool) ParserID() string {
	if t.Parser != "" {
		return t.Parser
	}
	return t.ID
}

// IsRateLimited reports whether the tool runs through a single-slot rate-limited queue
func (t *Tool) IsRateLimited() bool {
	return t.MinInterval > 0
}

// EffectiveSurface returns the tool surface, defaulting to local
func (t *Tool) EffectiveSurface() core.Surface {
	if t.Surface == "" {
		return core.SurfaceLocal
	}
	return t.Surface
}

type entry struct {
	tool   Tool
	schema *gojsonschema.Schema
	args   []*template.Template
}

// Registry is the tool installation registry
type Registry struct {
	mu       sync.RWMutex
	tools    map[string]*entry
	validate *validator.Validate
	logger   *zap.SugaredLogger
}

// NewRegistry creates a registry from configured tools
func NewRegistry(tools []Tool, logger *zap.SugaredLogger) (*Registry, error) {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	r := &Registry{
		tools:    make(map[string]*entry, len(tools)),
		validate: validator.New(),
		logger:   logger,
	}
	for _, t := range tools {
		if err := r.Register(t); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Register adds or replaces a tool definition
func (r *Registry) Register(t Tool) error {
	if err := r.validate.Struct(t); err != nil {
		return fmt.Errorf("invalid tool %q: %w", t.ID, err)
	}

	e := &entry{tool: t}
	if strings.TrimSpace(t.ParameterSchema) != "" {
		schema, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(t.ParameterSchema))
		if err != nil {
			return fmt.Errorf("invalid parameter schema for tool %q: %w", t.ID, err)
		}
		e.schema = schema
	}
	for i, arg := range t.Args {
		tmpl, err := template.New(fmt.Sprintf("%s-arg-%d", t.ID, i)).Option("missingkey=error").Parse(arg)
		if err != nil {
			return fmt.Errorf("invalid argument template %d for tool %q: %w", i, t.ID, err)
		}
		e.args = append(e.args, tmpl)
	}

	r.mu.Lock()
	r.tools[t.ID] = e
	r.mu.Unlock()

	r.logger.Debugw("Registered tool", "tool_id", t.ID, "surface", t.EffectiveSurface(), "path", t.Path)
	return nil
}

// Resolve returns the tool definition if it is known and, for local tools,
// its binary is present and executable
func (r *Registry) Resolve(toolID string) (*Tool, error) {
	r.mu.RLock()
	e, ok := r.tools[toolID]
	r.mu.RUnlock()
	if !ok {
		return nil, &core.ToolNotInstalledError{ToolID: toolID}
	}

	tool := e.tool
	if tool.EffectiveSurface() == core.SurfaceLocal {
		if err := checkInstalled(tool.Path); err != nil {
			r.logger.Warnw("Tool binary missing", "tool_id", toolID, "path", tool.Path, "error", err)
			return nil, &core.ToolNotInstalledError{ToolID: toolID, Path: tool.Path}
		}
	}
	return &tool, nil
}

// ValidateParameters checks submit parameters against the tool's schema
func (r *Registry) ValidateParameters(toolID string, params map[string]interface{}) error {
	r.mu.RLock()
	e, ok := r.tools[toolID]
	r.mu.RUnlock()
	if !ok {
		return &core.ToolNotInstalledError{ToolID: toolID}
	}
	if e.schema == nil {
		return nil
	}

	if params == nil {
		params = map[string]interface{}{}
	}
	result, err := e.schema.Validate(gojsonschema.NewGoLoader(params))
	if err != nil {
		return core.NewValidationError("parameters", err.Error())
	}
	if !result.Valid() {
		msgs := make([]string, 0, len(result.Errors()))
		for _, desc := range result.Errors() {
			msgs = append(msgs, desc.String())
		}
		return core.NewValidationError("parameters", strings.Join(msgs, "; "))
	}
	return nil
}

// BuildArgs renders the tool's argument templates for one execution
func (r *Registry) BuildArgs(toolID string, exec *core.ToolExecution) ([]string, error) {
	r.mu.RLock()
	e, ok := r.tools[toolID]
	r.mu.RUnlock()
	if !ok {
		return nil, &core.ToolNotInstalledError{ToolID: toolID}
	}

	params := exec.Parameters
	if params == nil {
		params = map[string]interface{}{}
	}
	data := map[string]interface{}{
		"Target":  exec.Target.Destination,
		"CaseID":  exec.CaseID,
		"Params":  params,
		"AgentID": exec.Target.AgentID,
	}

	args := make([]string, 0, len(e.args))
	for i, tmpl := range e.args {
		var buf bytes.Buffer
		if err := tmpl.Execute(&buf, data); err != nil {
			return nil, core.NewValidationError("parameters", fmt.Sprintf("argument %d: %v", i, err))
		}
		args = append(args, buf.String())
	}
	return args, nil
}

// List returns all registered tools sorted by id
func (r *Registry) List() []Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Tool, 0, len(r.tools))
	for _, e := range r.tools {
		out = append(out, e.tool)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func checkInstalled(path string) error {
	if !filepath.IsAbs(path) {
		_, err := exec.LookPath(path)
		return err
	}
	info, err := os.Stat(path)
	if err != nil {
		return err
	}
	if info.IsDir() {
		return fmt.Errorf("%s is a directory", path)
	}
	if info.Mode().Perm()&0o111 == 0 {
		return fmt.Errorf("%s is not executable", path)
	}
	return nil
}

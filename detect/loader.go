package detect

import (
	_ "embed"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"argus/core"

	"github.com/xeipuuv/gojsonschema"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// SchemaFileName overrides the built-in rule schema when present next to the rule files
const SchemaFileName = "rules_schema.json"

//go:embed rules_schema.json
var defaultSchema []byte

// ruleFile is the on-disk layout of a rule file
type ruleFile struct {
	Rules []core.DetectionRule `json:"rules" yaml:"rules"`
}

// RuleProblem describes a rule skipped by the loader
type RuleProblem struct {
	Source string
	RuleID string
	Err    error
}

func (p RuleProblem) Error() string {
	if p.RuleID == "" {
		return fmt.Sprintf("%s: %v", p.Source, p.Err)
	}
	return fmt.Sprintf("%s: rule %s: %v", p.Source, p.RuleID, p.Err)
}

// LoadResult is the outcome of loading a rule file or directory
type LoadResult struct {
	Rules    []core.DetectionRule
	Problems []RuleProblem
	Files    []string
}

// LoadRules loads rules from a file or from every .yaml, .yml and .json file
// under a directory, in file name order. Invalid rules are skipped and
// reported in Problems; a file that cannot be read, parsed or that fails the
// schema fails the whole load. When an id repeats, the later file wins.
func LoadRules(path string, logger *zap.SugaredLogger) (*LoadResult, error) {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("failed to stat rules path: %w", err)
	}

	files := []string{path}
	schemaDir := filepath.Dir(path)
	if info.IsDir() {
		schemaDir = path
		files, err = ruleFiles(path)
		if err != nil {
			return nil, fmt.Errorf("failed to list rule files: %w", err)
		}
	}

	schema, err := loadSchema(schemaDir, logger)
	if err != nil {
		return nil, err
	}

	result := &LoadResult{Files: files}
	index := make(map[string]int)
	for _, file := range files {
		rules, problems, err := loadRuleFile(file, schema)
		if err != nil {
			return nil, err
		}
		result.Problems = append(result.Problems, problems...)
		for _, rule := range rules {
			if i, exists := index[rule.ID]; exists {
				logger.Infow("Rule id redefined, later file wins", "rule_id", rule.ID, "file", file)
				result.Rules[i] = rule
				continue
			}
			index[rule.ID] = len(result.Rules)
			result.Rules = append(result.Rules, rule)
		}
	}

	for _, p := range result.Problems {
		logger.Errorw("Invalid rule skipped", "source", p.Source, "rule_id", p.RuleID, "error", p.Err)
	}
	logger.Infof("Loaded %d rules from %s", len(result.Rules), path)
	return result, nil
}

func ruleFiles(dir string) ([]string, error) {
	var files []string
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || d.Name() == SchemaFileName {
			return nil
		}
		if isRuleFile(path) {
			files = append(files, path)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Strings(files)
	return files, nil
}

func isRuleFile(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml", ".json":
		return true
	}
	return false
}

func loadSchema(dir string, logger *zap.SugaredLogger) (*gojsonschema.Schema, error) {
	data := defaultSchema
	override := filepath.Join(dir, SchemaFileName)
	if custom, err := os.ReadFile(override); err == nil {
		logger.Infow("Using rule schema override", "path", override)
		data = custom
	}
	schema, err := gojsonschema.NewSchema(gojsonschema.NewBytesLoader(data))
	if err != nil {
		return nil, fmt.Errorf("failed to compile rule schema: %w", err)
	}
	return schema, nil
}

// loadRuleFile parses one file. JSON is a subset of YAML, so both go through
// yaml.v3, which also accepts duration strings such as "5m" for windows.
func loadRuleFile(filename string, schema *gojsonschema.Schema) ([]core.DetectionRule, []RuleProblem, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read rules file: %w", err)
	}

	var doc map[string]interface{}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, nil, fmt.Errorf("failed to parse %s: %w", filename, err)
	}
	result, err := schema.Validate(gojsonschema.NewGoLoader(doc))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to validate %s against schema: %w", filename, err)
	}
	if !result.Valid() {
		msgs := make([]string, 0, len(result.Errors()))
		for _, e := range result.Errors() {
			msgs = append(msgs, e.String())
		}
		return nil, nil, fmt.Errorf("rules validation failed for %s: %s", filename, strings.Join(msgs, "; "))
	}

	var parsed ruleFile
	if err := yaml.Unmarshal(data, &parsed); err != nil {
		return nil, nil, fmt.Errorf("failed to unmarshal rules in %s: %w", filename, err)
	}

	// Rules without an explicit enabled flag are enabled
	raw, _ := doc["rules"].([]interface{})
	var rules []core.DetectionRule
	var problems []RuleProblem
	for i, rule := range parsed.Rules {
		if i < len(raw) {
			if m, ok := raw[i].(map[string]interface{}); ok {
				if _, set := m["enabled"]; !set {
					rule.Enabled = true
				}
			}
		}
		if err := CheckRule(&rule); err != nil {
			problems = append(problems, RuleProblem{Source: filename, RuleID: rule.ID, Err: err})
			continue
		}
		rules = append(rules, rule)
	}
	return rules, problems, nil
}

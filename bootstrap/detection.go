package bootstrap

import (
	"errors"
	"fmt"
	"io/fs"
	"os"

	"go.uber.org/zap"

	"argus/config"
	"argus/correlate"
	"argus/detect"
	"argus/threat"
)

// DetectionComponents holds the rule engine, its optional watcher and the
// correlation engine that evaluates findings against it
type DetectionComponents struct {
	Rules       *detect.RuleEngine
	Watcher     *detect.RuleWatcher
	Correlation *correlate.Engine
}

// InitDetection builds the rule engine and loads the initial rule set. A
// missing rules path starts the engine empty; a rules path that exists but
// fails to load is an error.
func InitDetection(cfg *config.Config, alerts correlate.AlertStore, indicators *threat.IndicatorStore, sugar *zap.SugaredLogger) (*DetectionComponents, error) {
	rules := detect.NewRuleEngine(cfg.Detect.Config, sugar)
	dc := &DetectionComponents{
		Rules:       rules,
		Correlation: correlate.NewEngine(cfg.Correlation, rules, alerts, indicators, sugar),
	}

	if _, err := os.Stat(cfg.Detect.RulesPath); errors.Is(err, fs.ErrNotExist) {
		sugar.Warnw("Rules path does not exist, starting with no detection rules", "path", cfg.Detect.RulesPath)
		return dc, nil
	}

	watcher, err := detect.NewRuleWatcher(cfg.Detect.RulesPath, rules, cfg.Detect.ReloadDebounce, sugar)
	if err != nil {
		return nil, fmt.Errorf("failed to create rule watcher: %w", err)
	}
	watcher.OnReload(func(result *detect.LoadResult) {
		logLoadResult(result, sugar)
	})

	if _, err := watcher.Reload(); err != nil {
		return nil, fmt.Errorf("failed to load rules from %s: %w", cfg.Detect.RulesPath, err)
	}
	if cfg.Detect.Watch {
		dc.Watcher = watcher
	}
	return dc, nil
}

func logLoadResult(result *detect.LoadResult, sugar *zap.SugaredLogger) {
	for _, p := range result.Problems {
		sugar.Warnw("Rule skipped", "source", p.Source, "rule_id", p.RuleID, "error", p.Err)
	}
	sugar.Infow("Detection rules loaded",
		"rules", len(result.Rules),
		"files", len(result.Files),
		"skipped", len(result.Problems))
}

package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"argus/detect"
)

// newRulesCmd creates the 'rules' command group
func newRulesCmd() *cobra.Command {
	rulesCmd := &cobra.Command{
		Use:   "rules",
		Short: "Work with detection rule files",
	}
	rulesCmd.AddCommand(newRulesValidateCmd())
	return rulesCmd
}

// rulesReport is the JSON form of a validation run
type rulesReport struct {
	Files    []string        `json:"files"`
	Rules    []string        `json:"rules"`
	Problems []problemReport `json:"problems,omitempty"`
}

type problemReport struct {
	Source string `json:"source"`
	RuleID string `json:"rule_id,omitempty"`
	Error  string `json:"error"`
}

func newRulesValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate <path>",
		Short: "Validate a rule file or directory",
		Long: `Load rules the way the service does and report every rule that would be
skipped. Exits non-zero when any rule is invalid.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			result, err := detect.LoadRules(args[0], zap.NewNop().Sugar())
			if err != nil {
				return fmt.Errorf("failed to load rules: %w", err)
			}

			report := rulesReport{Files: result.Files, Rules: make([]string, 0, len(result.Rules))}
			for _, r := range result.Rules {
				report.Rules = append(report.Rules, r.ID)
			}
			for _, p := range result.Problems {
				report.Problems = append(report.Problems, problemReport{Source: p.Source, RuleID: p.RuleID, Error: p.Err.Error()})
			}

			out := cmd.OutOrStdout()
			if outputJSON {
				if err := outputAsJSON(out, report); err != nil {
					return err
				}
			} else {
				renderRulesReport(out, report)
			}

			if len(report.Problems) > 0 {
				return fmt.Errorf("%d invalid rule(s)", len(report.Problems))
			}
			return nil
		},
	}
}

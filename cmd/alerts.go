package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"argus/core"
)

// newAlertsCmd creates the 'alerts' command group
func newAlertsCmd() *cobra.Command {
	alertsCmd := &cobra.Command{
		Use:   "alerts",
		Short: "List and triage alerts",
	}
	alertsCmd.AddCommand(newAlertsListCmd())
	alertsCmd.AddCommand(newAlertsSetStatusCmd())
	return alertsCmd
}

func newAlertsListCmd() *cobra.Command {
	var (
		status      string
		minSeverity string
		ruleID      string
		caseID      string
		limit       int
	)

	cmd := &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List alerts, most recently fired first",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			filter := core.AlertFilter{
				Status:      core.AlertStatus(status),
				MinSeverity: core.Severity(minSeverity),
				RuleID:      ruleID,
				CaseID:      caseID,
				Limit:       limit,
			}
			if filter.Status != "" && !filter.Status.IsValid() {
				return fmt.Errorf("unknown alert status %q", status)
			}
			if filter.MinSeverity != "" && !filter.MinSeverity.IsValid() {
				return fmt.Errorf("unknown severity %q", minSeverity)
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), defaultTimeout)
			defer cancel()

			alerts, err := newAPIClient(serverURL).listAlerts(ctx, filter)
			if err != nil {
				return fmt.Errorf("failed to list alerts: %w", err)
			}
			if outputJSON {
				return outputAsJSON(cmd.OutOrStdout(), alerts)
			}
			renderAlertsTable(cmd.OutOrStdout(), alerts)
			return nil
		},
	}

	cmd.Flags().StringVar(&status, "status", "", "Filter by status (new, investigating, resolved, false_positive)")
	cmd.Flags().StringVar(&minSeverity, "min-severity", "", "Minimum severity (info, low, medium, high, critical)")
	cmd.Flags().StringVar(&ruleID, "rule", "", "Filter by rule id")
	cmd.Flags().StringVar(&caseID, "case", "", "Filter by case id")
	cmd.Flags().IntVar(&limit, "limit", 50, "Maximum number of alerts")
	return cmd
}

func newAlertsSetStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "set-status <alert-id> <status>",
		Short: "Move an alert through its lifecycle",
		Long:  "Transition an alert: new -> investigating -> resolved | false_positive. Resolved and false-positive alerts are final.",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			status := core.AlertStatus(args[1])
			if !status.IsValid() {
				return fmt.Errorf("unknown alert status %q", args[1])
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), defaultTimeout)
			defer cancel()

			alert, err := newAPIClient(serverURL).setAlertStatus(ctx, args[0], status)
			if err != nil {
				return fmt.Errorf("failed to update alert: %w", err)
			}
			if outputJSON {
				return outputAsJSON(cmd.OutOrStdout(), alert)
			}
			if !quiet {
				successColor.Fprintf(cmd.OutOrStdout(), "✓ Alert %s is now %s\n", alert.ID, alert.Status)
			}
			return nil
		},
	}
}

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/orchestrator/internal/model"
	"github.com/sells-group/orchestrator/internal/monitoring"
	"github.com/sells-group/orchestrator/internal/store"
)

var alertsCmd = &cobra.Command{
	Use:   "alerts",
	Short: "List and manage alerts",
}

var alertsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List alerts, newest first",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		st, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		status, _ := cmd.Flags().GetString("status")
		workflow, _ := cmd.Flags().GetString("workflow")
		limit, _ := cmd.Flags().GetInt("limit")

		alerts, err := monitoring.NewAlertManager(st).List(ctx, store.AlertFilter{
			Status:     model.AlertStatus(status),
			WorkflowID: workflow,
			Limit:      limit,
		})
		if err != nil {
			return eris.Wrap(err, "alerts list")
		}
		if len(alerts) == 0 {
			fmt.Fprintln(os.Stderr, "No alerts found.")
			return nil
		}
		formatAlertsList(cmd.OutOrStdout(), alerts)
		return nil
	},
}

var alertsAckCmd = &cobra.Command{
	Use:   "ack <alert-id>",
	Short: "Acknowledge an active alert",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return transitionAlert(cmd, args[0], (*monitoring.AlertManager).Acknowledge)
	},
}

var alertsResolveCmd = &cobra.Command{
	Use:   "resolve <alert-id>",
	Short: "Resolve an alert",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return transitionAlert(cmd, args[0], (*monitoring.AlertManager).Resolve)
	},
}

var alertsCheckCmd = &cobra.Command{
	Use:   "check",
	Short: "Run one health check over recent runs and raise alerts",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		st, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		checker := monitoring.NewChecker(
			monitoring.NewCollector(st),
			monitoring.NewAlerter(cfg.Monitoring),
			monitoring.NewAlertManager(st),
			buildAlertSink(st, cfg.Monitoring),
			cfg.Monitoring,
		)
		raised := checker.Check(ctx)
		_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Raised %d alert(s).\n", raised)
		return nil
	},
}

func init() {
	alertsListCmd.Flags().String("status", "", "filter by alert status (active, acknowledged, resolved)")
	alertsListCmd.Flags().String("workflow", "", "filter by workflow ID")
	alertsListCmd.Flags().Int("limit", 50, "max number of alerts to display")

	alertsCmd.AddCommand(alertsListCmd)
	alertsCmd.AddCommand(alertsAckCmd)
	alertsCmd.AddCommand(alertsResolveCmd)
	alertsCmd.AddCommand(alertsCheckCmd)
	rootCmd.AddCommand(alertsCmd)
}

type alertTransition func(m *monitoring.AlertManager, ctx context.Context, id string) (*model.Alert, error)

func transitionAlert(cmd *cobra.Command, id string, apply alertTransition) error {
	ctx := cmd.Context()

	st, err := openStore(ctx)
	if err != nil {
		return err
	}
	defer st.Close() //nolint:errcheck

	a, err := apply(monitoring.NewAlertManager(st), ctx, id)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(a)
}

// formatAlertsList writes a tabular list of alerts to w.
func formatAlertsList(out io.Writer, alerts []model.Alert) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "ID\tTYPE\tSEVERITY\tSTATUS\tWORKFLOW\tCREATED\tMESSAGE")
	_, _ = fmt.Fprintln(w, "--\t----\t--------\t------\t--------\t-------\t-------")
	for _, a := range alerts {
		msg := a.Message
		if len(msg) > 60 {
			msg = msg[:57] + "..."
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			truncateID(a.ID),
			a.Type,
			a.Severity,
			a.Status,
			a.WorkflowID,
			a.CreatedAt.Format("2006-01-02 15:04"),
			msg,
		)
	}
	_ = w.Flush()
}

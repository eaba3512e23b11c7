package main

import (
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/orchestrator/internal/model"
	"github.com/sells-group/orchestrator/internal/scheduler"
)

var scheduleCmd = &cobra.Command{
	Use:   "schedule",
	Short: "Inspect and drive workflow schedules",
}

var scheduleNextCmd = &cobra.Command{
	Use:   "next",
	Short: "Show the next due time of every scheduled workflow",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		st, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		wfs, err := st.ListWorkflows(ctx)
		if err != nil {
			return eris.Wrap(err, "schedule next")
		}
		formatSchedule(cmd.OutOrStdout(), wfs, time.Now().UTC())
		return nil
	},
}

var scheduleTickCmd = &cobra.Command{
	Use:   "tick",
	Short: "Trigger every due workflow once and wait for the runs",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		env, err := initEnv(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		sched := scheduler.New(env.Store, env.Engine, scheduler.Options{Observer: env.Metrics})
		emitted, err := sched.Tick(ctx, time.Now().UTC())
		if err != nil {
			return eris.Wrap(err, "schedule tick")
		}
		env.drain()

		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		if emitted == nil {
			emitted = []scheduler.Emission{}
		}
		return enc.Encode(emitted)
	},
}

func init() {
	scheduleCmd.AddCommand(scheduleNextCmd)
	scheduleCmd.AddCommand(scheduleTickCmd)
	rootCmd.AddCommand(scheduleCmd)
}

// formatSchedule writes each enabled schedule with its next due time.
func formatSchedule(out io.Writer, wfs []model.Workflow, now time.Time) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "WORKFLOW\tTYPE\tEXPRESSION\tLAST RUN\tNEXT RUN")
	_, _ = fmt.Fprintln(w, "--------\t----\t----------\t--------\t--------")

	for i := range wfs {
		wf := &wfs[i]
		if !wf.Schedule.Enabled || wf.Schedule.Type == model.ScheduleManual {
			continue
		}

		expr := wf.Schedule.Cron
		if wf.Schedule.Type == model.ScheduleInterval {
			expr = (time.Duration(wf.Schedule.IntervalMs) * time.Millisecond).String()
		}
		last := "never"
		if wf.Stats.LastRunAt != nil {
			last = wf.Stats.LastRunAt.Format("2006-01-02 15:04")
		}
		next := "-"
		if t, err := scheduler.NextRun(wf, now); err != nil {
			next = "error: " + err.Error()
		} else if t != nil {
			next = t.Format("2006-01-02 15:04")
		}

		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", wf.ID, wf.Schedule.Type, expr, last, next)
	}
	_ = w.Flush()
}

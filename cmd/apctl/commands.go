package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/fyrsmithlabs/autopilot/internal/control"
	"github.com/fyrsmithlabs/autopilot/internal/deploy"
	"github.com/fyrsmithlabs/autopilot/internal/loop"
	"github.com/fyrsmithlabs/autopilot/internal/state"
)

const (
	requestTimeout = 30 * time.Second
	// Cycles and deployments run verification and smoke tests.
	longTimeout = time.Hour
)

var reportLimit int

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show run state, error window and pending work",
	RunE: func(cmd *cobra.Command, args []string) error {
		var st control.Status
		if err := newClient(requestTimeout).do(http.MethodGet, "/api/v1/status", &st); err != nil {
			return err
		}
		printStatus(cmd.OutOrStdout(), st)
		return nil
	},
}

func controlCmds() []*cobra.Command {
	actions := []struct{ name, short string }{
		{"start", "Start a run at the configured autonomy level"},
		{"pause", "Pause the run (human override)"},
		{"resume", "Resume a paused run"},
		{"stop", "Stop the run"},
	}
	cmds := make([]*cobra.Command, 0, len(actions))
	for _, a := range actions {
		name := a.name
		cmds = append(cmds, &cobra.Command{
			Use:   name,
			Short: a.short,
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				var st control.Status
				if err := newClient(requestTimeout).do(http.MethodPost, "/api/v1/control/"+name, &st); err != nil {
					return err
				}
				printStatus(cmd.OutOrStdout(), st)
				return nil
			},
		})
	}
	return cmds
}

var approvalsCmd = &cobra.Command{
	Use:   "approvals",
	Short: "List pending approval requests",
	RunE: func(cmd *cobra.Command, args []string) error {
		var reqs []state.ApprovalRequest
		if err := newClient(requestTimeout).do(http.MethodGet, "/api/v1/approvals", &reqs); err != nil {
			return err
		}
		if len(reqs) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "No pending approvals")
			return nil
		}
		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "TASK\tLEVEL\tEXPIRES\tDESCRIPTION")
		for _, r := range reqs {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", r.TaskID, r.RiskLevel,
				r.ExpiresAt.Local().Format(time.RFC3339), r.Task.Description)
		}
		return w.Flush()
	},
}

var approveCmd = decideCmd("approve", true)
var rejectCmd = decideCmd("reject", false)

func decideCmd(verb string, approve bool) *cobra.Command {
	return &cobra.Command{
		Use:   verb + " <task-id>",
		Short: fmt.Sprintf("%s a pending approval request", capitalize(verb)),
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var req state.ApprovalRequest
			path := fmt.Sprintf("/api/v1/approvals/%s/%s", args[0], verb)
			if err := newClient(requestTimeout).do(http.MethodPost, path, &req); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Task %s %s by %s\n", req.TaskID, req.Decision, req.DecidedBy)
			return nil
		},
	}
}

var reportsCmd = &cobra.Command{
	Use:   "reports",
	Short: "Print recent cycle reports as JSON",
	RunE: func(cmd *cobra.Command, args []string) error {
		var reports []json.RawMessage
		path := "/api/v1/reports?limit=" + strconv.Itoa(reportLimit)
		if err := newClient(requestTimeout).do(http.MethodGet, path, &reports); err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), reports)
	},
}

var transitionsCmd = &cobra.Command{
	Use:   "transitions",
	Short: "Show recent run state changes",
	RunE: func(cmd *cobra.Command, args []string) error {
		var trs []state.Transition
		if err := newClient(requestTimeout).do(http.MethodGet, "/api/v1/transitions", &trs); err != nil {
			return err
		}
		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "AT\tFROM\tTO\tREASON\tACTOR")
		for _, t := range trs {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", t.At.Local().Format(time.RFC3339), t.From, t.To, t.Reason, t.Actor)
		}
		return w.Flush()
	},
}

var cycleCmd = &cobra.Command{
	Use:   "cycle",
	Short: "Run one cycle now",
	RunE: func(cmd *cobra.Command, args []string) error {
		var rep loop.CycleReport
		if err := newClient(longTimeout).do(http.MethodPost, "/api/v1/cycle", &rep); err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), rep)
	},
}

var promoteCmd = &cobra.Command{
	Use:   "promote",
	Short: "Promote the deployment waiting after staging",
	RunE: func(cmd *cobra.Command, args []string) error {
		var run deploy.Run
		if err := newClient(longTimeout).do(http.MethodPost, "/api/v1/deployments/promote", &run); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Deployment %s: %s (version %s)\n", run.ID, run.Outcome, run.Version)
		return nil
	},
}

func init() {
	reportsCmd.Flags().IntVar(&reportLimit, "limit", 5, "number of reports")
}

func printStatus(out io.Writer, st control.Status) {
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	rs := string(st.RunState)
	if st.PauseReason != "" {
		rs += " (" + string(st.PauseReason) + ")"
	}
	fmt.Fprintf(w, "State:\t%s\n", rs)
	if st.Level != "" {
		fmt.Fprintf(w, "Autonomy:\t%s\n", st.Level)
	}
	if !st.LastRun.IsZero() {
		fmt.Fprintf(w, "Last run:\t%s\n", st.LastRun.Local().Format(time.RFC3339))
	}
	if !st.NextRun.IsZero() {
		fmt.Fprintf(w, "Next run:\t%s\n", st.NextRun.Local().Format(time.RFC3339))
	}
	fmt.Fprintf(w, "Error ratio:\t%.3f / %.3f (%d failures in last %d)\n",
		st.ErrorRatio, st.FailureThreshold, st.ErrorWindow.Failures, st.ErrorWindow.Samples)
	fmt.Fprintf(w, "Pending approvals:\t%d\n", st.PendingApprovals)
	if st.BreakerTripped {
		fmt.Fprintf(w, "Circuit breaker:\ttripped, resume to clear\n")
	}
	if st.InFlight != nil {
		fmt.Fprintf(w, "In flight:\t%s on %s\n", st.InFlight.TaskID, st.InFlight.Branch)
	}
	if st.AwaitingPromote != nil {
		fmt.Fprintf(w, "Awaiting promotion:\t%s\n", st.AwaitingPromote.Version)
	}
	if st.ReloadPending {
		fmt.Fprintf(w, "Config:\treload staged for next start\n")
	}
	_ = w.Flush()
}

func printJSON(out io.Writer, v any) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func capitalize(s string) string {
	if s == "" {
		return s
	}
	return string(s[0]-'a'+'A') + s[1:]
}

package main

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/cuemby/fleet/pkg/client"
	"github.com/cuemby/fleet/pkg/types"
	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

var mergeCmd = &cobra.Command{
	Use:   "merge",
	Short: "Track live merges",
	Long: `Submit live merge attempts to a manager and follow their outcome.

Examples:
  # Start tracking a merge described in YAML
  fleet merge submit -f merge.yaml --user alice

  # Show attempts that are still polling
  fleet merge list --state polling`,
}

var mergeSubmitCmd = &cobra.Command{
	Use:   "submit",
	Short: "Submit a merge attempt",
	RunE: func(cmd *cobra.Command, args []string) error {
		filename, _ := cmd.Flags().GetString("file")
		data, err := os.ReadFile(filename)
		if err != nil {
			return fmt.Errorf("failed to read file: %w", err)
		}
		var req types.MergeRequest
		if err := yaml.Unmarshal(data, &req); err != nil {
			return fmt.Errorf("failed to parse YAML: %w", err)
		}

		attempt, err := apiClient(cmd).SubmitMerge(cmd.Context(), req)
		if err != nil {
			return fmt.Errorf("failed to submit merge: %w", err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "✓ Merge attempt submitted: %s (state=%s)\n", attempt.ID, attempt.State)
		return nil
	},
}

var mergeStatusCmd = &cobra.Command{
	Use:   "status ATTEMPT_ID",
	Short: "Show a merge attempt and its decision",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		view, err := apiClient(cmd).GetMerge(cmd.Context(), args[0])
		if err != nil {
			return fmt.Errorf("failed to get merge: %w", err)
		}
		printMergeView(cmd.OutOrStdout(), view.Attempt, view.Decision)
		return nil
	},
}

var mergeListCmd = &cobra.Command{
	Use:   "list",
	Short: "List merge attempts",
	RunE: func(cmd *cobra.Command, args []string) error {
		state, _ := cmd.Flags().GetString("state")
		attempts, err := apiClient(cmd).ListMerges(cmd.Context(), types.AttemptState(state))
		if err != nil {
			return fmt.Errorf("failed to list merges: %w", err)
		}
		if len(attempts) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "No merge attempts found")
			return nil
		}
		renderAttempts(cmd.OutOrStdout(), attempts)
		return nil
	},
}

var mergeCancelCmd = &cobra.Command{
	Use:   "cancel ATTEMPT_ID",
	Short: "Stop polling a merge attempt",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := apiClient(cmd).CancelMerge(cmd.Context(), args[0]); err != nil {
			return fmt.Errorf("failed to cancel merge: %w", err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "✓ Merge attempt cancelled: %s\n", args[0])
		return nil
	},
}

func init() {
	mergeCmd.PersistentFlags().String("server", client.DefaultAddr, "Manager ops address")
	mergeCmd.PersistentFlags().String("user", "", "User ID sent to the manager (needed by submit and cancel)")

	mergeSubmitCmd.Flags().StringP("file", "f", "", "YAML file describing the merge (required)")
	_ = mergeSubmitCmd.MarkFlagRequired("file")
	mergeListCmd.Flags().String("state", "", "Only list attempts in this state")

	mergeCmd.AddCommand(mergeSubmitCmd, mergeStatusCmd, mergeListCmd, mergeCancelCmd)
}

func apiClient(cmd *cobra.Command) *client.Client {
	addr, _ := cmd.Flags().GetString("server")
	user, _ := cmd.Flags().GetString("user")
	return client.NewClient(addr, user)
}

func renderAttempts(w io.Writer, attempts []*types.MergeAttempt) {
	table := tablewriter.NewWriter(w)
	table.SetAutoWrapText(false)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetHeader([]string{"ID", "VM", "STATE", "POLLS", "LAST OUTCOME", "LAST POLLED"})
	for _, a := range attempts {
		table.Append([]string{
			a.ID,
			a.Request.VMID,
			string(a.State),
			fmt.Sprintf("%d", a.Polls),
			a.LastOutcome.String(),
			formatTime(a.LastPolledAt),
		})
	}
	table.Render()
}

func printMergeView(w io.Writer, a *types.MergeAttempt, d *types.MergeDecision) {
	fmt.Fprintf(w, "Attempt:  %s\n", a.ID)
	fmt.Fprintf(w, "Workflow: %s\n", a.Request.ParentWorkflowID)
	fmt.Fprintf(w, "VM:       %s\n", a.Request.VMID)
	fmt.Fprintf(w, "Top:      %s\n", a.Request.TopImage.ImageID)
	fmt.Fprintf(w, "Base:     %s\n", a.Request.BaseImage.ImageID)
	fmt.Fprintf(w, "State:    %s\n", a.State)
	fmt.Fprintf(w, "Polls:    %d\n", a.Polls)
	if a.LastError != "" {
		fmt.Fprintf(w, "Error:    %s\n", a.LastError)
	}
	if d != nil {
		fmt.Fprintf(w, "Decision: %s (at %s)\n", d.Outcome.String(), formatTime(d.DecidedAt))
	}
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.Local().Format(time.DateTime)
}

package cli

import (
	"errors"

	"github.com/spf13/cobra"
)

// NewApprovalCmd создаёт группу команд для решений по approval gate.
func NewApprovalCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "approval",
		Aliases: []string{"approvals"},
		Short:   "Review stage approvals",
	}

	cmd.AddCommand(
		newApprovalListCmd(clientFn, outputFn),
		newApprovalApproveCmd(clientFn, outputFn),
		newApprovalRejectCmd(clientFn, outputFn),
	)

	return cmd
}

func newApprovalListCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	var runID string
	var status string

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List approval requests",
		RunE: func(cmd *cobra.Command, args []string) error {
			client := clientFn()
			out := outputFn()

			reqs, err := client.ListApprovals(runID, status)
			if err != nil {
				return err
			}

			headers := []string{"ID", "RUN_ID", "UNIT", "STATUS", "APPROVER", "CREATED"}
			rows := make([][]string, len(reqs))
			for i, r := range reqs {
				approver := ""
				if r.Decision != nil {
					approver = r.Decision.Approver
				}
				rows[i] = []string{r.ID, r.RunID, r.UnitID, r.Status, approver, r.CreatedAt}
			}

			out.Print(headers, rows, reqs)
			return nil
		},
	}

	cmd.Flags().StringVar(&runID, "run-id", "", "Filter by run ID")
	cmd.Flags().StringVar(&status, "status", "PENDING", "Filter by status (PENDING, APPROVED, REJECTED; empty for all)")

	return cmd
}

func newApprovalApproveCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	var approver string

	cmd := &cobra.Command{
		Use:   "approve ID",
		Short: "Approve a stage result",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			out := outputFn()

			req, err := clientFn().Approve(args[0], approver)
			if err != nil {
				return err
			}

			out.Infof("Approved %s (run %s, unit %s)", req.ID, req.RunID, req.UnitID)
			return nil
		},
	}

	cmd.Flags().StringVar(&approver, "approver", "", "Reviewer name (required)")
	_ = cmd.MarkFlagRequired("approver")

	return cmd
}

func newApprovalRejectCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	var approver string
	var reason string

	cmd := &cobra.Command{
		Use:   "reject ID",
		Short: "Reject a stage result; the run fails",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if reason == "" {
				return errors.New("--reason is required")
			}
			out := outputFn()

			req, err := clientFn().Reject(args[0], approver, reason)
			if err != nil {
				return err
			}

			out.Infof("Rejected %s (run %s, unit %s)", req.ID, req.RunID, req.UnitID)
			return nil
		},
	}

	cmd.Flags().StringVar(&approver, "approver", "", "Reviewer name (required)")
	cmd.Flags().StringVar(&reason, "reason", "", "Rejection reason (required)")
	_ = cmd.MarkFlagRequired("approver")

	return cmd
}

package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/devwspito/storyforge/internal/config"
	"github.com/devwspito/storyforge/pkg/models"
)

func newApproveCmd() *cobra.Command {
	var (
		action   string
		feedback string
	)

	cmd := &cobra.Command{
		Use:   "approve <task-id>",
		Short: "Resolve a pending approval on a task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			home := config.MustHomeFrom(ctx)

			switch action {
			case models.ApprovalApprove, models.ApprovalReject, models.ApprovalRequestChanges:
			default:
				return fmt.Errorf("invalid --action %q (expected approve, reject, or request_changes)", action)
			}
			if action == models.ApprovalRequestChanges && feedback == "" {
				return fmt.Errorf("--feedback is required with --action request_changes")
			}

			c, err := newClient(ctx, home)
			if err != nil {
				return err
			}
			body := models.ApprovalResponse{Action: action, Feedback: feedback}
			if err := c.do(ctx, "POST", "/api/tasks/"+args[0]+"/approval", body, nil); err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Recorded %s for task %s\n", action, args[0])
			return nil
		},
	}

	cmd.Flags().StringVar(&action, "action", models.ApprovalApprove, "approve, reject, or request_changes")
	cmd.Flags().StringVar(&feedback, "feedback", "", "Feedback for the developer agent (request_changes)")

	return cmd
}

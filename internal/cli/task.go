package cli

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/devwspito/storyforge/internal/config"
	"github.com/devwspito/storyforge/pkg/models"
)

func newTaskCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "task",
		Short: "Submit and inspect tasks",
	}
	cmd.AddCommand(newTaskSubmitCmd())
	cmd.AddCommand(newTaskListCmd())
	cmd.AddCommand(newTaskShowCmd())
	cmd.AddCommand(newTaskCancelCmd())
	return cmd
}

func newTaskSubmitCmd() *cobra.Command {
	var (
		file        string
		title       string
		repos       []string
		description string
		autoApprove bool
	)

	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Submit a task for execution",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			home := config.MustHomeFrom(ctx)

			var sub models.TaskSubmission
			if file != "" {
				data, err := os.ReadFile(file)
				if err != nil {
					return err
				}
				if err := yaml.Unmarshal(data, &sub); err != nil {
					return fmt.Errorf("parse %s: %w", file, err)
				}
			}
			if title != "" {
				sub.Title = title
			}
			if description != "" {
				sub.Description = description
			}
			if len(repos) > 0 {
				sub.Repositories = repos
			}
			if autoApprove {
				sub.AutoApprove = true
			}
			if sub.Title == "" {
				return fmt.Errorf("a title is required (--title or -f)")
			}
			if len(sub.Repositories) == 0 {
				return fmt.Errorf("at least one repository is required (--repo or -f)")
			}

			c, err := newClient(ctx, home)
			if err != nil {
				return err
			}
			var task models.Task
			if err := c.do(ctx, "POST", "/api/tasks", sub, &task); err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Submitted task %s\n", task.TaskID)
			return nil
		},
	}

	cmd.Flags().StringVarP(&file, "file", "f", "", "YAML file describing the task")
	cmd.Flags().StringVar(&title, "title", "", "Task title")
	cmd.Flags().StringVar(&description, "description", "", "Task description")
	cmd.Flags().StringArrayVar(&repos, "repo", nil, "Repository path (repeatable)")
	cmd.Flags().BoolVar(&autoApprove, "auto-approve", false, "Skip human approval for this task")

	return cmd
}

func newTaskListCmd() *cobra.Command {
	var (
		limit  int
		asJSON bool
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List tasks",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			home := config.MustHomeFrom(ctx)

			c, err := newClient(ctx, home)
			if err != nil {
				return err
			}
			var tasks []models.Task
			if err := c.do(ctx, "GET", fmt.Sprintf("/api/tasks?limit=%d", limit), nil, &tasks); err != nil {
				return err
			}
			if asJSON {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(tasks)
			}

			tw := table.NewWriter()
			tw.SetOutputMirror(cmd.OutOrStdout())
			tw.AppendHeader(table.Row{"ID", "Title", "Status", "Repos", "Cost"})
			for _, t := range tasks {
				cost := ""
				if t.CostUSD > 0 {
					cost = fmt.Sprintf("$%.2f", t.CostUSD)
				}
				tw.AppendRow(table.Row{t.TaskID, t.Title, t.Status, strings.Join(t.Repositories, ","), cost})
			}
			tw.Render()
			return nil
		},
	}

	cmd.Flags().IntVar(&limit, "limit", 50, "Maximum number of tasks to list")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print raw JSON")

	return cmd
}

func newTaskShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <task-id>",
		Short: "Show a task and its stories",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			home := config.MustHomeFrom(ctx)

			c, err := newClient(ctx, home)
			if err != nil {
				return err
			}
			var out struct {
				Task    models.Task    `json:"task"`
				Stories []models.Story `json:"stories"`
			}
			if err := c.do(ctx, "GET", "/api/tasks/"+args[0], nil, &out); err != nil {
				return err
			}

			w := cmd.OutOrStdout()
			_, _ = fmt.Fprintf(w, "Task:   %s\n", out.Task.TaskID)
			_, _ = fmt.Fprintf(w, "Title:  %s\n", out.Task.Title)
			_, _ = fmt.Fprintf(w, "Status: %s\n", out.Task.Status)
			if out.Task.FailureReason != "" {
				_, _ = fmt.Fprintf(w, "Reason: %s\n", out.Task.FailureReason)
			}
			if out.Task.CostUSD > 0 || out.Task.TokensUsed > 0 {
				_, _ = fmt.Fprintf(w, "Cost:   $%.4f (%d tokens)\n", out.Task.CostUSD, out.Task.TokensUsed)
			}
			if len(out.Stories) == 0 {
				return nil
			}

			tw := table.NewWriter()
			tw.SetOutputMirror(w)
			tw.AppendHeader(table.Row{"#", "Story", "Verdict", "Iterations", "Commits"})
			for _, s := range out.Stories {
				tw.AppendRow(table.Row{s.Index, s.Title, s.Verdict, s.Iterations, len(s.Commits)})
			}
			tw.Render()
			return nil
		},
	}
}

func newTaskCancelCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <task-id>",
		Short: "Cancel a task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			home := config.MustHomeFrom(ctx)

			c, err := newClient(ctx, home)
			if err != nil {
				return err
			}
			if err := c.do(ctx, "POST", "/api/tasks/"+args[0]+"/cancel", nil, nil); err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Cancelled task %s\n", args[0])
			return nil
		},
	}
}

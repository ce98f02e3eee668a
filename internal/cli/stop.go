package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/devwspito/storyforge/internal/config"
	"github.com/devwspito/storyforge/internal/daemon"
)

func newStopCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stop",
		Short: "Stop the Storyforge daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			home := config.MustHomeFrom(cmd.Context())
			stopped, err := daemon.Stop(cmd.Context(), home)
			if err != nil {
				return err
			}
			if !stopped {
				_, _ = fmt.Fprintln(cmd.OutOrStdout(), "Storyforge is not running")
				return nil
			}
			_, _ = fmt.Fprintln(cmd.OutOrStdout(), "Storyforge stopped")
			return nil
		},
	}
}

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show daemon status",
		RunE: func(cmd *cobra.Command, args []string) error {
			home := config.MustHomeFrom(cmd.Context())
			info, err := daemon.Status(cmd.Context(), home)
			if err != nil {
				return err
			}
			if !info.Running {
				_, _ = fmt.Fprintln(cmd.OutOrStdout(), "not running")
				return nil
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "running (pid %d, addr %s)\n", info.PID, info.Addr)
			return nil
		},
	}
}

package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/devwspito/storyforge/internal/config"
	"github.com/devwspito/storyforge/internal/daemon"
)

func newStartCmd() *cobra.Command {
	var (
		port       int
		foreground bool
		pprofAddr  string
	)

	cmd := &cobra.Command{
		Use:   "start",
		Short: "Start the Storyforge daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			home := config.MustHomeFrom(cmd.Context())
			cfg, err := config.Load(home)
			if err != nil {
				return err
			}
			if port > 0 {
				cfg.Port = port
			}

			opts := daemon.StartOptions{Home: home, Cfg: cfg, PprofAddr: pprofAddr}

			if foreground {
				_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Starting Storyforge in foreground on port %d\n", cfg.Port)
				return daemon.StartForeground(cmd.Context(), opts)
			}

			pid, err := daemon.StartBackground(cmd.Context(), opts)
			if err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Storyforge started (pid %d, port %d)\n", pid, cfg.Port)
			return nil
		},
	}

	cmd.Flags().IntVar(&port, "port", 0, "Override the configured API port")
	cmd.Flags().BoolVar(&foreground, "foreground", false, "Run in foreground (do not daemonize)")
	cmd.Flags().StringVar(&pprofAddr, "pprof", "", "Enable pprof on address (e.g. 127.0.0.1:6060)")

	return cmd
}

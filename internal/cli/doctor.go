package cli

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/devwspito/storyforge/internal/config"
)

func newDoctorCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "doctor",
		Short: "Verify runtime dependencies",
		RunE: func(cmd *cobra.Command, args []string) error {
			home := config.MustHomeFrom(cmd.Context())

			var problems []string

			// git is required for branch and commit management.
			if _, err := exec.LookPath("git"); err != nil {
				problems = append(problems, "missing dependency: git (not found on PATH)")
			}

			// The home directory must be writable for the database and daemon state.
			if err := os.MkdirAll(home, 0o755); err != nil {
				problems = append(problems, fmt.Sprintf("home %s is not writable: %v", home, err))
			} else {
				probe := filepath.Join(home, ".doctor-probe")
				if err := os.WriteFile(probe, []byte("ok"), 0o600); err != nil {
					problems = append(problems, fmt.Sprintf("home %s is not writable: %v", home, err))
				} else {
					_ = os.Remove(probe)
				}
			}

			cfg, err := config.Load(home)
			if err != nil {
				problems = append(problems, fmt.Sprintf("config: %v", err))
			} else if cfg.Runtime.Kind == "subprocess" && cfg.Runtime.Command != "" {
				if _, err := exec.LookPath(cfg.Runtime.Command); err != nil {
					problems = append(problems, fmt.Sprintf("agent runtime %q not found on PATH", cfg.Runtime.Command))
				}
			}

			if len(problems) > 0 {
				for _, p := range problems {
					_, _ = fmt.Fprintln(cmd.ErrOrStderr(), p)
				}
				return errors.New("doctor checks failed")
			}

			_, _ = fmt.Fprintln(cmd.OutOrStdout(), "ok")
			return nil
		},
	}
	return cmd
}

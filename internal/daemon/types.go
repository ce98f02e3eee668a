package daemon

import "github.com/devwspito/storyforge/internal/config"

// StartOptions configures the daemon process.
type StartOptions struct {
	Home      string
	Cfg       *config.Config
	PprofAddr string
}

// StatusInfo is the result of Status (running or not, PID, listen addr).
type StatusInfo struct {
	Running bool
	PID     int
	Addr    string
}

package daemon

import "path/filepath"

// Daemon state lives under <home>/protected alongside the database, so a
// single directory holds everything that must survive restarts.
func protectedDir(home string) string { return filepath.Join(home, "protected") }

func pidPath(home string) string  { return filepath.Join(protectedDir(home), "daemon.pid") }
func lockPath(home string) string { return filepath.Join(protectedDir(home), "daemon.lock") }
func addrPath(home string) string { return filepath.Join(protectedDir(home), "daemon.addr") }

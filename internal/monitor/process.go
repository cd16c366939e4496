// Package monitor - process.go infers launcher process liveness.
package monitor

import "github.com/shirou/gopsutil/v3/process"

// pidAlive reports whether the launcher-recorded process still exists. A
// lookup failure counts as alive so a transient procfs error never marks a
// healthy session stopped.
func pidAlive(pid int64) bool {
	exists, err := process.PidExists(int32(pid))
	if err != nil {
		return true
	}
	return exists
}

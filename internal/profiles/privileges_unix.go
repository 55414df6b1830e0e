//go:build !windows

package profiles

import "os"

// processElevated reports whether the process runs with an effective uid
// of zero.
func processElevated() bool {
	return os.Geteuid() == 0
}

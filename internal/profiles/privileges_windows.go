//go:build windows

package profiles

import "golang.org/x/sys/windows"

// processElevated reports whether the process token carries elevation.
func processElevated() bool {
	return windows.GetCurrentProcessToken().IsElevated()
}

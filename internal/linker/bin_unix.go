//go:build !windows

package linker

// installWindowsShims is unreachable on non-Windows hosts (installBinary
// branches on runtime.GOOS first) but must exist so the package builds for
// every target.
func installWindowsShims(binDir, binName, target string) error {
	return installUnixShim(binDir, binName, target)
}

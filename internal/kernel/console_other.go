//go:build !linux

package kernel

// hostConsoleWidth falls back to the text-mode default where no
// terminal ioctl is available.
func hostConsoleWidth() int { return ConsoleWidth }

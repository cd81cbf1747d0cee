//go:build linux

package kernel

import (
	"os"

	"golang.org/x/sys/unix"
)

// hostConsoleWidth reads the controlling terminal's width so the text
// console does not wrap lines earlier than the host display would.
func hostConsoleWidth() int {
	ws, err := unix.IoctlGetWinsize(int(os.Stdout.Fd()), unix.TIOCGWINSZ)
	if err != nil || ws.Col == 0 {
		return ConsoleWidth
	}
	if int(ws.Col) < ConsoleWidth {
		return int(ws.Col)
	}
	return ConsoleWidth
}

package kernel

import (
	"io"
	"os"
	"strings"
	"sync"
)

// ============================================================================
// Console
// ============================================================================

// Console is the kernel's output collaborator. Writes are fire and
// forget: the kernel never blocks on or reacts to console state.
type Console interface {
	Write(p []byte) int
}

// Default text-mode geometry.
const (
	ConsoleWidth  = 80
	ConsoleHeight = 25
)

// TextConsole models a fixed-size text-mode display: a cell grid with
// a cursor, newline and backspace handling, and scrolling when output
// runs past the last row. It mirrors what a memory-mapped text buffer
// would hold, which makes output assertable.
type TextConsole struct {
	mu     sync.Mutex
	width  int
	height int
	cells  []byte
	col    int
	row    int
	echo   io.Writer // optional passthrough to a host stream
}

// NewTextConsole returns a cleared console of the given geometry.
// Non-positive dimensions fall back to the 80x25 default.
func NewTextConsole(width, height int) *TextConsole {
	if width <= 0 {
		width = ConsoleWidth
	}
	if height <= 0 {
		height = ConsoleHeight
	}
	tc := &TextConsole{width: width, height: height}
	tc.cells = make([]byte, width*height)
	tc.clearLocked()
	return tc
}

// Echo mirrors every write to w as well, for host-visible boot output.
func (tc *TextConsole) Echo(w io.Writer) *TextConsole {
	tc.mu.Lock()
	tc.echo = w
	tc.mu.Unlock()
	return tc
}

// Write renders p into the cell grid and returns the number of bytes
// consumed, which is always all of them.
func (tc *TextConsole) Write(p []byte) int {
	tc.mu.Lock()
	for _, b := range p {
		tc.putLocked(b)
	}
	echo := tc.echo
	tc.mu.Unlock()
	if echo != nil {
		echo.Write(p)
	}
	return len(p)
}

func (tc *TextConsole) putLocked(b byte) {
	switch b {
	case '\n':
		tc.col = 0
		tc.row++
	case '\r':
		tc.col = 0
	case '\b':
		if tc.col > 0 {
			tc.col--
			tc.cells[tc.row*tc.width+tc.col] = ' '
		}
	case '\t':
		next := (tc.col + 8) &^ 7
		for tc.col < next && tc.col < tc.width {
			tc.cells[tc.row*tc.width+tc.col] = ' '
			tc.col++
		}
	default:
		tc.cells[tc.row*tc.width+tc.col] = b
		tc.col++
	}
	if tc.col >= tc.width {
		tc.col = 0
		tc.row++
	}
	if tc.row >= tc.height {
		tc.scrollLocked()
	}
}

// scrollLocked shifts every row up one and blanks the last row.
func (tc *TextConsole) scrollLocked() {
	copy(tc.cells, tc.cells[tc.width:])
	last := tc.cells[(tc.height-1)*tc.width:]
	for i := range last {
		last[i] = ' '
	}
	tc.row = tc.height - 1
}

func (tc *TextConsole) clearLocked() {
	for i := range tc.cells {
		tc.cells[i] = ' '
	}
	tc.col, tc.row = 0, 0
}

// Clear blanks the grid and homes the cursor.
func (tc *TextConsole) Clear() {
	tc.mu.Lock()
	tc.clearLocked()
	tc.mu.Unlock()
}

// Line returns row n with trailing blanks trimmed.
func (tc *TextConsole) Line(n int) string {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	if n < 0 || n >= tc.height {
		return ""
	}
	return strings.TrimRight(string(tc.cells[n*tc.width:(n+1)*tc.width]), " ")
}

// Snapshot returns every row, trailing blanks trimmed.
func (tc *TextConsole) Snapshot() []string {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	out := make([]string, tc.height)
	for i := 0; i < tc.height; i++ {
		out[i] = strings.TrimRight(string(tc.cells[i*tc.width:(i+1)*tc.width]), " ")
	}
	return out
}

// Cursor returns the current column and row.
func (tc *TextConsole) Cursor() (col, row int) {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	return tc.col, tc.row
}

// HostConsole returns a text console sized to the controlling
// terminal and echoing everything to stdout.
func HostConsole() *TextConsole {
	return NewTextConsole(hostConsoleWidth(), ConsoleHeight).Echo(os.Stdout)
}

// WriterConsole adapts any io.Writer into a Console, discarding errors
// the way real console output does.
type WriterConsole struct{ W io.Writer }

// Write forwards to the underlying writer.
func (wc WriterConsole) Write(p []byte) int {
	n, _ := wc.W.Write(p)
	return n
}

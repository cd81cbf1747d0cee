package kernel

import (
	"fmt"
	"testing"
)

func TestTextConsoleBasicOutput(t *testing.T) {
	tc := NewTextConsole(10, 3)
	tc.Write([]byte("hi\nthere"))
	if got := tc.Line(0); got != "hi" {
		t.Errorf("line 0 = %q", got)
	}
	if got := tc.Line(1); got != "there" {
		t.Errorf("line 1 = %q", got)
	}
	col, row := tc.Cursor()
	if col != 5 || row != 1 {
		t.Errorf("cursor = %d,%d; want 5,1", col, row)
	}
}

func TestTextConsoleWrapAndScroll(t *testing.T) {
	tc := NewTextConsole(4, 2)

	t.Run("WrapAtWidth", func(t *testing.T) {
		tc.Write([]byte("abcdef"))
		if tc.Line(0) != "abcd" || tc.Line(1) != "ef" {
			t.Errorf("lines = %q, %q", tc.Line(0), tc.Line(1))
		}
	})

	t.Run("ScrollPastBottom", func(t *testing.T) {
		tc.Write([]byte("\ngh"))
		// "abcd" scrolled away; "ef" is now the top row.
		if tc.Line(0) != "ef" || tc.Line(1) != "gh" {
			t.Errorf("after scroll: %q, %q", tc.Line(0), tc.Line(1))
		}
	})
}

func TestTextConsoleScrollsAfterFullHeight(t *testing.T) {
	tc := NewTextConsole(ConsoleWidth, ConsoleHeight)
	for i := 0; i < ConsoleHeight+2; i++ {
		tc.Write([]byte(fmt.Sprintf("line %d\n", i)))
	}
	if got := tc.Line(0); got != "line 3" {
		t.Errorf("top line = %q, want the scrolled view", got)
	}
	if got := tc.Line(ConsoleHeight - 2); got != fmt.Sprintf("line %d", ConsoleHeight+1) {
		t.Errorf("bottom content line = %q", got)
	}
}

func TestTextConsoleControlBytes(t *testing.T) {
	tc := NewTextConsole(20, 2)
	tc.Write([]byte("abc\b!"))
	if got := tc.Line(0); got != "ab!" {
		t.Errorf("backspace handling: %q", got)
	}
	tc.Write([]byte("\rX"))
	if got := tc.Line(0); got != "Xb!" {
		t.Errorf("carriage return handling: %q", got)
	}
}

func TestTextConsoleClear(t *testing.T) {
	tc := NewTextConsole(8, 2)
	tc.Write([]byte("junk"))
	tc.Clear()
	if tc.Line(0) != "" {
		t.Errorf("line 0 after clear = %q", tc.Line(0))
	}
	if col, row := tc.Cursor(); col != 0 || row != 0 {
		t.Errorf("cursor after clear = %d,%d", col, row)
	}
}

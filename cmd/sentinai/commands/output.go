package commands

import (
	"os"

	"github.com/fatih/color"
	"golang.org/x/term"
)

// colorEnabled gates color escapes behind an actual TTY check — no point
// emitting them into a pipe or a log file.
var colorEnabled = term.IsTerminal(int(os.Stdout.Fd()))

var (
	labelColor = color.New(color.FgCyan, color.Bold)
	warnColor  = color.New(color.FgYellow, color.Bold)
	critColor  = color.New(color.FgRed, color.Bold)
)

func init() {
	color.NoColor = !colorEnabled
}

func colorizeMode(mode string) string {
	switch mode {
	case "active":
		return critColor.Sprint(mode)
	default:
		return warnColor.Sprint(mode)
	}
}

package cli

import (
	"fmt"
	"io"

	"github.com/fatih/color"
)

func printHeader(w io.Writer, title string) {
	fmt.Fprintln(w, color.CyanString(logo))
	if title != "" {
		fmt.Fprintln(w, title)
		fmt.Fprintln(w, "─────────────────────")
	}
}

func okLine(w io.Writer, label, detail string) {
	fmt.Fprintf(w, "%-14s %s %s\n", label+":", color.GreenString("✓"), detail)
}

func failLine(w io.Writer, label, detail string) {
	fmt.Fprintf(w, "%-14s %s %s\n", label+":", color.RedString("✗"), detail)
}

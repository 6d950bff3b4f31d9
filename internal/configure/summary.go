package configure

import (
	"fmt"
	"io"

	"github.com/fatih/color"
)

var (
	sectionColor = color.New(color.FgCyan, color.Bold)
	oldColor     = color.New(color.FgRed)
	newColor     = color.New(color.FgGreen)
)

// PrintSummary writes one line per change, or a single line saying the
// device already matched.
func PrintSummary(w io.Writer, changes []Change) {
	if len(changes) == 0 {
		newColor.Fprintln(w, "device already matches config, nothing written")
		return
	}
	for _, c := range changes {
		sectionColor.Fprintf(w, "%-10s", c.Section)
		fmt.Fprintf(w, " %-24s ", c.Field)
		oldColor.Fprint(w, fmt.Sprint(c.Old))
		fmt.Fprint(w, " -> ")
		newColor.Fprintln(w, fmt.Sprint(c.New))
	}
}

package tunnel

import (
	"fmt"
	"io"
	"strings"
)

const tableWidth = 100

// RenderTable writes the discovered URLs as a bordered block.
func RenderTable(w io.Writer, urls []URL) {
	border := "+" + strings.Repeat("=", tableWidth-2) + "+"
	fmt.Fprintln(w, border)
	if len(urls) == 0 {
		fmt.Fprintln(w, "  No tunnel URLs available")
	}
	for _, u := range urls {
		line := fmt.Sprintf("  %-12s %s", u.Name, u.URL)
		if u.Note != "" {
			line += "  (" + u.Note + ")"
		}
		fmt.Fprintln(w, line)
	}
	fmt.Fprintln(w, border)
}

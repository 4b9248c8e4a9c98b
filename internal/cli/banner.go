package cli

import (
	"fmt"

	"github.com/muesli/termenv"
)

// PrintBanner writes the console banner to out.
func PrintBanner(out *termenv.Output) {
	lines := []struct{ text, color string }{
		{"   __ _                   ", "#818cf8"},
		{"  / _| | _____      _____ ", "#a78bfa"},
		{" | |_| |/ _ \\ \\ /\\ / / __|", "#c084fc"},
		{" |  _| | (_) \\ V  V /\\__ \\", "#e879f9"},
		{" |_| |_|\\___/ \\_/\\_/ |___/", "#f472b6"},
	}
	fmt.Fprintln(out)
	for _, l := range lines {
		fmt.Fprintln(out, out.String(l.text).Foreground(out.Color(l.color)))
	}
	fmt.Fprintln(out)
}

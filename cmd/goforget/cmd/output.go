package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/gookit/color"
	"github.com/mattn/go-runewidth"
)

// maxCellWidth truncates long values such as error details.
const maxCellWidth = 60

// table renders aligned columns. Widths are measured in terminal cells so
// that subject names with wide characters line up.
type table struct {
	headers []string
	rows    [][]string
	paint   map[int]func(string) string
}

func newTable(headers ...string) *table {
	return &table{headers: headers, paint: make(map[int]func(string) string)}
}

func (t *table) add(cells ...string) {
	t.rows = append(t.rows, cells)
}

// colorColumn colors a column after padding.
func (t *table) colorColumn(col int, fn func(string) string) {
	t.paint[col] = fn
}

func (t *table) render(w io.Writer) {
	widths := make([]int, len(t.headers))
	for i, h := range t.headers {
		widths[i] = runewidth.StringWidth(h)
	}
	for _, row := range t.rows {
		for i := range row {
			if i >= len(widths) {
				continue
			}
			row[i] = runewidth.Truncate(row[i], maxCellWidth, "...")
			if cw := runewidth.StringWidth(row[i]); cw > widths[i] {
				widths[i] = cw
			}
		}
	}

	line := func(cells []string, header bool) {
		parts := make([]string, len(widths))
		for i := range widths {
			var v string
			if i < len(cells) {
				v = cells[i]
			}
			padded := runewidth.FillRight(v, widths[i])
			switch {
			case header:
				padded = color.OpBold.Sprint(padded)
			case t.paint[i] != nil:
				padded = t.paint[i](padded)
			}
			parts[i] = padded
		}
		fmt.Fprintln(w, strings.TrimRight(strings.Join(parts, "  "), " "))
	}

	line(t.headers, true)
	sep := make([]string, len(widths))
	for i, wd := range widths {
		sep[i] = strings.Repeat("-", wd)
	}
	fmt.Fprintln(w, strings.Join(sep, "  "))
	for _, row := range t.rows {
		line(row, false)
	}
}

// statusColor colors a status by outcome: green for done, red for failed
// or rejected, yellow for anything still open.
func statusColor(s string) string {
	switch strings.TrimSpace(s) {
	case "COMPLETED", "SUCCESS", "SENT", "ACKNOWLEDGED", "COMPLIANT", "verified":
		return color.Green.Sprint(s)
	case "REJECTED", "FAILED", "NON_COMPLIANT", "UNVERIFIED":
		return color.Red.Sprint(s)
	case "":
		return s
	}
	return color.Yellow.Sprint(s)
}

func heading(w io.Writer, title string) {
	fmt.Fprintf(w, "\n%s\n", color.Style{color.FgCyan, color.OpBold}.Sprintf("=== %s ===", title))
}

func success(w io.Writer, format string, args ...interface{}) {
	fmt.Fprintln(w, color.Green.Sprintf("✅ "+format, args...))
}

func failure(w io.Writer, format string, args ...interface{}) {
	fmt.Fprintln(w, color.Red.Sprintf("❌ "+format, args...))
}

func formatTime(t *time.Time) string {
	if t == nil || t.IsZero() {
		return "-"
	}
	return t.UTC().Format("2006-01-02 15:04:05")
}

func printJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

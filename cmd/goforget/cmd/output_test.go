package cmd

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/gookit/color"
	"github.com/mattn/go-runewidth"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func disableColor(t *testing.T) {
	t.Helper()
	original := color.Enable
	color.Enable = false
	t.Cleanup(func() { color.Enable = original })
}

func TestTableRender_AlignsWideCharacters(t *testing.T) {
	disableColor(t)

	tbl := newTable("NAME", "CITY")
	tbl.add("a", "東京")
	tbl.add("long-name", "x")

	var buf bytes.Buffer
	tbl.render(&buf)

	lines := strings.Split(strings.TrimRight(buf.String(), "\n"), "\n")
	require.Len(t, lines, 4)
	assert.Equal(t, "NAME       CITY", lines[0])
	assert.Equal(t, "---------  ----", lines[1])
	assert.Equal(t, "a          東京", lines[2])
	assert.Equal(t, "long-name  x", lines[3])
}

func TestTableRender_TruncatesLongCells(t *testing.T) {
	disableColor(t)

	tbl := newTable("ERROR")
	tbl.add(strings.Repeat("x", 100))

	var buf bytes.Buffer
	tbl.render(&buf)

	lines := strings.Split(strings.TrimRight(buf.String(), "\n"), "\n")
	require.Len(t, lines, 3)
	assert.Equal(t, maxCellWidth, runewidth.StringWidth(lines[2]))
	assert.True(t, strings.HasSuffix(lines[2], "..."))
}

func TestTableRender_ShortRowsArePadded(t *testing.T) {
	disableColor(t)

	tbl := newTable("A", "B", "C")
	tbl.add("1")

	var buf bytes.Buffer
	tbl.render(&buf)
	assert.Contains(t, buf.String(), "\n1\n")
}

func TestStatusColor_PlainWhenDisabled(t *testing.T) {
	disableColor(t)

	for _, s := range []string{"COMPLETED", "FAILED", "PENDING", ""} {
		assert.Equal(t, s, statusColor(s))
	}
}

func TestFormatTime(t *testing.T) {
	assert.Equal(t, "-", formatTime(nil))
	assert.Equal(t, "-", formatTime(&time.Time{}))

	ts := time.Date(2026, 3, 14, 9, 26, 53, 0, time.FixedZone("CET", 3600))
	assert.Equal(t, "2026-03-14 08:26:53", formatTime(&ts))
}

func TestHeadingAndMarkers(t *testing.T) {
	disableColor(t)

	var buf bytes.Buffer
	heading(&buf, "Audit Trail")
	success(&buf, "Store %s reachable", "crm")
	failure(&buf, "Store %s: %v", "billing", "refused")

	out := buf.String()
	assert.Contains(t, out, "=== Audit Trail ===")
	assert.Contains(t, out, "✅ Store crm reachable")
	assert.Contains(t, out, "❌ Store billing: refused")
}

func TestPrintJSON(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, printJSON(&buf, map[string]int{"records": 3}))
	assert.Equal(t, "{\n  \"records\": 3\n}\n", buf.String())
}

package cli

import (
	"bytes"
	"strings"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"options-risk-engine/internal/models"
)

func TestTableAlignsColoredCells(t *testing.T) {
	var buf bytes.Buffer
	output := newOutput(&buf, false, true)

	table := NewTable(output, "ORDER", "P&L", "STATUS")
	table.AddRow("ORD-1", output.FormatPnL(decimal.NewFromInt(1500)), output.Status(models.StatusActive))
	table.AddRow("ORD-22", output.FormatPnL(decimal.NewFromInt(-20)), output.Status(models.StatusExited))
	table.Render()

	lines := strings.Split(strings.TrimRight(buf.String(), "\n"), "\n")
	require.Len(t, lines, 4)
	assert.Contains(t, lines[2], "\x1b[")

	plain := ansi.ReplaceAllString(lines[2], "")
	assert.Equal(t, "ORD-1   +₹1,500.00  active", plain)
	assert.Equal(t, "ORD-22  -₹20.00     exited", ansi.ReplaceAllString(lines[3], ""))
}

func TestOutputWithoutColors(t *testing.T) {
	var buf bytes.Buffer
	output := newOutput(&buf, false, false)

	assert.Equal(t, "+₹12,34,567.50", output.FormatPnL(decimal.RequireFromString("1234567.5")))
	assert.Equal(t, "rejected", output.Outcome("rejected"))
	assert.Equal(t, "exit_requested", output.Status(models.StatusExitRequested))

	output.Success("Wrote %s", "config.toml")
	assert.NotContains(t, buf.String(), "\x1b[")
	assert.Contains(t, buf.String(), "Wrote config.toml")
}

func TestVisibleLen(t *testing.T) {
	assert.Equal(t, 5, visibleLen("\x1b[32mhello\x1b[0m"))
	assert.Equal(t, 9, visibleLen("₹1,500.00"))
}

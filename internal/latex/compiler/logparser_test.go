package compiler

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLogUndefinedControlSequence(t *testing.T) {
	lines := []string{
		"(./main.tex",
		"! Undefined control sequence.",
		`l.7 \draw (0,0) \foo`,
		"",
	}
	pl := ParseLog(lines)
	require.Len(t, pl.Errors, 1)
	assert.Equal(t, 7, pl.Errors[0].Line)
	assert.Equal(t, `Unknown LaTeX command: \foo on line 7`, pl.Errors[0].Message)
}

func TestParseLogMissingFile(t *testing.T) {
	pl := ParseLog([]string{"! LaTeX Error: File `fig.png' not found."})
	require.Len(t, pl.Errors, 1)
	assert.Equal(t, "Image or file not found: fig.png", pl.Errors[0].Message)
}

func TestParseLogGenericErrorAndWarnings(t *testing.T) {
	pl := ParseLog([]string{
		"Overfull \\hbox (2.0pt too wide) in paragraph at lines 3--4",
		"! Package tikz Error: Giving up on this path. Did you forget a semicolon?.",
		"l.12 }",
	})
	require.Len(t, pl.Errors, 1)
	assert.Equal(t, 12, pl.Errors[0].Line)
	assert.True(t, strings.HasPrefix(pl.Errors[0].Message, "Package tikz Error"))
	require.Len(t, pl.Warnings, 1)
	assert.Equal(t, LogWarning{
		Line: 3,
		Text: `Overfull \hbox`,
		Raw:  "Overfull \\hbox (2.0pt too wide) in paragraph at lines 3--4",
	}, pl.Warnings[0])
}

func TestWarnings(t *testing.T) {
	out := strings.Join([]string{
		"This is pdfTeX",
		"Underfull \\vbox (badness 10000) has occurred while \\output is active",
		"LaTeX Warning: Reference `fig:a' on page 1 undefined on input line 9.",
		"Package pgfplots Warning: running in backwards compatibility mode",
		"Output written on main.pdf (1 page).",
	}, "\n")
	assert.Equal(t, []string{
		`Underfull \vbox`,
		"LaTeX Warning: Reference `fig:a' on page 1 undefined near line 9",
		"Package pgfplots Warning: running in backwards compatibility mode",
	}, Warnings(out))
	assert.Empty(t, Warnings("Output written on main.pdf (1 page)."))
}

func TestSummarize(t *testing.T) {
	assert.Equal(t, "Missing closing brace", Summarize("! Runaway argument?\n"))
	assert.Equal(t, "Missing closing brace near line 4", Summarize("! Runaway argument?\nl.4 \\node {x\n"))
	assert.Equal(t, "Math mode error", Summarize("! Missing $ inserted.\n"))
	assert.Equal(t, `Unknown LaTeX command: ?`, Summarize("! Undefined control sequence.\n"))
	assert.Equal(t, "Compilation failed, check LaTeX syntax", Summarize("nothing useful"))
}

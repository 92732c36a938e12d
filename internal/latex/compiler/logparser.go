package compiler

import (
	"regexp"
	"strconv"
	"strings"
)

// ParsedLog contains extracted errors and warnings from pdflatex output.
type ParsedLog struct {
	Errors   []LogError
	Warnings []LogWarning
	RawLines []string
}

// LogError represents a single error.
type LogError struct {
	Line    int
	Message string
	Raw     string
}

// LogWarning represents a warning (e.g. Overfull \hbox). Line is 0 when
// the log gives none.
type LogWarning struct {
	Line int
	Text string
	Raw  string
}

var (
	reUndefinedSeq  = regexp.MustCompile(`^! Undefined control sequence\.`)
	reMissingDollar = regexp.MustCompile(`^! Missing \$ inserted\.`)
	reFileNotFound  = regexp.MustCompile(`[Ff]ile .*?\x60([^\x60']+)'[^.]*not found`)
	reRunawayArg    = regexp.MustCompile(`^! Runaway argument`)
	reEmergencyStop = regexp.MustCompile(`^! Emergency stop`)
	reGenericError  = regexp.MustCompile(`^! (.+)$`)
	reBadBox        = regexp.MustCompile(`^((?:Overfull|Underfull) \\[hv]box)`)
	reLatexWarning  = regexp.MustCompile(`^((?:LaTeX|Package \S+|Class \S+) Warning: .+?)(?: on input line \d+)?\.?$`)
	reLineNum       = regexp.MustCompile(`l\.(\d+)`)
	reWarnLine      = regexp.MustCompile(`(?:at lines?|input line) (\d+)`)
	reUndefinedCmd  = regexp.MustCompile(`l\.(\d+)\s+([^\s].*)`)
)

// ParseLog processes raw pdflatex log lines and extracts structured errors/warnings.
func ParseLog(lines []string) *ParsedLog {
	pl := &ParsedLog{RawLines: lines}
	pl.Errors = []LogError{}
	pl.Warnings = []LogWarning{}

	for i, line := range lines {
		if reUndefinedSeq.MatchString(line) {
			lineNum := extractLineNum(lines, i)
			cmd := extractCmd(lines, i)
			pl.Errors = append(pl.Errors, LogError{
				Line: lineNum, Message: "Unknown LaTeX command: " + cmd + atLine(" on line ", lineNum), Raw: line,
			})
		} else if reMissingDollar.MatchString(line) {
			lineNum := extractLineNum(lines, i)
			pl.Errors = append(pl.Errors, LogError{Line: lineNum, Message: "Math mode error" + atLine(" near line ", lineNum), Raw: line})
		} else if reFileNotFound.MatchString(line) {
			lineNum := extractLineNum(lines, i)
			fn := extractFilename(lines, i)
			pl.Errors = append(pl.Errors, LogError{Line: lineNum, Message: "Image or file not found: " + fn, Raw: line})
		} else if reRunawayArg.MatchString(line) {
			lineNum := extractLineNum(lines, i)
			pl.Errors = append(pl.Errors, LogError{Line: lineNum, Message: "Missing closing brace" + atLine(" near line ", lineNum), Raw: line})
		} else if reEmergencyStop.MatchString(line) {
			lineNum := extractLineNum(lines, i)
			pl.Errors = append(pl.Errors, LogError{Line: lineNum, Message: "Fatal error, check syntax" + atLine(" near line ", lineNum), Raw: line})
		} else if m := reGenericError.FindStringSubmatch(line); m != nil {
			lineNum := extractLineNum(lines, i)
			pl.Errors = append(pl.Errors, LogError{Line: lineNum, Message: strings.TrimSpace(m[1]), Raw: line})
		} else if m := reBadBox.FindStringSubmatch(line); m != nil {
			pl.Warnings = append(pl.Warnings, LogWarning{Line: warningLine(line), Text: m[1], Raw: line})
		} else if m := reLatexWarning.FindStringSubmatch(line); m != nil {
			pl.Warnings = append(pl.Warnings, LogWarning{Line: warningLine(line), Text: m[1], Raw: line})
		}
	}
	return pl
}

// Summarize returns the first error found in engine output, or a generic
// message when none is recognised.
func Summarize(output string) string {
	parsed := ParseLog(strings.Split(output, "\n"))
	if len(parsed.Errors) > 0 {
		return parsed.Errors[0].Message
	}
	return "Compilation failed, check LaTeX syntax"
}

// Warnings lists the warnings found in engine output, one message each.
func Warnings(output string) []string {
	parsed := ParseLog(strings.Split(output, "\n"))
	var out []string
	for _, w := range parsed.Warnings {
		out = append(out, w.Text+atLine(" near line ", w.Line))
	}
	return out
}

// atLine renders a line suffix, or nothing when TeX gave no line.
func atLine(prefix string, n int) string {
	if n <= 0 {
		return ""
	}
	return prefix + strconv.Itoa(n)
}

func warningLine(line string) int {
	if m := reWarnLine.FindStringSubmatch(line); len(m) > 1 {
		n, _ := strconv.Atoi(m[1])
		return n
	}
	return 0
}

// extractLineNum looks a few lines ahead of the error for TeX's l.<n> marker.
func extractLineNum(lines []string, errIdx int) int {
	for i := errIdx; i < len(lines) && i-errIdx < 5; i++ {
		if m := reLineNum.FindStringSubmatch(lines[i]); len(m) > 1 {
			n, _ := strconv.Atoi(m[1])
			return n
		}
	}
	return 0
}

func extractCmd(lines []string, errIdx int) string {
	for i := errIdx; i < len(lines) && i-errIdx < 5; i++ {
		if m := reUndefinedCmd.FindStringSubmatch(lines[i]); len(m) > 2 {
			return lastControlWord(m[2])
		}
	}
	return "?"
}

var reControlWord = regexp.MustCompile(`\\[A-Za-z@]+\s*$`)

// lastControlWord trims TeX's context line down to the offending command.
func lastControlWord(s string) string {
	if m := reControlWord.FindString(s); m != "" {
		return strings.TrimSpace(m)
	}
	return s
}

func extractFilename(lines []string, errIdx int) string {
	m := reFileNotFound.FindStringSubmatch(lines[errIdx])
	if len(m) > 1 && m[1] != "" {
		return m[1]
	}
	return "?"
}

package util

import (
	"regexp"
	"strings"
)

var ansiRegex = regexp.MustCompile(`\x1b(\[[0-9;?]*[a-zA-Z]|\][^\x07\x1b]*(\x07|\x1b\\)|[()][0-9A-Za-z])`)

// StripANSI removes terminal escape sequences (CSI, OSC and charset
// selection) and carriage returns so command output reads cleanly in log files.
func StripANSI(s string) string {
	s = ansiRegex.ReplaceAllString(s, "")
	return strings.ReplaceAll(s, "\r", "")
}

// ShellQuote quotes s for safe inclusion in a POSIX shell command.
func ShellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "'\\''") + "'"
}

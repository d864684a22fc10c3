package session

import (
	"bufio"
	"io"
	"regexp"
	"strconv"
	"strings"
)

// exitMarker is printed by test applications as their last line
var exitMarker = regexp.MustCompile(`TEST COMPLETE\. EXIT CODE:\s*(-?\d+)`)

// LogSummary is a coarse digest of a role's output log
type LogSummary struct {
	Lines       int
	Errors      []string
	Warnings    []string
	HasExitCode bool
	ExitCode    int
	// FatalError is the first line reporting a fatal error or crash
	FatalError string
}

// ParseLogSummary scans a role's output
func ParseLogSummary(r io.Reader) (*LogSummary, error) {
	s := &LogSummary{}
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		s.Lines++

		if m := exitMarker.FindStringSubmatch(line); m != nil {
			if code, err := strconv.Atoi(m[1]); err == nil {
				s.HasExitCode = true
				s.ExitCode = code
			}
			continue
		}

		lower := strings.ToLower(line)
		switch {
		case strings.Contains(lower, "fatal error") || strings.Contains(lower, "unhandled exception"):
			if s.FatalError == "" {
				s.FatalError = strings.TrimSpace(line)
			}
			s.Errors = append(s.Errors, strings.TrimSpace(line))
		case strings.Contains(lower, "error:"):
			s.Errors = append(s.Errors, strings.TrimSpace(line))
		case strings.Contains(lower, "warning:"):
			s.Warnings = append(s.Warnings, strings.TrimSpace(line))
		}
	}
	return s, scanner.Err()
}

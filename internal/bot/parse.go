package bot

import (
	"fmt"
	"strconv"
	"strings"
)

// ParseIssueArg extracts an issue number from a command argument string.
// A leading "#" is accepted.
func ParseIssueArg(args string) (int, error) {
	s := strings.TrimSpace(args)
	if s == "" {
		return 0, fmt.Errorf("issue number is required")
	}
	s = strings.TrimPrefix(strings.Fields(s)[0], "#")
	issue, err := strconv.Atoi(s)
	if err != nil || issue < 1 {
		return 0, fmt.Errorf("invalid issue number %q", s)
	}
	return issue, nil
}

// ParseSourceArg extracts a source ID from a command argument string.
func ParseSourceArg(args string) (string, error) {
	fields := strings.Fields(args)
	if len(fields) == 0 {
		return "", fmt.Errorf("source ID is required")
	}
	return fields[0], nil
}

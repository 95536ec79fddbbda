package config

import (
	"net"
	"strings"
)

// NormalizeMAC parses s and returns it in upper-case colon form
func NormalizeMAC(s string) (string, error) {
	hw, err := net.ParseMAC(strings.TrimSpace(s))
	if err != nil {
		return "", err
	}
	return strings.ToUpper(hw.String()), nil
}

// ParsePrefixes splits a newline separated hardware address prefix list.
// Blank lines are dropped and entries are upper-cased.
func ParsePrefixes(raw string) []string {
	var out []string
	for _, line := range strings.Split(raw, "\n") {
		p := strings.ToUpper(strings.TrimSpace(line))
		if p == "" {
			continue
		}
		out = append(out, p)
	}
	return out
}

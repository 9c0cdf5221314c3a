package task

import (
	"regexp"
	"strconv"
	"strings"
	"time"
)

// Signal is what a server message says about upcoming entity cleanup.
type Signal int

const (
	NoSignal Signal = iota
	// Warning announces a cleanup in a given duration.
	Warning
	// Cleared announces that the cleanup has happened.
	Cleared
)

func (s Signal) String() string {
	switch s {
	case Warning:
		return "warning"
	case Cleared:
		return "cleared"
	}
	return "none"
}

var (
	warningPattern = regexp.MustCompile(`(?i)\b(?:remov\w*|clear\w*|wip\w*|purg\w*)\b.*?\bin\s+(\d+)\s*(seconds?|secs?|s|minutes?|mins?|m)\b`)
	clearedPattern = regexp.MustCompile(`(?i)\b(?:removed|cleared|wiped|purged)\s+(?:\d+|all)\b|\b(?:have|has)\s+been\s+(?:removed|cleared|wiped)\b`)
)

// ParseMaintenance recognizes cleanup warnings such as "Ground items will be
// removed in 12 seconds!" and completion notices such as "Removed 42 entities".
func ParseMaintenance(text string) (Signal, time.Duration) {
	if m := warningPattern.FindStringSubmatch(text); m != nil {
		n, err := strconv.Atoi(m[1])
		if err == nil {
			unit := time.Second
			if strings.HasPrefix(strings.ToLower(m[2]), "m") {
				unit = time.Minute
			}
			return Warning, time.Duration(n) * unit
		}
	}
	if clearedPattern.MatchString(text) {
		return Cleared, 0
	}
	return NoSignal, 0
}

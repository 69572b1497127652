package risk

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// hourWindow is a daily trading window in minutes since midnight. A
// window whose end precedes its start crosses midnight.
type hourWindow struct {
	start int
	end   int
}

// parseWindows parses "HH:MM-HH:MM" window specs.
func parseWindows(specs []string) ([]hourWindow, error) {
	out := make([]hourWindow, 0, len(specs))
	for _, spec := range specs {
		parts := strings.SplitN(spec, "-", 2)
		if len(parts) != 2 {
			return nil, fmt.Errorf("invalid hours window %q", spec)
		}
		start, err := parseHHMM(parts[0])
		if err != nil {
			return nil, fmt.Errorf("invalid hours window %q: %w", spec, err)
		}
		end, err := parseHHMM(parts[1])
		if err != nil {
			return nil, fmt.Errorf("invalid hours window %q: %w", spec, err)
		}
		out = append(out, hourWindow{start: start, end: end})
	}
	return out, nil
}

func parseHHMM(s string) (int, error) {
	parts := strings.SplitN(strings.TrimSpace(s), ":", 2)
	if len(parts) != 2 {
		return 0, fmt.Errorf("expected HH:MM, got %q", s)
	}
	h, err := strconv.Atoi(parts[0])
	if err != nil || h < 0 || h > 23 {
		return 0, fmt.Errorf("bad hour in %q", s)
	}
	m, err := strconv.Atoi(parts[1])
	if err != nil || m < 0 || m > 59 {
		return 0, fmt.Errorf("bad minute in %q", s)
	}
	return h*60 + m, nil
}

// contains reports whether the wall-clock minute falls inside the
// window, end exclusive.
func (w hourWindow) contains(minute int) bool {
	if w.start == w.end {
		return true // degenerate spec means all day
	}
	if w.start < w.end {
		return minute >= w.start && minute < w.end
	}
	// Crosses midnight.
	return minute >= w.start || minute < w.end
}

// inAllowedHours reports whether ts (converted to loc) falls inside any
// window. An empty window list allows all hours.
func inAllowedHours(windows []hourWindow, loc *time.Location, ts time.Time) bool {
	if len(windows) == 0 {
		return true
	}
	local := ts.In(loc)
	minute := local.Hour()*60 + local.Minute()
	for _, w := range windows {
		if w.contains(minute) {
			return true
		}
	}
	return false
}

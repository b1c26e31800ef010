package workflow

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"postpilot/internal/model"
)

// ParseClock parses a "HH:MM" wall-clock string.
func ParseClock(s string) (hour, minute int, err error) {
	parts := strings.SplitN(strings.TrimSpace(s), ":", 2)
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("clock %q: want HH:MM", s)
	}
	hour, err = strconv.Atoi(parts[0])
	if err != nil || hour < 0 || hour > 23 {
		return 0, 0, fmt.Errorf("clock %q: bad hour", s)
	}
	minute, err = strconv.Atoi(parts[1])
	if err != nil || minute < 0 || minute > 59 {
		return 0, 0, fmt.Errorf("clock %q: bad minute", s)
	}
	return hour, minute, nil
}

// NextRun computes when the workflow should next produce a post.
//
// The first run anchors to FirstPostTime (UTC) on the current day; if that
// moment already passed today the workflow is due immediately. Subsequent
// runs follow LastExecution plus the recurrence interval.
func NextRun(s model.WorkflowSettings, now time.Time) (time.Time, error) {
	if s.IntervalHours == nil || *s.IntervalHours <= 0 {
		return time.Time{}, fmt.Errorf("workflow %d: no recurrence interval", s.WorkflowID)
	}
	if s.LastExecution != nil {
		return s.LastExecution.Add(time.Duration(*s.IntervalHours) * time.Hour), nil
	}

	hh, mm, err := ParseClock(s.FirstPostTime)
	if err != nil {
		return time.Time{}, fmt.Errorf("workflow %d: %w", s.WorkflowID, err)
	}
	now = now.UTC()
	return time.Date(now.Year(), now.Month(), now.Day(), hh, mm, 0, 0, time.UTC), nil
}

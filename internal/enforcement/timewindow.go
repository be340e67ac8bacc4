package enforcement

import (
	"fmt"
	"strings"
	"time"
)

// weekdayNames maps time.Weekday to the lowercase names used in configuration.
var weekdayNames = map[time.Weekday]string{
	time.Monday:    "monday",
	time.Tuesday:   "tuesday",
	time.Wednesday: "wednesday",
	time.Thursday:  "thursday",
	time.Friday:    "friday",
	time.Saturday:  "saturday",
	time.Sunday:    "sunday",
}

// parseClock parses "HH:MM" into minutes since midnight.
func parseClock(s string) (int, error) {
	var h, m int
	if _, err := fmt.Sscanf(s, "%d:%d", &h, &m); err != nil {
		return 0, fmt.Errorf("invalid time %q: expected HH:MM", s)
	}
	if h < 0 || h > 23 || m < 0 || m > 59 {
		return 0, fmt.Errorf("invalid time %q: out of range", s)
	}
	return h*60 + m, nil
}

// clockInRange reports whether now (minutes since midnight) falls in
// [start, end). An end before start wraps midnight and is evaluated as the
// union of [start, 24h) and [0, end).
func clockInRange(now, start, end int) bool {
	if start <= end {
		return now >= start && now < end
	}
	return now >= start || now < end
}

// IsExceptionActive reports whether one exception covers the client at the
// given moment: the weekday is listed, the client IP is covered, and the
// wall-clock time falls inside the window. Malformed times never activate.
func IsExceptionActive(exc TimeException, clientIP string, now time.Time) bool {
	if !exc.Enabled {
		return false
	}

	ip := NormalizeIP(clientIP)
	covered := false
	for _, dip := range exc.DeviceIPs {
		if dip == ip {
			covered = true
			break
		}
	}
	if !covered {
		return false
	}

	day := weekdayNames[now.Weekday()]
	dayOK := false
	for _, d := range exc.Days {
		if strings.ToLower(d) == day {
			dayOK = true
			break
		}
	}
	if !dayOK {
		return false
	}

	start, err := parseClock(exc.StartTime)
	if err != nil {
		return false
	}
	end, err := parseClock(exc.EndTime)
	if err != nil {
		return false
	}

	return clockInRange(now.Hour()*60+now.Minute(), start, end)
}

// AnyExceptionActive checks all enabled exceptions for the client. Activation
// is a union across exceptions; the first match is returned for reporting.
func (s *Snapshot) AnyExceptionActive(clientIP string, now time.Time) (bool, *TimeException) {
	for i := range s.Exceptions {
		if IsExceptionActive(s.Exceptions[i], clientIP, now) {
			return true, &s.Exceptions[i]
		}
	}
	return false, nil
}

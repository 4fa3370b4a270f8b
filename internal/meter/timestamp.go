package meter

import (
	"strings"
	"time"
)

// DefaultZone is the zone used for P1 telegram timestamps and zone-less
// ISO timestamps.
const DefaultZone = "Europe/Amsterdam"

const p1Layout = "060102150405"

var isoLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02T15:04",
	"2006-01-02 15:04:05.999999999Z07:00",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02",
}

// ParseTimestamp parses a reading timestamp. Accepted forms are ISO-8601
// (zone-less values are interpreted in loc), "now", and the P1 telegram form
// YYMMDDHHMMSS optionally followed by S (summer time) or W (winter time).
func ParseTimestamp(value string, loc *time.Location, now time.Time) (time.Time, bool) {
	value = strings.TrimSpace(value)
	if value == "" {
		return time.Time{}, false
	}
	if loc == nil {
		loc = time.UTC
	}

	for _, layout := range isoLayouts {
		if t, err := time.ParseInLocation(layout, value, loc); err == nil {
			return t.UTC(), true
		}
	}

	if value == "now" {
		return now.UTC(), true
	}

	flag := value[len(value)-1]
	if flag == 'S' || flag == 'W' {
		t, err := time.ParseInLocation(p1Layout, value[:len(value)-1], loc)
		if err != nil {
			return time.Time{}, false
		}
		return resolveDST(t, flag == 'S').UTC(), true
	}

	// DSMR 2.2 meters send the telegram timestamp without a DST flag.
	if t, err := time.ParseInLocation(p1Layout, value, loc); err == nil {
		return t.UTC(), true
	}

	return time.Time{}, false
}

// resolveDST picks the instant matching the DST flag when the wall clock
// time is ambiguous (the repeated hour when summer time ends).
func resolveDST(t time.Time, summer bool) time.Time {
	if t.IsDST() == summer {
		return t
	}
	for _, shift := range []time.Duration{-time.Hour, time.Hour} {
		alt := t.Add(shift)
		if alt.IsDST() == summer && sameWallClock(alt, t) {
			return alt
		}
	}
	return t
}

func sameWallClock(a, b time.Time) bool {
	ay, am, ad := a.Date()
	by, bm, bd := b.Date()
	return ay == by && am == bm && ad == bd &&
		a.Hour() == b.Hour() && a.Minute() == b.Minute() && a.Second() == b.Second()
}

// ParseAgentVersion extracts the connector version from a user agent of the
// form "GPXCONN/<version>".
func ParseAgentVersion(userAgent string) string {
	name, version, ok := strings.Cut(userAgent, "/")
	if !ok || name != "GPXCONN" || version == "" {
		return UnknownAgentVersion
	}
	return truncateRunes(version, 20)
}

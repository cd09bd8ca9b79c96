// Package jst renders Unix timestamps as Japan Standard Time strings in the
// format expected by the companion app's QR login page.
package jst

import (
	"fmt"
	"time"
)

// Zone is UTC+9 with no daylight saving.
var Zone = time.FixedZone("JST", 9*60*60)

// weekdays are indexed Monday first.
var weekdays = [7]string{"月", "火", "水", "木", "金", "土", "日"}

type Stamp struct {
	Date    string // YYYY/MM/DD(W)
	Time    string // HH:MM:SS
	Weekday string
}

// FromUnix converts seconds since the epoch into a JST Stamp.
func FromUnix(sec int64) Stamp {
	t := time.Unix(sec, 0).In(Zone)
	wd := weekdays[(int(t.Weekday())+6)%7]

	return Stamp{
		Date:    fmt.Sprintf("%04d/%02d/%02d(%s)", t.Year(), int(t.Month()), t.Day(), wd),
		Time:    fmt.Sprintf("%02d:%02d:%02d", t.Hour(), t.Minute(), t.Second()),
		Weekday: wd,
	}
}

package common

import (
	"fmt"
	"regexp"
	"time"
)

const (
	// ISO8601Date is the edition date format used in dataset URLs and project records
	ISO8601Date = "2006-01-02"

	// TIFFDateTime is the layout of the TIFF DateTime tag
	TIFFDateTime = "2006:01:02 15:04:05"
)

var isoDatePattern = regexp.MustCompile(`(\d{4}-\d{2}-\d{2})`)

// ParseISO8601 parses a date string in ISO 8601 format (YYYY-MM-DD)
func ParseISO8601(dateStr string) (time.Time, error) {
	if dateStr == "" {
		return time.Time{}, fmt.Errorf("date string is empty")
	}
	return time.Parse(ISO8601Date, dateStr)
}

// FormatISO8601 formats a time.Time to ISO 8601 date string (YYYY-MM-DD)
func FormatISO8601(t time.Time) string {
	return t.Format(ISO8601Date)
}

// EditionDate extracts the first valid YYYY-MM-DD date embedded in s.
// The zero time is returned when there is none.
func EditionDate(s string) time.Time {
	for _, m := range isoDatePattern.FindAllString(s, -1) {
		if t, err := ParseISO8601(m); err == nil {
			return t
		}
	}
	return time.Time{}
}

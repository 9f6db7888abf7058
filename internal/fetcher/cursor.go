package fetcher

import (
	"fmt"
	"strconv"
	"time"
)

// EncodeCursor returns the cursor that starts a page at t.
func EncodeCursor(t time.Time) string {
	return strconv.FormatInt(t.UTC().Unix(), 10)
}

// DecodeCursor parses a cursor produced by EncodeCursor.
func DecodeCursor(cursor string) (time.Time, error) {
	secs, err := strconv.ParseInt(cursor, 10, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid cursor %q: %w", cursor, err)
	}
	if secs < 0 {
		return time.Time{}, fmt.Errorf("invalid cursor %q: negative", cursor)
	}
	return time.Unix(secs, 0).UTC(), nil
}

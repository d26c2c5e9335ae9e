package resources

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cast"
)

// ErrInvalidTimestamp indicates that a value could not be read as an instant.
var ErrInvalidTimestamp = errors.New("resources: invalid timestamp")

// Epoch values at or above this magnitude are read as milliseconds.
const epochMillisecondsThreshold = 1e11

var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999Z07:00",
	"2006-01-02 15:04:05.999999999Z07",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02T15:04:05.999999999Z0700",
}

// ParseTimestamp reads ISO-8601 strings (with or without fractional seconds),
// epoch seconds, and epoch milliseconds into a UTC instant.
func ParseTimestamp(value any) (time.Time, error) {
	switch typed := value.(type) {
	case nil:
		return time.Time{}, fmt.Errorf("%w: empty", ErrInvalidTimestamp)
	case time.Time:
		return typed.UTC(), nil
	case *time.Time:
		if typed == nil {
			return time.Time{}, fmt.Errorf("%w: empty", ErrInvalidTimestamp)
		}
		return typed.UTC(), nil
	case string:
		return parseTimestampString(typed)
	case json.Number:
		return parseTimestampString(typed.String())
	case bool:
		return time.Time{}, fmt.Errorf("%w: boolean", ErrInvalidTimestamp)
	}

	number, err := cast.ToFloat64E(value)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: %v", ErrInvalidTimestamp, err)
	}
	return fromEpoch(number)
}

func parseTimestampString(raw string) (time.Time, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return time.Time{}, fmt.Errorf("%w: empty", ErrInvalidTimestamp)
	}
	if number, err := strconv.ParseFloat(trimmed, 64); err == nil {
		return fromEpoch(number)
	}
	for _, layout := range timestampLayouts {
		if parsed, err := time.Parse(layout, trimmed); err == nil {
			return parsed.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("%w: %q", ErrInvalidTimestamp, raw)
}

func fromEpoch(value float64) (time.Time, error) {
	if math.IsNaN(value) || math.IsInf(value, 0) || value <= 0 {
		return time.Time{}, fmt.Errorf("%w: %v", ErrInvalidTimestamp, value)
	}
	if math.Abs(value) >= epochMillisecondsThreshold {
		return time.UnixMilli(int64(value)).UTC(), nil
	}
	seconds, fraction := math.Modf(value)
	return time.Unix(int64(seconds), int64(fraction*float64(time.Second))).UTC(), nil
}

// combineDateAndTime joins separate date and time-of-day columns.
func combineDateAndTime(date, clock string) (time.Time, error) {
	date = strings.TrimSpace(date)
	clock = strings.TrimSpace(clock)
	if date == "" {
		return time.Time{}, fmt.Errorf("%w: missing date", ErrInvalidTimestamp)
	}
	if clock == "" {
		clock = "00:00:00"
	}
	for _, layout := range []string{"2006-01-02 15:04:05", "2006-01-02 15:04"} {
		if parsed, err := time.Parse(layout, date+" "+clock); err == nil {
			return parsed.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("%w: %q %q", ErrInvalidTimestamp, date, clock)
}

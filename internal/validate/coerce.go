package validate

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

var errMissing = errors.New("missing value")

// timestampLayouts are tried in order. Socrata floating timestamps carry no
// zone and are read as UTC.
var timestampLayouts = []string{
	"2006-01-02T15:04:05.000",
	"2006-01-02T15:04:05",
	time.RFC3339Nano,
	"2006-01-02 15:04:05",
	"2006-01-02",
}

// coerce converts a raw JSON value to the Go type of kind. It returns
// errMissing for null and blank values.
func coerce(kind Kind, raw any) (any, error) {
	if raw == nil {
		return nil, errMissing
	}
	if s, ok := raw.(string); ok {
		if s = strings.TrimSpace(s); s == "" {
			return nil, errMissing
		}
		raw = s
	}

	switch kind {
	case KindText:
		return toText(raw)
	case KindInteger:
		return toInteger(raw)
	case KindFloat:
		return toFloat(raw)
	case KindDate:
		t, err := toTimestamp(raw)
		if err != nil {
			return nil, err
		}
		return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC), nil
	case KindTimestamp:
		return toTimestamp(raw)
	default:
		return nil, fmt.Errorf("unknown kind %q", kind)
	}
}

func toText(raw any) (string, error) {
	switch v := raw.(type) {
	case string:
		return v, nil
	case json.Number:
		return v.String(), nil
	case bool:
		return strconv.FormatBool(v), nil
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64), nil
	default:
		// Nested values such as the point geometry are kept as JSON text.
		b, err := json.Marshal(v)
		if err != nil {
			return "", fmt.Errorf("encode %T: %w", raw, err)
		}
		return string(b), nil
	}
}

func toInteger(raw any) (int64, error) {
	var s string
	switch v := raw.(type) {
	case string:
		s = v
	case json.Number:
		s = v.String()
	case float64:
		return integral(v)
	default:
		return 0, fmt.Errorf("cannot convert %T to integer", raw)
	}

	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		return n, nil
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid integer %q", s)
	}
	return integral(f)
}

func integral(f float64) (int64, error) {
	if math.IsNaN(f) || math.IsInf(f, 0) || f != math.Trunc(f) || math.Abs(f) > math.MaxInt64 {
		return 0, fmt.Errorf("invalid integer %v", f)
	}
	return int64(f), nil
}

func toFloat(raw any) (float64, error) {
	var s string
	switch v := raw.(type) {
	case string:
		s = v
	case json.Number:
		s = v.String()
	case float64:
		s = strconv.FormatFloat(v, 'g', -1, 64)
	default:
		return 0, fmt.Errorf("cannot convert %T to float", raw)
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, fmt.Errorf("invalid float %q", s)
	}
	return f, nil
}

func toTimestamp(raw any) (time.Time, error) {
	s, ok := raw.(string)
	if !ok {
		return time.Time{}, fmt.Errorf("cannot convert %T to timestamp", raw)
	}
	for _, layout := range timestampLayouts {
		if t, err := time.ParseInLocation(layout, s, time.UTC); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("invalid timestamp %q", s)
}

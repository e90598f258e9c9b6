package transform

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/johndauphine/erp-aps-sync/internal/catalog"
)

// Slash-separated dates are day-first; the ERP renders them as dd/mm/yyyy.
var dateTimeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02 15:04:05.999999999",
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05",
	"02/01/2006 15:04:05",
	"02/01/2006 15:04",
	"02/01/2006",
	"2006-01-02",
}

var timeLayouts = []string{
	"15:04:05",
	"15:04:05.999999999",
	"15:04",
}

const timeFormat = "15:04:05"

// Coerce converts v according to c. Nil, and blank strings for every
// coercion other than String and Any, yield nil.
func Coerce(c catalog.Coercion, v any) (any, error) {
	if b, ok := v.([]byte); ok {
		v = string(b)
	}
	if v == nil {
		return nil, nil
	}
	if s, ok := v.(string); ok && c != catalog.String && c != catalog.Any && strings.TrimSpace(s) == "" {
		return nil, nil
	}

	switch c {
	case catalog.Any, catalog.Infer:
		return v, nil
	case catalog.String:
		return toString(v)
	case catalog.Int:
		return toInt(v)
	case catalog.Float:
		return toFloat(v)
	case catalog.Bool:
		return toBool(v)
	case catalog.Date:
		t, err := toTime(v, dateTimeLayouts)
		if err != nil {
			return nil, err
		}
		return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, t.Location()), nil
	case catalog.DateTime:
		return toTime(v, dateTimeLayouts)
	case catalog.Time:
		return toClock(v)
	default:
		return nil, fmt.Errorf("unknown coercion %q", c)
	}
}

func toString(v any) (any, error) {
	switch x := v.(type) {
	case string:
		return strings.TrimSpace(x), nil
	case int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64:
		return fmt.Sprint(x), nil
	case float32:
		return strconv.FormatFloat(float64(x), 'f', -1, 32), nil
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64), nil
	case bool:
		return strconv.FormatBool(x), nil
	case time.Time:
		return x.Format("2006-01-02 15:04:05"), nil
	}
	return nil, fmt.Errorf("no string conversion for %T", v)
}

func toInt(v any) (any, error) {
	switch x := v.(type) {
	case int:
		return int64(x), nil
	case int8:
		return int64(x), nil
	case int16:
		return int64(x), nil
	case int32:
		return int64(x), nil
	case int64:
		return x, nil
	case uint:
		return uintToInt(uint64(x))
	case uint8:
		return int64(x), nil
	case uint16:
		return int64(x), nil
	case uint32:
		return int64(x), nil
	case uint64:
		return uintToInt(x)
	case float32:
		return floatToInt(float64(x))
	case float64:
		return floatToInt(x)
	case string:
		s := strings.TrimSpace(x)
		if n, err := strconv.ParseInt(s, 10, 64); err == nil {
			return n, nil
		}
		// NUMBER columns with a zero scale often arrive as "12.0".
		if f, err := strconv.ParseFloat(s, 64); err == nil {
			return floatToInt(f)
		}
		return nil, fmt.Errorf("not an integer")
	}
	return nil, fmt.Errorf("no integer conversion for %T", v)
}

func uintToInt(u uint64) (any, error) {
	if u > math.MaxInt64 {
		return nil, fmt.Errorf("overflows int64")
	}
	return int64(u), nil
}

func floatToInt(f float64) (any, error) {
	if math.IsNaN(f) || math.IsInf(f, 0) || f != math.Trunc(f) {
		return nil, fmt.Errorf("not an integral number")
	}
	if f < math.MinInt64 || f >= math.MaxInt64 {
		return nil, fmt.Errorf("overflows int64")
	}
	return int64(f), nil
}

func toFloat(v any) (any, error) {
	switch x := v.(type) {
	case float64:
		return x, nil
	case float32:
		return float64(x), nil
	case int:
		return float64(x), nil
	case int8:
		return float64(x), nil
	case int16:
		return float64(x), nil
	case int32:
		return float64(x), nil
	case int64:
		return float64(x), nil
	case uint8:
		return float64(x), nil
	case uint16:
		return float64(x), nil
	case uint32:
		return float64(x), nil
	case uint64:
		return float64(x), nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(x), 64)
		if err != nil {
			return nil, fmt.Errorf("not a number")
		}
		return f, nil
	}
	return nil, fmt.Errorf("no numeric conversion for %T", v)
}

func toBool(v any) (any, error) {
	switch x := v.(type) {
	case bool:
		return x, nil
	case int, int8, int16, int32, int64, uint8, uint16, uint32, uint64:
		switch fmt.Sprint(x) {
		case "0":
			return false, nil
		case "1":
			return true, nil
		}
		return nil, fmt.Errorf("not a boolean")
	case string:
		switch strings.ToUpper(strings.TrimSpace(x)) {
		case "S", "SIM", "Y", "YES", "T", "TRUE", "1":
			return true, nil
		case "N", "NAO", "NÃO", "NO", "F", "FALSE", "0":
			return false, nil
		}
		return nil, fmt.Errorf("not a boolean")
	}
	return nil, fmt.Errorf("no boolean conversion for %T", v)
}

func toTime(v any, layouts []string) (time.Time, error) {
	switch x := v.(type) {
	case time.Time:
		return x, nil
	case string:
		s := strings.TrimSpace(x)
		for _, layout := range layouts {
			if t, err := time.Parse(layout, s); err == nil {
				return t, nil
			}
		}
		return time.Time{}, fmt.Errorf("unrecognized date format")
	}
	return time.Time{}, fmt.Errorf("no date conversion for %T", v)
}

func toClock(v any) (any, error) {
	switch x := v.(type) {
	case time.Time:
		return x.Format(timeFormat), nil
	case time.Duration:
		if x < 0 || x >= 24*time.Hour {
			return nil, fmt.Errorf("duration out of range for time of day")
		}
		return time.Time{}.Add(x).Format(timeFormat), nil
	case string:
		s := strings.TrimSpace(x)
		for _, layout := range timeLayouts {
			if t, err := time.Parse(layout, s); err == nil {
				return t.Format(timeFormat), nil
			}
		}
		t, err := toTime(s, dateTimeLayouts)
		if err != nil {
			return nil, fmt.Errorf("unrecognized time format")
		}
		return t.Format(timeFormat), nil
	}
	return nil, fmt.Errorf("no time conversion for %T", v)
}

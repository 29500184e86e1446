package domain

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// AsFloat converts a numeric dataset or document value to float64.
// Strings holding numbers are accepted. NaN and nil report false.
func AsFloat(v any) (float64, bool) {
	var f float64
	switch t := v.(type) {
	case float64:
		f = t
	case float32:
		f = float64(t)
	case int:
		f = float64(t)
	case int8:
		f = float64(t)
	case int16:
		f = float64(t)
	case int32:
		f = float64(t)
	case int64:
		f = float64(t)
	case uint8:
		f = float64(t)
	case uint16:
		f = float64(t)
	case uint32:
		f = float64(t)
	case uint64:
		f = float64(t)
	case json.Number:
		n, err := t.Float64()
		if err != nil {
			return 0, false
		}
		f = n
	case string:
		n, err := strconv.ParseFloat(strings.TrimSpace(t), 64)
		if err != nil {
			return 0, false
		}
		f = n
	default:
		return 0, false
	}
	if math.IsNaN(f) {
		return 0, false
	}
	return f, true
}

// AsInt64 converts a numeric value to int64, truncating fractions.
func AsInt64(v any) (int64, bool) {
	switch t := v.(type) {
	case int64:
		return t, true
	case int:
		return int64(t), true
	case int32:
		return int64(t), true
	}
	f, ok := AsFloat(v)
	if !ok {
		return 0, false
	}
	return int64(f), true
}

// FormatValue renders a value for substitution into a string template.
// Whole floats print without a fractional part so "*time" of 100.0 gives "100".
func FormatValue(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(t), 'f', -1, 32)
	case []byte:
		return string(t)
	default:
		return fmt.Sprint(t)
	}
}

// TruncateRound truncates n toward zero at the given number of decimals.
func TruncateRound(n float64, decimals int) float64 {
	mult := math.Pow(10, float64(decimals))
	return math.Trunc(n*mult) / mult
}

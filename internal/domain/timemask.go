package domain

import (
	"fmt"
	"strings"
	"time"
)

var maskDirectives = map[byte]string{
	'Y': "2006",
	'y': "06",
	'm': "01",
	'd': "02",
	'H': "15",
	'M': "04",
	'S': "05",
	'j': "002",
	'b': "Jan",
	'%': "%",
}

// MaskLayout converts a strftime-style file mask ("%Y%m%d_%H%M") into a Go
// time layout.
func MaskLayout(mask string) (string, error) {
	var b strings.Builder
	for i := 0; i < len(mask); i++ {
		if mask[i] != '%' {
			b.WriteByte(mask[i])
			continue
		}
		if i+1 >= len(mask) {
			return "", fmt.Errorf("file mask %q ends with %%", mask)
		}
		layout, ok := maskDirectives[mask[i+1]]
		if !ok {
			return "", fmt.Errorf("file mask %q: unsupported directive %%%c", mask, mask[i+1])
		}
		b.WriteString(layout)
		i++
	}
	return b.String(), nil
}

// ParseMasked parses s with a strftime-style mask as a UTC time.
func ParseMasked(s, mask string) (time.Time, error) {
	layout, err := MaskLayout(mask)
	if err != nil {
		return time.Time{}, err
	}
	return time.ParseInLocation(layout, s, time.UTC)
}

package relational

import (
	"regexp"
	"sort"
	"strings"
)

var setVar = regexp.MustCompile(`(?is)^\s*SET\s+(@\w+)\s*:?=\s*(.+?)\s*$`)

// Rewrite removes "SET @var = value;" statements from stmt and substitutes
// each value for its @var token in what remains. Longer variable names are
// replaced first so @first_epoch is not clobbered by @first.
func Rewrite(stmt string) string {
	parts := strings.Split(stmt, ";")
	vars := map[string]string{}
	kept := parts[:0]
	for _, p := range parts {
		if m := setVar.FindStringSubmatch(p); m != nil {
			vars[m[1]] = m[2]
			continue
		}
		kept = append(kept, p)
	}
	out := strings.TrimSpace(strings.Join(kept, ";"))
	if len(vars) == 0 {
		return out
	}

	names := make([]string, 0, len(vars))
	for n := range vars {
		names = append(names, n)
	}
	sort.Slice(names, func(i, j int) bool {
		if len(names[i]) != len(names[j]) {
			return len(names[i]) > len(names[j])
		}
		return names[i] < names[j]
	})
	for _, n := range names {
		out = strings.ReplaceAll(out, n, vars[n])
	}
	return out
}

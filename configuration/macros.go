package configuration

import (
	"os"
	"strings"
)

const macroEnvPrefix = "MYPGMIRROR_MACRO_"

// ExpandMacros substitutes every `{name}` occurrence in s with the value of
// the MYPGMIRROR_MACRO_<NAME> environment variable. Macros without a defined
// substitution are left untouched, so a literal brace pair never breaks the
// tables list.
func ExpandMacros(s string) string {
	var b strings.Builder
	for {
		open := strings.IndexByte(s, '{')
		if open < 0 {
			b.WriteString(s)
			return b.String()
		}
		closing := strings.IndexByte(s[open:], '}')
		if closing < 0 {
			b.WriteString(s)
			return b.String()
		}
		closing += open

		name := s[open+1 : closing]
		value, ok := os.LookupEnv(macroEnvPrefix + strings.ToUpper(name))
		b.WriteString(s[:open])
		if ok {
			b.WriteString(value)
		} else {
			b.WriteString(s[open : closing+1])
		}
		s = s[closing+1:]
	}
}

// ExpandTablesList expands macros in a comma-separated table list and splits
// it into trimmed, non-empty names.
func ExpandTablesList(list string) []string {
	expanded := ExpandMacros(list)
	if strings.TrimSpace(expanded) == "" {
		return nil
	}
	parts := strings.Split(expanded, ",")
	names := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			names = append(names, p)
		}
	}
	return names
}

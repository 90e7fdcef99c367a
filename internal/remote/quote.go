package remote

import "strings"

// Quote wraps s in single quotes for a POSIX shell, escaping embedded quotes.
func Quote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

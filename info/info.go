// Package info provides utility functions for manipulating info lines returned
// by the modem in response to AT commands.
package info

import (
	"strconv"
	"strings"
)

// HasPrefix returns true if the line begins with the info prefix for the command.
func HasPrefix(line, cmd string) bool {
	return strings.HasPrefix(line, cmd+":")
}

// TrimPrefix removes the command  prefix, if any, and any intervening space
// from the info line.
func TrimPrefix(line, cmd string) string {
	return strings.TrimLeft(strings.TrimPrefix(line, cmd+":"), " ")
}

// Fields splits an info value into its comma separated fields.
//
// Quoted fields are kept intact, with the quotes removed, so a quoted field
// may itself contain commas.
func Fields(value string) []string {
	if value == "" {
		return nil
	}
	var fields []string
	var f strings.Builder
	quoted := false
	for i := 0; i < len(value); i++ {
		switch c := value[i]; c {
		case '"':
			quoted = !quoted
		case ',':
			if quoted {
				f.WriteByte(c)
				continue
			}
			fields = append(fields, f.String())
			f.Reset()
		default:
			f.WriteByte(c)
		}
	}
	return append(fields, f.String())
}

// Int converts a numeric field into an int.
func Int(field string) (int, error) {
	return strconv.Atoi(strings.TrimSpace(field))
}

// Package sqlutil provides helpers for assembling parameterized SQL. Queries
// are always built from fixed fragments with positional binds; no caller input
// is ever concatenated into SQL text.
package sqlutil

import (
	"strconv"
	"strings"
)

// ValuesPlaceholders returns placeholder groups for a multi-row INSERT. For
// example, ValuesPlaceholders(2, 3) returns ($1,$2),($3,$4),($5,$6). It panics
// if either param is <= 0.
func ValuesPlaceholders(valuesPerRow, numRows int) string {
	if valuesPerRow <= 0 || numRows <= 0 {
		panic("cannot make ValuesPlaceholders with 0 rows or 0 values per row")
	}
	var b strings.Builder
	b.Grow(5 * valuesPerRow * numRows)
	for arg := 1; arg <= valuesPerRow*numRows; arg += valuesPerRow {
		if arg != 1 {
			b.WriteString(",")
		}
		b.WriteString("(")
		for i := 0; i < valuesPerRow; i++ {
			if i != 0 {
				b.WriteString(",")
			}
			b.WriteString("$")
			b.WriteString(strconv.Itoa(arg + i))
		}
		b.WriteString(")")
	}
	return b.String()
}

// InPlaceholders returns "$start,$start+1,...,$start+n-1" for use inside an
// IN (...) clause with n bound values.
func InPlaceholders(start, n int) string {
	var b strings.Builder
	for i := 0; i < n; i++ {
		if i != 0 {
			b.WriteString(",")
		}
		b.WriteString("$")
		b.WriteString(strconv.Itoa(start + i))
	}
	return b.String()
}

package discovery

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"cqlrep/pkg/codec"
	"cqlrep/pkg/snapshot"
)

var ErrBadFilter = errors.New("cqlrep: bad transformation filter")

// rowFilter is the transformation filter applied to first-round discovery
// snapshots. The expression grammar is `<column> <op> <literal>` with ops
// = != > >= < <= over the projected pk columns; string literals are
// single-quoted, everything else compares numerically.
type rowFilter struct {
	col     string
	op      string
	lit     string
	numeric bool
	num     float64
}

func parseFilter(expr string, schema *codec.Schema) (*rowFilter, error) {
	fields := strings.Fields(expr)
	if len(fields) != 3 {
		return nil, fmt.Errorf("%w: %q", ErrBadFilter, expr)
	}
	col, op, lit := fields[0], fields[1], fields[2]
	switch op {
	case "=", "!=", ">", ">=", "<", "<=":
	default:
		return nil, fmt.Errorf("%w: op %q", ErrBadFilter, op)
	}
	if _, ok := schema.Lookup(col); !ok {
		return nil, fmt.Errorf("%w: unknown column %q", ErrBadFilter, col)
	}
	f := &rowFilter{col: col, op: op}
	if strings.HasPrefix(lit, "'") && strings.HasSuffix(lit, "'") && len(lit) >= 2 {
		f.lit = strings.ReplaceAll(lit[1:len(lit)-1], "''", "'")
	} else {
		n, err := strconv.ParseFloat(lit, 64)
		if err != nil {
			return nil, fmt.Errorf("%w: literal %q", ErrBadFilter, lit)
		}
		f.numeric = true
		f.num = n
		f.lit = lit
	}
	return f, nil
}

func (f *rowFilter) keep(rec snapshot.PKRecord, schema *codec.Schema) bool {
	var val string
	for i, name := range schema.Names() {
		if name == f.col {
			val = rec.Vals[i]
			break
		}
	}
	if f.numeric {
		n, err := strconv.ParseFloat(val, 64)
		if err != nil {
			return false
		}
		return cmpOK(f.op, compareFloat(n, f.num))
	}
	return cmpOK(f.op, strings.Compare(val, f.lit))
}

func compareFloat(a, b float64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}

func cmpOK(op string, c int) bool {
	switch op {
	case "=":
		return c == 0
	case "!=":
		return c != 0
	case ">":
		return c > 0
	case ">=":
		return c >= 0
	case "<":
		return c < 0
	case "<=":
		return c <= 0
	}
	return false
}

package luau

import (
	"sort"
	"strconv"
	"strings"

	lua "github.com/yuin/gopher-lua"
)

const maxFormatDepth = 4

// Format renders a value for display in the REPL. Strings are quoted and
// tables are expanded up to four levels deep.
func (vm *VM) Format(v any) string {
	lv, ok := v.(lua.LValue)
	if !ok {
		var err error
		if lv, err = ToLua(vm.L, v); err != nil {
			return "<" + err.Error() + ">"
		}
	}
	var b strings.Builder
	format(&b, lv, 0)
	return b.String()
}

func format(b *strings.Builder, v lua.LValue, depth int) {
	switch v := v.(type) {
	case lua.LString:
		b.WriteString(strconv.Quote(string(v)))
	case *lua.LTable:
		formatTable(b, v, depth)
	default:
		b.WriteString(v.String())
	}
}

func formatTable(b *strings.Builder, tbl *lua.LTable, depth int) {
	if depth >= maxFormatDepth {
		b.WriteString("{...}")
		return
	}

	n := tbl.MaxN()
	keys := make([]lua.LValue, 0)
	tbl.ForEach(func(k, _ lua.LValue) {
		if num, ok := k.(lua.LNumber); ok && float64(num) == float64(int(num)) && int(num) >= 1 && int(num) <= n {
			return
		}
		keys = append(keys, k)
	})
	if n == 0 && len(keys) == 0 {
		b.WriteString("{}")
		return
	}
	sort.Slice(keys, func(i, j int) bool {
		return keyString(keys[i]) < keyString(keys[j])
	})

	indent := strings.Repeat("    ", depth+1)
	b.WriteString("{\n")
	for i := 1; i <= n; i++ {
		b.WriteString(indent)
		format(b, tbl.RawGetInt(i), depth+1)
		b.WriteString(",\n")
	}
	for _, k := range keys {
		b.WriteString(indent)
		if s, ok := k.(lua.LString); ok && isIdentifier(string(s)) {
			b.WriteString(string(s))
		} else {
			b.WriteString("[")
			format(b, k, depth+1)
			b.WriteString("]")
		}
		b.WriteString(" = ")
		format(b, tbl.RawGet(k), depth+1)
		b.WriteString(",\n")
	}
	b.WriteString(strings.Repeat("    ", depth))
	b.WriteString("}")
}

func isIdentifier(s string) bool {
	if s == "" {
		return false
	}
	for i, r := range s {
		switch {
		case r == '_', r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z':
		case i > 0 && r >= '0' && r <= '9':
		default:
			return false
		}
	}
	return true
}

package luau

import (
	"context"
	"fmt"

	lua "github.com/yuin/gopher-lua"

	"github.com/caffeineduck/moonrun/engine"
	"github.com/caffeineduck/moonrun/library"
)

// ToLua converts a Go value produced by the host into a Lua value.
func ToLua(L *lua.LState, v any) (lua.LValue, error) {
	switch v := v.(type) {
	case nil:
		return lua.LNil, nil
	case lua.LValue:
		return v, nil
	case bool:
		return lua.LBool(v), nil
	case string:
		return lua.LString(v), nil
	case []byte:
		return lua.LString(v), nil
	case int:
		return lua.LNumber(v), nil
	case int8:
		return lua.LNumber(v), nil
	case int16:
		return lua.LNumber(v), nil
	case int32:
		return lua.LNumber(v), nil
	case int64:
		return lua.LNumber(v), nil
	case uint:
		return lua.LNumber(v), nil
	case uint8:
		return lua.LNumber(v), nil
	case uint16:
		return lua.LNumber(v), nil
	case uint32:
		return lua.LNumber(v), nil
	case uint64:
		return lua.LNumber(v), nil
	case float32:
		return lua.LNumber(v), nil
	case float64:
		return lua.LNumber(v), nil
	case error:
		return lua.LString(v.Error()), nil
	case []string:
		tbl := L.CreateTable(len(v), 0)
		for _, s := range v {
			tbl.Append(lua.LString(s))
		}
		return tbl, nil
	case []any:
		tbl := L.CreateTable(len(v), 0)
		for i, item := range v {
			lv, err := ToLua(L, item)
			if err != nil {
				return nil, fmt.Errorf("index %d: %w", i+1, err)
			}
			tbl.Append(lv)
		}
		return tbl, nil
	case map[string]string:
		tbl := L.CreateTable(0, len(v))
		for k, s := range v {
			tbl.RawSetString(k, lua.LString(s))
		}
		return tbl, nil
	case map[string]any:
		return mapToTable(L, v)
	case library.Namespace:
		return mapToTable(L, v)
	case engine.Func:
		return wrapFunc(L, v), nil
	case func(context.Context, map[string]any) (any, error):
		return wrapFunc(L, v), nil
	case lua.LGFunction:
		return L.NewFunction(v), nil
	case func(*lua.LState) int:
		return L.NewFunction(v), nil
	default:
		return nil, fmt.Errorf("unsupported value type %T", v)
	}
}

func mapToTable(L *lua.LState, m map[string]any) (*lua.LTable, error) {
	tbl := L.CreateTable(0, len(m))
	for k, item := range m {
		lv, err := ToLua(L, item)
		if err != nil {
			return nil, fmt.Errorf("field %q: %w", k, err)
		}
		tbl.RawSetString(k, lv)
	}
	return tbl, nil
}

// wrapFunc exposes a host function to Lua. fs.read{path = "x"} passes the
// table's fields as arguments; any other call shape passes the positional
// arguments as a list under engine.ArgsKey.
func wrapFunc(L *lua.LState, fn engine.Func) *lua.LFunction {
	return L.NewFunction(func(L *lua.LState) int {
		args := callArgs(L)

		result, err := fn(contextOf(L), args)
		if err != nil {
			raise(L, err)
			return 0
		}

		lv, err := ToLua(L, result)
		if err != nil {
			L.RaiseError("%v", err)
			return 0
		}
		L.Push(lv)
		return 1
	})
}

func callArgs(L *lua.LState) map[string]any {
	n := L.GetTop()
	if n == 0 {
		return map[string]any{}
	}
	if n == 1 {
		if tbl, ok := L.Get(1).(*lua.LTable); ok {
			if m, ok := FromLua(tbl).(map[string]any); ok {
				return m
			}
		}
	}

	positional := make([]any, n)
	for i := 1; i <= n; i++ {
		positional[i-1] = FromLua(L.Get(i))
	}
	return map[string]any{engine.ArgsKey: positional}
}

// FromLua converts a Lua value into plain Go data: nil, bool, float64,
// string, []any for sequences and map[string]any for other tables.
// Functions and userdata are returned as their lua.LValue.
func FromLua(v lua.LValue) any {
	return fromLua(v, make(map[*lua.LTable]bool))
}

func fromLua(v lua.LValue, seen map[*lua.LTable]bool) any {
	switch v := v.(type) {
	case *lua.LNilType:
		return nil
	case lua.LBool:
		return bool(v)
	case lua.LNumber:
		return float64(v)
	case lua.LString:
		return string(v)
	case *lua.LTable:
		if seen[v] {
			return nil
		}
		seen[v] = true
		defer delete(seen, v)
		return tableToGo(v, seen)
	case *lua.LUserData:
		return v.Value
	default:
		return v
	}
}

func tableToGo(tbl *lua.LTable, seen map[*lua.LTable]bool) any {
	n := tbl.MaxN()
	count := 0
	tbl.ForEach(func(lua.LValue, lua.LValue) { count++ })

	if n > 0 && count == n {
		list := make([]any, 0, n)
		for i := 1; i <= n; i++ {
			list = append(list, fromLua(tbl.RawGetInt(i), seen))
		}
		return list
	}

	m := make(map[string]any, count)
	tbl.ForEach(func(k, val lua.LValue) {
		m[keyString(k)] = fromLua(val, seen)
	})
	return m
}

func keyString(k lua.LValue) string {
	if s, ok := k.(lua.LString); ok {
		return string(s)
	}
	return k.String()
}

package plugins

import (
	"fmt"

	lua "github.com/yuin/gopher-lua"
)

// luaToGo converts a Lua value into a JSON-friendly Go value. Functions and
// userdata have no JSON shape and convert to nil. Circular tables are broken
// rather than followed.
func luaToGo(lv lua.LValue) interface{} {
	return luaToGoVisited(lv, make(map[*lua.LTable]bool))
}

func luaToGoVisited(lv lua.LValue, visited map[*lua.LTable]bool) interface{} {
	switch v := lv.(type) {
	case lua.LBool:
		return bool(v)
	case lua.LNumber:
		f := float64(v)
		if f == float64(int64(f)) {
			return int64(f)
		}
		return f
	case lua.LString:
		return string(v)
	case *lua.LTable:
		if visited[v] {
			return nil
		}
		visited[v] = true
		return tableToGo(v, visited)
	default:
		return nil
	}
}

// tableToGo converts a table to a slice when its keys are the contiguous
// integers 1..n, and to a map otherwise.
func tableToGo(t *lua.LTable, visited map[*lua.LTable]bool) interface{} {
	maxN := 0
	count := 0
	isArray := true
	t.ForEach(func(k, _ lua.LValue) {
		count++
		kn, ok := k.(lua.LNumber)
		if !ok || float64(kn) != float64(int(kn)) || int(kn) < 1 {
			isArray = false
			return
		}
		if int(kn) > maxN {
			maxN = int(kn)
		}
	})

	if isArray && maxN == count && maxN > 0 {
		arr := make([]interface{}, maxN)
		for i := 1; i <= maxN; i++ {
			arr[i-1] = luaToGoVisited(t.RawGetInt(i), visited)
		}
		return arr
	}

	m := make(map[string]interface{}, count)
	t.ForEach(func(k, v lua.LValue) {
		m[k.String()] = luaToGoVisited(v, visited)
	})
	return m
}

// goToLua converts a Go value into a Lua value on the given state.
func goToLua(l *lua.LState, v interface{}) lua.LValue {
	switch val := v.(type) {
	case nil:
		return lua.LNil
	case bool:
		return lua.LBool(val)
	case int:
		return lua.LNumber(val)
	case int64:
		return lua.LNumber(val)
	case float64:
		return lua.LNumber(val)
	case string:
		return lua.LString(val)
	case []byte:
		return lua.LString(val)
	case []interface{}:
		t := l.NewTable()
		for i, e := range val {
			t.RawSetInt(i+1, goToLua(l, e))
		}
		return t
	case []string:
		t := l.NewTable()
		for i, e := range val {
			t.RawSetInt(i+1, lua.LString(e))
		}
		return t
	case map[string]interface{}:
		t := l.NewTable()
		for k, e := range val {
			t.RawSetString(k, goToLua(l, e))
		}
		return t
	case map[string]string:
		t := l.NewTable()
		for k, e := range val {
			t.RawSetString(k, lua.LString(e))
		}
		return t
	case lua.LValue:
		return val
	default:
		return lua.LString(fmt.Sprintf("%v", v))
	}
}

// tableString reads a string field from a table, "" if absent or wrong type.
func tableString(t *lua.LTable, key string) string {
	if s, ok := t.RawGetString(key).(lua.LString); ok {
		return string(s)
	}
	return ""
}

// tableBool reads a bool field from a table, false if absent.
func tableBool(t *lua.LTable, key string) bool {
	if b, ok := t.RawGetString(key).(lua.LBool); ok {
		return bool(b)
	}
	return false
}

// tableFunc reads a function field from a table, nil if absent.
func tableFunc(t *lua.LTable, key string) *lua.LFunction {
	if f, ok := t.RawGetString(key).(*lua.LFunction); ok {
		return f
	}
	return nil
}

// stringList converts a converted-from-Lua value into a []string. Returns
// ok=false when the value is present but not a sequence of strings.
func stringList(v interface{}) ([]string, bool) {
	if v == nil {
		return nil, true
	}
	arr, ok := v.([]interface{})
	if !ok {
		return nil, false
	}
	out := make([]string, 0, len(arr))
	for _, e := range arr {
		s, ok := e.(string)
		if !ok {
			return nil, false
		}
		out = append(out, s)
	}
	return out, true
}

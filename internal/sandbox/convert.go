package sandbox

import (
	"encoding/json"
	"fmt"

	lua "github.com/yuin/gopher-lua"
)

// maxConvertDepth bounds how deep fromLuaValue/toLuaValue will recurse into
// nested tables/maps before stringifying the remainder (spec.md §4.5 "depth
// cap 8, stringify non-JSON values").
const maxConvertDepth = 8

// marshalGlobal walks a globals subtree, registering every HostFunc it finds
// at path (dotted from the root) in registry, and returns the Lua value the
// sandbox sees in its place. Unlike a token/message-passing indirection,
// gopher-lua lets a registered Go closure stand in directly for the
// function — no sentinel object is needed at this language boundary.
func marshalGlobal(L *lua.LState, path string, v any, registry map[string]HostFunc, calls chan hostCall) lua.LValue {
	switch val := v.(type) {
	case HostFunc:
		registry[path] = val
		return L.NewFunction(hostFuncToLua(path, calls))
	case map[string]any:
		t := L.NewTable()
		for k, item := range val {
			t.RawSetString(k, marshalGlobal(L, childPath(path, k), item, registry, calls))
		}
		return t
	case []any:
		t := L.NewTable()
		for i, item := range val {
			t.RawSetInt(i+1, marshalGlobal(L, fmt.Sprintf("%s[%d]", path, i), item, registry, calls))
		}
		return t
	default:
		return toLuaValue(L, v, 0)
	}
}

func childPath(parent, key string) string {
	if parent == "" {
		return key
	}
	return parent + "." + key
}

// hostFuncToLua builds the Lua-callable bridge for one registered function:
// every invocation posts a hostCall over calls and blocks only on that
// channel's reply, per spec.md §4.5's asynchronous host-call bridge
// (invariant 5: "every bridge call is asynchronous and passes through the
// parent's dispatch table").
func hostFuncToLua(fnID string, calls chan<- hostCall) lua.LGFunction {
	return func(L *lua.LState) int {
		n := L.GetTop()
		args := make([]any, 0, n)
		for i := 1; i <= n; i++ {
			args = append(args, fromLuaValue(L.Get(i), 0))
		}

		ctx := L.Context()
		reply := make(chan hostCallReply, 1)
		select {
		case calls <- hostCall{fnID: fnID, args: args, reply: reply}:
		case <-ctx.Done():
			L.RaiseError("sandbox: host call %s canceled: %v", fnID, ctx.Err())
			return 0
		}

		select {
		case r := <-reply:
			if r.err != nil {
				L.RaiseError("%v", r.err)
				return 0
			}
			L.Push(toLuaValue(L, normalizeForLua(r.result), 0))
			return 1
		case <-ctx.Done():
			L.RaiseError("sandbox: host call %s canceled: %v", fnID, ctx.Err())
			return 0
		}
	}
}

// normalizeForLua round-trips an arbitrary Go value (typically a host
// function's return value) through JSON so toLuaValue only ever needs to
// handle the small set of JSON-shaped Go types.
func normalizeForLua(v any) any {
	switch v.(type) {
	case nil, bool, string, float64, int, map[string]any, []any:
		return v
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprintf("%v", v)
		}
		var generic any
		if err := json.Unmarshal(b, &generic); err != nil {
			return string(b)
		}
		return generic
	}
}

// toLuaValue converts a JSON-shaped Go value into a Lua value.
func toLuaValue(L *lua.LState, v any, depth int) lua.LValue {
	if depth > maxConvertDepth {
		return lua.LString(fmt.Sprintf("%v", v))
	}
	switch val := v.(type) {
	case nil:
		return lua.LNil
	case bool:
		return lua.LBool(val)
	case string:
		return lua.LString(val)
	case float64:
		return lua.LNumber(val)
	case int:
		return lua.LNumber(val)
	case []any:
		t := L.NewTable()
		for i, item := range val {
			t.RawSetInt(i+1, toLuaValue(L, item, depth+1))
		}
		return t
	case map[string]any:
		t := L.NewTable()
		for k, item := range val {
			t.RawSetString(k, toLuaValue(L, item, depth+1))
		}
		return t
	default:
		b, err := json.Marshal(val)
		if err != nil {
			return lua.LString(fmt.Sprintf("%v", val))
		}
		return lua.LString(string(b))
	}
}

// fromLuaValue converts a Lua value back into a JSON-shaped Go value,
// stringifying anything nested deeper than maxConvertDepth.
func fromLuaValue(lv lua.LValue, depth int) any {
	if depth > maxConvertDepth {
		return lv.String()
	}
	switch v := lv.(type) {
	case *lua.LNilType:
		return nil
	case lua.LBool:
		return bool(v)
	case lua.LNumber:
		return float64(v)
	case lua.LString:
		return string(v)
	case *lua.LTable:
		if isLuaArray(v) {
			arr := make([]any, 0, v.Len())
			v.ForEach(func(_, val lua.LValue) {
				arr = append(arr, fromLuaValue(val, depth+1))
			})
			return arr
		}
		obj := make(map[string]any)
		v.ForEach(func(key, val lua.LValue) {
			obj[key.String()] = fromLuaValue(val, depth+1)
		})
		return obj
	default:
		return lv.String()
	}
}

// isLuaArray reports whether t's keys are exactly the contiguous integers
// 1..t.Len(), the common case for Lua's table-as-array convention.
func isLuaArray(t *lua.LTable) bool {
	n := t.Len()
	if n == 0 {
		return false
	}
	count := 0
	sequential := true
	t.ForEach(func(k, _ lua.LValue) {
		count++
		if _, isNum := k.(lua.LNumber); !isNum {
			sequential = false
		}
	})
	return sequential && count == n
}

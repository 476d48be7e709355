package step

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"regexp"
	"strings"

	"github.com/Shopify/go-lua"
)

const (
	luaGlobalTableName  = "_G"
	luaGlobalTableIndex = -2
	luaArrayTableIndex  = -3
	luaMapTableIndex    = -3
	luaInputsLocal      = "local inputs = select(1, ...)"
	luaArgLocalTemplate = "local %s = select(%d, ...)"

	// luaHookInterval is the number of instructions between cancellation checks.
	luaHookInterval = 1000
	luaMaxDepth     = 64
	// luaStackPerLevel is the stack space one level of table conversion uses.
	luaStackPerLevel = 4
	luaMaxExactInt   = 1 << 53
)

var (
	ErrLuaLoad      = errors.New("lua load error")
	ErrLuaExecution = errors.New("lua execution error")
)

var (
	luaExclude = [...]string{
		"io", "os", "debug", "package", "require", "dofile", "loadfile", "load", "loadstring",
	}
	luaIdentifier = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)
)

type luaStep struct {
	bytecode []byte
	argNames []string
}

type luaConfig struct {
	Script string `json:"script"`
}

// LuaKind evaluates a sandboxed Lua script. Each input is available as a
// local of the same name and the whole set as the table "inputs"; the
// script's return value is the step output.
func LuaKind() Kind {
	return Kind{
		Name:        "lua",
		Description: "Evaluate a sandboxed Lua script; its return value is the output",
		Factory:     newLuaStep,
	}
}

func newLuaStep(spec Spec) (Step, error) {
	var cfg luaConfig
	if err := spec.Config.Decode(&cfg); err != nil {
		return nil, err
	}
	if strings.TrimSpace(cfg.Script) == "" {
		return nil, errors.New("script is required")
	}
	for _, name := range spec.Inputs {
		if !luaIdentifier.MatchString(name) || name == "inputs" {
			return nil, fmt.Errorf("input %q cannot be used as a lua local", name)
		}
	}
	return compileLua(cfg.Script, spec.Inputs)
}

func wrapLuaSource(script string, argNames []string) string {
	lines := make([]string, 0, len(argNames)+2)
	lines = append(lines, luaInputsLocal)
	for i, name := range argNames {
		lines = append(lines, fmt.Sprintf(luaArgLocalTemplate, name, i+2))
	}
	lines = append(lines, script)
	return strings.Join(lines, "\n")
}

func compileLua(script string, argNames []string) (*luaStep, error) {
	L := lua.NewState()
	setupLuaSandbox(L)

	if err := lua.LoadString(L, wrapLuaSource(script, argNames)); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrLuaLoad, err)
	}

	var buf bytes.Buffer
	if err := L.Dump(&buf); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrLuaLoad, err)
	}
	return &luaStep{bytecode: buf.Bytes(), argNames: argNames}, nil
}

func setupLuaSandbox(L *lua.State) {
	lua.OpenLibraries(L)
	L.Global(luaGlobalTableName)
	for _, name := range luaExclude {
		L.PushNil()
		L.SetField(luaGlobalTableIndex, name)
	}
	L.Pop(1)
}

type luaOutcome struct {
	value any
	err   error
}

func (s *luaStep) Run(ctx context.Context, in Inputs) (any, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	info := RunInfoFrom(ctx)

	done := make(chan luaOutcome, 1)
	go func() {
		defer func() {
			if p := recover(); p != nil {
				done <- luaOutcome{err: fmt.Errorf("%w: %v", ErrLuaExecution, p)}
			}
		}()
		v, err := s.call(ctx, in, info.Log)
		done <- luaOutcome{value: v, err: err}
	}()

	// The count hook stops the script soon after ctx ends.
	out := <-done
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return out.value, out.err
}

func (s *luaStep) call(ctx context.Context, in Inputs, logLine func(string)) (any, error) {
	L := lua.NewState()
	setupLuaSandbox(L)

	lua.SetDebugHook(L, func(L *lua.State, _ lua.Debug) {
		if err := ctx.Err(); err != nil {
			lua.Errorf(L, "%s", err.Error())
		}
	}, lua.MaskCount, luaHookInterval)

	L.PushGoFunction(func(L *lua.State) int {
		n := L.Top()
		parts := make([]string, 0, n)
		for i := 1; i <= n; i++ {
			v, err := luaToGo(L, i)
			if err != nil {
				lua.Errorf(L, "%s", err.Error())
			}
			parts = append(parts, Text(v))
		}
		if logLine != nil {
			logLine(strings.Join(parts, " "))
		}
		return 0
	})
	L.SetGlobal("log")

	if err := L.Load(bytes.NewReader(s.bytecode), "chunk", "b"); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrLuaLoad, err)
	}

	goToLua(L, map[string]any(in))
	for _, name := range s.argNames {
		goToLua(L, in[name])
	}

	if err := L.ProtectedCall(len(s.argNames)+1, 1, 0); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrLuaExecution, err)
	}
	return luaToGo(L, -1)
}

func goToLua(L *lua.State, value any) {
	switch v := value.(type) {
	case nil:
		L.PushNil()
	case string:
		L.PushString(v)
	case bool:
		L.PushBoolean(v)
	case int:
		L.PushInteger(v)
	case int64:
		L.PushInteger(int(v))
	case float64:
		L.PushNumber(v)
	case json.Number:
		if i, err := v.Int64(); err == nil {
			L.PushInteger(int(i))
		} else {
			f, _ := v.Float64()
			L.PushNumber(f)
		}
	case []any:
		pushLuaArray(L, v)
	case map[string]any:
		pushLuaMap(L, v)
	default:
		L.PushString(Text(v))
	}
}

func pushLuaArray(L *lua.State, arr []any) {
	lua.CheckStackWithMessage(L, luaStackPerLevel, "input nested too deeply")
	L.CreateTable(len(arr), 0)
	for i, item := range arr {
		L.PushInteger(i + 1)
		goToLua(L, item)
		L.SetTable(luaArrayTableIndex)
	}
}

func pushLuaMap(L *lua.State, m map[string]any) {
	lua.CheckStackWithMessage(L, luaStackPerLevel, "input nested too deeply")
	L.CreateTable(0, len(m))
	for k, val := range m {
		L.PushString(k)
		goToLua(L, val)
		L.SetTable(luaMapTableIndex)
	}
}

// luaToGo converts the value at index into plain Go data. Tables nested
// deeper than luaMaxDepth, tables that contain themselves and non-finite
// numbers are errors.
func luaToGo(L *lua.State, index int) (any, error) {
	r := &luaReader{L: L, visiting: make(map[any]bool)}
	return r.value(index)
}

type luaReader struct {
	L        *lua.State
	visiting map[any]bool
	depth    int
}

func (r *luaReader) value(index int) (any, error) {
	L := r.L
	switch L.TypeOf(index) {
	case lua.TypeNil:
		return nil, nil
	case lua.TypeBoolean:
		return L.ToBoolean(index), nil
	case lua.TypeNumber:
		num, _ := L.ToNumber(index)
		if math.IsNaN(num) || math.IsInf(num, 0) {
			return nil, fmt.Errorf("%w: %v is not a finite number", ErrLuaExecution, num)
		}
		if num == math.Trunc(num) && math.Abs(num) <= luaMaxExactInt {
			return int(num), nil
		}
		return num, nil
	case lua.TypeString:
		s, _ := L.ToString(index)
		return s, nil
	case lua.TypeTable:
		return r.table(absIndex(L, index))
	default:
		return nil, nil
	}
}

func absIndex(L *lua.State, index int) int {
	if index < 0 {
		return L.Top() + index + 1
	}
	return index
}

// table converts a table at an absolute stack index to a slice when its
// keys are exactly 1..n, otherwise to a map.
func (r *luaReader) table(index int) (any, error) {
	L := r.L
	if r.depth >= luaMaxDepth {
		return nil, fmt.Errorf("%w: table nested deeper than %d levels", ErrLuaExecution, luaMaxDepth)
	}
	id := L.ToValue(index)
	if r.visiting[id] {
		return nil, fmt.Errorf("%w: table contains itself", ErrLuaExecution)
	}
	if !L.CheckStack(luaStackPerLevel) {
		return nil, fmt.Errorf("%w: stack overflow reading table", ErrLuaExecution)
	}
	r.visiting[id] = true
	r.depth++
	defer func() {
		delete(r.visiting, id)
		r.depth--
	}()

	length := 0
	isArray := true

	L.PushNil()
	for L.Next(index) {
		if L.TypeOf(-2) != lua.TypeNumber {
			isArray = false
			L.Pop(2)
			break
		}
		length++
		L.Pop(1)
	}

	if isArray && length > 0 {
		arr := make([]any, length)
		for i := 1; i <= length; i++ {
			L.RawGetInt(index, i)
			if L.TypeOf(-1) == lua.TypeNil {
				L.Pop(1)
				return r.tableMap(index)
			}
			v, err := r.value(-1)
			if err != nil {
				return nil, err
			}
			arr[i-1] = v
			L.Pop(1)
		}
		return arr, nil
	}
	return r.tableMap(index)
}

func (r *luaReader) tableMap(index int) (map[string]any, error) {
	L := r.L
	result := map[string]any{}
	L.PushNil()
	for L.Next(index) {
		var key string
		if L.TypeOf(-2) == lua.TypeString {
			key, _ = L.ToString(-2)
		} else {
			k, err := r.value(-2)
			if err != nil {
				return nil, err
			}
			key = Text(k)
		}
		v, err := r.value(-1)
		if err != nil {
			return nil, err
		}
		result[key] = v
		L.Pop(1)
	}
	return result, nil
}

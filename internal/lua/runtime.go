package lua

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	lua "github.com/yuin/gopher-lua"
	"gopkg.in/yaml.v3"

	"github.com/mpataki/courier/internal/models"
)

// Loader evaluates Lua workflow definition scripts in a sandbox. A script
// defines a global workflow() function that returns the definition table:
//
//	function workflow()
//	  return {
//	    name = "build",
//	    steps = {
//	      task("implement", "Implement the request", { timeout = "20m" }),
//	      review("review", "implement", "Review the change"),
//	    },
//	    limits = { max_review_iterations = 3 },
//	  }
//	end
type Loader struct {
	logger *slog.Logger
	logs   []string
}

func NewLoader(logger *slog.Logger) *Loader {
	if logger == nil {
		logger = slog.Default()
	}
	return &Loader{logger: logger}
}

// Load runs the script at path and decodes the table workflow() returns.
func (l *Loader) Load(path string) (*models.WorkflowDefinition, error) {
	script, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read script: %w", err)
	}

	L := lua.NewState(lua.Options{
		SkipOpenLibs: true,
	})
	defer L.Close()

	openSafeLibs(L)
	l.registerAPI(L)

	if err := L.DoString(string(script)); err != nil {
		return nil, fmt.Errorf("failed to load script: %w", err)
	}

	fn := L.GetGlobal("workflow")
	if fn.Type() != lua.LTFunction {
		return nil, fmt.Errorf("script must define a 'workflow' function")
	}

	L.Push(fn)
	if err := L.PCall(0, 1, nil); err != nil {
		return nil, fmt.Errorf("workflow() failed: %w", err)
	}
	ret := L.Get(-1)
	L.Pop(1)

	tbl, ok := ret.(*lua.LTable)
	if !ok {
		return nil, fmt.Errorf("workflow() must return a table, got %s", ret.Type())
	}

	// Round-trip through YAML so Lua and YAML definitions share one
	// decoder, including duration strings.
	data, err := yaml.Marshal(luaToGo(tbl))
	if err != nil {
		return nil, fmt.Errorf("failed to encode definition: %w", err)
	}
	var def models.WorkflowDefinition
	if err := yaml.Unmarshal(data, &def); err != nil {
		return nil, fmt.Errorf("failed to decode definition: %w", err)
	}
	def.Source = path

	for _, line := range l.logs {
		l.logger.Debug("lua workflow log", "path", path, "message", line)
	}
	l.logs = nil

	return &def, nil
}

// openSafeLibs loads only the side-effect free standard libraries.
func openSafeLibs(L *lua.LState) {
	lua.OpenBase(L)

	L.SetGlobal("loadfile", lua.LNil)
	L.SetGlobal("dofile", lua.LNil)
	L.SetGlobal("load", lua.LNil)
	L.SetGlobal("loadstring", lua.LNil)
	L.SetGlobal("require", lua.LNil)
	L.SetGlobal("print", lua.LNil) // Use log() instead

	lua.OpenTable(L)
	lua.OpenString(L)
	lua.OpenMath(L)

	// Definitions must be deterministic.
	math := L.GetGlobal("math")
	if tbl, ok := math.(*lua.LTable); ok {
		L.SetField(tbl, "random", lua.LNil)
		L.SetField(tbl, "randomseed", lua.LNil)
	}
}

func (l *Loader) registerAPI(L *lua.LState) {
	L.SetGlobal("task", L.NewFunction(luaTask))
	L.SetGlobal("review", L.NewFunction(luaReview))
	L.SetGlobal("log", L.NewFunction(l.luaLog))
}

// luaTask implements task(id, prompt, opts?)
func luaTask(L *lua.LState) int {
	step := stepTable(L, L.CheckString(1), models.StepAgentTask, L.CheckString(2), L.OptTable(3, nil))
	L.Push(step)
	return 1
}

// luaReview implements review(id, reviews, prompt, opts?)
func luaReview(L *lua.LState) int {
	step := stepTable(L, L.CheckString(1), models.StepAgentReview, L.CheckString(3), L.OptTable(4, nil))
	L.SetField(step, "reviews", lua.LString(L.CheckString(2)))
	L.Push(step)
	return 1
}

func stepTable(L *lua.LState, id string, typ models.StepType, prompt string, opts *lua.LTable) *lua.LTable {
	step := L.NewTable()
	if opts != nil {
		opts.ForEach(func(k, v lua.LValue) {
			step.RawSet(k, v)
		})
	}
	L.SetField(step, "id", lua.LString(id))
	L.SetField(step, "type", lua.LString(string(typ)))
	L.SetField(step, "prompt", lua.LString(prompt))
	return step
}

// luaLog implements log(message)
func (l *Loader) luaLog(L *lua.LState) int {
	l.logs = append(l.logs, L.CheckString(1))
	return 0
}

// luaToGo converts a Lua value to plain Go values. Tables with a
// non-empty array part become slices.
func luaToGo(v lua.LValue) any {
	switch val := v.(type) {
	case *lua.LNilType:
		return nil
	case lua.LBool:
		return bool(val)
	case lua.LNumber:
		f := float64(val)
		if f == float64(int64(f)) {
			return int64(f)
		}
		return f
	case lua.LString:
		return string(val)
	case *lua.LTable:
		if n := val.MaxN(); n > 0 {
			out := make([]any, 0, n)
			for i := 1; i <= n; i++ {
				out = append(out, luaToGo(val.RawGetInt(i)))
			}
			return out
		}
		out := make(map[string]any)
		val.ForEach(func(k, item lua.LValue) {
			out[k.String()] = luaToGo(item)
		})
		return out
	default:
		return val.String()
	}
}

// IsLuaWorkflow checks if a file is a Lua workflow definition.
func IsLuaWorkflow(path string) bool {
	return filepath.Ext(path) == ".lua"
}

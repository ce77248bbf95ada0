package scripting

import (
	"errors"
	"fmt"
	"os"
	"sync"

	"github.com/l1jgo/tickengine/internal/core/ref"
	"github.com/l1jgo/tickengine/internal/core/system"
	lua "github.com/yuin/gopher-lua"
	"go.uber.org/zap"
)

// APIVersion is exposed to scripts as the API_VERSION global.
const APIVersion = 1

// Engine compiles Lua scripts into task bodies. Each script gets its own VM,
// since tasks of one wave may run on different goroutines and an LState is
// not safe for concurrent use. Calls into one script are serialised.
//
// A script defines a global run() function. Returning a non-empty string
// fails the task with that message; raising a Lua error does too. Scripts
// see the same access contract as Go bodies: engine.state only answers for
// states the task borrows, and signals are tested in the task's condition.
//
//	function run()
//	  if engine.state("Mode") == "Running" then
//	    engine.signal("tick")
//	  end
//	end
type Engine struct {
	log *zap.Logger

	mu    sync.Mutex
	tasks []*luaTask
}

func NewEngine(log *zap.Logger) *Engine {
	if log == nil {
		log = zap.NewNop()
	}
	return &Engine{log: log}
}

// Load compiles the script at path into the body of task name.
func (e *Engine) Load(name, path string) (system.TaskFunc, error) {
	src, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read script %s: %w", path, err)
	}
	fn, err := e.compile(name, path, string(src))
	if err != nil {
		return nil, err
	}
	e.log.Debug("loaded lua script", zap.String("task", name), zap.String("file", path))
	return fn, nil
}

// LoadString compiles src directly.
func (e *Engine) LoadString(name, src string) (system.TaskFunc, error) {
	return e.compile(name, "<"+name+">", src)
}

// Count returns the number of compiled scripts.
func (e *Engine) Count() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.tasks)
}

// Close releases every VM. Bodies returned earlier must not be called afterwards.
func (e *Engine) Close() {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, t := range e.tasks {
		t.mu.Lock()
		t.vm.Close()
		t.mu.Unlock()
	}
	e.tasks = nil
}

type luaTask struct {
	name string
	file string
	log  *zap.Logger

	mu    sync.Mutex
	vm    *lua.LState
	run   *lua.LFunction
	cur   *system.Context // set only while run() executes
	fatal *ref.Violation  // raised by an API call during the current run()
}

func (e *Engine) compile(name, file, src string) (system.TaskFunc, error) {
	t := &luaTask{
		name: name,
		file: file,
		log:  e.log.With(zap.String("script", file)),
		vm:   lua.NewState(),
	}
	t.vm.SetGlobal("API_VERSION", lua.LNumber(APIVersion))
	t.vm.SetGlobal("engine", t.vm.SetFuncs(t.vm.NewTable(), t.api()))

	if err := t.vm.DoString(src); err != nil {
		t.vm.Close()
		return nil, fmt.Errorf("load %s: %w", file, err)
	}
	fn, ok := t.vm.GetGlobal("run").(*lua.LFunction)
	if !ok {
		t.vm.Close()
		return nil, fmt.Errorf("load %s: no run() function", file)
	}
	t.run = fn

	e.mu.Lock()
	e.tasks = append(e.tasks, t)
	e.mu.Unlock()
	return t.invoke, nil
}

func (t *luaTask) invoke(c *system.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.cur = c
	t.vm.SetContext(c.Context())
	defer func() {
		t.cur = nil
		t.fatal = nil
		t.vm.RemoveContext()
	}()

	err := t.vm.CallByParam(lua.P{
		Fn:      t.run,
		NRet:    1,
		Protect: true,
	})
	// The protected call turns Go panics into Lua errors; a violation must
	// still reach the scheduler as one.
	if t.fatal != nil {
		return fmt.Errorf("lua %s: %w", t.name, t.fatal)
	}
	if err != nil {
		return fmt.Errorf("lua %s: %w", t.name, err)
	}
	ret := t.vm.Get(-1)
	t.vm.Pop(1)
	if s, ok := ret.(lua.LString); ok && s != "" {
		return errors.New(string(s))
	}
	return nil
}

func (t *luaTask) api() map[string]lua.LGFunction {
	return map[string]lua.LGFunction{
		"signal": func(L *lua.LState) int {
			t.cur.Signal(L.CheckString(1))
			return 0
		},
		"state": func(L *lua.LState) int {
			v, ok := t.stateVariant(L, L.CheckString(1))
			if !ok {
				L.Push(lua.LNil)
				return 1
			}
			L.Push(lua.LString(v))
			return 1
		},
		"reset": func(L *lua.LState) int {
			t.cur.Reset()
			return 0
		},
		"delta": func(L *lua.LState) int {
			L.Push(lua.LNumber(t.cur.Delta().Seconds()))
			return 1
		},
		"frame": func(L *lua.LState) int {
			L.Push(lua.LNumber(t.cur.Frame()))
			return 1
		},
		"phase": func(L *lua.LState) int {
			L.Push(lua.LString(t.cur.Phase().String()))
			return 1
		},
		"log": func(L *lua.LState) int {
			t.log.Info(L.CheckString(1),
				zap.String("task", t.name),
				zap.Uint64("frame", t.cur.Frame()))
			return 0
		},
	}
}

func (t *luaTask) stateVariant(L *lua.LState, name string) (string, bool) {
	defer func() {
		if r := recover(); r != nil {
			v, ok := r.(*ref.Violation)
			if !ok {
				panic(r)
			}
			t.fatal = v
			L.RaiseError("%s", v.Error())
		}
	}()
	return t.cur.StateVariant(name)
}

package scripting

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/l1jgo/tickengine/internal/core/ecs"
	"github.com/l1jgo/tickengine/internal/core/system"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type sink struct {
	mu  sync.Mutex
	got []system.TaskFailure
}

func (s *sink) RecordFailure(f system.TaskFailure) {
	s.mu.Lock()
	s.got = append(s.got, f)
	s.mu.Unlock()
}

func TestScriptDrivesSignalsAndReset(t *testing.T) {
	e := NewEngine(nil)
	defer e.Close()

	emit, err := e.LoadString("emit", `
function run()
  if engine.frame() == 1 then
    engine.signal("hello")
  end
end`)
	require.NoError(t, err)
	react, err := e.LoadString("react", `
function run()
  if engine.phase() == "SyncUpdate" then
    engine.reset()
  end
end`)
	require.NoError(t, err)
	assert.Equal(t, 2, e.Count())

	w := ecs.NewWorld()
	setups := 0
	reg := system.NewRegistry(w).
		Add(system.Task{Name: "boot", Phase: system.PhaseSetup, Run: func(*system.Context) error { setups++; return nil }}).
		Add(system.Task{Name: "emit", Phase: system.PhaseUpdate, Run: emit}).
		Add(system.Task{Name: "react", Phase: system.PhaseSyncUpdate, Condition: `"hello"`, Run: react})
	s, err := system.New(reg)
	require.NoError(t, err)
	defer s.Stop()

	require.NoError(t, s.Step(context.Background(), 0))
	assert.Equal(t, 1, setups, "signal is visible from the next iteration")
	require.NoError(t, s.Step(context.Background(), 0))
	assert.Equal(t, 2, setups, "script requested a reset")
}

type light int

const (
	lightRed light = iota
	lightGreen
)

func (l light) String() string {
	if l == lightGreen {
		return "Green"
	}
	return "Red"
}

func TestScriptStateNeedsBorrow(t *testing.T) {
	e := NewEngine(nil)
	defer e.Close()

	src := `
function run()
  if engine.state("light") ~= "Red" then
    return "unexpected light"
  end
  if engine.state("missing") ~= nil then
    return "unexpected state"
  end
end`
	declared, err := e.LoadString("declared", src)
	require.NoError(t, err)
	undeclared, err := e.LoadString("undeclared", src)
	require.NoError(t, err)

	newWorld := func() *ecs.World {
		w := ecs.NewWorld()
		_, err := ecs.AddState(w, lightRed)
		require.NoError(t, err)
		return w
	}

	var fs sink
	reg := system.NewRegistry(newWorld()).Add(system.Task{
		Name:    "declared",
		Phase:   system.PhaseUpdate,
		Borrows: []system.Borrow{system.Reads[light]()},
		Run:     declared,
	})
	s, err := system.New(reg, system.WithFailureSink(&fs))
	require.NoError(t, err)
	defer s.Stop()
	require.NoError(t, s.Step(context.Background(), 0))
	fs.mu.Lock()
	assert.Empty(t, fs.got)
	fs.mu.Unlock()

	reg = system.NewRegistry(newWorld()).Add(system.Task{
		Name:  "undeclared",
		Phase: system.PhaseUpdate,
		Run:   undeclared,
	})
	s2, err := system.New(reg, system.WithFailureSink(&fs))
	require.NoError(t, err)
	defer s2.Stop()
	err = s2.Step(context.Background(), 0)
	require.ErrorIs(t, err, system.ErrLockAcquisitionViolation)
	assert.Contains(t, err.Error(), "undeclared")
	assert.Equal(t, system.Stopped, s2.State())
}

func TestScriptFailures(t *testing.T) {
	e := NewEngine(nil)
	defer e.Close()

	returns, err := e.LoadString("returns", `function run() return "not ready" end`)
	require.NoError(t, err)
	raises, err := e.LoadString("raises", `function run() error("bad state") end`)
	require.NoError(t, err)

	var fs sink
	reg := system.NewRegistry(ecs.NewWorld()).
		Add(system.Task{Name: "returns", Phase: system.PhaseUpdate, Run: returns}).
		Add(system.Task{Name: "raises", Phase: system.PhaseUpdate, Run: raises})
	s, err := system.New(reg, system.WithFailureSink(&fs))
	require.NoError(t, err)
	defer s.Stop()

	require.NoError(t, s.Step(context.Background(), 0))
	fs.mu.Lock()
	defer fs.mu.Unlock()
	require.Len(t, fs.got, 2)
	msgs := map[string]string{}
	for _, f := range fs.got {
		msgs[f.Task] = f.Err.Error()
	}
	assert.Equal(t, "not ready", msgs["returns"])
	assert.Contains(t, msgs["raises"], "bad state")
}

func TestLoadErrors(t *testing.T) {
	e := NewEngine(nil)
	defer e.Close()

	_, err := e.LoadString("norun", `x = 1`)
	assert.ErrorContains(t, err, "no run() function")

	_, err = e.LoadString("syntax", `function run(`)
	assert.Error(t, err)

	_, err = e.Load("missing", filepath.Join(t.TempDir(), "missing.lua"))
	assert.ErrorContains(t, err, "read script")

	path := filepath.Join(t.TempDir(), "ok.lua")
	require.NoError(t, os.WriteFile(path, []byte("function run() return nil end"), 0o644))
	_, err = e.Load("ok", path)
	assert.NoError(t, err)
	assert.Equal(t, 1, e.Count())
}

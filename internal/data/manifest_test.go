package data

import (
	"errors"
	"path/filepath"
	"testing"

	"github.com/l1jgo/tickengine/internal/core/ecs"
	"github.com/l1jgo/tickengine/internal/core/system"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type Score int

type Tally int

const sample = `
groups:
  - name: scoring
    after: [input]
tasks:
  - name: input
    phase: update
    writes: [Tally]
  - name: score.add
    phase: Update
    group: scoring
    writes: [Score]
    when: '"scored" || !"paused"'
  - name: score.show
    phase: sync_update
    reads: [Score]
    run: show
  - name: heartbeat
    phase: long_update
    script: heartbeat.lua
`

type fakeScripts struct{ paths []string }

func (f *fakeScripts) Load(name, path string) (system.TaskFunc, error) {
	f.paths = append(f.paths, path)
	return func(*system.Context) error { return nil }, nil
}

func nop(*system.Context) error { return nil }

func TestManifestRegister(t *testing.T) {
	m, err := ParseManifest([]byte(sample))
	require.NoError(t, err)
	assert.Equal(t, 4, m.Count())

	w := ecs.NewWorld()
	_, err = ecs.AddResource(w, Score(0))
	require.NoError(t, err)
	_, err = ecs.AddResource(w, Tally(0))
	require.NoError(t, err)

	scripts := &fakeScripts{}
	reg := system.NewRegistry(w)
	err = m.Register(reg, map[string]system.TaskFunc{
		"input":     nop,
		"score.add": nop,
		"show":      nop,
	}, scripts, "scripts")
	require.NoError(t, err)
	assert.Equal(t, []string{filepath.Join("scripts", "heartbeat.lua")}, scripts.paths)

	plan, err := reg.Build()
	require.NoError(t, err)
	assert.Equal(t, [][]string{{"input"}, {"score.add"}}, plan.Waves(system.PhaseUpdate))
	assert.Equal(t, [][]string{{"score.show"}}, plan.Waves(system.PhaseSyncUpdate))
	assert.Equal(t, [][]string{{"heartbeat"}}, plan.Waves(system.PhaseLongUpdate))
}

func TestManifestRegisterErrors(t *testing.T) {
	w := ecs.NewWorld()
	cases := map[string]string{
		"bad phase":    "tasks:\n  - {name: a, phase: later}\n",
		"missing body": "tasks:\n  - {name: a, phase: update}\n",
		"no engine":    "tasks:\n  - {name: a, phase: update, script: a.lua}\n",
		"run+script":   "tasks:\n  - {name: a, phase: update, run: a, script: a.lua}\n",
	}
	for name, src := range cases {
		t.Run(name, func(t *testing.T) {
			m, err := ParseManifest([]byte(src))
			require.NoError(t, err)
			assert.Error(t, m.Register(system.NewRegistry(w), nil, nil, ""))
		})
	}
}

func TestManifestUnknownSlotSurfacesAtBuild(t *testing.T) {
	m, err := ParseManifest([]byte("tasks:\n  - {name: a, phase: update, reads: [Nope]}\n"))
	require.NoError(t, err)
	reg := system.NewRegistry(ecs.NewWorld())
	require.NoError(t, m.Register(reg, map[string]system.TaskFunc{"a": nop}, nil, ""))
	_, err = reg.Build()
	assert.True(t, errors.Is(err, system.ErrUnknownSlot))
}

func TestLoadManifestMissingFile(t *testing.T) {
	_, err := LoadManifest(filepath.Join(t.TempDir(), "none.yaml"))
	assert.ErrorContains(t, err, "read schedule manifest")
}

package data

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/l1jgo/tickengine/internal/core/system"
	"gopkg.in/yaml.v3"
)

// TaskEntry is one task declaration in the schedule manifest. Borrows are
// slot names; the body is either a Go function registered under Run (the task
// name when empty) or a Lua script.
type TaskEntry struct {
	Name        string   `yaml:"name"`
	Phase       string   `yaml:"phase"`
	Group       string   `yaml:"group"`
	Before      []string `yaml:"before"`
	After       []string `yaml:"after"`
	BeforeGroup []string `yaml:"before_group"`
	AfterGroup  []string `yaml:"after_group"`
	When        string   `yaml:"when"`
	Reads       []string `yaml:"reads"`
	Writes      []string `yaml:"writes"`
	Run         string   `yaml:"run"`
	Script      string   `yaml:"script"`
}

// GroupEntry declares a group and the constraints shared by its members.
type GroupEntry struct {
	Name        string   `yaml:"name"`
	Before      []string `yaml:"before"`
	After       []string `yaml:"after"`
	BeforeGroup []string `yaml:"before_group"`
	AfterGroup  []string `yaml:"after_group"`
}

// Manifest is the declarative schedule.
type Manifest struct {
	Groups []GroupEntry `yaml:"groups"`
	Tasks  []TaskEntry  `yaml:"tasks"`
}

// Count returns the number of tasks declared.
func (m *Manifest) Count() int {
	return len(m.Tasks)
}

// ScriptLoader compiles a script file into a task body.
type ScriptLoader interface {
	Load(name, path string) (system.TaskFunc, error)
}

// LoadManifest loads the schedule manifest from a YAML file.
func LoadManifest(path string) (*Manifest, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read schedule manifest: %w", err)
	}
	return ParseManifest(raw)
}

func ParseManifest(raw []byte) (*Manifest, error) {
	var m Manifest
	if err := yaml.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("parse schedule manifest: %w", err)
	}
	return &m, nil
}

func constraints(before, after, beforeGroup, afterGroup []string) []system.Constraint {
	out := make([]system.Constraint, 0, len(before)+len(after)+len(beforeGroup)+len(afterGroup))
	for _, n := range before {
		out = append(out, system.Before(n))
	}
	for _, n := range after {
		out = append(out, system.After(n))
	}
	for _, n := range beforeGroup {
		out = append(out, system.BeforeGroup(n))
	}
	for _, n := range afterGroup {
		out = append(out, system.AfterGroup(n))
	}
	return out
}

// Register adds every group and task of m to reg. Bodies are looked up by
// name in bodies; entries with a script are compiled through scripts, with
// relative paths taken from scriptsDir.
func (m *Manifest) Register(reg *system.Registry, bodies map[string]system.TaskFunc, scripts ScriptLoader, scriptsDir string) error {
	for _, g := range m.Groups {
		reg.AddGroup(system.Group{
			Name:  g.Name,
			Order: constraints(g.Before, g.After, g.BeforeGroup, g.AfterGroup),
		})
	}
	for i := range m.Tasks {
		e := &m.Tasks[i]
		phase, err := system.ParsePhase(e.Phase)
		if err != nil {
			return fmt.Errorf("task %s: %w", e.Name, err)
		}
		run, err := m.body(e, bodies, scripts, scriptsDir)
		if err != nil {
			return fmt.Errorf("task %s: %w", e.Name, err)
		}
		borrows := make([]system.Borrow, 0, len(e.Reads)+len(e.Writes))
		for _, s := range e.Reads {
			borrows = append(borrows, system.ReadsNamed(s))
		}
		for _, s := range e.Writes {
			borrows = append(borrows, system.WritesNamed(s))
		}
		reg.Add(system.Task{
			Name:      e.Name,
			Phase:     phase,
			Group:     e.Group,
			Order:     constraints(e.Before, e.After, e.BeforeGroup, e.AfterGroup),
			Condition: e.When,
			Borrows:   borrows,
			Run:       run,
		})
	}
	return nil
}

func (m *Manifest) body(e *TaskEntry, bodies map[string]system.TaskFunc, scripts ScriptLoader, scriptsDir string) (system.TaskFunc, error) {
	if e.Script != "" {
		if e.Run != "" {
			return nil, fmt.Errorf("both run and script given")
		}
		if scripts == nil {
			return nil, fmt.Errorf("script %s: no script engine", e.Script)
		}
		path := e.Script
		if !filepath.IsAbs(path) {
			path = filepath.Join(scriptsDir, path)
		}
		return scripts.Load(e.Name, path)
	}
	key := e.Run
	if key == "" {
		key = e.Name
	}
	fn, ok := bodies[key]
	if !ok {
		return nil, fmt.Errorf("no body registered as %q", key)
	}
	return fn, nil
}

package decompose

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/stretchr/testify/require"

	"github.com/loomctl/loom/internal/log"
)

const overrideTemplate = `
task_type: develop_feature
description: Stripped-down override
subtasks:
  - name: Just Build It
    description: Single-step feature work
    type: code_generation
    tool: claude_code
    priority: 5
`

func TestLibrary_LookupFallsBackToDefault(t *testing.T) {
	lib, err := NewLibrary("", log.Discard())
	require.NoError(t, err)

	tpl := lib.Lookup("never_heard_of_it")
	require.Equal(t, DefaultTaskType, tpl.TaskType)

	require.Equal(t, "fix_bug", lib.Lookup("fix_bug").TaskType)
}

func TestLibrary_UserTemplatesShadowBuiltins(t *testing.T) {
	dir := t.TempDir()
	err := os.WriteFile(filepath.Join(dir, "develop_feature.yaml"), []byte(overrideTemplate), 0o644)
	require.NoError(t, err)

	lib, err := NewLibrary(dir, log.Discard())
	require.NoError(t, err)

	tpl := lib.Lookup("develop_feature")
	require.Len(t, tpl.Subtasks, 1)
	require.Equal(t, "Just Build It", tpl.Subtasks[0].Name)

	// Builtins without an override are untouched.
	require.Len(t, lib.Lookup("fix_bug").Subtasks, 4)
}

func TestLibrary_MissingUserDirIsFine(t *testing.T) {
	lib, err := NewLibrary(filepath.Join(t.TempDir(), "nope"), log.Discard())
	require.NoError(t, err)
	require.NotNil(t, lib.Lookup("develop_feature"))
}

func TestLibrary_MalformedUserTemplateFailsStartup(t *testing.T) {
	dir := t.TempDir()
	err := os.WriteFile(filepath.Join(dir, "broken.yaml"), []byte("task_type: [oops"), 0o644)
	require.NoError(t, err)

	_, err = NewLibrary(dir, log.Discard())
	require.Error(t, err)
	require.Contains(t, err.Error(), "broken.yaml")
}

func TestLibrary_ReloadDropsDeletedOverride(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "develop_feature.yaml")
	require.NoError(t, os.WriteFile(path, []byte(overrideTemplate), 0o644))

	lib, err := NewLibrary(dir, log.Discard())
	require.NoError(t, err)
	require.Len(t, lib.Lookup("develop_feature").Subtasks, 1)

	require.NoError(t, os.Remove(path))
	require.NoError(t, lib.Reload())

	// Builtin restored.
	require.Len(t, lib.Lookup("develop_feature").Subtasks, 4)
}

func TestLibrary_TemplatesMergesOverrides(t *testing.T) {
	dir := t.TempDir()
	custom := `
task_type: migrate_schema
description: Custom user rule
subtasks:
  - name: Write Migration
    type: code_generation
    priority: 5
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "migrate_schema.yaml"), []byte(custom), 0o644))

	lib, err := NewLibrary(dir, log.Discard())
	require.NoError(t, err)

	all := lib.Templates()
	byType := make(map[string]*Template, len(all))
	for _, tpl := range all {
		byType[tpl.TaskType] = tpl
	}
	require.Contains(t, byType, "migrate_schema")
	require.Contains(t, byType, "develop_feature")
	require.Contains(t, byType, DefaultTaskType)
}

func TestLibrary_WatchReloadsOnWrite(t *testing.T) {
	dir := t.TempDir()
	lib, err := NewLibrary(dir, log.Discard())
	require.NoError(t, err)
	require.Len(t, lib.Lookup("develop_feature").Subtasks, 4)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	require.NoError(t, lib.Watch(ctx))

	err = os.WriteFile(filepath.Join(dir, "develop_feature.yaml"), []byte(overrideTemplate), 0o644)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return len(lib.Lookup("develop_feature").Subtasks) == 1
	}, 3*time.Second, 50*time.Millisecond, "expected watcher to reload the override")
}

func TestIsTemplateEvent(t *testing.T) {
	tests := []struct {
		event fsnotify.Event
		want  bool
	}{
		{fsnotify.Event{Name: "rules/custom.yaml", Op: fsnotify.Write}, true},
		{fsnotify.Event{Name: "rules/custom.yaml", Op: fsnotify.Create}, true},
		{fsnotify.Event{Name: "rules/custom.yaml", Op: fsnotify.Remove}, true},
		{fsnotify.Event{Name: "rules/custom.yaml", Op: fsnotify.Rename}, true},
		{fsnotify.Event{Name: "rules/custom.yaml", Op: fsnotify.Chmod}, false},
		{fsnotify.Event{Name: "rules/notes.txt", Op: fsnotify.Write}, false},
		{fsnotify.Event{Name: "rules/custom.yml", Op: fsnotify.Write}, false},
	}

	for _, tt := range tests {
		require.Equal(t, tt.want, isTemplateEvent(tt.event), "%s %s", tt.event.Op, tt.event.Name)
	}
}

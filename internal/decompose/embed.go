package decompose

import (
	"embed"
	"fmt"
	"io/fs"
	"path"
)

//go:embed templates/*.yaml
var builtinFS embed.FS

// loadBuiltinTemplates parses every embedded template. A broken builtin
// is a programming error, so this is fatal at startup.
func loadBuiltinTemplates() (map[string]*Template, error) {
	return loadTemplatesFromFS(builtinFS, "templates")
}

func loadTemplatesFromFS(fsys fs.FS, dir string) (map[string]*Template, error) {
	entries, err := fs.ReadDir(fsys, dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read template dir: %w", err)
	}

	templates := make(map[string]*Template)
	for _, entry := range entries {
		if entry.IsDir() || path.Ext(entry.Name()) != ".yaml" {
			continue
		}
		raw, err := fs.ReadFile(fsys, path.Join(dir, entry.Name()))
		if err != nil {
			return nil, fmt.Errorf("failed to read template %s: %w", entry.Name(), err)
		}
		tpl, err := ParseTemplate(raw)
		if err != nil {
			return nil, fmt.Errorf("template %s: %w", entry.Name(), err)
		}
		templates[tpl.TaskType] = tpl
	}
	return templates, nil
}

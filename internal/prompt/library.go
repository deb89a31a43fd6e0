package prompt

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Library holds prompt templates keyed by reference name. It is built once
// before any run starts and is read-only afterwards, so it is safe to share
// across concurrent runs.
type Library struct {
	templates map[string]string
}

// NewLibrary builds a library from an in-memory template set.
func NewLibrary(templates map[string]string) *Library {
	copied := make(map[string]string, len(templates))
	for k, v := range templates {
		copied[k] = v
	}
	return &Library{templates: copied}
}

// LoadDir reads every *.tpl file in dir into a library. The reference name
// is the file name without its extension.
func LoadDir(dir string) (*Library, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read template dir %s: %w", dir, err)
	}
	templates := make(map[string]string)
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".tpl") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, entry.Name()))
		if err != nil {
			return nil, fmt.Errorf("read template %s: %w", entry.Name(), err)
		}
		name := strings.TrimSuffix(entry.Name(), ".tpl")
		templates[name] = string(data)
	}
	return &Library{templates: templates}, nil
}

// Get returns the template text for ref.
func (l *Library) Get(ref string) (string, bool) {
	t, ok := l.templates[ref]
	return t, ok
}

// Names lists the available template references.
func (l *Library) Names() []string {
	names := make([]string, 0, len(l.templates))
	for name := range l.templates {
		names = append(names, name)
	}
	return names
}

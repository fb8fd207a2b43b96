package templates

import (
	"os"
	"path/filepath"

	"github.com/agentregistry-dev/agentrun/internal/manifest"
)

// Validate checks that dir holds a usable template: the manifest exists, parses,
// and every file its entrypoints reference is present.
func Validate(dir string) (*manifest.Manifest, error) {
	mgr := manifest.NewManager(dir)
	if !mgr.Exists() {
		return nil, &ValidationError{Dir: dir, Missing: []string{manifest.FileName}}
	}

	m, err := mgr.Load()
	if err != nil {
		return nil, &ValidationError{Dir: dir, Err: err}
	}

	var missing []string
	for _, file := range m.ReferencedFiles() {
		info, err := os.Stat(filepath.Join(dir, filepath.FromSlash(file)))
		if err != nil || info.IsDir() {
			missing = append(missing, file)
		}
	}
	if len(missing) > 0 {
		return nil, &ValidationError{Dir: dir, Missing: missing}
	}
	return m, nil
}

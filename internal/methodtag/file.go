package methodtag

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// File is the on-disk tag list written by the instrumentation layer.
type File struct {
	Methods []FileEntry `yaml:"methods"`
}

// FileEntry is one method in a tag file.
type FileEntry struct {
	ID     int    `yaml:"id"`
	Class  string `yaml:"class"`
	Method string `yaml:"method"`
	Params string `yaml:"params,omitempty"`
}

// LoadFile reads a YAML tag file into a new Registry.
func LoadFile(path string) (*Registry, error) {
	// #nosec G304 -- path comes from the profiling configuration.
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read tag file: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML tag file contents into a new Registry.
func Parse(data []byte) (*Registry, error) {
	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse tag file: %w", err)
	}

	r := New()
	for _, m := range f.Methods {
		tag := Tag{ID: m.ID, ClassName: m.Class, MethodName: m.Method, ParamDesc: m.Params}
		if err := r.Register(tag); err != nil {
			return nil, err
		}
	}
	return r, nil
}

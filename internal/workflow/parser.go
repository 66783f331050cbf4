package workflow

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

func Parse(path string) (*Definition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read workflow file: %w", err)
	}

	var def Definition
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&def); err != nil {
		return nil, fmt.Errorf("failed to parse workflow YAML: %w", err)
	}
	def.Path = path

	// Use the file name when the workflow does not name itself
	if def.Name == "" {
		def.Name = strings.TrimSuffix(strings.TrimSuffix(filepath.Base(path), ".yaml"), ".yml")
	}

	if err := Validate(&def); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}

	return &def, nil
}

// LoadAll reads every workflow in dirs. Earlier directories take precedence,
// so a project workflow shadows a user workflow of the same name.
func LoadAll(dirs []string) (*Registry, error) {
	byName := make(map[string]*Definition)
	var ordered []*Definition

	for _, dir := range dirs {
		defs, err := loadFromDir(dir)
		if err != nil {
			// Skip directories that don't exist
			if os.IsNotExist(err) {
				continue
			}
			return nil, err
		}
		for _, def := range defs {
			if _, seen := byName[def.Name]; seen {
				continue
			}
			byName[def.Name] = def
			ordered = append(ordered, def)
		}
	}

	return NewRegistry(ordered...)
}

func loadFromDir(dir string) ([]*Definition, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}

	var defs []*Definition
	names := make(map[string]string)
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}

		name := entry.Name()
		if !strings.HasSuffix(name, ".yaml") && !strings.HasSuffix(name, ".yml") {
			continue
		}

		path := filepath.Join(dir, name)
		def, err := Parse(path)
		if err != nil {
			return nil, err
		}
		if other, dup := names[def.Name]; dup {
			return nil, fmt.Errorf("workflow %q defined in both %s and %s", def.Name, other, path)
		}
		names[def.Name] = path
		defs = append(defs, def)
	}

	return defs, nil
}

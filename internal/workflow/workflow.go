// Package workflow loads the closed set of named workflow configurations the
// engine can admit. Each file in a workflow directory declares one workflow
// of a known kind; anything else is rejected at load time.
package workflow

import (
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

type Kind string

const (
	// KindPrompt runs the assistant headless with an opaque prompt.
	KindPrompt Kind = "prompt"
	// KindCommand passes Args verbatim to the resolved assistant binary.
	KindCommand Kind = "command"
)

type Definition struct {
	Name        string            `yaml:"name"`
	Kind        Kind              `yaml:"kind"`
	Description string            `yaml:"description"`
	SourceRepo  string            `yaml:"source_repo"`
	Branch      string            `yaml:"branch"`
	Persistent  bool              `yaml:"persistent"`
	Prompt      string            `yaml:"prompt"`
	Args        []string          `yaml:"args"`
	Model       string            `yaml:"model"`
	MaxTurns    int               `yaml:"max_turns"`
	MaxDuration Duration          `yaml:"max_duration"`
	Env         map[string]string `yaml:"env"`

	// Path is the file the definition was loaded from.
	Path string `yaml:"-"`
}

// Duration accepts Go duration strings ("90m") or integer seconds.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("line %d: duration must be a scalar", value.Line)
	}
	if secs, err := strconv.Atoi(value.Value); err == nil {
		*d = Duration(time.Duration(secs) * time.Second)
		return nil
	}
	parsed, err := time.ParseDuration(value.Value)
	if err != nil {
		return fmt.Errorf("line %d: invalid duration %q", value.Line, value.Value)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) Std() time.Duration { return time.Duration(d) }

var (
	namePattern   = regexp.MustCompile(`^[a-z0-9][a-z0-9_-]*$`)
	envKeyPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)
)

func Validate(def *Definition) error {
	if def.Name == "" {
		return fmt.Errorf("workflow must have a name")
	}
	if !namePattern.MatchString(def.Name) {
		return fmt.Errorf("workflow name %q must match %s", def.Name, namePattern)
	}

	switch def.Kind {
	case KindPrompt:
		if def.Prompt == "" {
			return fmt.Errorf("workflow %q: kind prompt requires a prompt", def.Name)
		}
		if len(def.Args) > 0 {
			return fmt.Errorf("workflow %q: kind prompt does not accept args", def.Name)
		}
	case KindCommand:
		if len(def.Args) == 0 {
			return fmt.Errorf("workflow %q: kind command requires args", def.Name)
		}
		if def.Prompt != "" {
			return fmt.Errorf("workflow %q: kind command does not accept a prompt", def.Name)
		}
	case "":
		return fmt.Errorf("workflow %q must declare a kind (%s or %s)", def.Name, KindPrompt, KindCommand)
	default:
		return fmt.Errorf("workflow %q: unknown kind %q", def.Name, def.Kind)
	}

	if def.MaxTurns < 0 {
		return fmt.Errorf("workflow %q: max_turns must not be negative", def.Name)
	}
	if def.MaxDuration < 0 {
		return fmt.Errorf("workflow %q: max_duration must not be negative", def.Name)
	}
	for key := range def.Env {
		if !envKeyPattern.MatchString(key) {
			return fmt.Errorf("workflow %q: invalid env key %q", def.Name, key)
		}
	}

	return nil
}

// CommandArgs builds the assistant argument list for one run of def.
func (def *Definition) CommandArgs() []string {
	if def.Kind == KindCommand {
		return append([]string(nil), def.Args...)
	}

	args := []string{
		"-p", def.Prompt,
		"--output-format", "stream-json",
		"--verbose",
		"--dangerously-skip-permissions",
	}
	if def.MaxTurns > 0 {
		args = append(args, "--max-turns", strconv.Itoa(def.MaxTurns))
	}
	if def.Model != "" {
		args = append(args, "--model", def.Model)
	}
	return args
}

// Environ returns the workflow's extra environment as sorted KEY=value pairs.
func (def *Definition) Environ() []string {
	env := make([]string, 0, len(def.Env))
	for k, v := range def.Env {
		env = append(env, k+"="+v)
	}
	sort.Strings(env)
	return env
}

// Registry is the immutable set of workflows loaded at startup.
type Registry struct {
	defs map[string]*Definition
}

func NewRegistry(defs ...*Definition) (*Registry, error) {
	r := &Registry{defs: make(map[string]*Definition, len(defs))}
	for _, def := range defs {
		if err := Validate(def); err != nil {
			return nil, err
		}
		if _, dup := r.defs[def.Name]; dup {
			return nil, fmt.Errorf("workflow %q defined twice", def.Name)
		}
		r.defs[def.Name] = def
	}
	return r, nil
}

func (r *Registry) Get(name string) (*Definition, bool) {
	def, ok := r.defs[name]
	return def, ok
}

func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.defs))
	for name := range r.defs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

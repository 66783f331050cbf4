package workflow

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeWorkflow(t *testing.T, dir, name, body string) string {
	t.Helper()
	require.NoError(t, os.MkdirAll(dir, 0755))
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0644))
	return path
}

func TestParsePromptWorkflow(t *testing.T) {
	dir := t.TempDir()
	path := writeWorkflow(t, dir, "build.yaml", `
kind: prompt
description: Build and fix
source_repo: /src/app
branch: main
prompt: "Fix the failing build."
max_turns: 25
max_duration: 90m
model: sonnet
env:
  CI: "1"
`)

	def, err := Parse(path)
	require.NoError(t, err)

	assert.Equal(t, "build", def.Name, "name falls back to file name")
	assert.Equal(t, KindPrompt, def.Kind)
	assert.Equal(t, 90*time.Minute, def.MaxDuration.Std())
	assert.Equal(t, []string{
		"-p", "Fix the failing build.",
		"--output-format", "stream-json",
		"--verbose",
		"--dangerously-skip-permissions",
		"--max-turns", "25",
		"--model", "sonnet",
	}, def.CommandArgs())
	assert.Equal(t, []string{"CI=1"}, def.Environ())
}

func TestParseCommandWorkflowSecondsDuration(t *testing.T) {
	path := writeWorkflow(t, t.TempDir(), "nightly.yml", `
name: nightly
kind: command
args: ["--resume-off", "-p", "run nightly"]
max_duration: 600
`)

	def, err := Parse(path)
	require.NoError(t, err)
	assert.Equal(t, 10*time.Minute, def.MaxDuration.Std())
	assert.Equal(t, []string{"--resume-off", "-p", "run nightly"}, def.CommandArgs())
}

func TestValidateRejections(t *testing.T) {
	cases := map[string]string{
		"unknown kind":     "name: x\nkind: shell\nprompt: hi\n",
		"missing kind":     "name: x\nprompt: hi\n",
		"prompt with args": "name: x\nkind: prompt\nprompt: hi\nargs: [a]\n",
		"command no args":  "name: x\nkind: command\n",
		"bad name":         "name: Build Job\nkind: prompt\nprompt: hi\n",
		"bad env key":      "name: x\nkind: prompt\nprompt: hi\nenv:\n  \"A-B\": c\n",
		"unknown field":    "name: x\nkind: prompt\nprompt: hi\ntemplate: t\n",
		"negative turns":   "name: x\nkind: prompt\nprompt: hi\nmax_turns: -1\n",
		"invalid duration": "name: x\nkind: prompt\nprompt: hi\nmax_duration: later\n",
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			path := writeWorkflow(t, t.TempDir(), "x.yaml", body)
			_, err := Parse(path)
			assert.Error(t, err)
		})
	}
}

func TestLoadAllProjectShadowsUser(t *testing.T) {
	root := t.TempDir()
	project := filepath.Join(root, "project")
	user := filepath.Join(root, "user")

	writeWorkflow(t, project, "build.yaml", "kind: prompt\nprompt: project build\n")
	writeWorkflow(t, user, "build.yaml", "kind: prompt\nprompt: user build\n")
	writeWorkflow(t, user, "lint.yaml", "kind: prompt\nprompt: lint\n")
	writeWorkflow(t, user, "README.md", "not a workflow")

	reg, err := LoadAll([]string{project, user, filepath.Join(root, "missing")})
	require.NoError(t, err)

	assert.Equal(t, []string{"build", "lint"}, reg.Names())
	build, ok := reg.Get("build")
	require.True(t, ok)
	assert.Equal(t, "project build", build.Prompt)

	_, ok = reg.Get("deploy")
	assert.False(t, ok)
}

func TestLoadAllRejectsDuplicateNamesInOneDir(t *testing.T) {
	dir := t.TempDir()
	writeWorkflow(t, dir, "a.yaml", "name: build\nkind: prompt\nprompt: a\n")
	writeWorkflow(t, dir, "b.yaml", "name: build\nkind: prompt\nprompt: b\n")

	_, err := LoadAll([]string{dir})
	assert.ErrorContains(t, err, "defined in both")
}

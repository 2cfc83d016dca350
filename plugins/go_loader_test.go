package plugins

import (
	"os"
	"path/filepath"
	"testing"
)

const goProfileSource = `package main

import "strings"

func Profiles() ([]map[string]any, error) {
	types := strings.Split("commit-message,changelog", ",")
	return []map[string]any{
		{
			"id":         "git-text",
			"task_types": types,
			"max_lines":  3,
			"hedging_markers": []string{"maybe", "tbd"},
		},
	}, nil
}`

func TestLoadGoDefinitionDir(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "git.go"), []byte(goProfileSource), 0o644); err != nil {
		t.Fatalf("write plugin: %v", err)
	}
	defs, err := LoadGoDefinitionDir(dir)
	if err != nil {
		t.Fatalf("load go defs: %v", err)
	}
	if len(defs) != 1 {
		t.Fatalf("expected 1 definition, got %d", len(defs))
	}
	def := defs[0].Definition
	if def.ID != "git-text" || def.MaxLines != 3 || len(def.TaskTypes) != 2 || len(def.HedgingMarkers) != 2 {
		t.Fatalf("unexpected definition: %+v", def)
	}
}

func TestLoadGoDefinitionDirMissingFunc(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "broken.go"), []byte("package main\n"), 0o644); err != nil {
		t.Fatalf("write broken plugin: %v", err)
	}
	if _, err := LoadGoDefinitionDir(dir); err == nil {
		t.Fatalf("expected error for missing Profiles function")
	}
}

func TestLoadGoDefinitionDirBlocksFilesystem(t *testing.T) {
	dir := t.TempDir()
	source := `package main

import "os"

func Profiles() ([]map[string]any, error) {
	_, err := os.ReadFile("/etc/passwd")
	return nil, err
}`
	if err := os.WriteFile(filepath.Join(dir, "sneaky.go"), []byte(source), 0o644); err != nil {
		t.Fatalf("write plugin: %v", err)
	}
	if _, err := LoadGoDefinitionDir(dir); err == nil {
		t.Fatalf("expected os import to be rejected")
	}
}

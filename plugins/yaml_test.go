package plugins

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

const sqlProfileYAML = `id: sql
task_types: [sql-query]
max_chars: 400
structured: true
schema:
  strict: true
  fields:
    - name: query
      type: string
      required: true
    - name: dialect
      one_of: [postgres, sqlite]
`

func TestParseDefinitionYAML(t *testing.T) {
	def, err := ParseDefinitionYAML([]byte(sqlProfileYAML))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if def.ID != "sql" || def.MaxChars != 400 || def.Schema == nil || len(def.Schema.Fields) != 2 || !def.Schema.Strict {
		t.Fatalf("unexpected definition %+v", def)
	}
}

func TestParseDefinitionYAMLRejectsUnknownKeys(t *testing.T) {
	if _, err := ParseDefinitionYAML([]byte("id: x\nmax_char: 10\n")); err == nil {
		t.Fatalf("expected unknown key error")
	}
	if _, err := ParseDefinitionYAML([]byte("   \n")); err == nil {
		t.Fatalf("expected empty payload error")
	}
}

func TestLoadDefinitionDirReportsEveryBrokenFile(t *testing.T) {
	dir := t.TempDir()
	files := map[string]string{
		"a.yaml":    sqlProfileYAML,
		"b.yml":     "max_chars: 10\n",
		"c.yaml":    "id: c\nmax_lines: -2\n",
		"notes.txt": "ignored",
	}
	for name, body := range files {
		if err := os.WriteFile(filepath.Join(dir, name), []byte(body), 0o644); err != nil {
			t.Fatalf("write %s: %v", name, err)
		}
	}
	defs, err := LoadDefinitionDir(dir)
	if err == nil {
		t.Fatalf("expected errors")
	}
	if !strings.Contains(err.Error(), "b.yml") || !strings.Contains(err.Error(), "c.yaml") {
		t.Fatalf("expected both broken files in %v", err)
	}
	if len(defs) != 1 || defs[0].Definition.ID != "sql" {
		t.Fatalf("expected the valid profile to load, got %+v", defs)
	}
}

func TestLoadDefinitionDirMissing(t *testing.T) {
	defs, err := LoadDefinitionDir(filepath.Join(t.TempDir(), "absent"))
	if err != nil || len(defs) != 0 {
		t.Fatalf("missing dir should mean no plugins, got %v %v", defs, err)
	}
}

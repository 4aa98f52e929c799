package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/tinygo-org/markcompact/heapfile"
)

const snapshot = `
types:
- name: Node
  fields:
  - {name: next, ref: true}
  - {name: value}
objects:
- {id: junk, type: Node, fields: {value: 5}}
- {id: a, type: Node, hash: 3, fields: {next: b, value: 1}}
- {id: b, type: Node, fields: {next: a, value: 2}}
roots:
  strong:
  - {name: main, ref: a}
`

func writeFile(t *testing.T, name, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(contents), 0o666); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestCollect(t *testing.T) {
	path := writeFile(t, "heap.yaml", snapshot)
	cfg := writeFile(t, "config.yaml", "collector:\n  workers: 2\n  verify: true\n")
	dot := filepath.Join(t.TempDir(), "heap.dot")
	t.Setenv(flagsEnv, "-v")

	var stdout, stderr bytes.Buffer
	if status := run([]string{"collect", "-config", cfg, "-w", "-dot", dot, path}, &stdout, &stderr); status != 0 {
		t.Fatalf("collect exited with %d:\n%s", status, stderr.String())
	}
	out := stdout.String()
	for _, want := range []string{"gc #1:", "Phase 1: Mark live objects", "graph preserved", "2 reachable objects", "cycles: 1"} {
		if !strings.Contains(out, want) {
			t.Errorf("output does not contain %q:\n%s", want, out)
		}
	}

	f, err := heapfile.Read(path)
	if err != nil {
		t.Fatal(err)
	}
	if len(f.Objects) != 2 {
		t.Errorf("written snapshot has %d objects, want 2", len(f.Objects))
	}
	data, err := os.ReadFile(dot)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(data), "digraph") {
		t.Errorf("dot file does not contain a graph:\n%s", data)
	}
}

func TestCollectErrors(t *testing.T) {
	for _, tc := range []struct {
		name string
		args []string
		want string
	}{
		{"no file", []string{"collect"}, "usage: markcompact collect"},
		{"missing file", []string{"collect", filepath.Join(t.TempDir(), "none.yaml")}, "none.yaml"},
		{"bad snapshot", []string{"collect", writeFile(t, "bad.yaml", "objects:\n- {id: a, type: Missing}\n")}, "Missing"},
	} {
		var stdout, stderr bytes.Buffer
		if status := run(tc.args, &stdout, &stderr); status != 1 {
			t.Errorf("%s: exit status %d, want 1", tc.name, status)
		}
		if !strings.Contains(stderr.String(), tc.want) {
			t.Errorf("%s: error output does not contain %q:\n%s", tc.name, tc.want, stderr.String())
		}
	}
}

func TestSlice(t *testing.T) {
	var stdout, stderr bytes.Buffer
	if status := run([]string{"slice", "-stride", "16", "1000"}, &stdout, &stderr); status != 0 {
		t.Fatalf("slice exited with %d:\n%s", status, stderr.String())
	}
	out := stdout.String()
	if !strings.Contains(out, "push  chunk 1 pow 9 [0, 512)") {
		t.Errorf("plan does not start with the first half:\n%s", out)
	}
	if !strings.Contains(out, "cover [0, 1000)") {
		t.Errorf("plan does not cover the array:\n%s", out)
	}

	stdout.Reset()
	if status := run([]string{"slice", "-stride", "16", "20"}, &stdout, &stderr); status != 0 {
		t.Fatalf("slice exited with %d", status)
	}
	if !strings.Contains(stdout.String(), "scanned directly") {
		t.Errorf("small array is sliced:\n%s", stdout.String())
	}

	stderr.Reset()
	if status := run([]string{"slice", "x"}, &stdout, &stderr); status != 1 || !strings.Contains(stderr.String(), `invalid length "x"`) {
		t.Errorf("slice x: status %d, output:\n%s", status, stderr.String())
	}
}

func TestVersion(t *testing.T) {
	var stdout, stderr bytes.Buffer
	if status := run([]string{"version"}, &stdout, &stderr); status != 0 || !strings.Contains(stdout.String(), version) {
		t.Errorf("version: status %d, output %q", status, stdout.String())
	}
	if status := run([]string{"frobnicate"}, &stdout, &stderr); status != 1 {
		t.Errorf("unknown command exited with %d", status)
	}
}

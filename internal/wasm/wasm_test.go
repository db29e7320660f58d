package wasm

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"
)

// fakeGo writes a stand-in for the go tool that records its environment in
// the -o file, or fails when the package contains a file named "broken".
func fakeGo(t *testing.T) string {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("fake go tool is a shell script")
	}
	script := `#!/bin/sh
if [ -f broken ]; then
  echo "./main.go:3:1: syntax error" >&2
  exit 1
fi
out=""
while [ $# -gt 0 ]; do
  if [ "$1" = "-o" ]; then out="$2"; fi
  shift
done
printf "%s/%s" "$GOOS" "$GOARCH" > "$out"
`
	path := filepath.Join(t.TempDir(), "go")
	if err := os.WriteFile(path, []byte(script), 0755); err != nil {
		t.Fatal(err)
	}
	return path
}

func newTestBuilder(t *testing.T) (*Builder, string) {
	t.Helper()
	root := t.TempDir()
	pkg := filepath.Join(root, "cmd", "app")
	if err := os.MkdirAll(pkg, 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(pkg, "main.go"), []byte("package main\n"), 0644); err != nil {
		t.Fatal(err)
	}
	b := New(pkg, filepath.Join(root, "wasm", "main.wasm"), "-s -w", slog.New(slog.NewTextHandler(io.Discard, nil)))
	b.GoBin = fakeGo(t)
	return b, pkg
}

func TestBuild(t *testing.T) {
	b, _ := newTestBuilder(t)

	if err := b.Build(context.Background()); err != nil {
		t.Fatalf("Build() error = %v", err)
	}
	data, err := os.ReadFile(b.Output)
	if err != nil {
		t.Fatalf("artifact not written: %v", err)
	}
	if string(data) != "js/wasm" {
		t.Errorf("build ran with %q, want GOOS=js GOARCH=wasm", data)
	}
	if _, err := os.Stat(b.Output + ".tmp"); !os.IsNotExist(err) {
		t.Error("temporary artifact left behind")
	}
}

func TestBuildFailureKeepsPreviousArtifact(t *testing.T) {
	b, pkg := newTestBuilder(t)
	if err := b.Build(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(pkg, "broken"), nil, 0644); err != nil {
		t.Fatal(err)
	}

	err := b.Build(context.Background())
	var buildErr *BuildError
	if !errors.As(err, &buildErr) {
		t.Fatalf("Build() error = %v, want *BuildError", err)
	}
	if !strings.Contains(buildErr.Output, "syntax error") {
		t.Errorf("Output = %q, want compiler output", buildErr.Output)
	}
	if data, _ := os.ReadFile(b.Output); string(data) != "js/wasm" {
		t.Error("failed build replaced the previous artifact")
	}
}

func TestNeedsBuild(t *testing.T) {
	b, pkg := newTestBuilder(t)

	if !b.NeedsBuild() {
		t.Error("missing artifact should need a build")
	}
	built, err := b.EnsureBuilt(context.Background())
	if err != nil || !built {
		t.Fatalf("EnsureBuilt() = %v, %v", built, err)
	}

	old := time.Now().Add(-time.Hour)
	if err := os.Chtimes(filepath.Join(pkg, "main.go"), old, old); err != nil {
		t.Fatal(err)
	}
	if b.NeedsBuild() {
		t.Error("artifact newer than sources should not need a build")
	}
	if built, _ := b.EnsureBuilt(context.Background()); built {
		t.Error("EnsureBuilt() rebuilt an up-to-date artifact")
	}

	future := time.Now().Add(time.Hour)
	if err := os.Chtimes(filepath.Join(pkg, "main.go"), future, future); err != nil {
		t.Fatal(err)
	}
	if !b.NeedsBuild() {
		t.Error("changed source should need a build")
	}
}

func TestNeedsBuildIgnoresNonSourceFiles(t *testing.T) {
	b, pkg := newTestBuilder(t)
	b.Output = filepath.Join(pkg, "main.wasm")
	if _, err := b.EnsureBuilt(context.Background()); err != nil {
		t.Fatal(err)
	}

	old := time.Now().Add(-time.Hour)
	if err := os.Chtimes(filepath.Join(pkg, "main.go"), old, old); err != nil {
		t.Fatal(err)
	}

	future := time.Now().Add(time.Hour)
	for _, name := range []string{"README.md", "wasm_exec.js", "main.wasm.tmp"} {
		path := filepath.Join(pkg, name)
		if err := os.WriteFile(path, []byte("x"), 0644); err != nil {
			t.Fatal(err)
		}
		if err := os.Chtimes(path, future, future); err != nil {
			t.Fatal(err)
		}
	}
	if b.NeedsBuild() {
		t.Error("newer non-Go files should not need a build")
	}

	if err := os.Chtimes(filepath.Join(pkg, "main.go"), future, future); err != nil {
		t.Fatal(err)
	}
	if !b.NeedsBuild() {
		t.Error("newer main.go should need a build")
	}
}

func TestIsSource(t *testing.T) {
	b := New("/p/cmd/app", "/p/wasm/main.wasm", "", nil)
	tests := map[string]bool{
		"/p/cmd/app/main.go":      true,
		"/p/cmd/app/sub/util.go":  true,
		"/p/cmd/app/go.mod":       true,
		"/p/cmd/app/README.md":    false,
		"/p/cmd/other/main.go":    false,
		"/p/wasm/main.wasm":       false,
		"/p/cmd/application/x.go": false,
	}
	for name, want := range tests {
		if got := b.IsSource(name); got != want {
			t.Errorf("IsSource(%q) = %v, want %v", name, got, want)
		}
	}
}

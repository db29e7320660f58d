package main

import (
	"context"
	"io"
	"log/slog"
	"net/http/httptest"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/Kush-Singh-26/devserve/internal/bundler"
	"github.com/Kush-Singh-26/devserve/internal/config"
	"github.com/Kush-Singh-26/devserve/internal/metrics"
	"github.com/Kush-Singh-26/devserve/internal/wasm"
	"github.com/Kush-Singh-26/devserve/internal/watch"
)

// fakeGo writes a stand-in for the go tool that writes GOOS/GOARCH to the
// -o file, or fails when the package contains a file named "broken".
func fakeGo(t *testing.T) string {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("fake go tool is a shell script")
	}
	script := `#!/bin/sh
if [ -f broken ]; then
  echo "./main.go:1:1: syntax error" >&2
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

type watchFixture struct {
	cfg    *config.Config
	b      *bundler.Bundler
	wb     *wasm.Builder
	logger *slog.Logger
	builds chan string
	js     string
	goSrc  string
	output string
}

func newWatchFixture(t *testing.T) *watchFixture {
	t.Helper()
	root := t.TempDir()
	files := map[string]string{
		"web/src/index.js":   "console.log(\"v1\");\n",
		"web/index.html":     "<html><body></body></html>",
		"wasm/app/main.go":   "package main\n",
		"wasm/app/README.md": "docs\n",
	}
	for name, content := range files {
		path := filepath.Join(root, filepath.FromSlash(name))
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(path, []byte(content), 0644); err != nil {
			t.Fatal(err)
		}
	}

	f := &watchFixture{
		logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
		builds: make(chan string, 16),
		js:     filepath.Join(root, "web", "src", "index.js"),
		goSrc:  filepath.Join(root, "wasm", "app", "main.go"),
		output: filepath.Join(root, "wasm", "app", "main.wasm"),
	}
	f.cfg = &config.Config{
		Debounce: 100 * time.Millisecond,
		StaticRoutes: []config.StaticRoute{
			{Path: "/main.wasm", File: f.output},
		},
		Bundle: config.BundleConfig{
			SourceDir:   filepath.Join(root, "web"),
			EntryPoints: []string{"src/index.js"},
			PublicPath:  "/",
		},
		Wasm: config.WasmConfig{Package: filepath.Join(root, "wasm", "app"), Output: f.output},
	}

	opts := bundlerOptions(f.cfg, "", io.Discard, nil, f.logger)
	report := opts.OnBuild
	opts.OnBuild = func(m *metrics.RebuildMetrics, messages []string) {
		report(m, messages)
		f.builds <- m.Trigger
	}
	b, err := bundler.New(opts, f.logger)
	if err != nil {
		t.Fatal(err)
	}
	if err := b.Rebuild(context.Background(), "startup"); err != nil {
		t.Fatalf("initial Rebuild() error = %v", err)
	}
	<-f.builds
	f.b = b

	f.wb = wasm.New(f.cfg.Wasm.Package, f.output, "", f.logger)
	f.wb.GoBin = fakeGo(t)
	return f
}

func (f *watchFixture) bundle(t *testing.T) string {
	t.Helper()
	rec := httptest.NewRecorder()
	f.b.ServeHTTP(rec, httptest.NewRequest("GET", "/index.js", nil))
	if rec.Code != 200 {
		t.Fatalf("GET /index.js = %d", rec.Code)
	}
	return rec.Body.String()
}

func (f *watchFixture) write(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
}

func TestApplyChanges(t *testing.T) {
	tests := []struct {
		name       string
		goChanged  bool
		jsChanged  bool
		brokenWasm bool
		wantWasm   bool
		wantBundle bool
	}{
		{name: "go and js in one batch", goChanged: true, jsChanged: true, wantWasm: true, wantBundle: true},
		{name: "go only", goChanged: true, wantWasm: true},
		{name: "js only", jsChanged: true, wantBundle: true},
		{name: "failed wasm build still rebuilds bundle", goChanged: true, jsChanged: true, brokenWasm: true, wantBundle: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newWatchFixture(t)
			if tt.brokenWasm {
				f.write(t, filepath.Join(f.cfg.Wasm.Package, "broken"), "")
			}

			var events []watch.Event
			if tt.goChanged {
				f.write(t, f.goSrc, "package main // v2\n")
				events = append(events, watch.Event{Name: f.goSrc})
			}
			if tt.jsChanged {
				f.write(t, f.js, "console.log(\"v2\");\n")
				events = append(events, watch.Event{Name: f.js})
			}
			applyChanges(context.Background(), f.cfg, events, f.b, f.wb, nil, f.logger)

			_, err := os.Stat(f.output)
			if gotWasm := err == nil; gotWasm != tt.wantWasm {
				t.Errorf("wasm artifact built = %v, want %v", gotWasm, tt.wantWasm)
			}
			if gotBundle := strings.Contains(f.bundle(t), "v2"); gotBundle != tt.wantBundle {
				t.Errorf("bundle rebuilt = %v, want %v", gotBundle, tt.wantBundle)
			}
		})
	}
}

func TestApplyChangesIgnoresOtherFiles(t *testing.T) {
	f := newWatchFixture(t)
	readme := filepath.Join(f.cfg.Wasm.Package, "README.md")
	f.write(t, readme, "more docs\n")

	applyChanges(context.Background(), f.cfg, []watch.Event{{Name: readme}}, f.b, f.wb, nil, f.logger)

	if _, err := os.Stat(f.output); err == nil {
		t.Error("README change compiled the wasm package")
	}
	select {
	case trigger := <-f.builds:
		t.Errorf("README change rebuilt the bundle (trigger %q)", trigger)
	default:
	}
}

func TestStartWatcherHandlesMixedBurst(t *testing.T) {
	f := newWatchFixture(t)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		startWatcher(ctx, f.cfg, f.b, f.wb, nil, f.logger)
	}()
	defer func() {
		cancel()
		<-done
	}()
	// Give the watcher time to register the directories.
	time.Sleep(200 * time.Millisecond)

	f.write(t, f.goSrc, "package main // v2\n")
	time.Sleep(20 * time.Millisecond)
	f.write(t, f.js, "console.log(\"v2\");\n")

	select {
	case trigger := <-f.builds:
		if !strings.HasPrefix(trigger, "src/index.js") {
			t.Errorf("rebuild trigger = %q, want src/index.js", trigger)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("bundle was not rebuilt")
	}

	data, err := os.ReadFile(f.output)
	if err != nil {
		t.Fatalf("wasm artifact not built: %v", err)
	}
	if string(data) != "js/wasm" {
		t.Errorf("wasm artifact = %q, want js/wasm", data)
	}
	if !strings.Contains(f.bundle(t), "v2") {
		t.Error("bundle still serves the old source")
	}
}

func TestTrigger(t *testing.T) {
	if got := trigger([]string{"src/a.js"}); got != "src/a.js" {
		t.Errorf("trigger(one) = %q", got)
	}
	if got := trigger([]string{"src/a.js", "src/b.js", "index.html"}); got != "src/a.js (+2 more)" {
		t.Errorf("trigger(three) = %q", got)
	}
}

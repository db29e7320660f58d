package main

import (
	"bytes"
	"context"
	"io"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/Kush-Singh-26/devserve/internal/config"
	"github.com/Kush-Singh-26/devserve/internal/server"
)

// changeToTempDir changes to a temp directory and returns a cleanup function
func changeToTempDir(t *testing.T) (string, func()) {
	t.Helper()
	tmpDir := t.TempDir()
	originalDir, err := os.Getwd()
	if err != nil {
		t.Fatalf("Failed to get current directory: %v", err)
	}
	if err := os.Chdir(tmpDir); err != nil {
		t.Fatalf("Failed to change directory: %v", err)
	}
	return tmpDir, func() {
		if err := os.Chdir(originalDir); err != nil {
			t.Errorf("Failed to restore original directory: %v", err)
		}
	}
}

func writeProject(t *testing.T, dir string) {
	t.Helper()
	files := map[string]string{
		"web/src/index.js":          "console.log(\"app\");\n",
		"web/index.html":            "<html><body><script src=\"/index.js\"></script></body></html>",
		"wasm/bundlemain/main.wasm": "\x00asm\x01\x00\x00\x00",
	}
	for name, content := range files {
		path := filepath.Join(dir, filepath.FromSlash(name))
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(path, []byte(content), 0644); err != nil {
			t.Fatal(err)
		}
	}
}

func TestHelpAndUnknownCommand(t *testing.T) {
	var out bytes.Buffer
	if code := run(context.Background(), []string{"help"}, &out); code != 0 {
		t.Errorf("help exit code = %d", code)
	}
	if !strings.Contains(out.String(), "Usage: devserve") {
		t.Errorf("help output = %q", out.String())
	}

	out.Reset()
	if code := run(context.Background(), []string{"frobnicate"}, &out); code != 1 {
		t.Errorf("unknown command exit code = %d, want 1", code)
	}
	if !strings.Contains(out.String(), "Unknown command: frobnicate") {
		t.Errorf("output = %q", out.String())
	}
}

func TestServeInvalidConfig(t *testing.T) {
	_, cleanup := changeToTempDir(t)
	defer cleanup()

	var out bytes.Buffer
	if code := run(context.Background(), []string{"serve", "-port", "70000"}, &out); code != 1 {
		t.Errorf("exit code = %d, want 1", code)
	}
	if !strings.Contains(out.String(), "Invalid configuration") {
		t.Errorf("output = %q", out.String())
	}
}

func TestServeDuplicateRoute(t *testing.T) {
	dir, cleanup := changeToTempDir(t)
	defer cleanup()
	writeProject(t, dir)

	var out bytes.Buffer
	args := []string{"-host", "127.0.0.1", "-port", "0", "-route", "/main.wasm=a.wasm", "-route", "/main.wasm=b.wasm"}
	if code := run(context.Background(), args, &out); code != 1 {
		t.Errorf("exit code = %d, want 1", code)
	}
	if !strings.Contains(out.String(), "/main.wasm") {
		t.Errorf("output should name the duplicated path: %q", out.String())
	}
}

func TestServeRouteFlagReplacesDefault(t *testing.T) {
	dir, cleanup := changeToTempDir(t)
	defer cleanup()
	writeProject(t, dir)
	if err := os.MkdirAll(filepath.Join(dir, "build"), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "build", "main.wasm"), []byte("\x00asm rebuilt"), 0644); err != nil {
		t.Fatal(err)
	}

	ready := make(chan *server.Server, 1)
	readyHook = func(s *server.Server) { ready <- s }
	defer func() { readyHook = nil }()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var out bytes.Buffer
	code := make(chan int, 1)
	go func() {
		code <- run(ctx, []string{"-host", "127.0.0.1", "-port", "0", "-no-reload", "-route", "/main.wasm=build/main.wasm"}, &out)
	}()

	var srv *server.Server
	select {
	case srv = <-ready:
	case c := <-code:
		t.Fatalf("serve exited early with %d:\n%s", c, out.String())
	case <-time.After(10 * time.Second):
		t.Fatal("server did not start")
	}

	resp, err := http.Get(srv.URL() + "/main.wasm")
	if err != nil {
		t.Fatal(err)
	}
	body, _ := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	if string(body) != "\x00asm rebuilt" {
		t.Errorf("GET /main.wasm = %q, want the -route target", body)
	}

	cancel()
	select {
	case c := <-code:
		if c != 0 {
			t.Errorf("exit code = %d, want 0", c)
		}
	case <-time.After(15 * time.Second):
		t.Fatal("serve did not shut down")
	}
}

func TestServePortInUse(t *testing.T) {
	dir, cleanup := changeToTempDir(t)
	defer cleanup()
	writeProject(t, dir)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = ln.Close() }()
	port := strconv.Itoa(ln.Addr().(*net.TCPAddr).Port)

	var out bytes.Buffer
	if code := run(context.Background(), []string{"serve", "-host", "127.0.0.1", "-port", port}, &out); code != 1 {
		t.Errorf("exit code = %d, want 1", code)
	}
	if !strings.Contains(out.String(), "Cannot listen") {
		t.Errorf("output = %q", out.String())
	}
}

func TestServeLifecycle(t *testing.T) {
	dir, cleanup := changeToTempDir(t)
	defer cleanup()
	writeProject(t, dir)

	ready := make(chan *server.Server, 1)
	readyHook = func(s *server.Server) { ready <- s }
	defer func() { readyHook = nil }()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var out bytes.Buffer
	code := make(chan int, 1)
	go func() {
		code <- run(ctx, []string{"-host", "127.0.0.1", "-port", "0", "-no-reload"}, &out)
	}()

	var srv *server.Server
	select {
	case srv = <-ready:
	case c := <-code:
		t.Fatalf("serve exited early with %d", c)
	case <-time.After(10 * time.Second):
		t.Fatal("server did not start")
	}

	resp, err := http.Get(srv.URL() + "/main.wasm")
	if err != nil {
		t.Fatal(err)
	}
	body, _ := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	if string(body) != "\x00asm\x01\x00\x00\x00" {
		t.Errorf("GET /main.wasm = %q", body)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "application/wasm" {
		t.Errorf("Content-Type = %q", ct)
	}

	resp, err = http.Get(srv.URL() + "/index.js")
	if err != nil {
		t.Fatal(err)
	}
	body, _ = io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusOK || !strings.Contains(string(body), `"app"`) {
		t.Errorf("GET /index.js = %d %q", resp.StatusCode, body)
	}

	cancel()
	select {
	case c := <-code:
		if c != 0 {
			t.Errorf("exit code = %d, want 0", c)
		}
	case <-time.After(15 * time.Second):
		t.Fatal("serve did not shut down")
	}
	if srv.State() != server.Stopped {
		t.Errorf("State() = %s after shutdown", srv.State())
	}
	if !strings.Contains(out.String(), "Served") {
		t.Errorf("request summary missing from output:\n%s", out.String())
	}
}

func TestBuildAndHistory(t *testing.T) {
	dir, cleanup := changeToTempDir(t)
	defer cleanup()
	writeProject(t, dir)

	var out bytes.Buffer
	if code := run(context.Background(), []string{"build", "-out", "public"}, &out); code != 0 {
		t.Fatalf("build exit code = %d\n%s", code, out.String())
	}
	if _, err := os.Stat(filepath.Join(dir, "public", "index.js")); err != nil {
		t.Errorf("public/index.js not written: %v", err)
	}

	out.Reset()
	if code := run(context.Background(), []string{"history", "-n", "5"}, &out); code != 0 {
		t.Fatalf("history exit code = %d", code)
	}
	if !strings.Contains(out.String(), "1 builds (0 failed)") {
		t.Errorf("history output = %q", out.String())
	}

	out.Reset()
	if code := run(context.Background(), []string{"history", "clear"}, &out); code != 0 {
		t.Fatalf("history clear exit code = %d", code)
	}
	out.Reset()
	_ = run(context.Background(), []string{"history"}, &out)
	if !strings.Contains(out.String(), "No builds recorded") {
		t.Errorf("history after clear = %q", out.String())
	}
}

func TestBuildFailure(t *testing.T) {
	dir, cleanup := changeToTempDir(t)
	defer cleanup()
	writeProject(t, dir)
	if err := os.WriteFile(filepath.Join(dir, "web", "src", "index.js"), []byte("import \"./nope.js\";\n"), 0644); err != nil {
		t.Fatal(err)
	}

	var out bytes.Buffer
	if code := run(context.Background(), []string{"build"}, &out); code != 1 {
		t.Errorf("exit code = %d, want 1", code)
	}
	if !strings.Contains(out.String(), "nope.js") {
		t.Errorf("esbuild message missing from output:\n%s", out.String())
	}
}

func TestWatchDirs(t *testing.T) {
	root := t.TempDir()
	cfg := &config.Config{
		StaticRoutes: []config.StaticRoute{
			{Path: "/main.wasm", File: filepath.Join(root, "wasm", "main.wasm")},
			{Path: "/wasm_exec.js", File: filepath.Join(root, "wasm", "wasm_exec.js")},
			{Path: "/logo.svg", File: filepath.Join(root, "web", "logo.svg")},
		},
		Bundle: config.BundleConfig{SourceDir: filepath.Join(root, "web")},
	}

	got := watchDirs(cfg)
	want := []string{filepath.Join(root, "web"), filepath.Join(root, "wasm")}
	if strings.Join(got, ",") != strings.Join(want, ",") {
		t.Errorf("watchDirs() = %v, want %v", got, want)
	}
}

func TestIsUnder(t *testing.T) {
	tests := []struct {
		name, dir string
		want      bool
	}{
		{"/p/web/src/a.js", "/p/web", true},
		{"/p/web", "/p/web", true},
		{"/p/website/a.js", "/p/web", false},
		{"/p/wasm/main.wasm", "/p/web", false},
		{"/p/..web/a.js", "/p", true},
	}
	for _, tt := range tests {
		if got := isUnder(tt.name, tt.dir); got != tt.want {
			t.Errorf("isUnder(%q, %q) = %v, want %v", tt.name, tt.dir, got, tt.want)
		}
	}
}

func TestInitThenClean(t *testing.T) {
	dir, cleanup := changeToTempDir(t)
	defer cleanup()

	var out bytes.Buffer
	if code := run(context.Background(), []string{"init"}, &out); code != 0 {
		t.Fatalf("init exit code = %d\n%s", code, out.String())
	}
	for _, name := range []string{"devserve.yaml", "web/index.html", "web/src/index.js"} {
		if _, err := os.Stat(filepath.Join(dir, filepath.FromSlash(name))); err != nil {
			t.Errorf("init did not create %s", name)
		}
	}

	out.Reset()
	if code := run(context.Background(), []string{"build"}, &out); code != 0 {
		t.Fatalf("build of the scaffolded project failed:\n%s", out.String())
	}

	out.Reset()
	if code := run(context.Background(), []string{"clean"}, &out); code != 0 {
		t.Fatalf("clean exit code = %d\n%s", code, out.String())
	}
	for _, name := range []string{"dist", ".devserve"} {
		if _, err := os.Stat(filepath.Join(dir, name)); !os.IsNotExist(err) {
			t.Errorf("clean left %s behind", name)
		}
	}
	if _, err := os.Stat(filepath.Join(dir, "devserve.yaml")); err != nil {
		t.Error("clean removed the config file")
	}
}

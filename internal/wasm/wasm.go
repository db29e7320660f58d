// Package wasm compiles a Go package to the WebAssembly artifact served by a
// static route.
package wasm

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

var errStale = errors.New("rebuild needed")

// Builder runs `go build` with GOOS=js GOARCH=wasm.
type Builder struct {
	Package string // directory of the main package
	Output  string
	Ldflags string
	GoBin   string // default: "go"
	Logger  *slog.Logger

	mu sync.Mutex
}

func New(pkg, output, ldflags string, logger *slog.Logger) *Builder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Builder{Package: pkg, Output: output, Ldflags: ldflags, GoBin: "go", Logger: logger}
}

// BuildError carries the compiler output of a failed build.
type BuildError struct {
	Err    error
	Output string
}

func (e *BuildError) Error() string {
	return fmt.Sprintf("wasm build failed: %v\n%s", e.Err, e.Output)
}

func (e *BuildError) Unwrap() error { return e.Err }

// NeedsBuild reports whether the output is missing or older than any Go
// source (see IsSource) in the package directory.
func (b *Builder) NeedsBuild() bool {
	outInfo, err := os.Stat(b.Output)
	if err != nil {
		return true // Output file doesn't exist
	}
	outTime := outInfo.ModTime()

	err = filepath.WalkDir(b.Package, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !b.IsSource(path) {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		if info.ModTime().After(outTime) {
			return errStale
		}
		return nil
	})
	return err != nil
}

// IsSource reports whether a change to name should trigger a rebuild.
func (b *Builder) IsSource(name string) bool {
	rel, err := filepath.Rel(b.Package, name)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return false
	}
	base := filepath.Base(name)
	return strings.HasSuffix(base, ".go") || base == "go.mod" || base == "go.sum"
}

// Build compiles the package. The artifact is written to a temporary file
// and renamed into place so readers never see a partial module.
func (b *Builder) Build(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	start := time.Now()
	if err := os.MkdirAll(filepath.Dir(b.Output), 0755); err != nil {
		return fmt.Errorf("failed to create wasm output directory: %w", err)
	}

	tmp := b.Output + ".tmp"
	args := []string{"build"}
	if b.Ldflags != "" {
		args = append(args, "-ldflags="+b.Ldflags)
	}
	args = append(args, "-o", tmp, ".")

	goBin := b.GoBin
	if goBin == "" {
		goBin = "go"
	}
	cmd := exec.CommandContext(ctx, goBin, args...)
	cmd.Dir = b.Package
	cmd.Env = append(os.Environ(), "GOOS=js", "GOARCH=wasm")
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out

	if err := cmd.Run(); err != nil {
		_ = os.Remove(tmp)
		return &BuildError{Err: err, Output: strings.TrimSpace(out.String())}
	}
	if err := os.Rename(tmp, b.Output); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("failed to move wasm artifact into place: %w", err)
	}

	b.Logger.Info("WASM build complete", "output", b.Output, "duration", time.Since(start).Round(time.Millisecond))
	return nil
}

// EnsureBuilt builds only when NeedsBuild says so and reports whether it did.
func (b *Builder) EnsureBuilt(ctx context.Context) (bool, error) {
	if !b.NeedsBuild() {
		return false, nil
	}
	return true, b.Build(ctx)
}

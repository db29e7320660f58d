// Package bundler is the build middleware behind the dispatcher: it compiles the
// front-end sources with esbuild into memory and serves the results, rebuilding
// on demand after the sources change.
package bundler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"mime"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/evanw/esbuild/pkg/api"
	"github.com/spf13/afero"
	"github.com/tdewolff/minify/v2"
	"github.com/zeebo/blake3"
	"golang.org/x/sync/singleflight"

	"github.com/Kush-Singh-26/devserve/internal/metrics"
	"github.com/Kush-Singh-26/devserve/internal/utils"
)

// outDirName is the virtual output directory; nothing is written there.
const outDirName = ".devserve-out"

type Options struct {
	SourceDir   string
	EntryPoints []string // relative to SourceDir
	PublicPath  string
	Minify      bool
	Sourcemap   bool
	Define      map[string]string

	// LiveReloadScript is injected before </body> in served HTML. Empty disables it.
	LiveReloadScript string

	// Workers bounds output hashing concurrency (default: NumCPU).
	Workers int

	// OnBuild is called after every build, successful or not.
	OnBuild func(m *metrics.RebuildMetrics, messages []string)
}

// Asset describes one build output. Its contents live in the snapshot's
// in-memory filesystem under URLPath.
type Asset struct {
	URLPath     string
	ContentType string
	ETag        string
	Size        int64
}

// BuildError carries esbuild's error messages for a failed build.
type BuildError struct {
	Messages []string
}

func (e *BuildError) Error() string {
	return fmt.Sprintf("esbuild failed with %d errors", len(e.Messages))
}

type snapshot struct {
	fs      afero.Fs
	assets  map[string]Asset
	builtAt time.Time
	err     error
}

type Bundler struct {
	opts     Options
	outDir   string
	logger   *slog.Logger
	sourceFs afero.Fs
	minifier *minify.M

	group    singleflight.Group
	snap     atomic.Pointer[snapshot]
	stale    atomic.Bool
	building atomic.Bool
}

func New(opts Options, logger *slog.Logger) (*Bundler, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.SourceDir == "" {
		return nil, errors.New("bundler: source directory is required")
	}
	abs, err := filepath.Abs(opts.SourceDir)
	if err != nil {
		return nil, fmt.Errorf("bundler: %w", err)
	}
	opts.SourceDir = abs
	if opts.PublicPath == "" {
		opts.PublicPath = "/"
	}
	if !strings.HasSuffix(opts.PublicPath, "/") {
		opts.PublicPath += "/"
	}
	if !strings.HasPrefix(opts.PublicPath, "/") {
		opts.PublicPath = "/" + opts.PublicPath
	}

	b := &Bundler{
		opts:     opts,
		outDir:   filepath.Join(abs, outDirName),
		logger:   logger,
		sourceFs: afero.NewReadOnlyFs(afero.NewBasePathFs(afero.NewOsFs(), abs)),
		minifier: utils.NewMinifier(),
	}
	b.stale.Store(true)
	return b, nil
}

// Invalidate marks the outputs stale. The next request rebuilds before answering.
func (b *Bundler) Invalidate() {
	b.stale.Store(true)
}

// Stale reports whether the next request will trigger a rebuild.
func (b *Bundler) Stale() bool {
	return b.stale.Load() || b.snap.Load() == nil
}

// Rebuild compiles the sources now. Concurrent callers share one build.
func (b *Bundler) Rebuild(ctx context.Context, trigger string) error {
	return b.do(ctx, func() error { return b.build(trigger) })
}

// refresh builds only if the outputs are stale, joining any build in flight.
func (b *Bundler) refresh(ctx context.Context) error {
	if !b.Stale() && !b.building.Load() {
		return nil
	}
	return b.do(ctx, func() error {
		if !b.Stale() {
			return b.LastError()
		}
		return b.build("request")
	})
}

func (b *Bundler) do(ctx context.Context, fn func() error) error {
	ch := b.group.DoChan("build", func() (interface{}, error) {
		return nil, fn()
	})
	select {
	case res := <-ch:
		return res.Err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (b *Bundler) build(trigger string) error {
	b.building.Store(true)
	defer b.building.Store(false)

	// Changes that land while esbuild runs mark the result stale again.
	b.stale.Store(false)

	m := metrics.NewRebuildMetrics(trigger)
	result := api.Build(b.buildOptions())
	m.Errors = len(result.Errors)
	m.Warnings = len(result.Warnings)

	for _, w := range result.Warnings {
		b.logger.Warn("esbuild warning", "message", formatMessage(w))
	}

	if len(result.Errors) > 0 {
		messages := make([]string, 0, len(result.Errors))
		for _, e := range result.Errors {
			messages = append(messages, formatMessage(e))
		}
		buildErr := &BuildError{Messages: messages}
		b.snap.Store(&snapshot{builtAt: time.Now(), err: buildErr})
		m.RecordEnd()
		b.logger.Error("Build failed", "errors", m.Errors, "trigger", trigger)
		b.report(m, messages)
		return buildErr
	}

	snap, err := b.collect(result.OutputFiles)
	if err != nil {
		b.snap.Store(&snapshot{builtAt: time.Now(), err: err})
		m.Errors++
		m.RecordEnd()
		b.report(m, []string{err.Error()})
		return err
	}
	for _, a := range snap.assets {
		m.Outputs++
		m.Bytes += a.Size
	}
	b.snap.Store(snap)
	m.RecordEnd()
	b.logger.Debug("Build finished", "outputs", m.Outputs, "duration", m.TotalDuration(), "trigger", trigger)
	b.report(m, nil)
	return nil
}

func (b *Bundler) report(m *metrics.RebuildMetrics, messages []string) {
	if b.opts.OnBuild != nil {
		b.opts.OnBuild(m, messages)
	}
}

func (b *Bundler) buildOptions() api.BuildOptions {
	sourcemap := api.SourceMapNone
	if b.opts.Sourcemap {
		sourcemap = api.SourceMapLinked
	}
	return api.BuildOptions{
		EntryPoints:       b.opts.EntryPoints,
		AbsWorkingDir:     b.opts.SourceDir,
		Bundle:            true,
		Write:             false,
		Outdir:            b.outDir,
		PublicPath:        b.opts.PublicPath,
		MinifyWhitespace:  b.opts.Minify,
		MinifyIdentifiers: b.opts.Minify,
		MinifySyntax:      b.opts.Minify,
		Sourcemap:         sourcemap,
		Define:            b.opts.Define,
		LogLevel:          api.LogLevelSilent,
		AssetNames:        "assets/[name]-[hash]",
		ChunkNames:        "chunks/[name]-[hash]",
		Loader: map[string]api.Loader{
			".woff2": api.LoaderFile,
			".woff":  api.LoaderFile,
			".ttf":   api.LoaderFile,
			".png":   api.LoaderFile,
			".jpg":   api.LoaderFile,
			".webp":  api.LoaderFile,
			".svg":   api.LoaderFile,
			".wasm":  api.LoaderFile,
		},
	}
}

// collect hashes the outputs and stores them in a fresh in-memory filesystem.
func (b *Bundler) collect(files []api.OutputFile) (*snapshot, error) {
	memFs := afero.NewMemMapFs()
	assets := make(map[string]Asset, len(files))
	var mu sync.Mutex

	err := utils.Run(context.Background(), b.opts.Workers, files, func(_ context.Context, f api.OutputFile) error {
		rel, err := filepath.Rel(b.outDir, f.Path)
		if err != nil || strings.HasPrefix(rel, "..") {
			return fmt.Errorf("output %s escapes %s", f.Path, b.outDir)
		}
		urlPath := b.opts.PublicPath + filepath.ToSlash(rel)

		if err := memFs.MkdirAll(path.Dir(urlPath), 0755); err != nil {
			return err
		}
		if err := afero.WriteFile(memFs, urlPath, f.Contents, 0644); err != nil {
			return fmt.Errorf("failed to store %s: %w", urlPath, err)
		}

		sum := blake3.Sum256(f.Contents)
		asset := Asset{
			URLPath:     urlPath,
			ContentType: contentType(urlPath),
			ETag:        fmt.Sprintf(`"%x"`, sum[:16]),
			Size:        int64(len(f.Contents)),
		}
		mu.Lock()
		assets[urlPath] = asset
		mu.Unlock()
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &snapshot{fs: memFs, assets: assets, builtAt: time.Now()}, nil
}

// Outputs lists the URL paths of the current build, sorted.
func (b *Bundler) Outputs() []string {
	snap := b.snap.Load()
	if snap == nil {
		return nil
	}
	out := make([]string, 0, len(snap.assets))
	for p := range snap.assets {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

// Asset returns metadata for one output of the current build.
func (b *Bundler) Asset(urlPath string) (Asset, bool) {
	snap := b.snap.Load()
	if snap == nil {
		return Asset{}, false
	}
	a, ok := snap.assets[urlPath]
	return a, ok
}

// LastError returns the error of the most recent build, nil if it succeeded
// or nothing was built yet.
func (b *Bundler) LastError() error {
	if snap := b.snap.Load(); snap != nil {
		return snap.err
	}
	return nil
}

// WriteTo builds if needed and copies every output into dir on dst, keeping
// the paths relative to the public path.
func (b *Bundler) WriteTo(dst afero.Fs, dir string) error {
	if err := b.refresh(context.Background()); err != nil {
		return err
	}
	snap := b.snap.Load()
	if snap.err != nil {
		return snap.err
	}

	for _, urlPath := range b.Outputs() {
		data, err := afero.ReadFile(snap.fs, urlPath)
		if err != nil {
			return err
		}
		target := filepath.Join(dir, filepath.FromSlash(strings.TrimPrefix(urlPath, b.opts.PublicPath)))
		if err := dst.MkdirAll(filepath.Dir(target), 0755); err != nil {
			return err
		}
		if err := afero.WriteFile(dst, target, data, 0644); err != nil {
			return fmt.Errorf("failed to write %s: %w", target, err)
		}
	}
	return nil
}

func formatMessage(msg api.Message) string {
	if msg.Location == nil {
		return msg.Text
	}
	return fmt.Sprintf("%s:%d:%d: %s", msg.Location.File, msg.Location.Line, msg.Location.Column, msg.Text)
}

func contentType(name string) string {
	if ct := mime.TypeByExtension(path.Ext(name)); ct != "" {
		return ct
	}
	return "application/octet-stream"
}

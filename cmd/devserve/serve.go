package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/Kush-Singh-26/devserve/internal/bundler"
	"github.com/Kush-Singh-26/devserve/internal/config"
	"github.com/Kush-Singh-26/devserve/internal/history"
	"github.com/Kush-Singh-26/devserve/internal/metrics"
	"github.com/Kush-Singh-26/devserve/internal/routes"
	"github.com/Kush-Singh-26/devserve/internal/server"
	"github.com/Kush-Singh-26/devserve/internal/wasm"
	"github.com/Kush-Singh-26/devserve/internal/watch"
)

// readyHook, when set, receives the running server. Tests use it to find the port.
var readyHook func(*server.Server)

func serveCommand(ctx context.Context, args []string, out io.Writer) int {
	logger := slog.Default()

	cfg, err := config.Load("serve", args)
	if err != nil {
		_, _ = fmt.Fprintf(out, "❌ Invalid configuration: %v\n", err)
		return 1
	}
	if cfg.File != "" {
		logger.Info("Loaded config", "path", cfg.File)
	}

	registry, err := buildRegistry(cfg, logger)
	if err != nil {
		_, _ = fmt.Fprintf(out, "❌ %v\n", err)
		return 1
	}

	var hist *history.Log
	if cfg.History {
		if hist, err = history.Open(cfg.CacheDir); err != nil {
			logger.Warn("Build history disabled", "dir", cfg.CacheDir, "error", err)
			hist = nil
		} else {
			defer func() {
				if err := hist.Close(); err != nil {
					logger.Warn("Failed to close build history", "error", err)
				}
			}()
		}
	}

	var hub *server.Hub
	script := ""
	if cfg.LiveReload {
		hub = server.NewHub(logger)
		script = server.ClientScript(cfg.LiveReloadPath)
	}

	b, err := bundler.New(bundlerOptions(cfg, script, out, hist, logger), logger)
	if err != nil {
		_, _ = fmt.Fprintf(out, "❌ %v\n", err)
		return 1
	}

	requests := &metrics.Requests{}
	srv, err := server.Start(server.Options{
		Host:            cfg.Host,
		Port:            cfg.Port,
		ShutdownTimeout: cfg.ShutdownTimeout,
		Logger:          logger,
		Compress:        cfg.Compress,
		Hub:             hub,
		LiveReloadPath:  cfg.LiveReloadPath,
		Metrics:         requests,
	}, registry, b)
	if err != nil {
		var bindErr *server.BindError
		if errors.As(err, &bindErr) {
			_, _ = fmt.Fprintf(out, "❌ Cannot listen on %s: %v\n", bindErr.Addr, bindErr.Err)
		} else {
			_, _ = fmt.Fprintf(out, "❌ %v\n", err)
		}
		return 1
	}

	_, _ = fmt.Fprintf(out, "🚀 Serving on %s\n", srv.URL())
	for _, rt := range registry.Routes() {
		_, _ = fmt.Fprintf(out, "   %s -> %s\n", rt.Path, rt.Target)
	}
	_, _ = fmt.Fprintf(out, "   everything else -> bundle of %s\n", cfg.Bundle.SourceDir)
	if readyHook != nil {
		readyHook(srv)
	}

	var wasmBuilder *wasm.Builder
	if cfg.Wasm.Package != "" {
		wasmBuilder = wasm.New(cfg.Wasm.Package, cfg.Wasm.Output, cfg.Wasm.Ldflags, logger)
	}

	watchCtx, stopWatching := context.WithCancel(ctx)
	watchDone := make(chan struct{})
	go func() {
		defer close(watchDone)
		startWatcher(watchCtx, cfg, b, wasmBuilder, hub, logger)
	}()

	go func() {
		if wasmBuilder != nil {
			if _, err := wasmBuilder.EnsureBuilt(watchCtx); err != nil && watchCtx.Err() == nil {
				logger.Error("WASM build failed", "package", cfg.Wasm.Package, "error", err)
			}
		}
		if err := b.Rebuild(watchCtx, "startup"); err != nil && watchCtx.Err() == nil {
			logger.Debug("Initial build failed", "error", err)
		}
	}()

	select {
	case <-ctx.Done():
	case <-srv.Done():
	}

	_, _ = fmt.Fprintln(out, "\n🛑 Shutting down server...")
	stopWatching()
	<-watchDone

	code := 0
	if err := srv.Stop(context.Background()); err != nil {
		logger.Warn("Shutdown incomplete", "error", err)
	}
	if err := srv.Wait(); err != nil {
		_, _ = fmt.Fprintf(out, "❌ Server failed: %v\n", err)
		code = 1
	}
	_, _ = fmt.Fprint(out, requests.Snapshot().String())
	return code
}

// buildRegistry registers the configured static routes. Missing targets are
// only warned about: they may be produced after startup.
func buildRegistry(cfg *config.Config, logger *slog.Logger) (*routes.Registry, error) {
	registry := routes.NewRegistry()
	for _, rt := range cfg.StaticRoutes {
		if err := registry.Register(rt.Path, rt.File); err != nil {
			return nil, err
		}
		if info, err := os.Stat(rt.File); err != nil {
			logger.Warn("Static route target not found, requests will fail until it exists", "path", rt.Path, "file", rt.File)
		} else if info.IsDir() {
			logger.Warn("Static route target is a directory", "path", rt.Path, "file", rt.File)
		}
	}
	return registry, nil
}

func bundlerOptions(cfg *config.Config, script string, out io.Writer, hist *history.Log, logger *slog.Logger) bundler.Options {
	return bundler.Options{
		SourceDir:        cfg.Bundle.SourceDir,
		EntryPoints:      cfg.Bundle.EntryPoints,
		PublicPath:       cfg.Bundle.PublicPath,
		Minify:           cfg.Bundle.Minify,
		Sourcemap:        cfg.Bundle.Sourcemap,
		Define:           cfg.Bundle.Define,
		LiveReloadScript: script,
		OnBuild: func(m *metrics.RebuildMetrics, messages []string) {
			_, _ = fmt.Fprint(out, m.String())
			for _, msg := range messages {
				_, _ = fmt.Fprintf(out, "   %s\n", msg)
			}
			if hist == nil {
				return
			}
			if _, err := hist.Record(history.FromMetrics(m, messages)); err != nil {
				logger.Warn("Failed to record build", "error", err)
			}
		},
	}
}

// startWatcher runs until ctx is done and reacts to each batch of changes
// with applyChanges.
func startWatcher(ctx context.Context, cfg *config.Config, b *bundler.Bundler, wb *wasm.Builder, hub *server.Hub, logger *slog.Logger) {
	dirs := watchDirs(cfg)
	w, err := watch.New(dirs, cfg.Debounce, func(events []watch.Event) {
		applyChanges(ctx, cfg, events, b, wb, hub, logger)
	})
	if err != nil {
		logger.Warn("File watching disabled", "error", err)
		return
	}
	w.Logger = logger
	if err := w.Run(ctx); err != nil {
		logger.Warn("File watching disabled", "error", err)
	}
}

// applyChanges recompiles the wasm artifact when a Go source changed and
// rebuilds the bundle when a source file changed, then reloads browsers.
func applyChanges(ctx context.Context, cfg *config.Config, events []watch.Event, b *bundler.Bundler, wb *wasm.Builder, hub *server.Hub, logger *slog.Logger) {
	wasmChanged := false
	var bundleChanges []string
	for _, ev := range events {
		if wb != nil && wb.IsSource(ev.Name) {
			wasmChanged = true
		}
		if isUnder(ev.Name, cfg.Bundle.SourceDir) {
			bundleChanges = append(bundleChanges, relName(ev.Name, cfg.Bundle.SourceDir))
		}
	}

	wasmFailed := false
	if wasmChanged {
		if err := wb.Build(ctx); err != nil && ctx.Err() == nil {
			logger.Error("WASM build failed", "package", cfg.Wasm.Package, "error", err)
			wasmFailed = true
		}
	}
	if len(bundleChanges) > 0 {
		b.Invalidate()
		if err := b.Rebuild(ctx, trigger(bundleChanges)); err != nil && ctx.Err() == nil {
			logger.Debug("Rebuild failed", "error", err)
		}
	}
	// A failed wasm build alone leaves the page as it is.
	if wasmFailed && len(bundleChanges) == 0 {
		return
	}
	if hub != nil {
		if n := hub.Broadcast(); n > 0 {
			logger.Debug("Reload sent", "clients", n, "changes", len(events))
		}
	}
}

func trigger(changes []string) string {
	if len(changes) == 1 {
		return changes[0]
	}
	return fmt.Sprintf("%s (+%d more)", changes[0], len(changes)-1)
}

// watchDirs is the source directory, the directories holding static route
// targets (so a rebuilt wasm module also reloads the page) and the wasm package.
func watchDirs(cfg *config.Config) []string {
	dirs := []string{cfg.Bundle.SourceDir}
	candidates := make([]string, 0, len(cfg.StaticRoutes)+1)
	for _, rt := range cfg.StaticRoutes {
		candidates = append(candidates, filepath.Dir(rt.File))
	}
	if cfg.Wasm.Package != "" {
		candidates = append(candidates, cfg.Wasm.Package)
	}
	for _, dir := range candidates {
		covered := false
		for _, d := range dirs {
			if isUnder(dir, d) {
				covered = true
				break
			}
		}
		if !covered {
			dirs = append(dirs, dir)
		}
	}
	return dirs
}

func isUnder(name, dir string) bool {
	rel, err := filepath.Rel(dir, name)
	return err == nil && rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

func relName(name, dir string) string {
	if rel, err := filepath.Rel(dir, name); err == nil {
		return filepath.ToSlash(rel)
	}
	return name
}

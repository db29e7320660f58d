package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"

	"github.com/spf13/afero"

	"github.com/Kush-Singh-26/devserve/internal/bundler"
	"github.com/Kush-Singh-26/devserve/internal/config"
	"github.com/Kush-Singh-26/devserve/internal/history"
	"github.com/Kush-Singh-26/devserve/internal/wasm"
)

func buildCommand(ctx context.Context, args []string, out io.Writer) int {
	logger := slog.Default()

	var outDir string
	cfg, err := config.Load("build", args, func(fs *flag.FlagSet) {
		fs.StringVar(&outDir, "out", "dist", "Output directory")
	})
	if err != nil {
		_, _ = fmt.Fprintf(out, "❌ Invalid configuration: %v\n", err)
		return 1
	}

	var hist *history.Log
	if cfg.History {
		if hist, err = history.Open(cfg.CacheDir); err != nil {
			logger.Warn("Build history disabled", "dir", cfg.CacheDir, "error", err)
			hist = nil
		} else {
			defer func() { _ = hist.Close() }()
		}
	}

	if cfg.Wasm.Package != "" {
		wb := wasm.New(cfg.Wasm.Package, cfg.Wasm.Output, cfg.Wasm.Ldflags, logger)
		if wb.NeedsBuild() {
			_, _ = fmt.Fprintln(out, "🚀 Building WASM...")
			if err := wb.Build(ctx); err != nil {
				_, _ = fmt.Fprintf(out, "❌ %v\n", err)
				return 1
			}
			_, _ = fmt.Fprintln(out, "✅ WASM build complete.")
		} else {
			_, _ = fmt.Fprintln(out, "⏭️  WASM source unchanged. Skipping build.")
		}
	}

	_, _ = fmt.Fprintln(out, "🎨 Building assets with Esbuild...")
	b, err := bundler.New(bundlerOptions(cfg, "", out, hist, logger), logger)
	if err != nil {
		_, _ = fmt.Fprintf(out, "❌ %v\n", err)
		return 1
	}

	if err := b.WriteTo(afero.NewOsFs(), outDir); err != nil {
		var buildErr *bundler.BuildError
		if !errors.As(err, &buildErr) {
			_, _ = fmt.Fprintf(out, "❌ %v\n", err)
		}
		return 1
	}

	_, _ = fmt.Fprintf(out, "✅ Wrote %d files to %s\n", len(b.Outputs()), outDir)
	return 0
}

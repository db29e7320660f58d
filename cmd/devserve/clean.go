package main

import (
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/Kush-Singh-26/devserve/internal/clean"
	"github.com/Kush-Singh-26/devserve/internal/config"
	"github.com/Kush-Singh-26/devserve/internal/scaffold"
)

func cleanCommand(args []string, out io.Writer) int {
	var outDir string
	cfg, err := config.Load("clean", args, func(fs *flag.FlagSet) {
		fs.StringVar(&outDir, "out", "dist", "Output directory")
	})
	if err != nil {
		_, _ = fmt.Fprintf(out, "❌ Invalid configuration: %v\n", err)
		return 1
	}

	removed, err := clean.Run(out, outDir, cfg.CacheDir)
	if err != nil {
		_, _ = fmt.Fprintf(out, "❌ %v\n", err)
		return 1
	}
	if removed == 0 {
		_, _ = fmt.Fprintln(out, "🧹 Nothing to clean")
	}
	return 0
}

func initCommand(out io.Writer) int {
	cwd, err := os.Getwd()
	if err != nil {
		_, _ = fmt.Fprintf(out, "❌ Failed to get current directory: %v\n", err)
		return 1
	}
	if err := scaffold.Run(cwd, out); err != nil {
		_, _ = fmt.Fprintf(out, "❌ %v\n", err)
		return 1
	}
	return 0
}

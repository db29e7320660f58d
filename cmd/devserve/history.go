package main

import (
	"flag"
	"fmt"
	"io"
	"time"

	"github.com/Kush-Singh-26/devserve/internal/config"
	"github.com/Kush-Singh-26/devserve/internal/history"
)

func historyCommand(args []string, out io.Writer) int {
	clearAll := false
	if len(args) > 0 && args[0] == "clear" {
		clearAll = true
		args = args[1:]
	}

	n := 10
	cfg, err := config.Load("history", args, func(fs *flag.FlagSet) {
		fs.IntVar(&n, "n", 10, "Number of builds to show")
	})
	if err != nil {
		_, _ = fmt.Fprintf(out, "❌ Invalid configuration: %v\n", err)
		return 1
	}

	hist, err := history.Open(cfg.CacheDir)
	if err != nil {
		_, _ = fmt.Fprintf(out, "❌ Failed to open build history: %v\n", err)
		return 1
	}
	defer func() { _ = hist.Close() }()

	if clearAll {
		_, _ = fmt.Fprintln(out, "🗑️  Clearing build history...")
		if err := hist.Clear(); err != nil {
			_, _ = fmt.Fprintf(out, "❌ Failed to clear build history: %v\n", err)
			return 1
		}
		_, _ = fmt.Fprintln(out, "✅ Build history cleared")
		return 0
	}

	stats, err := hist.Stats()
	if err != nil {
		_, _ = fmt.Fprintf(out, "❌ Failed to read build history: %v\n", err)
		return 1
	}
	_, _ = fmt.Fprint(out, stats.String())
	if stats.Builds == 0 {
		return 0
	}

	records, err := hist.Recent(n)
	if err != nil {
		_, _ = fmt.Fprintf(out, "❌ Failed to read build history: %v\n", err)
		return 1
	}
	_, _ = fmt.Fprintln(out, "════════════════════════════════════════")
	for _, r := range records {
		status := "✅"
		if r.Failed() {
			status = "❌"
		}
		_, _ = fmt.Fprintf(out, "%s #%-4d %s  %-8v %3d files  %d errors  %d warnings  %s\n",
			status, r.Seq, r.StartedAt.Format(time.DateTime), r.Duration.Round(time.Millisecond),
			r.Outputs, r.Errors, r.Warnings, r.Trigger)
		for _, msg := range r.Messages {
			_, _ = fmt.Fprintf(out, "        %s\n", msg)
		}
	}
	return 0
}

package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := run(ctx, os.Args[1:], os.Stdout)
	stop()
	os.Exit(code)
}

// run dispatches a subcommand and returns the process exit code.
func run(ctx context.Context, args []string, out io.Writer) int {
	slog.SetDefault(newLogger(os.Stderr))

	command := "serve"
	if len(args) > 0 && (len(args[0]) == 0 || args[0][0] != '-') {
		command = args[0]
		args = args[1:]
	}

	switch command {
	case "serve":
		return serveCommand(ctx, args, out)
	case "build":
		return buildCommand(ctx, args, out)
	case "history":
		return historyCommand(args, out)
	case "clean":
		return cleanCommand(args, out)
	case "init":
		return initCommand(out)
	case "help":
		printUsage(out)
		return 0
	default:
		_, _ = fmt.Fprintf(out, "Unknown command: %s\n", command)
		printUsage(out)
		return 1
	}
}

func newLogger(w io.Writer) *slog.Logger {
	level := slog.LevelInfo
	if os.Getenv("DEVSERVE_DEBUG") != "" {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level}))
}

func printUsage(out io.Writer) {
	_, _ = fmt.Fprintln(out, "Usage: devserve [command] [flags]")
	_, _ = fmt.Fprintln(out, "\nCommands:")
	_, _ = fmt.Fprintln(out, "  serve          Start the dev server (default)")
	_, _ = fmt.Fprintln(out, "  build          Bundle once and write the output to disk")
	_, _ = fmt.Fprintln(out, "  history        Show recent builds (history clear deletes them)")
	_, _ = fmt.Fprintln(out, "  clean          Remove the build output and the devserve cache")
	_, _ = fmt.Fprintln(out, "  init           Create devserve.yaml and a starter web/ directory")
	_, _ = fmt.Fprintln(out, "  help           Show this help message")
	_, _ = fmt.Fprintln(out, "\nFlags for serve and build:")
	_, _ = fmt.Fprintln(out, "  -config file   Config file (default: devserve.yaml)")
	_, _ = fmt.Fprintln(out, "  -host h        The host/IP to bind to (default: localhost)")
	_, _ = fmt.Fprintln(out, "  -port p        The port to listen on (default: 3000)")
	_, _ = fmt.Fprintln(out, "  -route /u=f    Serve file f at exact path /u (repeatable)")
	_, _ = fmt.Fprintln(out, "  -source dir    Bundler source directory (default: web)")
	_, _ = fmt.Fprintln(out, "  -entry file    Bundler entry point (repeatable)")
	_, _ = fmt.Fprintln(out, "  -compress      Gzip static responses")
	_, _ = fmt.Fprintln(out, "  -minify        Minify bundled output")
	_, _ = fmt.Fprintln(out, "  -no-reload     Disable live reload")
	_, _ = fmt.Fprintln(out, "  -wasm-pkg dir  Compile this Go package to the wasm route target")
	_, _ = fmt.Fprintln(out, "\nFlags for build and clean:")
	_, _ = fmt.Fprintln(out, "  -out dir       Output directory (default: dist)")
	_, _ = fmt.Fprintln(out, "\nFlags for history:")
	_, _ = fmt.Fprintln(out, "  -n N           Number of builds to show (default: 10)")
}

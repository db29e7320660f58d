// Package config loads devserve settings from devserve.yaml, the environment
// and command-line flags, in that order of precedence (flags win).
package config

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ConfigFiles are tried in order when -config is not given.
var ConfigFiles = []string{"devserve.yaml", "devserve.yml"}

// StaticRoute binds a URL path to a file served as-is.
type StaticRoute struct {
	Path string `yaml:"path"`
	File string `yaml:"file"`
}

// BundleConfig configures the esbuild fallback handler.
type BundleConfig struct {
	SourceDir   string            `yaml:"sourceDir"`
	EntryPoints []string          `yaml:"entryPoints"`
	PublicPath  string            `yaml:"publicPath"`
	Minify      bool              `yaml:"minify"`
	Sourcemap   bool              `yaml:"sourcemap"`
	Define      map[string]string `yaml:"define"`
}

// WasmConfig optionally compiles a Go package to the wasm artifact a static
// route serves. An empty Package disables it.
type WasmConfig struct {
	Package string `yaml:"package"`
	Output  string `yaml:"output"` // default: the first static route target ending in .wasm
	Ldflags string `yaml:"ldflags"`
}

type Config struct {
	Host         string        `yaml:"host"`
	Port         int           `yaml:"port"`
	StaticRoutes []StaticRoute `yaml:"staticRoutes"`

	ShutdownTimeout time.Duration `yaml:"shutdownTimeout"` // drain grace period (default: 5s)
	Debounce        time.Duration `yaml:"debounce"`        // watcher debounce (default: 300ms)

	Compress       bool   `yaml:"compress"`
	LiveReload     bool   `yaml:"liveReload"`
	LiveReloadPath string `yaml:"liveReloadPath"`

	CacheDir string `yaml:"cacheDir"`
	History  bool   `yaml:"history"`

	Bundle BundleConfig `yaml:"bundle"`
	Wasm   WasmConfig   `yaml:"wasm"`

	// File is the config file that was loaded, empty when running on defaults.
	File string `yaml:"-"`
}

// Default returns the configuration used when no file or flag overrides it.
func Default() *Config {
	return &Config{
		Host: "localhost",
		Port: 3000,
		StaticRoutes: []StaticRoute{
			{Path: "/main.wasm", File: filepath.Join("wasm", "bundlemain", "main.wasm")},
		},
		ShutdownTimeout: 5 * time.Second,
		Debounce:        300 * time.Millisecond,
		LiveReload:      true,
		LiveReloadPath:  "/events",
		CacheDir:        ".devserve",
		History:         true,
		Bundle: BundleConfig{
			SourceDir:   "web",
			EntryPoints: []string{filepath.Join("src", "index.js")},
			PublicPath:  "/",
			Sourcemap:   true,
		},
		Wasm: WasmConfig{
			Ldflags: "-s -w",
		},
	}
}

// Addr returns host:port.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

type routeFlags []StaticRoute

func (r *routeFlags) String() string {
	parts := make([]string, 0, len(*r))
	for _, rt := range *r {
		parts = append(parts, rt.Path+"="+rt.File)
	}
	return strings.Join(parts, ",")
}

func (r *routeFlags) Set(v string) error {
	path, file, ok := strings.Cut(v, "=")
	if !ok || path == "" || file == "" {
		return fmt.Errorf("route %q must look like /url=path/to/file", v)
	}
	*r = append(*r, StaticRoute{Path: path, File: file})
	return nil
}

type listFlags []string

func (l *listFlags) String() string     { return strings.Join(*l, ",") }
func (l *listFlags) Set(v string) error { *l = append(*l, v); return nil }

// Load builds the configuration for a subcommand. extra registers the
// subcommand's own flags on the same FlagSet.
func Load(name string, args []string, extra ...func(*flag.FlagSet)) (*Config, error) {
	return load(name, args, os.Getenv, os.Stderr, extra...)
}

func load(name string, args []string, getenv func(string) string, usage io.Writer, extra ...func(*flag.FlagSet)) (*Config, error) {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(usage)
	for _, register := range extra {
		register(fs)
	}

	configPath := fs.String("config", "", "Path to devserve.yaml")
	host := fs.String("host", "", "The host/IP to bind to")
	port := fs.Int("port", -1, "The port to listen on")
	compress := fs.Bool("compress", false, "Gzip responses")
	noReload := fs.Bool("no-reload", false, "Disable live reload")
	minify := fs.Bool("minify", false, "Minify bundled output")
	sourceDir := fs.String("source", "", "Bundler source directory")
	wasmPkg := fs.String("wasm-pkg", "", "Go package compiled to the wasm artifact")
	var routes routeFlags
	fs.Var(&routes, "route", "Static route /url=file (repeatable)")
	var entries listFlags
	fs.Var(&entries, "entry", "Bundler entry point relative to -source (repeatable)")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	cfg := Default()

	file := *configPath
	if file == "" {
		for _, candidate := range ConfigFiles {
			if _, err := os.Stat(candidate); err == nil {
				file = candidate
				break
			}
		}
	}
	if file != "" {
		if err := cfg.readFile(file); err != nil {
			if *configPath != "" {
				return nil, err
			}
			slog.Warn("Ignoring config file", "path", file, "error", err)
			cfg = Default()
		}
	}

	for _, key := range []string{"DEVSERVE_PORT", "PORT"} {
		if v := getenv(key); v != "" {
			p, err := strconv.Atoi(v)
			if err != nil {
				return nil, fmt.Errorf("invalid %s %q: %w", key, v, err)
			}
			cfg.Port = p
			break
		}
	}

	if *host != "" {
		cfg.Host = *host
	}
	if *port >= 0 {
		cfg.Port = *port
	}
	if *compress {
		cfg.Compress = true
	}
	if *noReload {
		cfg.LiveReload = false
	}
	if *minify {
		cfg.Bundle.Minify = true
	}
	if *sourceDir != "" {
		cfg.Bundle.SourceDir = *sourceDir
	}
	if *wasmPkg != "" {
		cfg.Wasm.Package = *wasmPkg
	}
	if len(entries) > 0 {
		cfg.Bundle.EntryPoints = entries
	}
	cfg.StaticRoutes = mergeRoutes(cfg.StaticRoutes, routes)

	if err := cfg.resolvePaths(); err != nil {
		return nil, err
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// mergeRoutes lets each flag route replace a default or file route with the
// same path. Repeated paths among the flags are kept so registration rejects them.
func mergeRoutes(base, flags []StaticRoute) []StaticRoute {
	merged := append([]StaticRoute(nil), base...)
	replaced := make(map[int]bool)
	for _, rt := range flags {
		i := slices.IndexFunc(base, func(b StaticRoute) bool { return b.Path == rt.Path })
		if i >= 0 && !replaced[i] {
			merged[i] = rt
			replaced[i] = true
			continue
		}
		merged = append(merged, rt)
	}
	return merged
}

// readFile merges a YAML file over the current values. Relative paths in the
// file are anchored to the file's directory.
func (c *Config) readFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", path, err)
	}

	fileCfg := *c
	fileCfg.StaticRoutes = nil
	if err := yaml.Unmarshal(data, &fileCfg); err != nil {
		return fmt.Errorf("failed to parse %s: %w", path, err)
	}

	// A file without staticRoutes keeps the default wasm route.
	if fileCfg.StaticRoutes == nil {
		fileCfg.StaticRoutes = c.StaticRoutes
	}

	base, err := filepath.Abs(filepath.Dir(path))
	if err != nil {
		return err
	}
	for i := range fileCfg.StaticRoutes {
		fileCfg.StaticRoutes[i].File = anchor(base, fileCfg.StaticRoutes[i].File)
	}
	fileCfg.Bundle.SourceDir = anchor(base, fileCfg.Bundle.SourceDir)
	fileCfg.CacheDir = anchor(base, fileCfg.CacheDir)
	fileCfg.Wasm.Package = anchor(base, fileCfg.Wasm.Package)
	fileCfg.Wasm.Output = anchor(base, fileCfg.Wasm.Output)
	fileCfg.File = path

	*c = fileCfg
	return nil
}

func anchor(base, p string) string {
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(base, p)
}

func (c *Config) resolvePaths() error {
	var err error
	for i := range c.StaticRoutes {
		if c.StaticRoutes[i].File, err = filepath.Abs(c.StaticRoutes[i].File); err != nil {
			return err
		}
	}
	if c.Bundle.SourceDir, err = filepath.Abs(c.Bundle.SourceDir); err != nil {
		return err
	}
	if c.CacheDir, err = filepath.Abs(c.CacheDir); err != nil {
		return err
	}
	if c.Wasm.Package == "" {
		return nil
	}
	if c.Wasm.Package, err = filepath.Abs(c.Wasm.Package); err != nil {
		return err
	}
	if c.Wasm.Output == "" {
		for _, r := range c.StaticRoutes {
			if strings.HasSuffix(r.File, ".wasm") {
				c.Wasm.Output = r.File
				break
			}
		}
	}
	if c.Wasm.Output != "" {
		c.Wasm.Output, err = filepath.Abs(c.Wasm.Output)
	}
	return err
}

// validate rejects unusable values and clamps the rest into sane bounds.
func (c *Config) validate() error {
	var errs []error

	if c.Port < 0 || c.Port > 65535 {
		errs = append(errs, fmt.Errorf("port %d out of range", c.Port))
	}
	if c.Host == "" {
		c.Host = "localhost"
	}
	for _, r := range c.StaticRoutes {
		if !strings.HasPrefix(r.Path, "/") {
			errs = append(errs, fmt.Errorf("static route %q must start with /", r.Path))
		}
	}

	if c.ShutdownTimeout < 1*time.Second {
		c.ShutdownTimeout = 1 * time.Second
	}
	if c.ShutdownTimeout > 60*time.Second {
		c.ShutdownTimeout = 60 * time.Second
	}
	if c.Debounce < 10*time.Millisecond {
		c.Debounce = 10 * time.Millisecond
	}
	if c.Debounce > 5*time.Second {
		c.Debounce = 5 * time.Second
	}

	if c.LiveReloadPath == "" {
		c.LiveReloadPath = "/events"
	}
	if !strings.HasPrefix(c.LiveReloadPath, "/") {
		c.LiveReloadPath = "/" + c.LiveReloadPath
	}

	c.Bundle.PublicPath = NormalizePublicPath(c.Bundle.PublicPath)

	if c.Wasm.Package != "" && c.Wasm.Output == "" {
		errs = append(errs, errors.New("wasm.package is set but no wasm.output or .wasm static route to write it to"))
	}

	return errors.Join(errs...)
}

// NormalizePublicPath returns p with exactly one leading and trailing slash.
func NormalizePublicPath(p string) string {
	p = strings.Trim(p, "/")
	if p == "" {
		return "/"
	}
	return "/" + p + "/"
}

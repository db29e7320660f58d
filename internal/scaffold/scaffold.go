package scaffold

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
)

const defaultConfig = `# devserve configuration
host: localhost
port: 3000

# Files served as-is at an exact path, read fresh on every request.
staticRoutes:
  - path: /main.wasm
    file: wasm/bundlemain/main.wasm

# Everything else is answered by the bundler.
bundle:
  sourceDir: web
  entryPoints:
    - src/index.js
  publicPath: /
  sourcemap: true

# Uncomment to compile the wasm artifact from a Go package.
# wasm:
#   package: ./cmd/app

liveReload: true
history: true
`

const indexHTML = `<!DOCTYPE html>
<html lang="en">
  <head>
    <meta charset="utf-8">
    <title>devserve</title>
  </head>
  <body>
    <pre id="out">loading...</pre>
    <script src="/index.js"></script>
  </body>
</html>
`

const indexJS = `const out = document.getElementById("out");

async function start() {
  if (typeof WebAssembly.instantiateStreaming !== "function" || typeof Go === "undefined") {
    out.textContent = "bundle loaded; add wasm_exec.js to run main.wasm";
    return;
  }
  const go = new Go();
  const result = await WebAssembly.instantiateStreaming(fetch("/main.wasm"), go.importObject);
  out.textContent = "main.wasm started";
  go.run(result.instance);
}

start().catch((err) => {
  out.textContent = String(err);
});
`

// File is one scaffolded file, relative to the project root.
type File struct {
	Path    string
	Content string
}

// Files returns what Run writes.
func Files() []File {
	return []File{
		{Path: "devserve.yaml", Content: defaultConfig},
		{Path: filepath.Join("web", "index.html"), Content: indexHTML},
		{Path: filepath.Join("web", "src", "index.js"), Content: indexJS},
	}
}

// Run initializes a new devserve project in root. Existing files are kept.
func Run(root string, out io.Writer) error {
	_, _ = fmt.Fprintln(out, "🌱 Initializing new devserve project...")

	for _, dir := range []string{filepath.Join("web", "src"), filepath.Join("wasm", "bundlemain")} {
		if err := os.MkdirAll(filepath.Join(root, dir), 0755); err != nil {
			return fmt.Errorf("failed to create directory '%s': %w", dir, err)
		}
		_, _ = fmt.Fprintf(out, "   📁 Created '%s/'\n", filepath.ToSlash(dir))
	}

	for _, f := range Files() {
		path := filepath.Join(root, f.Path)
		if _, err := os.Stat(path); err == nil {
			_, _ = fmt.Fprintf(out, "   ⚠️ '%s' already exists, skipping.\n", filepath.ToSlash(f.Path))
			continue
		} else if !errors.Is(err, fs.ErrNotExist) {
			return err
		}
		if err := os.WriteFile(path, []byte(f.Content), 0644); err != nil {
			return fmt.Errorf("failed to create %s: %w", f.Path, err)
		}
		_, _ = fmt.Fprintf(out, "   📄 Created '%s'\n", filepath.ToSlash(f.Path))
	}

	_, _ = fmt.Fprintln(out, "\n✅ Project initialized successfully!")
	_, _ = fmt.Fprintln(out, "   👉 Put your wasm build at wasm/bundlemain/main.wasm and run 'devserve'.")
	return nil
}

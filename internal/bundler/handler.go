package bundler

import (
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"net/http"
	"path"
	"strings"

	"github.com/spf13/afero"

	"github.com/Kush-Singh-26/devserve/internal/utils"
)

// ServeHTTP answers from the current build, rebuilding first when stale.
// Requests that match no output fall through to the source directory.
func (b *Bundler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		w.Header().Set("Allow", "GET, HEAD")
		http.Error(w, "405 - Method Not Allowed", http.StatusMethodNotAllowed)
		return
	}

	if err := b.refresh(r.Context()); err != nil && r.Context().Err() != nil {
		return
	}

	snap := b.snap.Load()
	if snap == nil {
		http.Error(w, "503 - Build not ready", http.StatusServiceUnavailable)
		return
	}
	if snap.err != nil {
		b.serveBuildError(w, snap.err)
		return
	}

	urlPath := utils.NormalizeRequestPath(r.URL.Path)
	if asset, ok := snap.assets[urlPath]; ok {
		b.serveAsset(w, r, snap, asset)
		return
	}
	b.serveSource(w, r, urlPath)
}

func (b *Bundler) serveBuildError(w http.ResponseWriter, err error) {
	var buf bytes.Buffer
	var buildErr *BuildError
	if errors.As(err, &buildErr) {
		fmt.Fprintf(&buf, "Build failed with %d error(s):\n\n", len(buildErr.Messages))
		for _, msg := range buildErr.Messages {
			buf.WriteString(msg)
			buf.WriteByte('\n')
		}
	} else {
		buf.WriteString("Build failed: " + err.Error() + "\n")
	}

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(http.StatusInternalServerError)
	_, _ = w.Write(buf.Bytes())
}

func (b *Bundler) serveAsset(w http.ResponseWriter, r *http.Request, snap *snapshot, asset Asset) {
	data, err := afero.ReadFile(snap.fs, asset.URLPath)
	if err != nil {
		b.logger.Error("Build output vanished from snapshot", "path", asset.URLPath, "error", err)
		http.Error(w, "500 - Internal Server Error", http.StatusInternalServerError)
		return
	}

	h := w.Header()
	h.Set("Content-Type", asset.ContentType)
	h.Set("ETag", asset.ETag)
	if utils.IsHashedAssetName(path.Base(asset.URLPath)) {
		h.Set("Cache-Control", "public, max-age=31536000, immutable")
	} else {
		h.Set("Cache-Control", "no-cache")
	}
	http.ServeContent(w, r, asset.URLPath, snap.builtAt, bytes.NewReader(data))
}

// serveSource serves a file from SourceDir. "/" and directory paths map to
// their index.html.
func (b *Bundler) serveSource(w http.ResponseWriter, r *http.Request, urlPath string) {
	name := strings.TrimPrefix(urlPath, "/")
	if name == "" || strings.HasSuffix(name, "/") {
		name += "index.html"
	}

	info, err := b.sourceFs.Stat(name)
	if err == nil && info.IsDir() {
		name = path.Join(name, "index.html")
		info, err = b.sourceFs.Stat(name)
	}
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			b.logger.Warn("Failed to stat source file", "path", name, "error", err)
		}
		http.NotFound(w, r)
		return
	}
	if info.IsDir() {
		http.NotFound(w, r)
		return
	}

	data, err := afero.ReadFile(b.sourceFs, name)
	if err != nil {
		b.logger.Error("Failed to read source file", "path", name, "error", err)
		http.Error(w, "500 - Internal Server Error", http.StatusInternalServerError)
		return
	}

	ct := contentType(name)
	if b.opts.Minify {
		mediatype, _, _ := strings.Cut(ct, ";")
		if minified, err := b.minifier.Bytes(mediatype, data); err == nil {
			data = minified
		}
	}
	if strings.HasPrefix(ct, "text/html") && b.opts.LiveReloadScript != "" {
		data = utils.InjectBeforeBody(data, b.opts.LiveReloadScript)
	}

	w.Header().Set("Content-Type", ct)
	w.Header().Set("Cache-Control", "no-cache")
	http.ServeContent(w, r, name, info.ModTime(), bytes.NewReader(data))
}

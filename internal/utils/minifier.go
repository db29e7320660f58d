package utils

import (
	"bytes"
	"regexp"

	"github.com/tdewolff/minify/v2"
	"github.com/tdewolff/minify/v2/css"
	"github.com/tdewolff/minify/v2/html"
	"github.com/tdewolff/minify/v2/svg"
)

// NewMinifier returns a minifier for the page formats served from the source
// tree. JS and bundled CSS are minified by esbuild instead.
func NewMinifier() *minify.M {
	m := minify.New()
	m.AddFunc("text/html", html.Minify)
	m.AddFunc("text/css", css.Minify)
	m.AddFunc("image/svg+xml", svg.Minify)
	return m
}

var bodyCloseRe = regexp.MustCompile(`(?i)</body\s*>`)

// InjectBeforeBody inserts snippet before the last </body>, or appends it when
// the document has no body close tag.
func InjectBeforeBody(doc []byte, snippet string) []byte {
	locs := bodyCloseRe.FindAllIndex(doc, -1)
	if len(locs) == 0 {
		return append(bytes.Clone(doc), snippet...)
	}
	at := locs[len(locs)-1][0]
	out := make([]byte, 0, len(doc)+len(snippet))
	out = append(out, doc[:at]...)
	out = append(out, snippet...)
	out = append(out, doc[at:]...)
	return out
}

package utils

import (
	"path"
	"strings"
)

// NormalizeRequestPath cleans a URL path into slash form with a leading slash.
// A trailing slash is kept so directory requests stay recognisable.
func NormalizeRequestPath(rawPath string) string {
	if rawPath == "" {
		return "/"
	}
	if !strings.HasPrefix(rawPath, "/") {
		rawPath = "/" + rawPath
	}
	cleaned := path.Clean(rawPath)
	if strings.HasSuffix(rawPath, "/") && cleaned != "/" {
		cleaned += "/"
	}
	return cleaned
}

// IsHashedAsset checks if filename contains a content hash (e.g., app.a1b2c3d4.js)
func IsHashedAsset(filename string) bool {
	// Pattern: name.<8-12 hex chars>.ext
	parts := strings.Split(filename, ".")
	if len(parts) < 3 {
		return false
	}
	hashPart := parts[len(parts)-2]
	if len(hashPart) < 8 || len(hashPart) > 12 {
		return false
	}
	for _, c := range hashPart {
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') && (c < 'A' || c > 'F') {
			return false
		}
	}
	return true
}

// IsHashedAssetName is IsHashedAsset for esbuild's default [name]-[hash]
// naming, where the hash is 8 base32 characters after the last dash.
func IsHashedAssetName(filename string) bool {
	if IsHashedAsset(filename) {
		return true
	}
	base := filename
	if i := strings.IndexByte(base, '.'); i >= 0 {
		base = base[:i]
	}
	i := strings.LastIndexByte(base, '-')
	if i < 0 || len(base)-i-1 != 8 {
		return false
	}
	for _, c := range base[i+1:] {
		if (c < 'A' || c > 'Z') && (c < '0' || c > '9') {
			return false
		}
	}
	return true
}

// Package mimetype maps file extensions to media types. Session.Download
// consults it to set the Accept header from the destination path's
// extension, and callers may use it to pick a FileBody's Content-Type. A
// small static table covers common web extensions; unknown extensions fall
// back to application/octet-stream rather than consulting the OS mime
// registry, which makes behavior identical across platforms.
package mimetype

import "strings"

var table = map[string]string{
	".html":  "text/html; charset=utf-8",
	".htm":   "text/html; charset=utf-8",
	".css":   "text/css; charset=utf-8",
	".js":    "text/javascript; charset=utf-8",
	".json":  "application/json",
	".xml":   "application/xml",
	".txt":   "text/plain; charset=utf-8",
	".csv":   "text/csv",
	".png":   "image/png",
	".jpg":   "image/jpeg",
	".jpeg":  "image/jpeg",
	".gif":   "image/gif",
	".webp":  "image/webp",
	".svg":   "image/svg+xml",
	".pdf":   "application/pdf",
	".zip":   "application/zip",
	".gz":    "application/gzip",
	".tar":   "application/x-tar",
	".wasm":  "application/wasm",
	".woff":  "font/woff",
	".woff2": "font/woff2",
}

// TypeByExtension returns the media type registered for ext (which may or
// may not include the leading dot), or "application/octet-stream" if ext is
// not in the table.
func TypeByExtension(ext string) string {
	if ext == "" {
		return "application/octet-stream"
	}
	if ext[0] != '.' {
		ext = "." + ext
	}
	if mt, ok := table[strings.ToLower(ext)]; ok {
		return mt
	}
	return "application/octet-stream"
}

package store

import "path"

const DefaultMime = "application/octet-stream"

// mimeTypes maps a case-sensitive filename suffix to its content type.
var mimeTypes = map[string]string{
	".html": "text/html",
	".css":  "text/css",
	".js":   "application/javascript",
	".png":  "image/png",
	".jpg":  "image/jpeg",
	".jpeg": "image/jpeg",
	".svg":  "image/svg+xml",
	".ico":  "image/x-icon",
	".json": "application/json",
	".txt":  "text/plain",
}

// MimeType returns the content type for name's suffix, or DefaultMime.
func MimeType(name string) string {
	if mime, ok := mimeTypes[path.Ext(name)]; ok {
		return mime
	}
	return DefaultMime
}

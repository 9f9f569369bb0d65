package object

import (
	"path"
	"strings"
)

// DefaultContentType is served when nothing better can be inferred from the
// object key.
const DefaultContentType = "application/octet-stream"

// contentTypes maps lower-cased key extensions to the content type the
// facade infers when no explicit type was stored. The table is fixed so that
// inference stays deterministic across hosts; we deliberately do not consult
// the platform mime database.
var contentTypes = map[string]string{
	".txt":  "text/plain",
	".log":  "text/plain",
	".json": "application/json",
	".yaml": "text/yaml",
	".yml":  "text/yaml",
	".html": "text/html",
	".xml":  "application/xml",
	".csv":  "text/csv",
	".pdf":  "application/pdf",
	".png":  "image/png",
	".jpg":  "image/jpeg",
	".jpeg": "image/jpeg",
	".gif":  "image/gif",
	".gz":   "application/gzip",
	".zip":  "application/zip",
}

// InferContentType derives a content type from the object key's extension,
// falling back to DefaultContentType. No charset parameter is appended.
func InferContentType(key string) string {
	ext := strings.ToLower(path.Ext(key))
	if ct, ok := contentTypes[ext]; ok {
		return ct
	}
	return DefaultContentType
}

// ShouldStoreMetadata decides whether a PUT needs a persistent metadata
// record: yes when the caller supplied user metadata, or an explicit content
// type that differs (case-insensitively) from what inference would produce
// anyway. Everything else is synthesized on read.
func ShouldStoreMetadata(key, contentType string, metadata map[string]string) bool {
	if len(metadata) > 0 {
		return true
	}
	if contentType == "" {
		return false
	}
	return !strings.EqualFold(contentType, InferContentType(key))
}

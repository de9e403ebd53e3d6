// Package extract produces diffable text renditions for binary originals.
// Adapters are looked up per content type; formats with no registered adapter
// simply get no sidecar.
package extract

import (
	"path/filepath"
	"strings"
)

// NativeExport describes how a provider-native document type is materialized:
// the export rendition committed as the "original" and its extension.
type NativeExport struct {
	Ext      string
	MimeType string
}

// NativeExports maps provider-native MIME types to their export renditions.
var NativeExports = map[string]NativeExport{
	"application/vnd.google-apps.document": {
		Ext:      ".docx",
		MimeType: "application/vnd.openxmlformats-officedocument.wordprocessingml.document",
	},
	"application/vnd.google-apps.spreadsheet": {
		Ext:      ".csv",
		MimeType: "text/csv",
	},
	"application/vnd.google-apps.presentation": {
		Ext:      ".pdf",
		MimeType: "application/pdf",
	},
}

// Extractor turns original content into a diffable text rendition.
type Extractor interface {
	Name() string
	Extract(filename string, content []byte) ([]byte, error)
}

// Registry resolves an Extractor for a file, keyed by its effective
// extension (the export extension for native types).
type Registry struct {
	byExt map[string]Extractor
}

// NewRegistry returns a registry with the built-in adapters: CSV to markdown
// table, and identity passthrough for plain-text types that are already
// diffable. Document and PDF converters are deployment concerns and are
// registered by the caller when available.
func NewRegistry() *Registry {
	r := &Registry{byExt: map[string]Extractor{}}
	r.Register(".csv", CSVTable{})
	return r
}

// Register binds an extractor to a file extension (".docx", ".pdf", ...).
func (r *Registry) Register(ext string, e Extractor) {
	r.byExt[strings.ToLower(ext)] = e
}

// For returns the extractor for a file, if one is registered.
func (r *Registry) For(name, mimeType string) (Extractor, bool) {
	e, ok := r.byExt[effectiveExt(name, mimeType)]
	return e, ok
}

// SidecarName returns the sidecar filename for an original, or "" when the
// type has no text rendition. Naming matches the repository convention:
// documents gain ".md", tables and PDFs gain ".txt".
func SidecarName(name, mimeType string) string {
	if export, ok := NativeExports[mimeType]; ok {
		switch export.Ext {
		case ".docx":
			return name + export.Ext + ".md"
		case ".csv", ".pdf":
			return name + export.Ext + ".txt"
		}
	}
	switch strings.ToLower(filepath.Ext(name)) {
	case ".docx":
		return name + ".md"
	case ".pdf", ".csv":
		return name + ".txt"
	}
	return ""
}

func effectiveExt(name, mimeType string) string {
	if export, ok := NativeExports[mimeType]; ok {
		return export.Ext
	}
	return strings.ToLower(filepath.Ext(name))
}

// Identity passes content through unchanged, for types that are already text.
type Identity struct{}

func (Identity) Name() string { return "identity" }

func (Identity) Extract(filename string, content []byte) ([]byte, error) {
	return content, nil
}

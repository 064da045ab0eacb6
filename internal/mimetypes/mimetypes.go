// Package mimetypes resolves the content type recorded for a transferred
// document. Resolution never yields an invalid MIME string; anything that
// cannot be resolved becomes application/octet-stream.
package mimetypes

import (
	"path/filepath"
	"regexp"
	"strings"

	"github.com/gabriel-vasile/mimetype"
)

// OctetStream is the fallback type.
const OctetStream = "application/octet-stream"

var byExtension = map[string]string{
	".pdf":  "application/pdf",
	".doc":  "application/msword",
	".docx": "application/vnd.openxmlformats-officedocument.wordprocessingml.document",
	".dot":  "application/msword",
	".dotx": "application/vnd.openxmlformats-officedocument.wordprocessingml.template",
	".xls":  "application/vnd.ms-excel",
	".xlsx": "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet",
	".ppt":  "application/vnd.ms-powerpoint",
	".pptx": "application/vnd.openxmlformats-officedocument.presentationml.presentation",
	".odt":  "application/vnd.oasis.opendocument.text",
	".ods":  "application/vnd.oasis.opendocument.spreadsheet",
	".rtf":  "application/rtf",
	".txt":  "text/plain",
	".md":   "text/markdown",
	".csv":  "text/csv",
	".html": "text/html",
	".htm":  "text/html",
	".xml":  "application/xml",
	".json": "application/json",
	".eml":  "message/rfc822",
	".msg":  "application/vnd.ms-outlook",
	".jpg":  "image/jpeg",
	".jpeg": "image/jpeg",
	".png":  "image/png",
	".gif":  "image/gif",
	".webp": "image/webp",
	".heic": "image/heic",
	".tif":  "image/tiff",
	".tiff": "image/tiff",
	".svg":  "image/svg+xml",
	".mp3":  "audio/mpeg",
	".m4a":  "audio/mp4",
	".wav":  "audio/wav",
	".mp4":  "video/mp4",
	".mov":  "video/quicktime",
	".zip":  "application/zip",
}

// type/subtype restricted names, RFC 6838 section 4.2.
var validMIME = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9!#$&^_.+-]{0,126}/[a-zA-Z0-9][a-zA-Z0-9!#$&^_.+-]{0,126}$`)

// DetectFromFileName looks the extension up in the built-in table.
//
//	DetectFromFileName("brief.pdf") == "application/pdf"
//	DetectFromFileName("noext")     == OctetStream
func DetectFromFileName(name string) string {
	if t, ok := lookupExtension(filepath.Ext(name)); ok {
		return t
	}
	return OctetStream
}

func lookupExtension(ext string) (string, bool) {
	if ext == "" {
		return "", false
	}
	t, ok := byExtension[strings.ToLower(ext)]
	return t, ok
}

// IsValid reports whether s is a syntactically valid type/subtype.
func IsValid(s string) bool {
	return validMIME.MatchString(s)
}

// normalize strips parameters and lower-cases a content type.
func normalize(s string) string {
	s, _, _ = strings.Cut(s, ";")
	return strings.ToLower(strings.TrimSpace(s))
}

// Resolve picks the type for a legacy document: the extension table first,
// then the legacy type string when it is a valid MIME type or a known bare
// extension, then OctetStream.
func Resolve(fileName, legacyType string) string {
	if t, ok := lookupExtension(filepath.Ext(fileName)); ok {
		return t
	}
	lt := normalize(legacyType)
	if IsValid(lt) {
		return lt
	}
	if t, ok := lookupExtension("." + strings.TrimPrefix(lt, ".")); ok && lt != "" {
		return t
	}
	return OctetStream
}

// Resolver optionally refines OctetStream results by sniffing content.
type Resolver struct {
	Sniff bool
}

// Resolve behaves like the package-level Resolve and, when sniffing is
// enabled, replaces an OctetStream result with the detected content type.
func (r Resolver) Resolve(fileName, legacyType string, content []byte) string {
	t := Resolve(fileName, legacyType)
	if t != OctetStream || !r.Sniff || len(content) == 0 {
		return t
	}
	if sniffed := Sniff(content); sniffed != "" {
		return sniffed
	}
	return t
}

// Sniff detects the type from the leading bytes, returning "" when the
// result is not a valid MIME string.
func Sniff(content []byte) string {
	t := normalize(mimetype.Detect(content).String())
	if !IsValid(t) {
		return ""
	}
	return t
}

package mimetypes

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDetectFromFileName(t *testing.T) {
	assert.Equal(t, "application/pdf", DetectFromFileName("brief.pdf"))
	assert.Equal(t, "application/pdf", DetectFromFileName("BRIEF.PDF"))
	assert.Equal(t, OctetStream, DetectFromFileName("noext"))
	assert.Equal(t, OctetStream, DetectFromFileName("archive.unknownext"))
	assert.Equal(t,
		"application/vnd.openxmlformats-officedocument.wordprocessingml.document",
		DetectFromFileName("contract.v2.docx"))
}

func TestResolve(t *testing.T) {
	tests := []struct {
		name, fileName, legacyType, want string
	}{
		{"extension wins", "a.pdf", "text/plain", "application/pdf"},
		{"legacy mime", "scan", "image/png", "image/png"},
		{"legacy mime with params", "note", "Text/Plain; charset=utf-8", "text/plain"},
		{"legacy bare extension", "upload", "docx", "application/vnd.openxmlformats-officedocument.wordprocessingml.document"},
		{"legacy dotted extension", "upload", ".jpg", "image/jpeg"},
		{"garbage legacy type", "blob", "not a mime", OctetStream},
		{"empty", "", "", OctetStream},
		{"unknown extension and invalid type", "x.qqq", "pdf document", OctetStream},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Resolve(tt.fileName, tt.legacyType)
			assert.Equal(t, tt.want, got)
			assert.True(t, IsValid(got))
		})
	}
}

func TestIsValid(t *testing.T) {
	for _, s := range []string{"application/pdf", "image/svg+xml", "application/vnd.ms-excel"} {
		assert.True(t, IsValid(s), s)
	}
	for _, s := range []string{"", "pdf", "/pdf", "application/", "text/plain; charset=utf-8", "a b/c"} {
		assert.False(t, IsValid(s), s)
	}
}

func TestResolverSniffsOnlyFallbacks(t *testing.T) {
	pdf := []byte("%PDF-1.7\n%\xe2\xe3\xcf\xd3\n1 0 obj\n")

	assert.Equal(t, OctetStream, Resolver{}.Resolve("blob", "", pdf))
	assert.Equal(t, "application/pdf", Resolver{Sniff: true}.Resolve("blob", "", pdf))
	assert.Equal(t, "image/png", Resolver{Sniff: true}.Resolve("a.png", "", pdf), "table result is kept")
	assert.Equal(t, OctetStream, Resolver{Sniff: true}.Resolve("blob", "", nil))
}

// Package secrets resolves credentials from mounted secret files (Docker or
// Kubernetes) or from ${VAR} references inside configuration values.
//
// Secret values are never logged or included in errors.
package secrets

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/afero"
)

// maxSecretFileSize limits secret file reads. Secrets are tokens and DSNs,
// not documents.
const maxSecretFileSize = 64 * 1024

// Source reads secret files and environment references.
type Source struct {
	Fs     afero.Fs
	Getenv func(string) string
	// Warn receives non-fatal findings such as a group readable file.
	Warn func(msg string)
}

// OS returns a Source backed by the real filesystem and environment.
func OS() Source {
	return Source{Fs: afero.NewOsFs(), Getenv: os.Getenv}
}

func (s Source) getenv(key string) string {
	if s.Getenv == nil {
		return os.Getenv(key)
	}
	return s.Getenv(key)
}

func (s Source) warn(msg string) {
	if s.Warn != nil {
		s.Warn(msg)
	}
}

// Expand resolves ${VAR} and ${VAR:-default} references in v. A reference
// without a default to an unset variable is an error.
func (s Source) Expand(v string) (string, error) {
	if v == "" {
		return "", nil
	}

	var missing []string
	expanded := os.Expand(v, func(key string) string {
		name, fallback, hasFallback := strings.Cut(key, ":-")
		if value := s.getenv(name); value != "" {
			return value
		}
		if hasFallback {
			return fallback
		}
		missing = append(missing, name)
		return ""
	})
	if len(missing) > 0 {
		return "", fmt.Errorf("missing environment variable(s): %s", strings.Join(missing, ", "))
	}
	return expanded, nil
}

// ReadFile reads a secret file and strips trailing newlines. Files readable
// by group or other are accepted with a warning.
func (s Source) ReadFile(path string) (string, error) {
	if path == "" {
		return "", fmt.Errorf("secret file path is empty")
	}
	fsys := s.Fs
	if fsys == nil {
		fsys = afero.NewOsFs()
	}
	clean := filepath.Clean(path)

	info, err := fsys.Stat(clean)
	if err != nil {
		if os.IsNotExist(err) {
			return "", fmt.Errorf("secret file not found: %s", clean)
		}
		return "", fmt.Errorf("failed to stat secret file %s: %w", clean, err)
	}
	if !info.Mode().IsRegular() {
		return "", fmt.Errorf("secret path is not a regular file: %s", clean)
	}
	if info.Size() > maxSecretFileSize {
		return "", fmt.Errorf("secret file too large (max %d bytes): %s", maxSecretFileSize, clean)
	}
	if perm := info.Mode().Perm(); perm&0o077 != 0 {
		s.warn(fmt.Sprintf("secret file %s is accessible by group or other (%04o)", clean, uint32(perm&fs.ModePerm)))
	}

	data, err := afero.ReadFile(fsys, clean)
	if err != nil {
		return "", fmt.Errorf("failed to read secret file %s: %w", clean, err)
	}
	secret := strings.TrimRight(string(data), "\r\n")
	if secret == "" {
		return "", fmt.Errorf("secret file is empty: %s", clean)
	}
	return secret, nil
}

// Resolve returns the secret from filePath when set, otherwise value with
// environment references expanded. Both empty yields "".
func (s Source) Resolve(filePath, value string) (string, error) {
	if filePath != "" {
		return s.ReadFile(filePath)
	}
	return s.Expand(value)
}

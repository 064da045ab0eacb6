package blobstore

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/spf13/afero"

	"github.com/casebook-app/migrate/internal/errors"
)

const (
	permDir  = 0o750
	permFile = 0o640

	// LocalBucket is reported as the bucket of locally stored objects.
	LocalBucket = "local"

	attrsSuffix = ".attrs.json"
)

// LocalStore keeps objects as files under a root directory. It serves dry
// runs and tests; object attributes are stored in a JSON sidecar file.
type LocalStore struct {
	fs afero.Fs
}

var _ Store = (*LocalStore)(nil)

// NewLocalStore roots a store at dir on the OS filesystem.
func NewLocalStore(dir string) (*LocalStore, error) {
	if strings.TrimSpace(dir) == "" {
		return nil, errors.ValidationError("local storage path is required")
	}
	abs, err := filepath.Abs(filepath.Clean(dir))
	if err != nil {
		return nil, errors.New(err).Component(componentName).Category(errors.CategoryValidation).Build()
	}
	if err := os.MkdirAll(abs, permDir); err != nil {
		return nil, errors.New(fmt.Errorf("failed to create storage directory: %w", err)).
			Component(componentName).
			Category(errors.CategoryFileIO).
			Build()
	}
	return NewLocalStoreFs(afero.NewBasePathFs(afero.NewOsFs(), abs)), nil
}

// NewLocalStoreFs uses fs as the store root.
func NewLocalStoreFs(fs afero.Fs) *LocalStore {
	return &LocalStore{fs: fs}
}

// Bucket returns LocalBucket.
func (s *LocalStore) Bucket() string {
	return LocalBucket
}

// objectPath maps a key to a rooted, traversal-free path.
func objectPath(key string) (string, error) {
	clean := path.Clean("/" + strings.ReplaceAll(key, "\\", "/"))
	if clean == "/" || strings.HasSuffix(clean, attrsSuffix) {
		return "", errors.ValidationError("invalid object key " + key)
	}
	return clean, nil
}

// Download accepts gs:// style locations for the local bucket as well as
// plain keys.
func (s *LocalStore) Download(ctx context.Context, location string, maxSize int64) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	_, object, err := ParseLocation(location, LocalBucket)
	if err != nil {
		return nil, err
	}
	p, err := objectPath(object)
	if err != nil {
		return nil, err
	}

	f, err := s.fs.Open(p)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, transferError("download", object, fmt.Errorf("%s: %w", object, ErrNotFound))
		}
		return nil, transferError("download", object, err)
	}
	defer f.Close()

	if fi, statErr := f.Stat(); statErr == nil && maxSize > 0 && fi.Size() > maxSize {
		return nil, transferError("download", object, fmt.Errorf("%d bytes: %w", fi.Size(), ErrTooLarge))
	}
	data, err := readLimited(f, maxSize)
	if err != nil {
		return nil, transferError("download", object, err)
	}
	return data, nil
}

// Upload writes the object atomically through a temporary file.
func (s *LocalStore) Upload(ctx context.Context, key string, data []byte, attrs Attrs) (Object, error) {
	if err := ctx.Err(); err != nil {
		return Object{}, err
	}
	p, err := objectPath(key)
	if err != nil {
		return Object{}, err
	}
	if err := s.fs.MkdirAll(path.Dir(p), permDir); err != nil {
		return Object{}, transferError("upload", key, err)
	}

	if err := s.atomicWrite(p, data); err != nil {
		return Object{}, transferError("upload", key, err)
	}
	sidecar, err := json.Marshal(attrs)
	if err != nil {
		return Object{}, transferError("upload", key, err)
	}
	if err := s.atomicWrite(p+attrsSuffix, sidecar); err != nil {
		return Object{}, transferError("upload", key, err)
	}
	return Object{Bucket: LocalBucket, Key: strings.TrimPrefix(p, "/"), Size: int64(len(data))}, nil
}

func (s *LocalStore) atomicWrite(target string, data []byte) error {
	tmp, err := afero.TempFile(s.fs, path.Dir(target), ".upload-*")
	if err != nil {
		return fmt.Errorf("failed to create temporary file: %w", err)
	}
	tmpName := tmp.Name()
	success := false
	defer func() {
		if !success {
			_ = tmp.Close()
			_ = s.fs.Remove(tmpName)
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		return fmt.Errorf("failed to write temporary file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close temporary file: %w", err)
	}
	if err := s.fs.Chmod(tmpName, permFile); err != nil {
		return fmt.Errorf("failed to set file permissions: %w", err)
	}
	if err := s.fs.Rename(tmpName, target); err != nil {
		return fmt.Errorf("failed to rename temporary file: %w", err)
	}
	success = true
	return nil
}

// Exists reports whether key has been uploaded.
func (s *LocalStore) Exists(_ context.Context, key string) (bool, error) {
	p, err := objectPath(key)
	if err != nil {
		return false, err
	}
	return afero.Exists(s.fs, p)
}

// Attrs returns the attributes stored with key.
func (s *LocalStore) Attrs(key string) (Attrs, error) {
	var attrs Attrs
	p, err := objectPath(key)
	if err != nil {
		return attrs, err
	}
	raw, err := afero.ReadFile(s.fs, p+attrsSuffix)
	if err != nil {
		return attrs, err
	}
	err = json.Unmarshal(raw, &attrs)
	return attrs, err
}

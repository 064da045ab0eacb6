// Package blobstore moves document bytes between the legacy bucket and the
// destination bucket. Objects are small enough to be held in memory; the
// download size is bounded by the caller.
package blobstore

import (
	"context"
	"fmt"
	"path"
	"strconv"
	"strings"
	"time"
	"unicode"

	"github.com/google/uuid"

	"github.com/casebook-app/migrate/internal/errors"
)

const componentName = "blobstore"

// Provenance metadata keys written on every migrated object.
const (
	MetaSource       = "source"
	MetaOriginalName = "original-filename"
	MetaOriginalPath = "original-path"
	MetaLegacyID     = "legacy-document-id"

	SourceMigration = "migration"
)

// Key strategies.
const (
	KeyStrategyStable    = "stable"
	KeyStrategyTimestamp = "timestamp"
)

var (
	// ErrNotFound indicates the object does not exist.
	ErrNotFound = errors.NewStd("object not found")

	// ErrTooLarge indicates the object exceeds the download limit.
	ErrTooLarge = errors.NewStd("object exceeds maximum size")
)

// Attrs are written with an uploaded object.
type Attrs struct {
	ContentType string
	Metadata    map[string]string
}

// Object identifies a stored object.
type Object struct {
	Bucket string
	Key    string
	Size   int64
}

// Downloader reads objects by location. A location is a gs:// URL, a
// Firebase or GCS download URL, or an object path in the default bucket.
type Downloader interface {
	Download(ctx context.Context, location string, maxSize int64) ([]byte, error)
}

// Uploader writes objects into a single bucket.
type Uploader interface {
	Upload(ctx context.Context, key string, data []byte, attrs Attrs) (Object, error)
	Exists(ctx context.Context, key string) (bool, error)
	Bucket() string
}

// Store is a bucket that can be read and written.
type Store interface {
	Downloader
	Uploader
}

// keyNamespace seeds stable object keys. Changing it orphans every object
// written by earlier runs.
var keyNamespace = uuid.MustParse("3b0e4f7a-8c21-5d6e-b9f0-1a2c3d4e5f60")

// KeyBuilder derives destination object keys.
type KeyBuilder struct {
	Strategy string
	Prefix   string
	Now      func() time.Time
}

// Key returns the destination key for a legacy document. The stable
// strategy hashes (ownerSourceID, documentID) so a re-run overwrites the
// object it wrote before instead of orphaning it; the timestamp strategy
// produces a new key on every call.
func (b KeyBuilder) Key(ownerSourceID, documentID, fileName string) (string, error) {
	prefix := strings.Trim(b.Prefix, "/")
	name := SanitizeName(fileName)

	var base string
	switch b.Strategy {
	case KeyStrategyStable, "":
		if ownerSourceID == "" || documentID == "" {
			return "", errors.ValidationError("stable keys need an owner and a document id")
		}
		id := uuid.NewSHA1(keyNamespace, []byte(ownerSourceID+"/"+documentID))
		base = id.String() + "-" + name
	case KeyStrategyTimestamp:
		now := time.Now
		if b.Now != nil {
			now = b.Now
		}
		base = strconv.FormatInt(now().UnixMilli(), 10) + "-" + name
	default:
		return "", errors.ValidationError(fmt.Sprintf("unknown key strategy %q", b.Strategy))
	}

	if prefix == "" {
		return base, nil
	}
	return path.Join(prefix, base), nil
}

const maxNameLength = 200

// SanitizeName makes a file name safe to use as the last key segment.
func SanitizeName(name string) string {
	name = strings.TrimSpace(path.Base(strings.ReplaceAll(name, "\\", "/")))
	if name == "" || name == "." || name == "/" || name == ".." {
		return "file"
	}
	name = strings.Map(func(r rune) rune {
		if unicode.IsControl(r) || r == '/' || r == '#' || r == '?' {
			return '_'
		}
		return r
	}, name)
	if runes := []rune(name); len(runes) > maxNameLength {
		name = string(runes[len(runes)-maxNameLength:])
	}
	return name
}

// ProvenanceMetadata returns the metadata tagged on migrated objects.
func ProvenanceMetadata(fileName, originalPath, legacyID string) map[string]string {
	md := map[string]string{
		MetaSource:       SourceMigration,
		MetaOriginalName: fileName,
		MetaOriginalPath: originalPath,
	}
	if legacyID != "" {
		md[MetaLegacyID] = legacyID
	}
	return md
}

func transferError(direction, object string, err error) error {
	return errors.UploadError(componentName, direction, object, err)
}

package blobstore

import (
	"net/url"
	"strings"

	"github.com/casebook-app/migrate/internal/errors"
)

const (
	firebaseHost = "firebasestorage.googleapis.com"
	gcsHost      = "storage.googleapis.com"
)

// ParseLocation splits a legacy storage location into bucket and object.
// Supported forms:
//
//	gs://bucket/path/to/object
//	https://firebasestorage.googleapis.com/v0/b/bucket/o/path%2Fto%2Fobject?alt=media&token=...
//	https://storage.googleapis.com/bucket/path/to/object
//	path/to/object (resolved against defaultBucket)
func ParseLocation(raw, defaultBucket string) (bucket, object string, err error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", "", errors.ValidationError("storage location is empty")
	}

	if !strings.Contains(raw, "://") {
		if defaultBucket == "" {
			return "", "", errors.ValidationError("relative storage location without a default bucket")
		}
		return defaultBucket, strings.TrimLeft(raw, "/"), nil
	}

	u, err := url.Parse(raw)
	if err != nil {
		return "", "", errors.New(err).Category(errors.CategoryValidation).Component(componentName).Build()
	}

	switch {
	case u.Scheme == "gs":
		bucket, object = u.Host, strings.TrimLeft(u.Path, "/")
	case u.Host == firebaseHost:
		// /v0/b/{bucket}/o/{escaped object}
		parts := strings.SplitN(strings.TrimLeft(u.EscapedPath(), "/"), "/", 5)
		if len(parts) == 5 && parts[1] == "b" && parts[3] == "o" {
			bucket = parts[2]
			object, err = url.PathUnescape(parts[4])
			if err != nil {
				return "", "", errors.New(err).Category(errors.CategoryValidation).Component(componentName).Build()
			}
		}
	case u.Host == gcsHost:
		bucket, object, _ = strings.Cut(strings.TrimLeft(u.Path, "/"), "/")
	case strings.HasSuffix(u.Host, "."+gcsHost):
		bucket, object = strings.TrimSuffix(u.Host, "."+gcsHost), strings.TrimLeft(u.Path, "/")
	}

	if bucket == "" || object == "" {
		return "", "", errors.ValidationError("unrecognized storage location " + u.Redacted())
	}
	return bucket, object, nil
}

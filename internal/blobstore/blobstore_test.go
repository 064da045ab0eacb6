package blobstore

import (
	"os"
	"strings"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/casebook-app/migrate/internal/errors"
)

func TestParseLocation(t *testing.T) {
	tests := []struct {
		raw, bucket, object string
	}{
		{"gs://legacy-bucket/users/kp_1/brief.pdf", "legacy-bucket", "users/kp_1/brief.pdf"},
		{
			"https://firebasestorage.googleapis.com/v0/b/legacy.appspot.com/o/users%2Fkp_1%2Fmy%20brief.pdf?alt=media&token=abc",
			"legacy.appspot.com", "users/kp_1/my brief.pdf",
		},
		{"https://storage.googleapis.com/dest/migrations/a.pdf", "dest", "migrations/a.pdf"},
		{"https://dest.storage.googleapis.com/migrations/a.pdf", "dest", "migrations/a.pdf"},
		{"/users/kp_1/a.pdf", "default", "users/kp_1/a.pdf"},
	}
	for _, tt := range tests {
		bucket, object, err := ParseLocation(tt.raw, "default")
		require.NoError(t, err, tt.raw)
		assert.Equal(t, tt.bucket, bucket, tt.raw)
		assert.Equal(t, tt.object, object, tt.raw)
	}

	for _, bad := range []string{"", "https://example.com/file.pdf", "gs://bucket-only"} {
		_, _, err := ParseLocation(bad, "default")
		assert.True(t, errors.IsValidation(err), bad)
	}
	_, _, err := ParseLocation("relative/path", "")
	assert.True(t, errors.IsValidation(err))
}

func TestStableKeysAreDeterministic(t *testing.T) {
	b := KeyBuilder{Strategy: KeyStrategyStable, Prefix: "/migrations/"}

	k1, err := b.Key("kp_1", "doc-1", "brief.pdf")
	require.NoError(t, err)
	k2, err := b.Key("kp_1", "doc-1", "brief.pdf")
	require.NoError(t, err)
	other, err := b.Key("kp_1", "doc-2", "brief.pdf")
	require.NoError(t, err)

	assert.Equal(t, k1, k2)
	assert.NotEqual(t, k1, other)
	assert.True(t, strings.HasPrefix(k1, "migrations/"))
	assert.True(t, strings.HasSuffix(k1, "-brief.pdf"))

	_, err = b.Key("", "doc-1", "brief.pdf")
	assert.True(t, errors.IsValidation(err))
}

func TestTimestampKeys(t *testing.T) {
	now := time.UnixMilli(1700000000123)
	b := KeyBuilder{Strategy: KeyStrategyTimestamp, Prefix: "migrations", Now: func() time.Time { return now }}
	k, err := b.Key("", "", "a.pdf")
	require.NoError(t, err)
	assert.Equal(t, "migrations/1700000000123-a.pdf", k)

	_, err = KeyBuilder{Strategy: "random"}.Key("a", "b", "c")
	assert.True(t, errors.IsValidation(err))
}

func TestSanitizeName(t *testing.T) {
	assert.Equal(t, "brief.pdf", SanitizeName("../../etc/brief.pdf"))
	assert.Equal(t, "brief.pdf", SanitizeName(`C:\Users\x\brief.pdf`))
	assert.Equal(t, "file", SanitizeName(""))
	assert.Equal(t, "file", SanitizeName(".."))
	assert.Equal(t, "a_b.pdf", SanitizeName("a\nb.pdf"))
	assert.Equal(t, "what_.pdf", SanitizeName("what?.pdf"))
	assert.Len(t, []rune(SanitizeName(strings.Repeat("é", 300)+".pdf")), maxNameLength)
}

func TestLocalStoreRoundTrip(t *testing.T) {
	s := NewLocalStoreFs(afero.NewMemMapFs())
	ctx := t.Context()

	attrs := Attrs{ContentType: "application/pdf", Metadata: ProvenanceMetadata("a.pdf", "gs://legacy/a.pdf", "doc-1")}
	obj, err := s.Upload(ctx, "migrations/x-a.pdf", []byte("%PDF"), attrs)
	require.NoError(t, err)
	assert.Equal(t, Object{Bucket: LocalBucket, Key: "migrations/x-a.pdf", Size: 4}, obj)

	ok, err := s.Exists(ctx, "migrations/x-a.pdf")
	require.NoError(t, err)
	assert.True(t, ok)

	data, err := s.Download(ctx, "migrations/x-a.pdf", 0)
	require.NoError(t, err)
	assert.Equal(t, []byte("%PDF"), data)

	got, err := s.Attrs("migrations/x-a.pdf")
	require.NoError(t, err)
	assert.Equal(t, SourceMigration, got.Metadata[MetaSource])
	assert.Equal(t, "doc-1", got.Metadata[MetaLegacyID])
}

func TestLocalStoreLimitsAndMissing(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "/users/kp_1/big.bin", make([]byte, 64), 0o640))
	s := NewLocalStoreFs(fs)
	ctx := t.Context()

	_, err := s.Download(ctx, "gs://legacy/users/kp_1/big.bin", 32)
	require.ErrorIs(t, err, ErrTooLarge)
	assert.True(t, errors.IsUpload(err))
	var ee *errors.EnhancedError
	require.ErrorAs(t, err, &ee)
	assert.Equal(t, "download", ee.GetContext()["direction"])

	data, err := s.Download(ctx, "gs://legacy/users/kp_1/big.bin", 64)
	require.NoError(t, err)
	assert.Len(t, data, 64)

	_, err = s.Download(ctx, "users/kp_1/missing.bin", 0)
	require.ErrorIs(t, err, ErrNotFound)

	_, err = s.Upload(ctx, "../../escape.attrs.json", nil, Attrs{})
	assert.True(t, errors.IsValidation(err))
}

func TestLocalStoreKeysCannotEscapeRoot(t *testing.T) {
	p, err := objectPath("../../etc/passwd")
	require.NoError(t, err)
	assert.Equal(t, "/etc/passwd", p)
}

func TestNewLocalStoreCreatesDirectory(t *testing.T) {
	dir := t.TempDir() + "/objects"
	s, err := NewLocalStore(dir)
	require.NoError(t, err)

	_, err = s.Upload(t.Context(), "k/a.txt", []byte("hi"), Attrs{ContentType: "text/plain"})
	require.NoError(t, err)
	raw, err := os.ReadFile(dir + "/k/a.txt")
	require.NoError(t, err)
	assert.Equal(t, "hi", string(raw))
}

func TestReadLimited(t *testing.T) {
	_, err := readLimited(strings.NewReader("12345"), 4)
	require.ErrorIs(t, err, ErrTooLarge)
	data, err := readLimited(strings.NewReader("1234"), 4)
	require.NoError(t, err)
	assert.Equal(t, "1234", string(data))
}

func TestGCSStoreAgainstEmulator(t *testing.T) {
	if os.Getenv("STORAGE_EMULATOR_HOST") == "" {
		t.Skip("STORAGE_EMULATOR_HOST not set")
	}
	ctx := t.Context()
	s, err := NewGCSStore(ctx, GCSConfig{Bucket: "casebook-test"}, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	_, err = s.Upload(ctx, "migrations/t.txt", []byte("hello"), Attrs{ContentType: "text/plain"})
	require.NoError(t, err)
	ok, err := s.Exists(ctx, "migrations/t.txt")
	require.NoError(t, err)
	assert.True(t, ok)

	data, err := s.Download(ctx, "gs://casebook-test/migrations/t.txt", 10)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(data))

	_, err = s.Download(ctx, "migrations/t.txt", 2)
	require.ErrorIs(t, err, ErrTooLarge)
}
